// Copyright 2026 Miniclaw Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tools

import "fmt"

// Level orders tool capabilities from read-only to system access.
type Level int

const (
	L0Read Level = iota
	L1Write
	L2Network
	L3System
)

func (l Level) String() string {
	switch l {
	case L0Read:
		return "L0_READ"
	case L1Write:
		return "L1_WRITE"
	case L2Network:
		return "L2_NETWORK"
	case L3System:
		return "L3_SYSTEM"
	}
	return fmt.Sprintf("L%d", int(l))
}

// Ceiling is the highest level a trigger may use without an explicit
// grant. Chat gets everything; autonomous triggers are read-only.
func Ceiling(trigger string) Level {
	if trigger == TriggerChat {
		return L3System
	}
	return L0Read
}

func contains(list []string, name string) bool {
	for _, item := range list {
		if item == name {
			return true
		}
	}
	return false
}

// Allowed decides whether a trigger may invoke a tool. An explicit
// per-trigger tool list widens access for autonomous triggers beyond
// their ceiling, and narrows it for chat.
func Allowed(tool Tool, trigger string, enabled map[string][]string) bool {
	list := enabled[trigger]
	if trigger == TriggerChat {
		if len(list) > 0 {
			return contains(list, tool.Name())
		}
		return tool.Permission() <= Ceiling(trigger)
	}
	if contains(list, tool.Name()) {
		return true
	}
	return tool.Permission() <= Ceiling(trigger)
}
