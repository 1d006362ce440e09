package tools

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/miniclaw/miniclaw/pkg/config"
)

var envKeepExact = map[string]bool{
	"PATH": true, "HOME": true, "PWD": true, "SHELL": true,
	"LANG": true, "LC_ALL": true, "LC_CTYPE": true, "TERM": true,
	"TMPDIR": true, "USER": true, "LOGNAME": true, "TZ": true,
}

var envSecretMarkers = []string{
	"KEY", "TOKEN", "SECRET", "PASSWORD", "AUTH", "CREDENTIAL", "COOKIE",
}

var deniedCommandFragments = []string{
	"rm -rf /",
	"mkfs",
	"shutdown",
	"reboot",
	":(){ :|:& };:",
}

// scrubEnv drops credential-looking variables from the child environment.
func scrubEnv(environ []string) []string {
	var out []string
	for _, kv := range environ {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if envKeepExact[name] {
			out = append(out, kv)
			continue
		}
		upper := strings.ToUpper(name)
		sensitive := false
		for _, marker := range envSecretMarkers {
			if strings.Contains(upper, marker) {
				sensitive = true
				break
			}
		}
		if !sensitive {
			out = append(out, kv)
		}
	}
	return out
}

func clampTimeout(seconds, fallback int) time.Duration {
	if seconds <= 0 {
		seconds = fallback
	}
	if seconds < 1 {
		seconds = 1
	}
	if seconds > 300 {
		seconds = 300
	}
	return time.Duration(seconds) * time.Second
}

// runChild executes a command in the workspace with a scrubbed
// environment and a hard timeout, returning combined output.
func runChild(ctx context.Context, rootDir string, timeout time.Duration, name string, args ...string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = rootDir
	cmd.Env = scrubEnv(os.Environ())

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	timedOut := ctx.Err() == context.DeadlineExceeded
	return buf.String(), timedOut, err
}

type terminalArgs struct {
	Command        string `json:"command" jsonschema:"description=Shell command to run in the workspace"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" jsonschema:"description=Seconds before the command is killed (1-300)"`
}

// TerminalTool runs a shell command inside the agent workspace.
type TerminalTool struct {
	cfg *config.ToolsConfig
}

func NewTerminalTool(cfg *config.ToolsConfig) *TerminalTool { return &TerminalTool{cfg: cfg} }

func (t *TerminalTool) Name() string { return "terminal" }
func (t *TerminalTool) Description() string {
	return "Run a shell command in the agent workspace and return its combined output."
}
func (t *TerminalTool) Schema() map[string]interface{} { return SchemaFor(&terminalArgs{}) }
func (t *TerminalTool) Permission() Level              { return L3System }

func (t *TerminalTool) Run(ctx context.Context, tc Context, args map[string]interface{}) Result {
	command := strings.TrimSpace(stringArg(args, "command"))
	if command == "" {
		return Fail(ErrInvalidArgs, "command is required")
	}
	for _, fragment := range deniedCommandFragments {
		if strings.Contains(command, fragment) {
			return Fail(ErrPolicyDenied, fmt.Sprintf("command contains denied fragment: %s", fragment))
		}
	}

	timeout := clampTimeout(intArg(args, "timeout_seconds", 0), t.cfg.TerminalTimeoutSeconds)
	output, timedOut, err := runChild(ctx, tc.RootDir, timeout, "bash", "-c", command)
	content, truncated := truncate(output, t.cfg.TerminalMaxOutputChars)

	if timedOut {
		result := Fail(ErrTimeout, fmt.Sprintf("command timed out after %s", timeout))
		result.Content = content
		result.Meta.Truncated = truncated
		return result
	}
	if err != nil {
		result := Fail(ErrExec, fmt.Sprintf("command failed: %v", err))
		result.Content = content
		result.Meta.Truncated = truncated
		return result
	}
	result := Ok(content)
	result.Meta.Truncated = truncated
	return result
}

type pythonArgs struct {
	Code           string `json:"code" jsonschema:"description=Python source to execute"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" jsonschema:"description=Seconds before the interpreter is killed (1-300)"`
}

// PythonTool executes a Python snippet in a throwaway child process.
type PythonTool struct {
	cfg *config.ToolsConfig
}

func NewPythonTool(cfg *config.ToolsConfig) *PythonTool { return &PythonTool{cfg: cfg} }

func (t *PythonTool) Name() string { return "python_repl" }
func (t *PythonTool) Description() string {
	return "Execute a Python snippet in a fresh interpreter process and return its output."
}
func (t *PythonTool) Schema() map[string]interface{} { return SchemaFor(&pythonArgs{}) }
func (t *PythonTool) Permission() Level              { return L1Write }

func (t *PythonTool) Run(ctx context.Context, tc Context, args map[string]interface{}) Result {
	code := stringArg(args, "code")
	if strings.TrimSpace(code) == "" {
		return Fail(ErrInvalidArgs, "code is required")
	}

	timeout := clampTimeout(intArg(args, "timeout_seconds", 0), t.cfg.PythonTimeoutSeconds)
	output, timedOut, err := runChild(ctx, tc.RootDir, timeout, "python3", "-c", code)
	content, truncated := truncate(output, t.cfg.PythonMaxOutputChars)

	if timedOut {
		result := Fail(ErrTimeout, fmt.Sprintf("execution timed out after %s", timeout))
		result.Content = content
		result.Meta.Truncated = truncated
		return result
	}
	if err != nil {
		result := Fail(ErrExec, fmt.Sprintf("python exited with error: %v", err))
		result.Content = content
		result.Meta.Truncated = truncated
		return result
	}
	result := Ok(content)
	result.Meta.Truncated = truncated
	return result
}
