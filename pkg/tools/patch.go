package tools

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type applyPatchArgs struct {
	Patch string `json:"patch" jsonschema:"description=Unified diff to apply inside the workspace"`
	Strip int    `json:"strip,omitempty" jsonschema:"description=Path components to strip (default 1)"`
}

// ApplyPatchTool applies a unified diff inside the workspace via the
// system patch binary, with a dry run first.
type ApplyPatchTool struct{}

func NewApplyPatchTool() *ApplyPatchTool { return &ApplyPatchTool{} }

func (t *ApplyPatchTool) Name() string { return "apply_patch" }
func (t *ApplyPatchTool) Description() string {
	return "Apply a unified diff to workspace files. The whole patch is validated before any file changes."
}
func (t *ApplyPatchTool) Schema() map[string]interface{} { return SchemaFor(&applyPatchArgs{}) }
func (t *ApplyPatchTool) Permission() Level              { return L1Write }

// patchTargets extracts file paths from ---/+++ headers, stripping the
// conventional a/ and b/ prefixes and skipping /dev/null.
func patchTargets(patch string) []string {
	seen := map[string]bool{}
	var targets []string
	for _, line := range strings.Split(patch, "\n") {
		if !strings.HasPrefix(line, "--- ") && !strings.HasPrefix(line, "+++ ") {
			continue
		}
		path := strings.TrimSpace(line[4:])
		if tab := strings.IndexByte(path, '\t'); tab >= 0 {
			path = path[:tab]
		}
		if path == "/dev/null" || path == "" {
			continue
		}
		path = strings.TrimPrefix(strings.TrimPrefix(path, "a/"), "b/")
		if !seen[path] {
			seen[path] = true
			targets = append(targets, path)
		}
	}
	return targets
}

func (t *ApplyPatchTool) Run(ctx context.Context, tc Context, args map[string]interface{}) Result {
	patch := stringArg(args, "patch")
	if strings.TrimSpace(patch) == "" {
		return Fail(ErrInvalidArgs, "patch is required")
	}
	strip := intArg(args, "strip", 1)
	if strip < 0 || strip > 4 {
		return Fail(ErrInvalidArgs, fmt.Sprintf("strip out of range: %d", strip))
	}

	targets := patchTargets(patch)
	if len(targets) == 0 {
		return Fail(ErrInvalidArgs, "patch contains no file headers")
	}
	for _, target := range targets {
		if _, err := ResolveWorkspacePath(tc.RootDir, target); err != nil {
			return Fail(ErrInvalidPath, err.Error())
		}
	}

	tmp, err := os.CreateTemp("", "miniclaw-patch-*.diff")
	if err != nil {
		return Fail(ErrIO, fmt.Sprintf("stage patch: %v", err))
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(patch); err != nil {
		tmp.Close()
		return Fail(ErrIO, fmt.Sprintf("stage patch: %v", err))
	}
	tmp.Close()

	base := []string{
		"-p" + strconv.Itoa(strip),
		"--directory", tc.RootDir,
		"--batch", "--forward", "--silent",
		"--input", tmp.Name(),
	}

	dryRun := append([]string{"--dry-run"}, base...)
	output, timedOut, err := runChild(ctx, tc.RootDir, 30*time.Second, "patch", dryRun...)
	if timedOut {
		return Fail(ErrTimeout, "patch dry run timed out")
	}
	if err != nil {
		return Fail(ErrExec, fmt.Sprintf("patch does not apply cleanly: %s", strings.TrimSpace(output)))
	}

	output, timedOut, err = runChild(ctx, tc.RootDir, 30*time.Second, "patch", base...)
	if timedOut {
		return Fail(ErrTimeout, "patch apply timed out")
	}
	if err != nil {
		return Fail(ErrExec, fmt.Sprintf("patch failed: %s", strings.TrimSpace(output)))
	}

	return Ok(fmt.Sprintf("patched %d file(s): %s", len(targets), strings.Join(targets, ", ")))
}
