package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

const maxBatchReadPaths = 32

// sliceLines extracts a 1-based inclusive line range. Zero values mean
// from-the-start / to-the-end.
func sliceLines(text string, startLine, endLine int) (string, bool) {
	lines := strings.Split(text, "\n")
	if startLine < 1 {
		startLine = 1
	}
	if endLine < 1 || endLine > len(lines) {
		endLine = len(lines)
	}
	if startLine > len(lines) || startLine > endLine {
		return "", true
	}
	partial := startLine > 1 || endLine < len(lines)
	return strings.Join(lines[startLine-1:endLine], "\n"), partial
}

func readWorkspaceFile(rootDir, path string, startLine, endLine, maxChars int) (string, bool, Result) {
	abs, err := ResolveWorkspacePath(rootDir, path)
	if err != nil {
		return "", false, Fail(ErrInvalidPath, err.Error())
	}
	raw, err := os.ReadFile(abs)
	if os.IsNotExist(err) {
		return "", false, Fail(ErrNotFound, fmt.Sprintf("file not found: %s", path))
	}
	if err != nil {
		return "", false, Fail(ErrIO, fmt.Sprintf("read %s: %v", path, err))
	}
	content, partial := sliceLines(string(raw), startLine, endLine)
	content, cut := truncate(content, maxChars)
	return content, partial || cut, Result{OK: true}
}

type readFileArgs struct {
	Path      string `json:"path" jsonschema:"description=Workspace-relative file path"`
	StartLine int    `json:"start_line,omitempty" jsonschema:"description=First line to include (1-based)"`
	EndLine   int    `json:"end_line,omitempty" jsonschema:"description=Last line to include (inclusive)"`
}

// ReadFileTool reads one workspace file, optionally a line range.
type ReadFileTool struct {
	maxChars int
}

func NewReadFileTool(maxChars int) *ReadFileTool { return &ReadFileTool{maxChars: maxChars} }

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Description() string {
	return "Read a file from the agent workspace, optionally restricted to a line range."
}
func (t *ReadFileTool) Schema() map[string]interface{} { return SchemaFor(&readFileArgs{}) }
func (t *ReadFileTool) Permission() Level              { return L0Read }

func (t *ReadFileTool) Run(ctx context.Context, tc Context, args map[string]interface{}) Result {
	path := stringArg(args, "path")
	if strings.TrimSpace(path) == "" {
		return Fail(ErrInvalidArgs, "path is required")
	}
	content, partial, status := readWorkspaceFile(tc.RootDir, path,
		intArg(args, "start_line", 0), intArg(args, "end_line", 0), t.maxChars)
	if !status.OK {
		return status
	}
	result := Ok(content)
	result.Meta.Truncated = partial
	return result
}

type readFilesArgs struct {
	Paths []string `json:"paths" jsonschema:"description=Workspace-relative file paths (max 32)"`
}

// ReadFilesTool reads several files in one call with per-file errors.
type ReadFilesTool struct {
	maxChars int
}

func NewReadFilesTool(maxChars int) *ReadFilesTool { return &ReadFilesTool{maxChars: maxChars} }

func (t *ReadFilesTool) Name() string { return "read_files" }
func (t *ReadFilesTool) Description() string {
	return "Read up to 32 workspace files at once; failures are reported per file."
}
func (t *ReadFilesTool) Schema() map[string]interface{} { return SchemaFor(&readFilesArgs{}) }
func (t *ReadFilesTool) Permission() Level              { return L0Read }

func (t *ReadFilesTool) Run(ctx context.Context, tc Context, args map[string]interface{}) Result {
	paths := stringSliceArg(args, "paths")
	if len(paths) == 0 {
		return Fail(ErrInvalidArgs, "paths is required")
	}
	if len(paths) > maxBatchReadPaths {
		return Fail(ErrInvalidArgs, fmt.Sprintf("too many paths: %d (max %d)", len(paths), maxBatchReadPaths))
	}

	perFile := t.maxChars / len(paths)
	if perFile < 256 {
		perFile = 256
	}
	anyTruncated := false
	rows := make([]map[string]interface{}, 0, len(paths))
	for _, path := range paths {
		content, partial, status := readWorkspaceFile(tc.RootDir, path, 0, 0, perFile)
		if !status.OK {
			rows = append(rows, map[string]interface{}{
				"path": path, "error": map[string]interface{}{"code": status.Code, "message": status.Message},
			})
			continue
		}
		anyTruncated = anyTruncated || partial
		rows = append(rows, map[string]interface{}{
			"path": path, "content": content, "partial": partial,
		})
	}

	raw, err := json.MarshalIndent(map[string]interface{}{"files": rows}, "", "  ")
	if err != nil {
		return Fail(ErrInternal, err.Error())
	}
	result := Ok(string(raw))
	result.Meta.Truncated = anyTruncated
	return result
}
