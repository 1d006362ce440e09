package tools

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miniclaw/miniclaw/pkg/config"
	"github.com/miniclaw/miniclaw/pkg/storage"
)

func toolsConfig() *config.ToolsConfig {
	cfg := &config.ToolsConfig{}
	cfg.SetDefaults()
	return cfg
}

type stubTool struct {
	name   string
	level  Level
	result Result
	calls  int
}

func (t *stubTool) Name() string                    { return t.name }
func (t *stubTool) Description() string             { return "stub" }
func (t *stubTool) Schema() map[string]interface{}  { return map[string]interface{}{"type": "object"} }
func (t *stubTool) Permission() Level               { return t.level }
func (t *stubTool) Run(ctx context.Context, tc Context, args map[string]interface{}) Result {
	t.calls++
	return t.result
}

func TestPolicyCeilingsAndExplicitEnable(t *testing.T) {
	reader := &stubTool{name: "read_file", level: L0Read}
	shell := &stubTool{name: "terminal", level: L3System}

	// Chat reaches everything by default; autonomous triggers are L0.
	assert.True(t, Allowed(shell, TriggerChat, nil))
	assert.True(t, Allowed(reader, TriggerHeartbeat, nil))
	assert.False(t, Allowed(shell, TriggerHeartbeat, nil))
	assert.False(t, Allowed(shell, TriggerCron, nil))

	// An explicit grant lifts an autonomous trigger past its ceiling.
	enabled := map[string][]string{TriggerCron: {"terminal"}}
	assert.True(t, Allowed(shell, TriggerCron, enabled))
	assert.False(t, Allowed(shell, TriggerHeartbeat, enabled))

	// For chat the same mechanism restricts instead.
	enabled = map[string][]string{TriggerChat: {"read_file"}}
	assert.True(t, Allowed(reader, TriggerChat, enabled))
	assert.False(t, Allowed(shell, TriggerChat, enabled))
}

func TestResolveWorkspacePath(t *testing.T) {
	root := t.TempDir()

	abs, err := ResolveWorkspacePath(root, "memory/MEMORY.md")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "memory", "MEMORY.md"), abs)

	_, err = ResolveWorkspacePath(root, "../outside.txt")
	assert.Error(t, err)
	_, err = ResolveWorkspacePath(root, "a/../../outside.txt")
	assert.Error(t, err)
	_, err = ResolveWorkspacePath(root, "/etc/passwd")
	assert.Error(t, err)
	_, err = ResolveWorkspacePath(root, "  ")
	assert.Error(t, err)

	// Traversal that stays inside the root is fine.
	_, err = ResolveWorkspacePath(root, "memory/../workspace/notes.md")
	assert.NoError(t, err)
}

func TestRunnerRetryGuardBlocksThirdIdenticalFailure(t *testing.T) {
	root := t.TempDir()
	failing := &stubTool{name: "flaky", level: L0Read, result: Fail(ErrExec, "boom")}
	registry := NewRegistry()
	registry.Register(failing)

	runner := NewRunner(registry, toolsConfig(), root, nil, storage.NewLockRegistry())
	tc := Context{RunID: "r1", SessionID: "s1", AgentID: "default", Trigger: TriggerChat, RootDir: root}
	args := map[string]interface{}{"x": 1}

	first := runner.Execute(context.Background(), tc, "flaky", args)
	second := runner.Execute(context.Background(), tc, "flaky", args)
	third := runner.Execute(context.Background(), tc, "flaky", args)

	assert.Equal(t, ErrExec, first.Code)
	assert.Equal(t, ErrExec, second.Code)
	assert.Equal(t, ErrPolicyDenied, third.Code)
	assert.Equal(t, 2, failing.calls, "the blocked call never reaches the tool")

	// Different arguments start a fresh counter.
	other := runner.Execute(context.Background(), tc, "flaky", map[string]interface{}{"x": 2})
	assert.Equal(t, ErrExec, other.Code)

	// Success clears the counter for the original arguments.
	failing.result = Ok("fine")
	runner.guard.RecordSuccess(tc.Scope(), "flaky", args)
	ok := runner.Execute(context.Background(), tc, "flaky", args)
	assert.True(t, ok.OK)
}

func TestRetryGuardScopeEndsWithRun(t *testing.T) {
	root := t.TempDir()
	failing := &stubTool{name: "flaky", level: L0Read, result: Fail(ErrExec, "boom")}
	registry := NewRegistry()
	registry.Register(failing)

	runner := NewRunner(registry, toolsConfig(), root, nil, storage.NewLockRegistry())
	args := map[string]interface{}{"x": 1}
	run1 := Context{RunID: "hb-1", SessionID: "__heartbeat__", AgentID: "default",
		Trigger: TriggerHeartbeat, RootDir: root}

	runner.Execute(context.Background(), run1, "flaky", args)
	runner.Execute(context.Background(), run1, "flaky", args)
	blocked := runner.Execute(context.Background(), run1, "flaky", args)
	assert.Equal(t, ErrPolicyDenied, blocked.Code)
	assert.Equal(t, 2, failing.calls)

	runner.FinishRun(run1)

	// A later run on the same session starts with clean counters.
	run2 := Context{RunID: "hb-2", SessionID: "__heartbeat__", AgentID: "default",
		Trigger: TriggerHeartbeat, RootDir: root}
	retried := runner.Execute(context.Background(), run2, "flaky", args)
	assert.Equal(t, ErrExec, retried.Code, "the tool is re-attempted, not denied")
	assert.Equal(t, 3, failing.calls)
}

func TestRetryGuardScopeIsPerSessionAndTrigger(t *testing.T) {
	jobA := Context{RunID: "r1", SessionID: "__cron__:job-a", Trigger: TriggerCron}
	jobB := Context{RunID: "r2", SessionID: "__cron__:job-b", Trigger: TriggerCron}
	require.NotEqual(t, jobA.Scope(), jobB.Scope(),
		"distinct cron sessions keep distinct failure buckets")

	root := t.TempDir()
	failing := &stubTool{name: "flaky", level: L0Read, result: Fail(ErrExec, "boom")}
	registry := NewRegistry()
	registry.Register(failing)
	runner := NewRunner(registry, toolsConfig(), root, nil, storage.NewLockRegistry())
	args := map[string]interface{}{"x": 1}

	runner.Execute(context.Background(), jobA, "flaky", args)
	runner.Execute(context.Background(), jobA, "flaky", args)
	assert.Equal(t, ErrPolicyDenied, runner.Execute(context.Background(), jobA, "flaky", args).Code)

	other := runner.Execute(context.Background(), jobB, "flaky", args)
	assert.Equal(t, ErrExec, other.Code, "another job's failures never block this one")
}

func TestRunnerUnknownAndDeniedTools(t *testing.T) {
	root := t.TempDir()
	shell := &stubTool{name: "terminal", level: L3System, result: Ok("out")}
	registry := NewRegistry()
	registry.Register(shell)
	runner := NewRunner(registry, toolsConfig(), root, nil, storage.NewLockRegistry())

	missing := runner.Execute(context.Background(),
		Context{Trigger: TriggerChat, RootDir: root}, "nope", nil)
	assert.Equal(t, ErrNotFound, missing.Code)

	denied := runner.Execute(context.Background(),
		Context{Trigger: TriggerHeartbeat, RootDir: root}, "terminal", nil)
	assert.Equal(t, ErrPolicyDenied, denied.Code)
	assert.Zero(t, shell.calls)
}

func TestRunnerWritesToolAudit(t *testing.T) {
	root := t.TempDir()
	registry := NewRegistry()
	registry.Register(&stubTool{name: "noop", level: L0Read, result: Ok("done")})
	runner := NewRunner(registry, toolsConfig(), root, nil, storage.NewLockRegistry())

	result := runner.Execute(context.Background(),
		Context{RunID: "r", Trigger: TriggerChat, RootDir: root}, "noop",
		map[string]interface{}{"api_key": "sk-supersecretvalue"})
	require.True(t, result.OK)

	rows := storage.ReadJSONL(filepath.Join(root, "storage", "tool_audit.jsonl"))
	require.Len(t, rows, 2)
	assert.Equal(t, "tool_start", rows[0]["event"])
	assert.Equal(t, "tool_end", rows[1]["event"])
	args := rows[0]["args"].(map[string]interface{})
	assert.Equal(t, "[REDACTED]", args["api_key"])
}

func TestScrubEnvDropsSecrets(t *testing.T) {
	env := scrubEnv([]string{
		"PATH=/usr/bin",
		"OPENAI_API_KEY=sk-abc",
		"MY_TOKEN=x",
		"DB_PASSWORD=pw",
		"EDITOR=vim",
		"SSH_AUTH_SOCK=/tmp/sock",
	})
	assert.Contains(t, env, "PATH=/usr/bin")
	assert.Contains(t, env, "EDITOR=vim")
	assert.NotContains(t, env, "OPENAI_API_KEY=sk-abc")
	assert.NotContains(t, env, "MY_TOKEN=x")
	assert.NotContains(t, env, "DB_PASSWORD=pw")
	assert.NotContains(t, env, "SSH_AUTH_SOCK=/tmp/sock")
}

func TestTerminalDeniedFragments(t *testing.T) {
	tool := NewTerminalTool(toolsConfig())
	result := tool.Run(context.Background(), Context{RootDir: t.TempDir()},
		map[string]interface{}{"command": "echo hi && rm -rf / --no-preserve-root"})
	assert.Equal(t, ErrPolicyDenied, result.Code)

	result = tool.Run(context.Background(), Context{RootDir: t.TempDir()}, map[string]interface{}{})
	assert.Equal(t, ErrInvalidArgs, result.Code)
}

func TestReadFileLineSlicing(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.md"),
		[]byte("one\ntwo\nthree\nfour"), 0o644))

	tool := NewReadFileTool(10000)
	tc := Context{RootDir: root}

	full := tool.Run(context.Background(), tc, map[string]interface{}{"path": "notes.md"})
	require.True(t, full.OK)
	assert.Equal(t, "one\ntwo\nthree\nfour", full.Content)
	assert.False(t, full.Meta.Truncated)

	window := tool.Run(context.Background(), tc,
		map[string]interface{}{"path": "notes.md", "start_line": float64(2), "end_line": float64(3)})
	require.True(t, window.OK)
	assert.Equal(t, "two\nthree", window.Content)
	assert.True(t, window.Meta.Truncated)

	missing := tool.Run(context.Background(), tc, map[string]interface{}{"path": "gone.md"})
	assert.Equal(t, ErrNotFound, missing.Code)

	escape := tool.Run(context.Background(), tc, map[string]interface{}{"path": "../secrets"})
	assert.Equal(t, ErrInvalidPath, escape.Code)
}

func TestReadFilesPartialErrors(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.md"), []byte("alpha"), 0o644))

	tool := NewReadFilesTool(10000)
	result := tool.Run(context.Background(), Context{RootDir: root},
		map[string]interface{}{"paths": []interface{}{"a.md", "missing.md"}})
	require.True(t, result.OK)
	assert.Contains(t, result.Content, "alpha")
	assert.Contains(t, result.Content, ErrNotFound)

	tooMany := make([]interface{}, maxBatchReadPaths+1)
	for i := range tooMany {
		tooMany[i] = "a.md"
	}
	result = tool.Run(context.Background(), Context{RootDir: root},
		map[string]interface{}{"paths": tooMany})
	assert.Equal(t, ErrInvalidArgs, result.Code)
}

func TestPatchTargets(t *testing.T) {
	patch := `--- a/memory/MEMORY.md
+++ b/memory/MEMORY.md
@@ -1 +1 @@
-old
+new
--- /dev/null
+++ b/workspace/new.md
@@ -0,0 +1 @@
+hello
`
	targets := patchTargets(patch)
	assert.Equal(t, []string{"memory/MEMORY.md", "workspace/new.md"}, targets)
}

func TestApplyPatchRejectsEscapingPaths(t *testing.T) {
	tool := NewApplyPatchTool()
	patch := "--- a/../outside\n+++ b/../outside\n@@ -1 +1 @@\n-x\n+y\n"
	result := tool.Run(context.Background(), Context{RootDir: t.TempDir()},
		map[string]interface{}{"patch": patch})
	assert.Equal(t, ErrInvalidPath, result.Code)
}

func TestValidateFetchTarget(t *testing.T) {
	mustURL := func(raw string) *url.URL {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		return u
	}
	assert.Error(t, validateFetchTarget(mustURL("ftp://example.com/x")))
	assert.Error(t, validateFetchTarget(mustURL("http://localhost/admin")))
	assert.Error(t, validateFetchTarget(mustURL("http://printer.local/")))
	assert.Error(t, validateFetchTarget(mustURL("http://127.0.0.1:8080/")))
	assert.Error(t, validateFetchTarget(mustURL("http://10.0.0.5/")))
	assert.Error(t, validateFetchTarget(mustURL("http://169.254.169.254/latest/meta-data")))
	assert.NoError(t, validateFetchTarget(mustURL("https://93.184.216.34/")))
}

func TestHTMLExtraction(t *testing.T) {
	html := `<html><head><style>body{}</style><script>evil()</script></head>
<body><h2>Title</h2><p>Hello <a href="https://x.dev">link</a></p><ul><li>one</li><li>two</li></ul></body></html>`

	text := htmlToText(html)
	assert.Contains(t, text, "Hello link")
	assert.NotContains(t, text, "evil")
	assert.NotContains(t, text, "<p>")

	md := htmlToMarkdown(html)
	assert.Contains(t, md, "## Title")
	assert.Contains(t, md, "[link](https://x.dev)")
	assert.Contains(t, md, "- one")
}

func TestFreshnessBuckets(t *testing.T) {
	assert.Equal(t, "", freshness(0))
	assert.Equal(t, "pd", freshness(1))
	assert.Equal(t, "pw", freshness(5))
	assert.Equal(t, "pm", freshness(30))
	assert.Equal(t, "py", freshness(120))
}

func TestHostMatchAndDedupe(t *testing.T) {
	assert.True(t, hostMatchesAny("docs.example.com", []string{"example.com"}))
	assert.True(t, hostMatchesAny("example.com", []string{"example.com"}))
	assert.False(t, hostMatchesAny("badexample.com", []string{"example.com"}))

	assert.Equal(t, dedupeKey("https://Example.com/a?q=1"), dedupeKey("https://example.com/a?q=2"))
	assert.NotEqual(t, dedupeKey("https://example.com/a"), dedupeKey("https://example.com/b"))
}

func TestSkillsScannerAndSnapshot(t *testing.T) {
	root := t.TempDir()
	writeSkill := func(dir, frontmatter string) {
		path := filepath.Join(root, "skills", dir)
		require.NoError(t, os.MkdirAll(path, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(path, "SKILL.md"), []byte(frontmatter), 0o644))
	}
	writeSkill("writer", "---\nname: writer\ndescription: Draft prose\n---\nbody\n")
	writeSkill("broken", "no frontmatter here\n")
	writeSkill("coder", "---\nname: coder\ndescription: \"Write code\"\n---\n")

	skills := ScanSkills(root)
	require.Len(t, skills, 2)
	assert.Equal(t, "coder", skills[0].Name)
	assert.Equal(t, "./skills/coder/SKILL.md", skills[0].Location)

	count, err := WriteSkillsSnapshot(root, storage.NewLockRegistry())
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	raw, err := os.ReadFile(filepath.Join(root, SkillsSnapshotFile))
	require.NoError(t, err)
	snapshot := string(raw)
	assert.Contains(t, snapshot, "<available_skills>")
	assert.Contains(t, snapshot, "<name>writer</name>")
	assert.Contains(t, snapshot, "<description>Draft prose</description>")
	assert.True(t, snapshot[len(snapshot)-1] == '\n')
}

func TestSchemaForReflectsParameters(t *testing.T) {
	schema := SchemaFor(&terminalArgs{})
	assert.Equal(t, "object", schema["type"])
	properties := schema["properties"].(map[string]interface{})
	assert.Contains(t, properties, "command")
	assert.Contains(t, properties, "timeout_seconds")
}
