package commands

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	color.NoColor = true
}

type fixture struct {
	dir    string
	config string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	write := func(name, content string) {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}

	write("flows/echo.yml", `
name: echo
agents:
  - name: Echo
    kind: responder
    instruction: Answer briefly.
`)
	write("prompts/greeting.yml", `
id: greeting
description: Say hello
body: "Say hi to {{ name }}"
`)
	write("docs/faq.md", "Refunds are accepted within 30 days.\n\nShipping takes five days.")
	write("ingenious.yml", `
store:
  driver: sqlite
  path: `+filepath.Join(dir, "conv.db")+`
models:
  default:
    provider: mock
    responses:
      ping: pong
      "Say hi to Ada": hi Ada
workflows_dir: `+filepath.Join(dir, "flows")+`
prompts_dir: `+filepath.Join(dir, "prompts")+`
logging:
  level: error
`)
	return &fixture{dir: dir, config: filepath.Join(dir, "ingenious.yml")}
}

func (f *fixture) path(name string) string { return filepath.Join(f.dir, name) }

func (f *fixture) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--config", f.config}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestRootCommand_ShowsHelpWhenNoSubcommand(t *testing.T) {
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "Usage:")
	assert.Contains(t, out.String(), "chat")
}

func TestRootCommand_RejectsUnknownFlags(t *testing.T) {
	root := NewRootCmd()
	root.SetOut(new(bytes.Buffer))
	root.SetErr(new(bytes.Buffer))
	root.SetArgs([]string{"--unknown-flag", "value"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown flag")
}

func TestRun(t *testing.T) {
	f := newFixture(t)
	out, err := f.run(t, "", "run", "echo", "ping")
	require.NoError(t, err)
	assert.Contains(t, out, "Echo: pong")
}

func TestRun_JSONThenHistory(t *testing.T) {
	f := newFixture(t)
	out, err := f.run(t, "", "run", "echo", "--output", "json", "ping")
	require.NoError(t, err)

	var outcome struct {
		ConversationID string `json:"conversation_id"`
		Status         string `json:"status"`
		Messages       []struct {
			Seq    uint64 `json:"seq"`
			Sender string `json:"sender"`
			Text   string `json:"text"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &outcome))
	require.NotEmpty(t, outcome.ConversationID)
	assert.Equal(t, "active", outcome.Status)
	require.GreaterOrEqual(t, len(outcome.Messages), 2)
	assert.Equal(t, "user", outcome.Messages[0].Sender)
	assert.Equal(t, "pong", outcome.Messages[1].Text)

	// The sqlite store keeps the conversation for a later process.
	out, err = f.run(t, "", "history", outcome.ConversationID)
	require.NoError(t, err)
	assert.Contains(t, out, "workflow echo (generation 1), status active")
	assert.Contains(t, out, "#1 user: ping")
	assert.Contains(t, out, "#2 Echo: pong")

	out, err = f.run(t, "", "history", outcome.ConversationID, "--from", "2", "--output", "jsonl")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, len(outcome.Messages)-1)
}

func TestRun_InvalidOutputFormat(t *testing.T) {
	f := newFixture(t)
	_, err := f.run(t, "", "run", "echo", "--output", "xml", "ping")
	assert.EqualError(t, err, "invalid output format")
}

func TestChat(t *testing.T) {
	f := newFixture(t)
	out, err := f.run(t, "ping\n\n/history\n/end all done\n", "chat", "echo", "--quiet")
	require.NoError(t, err)
	assert.Contains(t, out, "Echo: pong")
	assert.Contains(t, out, "#1 user: ping")
	assert.Contains(t, out, "conversation ended (by user: all done)")
}

func TestChat_ExitKeepsConversationOpen(t *testing.T) {
	f := newFixture(t)
	out, err := f.run(t, "ping\n/exit\n", "chat", "echo")
	require.NoError(t, err)
	assert.Contains(t, out, "→ Echo")
	assert.NotContains(t, out, "conversation ended")
}

func TestChat_UnknownWorkflow(t *testing.T) {
	f := newFixture(t)
	_, err := f.run(t, "", "chat", "nope")
	assert.Error(t, err)
}

func TestWorkflowValidate(t *testing.T) {
	f := newFixture(t)
	bad := f.path("bad.yml")
	require.NoError(t, os.WriteFile(bad, []byte(`
name: bad
agents:
  - name: A
    kind: responder
    model: missing
`), 0o600))

	out, err := f.run(t, "", "workflow", "validate", f.path("flows/echo.yml"), bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2")
	assert.Contains(t, out, "✓ "+f.path("flows/echo.yml"))
	assert.Contains(t, out, `agent "A"`)
}

func TestWorkflowList(t *testing.T) {
	f := newFixture(t)
	out, err := f.run(t, "", "workflow", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "echo")
	assert.Contains(t, out, "Echo")
}

func TestPromptRenderAndList(t *testing.T) {
	f := newFixture(t)
	out, err := f.run(t, "", "prompt", "render", "greeting", "name=Ada")
	require.NoError(t, err)
	assert.Equal(t, "Say hi to Ada\n", out)

	_, err = f.run(t, "", "prompt", "render", "greeting", "name")
	assert.Error(t, err)

	out, err = f.run(t, "", "prompt", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "greeting")
	assert.Contains(t, out, "Say hello")
}

func TestPromptEval(t *testing.T) {
	f := newFixture(t)
	samples := f.path("samples.yml")
	require.NoError(t, os.WriteFile(samples, []byte(`
- name: ada
  vars: {name: Ada}
  expected: hi Ada
- name: bob
  vars: {name: Bob}
  expected: hi Bob
`), 0o600))

	out, err := f.run(t, "", "prompt", "eval", "greeting", samples)
	require.NoError(t, err)
	assert.Contains(t, out, "greeting@1: mean 0.50 over 2 scored samples (0 failed)")

	out, err = f.run(t, "", "prompt", "eval", "greeting", samples, "--scorer", "contains", "--output", "json")
	require.NoError(t, err)
	var report struct {
		Mean   float64 `json:"mean"`
		Scored int     `json:"scored"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 2, report.Scored)
	assert.InDelta(t, 0.5, report.Mean, 1e-9)

	_, err = f.run(t, "", "prompt", "eval", "greeting", samples, "--scorer", "fuzzy")
	assert.Error(t, err)
}

func TestIngest_Output(t *testing.T) {
	f := newFixture(t)
	out, err := f.run(t, "", "ingest", f.path("docs"), "--output", "-", "--chunk-size", "40")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "Refunds are accepted within 30 days.", rec["text"])

	target := f.path("passages.jsonl")
	out, err = f.run(t, "", "ingest", f.path("docs"), "--output", target)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote 1 passages from 1 documents")
	assert.FileExists(t, target)
}

func TestIngest_IntoIndex(t *testing.T) {
	f := newFixture(t)
	out, err := f.run(t, "", "ingest", f.path("docs"))
	require.NoError(t, err)
	assert.Contains(t, out, "indexed 1 passages from 1 documents")
}

func TestIngest_Strategy(t *testing.T) {
	f := newFixture(t)
	out, err := f.run(t, "", "ingest", f.path("docs"), "--output", "-", "--strategy", "markdown", "--chunk-size", "40")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 2)

	_, err = f.run(t, "", "ingest", f.path("docs"), "--output", "-", "--strategy", "sentences")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown chunking strategy: sentences")
}
