package prompt

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hupe1980/ingenious/core"
	"github.com/hupe1980/ingenious/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWorkspace(t *testing.T, templates ...Template) *Workspace {
	t.Helper()
	store := NewInMemoryStore()
	for _, tpl := range templates {
		_, err := store.Put(context.Background(), tpl)
		require.NoError(t, err)
	}
	return NewWorkspace(store)
}

func TestRender_Greeting(t *testing.T) {
	ws := newWorkspace(t, Template{ID: "greeting", Body: "Hello, {{name}}!"})

	out, err := ws.Render(context.Background(), "greeting", map[string]any{"name": "Ava"})
	require.NoError(t, err)
	assert.Equal(t, "Hello, Ava!", out)
}

func TestRender_MissingSlotIsConfigurationError(t *testing.T) {
	ws := newWorkspace(t, Template{ID: "greeting", Body: "Hello, {{name}}!"})

	_, err := ws.Render(context.Background(), "greeting", map[string]any{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingSlot)
	assert.Equal(t, core.KindConfiguration, core.KindOf(err))
}

func TestRender_Filters(t *testing.T) {
	tpl := Template{ID: "t", Version: 1, Body: "{{ name | upper }} / {{ tags }}"}

	out, err := tpl.Render(map[string]any{"name": "ava", "tags": []any{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, "AVA / a, b", out)
}

func TestParse_Malformed(t *testing.T) {
	for name, body := range map[string]string{
		"unterminated":   "Hello {{name",
		"unmatched":      "Hello }} there",
		"empty slot":     "Hello {{ }}",
		"bad name":       "Hello {{ 9lives }}",
		"unknown filter": "Hello {{ name | shout }}",
		"nested":         "{{ a {{ b }}",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Slots(body)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedTemplate)
			assert.Equal(t, core.KindConfiguration, core.KindOf(err))
		})
	}
}

func TestSlots(t *testing.T) {
	slots, err := Slots("{{a}} {{b}} {{a | upper}}")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, slots)
}

func TestStore_Versions(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	v1, err := store.Put(ctx, Template{ID: "greeting", Body: "Hi {{name}}"})
	require.NoError(t, err)
	v2, err := store.Put(ctx, Template{ID: "greeting", Body: "Hello {{name}}"})
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, 2, v2.Version)

	_, err = store.Put(ctx, Template{ID: "greeting", Version: 2, Body: "dup"})
	assert.Error(t, err)

	latest, err := store.Get(ctx, "greeting", 0)
	require.NoError(t, err)
	assert.Equal(t, "Hello {{name}}", latest.Body)

	ws := NewWorkspace(store)
	out, err := ws.Render(ctx, "greeting@1", map[string]any{"name": "Ava"})
	require.NoError(t, err)
	assert.Equal(t, "Hi Ava", out)

	versions, err := store.Versions(ctx, "greeting")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, versions)

	_, err = ws.Render(ctx, "unknown", nil)
	assert.ErrorIs(t, err, ErrTemplateNotFound)
	_, err = ws.Render(ctx, "greeting@x", nil)
	assert.ErrorIs(t, err, ErrTemplateNotFound)
}

func TestEvaluate_ScoresRenderedText(t *testing.T) {
	ws := newWorkspace(t, Template{ID: "greeting", Body: "Hello, {{name}}!"})

	report, err := ws.Evaluate(context.Background(), "greeting", []Sample{
		{Name: "ava", Vars: map[string]any{"name": "Ava"}, Expected: "Hello, Ava!"},
		{Name: "bob", Vars: map[string]any{"name": "Bob"}, Expected: "Hello, Ava!"},
		{Name: "missing", Vars: map[string]any{}},
	})
	require.NoError(t, err)
	require.Len(t, report.Results, 3)
	assert.Equal(t, "greeting@1", report.Template)
	assert.Equal(t, 2, report.Scored)
	assert.Equal(t, 1, report.Failed)
	require.NotNil(t, report.Mean)
	assert.InDelta(t, 0.5, *report.Mean, 1e-9)
	assert.Contains(t, report.Results[2].Error, "missing slot")
}

func TestEvaluate_WithModelAndContainsScorer(t *testing.T) {
	m := model.NewMockModel("mock")
	m.AddResponse("Say hi to Ava", "Hi Ava, welcome!")
	store := NewInMemoryStore()
	_, err := store.Put(context.Background(), Template{ID: "hi", Body: "Say hi to {{name}}"})
	require.NoError(t, err)
	ws := NewWorkspace(store, func(o *Options) {
		o.Model = m
		o.Scorer = Contains{}
	})

	report, err := ws.Evaluate(context.Background(), "hi", []Sample{{Vars: map[string]any{"name": "Ava"}, Expected: "welcome"}})
	require.NoError(t, err)
	assert.Equal(t, "Hi Ava, welcome!", report.Results[0].Output)
	assert.Equal(t, 1.0, *report.Results[0].Score)
}

func TestEvaluate_ManualLeavesUnscored(t *testing.T) {
	store := NewInMemoryStore()
	_, err := store.Put(context.Background(), Template{ID: "x", Body: "static"})
	require.NoError(t, err)
	ws := NewWorkspace(store, func(o *Options) { o.Scorer = Manual{} })

	report, err := ws.Evaluate(context.Background(), "x", []Sample{{}})
	require.NoError(t, err)
	assert.Nil(t, report.Mean)
	assert.Nil(t, report.Results[0].Score)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greeting.yml"), []byte("id: greeting\nbody: \"Hello, {{name}}!\"\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "more.yaml"), []byte("templates:\n  - id: bye\n    body: Bye {{name}}\n  - id: bye\n    body: Goodbye {{name}}\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	store := NewInMemoryStore()
	loaded, err := LoadDir(context.Background(), store, dir)
	require.NoError(t, err)
	assert.Len(t, loaded, 3)

	bye, err := store.Get(context.Background(), "bye", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, bye.Version)
}

func TestScorerByName(t *testing.T) {
	s, err := ScorerByName("contains")
	require.NoError(t, err)
	assert.IsType(t, Contains{}, s)
	_, err = ScorerByName("vibes")
	assert.Error(t, err)
}
