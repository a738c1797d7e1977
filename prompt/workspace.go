package prompt

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/ingenious/core"
	"github.com/hupe1980/ingenious/logging"
	"github.com/hupe1980/ingenious/model"
)

// Options configures a Workspace.
type Options struct {
	// Model, when set, receives each rendered prompt during Evaluate and its
	// completion is scored instead of the rendered text.
	Model model.Model
	// Scorer grades outputs; defaults to ExactMatch.
	Scorer Scorer
	// Concurrency bounds parallel sample evaluation.
	Concurrency int
	// ModelTimeout bounds each model call during evaluation.
	ModelTimeout time.Duration
	Logger       logging.Logger
}

// Workspace is the isolated prompt iteration surface.
type Workspace struct {
	store Store
	opts  Options
}

// NewWorkspace creates a Workspace over store.
func NewWorkspace(store Store, optFns ...func(o *Options)) *Workspace {
	opts := Options{
		Scorer:       ExactMatch{},
		Concurrency:  4,
		ModelTimeout: 60 * time.Second,
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if store == nil {
		store = NewInMemoryStore()
	}
	return &Workspace{store: store, opts: opts}
}

// Store returns the underlying template store.
func (w *Workspace) Store() Store { return w.store }

// Get resolves a template reference ("id" or "id@version").
func (w *Workspace) Get(ctx context.Context, ref string) (Template, error) {
	id, version, err := ParseRef(ref)
	if err != nil {
		return Template{}, err
	}
	return w.store.Get(ctx, id, version)
}

// Render fills the referenced template with vars.
func (w *Workspace) Render(ctx context.Context, ref string, vars map[string]any) (string, error) {
	t, err := w.Get(ctx, ref)
	if err != nil {
		return "", err
	}
	return t.Render(vars)
}

// Sample is one evaluation input.
type Sample struct {
	Name     string         `yaml:"name" json:"name"`
	Vars     map[string]any `yaml:"vars" json:"vars"`
	Expected string         `yaml:"expected,omitempty" json:"expected,omitempty"`
}

// Result is the outcome for one sample.
type Result struct {
	Sample   Sample   `json:"sample"`
	Rendered string   `json:"rendered"`
	Output   string   `json:"output"`
	Score    *float64 `json:"score,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// Report summarizes an evaluation run.
type Report struct {
	Template string   `json:"template"`
	Results  []Result `json:"results"`
	// Mean is the average of scored results; nil when nothing was scored.
	Mean   *float64 `json:"mean,omitempty"`
	Scored int      `json:"scored"`
	Failed int      `json:"failed"`
}

// Evaluate renders the referenced template for every sample, optionally runs
// it through the configured model, and scores the output. Per-sample failures
// are recorded on the result; an unknown template fails the whole call.
func (w *Workspace) Evaluate(ctx context.Context, ref string, samples []Sample) (*Report, error) {
	t, err := w.Get(ctx, ref)
	if err != nil {
		return nil, err
	}

	results := make([]Result, len(samples))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.Concurrency)
	for i, s := range samples {
		g.Go(func() error {
			results[i] = w.evaluateOne(gctx, t, s)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &Report{Template: t.Ref(), Results: results}
	var sum float64
	for _, r := range results {
		if r.Error != "" {
			report.Failed++
			continue
		}
		if r.Score != nil {
			report.Scored++
			sum += *r.Score
		}
	}
	if report.Scored > 0 {
		mean := sum / float64(report.Scored)
		report.Mean = &mean
	}
	w.opts.Logger.Info("prompt.evaluate.completed", "template", report.Template, "samples", len(samples), "scored", report.Scored, "failed", report.Failed)
	return report, nil
}

func (w *Workspace) evaluateOne(ctx context.Context, t Template, s Sample) Result {
	r := Result{Sample: s}
	rendered, err := t.Render(s.Vars)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.Rendered = rendered
	r.Output = rendered
	if w.opts.Model != nil {
		mctx, cancel := context.WithTimeout(ctx, w.opts.ModelTimeout)
		defer cancel()
		resp, err := model.Collect(mctx, w.opts.Model, model.Request{
			Contents: []core.Content{core.NewTextContent("user", rendered)},
		}, nil)
		if err != nil {
			r.Error = fmt.Sprintf("model: %v", err)
			return r
		}
		r.Output = resp.Content.Text()
	}
	r.Score = w.opts.Scorer.Score(s.Expected, r.Output)
	return r
}

// Scorer grades an output against an expectation. A nil score means the
// output was not scored (e.g. awaiting manual review).
type Scorer interface {
	Score(expected, output string) *float64
}

func score(v float64) *float64 { return &v }

// ExactMatch scores 1 when output equals expected after trimming whitespace.
type ExactMatch struct{}

// Score implements Scorer.
func (ExactMatch) Score(expected, output string) *float64 {
	if strings.TrimSpace(expected) == strings.TrimSpace(output) {
		return score(1)
	}
	return score(0)
}

// Contains scores 1 when output contains expected, case-insensitively.
type Contains struct{}

// Score implements Scorer.
func (Contains) Score(expected, output string) *float64 {
	if strings.Contains(strings.ToLower(output), strings.ToLower(expected)) {
		return score(1)
	}
	return score(0)
}

// Manual leaves every output unscored.
type Manual struct{}

// Score implements Scorer.
func (Manual) Score(string, string) *float64 { return nil }

// ScorerByName resolves "exact", "contains" or "manual".
func ScorerByName(name string) (Scorer, error) {
	switch strings.ToLower(name) {
	case "", "exact":
		return ExactMatch{}, nil
	case "contains":
		return Contains{}, nil
	case "manual":
		return Manual{}, nil
	}
	return nil, configError("prompt.scorer", fmt.Sprintf("unknown scorer %q", name), ErrMalformedTemplate)
}

// LoadSamples reads a YAML list of samples.
func LoadSamples(path string) ([]Sample, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read samples: %w", err)
	}
	var samples []Sample
	if err := yaml.Unmarshal(data, &samples); err != nil {
		return nil, fmt.Errorf("failed to parse samples: %w", err)
	}
	return samples, nil
}
