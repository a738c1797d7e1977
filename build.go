package ingenious

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	goredis "github.com/redis/go-redis/v9"

	"github.com/hupe1980/ingenious/config"
	"github.com/hupe1980/ingenious/core"
	"github.com/hupe1980/ingenious/logging"
	"github.com/hupe1980/ingenious/model"
	anthropicmodel "github.com/hupe1980/ingenious/model/anthropic"
	openaimodel "github.com/hupe1980/ingenious/model/openai"
	"github.com/hupe1980/ingenious/prompt"
	"github.com/hupe1980/ingenious/retrieval"
	"github.com/hupe1980/ingenious/retrieval/lexical"
	retrievalsqlite "github.com/hupe1980/ingenious/retrieval/sqlite"
	"github.com/hupe1980/ingenious/retrieval/vector"
	storeredis "github.com/hupe1980/ingenious/store/redis"
	storesqlite "github.com/hupe1980/ingenious/store/sqlite"
)

// NewFromConfig builds an Ingenious from an application configuration: it
// opens the configured store and retrieval index, constructs the named
// models, loads prompt templates and registers the workflows found in
// cfg.WorkflowsDir (a missing directory is skipped). optFns run last and may
// override anything built from cfg.
func NewFromConfig(ctx context.Context, cfg *config.Config, optFns ...func(o *Options)) (*Ingenious, error) {
	var closers []io.Closer
	fail := func(err error) (*Ingenious, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
		return nil, err
	}

	// Resolve the logger first so builders can use it.
	early := Options{}
	for _, fn := range optFns {
		fn(&early)
	}
	logger := logging.OrNoOp(early.Logger)

	models, openaiModels, err := buildModels(cfg.Models)
	if err != nil {
		return fail(err)
	}

	store, closer, err := buildStore(ctx, cfg.Store)
	if err != nil {
		return fail(err)
	}
	if closer != nil {
		closers = append(closers, closer)
	}

	retriever, indexer, indexClosers, err := buildRetrieval(cfg.Retrieval, openaiModels, logger)
	closers = append(closers, indexClosers...)
	if err != nil {
		return fail(err)
	}

	prompts := prompt.NewInMemoryStore()
	if cfg.PromptsDir != "" {
		loaded, err := prompt.LoadDir(ctx, prompts, cfg.PromptsDir)
		if err != nil {
			return fail(err)
		}
		logger.Info("prompt.templates.loaded", "dir", cfg.PromptsDir, "count", len(loaded))
	}

	var evalModel model.Model
	if m, err := models.Get(""); err == nil {
		evalModel = m
	}
	defaults := cfg.WorkflowDefaults()

	g := New(append([]func(o *Options){func(o *Options) {
		o.Store = store
		o.Retriever = retriever
		o.Indexer = indexer
		o.MinScore = cfg.Retrieval.MinScore
		o.DisableRetrieval = cfg.Retrieval.Backend == config.RetrievalNone
		o.Models = models
		o.PromptStore = prompts
		o.EvalModel = evalModel
		o.WorkflowDefaults = &defaults
		o.EventBufferSize = cfg.Orchestrator.EventBufferSize
		o.Closers = closers
	}}, optFns...)...)

	if _, err := os.Stat(cfg.WorkflowsDir); err == nil {
		if err := g.LoadWorkflows(ctx, cfg.WorkflowsDir); err != nil {
			return fail(err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fail(err)
	} else {
		logger.Warn("workflow.dir.missing", "dir", cfg.WorkflowsDir)
	}
	return g, nil
}

func buildModels(cfgs map[string]config.ModelConfig) (model.Set, map[string]*openaimodel.Model, error) {
	set := make(model.Set, len(cfgs))
	openaiModels := map[string]*openaimodel.Model{}

	for name, mc := range cfgs {
		switch mc.Provider {
		case config.ProviderMock:
			m := model.NewMockModel(name)
			for in, reply := range mc.Responses {
				m.AddResponse(in, reply)
			}
			set[name] = m
		case config.ProviderOpenAI:
			m := openaimodel.NewModel(func(o *openaimodel.Options) {
				applyOpenAI(o, mc)
				o.APIKey = mc.APIKey
				o.BaseURL = mc.BaseURL
			})
			set[name], openaiModels[name] = m, m
		case config.ProviderAzureOpenAI:
			m := openaimodel.NewAzureModel(mc.Endpoint, mc.APIVersion, mc.Deployment, mc.APIKey, func(o *openaimodel.Options) {
				applyOpenAI(o, mc)
				o.Model = mc.Deployment
			})
			set[name], openaiModels[name] = m, m
		case config.ProviderAnthropic:
			set[name] = anthropicmodel.NewModel(func(o *anthropicmodel.Options) {
				if mc.Model != "" {
					o.Model = anthropicsdk.Model(mc.Model)
				}
				if mc.Temperature != nil {
					o.Temperature = *mc.Temperature
				}
				if mc.MaxTokens > 0 {
					o.MaxTokens = mc.MaxTokens
				}
				o.APIKey = mc.APIKey
			})
		default:
			return nil, nil, core.Errorf(core.KindConfiguration, "build.models", "model %q: unknown provider %q", name, mc.Provider)
		}
	}
	return set, openaiModels, nil
}

func applyOpenAI(o *openaimodel.Options, mc config.ModelConfig) {
	if mc.Model != "" {
		o.Model = mc.Model
	}
	if mc.Temperature != nil {
		o.Temperature = *mc.Temperature
	}
	if mc.MaxTokens > 0 {
		o.MaxCompletionTokens = mc.MaxTokens
	}
}

func buildStore(ctx context.Context, sc config.StoreConfig) (core.ConversationStore, io.Closer, error) {
	switch sc.Driver {
	case config.StoreMemory:
		return nil, nil, nil
	case config.StoreSQLite:
		s, err := storesqlite.New(sc.Path)
		if err != nil {
			return nil, nil, core.NewError(core.KindConfiguration, "build.store", fmt.Errorf("open sqlite store %s: %w", sc.Path, err))
		}
		return s, s, nil
	case config.StoreRedis:
		s, err := storeredis.NewStore(&goredis.Options{
			Addr:     sc.Redis.Addr,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
		}, sc.Redis.Namespace)
		if err != nil {
			return nil, nil, err
		}
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", sc.Redis.Addr, err)
		}
		return s, s, nil
	}
	return nil, nil, core.Errorf(core.KindConfiguration, "build.store", "unknown store driver %q", sc.Driver)
}

// buildRetrieval opens the configured index, or every listed index behind
// an aggregator. Closers of indexes opened before a failure are returned
// along with the error.
func buildRetrieval(rc config.RetrievalConfig, openaiModels map[string]*openaimodel.Model, logger logging.Logger) (core.Retriever, core.Indexer, []io.Closer, error) {
	if len(rc.Backends) == 0 {
		r, idx, c, err := buildBackend(rc.RetrievalBackendConfig, openaiModels)
		if c != nil {
			return r, idx, []io.Closer{c}, err
		}
		return r, idx, nil, err
	}

	var (
		retrievers []core.Retriever
		indexers   retrieval.Indexers
		closers    []io.Closer
	)
	for i, bc := range rc.Backends {
		r, idx, c, err := buildBackend(bc, openaiModels)
		if err != nil {
			return nil, nil, closers, fmt.Errorf("retrieval.backends[%d]: %w", i, err)
		}
		if c != nil {
			closers = append(closers, c)
		}
		retrievers = append(retrievers, r)
		indexers = append(indexers, idx)
	}
	if len(retrievers) == 1 {
		return retrievers[0], indexers[0], closers, nil
	}
	agg := retrieval.NewAggregator(retrievers, func(o *retrieval.AggregatorOptions) {
		o.MinScore = rc.MinScore
		o.Logger = logger
	})
	return agg, indexers, closers, nil
}

func buildBackend(bc config.RetrievalBackendConfig, openaiModels map[string]*openaimodel.Model) (core.Retriever, core.Indexer, io.Closer, error) {
	switch bc.Backend {
	case config.RetrievalNone:
		return nil, nil, nil, nil
	case config.RetrievalLexical:
		idx := lexical.New()
		return idx, idx, nil, nil
	case config.RetrievalSQLite:
		idx, err := retrievalsqlite.New(bc.Path)
		if err != nil {
			return nil, nil, nil, core.NewError(core.KindConfiguration, "build.retrieval", fmt.Errorf("open sqlite index %s: %w", bc.Path, err))
		}
		return idx, idx, idx, nil
	case config.RetrievalVector:
		m, ok := openaiModels[bc.EmbeddingModel]
		if !ok {
			return nil, nil, nil, core.Errorf(core.KindConfiguration, "build.retrieval", "embedding model %q is not an openai model", bc.EmbeddingModel)
		}
		idx := vector.New(openaimodel.NewEmbedder(m.Client(), bc.EmbeddingModelID))
		return idx, idx, nil, nil
	}
	return nil, nil, nil, core.Errorf(core.KindConfiguration, "build.retrieval", "unknown retrieval backend %q", bc.Backend)
}
