package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/oficio-cli/internal/config"
	"github.com/sells-group/oficio-cli/internal/dispatch"
	"github.com/sells-group/oficio-cli/internal/pipeline"
	"github.com/sells-group/oficio-cli/internal/review"
	"github.com/sells-group/oficio-cli/internal/store"
	anthropicpkg "github.com/sells-group/oficio-cli/pkg/anthropic"
	"github.com/sells-group/oficio-cli/pkg/decisionapi"
	"github.com/sells-group/oficio-cli/pkg/intake"
)

// appEnv holds the store and the services built on it.
type appEnv struct {
	Store      store.Store
	Dispatcher *dispatch.Dispatcher
	Pipeline   *pipeline.Pipeline // nil when intake is not configured
	Reviews    *review.Manager
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Reviews != nil {
		e.Reviews.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	opts := store.Options{
		MaxConns:         cfg.Store.MaxConns,
		MinConns:         cfg.Store.MinConns,
		EnforceOwnership: cfg.Store.EnforceOwnership,
	}
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "oficio.db"
		}
		return store.NewSQLite(dsn, opts)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, opts)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore validates the config for mode, opens the store and migrates it.
func openStore(ctx context.Context, mode string) (store.Store, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func initDispatcher(st store.Store) *dispatch.Dispatcher {
	var primary decisionapi.Client
	if cfg.Primary.BaseURL != "" {
		primary = decisionapi.NewClient(cfg.Primary.BaseURL, cfg.Primary.Token,
			decisionapi.WithTimeout(config.Seconds(cfg.Primary.TimeoutSecs)))
	} else {
		zap.L().Warn("primary.base_url not set, every decision takes the fallback path")
	}
	return dispatch.New(primary, st, cfg.Primary)
}

func initPipeline(st store.Store) (*pipeline.Pipeline, error) {
	if cfg.Intake.BaseURL == "" {
		zap.L().Warn("intake.base_url not set, ingestion disabled")
		return nil, nil
	}

	loc := cfg.Pipeline.Location()
	authorities, err := pipeline.LoadAuthorityTable(cfg.Pipeline.AuthorityTablePath)
	if err != nil {
		return nil, eris.Wrap(err, "load authority table")
	}

	var enhancer *pipeline.Enhancer
	if cfg.Anthropic.Key != "" {
		enhancer = pipeline.NewEnhancer(anthropicpkg.NewClient(cfg.Anthropic.Key), cfg.Anthropic, loc)
		zap.L().Info("ai enhancer enabled", zap.String("model", cfg.Anthropic.Model))
	} else {
		zap.L().Info("OFICIO_ANTHROPIC_KEY not set, ai enhancer disabled")
	}

	intakeClient := intake.NewClient(cfg.Intake.BaseURL, cfg.Intake.Token,
		intake.WithTimeout(config.Seconds(cfg.Intake.TimeoutSecs)))

	return pipeline.New(cfg, st, intakeClient, pipeline.NewExtractor(authorities, loc), enhancer), nil
}

// initApp builds the full environment for mode. Callers should defer
// env.Close().
func initApp(ctx context.Context, mode string) (*appEnv, error) {
	st, err := openStore(ctx, mode)
	if err != nil {
		return nil, err
	}

	p, err := initPipeline(st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	d := initDispatcher(st)
	reviews := review.NewManager(st, d, review.Options{
		FieldThreshold: cfg.Pipeline.ReviewFieldThreshold,
		DisplayDelay:   config.Millis(cfg.Review.DisplayDelayMs),
	})

	return &appEnv{Store: st, Dispatcher: d, Pipeline: p, Reviews: reviews}, nil
}
