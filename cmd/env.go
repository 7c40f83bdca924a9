package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/refsift/refsift/internal/engine"
	"github.com/refsift/refsift/internal/fetcher"
	"github.com/refsift/refsift/internal/review"
	"github.com/refsift/refsift/internal/rules"
	"github.com/refsift/refsift/internal/step"
	"github.com/refsift/refsift/internal/store"
)

// env holds the initialized store, step registry, and engine shared by the
// workflow commands.
type env struct {
	Store  store.Store
	Engine *engine.Engine
	Review *review.Service
}

// Close releases resources held by the environment.
func (e *env) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv opens the configured store, runs migrations, and wires the step
// registry and engine. Callers should defer env.Close().
func initEnv(ctx context.Context) (*env, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	lib := rules.NewLibrary(cfg.Rules.Dir)

	httpFetcher := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		Timeout:      time.Duration(cfg.PDFFetch.TimeoutSecs) * time.Second,
		RateLimiters: fetcher.DefaultRateLimiters(),
	})
	pdfFetcher := fetcher.NewPDFFetcher(httpFetcher, fetcher.PDFOptions{
		Dir: cfg.PDFFetch.Dir,
	})

	registry := step.NewRegistry(
		step.DOIDedupHandler{},
		step.TitleDedupHandler{},
		step.AuthorDedupHandler{},
		step.NewAIScreeningHandler(lib, step.DefaultClassifierFactory(cfg.Anthropic.Key, cfg.LocalLLM.BaseURL)),
		step.NewPDFFetchHandler(pdfFetcher),
	)

	eng := engine.New(st, registry)

	return &env{
		Store:  st,
		Engine: eng,
		Review: review.NewService(st),
	}, nil
}

// initStore opens the store selected by the config driver.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		st, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL, &cfg.Store.Pool)
		if err != nil {
			return nil, err
		}
		zap.L().Debug("using postgres store")
		return st, nil
	case "", "sqlite":
		st, err := store.NewSQLite(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		zap.L().Debug("using sqlite store", zap.String("path", cfg.Store.Path))
		return st, nil
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
