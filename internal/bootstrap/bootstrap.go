// Package bootstrap constructs the shared object graph every cmd/ binary
// starts from: repository, object store, vector store, broker, C1 provider
// adapters, metrics sink, optional Redis cache, and the C6/C7/C8 services
// built on top of them. Each binary only differs in which services it
// actually runs.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"ragkb/internal/broker"
	"ragkb/internal/cache"
	"ragkb/internal/config"
	"ragkb/internal/diagnostics"
	"ragkb/internal/lifecycle"
	"ragkb/internal/metrics"
	"ragkb/internal/objectstore"
	"ragkb/internal/provider/chatllm"
	"ragkb/internal/provider/embedder"
	"ragkb/internal/provider/ocr"
	"ragkb/internal/provider/pdf"
	"ragkb/internal/provider/reranker"
	"ragkb/internal/reconcile"
	"ragkb/internal/repository"
	"ragkb/internal/retrieval"
	"ragkb/internal/vectorstore"
)

// App is the fully wired object graph. Individual binaries use the subset
// of fields they need and ignore the rest.
type App struct {
	Config *config.Config

	DBPool *pgxpool.Pool
	Repo   repository.Repository
	Store  objectstore.ObjectStore
	VStore vectorstore.VectorStore

	Producer broker.Producer
	Consumer broker.Consumer

	Embed  embedder.Embedder
	Chat   chatllm.ChatLLM
	Rerank reranker.Reranker
	Pdf    pdf.Converter
	OCR    ocr.Engine

	Metrics metrics.Metrics
	PromReg *prometheus.Registry
	Cache   *cache.Redis

	Lifecycle   *lifecycle.Service
	Retrieval   *retrieval.Service
	Reconcile   *reconcile.Service
	Diagnostics *diagnostics.Service
}

// New wires every component named in cfg. It opens the database pool, the
// configured object/vector store and broker backends, every C1 provider
// adapter, and the C6/C7/C8 services layered on top, in that order since
// later components depend on earlier ones.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	app := &App{Config: cfg}

	pool, err := repository.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database pool: %w", err)
	}
	app.DBPool = pool

	repo, err := repository.NewPostgres(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("init repository: %w", err)
	}
	app.Repo = repo

	store, err := newObjectStore(ctx, cfg.ObjectStor)
	if err != nil {
		return nil, fmt.Errorf("init object store: %w", err)
	}
	app.Store = store

	vstore, err := vectorstore.New(ctx, cfg.VectorStor, pool)
	if err != nil {
		return nil, fmt.Errorf("init vector store: %w", err)
	}
	redisCache, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("init redis cache: %w", err)
	}
	app.Cache = redisCache
	if redisCache != nil {
		vstore = vectorstore.NewCachedPartitions(vstore, redisCache)
	}
	app.VStore = vstore

	producer, consumer, err := broker.New(cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("init broker: %w", err)
	}
	app.Producer = producer
	app.Consumer = consumer

	app.Embed = embedder.New(cfg.Providers.Embedding.Variant, cfg.Providers.Embedding, cfg.VectorStor.Dimensions)
	app.Chat = chatllm.New(cfg.Providers.ChatLLM)
	app.Rerank = reranker.New(cfg.Providers.Reranker.Variant, cfg.Providers.Reranker)
	app.Pdf = pdf.New(cfg.Providers.Pdf)
	if cfg.Providers.OCR.Enabled {
		app.OCR = ocr.New(cfg.Providers.OCR.DocumentAI)
	}

	m, promReg, err := newMetrics(cfg.Obs)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	app.Metrics = m
	app.PromReg = promReg

	app.Retrieval = retrieval.New(app.Repo, app.VStore, app.Embed, app.Rerank, app.Chat, app.Metrics, cfg.Retrieval)
	app.Lifecycle = lifecycle.New(app.Repo, app.Store, app.Producer, app.VStore, app.Embed, app.Retrieval, app.Metrics, cfg.Retrieval)
	app.Reconcile = reconcile.New(app.Repo, app.VStore, app.Embed, app.Metrics)
	app.Diagnostics = diagnostics.New(app.Repo, app.Store, app.VStore, app.Embed, app.Chat, app.Rerank, app.Cache)

	return app, nil
}

func newObjectStore(ctx context.Context, cfg config.ObjectStoreConfig) (objectstore.ObjectStore, error) {
	switch cfg.Backend {
	case "", "memory":
		return objectstore.NewMemoryStore(), nil
	case "s3":
		return objectstore.NewS3Store(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown object_store.backend %q", cfg.Backend)
	}
}

func newMetrics(cfg config.ObsConfig) (metrics.Metrics, *prometheus.Registry, error) {
	switch cfg.Metrics {
	case "noop":
		return metrics.NewMock(), nil, nil
	case "prometheus":
		reg := prometheus.NewRegistry()
		return metrics.NewProm(reg), reg, nil
	default: // "otel"
		return metrics.NewOtel(), nil, nil
	}
}

// Close releases every resource App opened, best-effort: it attempts every
// close regardless of earlier failures and returns the first error seen.
func (a *App) Close() error {
	var first error
	note := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if a.Producer != nil {
		note(a.Producer.Close())
	}
	if a.Consumer != nil {
		note(a.Consumer.Close())
	}
	note(a.Cache.Close())
	if a.DBPool != nil {
		a.DBPool.Close()
	}
	return first
}
