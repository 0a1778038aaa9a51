package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/lucasnoah/labforge/internal/artifacts"
	"github.com/lucasnoah/labforge/internal/config"
	"github.com/lucasnoah/labforge/internal/db"
	"github.com/lucasnoah/labforge/internal/jobclient"
	"github.com/lucasnoah/labforge/internal/observability"
	"github.com/lucasnoah/labforge/internal/orchestrator"
	"github.com/lucasnoah/labforge/internal/pipeline"
	"github.com/lucasnoah/labforge/internal/retry"
	"github.com/lucasnoah/labforge/internal/stage"
)

// labRuntime is everything "serve" wires together.
type labRuntime struct {
	cfg    *config.Config
	store  *pipeline.Store
	db     *db.DB
	queue  *orchestrator.MemoryQueue
	orch   *orchestrator.Orchestrator
	ctrl   *orchestrator.Controller
	resume []string
}

// newRuntime builds the store, ledger, stage processors, validation client
// and orchestrator from cfg. progress receives the components' live output.
func newRuntime(ctx context.Context, cfg *config.Config, progress io.Writer) (*labRuntime, func(), error) {
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	shutdownTracing, err := observability.InitTracing("labforge", observability.Options{
		Exporter:    cfg.Tracing.Exporter,
		Path:        cfg.Tracing.Path,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		Headers:     cfg.Tracing.Headers,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("tracing: %w", err)
	}
	cleanups = append(cleanups, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	})

	database, closeDB, err := openDB(cfg)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("open db: %w", err)
	}
	cleanups = append(cleanups, closeDB)

	store := pipeline.NewStore(cfg.Store.Dir)
	loaded, resume, err := store.Load()
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("load sessions: %w", err)
	}
	if loaded > 0 {
		fmt.Fprintf(progress, "  → loaded %d lab(s) from %s\n", loaded, cfg.Store.Dir)
	}

	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	fetcher := artifacts.NewFetcher(blobs)
	fetcher.SetRetry(retry.Policy{
		Attempts:   cfg.Artifacts.FetchRetries,
		Backoff:    config.Duration(cfg.Artifacts.FetchBackoff, 3*time.Second),
		MaxBackoff: 30 * time.Second,
	})
	fetcher.SetProgress(progress)

	var jobs *jobclient.Client
	if v := cfg.Validation; v.EngineURL != "" {
		engine := jobclient.NewHTTPEngine(v.EngineURL, v.EngineToken, config.Duration(v.RequestTimeout, 30*time.Second))
		jobs = jobclient.NewClient(engine, cfg.Artifacts.Bucket())
		jobs.SetStatusRetry(retry.Policy{
			Attempts:   v.StatusRetries + 1,
			Backoff:    config.Duration(v.RetryBackoff, 2*time.Second),
			MaxBackoff: 30 * time.Second,
		})
		if v.ArchiveSpecs {
			jobs.SetArchiver(blobs)
		}
		jobs.SetProgress(progress)
	} else {
		fmt.Fprintln(progress, "  → no validation engine configured; only dry-run labs can finish")
	}

	designer := &stage.Command[pipeline.Design]{
		Name:    stage.Design,
		Command: cfg.Stages.Design.Command,
		Timeout: config.Duration(cfg.Stages.Design.Timeout, 10*time.Minute),
	}
	author := &stage.Command[pipeline.Guide]{
		Name:    stage.Author,
		Command: cfg.Stages.Author.Command,
		Timeout: config.Duration(cfg.Stages.Author.Timeout, 10*time.Minute),
	}
	planner := &stage.CommandPlanner{
		Command: cfg.Interactive.Command,
		Timeout: config.Duration(cfg.Interactive.Timeout, 5*time.Minute),
	}

	ctrl := orchestrator.NewController(store, database, designer, author, jobs, fetcher)
	ctrl.SetPolling(
		config.Duration(cfg.Validation.PollInterval, 10*time.Second),
		config.Duration(cfg.Validation.Timeout, 2*time.Hour),
	)
	ctrl.SetProgress(progress)

	queue := orchestrator.NewMemoryQueue(cfg.Workers.QueueSize)
	orch := orchestrator.NewOrchestrator(store, database, planner, queue, cfg.Interactive.MaxTurns)
	orch.SetProgress(progress)

	return &labRuntime{
		cfg:    cfg,
		store:  store,
		db:     database,
		queue:  queue,
		orch:   orch,
		ctrl:   ctrl,
		resume: resume,
	}, cleanup, nil
}

// newBlobStore opens the configured artifact backend.
func newBlobStore(ctx context.Context, cfg *config.Config) (artifacts.BlobStore, error) {
	a := cfg.Artifacts
	switch a.Backend {
	case "minio":
		m, err := artifacts.NewMinioStore(ctx, artifacts.MinioConfig{
			Endpoint:  a.Minio.Endpoint,
			AccessKey: a.Minio.AccessKey,
			SecretKey: a.Minio.SecretKey,
			Bucket:    a.Bucket(),
			UseSSL:    a.Minio.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("artifact store: %w", err)
		}
		return m, nil
	default:
		dir := a.Dir
		if dir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("artifact dir: %w", err)
			}
			dir = filepath.Join(home, ".labforge", "artifacts")
		}
		return artifacts.NewDirStore(dir), nil
	}
}
