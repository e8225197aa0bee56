// Command engramd runs the Engram memory engine as a long-lived daemon: it
// serves the HTTP API and drives the scheduled consolidation and backup
// sweeps.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/engramlabs/engram/internal/backup"
	"github.com/engramlabs/engram/internal/config"
	"github.com/engramlabs/engram/internal/engine"
	"github.com/engramlabs/engram/internal/llm"
	"github.com/engramlabs/engram/internal/server"
	"github.com/engramlabs/engram/internal/storage"
	"github.com/engramlabs/engram/internal/storage/postgres"
	"github.com/engramlabs/engram/internal/storage/sqlite"
)

func main() {
	consolidateNow := flag.Bool("consolidate", false, "run one consolidation sweep and exit")
	backupNow := flag.Bool("backup", false, "take one backup snapshot and exit")
	flag.Parse()

	if err := run(*consolidateNow, *backupNow); err != nil {
		log.Fatalf("engramd: %v", err)
	}
}

func run(consolidateNow, backupNow bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Storage.DataPath, 0o755); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	dbPath := filepath.Join(cfg.Storage.DataPath, "engram.db")

	store, err := sqlite.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	// Sessions, graph and access patterns always live in SQLite. The vector
	// index moves to Postgres when configured, which enables pgvector-backed
	// similarity search.
	var index storage.VectorIndex = store
	if cfg.Storage.Engine == "postgres" {
		pg, err := postgres.Open(cfg.Storage.PostgresDSN, cfg.Services.EmbedDim)
		if err != nil {
			return err
		}
		defer pg.Close()
		index = pg
		log.Printf("engramd: vector index on postgres")
	}

	embedClient := llm.NewOllamaClient(llm.OllamaConfig{
		BaseURL: cfg.Services.BaseURL,
		Model:   cfg.Services.EmbedModel,
		Timeout: time.Duration(cfg.Services.TimeoutMs) * time.Millisecond,
	})
	completeClient := llm.NewOllamaClient(llm.OllamaConfig{
		BaseURL: cfg.Services.BaseURL,
		Model:   cfg.Services.CompleteModel,
		Timeout: time.Duration(cfg.Services.TimeoutMs) * time.Millisecond,
	})
	if err := embedClient.HealthCheck(context.Background()); err != nil {
		log.Printf("engramd: model service unreachable, degraded mode: %v", err)
	}

	embedder, err := llm.NewCachedEmbedder(embedClient, llm.CachedEmbedderConfig{
		CacheSize:         cfg.Services.EmbedCacheSize,
		RequestsPerSecond: cfg.Services.EmbedRate,
		Burst:             cfg.Services.EmbedBurst,
		MaxTries:          uint(cfg.Services.MaxRetries),
	})
	if err != nil {
		return err
	}

	eng, err := engine.New(cfg, engine.Deps{
		Sessions:   store,
		Index:      index,
		Graph:      store,
		Meta:       store,
		Embedder:   embedder,
		Summarizer: llm.NewModelSummarizer(completeClient),
		Extractor:  llm.NewModelExtractor(completeClient),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		return err
	}

	var backupSvc *backup.Service
	if cfg.Backup.Dir != "" && cfg.Storage.Engine != "postgres" {
		backupSvc = backup.NewService(dbPath, cfg.Backup.Dir, backup.Retention{
			Daily:   cfg.Backup.Daily,
			Weekly:  cfg.Backup.Weekly,
			Monthly: cfg.Backup.Monthly,
		})
	}

	// One-shot modes for external schedulers.
	if consolidateNow || backupNow {
		defer shutdown(eng)
		if consolidateNow {
			stats, err := eng.Consolidate(ctx)
			if err != nil {
				return err
			}
			log.Printf("engramd: consolidation done: deleted=%d reassessed=%d merged=%d",
				stats.Deleted, stats.Reassessed, stats.Merged)
		}
		if backupNow {
			if backupSvc == nil {
				return fmt.Errorf("backups not configured")
			}
			dest, err := backupSvc.Run(ctx)
			if err != nil {
				return err
			}
			log.Printf("engramd: snapshot written to %s", dest)
		}
		return nil
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Consolidation.Schedule, func() {
		sweepCtx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		stats, err := eng.Consolidate(sweepCtx)
		if err != nil {
			log.Printf("engramd: consolidation sweep: %v", err)
			return
		}
		log.Printf("engramd: consolidation done: deleted=%d reassessed=%d merged=%d",
			stats.Deleted, stats.Reassessed, stats.Merged)
	}); err != nil {
		return fmt.Errorf("consolidation schedule %q: %w", cfg.Consolidation.Schedule, err)
	}
	if backupSvc != nil {
		if _, err := scheduler.AddFunc(cfg.Backup.Schedule, func() {
			snapCtx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			dest, err := backupSvc.Run(snapCtx)
			if err != nil {
				log.Printf("engramd: backup: %v", err)
				return
			}
			log.Printf("engramd: snapshot written to %s", dest)
		}); err != nil {
			return fmt.Errorf("backup schedule %q: %w", cfg.Backup.Schedule, err)
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	if cfg.Server.Enabled {
		if _, err := server.Start(ctx, cfg, eng); err != nil {
			shutdown(eng)
			return err
		}
	}

	<-ctx.Done()
	log.Printf("engramd: shutting down")
	shutdown(eng)
	return nil
}

func shutdown(eng *engine.Engine) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := eng.Shutdown(ctx); err != nil {
		log.Printf("engramd: %v", err)
	}
}
