package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"

	"github.com/mbaxszy7/mnemora/internal/clients/openai"
	"github.com/mbaxszy7/mnemora/internal/config"
	"github.com/mbaxszy7/mnemora/internal/db"
	"github.com/mbaxszy7/mnemora/internal/graph"
	"github.com/mbaxszy7/mnemora/internal/notify"
	"github.com/mbaxszy7/mnemora/internal/pkg/logger"
	"github.com/mbaxszy7/mnemora/internal/repos"
	"github.com/mbaxszy7/mnemora/internal/scheduler"
	"github.com/mbaxszy7/mnemora/internal/stages"
	"github.com/mbaxszy7/mnemora/internal/threads"
	"github.com/mbaxszy7/mnemora/internal/vector"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Mode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	sqlite, err := db.NewSQLiteService(cfg.DBPath, log)
	if err != nil {
		log.Fatal("SQLite init failed", "error", err)
	}
	if err := sqlite.AutoMigrateAll(); err != nil {
		log.Fatal("SQLite auto migration failed", "error", err)
	}
	gdb := sqlite.DB()

	// Repos
	log.Info("Setting up repos...")
	nodeRepo := repos.NewGraphNodeRepo(gdb, log)
	edgeRepo := repos.NewGraphEdgeRepo(gdb, log)
	threadRepo := repos.NewThreadRepo(gdb, log)
	shotRepo := repos.NewScreenshotRepo(gdb, log)
	batchRepo := repos.NewAnalysisBatchRepo(gdb, log)
	windowRepo := repos.NewSummaryWindowRepo(gdb, log)

	analysisWork := repos.NewWorkRecordRepo(gdb, log, stages.AnalysisTarget)
	summaryWork := repos.NewWorkRecordRepo(gdb, log, stages.SummaryTarget)
	detailWork := repos.NewWorkRecordRepo(gdb, log, stages.DetailTarget)
	embeddingWork := repos.NewWorkRecordRepo(gdb, log, stages.EmbeddingTarget)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Vector index: the guard decides whether the on-disk file is usable or
	// has to be rebuilt from the database.
	guard := vector.NewGuard(gdb, log, cfg.Vector, nodeRepo)
	index, err := guard.Load(ctx)
	if err != nil {
		log.Fatal("Vector index load failed", "error", err)
	}

	// Model client
	model, err := openai.NewClient(log)
	if err != nil {
		log.Fatal("Model client init failed", "error", err)
	}
	caller := stages.NewModelCaller(model, cfg.Model, log)

	// Graph + threads + notifications
	writer := graph.NewWriter(gdb, log, nodeRepo, edgeRepo, shotRepo)
	threadRepository := threads.NewRepository(gdb, log, cfg.Threads, threadRepo, nodeRepo, edgeRepo)
	notifier := notify.NewDebounced(cfg.Notify.Debounce, func(c notify.Change) {
		// Stand-in sink until a UI/IPC consumer is attached.
		if buf, err := json.Marshal(c); err == nil {
			log.Info("Graph changed", "change", string(buf))
		}
	}, log)

	// Stages
	analysisStage, err := stages.NewAnalysisStage(stages.AnalysisDeps{
		DB: gdb, Log: log, Work: analysisWork, Batches: batchRepo, Shots: shotRepo,
		Windows: windowRepo, Writer: writer, Threads: threadRepository,
		Model: caller, Notify: notifier, Cfg: cfg.Analysis,
	})
	if err != nil {
		log.Fatal("Analysis stage init failed", "error", err)
	}
	summaryStage, err := stages.NewSummaryStage(stages.SummaryDeps{
		DB: gdb, Log: log, Work: summaryWork, Windows: windowRepo, Batches: batchRepo,
		Nodes: nodeRepo, Model: caller, Cfg: cfg.Summary,
	})
	if err != nil {
		log.Fatal("Summary stage init failed", "error", err)
	}
	detailStage, err := stages.NewDetailStage(stages.DetailDeps{
		DB: gdb, Log: log, Work: detailWork, Nodes: nodeRepo, Shots: shotRepo,
		Windows: windowRepo, Model: caller, Cfg: cfg.Detail,
	})
	if err != nil {
		log.Fatal("Detail stage init failed", "error", err)
	}
	embeddingStage, err := stages.NewEmbeddingStage(stages.EmbeddingDeps{
		DB: gdb, Log: log, Work: embeddingWork, Nodes: nodeRepo, Model: caller,
		Guard: guard, Index: index, Cfg: cfg.Embedding,
	})
	if err != nil {
		log.Fatal("Embedding stage init failed", "error", err)
	}

	// One polling loop per stage; loops share nothing but the store.
	handles := []*scheduler.Handle{
		scheduler.New(analysisStage, cfg.Analysis.Scheduler, log).Start(ctx),
		scheduler.New(summaryStage, cfg.Summary.Scheduler, log).Start(ctx),
		scheduler.New(detailStage, cfg.Detail.Scheduler, log).Start(ctx),
		scheduler.New(embeddingStage, cfg.Embedding.Scheduler, log).Start(ctx),
	}

	// Maintenance: thread inactivity sweep and a periodic index flush on top
	// of the index's own debounced flushing.
	maint := cron.New()
	if _, err := maint.AddFunc(cfg.Threads.InactiveSweepCron, func() {
		n, err := threadRepository.MarkInactive(ctx)
		if err != nil {
			log.Warn("Thread inactivity sweep failed", "error", err)
			return
		}
		if n > 0 {
			log.Info("Threads marked inactive", "count", n)
		}
	}); err != nil {
		log.Fatal("Inactivity sweep cron failed", "error", err)
	}
	if _, err := maint.AddFunc("@every 1m", func() {
		if err := embeddingStage.CurrentIndex().Flush(); err != nil {
			log.Warn("Index flush failed", "error", err)
		}
	}); err != nil {
		log.Fatal("Index flush cron failed", "error", err)
	}
	maint.Start()

	log.Info("mnemora pipeline running", "db", cfg.DBPath, "index", cfg.Vector.IndexPath)
	<-ctx.Done()
	log.Info("Shutting down...")

	maint.Stop()
	for _, h := range handles {
		h.Stop()
	}
	notifier.Close()
	if err := embeddingStage.CurrentIndex().Close(); err != nil {
		log.Warn("Index close failed", "error", err)
	}
	log.Info("Shutdown complete")
}
