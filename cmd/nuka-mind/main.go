package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-mind/internal/api"
	"github.com/nidhogg/nuka-mind/internal/config"
	"github.com/nidhogg/nuka-mind/internal/consciousness"
	"github.com/nidhogg/nuka-mind/internal/consolidation"
	"github.com/nidhogg/nuka-mind/internal/embedding"
	"github.com/nidhogg/nuka-mind/internal/episodic"
	"github.com/nidhogg/nuka-mind/internal/graph"
	"github.com/nidhogg/nuka-mind/internal/metrics"
	"github.com/nidhogg/nuka-mind/internal/persona"
	"github.com/nidhogg/nuka-mind/internal/procedural"
	"github.com/nidhogg/nuka-mind/internal/semantic"
	"github.com/nidhogg/nuka-mind/internal/sleep"
	"github.com/nidhogg/nuka-mind/internal/store"
	"github.com/nidhogg/nuka-mind/internal/vectorstore"
)

const defaultConfigPath = "configs/nuka-mind.json"

func newLogger(level string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if level == "debug" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			cfgPath = defaultConfigPath
		}
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()
	logger.Info("Starting Nuka Mind...", zap.String("config", cfgPath))

	ctx := context.Background()

	// Relational store
	db, err := store.Open(ctx, cfg.Database.Relational, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	// Embeddings
	provider, err := embedding.NewProvider(cfg.Embedding, logger)
	if err != nil {
		logger.Fatal("failed to build embedding provider", zap.Error(err))
	}
	embedder := embedding.NewBatcher(provider, cfg.Embedding.BatchSize, cfg.Embedding.Parallelism)

	// Vector index
	var index vectorstore.Index
	switch cfg.Vector.Backend {
	case "qdrant":
		q, err := vectorstore.NewQdrantIndex(cfg.Vector.Qdrant, cfg.Vector.Threshold, logger)
		if err != nil {
			logger.Fatal("qdrant unavailable", zap.Error(err))
		}
		defer q.Close()
		if err := q.EnsureCollection(ctx, uint64(provider.Dimension())); err != nil {
			logger.Fatal("qdrant collection", zap.Error(err))
		}
		index = q
	default:
		index = vectorstore.NewSQLIndex(db, cfg.Vector.Threshold, logger)
	}
	logger.Info("Vector index ready", zap.String("backend", cfg.Vector.Backend))

	var collector *metrics.Collector
	if cfg.Server.Metrics {
		collector = metrics.NewCollector("nuka_mind", logger)
	}

	// Memory stores
	episodes := episodic.NewStore(db, index, embedder, cfg.Memory.Episodic, logger)
	knowledge := semantic.NewStore(db, index, embedder, cfg.Memory.Semantic, logger)
	skills := procedural.NewStore(db, index, embedder, cfg.Memory.Procedural, logger)

	// Knowledge-graph projection requires Neo4j
	var projector *graph.Projector
	if n := cfg.Database.Neo4j; n.URI != "" {
		p, err := graph.NewProjector(n.URI, n.User, n.Password, n.Database, logger)
		if err == nil {
			err = p.Ping(ctx)
		}
		if err == nil {
			err = p.EnsureSchema(ctx)
		}
		if err != nil {
			logger.Warn("Neo4j unavailable, running without graph projection", zap.Error(err))
		} else {
			projector = p
			defer projector.Close(ctx)
			knowledge.SetGraphSink(projector)
		}
	}

	// Consolidation locking: Redis when configured, in-process otherwise
	var locker consolidation.Locker = consolidation.NewKeyedMutex()
	if r := cfg.Database.Redis; r.URL != "" {
		rl, err := consolidation.NewRedisLocker(ctx, r.URL, r.LockTTL.Std(), logger)
		if err != nil {
			logger.Warn("Redis unavailable, using in-process locks", zap.Error(err))
		} else {
			defer rl.Close()
			locker = rl
		}
	}

	engine := consolidation.NewEngine(consolidation.Deps{
		Episodic:   episodes,
		Semantic:   knowledge,
		Procedural: skills,
		Index:      index,
		Locker:     locker,
		Recorder:   collector,
	}, cfg.Memory.Consolidation, logger)

	cons := consciousness.NewEngine(db, cfg.Memory.Consciousness, logger)
	sleeper := sleep.NewManager(db, engine, cfg.Sleep.MaintenanceInterval.Std(), logger)
	sleeper.SetRecorder(collector)
	core := persona.NewCore(db, cons, sleeper, cfg.Memory.Persona, logger)

	if cfg.Persona.ID != "" {
		s, err := core.Initialize(ctx, cfg.Persona.ID, cfg.Persona.Name)
		if err != nil {
			logger.Fatal("persona initialization failed", zap.Error(err))
		}
		logger.Info("Persona ready",
			zap.String("persona", s.Persona.ID),
			zap.Bool("created", s.Created),
			zap.Bool("awakened", s.Awakening != nil))
	}

	var scheduler *sleep.Scheduler
	if cfg.Sleep.Scheduler {
		scheduler = sleep.NewScheduler(cfg.Sleep.SchedulerInterval.Std(), sleeper, core.List, logger)
		scheduler.Start()
	}

	handler := api.NewHandler(api.Services{
		Personas:      core,
		Episodic:      episodes,
		Semantic:      knowledge,
		Procedural:    skills,
		Consolidation: engine,
		Consciousness: cons,
		Sleep:         sleeper,
		Graph:         projector,
		Metrics:       collector,
	}, cfg.Server.CORSOrigins, logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Nuka Mind listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Nuka Mind...")
	if scheduler != nil {
		scheduler.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server shutdown incomplete", zap.Error(err))
	}
	// Recorded sleep lets the next start measure the downtime.
	if n, err := core.SleepAll(shutdownCtx); err != nil {
		logger.Warn("Personas not put to sleep", zap.Error(err))
	} else {
		logger.Info("Personas asleep", zap.Int("count", n))
	}
}
