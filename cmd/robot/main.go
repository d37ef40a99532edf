package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/omerlefaruk/casare-rpa/internal/nodes"
	"github.com/omerlefaruk/casare-rpa/internal/platform/config"
	"github.com/omerlefaruk/casare-rpa/internal/platform/logger"
	"github.com/omerlefaruk/casare-rpa/internal/platform/metrics"
	"github.com/omerlefaruk/casare-rpa/internal/robot"
	"github.com/omerlefaruk/casare-rpa/internal/runtime"
)

const serviceName = "robot"

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logger)
	log.Info("starting robot", "robot_name", cfg.Robot.Name, "version", cfg.Version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, cleanup, err := openCheckpointStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("open checkpoint store", "error", err)
	}
	defer cleanup()

	registry := nodes.NewRegistry(log)
	runner := runtime.NewRunner(store, registry, log, cfg.Engine).
		WithMetrics(metrics.New("casare"))

	agent, err := robot.NewAgent(cfg.Robot, cfg.Orchestrator, runner, log)
	if err != nil {
		log.Fatal("invalid robot configuration", "error", err)
	}

	if err := agent.Run(ctx); err != nil && err != context.Canceled {
		log.Error("agent stopped", "error", err)
	}
	log.Info("robot shut down")
}

// openCheckpointStore builds the configured checkpoint backend. Jobs
// survive a robot restart only with a postgres or redis store.
func openCheckpointStore(ctx context.Context, cfg *config.Config, log logger.Logger) (runtime.CheckpointStore, func(), error) {
	switch cfg.Engine.CheckpointStore {
	case "postgres":
		db, err := sql.Open("postgres", cfg.Database.DSN())
		if err != nil {
			return nil, nil, err
		}
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

		store, err := runtime.NewPostgresStore(db, "checkpoints")
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		log.Info("checkpoint store ready", "backend", "postgres", "host", cfg.Database.Host)
		return store, func() { db.Close() }, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr(),
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, err
		}
		log.Info("checkpoint store ready", "backend", "redis", "addr", cfg.Redis.Addr())
		return runtime.NewRedisStore(client, "", 0), func() { client.Close() }, nil

	case "", "memory":
		log.Info("checkpoint store ready", "backend", "memory")
		return runtime.NewMemoryStore(), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown checkpoint store %q", cfg.Engine.CheckpointStore)
	}
}
