package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/omerlefaruk/casare-rpa/internal/orchestrator"
	"github.com/omerlefaruk/casare-rpa/internal/platform/config"
	"github.com/omerlefaruk/casare-rpa/internal/platform/logger"
	"github.com/omerlefaruk/casare-rpa/internal/platform/messaging/kafka"
	"github.com/omerlefaruk/casare-rpa/internal/platform/metrics"
	"github.com/omerlefaruk/casare-rpa/internal/platform/telemetry"
)

const serviceName = "orchestrator"

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logger)
	log.Info("starting orchestrator", "port", cfg.HTTP.Port, "version", cfg.Version)

	tel, err := telemetry.New(telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		TracingEnabled: cfg.Telemetry.TracingEnabled,
	})
	if err != nil {
		log.Fatal("init telemetry", "error", err)
	}

	m := metrics.New("casare")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := orchestrator.NewRobotRegistry()
	bus := orchestrator.NewEventBus()
	channel := orchestrator.NewChannel(log, orchestrator.ChannelAuth{
		JWTSecret:  cfg.Orchestrator.JWTSecret,
		APIKeyHash: cfg.Orchestrator.APIKey,
	})

	dispatcher := orchestrator.NewDispatcher(registry, orchestrator.NewJobStore(), channel, bus, log, orchestrator.DispatcherConfig{
		DispatchTimeout:  cfg.Orchestrator.DispatchTimeout,
		StatusTimeout:    cfg.Orchestrator.StatusTimeout,
		MaxAttempts:      cfg.Orchestrator.MaxDispatchAttempts,
		HeartbeatTimeout: cfg.Orchestrator.HeartbeatTimeout,
	}).WithMetrics(m)

	if cfg.Kafka.Enabled {
		publisher, err := kafka.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		if err != nil {
			log.Fatal("connect kafka", "error", err)
		}
		defer publisher.Close()
		dispatcher.WithPublisher(publisher)
	}

	monitor := orchestrator.NewHealthMonitor(registry, log,
		cfg.Orchestrator.HealthCheckInterval, cfg.Orchestrator.HeartbeatTimeout,
		dispatcher.HandleRobotOffline).WithMetrics(m)

	schedules := orchestrator.NewScheduleManager(func(s *orchestrator.Schedule) (*orchestrator.Job, error) {
		job := dispatcher.Submit(s.WorkflowID, nil, s.Inputs, s.Priority, nil, s.ID)
		return job, nil
	}, log).WithMetrics(m)

	dispatcher.Start(ctx)
	monitor.Start(ctx)
	schedules.Start(ctx)

	api := orchestrator.NewAPI(registry, dispatcher, schedules, channel, bus, log, cfg.Orchestrator.JWTSecret).
		WithMetrics(m)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      api.Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down orchestrator")

	schedules.Stop()
	monitor.Stop()
	dispatcher.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	tel.Shutdown(shutdownCtx)
}
