package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/4ier/retire-cluster/coordinator/coordination"
	"github.com/4ier/retire-cluster/coordinator/registry"
	"github.com/4ier/retire-cluster/coordinator/results"
	"github.com/4ier/retire-cluster/coordinator/scheduler"
	"github.com/4ier/retire-cluster/coordinator/store"
	"github.com/4ier/retire-cluster/coordinator/timeline"
	"github.com/4ier/retire-cluster/coordinator/transport"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Printf("fatal: %v", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("received shutdown signal")
		cancel()
	}()

	tl := timeline.NewStore(0)

	// Registry snapshot persistence.
	var snapshots store.SnapshotStore
	switch cfg.Storage.Backend {
	case "redis":
		snapshots, err = store.NewRedisStore(cfg.Storage.RedisAddr, cfg.Storage.RedisPassword, cfg.Storage.RedisDB)
		if err != nil {
			log.Printf("fatal: %v", err)
			os.Exit(3)
		}
		log.Printf("registry persistence: redis at %s", cfg.Storage.RedisAddr)
	case "memory":
		snapshots = store.NewMemoryStore()
	default:
		snapshots, err = store.NewFileStore(cfg.Storage.RegistryPath)
		if err != nil {
			log.Printf("fatal: %v", err)
			os.Exit(3)
		}
		log.Printf("registry persistence: file at %s", cfg.Storage.RegistryPath)
	}
	defer snapshots.Close()

	// Optional durable task event log.
	if dsn := cfg.Storage.EventLogDSN; dsn != "" {
		eventLog, err := store.NewPostgresEventLog(ctx, dsn)
		if err != nil {
			// Persistence failure is survivable; memory stays authoritative.
			log.Printf("warning: task event log unavailable: %v", err)
		} else {
			defer eventLog.Close()
			tl.SetDurable(eventLog)
			log.Println("task event log: postgres")
		}
	}

	reg := registry.New(snapshots, tl)
	if err := reg.Restore(ctx); err != nil {
		log.Printf("warning: registry restore failed: %v", err)
	}
	reg.StartPersistence(ctx, 2*time.Second)

	res := results.NewStore(cfg.Results.RetentionCount, time.Duration(cfg.Results.RetentionSeconds)*time.Second)

	sched := scheduler.New(reg, res, tl, scheduler.Config{
		QueueCapacity:             cfg.Scheduler.QueueCapacity,
		DefaultTaskTimeoutSeconds: cfg.Scheduler.DefaultTaskTimeoutSeconds,
		DefaultMaxRetries:         cfg.Scheduler.DefaultMaxRetries,
		DispatchRatePerDevice:     20,
		DispatchBurst:             10,
	})
	sched.Start(ctx)

	// Worker-facing TCP server.
	tcpCfg := transport.DefaultConfig(fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
	tcpCfg.MaxConnections = cfg.Server.MaxConnections
	srv := transport.NewServer(tcpCfg, reg, sched)
	if err := srv.Listen(); err != nil {
		log.Printf("fatal: %v", err)
		os.Exit(1)
	}
	go func() {
		if err := srv.Serve(ctx); err != nil {
			log.Printf("fatal: worker listener: %v", err)
			cancel()
		}
	}()

	// Liveness and timeout sweeps.
	monitor := coordination.NewDeviceMonitor(reg, sched,
		time.Duration(cfg.Heartbeat.SweepIntervalSeconds)*time.Second,
		time.Duration(cfg.Heartbeat.OfflineThresholdSeconds)*time.Second)
	monitor.Start(ctx)

	sweeper := coordination.NewTaskSweeper(sched, time.Duration(cfg.Scheduler.TaskSweepIntervalSeconds)*time.Second)
	sweeper.Start(ctx)

	// Event stream hub.
	hub := NewEventsHub()
	tl.AddSink(hub.Publish)
	go hub.Run(ctx)

	// HTTP boundary.
	api := NewAPI(reg, sched, res, tl, srv, hub, cfg.API.SubmitRate, cfg.API.SubmitBurst)
	mux := http.NewServeMux()
	api.Routes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{Addr: cfg.API.Addr, Handler: mux}
	go func() {
		log.Printf("coordinator API listening on %s", cfg.API.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("fatal: api listener: %v", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Println("coordinator shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	reg.Flush(shutdownCtx)
}
