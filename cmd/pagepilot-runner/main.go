package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/pagepilot/pagepilot/core/infra/buildinfo"
	"github.com/pagepilot/pagepilot/core/infra/bus"
	"github.com/pagepilot/pagepilot/core/infra/config"
	infraMetrics "github.com/pagepilot/pagepilot/core/infra/metrics"
	"github.com/pagepilot/pagepilot/core/infra/redisutil"
	"github.com/pagepilot/pagepilot/core/protocol/signing"
	"github.com/pagepilot/pagepilot/core/run"
	"github.com/pagepilot/pagepilot/core/toolcall"
)

func main() {
	log.Println("pagepilot runner starting...")
	buildinfo.Log("pagepilot-runner")

	cfg := config.Load()
	if cfg.SigningKey == "" || cfg.InstallationID == "" {
		log.Fatal("PAGEPILOT_SIGNING_KEY and PAGEPILOT_INSTALLATION_ID are required")
	}

	signer, err := signing.NewSigner(cfg.SigningKey)
	if err != nil {
		log.Fatalf("load signing key: %v", err)
	}
	client, err := toolcall.New(toolcall.Config{
		BaseURL:        cfg.ToolHostURL,
		InstallationID: cfg.InstallationID,
		Audience:       cfg.Audience,
		Timeout:        cfg.CallTimeout,
	}, signer)
	if err != nil {
		log.Fatalf("init tool client: %v", err)
	}

	rdb, err := redisutil.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatalf("connect redis: %v", err)
	}
	defer rdb.Close()

	natsBus, err := bus.NewNatsBus(cfg.NatsURL)
	if err != nil {
		log.Fatalf("connect nats: %v", err)
	}
	defer natsBus.Close()

	metrics := infraMetrics.NewRunnerProm("pagepilot_runner")
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", infraMetrics.Handler())
		srv := &http.Server{
			Addr:         cfg.MetricsAddr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		log.Printf("runner metrics on %s/metrics", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	worker := run.NewWorker(run.NewRedisStore(rdb), client, natsBus, metrics, cfg.PollInterval)
	worker.Start(ctx)
	log.Printf("runner polling every %s", cfg.PollInterval)

	<-ctx.Done()
	worker.Stop()
	log.Println("pagepilot runner stopped")
}
