package gateway

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/pagepilot/pagepilot/core/infra/bus"
	"github.com/pagepilot/pagepilot/core/infra/config"
	"github.com/pagepilot/pagepilot/core/infra/logging"
	"github.com/pagepilot/pagepilot/core/infra/metrics"
	"github.com/pagepilot/pagepilot/core/infra/redisutil"
	"github.com/pagepilot/pagepilot/core/plan"
	"github.com/pagepilot/pagepilot/core/protocol/signing"
	"github.com/pagepilot/pagepilot/core/run"
	"github.com/pagepilot/pagepilot/core/tool"
	"github.com/pagepilot/pagepilot/core/toolcall"
)

const defaultShutdownTimeout = 10 * time.Second

// Run wires the gateway's stores and collaborators from config and serves
// until SIGINT/SIGTERM.
func Run(cfg *config.Config) error {
	if cfg == nil {
		cfg = config.Load()
	}

	skills, err := config.LoadSkills(cfg.SkillsPath)
	if err != nil {
		return fmt.Errorf("load skills %s: %w", cfg.SkillsPath, err)
	}

	rdb, err := redisutil.NewClient(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer rdb.Close()

	natsBus, err := bus.NewNatsBus(cfg.NatsURL)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer natsBus.Close()

	registry := tool.DefaultRegistry()
	plans := plan.NewRedisStore(rdb)
	runs := run.NewRedisStore(rdb)

	deps := Deps{
		Skills:    skills,
		Registry:  registry,
		Validator: plan.NewValidator(registry),
		Plans:     plans,
		Runs:      runs,
		Events:    natsBus,
		Metrics:   metrics.NewGatewayProm("pagepilot_gateway"),
		EnvCaps: run.Caps{
			MaxSteps:     cfg.MaxRunSteps,
			MaxToolCalls: cfg.MaxRunToolCalls,
			MaxPages:     cfg.MaxRunPages,
		},
		BulkCeiling: cfg.MaxBulkSize,
	}

	// Pairing credentials enable the signed channel to the tool host;
	// without them the manifest falls back to the full registry and
	// rollback calls are refused.
	var caller run.ToolCaller
	if cfg.SigningKey != "" && cfg.InstallationID != "" {
		signer, err := signing.NewSigner(cfg.SigningKey)
		if err != nil {
			return fmt.Errorf("load signing key: %w", err)
		}
		client, err := toolcall.New(toolcall.Config{
			BaseURL:        cfg.ToolHostURL,
			InstallationID: cfg.InstallationID,
			Audience:       cfg.Audience,
			Timeout:        cfg.CallTimeout,
		}, signer)
		if err != nil {
			return fmt.Errorf("init tool client: %w", err)
		}
		deps.Manifest = client.Manifest
		caller = client
	} else {
		logging.Info("gateway", "no pairing credentials, signed channel disabled")
	}
	deps.Rollbacker = run.NewRollbacker(runs, caller, natsBus)

	srv := NewServer(deps)

	go serveMetrics(cfg.MetricsAddr, "gateway")

	httpSrv := &http.Server{
		Addr:              cfg.GatewayAddr,
		Handler:           srv,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logging.Info("gateway", "listening", "addr", cfg.GatewayAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logging.Info("gateway", "stopped")
	return nil
}

func serveMetrics(addr, service string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	logging.Info(service, "metrics listening", "addr", addr+"/metrics")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.Error(service, "metrics server error", "error", err)
	}
}
