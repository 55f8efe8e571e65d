package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pagepilot/pagepilot/core/guard"
	"github.com/pagepilot/pagepilot/core/infra/buildinfo"
	"github.com/pagepilot/pagepilot/core/infra/config"
	infraMetrics "github.com/pagepilot/pagepilot/core/infra/metrics"
	"github.com/pagepilot/pagepilot/core/infra/redisutil"
	"github.com/pagepilot/pagepilot/core/tool"
	"github.com/pagepilot/pagepilot/core/toolhost"
)

func main() {
	log.Println("pagepilot tool host starting...")
	buildinfo.Log("pagepilot-toolhost")

	cfg := config.Load()
	if cfg.VerifyKey == "" || cfg.InstallationID == "" {
		log.Fatal("PAGEPILOT_VERIFY_KEY and PAGEPILOT_INSTALLATION_ID are required")
	}

	rdb, err := redisutil.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatalf("connect redis: %v", err)
	}
	defer rdb.Close()

	g := guard.New(guard.NewRedisStore(rdb), guard.Config{
		MaxFutureSkew: cfg.MaxFutureSkew,
		ReplayWindow:  cfg.ReplayWindow,
		RateWindow:    cfg.RateWindow,
		RateLimit:     int64(cfg.RateLimit),
	})

	hostCfg := toolhost.Config{
		Installations: map[string]string{cfg.InstallationID: cfg.VerifyKey},
		Audience:      cfg.Audience,
		SiteName:      getenv("SITE_NAME", "PagePilot Demo"),
		Theme:         getenv("SITE_THEME", "aurora"),
		Locale:        getenv("SITE_LOCALE", "en-US"),
		Timezone:      getenv("SITE_TIMEZONE", "UTC"),
		SEOProvider:   getenv("SEO_PROVIDER", "builtin"),
		CanonicalBase: getenv("SITE_CANONICAL_BASE", "https://example.com"),
		MaxBulkSize:   cfg.MaxBulkSize,
	}

	srv := toolhost.NewServer(hostCfg, g, tool.DefaultRegistry(), toolhost.NewContentStore(rdb), infraMetrics.NewGuardProm("pagepilot_toolhost"))

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", infraMetrics.Handler())
		msrv := &http.Server{
			Addr:         cfg.MetricsAddr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		log.Printf("toolhost metrics on %s/metrics", cfg.MetricsAddr)
		if err := msrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	httpSrv := &http.Server{
		Addr:              cfg.ToolHostAddr,
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
		log.Printf("toolhost listening on %s", cfg.ToolHostAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		log.Fatalf("toolhost error: %v", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	log.Println("pagepilot tool host stopped")
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
