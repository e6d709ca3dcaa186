package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mohammed-shakir/ngd-catalyst/internal/auth"
	"github.com/mohammed-shakir/ngd-catalyst/internal/cache/redisstore"
	"github.com/mohammed-shakir/ngd-catalyst/internal/catalog"
	"github.com/mohammed-shakir/ngd-catalyst/internal/composer"
	"github.com/mohammed-shakir/ngd-catalyst/internal/core/config"
	"github.com/mohammed-shakir/ngd-catalyst/internal/core/health"
	"github.com/mohammed-shakir/ngd-catalyst/internal/core/httpclient"
	"github.com/mohammed-shakir/ngd-catalyst/internal/core/server"
	"github.com/mohammed-shakir/ngd-catalyst/internal/core/upstream"
	"github.com/mohammed-shakir/ngd-catalyst/internal/logger"
	"github.com/mohammed-shakir/ngd-catalyst/internal/metrics"
	"github.com/mohammed-shakir/ngd-catalyst/internal/paginate"
	"github.com/mohammed-shakir/ngd-catalyst/internal/telemetry"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.FromEnv()

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Service:   "ngd-catalyst",
		Component: "gateway",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	appLog.Info("starting catalyst",
		"addr", cfg.Addr,
		"version", Version,
		"upstream", cfg.BaseURL,
		"auth", cfg.Auth.Configured(),
		"telemetry", cfg.Telemetry.Enabled)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpClient := httpclient.NewOutbound(cfg.UpstreamTimeout)

	var opts []upstream.Option
	var tokens composer.TokenSource
	if cfg.Auth.Configured() {
		mgr, err := auth.NewManager(appLog.With("component", "auth"), auth.Config{
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			TokenURL:     cfg.Auth.TokenURL,
			RefreshSkew:  cfg.Auth.RefreshSkew,
			RetryMax:     cfg.Auth.RetryMax,
		})
		if err != nil {
			appLog.Error("failed to initialize credential manager", "err", err)
			return 1
		}
		opts = append(opts, upstream.WithCredentials(mgr))
		tokens = mgr
	} else {
		appLog.Warn("CLIENT_ID/CLIENT_SECRET not set; auth routes will fail")
	}

	if cfg.Telemetry.Enabled {
		pub, err := telemetry.NewPublisher(appLog.With("component", "telemetry"),
			cfg.Telemetry.Brokers, cfg.Telemetry.Topic, cfg.Telemetry.Queue)
		if err != nil {
			appLog.Error("telemetry disabled: producer setup failed", "err", err)
		} else {
			defer func() { _ = pub.Close() }()
			opts = append(opts, upstream.WithTelemetry(pub))
		}
	}

	up, err := upstream.New(appLog.With("component", "upstream"), httpClient, cfg.BaseURL, opts...)
	if err != nil {
		appLog.Error("failed to initialize upstream client", "err", err)
		return 1
	}

	var ready []health.Check
	catOpts := catalog.Options{TTL: cfg.Catalog.TTL, Size: cfg.Catalog.Size}
	if cfg.RedisAddr != "" {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		store, err := redisstore.New(dialCtx, cfg.RedisAddr)
		cancel()
		if err != nil {
			// the in-process cache still serves
			appLog.Warn("redis unavailable, catalogue cache is process-local", "addr", cfg.RedisAddr, "err", err)
		} else {
			defer func() { _ = store.Close() }()
			catOpts.Store = store
			ready = append(ready, health.Check{Name: "redis", Ping: store.Ping})
		}
	}
	cat := catalog.New(appLog.With("component", "catalog"), up, cfg.BaseURL, catOpts)

	pager := paginate.New(appLog.With("component", "paginate"), up, cfg.NativePageCap)
	comp := composer.New(appLog.With("component", "composer"), pager, cat, tokens, composer.Config{
		MaxConcurrency:      cfg.MaxConcurrency,
		DefaultRequestLimit: cfg.DefaultRequestLimit,
		BudgetCap:           cfg.RequestBudgetCap,
		Source:              cfg.SourceAttribution,
	})

	deps := server.Deps{Query: comp, Catalog: cat, Ready: ready}
	if cfg.MetricsEnabled {
		p := metrics.Init(metrics.Config{
			Build: metrics.BuildInfo{
				Version:   Version,
				Revision:  os.Getenv("BUILD_REVISION"),
				Branch:    os.Getenv("BUILD_BRANCH"),
				BuildDate: os.Getenv("BUILD_DATE"),
			},
		})
		deps.Metrics = p.Handler()
	}

	if err := server.Run(ctx, cfg, appLog, deps); err != nil && !errors.Is(err, context.Canceled) {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}
