// Command acs runs the mock 3-D Secure Access Control Server.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"acs/internal/acs"
	"acs/internal/config"
	"acs/internal/server"
	"acs/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	st, err := store.Open(store.Options{
		Path:        cfg.Store.Path,
		TTL:         cfg.StoreTTL(),
		KeyPrefix:   cfg.Store.KeyPrefix,
		PoolMaxSize: cfg.Store.Pool.MaxSize,
		PoolMinIdle: cfg.Store.Pool.MinIdle,
	})
	if err != nil {
		log.Error("failed to open transaction store", zap.Error(err))
		os.Exit(1)
	}
	defer func() { _ = st.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := st.Ping(ctx); err != nil {
		log.Error("transaction store unreachable", zap.Error(err))
		os.Exit(1)
	}

	svc := acs.NewService(st, log, acs.Config{
		BaseURL:  cfg.BaseURL(),
		CertPath: cfg.ACS.CertPath,
		KeyPath:  cfg.ACS.KeyPath,
	})

	srv := server.New(cfg, svc, log)
	if err := srv.Run(); err != nil {
		log.Error("server stopped", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	var lvl zap.AtomicLevel
	if err := lvl.UnmarshalText([]byte(level)); err == nil {
		cfg.Level = lvl
	}
	return cfg.Build()
}
