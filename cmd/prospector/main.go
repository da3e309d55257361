package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/quarrylab/prospector/internal/config"
	"github.com/quarrylab/prospector/internal/findings"
	"github.com/quarrylab/prospector/internal/gateway"
	"github.com/quarrylab/prospector/internal/httpapi"
	"github.com/quarrylab/prospector/internal/research"
	"github.com/quarrylab/prospector/internal/summarizer"
	"github.com/quarrylab/prospector/internal/tracing"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}, logger); err != nil {
		logger.Warn("Failed to initialize tracing", zap.Error(err))
	}

	limits := findings.LoadLimits(cfg.LimitsPath, logger)
	store, err := findings.NewStore(cfg.DataDir, limits, logger)
	if err != nil {
		logger.Fatal("Failed to open findings store", zap.Error(err))
	}
	defer store.Close()

	// Hot-reload finding limits when the file changes.
	if cfg.LimitsPath != "" {
		stopWatch, err := config.WatchFile(cfg.LimitsPath, logger, func() {
			store.SetLimits(findings.LoadLimits(cfg.LimitsPath, logger))
		})
		if err != nil {
			logger.Warn("Failed to watch limits file", zap.Error(err))
		} else {
			defer stopWatch()
		}
	}

	gw := gateway.NewHTTPGateway(cfg.RuntimeURL, logger)
	orch := research.NewOrchestrator(gw, logger, research.Options{
		PollInterval: time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		ErrorBackoff: time.Duration(cfg.ErrorBackoffMs) * time.Millisecond,
	})
	summ := summarizer.New(logger)

	mux := http.NewServeMux()
	api := httpapi.NewHandler(logger, store, orch, gw, summ)
	api.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	api.AbortAll(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", zap.Error(err))
	}
}
