package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"epidemic_consensus/internal/config"
	"epidemic_consensus/internal/server"
	"epidemic_consensus/internal/store"
	"epidemic_consensus/internal/utils"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	var basePath string
	flag.StringVar(&basePath, "prefix", "", "Config file base path")
	flag.Parse()

	// Load MainConfig
	cfg, err := config.LoadMainConfig(basePath)
	if err != nil {
		log.Fatalf("Load config failed: %v", err)
	}

	logger, err := utils.NewLogger(cfg.LogPath, cfg.NodeName, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Init logger failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	var st store.Store
	if cfg.DataPath != "" {
		fs, err := store.NewFileStore(cfg.DataPath)
		if err != nil {
			logger.Fatal("open data path failed", zap.String("path", cfg.DataPath), zap.Error(err))
		}
		st = fs
	} else {
		ms := store.NewMemoryStore()
		g.Go(func() error {
			store.StartCleanup(ms, time.Minute, gctx.Done())
			return nil
		})
		st = ms
	}

	transport := server.NewHTTPTransport(cfg, logger)
	gm := server.NewGossipManager(cfg, server.Options{
		Logger:    logger,
		Transport: transport,
		Store:     st,
	})

	mux := http.NewServeMux()
	gm.Routes(mux)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error { return transport.Run(gctx) })
	g.Go(func() error { return gm.Run(gctx) })
	g.Go(func() error {
		logger.Info("ready to start server", zap.String("port", cfg.Port), zap.String("web_path", cfg.WebPath))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("stopping server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		return
	}
	logger.Info("server stopped")
}
