package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/proofofflip/proofofflip/internal/agent"
	"github.com/proofofflip/proofofflip/internal/chain"
	"github.com/proofofflip/proofofflip/internal/config"
	"github.com/proofofflip/proofofflip/internal/store"
	"github.com/proofofflip/proofofflip/internal/tee"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.LoadAgent()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Persistence ───────────────────────────────────────────────────────────
	st, err := store.New(cfg)
	if err != nil {
		log.Fatal("store init failed", zap.Error(err))
	}

	// ── TEE provider ──────────────────────────────────────────────────────────
	prov, err := tee.New(cfg.TEE, cfg.Agent.Name, log)
	if err != nil {
		log.Fatal("tee provider init failed", zap.Error(err))
	}

	// ── Chain client ──────────────────────────────────────────────────────────
	onchain, err := chain.Dial(ctx, cfg.Chain.RPCURL, log)
	if err != nil {
		log.Fatal("chain client init failed", zap.Error(err))
	}
	defer onchain.Close()

	// ── Identity ──────────────────────────────────────────────────────────────
	rt := agent.NewRuntime(cfg, st, prov, onchain, log)
	if err := rt.Boot(ctx); err != nil {
		log.Fatal("boot failed", zap.Error(err))
	}
	log.Info("agent born",
		zap.String("agent", rt.Name()),
		zap.String("wallet", rt.Wallet().Address()))

	// ── HTTP server (up before registration so probes can land) ───────────────
	r := gin.New()
	r.Use(gin.Recovery())
	agent.NewServer(rt, log).Register(r)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("agent server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Registration ──────────────────────────────────────────────────────────
	if err := rt.RegisterWithRetry(ctx); err != nil {
		log.Fatal("registration failed", zap.Error(err))
	}

	// ── Background loops ──────────────────────────────────────────────────────
	go func() {
		if err := rt.RunDonationWatcher(ctx); err != nil {
			log.Error("donation watcher failed", zap.Error(err))
		}
	}()
	go rt.RunTopUpLoop(ctx)

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
