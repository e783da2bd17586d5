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

	"github.com/proofofflip/proofofflip/internal/attest"
	"github.com/proofofflip/proofofflip/internal/chain"
	"github.com/proofofflip/proofofflip/internal/config"
	"github.com/proofofflip/proofofflip/internal/coordinator"
	"github.com/proofofflip/proofofflip/internal/events"
	"github.com/proofofflip/proofofflip/internal/store"
	"github.com/proofofflip/proofofflip/internal/tee"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.LoadCoordinator()
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

	// ── TEE provider + house identity ─────────────────────────────────────────
	prov, err := tee.New(cfg.TEE, "dashboard", log)
	if err != nil {
		log.Fatal("tee provider init failed", zap.Error(err))
	}
	self, err := coordinator.LoadSelfIdentity(ctx, st, prov, cfg.DockerImage, log)
	if err != nil {
		log.Fatal("house identity init failed", zap.Error(err))
	}

	// ── Chain client ──────────────────────────────────────────────────────────
	onchain, err := chain.Dial(ctx, cfg.Chain.RPCURL, log)
	if err != nil {
		log.Fatal("chain client init failed", zap.Error(err))
	}
	defer onchain.Close()

	// ── Attestation verifier ──────────────────────────────────────────────────
	allow := attest.NewAllowlist(
		attest.AllowlistMode(cfg.Coordinator.AllowlistMode),
		cfg.AllowlistValues(),
	)
	var pccs *attest.PCCS
	if cfg.TEE.PCCSURL != "" {
		pccs = attest.NewPCCS(cfg.TEE.PCCSURL)
	}
	verifier := attest.NewVerifier(pccs, allow, log)

	// ── Registry, funder, event bus ───────────────────────────────────────────
	reg := coordinator.NewRegistry(cfg.Coordinator.MaxActive)
	bus := events.NewBus(events.DefaultReplay, log)
	funder := coordinator.NewFunder(onchain, self.Wallet.PrivateKey(), coordinator.FunderConfig{
		Mint:            cfg.Chain.USDCMint,
		FundingLamports: cfg.Coordinator.FundingLamports,
		TopUpLamports:   cfg.Coordinator.TopUpLamports,
		TopUpThreshold:  cfg.Coordinator.TopUpThresholdLamports,
		TopUpCooldown:   time.Duration(cfg.Coordinator.TopUpCooldownMS) * time.Millisecond,
		MockMode:        cfg.TEE.Provider == "mock",
	}, reg, log)

	// ── Match loop ────────────────────────────────────────────────────────────
	var inv coordinator.Inventory
	if cfg.Coordinator.InventoryCmd != "" {
		inv = coordinator.NewCLIInventory(cfg.Coordinator.InventoryCmd, log)
	}
	loop := coordinator.NewMatchLoop(reg, bus, inv,
		time.Duration(cfg.Coordinator.MatchIntervalMS)*time.Millisecond,
		cfg.DispatchKey, log)
	go loop.Run(ctx)

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	coordinator.NewServer(reg, verifier, funder, bus, self, prov,
		cfg.DockerImage, cfg.Coordinator.SecretAIKey, log).Register(r)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("coordinator starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("house", self.Wallet.Address()),
			zap.String("allowlistMode", cfg.Coordinator.AllowlistMode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

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
