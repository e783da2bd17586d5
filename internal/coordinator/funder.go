package coordinator

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/proofofflip/proofofflip/internal/game"
)

// Chain is the slice of the RPC client the funder spends through.
type Chain interface {
	LamportBalance(ctx context.Context, wallet string) (uint64, error)
	TransferLamports(ctx context.Context, from ed25519.PrivateKey, to string, lamports uint64) (string, error)
	TransferToken(ctx context.Context, from ed25519.PrivateKey, toWallet, mint string, amount uint64) (string, error)
}

// FunderConfig sizes the grants. Lamport amounts are per-deployment
// knobs; the token grant is the fixed one-USDC stake the casino hands
// every new wallet.
type FunderConfig struct {
	Mint            string
	FundingLamports uint64
	TopUpLamports   uint64
	TopUpThreshold  uint64
	TopUpCooldown   time.Duration

	// MockMode tolerates funding failures and credits the books anyway,
	// so offline fleets can play without a live RPC.
	MockMode bool
}

// Funder pays new wallets their gas and first bankroll from the
// coordinator's own wallet, and tops up gas for agents that burned
// theirs on rent and fees.
type Funder struct {
	chain Chain
	key   ed25519.PrivateKey
	cfg   FunderConfig
	reg   *Registry
	log   *zap.Logger

	mu         sync.Mutex
	lastTopUps map[string]time.Time
}

func NewFunder(ch Chain, key ed25519.PrivateKey, cfg FunderConfig, reg *Registry, log *zap.Logger) *Funder {
	return &Funder{
		chain:      ch,
		key:        key,
		cfg:        cfg,
		reg:        reg,
		log:        log,
		lastTopUps: make(map[string]time.Time),
	}
}

// EnsureFunded grants a wallet its one-time SOL + USDC stake and
// returns the balance to book for it. Already-funded wallets get
// booked at the standard grant without a new transfer. Claim-then-send
// keeps the transfer at-most-once even when registrations race.
func (f *Funder) EnsureFunded(ctx context.Context, wallet string) (int64, error) {
	if !f.reg.ClaimFunding(wallet) {
		f.log.Info("wallet already funded, skipping transfer", zap.String("wallet", wallet))
		return game.InitialFunding, nil
	}

	if _, err := f.chain.TransferLamports(ctx, f.key, wallet, f.cfg.FundingLamports); err != nil {
		return f.failedFunding(wallet, fmt.Errorf("gas funding: %w", err))
	}
	if _, err := f.chain.TransferToken(ctx, f.key, wallet, f.cfg.Mint, uint64(game.InitialFunding)); err != nil {
		return f.failedFunding(wallet, fmt.Errorf("token funding: %w", err))
	}

	f.log.Info("wallet funded",
		zap.String("wallet", wallet),
		zap.Uint64("lamports", f.cfg.FundingLamports),
		zap.Int64("tokens", game.InitialFunding))
	return game.InitialFunding, nil
}

// failedFunding decides what a funding failure costs the agent. Local
// fleets play on mock books; production admits the agent broke and
// surfaces the error.
func (f *Funder) failedFunding(wallet string, err error) (int64, error) {
	if f.cfg.MockMode {
		f.log.Warn("funding failed, crediting mock balance",
			zap.String("wallet", wallet),
			zap.Error(err))
		return game.InitialFunding, nil
	}
	f.log.Error("funding failed, admitting with empty books",
		zap.String("wallet", wallet),
		zap.Error(err))
	return 0, err
}

// TopUp sends gas to a wallet that reports running low. On-chain
// balance is checked first so agents cannot farm SOL, and each wallet
// is throttled to one top-up per cooldown window.
func (f *Funder) TopUp(ctx context.Context, wallet string) (string, error) {
	f.mu.Lock()
	last, ok := f.lastTopUps[wallet]
	if ok && time.Since(last) < f.cfg.TopUpCooldown {
		f.mu.Unlock()
		return "", fmt.Errorf("top-up throttled, next allowed in %s",
			(f.cfg.TopUpCooldown - time.Since(last)).Round(time.Second))
	}
	f.lastTopUps[wallet] = time.Now()
	f.mu.Unlock()

	balance, err := f.chain.LamportBalance(ctx, wallet)
	if err != nil {
		return "", fmt.Errorf("balance check: %w", err)
	}
	if balance >= f.cfg.TopUpThreshold {
		return "", nil
	}

	sig, err := f.chain.TransferLamports(ctx, f.key, wallet, f.cfg.TopUpLamports)
	if err != nil {
		return "", fmt.Errorf("top-up transfer: %w", err)
	}
	f.log.Info("gas topped up",
		zap.String("wallet", wallet),
		zap.Uint64("lamports", f.cfg.TopUpLamports),
		zap.String("signature", sig))
	return sig, nil
}
