// Package agent is the autonomous player: it mints its identity inside
// a TEE, registers with the coordinator, answers match commands, pays
// lost stakes over the x402 handshake and watches its token account
// for gifts.
package agent

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/proofofflip/proofofflip/internal/chain"
	"github.com/proofofflip/proofofflip/internal/config"
	"github.com/proofofflip/proofofflip/internal/identity"
	"github.com/proofofflip/proofofflip/internal/store"
	"github.com/proofofflip/proofofflip/internal/tee"
)

// Phase is the agent lifecycle state machine.
type Phase string

const (
	PhaseUnborn      Phase = "unborn"
	PhaseBooting     Phase = "booting"
	PhaseRegistering Phase = "registering"
	PhaseRunning     Phase = "running"
	PhaseAborted     Phase = "aborted"
)

// Registration retry policy: the coordinator may still be coming up
// when an agent fleet boots.
const (
	registerAttempts = 5
	registerBackoff  = 5 * time.Second
)

// topUpCheckInterval paces the agent's own gas checks.
const topUpCheckInterval = time.Minute

// Chain is the slice of the RPC client the agent spends and watches
// through.
type Chain interface {
	LamportBalance(ctx context.Context, wallet string) (uint64, error)
	TokenBalance(ctx context.Context, wallet, mint string) (uint64, error)
	TransferToken(ctx context.Context, from ed25519.PrivateKey, toWallet, mint string, amount uint64) (string, error)
	Signatures(ctx context.Context, addr string, limit int) ([]chain.SignatureInfo, error)
	TokenTransferTo(ctx context.Context, sig, mint, recipient string) (*chain.TokenTransfer, error)
}

// Runtime owns the agent's identity and collaborators. Everything the
// HTTP handlers, the payer and the watcher need hangs off it.
type Runtime struct {
	cfg   *config.Config
	log   *zap.Logger
	st    store.Store
	prov  tee.Provider
	chain Chain
	coord *CoordinatorClient

	wallet  *identity.Wallet
	state   *State
	sigs    *SigSet
	payer   *Payer
	chatter *Chatter

	startedAt time.Time

	mu          sync.Mutex
	phase       Phase
	secretAIKey string
}

func NewRuntime(cfg *config.Config, st store.Store, prov tee.Provider, ch Chain, log *zap.Logger) *Runtime {
	return &Runtime{
		cfg:       cfg,
		log:       log,
		st:        st,
		prov:      prov,
		chain:     ch,
		coord:     NewCoordinatorClient(cfg.Agent.CoordinatorURL),
		sigs:      NewSigSet(),
		startedAt: time.Now(),
		phase:     PhaseUnborn,
	}
}

func (r *Runtime) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

func (r *Runtime) setPhase(p Phase) {
	r.mu.Lock()
	r.phase = p
	r.mu.Unlock()
	r.log.Info("agent phase changed", zap.String("phase", string(p)))
}

// Name returns the agent name from the certificate once born, the
// configured name before that.
func (r *Runtime) Name() string {
	if r.state != nil && r.state.BirthCert != nil {
		return r.state.BirthCert.AgentName
	}
	return r.cfg.Agent.Name
}

func (r *Runtime) Wallet() *identity.Wallet { return r.wallet }

func (r *Runtime) BirthCert() *identity.BirthCertificate { return r.state.BirthCert }

func (r *Runtime) Sigs() *SigSet { return r.sigs }

// SecretAIKey returns the personality-system key handed out at
// registration, empty until then.
func (r *Runtime) SecretAIKey() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.secretAIKey
}

// Boot loads or mints the identity. A boot failure is terminal: an
// agent without an identity has nothing to register.
func (r *Runtime) Boot(ctx context.Context) error {
	r.setPhase(PhaseBooting)
	state, wallet, err := LoadOrCreateState(ctx, r.st, r.prov, r.cfg.Agent.Name, r.cfg.DockerImage, r.log)
	if err != nil {
		r.setPhase(PhaseAborted)
		return fmt.Errorf("boot: %w", err)
	}
	r.state = state
	r.wallet = wallet
	r.payer = NewPayer(r.chain, wallet, r.cfg.Chain.USDCMint, r.sigs, r.log)
	if r.cfg.Agent.Chatter {
		r.chatter = NewChatter(r.coord, r.chain, r.Name(), wallet.Address(), r.cfg.Chain.USDCMint, r.log)
	}
	return nil
}

// RegisterWithRetry announces the agent to the coordinator, riding out
// a coordinator that is still booting. Exhausting the attempts aborts
// the agent.
func (r *Runtime) RegisterWithRetry(ctx context.Context) error {
	r.setPhase(PhaseRegistering)

	endpoint := r.cfg.Agent.Endpoint
	req := RegisterRequest{
		BirthCert: r.state.BirthCert,
		Endpoint:  endpoint,
		Signature: r.wallet.Sign(identity.RegistrationMessage(r.wallet.Address(), endpoint)),
	}

	var lastErr error
	for attempt := 1; attempt <= registerAttempts; attempt++ {
		resp, err := r.coord.Register(ctx, req)
		if err == nil && resp.Success {
			r.mu.Lock()
			r.secretAIKey = resp.SecretAIKey
			r.phase = PhaseRunning
			r.mu.Unlock()
			r.log.Info("registered with coordinator",
				zap.String("agent", r.Name()),
				zap.String("message", resp.Message))
			return nil
		}
		if err == nil {
			err = fmt.Errorf("coordinator refused: %s", resp.Message)
		}
		lastErr = err
		r.log.Warn("registration attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("of", registerAttempts),
			zap.Error(err))

		if attempt == registerAttempts {
			break
		}
		select {
		case <-ctx.Done():
			r.setPhase(PhaseAborted)
			return ctx.Err()
		case <-time.After(registerBackoff):
		}
	}
	r.setPhase(PhaseAborted)
	return fmt.Errorf("registration failed after %d attempts: %w", registerAttempts, lastErr)
}

// RunDonationWatcher tails the wallet's token account and reports
// gifts to the coordinator. Blocks until ctx ends.
func (r *Runtime) RunDonationWatcher(ctx context.Context) error {
	w, err := NewWatcher(r.chain, r.coord, r.sigs, r.Name(), r.wallet.Address(), r.cfg.Chain.USDCMint, r.log)
	if err != nil {
		return err
	}
	w.Run(ctx)
	return nil
}

// RunTopUpLoop asks the coordinator for gas whenever the wallet runs
// low. The coordinator re-checks the balance on-chain and throttles,
// so asking is cheap.
func (r *Runtime) RunTopUpLoop(ctx context.Context) {
	threshold := r.cfg.Agent.TopUpThresholdLamports
	if threshold == 0 {
		return
	}
	ticker := time.NewTicker(topUpCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			balance, err := r.chain.LamportBalance(ctx, r.wallet.Address())
			if err != nil {
				r.log.Warn("gas balance check failed", zap.Error(err))
				continue
			}
			if balance >= threshold {
				continue
			}
			resp, err := r.coord.TopUpSOL(ctx, r.wallet.Address())
			if err != nil {
				r.log.Warn("top-up request failed", zap.Error(err))
				continue
			}
			r.log.Info("requested gas top-up",
				zap.Uint64("balance", balance),
				zap.String("status", resp.Status))
		}
	}
}
