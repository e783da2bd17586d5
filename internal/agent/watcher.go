package agent

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/proofofflip/proofofflip/internal/chain"
)

// Donation watcher pacing. History polls are cheap reads; 15 s keeps
// the spectator feed close to live without hammering the RPC node.
const (
	donationPollInterval = 15 * time.Second
	donationHistoryLimit = 50
)

// Watcher tails the agent's token account for inbound transfers that
// are not game settlements and reports them to the coordinator as
// donations.
type Watcher struct {
	chain Chain
	coord *CoordinatorClient
	sigs  *SigSet
	log   *zap.Logger

	name   string
	wallet string
	mint   string
	ata    string

	interval time.Duration
	seen     map[string]struct{}
	primed   bool
}

func NewWatcher(ch Chain, coord *CoordinatorClient, sigs *SigSet, name, wallet, mint string, log *zap.Logger) (*Watcher, error) {
	ata, err := chain.ATAAddress(wallet, mint)
	if err != nil {
		return nil, fmt.Errorf("derive token account: %w", err)
	}
	return &Watcher{
		chain:    ch,
		coord:    coord,
		sigs:     sigs,
		log:      log,
		name:     name,
		wallet:   wallet,
		mint:     mint,
		ata:      ata,
		interval: donationPollInterval,
		seen:     make(map[string]struct{}),
	}, nil
}

// Run polls until the context ends. The first poll only primes the
// seen set, so history predating this session is never reported.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	infos, err := w.chain.Signatures(ctx, w.ata, donationHistoryLimit)
	if err != nil {
		w.log.Warn("donation history poll failed", zap.Error(err))
		return
	}
	if !w.primed {
		for _, info := range infos {
			w.seen[info.Signature] = struct{}{}
		}
		w.primed = true
		w.log.Info("donation watcher primed",
			zap.String("tokenAccount", w.ata),
			zap.Int("history", len(infos)))
		return
	}

	// History arrives newest first; walk it backwards so donations
	// reach the coordinator in chain order.
	for i := len(infos) - 1; i >= 0; i-- {
		info := infos[i]
		if _, ok := w.seen[info.Signature]; ok {
			continue
		}
		if info.Failed() || w.sigs.Has(info.Signature) {
			w.seen[info.Signature] = struct{}{}
			continue
		}
		if w.report(ctx, info.Signature) {
			w.seen[info.Signature] = struct{}{}
		}
	}
}

// report posts one donation. Only a failed coordinator call leaves the
// signature unmarked, so it retries next poll.
func (w *Watcher) report(ctx context.Context, sig string) bool {
	xfer, err := w.chain.TokenTransferTo(ctx, sig, w.mint, w.wallet)
	if err != nil {
		// Not every signature touching the account credits it.
		w.log.Debug("skipping non-donation transaction",
			zap.String("signature", sig),
			zap.Error(err))
		return true
	}

	notice := DonationNotice{
		Agent:       w.name,
		Donor:       xfer.From,
		Amount:      int64(xfer.Amount),
		TxSignature: sig,
	}
	if err := w.coord.DonationConfirmed(ctx, notice); err != nil {
		w.log.Warn("donation report failed",
			zap.String("signature", sig),
			zap.Error(err))
		return false
	}
	w.log.Info("donation reported",
		zap.String("donor", xfer.From),
		zap.Uint64("amount", xfer.Amount),
		zap.String("signature", sig))
	return true
}
