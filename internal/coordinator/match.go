package coordinator

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/proofofflip/proofofflip/internal/events"
	"github.com/proofofflip/proofofflip/internal/game"
)

// Protocol timeouts. A probe answers from memory; a play dispatch may
// ride an on-chain confirmation, so it gets room.
const (
	probeTimeout    = 3 * time.Second
	dispatchTimeout = 10 * time.Second
)

// MatchLoop pairs two active agents every interval, flips the coin and
// walks both sides through settlement. One tick runs at a time; a tick
// that overruns the interval delays the next rather than stacking.
type MatchLoop struct {
	reg       *Registry
	bus       *events.Bus
	inventory Inventory
	log       *zap.Logger

	interval    time.Duration
	stake       int64
	dispatchKey string

	probe    *http.Client
	dispatch *http.Client

	// entropy feeds the pair pick and the coin flip. The flip must stay
	// independent of game state, so this is a CSPRNG in production and
	// swapped only in tests.
	entropy io.Reader
}

func NewMatchLoop(reg *Registry, bus *events.Bus, inv Inventory, interval time.Duration, dispatchKey string, log *zap.Logger) *MatchLoop {
	return &MatchLoop{
		reg:         reg,
		bus:         bus,
		inventory:   inv,
		log:         log,
		interval:    interval,
		stake:       game.Stake,
		dispatchKey: dispatchKey,
		probe:       &http.Client{Timeout: probeTimeout},
		dispatch:    &http.Client{Timeout: dispatchTimeout},
		entropy:     rand.Reader,
	}
}

// Run ticks until ctx is cancelled.
func (m *MatchLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.Info("match loop started", zap.Duration("interval", m.interval))
	for {
		select {
		case <-ctx.Done():
			m.log.Info("match loop stopped")
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one full match round: re-rank, pick, probe, flip,
// dispatch, settle.
func (m *MatchLoop) Tick(ctx context.Context) {
	m.broadcastTransitions(m.reg.Rerank())

	actives := m.reg.ActiveAgents()
	if len(actives) < 2 {
		m.log.Debug("not enough active agents", zap.Int("active", len(actives)))
		return
	}

	a, b, err := m.pickPair(actives)
	if err != nil {
		m.log.Error("pair selection failed", zap.Error(err))
		return
	}

	if !m.bothAlive(ctx, a, b) {
		return
	}

	winner, loser, err := m.flip(a, b)
	if err != nil {
		m.log.Error("coin flip failed", zap.Error(err))
		return
	}
	gameID := newGameID()
	m.log.Info("match started",
		zap.String("game", gameID),
		zap.String("winner", winner.Name),
		zap.String("loser", loser.Name),
		zap.Int64("stake", m.stake))

	// The winner must be ready to collect before the loser is told to
	// pay. A winner that cannot even ack aborts the whole match.
	if _, err := m.sendPlay(ctx, winner, game.RoleWinner, loser, gameID); err != nil {
		m.log.Warn("winner unreachable, match aborted",
			zap.String("game", gameID),
			zap.String("agent", winner.Name),
			zap.Error(err))
		m.evict(winner)
		return
	}

	var txSig string
	resp, err := m.sendPlay(ctx, loser, game.RoleLoser, winner, gameID)
	switch {
	case err != nil:
		// The loser dropped after the winner acked. The result stands,
		// the winner goes unpaid this round.
		m.log.Warn("loser unreachable after winner ack",
			zap.String("game", gameID),
			zap.String("agent", loser.Name),
			zap.Error(err))
		m.evict(loser)
	case resp.Status != game.StatusPaid:
		m.log.Warn("loser could not settle",
			zap.String("game", gameID),
			zap.String("agent", loser.Name),
			zap.String("status", resp.Status),
			zap.String("detail", resp.Error))
	default:
		txSig = resp.TxSignature
	}

	res, err := m.reg.ApplyResult(gameID, winner.Wallet, loser.Wallet, txSig, m.stake)
	if err != nil {
		m.log.Error("apply result failed", zap.String("game", gameID), zap.Error(err))
		return
	}
	m.bus.Publish(events.TypeGameResult, res)
	m.log.Info("match settled",
		zap.String("game", gameID),
		zap.String("winner", res.Winner),
		zap.String("loser", res.Loser),
		zap.String("tx", txSig))

	m.broadcastTransitions(m.reg.Rerank())
}

// pickPair draws two distinct agents uniformly from the active set.
func (m *MatchLoop) pickPair(actives []Agent) (Agent, Agent, error) {
	i, err := randIndex(m.entropy, len(actives))
	if err != nil {
		return Agent{}, Agent{}, err
	}
	j, err := randIndex(m.entropy, len(actives)-1)
	if err != nil {
		return Agent{}, Agent{}, err
	}
	if j >= i {
		j++
	}
	return actives[i], actives[j], nil
}

// flip burns one unbiased bit: 0 keeps (a, b) as (winner, loser), 1
// swaps them.
func (m *MatchLoop) flip(a, b Agent) (winner, loser Agent, err error) {
	var bit [1]byte
	if _, err := io.ReadFull(m.entropy, bit[:]); err != nil {
		return Agent{}, Agent{}, fmt.Errorf("read entropy: %w", err)
	}
	if bit[0]&1 == 0 {
		return a, b, nil
	}
	return b, a, nil
}

// bothAlive probes both agents in parallel. Any failure evicts the
// dead side and skips this tick.
func (m *MatchLoop) bothAlive(ctx context.Context, a, b Agent) bool {
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for idx, ag := range [2]Agent{a, b} {
		wg.Add(1)
		go func(idx int, ag Agent) {
			defer wg.Done()
			errs[idx] = m.probeHealth(ctx, ag)
		}(idx, ag)
	}
	wg.Wait()

	alive := true
	for idx, ag := range [2]Agent{a, b} {
		if errs[idx] == nil {
			continue
		}
		alive = false
		m.log.Warn("liveness probe failed",
			zap.String("agent", ag.Name),
			zap.Error(errs[idx]))
		m.evict(ag)
	}
	return alive
}

func (m *MatchLoop) probeHealth(ctx context.Context, ag Agent) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ag.Endpoint+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := m.probe.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health returned status %d", resp.StatusCode)
	}
	return nil
}

// sendPlay posts a game command to one agent. A transport error means
// the agent is gone; an HTTP response, whatever the code, means it is
// alive and the body tells how settlement went.
func (m *MatchLoop) sendPlay(ctx context.Context, to Agent, role string, opponent Agent, gameID string) (*game.Response, error) {
	cmd := game.Command{
		GameID:           gameID,
		Role:             role,
		OpponentName:     opponent.Name,
		OpponentEndpoint: opponent.Endpoint,
		OpponentWallet:   opponent.Wallet,
		StakeAmount:      m.stake,
		Timestamp:        time.Now().UnixMilli(),
	}
	raw, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, to.Endpoint+"/play", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if m.dispatchKey != "" {
		req.Header.Set("X-Dispatch-Key", m.dispatchKey)
	}

	resp, err := m.dispatch.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out game.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode play response: %w", err)
	}
	if role == game.RoleWinner && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("winner replied status %d", resp.StatusCode)
	}
	return &out, nil
}

// evict marks an agent offline, tells the spectators, and asks the VM
// inventory in the background whether the machine is gone for good.
func (m *MatchLoop) evict(ag Agent) {
	updated, prev, ok := m.reg.SetStatus(ag.Wallet, StatusOffline)
	if !ok {
		return
	}
	m.bus.Publish(events.TypeAgentEvicted, evictionNotice{
		Name:   updated.Name,
		Wallet: updated.Wallet,
		From:   prev,
		To:     StatusOffline,
		Reason: "liveness",
	})

	if m.inventory == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		exists, err := m.inventory.Exists(ctx, updated.Name)
		if err != nil {
			m.log.Warn("vm inventory check failed",
				zap.String("agent", updated.Name),
				zap.Error(err))
			return
		}
		if exists {
			return
		}
		if _, _, ok := m.reg.SetStatus(updated.Wallet, StatusDeleted); ok {
			m.log.Info("agent vm gone, record deleted", zap.String("agent", updated.Name))
		}
	}()
}

type evictionNotice struct {
	Name   string `json:"name"`
	Wallet string `json:"wallet"`
	From   Status `json:"from,omitempty"`
	To     Status `json:"to"`
	Reason string `json:"reason,omitempty"`
}

func (m *MatchLoop) broadcastTransitions(transitions []Transition) {
	for _, tr := range transitions {
		switch {
		case tr.To == StatusActive:
			m.bus.Publish(events.TypeAgentJoined, tr.Agent)
		case tr.From == StatusActive:
			m.bus.Publish(events.TypeAgentEvicted, evictionNotice{
				Name:   tr.Agent.Name,
				Wallet: tr.Agent.Wallet,
				From:   tr.From,
				To:     tr.To,
				Reason: "rerank",
			})
		}
		m.log.Info("agent reranked",
			zap.String("agent", tr.Agent.Name),
			zap.String("from", string(tr.From)),
			zap.String("to", string(tr.To)))
	}
}

func randIndex(r io.Reader, n int) (int, error) {
	v, err := rand.Int(r, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("read entropy: %w", err)
	}
	return int(v.Int64()), nil
}

func newGameID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand never fails on supported platforms; fall back to
		// a clock-derived id rather than crash the loop.
		return fmt.Sprintf("game-%d", time.Now().UnixNano())
	}
	return "game-" + hex.EncodeToString(buf[:])
}
