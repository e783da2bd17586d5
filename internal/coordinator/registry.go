// Package coordinator is the single orchestration process of the
// casino: it admits attested agents, funds their first stake, pairs
// them up every match interval, flips the coin and keeps the
// authoritative view of balances, streaks and lifecycle state.
package coordinator

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/proofofflip/proofofflip/internal/game"
	"github.com/proofofflip/proofofflip/internal/identity"
)

// MinStake is the balance floor below which an agent cannot play: one
// stake.
const MinStake = game.Stake

// Status is an agent's lifecycle state. The coordinator owns every
// transition; agents never set their own.
type Status string

const (
	StatusActive  Status = "active"
	StatusBenched Status = "benched"
	StatusBroke   Status = "broke"
	StatusOffline Status = "offline"
	StatusDeleted Status = "deleted"
)

// Agent is the coordinator's record of one admitted agent. Balance is
// the coordinator's book of the agent's bankroll in base units; the
// chain holds the actual money.
type Agent struct {
	Name           string                     `json:"name"`
	Wallet         string                     `json:"wallet"`
	Endpoint       string                     `json:"endpoint"`
	BirthCert      *identity.BirthCertificate `json:"birthCert,omitempty"`
	RegisteredAt   time.Time                  `json:"registeredAt"`
	Balance        int64                      `json:"balance"`
	Wins           int                        `json:"wins"`
	Losses         int                        `json:"losses"`
	CurrentStreak  int                        `json:"currentStreak"`
	LongestStreak  int                        `json:"longestStreak"`
	TotalDonations int64                      `json:"totalDonations"`
	Status         Status                     `json:"status"`
}

// Transition records one lifecycle change made by a re-rank.
type Transition struct {
	Agent Agent
	From  Status
	To    Status
}

// Stats is the public counters snapshot.
type Stats struct {
	TotalAgents    int   `json:"totalAgents"`
	ActiveAgents   int   `json:"activeAgents"`
	TotalGames     int   `json:"totalGames"`
	TotalVolume    int64 `json:"totalVolume"`
	TotalDonations int64 `json:"totalDonations"`
}

// Registry is the authoritative in-memory state: the agent pool keyed
// by wallet address, the funded-wallet set and the game log. One coarse
// lock covers it all; writes arrive at O(1/min).
type Registry struct {
	maxActive int

	mu     sync.Mutex
	agents map[string]*Agent // by wallet address
	funded map[string]struct{}
	games  []game.Result
}

func NewRegistry(maxActive int) *Registry {
	return &Registry{
		maxActive: maxActive,
		agents:    make(map[string]*Agent),
		funded:    make(map[string]struct{}),
	}
}

// Admit inserts a freshly verified agent into the pool. A wallet whose
// record is offline or deleted may register again; the new record
// inherits the old bankroll and score. Wallets still in play and names
// in use by another wallet are duplicates.
func (r *Registry) Admit(a Agent) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.agents[a.Wallet]; ok {
		switch prev.Status {
		case StatusOffline, StatusDeleted:
			a.Balance = prev.Balance
			a.Wins = prev.Wins
			a.Losses = prev.Losses
			a.CurrentStreak = prev.CurrentStreak
			a.LongestStreak = prev.LongestStreak
			a.TotalDonations = prev.TotalDonations
		default:
			return Agent{}, fmt.Errorf("wallet %s is already registered as %q", a.Wallet, prev.Name)
		}
	}
	for _, other := range r.agents {
		if other.Name == a.Name && other.Wallet != a.Wallet && other.Status != StatusDeleted {
			return Agent{}, fmt.Errorf("agent name %q is already taken", a.Name)
		}
	}

	a.Status = StatusActive
	a.RegisteredAt = time.Now()
	stored := a
	r.agents[a.Wallet] = &stored
	return a, nil
}

// Get returns a copy of the record behind a wallet address.
func (r *Registry) Get(wallet string) (Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[wallet]
	if !ok {
		return Agent{}, false
	}
	return *a, true
}

// GetByName returns a copy of the record behind an agent name,
// skipping deleted records.
func (r *Registry) GetByName(name string) (Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.agents {
		if a.Name == name && a.Status != StatusDeleted {
			return *a, true
		}
	}
	return Agent{}, false
}

// SetStatus moves an agent to st and reports the previous status.
// Offline and deleted agents never transition back through here; they
// re-enter only via a fresh registration.
func (r *Registry) SetStatus(wallet string, st Status) (Agent, Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[wallet]
	if !ok {
		return Agent{}, "", false
	}
	prev := a.Status
	if prev == StatusDeleted || (prev == StatusOffline && st != StatusDeleted) {
		return *a, prev, false
	}
	a.Status = st
	return *a, prev, true
}

// Rerank recomputes lifecycle states from balances: among agents still
// reachable (not offline, not deleted) ordered by balance, the top
// maxActive with at least MinStake play, the rest with at least
// MinStake wait on the bench, the broke watch from the rail.
func (r *Registry) Rerank() []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()

	ranked := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		if a.Status == StatusOffline || a.Status == StatusDeleted {
			continue
		}
		ranked = append(ranked, a)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Balance != ranked[j].Balance {
			return ranked[i].Balance > ranked[j].Balance
		}
		return ranked[i].Name < ranked[j].Name
	})

	var transitions []Transition
	active := 0
	for _, a := range ranked {
		var next Status
		switch {
		case a.Balance < MinStake:
			next = StatusBroke
		case active < r.maxActive:
			next = StatusActive
			active++
		default:
			next = StatusBenched
		}
		if a.Status != next {
			transitions = append(transitions, Transition{Agent: *a, From: a.Status, To: next})
			a.Status = next
			transitions[len(transitions)-1].Agent.Status = next
		}
	}
	return transitions
}

// ActiveAgents returns copies of the agents cleared to play, in stable
// name order so the match loop's entropy consumption is reproducible.
func (r *Registry) ActiveAgents() []Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		if a.Status == StatusActive {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ApplyResult settles one game on the books: scores, balances and
// streaks move, and the result is appended to the log.
func (r *Registry) ApplyResult(gameID, winnerWallet, loserWallet, txSig string, stake int64) (game.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.agents[winnerWallet]
	if !ok {
		return game.Result{}, fmt.Errorf("winner wallet %s not in pool", winnerWallet)
	}
	l, ok := r.agents[loserWallet]
	if !ok {
		return game.Result{}, fmt.Errorf("loser wallet %s not in pool", loserWallet)
	}

	w.Wins++
	l.Losses++
	w.Balance += stake
	l.Balance -= stake
	bumpStreak(w, true)
	bumpStreak(l, false)

	res := game.Result{
		GameID:       gameID,
		Winner:       w.Name,
		Loser:        l.Name,
		WinnerWallet: winnerWallet,
		LoserWallet:  loserWallet,
		StakeAmount:  stake,
		TxSignature:  txSig,
		Timestamp:    time.Now().UnixMilli(),
	}
	r.games = append(r.games, res)
	return res, nil
}

// bumpStreak extends a run or starts a new one on a flip. Longest
// tracks winning runs only.
func bumpStreak(a *Agent, won bool) {
	switch {
	case won && a.CurrentStreak > 0:
		a.CurrentStreak++
	case won:
		a.CurrentStreak = 1
	case a.CurrentStreak < 0:
		a.CurrentStreak--
	default:
		a.CurrentStreak = -1
	}
	if a.CurrentStreak > a.LongestStreak {
		a.LongestStreak = a.CurrentStreak
	}
}

// AddDonation credits a gift to the agent's donation total.
func (r *Registry) AddDonation(name string, amount int64) (Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.agents {
		if a.Name == name && a.Status != StatusDeleted {
			a.TotalDonations += amount
			return *a, true
		}
	}
	return Agent{}, false
}

// IsFunded reports whether a wallet already received its initial
// funding. The set only grows.
func (r *Registry) IsFunded(wallet string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.funded[wallet]
	return ok
}

// ClaimFunding marks a wallet funded and reports whether this call won
// the claim. At most one caller ever wins per wallet, so at most one
// initial transfer is attempted.
func (r *Registry) ClaimFunding(wallet string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.funded[wallet]; ok {
		return false
	}
	r.funded[wallet] = struct{}{}
	return true
}

// Agents returns copies of every record, newest registration last.
func (r *Registry) Agents() []Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out
}

// Leaderboard returns copies of every non-deleted record ordered by
// balance, ties broken by net wins.
func (r *Registry) Leaderboard() []Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		if a.Status == StatusDeleted {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Balance != out[j].Balance {
			return out[i].Balance > out[j].Balance
		}
		ni, nj := out[i].Wins-out[i].Losses, out[j].Wins-out[j].Losses
		if ni != nj {
			return ni > nj
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Games returns the most recent game results, oldest first. limit <= 0
// means all.
func (r *Registry) Games(limit int) []game.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	start := 0
	if limit > 0 && len(r.games) > limit {
		start = len(r.games) - limit
	}
	out := make([]game.Result, len(r.games)-start)
	copy(out, r.games[start:])
	return out
}

// Stats snapshots the public counters.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Stats{TotalGames: len(r.games)}
	for _, g := range r.games {
		st.TotalVolume += g.StakeAmount
	}
	for _, a := range r.agents {
		if a.Status == StatusDeleted {
			continue
		}
		st.TotalAgents++
		if a.Status == StatusActive {
			st.ActiveAgents++
		}
		st.TotalDonations += a.TotalDonations
	}
	return st
}
