package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/proofofflip/proofofflip/internal/chain"
	"github.com/proofofflip/proofofflip/internal/identity"
)

type relayedMessage struct {
	Agent   string `json:"agent"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

// coordStub records what an agent posts to the coordinator.
type coordStub struct {
	srv *httptest.Server

	mu               sync.Mutex
	donations        []DonationNotice
	messages         []relayedMessage
	donationFailures int
}

func newCoordStub(t *testing.T) *coordStub {
	t.Helper()
	s := &coordStub{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/donation-confirmed", func(w http.ResponseWriter, r *http.Request) {
		var n DonationNotice
		if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.donationFailures > 0 {
			s.donationFailures--
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		s.donations = append(s.donations, n)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "recorded"}) //nolint:errcheck
	})
	mux.HandleFunc("/api/agent-message", func(w http.ResponseWriter, r *http.Request) {
		var m relayedMessage
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.messages = append(s.messages, m)
		s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "relayed"}) //nolint:errcheck
	})
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *coordStub) donationList() []DonationNotice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DonationNotice(nil), s.donations...)
}

func (s *coordStub) messageList() []relayedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]relayedMessage(nil), s.messages...)
}

func newTestWatcher(t *testing.T, fc *fakeChain, stub *coordStub, sigs *SigSet) *Watcher {
	t.Helper()
	wallet, err := identity.NewWallet()
	if err != nil {
		t.Fatal(err)
	}
	mint, err := identity.NewWallet()
	if err != nil {
		t.Fatal(err)
	}
	w, err := NewWatcher(fc, NewCoordinatorClient(stub.srv.URL), sigs, "alice",
		wallet.Address(), mint.Address(), zap.NewNop())
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	return w
}

func TestWatcherPrimesThenReports(t *testing.T) {
	fc := newFakeChain()
	stub := newCoordStub(t)
	w := newTestWatcher(t, fc, stub, NewSigSet())
	ctx := context.Background()

	// History predating this session is never reported.
	fc.setSigs(chain.SignatureInfo{Signature: "historic-1"})
	w.poll(ctx)
	if got := stub.donationList(); len(got) != 0 {
		t.Fatalf("priming poll reported %d donations", len(got))
	}

	fc.credits["don-1"] = &chain.TokenTransfer{Signature: "don-1", From: "donor-wallet", Amount: 250_000}
	fc.setSigs(
		chain.SignatureInfo{Signature: "don-1"},
		chain.SignatureInfo{Signature: "historic-1"},
	)
	w.poll(ctx)

	got := stub.donationList()
	if len(got) != 1 {
		t.Fatalf("donations reported = %d, want 1", len(got))
	}
	if got[0].Agent != "alice" || got[0].Donor != "donor-wallet" || got[0].Amount != 250_000 || got[0].TxSignature != "don-1" {
		t.Fatalf("donation notice = %+v", got[0])
	}

	// Seen signatures are never reported twice.
	w.poll(ctx)
	if got := stub.donationList(); len(got) != 1 {
		t.Fatalf("repeat poll reported %d donations, want 1", len(got))
	}
}

func TestWatcherSkipsGameSettlements(t *testing.T) {
	fc := newFakeChain()
	stub := newCoordStub(t)
	sigs := NewSigSet()
	w := newTestWatcher(t, fc, stub, sigs)
	ctx := context.Background()

	w.poll(ctx) // prime on empty history

	sigs.Add("stake-pay-1")
	fc.credits["stake-pay-1"] = &chain.TokenTransfer{Signature: "stake-pay-1", From: "loser", Amount: 10_000}
	fc.setSigs(chain.SignatureInfo{Signature: "stake-pay-1"})
	w.poll(ctx)

	if got := stub.donationList(); len(got) != 0 {
		t.Fatalf("game settlement reported as donation: %+v", got)
	}
}

func TestWatcherSkipsFailedAndNonCreditTransactions(t *testing.T) {
	fc := newFakeChain()
	stub := newCoordStub(t)
	w := newTestWatcher(t, fc, stub, NewSigSet())
	ctx := context.Background()

	w.poll(ctx) // prime

	fc.setSigs(
		chain.SignatureInfo{Signature: "failed-1", Err: json.RawMessage(`{"InstructionError":[0,"Custom"]}`)},
		chain.SignatureInfo{Signature: "outbound-1"}, // no credit behind it
	)
	w.poll(ctx)
	if got := stub.donationList(); len(got) != 0 {
		t.Fatalf("reported %d donations from junk history", len(got))
	}

	// Both are marked seen: the failed one without a lookup, the
	// non-credit one after a single lookup.
	lookups := fc.creditLookups
	if lookups != 1 {
		t.Fatalf("credit lookups = %d, want 1", lookups)
	}
	w.poll(ctx)
	if fc.creditLookups != lookups {
		t.Fatal("non-credit transaction looked up again")
	}
}

func TestWatcherRetriesFailedReport(t *testing.T) {
	fc := newFakeChain()
	stub := newCoordStub(t)
	stub.donationFailures = 1
	w := newTestWatcher(t, fc, stub, NewSigSet())
	ctx := context.Background()

	w.poll(ctx) // prime

	fc.credits["don-1"] = &chain.TokenTransfer{Signature: "don-1", From: "donor-wallet", Amount: 99_000}
	fc.setSigs(chain.SignatureInfo{Signature: "don-1"})

	w.poll(ctx)
	if got := stub.donationList(); len(got) != 0 {
		t.Fatalf("failed report still recorded %d donations", len(got))
	}

	w.poll(ctx)
	got := stub.donationList()
	if len(got) != 1 || got[0].TxSignature != "don-1" {
		t.Fatalf("retry produced %+v, want the one donation", got)
	}
}
