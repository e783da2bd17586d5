package agent

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/proofofflip/proofofflip/internal/chain"
	"github.com/proofofflip/proofofflip/internal/config"
	"github.com/proofofflip/proofofflip/internal/game"
	"github.com/proofofflip/proofofflip/internal/identity"
	"github.com/proofofflip/proofofflip/internal/store"
	"github.com/proofofflip/proofofflip/internal/tee"
	"github.com/proofofflip/proofofflip/internal/x402"
)

const testImage = "proofofflip/agent@sha256:9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

type tokenSend struct {
	to     string
	mint   string
	amount uint64
}

// fakeChain scripts the RPC slice the agent spends and watches through.
type fakeChain struct {
	mu       sync.Mutex
	lamports map[string]uint64
	tokens   map[string]uint64
	sends    []tokenSend
	attempts int

	transferErr error

	sigInfos      []chain.SignatureInfo
	credits       map[string]*chain.TokenTransfer
	creditLookups int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		lamports: make(map[string]uint64),
		tokens:   make(map[string]uint64),
		credits:  make(map[string]*chain.TokenTransfer),
	}
}

func (c *fakeChain) LamportBalance(ctx context.Context, wallet string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lamports[wallet], nil
}

func (c *fakeChain) TokenBalance(ctx context.Context, wallet, mint string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens[wallet], nil
}

func (c *fakeChain) TransferToken(ctx context.Context, from ed25519.PrivateKey, toWallet, mint string, amount uint64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	if c.transferErr != nil {
		return "", c.transferErr
	}
	c.sends = append(c.sends, tokenSend{to: toWallet, mint: mint, amount: amount})
	return fmt.Sprintf("pay-%d", len(c.sends)), nil
}

func (c *fakeChain) Signatures(ctx context.Context, addr string, limit int) ([]chain.SignatureInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chain.SignatureInfo(nil), c.sigInfos...), nil
}

func (c *fakeChain) TokenTransferTo(ctx context.Context, sig, mint, recipient string) (*chain.TokenTransfer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creditLookups++
	if x, ok := c.credits[sig]; ok {
		return x, nil
	}
	return nil, errors.New("transaction credits nothing to the recipient")
}

func (c *fakeChain) setSigs(infos ...chain.SignatureInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sigInfos = infos
}

func (c *fakeChain) sentTokens() []tokenSend {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]tokenSend(nil), c.sends...)
}

// newAgentFixture boots a runtime on a mock TEE and a throwaway file
// store and mounts its HTTP surface.
func newAgentFixture(t *testing.T, mutate func(cfg *config.Config)) (*Runtime, *gin.Engine, *fakeChain) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mintWallet, err := identity.NewWallet()
	if err != nil {
		t.Fatalf("mint placeholder: %v", err)
	}
	cfg := &config.Config{DockerImage: testImage}
	cfg.Agent.Name = "alice"
	cfg.Agent.Endpoint = "http://10.0.0.5:8081"
	cfg.Agent.CoordinatorURL = "http://coordinator.invalid"
	cfg.Chain.USDCMint = mintWallet.Address()
	if mutate != nil {
		mutate(cfg)
	}

	st, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	fc := newFakeChain()
	rt := NewRuntime(cfg, st, tee.NewMock(cfg.Agent.Name), fc, zap.NewNop())
	if err := rt.Boot(context.Background()); err != nil {
		t.Fatalf("boot: %v", err)
	}

	engine := gin.New()
	NewServer(rt, zap.NewNop()).Register(engine)
	return rt, engine, fc
}

func doGet(engine *gin.Engine, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func doPlay(t *testing.T, engine *gin.Engine, cmd game.Command, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal command: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/play", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func decodePlay(t *testing.T, rec *httptest.ResponseRecorder) game.Response {
	t.Helper()
	var resp game.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode play response: %v", err)
	}
	return resp
}

// winnerStub plays the collecting side of the x402 handshake.
type winnerStub struct {
	srv       *httptest.Server
	challenge x402.PaymentRequired

	mu   sync.Mutex
	acks []x402.Payment
}

func newWinnerStub(t *testing.T, challenge x402.PaymentRequired) *winnerStub {
	t.Helper()
	s := &winnerStub{challenge: challenge}
	mux := http.NewServeMux()
	mux.HandleFunc("/collect", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		header := r.Header.Get(x402.HeaderPayment)
		if header == "" {
			w.WriteHeader(http.StatusPaymentRequired)
			json.NewEncoder(w).Encode(s.challenge) //nolint:errcheck
			return
		}
		p, err := x402.DecodePayment(header)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.acks = append(s.acks, *p)
		s.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"status": "collected"}) //nolint:errcheck
	})
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *winnerStub) ackList() []x402.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]x402.Payment(nil), s.acks...)
}

func TestHealthReport(t *testing.T) {
	rt, engine, _ := newAgentFixture(t, nil)

	rec := doGet(engine, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health = %d", rec.Code)
	}
	var body struct {
		AgentName     string `json:"agentName"`
		Status        string `json:"status"`
		Uptime        int64  `json:"uptime"`
		WalletAddress string `json:"walletAddress"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.AgentName != "alice" || body.Status != "ok" {
		t.Errorf("health body = %+v", body)
	}
	if body.WalletAddress != rt.Wallet().Address() {
		t.Errorf("health wallet = %s, want %s", body.WalletAddress, rt.Wallet().Address())
	}
}

func TestBirthCertRead(t *testing.T) {
	rt, engine, _ := newAgentFixture(t, nil)

	rec := doGet(engine, "/birth-cert", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("birth-cert = %d", rec.Code)
	}
	var cert identity.BirthCertificate
	if err := json.Unmarshal(rec.Body.Bytes(), &cert); err != nil {
		t.Fatal(err)
	}
	if cert.AgentName != "alice" || cert.WalletAddress != rt.Wallet().Address() {
		t.Fatalf("served certificate = %+v", cert)
	}
	if err := identity.VerifyAddress(cert.WalletAddress, cert.CanonicalMessage(), cert.WalletSignature); err != nil {
		t.Errorf("wallet signature on served certificate: %v", err)
	}
	if err := identity.VerifyHex(cert.TEEPubkey, cert.CanonicalMessage(), cert.TEESignature); err != nil {
		t.Errorf("tee signature on served certificate: %v", err)
	}
}

func TestAttestationRead(t *testing.T) {
	rt, engine, _ := newAgentFixture(t, nil)

	rec := doGet(engine, "/attestation", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("attestation = %d", rec.Code)
	}
	var info identity.AttestationInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatal(err)
	}
	if info.Provider != "mock" || info.RTMR3 != rt.BirthCert().RTMR3 {
		t.Fatalf("attestation = %+v", info)
	}
}

func TestCollectChallengesBareRequest(t *testing.T) {
	rt, engine, _ := newAgentFixture(t, nil)

	rec := doGet(engine, "/collect", nil)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("bare collect = %d, want 402", rec.Code)
	}
	var challenge x402.PaymentRequired
	if err := json.Unmarshal(rec.Body.Bytes(), &challenge); err != nil {
		t.Fatal(err)
	}
	if err := challenge.Validate(); err != nil {
		t.Fatalf("served challenge invalid: %v", err)
	}
	if challenge.Address != rt.Wallet().Address() {
		t.Errorf("challenge address = %s", challenge.Address)
	}
	if challenge.Token != rt.cfg.Chain.USDCMint {
		t.Errorf("challenge token = %s", challenge.Token)
	}
	if challenge.Amount != game.Stake {
		t.Errorf("challenge amount = %d, want %d", challenge.Amount, game.Stake)
	}
	if challenge.Network != x402.Network {
		t.Errorf("challenge network = %s", challenge.Network)
	}
}

func TestCollectRecordsPaymentProof(t *testing.T) {
	rt, engine, _ := newAgentFixture(t, nil)

	header, err := x402.Payment{TxSignature: "stake-sig-1", Amount: game.Stake, Payer: "payer-wallet"}.Encode()
	if err != nil {
		t.Fatal(err)
	}
	rec := doGet(engine, "/collect", map[string]string{x402.HeaderPayment: header})
	if rec.Code != http.StatusOK {
		t.Fatalf("collect with proof = %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Status      string `json:"status"`
		Agent       string `json:"agent"`
		TxSignature string `json:"txSignature"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "collected" || body.Agent != "alice" || body.TxSignature != "stake-sig-1" {
		t.Fatalf("collect body = %+v", body)
	}
	if !rt.Sigs().Has("stake-sig-1") {
		t.Error("settlement signature not recorded for the donation watcher")
	}
}

func TestCollectRejectsBadProof(t *testing.T) {
	_, engine, _ := newAgentFixture(t, nil)

	if rec := doGet(engine, "/collect", map[string]string{x402.HeaderPayment: "{"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("garbage proof = %d, want 400", rec.Code)
	}
	if rec := doGet(engine, "/collect", map[string]string{x402.HeaderPayment: `{"amount":5}`}); rec.Code != http.StatusBadRequest {
		t.Fatalf("unsigned proof = %d, want 400", rec.Code)
	}
}

func TestPlayWinnerAcknowledges(t *testing.T) {
	_, engine, fc := newAgentFixture(t, nil)

	rec := doPlay(t, engine, game.Command{
		GameID:       "g-win",
		Role:         game.RoleWinner,
		OpponentName: "bob",
		StakeAmount:  game.Stake,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("winner play = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodePlay(t, rec)
	if resp.Status != game.StatusAcknowledged || resp.GameID != "g-win" {
		t.Fatalf("winner response = %+v", resp)
	}
	if len(fc.sentTokens()) != 0 {
		t.Error("winner moved tokens")
	}
}

func TestPlayLoserSettlesOverHandshake(t *testing.T) {
	rt, engine, fc := newAgentFixture(t, nil)
	mint := rt.cfg.Chain.USDCMint

	winnerWallet, err := identity.NewWallet()
	if err != nil {
		t.Fatal(err)
	}
	stub := newWinnerStub(t, x402.NewChallenge(winnerWallet.Address(), mint, game.Stake, "stake owed"))

	rec := doPlay(t, engine, game.Command{
		GameID:           "g-lose",
		Role:             game.RoleLoser,
		OpponentName:     "bob",
		OpponentEndpoint: stub.srv.URL,
		OpponentWallet:   winnerWallet.Address(),
		StakeAmount:      game.Stake,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("loser play = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodePlay(t, rec)
	if resp.Status != game.StatusPaid || resp.TxSignature == "" {
		t.Fatalf("loser response = %+v", resp)
	}

	sends := fc.sentTokens()
	if len(sends) != 1 {
		t.Fatalf("token sends = %d, want 1", len(sends))
	}
	if sends[0].to != winnerWallet.Address() || sends[0].mint != mint || sends[0].amount != uint64(game.Stake) {
		t.Fatalf("settlement transfer = %+v", sends[0])
	}
	if !rt.Sigs().Has(resp.TxSignature) {
		t.Error("settlement signature not recorded")
	}

	acks := stub.ackList()
	if len(acks) != 1 {
		t.Fatalf("winner acks = %d, want 1", len(acks))
	}
	if acks[0].TxSignature != resp.TxSignature || acks[0].Payer != rt.Wallet().Address() || acks[0].Amount != game.Stake {
		t.Fatalf("ack proof = %+v", acks[0])
	}
}

func TestPlayLoserFallsBackWhenHandshakeDead(t *testing.T) {
	rt, engine, fc := newAgentFixture(t, nil)

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	winnerWallet, err := identity.NewWallet()
	if err != nil {
		t.Fatal(err)
	}
	rec := doPlay(t, engine, game.Command{
		GameID:           "g-dead",
		Role:             game.RoleLoser,
		OpponentName:     "bob",
		OpponentEndpoint: deadURL,
		OpponentWallet:   winnerWallet.Address(),
		StakeAmount:      game.Stake,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("loser play = %d: %s", rec.Code, rec.Body.String())
	}
	if resp := decodePlay(t, rec); resp.Status != game.StatusPaid {
		t.Fatalf("loser response = %+v", resp)
	}

	sends := fc.sentTokens()
	if len(sends) != 1 || sends[0].to != winnerWallet.Address() {
		t.Fatalf("direct settlement = %+v, want transfer to the proven wallet", sends)
	}
	if !rt.Sigs().Has("pay-1") {
		t.Error("direct settlement signature not recorded")
	}
}

func TestPlayLoserDistrustsForeignChallenge(t *testing.T) {
	rt, engine, fc := newAgentFixture(t, nil)
	mint := rt.cfg.Chain.USDCMint

	winnerWallet, err := identity.NewWallet()
	if err != nil {
		t.Fatal(err)
	}
	// The winner quotes double the stake; the payer ignores the
	// challenge and settles at the wallet the certificate proved.
	stub := newWinnerStub(t, x402.NewChallenge(winnerWallet.Address(), mint, 2*game.Stake, "pay me more"))

	rec := doPlay(t, engine, game.Command{
		GameID:           "g-greedy",
		Role:             game.RoleLoser,
		OpponentName:     "bob",
		OpponentEndpoint: stub.srv.URL,
		OpponentWallet:   winnerWallet.Address(),
		StakeAmount:      game.Stake,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("loser play = %d: %s", rec.Code, rec.Body.String())
	}

	sends := fc.sentTokens()
	if len(sends) != 1 || sends[0].amount != uint64(game.Stake) || sends[0].to != winnerWallet.Address() {
		t.Fatalf("settlement = %+v, want one stake to the proven wallet", sends)
	}
	if acks := stub.ackList(); len(acks) != 0 {
		t.Errorf("greedy winner still got %d acks", len(acks))
	}
}

func TestPlayLoserTransferFailure(t *testing.T) {
	rt, engine, fc := newAgentFixture(t, nil)
	mint := rt.cfg.Chain.USDCMint
	fc.transferErr = errors.New("rpc down")

	winnerWallet, err := identity.NewWallet()
	if err != nil {
		t.Fatal(err)
	}
	stub := newWinnerStub(t, x402.NewChallenge(winnerWallet.Address(), mint, game.Stake, "stake owed"))

	rec := doPlay(t, engine, game.Command{
		GameID:           "g-fail",
		Role:             game.RoleLoser,
		OpponentName:     "bob",
		OpponentEndpoint: stub.srv.URL,
		OpponentWallet:   winnerWallet.Address(),
		StakeAmount:      game.Stake,
	}, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("failed payment = %d, want 500", rec.Code)
	}
	resp := decodePlay(t, rec)
	if resp.Status != game.StatusPaymentFailed || !strings.Contains(resp.Error, "stake transfer") {
		t.Fatalf("failure response = %+v", resp)
	}
	// A failed transfer after a good handshake is not retried at the
	// proven wallet; the money may still move on-chain later.
	if fc.attempts != 1 {
		t.Errorf("transfer attempts = %d, want 1", fc.attempts)
	}
	if rt.Sigs().Len() != 0 {
		t.Error("failed payment recorded a signature")
	}
}

func TestPlayDispatchKeyGate(t *testing.T) {
	_, engine, _ := newAgentFixture(t, func(cfg *config.Config) {
		cfg.DispatchKey = "sesame"
	})
	cmd := game.Command{GameID: "g-key", Role: game.RoleWinner, OpponentName: "bob"}

	if rec := doPlay(t, engine, cmd, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("keyless play = %d, want 403", rec.Code)
	}
	if rec := doPlay(t, engine, cmd, map[string]string{HeaderDispatchKey: "wrong"}); rec.Code != http.StatusForbidden {
		t.Fatalf("wrong key play = %d, want 403", rec.Code)
	}
	if rec := doPlay(t, engine, cmd, map[string]string{HeaderDispatchKey: "sesame"}); rec.Code != http.StatusOK {
		t.Fatalf("keyed play = %d, want 200", rec.Code)
	}
}

func TestPlayRejectsUnknownRole(t *testing.T) {
	_, engine, _ := newAgentFixture(t, nil)

	rec := doPlay(t, engine, game.Command{GameID: "g-ref", Role: "referee"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown role = %d, want 400", rec.Code)
	}
}

func TestPlayRejectsGarbageBody(t *testing.T) {
	_, engine, _ := newAgentFixture(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/play", strings.NewReader("not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("garbage body = %d, want 400", rec.Code)
	}
}
