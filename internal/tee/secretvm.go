package tee

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/proofofflip/proofofflip/internal/config"
)

// A quote body is at least 584 bytes after the 48 byte header, so any
// real quote hex run is at least 1264 chars. Go's regexp caps a single
// repeat count at 1000, so the minimum is split across two repeats.
var quoteHexRe = regexp.MustCompile(`[0-9a-fA-F]{1000}[0-9a-fA-F]{264,}`)

// SecretVM talks to the attestation page and signing service a
// SecretVM CVM exposes on loopback. Attestation material is cached
// after the first successful fetch; errors are NOT cached so callers
// can retry after a transient failure.
type SecretVM struct {
	cfg  config.TEEConfig
	log  *zap.Logger
	http *http.Client

	mu     sync.Mutex
	pubkey string
	rtmr3  string
	quote  string // base64
}

func NewSecretVM(cfg config.TEEConfig, log *zap.Logger) *SecretVM {
	// The attestation page is served with a certificate minted inside
	// the VM; there is no CA to verify against.
	tr := &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	return &SecretVM{
		cfg:  cfg,
		log:  log,
		http: &http.Client{Timeout: 10 * time.Second, Transport: tr},
	}
}

func (s *SecretVM) PublicKey(ctx context.Context) (string, error) {
	if err := s.ensure(ctx); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pubkey, nil
}

func (s *SecretVM) CodeMeasurement(ctx context.Context) (string, error) {
	if err := s.ensure(ctx); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rtmr3, nil
}

func (s *SecretVM) Quote(ctx context.Context) (string, error) {
	if err := s.ensure(ctx); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quote, nil
}

// Sign forwards payload to the loopback signing service. The key never
// leaves the enclave.
func (s *SecretVM) Sign(ctx context.Context, payload []byte) (string, error) {
	body, err := json.Marshal(signRequest{Message: base64.StdEncoding.EncodeToString(payload)})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.SigningURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("tee: build sign request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("tee: signing service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("tee: signing service: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	var out signResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("tee: decode sign response: %w", err)
	}
	if out.Signature == "" {
		return "", fmt.Errorf("tee: signing service returned empty signature")
	}
	return out.Signature, nil
}

func (s *SecretVM) Platform() string { return "tdx" }

type signRequest struct {
	Message string `json:"message"`
}

type signResponse struct {
	Signature string `json:"signature"`
}

// ensure populates the cached attestation material on first use.
func (s *SecretVM) ensure(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quote != "" {
		return nil
	}

	raw, src, err := s.rawQuote(ctx)
	if err != nil {
		return err
	}
	fields, err := ParseQuote(raw)
	if err != nil {
		return fmt.Errorf("tee: parse quote from %s: %w", src, err)
	}

	pub, err := pubkeyFromPEM(s.cfg.PubkeyFile)
	if err != nil {
		// No PEM file; the quote binds the key in report data anyway.
		pub = hex.EncodeToString(fields.ReportData[:ed25519.PublicKeySize])
	}

	s.pubkey = pub
	s.rtmr3 = fields.RTMR3
	s.quote = base64.StdEncoding.EncodeToString(raw)
	s.log.Info("tee attestation loaded",
		zap.String("source", src),
		zap.String("rtmr3", s.rtmr3))
	return nil
}

// rawQuote fetches the raw quote bytes, preferring the live attestation
// page and falling back to the quote file the VM writes at boot.
func (s *SecretVM) rawQuote(ctx context.Context) ([]byte, string, error) {
	hexStr, scrapeErr := s.scrapeQuote(ctx)
	if scrapeErr == nil {
		raw, err := hex.DecodeString(hexStr)
		if err == nil {
			return raw, s.cfg.AttestationURL, nil
		}
		scrapeErr = err
	}
	s.log.Warn("attestation page unavailable, trying quote file", zap.Error(scrapeErr))

	raw, err := os.ReadFile(s.cfg.QuoteFile)
	if err != nil {
		return nil, "", fmt.Errorf("tee: no attestation source: %w", err)
	}
	// The file may hold hex text or raw bytes.
	if decoded, derr := hex.DecodeString(strings.TrimSpace(string(raw))); derr == nil {
		return decoded, s.cfg.QuoteFile, nil
	}
	return raw, s.cfg.QuoteFile, nil
}

func (s *SecretVM) scrapeQuote(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.AttestationURL, nil)
	if err != nil {
		return "", fmt.Errorf("tee: build attestation request: %w", err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("tee: attestation page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("tee: attestation page: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("tee: read attestation page: %w", err)
	}
	// The quote hex may be wrapped across lines inside its element.
	page := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, string(body))
	m := quoteHexRe.FindString(page)
	if m == "" {
		return "", fmt.Errorf("tee: attestation page contains no quote hex")
	}
	return m, nil
}

// pubkeyFromPEM reads the enclave's ed25519 public key from the PEM
// file SecretVM drops next to the workload. The key is the trailing 32
// bytes of the SPKI DER payload.
func pubkeyFromPEM(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return "", fmt.Errorf("tee: %s: no PEM block", path)
	}
	if len(block.Bytes) < ed25519.PublicKeySize {
		return "", fmt.Errorf("tee: %s: DER too short for ed25519 key", path)
	}
	return hex.EncodeToString(block.Bytes[len(block.Bytes)-ed25519.PublicKeySize:]), nil
}
