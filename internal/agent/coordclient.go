package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/proofofflip/proofofflip/internal/identity"
)

// CoordinatorClient is a thin typed client for the coordinator API.
type CoordinatorClient struct {
	baseURL string
	http    *http.Client
}

func NewCoordinatorClient(baseURL string) *CoordinatorClient {
	return &CoordinatorClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// RegisterRequest is the registration payload. The signature covers
// identity.RegistrationMessage and proves the wallet owns the endpoint.
type RegisterRequest struct {
	BirthCert *identity.BirthCertificate `json:"birthCert"`
	Endpoint  string                     `json:"endpoint"`
	Signature string                     `json:"signature"`
}

type RegisterResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	SecretAIKey string `json:"secretAiKey,omitempty"`
}

type TopUpResponse struct {
	Status      string `json:"status"`
	TxSignature string `json:"txSignature,omitempty"`
}

// DonationNotice reports an inbound gift the donation watcher found.
type DonationNotice struct {
	Agent       string `json:"agent"`
	Donor       string `json:"donor"`
	Amount      int64  `json:"amount"` // base units
	TxSignature string `json:"txSignature"`
}

func (c *CoordinatorClient) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	var out RegisterResponse
	if err := c.do(ctx, http.MethodPost, "/api/register", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *CoordinatorClient) TopUpSOL(ctx context.Context, wallet string) (*TopUpResponse, error) {
	var out TopUpResponse
	if err := c.do(ctx, http.MethodPost, "/api/topup-sol", map[string]string{"wallet": wallet}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AgentMessage relays a templated line for the spectator feed. kind is
// "trash_talk" or "agent_desperate".
func (c *CoordinatorClient) AgentMessage(ctx context.Context, agent, message, kind string) error {
	body := map[string]string{"agent": agent, "message": message, "type": kind}
	return c.do(ctx, http.MethodPost, "/api/agent-message", body, nil)
}

func (c *CoordinatorClient) DonationConfirmed(ctx context.Context, n DonationNotice) error {
	return c.do(ctx, http.MethodPost, "/api/donation-confirmed", n, nil)
}

func (c *CoordinatorClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("coordinator %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("coordinator %s %s: status %d: %s",
			method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("coordinator %s %s: decode response: %w", method, path, err)
		}
	}
	return nil
}
