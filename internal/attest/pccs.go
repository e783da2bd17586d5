package attest

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// PCCS is a quote parsing sidecar that understands the full DCAP
// format family. The verifier prefers it when configured and falls
// back to local offset parsing when it is down.
type PCCS struct {
	baseURL string
	http    *http.Client
}

func NewPCCS(baseURL string) *PCCS {
	return &PCCS{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// ParsedQuote is the service's reading of a raw quote.
type ParsedQuote struct {
	ReportData string `json:"report_data"` // hex
	RTMR3      string `json:"rtmr3,omitempty"`
	TEEType    string `json:"tee_type,omitempty"`
}

func (p *PCCS) Parse(ctx context.Context, rawQuote []byte) (*ParsedQuote, error) {
	body, err := json.Marshal(map[string]string{
		"quote": base64.StdEncoding.EncodeToString(rawQuote),
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/parse", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("pccs: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pccs: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("pccs: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	var out ParsedQuote
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("pccs: decode response: %w", err)
	}
	if out.ReportData == "" {
		return nil, errors.New("pccs: response missing report_data")
	}
	return &out, nil
}
