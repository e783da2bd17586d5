package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/proofofflip/proofofflip/internal/tee"
)

// AttestationInfo is a live readout of the enclave, served next to the
// birth certificate so anyone can compare the running code against the
// measurement the certificate was minted with.
type AttestationInfo struct {
	RTMR3     string `json:"rtmr3"`
	CodeHash  string `json:"codeHash"`
	Timestamp int64  `json:"timestamp"`
	Provider  string `json:"provider"`
	Quote     string `json:"quote"`
	TEEPubkey string `json:"teePubkey"`
}

// Attestation captures fresh values from the TEE, not the ones frozen
// into the certificate at mint time.
func Attestation(ctx context.Context, prov tee.Provider, dockerImage string) (*AttestationInfo, error) {
	rtmr3, err := prov.CodeMeasurement(ctx)
	if err != nil {
		return nil, fmt.Errorf("tee measurement: %w", err)
	}
	pub, err := prov.PublicKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("tee pubkey: %w", err)
	}
	quote, err := prov.Quote(ctx)
	if err != nil {
		return nil, fmt.Errorf("tee quote: %w", err)
	}
	return &AttestationInfo{
		RTMR3:     rtmr3,
		CodeHash:  CodeHash(dockerImage),
		Timestamp: time.Now().UnixMilli(),
		Provider:  prov.Platform(),
		Quote:     quote,
		TEEPubkey: pub,
	}, nil
}
