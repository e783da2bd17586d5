package tee

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/proofofflip/proofofflip/internal/config"
)

// Provider is the narrow surface the rest of the system needs from the
// platform TEE: a code measurement, an attestation quote, and a signing
// key that never leaves the enclave.
type Provider interface {
	// PublicKey returns the hex encoded ed25519 public key bound into
	// the quote's report data.
	PublicKey(ctx context.Context) (string, error)

	// CodeMeasurement returns the hex encoded RTMR3 register value.
	CodeMeasurement(ctx context.Context) (string, error)

	// Quote returns the base64 encoded raw attestation quote.
	Quote(ctx context.Context) (string, error)

	// Sign signs payload with the enclave key and returns the base64
	// encoded ed25519 signature.
	Sign(ctx context.Context, payload []byte) (string, error)

	// Platform names the attestation flavor, "tdx" or "mock".
	Platform() string
}

// New selects a provider from config. The mock provider derives a
// deterministic identity from name so local fleets survive restarts.
func New(cfg config.TEEConfig, name string, log *zap.Logger) (Provider, error) {
	switch cfg.Provider {
	case "mock":
		return NewMock(name), nil
	case "secretvm":
		return NewSecretVM(cfg, log), nil
	}
	return nil, fmt.Errorf("unknown tee provider: %s", cfg.Provider)
}
