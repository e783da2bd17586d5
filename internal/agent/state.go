package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/proofofflip/proofofflip/internal/identity"
	"github.com/proofofflip/proofofflip/internal/store"
	"github.com/proofofflip/proofofflip/internal/tee"
)

// stateKey is the blob the agent's whole persisted identity lives
// under.
const stateKey = "agent-state"

// State is the persisted identity blob: the wallet secret, the birth
// certificate minted on first boot, and the personality document the
// chat system reads. The TEE key is never here; it never leaves the
// enclave.
type State struct {
	SecretKey   []byte                     `json:"secretKey"`
	BirthCert   *identity.BirthCertificate `json:"birthCert"`
	Personality json.RawMessage            `json:"personalityConfig,omitempty"`
}

// LoadOrCreateState restores the agent identity or mints a fresh one:
// new wallet, new certificate, persisted before anything else runs. On
// restart a changed code measurement is logged loudly but boot
// continues; the coordinator is the one that enforces measurements.
func LoadOrCreateState(ctx context.Context, st store.Store, prov tee.Provider, name, dockerImage string, log *zap.Logger) (*State, *identity.Wallet, error) {
	raw, err := st.Get(ctx, stateKey)
	switch {
	case err == nil:
		var state State
		if err := json.Unmarshal(raw, &state); err != nil {
			return nil, nil, fmt.Errorf("decode %s: %w", stateKey, err)
		}
		if state.BirthCert == nil {
			return nil, nil, fmt.Errorf("%s holds no birth certificate", stateKey)
		}
		w, err := identity.WalletFromSecret(state.SecretKey)
		if err != nil {
			return nil, nil, fmt.Errorf("restore wallet: %w", err)
		}
		warnOnDrift(ctx, prov, state.BirthCert, log)
		log.Info("identity restored",
			zap.String("agent", state.BirthCert.AgentName),
			zap.String("wallet", w.Address()))
		return &state, w, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, nil, err
	}

	w, err := identity.NewWallet()
	if err != nil {
		return nil, nil, err
	}
	cert, err := identity.Build(ctx, prov, w, name, dockerImage)
	if err != nil {
		return nil, nil, fmt.Errorf("build birth certificate: %w", err)
	}
	state := &State{SecretKey: w.Secret(), BirthCert: cert}
	raw, err = json.Marshal(state)
	if err != nil {
		return nil, nil, err
	}
	if err := st.Put(ctx, stateKey, raw); err != nil {
		return nil, nil, fmt.Errorf("persist %s: %w", stateKey, err)
	}
	log.Info("identity minted",
		zap.String("agent", name),
		zap.String("wallet", w.Address()),
		zap.String("rtmr3", cert.RTMR3))
	return state, w, nil
}

// warnOnDrift compares the live measurement against the one in the
// stored certificate. Drift means the code changed underneath a
// persisted identity.
func warnOnDrift(ctx context.Context, prov tee.Provider, cert *identity.BirthCertificate, log *zap.Logger) {
	live, err := prov.CodeMeasurement(ctx)
	if err != nil {
		log.Warn("cannot read live measurement for drift check", zap.Error(err))
		return
	}
	if live != cert.RTMR3 {
		log.Warn("code measurement drifted since certificate mint; fresh registrations will be rejected",
			zap.String("stored", cert.RTMR3),
			zap.String("live", live))
	}
}
