package coordinator

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

// Blob keys for the coordinator's own persisted identity.
const (
	walletBlobKey   = "dashboard-wallet.json"
	identityBlobKey = "dashboard-identity.json"
)

// selfName is the agent name on the coordinator's own certificate.
const selfName = "dashboard"

// SelfIdentity is the coordinator's own wallet and birth certificate.
// The coordinator attests itself the same way agents do, so spectators
// can verify the house before trusting its coin.
type SelfIdentity struct {
	Wallet *identity.Wallet
	Cert   *identity.BirthCertificate
}

type identityBlob struct {
	BirthCert *identity.BirthCertificate `json:"birthCert"`
}

// LoadSelfIdentity restores the coordinator identity from the blob
// store or mints one on first boot.
func LoadSelfIdentity(ctx context.Context, st store.Store, prov tee.Provider, dockerImage string, log *zap.Logger) (*SelfIdentity, error) {
	w, created, err := loadOrCreateWallet(ctx, st)
	if err != nil {
		return nil, err
	}
	if created {
		log.Info("coordinator wallet created", zap.String("wallet", w.Address()))
	}

	raw, err := st.Get(ctx, identityBlobKey)
	switch {
	case err == nil:
		var blob identityBlob
		if err := json.Unmarshal(raw, &blob); err != nil {
			return nil, fmt.Errorf("decode %s: %w", identityBlobKey, err)
		}
		if blob.BirthCert == nil {
			return nil, fmt.Errorf("%s holds no certificate", identityBlobKey)
		}
		return &SelfIdentity{Wallet: w, Cert: blob.BirthCert}, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	cert, err := identity.Build(ctx, prov, w, selfName, dockerImage)
	if err != nil {
		return nil, fmt.Errorf("build coordinator certificate: %w", err)
	}
	raw, err = json.Marshal(identityBlob{BirthCert: cert})
	if err != nil {
		return nil, err
	}
	if err := st.Put(ctx, identityBlobKey, raw); err != nil {
		return nil, err
	}
	log.Info("coordinator certificate minted", zap.String("rtmr3", cert.RTMR3))
	return &SelfIdentity{Wallet: w, Cert: cert}, nil
}

func loadOrCreateWallet(ctx context.Context, st store.Store) (*identity.Wallet, bool, error) {
	raw, err := st.Get(ctx, walletBlobKey)
	switch {
	case err == nil:
		var secret []byte
		if err := json.Unmarshal(raw, &secret); err != nil {
			return nil, false, fmt.Errorf("decode %s: %w", walletBlobKey, err)
		}
		w, err := identity.WalletFromSecret(secret)
		if err != nil {
			return nil, false, fmt.Errorf("restore coordinator wallet: %w", err)
		}
		return w, false, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, false, err
	}

	w, err := identity.NewWallet()
	if err != nil {
		return nil, false, err
	}
	raw, err = json.Marshal(w.Secret())
	if err != nil {
		return nil, false, err
	}
	if err := st.Put(ctx, walletBlobKey, raw); err != nil {
		return nil, false, err
	}
	return w, true, nil
}
