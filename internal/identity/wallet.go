package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// Wallet is an ed25519 keypair whose base58 encoded public key is the
// Solana address.
type Wallet struct {
	priv ed25519.PrivateKey
}

func NewWallet() (*Wallet, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate wallet key: %w", err)
	}
	return &Wallet{priv: priv}, nil
}

// WalletFromSecret rebuilds a wallet from the 64 byte private key
// produced by Secret.
func WalletFromSecret(secret []byte) (*Wallet, error) {
	if len(secret) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("wallet secret must be %d bytes, got %d", ed25519.PrivateKeySize, len(secret))
	}
	return &Wallet{priv: ed25519.PrivateKey(append([]byte(nil), secret...))}, nil
}

func (w *Wallet) Address() string {
	return base58.Encode(w.priv.Public().(ed25519.PublicKey))
}

// Secret returns a copy of the raw private key for persistence.
func (w *Wallet) Secret() []byte {
	return append([]byte(nil), w.priv...)
}

func (w *Wallet) PrivateKey() ed25519.PrivateKey { return w.priv }

// Sign returns the base64 encoded ed25519 signature of msg.
func (w *Wallet) Sign(msg []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(w.priv, msg))
}

// DecodeAddress decodes a base58 Solana address into the underlying
// ed25519 public key.
func DecodeAddress(addr string) (ed25519.PublicKey, error) {
	raw, err := base58.Decode(addr)
	if err != nil {
		return nil, fmt.Errorf("decode address %q: %w", addr, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("address %q decodes to %d bytes, want %d", addr, len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// VerifyAddress checks a base64 signature over msg against the wallet
// key behind a base58 address.
func VerifyAddress(addr string, msg []byte, sigB64 string) error {
	pub, err := DecodeAddress(addr)
	if err != nil {
		return err
	}
	return verify(pub, msg, sigB64)
}

// VerifyHex checks a base64 signature over msg against a hex encoded
// ed25519 public key (the form TEE keys travel in).
func VerifyHex(pubHex string, msg []byte, sigB64 string) error {
	raw, err := hex.DecodeString(pubHex)
	if err != nil {
		return fmt.Errorf("decode pubkey hex: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return fmt.Errorf("pubkey is %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return verify(ed25519.PublicKey(raw), msg, sigB64)
}

func verify(pub ed25519.PublicKey, msg []byte, sigB64 string) error {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if !ed25519.Verify(pub, msg, sig) {
		return errors.New("signature mismatch")
	}
	return nil
}
