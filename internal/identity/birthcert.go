package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/name"

	"github.com/proofofflip/proofofflip/internal/tee"
)

// BirthCertificate binds an agent wallet to the attested TEE it was
// minted in. It carries two signatures over the same canonical message:
// the TEE key proves the wallet was created inside the enclave, the
// wallet key proves control of the spending key.
type BirthCertificate struct {
	AgentName        string `json:"agentName"`
	WalletAddress    string `json:"walletAddress"`
	DockerImage      string `json:"dockerImage"`
	CodeHash         string `json:"codeHash"`
	RTMR3            string `json:"rtmr3"`
	Timestamp        int64  `json:"timestamp"` // ms since epoch
	TEEPubkey        string `json:"teePubkey"`
	AttestationQuote string `json:"attestationQuote"`
	TEESignature     string `json:"teeSignature"`
	WalletSignature  string `json:"walletSignature"`
}

// CanonicalMessage is the byte string both certificate signatures
// cover. Field order and the colon separators are fixed; every
// verifier rebuilds this exact string.
func (c *BirthCertificate) CanonicalMessage() []byte {
	return []byte(fmt.Sprintf("%s:%s:%s:%s:%s:%d",
		c.AgentName, c.WalletAddress, c.DockerImage, c.CodeHash, c.RTMR3, c.Timestamp))
}

// Build mints a certificate for w inside the given TEE.
func Build(ctx context.Context, prov tee.Provider, w *Wallet, agentName, dockerImage string) (*BirthCertificate, error) {
	pub, err := prov.PublicKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("tee pubkey: %w", err)
	}
	rtmr3, err := prov.CodeMeasurement(ctx)
	if err != nil {
		return nil, fmt.Errorf("tee measurement: %w", err)
	}
	quote, err := prov.Quote(ctx)
	if err != nil {
		return nil, fmt.Errorf("tee quote: %w", err)
	}

	cert := &BirthCertificate{
		AgentName:        agentName,
		WalletAddress:    w.Address(),
		DockerImage:      dockerImage,
		CodeHash:         CodeHash(dockerImage),
		RTMR3:            rtmr3,
		Timestamp:        time.Now().UnixMilli(),
		TEEPubkey:        pub,
		AttestationQuote: quote,
	}
	msg := cert.CanonicalMessage()
	teeSig, err := prov.Sign(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("tee sign: %w", err)
	}
	cert.TEESignature = teeSig
	cert.WalletSignature = w.Sign(msg)
	return cert, nil
}

// CodeHash derives the certificate's code hash from a docker image
// reference. Digest references contribute the digest itself; tag
// references hash the fully qualified canonical name, so "ubuntu:latest"
// and "docker.io/library/ubuntu:latest" agree.
func CodeHash(image string) string {
	ref, err := name.ParseReference(image)
	if err != nil {
		sum := sha256.Sum256([]byte(image))
		return hex.EncodeToString(sum[:])
	}
	if d, ok := ref.(name.Digest); ok {
		return strings.TrimPrefix(d.DigestStr(), "sha256:")
	}
	sum := sha256.Sum256([]byte(ref.Name()))
	return hex.EncodeToString(sum[:])
}

// RegistrationMessage is the payload an agent wallet signs to prove it
// controls the endpoint it registers with the coordinator.
func RegistrationMessage(walletAddress, endpoint string) []byte {
	return []byte("register:" + walletAddress + ":" + endpoint)
}
