package tee

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// Domain separation prefixes for mock key and measurement derivation.
const (
	mockKeyDomain   = "pof-mock-tee-key:"
	mockRTMR3Domain = "pof-mock-rtmr3:"
)

// Mock is an in-process Provider for local fleets and tests. Key and
// measurement derive from the agent name alone, so a restarted agent
// presents bit-identical identity material.
type Mock struct {
	name  string
	priv  ed25519.PrivateKey
	rtmr3 string
}

func NewMock(name string) *Mock {
	seed := sha256.Sum256([]byte(mockKeyDomain + name))
	h1 := sha256.Sum256([]byte(mockRTMR3Domain + name))
	h2 := sha256.Sum256(h1[:])
	reg := make([]byte, 0, quoteRTMR3Len)
	reg = append(reg, h1[:]...)
	reg = append(reg, h2[:quoteRTMR3Len-len(h1)]...)
	return &Mock{
		name:  name,
		priv:  ed25519.NewKeyFromSeed(seed[:]),
		rtmr3: hex.EncodeToString(reg),
	}
}

func (m *Mock) PublicKey(context.Context) (string, error) {
	return hex.EncodeToString(m.priv.Public().(ed25519.PublicKey)), nil
}

func (m *Mock) CodeMeasurement(context.Context) (string, error) {
	return m.rtmr3, nil
}

func (m *Mock) Quote(context.Context) (string, error) {
	pub := hex.EncodeToString(m.priv.Public().(ed25519.PublicKey))
	q := MockQuote{
		Mock:       true,
		ReportData: pub + strings.Repeat("0", 2*quoteReportDataLen-len(pub)),
		RTMR3:      m.rtmr3,
		Timestamp:  time.Now().Unix(),
	}
	raw, err := json.Marshal(q)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func (m *Mock) Sign(_ context.Context, payload []byte) (string, error) {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(m.priv, payload)), nil
}

func (m *Mock) Platform() string { return "mock" }
