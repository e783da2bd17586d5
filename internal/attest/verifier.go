// Package attest verifies agent birth certificates: quote parsing, key
// binding, enclave signatures and the code measurement allowlist.
package attest

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/proofofflip/proofofflip/internal/identity"
	"github.com/proofofflip/proofofflip/internal/tee"
)

// Reason classifies a verification verdict.
type Reason uint8

const (
	ReasonOK Reason = iota
	ReasonBadQuote
	ReasonPubkeyMismatch
	ReasonBadTEESignature
	ReasonRTMR3Mismatch
	ReasonNotAllowlisted
)

func (r Reason) String() string {
	switch r {
	case ReasonOK:
		return "OK"
	case ReasonBadQuote:
		return "QUOTE_INVALID"
	case ReasonPubkeyMismatch:
		return "PUBKEY_MISMATCH"
	case ReasonBadTEESignature:
		return "TEE_SIGNATURE_INVALID"
	case ReasonRTMR3Mismatch:
		return "RTMR3_MISMATCH"
	case ReasonNotAllowlisted:
		return "NOT_ALLOWLISTED"
	default:
		return "UNKNOWN"
	}
}

// Result is the verifier's verdict on a birth certificate.
type Result struct {
	OK        bool
	Reason    Reason
	Message   string
	RTMR3     string // measurement the verdict covered
	TEEPubkey string // key the quote bound
	Platform  string // "tdx", "sev-snp" or "mock"
}

// Verifier checks birth certificates. Allowlist decisions are made here
// and nowhere else.
type Verifier struct {
	pccs  *PCCS // nil means local parsing only
	allow *Allowlist
	log   *zap.Logger
}

func NewVerifier(pccs *PCCS, allow *Allowlist, log *zap.Logger) *Verifier {
	return &Verifier{pccs: pccs, allow: allow, log: log}
}

func (v *Verifier) Allowlist() *Allowlist { return v.allow }

// Verify runs the full certificate pipeline: quote parse, report data
// key binding, TEE signature over the canonical message, RTMR3
// consistency, allowlist membership.
func (v *Verifier) Verify(ctx context.Context, cert *identity.BirthCertificate) Result {
	msg := cert.CanonicalMessage()

	// Mock quotes short-circuit hardware parsing.
	if mq, ok := tee.ParseMockQuote(cert.AttestationQuote); ok {
		if cert.TEEPubkey == "" || !strings.HasPrefix(strings.ToLower(mq.ReportData), strings.ToLower(cert.TEEPubkey)) {
			return v.fail(cert, ReasonPubkeyMismatch, "quote report data does not bind the tee pubkey")
		}
		if err := identity.VerifyHex(cert.TEEPubkey, msg, cert.TEESignature); err != nil {
			return v.fail(cert, ReasonBadTEESignature, "TEE signature verification failed: "+err.Error())
		}
		if err := v.allow.Admit(cert.RTMR3); err != nil {
			return v.fail(cert, ReasonNotAllowlisted, err.Error())
		}
		return v.pass(cert, "mock")
	}

	raw, err := base64.StdEncoding.DecodeString(cert.AttestationQuote)
	if err != nil {
		return v.fail(cert, ReasonBadQuote, "attestation quote is not base64: "+err.Error())
	}

	reportData, quoteRTMR3, platform, perr := v.parseQuote(ctx, raw)
	if perr != nil {
		return v.fail(cert, ReasonBadQuote, perr.Error())
	}

	pub := strings.ToLower(cert.TEEPubkey)
	if pub == "" || !strings.HasPrefix(strings.ToLower(reportData), pub) {
		return v.fail(cert, ReasonPubkeyMismatch, "quote report data does not bind the tee pubkey")
	}

	if err := identity.VerifyHex(cert.TEEPubkey, msg, cert.TEESignature); err != nil {
		return v.fail(cert, ReasonBadTEESignature, "TEE signature verification failed: "+err.Error())
	}

	// SEV-SNP parses expose no RTMR3; skip the consistency check then.
	if quoteRTMR3 != "" && !strings.EqualFold(quoteRTMR3, cert.RTMR3) {
		return v.fail(cert, ReasonRTMR3Mismatch,
			fmt.Sprintf("certificate rtmr3 %s does not match quote rtmr3 %s", cert.RTMR3, quoteRTMR3))
	}

	if err := v.allow.Admit(cert.RTMR3); err != nil {
		return v.fail(cert, ReasonNotAllowlisted, err.Error())
	}
	return v.pass(cert, platform)
}

func (v *Verifier) parseQuote(ctx context.Context, raw []byte) (reportData, rtmr3, platform string, err error) {
	if v.pccs != nil {
		parsed, perr := v.pccs.Parse(ctx, raw)
		if perr == nil {
			platform = parsed.TEEType
			if platform == "" {
				platform = "tdx"
			}
			return parsed.ReportData, parsed.RTMR3, platform, nil
		}
		v.log.Warn("pccs parse failed, falling back to local offsets", zap.Error(perr))
	}
	fields, ferr := tee.ParseQuote(raw)
	if ferr != nil {
		return "", "", "", ferr
	}
	return hex.EncodeToString(fields.ReportData), fields.RTMR3, "tdx", nil
}

func (v *Verifier) fail(cert *identity.BirthCertificate, reason Reason, msg string) Result {
	v.log.Warn("birth certificate rejected",
		zap.String("agent", cert.AgentName),
		zap.String("reason", reason.String()),
		zap.String("detail", msg))
	return Result{Reason: reason, Message: msg, RTMR3: cert.RTMR3, TEEPubkey: cert.TEEPubkey}
}

func (v *Verifier) pass(cert *identity.BirthCertificate, platform string) Result {
	return Result{OK: true, Reason: ReasonOK, Message: "verified",
		RTMR3: cert.RTMR3, TEEPubkey: cert.TEEPubkey, Platform: platform}
}
