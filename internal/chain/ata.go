package chain

import (
	"crypto/sha256"
	"errors"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

const pdaMarker = "ProgramDerivedAddress"

// DeriveATA returns the associated token account address for an owner
// and mint: the first derivation off the ed25519 curve, searching bump
// seeds from 255 down.
func DeriveATA(owner, mint [32]byte) ([32]byte, error) {
	token := mustKey(tokenProgram)
	program := mustKey(ataProgram)
	for bump := 255; bump >= 0; bump-- {
		h := sha256.New()
		h.Write(owner[:])
		h.Write(token[:])
		h.Write(mint[:])
		h.Write([]byte{byte(bump)})
		h.Write(program[:])
		h.Write([]byte(pdaMarker))
		var cand [32]byte
		copy(cand[:], h.Sum(nil))
		if !onCurve(cand) {
			return cand, nil
		}
	}
	return [32]byte{}, errors.New("chain: no off-curve bump for ata derivation")
}

// ATAAddress is DeriveATA over base58 strings, for callers that watch
// a token account rather than build instructions against it.
func ATAAddress(wallet, mint string) (string, error) {
	owner, err := decodeKey(wallet)
	if err != nil {
		return "", err
	}
	mintKey, err := decodeKey(mint)
	if err != nil {
		return "", err
	}
	ata, err := DeriveATA(owner, mintKey)
	if err != nil {
		return "", err
	}
	return base58.Encode(ata[:]), nil
}

// onCurve reports whether p decodes as a valid edwards25519 point.
// Program derived addresses must not, so no private key exists for
// them.
func onCurve(p [32]byte) bool {
	_, err := new(edwards25519.Point).SetBytes(p[:])
	return err == nil
}
