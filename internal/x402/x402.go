// Package x402 implements the HTTP 402 payment handshake agents use to
// settle stakes: a bare request draws a challenge, the payer settles
// on-chain, then retries with proof in the X-Payment header.
package x402

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	Scheme  = "x402"
	Version = "1"

	// HeaderPayment carries the JSON encoded payment proof on the
	// retried request.
	HeaderPayment = "X-Payment"

	// Network names the settlement rail quoted in challenges.
	Network = "solana-mainnet"
)

// PaymentRequired is the JSON body of a 402 challenge.
type PaymentRequired struct {
	Type        string `json:"type"`
	Version     string `json:"version"`
	Address     string `json:"address"`
	Token       string `json:"token"`
	Amount      int64  `json:"amount"`
	Network     string `json:"network"`
	Description string `json:"description,omitempty"`
}

// NewChallenge quotes amount base units of token payable to address.
func NewChallenge(address, token string, amount int64, description string) PaymentRequired {
	return PaymentRequired{
		Type:        Scheme,
		Version:     Version,
		Address:     address,
		Token:       token,
		Amount:      amount,
		Network:     Network,
		Description: description,
	}
}

// Validate checks the fields a payer must not pay without.
func (p *PaymentRequired) Validate() error {
	if p.Type != Scheme {
		return fmt.Errorf("x402: unexpected challenge type %q", p.Type)
	}
	if p.Version != Version {
		return fmt.Errorf("x402: unsupported version %q", p.Version)
	}
	if p.Address == "" {
		return errors.New("x402: challenge missing address")
	}
	if p.Amount <= 0 {
		return fmt.Errorf("x402: non-positive amount %d", p.Amount)
	}
	return nil
}

// Payment is the proof presented in the X-Payment header.
type Payment struct {
	TxSignature string `json:"txSignature"`
	Amount      int64  `json:"amount"`
	Payer       string `json:"payer"`
}

// Encode renders the payment for the X-Payment header.
func (p Payment) Encode() (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("x402: encode payment: %w", err)
	}
	return string(raw), nil
}

// DecodePayment parses an X-Payment header value.
func DecodePayment(header string) (*Payment, error) {
	if header == "" {
		return nil, errors.New("x402: empty payment header")
	}
	var p Payment
	if err := json.Unmarshal([]byte(header), &p); err != nil {
		return nil, fmt.Errorf("x402: decode payment header: %w", err)
	}
	if p.TxSignature == "" {
		return nil, errors.New("x402: payment missing txSignature")
	}
	return &p, nil
}
