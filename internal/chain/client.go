// Package chain talks to a Solana node over JSON-RPC 2.0: balances,
// SPL token transfers with associated token account creation, and
// transfer inspection for the donation watcher.
package chain

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/mr-tron/base58"
	"go.uber.org/zap"
)

// Well known program and mint addresses.
const (
	systemProgram = "11111111111111111111111111111111"
	tokenProgram  = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	ataProgram    = "ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL"

	// USDCMint is the canonical mainnet USDC mint.
	USDCMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

	// USDCDecimals scales between base units and display units.
	USDCDecimals = 6
)

// Reads and confirmations run at "confirmed" commitment. Matches settle
// every minute; waiting for finality would eat most of the round.
const commitment = "confirmed"

const (
	confirmPollInterval = 500 * time.Millisecond
	confirmTimeout      = 45 * time.Second
)

// Client wraps a JSON-RPC 2.0 connection to a Solana node.
type Client struct {
	rpc *rpc.Client
	log *zap.Logger
}

func Dial(ctx context.Context, url string, log *zap.Logger) (*Client, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", url, err)
	}
	return &Client{rpc: c, log: log}, nil
}

func (c *Client) Close() { c.rpc.Close() }

func commitmentArg() map[string]string {
	return map[string]string{"commitment": commitment}
}

// LamportBalance returns the native SOL balance in lamports.
func (c *Client) LamportBalance(ctx context.Context, wallet string) (uint64, error) {
	var res struct {
		Value uint64 `json:"value"`
	}
	if err := c.rpc.CallContext(ctx, &res, "getBalance", wallet, commitmentArg()); err != nil {
		return 0, fmt.Errorf("chain: getBalance %s: %w", wallet, err)
	}
	return res.Value, nil
}

// TokenBalance returns the wallet's holdings of mint in base units,
// summed across its token accounts.
func (c *Client) TokenBalance(ctx context.Context, wallet, mint string) (uint64, error) {
	var res struct {
		Value []struct {
			Account struct {
				Data struct {
					Parsed struct {
						Info struct {
							TokenAmount struct {
								Amount string `json:"amount"`
							} `json:"tokenAmount"`
						} `json:"info"`
					} `json:"parsed"`
				} `json:"data"`
			} `json:"account"`
		} `json:"value"`
	}
	err := c.rpc.CallContext(ctx, &res, "getTokenAccountsByOwner", wallet,
		map[string]string{"mint": mint},
		map[string]string{"encoding": "jsonParsed", "commitment": commitment})
	if err != nil {
		return 0, fmt.Errorf("chain: getTokenAccountsByOwner %s: %w", wallet, err)
	}
	var total uint64
	for _, acc := range res.Value {
		amt := acc.Account.Data.Parsed.Info.TokenAmount.Amount
		v, err := strconv.ParseUint(amt, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("chain: parse token amount %q: %w", amt, err)
		}
		total += v
	}
	return total, nil
}

// TransferLamports moves native SOL and waits for confirmation.
func (c *Client) TransferLamports(ctx context.Context, from ed25519.PrivateKey, to string, lamports uint64) (string, error) {
	sender := keyOf(from)
	dest, err := decodeKey(to)
	if err != nil {
		return "", err
	}
	blockhash, err := c.latestBlockhash(ctx)
	if err != nil {
		return "", err
	}
	tx, err := signTransaction(newMessage([]Instruction{systemTransfer(sender, dest, lamports)}, sender, blockhash), from)
	if err != nil {
		return "", err
	}
	sig, err := c.sendTransaction(ctx, tx)
	if err != nil {
		return "", err
	}
	if err := c.confirm(ctx, sig); err != nil {
		return "", err
	}
	c.log.Info("lamport transfer confirmed",
		zap.String("to", to),
		zap.Uint64("lamports", lamports),
		zap.String("signature", sig))
	return sig, nil
}

// TransferToken moves amount base units of mint to toWallet, creating
// the destination's associated token account when it does not exist
// yet. Assumes a 6 decimal mint.
func (c *Client) TransferToken(ctx context.Context, from ed25519.PrivateKey, toWallet, mint string, amount uint64) (string, error) {
	owner := keyOf(from)
	dest, err := decodeKey(toWallet)
	if err != nil {
		return "", err
	}
	mintKey, err := decodeKey(mint)
	if err != nil {
		return "", err
	}
	srcATA, err := DeriveATA(owner, mintKey)
	if err != nil {
		return "", err
	}
	dstATA, err := DeriveATA(dest, mintKey)
	if err != nil {
		return "", err
	}

	instrs := make([]Instruction, 0, 2)
	exists, err := c.accountExists(ctx, base58.Encode(dstATA[:]))
	if err != nil {
		return "", err
	}
	if !exists {
		instrs = append(instrs, createATAIdempotent(owner, dest, mintKey, dstATA))
	}
	instrs = append(instrs, tokenTransferChecked(srcATA, mintKey, dstATA, owner, amount, USDCDecimals))

	blockhash, err := c.latestBlockhash(ctx)
	if err != nil {
		return "", err
	}
	tx, err := signTransaction(newMessage(instrs, owner, blockhash), from)
	if err != nil {
		return "", err
	}
	sig, err := c.sendTransaction(ctx, tx)
	if err != nil {
		return "", err
	}
	if err := c.confirm(ctx, sig); err != nil {
		return "", err
	}
	c.log.Info("token transfer confirmed",
		zap.String("to", toWallet),
		zap.Uint64("amount", amount),
		zap.String("signature", sig))
	return sig, nil
}

// SignatureInfo is one entry of a wallet's transaction history.
type SignatureInfo struct {
	Signature string          `json:"signature"`
	Slot      uint64          `json:"slot"`
	BlockTime *int64          `json:"blockTime"`
	Err       json.RawMessage `json:"err"`
}

// Failed reports whether the transaction errored on chain.
func (s SignatureInfo) Failed() bool {
	return len(s.Err) > 0 && string(s.Err) != "null"
}

// Signatures lists the most recent transaction signatures touching an
// address, newest first.
func (c *Client) Signatures(ctx context.Context, addr string, limit int) ([]SignatureInfo, error) {
	var res []SignatureInfo
	err := c.rpc.CallContext(ctx, &res, "getSignaturesForAddress", addr,
		map[string]interface{}{"limit": limit, "commitment": commitment})
	if err != nil {
		return nil, fmt.Errorf("chain: getSignaturesForAddress %s: %w", addr, err)
	}
	return res, nil
}

// TokenTransfer describes a settled SPL transfer extracted from a
// confirmed transaction.
type TokenTransfer struct {
	Signature string
	From      string // sender wallet
	To        string // recipient wallet
	Mint      string
	Amount    uint64 // base units credited to To
}

type tokenBalance struct {
	AccountIndex  int    `json:"accountIndex"`
	Mint          string `json:"mint"`
	Owner         string `json:"owner"`
	UITokenAmount struct {
		Amount string `json:"amount"`
	} `json:"uiTokenAmount"`
}

// TokenTransferTo fetches a confirmed transaction and extracts the net
// transfer of mint credited to recipient, identifying the sender by
// whose balance went down.
func (c *Client) TokenTransferTo(ctx context.Context, sig, mint, recipient string) (*TokenTransfer, error) {
	var res struct {
		Meta *struct {
			Err               json.RawMessage `json:"err"`
			PreTokenBalances  []tokenBalance  `json:"preTokenBalances"`
			PostTokenBalances []tokenBalance  `json:"postTokenBalances"`
		} `json:"meta"`
	}
	err := c.rpc.CallContext(ctx, &res, "getTransaction", sig,
		map[string]interface{}{
			"encoding":                       "jsonParsed",
			"commitment":                     commitment,
			"maxSupportedTransactionVersion": 0,
		})
	if err != nil {
		return nil, fmt.Errorf("chain: getTransaction %s: %w", sig, err)
	}
	if res.Meta == nil {
		return nil, fmt.Errorf("chain: transaction %s not found", sig)
	}
	if len(res.Meta.Err) > 0 && string(res.Meta.Err) != "null" {
		return nil, fmt.Errorf("chain: transaction %s failed on chain: %s", sig, res.Meta.Err)
	}

	type flow struct {
		owner     string
		pre, post uint64
	}
	flows := map[int]*flow{}
	for _, b := range res.Meta.PreTokenBalances {
		if b.Mint != mint {
			continue
		}
		v, err := strconv.ParseUint(b.UITokenAmount.Amount, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("chain: parse pre balance %q: %w", b.UITokenAmount.Amount, err)
		}
		flows[b.AccountIndex] = &flow{owner: b.Owner, pre: v}
	}
	for _, b := range res.Meta.PostTokenBalances {
		if b.Mint != mint {
			continue
		}
		v, err := strconv.ParseUint(b.UITokenAmount.Amount, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("chain: parse post balance %q: %w", b.UITokenAmount.Amount, err)
		}
		if f, ok := flows[b.AccountIndex]; ok {
			f.post = v
		} else {
			flows[b.AccountIndex] = &flow{owner: b.Owner, post: v}
		}
	}

	xfer := &TokenTransfer{Signature: sig, Mint: mint}
	for _, f := range flows {
		switch {
		case f.owner == recipient && f.post > f.pre:
			xfer.To = recipient
			xfer.Amount = f.post - f.pre
		case f.post < f.pre:
			xfer.From = f.owner
		}
	}
	if xfer.To == "" || xfer.Amount == 0 {
		return nil, fmt.Errorf("chain: transaction %s does not credit %s with %s", sig, recipient, mint)
	}
	return xfer, nil
}

func (c *Client) latestBlockhash(ctx context.Context) ([32]byte, error) {
	var res struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	if err := c.rpc.CallContext(ctx, &res, "getLatestBlockhash", commitmentArg()); err != nil {
		return [32]byte{}, fmt.Errorf("chain: getLatestBlockhash: %w", err)
	}
	return decodeKey(res.Value.Blockhash)
}

func (c *Client) accountExists(ctx context.Context, addr string) (bool, error) {
	var res struct {
		Value json.RawMessage `json:"value"`
	}
	err := c.rpc.CallContext(ctx, &res, "getAccountInfo", addr,
		map[string]string{"encoding": "base64", "commitment": commitment})
	if err != nil {
		return false, fmt.Errorf("chain: getAccountInfo %s: %w", addr, err)
	}
	return len(res.Value) > 0 && string(res.Value) != "null", nil
}

func (c *Client) sendTransaction(ctx context.Context, signed []byte) (string, error) {
	var sig string
	err := c.rpc.CallContext(ctx, &sig, "sendTransaction",
		base64.StdEncoding.EncodeToString(signed),
		map[string]interface{}{"encoding": "base64", "preflightCommitment": commitment})
	if err != nil {
		return "", fmt.Errorf("chain: sendTransaction: %w", err)
	}
	return sig, nil
}

// confirm polls signature status until the transaction reaches
// confirmed commitment or the deadline passes.
func (c *Client) confirm(ctx context.Context, sig string) error {
	ctx, cancel := context.WithTimeout(ctx, confirmTimeout)
	defer cancel()
	t := time.NewTicker(confirmPollInterval)
	defer t.Stop()
	for {
		var res struct {
			Value []*struct {
				ConfirmationStatus string          `json:"confirmationStatus"`
				Err                json.RawMessage `json:"err"`
			} `json:"value"`
		}
		err := c.rpc.CallContext(ctx, &res, "getSignatureStatuses", []string{sig},
			map[string]bool{"searchTransactionHistory": true})
		if err != nil {
			return fmt.Errorf("chain: getSignatureStatuses: %w", err)
		}
		if len(res.Value) > 0 && res.Value[0] != nil {
			st := res.Value[0]
			if len(st.Err) > 0 && string(st.Err) != "null" {
				return fmt.Errorf("chain: transaction %s failed on chain: %s", sig, st.Err)
			}
			if st.ConfirmationStatus == "confirmed" || st.ConfirmationStatus == "finalized" {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("chain: confirm %s: %w", sig, ctx.Err())
		case <-t.C:
		}
	}
}

// FormatUSDC renders base units as a fractional amount, "1010000"
// becoming "1.010000".
func FormatUSDC(v int64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%06d", sign, v/1_000_000, v%1_000_000)
}

func keyOf(priv ed25519.PrivateKey) [32]byte {
	var k [32]byte
	copy(k[:], priv.Public().(ed25519.PublicKey))
	return k
}

func decodeKey(addr string) ([32]byte, error) {
	var out [32]byte
	raw, err := base58.Decode(addr)
	if err != nil {
		return out, fmt.Errorf("chain: decode %q: %w", addr, err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("chain: %q decodes to %d bytes, want 32", addr, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func mustKey(addr string) [32]byte {
	k, err := decodeKey(addr)
	if err != nil {
		panic(err)
	}
	return k
}
