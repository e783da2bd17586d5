package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/proofofflip/proofofflip/internal/game"
	"github.com/proofofflip/proofofflip/internal/identity"
	"github.com/proofofflip/proofofflip/internal/x402"
)

// Payer settles lost stakes. The x402 handshake against the winner's
// /collect endpoint is the normal path; a direct transfer to the
// wallet proven in the winner's certificate is the safety net when the
// handshake is unanswerable.
type Payer struct {
	chain  Chain
	wallet *identity.Wallet
	mint   string
	sigs   *SigSet
	http   *http.Client
	log    *zap.Logger
}

func NewPayer(ch Chain, wallet *identity.Wallet, mint string, sigs *SigSet, log *zap.Logger) *Payer {
	return &Payer{
		chain:  ch,
		wallet: wallet,
		mint:   mint,
		sigs:   sigs,
		http:   &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}
}

// PayWinner pays the stake for a lost game and returns the settlement
// signature. Only a failed handshake falls back to the direct
// transfer; once tokens moved, the payment is done and the ack retry
// is advisory.
func (p *Payer) PayWinner(ctx context.Context, cmd game.Command) (string, error) {
	challenge, err := p.fetchChallenge(ctx, cmd)
	if err != nil {
		p.log.Warn("x402 handshake failed, paying proven wallet directly",
			zap.String("game", cmd.GameID),
			zap.String("opponent", cmd.OpponentName),
			zap.Error(err))
		return p.payDirect(ctx, cmd)
	}

	sig, err := p.chain.TransferToken(ctx, p.wallet.PrivateKey(), challenge.Address, p.mint, uint64(cmd.StakeAmount))
	if err != nil {
		return "", fmt.Errorf("stake transfer: %w", err)
	}
	p.sigs.Add(sig)

	if err := p.ack(ctx, cmd, sig); err != nil {
		p.log.Warn("payment made but ack not delivered",
			zap.String("game", cmd.GameID),
			zap.String("signature", sig),
			zap.Error(err))
	}
	p.log.Info("stake paid",
		zap.String("game", cmd.GameID),
		zap.String("winner", cmd.OpponentName),
		zap.Int64("amount", cmd.StakeAmount),
		zap.String("signature", sig))
	return sig, nil
}

// fetchChallenge draws the 402 challenge and checks it quotes the game
// the coordinator announced. A winner quoting a different amount or
// token gets paid at its proven wallet instead.
func (p *Payer) fetchChallenge(ctx context.Context, cmd game.Command) (*x402.PaymentRequired, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, collectURL(cmd.OpponentEndpoint), nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("collect returned status %d, want 402", resp.StatusCode)
	}
	var challenge x402.PaymentRequired
	if err := json.NewDecoder(resp.Body).Decode(&challenge); err != nil {
		return nil, fmt.Errorf("decode challenge: %w", err)
	}
	if err := challenge.Validate(); err != nil {
		return nil, err
	}
	if challenge.Amount != cmd.StakeAmount {
		return nil, fmt.Errorf("challenge quotes %d base units, game stake is %d", challenge.Amount, cmd.StakeAmount)
	}
	if challenge.Token != p.mint {
		return nil, fmt.Errorf("challenge quotes token %s, playing in %s", challenge.Token, p.mint)
	}
	return &challenge, nil
}

// ack retries /collect with the payment proof so the winner can mark
// the signature as a game settlement.
func (p *Payer) ack(ctx context.Context, cmd game.Command, sig string) error {
	proof := x402.Payment{
		TxSignature: sig,
		Amount:      cmd.StakeAmount,
		Payer:       p.wallet.Address(),
	}
	header, err := proof.Encode()
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, collectURL(cmd.OpponentEndpoint), nil)
	if err != nil {
		return err
	}
	req.Header.Set(x402.HeaderPayment, header)

	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ack returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

// payDirect settles against the wallet bound into the winner's birth
// certificate. The coordinator accepted the match, so the debt stands
// even when the winner's endpoint does not.
func (p *Payer) payDirect(ctx context.Context, cmd game.Command) (string, error) {
	sig, err := p.chain.TransferToken(ctx, p.wallet.PrivateKey(), cmd.OpponentWallet, p.mint, uint64(cmd.StakeAmount))
	if err != nil {
		return "", fmt.Errorf("direct transfer: %w", err)
	}
	p.sigs.Add(sig)
	p.log.Info("stake paid directly",
		zap.String("game", cmd.GameID),
		zap.String("winner", cmd.OpponentName),
		zap.String("signature", sig))
	return sig, nil
}

func collectURL(endpoint string) string {
	return strings.TrimRight(endpoint, "/") + "/collect"
}
