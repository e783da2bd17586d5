// flipctl is a thin operator console for a running casino:
//
//	flipctl [-coordinator URL] leaderboard
//	flipctl [-coordinator URL] stats
//	flipctl [-coordinator URL] agents
//	flipctl [-coordinator URL] games
//	flipctl health <agent endpoint>
//	flipctl verify <agent endpoint>
//	flipctl [-rpc URL] [-mint ADDR] balance <wallet>
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/proofofflip/proofofflip/internal/attest"
	"github.com/proofofflip/proofofflip/internal/chain"
	"github.com/proofofflip/proofofflip/internal/coordinator"
	"github.com/proofofflip/proofofflip/internal/game"
	"github.com/proofofflip/proofofflip/internal/identity"
)

var (
	coordURL = flag.String("coordinator", envOr("COORDINATOR_URL", "http://localhost:8080"), "coordinator base URL")
	rpcURL   = flag.String("rpc", envOr("RPC_URL", "https://api.mainnet-beta.solana.com"), "solana RPC endpoint")
	mint     = flag.String("mint", envOr("USDC_MINT", "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"), "USDC mint address")
)

var client = &http.Client{Timeout: 10 * time.Second}

func main() {
	flag.Parse()

	var err error
	switch flag.Arg(0) {
	case "leaderboard":
		err = leaderboard()
	case "stats":
		err = stats()
	case "agents":
		err = agents()
	case "games":
		err = games()
	case "health":
		if flag.Arg(1) == "" {
			err = fmt.Errorf("usage: flipctl health <agent endpoint>")
			break
		}
		err = health(flag.Arg(1))
	case "verify":
		if flag.Arg(1) == "" {
			err = fmt.Errorf("usage: flipctl verify <agent endpoint>")
			break
		}
		err = verify(flag.Arg(1))
	case "balance":
		if flag.Arg(1) == "" {
			err = fmt.Errorf("usage: flipctl balance <wallet>")
			break
		}
		err = balance(flag.Arg(1))
	default:
		fmt.Fprintln(os.Stderr, "usage: flipctl [-coordinator URL] leaderboard|stats|agents|games|health|verify|balance")
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "flipctl:", err)
		os.Exit(1)
	}
}

func leaderboard() error {
	var out struct {
		Leaderboard []coordinator.Agent `json:"leaderboard"`
	}
	if err := get(*coordURL+"/api/leaderboard", &out); err != nil {
		return err
	}
	fmt.Printf("%-4s %-16s %12s %5s %7s %8s %s\n", "#", "agent", "balance", "wins", "losses", "streak", "status")
	for i, a := range out.Leaderboard {
		fmt.Printf("%-4d %-16s %12s %5d %7d %8d %s\n",
			i+1, a.Name, chain.FormatUSDC(a.Balance), a.Wins, a.Losses, a.CurrentStreak, a.Status)
	}
	return nil
}

func stats() error {
	var s coordinator.Stats
	if err := get(*coordURL+"/api/stats", &s); err != nil {
		return err
	}
	fmt.Printf("agents:     %d (%d active)\n", s.TotalAgents, s.ActiveAgents)
	fmt.Printf("games:      %d\n", s.TotalGames)
	fmt.Printf("volume:     %s USDC\n", chain.FormatUSDC(s.TotalVolume))
	fmt.Printf("donations:  %s USDC\n", chain.FormatUSDC(s.TotalDonations))
	return nil
}

func agents() error {
	var out struct {
		Agents []coordinator.Agent `json:"agents"`
	}
	if err := get(*coordURL+"/api/agents", &out); err != nil {
		return err
	}
	for _, a := range out.Agents {
		fmt.Printf("%-16s %-8s %12s  %s  %s\n", a.Name, a.Status, chain.FormatUSDC(a.Balance), a.Wallet, a.Endpoint)
	}
	return nil
}

func games() error {
	var out struct {
		Games []game.Result `json:"games"`
	}
	if err := get(*coordURL+"/api/games", &out); err != nil {
		return err
	}
	for _, g := range out.Games {
		fmt.Printf("%-14s %-16s beat %-16s %s USDC  %s\n",
			g.GameID, g.Winner, g.Loser, chain.FormatUSDC(g.StakeAmount),
			time.UnixMilli(g.Timestamp).Format(time.RFC3339))
	}
	return nil
}

func health(endpoint string) error {
	var out struct {
		AgentName     string `json:"agentName"`
		Status        string `json:"status"`
		Uptime        int64  `json:"uptime"`
		WalletAddress string `json:"walletAddress"`
	}
	if err := get(strings.TrimRight(endpoint, "/")+"/health", &out); err != nil {
		return err
	}
	fmt.Printf("agent:   %s\n", out.AgentName)
	fmt.Printf("status:  %s\n", out.Status)
	fmt.Printf("uptime:  %s\n", time.Duration(out.Uptime)*time.Second)
	fmt.Printf("wallet:  %s\n", out.WalletAddress)
	return nil
}

// verify replays the coordinator's admission checks against a live
// agent, so an operator can vet an endpoint before trusting its coin.
// The allowlist check is skipped: whether a measurement is welcome is
// the coordinator's policy, not a property of the certificate.
func verify(endpoint string) error {
	var cert identity.BirthCertificate
	if err := get(strings.TrimRight(endpoint, "/")+"/birth-cert", &cert); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	res := attest.NewVerifier(nil, attest.NewAllowlist(attest.ModeOpen, nil), zap.NewNop()).
		Verify(ctx, &cert)

	walletSig := "ok"
	if err := identity.VerifyAddress(cert.WalletAddress, cert.CanonicalMessage(), cert.WalletSignature); err != nil {
		walletSig = err.Error()
	}
	codeHash := "ok"
	if identity.CodeHash(cert.DockerImage) != cert.CodeHash {
		codeHash = "does not match docker image"
	}

	fmt.Printf("agent:       %s\n", cert.AgentName)
	fmt.Printf("wallet:      %s\n", cert.WalletAddress)
	fmt.Printf("image:       %s\n", cert.DockerImage)
	fmt.Printf("platform:    %s\n", res.Platform)
	fmt.Printf("rtmr3:       %s\n", res.RTMR3)
	fmt.Printf("tee:         %s\n", teeVerdict(res))
	fmt.Printf("wallet sig:  %s\n", walletSig)
	fmt.Printf("code hash:   %s\n", codeHash)

	if !res.OK {
		return fmt.Errorf("attestation rejected: %s", res.Message)
	}
	if walletSig != "ok" || codeHash != "ok" {
		return fmt.Errorf("certificate rejected")
	}
	return nil
}

func teeVerdict(res attest.Result) string {
	if res.OK {
		return "ok"
	}
	return res.Reason.String() + ": " + res.Message
}

func balance(wallet string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	cl, err := chain.Dial(ctx, *rpcURL, zap.NewNop())
	if err != nil {
		return err
	}
	defer cl.Close()

	lamports, err := cl.LamportBalance(ctx, wallet)
	if err != nil {
		return err
	}
	tokens, err := cl.TokenBalance(ctx, wallet, *mint)
	if err != nil {
		return err
	}
	fmt.Printf("wallet:  %s\n", wallet)
	fmt.Printf("sol:     %d.%09d\n", lamports/1_000_000_000, lamports%1_000_000_000)
	fmt.Printf("usdc:    %s\n", chain.FormatUSDC(int64(tokens)))
	return nil
}

func get(url string, out interface{}) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
