// Package game holds the wire types the coordinator and agents
// exchange when a match settles.
package game

// Stake economics in USDC base units (6 decimals).
const (
	// Stake is what every match is played for: 0.01 USDC.
	Stake int64 = 10_000
	// InitialFunding is the one-time bankroll a new wallet receives:
	// 1.0 USDC.
	InitialFunding int64 = 1_000_000
)

// Roles a play command assigns.
const (
	RoleWinner = "winner"
	RoleLoser  = "loser"
)

// Play response statuses.
const (
	StatusAcknowledged  = "acknowledged"
	StatusPaid          = "paid"
	StatusPaymentFailed = "payment_failed"
)

// Command is the coordinator's settlement instruction to one agent.
// Stakes travel in token base units; the timestamp is ms since epoch.
type Command struct {
	GameID           string `json:"gameId"`
	Role             string `json:"role"`
	OpponentName     string `json:"opponentName"`
	OpponentEndpoint string `json:"opponentEndpoint"`
	OpponentWallet   string `json:"opponentWallet"`
	StakeAmount      int64  `json:"stakeAmount"`
	Timestamp        int64  `json:"timestamp"`
}

// Response is an agent's reply to a play command.
type Response struct {
	Status      string `json:"status"`
	GameID      string `json:"gameId,omitempty"`
	TxSignature string `json:"txSignature,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Result is one settled match in the coordinator's append-only log.
// Matches aborted before the loser was instructed never reach it.
type Result struct {
	GameID       string `json:"gameId"`
	Winner       string `json:"winner"`
	Loser        string `json:"loser"`
	WinnerWallet string `json:"winnerWallet"`
	LoserWallet  string `json:"loserWallet"`
	StakeAmount  int64  `json:"stakeAmount"`
	TxSignature  string `json:"txSignature,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}
