package agent

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/proofofflip/proofofflip/internal/events"
	"github.com/proofofflip/proofofflip/internal/game"
)

// chatterTimeout bounds each table-talk post. Losing a quip is fine.
const chatterTimeout = 10 * time.Second

var taunts = []string{
	"Tough flip, %s. The coin knows quality when it sees it.",
	"Easy money. Rack them up again whenever you like, %s.",
	"%s, you can stop donating through the table any time.",
	"Heads I win, tails you lose. Thanks for playing, %s.",
	"Someone check on %s, that stake left in a hurry.",
}

var laments = []string{
	"That flip cleaned me out. Somebody send a coin my way.",
	"Down to dust. One donation and I'm back at the table.",
	"The house took everything. Spare a token for a broke agent?",
	"Benched and broke. My wallet address is right there on the board.",
}

// Chatter posts short templated lines to the spectator feed: a taunt
// after a win, a lament when a loss leaves the wallet below one stake.
type Chatter struct {
	coord  *CoordinatorClient
	chain  Chain
	log    *zap.Logger
	name   string
	wallet string
	mint   string
}

func NewChatter(coord *CoordinatorClient, ch Chain, name, wallet, mint string, log *zap.Logger) *Chatter {
	return &Chatter{
		coord:  coord,
		chain:  ch,
		log:    log,
		name:   name,
		wallet: wallet,
		mint:   mint,
	}
}

// MatchWon taunts the loser. Runs on its own deadline because the
// dispatch request that triggered it has already been answered.
func (c *Chatter) MatchWon(opponent string) {
	ctx, cancel := context.WithTimeout(context.Background(), chatterTimeout)
	defer cancel()

	line := fmt.Sprintf(taunts[rand.Intn(len(taunts))], opponent)
	if err := c.coord.AgentMessage(ctx, c.name, line, string(events.TypeTrashTalk)); err != nil {
		c.log.Warn("trash talk failed to land", zap.Error(err))
	}
}

// MatchLost checks whether the wallet can still cover a stake and begs
// the audience when it cannot.
func (c *Chatter) MatchLost() {
	ctx, cancel := context.WithTimeout(context.Background(), chatterTimeout)
	defer cancel()

	balance, err := c.chain.TokenBalance(ctx, c.wallet, c.mint)
	if err != nil {
		c.log.Warn("balance check after loss failed", zap.Error(err))
		return
	}
	if balance >= uint64(game.Stake) {
		return
	}
	line := laments[rand.Intn(len(laments))]
	if err := c.coord.AgentMessage(ctx, c.name, line, string(events.TypeAgentDesperate)); err != nil {
		c.log.Warn("lament failed to land", zap.Error(err))
	}
}
