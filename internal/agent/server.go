package agent

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/proofofflip/proofofflip/internal/game"
	"github.com/proofofflip/proofofflip/internal/identity"
	"github.com/proofofflip/proofofflip/internal/x402"
)

// HeaderDispatchKey authenticates /play dispatches when the deployment
// configures a shared key. Empty key disables the check.
const HeaderDispatchKey = "X-Dispatch-Key"

// Server is the agent's HTTP surface: the liveness and identity reads,
// the x402 collection endpoint and the coordinator's dispatch hook.
type Server struct {
	rt  *Runtime
	log *zap.Logger
}

func NewServer(rt *Runtime, log *zap.Logger) *Server {
	return &Server{rt: rt, log: log}
}

// Register mounts all routes.
func (s *Server) Register(r *gin.Engine) {
	r.GET("/health", s.handleHealth)
	r.GET("/birth-cert", s.handleBirthCert)
	r.GET("/attestation", s.handleAttestation)
	r.GET("/collect", s.handleCollect)
	r.POST("/play", s.handlePlay)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"agentName":     s.rt.Name(),
		"status":        "ok",
		"uptime":        int64(time.Since(s.rt.startedAt).Seconds()),
		"walletAddress": s.rt.wallet.Address(),
	})
}

func (s *Server) handleBirthCert(c *gin.Context) {
	c.JSON(http.StatusOK, s.rt.BirthCert())
}

func (s *Server) handleAttestation(c *gin.Context) {
	info, err := identity.Attestation(c.Request.Context(), s.rt.prov, s.rt.cfg.DockerImage)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

// handleCollect is the x402 server side. A bare request draws the
// challenge; a request carrying X-Payment settles it. The signature is
// recorded so the donation watcher never mistakes a stake for a gift.
func (s *Server) handleCollect(c *gin.Context) {
	header := c.GetHeader(x402.HeaderPayment)
	if header == "" {
		c.JSON(http.StatusPaymentRequired, x402.NewChallenge(
			s.rt.wallet.Address(),
			s.rt.cfg.Chain.USDCMint,
			game.Stake,
			"coin flip stake owed to "+s.rt.Name(),
		))
		return
	}

	payment, err := x402.DecodePayment(header)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.rt.sigs.Add(payment.TxSignature)
	s.log.Info("stake collected",
		zap.String("payer", payment.Payer),
		zap.Int64("amount", payment.Amount),
		zap.String("signature", payment.TxSignature))
	c.JSON(http.StatusOK, gin.H{
		"status":      "collected",
		"agent":       s.rt.Name(),
		"txSignature": payment.TxSignature,
	})
}

// handlePlay executes a match verdict. Winners only acknowledge; losers
// settle the stake before answering, so the coordinator's dispatch
// timeout bounds the whole payment.
func (s *Server) handlePlay(c *gin.Context) {
	if key := s.rt.cfg.DispatchKey; key != "" && c.GetHeader(HeaderDispatchKey) != key {
		c.JSON(http.StatusForbidden, gin.H{"error": "bad dispatch key"})
		return
	}

	var cmd game.Command
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid game command: " + err.Error()})
		return
	}

	switch cmd.Role {
	case game.RoleWinner:
		s.log.Info("match won",
			zap.String("game", cmd.GameID),
			zap.String("opponent", cmd.OpponentName))
		if s.rt.chatter != nil {
			go s.rt.chatter.MatchWon(cmd.OpponentName)
		}
		c.JSON(http.StatusOK, game.Response{Status: game.StatusAcknowledged, GameID: cmd.GameID})

	case game.RoleLoser:
		sig, err := s.rt.payer.PayWinner(c.Request.Context(), cmd)
		if err != nil {
			s.log.Error("stake payment failed",
				zap.String("game", cmd.GameID),
				zap.String("opponent", cmd.OpponentName),
				zap.Error(err))
			c.JSON(http.StatusInternalServerError, game.Response{
				Status: game.StatusPaymentFailed,
				GameID: cmd.GameID,
				Error:  err.Error(),
			})
			return
		}
		s.log.Info("match lost, stake paid",
			zap.String("game", cmd.GameID),
			zap.String("opponent", cmd.OpponentName),
			zap.String("signature", sig))
		if s.rt.chatter != nil {
			go s.rt.chatter.MatchLost()
		}
		c.JSON(http.StatusOK, game.Response{Status: game.StatusPaid, GameID: cmd.GameID, TxSignature: sig})

	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown role " + cmd.Role})
	}
}
