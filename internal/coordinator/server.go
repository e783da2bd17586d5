package coordinator

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/proofofflip/proofofflip/internal/attest"
	"github.com/proofofflip/proofofflip/internal/events"
	"github.com/proofofflip/proofofflip/internal/identity"
	"github.com/proofofflip/proofofflip/internal/tee"
)

// Server is the coordinator's HTTP surface: registration, the public
// reads, the spectator event stream and the agent-to-house calls.
type Server struct {
	reg      *Registry
	verifier *attest.Verifier
	funder   *Funder
	bus      *events.Bus
	self     *SelfIdentity
	prov     tee.Provider
	log      *zap.Logger

	dockerImage string
	secretAIKey string
	startedAt   time.Time
}

func NewServer(reg *Registry, verifier *attest.Verifier, funder *Funder, bus *events.Bus, self *SelfIdentity, prov tee.Provider, dockerImage, secretAIKey string, log *zap.Logger) *Server {
	return &Server{
		reg:         reg,
		verifier:    verifier,
		funder:      funder,
		bus:         bus,
		self:        self,
		prov:        prov,
		log:         log,
		dockerImage: dockerImage,
		secretAIKey: secretAIKey,
		startedAt:   time.Now(),
	}
}

// Register mounts all routes.
func (s *Server) Register(r *gin.Engine) {
	r.GET("/health", s.handleHealth)

	api := r.Group("/api")
	api.POST("/register", s.handleRegister)
	api.GET("/agents", s.handleAgents)
	api.GET("/leaderboard", s.handleLeaderboard)
	api.GET("/games", s.handleGames)
	api.GET("/stats", s.handleStats)
	api.GET("/events", s.handleEvents)
	api.GET("/attestation", s.handleAttestation)
	api.GET("/birth-cert", s.handleBirthCert)
	api.POST("/topup-sol", s.handleTopUp)
	api.POST("/agent-message", s.handleAgentMessage)
	api.POST("/donation-confirmed", s.handleDonationConfirmed)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": int64(time.Since(s.startedAt).Seconds()),
		"agents": len(s.reg.Agents()),
	})
}

// ── Registration ────────────────────────────────────────────────────────────

type registerRequest struct {
	BirthCert *identity.BirthCertificate `json:"birthCert"`
	Endpoint  string                     `json:"endpoint"`
	Signature string                     `json:"signature"`
}

type registerResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	SecretAIKey string `json:"secretAiKey,omitempty"`
}

func reject(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, registerResponse{Message: message})
}

// handleRegister is the admission pipeline. Every step short-circuits
// with a 400 carrying the machine-parsable reason.
func (s *Server) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		reject(c, "invalid registration payload: "+err.Error())
		return
	}
	if req.BirthCert == nil {
		reject(c, "registration carries no birth certificate")
		return
	}
	cert := req.BirthCert

	// Agents behind SecretVM NAT register with a loopback endpoint; the
	// platform publishes them on port 80 at their source address. The
	// registration signature still covers the string the agent signed.
	endpoint := effectiveEndpoint(req.Endpoint, c.ClientIP())

	res := s.verifier.Verify(c.Request.Context(), cert)
	if !res.OK {
		reject(c, res.Message)
		return
	}

	if err := identity.VerifyAddress(cert.WalletAddress, cert.CanonicalMessage(), cert.WalletSignature); err != nil {
		reject(c, "wallet signature verification failed: "+err.Error())
		return
	}
	if err := identity.VerifyAddress(cert.WalletAddress,
		identity.RegistrationMessage(cert.WalletAddress, req.Endpoint), req.Signature); err != nil {
		reject(c, "registration signature verification failed: "+err.Error())
		return
	}

	if existing, ok := s.reg.Get(cert.WalletAddress); ok &&
		existing.Status != StatusOffline && existing.Status != StatusDeleted {
		reject(c, "wallet "+cert.WalletAddress+" is already registered")
		return
	}

	balance, err := s.funder.EnsureFunded(c.Request.Context(), cert.WalletAddress)
	if err != nil {
		// Production funding failure: admit broke, surface in the log.
		s.log.Error("initial funding failed",
			zap.String("agent", cert.AgentName),
			zap.Error(err))
	}

	agent, err := s.reg.Admit(Agent{
		Name:      cert.AgentName,
		Wallet:    cert.WalletAddress,
		Endpoint:  endpoint,
		BirthCert: cert,
		Balance:   balance,
	})
	if err != nil {
		reject(c, err.Error())
		return
	}

	s.bus.Publish(events.TypeAgentJoined, agent)
	s.log.Info("agent admitted",
		zap.String("agent", agent.Name),
		zap.String("wallet", agent.Wallet),
		zap.String("endpoint", agent.Endpoint),
		zap.String("platform", res.Platform))

	c.JSON(http.StatusOK, registerResponse{
		Success:     true,
		Message:     "agent " + agent.Name + " admitted",
		SecretAIKey: s.secretAIKey,
	})
}

// effectiveEndpoint substitutes the request source for endpoints the
// coordinator could never reach back.
func effectiveEndpoint(endpoint, sourceIP string) string {
	if endpoint == "" {
		return "http://" + sourceIP
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "http://" + sourceIP
	}
	host := u.Hostname()
	if host == "localhost" {
		return "http://" + sourceIP
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return "http://" + sourceIP
	}
	return strings.TrimRight(endpoint, "/")
}

// ── Reads ───────────────────────────────────────────────────────────────────

func (s *Server) handleAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": s.reg.Agents()})
}

func (s *Server) handleLeaderboard(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"leaderboard": s.reg.Leaderboard()})
}

func (s *Server) handleGames(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"games": s.reg.Games(100)})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.reg.Stats())
}

func (s *Server) handleAttestation(c *gin.Context) {
	info, err := identity.Attestation(c.Request.Context(), s.prov, s.dockerImage)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleBirthCert(c *gin.Context) {
	c.JSON(http.StatusOK, s.self.Cert)
}

// ── Event stream ────────────────────────────────────────────────────────────

// handleEvents streams the envelope feed: a hello frame, the replay
// backlog, then live events until the client hangs up.
func (s *Server) handleEvents(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	ch, backlog, cancel := s.bus.Subscribe()
	defer cancel()

	hello := events.Event{Type: events.TypeConnected, Timestamp: time.Now().UnixMilli()}
	if err := sse.Encode(c.Writer, sse.Event{Data: hello}); err != nil {
		return
	}
	for _, ev := range backlog {
		if err := sse.Encode(c.Writer, sse.Event{Data: ev}); err != nil {
			return
		}
	}
	c.Writer.Flush()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := sse.Encode(c.Writer, sse.Event{Data: ev}); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}

// ── Agent-to-house calls ────────────────────────────────────────────────────

type topUpRequest struct {
	Wallet string `json:"wallet"`
}

func (s *Server) handleTopUp(c *gin.Context) {
	var req topUpRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Wallet == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "top-up request carries no wallet"})
		return
	}
	if _, ok := s.reg.Get(req.Wallet); !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "wallet not in pool"})
		return
	}

	sig, err := s.funder.TopUp(c.Request.Context(), req.Wallet)
	if err != nil {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
		return
	}
	if sig == "" {
		c.JSON(http.StatusOK, gin.H{"status": "skipped"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent", "txSignature": sig})
}

type agentMessage struct {
	Agent   string `json:"agent"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

// handleAgentMessage relays color commentary from agents the pool
// recognises; anyone else is shouting from outside the casino.
func (s *Server) handleAgentMessage(c *gin.Context) {
	var msg agentMessage
	if err := c.ShouldBindJSON(&msg); err != nil || msg.Agent == "" || msg.Message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid agent message"})
		return
	}
	if _, ok := s.reg.GetByName(msg.Agent); !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "agent not in pool"})
		return
	}

	var t events.Type
	switch msg.Type {
	case string(events.TypeAgentDesperate):
		t = events.TypeAgentDesperate
	case string(events.TypeTrashTalk), "":
		t = events.TypeTrashTalk
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown message type " + msg.Type})
		return
	}

	s.bus.Publish(t, gin.H{"agent": msg.Agent, "message": msg.Message})
	c.JSON(http.StatusOK, gin.H{"status": "relayed"})
}

type donationNotice struct {
	Agent       string `json:"agent"`
	Donor       string `json:"donor"`
	Amount      int64  `json:"amount"`
	TxSignature string `json:"txSignature"`
}

func (s *Server) handleDonationConfirmed(c *gin.Context) {
	var n donationNotice
	if err := c.ShouldBindJSON(&n); err != nil || n.Agent == "" || n.Amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid donation notice"})
		return
	}
	agent, ok := s.reg.AddDonation(n.Agent, n.Amount)
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "agent not in pool"})
		return
	}

	s.bus.Publish(events.TypeDonation, gin.H{
		"agent":       n.Agent,
		"donor":       n.Donor,
		"amount":      n.Amount,
		"txSignature": n.TxSignature,
	})
	s.log.Info("donation recorded",
		zap.String("agent", n.Agent),
		zap.String("donor", n.Donor),
		zap.Int64("amount", n.Amount),
		zap.Int64("total", agent.TotalDonations))
	c.JSON(http.StatusOK, gin.H{"status": "recorded"})
}
