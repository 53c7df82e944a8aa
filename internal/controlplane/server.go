// Package controlplane exposes the operator HTTP surface: strategy
// pause/resume, voting-strategy switching, runtime risk-limit overrides,
// instrument blocking, kill-switch control and state inspection.
// Authentication is delegated to the ingress gateway; operator
// identity arrives on the X-Operator-Id header and every mutation is
// audit-logged and published.
package controlplane

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/quantmesh/coordinator/internal/messaging"
	"github.com/quantmesh/coordinator/internal/position"
	"github.com/quantmesh/coordinator/internal/publisher"
	"github.com/quantmesh/coordinator/internal/risk"
	"github.com/quantmesh/coordinator/internal/voting"
)

// VotingControl is the voting-engine surface the control plane drives:
// session health plus runtime strategy switching.
type VotingControl interface {
	OpenSessions() int
	Strategy() voting.Strategy
	SetStrategy(voting.Strategy)
}

// Server is the control-plane HTTP server.
type Server struct {
	router      *gin.Engine
	logger      *zap.Logger
	registry    *StrategyRegistry
	riskEngine  *risk.Engine
	store       *position.Store
	votes       VotingControl
	deadLetters publisher.DeadLetterStore
	producer    messaging.Producer
}

// NewServer creates the control-plane server with injected collaborators.
func NewServer(
	logger *zap.Logger,
	registry *StrategyRegistry,
	riskEngine *risk.Engine,
	store *position.Store,
	votes VotingControl,
	deadLetters publisher.DeadLetterStore,
	producer messaging.Producer,
) *Server {
	server := &Server{
		logger:      logger,
		registry:    registry,
		riskEngine:  riskEngine,
		store:       store,
		votes:       votes,
		deadLetters: deadLetters,
		producer:    producer,
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(otelgin.Middleware("decision-coordinator"))
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Operator-Id"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	server.router = router
	server.registerRoutes()
	return server
}

// Start starts the control-plane server.
func (s *Server) Start(addr string) error {
	s.logger.Info("Starting control-plane server", zap.String("addr", addr))
	return s.router.Run(addr)
}

// Router returns the internal Gin engine for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/health", s.health)
		v1.GET("/metrics", gin.WrapH(promhttp.Handler()))
		v1.GET("/status", s.status)
		v1.GET("/positions", s.positions)
		v1.GET("/risk/violations", s.violations)
		v1.GET("/deadletters", s.listDeadLetters)

		v1.POST("/strategies/:id/pause", s.pauseStrategy)
		v1.POST("/strategies/:id/resume", s.resumeStrategy)
		v1.PUT("/voting/strategy", s.setVotingStrategy)
		v1.POST("/risk/kill-switch/engage", s.engageKillSwitch)
		v1.POST("/risk/kill-switch/clear", s.clearKillSwitch)
		v1.PUT("/risk/limits/:rule", s.overrideLimit)
		v1.POST("/risk/instruments/:instrument/block", s.blockInstrument)
		v1.POST("/risk/instruments/:instrument/unblock", s.unblockInstrument)
		v1.POST("/risk/reset-daily", s.resetDaily)
	}
}

func operator(c *gin.Context) string {
	if op := c.GetHeader("X-Operator-Id"); op != "" {
		return op
	}
	return "unknown"
}

// audit records a control-plane mutation with the operator identity, both in
// the log and on the ops.audit topic.
func (s *Server) audit(c *gin.Context, action, target string, details map[string]interface{}) {
	op := operator(c)
	s.logger.Info("Control-plane mutation",
		zap.String("operator", op),
		zap.String("action", action),
		zap.String("target", target),
		zap.Any("details", details))

	if s.producer == nil {
		return
	}
	msg := messaging.AuditEventMessage{
		BaseMessage: messaging.NewBaseMessage(messaging.MsgAuditEvent, "decision-coordinator", ""),
		Operator:    op,
		Action:      action,
		Target:      target,
		Details:     details,
	}
	if err := s.producer.Publish(c.Request.Context(), messaging.TopicAudit, action, msg); err != nil {
		s.logger.Error("Failed to publish audit event", zap.Error(err), zap.String("action", action))
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "healthy",
		"service":       "decision-coordinator",
		"timestamp":     time.Now().UTC(),
		"kill_switch":   s.riskEngine.KillSwitch().State(),
		"open_sessions": s.votes.OpenSessions(),
	})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"voting_strategy":     string(s.votes.Strategy()),
		"paused_strategies":   s.registry.Paused(),
		"open_sessions":       s.votes.OpenSessions(),
		"kill_switch":         s.riskEngine.KillSwitch().State(),
		"blocked_instruments": s.riskEngine.BlockedInstruments(),
		"limits":              s.riskEngine.Limits().Snapshot(),
		"aggregates":          s.aggregatesView(),
	})
}

func (s *Server) aggregatesView() gin.H {
	agg := s.store.Aggregates()
	return gin.H{
		"daily_realized_pnl": agg.DailyRealizedPnL,
		"total_notional":     agg.TotalNotional,
		"bucket_notional":    agg.BucketNotional,
	}
}

func (s *Server) positions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"positions": s.store.Snapshots(),
		"buckets":   s.store.Buckets(),
	})
}

func (s *Server) violations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"violations": s.riskEngine.RecentViolations(50),
	})
}

func (s *Server) listDeadLetters(c *gin.Context) {
	letters, err := s.deadLetters.List(c.Request.Context(), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dead_letters": letters})
}

func (s *Server) pauseStrategy(c *gin.Context) {
	id := c.Param("id")
	s.registry.Pause(id)
	s.audit(c, "strategy.pause", id, nil)
	c.JSON(http.StatusOK, gin.H{"status": "paused", "strategy_id": id})
}

func (s *Server) resumeStrategy(c *gin.Context) {
	id := c.Param("id")
	s.registry.Resume(id)
	s.audit(c, "strategy.resume", id, nil)
	c.JSON(http.StatusOK, gin.H{"status": "resumed", "strategy_id": id})
}

type engageRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) engageKillSwitch(c *gin.Context) {
	var req engageRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "manual operator stop"
	}

	s.riskEngine.KillSwitch().Engage(req.Reason, operator(c))
	s.audit(c, "kill_switch.engage", "", map[string]interface{}{"reason": req.Reason})
	c.JSON(http.StatusOK, gin.H{"kill_switch": s.riskEngine.KillSwitch().State()})
}

func (s *Server) clearKillSwitch(c *gin.Context) {
	s.riskEngine.KillSwitch().Clear(operator(c))
	s.audit(c, "kill_switch.clear", "", nil)
	c.JSON(http.StatusOK, gin.H{"kill_switch": s.riskEngine.KillSwitch().State()})
}

type strategyRequest struct {
	Strategy string `json:"strategy"`
}

func (s *Server) setVotingStrategy(c *gin.Context) {
	var req strategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	strategy, err := voting.ParseStrategy(req.Strategy)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.votes.SetStrategy(strategy)
	s.audit(c, "voting.set_strategy", req.Strategy, nil)
	c.JSON(http.StatusOK, gin.H{"status": "updated", "voting_strategy": string(strategy)})
}

func (s *Server) blockInstrument(c *gin.Context) {
	instrument := c.Param("instrument")
	s.riskEngine.BlockInstrument(instrument)
	s.audit(c, "risk.instrument_block", instrument, nil)
	c.JSON(http.StatusOK, gin.H{
		"status":              "blocked",
		"instrument":          instrument,
		"blocked_instruments": s.riskEngine.BlockedInstruments(),
	})
}

func (s *Server) unblockInstrument(c *gin.Context) {
	instrument := c.Param("instrument")
	if !s.riskEngine.UnblockInstrument(instrument) {
		c.JSON(http.StatusNotFound, gin.H{"error": "instrument is not blocked: " + instrument})
		return
	}
	s.audit(c, "risk.instrument_unblock", instrument, nil)
	c.JSON(http.StatusOK, gin.H{
		"status":              "unblocked",
		"instrument":          instrument,
		"blocked_instruments": s.riskEngine.BlockedInstruments(),
	})
}

func (s *Server) resetDaily(c *gin.Context) {
	s.store.ResetDaily()
	s.audit(c, "risk.reset_daily", "", nil)
	c.JSON(http.StatusOK, gin.H{"status": "reset", "aggregates": s.aggregatesView()})
}

type limitRequest struct {
	Value decimal.Decimal `json:"value"`
}

func (s *Server) overrideLimit(c *gin.Context) {
	rule := c.Param("rule")

	var req limitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	limits, err := s.riskEngine.Limits().Override(rule, req.Value)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.audit(c, "risk.limit_override", rule, map[string]interface{}{"value": req.Value.String()})
	c.JSON(http.StatusOK, gin.H{"status": "updated", "limits": limits})
}
