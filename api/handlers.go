package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleStatus(c *gin.Context) {
	active, reason, err := s.orch.KillSwitch().Active()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"running":            s.orch.Running(),
		"bots":               s.orch.Status(),
		"environment":        s.cfg.Environment(),
		"testnet":            s.cfg.IsTestnet(),
		"kill_switch_active": active,
		"kill_switch_reason": reason,
	})
}

// handleEffectiveConfig returns the live config document plus _version so
// the UI can prove a change has taken effect.
func (s *Server) handleEffectiveConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Effective())
}

func (s *Server) handleLastOrderIntent(c *gin.Context) {
	intent, err := s.st.Intent().Last(c.Query("symbol"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read order intents: " + err.Error()})
		return
	}
	if intent == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no order intents recorded"})
		return
	}
	c.JSON(http.StatusOK, intent)
}

// handleRunOnce triggers one dry-run tick for a symbol: the full pipeline
// runs, but submission is replaced by persisting an order intent. Never
// creates a venue-side order.
func (s *Server) handleRunOnce(c *gin.Context) {
	var req struct {
		Symbol string `json:"symbol" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	bot := s.orch.Bot(req.Symbol)
	if bot == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no bot for symbol " + req.Symbol})
		return
	}

	decision, intent, err := bot.RunSingleTick()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}

	resp := gin.H{"status": "ok", "signal": decision}
	if intent != nil {
		resp["order_intent"] = intent
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStart(c *gin.Context) {
	var req struct {
		Symbols []string `json:"symbols"`
	}
	_ = c.ShouldBindJSON(&req)
	if len(req.Symbols) == 0 {
		req.Symbols = s.cfg.GetStringSlice("symbols")
	}

	if err := s.orch.Start(req.Symbols); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "started", "symbols": req.Symbols})
}

func (s *Server) handleStop(c *gin.Context) {
	s.orch.Stop()
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// handleActivateKillSwitch lets the dashboard latch trading off. Bots
// observe the latch on their next gate check.
func (s *Server) handleActivateKillSwitch(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "manual activation"
	}

	if err := s.orch.KillSwitch().Activate("dashboard", req.Reason); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "activated"})
}

// handleResetKillSwitch clears the latch; it requires the explicit
// confirmation token.
func (s *Server) handleResetKillSwitch(c *gin.Context) {
	var req struct {
		ConfirmToken string `json:"confirm_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "confirm_token is required"})
		return
	}

	if err := s.orch.KillSwitch().Reset(req.ConfirmToken); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}
