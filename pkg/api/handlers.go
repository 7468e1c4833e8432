package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/memory"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/system"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/version"
)

// RunTurnRequest is the body of POST /run_turn. A zero turn_id is valid;
// the facade only requires session, role, and content.
type RunTurnRequest struct {
	SessionID string         `json:"session_id" binding:"required"`
	TurnID    int            `json:"turn_id"`
	Role      string         `json:"role" binding:"required"`
	Content   string         `json:"content" binding:"required"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// RunTurnResponse is returned by POST /run_turn.
type RunTurnResponse struct {
	SessionID       string `json:"session_id"`
	Reply           string `json:"reply"`
	UserTurnID      int    `json:"user_turn_id"`
	AssistantTurnID int    `json:"assistant_turn_id"`
}

// SessionsResponse is returned by GET /sessions.
type SessionsResponse struct {
	Sessions []string `json:"sessions"`
}

// CleanupResponse is returned by POST /cleanup_force?session_id=all.
type CleanupResponse struct {
	Reports []*system.CleanupReport `json:"reports"`
}

// SynthesizeRequest is the body of POST /synthesize.
type SynthesizeRequest struct {
	Query   string         `json:"query" binding:"required"`
	Filters map[string]any `json:"filters,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	*system.HealthReport
	Version string `json:"version"`
}

// runTurnHandler writes the user turn, obtains the assistant reply from the
// responder against the assembled context, and writes the assistant turn.
func (s *Server) runTurnHandler(c *gin.Context) {
	var req RunTurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userTurn := &memory.Turn{
		TurnID:    req.TurnID,
		SessionID: req.SessionID,
		Role:      memory.Role(req.Role),
		Content:   req.Content,
		Metadata:  req.Metadata,
	}
	if req.Timestamp != nil {
		userTurn.Timestamp = *req.Timestamp
	}

	ctx := c.Request.Context()
	sid, err := s.memory.RecordTurn(ctx, userTurn)
	if err != nil {
		mapFacadeError(c, err)
		return
	}

	block, err := s.memory.GetContextBlock(ctx, sid, system.ContextQuery{})
	if err != nil {
		mapFacadeError(c, err)
		return
	}

	reply, err := s.responder.Respond(ctx, block, req.Content)
	if err != nil {
		mapFacadeError(c, err)
		return
	}

	assistantTurn := &memory.Turn{
		TurnID:    req.TurnID + 1,
		SessionID: sid,
		Role:      memory.RoleAssistant,
		Content:   reply,
	}
	if _, err := s.memory.RecordTurn(ctx, assistantTurn); err != nil {
		mapFacadeError(c, err)
		return
	}

	c.JSON(http.StatusOK, RunTurnResponse{
		SessionID:       sid,
		Reply:           reply,
		UserTurnID:      req.TurnID,
		AssistantTurnID: assistantTurn.TurnID,
	})
}

// listSessionsHandler returns the tracked session ids.
func (s *Server) listSessionsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, SessionsResponse{Sessions: s.memory.Sessions()})
}

// memoryStateHandler returns the per-tier footprint of one session.
func (s *Server) memoryStateHandler(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": errMissingSessionID.Error()})
		return
	}

	state, err := s.memory.MemoryState(c.Request.Context(), sessionID)
	if err != nil {
		mapFacadeError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// cleanupForceHandler cascade-deletes one session, or every tracked session
// when session_id=all.
func (s *Server) cleanupForceHandler(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": errMissingSessionID.Error()})
		return
	}

	ctx := c.Request.Context()
	if sessionID == "all" {
		reports, err := s.memory.CleanupAll(ctx)
		if err != nil {
			mapFacadeError(c, err)
			return
		}
		c.JSON(http.StatusOK, CleanupResponse{Reports: reports})
		return
	}

	report, err := s.memory.CleanupSession(ctx, sessionID)
	if err != nil {
		mapFacadeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// synthesizeHandler answers a semantic question from the knowledge tier.
func (s *Server) synthesizeHandler(c *gin.Context) {
	var req SynthesizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.memory.Synthesize(c.Request.Context(), req.Query, req.Filters)
	if err != nil {
		mapFacadeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// healthHandler reports the aggregate component health. Only a hot-path
// outage returns 503; degraded still serves traffic.
func (s *Server) healthHandler(c *gin.Context) {
	report := s.memory.Health(c.Request.Context())

	httpStatus := http.StatusOK
	if report.Status == system.StatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, HealthResponse{HealthReport: report, Version: version.Full()})
}
