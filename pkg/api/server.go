// Package api exposes the agent-facing JSON surface over the memory facade.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/engines"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/memory"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/storage"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/system"
)

// Facade is the slice of the memory system the HTTP layer uses.
type Facade interface {
	RecordTurn(ctx context.Context, turn *memory.Turn) (string, error)
	GetContextBlock(ctx context.Context, sessionID string, q system.ContextQuery) (*system.ContextBlock, error)
	Sessions() []string
	MemoryState(ctx context.Context, sessionID string) (*system.MemoryState, error)
	CleanupSession(ctx context.Context, sessionID string) (*system.CleanupReport, error)
	CleanupAll(ctx context.Context) ([]*system.CleanupReport, error)
	Synthesize(ctx context.Context, query string, filters map[string]any) (*engines.SynthesisResult, error)
	Health(ctx context.Context) *system.HealthReport
}

// Server wires the facade and the turn responder into HTTP handlers.
type Server struct {
	memory    Facade
	responder Responder
}

// NewServer creates the API server. responder may be nil; run_turn then
// answers with the deterministic fallback reply.
func NewServer(memory Facade, responder Responder) *Server {
	if responder == nil {
		responder = &LLMResponder{}
	}
	return &Server{memory: memory, responder: responder}
}

// Router builds the gin engine with all routes and middleware attached.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(), securityHeaders())

	r.POST("/run_turn", s.runTurnHandler)
	r.GET("/sessions", s.listSessionsHandler)
	r.GET("/memory_state", s.memoryStateHandler)
	r.POST("/cleanup_force", s.cleanupForceHandler)
	r.POST("/synthesize", s.synthesizeHandler)
	r.GET("/health", s.healthHandler)

	return r
}

// mapFacadeError maps facade errors onto HTTP responses. Validation
// failures are the caller's fault; everything else surfaces as a 500 with
// the message string.
func mapFacadeError(c *gin.Context, err error) {
	switch storage.KindOf(err) {
	case storage.KindData:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case storage.KindNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		slog.Error("Request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

var errMissingSessionID = errors.New("session_id query parameter is required")
