package api

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/engines"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/llm"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/memory"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/system"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeFacade struct {
	recorded     []*memory.Turn
	recordErr    error
	block        *system.ContextBlock
	blockErr     error
	sessions     []string
	state        *system.MemoryState
	stateErr     error
	report       *system.CleanupReport
	reports      []*system.CleanupReport
	cleanupErr   error
	cleanedUp    []string
	cleanupAlls  int
	synthesis    *engines.SynthesisResult
	synthesisErr error
	lastQuery    string
	health       *system.HealthReport
}

func (f *fakeFacade) RecordTurn(_ context.Context, turn *memory.Turn) (string, error) {
	if f.recordErr != nil {
		return "", f.recordErr
	}
	turn.SessionID = "agent:" + turn.SessionID
	f.recorded = append(f.recorded, turn)
	return turn.SessionID, nil
}

func (f *fakeFacade) GetContextBlock(_ context.Context, sessionID string, _ system.ContextQuery) (*system.ContextBlock, error) {
	if f.blockErr != nil {
		return nil, f.blockErr
	}
	if f.block != nil {
		return f.block, nil
	}
	return &system.ContextBlock{SessionID: sessionID}, nil
}

func (f *fakeFacade) Sessions() []string { return f.sessions }

func (f *fakeFacade) MemoryState(_ context.Context, sessionID string) (*system.MemoryState, error) {
	if f.stateErr != nil {
		return nil, f.stateErr
	}
	if f.state != nil {
		return f.state, nil
	}
	return &system.MemoryState{SessionID: "agent:" + sessionID}, nil
}

func (f *fakeFacade) CleanupSession(_ context.Context, sessionID string) (*system.CleanupReport, error) {
	f.cleanedUp = append(f.cleanedUp, sessionID)
	if f.cleanupErr != nil {
		return nil, f.cleanupErr
	}
	if f.report != nil {
		return f.report, nil
	}
	return &system.CleanupReport{SessionID: "agent:" + sessionID}, nil
}

func (f *fakeFacade) CleanupAll(context.Context) ([]*system.CleanupReport, error) {
	f.cleanupAlls++
	if f.cleanupErr != nil {
		return nil, f.cleanupErr
	}
	return f.reports, nil
}

func (f *fakeFacade) Synthesize(_ context.Context, query string, _ map[string]any) (*engines.SynthesisResult, error) {
	f.lastQuery = query
	if f.synthesisErr != nil {
		return nil, f.synthesisErr
	}
	return f.synthesis, nil
}

func (f *fakeFacade) Health(context.Context) *system.HealthReport {
	if f.health != nil {
		return f.health
	}
	return &system.HealthReport{Status: system.StatusHealthy}
}

type fakeResponder struct {
	reply     string
	err       error
	lastBlock *system.ContextBlock
	lastUser  string
}

func (f *fakeResponder) Respond(_ context.Context, block *system.ContextBlock, userContent string) (string, error) {
	f.lastBlock = block
	f.lastUser = userContent
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

type fakeGenerator struct {
	reply      string
	err        error
	lastPrompt string
	lastOpts   llm.Options
}

func (f *fakeGenerator) Generate(_ context.Context, prompt string, opts llm.Options) (*llm.Response, error) {
	f.lastPrompt = prompt
	f.lastOpts = opts
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{Text: f.reply, Provider: "fake"}, nil
}

func newTestServer(facade *fakeFacade, responder Responder) *gin.Engine {
	return NewServer(facade, responder).Router()
}
