package engines

import (
	"context"
	"time"

	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/llm"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/memory"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/tiers"
)

// fakeGenerator queues canned replies; the last reply repeats once the
// queue drains.
type fakeGenerator struct {
	replies  []string
	err      error
	calls    int
	prompts  []string
	lastOpts llm.Options
}

func (f *fakeGenerator) Generate(_ context.Context, prompt string, opts llm.Options) (*llm.Response, error) {
	f.calls++
	f.prompts = append(f.prompts, prompt)
	f.lastOpts = opts
	if f.err != nil {
		return nil, f.err
	}
	reply := ""
	if len(f.replies) > 0 {
		reply = f.replies[0]
		if len(f.replies) > 1 {
			f.replies = f.replies[1:]
		}
	}
	return &llm.Response{Text: reply, Provider: "fake", Model: "fake-model"}, nil
}

type fakeEmbedder struct {
	vector []float32
	err    error
	calls  int
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.vector, nil
}

func (f *fakeEmbedder) EmbeddingDimensions() int { return len(f.vector) }

type fakeTurnSource struct {
	turns []memory.Turn
	err   error
}

func (f *fakeTurnSource) RetrieveSession(_ context.Context, _ string) ([]memory.Turn, error) {
	return f.turns, f.err
}

type fakeFactSink struct {
	threshold float64
	storeErr  error
	stored    []memory.Fact
}

func (f *fakeFactSink) StoreFact(_ context.Context, fact *memory.Fact) error {
	if f.storeErr != nil {
		return f.storeErr
	}
	f.stored = append(f.stored, *fact)
	return nil
}

func (f *fakeFactSink) Threshold() float64 { return f.threshold }

type fakeFactSource struct {
	facts      []memory.Fact
	err        error
	lastCutoff time.Time
}

func (f *fakeFactSource) FactsSince(_ context.Context, _ string, cutoff time.Time) ([]memory.Fact, error) {
	f.lastCutoff = cutoff
	return f.facts, f.err
}

type storedEpisode struct {
	episode   memory.Episode
	embedding []float32
}

type fakeEpisodeSink struct {
	lastEnd  time.Time
	storeErr error
	stored   []storedEpisode
}

func (f *fakeEpisodeSink) StoreEpisode(_ context.Context, episode *memory.Episode, embedding []float32) error {
	if f.storeErr != nil {
		return f.storeErr
	}
	f.stored = append(f.stored, storedEpisode{episode: *episode, embedding: embedding})
	return nil
}

func (f *fakeEpisodeSink) LatestWindowEnd(_ context.Context, _ string) (time.Time, error) {
	return f.lastEnd, nil
}

type fakeEpisodeSource struct {
	episodes []memory.Episode
	err      error
}

func (f *fakeEpisodeSource) RecentEpisodes(_ context.Context, _ string, _ int) ([]memory.Episode, error) {
	return f.episodes, f.err
}

type fakeKnowledgeSink struct {
	storeErr error
	stored   []memory.KnowledgeDocument
}

func (f *fakeKnowledgeSink) StoreDocument(_ context.Context, doc *memory.KnowledgeDocument) error {
	if f.storeErr != nil {
		return f.storeErr
	}
	f.stored = append(f.stored, *doc)
	return nil
}

type fakeKnowledgeSource struct {
	matches   []tiers.DocumentMatch
	err       error
	calls     int
	lastQuery tiers.KnowledgeQuery
}

func (f *fakeKnowledgeSource) Search(_ context.Context, q tiers.KnowledgeQuery) ([]tiers.DocumentMatch, error) {
	f.calls++
	f.lastQuery = q
	if f.err != nil {
		return nil, f.err
	}
	return f.matches, nil
}

func userTurn(id int, content string, at time.Time) memory.Turn {
	return memory.Turn{
		TurnID:    id,
		SessionID: "s1",
		Role:      memory.RoleUser,
		Content:   content,
		Timestamp: at,
	}
}

func assistantTurn(id int, content string, at time.Time) memory.Turn {
	return memory.Turn{
		TurnID:    id,
		SessionID: "s1",
		Role:      memory.RoleAssistant,
		Content:   content,
		Timestamp: at,
	}
}
