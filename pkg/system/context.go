package system

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/memory"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/tiers"
)

// ContextQuery tunes context-block assembly. Zero limits fall back to the
// facade defaults; a nil MinCIAR uses the working-memory threshold.
type ContextQuery struct {
	MinCIAR      *float64
	MaxTurns     int
	MaxFacts     int
	MaxEpisodes  int
	MaxKnowledge int
}

// ContextBlock is the assembled prompt context for one session: the L1
// window in chronological order, top-scored L2 facts, and best-effort L3
// and L4 sections.
type ContextBlock struct {
	SessionID   string                     `json:"session_id"`
	Turns       []memory.Turn              `json:"turns"`
	Facts       []memory.Fact              `json:"facts"`
	Episodes    []memory.Episode           `json:"episodes,omitempty"`
	Knowledge   []memory.KnowledgeDocument `json:"knowledge,omitempty"`
	AssembledAt time.Time                  `json:"assembled_at"`
}

// GetContextBlock assembles a session's context. L1 and L2 failures abort
// the call; episode and knowledge lookups degrade to empty sections.
func (s *MemorySystem) GetContextBlock(ctx context.Context, sessionID string, q ContextQuery) (*ContextBlock, error) {
	sid := s.SessionID(sessionID)

	maxTurns := q.MaxTurns
	if maxTurns <= 0 {
		maxTurns = s.cfg.ContextTurns
	}
	maxFacts := q.MaxFacts
	if maxFacts <= 0 {
		maxFacts = s.cfg.ContextFacts
	}
	maxEpisodes := q.MaxEpisodes
	if maxEpisodes <= 0 {
		maxEpisodes = s.cfg.ContextEpisodes
	}
	maxKnowledge := q.MaxKnowledge
	if maxKnowledge <= 0 {
		maxKnowledge = s.cfg.ContextKnowledge
	}

	turns, err := s.active.RetrieveSession(ctx, sid)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent turns: %w", err)
	}
	// RetrieveSession returns newest first. Keep the newest maxTurns, then
	// flip to chronological order for the prompt.
	if len(turns) > maxTurns {
		turns = turns[:maxTurns]
	}
	chronological := make([]memory.Turn, len(turns))
	for i, t := range turns {
		chronological[len(turns)-1-i] = t
	}

	facts, err := s.working.QueryBySession(ctx, sid, tiers.FactQuery{
		MinCIAR: q.MinCIAR,
		Limit:   maxFacts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load key facts: %w", err)
	}

	block := &ContextBlock{
		SessionID:   sid,
		Turns:       chronological,
		Facts:       facts,
		AssembledAt: time.Now().UTC(),
	}

	episodes, err := s.episodes.RecentEpisodes(ctx, sid, maxEpisodes)
	if err != nil {
		slog.Warn("Skipping episode section of context block", "session_id", sid, "error", err)
	} else {
		block.Episodes = episodes
	}

	// Knowledge is cross-session: the whole semantic tier serves every
	// session, queried by the latest user turn.
	matches, err := s.knowledge.Search(ctx, tiers.KnowledgeQuery{
		Text:  latestUserContent(turns),
		Limit: maxKnowledge,
	})
	if err != nil {
		slog.Warn("Skipping knowledge section of context block", "session_id", sid, "error", err)
	} else {
		for _, m := range matches {
			block.Knowledge = append(block.Knowledge, m.Document)
		}
	}

	return block, nil
}

// latestUserContent picks the search text for the knowledge section from a
// newest-first turn window.
func latestUserContent(turns []memory.Turn) string {
	for _, t := range turns {
		if t.Role == memory.RoleUser {
			return t.Content
		}
	}
	return ""
}

// ToPromptString renders the block for prompt injection. Standing orders
// (instruction facts) always precede every other section.
func (b *ContextBlock) ToPromptString() string {
	var instructions []memory.Fact
	var rest []memory.Fact
	for _, f := range b.Facts {
		if f.FactType == memory.FactInstruction {
			instructions = append(instructions, f)
		} else {
			rest = append(rest, f)
		}
	}

	var sb strings.Builder
	if len(instructions) > 0 {
		sb.WriteString("[ACTIVE STANDING ORDERS]\n")
		for _, f := range instructions {
			fmt.Fprintf(&sb, "- %s\n", f.Content)
		}
		sb.WriteString("\n")
	}
	if len(rest) > 0 {
		sb.WriteString("[KEY FACTS]\n")
		for _, f := range rest {
			fmt.Fprintf(&sb, "- %s (%s, score %.2f)\n", f.Content, f.FactType, f.CIARScore)
		}
		sb.WriteString("\n")
	}
	if len(b.Turns) > 0 {
		sb.WriteString("[RECENT CONVERSATION]\n")
		for _, t := range b.Turns {
			fmt.Fprintf(&sb, "%s: %s\n", t.Role, t.Content)
		}
		sb.WriteString("\n")
	}
	if len(b.Episodes) > 0 {
		sb.WriteString("[RELATED EPISODES]\n")
		for _, e := range b.Episodes {
			fmt.Fprintf(&sb, "- %s\n", e.Summary)
		}
		sb.WriteString("\n")
	}
	if len(b.Knowledge) > 0 {
		sb.WriteString("[RELEVANT KNOWLEDGE]\n")
		for _, d := range b.Knowledge {
			fmt.Fprintf(&sb, "- %s: %s\n", d.Title, d.Content)
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
