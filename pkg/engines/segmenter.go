package engines

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/llm"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/memory"
)

// syntheticSegmentCertainty marks facts born from an unsegmented window so
// downstream scoring treats them as weak evidence.
const syntheticSegmentCertainty = 0.3

// TopicSegment is one topical span of a conversation window.
type TopicSegment struct {
	Topic            string   `json:"topic"`
	Summary          string   `json:"summary"`
	KeyPoints        []string `json:"key_points,omitempty"`
	TurnIndices      []int    `json:"turn_indices"`
	Certainty        float64  `json:"certainty"`
	Impact           float64  `json:"impact"`
	ParticipantCount int      `json:"participant_count"`
	MessageCount     int      `json:"message_count"`
	TemporalContext  string   `json:"temporal_context,omitempty"`
}

const segmentSystemPrompt = `You segment conversations into coherent topical spans. Respond with a single JSON object and no surrounding prose.`

const segmentInstruction = `Split the conversation below into topical segments. Each turn is prefixed with its index.
Respond with JSON of the shape:
{"segments": [{"topic": "...", "summary": "...", "key_points": ["..."], "turn_indices": [0, 1], "certainty": 0.0, "impact": 0.0, "participant_count": 0, "message_count": 0, "temporal_context": "..."}]}
certainty and impact are in [0,1] and describe how confidently the segment captures a real topic and how consequential it is.

Conversation:
`

// TopicSegmenter splits a turn window into topical segments with one LLM
// call. Segmentation never fails: an unusable reply yields one synthetic
// segment covering the whole window at low certainty.
type TopicSegmenter struct {
	llm Generator
}

// NewTopicSegmenter creates a segmenter over the given generator.
func NewTopicSegmenter(g Generator) *TopicSegmenter {
	return &TopicSegmenter{llm: g}
}

// Segment returns at least one segment for a non-empty window. Turns are
// expected oldest first.
func (s *TopicSegmenter) Segment(ctx context.Context, turns []memory.Turn) []TopicSegment {
	if len(turns) == 0 {
		return nil
	}
	if s.llm == nil {
		return []TopicSegment{SyntheticSegment(turns)}
	}

	resp, err := s.llm.Generate(ctx, segmentInstruction+Transcript(turns), llm.Options{
		SystemPrompt: segmentSystemPrompt,
		Schema:       map[string]any{"type": "object"},
		Temperature:  0.2,
	})
	if err != nil {
		slog.Warn("Topic segmentation call failed, using synthetic segment", "error", err)
		return []TopicSegment{SyntheticSegment(turns)}
	}

	var parsed struct {
		Segments []TopicSegment `json:"segments"`
	}
	if err := decodeReply(resp.Text, &parsed); err != nil || len(parsed.Segments) == 0 {
		slog.Warn("Topic segmentation reply unusable, using synthetic segment",
			"provider", resp.Provider, "error", err)
		return []TopicSegment{SyntheticSegment(turns)}
	}

	segments := parsed.Segments[:0]
	for _, seg := range parsed.Segments {
		seg.Certainty = clamp01(seg.Certainty)
		seg.Impact = clamp01(seg.Impact)
		seg.TurnIndices = validIndices(seg.TurnIndices, len(turns))
		if seg.MessageCount == 0 {
			seg.MessageCount = len(seg.TurnIndices)
		}
		segments = append(segments, seg)
	}
	return segments
}

// SyntheticSegment covers the whole window as a single low-certainty
// segment, used when segmentation is disabled or its output is unusable.
func SyntheticSegment(turns []memory.Turn) TopicSegment {
	indices := make([]int, len(turns))
	participants := make(map[memory.Role]bool)
	for i, t := range turns {
		indices[i] = i
		participants[t.Role] = true
	}
	seg := TopicSegment{
		Topic:            "general conversation",
		Summary:          fmt.Sprintf("Unsegmented window of %d turns", len(turns)),
		TurnIndices:      indices,
		Certainty:        syntheticSegmentCertainty,
		Impact:           0.5,
		ParticipantCount: len(participants),
		MessageCount:     len(turns),
	}
	if len(turns) > 0 {
		seg.TemporalContext = fmt.Sprintf("%s to %s",
			turns[0].Timestamp.Format("2006-01-02 15:04"),
			turns[len(turns)-1].Timestamp.Format("2006-01-02 15:04"))
	}
	return seg
}

// Transcript renders turns as an index-prefixed plain-text conversation.
func Transcript(turns []memory.Turn) string {
	var b strings.Builder
	for i, t := range turns {
		fmt.Fprintf(&b, "[%d] %s: %s\n", i, t.Role, t.Content)
	}
	return b.String()
}

// SegmentTurns projects the turns a segment's indices name, in order. An
// empty index list means the whole window.
func SegmentTurns(turns []memory.Turn, seg *TopicSegment) []memory.Turn {
	if seg == nil || len(seg.TurnIndices) == 0 {
		return turns
	}
	out := make([]memory.Turn, 0, len(seg.TurnIndices))
	for _, i := range seg.TurnIndices {
		out = append(out, turns[i])
	}
	return out
}

func validIndices(indices []int, n int) []int {
	out := indices[:0]
	for _, i := range indices {
		if i >= 0 && i < n {
			out = append(out, i)
		}
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
