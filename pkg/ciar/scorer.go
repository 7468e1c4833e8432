// Package ciar implements the significance score that gates promotion from
// active context into working memory. The composite is
// (certainty x impact) x age_decay x recency_boost.
package ciar

import (
	"math"
	"strings"
	"time"

	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/memory"
)

// Config holds the scoring parameters.
type Config struct {
	// Lambda is the exponential decay rate per day of fact age.
	Lambda float64
	// MaxAgeDays caps the age fed into the decay curve.
	MaxAgeDays float64
	// MinAgeScore floors the decay so old facts never reach zero.
	MinAgeScore float64
	// BoostFactor scales the logarithmic access-count boost.
	BoostFactor float64
	// MaxBoost caps the boost above 1.0; the boost itself tops out at
	// 1 + MaxBoost.
	MaxBoost float64
	// Threshold is the promotion gate.
	Threshold float64
}

// DefaultConfig returns the production scoring parameters.
func DefaultConfig() Config {
	return Config{
		Lambda:      0.1,
		MaxAgeDays:  365,
		MinAgeScore: 0.1,
		BoostFactor: 0.05,
		MaxBoost:    1.3,
		Threshold:   0.6,
	}
}

// Components breaks a score into its factors and intermediate products for
// observability.
type Components struct {
	Certainty    float64 `json:"certainty"`
	Impact       float64 `json:"impact"`
	AgeDecay     float64 `json:"age_decay"`
	RecencyBoost float64 `json:"recency_boost"`
	// BaseScore is certainty x impact.
	BaseScore float64 `json:"base_score"`
	// DecayedScore is BaseScore x age_decay.
	DecayedScore float64 `json:"decayed_score"`
	// Score is the final composite.
	Score float64 `json:"score"`
}

// impactWeights maps fact types to their base impact.
var impactWeights = map[memory.FactType]float64{
	memory.FactPreference:   0.9,
	memory.FactConstraint:   0.8,
	memory.FactEntity:       0.6,
	memory.FactMention:      0.3,
	memory.FactRelationship: 0.7,
	memory.FactEvent:        0.5,
	memory.FactInstruction:  0.95,
}

// defaultImpact applies to unknown fact types.
const defaultImpact = 0.5

// Certainty inference patterns, checked in order. The first matching band
// wins; content with no marker gets the default.
var (
	highCertaintyMarkers = []string{
		"i prefer", "i always", "i never", "always", "never", "definitely", "must",
	}
	mediumCertaintyMarkers = []string{
		"usually", "often", "typically", "generally", "most of the time",
	}
	lowCertaintyMarkers = []string{
		"might", "maybe", "possibly", "perhaps", "not sure", "i think",
	}
)

const defaultCertainty = 0.7

// Scorer computes CIAR significance scores.
type Scorer struct {
	cfg Config
}

// NewScorer creates a scorer with the given parameters. Zero-valued fields
// fall back to defaults.
func NewScorer(cfg Config) *Scorer {
	def := DefaultConfig()
	if cfg.Lambda == 0 {
		cfg.Lambda = def.Lambda
	}
	if cfg.MaxAgeDays == 0 {
		cfg.MaxAgeDays = def.MaxAgeDays
	}
	if cfg.MinAgeScore == 0 {
		cfg.MinAgeScore = def.MinAgeScore
	}
	if cfg.BoostFactor == 0 {
		cfg.BoostFactor = def.BoostFactor
	}
	if cfg.MaxBoost == 0 {
		cfg.MaxBoost = def.MaxBoost
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = def.Threshold
	}
	return &Scorer{cfg: cfg}
}

// Threshold returns the configured promotion gate.
func (s *Scorer) Threshold() float64 { return s.cfg.Threshold }

// ImpactWeight returns the base impact for a fact type.
func ImpactWeight(ft memory.FactType) float64 {
	if w, ok := impactWeights[ft]; ok {
		return w
	}
	return defaultImpact
}

// Certainty resolves the certainty factor: the fact's explicit value when
// set, otherwise inferred from linguistic markers in the content.
func (s *Scorer) Certainty(f *memory.Fact) float64 {
	if f.Certainty > 0 {
		return clamp01(f.Certainty)
	}
	return InferCertainty(f.Content)
}

// InferCertainty derives certainty from hedging or emphasis in the content.
func InferCertainty(content string) float64 {
	lower := strings.ToLower(content)
	for _, m := range highCertaintyMarkers {
		if strings.Contains(lower, m) {
			return 1.0
		}
	}
	for _, m := range mediumCertaintyMarkers {
		if strings.Contains(lower, m) {
			return 0.8
		}
	}
	for _, m := range lowCertaintyMarkers {
		if strings.Contains(lower, m) {
			return 0.4
		}
	}
	return defaultCertainty
}

// Impact resolves the impact factor: the fact's explicit value when set,
// otherwise the type weight, boosted for heavily-accessed or flagged facts.
func (s *Scorer) Impact(f *memory.Fact) float64 {
	impact := f.Impact
	if impact <= 0 {
		impact = ImpactWeight(f.FactType)
	}
	if f.AccessCount > 10 {
		impact *= 1.1
	}
	if important, ok := f.Metadata["important"].(bool); ok && important {
		impact *= 1.2
	}
	return clamp01(impact)
}

// AgeDecay computes exp(-lambda x age_days) with the age capped and the
// result floored. A zero extraction time yields 1.0.
func (s *Scorer) AgeDecay(f *memory.Fact, now time.Time) float64 {
	if f.ExtractedAt.IsZero() {
		return 1.0
	}
	ageDays := now.Sub(f.ExtractedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	if ageDays > s.cfg.MaxAgeDays {
		ageDays = s.cfg.MaxAgeDays
	}
	decay := math.Exp(-s.cfg.Lambda * ageDays)
	if decay < s.cfg.MinAgeScore {
		decay = s.cfg.MinAgeScore
	}
	return decay
}

// RecencyBoost computes 1 + boost_factor x ln(1 + access_count), capped at
// 1 + max_boost. Zero accesses yield exactly 1.0.
func (s *Scorer) RecencyBoost(accessCount int) float64 {
	if accessCount <= 0 {
		return 1.0
	}
	boost := 1 + s.cfg.BoostFactor*math.Log(1+float64(accessCount))
	if limit := 1 + s.cfg.MaxBoost; boost > limit {
		boost = limit
	}
	return boost
}

// Score computes the composite significance score at the given time.
func (s *Scorer) Score(f *memory.Fact, now time.Time) float64 {
	return s.CalculateComponents(f, now).Score
}

// CalculateComponents computes all four factors and the intermediate
// products.
func (s *Scorer) CalculateComponents(f *memory.Fact, now time.Time) Components {
	c := Components{
		Certainty:    s.Certainty(f),
		Impact:       s.Impact(f),
		AgeDecay:     s.AgeDecay(f, now),
		RecencyBoost: s.RecencyBoost(f.AccessCount),
	}
	c.BaseScore = c.Certainty * c.Impact
	c.DecayedScore = c.BaseScore * c.AgeDecay
	c.Score = c.DecayedScore * c.RecencyBoost
	return c
}

// ExceedsThreshold reports whether the fact's score passes the promotion
// gate at the given time.
func (s *Scorer) ExceedsThreshold(f *memory.Fact, now time.Time) bool {
	return s.Score(f, now) >= s.cfg.Threshold
}

// Apply writes the computed components and composite back onto the fact.
func (s *Scorer) Apply(f *memory.Fact, now time.Time) Components {
	c := s.CalculateComponents(f, now)
	f.Certainty = c.Certainty
	f.Impact = c.Impact
	f.AgeDecay = c.AgeDecay
	f.RecencyBoost = c.RecencyBoost
	f.CIARScore = c.Score
	return c
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
