// Package scoring turns logged sets into hypertrophy scores. Everything here
// is pure: no I/O and no clock.
package scoring

import (
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/hypertrophy-rankings/internal/config"
	"github.com/hypertrophy-rankings/internal/domain"
)

// CategoryMetadata holds the per-category coefficients.
type CategoryMetadata struct {
	DurationSensitivity float64
	ActivationStrength  float64
	VolumeSensitivity   float64
}

// Multiplier is the product of the three coefficients, each defaulting to 1.
func (m CategoryMetadata) Multiplier() float64 {
	return orOne(m.DurationSensitivity) * orOne(m.ActivationStrength) * orOne(m.VolumeSensitivity)
}

func orOne(v float64) float64 {
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 1
	}
	return v
}

// Scorer computes entry and record scores.
type Scorer struct {
	cfg      config.ScoringConfig
	metadata map[domain.Category]CategoryMetadata
	logger   *slog.Logger
}

// NewScorer creates a scorer. Category names in cfg that do not resolve are
// logged and ignored.
func NewScorer(cfg config.ScoringConfig, logger *slog.Logger) *Scorer {
	metadata := make(map[domain.Category]CategoryMetadata, len(cfg.Categories))
	for name, coeff := range cfg.Categories {
		cat, err := domain.ParseCategory(name)
		if err != nil || !cat.IsMuscle() {
			logger.Warn("ignoring scoring coefficients for unknown category", "category", name)
			continue
		}
		metadata[cat] = CategoryMetadata{
			DurationSensitivity: coeff.DurationSensitivity,
			ActivationStrength:  coeff.ActivationStrength,
			VolumeSensitivity:   coeff.VolumeSensitivity,
		}
	}
	return &Scorer{cfg: cfg, metadata: metadata, logger: logger}
}

// Metadata returns the coefficients configured for c.
func (s *Scorer) Metadata(c domain.Category) CategoryMetadata {
	return s.metadata[c]
}

// ScoreSet scores a single set. Non-positive quantity or intensity scores 0.
func (s *Scorer) ScoreSet(set domain.Set, meta CategoryMetadata) float64 {
	if !positive(set.Quantity) || !positive(set.Intensity) {
		return 0
	}
	score := set.Quantity * set.Intensity *
		s.rangeMultiplier(set.Quantity) *
		s.tempoMultiplier(set.Tempo) *
		s.effortMultiplier(set.Effort) *
		meta.Multiplier()
	if score < 0 || math.IsNaN(score) || math.IsInf(score, 0) {
		return 0
	}
	return score
}

// ScoreEntry sums the sets of an entry.
func (s *Scorer) ScoreEntry(entry domain.Entry, meta CategoryMetadata) float64 {
	total := 0.0
	for _, set := range entry.Sets {
		total += s.ScoreSet(set, meta)
	}
	return total
}

// ScoreRecord attributes each entry to its primary category at full weight
// and to each secondary category at the configured partial weight.
func (s *Scorer) ScoreRecord(record domain.ActivityRecord) domain.CategoryScore {
	var out domain.CategoryScore
	for i, entry := range record.Entries {
		primary := entry.Weights.Primary
		if !primary.IsMuscle() {
			s.logger.Warn("skipping entry with unknown primary category",
				"record_id", record.ID,
				"entry", i,
				"exercise", entry.Exercise,
				"category", primary.String(),
			)
			continue
		}

		score := s.ScoreEntry(entry, s.metadata[primary])
		if score == 0 {
			s.logger.Debug("entry scored zero", "record_id", record.ID, "entry", i)
			continue
		}
		out.ByCategory[primary] += score

		seen := domain.NewCategorySet(primary)
		for _, sec := range entry.Weights.Secondary {
			if !sec.IsMuscle() {
				s.logger.Warn("skipping unknown secondary category",
					"record_id", record.ID,
					"entry", i,
					"category", sec.String(),
				)
				continue
			}
			if seen.Has(sec) {
				continue
			}
			seen = seen.With(sec)
			out.ByCategory[sec] += score * s.cfg.SecondaryWeight
		}
	}

	for _, c := range domain.MuscleCategories() {
		out.Total += out.ByCategory[c]
	}
	out.ByCategory[domain.CategoryOverall] = out.Total
	return out
}

func (s *Scorer) rangeMultiplier(quantity float64) float64 {
	c := s.cfg
	switch {
	case quantity >= c.OptimalMin && quantity <= c.OptimalMax:
		return c.OptimalMult
	case quantity >= c.AcceptableMin && quantity <= c.AcceptableMax:
		return c.AcceptableMult
	case quantity < c.AcceptableMin:
		return c.BelowMult
	case quantity > c.HighCeiling:
		return c.AboveMult
	}
	return 1
}

func (s *Scorer) tempoMultiplier(tempo string) float64 {
	total, ok := TempoUnits(tempo)
	if !ok {
		return 1
	}
	switch {
	case total >= s.cfg.TempoLong:
		return s.cfg.TempoLongMult
	case total >= s.cfg.TempoModerate:
		return s.cfg.TempoModerateMult
	}
	return 1
}

func (s *Scorer) effortMultiplier(effort float64) float64 {
	switch {
	case effort >= s.cfg.EffortMax:
		return s.cfg.EffortMaxMult
	case effort >= s.cfg.EffortHigh:
		return s.cfg.EffortHighMult
	}
	return 1
}

// TempoUnits sums the components of a descriptor like "3-1-2-0". An "X"
// component (explosive) counts as zero. It reports false for an empty or
// unparseable descriptor.
func TempoUnits(tempo string) (float64, bool) {
	tempo = strings.TrimSpace(tempo)
	if tempo == "" {
		return 0, false
	}
	total := 0.0
	for _, part := range strings.FieldsFunc(tempo, func(r rune) bool { return r == '-' || r == ':' || r == '/' }) {
		part = strings.TrimSpace(part)
		if strings.EqualFold(part, "x") {
			continue
		}
		v, err := strconv.ParseFloat(part, 64)
		if err != nil || v < 0 {
			return 0, false
		}
		total += v
	}
	return total, true
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0)
}
