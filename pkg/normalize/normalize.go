// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OEELab (https://www.oeelab.io/).
// Copyright 2024-present OEELab, Inc.

// Package normalize projects raw samples into the canonical metric domain:
// binding lookup, quality gating, unit conversion, deadband suppression and
// asset stamping, in that order. Every step is idempotent.
package normalize

import (
	"math"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/oeelab/sparkline/pkg/metrics"
	"github.com/oeelab/sparkline/pkg/model"
)

// Drop reasons. These are data-quality outcomes, not errors; they are
// counted and logged at debug level.
const (
	DropNoMapping  = "no_mapping"
	DropLowQuality = "low_quality"
	DropDeadband   = "deadband"
)

// Normalizer is the single-writer normalization stage. The binding table is
// swappable at runtime (config reload); the per-tag deadband state belongs to
// the normalizing goroutine alone.
type Normalizer struct {
	bindings atomic.Pointer[map[string]model.TagBinding]
	log      zerolog.Logger

	lastEmitted map[string]float64
}

// New creates a normalizer over the given binding table.
func New(bindings map[string]model.TagBinding, log zerolog.Logger) *Normalizer {
	n := &Normalizer{
		log:         log.With().Str("component", "normalizer").Logger(),
		lastEmitted: make(map[string]float64),
	}
	n.bindings.Store(&bindings)
	return n
}

// Swap atomically replaces the binding table. Deadband state for addresses
// that survive the swap is retained.
func (n *Normalizer) Swap(bindings map[string]model.TagBinding) {
	n.bindings.Store(&bindings)
	n.log.Info().Int("bindings", len(bindings)).Msg("binding table swapped")
}

// Convert applies the declarative unit conversion of a binding.
func Convert(b model.TagBinding, raw float64) float64 {
	return raw*b.UnitScale + b.UnitOffset
}

// DeadbandExceeded reports whether value moved far enough from last to be
// emitted. factor scales both thresholds; thresholds of zero pass everything.
func DeadbandExceeded(b model.TagBinding, last, value, factor float64) bool {
	if b.DeadbandAbs > 0 && math.Abs(value-last) < b.DeadbandAbs*factor {
		return false
	}
	if b.DeadbandPct > 0 && last != 0 &&
		math.Abs(value-last)/math.Abs(last) < b.DeadbandPct*factor {
		return false
	}
	return true
}

// Normalize runs one sample through the pipeline. The returned reason is one
// of the Drop constants when ok is false. seq is carried into the sink
// deduplication key.
func (n *Normalizer) Normalize(s model.Sample, seq uint64) (model.NormalizedMetric, bool, string) {
	b, ok := (*n.bindings.Load())[s.SourceAddress]
	if !ok {
		n.drop(s, DropNoMapping)
		return model.NormalizedMetric{}, false, DropNoMapping
	}
	if s.Quality < b.MinQuality {
		n.drop(s, DropLowQuality)
		return model.NormalizedMetric{}, false, DropLowQuality
	}

	value := Convert(b, s.Value)

	// State, counter and fault signals carry semantics in every change and
	// always bypass the deadband.
	if !b.Signal.BypassesDeadband() {
		if last, seen := n.lastEmitted[s.SourceAddress]; seen {
			if !DeadbandExceeded(b, last, value, 1) {
				n.drop(s, DropDeadband)
				return model.NormalizedMetric{}, false, DropDeadband
			}
		}
	}
	n.lastEmitted[s.SourceAddress] = value

	m := model.NormalizedMetric{
		Asset:     b.Asset,
		Signal:    b.Signal,
		Timestamp: s.Timestamp,
		Value:     value,
		Quality:   s.Quality,
		Unit:      b.Unit,
		Seq:       seq,
	}
	if b.KeepRaw {
		raw := s.Value
		m.Raw = &raw
	}
	metrics.MetricsNormalized.Add(1)
	metrics.TlmMetricsNormalized.Inc()
	return m, true, ""
}

func (n *Normalizer) drop(s model.Sample, reason string) {
	metrics.MetricsDropped.Add(1)
	metrics.TlmNormalizerDropped.Inc(reason)
	n.log.Debug().Str("source", s.SourceAddress).Str("reason", reason).
		Float64("value", s.Value).Msg("sample dropped")
}
