// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OEELab (https://www.oeelab.io/).
// Copyright 2024-present OEELab, Inc.

// Package model holds the entities shared across the pipeline: samples read
// from PLCs, tag bindings, normalized metrics, fault records and outbound
// envelopes. Everything here is a plain value; ownership and mutation rules
// live with the components that carry them.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Quality is the OPC-style quality byte attached to every sample.
type Quality byte

// Quality levels. The numeric values follow the OPC quality code convention
// so that they survive a round-trip through Sparkplug properties unchanged.
const (
	QualityBad       Quality = 0
	QualityUncertain Quality = 64
	QualityGood      Quality = 192
)

func (q Quality) String() string {
	switch {
	case q >= QualityGood:
		return "good"
	case q >= QualityUncertain:
		return "uncertain"
	default:
		return "bad"
	}
}

// SignalType is the closed vocabulary of canonical signal names. Tag bindings
// map raw PLC addresses onto these; everything downstream of the normalizer
// only ever sees canonical signals.
type SignalType string

// The canonical signal vocabulary.
const (
	SignalCounterTotal    SignalType = "counter.total"
	SignalCounterGood     SignalType = "counter.good"
	SignalCounterScrap    SignalType = "counter.scrap"
	SignalCycleTimeActual SignalType = "cycle.time_actual"
	SignalCycleTimeIdeal  SignalType = "cycle.time_ideal"
	SignalStateRun        SignalType = "state.run"
	SignalStateIdle       SignalType = "state.idle"
	SignalStateDown       SignalType = "state.down"
	SignalFaultCode       SignalType = "fault.code"
	SignalFaultActive     SignalType = "fault.active"
	SignalRateInstant     SignalType = "rate.instant"
	SignalTemperature     SignalType = "temperature"
	SignalPressure        SignalType = "pressure"
	SignalVibration       SignalType = "vibration"

	// SignalOEERollup is emitted by the OEE calculator on every window tick.
	SignalOEERollup SignalType = "rollup.oee"
	// SignalBackpressure records backpressure level transitions on the edge.
	SignalBackpressure SignalType = "state.backpressure"
)

var signalTypes = map[SignalType]struct{}{
	SignalCounterTotal:    {},
	SignalCounterGood:     {},
	SignalCounterScrap:    {},
	SignalCycleTimeActual: {},
	SignalCycleTimeIdeal:  {},
	SignalStateRun:        {},
	SignalStateIdle:       {},
	SignalStateDown:       {},
	SignalFaultCode:       {},
	SignalFaultActive:     {},
	SignalRateInstant:     {},
	SignalTemperature:     {},
	SignalPressure:        {},
	SignalVibration:       {},
}

// Valid reports whether s belongs to the configurable vocabulary. The two
// synthetic signals (rollup.oee, state.backpressure) are emitted internally
// and are not valid binding targets.
func (s SignalType) Valid() bool {
	_, ok := signalTypes[s]
	return ok
}

// BypassesDeadband reports whether deadband suppression must never apply to
// this signal. State transitions, counters and fault flags carry semantics in
// every change and are always forwarded.
func (s SignalType) BypassesDeadband() bool {
	return strings.HasPrefix(string(s), "state.") ||
		strings.HasPrefix(string(s), "counter.") ||
		strings.HasPrefix(string(s), "fault.")
}

// LowPriority reports whether the signal may be suppressed entirely while the
// edge is in the critical backpressure level.
func (s SignalType) LowPriority() bool {
	switch s {
	case SignalTemperature, SignalPressure, SignalVibration:
		return true
	}
	return false
}

// IsState reports whether the signal is one of the machine state flags.
func (s SignalType) IsState() bool {
	switch s {
	case SignalStateRun, SignalStateIdle, SignalStateDown:
		return true
	}
	return false
}

// AssetRef identifies a machine in the site/line/machine hierarchy.
type AssetRef struct {
	Site    string
	Line    string
	Machine string
}

func (a AssetRef) String() string {
	return a.Site + "/" + a.Line + "/" + a.Machine
}

// IsZero reports whether the reference is empty.
func (a AssetRef) IsZero() bool {
	return a.Site == "" && a.Line == "" && a.Machine == ""
}

// ParseAssetRef parses a "site/line/machine" string.
func ParseAssetRef(s string) (AssetRef, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return AssetRef{}, fmt.Errorf("invalid asset ref %q, want site/line/machine", s)
	}
	return AssetRef{Site: parts[0], Line: parts[1], Machine: parts[2]}, nil
}

// TagBinding maps a raw source address onto a canonical signal for one asset.
// Bindings are created at config load and are immutable at runtime; a config
// reload produces a fresh table which is swapped atomically.
type TagBinding struct {
	SourceAddress string
	Signal        SignalType
	Asset         AssetRef

	// Unit conversion: canonical = raw*UnitScale + UnitOffset.
	Unit       string
	UnitScale  float64
	UnitOffset float64

	// Quality gate, defaults to QualityGood.
	MinQuality Quality

	// Deadband thresholds; zero disables the corresponding check.
	DeadbandAbs float64
	DeadbandPct float64

	// KeepRaw preserves the pre-conversion value in the side-band field of
	// the normalized metric for downstream audit.
	KeepRaw bool
}

// Sample is a single reading delivered by a PLC driver. Values are carried
// as float64 on the fast path; the Sparkplug layer re-types them according to
// the declared metric datatype.
type Sample struct {
	Timestamp     time.Time
	SourceAddress string
	Value         float64
	Quality       Quality
}

// NormalizedMetric is the canonical record flowing from the normalizer to the
// OEE calculator, the fault state machine and the sink.
type NormalizedMetric struct {
	Asset     AssetRef
	Signal    SignalType
	Timestamp time.Time
	Value     float64
	Quality   Quality
	Unit      string

	// Seq is the edge-assigned monotonic sequence carried through for the
	// sink deduplication key.
	Seq uint64

	// Raw preserves the pre-conversion value when the binding requests audit.
	Raw *float64

	// Reason qualifies uncertain emissions, e.g. "no_planned_time".
	Reason string

	// Fields carries rollup sub-values (availability, performance, quality)
	// for synthetic signals; nil for plain metrics.
	Fields map[string]float64
}

// Canonical reports whether re-normalizing the metric would be the identity,
// which is true for everything this type represents. Kept as documentation of
// the idempotence law rather than logic.
func (m NormalizedMetric) Canonical() bool { return true }

// Envelope is one outbound publication held in the store-and-forward buffer.
// Seq is the per-edge-node monotonic counter, persisted across restarts and
// never reused.
type Envelope struct {
	Seq       uint64
	Topic     string
	Payload   []byte
	EnqueueTS time.Time
	Attempts  int
}

// Size is the accounting size of the envelope against the buffer byte bound.
func (e *Envelope) Size() int {
	return len(e.Topic) + len(e.Payload) + 32
}
