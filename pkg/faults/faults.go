// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OEELab (https://www.oeelab.io/).
// Copyright 2024-present OEELab, Inc.

// Package faults turns fault signals into lifecycle-tracked fault records.
// At most one open record exists per (asset, code); re-activations inside the
// dedup window are ignored and activations related to a recent fault are
// merged into it.
package faults

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/oeelab/sparkline/pkg/metrics"
	"github.com/oeelab/sparkline/pkg/model"
)

// Config parameterizes the state machine.
type Config struct {
	// DedupWindow suppresses re-activation of a code for this long after the
	// previous record on the same (asset, code) closed.
	DedupWindow time.Duration
	// MergeWindow merges an activation into an open related fault no older
	// than this.
	MergeWindow time.Duration
	// SeverityMap assigns severities by code; unmapped codes get MEDIUM.
	SeverityMap map[string]model.Severity
	// Related holds symmetric code pairs eligible for merging.
	Related map[[2]string]struct{}
}

type faultKey struct {
	asset model.AssetRef
	code  string
}

// Manager is the single-writer fault stage. All methods are called from the
// processor's pipeline goroutine; time comes from the metric timestamps, not
// the wall clock.
type Manager struct {
	cfg  Config
	log  zerolog.Logger
	emit func(model.FaultRecord)

	open       map[faultKey]*model.FaultRecord
	lastClosed map[faultKey]time.Time
	// merged holds records absorbed by an open fault; they close together
	// with it, sharing its closed_at.
	merged map[faultKey][]*model.FaultRecord
	// lastCode remembers the most recent fault code per asset so a bare
	// fault.active flag can re-activate it.
	lastCode map[model.AssetRef]string
}

// New creates a manager delivering every record state change through emit.
func New(cfg Config, log zerolog.Logger, emit func(model.FaultRecord)) *Manager {
	if emit == nil {
		emit = func(model.FaultRecord) {}
	}
	return &Manager{
		cfg:        cfg,
		log:        log.With().Str("component", "faults").Logger(),
		emit:       emit,
		open:       make(map[faultKey]*model.FaultRecord),
		lastClosed: make(map[faultKey]time.Time),
		merged:     make(map[faultKey][]*model.FaultRecord),
		lastCode:   make(map[model.AssetRef]string),
	}
}

func (m *Manager) severity(code string) model.Severity {
	if s, ok := m.cfg.SeverityMap[code]; ok {
		return s
	}
	return model.SeverityMedium
}

func (m *Manager) related(a, b string) bool {
	_, ok := m.cfg.Related[[2]string{a, b}]
	return ok
}

// Ingest routes one normalized metric. Only the fault signals are inspected;
// everything else is ignored.
func (m *Manager) Ingest(nm model.NormalizedMetric) {
	switch nm.Signal {
	case model.SignalFaultCode:
		if nm.Value == 0 {
			m.clearAsset(nm.Asset, nm.Timestamp)
			return
		}
		code := strconv.FormatInt(int64(nm.Value), 10)
		m.lastCode[nm.Asset] = code
		m.Activate(nm.Asset, code, nm.Timestamp)
	case model.SignalFaultActive:
		if nm.Value == 0 {
			m.clearAsset(nm.Asset, nm.Timestamp)
			return
		}
		if code, ok := m.lastCode[nm.Asset]; ok {
			m.Activate(nm.Asset, code, nm.Timestamp)
		}
	}
}

// Activate opens a fault on (asset, code), subject to dedup and merge.
func (m *Manager) Activate(asset model.AssetRef, code string, ts time.Time) {
	key := faultKey{asset: asset, code: code}
	if _, ok := m.open[key]; ok {
		// Already open; activation is level-triggered and repeats are normal.
		return
	}
	if closed, ok := m.lastClosed[key]; ok && ts.Sub(closed) < m.cfg.DedupWindow {
		metrics.FaultsDeduped.Add(1)
		metrics.TlmFaultsDeduped.Inc()
		m.log.Debug().Str("asset", asset.String()).Str("code", code).
			Msg("fault activation deduped")
		return
	}
	if survivingKey, surviving := m.mergeTarget(asset, code, ts); surviving != nil {
		rec := &model.FaultRecord{
			FaultID:    uuid.NewString(),
			Asset:      asset,
			Code:       code,
			Severity:   m.severity(code),
			State:      model.FaultMerged,
			OpenedAt:   ts,
			MergedInto: surviving.FaultID,
		}
		m.merged[survivingKey] = append(m.merged[survivingKey], rec)
		metrics.FaultsMerged.Add(1)
		metrics.TlmFaultsMerged.Inc()
		m.log.Info().Str("asset", asset.String()).Str("code", code).
			Str("into", surviving.Code).Msg("fault merged")
		m.emit(*rec)
		return
	}

	rec := &model.FaultRecord{
		FaultID:  uuid.NewString(),
		Asset:    asset,
		Code:     code,
		Severity: m.severity(code),
		State:    model.FaultActive,
		OpenedAt: ts,
	}
	m.open[key] = rec
	metrics.FaultsOpened.Add(1)
	metrics.TlmFaultsOpened.Inc(string(rec.Severity))
	m.log.Info().Str("asset", asset.String()).Str("code", code).
		Str("severity", string(rec.Severity)).Msg("fault opened")
	m.emit(*rec)
}

// mergeTarget finds an open related fault on the asset young enough to absorb
// the activation.
func (m *Manager) mergeTarget(asset model.AssetRef, code string, ts time.Time) (faultKey, *model.FaultRecord) {
	for key, rec := range m.open {
		if key.asset != asset || !m.related(code, rec.Code) {
			continue
		}
		if ts.Sub(rec.OpenedAt) <= m.cfg.MergeWindow {
			return key, rec
		}
	}
	return faultKey{}, nil
}

// Acknowledge moves every open ACTIVE record with the code to ACKNOWLEDGED.
func (m *Manager) Acknowledge(code string, ts time.Time) {
	for _, rec := range m.open {
		if rec.Code != code || rec.State != model.FaultActive {
			continue
		}
		rec.State = model.FaultAcknowledged
		m.log.Info().Str("asset", rec.Asset.String()).Str("code", code).
			Msg("fault acknowledged")
		m.emit(*rec)
	}
}

// Resolve closes every open record with the code.
func (m *Manager) Resolve(code string, ts time.Time) {
	for key, rec := range m.open {
		if rec.Code != code {
			continue
		}
		m.close(key, rec, ts)
	}
}

func (m *Manager) clearAsset(asset model.AssetRef, ts time.Time) {
	for key, rec := range m.open {
		if key.asset != asset {
			continue
		}
		m.close(key, rec, ts)
	}
}

func (m *Manager) close(key faultKey, rec *model.FaultRecord, ts time.Time) {
	closed := ts
	rec.State = model.FaultResolved
	rec.ClosedAt = &closed
	delete(m.open, key)
	m.lastClosed[key] = ts
	m.log.Info().Str("asset", rec.Asset.String()).Str("code", rec.Code).
		Dur("duration", ts.Sub(rec.OpenedAt)).Msg("fault resolved")
	m.emit(*rec)

	// Merged records share the surviving fault's closed_at.
	for _, child := range m.merged[key] {
		child.ClosedAt = &closed
		m.lastClosed[faultKey{asset: child.Asset, code: child.Code}] = ts
		m.emit(*child)
	}
	delete(m.merged, key)
}

// OpenFaults returns copies of the currently open records, for the debug
// endpoint.
func (m *Manager) OpenFaults() []model.FaultRecord {
	out := make([]model.FaultRecord, 0, len(m.open))
	for _, rec := range m.open {
		out = append(out, *rec)
	}
	return out
}
