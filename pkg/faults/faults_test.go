// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OEELab (https://www.oeelab.io/).
// Copyright 2024-present OEELab, Inc.

package faults

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oeelab/sparkline/pkg/model"
)

var press = model.AssetRef{Site: "plant1", Line: "line3", Machine: "press1"}

func testManager(emit func(model.FaultRecord)) *Manager {
	return New(Config{
		DedupWindow: 5 * time.Minute,
		MergeWindow: time.Minute,
		SeverityMap: map[string]model.Severity{"18": model.SeverityHigh},
		Related:     map[[2]string]struct{}{{"18", "17"}: {}, {"17", "18"}: {}},
	}, zerolog.Nop(), emit)
}

func at(s int) time.Time {
	return time.Date(2026, 3, 4, 12, 0, s, 0, time.UTC)
}

func faultCode(v float64, ts time.Time) model.NormalizedMetric {
	return model.NormalizedMetric{Asset: press, Signal: model.SignalFaultCode,
		Timestamp: ts, Value: v, Quality: model.QualityGood}
}

func TestActivateOpensOneRecord(t *testing.T) {
	var events []model.FaultRecord
	m := testManager(func(r model.FaultRecord) { events = append(events, r) })

	m.Ingest(faultCode(18, at(0)))
	m.Ingest(faultCode(18, at(1))) // level-triggered repeat

	require.Len(t, events, 1)
	assert.Equal(t, model.FaultActive, events[0].State)
	assert.Equal(t, "18", events[0].Code)
	assert.Equal(t, model.SeverityHigh, events[0].Severity)
	assert.NotEmpty(t, events[0].FaultID)
	assert.Len(t, m.OpenFaults(), 1)
}

func TestUnmappedCodeGetsMediumSeverity(t *testing.T) {
	var events []model.FaultRecord
	m := testManager(func(r model.FaultRecord) { events = append(events, r) })

	m.Activate(press, "99", at(0))
	require.Len(t, events, 1)
	assert.Equal(t, model.SeverityMedium, events[0].Severity)
}

func TestRelatedFaultMergesWithinWindow(t *testing.T) {
	var events []model.FaultRecord
	m := testManager(func(r model.FaultRecord) { events = append(events, r) })

	m.Activate(press, "18", at(0))
	m.Activate(press, "17", at(30))

	require.Len(t, events, 2)
	assert.Equal(t, model.FaultMerged, events[1].State)
	assert.Equal(t, events[0].FaultID, events[1].MergedInto)
	// The merged activation never becomes an open record of its own.
	assert.Len(t, m.OpenFaults(), 1)
}

func TestMergedFaultClosesWithSurvivor(t *testing.T) {
	var events []model.FaultRecord
	m := testManager(func(r model.FaultRecord) { events = append(events, r) })

	m.Activate(press, "18", at(0))
	m.Activate(press, "17", at(30))
	m.Resolve("18", at(600))

	require.Len(t, events, 4)
	survivor, child := events[2], events[3]
	assert.Equal(t, model.FaultResolved, survivor.State)
	assert.Equal(t, model.FaultMerged, child.State)
	require.NotNil(t, survivor.ClosedAt)
	require.NotNil(t, child.ClosedAt)
	assert.Equal(t, *survivor.ClosedAt, *child.ClosedAt)
	assert.Empty(t, m.OpenFaults())
}

func TestRelatedFaultOutsideMergeWindowOpens(t *testing.T) {
	m := testManager(nil)

	m.Activate(press, "18", at(0))
	m.Activate(press, "17", at(90))

	assert.Len(t, m.OpenFaults(), 2)
}

func TestUnrelatedFaultNeverMerges(t *testing.T) {
	m := testManager(nil)

	m.Activate(press, "18", at(0))
	m.Activate(press, "42", at(10))

	assert.Len(t, m.OpenFaults(), 2)
}

func TestDedupAfterResolution(t *testing.T) {
	var events []model.FaultRecord
	m := testManager(func(r model.FaultRecord) { events = append(events, r) })

	m.Activate(press, "18", at(0))
	m.Resolve("18", at(10))
	require.Len(t, events, 2)
	assert.Equal(t, model.FaultResolved, events[1].State)
	require.NotNil(t, events[1].ClosedAt)

	// Chattering re-activation inside the dedup window is ignored.
	m.Activate(press, "18", at(60))
	assert.Len(t, events, 2)
	assert.Empty(t, m.OpenFaults())

	// Past the window a fresh record opens.
	m.Activate(press, "18", at(10+5*60))
	require.Len(t, events, 3)
	assert.Equal(t, model.FaultActive, events[2].State)
	assert.NotEqual(t, events[0].FaultID, events[2].FaultID)
}

func TestAcknowledgeTransition(t *testing.T) {
	var events []model.FaultRecord
	m := testManager(func(r model.FaultRecord) { events = append(events, r) })

	m.Activate(press, "18", at(0))
	m.Acknowledge("18", at(5))
	m.Acknowledge("18", at(6)) // idempotent

	require.Len(t, events, 2)
	assert.Equal(t, model.FaultAcknowledged, events[1].State)
	require.Len(t, m.OpenFaults(), 1)
	assert.True(t, m.OpenFaults()[0].Open())

	m.Resolve("18", at(10))
	assert.Empty(t, m.OpenFaults())
}

func TestFaultActiveFlagReactivatesLastCode(t *testing.T) {
	m := testManager(nil)

	m.Ingest(faultCode(18, at(0)))
	m.Ingest(faultCode(0, at(10+6*60))) // clear, past dedup horizon later
	assert.Empty(t, m.OpenFaults())

	nm := model.NormalizedMetric{Asset: press, Signal: model.SignalFaultActive,
		Timestamp: at(10 + 12*60), Value: 1, Quality: model.QualityGood}
	m.Ingest(nm)
	require.Len(t, m.OpenFaults(), 1)
	assert.Equal(t, "18", m.OpenFaults()[0].Code)
}

func TestClearResolvesOnlyThatAsset(t *testing.T) {
	m := testManager(nil)
	other := model.AssetRef{Site: "plant1", Line: "line3", Machine: "oven1"}

	m.Activate(press, "18", at(0))
	m.Activate(other, "42", at(1))

	m.Ingest(faultCode(0, at(5)))
	faults := m.OpenFaults()
	require.Len(t, faults, 1)
	assert.Equal(t, other, faults[0].Asset)
}

func TestNonFaultSignalsIgnored(t *testing.T) {
	m := testManager(nil)
	m.Ingest(model.NormalizedMetric{Asset: press, Signal: model.SignalTemperature,
		Timestamp: at(0), Value: 99, Quality: model.QualityGood})
	assert.Empty(t, m.OpenFaults())
}
