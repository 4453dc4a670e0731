// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OEELab (https://www.oeelab.io/).
// Copyright 2024-present OEELab, Inc.

package oee

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oeelab/sparkline/pkg/model"
)

var press = model.AssetRef{Site: "plant1", Line: "line3", Machine: "press1"}

func testCalc(emit func(model.NormalizedMetric)) (*Calculator, *clock.Mock) {
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC))
	if emit == nil {
		emit = func(model.NormalizedMetric) {}
	}
	c := New(Config{
		Window:             time.Hour,
		Tick:               time.Minute,
		RolloverBits:       32,
		MinCounterDecrease: 1000,
		IdealCycleTime:     1.0,
	}, clk, zerolog.Nop(), emit)
	return c, clk
}

func metric(sig model.SignalType, v float64, ts time.Time) model.NormalizedMetric {
	return model.NormalizedMetric{Asset: press, Signal: sig, Timestamp: ts, Value: v,
		Quality: model.QualityGood}
}

func TestCounterRolloverAt32Bits(t *testing.T) {
	c, clk := testCalc(nil)
	now := clk.Now()

	c.Ingest(metric(model.SignalCounterTotal, 4294967290, now.Add(-2*time.Second)))
	c.Ingest(metric(model.SignalCounterTotal, 5, now.Add(-time.Second)))

	r := c.compute(press, c.machines[press], now)
	assert.Equal(t, 11.0, r.TotalCount)
}

func TestCounterResetNotRollover(t *testing.T) {
	c, clk := testCalc(nil)
	now := clk.Now()

	c.Ingest(metric(model.SignalCounterTotal, 500, now.Add(-2*time.Second)))
	// A small decrease is a reset; production restarts from the new value.
	c.Ingest(metric(model.SignalCounterTotal, 20, now.Add(-time.Second)))

	r := c.compute(press, c.machines[press], now)
	assert.Equal(t, 20.0, r.TotalCount)
}

func TestWindowEdgeInclusion(t *testing.T) {
	c, clk := testCalc(nil)
	now := clk.Now()

	// Exactly at now-W is inside; 1ns older is outside.
	c.Ingest(metric(model.SignalCounterTotal, 100, now.Add(-time.Hour-time.Nanosecond)))
	c.Ingest(metric(model.SignalCounterTotal, 110, now.Add(-time.Hour)))
	c.Ingest(metric(model.SignalCounterTotal, 150, now.Add(-time.Minute)))

	r := c.compute(press, c.machines[press], now)
	// The pre-window point forms the baseline: only production after the
	// window start counts.
	assert.Equal(t, 50.0, r.TotalCount)
}

func TestRuntimeIntegration(t *testing.T) {
	c, clk := testCalc(nil)
	now := clk.Now()

	// Run for the first half of the window, down for the second.
	c.Ingest(metric(model.SignalStateRun, 1, now.Add(-time.Hour)))
	c.Ingest(metric(model.SignalStateDown, 1, now.Add(-30*time.Minute)))

	r := c.compute(press, c.machines[press], now)
	assert.Equal(t, 30*time.Minute, r.Runtime)
	assert.InDelta(t, 0.5, r.Availability, 1e-9)
}

func TestStateFlagDropFallsToIdle(t *testing.T) {
	c, clk := testCalc(nil)
	now := clk.Now()

	c.Ingest(metric(model.SignalStateRun, 1, now.Add(-time.Hour)))
	c.Ingest(metric(model.SignalStateRun, 0, now.Add(-45*time.Minute)))

	r := c.compute(press, c.machines[press], now)
	assert.Equal(t, 15*time.Minute, r.Runtime)
}

func TestFullOEEComputation(t *testing.T) {
	c, clk := testCalc(nil)
	now := clk.Now()

	// Running the whole window, 1800 parts of which 1710 good, ideal cycle
	// 1.5s: A=1.0, P=1800*1.5/3600=0.75, Q=0.95.
	c.Ingest(metric(model.SignalStateRun, 1, now.Add(-time.Hour)))
	c.Ingest(metric(model.SignalCycleTimeIdeal, 1.5, now.Add(-time.Hour)))
	c.Ingest(metric(model.SignalCounterTotal, 1000, now.Add(-time.Hour)))
	c.Ingest(metric(model.SignalCounterGood, 950, now.Add(-time.Hour)))
	c.Ingest(metric(model.SignalCounterTotal, 2800, now))
	c.Ingest(metric(model.SignalCounterGood, 2660, now))

	r := c.compute(press, c.machines[press], now)
	assert.InDelta(t, 1.0, r.Availability, 1e-9)
	assert.InDelta(t, 0.75, r.Performance, 1e-9)
	assert.InDelta(t, 0.95, r.Quality, 1e-9)
	assert.InDelta(t, 0.7125, r.OEE, 1e-9)
}

func TestPerformanceClamped(t *testing.T) {
	c, clk := testCalc(nil)
	now := clk.Now()

	// Short runtime with many parts would push performance past 1.
	c.Ingest(metric(model.SignalStateRun, 1, now.Add(-time.Minute)))
	c.Ingest(metric(model.SignalCounterTotal, 0, now.Add(-time.Minute)))
	c.Ingest(metric(model.SignalCounterTotal, 10000, now))

	r := c.compute(press, c.machines[press], now)
	assert.Equal(t, 1.0, r.Performance)
}

func TestZeroTotalCountQuality(t *testing.T) {
	c, clk := testCalc(nil)
	now := clk.Now()
	c.Ingest(metric(model.SignalStateRun, 1, now.Add(-time.Hour)))

	r := c.compute(press, c.machines[press], now)
	assert.Equal(t, 0.0, r.Quality)
	assert.Equal(t, 0.0, r.OEE)
}

func TestNoPlannedTimeUncertain(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 4, 2, 0, 0, 0, time.UTC)) // Wednesday 02:00

	iv, err := ParseInterval("", "01:00", "02:00")
	require.NoError(t, err)

	var got []model.NormalizedMetric
	c := New(Config{
		Window:          time.Hour,
		Tick:            time.Minute,
		RolloverBits:    32,
		PlannedDowntime: []Interval{iv},
	}, clk, zerolog.Nop(), func(m model.NormalizedMetric) { got = append(got, m) })

	c.Ingest(metric(model.SignalStateRun, 1, clk.Now().Add(-time.Hour)))
	c.Tick()

	require.Len(t, got, 1)
	assert.Equal(t, model.SignalOEERollup, got[0].Signal)
	assert.Equal(t, model.QualityUncertain, got[0].Quality)
	assert.Equal(t, "no_planned_time", got[0].Reason)
}

func TestPlannedDowntimeReducesPlannedTime(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC))

	iv, err := ParseInterval("Wed", "11:00", "11:30")
	require.NoError(t, err)

	c := New(Config{
		Window:          time.Hour,
		Tick:            time.Minute,
		RolloverBits:    32,
		PlannedDowntime: []Interval{iv},
	}, clk, zerolog.Nop(), func(model.NormalizedMetric) {})

	now := clk.Now()
	c.Ingest(metric(model.SignalStateRun, 1, now.Add(-time.Hour)))

	r := c.compute(press, c.machines[press], now)
	assert.Equal(t, 30*time.Minute, r.PlannedTime)
	// Ran the whole hour against 30 planned minutes; availability clamps.
	assert.Equal(t, 1.0, r.Availability)
}

func TestTickEmitsRollupPerMachine(t *testing.T) {
	var got []model.NormalizedMetric
	c, clk := testCalc(func(m model.NormalizedMetric) { got = append(got, m) })

	other := model.AssetRef{Site: "plant1", Line: "line3", Machine: "oven1"}
	now := clk.Now()
	c.Ingest(metric(model.SignalStateRun, 1, now))
	nm := metric(model.SignalStateRun, 1, now)
	nm.Asset = other
	c.Ingest(nm)

	c.Tick()
	require.Len(t, got, 2)
	for _, m := range got {
		assert.Equal(t, model.SignalOEERollup, m.Signal)
		assert.Contains(t, m.Fields, "availability")
	}
}

func TestParseIntervalRejects(t *testing.T) {
	_, err := ParseInterval("Noday", "01:00", "02:00")
	assert.Error(t, err)
	_, err = ParseInterval("", "02:00", "01:00")
	assert.Error(t, err)
	_, err = ParseInterval("", "1am", "02:00")
	assert.Error(t, err)
}
