// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OEELab (https://www.oeelab.io/).
// Copyright 2024-present OEELab, Inc.

package normalize

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oeelab/sparkline/pkg/model"
)

var asset = model.AssetRef{Site: "plant1", Line: "line3", Machine: "press1"}

func testBindings() map[string]model.TagBinding {
	return map[string]model.TagBinding{
		"temp": {
			SourceAddress: "temp",
			Signal:        model.SignalTemperature,
			Asset:         asset,
			Unit:          "C",
			UnitScale:     0.5556,
			UnitOffset:    -17.78,
			MinQuality:    model.QualityGood,
			DeadbandAbs:   0.5,
		},
		"good": {
			SourceAddress: "good",
			Signal:        model.SignalCounterGood,
			Asset:         asset,
			UnitScale:     1,
			MinQuality:    model.QualityGood,
			DeadbandAbs:   100, // counters must ignore this
		},
		"rate": {
			SourceAddress: "rate",
			Signal:        model.SignalRateInstant,
			Asset:         asset,
			UnitScale:     1,
			MinQuality:    model.QualityUncertain,
			DeadbandPct:   0.10,
			KeepRaw:       true,
		},
	}
}

func sample(addr string, v float64, q model.Quality) model.Sample {
	return model.Sample{
		Timestamp:     time.UnixMilli(1000).UTC(),
		SourceAddress: addr,
		Value:         v,
		Quality:       q,
	}
}

func TestLookupAndStamp(t *testing.T) {
	n := New(testBindings(), zerolog.Nop())

	m, ok, _ := n.Normalize(sample("good", 100, model.QualityGood), 7)
	require.True(t, ok)
	assert.Equal(t, asset, m.Asset)
	assert.Equal(t, model.SignalCounterGood, m.Signal)
	assert.Equal(t, 100.0, m.Value)
	assert.Equal(t, uint64(7), m.Seq)

	_, ok, reason := n.Normalize(sample("unknown", 1, model.QualityGood), 8)
	assert.False(t, ok)
	assert.Equal(t, DropNoMapping, reason)
}

func TestQualityGate(t *testing.T) {
	n := New(testBindings(), zerolog.Nop())

	_, ok, reason := n.Normalize(sample("good", 100, model.QualityUncertain), 1)
	assert.False(t, ok)
	assert.Equal(t, DropLowQuality, reason)

	// The rate binding lowers its own gate to UNCERTAIN.
	_, ok, _ = n.Normalize(sample("rate", 5, model.QualityUncertain), 2)
	assert.True(t, ok)
}

func TestUnitConversionFahrenheitToCelsius(t *testing.T) {
	n := New(testBindings(), zerolog.Nop())

	m, ok, _ := n.Normalize(sample("temp", 212, model.QualityGood), 1)
	require.True(t, ok)
	assert.InDelta(t, 100.0, m.Value, 0.1)
	assert.Equal(t, "C", m.Unit)
}

func TestIdentityConversion(t *testing.T) {
	b := model.TagBinding{UnitScale: 1, UnitOffset: 0}
	assert.Equal(t, 42.5, Convert(b, 42.5))
}

func TestDeadbandSuppression(t *testing.T) {
	n := New(testBindings(), zerolog.Nop())

	_, ok, _ := n.Normalize(sample("temp", 100, model.QualityGood), 1)
	require.True(t, ok)

	// Canonical delta below 0.5 C is suppressed.
	_, ok, reason := n.Normalize(sample("temp", 100.1, model.QualityGood), 2)
	assert.False(t, ok)
	assert.Equal(t, DropDeadband, reason)

	// A real move passes and advances the reference.
	m, ok, _ := n.Normalize(sample("temp", 102, model.QualityGood), 3)
	require.True(t, ok)
	assert.Greater(t, m.Value, 38.0)
}

func TestPercentDeadband(t *testing.T) {
	n := New(testBindings(), zerolog.Nop())

	_, ok, _ := n.Normalize(sample("rate", 100, model.QualityGood), 1)
	require.True(t, ok)

	_, ok, _ = n.Normalize(sample("rate", 105, model.QualityGood), 2)
	assert.False(t, ok)

	_, ok, _ = n.Normalize(sample("rate", 115, model.QualityGood), 3)
	assert.True(t, ok)
}

func TestCountersBypassDeadband(t *testing.T) {
	n := New(testBindings(), zerolog.Nop())

	_, ok, _ := n.Normalize(sample("good", 100, model.QualityGood), 1)
	require.True(t, ok)
	// Delta 1 is far below the configured 100, but counters always pass.
	_, ok, _ = n.Normalize(sample("good", 101, model.QualityGood), 2)
	assert.True(t, ok)
}

func TestZeroThresholdsPassEverything(t *testing.T) {
	b := model.TagBinding{}
	assert.True(t, DeadbandExceeded(b, 1, 1, 1))
	assert.True(t, DeadbandExceeded(b, 1, 1.0000001, 1))
}

func TestKeepRawSideBand(t *testing.T) {
	n := New(testBindings(), zerolog.Nop())
	m, ok, _ := n.Normalize(sample("rate", 50, model.QualityGood), 1)
	require.True(t, ok)
	require.NotNil(t, m.Raw)
	assert.Equal(t, 50.0, *m.Raw)
}

func TestSwapRetainsDeadbandState(t *testing.T) {
	n := New(testBindings(), zerolog.Nop())
	_, ok, _ := n.Normalize(sample("temp", 100, model.QualityGood), 1)
	require.True(t, ok)

	n.Swap(testBindings())
	_, ok, reason := n.Normalize(sample("temp", 100.1, model.QualityGood), 2)
	assert.False(t, ok)
	assert.Equal(t, DropDeadband, reason)
}
