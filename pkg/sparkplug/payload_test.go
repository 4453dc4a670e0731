// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OEELab (https://www.oeelab.io/).
// Copyright 2024-present OEELab, Inc.

package sparkplug

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadRoundTrip(t *testing.T) {
	ts := time.UnixMilli(1717000000123).UTC()
	in := Payload{
		Timestamp: ts,
		Seq:       7,
		HasSeq:    true,
		UUID:      "b2f1",
		Metrics: []Metric{
			{Name: "counter/total", HasAlias: true, Alias: 3, Timestamp: ts,
				DataType: TypeUInt32, Value: uint64(4294967290)},
			{Name: "oven/temp", DataType: TypeDouble, Value: 182.5, Timestamp: ts,
				Quality: 192, HasQuality: true},
			{Name: "flaky", DataType: TypeDouble, Value: 1.0,
				Quality: 0, HasQuality: true},
			{Name: "state/run", DataType: TypeBoolean, Value: true},
			{Name: "recipe", DataType: TypeString, Value: "batch-42"},
			{Name: "offset", DataType: TypeInt16, Value: int64(-120)},
			{Name: "cycles", DataType: TypeInt64, Value: int64(-9000000000)},
			{Name: "last_stop", DataType: TypeDateTime, Value: ts},
			{Name: "flow", DataType: TypeFloat, Value: float32(3.25)},
			{Name: "gap", DataType: TypeDouble, IsNull: true},
		},
	}

	out, err := Decode(in.Encode())
	require.NoError(t, err)

	assert.Equal(t, ts, out.Timestamp)
	assert.True(t, out.HasSeq)
	assert.Equal(t, uint64(7), out.Seq)
	assert.Equal(t, "b2f1", out.UUID)
	require.Len(t, out.Metrics, len(in.Metrics))
	for i := range in.Metrics {
		assert.Equal(t, in.Metrics[i], out.Metrics[i], "metric %d", i)
	}
}

func TestMetricFloat(t *testing.T) {
	cases := []struct {
		m    Metric
		want float64
		ok   bool
	}{
		{Metric{DataType: TypeInt32, Value: int64(-5)}, -5, true},
		{Metric{DataType: TypeUInt64, Value: uint64(12)}, 12, true},
		{Metric{DataType: TypeFloat, Value: float32(1.5)}, 1.5, true},
		{Metric{DataType: TypeBoolean, Value: true}, 1, true},
		{Metric{DataType: TypeBoolean, Value: false}, 0, true},
		{Metric{DataType: TypeDouble, IsNull: true}, 0, false},
		{Metric{DataType: TypeString, Value: "x"}, 0, false},
	}
	for _, c := range cases {
		got, ok := c.m.Float()
		assert.Equal(t, c.ok, ok)
		if ok {
			assert.Equal(t, c.want, got)
		}
	}
}

func TestTypedValue(t *testing.T) {
	assert.Equal(t, int64(-3), TypedValue(TypeInt32, -3))
	assert.Equal(t, uint64(3), TypedValue(TypeUInt8, 3))
	assert.Equal(t, float32(2.5), TypedValue(TypeFloat, 2.5))
	assert.Equal(t, 2.5, TypedValue(TypeDouble, 2.5))
	assert.Equal(t, true, TypedValue(TypeBoolean, 1))
	assert.Equal(t, false, TypedValue(TypeBoolean, 0))
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte{0xff, 0xff, 0xff})
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	// Payload field 9 is not part of the modeled schema and must be
	// skipped, not rejected.
	in := Payload{Seq: 1, HasSeq: true}
	raw := in.Encode()
	raw = append(raw, 0x4a, 0x02, 0x08, 0x00) // field 9, 2 bytes
	out, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), out.Seq)
}

func TestTopicRoundTrip(t *testing.T) {
	for _, s := range []string{
		"spBv1.0/plant1/NBIRTH/line3-edge",
		"spBv1.0/plant1/NDATA/line3-edge",
		"spBv1.0/plant1/DDATA/line3-edge/press1",
		"spBv1.0/plant1/DCMD/line3-edge/press1",
	} {
		tp, err := ParseTopic(s)
		require.NoError(t, err)
		assert.Equal(t, s, tp.String())
	}
}

func TestParseTopicRejects(t *testing.T) {
	for _, s := range []string{
		"spBv1.0/plant1/NDATA",                    // too short
		"spAv1.0/plant1/NDATA/edge",               // wrong namespace
		"spBv1.0/plant1/XDATA/edge",               // unknown type
		"spBv1.0/plant1/DDATA/edge",               // device type without device
		"spBv1.0/plant1/NDATA/edge/dev",           // node type with device
		"spBv1.0/plant1/NDATA/edge/dev/extra/bad", // too long
	} {
		_, err := ParseTopic(s)
		assert.Error(t, err, s)
	}
}

func TestNextSeqWraps(t *testing.T) {
	assert.Equal(t, uint64(1), NextSeq(0))
	assert.Equal(t, uint64(0), NextSeq(255))
}
