// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OEELab (https://www.oeelab.io/).
// Copyright 2024-present OEELab, Inc.

// Package metrics exposes the pipeline counters. Every counter exists twice:
// as an expvar for the debug endpoint and as a telemetry metric for scraping.
package metrics

import (
	"expvar"

	"github.com/oeelab/sparkline/pkg/telemetry"
)

var (
	// PipelineExpvars is the top-level expvar map for the process.
	PipelineExpvars = expvar.NewMap("sparkline")

	// SamplesRead counts samples delivered by PLC drivers, including
	// BAD-quality error samples.
	SamplesRead    = expvar.Int{}
	TlmSamplesRead = telemetry.NewCounter("plc", "samples_read",
		[]string{"endpoint"}, "Total samples delivered by PLC drivers")

	// EnvelopesEnqueued counts envelopes accepted by the edge buffer.
	EnvelopesEnqueued    = expvar.Int{}
	TlmEnvelopesEnqueued = telemetry.NewCounter("buffer", "envelopes_enqueued",
		nil, "Envelopes accepted by the store-and-forward buffer")

	// EnvelopesAcked counts envelopes removed after broker ack.
	EnvelopesAcked    = expvar.Int{}
	TlmEnvelopesAcked = telemetry.NewCounter("buffer", "envelopes_acked",
		nil, "Envelopes acknowledged by the broker and removed")

	// BufferEnvelopesDropped counts envelopes lost to the overflow policy.
	BufferEnvelopesDropped = expvar.Int{}
	TlmBufferDropped       = telemetry.NewCounter("buffer", "envelopes_dropped",
		[]string{"cause"}, "Envelopes dropped by the buffer")
	// TlmBufferFill is the current buffer fill ratio in [0,1].
	TlmBufferFill = telemetry.NewGauge("buffer", "fill_ratio",
		nil, "Store-and-forward buffer fill ratio")

	// FramesDecoded counts Sparkplug frames accepted by the decoder.
	FramesDecoded    = expvar.Int{}
	TlmFramesDecoded = telemetry.NewCounter("decode", "frames_decoded",
		[]string{"type"}, "Sparkplug frames accepted by the decoder")

	// SequenceGaps counts seq continuity violations forcing a rebirth.
	SequenceGaps    = expvar.Int{}
	TlmSequenceGaps = telemetry.NewCounter("decode", "sequence_gaps",
		[]string{"node"}, "Sparkplug sequence continuity violations")

	// RebirthRequests counts NCMD rebirth requests published by the decoder.
	RebirthRequests    = expvar.Int{}
	TlmRebirthRequests = telemetry.NewCounter("decode", "rebirth_requests",
		[]string{"node"}, "Rebirth requests published")

	// MetricsNormalized counts metrics emitted by the normalizer.
	MetricsNormalized    = expvar.Int{}
	TlmMetricsNormalized = telemetry.NewCounter("normalize", "metrics_emitted",
		nil, "Normalized metrics emitted downstream")

	// MetricsDropped counts normalizer drops by reason.
	MetricsDropped       = expvar.Int{}
	TlmNormalizerDropped = telemetry.NewCounter("normalize", "metrics_dropped",
		[]string{"reason"}, "Samples dropped by the normalizer")

	// SinkBatchesWritten counts successful sink batch writes.
	SinkBatchesWritten    = expvar.Int{}
	TlmSinkBatchesWritten = telemetry.NewCounter("sink", "batches_written",
		[]string{"destination"}, "Batches written to the sink")

	// SinkWriteErrors counts failed sink write attempts.
	SinkWriteErrors    = expvar.Int{}
	TlmSinkWriteErrors = telemetry.NewCounter("sink", "write_errors",
		[]string{"destination"}, "Failed sink write attempts")

	// SinkRetryDropped counts batches dropped from the bounded retry queue.
	SinkRetryDropped    = expvar.Int{}
	TlmSinkRetryDropped = telemetry.NewCounter("sink", "retry_dropped",
		nil, "Batches dropped from the retry queue")

	// TlmSinkLatency observes sink write latency in seconds.
	TlmSinkLatency = telemetry.NewHistogram("sink", "write_latency_seconds",
		[]string{"destination"}, "Sink write latency",
		[]float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10})

	// FaultsOpened counts fault records created.
	FaultsOpened    = expvar.Int{}
	TlmFaultsOpened = telemetry.NewCounter("faults", "opened",
		[]string{"severity"}, "Fault records opened")

	// FaultsDeduped counts activations ignored inside the dedup window.
	FaultsDeduped    = expvar.Int{}
	TlmFaultsDeduped = telemetry.NewCounter("faults", "deduped",
		nil, "Fault activations ignored by dedup")

	// FaultsMerged counts records merged into an older related fault.
	FaultsMerged    = expvar.Int{}
	TlmFaultsMerged = telemetry.NewCounter("faults", "merged",
		nil, "Fault records merged")

	// BackpressureLevel is the current backpressure level (0/1/2).
	BackpressureLevel          = expvar.Int{}
	TlmBackpressureTransitions = telemetry.NewCounter("backpressure", "transitions",
		[]string{"level"}, "Backpressure level transitions")

	// EndpointConnected reports per-endpoint connectivity (1 connected).
	EndpointConnected = expvar.Map{}
)

func init() {
	PipelineExpvars.Set("SamplesRead", &SamplesRead)
	PipelineExpvars.Set("EnvelopesEnqueued", &EnvelopesEnqueued)
	PipelineExpvars.Set("EnvelopesAcked", &EnvelopesAcked)
	PipelineExpvars.Set("BufferEnvelopesDropped", &BufferEnvelopesDropped)
	PipelineExpvars.Set("FramesDecoded", &FramesDecoded)
	PipelineExpvars.Set("SequenceGaps", &SequenceGaps)
	PipelineExpvars.Set("RebirthRequests", &RebirthRequests)
	PipelineExpvars.Set("MetricsNormalized", &MetricsNormalized)
	PipelineExpvars.Set("MetricsDropped", &MetricsDropped)
	PipelineExpvars.Set("SinkBatchesWritten", &SinkBatchesWritten)
	PipelineExpvars.Set("SinkWriteErrors", &SinkWriteErrors)
	PipelineExpvars.Set("SinkRetryDropped", &SinkRetryDropped)
	PipelineExpvars.Set("FaultsOpened", &FaultsOpened)
	PipelineExpvars.Set("FaultsDeduped", &FaultsDeduped)
	PipelineExpvars.Set("FaultsMerged", &FaultsMerged)
	PipelineExpvars.Set("BackpressureLevel", &BackpressureLevel)
	PipelineExpvars.Set("EndpointConnected", &EndpointConnected)
}
