// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OEELab (https://www.oeelab.io/).
// Copyright 2024-present OEELab, Inc.

// Package sink batches normalized metrics and writes them to a destination.
// A batch is flushed when it reaches the size bound or when the flush timer
// fires, whichever comes first. Failed batches go to a bounded retry queue
// that drops its oldest entry on overflow.
package sink

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/oeelab/sparkline/pkg/metrics"
	"github.com/oeelab/sparkline/pkg/model"
)

// Destination persists one batch. Implementations must be safe to call
// repeatedly with the same batch; the dedup key (asset, signal, timestamp,
// seq) makes redelivery idempotent downstream.
type Destination interface {
	Name() string
	WriteBatch(ctx context.Context, batch []model.NormalizedMetric) error
}

// Config parameterizes the writer.
type Config struct {
	BatchSize      int
	FlushInterval  time.Duration
	RetryQueueSize int
	WriteTimeout   time.Duration
	// WriteRetries is the number of immediate in-call retries before a batch
	// is handed to the retry queue.
	WriteRetries uint64
}

// Writer is the single-writer sink stage.
type Writer struct {
	cfg  Config
	dest Destination
	clk  clock.Clock
	log  zerolog.Logger

	pending []model.NormalizedMetric
	retry   [][]model.NormalizedMetric
}

// NewWriter creates a writer over dest.
func NewWriter(cfg Config, dest Destination, clk clock.Clock, log zerolog.Logger) *Writer {
	return &Writer{
		cfg:  cfg,
		dest: dest,
		clk:  clk,
		log:  log.With().Str("component", "sink").Str("destination", dest.Name()).Logger(),
	}
}

// Run consumes metrics until ctx ends or in closes, then drains what it can
// within the remaining deadline of ctx.
func (w *Writer) Run(ctx context.Context, in <-chan model.NormalizedMetric) {
	ticker := w.clk.Ticker(w.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case nm, ok := <-in:
			if !ok {
				w.Drain(ctx)
				return
			}
			w.Add(ctx, nm)
		case <-ticker.C:
			w.drainRetry(ctx)
			w.Flush(ctx)
		}
	}
}

// Add appends one metric, flushing when the batch bound is reached.
func (w *Writer) Add(ctx context.Context, nm model.NormalizedMetric) {
	w.pending = append(w.pending, nm)
	if len(w.pending) >= w.cfg.BatchSize {
		w.Flush(ctx)
	}
}

// Flush writes the pending batch, queueing it for retry on failure.
func (w *Writer) Flush(ctx context.Context) {
	if len(w.pending) == 0 {
		return
	}
	batch := w.pending
	w.pending = nil
	if !w.write(ctx, batch) {
		w.enqueueRetry(batch)
	}
}

// Drain makes a final attempt at the retry queue and the pending batch. Used
// on shutdown under the flush deadline.
func (w *Writer) Drain(ctx context.Context) {
	w.drainRetry(ctx)
	w.Flush(ctx)
}

// RetryDepth reports the number of queued failed batches, which feeds the
// edge-style overload signal for the central pipeline.
func (w *Writer) RetryDepth() int {
	return len(w.retry)
}

func (w *Writer) write(ctx context.Context, batch []model.NormalizedMetric) bool {
	start := w.clk.Now()
	attempt := func() error {
		wctx := ctx
		if w.cfg.WriteTimeout > 0 {
			var cancel context.CancelFunc
			wctx, cancel = context.WithTimeout(ctx, w.cfg.WriteTimeout)
			defer cancel()
		}
		return w.dest.WriteBatch(wctx, batch)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), w.cfg.WriteRetries), ctx)
	err := backoff.Retry(attempt, bo)
	metrics.TlmSinkLatency.Observe(w.clk.Since(start).Seconds(), w.dest.Name())
	if err != nil {
		metrics.SinkWriteErrors.Add(1)
		metrics.TlmSinkWriteErrors.Inc(w.dest.Name())
		w.log.Warn().Err(err).Int("batch", len(batch)).Msg("batch write failed")
		return false
	}
	metrics.SinkBatchesWritten.Add(1)
	metrics.TlmSinkBatchesWritten.Inc(w.dest.Name())
	return true
}

func (w *Writer) enqueueRetry(batch []model.NormalizedMetric) {
	for len(w.retry) >= w.cfg.RetryQueueSize {
		metrics.SinkRetryDropped.Add(1)
		metrics.TlmSinkRetryDropped.Inc()
		w.log.Warn().Int("batch", len(w.retry[0])).Msg("retry queue full, dropping oldest batch")
		w.retry = w.retry[1:]
	}
	w.retry = append(w.retry, batch)
}

// drainRetry replays queued batches in order, stopping at the first failure
// so ordering toward the destination is preserved.
func (w *Writer) drainRetry(ctx context.Context) {
	for len(w.retry) > 0 {
		if !w.write(ctx, w.retry[0]) {
			return
		}
		w.retry = w.retry[1:]
	}
}
