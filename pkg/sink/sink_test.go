// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OEELab (https://www.oeelab.io/).
// Copyright 2024-present OEELab, Inc.

package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oeelab/sparkline/pkg/model"
)

type fakeDest struct {
	mu      sync.Mutex
	batches [][]model.NormalizedMetric
	fail    bool
}

func (d *fakeDest) Name() string { return "fake" }

func (d *fakeDest) WriteBatch(_ context.Context, batch []model.NormalizedMetric) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return errors.New("write refused")
	}
	cp := make([]model.NormalizedMetric, len(batch))
	copy(cp, batch)
	d.batches = append(d.batches, cp)
	return nil
}

func (d *fakeDest) setFail(fail bool) {
	d.mu.Lock()
	d.fail = fail
	d.mu.Unlock()
}

func (d *fakeDest) written() [][]model.NormalizedMetric {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.batches
}

func testWriter(dest Destination, batchSize, retrySize int) (*Writer, *clock.Mock) {
	clk := clock.NewMock()
	return NewWriter(Config{
		BatchSize:      batchSize,
		FlushInterval:  time.Second,
		RetryQueueSize: retrySize,
	}, dest, clk, zerolog.Nop()), clk
}

func metric(seq uint64) model.NormalizedMetric {
	return model.NormalizedMetric{
		Asset:     model.AssetRef{Site: "plant1", Line: "line3", Machine: "press1"},
		Signal:    model.SignalTemperature,
		Timestamp: time.UnixMilli(int64(seq) * 1000).UTC(),
		Value:     float64(seq),
		Quality:   model.QualityGood,
		Seq:       seq,
	}
}

func TestFlushOnBatchSize(t *testing.T) {
	dest := &fakeDest{}
	w, _ := testWriter(dest, 3, 4)
	ctx := context.Background()

	w.Add(ctx, metric(1))
	w.Add(ctx, metric(2))
	assert.Empty(t, dest.written())

	w.Add(ctx, metric(3))
	require.Len(t, dest.written(), 1)
	assert.Len(t, dest.written()[0], 3)
}

func TestFlushOnTimer(t *testing.T) {
	dest := &fakeDest{}
	w, _ := testWriter(dest, 100, 4)
	ctx := context.Background()

	w.Add(ctx, metric(1))
	w.Flush(ctx)

	require.Len(t, dest.written(), 1)
	assert.Equal(t, uint64(1), dest.written()[0][0].Seq)
}

func TestFailedBatchQueuedAndReplayed(t *testing.T) {
	dest := &fakeDest{fail: true}
	w, _ := testWriter(dest, 2, 4)
	ctx := context.Background()

	w.Add(ctx, metric(1))
	w.Add(ctx, metric(2))
	assert.Empty(t, dest.written())
	assert.Equal(t, 1, w.RetryDepth())

	dest.setFail(false)
	w.drainRetry(ctx)
	require.Len(t, dest.written(), 1)
	assert.Equal(t, uint64(1), dest.written()[0][0].Seq)
	assert.Zero(t, w.RetryDepth())
}

func TestRetryQueueDropsOldest(t *testing.T) {
	dest := &fakeDest{fail: true}
	w, _ := testWriter(dest, 1, 2)
	ctx := context.Background()

	for seq := uint64(1); seq <= 4; seq++ {
		w.Add(ctx, metric(seq))
	}
	assert.Equal(t, 2, w.RetryDepth())

	dest.setFail(false)
	w.drainRetry(ctx)
	batches := dest.written()
	require.Len(t, batches, 2)
	// The two oldest batches were dropped on overflow.
	assert.Equal(t, uint64(3), batches[0][0].Seq)
	assert.Equal(t, uint64(4), batches[1][0].Seq)
}

func TestRetryStopsAtFirstFailure(t *testing.T) {
	dest := &fakeDest{fail: true}
	w, _ := testWriter(dest, 1, 4)
	ctx := context.Background()

	w.Add(ctx, metric(1))
	w.Add(ctx, metric(2))
	w.drainRetry(ctx)
	// Still failing; both batches remain queued in order.
	assert.Equal(t, 2, w.RetryDepth())
}

func TestDrainFlushesEverything(t *testing.T) {
	dest := &fakeDest{fail: true}
	w, _ := testWriter(dest, 10, 4)
	ctx := context.Background()

	w.Add(ctx, metric(1))
	w.Flush(ctx)
	w.Add(ctx, metric(2))

	dest.setFail(false)
	w.Drain(ctx)
	batches := dest.written()
	require.Len(t, batches, 2)
	assert.Equal(t, uint64(1), batches[0][0].Seq)
	assert.Equal(t, uint64(2), batches[1][0].Seq)
}
