// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OEELab (https://www.oeelab.io/).
// Copyright 2024-present OEELab, Inc.

package plc_test

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

	"github.com/oeelab/sparkline/pkg/config"
	"github.com/oeelab/sparkline/pkg/model"
	"github.com/oeelab/sparkline/pkg/plc"
	_ "github.com/oeelab/sparkline/pkg/plc/sim"
)

func TestFactoryBuildsRegisteredDrivers(t *testing.T) {
	d, err := plc.New(config.PLCEndpoint{Name: "p1", Type: "sim"})
	require.NoError(t, err)
	require.NotNil(t, d)

	_, err = plc.New(config.PLCEndpoint{Name: "p1", Type: "modbus"})
	assert.Error(t, err)
	assert.Contains(t, plc.Drivers(), "sim")
}

func TestFatalClassification(t *testing.T) {
	assert.True(t, plc.Fatal(&plc.OpenError{Kind: plc.FailureAuth, Err: errors.New("denied")}))
	assert.True(t, plc.Fatal(&plc.OpenError{Kind: plc.FailureTLS, Err: errors.New("bad cert")}))
	assert.False(t, plc.Fatal(&plc.OpenError{Kind: plc.FailureUnreachable, Err: errors.New("refused")}))
	assert.False(t, plc.Fatal(errors.New("plain")))
}

type collector struct {
	mu      sync.Mutex
	samples []model.Sample
}

func (c *collector) emit(s model.Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, s)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

func TestRunnerPollsSimDriver(t *testing.T) {
	drv, err := plc.New(config.PLCEndpoint{Name: "p1", Type: "sim"})
	require.NoError(t, err)

	col := &collector{}
	r := plc.NewRunner(plc.Config{
		Name:      "p1",
		Addresses: []string{"GoodCount", "RunState"},
		Interval:  5 * time.Millisecond,
		IOTimeout: time.Second,
	}, drv, clock.New(), zerolog.Nop(), col.emit, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return col.len() >= 6 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	col.mu.Lock()
	defer col.mu.Unlock()
	for _, s := range col.samples {
		assert.Equal(t, model.QualityGood, s.Quality)
	}
}

type fatalDriver struct{}

func (fatalDriver) Open(context.Context) error {
	return &plc.OpenError{Kind: plc.FailureAuth, Err: errors.New("denied")}
}
func (fatalDriver) ReadBatch(context.Context, []string) ([]model.Sample, error) { return nil, nil }
func (fatalDriver) Subscribe(context.Context, []string, func(model.Sample)) error {
	return plc.ErrSubscribeUnsupported
}
func (fatalDriver) Close() error { return nil }

func TestRunnerStopsOnFatalOpen(t *testing.T) {
	r := plc.NewRunner(plc.Config{
		Name:      "p1",
		Addresses: []string{"a"},
		Interval:  time.Millisecond,
		IOTimeout: time.Second,
	}, fatalDriver{}, clock.New(), zerolog.Nop(), func(model.Sample) {}, nil)

	err := r.Run(context.Background())
	require.Error(t, err)
	assert.True(t, plc.Fatal(err))
}

type flakyDriver struct {
	mu    sync.Mutex
	reads int
}

func (f *flakyDriver) Open(context.Context) error { return nil }
func (f *flakyDriver) ReadBatch(context.Context, []string) ([]model.Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return nil, errors.New("connection reset")
}
func (f *flakyDriver) Subscribe(context.Context, []string, func(model.Sample)) error {
	return plc.ErrSubscribeUnsupported
}
func (f *flakyDriver) Close() error { return nil }

func TestRunnerEmitsBadSamplesOnReadFailure(t *testing.T) {
	col := &collector{}
	drv := &flakyDriver{}
	r := plc.NewRunner(plc.Config{
		Name:      "p1",
		Addresses: []string{"a", "b"},
		Interval:  time.Millisecond,
		IOTimeout: time.Second,
	}, drv, clock.New(), zerolog.Nop(), col.emit, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return col.len() >= 2 }, time.Second, time.Millisecond)
	cancel()
	<-done

	col.mu.Lock()
	defer col.mu.Unlock()
	assert.Equal(t, model.QualityBad, col.samples[0].Quality)
	assert.Equal(t, "a", col.samples[0].SourceAddress)
	assert.Equal(t, model.QualityBad, col.samples[1].Quality)
}
