// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OEELab (https://www.oeelab.io/).
// Copyright 2024-present OEELab, Inc.

// Package sim is a deterministic PLC driver for development and tests. It
// synthesizes production counters, machine state cycling, fault injection and
// slowly drifting process values keyed off a step counter, so runs are
// reproducible.
package sim

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/oeelab/sparkline/pkg/config"
	"github.com/oeelab/sparkline/pkg/model"
	"github.com/oeelab/sparkline/pkg/plc"
)

func init() {
	plc.Register("sim", func(cfg config.PLCEndpoint) (plc.Driver, error) {
		return &Driver{name: cfg.Name}, nil
	})
}

// Driver generates deterministic samples. Safe for one runner goroutine.
type Driver struct {
	name string

	mu   sync.Mutex
	open bool
	step uint64
}

// Open always succeeds.
func (d *Driver) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = true
	return nil
}

// Close marks the session closed.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	return nil
}

// Subscribe is not supported; the runner polls instead.
func (d *Driver) Subscribe(ctx context.Context, addresses []string, emit func(model.Sample)) error {
	return plc.ErrSubscribeUnsupported
}

// ReadBatch advances the step counter and synthesizes one sample per address.
func (d *Driver) ReadBatch(ctx context.Context, addresses []string) ([]model.Sample, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return nil, &plc.OpenError{Kind: plc.FailureProtocol, Err: context.Canceled}
	}
	d.step++
	now := time.Now()
	out := make([]model.Sample, 0, len(addresses))
	for _, addr := range addresses {
		out = append(out, model.Sample{
			Timestamp:     now,
			SourceAddress: addr,
			Value:         d.value(addr),
			Quality:       model.QualityGood,
		})
	}
	return out, nil
}

// faulting is true for a short burst every 200 steps.
func (d *Driver) faulting() bool {
	phase := d.step % 200
	return phase >= 100 && phase < 110
}

func (d *Driver) value(addr string) float64 {
	lower := strings.ToLower(addr)
	switch {
	case strings.Contains(lower, "scrap"):
		return float64(d.step / 50)
	case strings.Contains(lower, "good"):
		return float64(d.step*10 - d.step/50)
	case strings.Contains(lower, "count") || strings.Contains(lower, "total"):
		return float64(d.step * 10)
	case strings.Contains(lower, "fault"):
		if d.faulting() {
			return 1
		}
		return 0
	case strings.Contains(lower, "run"):
		if d.faulting() {
			return 0
		}
		return 1
	case strings.Contains(lower, "down"):
		if d.faulting() {
			return 1
		}
		return 0
	case strings.Contains(lower, "idle"):
		return 0
	case strings.Contains(lower, "temp"):
		return 180 + 5*math.Sin(float64(d.step)/20)
	case strings.Contains(lower, "pressure"):
		return 4.2 + 0.3*math.Sin(float64(d.step)/35)
	case strings.Contains(lower, "vibration"):
		return 0.8 + 0.2*math.Sin(float64(d.step)/7)
	case strings.Contains(lower, "cycle"):
		return 1.5
	}
	return float64(d.step)
}
