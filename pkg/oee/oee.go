// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OEELab (https://www.oeelab.io/).
// Copyright 2024-present OEELab, Inc.

// Package oee maintains per-machine rolling OEE over a bounded time window
// and emits a rollup metric on every tick. Memory per machine is one window
// deque plus constant state; eviction is by time, never by count.
package oee

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/oeelab/sparkline/pkg/model"
)

// Config parameterizes the calculator.
type Config struct {
	Window             time.Duration
	Tick               time.Duration
	RolloverBits       int
	MinCounterDecrease float64
	// IdealCycleTime is the fallback seconds-per-part when no
	// cycle.time_ideal metric has been seen.
	IdealCycleTime  float64
	PlannedDowntime []Interval
}

// Calculator is the single-writer OEE stage. Ingest and Tick are called from
// the same goroutine.
type Calculator struct {
	cfg  Config
	clk  clock.Clock
	log  zerolog.Logger
	emit func(model.NormalizedMetric)

	machines map[model.AssetRef]*machineState
}

// New creates a calculator delivering rollups through emit.
func New(cfg Config, clk clock.Clock, log zerolog.Logger, emit func(model.NormalizedMetric)) *Calculator {
	return &Calculator{
		cfg:      cfg,
		clk:      clk,
		log:      log.With().Str("component", "oee").Logger(),
		emit:     emit,
		machines: make(map[model.AssetRef]*machineState),
	}
}

type stateEvent struct {
	ts    time.Time
	state model.SignalType
}

type counterPoint struct {
	ts  time.Time
	cum float64
}

// counterSeries accumulates a monotonic adjusted count so rollovers and
// resets never produce negative window deltas.
type counterSeries struct {
	seen      bool
	raw       float64
	cum       float64
	cumBefore float64 // adjusted count at the window start
	points    []counterPoint
}

func (c *counterSeries) ingest(v float64, ts time.Time, rolloverMax, minDecrease float64) {
	if !c.seen {
		c.seen = true
		c.raw = v
		c.points = append(c.points, counterPoint{ts: ts, cum: 0})
		return
	}
	delta := v - c.raw
	if delta < 0 {
		if c.raw-v >= minDecrease {
			// Genuine rollover at the configured bit width.
			delta = v + (rolloverMax - c.raw)
		} else {
			// Counter reset; production restarts from zero.
			delta = v
		}
	}
	c.raw = v
	c.cum += delta
	c.points = append(c.points, counterPoint{ts: ts, cum: c.cum})
}

func (c *counterSeries) evict(cutoff time.Time) {
	for len(c.points) > 0 && c.points[0].ts.Before(cutoff) {
		c.cumBefore = c.points[0].cum
		c.points = c.points[1:]
	}
}

// windowDelta is the adjusted production inside the window.
func (c *counterSeries) windowDelta() float64 {
	if len(c.points) == 0 {
		return c.cum - c.cumBefore
	}
	return c.points[len(c.points)-1].cum - c.cumBefore
}

type machineState struct {
	stateEvents []stateEvent
	stateBefore model.SignalType // machine state at the window start
	total       counterSeries
	good        counterSeries
	idealCycle  float64
}

func (c *Calculator) machine(asset model.AssetRef) *machineState {
	m, ok := c.machines[asset]
	if !ok {
		m = &machineState{}
		c.machines[asset] = m
	}
	return m
}

func (c *Calculator) rolloverMax() float64 {
	if c.cfg.RolloverBits == 64 {
		return float64(1 << 63) * 2 // 2^64
	}
	return 4294967296 // 2^32
}

// Ingest feeds one normalized metric into the machine's window. Components
// that need joint state rely on timestamps, not arrival order.
func (c *Calculator) Ingest(nm model.NormalizedMetric) {
	m := c.machine(nm.Asset)
	switch {
	case nm.Signal.IsState():
		if nm.Value != 0 {
			m.stateEvents = append(m.stateEvents, stateEvent{ts: nm.Timestamp, state: nm.Signal})
		} else if m.current() == nm.Signal {
			// The active state flag dropped without a successor; the
			// machine is no longer running.
			m.stateEvents = append(m.stateEvents, stateEvent{ts: nm.Timestamp, state: model.SignalStateIdle})
		}
	case nm.Signal == model.SignalCounterTotal:
		m.total.ingest(nm.Value, nm.Timestamp, c.rolloverMax(), c.cfg.MinCounterDecrease)
	case nm.Signal == model.SignalCounterGood:
		m.good.ingest(nm.Value, nm.Timestamp, c.rolloverMax(), c.cfg.MinCounterDecrease)
	case nm.Signal == model.SignalCycleTimeIdeal:
		m.idealCycle = nm.Value
	}
}

func (m *machineState) current() model.SignalType {
	if len(m.stateEvents) > 0 {
		return m.stateEvents[len(m.stateEvents)-1].state
	}
	return m.stateBefore
}

func (m *machineState) evict(cutoff time.Time) {
	for len(m.stateEvents) > 0 && m.stateEvents[0].ts.Before(cutoff) {
		m.stateBefore = m.stateEvents[0].state
		m.stateEvents = m.stateEvents[1:]
	}
	m.total.evict(cutoff)
	m.good.evict(cutoff)
}

// runtime integrates the time the machine spent running inside [from, to].
func (m *machineState) runtime(from, to time.Time) time.Duration {
	var total time.Duration
	cur := m.stateBefore
	mark := from
	for _, ev := range m.stateEvents {
		ts := ev.ts
		if ts.After(to) {
			ts = to
		}
		if cur == model.SignalStateRun && ts.After(mark) {
			total += ts.Sub(mark)
		}
		if ts.After(mark) {
			mark = ts
		}
		cur = ev.state
	}
	if cur == model.SignalStateRun && to.After(mark) {
		total += to.Sub(mark)
	}
	return total
}

// Rollup is the computed OEE of one machine over one window.
type Rollup struct {
	Asset        model.AssetRef
	Availability float64
	Performance  float64
	Quality      float64
	OEE          float64
	Runtime      time.Duration
	PlannedTime  time.Duration
	TotalCount   float64
	GoodCount    float64
	// Reason is "no_planned_time" when the window held no planned time and
	// the rollup quality is UNCERTAIN.
	Reason string
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// compute evaluates one machine at instant now. A metric stamped exactly at
// now-Window is inside the window.
func (c *Calculator) compute(asset model.AssetRef, m *machineState, now time.Time) Rollup {
	from := now.Add(-c.cfg.Window)
	m.evict(from)

	r := Rollup{Asset: asset}
	r.Runtime = m.runtime(from, now)
	r.PlannedTime = c.cfg.Window - plannedOverlap(c.cfg.PlannedDowntime, from, now)
	r.TotalCount = m.total.windowDelta()
	r.GoodCount = m.good.windowDelta()

	if r.PlannedTime <= 0 {
		r.Reason = "no_planned_time"
		return r
	}
	r.Availability = clamp01(float64(r.Runtime) / float64(r.PlannedTime))

	ideal := m.idealCycle
	if ideal == 0 {
		ideal = c.cfg.IdealCycleTime
	}
	if r.Runtime > 0 {
		r.Performance = clamp01(ideal * r.TotalCount / r.Runtime.Seconds())
	}
	if r.TotalCount > 0 {
		r.Quality = clamp01(r.GoodCount / r.TotalCount)
	}
	r.OEE = r.Availability * r.Performance * r.Quality
	return r
}

// Tick computes and emits one rollup per known machine.
func (c *Calculator) Tick() {
	now := c.clk.Now()
	for asset, m := range c.machines {
		r := c.compute(asset, m, now)
		nm := model.NormalizedMetric{
			Asset:     asset,
			Signal:    model.SignalOEERollup,
			Timestamp: now,
			Value:     r.OEE,
			Quality:   model.QualityGood,
			Reason:    r.Reason,
			Fields: map[string]float64{
				"availability": r.Availability,
				"performance":  r.Performance,
				"quality":      r.Quality,
				"runtime_s":    r.Runtime.Seconds(),
				"total_count":  r.TotalCount,
				"good_count":   r.GoodCount,
			},
		}
		if r.Reason != "" {
			nm.Quality = model.QualityUncertain
		}
		c.emit(nm)
	}
}

// Run emits rollups on every tick until ctx ends. Ingest must be called from
// the same goroutine that drives Run's source; the processor arranges this by
// running the calculator loop over a single inbound channel.
func (c *Calculator) Run(ctx context.Context, in <-chan model.NormalizedMetric) {
	ticker := c.clk.Ticker(c.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case nm, ok := <-in:
			if !ok {
				return
			}
			c.Ingest(nm)
		case <-ticker.C:
			c.Tick()
		}
	}
}
