// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OEELab (https://www.oeelab.io/).
// Copyright 2024-present OEELab, Inc.

// Package backpressure keeps the edge alive under sustained downstream
// slowness: it watches the buffer fill ratio and widens sampling, raises
// deadbands and finally sheds low-priority signals.
package backpressure

import (
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/oeelab/sparkline/pkg/metrics"
)

// Level is the backpressure level.
type Level int32

// Levels, in order of pressure.
const (
	LevelNominal Level = iota
	LevelDegraded
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelDegraded:
		return "degraded"
	case LevelCritical:
		return "critical"
	}
	return "nominal"
}

// Config parameterizes the control law.
type Config struct {
	DegradedThreshold  float64
	CriticalThreshold  float64
	DegradedMultiplier int
	CriticalMultiplier int
	DeadbandFactor     float64
	Hysteresis         time.Duration
}

// Controller applies the control law. Observe has a single caller (the edge
// fill-watch loop); the level itself is read concurrently by the drivers and
// the normalizer, so it lives in an atomic.
type Controller struct {
	cfg Config
	clk clock.Clock
	log zerolog.Logger

	level atomic.Int32

	candidate      Level
	candidateSince time.Time
	holding        bool

	// OnChange, when set, observes every committed transition.
	OnChange func(from, to Level)
}

// New creates a controller at the nominal level.
func New(cfg Config, clk clock.Clock, log zerolog.Logger) *Controller {
	return &Controller{
		cfg: cfg,
		clk: clk,
		log: log.With().Str("component", "backpressure").Logger(),
	}
}

func (c *Controller) target(fill float64) Level {
	switch {
	case fill >= c.cfg.CriticalThreshold:
		return LevelCritical
	case fill >= c.cfg.DegradedThreshold:
		return LevelDegraded
	}
	return LevelNominal
}

// Observe feeds one fill-ratio reading into the law. A level change commits
// only after the target level held for the hysteresis window.
func (c *Controller) Observe(fill float64) Level {
	cur := c.Level()
	want := c.target(fill)
	if want == cur {
		c.holding = false
		return cur
	}
	now := c.clk.Now()
	if !c.holding || want != c.candidate {
		c.candidate = want
		c.candidateSince = now
		c.holding = true
		return cur
	}
	if now.Sub(c.candidateSince) < c.cfg.Hysteresis {
		return cur
	}
	c.holding = false
	c.level.Store(int32(want))
	metrics.BackpressureLevel.Set(int64(want))
	metrics.TlmBackpressureTransitions.Inc(want.String())
	c.log.Warn().Stringer("from", cur).Stringer("to", want).
		Float64("fill", fill).Msg("backpressure level changed")
	if c.OnChange != nil {
		c.OnChange(cur, want)
	}
	return want
}

// Level returns the committed level.
func (c *Controller) Level() Level {
	return Level(c.level.Load())
}

// SamplingMultiplier returns the factor applied to driver sampling intervals.
func (c *Controller) SamplingMultiplier() int {
	switch c.Level() {
	case LevelDegraded:
		return c.cfg.DegradedMultiplier
	case LevelCritical:
		return c.cfg.CriticalMultiplier
	}
	return 1
}

// DeadbandFactor returns the factor applied to deadband thresholds.
func (c *Controller) DeadbandFactor() float64 {
	if c.Level() >= LevelDegraded {
		return c.cfg.DeadbandFactor
	}
	return 1
}

// SuppressLowPriority reports whether low-priority signals are shed.
func (c *Controller) SuppressLowPriority() bool {
	return c.Level() == LevelCritical
}
