// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OEELab (https://www.oeelab.io/).
// Copyright 2024-present OEELab, Inc.

// Package supervisor restarts long-lived tasks with exponential backoff. A
// task ends for good when it returns nil, when its context ends, or when it
// returns a Permanent error.
package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Restart backoff bounds.
const (
	restartBase = time.Second
	restartCap  = 60 * time.Second
)

// Task is one supervised unit of work.
type Task func(ctx context.Context) error

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks an error that must stop the task instead of restarting it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err carries the Permanent marker.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Supervisor runs tasks until their context ends.
type Supervisor struct {
	clk clock.Clock
	log zerolog.Logger
}

// New creates a supervisor.
func New(clk clock.Clock, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		clk: clk,
		log: log.With().Str("component", "supervisor").Logger(),
	}
}

// Run supervises one task, blocking until it ends. A permanent failure is
// logged and swallowed so one dead task does not take down its siblings.
func (s *Supervisor) Run(ctx context.Context, name string, task Task) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = restartBase
	bo.MaxInterval = restartCap
	bo.MaxElapsedTime = 0
	for {
		start := s.clk.Now()
		err := task(ctx)
		if ctx.Err() != nil || err == nil {
			return nil
		}
		if IsPermanent(err) {
			s.log.Error().Str("task", name).Err(err).Msg("task failed permanently, not restarting")
			return nil
		}
		// A task that ran for a while earns a fresh backoff window.
		if s.clk.Since(start) > restartCap {
			bo.Reset()
		}
		delay := bo.NextBackOff()
		s.log.Warn().Str("task", name).Err(err).Dur("restart_in", delay).
			Msg("task failed, restarting")
		t := s.clk.Timer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}
