// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OEELab (https://www.oeelab.io/).
// Copyright 2024-present OEELab, Inc.

package plc

import (
	"context"
	"expvar"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/oeelab/sparkline/pkg/metrics"
	"github.com/oeelab/sparkline/pkg/model"
)

// Reconnect backoff bounds.
const (
	reconnectBase = time.Second
	reconnectCap  = 60 * time.Second
)

// Runner drives one endpoint: it opens the session with backoff, polls or
// subscribes, and emits every sample through a single callback. The sampling
// interval stretches by the multiplier the backpressure controller reports.
type Runner struct {
	cfg        Config
	drv        Driver
	clk        clock.Clock
	log        zerolog.Logger
	emit       func(model.Sample)
	multiplier func() int
}

// Config is what the runner needs from the endpoint configuration.
type Config struct {
	Name      string
	Addresses []string
	Interval  time.Duration
	IOTimeout time.Duration
}

// NewRunner wires a runner around an opened-on-demand driver. multiplier may
// be nil for a fixed sampling interval.
func NewRunner(cfg Config, drv Driver, clk clock.Clock, log zerolog.Logger,
	emit func(model.Sample), multiplier func() int) *Runner {
	if multiplier == nil {
		multiplier = func() int { return 1 }
	}
	return &Runner{
		cfg:        cfg,
		drv:        drv,
		clk:        clk,
		log:        log.With().Str("component", "plc").Str("endpoint", cfg.Name).Logger(),
		emit:       emit,
		multiplier: multiplier,
	}
}

// Run owns the endpoint until ctx is cancelled. Auth and TLS failures return
// immediately so the supervisor does not restart a hopeless endpoint; every
// other failure reconnects with exponential backoff.
func (r *Runner) Run(ctx context.Context) error {
	defer r.drv.Close()
	for {
		if err := r.open(ctx); err != nil {
			return err
		}
		metrics.EndpointConnected.Set(r.cfg.Name, intVar(1))
		r.log.Info().Msg("endpoint connected")

		err := r.pump(ctx)
		metrics.EndpointConnected.Set(r.cfg.Name, intVar(0))
		if ctx.Err() != nil {
			return nil
		}
		r.log.Warn().Err(err).Msg("endpoint session lost, reconnecting")
		r.drv.Close()
	}
}

func (r *Runner) open(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectBase
	bo.MaxInterval = reconnectCap
	bo.MaxElapsedTime = 0
	return backoff.Retry(func() error {
		openCtx, cancel := context.WithTimeout(ctx, r.cfg.IOTimeout)
		defer cancel()
		err := r.drv.Open(openCtx)
		if err == nil {
			return nil
		}
		if Fatal(err) {
			r.log.Error().Err(err).Msg("endpoint failed fatally, stopping")
			return backoff.Permanent(err)
		}
		r.log.Warn().Err(err).Msg("endpoint open failed, backing off")
		return err
	}, backoff.WithContext(bo, ctx))
}

// pump runs one connected session: subscription when the driver offers it,
// otherwise the polling loop. Returns when the session breaks or ctx ends.
func (r *Runner) pump(ctx context.Context) error {
	err := r.drv.Subscribe(ctx, r.cfg.Addresses, r.count)
	if err == nil {
		<-ctx.Done()
		return nil
	}
	if err != ErrSubscribeUnsupported {
		return err
	}
	return r.poll(ctx)
}

func (r *Runner) poll(ctx context.Context) error {
	for {
		interval := r.cfg.Interval * time.Duration(r.multiplier())
		t := r.clk.Timer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}

		readCtx, cancel := context.WithTimeout(ctx, r.cfg.IOTimeout)
		samples, err := r.drv.ReadBatch(readCtx, r.cfg.Addresses)
		cancel()
		if err != nil {
			// The read failed as a whole: report loss downstream as BAD
			// samples, then reconnect.
			now := r.clk.Now()
			for _, addr := range r.cfg.Addresses {
				r.count(model.Sample{
					Timestamp:     now,
					SourceAddress: addr,
					Quality:       model.QualityBad,
				})
			}
			return err
		}
		for _, s := range samples {
			r.count(s)
		}
	}
}

func intVar(v int64) *expvar.Int {
	i := new(expvar.Int)
	i.Set(v)
	return i
}

func (r *Runner) count(s model.Sample) {
	metrics.SamplesRead.Add(1)
	metrics.TlmSamplesRead.Inc(r.cfg.Name)
	r.emit(s)
}
