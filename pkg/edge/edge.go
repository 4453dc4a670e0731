// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OEELab (https://www.oeelab.io/).
// Copyright 2024-present OEELab, Inc.

// Package edge wires the edge node: PLC runners feed a filter that builds
// Sparkplug frames into the durable buffer, the uplink drains the buffer to
// the broker, and the backpressure controller closes the loop on the buffer
// fill ratio.
package edge

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/oeelab/sparkline/pkg/config"
	"github.com/oeelab/sparkline/pkg/edge/backpressure"
	"github.com/oeelab/sparkline/pkg/edge/buffer"
	"github.com/oeelab/sparkline/pkg/edge/uplink"
	"github.com/oeelab/sparkline/pkg/model"
	"github.com/oeelab/sparkline/pkg/normalize"
	"github.com/oeelab/sparkline/pkg/plc"
	"github.com/oeelab/sparkline/pkg/sparkplug"
	"github.com/oeelab/sparkline/pkg/sparkplug/edgesession"
	"github.com/oeelab/sparkline/pkg/supervisor"
)

// Node housekeeping metric names published via NDATA.
const (
	metricBackpressure = "state.backpressure"
	metricBufferFill   = "buffer.fill"
)

const fillWatchInterval = time.Second

type endpointSample struct {
	deviceID string
	sample   model.Sample
}

// Orchestrator owns all edge components for one configured node.
type Orchestrator struct {
	cfg *config.Config
	clk clock.Clock
	log zerolog.Logger

	buf  *buffer.Buffer
	sess *edgesession.Session
	ctrl *backpressure.Controller
	up   *uplink.Uplink
	sup  *supervisor.Supervisor

	bindings map[string]model.TagBinding
	lastSent map[string]float64

	samples chan endpointSample
}

// New opens the buffer and assembles the edge components. Close the returned
// orchestrator by cancelling the context passed to Run.
func New(cfg *config.Config, clk clock.Clock, log zerolog.Logger) (*Orchestrator, error) {
	buf, err := buffer.Open(cfg.Buffer.Path, cfg.Buffer.MaxBytes, cfg.Buffer.MaxCount, log)
	if err != nil {
		return nil, err
	}
	bd, err := buf.BDSeq()
	if err != nil {
		buf.Close()
		return nil, err
	}

	sess := edgesession.New(cfg.Sparkplug.GroupID, cfg.Sparkplug.NodeID, bd, clk)
	sess.RegisterNodeMetrics([]edgesession.MetricDef{
		{Name: metricBackpressure, DataType: sparkplug.TypeInt32},
		{Name: metricBufferFill, DataType: sparkplug.TypeDouble},
	})
	for _, ep := range cfg.PLC {
		defs := make([]edgesession.MetricDef, 0, len(ep.Tags))
		for _, tag := range ep.Tags {
			defs = append(defs, edgesession.MetricDef{
				Name:     tag.Address,
				DataType: sparkplug.TypeDouble,
			})
		}
		sess.RegisterDevice(deviceID(ep), defs)
	}

	o := &Orchestrator{
		cfg:      cfg,
		clk:      clk,
		log:      log.With().Str("component", "edge").Logger(),
		buf:      buf,
		sess:     sess,
		sup:      supervisor.New(clk, log),
		bindings: cfg.Bindings(),
		lastSent: make(map[string]float64),
		samples:  make(chan endpointSample, 1024),
	}
	o.ctrl = backpressure.New(backpressure.Config{
		DegradedThreshold:  cfg.Backpressure.DegradedThreshold,
		CriticalThreshold:  cfg.Backpressure.CriticalThreshold,
		DegradedMultiplier: cfg.Backpressure.DegradedMultiplier,
		CriticalMultiplier: cfg.Backpressure.CriticalMultiplier,
		DeadbandFactor:     cfg.Backpressure.DeadbandFactor,
		Hysteresis:         cfg.Backpressure.Hysteresis(),
	}, clk, log)
	o.ctrl.OnChange = o.onLevelChange
	o.up = uplink.New(cfg.MQTT, cfg.IOTimeout(), sess, buf, log)
	return o, nil
}

func deviceID(ep config.PLCEndpoint) string {
	if ep.DeviceID != "" {
		return ep.DeviceID
	}
	return ep.Name
}

// Run operates the edge node until ctx ends, then gives the uplink up to the
// shutdown flush deadline to drain the buffer.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.buf.Close()

	// Start a provisional birth session so frames can be built and buffered
	// before the first broker connect; the uplink publishes its own births.
	// Alias assignment is deterministic per registration order, so buffered
	// frames stay resolvable under the published births.
	o.sess.Birth()

	// The uplink outlives ctx so buffered data still drains during the
	// shutdown grace window.
	uplinkCtx, cancelUplink := context.WithCancel(context.Background())
	defer cancelUplink()
	uplinkDone := make(chan error, 1)
	go func() { uplinkDone <- o.up.Run(uplinkCtx) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.pump(gctx) })
	g.Go(func() error { return o.fillWatch(gctx) })
	for _, ep := range o.cfg.PLC {
		ep := ep
		g.Go(func() error {
			return o.sup.Run(gctx, ep.Name, func(ctx context.Context) error {
				return o.runEndpoint(ctx, ep)
			})
		})
	}
	err := g.Wait()

	deadline := o.clk.Now().Add(o.cfg.ShutdownFlush())
	for o.buf.Len() > 0 && o.clk.Now().Before(deadline) {
		t := o.clk.Timer(100 * time.Millisecond)
		<-t.C
	}
	cancelUplink()
	<-uplinkDone
	if err == context.Canceled {
		return nil
	}
	return err
}

// runEndpoint builds the driver and runner for one endpoint and drives it for
// the life of the session.
func (o *Orchestrator) runEndpoint(ctx context.Context, ep config.PLCEndpoint) error {
	drv, err := plc.New(ep)
	if err != nil {
		return supervisor.Permanent(err)
	}
	addresses := make([]string, 0, len(ep.Tags))
	for _, tag := range ep.Tags {
		addresses = append(addresses, tag.Address)
	}
	dev := deviceID(ep)
	runner := plc.NewRunner(plc.Config{
		Name:      ep.Name,
		Addresses: addresses,
		Interval:  time.Duration(ep.SamplingMS) * time.Millisecond,
		IOTimeout: o.cfg.IOTimeout(),
	}, drv, o.clk, o.log, func(s model.Sample) {
		select {
		case o.samples <- endpointSample{deviceID: dev, sample: s}:
		case <-ctx.Done():
		}
	}, o.ctrl.SamplingMultiplier)

	err = runner.Run(ctx)
	if plc.Fatal(err) {
		return supervisor.Permanent(err)
	}
	return err
}

// pump is the single consumer of the sample stream: it applies the edge-side
// filter and turns surviving samples into buffered DDATA frames.
func (o *Orchestrator) pump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case es := <-o.samples:
			if !o.keep(es.sample) {
				continue
			}
			f, err := o.sess.DeviceData(es.deviceID, []model.Sample{es.sample})
			if err != nil {
				o.log.Error().Err(err).Str("device", es.deviceID).Msg("frame build failed")
				continue
			}
			if _, err := o.buf.Enqueue(f.Topic, f.Payload); err != nil {
				return err
			}
		}
	}
}

// keep applies shedding and the scaled deadband while the controller is above
// nominal. At the nominal level everything passes; fine-grained suppression
// belongs to the central normalizer.
func (o *Orchestrator) keep(s model.Sample) bool {
	b, ok := o.bindings[s.SourceAddress]
	if !ok {
		return true
	}
	if o.ctrl.SuppressLowPriority() && b.Signal.LowPriority() {
		return false
	}
	factor := o.ctrl.DeadbandFactor()
	if factor <= 1 || b.Signal.BypassesDeadband() || s.Quality < model.QualityGood {
		return true
	}
	canonical := normalize.Convert(b, s.Value)
	if last, seen := o.lastSent[s.SourceAddress]; seen {
		if !normalize.DeadbandExceeded(b, last, canonical, factor) {
			return false
		}
	}
	o.lastSent[s.SourceAddress] = canonical
	return true
}

// fillWatch closes the control loop: buffer fill into the controller.
func (o *Orchestrator) fillWatch(ctx context.Context) error {
	ticker := o.clk.Ticker(fillWatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.ctrl.Observe(o.buf.Fill())
		}
	}
}

// onLevelChange publishes the transition as node housekeeping data.
func (o *Orchestrator) onLevelChange(from, to backpressure.Level) {
	f, err := o.sess.NodeData(map[string]float64{
		metricBackpressure: float64(to),
		metricBufferFill:   o.buf.Fill(),
	})
	if err != nil {
		o.log.Warn().Err(err).Msg("backpressure frame build failed")
		return
	}
	if _, err := o.buf.Enqueue(f.Topic, f.Payload); err != nil {
		o.log.Error().Err(err).Msg("backpressure frame enqueue failed")
	}
	o.log.Info().Stringer("from", from).Stringer("to", to).Msg("backpressure transition published")
}
