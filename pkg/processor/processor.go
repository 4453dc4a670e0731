// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OEELab (https://www.oeelab.io/).
// Copyright 2024-present OEELab, Inc.

// Package processor is the central pipeline: it subscribes to the Sparkplug
// namespace, decodes frames, normalizes samples and fans them out to the OEE
// calculator, the fault state machine and the sink.
package processor

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/oeelab/sparkline/pkg/config"
	"github.com/oeelab/sparkline/pkg/faults"
	"github.com/oeelab/sparkline/pkg/model"
	"github.com/oeelab/sparkline/pkg/normalize"
	"github.com/oeelab/sparkline/pkg/oee"
	"github.com/oeelab/sparkline/pkg/sink"
	"github.com/oeelab/sparkline/pkg/sparkplug"
	"github.com/oeelab/sparkline/pkg/sparkplug/decode"
)

// FaultPublisher ships fault records to the event stream. Nil disables it.
type FaultPublisher interface {
	Publish(rec model.FaultRecord) error
}

type inbound struct {
	topic   string
	payload []byte
}

// Options carries the injectable seams used by tests.
type Options struct {
	// Dial builds the MQTT client; defaults to mqtt.NewClient.
	Dial func(*mqtt.ClientOptions) mqtt.Client
	// Destination overrides the line-protocol sink destination.
	Destination sink.Destination
	// Faults overrides the fault event publisher.
	Faults FaultPublisher
}

// Processor runs the central pipeline for one configuration.
type Processor struct {
	cfg  *config.Config
	clk  clock.Clock
	log  zerolog.Logger
	opts Options

	dec    *decode.Decoder
	norm   *normalize.Normalizer
	fsm    *faults.Manager
	writer *sink.Writer

	frames chan inbound
	sinkCh chan model.NormalizedMetric
	oeeCh  chan model.NormalizedMetric
}

// New builds a processor. Run must be called exactly once.
func New(cfg *config.Config, clk clock.Clock, log zerolog.Logger, opts Options) (*Processor, error) {
	if opts.Dial == nil {
		opts.Dial = mqtt.NewClient
	}
	if opts.Destination == nil {
		if cfg.Sink.Endpoint == "" {
			return nil, fmt.Errorf("sink.endpoint is required")
		}
		opts.Destination = sink.NewInflux(cfg.Sink.Endpoint, &http.Client{Timeout: cfg.IOTimeout()})
	}
	if opts.Faults == nil && len(cfg.Sink.Kafka.Brokers) > 0 {
		pub, err := sink.NewFaultPublisher(cfg.Sink.Kafka.Brokers, cfg.Sink.Kafka.Topic, log)
		if err != nil {
			return nil, err
		}
		opts.Faults = pub
	}

	p := &Processor{
		cfg:    cfg,
		clk:    clk,
		log:    log.With().Str("component", "processor").Logger(),
		opts:   opts,
		dec:    decode.New(clk, log, decode.DefaultStateTTL),
		norm:   normalize.New(cfg.Bindings(), log),
		frames: make(chan inbound, 1024),
		sinkCh: make(chan model.NormalizedMetric, 1024),
		oeeCh:  make(chan model.NormalizedMetric, 1024),
	}
	p.fsm = faults.New(faults.Config{
		DedupWindow: cfg.Faults.DedupWindow(),
		MergeWindow: cfg.Faults.MergeWindow(),
		SeverityMap: severityMap(cfg.Faults.SeverityMap),
		Related:     cfg.RelatedCodes(),
	}, log, p.publishFault)
	p.writer = sink.NewWriter(sink.Config{
		BatchSize:      cfg.Sink.BatchSize,
		FlushInterval:  cfg.Sink.FlushInterval(),
		RetryQueueSize: cfg.Sink.RetryQueueSize,
		WriteTimeout:   cfg.IOTimeout(),
		WriteRetries:   2,
	}, opts.Destination, clk, log)
	return p, nil
}

// severityMap canonicalizes configured severities; Validate accepts any case.
func severityMap(m map[string]string) map[string]model.Severity {
	out := make(map[string]model.Severity, len(m))
	for code, sev := range m {
		out[code] = model.Severity(strings.ToUpper(sev))
	}
	return out
}

// ReloadBindings swaps the normalizer's binding table, e.g. on SIGHUP.
func (p *Processor) ReloadBindings(bindings map[string]model.TagBinding) {
	p.norm.Swap(bindings)
}

func (p *Processor) publishFault(rec model.FaultRecord) {
	if p.opts.Faults == nil {
		return
	}
	// Publish failures are logged by the publisher; the record is not
	// replayed, the next state change carries the authoritative state.
	_ = p.opts.Faults.Publish(rec)
}

// Run operates the pipeline until ctx ends, then drains the sink within the
// shutdown flush deadline.
func (p *Processor) Run(ctx context.Context) error {
	client, err := p.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	calc := oee.New(oee.Config{
		Window:             p.cfg.OEE.Window(),
		Tick:               p.cfg.OEE.Tick(),
		RolloverBits:       p.cfg.OEE.CounterRolloverBits,
		MinCounterDecrease: float64(p.cfg.OEE.MinCounterDecrease),
		IdealCycleTime:     p.cfg.OEE.IdealCycleTimeS,
		PlannedDowntime:    p.plannedDowntime(),
	}, p.clk, p.log, p.forwardToSink)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p.writer.Run(gctx, p.sinkCh)
		return nil
	})
	g.Go(func() error {
		calc.Run(gctx, p.oeeCh)
		return nil
	})
	g.Go(func() error {
		return p.pipeline(gctx, client)
	})
	err = g.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), p.cfg.ShutdownFlush())
	defer cancel()
	p.writer.Drain(flushCtx)
	return err
}

func (p *Processor) plannedDowntime() []oee.Interval {
	out := make([]oee.Interval, 0, len(p.cfg.OEE.PlannedDowntime))
	for _, ci := range p.cfg.OEE.PlannedDowntime {
		iv, err := oee.ParseInterval(ci.Weekday, ci.Start, ci.End)
		if err != nil {
			// Validate already rejected malformed intervals.
			continue
		}
		out = append(out, iv)
	}
	return out
}

func (p *Processor) forwardToSink(nm model.NormalizedMetric) {
	select {
	case p.sinkCh <- nm:
	default:
		p.log.Warn().Str("signal", string(nm.Signal)).Msg("sink channel full, rollup dropped")
	}
}

func (p *Processor) connect(ctx context.Context) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	broker := fmt.Sprintf("tcp://%s:%d", p.cfg.MQTT.BrokerHost, p.cfg.MQTT.BrokerPort)
	opts.AddBroker(broker)
	clientID := p.cfg.MQTT.ClientID
	if clientID == "" {
		clientID = "sparkline-processor"
	}
	opts.SetClientID(clientID)
	if p.cfg.MQTT.Username != "" {
		opts.SetUsername(p.cfg.MQTT.Username)
		opts.SetPassword(p.cfg.MQTT.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(false)
	opts.SetOrderMatters(true)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		filter := sparkplug.Namespace + "/#"
		token := c.Subscribe(filter, 1, p.onMessage)
		token.Wait()
		if token.Error() != nil {
			p.log.Error().Err(token.Error()).Str("filter", filter).Msg("subscribe failed")
			return
		}
		p.log.Info().Str("filter", filter).Msg("subscribed")
	})

	client := p.opts.Dial(opts)
	connect := func() error {
		token := client.Connect()
		if !token.WaitTimeout(p.cfg.IOTimeout()) {
			return fmt.Errorf("connect to %s: timeout", broker)
		}
		return token.Error()
	}
	bo := backoff.WithContext(backoff.NewExponentialBackOff(backoff.WithMaxInterval(time.Minute)), ctx)
	if err := backoff.Retry(connect, bo); err != nil {
		return nil, err
	}
	return client, nil
}

// housekeeping recognizes node-scoped health metrics the edge publishes
// outside any binding table, e.g. the backpressure level. They go straight to
// the sink, attributed to the edge node itself, and stay out of the OEE and
// fault paths.
func (p *Processor) housekeeping(ds decode.DecodedSample) (model.NormalizedMetric, bool) {
	if ds.DeviceID != "" || ds.Sample.SourceAddress != string(model.SignalBackpressure) {
		return model.NormalizedMetric{}, false
	}
	group, node, _ := strings.Cut(ds.NodeKey, "/")
	return model.NormalizedMetric{
		Asset:     model.AssetRef{Site: group, Line: node},
		Signal:    model.SignalBackpressure,
		Timestamp: ds.Sample.Timestamp,
		Value:     ds.Sample.Value,
		Quality:   ds.Sample.Quality,
		Seq:       ds.Seq,
	}, true
}

// onMessage runs on paho's router goroutine; it only enqueues.
func (p *Processor) onMessage(_ mqtt.Client, msg mqtt.Message) {
	select {
	case p.frames <- inbound{topic: msg.Topic(), payload: msg.Payload()}:
	default:
		p.log.Warn().Str("topic", msg.Topic()).Msg("frame queue full, frame dropped")
	}
}

// pipeline is the single writer for the decoder, the normalizer and the fault
// state machine.
func (p *Processor) pipeline(ctx context.Context, client mqtt.Client) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-p.frames:
			p.handleFrame(ctx, client, f)
		}
	}
}

func (p *Processor) handleFrame(ctx context.Context, client mqtt.Client, f inbound) {
	res, err := p.dec.Handle(f.topic, f.payload)
	if err != nil {
		// Malformed frames are isolated; the session recovers via rebirth.
		p.log.Warn().Err(err).Str("topic", f.topic).Msg("frame rejected")
		return
	}
	if res.Rebirth != nil {
		token := client.Publish(res.Rebirth.Topic, 1, false, res.Rebirth.Payload)
		token.WaitTimeout(p.cfg.IOTimeout())
	}
	for _, cmd := range res.Commands {
		switch cmd.Type {
		case decode.CommandAckFault:
			p.fsm.Acknowledge(cmd.Code, cmd.Timestamp)
		case decode.CommandResolveFault:
			p.fsm.Resolve(cmd.Code, cmd.Timestamp)
		}
	}
	for _, ds := range res.Samples {
		if nm, ok := p.housekeeping(ds); ok {
			select {
			case p.sinkCh <- nm:
			case <-ctx.Done():
				return
			}
			continue
		}
		nm, ok, _ := p.norm.Normalize(ds.Sample, ds.Seq)
		if !ok {
			continue
		}
		p.fsm.Ingest(nm)
		select {
		case p.oeeCh <- nm:
		case <-ctx.Done():
			return
		}
		select {
		case p.sinkCh <- nm:
		case <-ctx.Done():
			return
		}
	}
}
