// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OEELab (https://www.oeelab.io/).
// Copyright 2024-present OEELab, Inc.

// Package uplink owns the edge's MQTT connection. It registers the NDEATH
// will at CONNECT, republishes the birth frames before draining buffered
// data, and advances the buffer's ack pointer only on broker PUBACK.
// Reconnects are driven here, not by the client library, so the
// births-before-data ordering always holds.
package uplink

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/oeelab/sparkline/pkg/config"
	"github.com/oeelab/sparkline/pkg/edge/buffer"
	"github.com/oeelab/sparkline/pkg/model"
	"github.com/oeelab/sparkline/pkg/sparkplug"
	"github.com/oeelab/sparkline/pkg/sparkplug/edgesession"
)

const (
	connectBackoffBase = time.Second
	connectBackoffCap  = 60 * time.Second
	publishQoS         = 1
)

// Uplink drains the store-and-forward buffer into the broker.
type Uplink struct {
	cfg            config.MQTT
	publishTimeout time.Duration
	log            zerolog.Logger

	session *edgesession.Session
	buf     *buffer.Buffer

	// dial is swappable for tests.
	dial func(*mqtt.ClientOptions) mqtt.Client

	lost chan struct{}
	// rebirth carries NCMD rebirth requests into the drain loop, which owns
	// the birth session.
	rebirth chan struct{}
}

// New wires the uplink to a session and a buffer.
func New(cfg config.MQTT, publishTimeout time.Duration, session *edgesession.Session,
	buf *buffer.Buffer, log zerolog.Logger) *Uplink {
	return &Uplink{
		cfg:            cfg,
		publishTimeout: publishTimeout,
		log:            log.With().Str("component", "uplink").Logger(),
		session:        session,
		buf:            buf,
		dial:           mqtt.NewClient,
		rebirth:        make(chan struct{}, 1),
	}
}

// Run maintains the connection until ctx ends. Every connect starts a new
// birth session with the next bdSeq, so a stale will left over from a
// previous connection or a crashed process can never be mistaken for the
// live session's death.
func (u *Uplink) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		u.session.NextSession()
		if err := u.buf.SetBDSeq(u.session.BDSeq()); err != nil {
			return fmt.Errorf("persist bd_seq: %w", err)
		}

		client, err := u.connect(ctx)
		if err != nil {
			return err
		}
		u.runSession(ctx, client)
		client.Disconnect(250)
		if ctx.Err() != nil {
			return nil
		}
		u.log.Warn().Msg("uplink connection lost, reconnecting")
	}
}

func (u *Uplink) connect(ctx context.Context) (mqtt.Client, error) {
	u.lost = make(chan struct{})
	opts, err := u.clientOptions()
	if err != nil {
		return nil, err
	}

	var client mqtt.Client
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = connectBackoffBase
	bo.MaxInterval = connectBackoffCap
	bo.MaxElapsedTime = 0
	err = backoff.Retry(func() error {
		client = u.dial(opts)
		tok := client.Connect()
		if !tok.WaitTimeout(u.publishTimeout) {
			return fmt.Errorf("connect timeout")
		}
		if err := tok.Error(); err != nil {
			u.log.Warn().Err(err).Msg("broker connect failed, backing off")
			return err
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, err
	}
	u.log.Info().Uint64("bd_seq", u.session.BDSeq()).Msg("connected to broker")
	return client, nil
}

func (u *Uplink) clientOptions() (*mqtt.ClientOptions, error) {
	scheme := "tcp"
	var tlsCfg *tls.Config
	if u.cfg.TLS.Enabled() {
		cfg, err := loadTLS(u.cfg.TLS)
		if err != nil {
			return nil, err
		}
		tlsCfg = cfg
		scheme = "ssl"
	}
	clientID := u.cfg.ClientID
	if clientID == "" {
		clientID = "sparkline-" + u.session.Group() + "-" + u.session.Node()
	}
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, u.cfg.BrokerHost, u.cfg.BrokerPort)).
		SetClientID(clientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectTimeout(u.publishTimeout).
		SetOrderMatters(true).
		SetBinaryWill(u.session.DeathTopic(), u.session.DeathPayload(), publishQoS, false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			u.log.Warn().Err(err).Msg("connection lost")
			close(u.lost)
		})
	if u.cfg.Username != "" {
		opts.SetUsername(u.cfg.Username)
		opts.SetPassword(u.cfg.Password)
	}
	if tlsCfg != nil {
		opts.SetTLSConfig(tlsCfg)
	}
	return opts, nil
}

func loadTLS(cfg config.TLS) (*tls.Config, error) {
	pem, err := os.ReadFile(cfg.CA)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("ca %s: no certificates found", cfg.CA)
	}
	out := &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	if cfg.Cert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Cert, cfg.Key)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		out.Certificates = []tls.Certificate{cert}
	}
	return out, nil
}

// runSession publishes births, subscribes to our NCMD topic and drains the
// buffer until the connection breaks or ctx ends.
func (u *Uplink) runSession(ctx context.Context, client mqtt.Client) {
	if err := u.publishBirths(client); err != nil {
		u.log.Warn().Err(err).Msg("birth publication failed")
		return
	}
	u.subscribeCommands(client)
	sessionStart := time.Now()

	// A rebirth requested against the previous session is moot now.
	select {
	case <-u.rebirth:
	default:
	}

	// The head envelope repeats until acked; its stamped payload is cached so
	// a retried publish does not consume another frame seq.
	var stampedFor uint64
	var stamped []byte

	for {
		// Rebirths run here, between publishes, so a birth never races a
		// stamped frame on the session seq. The cached stamp belongs to the
		// old numbering and must be redone.
		select {
		case <-ctx.Done():
			return
		case <-u.lost:
			return
		case <-u.rebirth:
			if err := u.publishBirths(client); err != nil {
				u.log.Warn().Err(err).Msg("rebirth publication failed")
				return
			}
			stamped = nil
		default:
		}

		env, rebirth, err := u.nextEnvelope(ctx)
		if rebirth {
			if err := u.publishBirths(client); err != nil {
				u.log.Warn().Err(err).Msg("rebirth publication failed")
				return
			}
			stamped = nil
			if env == nil {
				continue
			}
		} else if err != nil {
			return
		}
		if stamped == nil || env.Seq != stampedFor {
			stamped, err = u.stampSeq(env, sessionStart)
			if err != nil {
				// A payload this session cannot decode will never publish;
				// skip it rather than wedge the drain.
				u.log.Error().Uint64("seq", env.Seq).Err(err).Msg("undecodable envelope dropped")
				if err := u.buf.Ack(env.Seq); err != nil {
					return
				}
				continue
			}
			stampedFor = env.Seq
		}
		tok := client.Publish(env.Topic, publishQoS, false, stamped)
		if !tok.WaitTimeout(u.publishTimeout) || tok.Error() != nil {
			// The envelope stays buffered; the next session retries it
			// after the rebirth.
			u.log.Warn().Uint64("seq", env.Seq).Err(tok.Error()).
				Msg("publish failed, envelope retained")
			select {
			case <-u.lost:
			case <-ctx.Done():
			case <-time.After(connectBackoffBase):
			}
			continue
		}
		if err := u.buf.Ack(env.Seq); err != nil {
			u.log.Error().Uint64("seq", env.Seq).Err(err).Msg("ack failed")
			return
		}
		stamped = nil
	}
}

// nextEnvelope waits for the head envelope, waking early when a rebirth is
// requested so an idle edge still answers the command promptly.
func (u *Uplink) nextEnvelope(ctx context.Context) (*model.Envelope, bool, error) {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	woke := make(chan struct{})
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-u.rebirth:
			// Repost so the request survives even if the wake races an
			// envelope arrival and the caller misses woke.
			select {
			case u.rebirth <- struct{}{}:
			default:
			}
			close(woke)
			cancel()
		case <-done:
		}
	}()

	env, err := u.buf.Next(waitCtx)
	select {
	case <-woke:
		select {
		case <-u.rebirth:
		default:
		}
		return env, true, nil
	default:
	}
	return env, false, err
}

// stampSeq assigns the next session frame seq to a buffered payload.
// Envelopes enqueued before this birth session are marked historical.
func (u *Uplink) stampSeq(env *model.Envelope, sessionStart time.Time) ([]byte, error) {
	p, err := sparkplug.Decode(env.Payload)
	if err != nil {
		return nil, err
	}
	p.Seq = u.session.TakeSeq()
	p.HasSeq = true
	if env.EnqueueTS.Before(sessionStart) {
		for i := range p.Metrics {
			p.Metrics[i].IsHistorical = true
		}
	}
	return p.Encode(), nil
}

// publishBirths sends NBIRTH and the DBIRTHs synchronously so no buffered
// data frame can overtake them.
func (u *Uplink) publishBirths(client mqtt.Client) error {
	for _, f := range u.session.Birth() {
		tok := client.Publish(f.Topic, publishQoS, false, f.Payload)
		if !tok.WaitTimeout(u.publishTimeout) {
			return fmt.Errorf("publish %s: timeout", f.Topic)
		}
		if err := tok.Error(); err != nil {
			return fmt.Errorf("publish %s: %w", f.Topic, err)
		}
	}
	return nil
}

// subscribeCommands listens for rebirth requests aimed at this node. The
// handler runs on paho's router goroutine, so it only signals the drain loop
// rather than touching the session itself.
func (u *Uplink) subscribeCommands(client mqtt.Client) {
	topic := sparkplug.Topic{
		GroupID: u.session.Group(), Type: sparkplug.NCMD, NodeID: u.session.Node(),
	}.String()
	client.Subscribe(topic, publishQoS, func(_ mqtt.Client, msg mqtt.Message) {
		p, err := sparkplug.Decode(msg.Payload())
		if err != nil {
			return
		}
		for _, m := range p.Metrics {
			if m.Name != sparkplug.MetricRebirth {
				continue
			}
			if v, ok := m.Value.(bool); ok && v {
				u.log.Info().Msg("rebirth requested")
				select {
				case u.rebirth <- struct{}{}:
				default:
				}
			}
		}
	})
}
