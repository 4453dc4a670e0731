// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OEELab (https://www.oeelab.io/).
// Copyright 2024-present OEELab, Inc.

// Package decode is the central side of the Sparkplug session: it owns the
// node and device state tables, enforces sequence continuity, resolves
// aliases and turns data frames into samples for the normalizer.
package decode

import (
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	cache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/oeelab/sparkline/pkg/metrics"
	"github.com/oeelab/sparkline/pkg/model"
	"github.com/oeelab/sparkline/pkg/sparkplug"
)

// Status is the lifecycle state of a node or device.
type Status string

// Node and device lifecycle states.
const (
	StatusOffline Status = "OFFLINE"
	StatusBirthed Status = "BIRTHED"
	StatusLost    Status = "LOST"
)

// DefaultStateTTL bounds how long an idle node's state is retained.
const DefaultStateTTL = 24 * time.Hour

// rebirthDebounce caps rebirth requests per node.
const rebirthDebounce = 5 * time.Second

// CommandType classifies a parsed NCMD/DCMD.
type CommandType string

// Parsed command types.
const (
	CommandRebirth      CommandType = "rebirth"
	CommandAckFault     CommandType = "ack_fault"
	CommandResolveFault CommandType = "resolve_fault"
)

// Command is one control command parsed from an NCMD/DCMD frame.
type Command struct {
	Type     CommandType
	NodeKey  string
	DeviceID string
	// Code is the fault code for ack/resolve commands.
	Code      string
	Timestamp time.Time
}

// DecodedSample is one resolved metric reading. Seq is a decoder-assigned
// monotonic counter carried through to the sink deduplication key.
type DecodedSample struct {
	Sample   model.Sample
	NodeKey  string
	DeviceID string
	Seq      uint64
}

// Frame is an outbound publication the caller must send, e.g. a rebirth
// request.
type Frame struct {
	Topic   string
	Payload []byte
}

// Result is everything one inbound frame produced.
type Result struct {
	Samples  []DecodedSample
	Commands []Command
	// Rebirth is a pending NCMD when the frame forced one; nil otherwise.
	Rebirth *Frame
}

type descriptor struct {
	name     string
	dataType sparkplug.DataType
}

type deviceState struct {
	status  Status
	aliases map[uint64]descriptor
}

type nodeState struct {
	status      Status
	bdSeq       int64
	lastSeq     uint64
	aliases     map[uint64]descriptor
	devices     map[string]*deviceState
	lastRebirth time.Time
}

// Decoder holds one state table per (group, node). It has a single writer:
// the goroutine draining the MQTT subscription.
type Decoder struct {
	clk   clock.Clock
	log   zerolog.Logger
	nodes *cache.Cache
	// seq feeds the sink deduplication key. Seeded from the clock at
	// construction so a restarted processor does not reuse the keyspace of
	// its previous run.
	seq uint64
}

// New creates a decoder whose idle node state expires after ttl.
func New(clk clock.Clock, log zerolog.Logger, ttl time.Duration) *Decoder {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &Decoder{
		clk:   clk,
		log:   log.With().Str("component", "decoder").Logger(),
		nodes: cache.New(ttl, ttl/24),
		seq:   uint64(clk.Now().UnixNano()),
	}
}

func (d *Decoder) node(key string) (*nodeState, bool) {
	v, ok := d.nodes.Get(key)
	if !ok {
		return nil, false
	}
	return v.(*nodeState), true
}

// touch refreshes the TTL of a node's state.
func (d *Decoder) touch(key string, n *nodeState) {
	d.nodes.SetDefault(key, n)
}

// Handle processes one inbound frame. Decode errors are isolated to the
// frame; the strongest response is alias-table invalidation plus a rebirth
// request, never a session teardown.
func (d *Decoder) Handle(topicStr string, payload []byte) (Result, error) {
	topic, err := sparkplug.ParseTopic(topicStr)
	if err != nil {
		return Result{}, err
	}
	p, err := sparkplug.Decode(payload)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", topicStr, err)
	}

	key := topic.NodeKey()
	switch topic.Type {
	case sparkplug.NBIRTH:
		return d.handleNBirth(topic, key, p)
	case sparkplug.DBIRTH:
		return d.handleDBirth(topic, key, p)
	case sparkplug.NDATA, sparkplug.DDATA:
		return d.handleData(topic, key, p)
	case sparkplug.NDEATH:
		return d.handleNDeath(key, p)
	case sparkplug.DDEATH:
		return d.handleDDeath(topic, key)
	case sparkplug.NCMD, sparkplug.DCMD:
		return d.handleCommand(topic, key, p)
	}
	return Result{}, nil
}

func aliasTable(ms []sparkplug.Metric) map[uint64]descriptor {
	t := make(map[uint64]descriptor, len(ms))
	for _, m := range ms {
		if m.HasAlias && m.Name != "" {
			t[m.Alias] = descriptor{name: m.Name, dataType: m.DataType}
		}
	}
	return t
}

func (d *Decoder) handleNBirth(topic sparkplug.Topic, key string, p *sparkplug.Payload) (Result, error) {
	n, ok := d.node(key)
	if !ok {
		n = &nodeState{}
	}
	n.status = StatusBirthed
	n.lastSeq = p.Seq
	n.aliases = aliasTable(p.Metrics)
	n.devices = make(map[string]*deviceState)
	for _, m := range p.Metrics {
		if m.Name == sparkplug.MetricBDSeq {
			if v, ok := m.Float(); ok {
				n.bdSeq = int64(v)
			}
		}
	}
	d.touch(key, n)
	metrics.FramesDecoded.Add(1)
	metrics.TlmFramesDecoded.Inc(string(topic.Type))
	d.log.Info().Str("node", key).Int64("bd_seq", n.bdSeq).Msg("node birthed")
	return Result{}, nil
}

func (d *Decoder) handleDBirth(topic sparkplug.Topic, key string, p *sparkplug.Payload) (Result, error) {
	n, ok := d.node(key)
	if !ok || n.status != StatusBirthed {
		return d.lost(key, n, "device birth for unborn node")
	}
	if res, ok := d.checkSeq(key, n, p); !ok {
		return res, nil
	}
	n.devices[topic.DeviceID] = &deviceState{
		status:  StatusBirthed,
		aliases: aliasTable(p.Metrics),
	}
	d.touch(key, n)
	metrics.FramesDecoded.Add(1)
	metrics.TlmFramesDecoded.Inc(string(topic.Type))
	d.log.Info().Str("node", key).Str("device", topic.DeviceID).Msg("device birthed")
	return Result{}, nil
}

func (d *Decoder) handleData(topic sparkplug.Topic, key string, p *sparkplug.Payload) (Result, error) {
	n, ok := d.node(key)
	if !ok || n.status != StatusBirthed {
		return d.lost(key, n, "data for unborn node")
	}
	if res, ok := d.checkSeq(key, n, p); !ok {
		return res, nil
	}

	table := n.aliases
	if topic.Type == sparkplug.DDATA {
		dev, ok := n.devices[topic.DeviceID]
		if !ok || dev.status != StatusBirthed {
			return d.lost(key, n, "data for unborn device")
		}
		table = dev.aliases
	}

	var out Result
	for _, m := range p.Metrics {
		desc, ok := table[m.Alias]
		if !m.HasAlias || !ok {
			// Unknown alias invalidates the whole session; the frame is
			// dropped, not queued for the rebirth.
			res, _ := d.lost(key, n, "unknown alias")
			return res, nil
		}
		if m.IsNull {
			continue
		}
		v, ok := m.Float()
		if !ok {
			continue
		}
		q := model.QualityGood
		if m.HasQuality {
			q = model.Quality(m.Quality)
		}
		ts := m.Timestamp
		if ts.IsZero() {
			ts = p.Timestamp
		}
		d.seq++
		out.Samples = append(out.Samples, DecodedSample{
			Sample: model.Sample{
				Timestamp:     ts,
				SourceAddress: desc.name,
				Value:         v,
				Quality:       q,
			},
			NodeKey:  key,
			DeviceID: topic.DeviceID,
			Seq:      d.seq,
		})
	}
	d.touch(key, n)
	metrics.FramesDecoded.Add(1)
	metrics.TlmFramesDecoded.Inc(string(topic.Type))
	return out, nil
}

func (d *Decoder) handleNDeath(key string, p *sparkplug.Payload) (Result, error) {
	n, ok := d.node(key)
	if !ok {
		return Result{}, nil
	}
	// The will pairs with the birth it was registered at. A stale will from a
	// previous connection, delivered by the broker after the current NBIRTH,
	// must not kill the live session.
	for _, m := range p.Metrics {
		if m.Name != sparkplug.MetricBDSeq {
			continue
		}
		if v, ok := m.Float(); ok && int64(v) != n.bdSeq {
			d.log.Warn().Str("node", key).
				Int64("got", int64(v)).Int64("want", n.bdSeq).
				Msg("stale will ignored")
			return Result{}, nil
		}
	}
	// Death of the node cascades to every child device.
	n.status = StatusLost
	n.aliases = nil
	for _, dev := range n.devices {
		dev.status = StatusLost
		dev.aliases = nil
	}
	d.touch(key, n)
	d.log.Warn().Str("node", key).Msg("node death")
	return Result{}, nil
}

func (d *Decoder) handleDDeath(topic sparkplug.Topic, key string) (Result, error) {
	n, ok := d.node(key)
	if !ok {
		return Result{}, nil
	}
	if dev, ok := n.devices[topic.DeviceID]; ok {
		dev.status = StatusLost
		dev.aliases = nil
	}
	d.touch(key, n)
	d.log.Warn().Str("node", key).Str("device", topic.DeviceID).Msg("device death")
	return Result{}, nil
}

func (d *Decoder) handleCommand(topic sparkplug.Topic, key string, p *sparkplug.Payload) (Result, error) {
	var out Result
	for _, m := range p.Metrics {
		ts := m.Timestamp
		if ts.IsZero() {
			ts = p.Timestamp
		}
		switch m.Name {
		case sparkplug.MetricRebirth:
			if v, ok := m.Value.(bool); ok && v {
				out.Commands = append(out.Commands, Command{
					Type: CommandRebirth, NodeKey: key, Timestamp: ts,
				})
			}
		case sparkplug.MetricAckFault, sparkplug.MetricResolveFault:
			code, _ := m.Value.(string)
			if code == "" {
				continue
			}
			ct := CommandAckFault
			if m.Name == sparkplug.MetricResolveFault {
				ct = CommandResolveFault
			}
			out.Commands = append(out.Commands, Command{
				Type:      ct,
				NodeKey:   key,
				DeviceID:  topic.DeviceID,
				Code:      code,
				Timestamp: ts,
			})
		}
	}
	return out, nil
}

// checkSeq enforces seq == (last + 1) mod 256. The second return is false
// when the frame must be dropped.
func (d *Decoder) checkSeq(key string, n *nodeState, p *sparkplug.Payload) (Result, bool) {
	if !p.HasSeq || p.Seq != sparkplug.NextSeq(n.lastSeq) {
		metrics.SequenceGaps.Add(1)
		metrics.TlmSequenceGaps.Inc(key)
		d.log.Warn().Str("node", key).
			Uint64("got", p.Seq).Uint64("want", sparkplug.NextSeq(n.lastSeq)).
			Msg("sequence gap")
		res, _ := d.lost(key, n, "sequence gap")
		return res, false
	}
	n.lastSeq = p.Seq
	return Result{}, true
}

// lost marks the node LOST, invalidates its alias tables and requests a
// rebirth, rate-limited per node.
func (d *Decoder) lost(key string, n *nodeState, reason string) (Result, error) {
	if n == nil {
		n = &nodeState{}
	}
	n.status = StatusLost
	n.aliases = nil
	for _, dev := range n.devices {
		dev.status = StatusLost
		dev.aliases = nil
	}

	var rebirth *Frame
	now := d.clk.Now()
	if now.Sub(n.lastRebirth) >= rebirthDebounce {
		n.lastRebirth = now
		rebirth = d.rebirthFrame(key, now)
		metrics.RebirthRequests.Add(1)
		metrics.TlmRebirthRequests.Inc(key)
	}
	d.touch(key, n)
	d.log.Warn().Str("node", key).Str("reason", reason).
		Bool("rebirth_requested", rebirth != nil).Msg("node lost")
	return Result{Rebirth: rebirth}, nil
}

func (d *Decoder) rebirthFrame(key string, now time.Time) *Frame {
	// key is "group/node".
	group, node, _ := strings.Cut(key, "/")
	topic := sparkplug.Topic{GroupID: group, Type: sparkplug.NCMD, NodeID: node}
	p := sparkplug.Payload{
		Timestamp: now,
		Metrics: []sparkplug.Metric{{
			Name:     sparkplug.MetricRebirth,
			DataType: sparkplug.TypeBoolean,
			Value:    true,
		}},
	}
	return &Frame{Topic: topic.String(), Payload: p.Encode()}
}

// NodeStatus reports the lifecycle state of a node for the debug endpoint.
func (d *Decoder) NodeStatus(key string) Status {
	n, ok := d.node(key)
	if !ok {
		return StatusOffline
	}
	return n.status
}
