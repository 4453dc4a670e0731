// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OEELab (https://www.oeelab.io/).
// Copyright 2024-present OEELab, Inc.

// Package edgesession manages the publishing side of a Sparkplug session:
// alias assignment, frame sequence numbers, the birth/death pairing and the
// frame builders used by the edge node.
package edgesession

import (
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/oeelab/sparkline/pkg/model"
	"github.com/oeelab/sparkline/pkg/sparkplug"
)

// MetricDef declares one metric published by this node or one of its devices.
type MetricDef struct {
	Name     string
	DataType sparkplug.DataType
}

// Frame is one publication ready for the buffer.
type Frame struct {
	Topic   string
	Payload []byte
}

// Session owns the Sparkplug identity of one edge node. The orchestrator
// builds data frames while the uplink runs births and stamps frame sequence
// numbers, so all state is guarded by one mutex.
type Session struct {
	mu    sync.Mutex
	group string
	node  string
	clk   clock.Clock

	bdSeq uint64
	seq   uint64
	born  bool

	nodeMetrics []MetricDef
	devices     map[string][]MetricDef
	deviceOrder []string

	// aliases maps device-scoped metric names ("device|name", "" device for
	// node metrics) to aliases. Assigned once per birth session, never
	// reused within it.
	aliases   map[string]uint64
	nextAlias uint64
}

// New creates a session. bdSeq is the persisted birth-death counter; the
// caller increments it on every new MQTT connect.
func New(group, node string, bdSeq uint64, clk clock.Clock) *Session {
	return &Session{
		group:   group,
		node:    node,
		clk:     clk,
		bdSeq:   bdSeq,
		devices: make(map[string][]MetricDef),
		aliases: make(map[string]uint64),
	}
}

// RegisterNodeMetrics declares the node-level metric catalog. Must be called
// before Birth.
func (s *Session) RegisterNodeMetrics(defs []MetricDef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodeMetrics = append(s.nodeMetrics, defs...)
}

// RegisterDevice declares one device and its metric catalog.
func (s *Session) RegisterDevice(deviceID string, defs []MetricDef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[deviceID]; !ok {
		s.deviceOrder = append(s.deviceOrder, deviceID)
	}
	s.devices[deviceID] = append(s.devices[deviceID], defs...)
}

// Group returns the Sparkplug group id.
func (s *Session) Group() string { return s.group }

// Node returns the Sparkplug node id.
func (s *Session) Node() string { return s.node }

// BDSeq returns the current birth-death sequence number.
func (s *Session) BDSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bdSeq
}

// NextSession advances bdSeq. The uplink calls this before every connect,
// including the first one of a restarted process, so the will registered at
// CONNECT and the NBIRTH published after it carry the same bdSeq and never
// collide with a will left behind by a previous run.
func (s *Session) NextSession() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bdSeq++
	return s.bdSeq
}

func aliasKey(deviceID, name string) string { return deviceID + "|" + name }

func (s *Session) alias(deviceID, name string) uint64 {
	key := aliasKey(deviceID, name)
	if a, ok := s.aliases[key]; ok {
		return a
	}
	s.nextAlias++
	s.aliases[key] = s.nextAlias
	return s.nextAlias
}

// takeSeq returns the next frame sequence number. The first frame of a birth
// session (NBIRTH) is 0.
func (s *Session) takeSeq() uint64 {
	v := s.seq
	s.seq = sparkplug.NextSeq(s.seq)
	return v
}

// TakeSeq hands the uplink the next frame sequence number. Data frames are
// built without a seq and stamped at publish time, so frames buffered across
// a reconnect stay continuous with the new birth session.
func (s *Session) TakeSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.takeSeq()
}

// Birth starts a new birth session: NBIRTH followed by one DBIRTH per device,
// with fresh aliases and seq reset to 0. It uses the bdSeq the will was
// registered with; NextSession is the only place bdSeq advances.
func (s *Session) Birth() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.born = true
	s.seq = 0
	s.aliases = make(map[string]uint64)
	s.nextAlias = 0
	now := s.clk.Now()

	frames := make([]Frame, 0, 1+len(s.deviceOrder))

	nb := sparkplug.Payload{Timestamp: now, Seq: s.takeSeq(), HasSeq: true}
	nb.Metrics = append(nb.Metrics, sparkplug.Metric{
		Name:     sparkplug.MetricBDSeq,
		DataType: sparkplug.TypeInt64,
		Value:    int64(s.bdSeq),
	})
	for _, def := range s.nodeMetrics {
		nb.Metrics = append(nb.Metrics, sparkplug.Metric{
			Name:     def.Name,
			HasAlias: true,
			Alias:    s.alias("", def.Name),
			DataType: def.DataType,
			IsNull:   true,
		})
	}
	frames = append(frames, Frame{
		Topic:   sparkplug.Topic{GroupID: s.group, Type: sparkplug.NBIRTH, NodeID: s.node}.String(),
		Payload: nb.Encode(),
	})

	for _, dev := range s.deviceOrder {
		db := sparkplug.Payload{Timestamp: now, Seq: s.takeSeq(), HasSeq: true}
		for _, def := range s.devices[dev] {
			db.Metrics = append(db.Metrics, sparkplug.Metric{
				Name:     def.Name,
				HasAlias: true,
				Alias:    s.alias(dev, def.Name),
				DataType: def.DataType,
				IsNull:   true,
			})
		}
		frames = append(frames, Frame{
			Topic: sparkplug.Topic{
				GroupID: s.group, Type: sparkplug.DBIRTH,
				NodeID: s.node, DeviceID: dev,
			}.String(),
			Payload: db.Encode(),
		})
	}
	return frames
}

// DeviceData builds a DDATA frame from samples whose source addresses are the
// registered metric names of deviceID. A sample naming an unregistered metric
// is a programming error on the edge side. The frame carries no seq; the
// uplink stamps one at publish time.
func (s *Session) DeviceData(deviceID string, samples []model.Sample) (Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.born {
		return Frame{}, fmt.Errorf("device %s: data before birth", deviceID)
	}
	defs, ok := s.devices[deviceID]
	if !ok {
		return Frame{}, fmt.Errorf("device %s: not registered", deviceID)
	}
	types := make(map[string]sparkplug.DataType, len(defs))
	for _, def := range defs {
		types[def.Name] = def.DataType
	}

	p := sparkplug.Payload{Timestamp: s.clk.Now()}
	for _, sm := range samples {
		dt, ok := types[sm.SourceAddress]
		if !ok {
			return Frame{}, fmt.Errorf("device %s: metric %q not in birth catalog", deviceID, sm.SourceAddress)
		}
		p.Metrics = append(p.Metrics, sparkplug.Metric{
			HasAlias:   true,
			Alias:      s.aliases[aliasKey(deviceID, sm.SourceAddress)],
			Timestamp:  sm.Timestamp,
			DataType:   dt,
			Value:      sparkplug.TypedValue(dt, sm.Value),
			Quality:    byte(sm.Quality),
			HasQuality: true,
		})
	}
	return Frame{
		Topic: sparkplug.Topic{
			GroupID: s.group, Type: sparkplug.DDATA,
			NodeID: s.node, DeviceID: deviceID,
		}.String(),
		Payload: p.Encode(),
	}, nil
}

// NodeData builds an NDATA frame carrying node housekeeping metrics by name.
// Like DeviceData it leaves the seq to the uplink.
func (s *Session) NodeData(values map[string]float64) (Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.born {
		return Frame{}, fmt.Errorf("node %s: data before birth", s.node)
	}
	types := make(map[string]sparkplug.DataType, len(s.nodeMetrics))
	for _, def := range s.nodeMetrics {
		types[def.Name] = def.DataType
	}
	now := s.clk.Now()
	p := sparkplug.Payload{Timestamp: now}
	for name, v := range values {
		dt, ok := types[name]
		if !ok {
			return Frame{}, fmt.Errorf("node %s: metric %q not in birth catalog", s.node, name)
		}
		p.Metrics = append(p.Metrics, sparkplug.Metric{
			HasAlias:  true,
			Alias:     s.aliases[aliasKey("", name)],
			Timestamp: now,
			DataType:  dt,
			Value:     sparkplug.TypedValue(dt, v),
		})
	}
	return Frame{
		Topic:   sparkplug.Topic{GroupID: s.group, Type: sparkplug.NDATA, NodeID: s.node}.String(),
		Payload: p.Encode(),
	}, nil
}

// DeathTopic is the topic of this node's NDEATH will.
func (s *Session) DeathTopic() string {
	return sparkplug.Topic{GroupID: s.group, Type: sparkplug.NDEATH, NodeID: s.node}.String()
}

// DeathPayload is the serialized NDEATH registered as the MQTT Last Will at
// CONNECT. It carries only bdSeq; no frame seq.
func (s *Session) DeathPayload() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := sparkplug.Payload{
		Timestamp: s.clk.Now(),
		Metrics: []sparkplug.Metric{{
			Name:     sparkplug.MetricBDSeq,
			DataType: sparkplug.TypeInt64,
			Value:    int64(s.bdSeq),
		}},
	}
	return p.Encode()
}
