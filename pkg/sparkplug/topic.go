// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OEELab (https://www.oeelab.io/).
// Copyright 2024-present OEELab, Inc.

// Package sparkplug implements the Sparkplug B topic namespace and payload
// wire format. The payload codec speaks the protobuf encoding directly so the
// package carries no generated code.
package sparkplug

import (
	"fmt"
	"strings"
)

// Namespace is the Sparkplug B topic namespace prefix.
const Namespace = "spBv1.0"

// MessageType is the Sparkplug frame type carried in the topic.
type MessageType string

// The eight Sparkplug frame types.
const (
	NBIRTH MessageType = "NBIRTH"
	NDEATH MessageType = "NDEATH"
	DBIRTH MessageType = "DBIRTH"
	DDEATH MessageType = "DDEATH"
	NDATA  MessageType = "NDATA"
	DDATA  MessageType = "DDATA"
	NCMD   MessageType = "NCMD"
	DCMD   MessageType = "DCMD"
)

var messageTypes = map[MessageType]struct{}{
	NBIRTH: {}, NDEATH: {}, DBIRTH: {}, DDEATH: {},
	NDATA: {}, DDATA: {}, NCMD: {}, DCMD: {},
}

// DeviceScoped reports whether the frame type requires a device id segment.
func (t MessageType) DeviceScoped() bool {
	switch t {
	case DBIRTH, DDEATH, DDATA, DCMD:
		return true
	}
	return false
}

// Topic is a parsed Sparkplug topic.
type Topic struct {
	GroupID  string
	Type     MessageType
	NodeID   string
	DeviceID string
}

// String renders the topic in wire form.
func (t Topic) String() string {
	if t.DeviceID != "" {
		return Namespace + "/" + t.GroupID + "/" + string(t.Type) + "/" + t.NodeID + "/" + t.DeviceID
	}
	return Namespace + "/" + t.GroupID + "/" + string(t.Type) + "/" + t.NodeID
}

// NodeKey identifies the owning node regardless of device scoping.
func (t Topic) NodeKey() string {
	return t.GroupID + "/" + t.NodeID
}

// ParseTopic parses a wire topic into its segments.
func ParseTopic(s string) (Topic, error) {
	parts := strings.Split(s, "/")
	if len(parts) < 4 || len(parts) > 5 {
		return Topic{}, fmt.Errorf("topic %q: want 4 or 5 segments", s)
	}
	if parts[0] != Namespace {
		return Topic{}, fmt.Errorf("topic %q: namespace %q is not %s", s, parts[0], Namespace)
	}
	mt := MessageType(parts[2])
	if _, ok := messageTypes[mt]; !ok {
		return Topic{}, fmt.Errorf("topic %q: unknown message type %q", s, parts[2])
	}
	t := Topic{GroupID: parts[1], Type: mt, NodeID: parts[3]}
	if len(parts) == 5 {
		t.DeviceID = parts[4]
	}
	if mt.DeviceScoped() && t.DeviceID == "" {
		return Topic{}, fmt.Errorf("topic %q: %s requires a device id", s, mt)
	}
	if !mt.DeviceScoped() && t.DeviceID != "" {
		return Topic{}, fmt.Errorf("topic %q: %s takes no device id", s, mt)
	}
	if t.GroupID == "" || t.NodeID == "" {
		return Topic{}, fmt.Errorf("topic %q: empty group or node id", s)
	}
	return t, nil
}
