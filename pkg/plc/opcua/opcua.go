// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OEELab (https://www.oeelab.io/).
// Copyright 2024-present OEELab, Inc.

// Package opcua reads tags over OPC-UA. It prefers server-side
// change-of-value subscriptions and leaves polling to the runner only when
// the session cannot sustain one.
package opcua

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/oeelab/sparkline/pkg/config"
	"github.com/oeelab/sparkline/pkg/model"
	"github.com/oeelab/sparkline/pkg/plc"
)

const subscriptionInterval = 250 * time.Millisecond

func init() {
	plc.Register("opcua", func(cfg config.PLCEndpoint) (plc.Driver, error) {
		return &Driver{cfg: cfg}, nil
	})
}

// Driver is one OPC-UA client session.
type Driver struct {
	cfg    config.PLCEndpoint
	client *opcua.Client
}

// Open dials and activates the session.
func (d *Driver) Open(ctx context.Context) error {
	opts := []opcua.Option{
		opcua.SecurityMode(ua.MessageSecurityModeNone),
	}
	if d.cfg.Security.Mode != "" && d.cfg.Security.Mode != "none" {
		opts = []opcua.Option{
			opcua.SecurityModeString(d.cfg.Security.Mode),
			opcua.CertificateFile(d.cfg.Security.CertFile),
			opcua.PrivateKeyFile(d.cfg.Security.KeyFile),
		}
	}
	if d.cfg.Security.Username != "" {
		opts = append(opts, opcua.AuthUsername(d.cfg.Security.Username, d.cfg.Security.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}

	c, err := opcua.NewClient(d.cfg.Endpoint, opts...)
	if err != nil {
		return &plc.OpenError{Kind: plc.FailureProtocol, Err: err}
	}
	if err := c.Connect(ctx); err != nil {
		return classify(err)
	}
	d.client = c
	return nil
}

func classify(err error) error {
	var code ua.StatusCode
	if errors.As(err, &code) {
		switch code {
		case ua.StatusBadUserAccessDenied, ua.StatusBadIdentityTokenInvalid,
			ua.StatusBadIdentityTokenRejected:
			return &plc.OpenError{Kind: plc.FailureAuth, Err: err}
		case ua.StatusBadCertificateInvalid, ua.StatusBadCertificateUntrusted,
			ua.StatusBadSecurityChecksFailed:
			return &plc.OpenError{Kind: plc.FailureTLS, Err: err}
		case ua.StatusBadSecurityPolicyRejected, ua.StatusBadProtocolVersionUnsupported:
			return &plc.OpenError{Kind: plc.FailureProtocol, Err: err}
		}
	}
	return &plc.OpenError{Kind: plc.FailureUnreachable, Err: err}
}

// Close releases the session.
func (d *Driver) Close() error {
	if d.client == nil {
		return nil
	}
	err := d.client.Close(context.Background())
	d.client = nil
	return err
}

// ReadBatch reads all addresses in one request.
func (d *Driver) ReadBatch(ctx context.Context, addresses []string) ([]model.Sample, error) {
	nodes := make([]*ua.ReadValueID, 0, len(addresses))
	for _, addr := range addresses {
		id, err := ua.ParseNodeID(addr)
		if err != nil {
			return nil, fmt.Errorf("bad node id %q: %w", addr, err)
		}
		nodes = append(nodes, &ua.ReadValueID{NodeID: id})
	}
	resp, err := d.client.Read(ctx, &ua.ReadRequest{
		NodesToRead:        nodes,
		TimestampsToReturn: ua.TimestampsToReturnSource,
	})
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]model.Sample, 0, len(addresses))
	for i, dv := range resp.Results {
		out = append(out, toSample(addresses[i], dv, now))
	}
	return out, nil
}

// Subscribe creates one subscription with a monitored item per address and
// pumps notifications into emit until ctx ends.
func (d *Driver) Subscribe(ctx context.Context, addresses []string, emit func(model.Sample)) error {
	notify := make(chan *opcua.PublishNotificationData, len(addresses))
	sub, err := d.client.Subscribe(ctx, &opcua.SubscriptionParameters{
		Interval: subscriptionInterval,
	}, notify)
	if err != nil {
		return err
	}
	for i, addr := range addresses {
		id, err := ua.ParseNodeID(addr)
		if err != nil {
			sub.Cancel(ctx)
			return fmt.Errorf("bad node id %q: %w", addr, err)
		}
		req := opcua.NewMonitoredItemCreateRequestWithDefaults(id, ua.AttributeIDValue, uint32(i))
		if _, err := sub.Monitor(ctx, ua.TimestampsToReturnSource, req); err != nil {
			sub.Cancel(ctx)
			return err
		}
	}

	go func() {
		defer sub.Cancel(context.Background())
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-notify:
				if !ok {
					return
				}
				if msg.Error != nil {
					continue
				}
				dcn, ok := msg.Value.(*ua.DataChangeNotification)
				if !ok {
					continue
				}
				now := time.Now()
				for _, item := range dcn.MonitoredItems {
					handle := int(item.ClientHandle)
					if handle >= len(addresses) {
						continue
					}
					emit(toSample(addresses[handle], item.Value, now))
				}
			}
		}
	}()
	return nil
}

func toSample(addr string, dv *ua.DataValue, now time.Time) model.Sample {
	s := model.Sample{
		Timestamp:     now,
		SourceAddress: addr,
		Quality:       model.QualityBad,
	}
	if dv == nil {
		return s
	}
	if !dv.SourceTimestamp.IsZero() {
		s.Timestamp = dv.SourceTimestamp
	}
	switch {
	case dv.Status == ua.StatusOK:
		s.Quality = model.QualityGood
	case dv.Status&ua.StatusUncertain == ua.StatusUncertain:
		s.Quality = model.QualityUncertain
	}
	if dv.Value == nil {
		s.Quality = model.QualityBad
		return s
	}
	if v, ok := numeric(dv.Value.Value()); ok {
		s.Value = v
	} else {
		s.Quality = model.QualityBad
	}
	return s
}

func numeric(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
