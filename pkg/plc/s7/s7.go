// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OEELab (https://www.oeelab.io/).
// Copyright 2024-present OEELab, Inc.

// Package s7 polls Siemens S7 PLCs. Addresses use the data-block notation
// "DB<n>.DBD<offset>" (REAL), "DB<n>.DBW<offset>" (INT16) and
// "DB<n>.DBX<offset>.<bit>" (BOOL). The endpoint accepts optional rack and
// slot query parameters, e.g. "10.0.0.5:102?rack=0&slot=1".
package s7

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/robinson/gos7"

	"github.com/oeelab/sparkline/pkg/config"
	"github.com/oeelab/sparkline/pkg/model"
	"github.com/oeelab/sparkline/pkg/plc"
)

func init() {
	plc.Register("s7", func(cfg config.PLCEndpoint) (plc.Driver, error) {
		addr, rack, slot, err := parseEndpoint(cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		return &Driver{addr: addr, rack: rack, slot: slot}, nil
	})
}

func parseEndpoint(endpoint string) (addr string, rack, slot int, err error) {
	addr = endpoint
	rack, slot = 0, 1
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		addr = endpoint[:i]
		q, err := url.ParseQuery(endpoint[i+1:])
		if err != nil {
			return "", 0, 0, fmt.Errorf("s7 endpoint %q: %w", endpoint, err)
		}
		if v := q.Get("rack"); v != "" {
			if rack, err = strconv.Atoi(v); err != nil {
				return "", 0, 0, fmt.Errorf("s7 endpoint %q: bad rack", endpoint)
			}
		}
		if v := q.Get("slot"); v != "" {
			if slot, err = strconv.Atoi(v); err != nil {
				return "", 0, 0, fmt.Errorf("s7 endpoint %q: bad slot", endpoint)
			}
		}
	}
	return addr, rack, slot, nil
}

// Driver is one S7 ISO-on-TCP session.
type Driver struct {
	addr string
	rack int
	slot int

	handler *gos7.TCPClientHandler
	client  gos7.Client
}

// Open dials the PLC.
func (d *Driver) Open(ctx context.Context) error {
	h := gos7.NewTCPClientHandler(d.addr, d.rack, d.slot)
	h.Timeout = 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		h.Timeout = time.Until(deadline)
	}
	if err := h.Connect(); err != nil {
		return &plc.OpenError{Kind: plc.FailureUnreachable, Err: err}
	}
	d.handler = h
	d.client = gos7.NewClient(h)
	return nil
}

// Close tears the session down.
func (d *Driver) Close() error {
	if d.handler == nil {
		return nil
	}
	err := d.handler.Close()
	d.handler = nil
	d.client = nil
	return err
}

// Subscribe is not supported by the S7 protocol; the runner polls.
func (d *Driver) Subscribe(ctx context.Context, addresses []string, emit func(model.Sample)) error {
	return plc.ErrSubscribeUnsupported
}

// ReadBatch reads each address. A per-address failure yields a BAD sample
// and the batch continues; a transport failure aborts the batch.
func (d *Driver) ReadBatch(ctx context.Context, addresses []string) ([]model.Sample, error) {
	if d.client == nil {
		return nil, fmt.Errorf("s7: session not open")
	}
	now := time.Now()
	out := make([]model.Sample, 0, len(addresses))
	for _, addr := range addresses {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s := model.Sample{Timestamp: now, SourceAddress: addr, Quality: model.QualityBad}
		ref, err := parseAddress(addr)
		if err == nil {
			var v float64
			v, err = d.read(ref)
			if err == nil {
				s.Value = v
				s.Quality = model.QualityGood
			}
		}
		if err != nil && isTransport(err) {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func isTransport(err error) bool {
	// gos7 surfaces socket problems as plain net errors; address and
	// area errors come back as typed S7 errors with a code string.
	return !strings.Contains(err.Error(), "s7 error")
}

type areaKind int

const (
	areaReal areaKind = iota // DBD, 4-byte REAL
	areaWord                 // DBW, 2-byte signed INT
	areaBit                  // DBX, single bit
)

type tagRef struct {
	db     int
	kind   areaKind
	offset int
	bit    uint
}

// parseAddress understands "DB<n>.DBD<off>", "DB<n>.DBW<off>" and
// "DB<n>.DBX<off>.<bit>".
func parseAddress(addr string) (tagRef, error) {
	var ref tagRef
	parts := strings.Split(addr, ".")
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "DB") {
		return ref, fmt.Errorf("s7 address %q: want DB<n>.<area><offset>", addr)
	}
	db, err := strconv.Atoi(parts[0][2:])
	if err != nil {
		return ref, fmt.Errorf("s7 address %q: bad db number", addr)
	}
	ref.db = db

	area := parts[1]
	switch {
	case strings.HasPrefix(area, "DBD"):
		ref.kind = areaReal
	case strings.HasPrefix(area, "DBW"):
		ref.kind = areaWord
	case strings.HasPrefix(area, "DBX"):
		ref.kind = areaBit
	default:
		return ref, fmt.Errorf("s7 address %q: unknown area %q", addr, area)
	}
	off, err := strconv.Atoi(area[3:])
	if err != nil {
		return ref, fmt.Errorf("s7 address %q: bad offset", addr)
	}
	ref.offset = off

	if ref.kind == areaBit {
		if len(parts) != 3 {
			return ref, fmt.Errorf("s7 address %q: DBX needs a bit index", addr)
		}
		bit, err := strconv.Atoi(parts[2])
		if err != nil || bit < 0 || bit > 7 {
			return ref, fmt.Errorf("s7 address %q: bad bit index", addr)
		}
		ref.bit = uint(bit)
	}
	return ref, nil
}

func (d *Driver) read(ref tagRef) (float64, error) {
	switch ref.kind {
	case areaReal:
		buf := make([]byte, 4)
		if err := d.client.AGReadDB(ref.db, ref.offset, 4, buf); err != nil {
			return 0, err
		}
		return float64(math.Float32frombits(binary.BigEndian.Uint32(buf))), nil
	case areaWord:
		buf := make([]byte, 2)
		if err := d.client.AGReadDB(ref.db, ref.offset, 2, buf); err != nil {
			return 0, err
		}
		return float64(int16(binary.BigEndian.Uint16(buf))), nil
	default:
		buf := make([]byte, 1)
		if err := d.client.AGReadDB(ref.db, ref.offset, 1, buf); err != nil {
			return 0, err
		}
		if buf[0]&(1<<ref.bit) != 0 {
			return 1, nil
		}
		return 0, nil
	}
}
