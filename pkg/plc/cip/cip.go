// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OEELab (https://www.oeelab.io/).
// Copyright 2024-present OEELab, Inc.

// Package cip polls Allen-Bradley controllers over EtherNet/IP using
// unconnected CIP messaging. Only the Read Tag service is implemented;
// addresses are controller tag names.
package cip

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"time"

	"github.com/oeelab/sparkline/pkg/config"
	"github.com/oeelab/sparkline/pkg/model"
	"github.com/oeelab/sparkline/pkg/plc"
)

func init() {
	plc.Register("cip", func(cfg config.PLCEndpoint) (plc.Driver, error) {
		return &Driver{addr: cfg.Endpoint}, nil
	})
}

// Encapsulation commands.
const (
	cmdRegisterSession   = 0x0065
	cmdUnregisterSession = 0x0066
	cmdSendRRData        = 0x006F
)

// CIP service codes.
const (
	svcReadTag      = 0x4C
	svcReadTagReply = 0x4C | 0x80
)

// CIP elementary data type codes.
const (
	typeBOOL  = 0x00C1
	typeSINT  = 0x00C2
	typeINT   = 0x00C3
	typeDINT  = 0x00C4
	typeLINT  = 0x00C5
	typeREAL  = 0x00CA
	typeLREAL = 0x00CB
)

const encapHeaderLen = 24

// Driver is one EtherNet/IP session.
type Driver struct {
	addr    string
	conn    net.Conn
	session uint32
}

// Open dials the controller and registers an encapsulation session.
func (d *Driver) Open(ctx context.Context) error {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return &plc.OpenError{Kind: plc.FailureUnreachable, Err: err}
	}

	// RegisterSession: protocol version 1, options 0.
	req := make([]byte, 4)
	binary.LittleEndian.PutUint16(req[0:2], 1)
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	resp, status, session, err := roundTrip(conn, cmdRegisterSession, 0, req)
	if err != nil {
		conn.Close()
		return &plc.OpenError{Kind: plc.FailureProtocol, Err: err}
	}
	if status != 0 || len(resp) < 4 {
		conn.Close()
		return &plc.OpenError{Kind: plc.FailureProtocol,
			Err: fmt.Errorf("register session status 0x%08x", status)}
	}
	conn.SetDeadline(time.Time{})
	d.conn = conn
	d.session = session
	return nil
}

// Close unregisters the session and drops the connection.
func (d *Driver) Close() error {
	if d.conn == nil {
		return nil
	}
	// Best effort; the peer drops the session on disconnect anyway.
	d.conn.Write(encapFrame(cmdUnregisterSession, d.session, nil))
	err := d.conn.Close()
	d.conn = nil
	return err
}

// Subscribe is not supported; the runner polls.
func (d *Driver) Subscribe(ctx context.Context, addresses []string, emit func(model.Sample)) error {
	return plc.ErrSubscribeUnsupported
}

// ReadBatch issues one Read Tag service call per address. A tag-level CIP
// error yields a BAD sample; a transport error aborts the batch.
func (d *Driver) ReadBatch(ctx context.Context, addresses []string) ([]model.Sample, error) {
	if d.conn == nil {
		return nil, fmt.Errorf("cip: session not open")
	}
	if deadline, ok := ctx.Deadline(); ok {
		d.conn.SetDeadline(deadline)
		defer d.conn.SetDeadline(time.Time{})
	}
	now := time.Now()
	out := make([]model.Sample, 0, len(addresses))
	for _, addr := range addresses {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s := model.Sample{Timestamp: now, SourceAddress: addr, Quality: model.QualityBad}
		v, err := d.readTag(addr)
		if err == nil {
			s.Value = v
			s.Quality = model.QualityGood
		} else if _, ok := err.(*cipStatusError); !ok {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// cipStatusError is a tag-level failure reported by the controller.
type cipStatusError struct {
	service uint8
	status  uint8
}

func (e *cipStatusError) Error() string {
	return fmt.Sprintf("cip service 0x%02x status 0x%02x", e.service, e.status)
}

func (d *Driver) readTag(tag string) (float64, error) {
	payload := sendRRData(readTagRequest(tag))
	resp, status, _, err := roundTripFrame(d.conn, encapFrame(cmdSendRRData, d.session, payload))
	if err != nil {
		return 0, err
	}
	if status != 0 {
		return 0, fmt.Errorf("cip: encapsulation status 0x%08x", status)
	}
	data, err := unpackRRData(resp)
	if err != nil {
		return 0, err
	}
	return parseReadReply(data)
}

// encapFrame builds an encapsulation frame: 24-byte header plus data.
func encapFrame(command uint16, session uint32, data []byte) []byte {
	buf := make([]byte, encapHeaderLen+len(data))
	binary.LittleEndian.PutUint16(buf[0:2], command)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(data)))
	binary.LittleEndian.PutUint32(buf[4:8], session)
	copy(buf[encapHeaderLen:], data)
	return buf
}

func roundTrip(conn net.Conn, command uint16, session uint32, data []byte) ([]byte, uint32, uint32, error) {
	return roundTripFrame(conn, encapFrame(command, session, data))
}

func roundTripFrame(conn net.Conn, frame []byte) (data []byte, status, session uint32, err error) {
	if _, err = conn.Write(frame); err != nil {
		return nil, 0, 0, err
	}
	header := make([]byte, encapHeaderLen)
	if _, err = readFull(conn, header); err != nil {
		return nil, 0, 0, err
	}
	length := binary.LittleEndian.Uint16(header[2:4])
	session = binary.LittleEndian.Uint32(header[4:8])
	status = binary.LittleEndian.Uint32(header[8:12])
	data = make([]byte, length)
	if _, err = readFull(conn, data); err != nil {
		return nil, 0, 0, err
	}
	return data, status, session, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// readTagRequest builds the CIP Read Tag request: service 0x4C, symbolic
// path, element count 1.
func readTagRequest(tag string) []byte {
	path := symbolicPath(tag)
	req := make([]byte, 0, 4+len(path))
	req = append(req, svcReadTag, byte(len(path)/2))
	req = append(req, path...)
	req = append(req, 0x01, 0x00) // one element
	return req
}

// symbolicPath encodes an ANSI extended symbolic segment, padded to a word
// boundary.
func symbolicPath(tag string) []byte {
	path := make([]byte, 0, 2+len(tag)+1)
	path = append(path, 0x91, byte(len(tag)))
	path = append(path, tag...)
	if len(path)%2 != 0 {
		path = append(path, 0x00)
	}
	return path
}

// sendRRData wraps a CIP request in the common packet format: null address
// item plus unconnected data item.
func sendRRData(cip []byte) []byte {
	buf := make([]byte, 0, 16+len(cip))
	buf = append(buf, 0, 0, 0, 0) // interface handle
	buf = append(buf, 0x0A, 0x00) // timeout
	buf = append(buf, 0x02, 0x00) // two items
	buf = append(buf, 0x00, 0x00, 0x00, 0x00) // null address item
	buf = append(buf, 0xB2, 0x00)             // unconnected data item
	var l [2]byte
	binary.LittleEndian.PutUint16(l[:], uint16(len(cip)))
	buf = append(buf, l[:]...)
	buf = append(buf, cip...)
	return buf
}

// unpackRRData extracts the unconnected data item from a SendRRData reply.
func unpackRRData(data []byte) ([]byte, error) {
	if len(data) < 16 {
		return nil, fmt.Errorf("cip: short SendRRData reply")
	}
	itemCount := int(binary.LittleEndian.Uint16(data[6:8]))
	off := 8
	for i := 0; i < itemCount; i++ {
		if off+4 > len(data) {
			return nil, fmt.Errorf("cip: truncated CPF item")
		}
		itemType := binary.LittleEndian.Uint16(data[off : off+2])
		itemLen := int(binary.LittleEndian.Uint16(data[off+2 : off+4]))
		off += 4
		if off+itemLen > len(data) {
			return nil, fmt.Errorf("cip: truncated CPF item data")
		}
		if itemType == 0x00B2 {
			return data[off : off+itemLen], nil
		}
		off += itemLen
	}
	return nil, fmt.Errorf("cip: no unconnected data item in reply")
}

// parseReadReply decodes a Read Tag reply into a float64.
func parseReadReply(data []byte) (float64, error) {
	if len(data) < 4 {
		return 0, fmt.Errorf("cip: short reply")
	}
	service, status := data[0], data[2]
	if service != svcReadTagReply {
		return 0, fmt.Errorf("cip: unexpected reply service 0x%02x", service)
	}
	if status != 0 {
		return 0, &cipStatusError{service: service, status: status}
	}
	extra := int(data[3]) * 2
	val := data[4+extra:]
	if len(val) < 2 {
		return 0, fmt.Errorf("cip: reply missing data type")
	}
	dt := binary.LittleEndian.Uint16(val[0:2])
	val = val[2:]
	switch dt {
	case typeBOOL:
		if len(val) < 1 {
			return 0, fmt.Errorf("cip: truncated BOOL")
		}
		if val[0] != 0 {
			return 1, nil
		}
		return 0, nil
	case typeSINT:
		if len(val) < 1 {
			return 0, fmt.Errorf("cip: truncated SINT")
		}
		return float64(int8(val[0])), nil
	case typeINT:
		if len(val) < 2 {
			return 0, fmt.Errorf("cip: truncated INT")
		}
		return float64(int16(binary.LittleEndian.Uint16(val))), nil
	case typeDINT:
		if len(val) < 4 {
			return 0, fmt.Errorf("cip: truncated DINT")
		}
		return float64(int32(binary.LittleEndian.Uint32(val))), nil
	case typeLINT:
		if len(val) < 8 {
			return 0, fmt.Errorf("cip: truncated LINT")
		}
		return float64(int64(binary.LittleEndian.Uint64(val))), nil
	case typeREAL:
		if len(val) < 4 {
			return 0, fmt.Errorf("cip: truncated REAL")
		}
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(val))), nil
	case typeLREAL:
		if len(val) < 8 {
			return 0, fmt.Errorf("cip: truncated LREAL")
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(val)), nil
	}
	return 0, fmt.Errorf("cip: unsupported data type 0x%04x", dt)
}
