// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OEELab (https://www.oeelab.io/).
// Copyright 2024-present OEELab, Inc.

package cip

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSymbolicPathPadding(t *testing.T) {
	// Odd-length tag names pad to a word boundary.
	p := symbolicPath("Good")
	assert.Equal(t, []byte{0x91, 4, 'G', 'o', 'o', 'd'}, p)

	p = symbolicPath("Tag")
	assert.Equal(t, []byte{0x91, 3, 'T', 'a', 'g', 0}, p)
}

func TestReadTagRequestShape(t *testing.T) {
	req := readTagRequest("Good")
	assert.Equal(t, byte(svcReadTag), req[0])
	assert.Equal(t, byte(3), req[1]) // path words
	assert.Equal(t, []byte{0x01, 0x00}, req[len(req)-2:])
}

func reply(status byte, dt uint16, value []byte) []byte {
	out := []byte{svcReadTagReply, 0, status, 0}
	var d [2]byte
	binary.LittleEndian.PutUint16(d[:], dt)
	out = append(out, d[:]...)
	return append(out, value...)
}

func TestParseReadReplyTypes(t *testing.T) {
	dint := make([]byte, 4)
	binary.LittleEndian.PutUint32(dint, uint32(0xFFFFFFFB)) // -5
	v, err := parseReadReply(reply(0, typeDINT, dint))
	require.NoError(t, err)
	assert.Equal(t, -5.0, v)

	real := make([]byte, 4)
	binary.LittleEndian.PutUint32(real, math.Float32bits(2.5))
	v, err = parseReadReply(reply(0, typeREAL, real))
	require.NoError(t, err)
	assert.Equal(t, 2.5, v)

	v, err = parseReadReply(reply(0, typeBOOL, []byte{0xFF}))
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)

	intb := make([]byte, 2)
	binary.LittleEndian.PutUint16(intb, uint16(0x8000))
	v, err = parseReadReply(reply(0, typeINT, intb))
	require.NoError(t, err)
	assert.Equal(t, -32768.0, v)
}

func TestParseReadReplyStatusError(t *testing.T) {
	// 0x04 is a path segment error, a tag-level failure.
	_, err := parseReadReply(reply(0x04, typeDINT, nil))
	var se *cipStatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, uint8(0x04), se.status)
}

func TestUnpackRRData(t *testing.T) {
	cip := reply(0, typeBOOL, []byte{1})
	frame := sendRRData(cip)
	got, err := unpackRRData(frame)
	require.NoError(t, err)
	assert.Equal(t, cip, got)
}

func TestUnpackRRDataTruncated(t *testing.T) {
	_, err := unpackRRData([]byte{0, 0, 0})
	assert.Error(t, err)
}
