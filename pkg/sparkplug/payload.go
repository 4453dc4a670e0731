// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OEELab (https://www.oeelab.io/).
// Copyright 2024-present OEELab, Inc.

package sparkplug

import (
	"errors"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Payload field numbers per sparkplug_b.proto.
const (
	payloadFieldTimestamp = 1
	payloadFieldMetrics   = 2
	payloadFieldSeq       = 3
	payloadFieldUUID      = 4
	payloadFieldBody      = 5
)

// Metric field numbers per sparkplug_b.proto.
const (
	metricFieldName         = 1
	metricFieldAlias        = 2
	metricFieldTimestamp    = 3
	metricFieldDatatype     = 4
	metricFieldIsHistorical = 5
	metricFieldIsTransient  = 6
	metricFieldIsNull       = 7
	metricFieldIntValue     = 10
	metricFieldLongValue    = 11
	metricFieldFloatValue   = 12
	metricFieldDoubleValue  = 13
	metricFieldBoolValue    = 14
	metricFieldStringValue  = 15
	metricFieldBytesValue   = 16
)

// ErrMalformedPayload reports that a frame body is not a valid payload.
var ErrMalformedPayload = errors.New("malformed sparkplug payload")

// Metric is one Sparkplug metric. Value holds int64 for signed types, uint64
// for unsigned, float32/float64, bool, string or time.Time (DateTime); nil
// when IsNull.
type Metric struct {
	Name         string
	Alias        uint64
	HasAlias     bool
	Timestamp    time.Time
	DataType     DataType
	IsHistorical bool
	IsTransient  bool
	IsNull       bool
	Value        any

	// Quality travels as the conventional "Quality" property.
	Quality    byte
	HasQuality bool
}

// Payload is one Sparkplug frame body.
type Payload struct {
	Timestamp time.Time
	Metrics   []Metric
	Seq       uint64
	HasSeq    bool
	UUID      string
	Body      []byte
}

// Float converts the metric value to float64. The second return is false for
// null metrics and for non-numeric datatypes.
func (m *Metric) Float() (float64, bool) {
	switch v := m.Value.(type) {
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case time.Time:
		return float64(v.UnixMilli()), true
	}
	return 0, false
}

// TypedValue re-types a float64 sample value for the declared datatype so it
// travels in the correct wire field.
func TypedValue(dt DataType, v float64) any {
	switch dt {
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		return int64(v)
	case TypeUInt8, TypeUInt16, TypeUInt32, TypeUInt64:
		return uint64(v)
	case TypeFloat:
		return float32(v)
	case TypeDouble:
		return v
	case TypeBoolean:
		return v != 0
	case TypeDateTime:
		return time.UnixMilli(int64(v)).UTC()
	}
	return v
}

// Encode serializes the payload.
func (p *Payload) Encode() []byte {
	var b []byte
	if !p.Timestamp.IsZero() {
		b = protowire.AppendTag(b, payloadFieldTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.Timestamp.UnixMilli()))
	}
	for i := range p.Metrics {
		b = protowire.AppendTag(b, payloadFieldMetrics, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Metrics[i].encode())
	}
	if p.HasSeq {
		b = protowire.AppendTag(b, payloadFieldSeq, protowire.VarintType)
		b = protowire.AppendVarint(b, p.Seq)
	}
	if p.UUID != "" {
		b = protowire.AppendTag(b, payloadFieldUUID, protowire.BytesType)
		b = protowire.AppendString(b, p.UUID)
	}
	if len(p.Body) > 0 {
		b = protowire.AppendTag(b, payloadFieldBody, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Body)
	}
	return b
}

func (m *Metric) encode() []byte {
	var b []byte
	if m.Name != "" {
		b = protowire.AppendTag(b, metricFieldName, protowire.BytesType)
		b = protowire.AppendString(b, m.Name)
	}
	if m.HasAlias {
		b = protowire.AppendTag(b, metricFieldAlias, protowire.VarintType)
		b = protowire.AppendVarint(b, m.Alias)
	}
	if !m.Timestamp.IsZero() {
		b = protowire.AppendTag(b, metricFieldTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Timestamp.UnixMilli()))
	}
	if m.DataType != TypeUnknown {
		b = protowire.AppendTag(b, metricFieldDatatype, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.DataType))
	}
	if m.IsHistorical {
		b = protowire.AppendTag(b, metricFieldIsHistorical, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if m.IsTransient {
		b = protowire.AppendTag(b, metricFieldIsTransient, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if m.HasQuality {
		b = appendQualityProperty(b, m.Quality)
	}
	if m.IsNull {
		b = protowire.AppendTag(b, metricFieldIsNull, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
		return b
	}
	return m.appendValue(b)
}

func (m *Metric) appendValue(b []byte) []byte {
	switch v := m.Value.(type) {
	case int64:
		if m.DataType.wide() {
			b = protowire.AppendTag(b, metricFieldLongValue, protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(v))
		} else {
			b = protowire.AppendTag(b, metricFieldIntValue, protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(uint32(int32(v))))
		}
	case uint64:
		if m.DataType.wide() {
			b = protowire.AppendTag(b, metricFieldLongValue, protowire.VarintType)
			b = protowire.AppendVarint(b, v)
		} else {
			b = protowire.AppendTag(b, metricFieldIntValue, protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(uint32(v)))
		}
	case float32:
		b = protowire.AppendTag(b, metricFieldFloatValue, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(v))
	case float64:
		b = protowire.AppendTag(b, metricFieldDoubleValue, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(v))
	case bool:
		b = protowire.AppendTag(b, metricFieldBoolValue, protowire.VarintType)
		var bit uint64
		if v {
			bit = 1
		}
		b = protowire.AppendVarint(b, bit)
	case string:
		b = protowire.AppendTag(b, metricFieldStringValue, protowire.BytesType)
		b = protowire.AppendString(b, v)
	case []byte:
		b = protowire.AppendTag(b, metricFieldBytesValue, protowire.BytesType)
		b = protowire.AppendBytes(b, v)
	case time.Time:
		b = protowire.AppendTag(b, metricFieldLongValue, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(v.UnixMilli()))
	}
	return b
}

// Decode parses a frame body.
func Decode(b []byte) (*Payload, error) {
	p := &Payload{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: bad tag", ErrMalformedPayload)
		}
		b = b[n:]
		switch {
		case num == payloadFieldTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: timestamp", ErrMalformedPayload)
			}
			p.Timestamp = time.UnixMilli(int64(v)).UTC()
			b = b[n:]
		case num == payloadFieldMetrics && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: metric", ErrMalformedPayload)
			}
			m, err := decodeMetric(raw)
			if err != nil {
				return nil, err
			}
			p.Metrics = append(p.Metrics, m)
			b = b[n:]
		case num == payloadFieldSeq && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: seq", ErrMalformedPayload)
			}
			p.Seq, p.HasSeq = v, true
			b = b[n:]
		case num == payloadFieldUUID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: uuid", ErrMalformedPayload)
			}
			p.UUID = v
			b = b[n:]
		case num == payloadFieldBody && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: body", ErrMalformedPayload)
			}
			p.Body = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d", ErrMalformedPayload, num)
			}
			b = b[n:]
		}
	}
	return p, nil
}

func decodeMetric(b []byte) (Metric, error) {
	var m Metric
	var intVal, longVal uint64
	var hasInt, hasLong bool
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, fmt.Errorf("%w: metric tag", ErrMalformedPayload)
		}
		b = b[n:]
		switch {
		case num == metricFieldName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return m, fmt.Errorf("%w: metric name", ErrMalformedPayload)
			}
			m.Name = v
			b = b[n:]
		case num == metricFieldAlias && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("%w: metric alias", ErrMalformedPayload)
			}
			m.Alias, m.HasAlias = v, true
			b = b[n:]
		case num == metricFieldTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("%w: metric timestamp", ErrMalformedPayload)
			}
			m.Timestamp = time.UnixMilli(int64(v)).UTC()
			b = b[n:]
		case num == metricFieldDatatype && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("%w: metric datatype", ErrMalformedPayload)
			}
			m.DataType = DataType(v)
			b = b[n:]
		case num == metricFieldIsHistorical && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("%w: is_historical", ErrMalformedPayload)
			}
			m.IsHistorical = v != 0
			b = b[n:]
		case num == metricFieldIsTransient && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("%w: is_transient", ErrMalformedPayload)
			}
			m.IsTransient = v != 0
			b = b[n:]
		case num == metricFieldIsNull && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("%w: is_null", ErrMalformedPayload)
			}
			m.IsNull = v != 0
			b = b[n:]
		case num == metricFieldProperties && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return m, fmt.Errorf("%w: metric properties", ErrMalformedPayload)
			}
			q, ok, err := decodeQualityProperty(raw)
			if err != nil {
				return m, err
			}
			if ok {
				m.Quality, m.HasQuality = q, true
			}
			b = b[n:]
		case num == metricFieldIntValue && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("%w: int value", ErrMalformedPayload)
			}
			intVal, hasInt = v, true
			b = b[n:]
		case num == metricFieldLongValue && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("%w: long value", ErrMalformedPayload)
			}
			longVal, hasLong = v, true
			b = b[n:]
		case num == metricFieldFloatValue && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return m, fmt.Errorf("%w: float value", ErrMalformedPayload)
			}
			m.Value = math.Float32frombits(v)
			b = b[n:]
		case num == metricFieldDoubleValue && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return m, fmt.Errorf("%w: double value", ErrMalformedPayload)
			}
			m.Value = math.Float64frombits(v)
			b = b[n:]
		case num == metricFieldBoolValue && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("%w: bool value", ErrMalformedPayload)
			}
			m.Value = v != 0
			b = b[n:]
		case num == metricFieldStringValue && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return m, fmt.Errorf("%w: string value", ErrMalformedPayload)
			}
			m.Value = v
			b = b[n:]
		case num == metricFieldBytesValue && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return m, fmt.Errorf("%w: bytes value", ErrMalformedPayload)
			}
			m.Value = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return m, fmt.Errorf("%w: metric field %d", ErrMalformedPayload, num)
			}
			b = b[n:]
		}
	}
	if m.IsNull {
		return m, nil
	}
	// Integer values travel untyped on the wire; re-sign them per datatype.
	switch {
	case hasInt && m.DataType.signed():
		switch m.DataType {
		case TypeInt8:
			m.Value = int64(int8(uint8(intVal)))
		case TypeInt16:
			m.Value = int64(int16(uint16(intVal)))
		default:
			m.Value = int64(int32(uint32(intVal)))
		}
	case hasInt:
		m.Value = intVal
	case hasLong && m.DataType == TypeDateTime:
		m.Value = time.UnixMilli(int64(longVal)).UTC()
	case hasLong && m.DataType.signed():
		m.Value = int64(longVal)
	case hasLong:
		m.Value = longVal
	}
	return m, nil
}
