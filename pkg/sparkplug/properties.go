// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OEELab (https://www.oeelab.io/).
// Copyright 2024-present OEELab, Inc.

package sparkplug

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// The metric properties field carries a PropertySet. Only the conventional
// "Quality" property is modeled; every other key is skipped on decode.
const metricFieldProperties = 9

// PropertySet field numbers per sparkplug_b.proto.
const (
	propertySetFieldKeys   = 1
	propertySetFieldValues = 2
)

// PropertyValue field numbers per sparkplug_b.proto.
const (
	propertyValueFieldType = 1
	propertyValueFieldInt  = 3
)

const qualityPropertyKey = "Quality"

func appendQualityProperty(b []byte, quality byte) []byte {
	var val []byte
	val = protowire.AppendTag(val, propertyValueFieldType, protowire.VarintType)
	val = protowire.AppendVarint(val, uint64(TypeInt32))
	val = protowire.AppendTag(val, propertyValueFieldInt, protowire.VarintType)
	val = protowire.AppendVarint(val, uint64(quality))

	var set []byte
	set = protowire.AppendTag(set, propertySetFieldKeys, protowire.BytesType)
	set = protowire.AppendString(set, qualityPropertyKey)
	set = protowire.AppendTag(set, propertySetFieldValues, protowire.BytesType)
	set = protowire.AppendBytes(set, val)

	b = protowire.AppendTag(b, metricFieldProperties, protowire.BytesType)
	return protowire.AppendBytes(b, set)
}

// decodeQualityProperty extracts the Quality property from a PropertySet,
// returning ok=false when the set does not carry one.
func decodeQualityProperty(b []byte) (byte, bool, error) {
	var keys []string
	var values [][]byte
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, false, fmt.Errorf("%w: property tag", ErrMalformedPayload)
		}
		b = b[n:]
		switch {
		case num == propertySetFieldKeys && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return 0, false, fmt.Errorf("%w: property key", ErrMalformedPayload)
			}
			keys = append(keys, v)
			b = b[n:]
		case num == propertySetFieldValues && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, false, fmt.Errorf("%w: property value", ErrMalformedPayload)
			}
			values = append(values, v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return 0, false, fmt.Errorf("%w: property field %d", ErrMalformedPayload, num)
			}
			b = b[n:]
		}
	}
	for i, k := range keys {
		if k != qualityPropertyKey || i >= len(values) {
			continue
		}
		q, ok, err := decodePropertyInt(values[i])
		if err != nil || !ok {
			return 0, false, err
		}
		return byte(q), true, nil
	}
	return 0, false, nil
}

func decodePropertyInt(b []byte) (uint64, bool, error) {
	var val uint64
	var has bool
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, false, fmt.Errorf("%w: property value tag", ErrMalformedPayload)
		}
		b = b[n:]
		if num == propertyValueFieldInt && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, false, fmt.Errorf("%w: property int", ErrMalformedPayload)
			}
			val, has = v, true
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return 0, false, fmt.Errorf("%w: property value field %d", ErrMalformedPayload, num)
		}
		b = b[n:]
	}
	return val, has, nil
}
