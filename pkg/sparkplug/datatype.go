// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OEELab (https://www.oeelab.io/).
// Copyright 2024-present OEELab, Inc.

package sparkplug

// DataType is the Sparkplug metric datatype code.
type DataType uint32

// Supported datatype codes, numbered per the Sparkplug B specification.
const (
	TypeUnknown  DataType = 0
	TypeInt8     DataType = 1
	TypeInt16    DataType = 2
	TypeInt32    DataType = 3
	TypeInt64    DataType = 4
	TypeUInt8    DataType = 5
	TypeUInt16   DataType = 6
	TypeUInt32   DataType = 7
	TypeUInt64   DataType = 8
	TypeFloat    DataType = 9
	TypeDouble   DataType = 10
	TypeBoolean  DataType = 11
	TypeString   DataType = 12
	TypeDateTime DataType = 13
)

func (d DataType) String() string {
	switch d {
	case TypeInt8:
		return "Int8"
	case TypeInt16:
		return "Int16"
	case TypeInt32:
		return "Int32"
	case TypeInt64:
		return "Int64"
	case TypeUInt8:
		return "UInt8"
	case TypeUInt16:
		return "UInt16"
	case TypeUInt32:
		return "UInt32"
	case TypeUInt64:
		return "UInt64"
	case TypeFloat:
		return "Float"
	case TypeDouble:
		return "Double"
	case TypeBoolean:
		return "Boolean"
	case TypeString:
		return "String"
	case TypeDateTime:
		return "DateTime"
	}
	return "Unknown"
}

// Valid reports whether the code is one this implementation can carry.
func (d DataType) Valid() bool {
	return d >= TypeInt8 && d <= TypeDateTime
}

// signed reports whether the datatype carries a signed integer.
func (d DataType) signed() bool {
	return d >= TypeInt8 && d <= TypeInt64
}

// wide reports whether the integer value travels in the 64-bit long field.
func (d DataType) wide() bool {
	return d == TypeInt64 || d == TypeUInt64 || d == TypeDateTime
}
