package modbus

import (
	"fmt"
	"math"
)

// DataType is the encoding of a register value.
type DataType string

const (
	TypeUint16  DataType = "uint16"
	TypeInt16   DataType = "int16"
	TypeUint32  DataType = "uint32"
	TypeInt32   DataType = "int32"
	TypeFloat32 DataType = "float32"
)

// ParseDataType converts a config value. Empty means uint16.
func ParseDataType(s string) (DataType, error) {
	switch DataType(s) {
	case "":
		return TypeUint16, nil
	case TypeUint16, TypeInt16, TypeUint32, TypeInt32, TypeFloat32:
		return DataType(s), nil
	}
	return "", fmt.Errorf("unknown data type %q", s)
}

// Words returns the number of 16-bit registers the type occupies.
func (d DataType) Words() uint16 {
	switch d {
	case TypeUint32, TypeInt32, TypeFloat32:
		return 2
	}
	return 1
}

// Decode converts big-endian register words (high word first) to a number.
func (d DataType) Decode(words []uint16) (float64, error) {
	if len(words) < int(d.Words()) {
		return 0, fmt.Errorf("%s needs %d registers, got %d", d, d.Words(), len(words))
	}
	switch d {
	case TypeInt16:
		return float64(int16(words[0])), nil
	case TypeUint32:
		return float64(join(words)), nil
	case TypeInt32:
		return float64(int32(join(words))), nil
	case TypeFloat32:
		return float64(math.Float32frombits(join(words))), nil
	default:
		return float64(words[0]), nil
	}
}

// Encode converts a number to register words. Integer types are rounded
// and range checked.
func (d DataType) Encode(v float64) ([]uint16, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, fmt.Errorf("cannot encode %v as %s", v, d)
	}
	switch d {
	case TypeFloat32:
		return split(math.Float32bits(float32(v))), nil
	}

	r := math.Round(v)
	switch d {
	case TypeInt16:
		if r < math.MinInt16 || r > math.MaxInt16 {
			return nil, rangeError(v, d)
		}
		return []uint16{uint16(int16(r))}, nil
	case TypeUint32:
		if r < 0 || r > math.MaxUint32 {
			return nil, rangeError(v, d)
		}
		return split(uint32(r)), nil
	case TypeInt32:
		if r < math.MinInt32 || r > math.MaxInt32 {
			return nil, rangeError(v, d)
		}
		return split(uint32(int32(r))), nil
	default:
		if r < 0 || r > math.MaxUint16 {
			return nil, rangeError(v, d)
		}
		return []uint16{uint16(r)}, nil
	}
}

func rangeError(v float64, d DataType) error {
	return fmt.Errorf("value %v out of range for %s", v, d)
}

func join(words []uint16) uint32 {
	return uint32(words[0])<<16 | uint32(words[1])
}

func split(v uint32) []uint16 {
	return []uint16{uint16(v >> 16), uint16(v)}
}
