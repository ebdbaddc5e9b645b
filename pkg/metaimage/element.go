package metaimage

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ElementType is a MetaImage pixel type name such as MET_UCHAR.
type ElementType string

const (
	MetChar   ElementType = "MET_CHAR"
	MetUChar  ElementType = "MET_UCHAR"
	MetShort  ElementType = "MET_SHORT"
	MetUShort ElementType = "MET_USHORT"
	MetInt    ElementType = "MET_INT"
	MetUInt   ElementType = "MET_UINT"
	MetFloat  ElementType = "MET_FLOAT"
	MetDouble ElementType = "MET_DOUBLE"
)

// Size returns the byte size of one element.
func (t ElementType) Size() (int, error) {
	switch t {
	case MetChar, MetUChar:
		return 1, nil
	case MetShort, MetUShort:
		return 2, nil
	case MetInt, MetUInt, MetFloat:
		return 4, nil
	case MetDouble:
		return 8, nil
	default:
		return 0, fmt.Errorf("%w: unsupported element type %q", ErrFormat, string(t))
	}
}

// decode converts raw bytes into float samples.
func (t ElementType) decode(data []byte, order binary.ByteOrder) ([]float64, error) {
	size, err := t.Size()
	if err != nil {
		return nil, err
	}
	n := len(data) / size
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		b := data[i*size : (i+1)*size]
		switch t {
		case MetChar:
			out[i] = float64(int8(b[0]))
		case MetUChar:
			out[i] = float64(b[0])
		case MetShort:
			out[i] = float64(int16(order.Uint16(b)))
		case MetUShort:
			out[i] = float64(order.Uint16(b))
		case MetInt:
			out[i] = float64(int32(order.Uint32(b)))
		case MetUInt:
			out[i] = float64(order.Uint32(b))
		case MetFloat:
			out[i] = float64(math.Float32frombits(order.Uint32(b)))
		case MetDouble:
			out[i] = math.Float64frombits(order.Uint64(b))
		}
	}
	return out, nil
}

// encodeFloat32 writes samples as little-endian MET_FLOAT.
func encodeFloat32(samples []float64) []byte {
	out := make([]byte, 4*len(samples))
	for i, v := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(float32(v)))
	}
	return out
}
