package device

import (
	"encoding/binary"
	"math"
)

// Device memory is little-endian, matching the host architectures the
// simulated driver runs on.

// Float64ToFloat32 converts a slice of float64 to float32
func Float64ToFloat32(input []float64) []float32 {
	output := make([]float32, len(input))
	for i, v := range input {
		output[i] = float32(v)
	}
	return output
}

// Float32ToFloat64 converts a slice of float32 to float64
func Float32ToFloat64(input []float32) []float64 {
	output := make([]float64, len(input))
	for i, v := range input {
		output[i] = float64(v)
	}
	return output
}

// BytesToFloat32 decodes a little-endian float32 array. Trailing bytes that
// do not form a whole element are ignored.
func BytesToFloat32(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}

// Float32ToBytes encodes values as a little-endian float32 array.
func Float32ToBytes(values []float32) []byte {
	out := make([]byte, len(values)*4)
	PutFloat32s(out, values)
	return out
}

// PutFloat32s writes values into dst, which must hold len(values)*4 bytes.
func PutFloat32s(dst []byte, values []float32) {
	for i, v := range values {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
	}
}

func GetInt32(b []byte) int32 {
	return int32(binary.LittleEndian.Uint32(b))
}

func PutInt32(b []byte, v int32) {
	binary.LittleEndian.PutUint32(b, uint32(v))
}
