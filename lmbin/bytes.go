package lmbin

import (
	"encoding/binary"
	"math"
)

func bufferToUint16(bytebuffer []byte, offset int, bo binary.ByteOrder) (int, uint16) {
	offsetend := offset + 2
	return offsetend, bo.Uint16(bytebuffer[offset:offsetend])
}

func bufferToInt32(bytebuffer []byte, offset int, bo binary.ByteOrder) (int, int32) {
	offsetend := offset + 4
	return offsetend, int32(bo.Uint32(bytebuffer[offset:offsetend]))
}

func bufferToFloat32(bytebuffer []byte, offset int, bo binary.ByteOrder) (int, float32) {
	offsetend := offset + 4
	return offsetend, math.Float32frombits(bo.Uint32(bytebuffer[offset:offsetend]))
}

func bufferToFloat32Array(bytebuffer []byte, offset int, length int, bo binary.ByteOrder) (int, []float32) {
	array := make([]float32, length)
	for i := 0; i < length; i++ {
		offset, array[i] = bufferToFloat32(bytebuffer, offset, bo)
	}
	return offset, array
}

func bufferToInt32Array(bytebuffer []byte, offset int, length int, bo binary.ByteOrder) (int, []int32) {
	array := make([]int32, length)
	for i := 0; i < length; i++ {
		offset, array[i] = bufferToInt32(bytebuffer, offset, bo)
	}
	return offset, array
}

// bufferToNulString reads a NUL-terminated string starting at offset and
// returns the offset one past the terminator.
func bufferToNulString(bytebuffer []byte, offset int) (int, string) {
	i := offset
	for i < len(bytebuffer) && bytebuffer[i] != 0 {
		i++
	}
	return i + 1, string(bytebuffer[offset:i])
}
