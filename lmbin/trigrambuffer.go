package lmbin

import (
	"encoding/binary"
	"fmt"
)

// TrigramBuffer interprets a raw byte slice as the trigram followers of one
// two-word history, sorted ascending by third word id.
type TrigramBuffer struct {
	bytebuffer   []byte
	numberNGrams int
	bo           binary.ByteOrder
}

func NewTrigramBuffer(bytebuffer []byte, numberNGrams int, bigEndian bool) (*TrigramBuffer, error) {
	if len(bytebuffer) < numberNGrams*BytesPerTrigram {
		return nil, fmt.Errorf("short trigram buffer: %d bytes for %d records",
			len(bytebuffer), numberNGrams)
	}
	t := &TrigramBuffer{
		bytebuffer:   bytebuffer,
		numberNGrams: numberNGrams,
		bo:           byteOrder(bigEndian),
	}
	prev := int32(-1)
	for i := 0; i < numberNGrams; i++ {
		w := t.WordID(i)
		if w <= prev {
			return nil, fmt.Errorf("trigram followers out of order: %d after %d at %d", w, prev, i)
		}
		prev = w
	}
	return t, nil
}

func (t *TrigramBuffer) NumberNGrams() int {
	return t.numberNGrams
}

func (t *TrigramBuffer) WordID(index int) int32 {
	_, w := bufferToUint16(t.bytebuffer, index*BytesPerTrigram, t.bo)
	return int32(w)
}

func (t *TrigramBuffer) ProbabilityID(index int) int32 {
	_, p := bufferToUint16(t.bytebuffer, index*BytesPerTrigram+2, t.bo)
	return int32(p)
}

// FindProbabilityID binary-searches for the third word and returns the
// probability table index of the matching record, or -1 when the trigram is
// not present.
func (t *TrigramBuffer) FindProbabilityID(wordID int32) int32 {
	low, high := 0, t.numberNGrams-1
	for low <= high {
		mid := (low + high) >> 1
		w := t.WordID(mid)
		switch {
		case w < wordID:
			low = mid + 1
		case w > wordID:
			high = mid - 1
		default:
			return t.ProbabilityID(mid)
		}
	}
	return -1
}
