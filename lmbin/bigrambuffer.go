package lmbin

import (
	"encoding/binary"
	"fmt"
)

const (
	// BytesPerBigram is the packed size of one bigram record.
	BytesPerBigram = 8
	// BytesPerTrigram is the packed size of one trigram record.
	BytesPerTrigram = 4
)

// BigramProbability is one decoded bigram record. WhichFollower is the
// position of the record inside its predecessor's slice; the probability and
// backoff fields index the shared tables, FirstTrigramEntry holds the low
// bits of the record's cumulative trigram index.
type BigramProbability struct {
	WhichFollower     int
	WordID            int32
	ProbabilityID     int32
	BackoffID         int32
	FirstTrigramEntry int32
}

// BigramBuffer interprets a raw byte slice as the bigram followers of one
// predecessor word. The slice holds numberFollowers real records plus one
// sentinel record, which exists only so that the cumulative trigram offset of
// the last real record can be computed.
type BigramBuffer struct {
	bytebuffer      []byte
	numberFollowers int
	bo              binary.ByteOrder
	used            bool
}

func NewBigramBuffer(bytebuffer []byte, numberFollowers int, bigEndian bool) (*BigramBuffer, error) {
	if len(bytebuffer) < (numberFollowers+1)*BytesPerBigram {
		return nil, fmt.Errorf("short bigram buffer: %d bytes for %d followers",
			len(bytebuffer), numberFollowers)
	}
	b := &BigramBuffer{
		bytebuffer:      bytebuffer,
		numberFollowers: numberFollowers,
		bo:              byteOrder(bigEndian),
	}
	prev := int32(-1)
	for i := 0; i < numberFollowers; i++ {
		w := b.WordID(i)
		if w <= prev {
			return nil, fmt.Errorf("bigram followers out of order: %d after %d at %d", w, prev, i)
		}
		prev = w
	}
	return b, nil
}

func byteOrder(bigEndian bool) binary.ByteOrder {
	if bigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// NumberNGrams is the number of real followers, excluding the sentinel.
func (b *BigramBuffer) NumberNGrams() int {
	return b.numberFollowers
}

func (b *BigramBuffer) WordID(index int) int32 {
	_, w := bufferToUint16(b.bytebuffer, index*BytesPerBigram, b.bo)
	return int32(w)
}

// BigramProbability decodes the record at index. The sentinel at index
// NumberNGrams() is addressable here; callers use it for offset arithmetic
// only.
func (b *BigramBuffer) BigramProbability(index int) *BigramProbability {
	offset := index * BytesPerBigram
	offset, wordID := bufferToUint16(b.bytebuffer, offset, b.bo)
	offset, probabilityID := bufferToUint16(b.bytebuffer, offset, b.bo)
	offset, backoffID := bufferToUint16(b.bytebuffer, offset, b.bo)
	_, firstTrigramEntry := bufferToUint16(b.bytebuffer, offset, b.bo)
	return &BigramProbability{
		WhichFollower:     index,
		WordID:            int32(wordID),
		ProbabilityID:     int32(probabilityID),
		BackoffID:         int32(backoffID),
		FirstTrigramEntry: int32(firstTrigramEntry),
	}
}

// FindBigram binary-searches the followers for the given word id. The
// sentinel record is never considered. Returns nil if the word is not a
// follower.
func (b *BigramBuffer) FindBigram(wordID int32) *BigramProbability {
	low, high := 0, b.numberFollowers-1
	for low <= high {
		mid := (low + high) >> 1
		w := b.WordID(mid)
		switch {
		case w < wordID:
			low = mid + 1
		case w > wordID:
			high = mid - 1
		default:
			return b.BigramProbability(mid)
		}
	}
	return nil
}

func (b *BigramBuffer) Used() bool {
	return b.used
}

func (b *BigramBuffer) SetUsed(used bool) {
	b.used = used
}
