package lmbin

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ModelDump holds the raw contents of a trigram model file, probabilities in
// log base 10 as the on-disk format stores them. WriteTo serializes the exact
// layout NewBinaryLoader parses, in either byte order.
type ModelDump struct {
	BigEndian            bool
	LogBigramSegmentSize int

	// Words holds one string per unigram record, sentinel included.
	Words    []string
	Unigrams []DumpUnigram
	// Bigrams carries the global sentinel as its last record.
	Bigrams             []DumpBigram
	Trigrams            []DumpTrigram
	BigramProbTable     []float32
	TrigramBackoffTable []float32
	TrigramProbTable    []float32
	TrigramSegmentTable []int32
}

type DumpUnigram struct {
	Log10Probability float32
	Log10Backoff     float32
	FirstBigramEntry int32
}

type DumpBigram struct {
	WordID            uint16
	ProbabilityID     uint16
	BackoffID         uint16
	FirstTrigramEntry uint16
}

type DumpTrigram struct {
	WordID        uint16
	ProbabilityID uint16
}

func (d *ModelDump) numberUnigrams() int { return len(d.Unigrams) - 1 }

func (d *ModelDump) numberBigrams() int {
	if len(d.Bigrams) == 0 {
		return 0
	}
	return len(d.Bigrams) - 1
}

// WriteTo writes the model in the binary DMP layout.
func (d *ModelDump) WriteTo(w io.Writer) (int64, error) {
	if len(d.Unigrams) < 2 {
		return 0, fmt.Errorf("model dump needs at least one unigram plus the sentinel")
	}
	if len(d.Words) != len(d.Unigrams) {
		return 0, fmt.Errorf("word count %d does not match unigram count %d",
			len(d.Words), len(d.Unigrams))
	}

	bo := byteOrder(d.BigEndian)
	cw := &countingWriter{w: w}

	header := append([]byte(darpaTrigramHeader), 0)
	version := int32(-3)
	for _, v := range []interface{}{
		int32(len(header)), header, version, int32(0),
		int32(d.LogBigramSegmentSize),
		int32(0), // no format description strings
		int32(d.numberUnigrams()), int32(d.numberBigrams()), int32(len(d.Trigrams)),
	} {
		if err := binary.Write(cw, bo, v); err != nil {
			return cw.n, err
		}
	}

	for i, u := range d.Unigrams {
		for _, v := range []interface{}{int32(i), u.Log10Probability, u.Log10Backoff, u.FirstBigramEntry} {
			if err := binary.Write(cw, bo, v); err != nil {
				return cw.n, err
			}
		}
	}
	for _, b := range d.Bigrams {
		if err := binary.Write(cw, bo, b); err != nil {
			return cw.n, err
		}
	}
	for _, t := range d.Trigrams {
		if err := binary.Write(cw, bo, t); err != nil {
			return cw.n, err
		}
	}

	if d.numberBigrams() > 0 {
		if err := writeFloatTable(cw, bo, d.BigramProbTable); err != nil {
			return cw.n, err
		}
	}
	if len(d.Trigrams) > 0 {
		if err := writeFloatTable(cw, bo, d.TrigramBackoffTable); err != nil {
			return cw.n, err
		}
		if err := writeFloatTable(cw, bo, d.TrigramProbTable); err != nil {
			return cw.n, err
		}
		if err := binary.Write(cw, bo, int32(len(d.TrigramSegmentTable))); err != nil {
			return cw.n, err
		}
		if err := binary.Write(cw, bo, d.TrigramSegmentTable); err != nil {
			return cw.n, err
		}
	}

	var words []byte
	for _, word := range d.Words {
		words = append(words, word...)
		words = append(words, 0)
	}
	if err := binary.Write(cw, bo, int32(len(words))); err != nil {
		return cw.n, err
	}
	if _, err := cw.Write(words); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

// SegmentTable computes the trigram segment table implied by the bigram
// records: one entry per 1<<logSegSize bigram positions, holding the high
// bits of the cumulative trigram index at the segment boundary.
func (d *ModelDump) SegmentTable(cumulative []int32) []int32 {
	size := ((d.numberBigrams() + 1) >> d.LogBigramSegmentSize) + 1
	table := make([]int32, size)
	for s := 0; s < size; s++ {
		pos := s << d.LogBigramSegmentSize
		if pos >= len(cumulative) {
			pos = len(cumulative) - 1
		}
		table[s] = cumulative[pos]
	}
	return table
}

func writeFloatTable(w io.Writer, bo binary.ByteOrder, table []float32) error {
	if err := binary.Write(w, bo, int32(len(table))); err != nil {
		return err
	}
	return binary.Write(w, bo, table)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}
