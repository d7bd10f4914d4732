package lmbin

import (
	"encoding/binary"
	"fmt"
	"os"
	"strings"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"

	"github.com/kastnerkyle/cmusphinx/logmath"
)

const (
	// darpaTrigramHeader identifies a model produced by the CMU-Cambridge
	// SLM toolkit; the NUL-terminated string follows its own length word.
	darpaTrigramHeader = "Darpa Trigram LM"

	defaultLogBigramSegmentSize = 9
)

// BinaryLoader opens a binary trigram model, parses the header and the
// in-memory tables, and serves random-access byte ranges of the packed
// bigram and trigram sections. Probabilities are stored on disk in log base
// 10 and converted to the host log base while loading.
type BinaryLoader struct {
	fd        *os.File
	fmap      mmap.MMap
	bigEndian bool

	numberUnigrams       int
	numberBigrams        int
	numberTrigrams       int
	logBigramSegmentSize int
	maxDepth             int
	bigramOffset         int64
	trigramOffset        int64

	words               []string
	unigrams            []*UnigramProbability
	bigramProbTable     []float32
	trigramProbTable    []float32
	trigramBackoffTable []float32
	trigramSegmentTable []int32
}

// NewBinaryLoader memory-maps the model at location and parses everything
// except the packed bigram/trigram sections, whose offsets are recorded for
// LoadBuffer. When applyLanguageWeightAndWip is set, the language weight and
// word insertion penalty are baked into the tabled values; unigramWeight is
// always blended into the unigram probabilities.
func NewBinaryLoader(format string, location string, applyLanguageWeightAndWip bool,
	logMath *logmath.LogMath, languageWeight float64, wip float64, unigramWeight float64) (*BinaryLoader, error) {

	if format != "" && !strings.EqualFold(format, "DMP") {
		return nil, fmt.Errorf("unsupported language model format: %s", format)
	}

	fd, err := os.OpenFile(location, os.O_RDONLY, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open language model")
	}
	fmap, err := mmap.Map(fd, mmap.RDONLY, 0)
	if err != nil {
		_ = fd.Close()
		return nil, errors.Wrapf(err, "mmap language model: %s", location)
	}

	l := &BinaryLoader{fd: fd, fmap: fmap}
	if err := l.loadModelLayout(applyLanguageWeightAndWip, logMath, languageWeight, wip, unigramWeight); err != nil {
		_ = fmap.Unmap()
		_ = fd.Close()
		return nil, errors.Wrapf(err, "invalid language model: %s", location)
	}
	return l, nil
}

func (l *BinaryLoader) loadModelLayout(applyLanguageWeightAndWip bool, logMath *logmath.LogMath,
	languageWeight float64, wip float64, unigramWeight float64) error {

	buf := []byte(l.fmap)
	if err := l.remaining(0, 4); err != nil {
		return err
	}

	// The first word is the length of the id string including its NUL
	// terminator; reading it in the wrong byte order yields a wildly
	// different value, which is how the file's endianness is detected.
	headerLength := int32(binary.LittleEndian.Uint32(buf[0:4]))
	if int(headerLength) == len(darpaTrigramHeader)+1 {
		l.bigEndian = false
	} else if int(int32(binary.BigEndian.Uint32(buf[0:4]))) == len(darpaTrigramHeader)+1 {
		l.bigEndian = true
	} else {
		return fmt.Errorf("bad magic length: %#x", uint32(headerLength))
	}
	bo := byteOrder(l.bigEndian)

	offset := 4
	if err := l.remaining(offset, len(darpaTrigramHeader)+1); err != nil {
		return err
	}
	var header string
	offset, header = bufferToNulString(buf, offset)
	if header != darpaTrigramHeader {
		return fmt.Errorf("bad magic: %q", header)
	}

	if err := l.remaining(offset, 8); err != nil {
		return err
	}
	var version int32
	offset, version = bufferToInt32(buf, offset, bo)
	offset += 4 // creation timestamp, unused

	l.logBigramSegmentSize = defaultLogBigramSegmentSize
	if version <= -2 {
		if err := l.remaining(offset, 4); err != nil {
			return err
		}
		var segSize int32
		offset, segSize = bufferToInt32(buf, offset, bo)
		if segSize < 0 || segSize > 31 {
			return fmt.Errorf("bad bigram segment size: %d", segSize)
		}
		l.logBigramSegmentSize = int(segSize)
	}

	// Format description strings, terminated by a zero length.
	for {
		if err := l.remaining(offset, 4); err != nil {
			return err
		}
		var n int32
		offset, n = bufferToInt32(buf, offset, bo)
		if n == 0 {
			break
		}
		if n < 0 {
			return fmt.Errorf("bad format string length: %d", n)
		}
		if err := l.remaining(offset, int(n)); err != nil {
			return err
		}
		offset += int(n)
	}

	if err := l.remaining(offset, 12); err != nil {
		return err
	}
	var n1, n2, n3 int32
	offset, n1 = bufferToInt32(buf, offset, bo)
	offset, n2 = bufferToInt32(buf, offset, bo)
	offset, n3 = bufferToInt32(buf, offset, bo)
	if n1 <= 0 || n2 < 0 || n3 < 0 {
		return fmt.Errorf("bad ngram counts: %d/%d/%d", n1, n2, n3)
	}
	l.numberUnigrams = int(n1)
	l.numberBigrams = int(n2)
	l.numberTrigrams = int(n3)
	switch {
	case l.numberTrigrams > 0:
		l.maxDepth = 3
	case l.numberBigrams > 0:
		l.maxDepth = 2
	default:
		l.maxDepth = 1
	}

	var err error
	offset, err = l.readUnigrams(buf, offset, bo, logMath)
	if err != nil {
		return err
	}

	// The packed bigram and trigram sections are left on disk; only their
	// byte offsets are kept. The bigram section carries one global sentinel
	// record past its last real record; the trigram section has none.
	if l.numberBigrams > 0 {
		l.bigramOffset = int64(offset)
		size := (l.numberBigrams + 1) * BytesPerBigram
		if err := l.remaining(offset, size); err != nil {
			return err
		}
		offset += size
	}
	if l.numberTrigrams > 0 {
		l.trigramOffset = int64(offset)
		size := l.numberTrigrams * BytesPerTrigram
		if err := l.remaining(offset, size); err != nil {
			return err
		}
		offset += size
	}

	if l.numberBigrams > 0 {
		offset, l.bigramProbTable, err = l.readFloatTable(buf, offset, bo, logMath)
		if err != nil {
			return errors.Wrap(err, "bigram probability table")
		}
	}
	if l.numberTrigrams > 0 {
		offset, l.trigramBackoffTable, err = l.readFloatTable(buf, offset, bo, logMath)
		if err != nil {
			return errors.Wrap(err, "trigram backoff table")
		}
		offset, l.trigramProbTable, err = l.readFloatTable(buf, offset, bo, logMath)
		if err != nil {
			return errors.Wrap(err, "trigram probability table")
		}
		offset, err = l.readSegmentTable(buf, offset, bo)
		if err != nil {
			return errors.Wrap(err, "trigram segment table")
		}
	}

	offset, err = l.readWords(buf, offset, bo)
	if err != nil {
		return err
	}

	l.applyUnigramWeight(logMath, unigramWeight)
	l.applyLanguageWeightAndWip(applyLanguageWeightAndWip, logMath, languageWeight, wip)
	return nil
}

// readUnigrams decodes numberUnigrams+1 records; the final record is the
// sentinel whose FirstBigramEntry terminates the cumulative index chain.
func (l *BinaryLoader) readUnigrams(buf []byte, offset int, bo binary.ByteOrder,
	logMath *logmath.LogMath) (int, error) {

	count := l.numberUnigrams + 1
	if err := l.remaining(offset, count*16); err != nil {
		return 0, err
	}
	l.unigrams = make([]*UnigramProbability, count)
	prevEntry := int32(-1)
	for i := 0; i < count; i++ {
		var mapID, firstBigramEntry int32
		var prob, backoff float32
		offset, mapID = bufferToInt32(buf, offset, bo)
		offset, prob = bufferToFloat32(buf, offset, bo)
		offset, backoff = bufferToFloat32(buf, offset, bo)
		offset, firstBigramEntry = bufferToInt32(buf, offset, bo)
		if firstBigramEntry < prevEntry {
			return 0, fmt.Errorf("first bigram entries not monotone at unigram %d", i)
		}
		prevEntry = firstBigramEntry
		l.unigrams[i] = &UnigramProbability{
			LogProbability:   logMath.Log10ToLog(prob),
			LogBackoff:       logMath.Log10ToLog(backoff),
			FirstBigramEntry: firstBigramEntry,
			WordID:           mapID,
		}
	}
	if last := l.unigrams[count-1].FirstBigramEntry; int(last) > l.numberBigrams {
		return 0, fmt.Errorf("sentinel bigram entry %d exceeds bigram count %d", last, l.numberBigrams)
	}
	return offset, nil
}

// readFloatTable decodes one tabled-value block and rebases every entry from
// the on-disk log base 10 to the host log base.
func (l *BinaryLoader) readFloatTable(buf []byte, offset int, bo binary.ByteOrder,
	logMath *logmath.LogMath) (int, []float32, error) {

	if err := l.remaining(offset, 4); err != nil {
		return 0, nil, err
	}
	var n int32
	offset, n = bufferToInt32(buf, offset, bo)
	if n <= 0 || n > 1<<16 {
		return 0, nil, fmt.Errorf("bad table size: %d", n)
	}
	if err := l.remaining(offset, int(n)*4); err != nil {
		return 0, nil, err
	}
	offset, table := bufferToFloat32Array(buf, offset, int(n), bo)
	for i := range table {
		table[i] = logMath.Log10ToLog(table[i])
	}
	return offset, table, nil
}

func (l *BinaryLoader) readSegmentTable(buf []byte, offset int, bo binary.ByteOrder) (int, error) {
	if err := l.remaining(offset, 4); err != nil {
		return 0, err
	}
	var n int32
	offset, n = bufferToInt32(buf, offset, bo)
	want := ((l.numberBigrams + 1) >> l.logBigramSegmentSize) + 1
	if int(n) != want {
		return 0, fmt.Errorf("bad segment table size: %d, expected %d", n, want)
	}
	if err := l.remaining(offset, int(n)*4); err != nil {
		return 0, err
	}
	offset, l.trigramSegmentTable = bufferToInt32Array(buf, offset, int(n), bo)
	return offset, nil
}

// readWords decodes the NUL-separated word strings, one per unigram record
// including the sentinel's; the sentinel word stays out of the vocabulary.
func (l *BinaryLoader) readWords(buf []byte, offset int, bo binary.ByteOrder) (int, error) {
	if err := l.remaining(offset, 4); err != nil {
		return 0, err
	}
	var size int32
	offset, size = bufferToInt32(buf, offset, bo)
	if size < 0 {
		return 0, fmt.Errorf("bad word string size: %d", size)
	}
	if err := l.remaining(offset, int(size)); err != nil {
		return 0, err
	}
	end := offset + int(size)
	l.words = make([]string, 0, l.numberUnigrams)
	for i := 0; i <= l.numberUnigrams; i++ {
		if offset >= end {
			return 0, fmt.Errorf("word strings truncated: %d of %d", i, l.numberUnigrams+1)
		}
		var word string
		offset, word = bufferToNulString(buf[:end], offset)
		if i < l.numberUnigrams {
			l.words = append(l.words, word)
		}
	}
	return end, nil
}

// applyUnigramWeight interpolates every unigram probability with the uniform
// distribution: p' = uw*p + (1-uw)/N, computed in the log domain. A weight of
// one leaves the table untouched.
func (l *BinaryLoader) applyUnigramWeight(logMath *logmath.LogMath, unigramWeight float64) {
	logUnigramWeight := logMath.LinearToLog(unigramWeight)
	logNotUnigramWeight := logMath.LinearToLog(1.0 - unigramWeight)
	logUniform := logMath.LinearToLog(1.0 / float64(l.numberUnigrams))
	for i := 0; i < l.numberUnigrams; i++ {
		u := l.unigrams[i]
		p1 := u.LogProbability + logUnigramWeight
		p2 := logUniform + logNotUnigramWeight
		u.LogProbability = logMath.AddAsLinear(p1, p2)
	}
}

// applyLanguageWeightAndWip bakes the language weight and word insertion
// penalty into the already rebased tabled values. Backoff weights are scaled
// by the language weight only.
func (l *BinaryLoader) applyLanguageWeightAndWip(apply bool, logMath *logmath.LogMath, languageWeight float64, wip float64) {
	if !apply {
		return
	}
	lw := float32(languageWeight)
	logWip := logMath.LinearToLog(wip)
	for _, u := range l.unigrams {
		u.LogProbability = u.LogProbability*lw + logWip
		u.LogBackoff *= lw
	}
	for i := range l.bigramProbTable {
		l.bigramProbTable[i] = l.bigramProbTable[i]*lw + logWip
	}
	for i := range l.trigramProbTable {
		l.trigramProbTable[i] = l.trigramProbTable[i]*lw + logWip
	}
	for i := range l.trigramBackoffTable {
		l.trigramBackoffTable[i] *= lw
	}
}

func (l *BinaryLoader) remaining(offset int, size int) error {
	if offset < 0 || size < 0 || offset+size > len(l.fmap) {
		return fmt.Errorf("truncated model file: need %d bytes at %d, have %d",
			size, offset, len(l.fmap))
	}
	return nil
}

// LoadBuffer returns size bytes of the model starting at position. The slice
// aliases the mapping and must be treated as read-only.
func (l *BinaryLoader) LoadBuffer(position int64, size int) ([]byte, error) {
	if position < 0 || size < 0 || position+int64(size) > int64(len(l.fmap)) {
		return nil, errors.Errorf("buffer read out of range: %d bytes at %d", size, position)
	}
	return l.fmap[position : position+int64(size)], nil
}

// Close unmaps the model and closes the underlying file.
func (l *BinaryLoader) Close() error {
	if l.fmap != nil {
		if err := l.fmap.Unmap(); err != nil {
			return errors.Wrap(err, "unmap language model")
		}
		l.fmap = nil
	}
	if l.fd != nil {
		err := l.fd.Close()
		l.fd = nil
		return err
	}
	return nil
}

func (l *BinaryLoader) NumberUnigrams() int { return l.numberUnigrams }
func (l *BinaryLoader) NumberBigrams() int  { return l.numberBigrams }
func (l *BinaryLoader) NumberTrigrams() int { return l.numberTrigrams }

// MaxDepth is the deepest n-gram order the file carries: 1, 2 or 3.
func (l *BinaryLoader) MaxDepth() int { return l.maxDepth }

func (l *BinaryLoader) BigEndian() bool { return l.bigEndian }

func (l *BinaryLoader) LogBigramSegmentSize() int { return l.logBigramSegmentSize }

// BigramOffset is the byte offset of the packed bigram section.
func (l *BinaryLoader) BigramOffset() int64 { return l.bigramOffset }

// TrigramOffset is the byte offset of the packed trigram section.
func (l *BinaryLoader) TrigramOffset() int64 { return l.trigramOffset }

// Words returns the word list in word-id order, sentinel excluded.
func (l *BinaryLoader) Words() []string { return l.words }

// Unigrams returns the unigram table, one record per word id.
func (l *BinaryLoader) Unigrams() []*UnigramProbability {
	return l.unigrams[:l.numberUnigrams]
}

func (l *BinaryLoader) BigramProbabilities() []float32   { return l.bigramProbTable }
func (l *BinaryLoader) TrigramProbabilities() []float32  { return l.trigramProbTable }
func (l *BinaryLoader) TrigramBackoffWeights() []float32 { return l.trigramBackoffTable }
func (l *BinaryLoader) TrigramSegments() []int32         { return l.trigramSegmentTable }
