package lmbin

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kastnerkyle/cmusphinx/logmath"
)

// testDump builds a three-word model: followers A->B and B->C, one trigram
// (A,B)->A. Probabilities are log base 10 as on disk.
func testDump(bigEndian bool) *ModelDump {
	return &ModelDump{
		BigEndian:            bigEndian,
		LogBigramSegmentSize: 9,
		Words:                []string{"A", "B", "C", ""},
		Unigrams: []DumpUnigram{
			{Log10Probability: -0.5, Log10Backoff: -0.15, FirstBigramEntry: 0},
			{Log10Probability: -0.6, Log10Backoff: -0.2, FirstBigramEntry: 1},
			{Log10Probability: -1.0, Log10Backoff: -0.1, FirstBigramEntry: 2},
			{FirstBigramEntry: 2},
		},
		Bigrams: []DumpBigram{
			{WordID: 1, ProbabilityID: 0, BackoffID: 0, FirstTrigramEntry: 0},
			{WordID: 2, ProbabilityID: 1, BackoffID: 1, FirstTrigramEntry: 1},
			{FirstTrigramEntry: 1},
		},
		Trigrams:            []DumpTrigram{{WordID: 0, ProbabilityID: 0}},
		BigramProbTable:     []float32{-0.30103, -0.4},
		TrigramBackoffTable: []float32{-0.1, -0.3},
		TrigramProbTable:    []float32{-0.7},
		TrigramSegmentTable: []int32{0},
	}
}

func writeTestModel(t *testing.T, dump *ModelDump) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.dmp")
	fd, err := os.Create(path)
	require.NoError(t, err)
	_, err = dump.WriteTo(fd)
	require.NoError(t, err)
	require.NoError(t, fd.Close())
	return path
}

func newTestLogMath(t *testing.T) *logmath.LogMath {
	t.Helper()
	lm, err := logmath.NewLogMath(logmath.DefaultBase)
	require.NoError(t, err)
	return lm
}

func openTestLoader(t *testing.T, dump *ModelDump) *BinaryLoader {
	t.Helper()
	lm := newTestLogMath(t)
	loader, err := NewBinaryLoader("DMP", writeTestModel(t, dump), false, lm, 1.0, 1.0, 1.0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = loader.Close() })
	return loader
}

func TestBinaryLoader_Layout(t *testing.T) {
	for _, bigEndian := range []bool{false, true} {
		loader := openTestLoader(t, testDump(bigEndian))

		assert.Equal(t, bigEndian, loader.BigEndian())
		assert.Equal(t, 3, loader.NumberUnigrams())
		assert.Equal(t, 2, loader.NumberBigrams())
		assert.Equal(t, 1, loader.NumberTrigrams())
		assert.Equal(t, 3, loader.MaxDepth())
		assert.Equal(t, 9, loader.LogBigramSegmentSize())
		assert.Equal(t, []string{"A", "B", "C"}, loader.Words())
		assert.Len(t, loader.Unigrams(), 3)
		assert.Equal(t, []int32{0}, loader.TrigramSegments())
	}
}

func TestBinaryLoader_ProbabilityConversion(t *testing.T) {
	loader := openTestLoader(t, testDump(false))
	lm := newTestLogMath(t)

	// Tabled values arrive in the host base; linearized they must mean the
	// same probabilities the file stored in log10.
	assert.InEpsilon(t, 0.5, lm.LogToLinear(loader.BigramProbabilities()[0]), 1e-4)
	assert.InEpsilon(t, math.Pow(10, -0.5), lm.LogToLinear(loader.Unigrams()[0].LogProbability), 1e-4)
	assert.Equal(t, lm.Log10ToLog(-0.15), loader.Unigrams()[0].LogBackoff)
	assert.Equal(t, lm.Log10ToLog(-0.7), loader.TrigramProbabilities()[0])
	assert.Equal(t, lm.Log10ToLog(-0.1), loader.TrigramBackoffWeights()[0])
}

func TestBinaryLoader_EndiannessAgrees(t *testing.T) {
	little := openTestLoader(t, testDump(false))
	big := openTestLoader(t, testDump(true))

	assert.Equal(t, little.BigramProbabilities(), big.BigramProbabilities())
	assert.Equal(t, little.TrigramProbabilities(), big.TrigramProbabilities())
	assert.Equal(t, little.Words(), big.Words())
	for i := range little.Unigrams() {
		assert.Equal(t, *little.Unigrams()[i], *big.Unigrams()[i])
	}
}

func TestBinaryLoader_LanguageWeightAndWip(t *testing.T) {
	lm := newTestLogMath(t)
	path := writeTestModel(t, testDump(false))
	loader, err := NewBinaryLoader("DMP", path, true, lm, 0.5, 0.5, 1.0)
	require.NoError(t, err)
	defer loader.Close()

	logWip := lm.LinearToLog(0.5)
	assert.Equal(t, lm.Log10ToLog(-0.30103)*0.5+logWip, loader.BigramProbabilities()[0])
	assert.Equal(t, lm.Log10ToLog(-0.7)*0.5+logWip, loader.TrigramProbabilities()[0])
	// Backoff weights take the language weight but no insertion penalty.
	assert.Equal(t, lm.Log10ToLog(-0.1)*0.5, loader.TrigramBackoffWeights()[0])
	assert.Equal(t, lm.Log10ToLog(-0.15)*0.5, loader.Unigrams()[0].LogBackoff)
}

func TestBinaryLoader_UnigramWeight(t *testing.T) {
	lm := newTestLogMath(t)
	path := writeTestModel(t, testDump(false))
	loader, err := NewBinaryLoader("DMP", path, false, lm, 1.0, 1.0, 0.5)
	require.NoError(t, err)
	defer loader.Close()

	logHalf := lm.LinearToLog(0.5)
	logUniform := lm.LinearToLog(1.0 / 3.0)
	want := lm.AddAsLinear(lm.Log10ToLog(-0.5)+logHalf, logUniform+logHalf)
	assert.Equal(t, want, loader.Unigrams()[0].LogProbability)
}

func TestBinaryLoader_BufferSections(t *testing.T) {
	loader := openTestLoader(t, testDump(false))

	raw, err := loader.LoadBuffer(loader.BigramOffset(), 3*BytesPerBigram)
	require.NoError(t, err)
	buffer, err := NewBigramBuffer(raw, 2, loader.BigEndian())
	require.NoError(t, err)
	assert.Equal(t, int32(1), buffer.WordID(0))
	assert.Equal(t, int32(2), buffer.WordID(1))

	raw, err = loader.LoadBuffer(loader.TrigramOffset(), BytesPerTrigram)
	require.NoError(t, err)
	trigrams, err := NewTrigramBuffer(raw, 1, loader.BigEndian())
	require.NoError(t, err)
	assert.Equal(t, int32(0), trigrams.FindProbabilityID(0))
}

func TestBinaryLoader_Errors(t *testing.T) {
	lm := newTestLogMath(t)

	t.Run("unsupported format", func(t *testing.T) {
		_, err := NewBinaryLoader("ARPA", writeTestModel(t, testDump(false)), false, lm, 1, 1, 1)
		assert.Error(t, err)
	})

	t.Run("bad magic", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.dmp")
		require.NoError(t, os.WriteFile(path, []byte("this is not a language model"), 0644))
		_, err := NewBinaryLoader("DMP", path, false, lm, 1, 1, 1)
		assert.Error(t, err)
	})

	t.Run("truncated", func(t *testing.T) {
		path := writeTestModel(t, testDump(false))
		contents, err := os.ReadFile(path)
		require.NoError(t, err)
		short := filepath.Join(t.TempDir(), "short.dmp")
		require.NoError(t, os.WriteFile(short, contents[:len(contents)-10], 0644))
		_, err = NewBinaryLoader("DMP", short, false, lm, 1, 1, 1)
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := NewBinaryLoader("DMP", filepath.Join(t.TempDir(), "nope.dmp"), false, lm, 1, 1, 1)
		assert.Error(t, err)
	})

	t.Run("non-monotone bigram entries", func(t *testing.T) {
		dump := testDump(false)
		dump.Unigrams[1].FirstBigramEntry = 2
		dump.Unigrams[2].FirstBigramEntry = 1
		_, err := NewBinaryLoader("DMP", writeTestModel(t, dump), false, lm, 1, 1, 1)
		assert.Error(t, err)
	})

	t.Run("buffer read out of range", func(t *testing.T) {
		loader := openTestLoader(t, testDump(false))
		_, err := loader.LoadBuffer(1<<40, 8)
		assert.Error(t, err)
	})
}
