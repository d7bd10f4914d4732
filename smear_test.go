package cmusphinx

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSmearModel(t *testing.T, smearFile string) (*TrigramModel, *SimpleResolver) {
	t.Helper()
	return newTestModel(t, func(c *Config) {
		c.FullSmear = true
		c.SmearFile = smearFile
	})
}

func TestSmear_DisabledIsOne(t *testing.T) {
	model, resolver := newTestModel(t, nil)

	s, err := model.GetSmear(resolver.Sequence("A"))
	require.NoError(t, err)
	assert.Equal(t, float32(1.0), s)
	assert.Equal(t, 0, model.SmearCount())
}

func TestSmear_NoFollowerUnigram(t *testing.T) {
	model, resolver := newSmearModel(t, filepath.Join(t.TempDir(), "absent.dat"))

	// C has no bigram followers: its unigram smear is log one ...
	s, err := model.GetSmear(resolver.Sequence("C"))
	require.NoError(t, err)
	assert.Equal(t, float32(0.0), s)

	// ... and an unmapped bigram history falls back to it.
	s, err = model.GetSmear(resolver.Sequence("C", "C"))
	require.NoError(t, err)
	assert.Equal(t, float32(0.0), s)
}

func TestSmear_BuildAndQuery(t *testing.T) {
	model, resolver := newSmearModel(t, filepath.Join(t.TempDir(), "absent.dat"))

	// A and B have followers; their unigram smear terms must come out of
	// the double summation as finite values.
	for _, w := range []string{"A", "B"} {
		s, err := model.GetSmear(resolver.Sequence(w))
		require.NoError(t, err)
		assert.False(t, math.IsNaN(float64(s)), "unigram smear of %s", w)
		assert.False(t, math.IsInf(float64(s), 0), "unigram smear of %s", w)
	}

	// (A,B) has a trigram follower and carries its own smear term.
	before := model.SmearBigramHit()
	_, err := model.GetSmear(resolver.Sequence("A", "B"))
	require.NoError(t, err)
	assert.Equal(t, before+1, model.SmearBigramHit())

	// Histories longer than two words use the last two.
	long, err := model.GetSmear(resolver.Sequence("C", "A", "B"))
	require.NoError(t, err)
	short, err := model.GetSmear(resolver.Sequence("A", "B"))
	require.NoError(t, err)
	assert.Equal(t, short, long)

	_, err = model.GetSmear(resolver.Sequence("D"))
	assert.Error(t, err, "word absent from the model")
}

func TestSmear_RoundTrip(t *testing.T) {
	built, resolver1 := newSmearModel(t, filepath.Join(t.TempDir(), "absent.dat"))

	sidecar := filepath.Join(t.TempDir(), "smear.dat")
	require.NoError(t, built.WriteSmearInfo(sidecar))

	loaded, resolver2 := newSmearModel(t, sidecar)

	sequences := [][]string{
		{"A"}, {"B"}, {"C"},
		{"A", "B"}, {"B", "C"}, {"A", "C"}, {"C", "A"}, {"C", "C"},
	}
	for _, spellings := range sequences {
		want, err := built.GetSmear(resolver1.Sequence(spellings...))
		require.NoError(t, err)
		got, err := loaded.GetSmear(resolver2.Sequence(spellings...))
		require.NoError(t, err)
		assert.Equal(t, want, got, "sequence %v", spellings)
	}
}

func TestSmear_BadSidecarFallsBack(t *testing.T) {
	corrupt := filepath.Join(t.TempDir(), "smear.dat")
	require.NoError(t, os.WriteFile(corrupt, []byte("not a smear file"), 0644))

	// Allocation survives a bad sidecar by rebuilding from the model.
	rebuilt, resolver1 := newSmearModel(t, corrupt)
	reference, resolver2 := newSmearModel(t, filepath.Join(t.TempDir(), "absent.dat"))

	want, err := reference.GetSmear(resolver2.Sequence("A", "B"))
	require.NoError(t, err)
	got, err := rebuilt.GetSmear(resolver1.Sequence("A", "B"))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSmear_ReadRejectsBadSidecar(t *testing.T) {
	built, _ := newSmearModel(t, filepath.Join(t.TempDir(), "absent.dat"))
	sidecar := filepath.Join(t.TempDir(), "smear.dat")
	require.NoError(t, built.WriteSmearInfo(sidecar))

	// Truncating the trailer must fail the read, not poison the terms.
	contents, err := os.ReadFile(sidecar)
	require.NoError(t, err)
	short := filepath.Join(t.TempDir(), "short.dat")
	require.NoError(t, os.WriteFile(short, contents[:len(contents)-4], 0644))

	model, _ := newTestModel(t, nil)
	assert.Error(t, model.ReadSmearInfo(short))
	assert.Error(t, model.ReadSmearInfo(filepath.Join(t.TempDir(), "missing.dat")))
}
