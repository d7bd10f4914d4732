package cmusphinx

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/kastnerkyle/cmusphinx/lmbin"
	"github.com/kastnerkyle/cmusphinx/logmath"
)

// smearMagic marks a smear sidecar file.
const smearMagic = uint32(0xC0CAC01A)

// GetSmear returns the smear term of the given history: a scalar summarizing
// the expected log-probability contribution of extending the history by one
// word, used by the decoder to tighten pruning. Without FullSmear every
// history smears to one.
func (m *TrigramModel) GetSmear(wordSequence WordSequence) (float32, error) {
	smearTerm := float32(1.0)
	if !m.config.FullSmear {
		return smearTerm, nil
	}
	m.smearCount++
	length := wordSequence.Size()
	if length == 1 {
		wordID, err := m.GetWordID(wordSequence.Word(0))
		if err != nil {
			return 0, err
		}
		smearTerm = m.unigramSmearTerm[wordID]
	} else if length >= 2 {
		wordID1, err := m.GetWordID(wordSequence.Word(length - 2))
		if err != nil {
			return 0, err
		}
		wordID2, err := m.GetWordID(wordSequence.Word(length - 1))
		if err != nil {
			return 0, err
		}
		if st, ok := m.getSmearTerm(wordID1, wordID2); ok {
			smearTerm = st
			m.smearBigramHit++
		} else {
			smearTerm = m.unigramSmearTerm[wordID2]
		}
	}
	if m.smearCount%100000 == 0 {
		m.logger.Debugf("smear hit: %d tot: %d", m.smearBigramHit, m.smearCount)
	}
	return smearTerm, nil
}

// SmearCount counts GetSmear calls under FullSmear.
func (m *TrigramModel) SmearCount() int { return m.smearCount }

// SmearBigramHit counts GetSmear calls answered from a bigram smear term.
func (m *TrigramModel) SmearBigramHit() int { return m.smearBigramHit }

func (m *TrigramModel) putSmearTerm(wordID1, wordID2 int32, smearTerm float32) {
	m.bigramSmearMap[smearKey(wordID1, wordID2)] = smearTerm
}

func (m *TrigramModel) getSmearTerm(wordID1, wordID2 int32) (float32, bool) {
	st, ok := m.bigramSmearMap[smearKey(wordID1, wordID2)]
	return st, ok
}

func smearKey(wordID1, wordID2 int32) uint64 {
	return uint64(uint32(wordID1))<<32 | uint64(uint32(wordID2))
}

// buildSmearInfo derives the unigram and bigram smear terms from the whole
// model. The per-unigram pass accumulates the observed-follower terms plus a
// backed-off tail computed from the global unigram sums; the per-bigram pass
// repeats the shape one order higher, reusing the unigram accumulators for
// its own tail.
func (m *TrigramModel) buildSmearInfo() error {
	var s0, r0 float64

	m.bigramSmearMap = make(map[uint64]float32)

	numberUnigrams := len(m.unigrams)
	ugNumerator := make([]float64, numberUnigrams)
	ugDenominator := make([]float64, numberUnigrams)
	ugAvgLogProb := make([]float64, numberUnigrams)
	m.unigramSmearTerm = make([]float32, numberUnigrams)

	for _, unigram := range m.unigrams {
		logp := unigram.LogProbability
		p := m.logMath.LogToLinear(logp)
		s0 += p * float64(logp)
		r0 += p * float64(logp) * float64(logp)
	}

	for i := 0; i < numberUnigrams; i++ {
		bigram, err := m.buffers.bigrams(int32(i))
		if err != nil {
			return err
		}
		if bigram == nil {
			m.unigramSmearTerm[i] = logmath.LogOne()
			continue
		}

		logugbackoff := m.unigrams[i].LogBackoff
		ugbackoff := m.logMath.LogToLinear(logugbackoff)

		for j := 0; j < bigram.NumberNGrams(); j++ {
			wordID := bigram.WordID(j)
			bgProb := bigram.BigramProbability(j)

			logugprob := m.unigrams[wordID].LogProbability
			logbgprob := m.bigramProbTable[bgProb.ProbabilityID]

			ugprob := m.logMath.LogToLinear(logugprob)
			bgprob := m.logMath.LogToLinear(logbgprob)

			backoffbgprob := ugbackoff * ugprob
			logbackoffbgprob := m.logMath.LinearToLog(backoffbgprob)

			ugNumerator[i] += (bgprob*float64(logbgprob) -
				backoffbgprob*float64(logbackoffbgprob)) * float64(logugprob)
			ugDenominator[i] += (bgprob - backoffbgprob) * float64(logugprob)
		}
		ugNumerator[i] += ugbackoff * (float64(logugbackoff)*s0 + r0)
		ugAvgLogProb[i] = ugDenominator[i] + ugbackoff*s0
		ugDenominator[i] += ugbackoff * r0

		m.unigramSmearTerm[i] = float32(ugNumerator[i] / ugDenominator[i])
	}

	for i := 0; i < numberUnigrams; i++ {
		bigram, err := m.buffers.bigrams(int32(i))
		if err != nil {
			return err
		}
		if bigram == nil {
			continue
		}
		for j := 0; j < bigram.NumberNGrams(); j++ {
			var smearTerm float32
			bgProb := bigram.BigramProbability(j)
			k := bigram.WordID(j)

			// Loaded outside the trigram buffer map on purpose: caching
			// every slice of the model for the sweep would hold the whole
			// trigram section in memory at once.
			var trigram *lmbin.TrigramBuffer
			if m.loader.NumberTrigrams() > 0 {
				trigram, err = m.buffers.loadTrigramBuffer(int32(i), k)
				if err != nil {
					return err
				}
			}

			if trigram == nil || trigram.NumberNGrams() == 0 {
				smearTerm = m.unigramSmearTerm[k]
			} else {
				logbgbackoff := m.trigramBackoffTable[bgProb.BackoffID]
				bgbackoff := m.logMath.LogToLinear(logbgbackoff)

				var bgNumerator, bgDenominator float64
				for l := 0; l < trigram.NumberNGrams(); l++ {
					wordID3 := trigram.WordID(l)
					logtgprob := m.trigramProbTable[trigram.ProbabilityID(l)]
					tgprob := m.logMath.LogToLinear(logtgprob)

					logbgprob, err := m.bigramProbByID(k, wordID3)
					if err != nil {
						return err
					}
					bgprob := m.logMath.LogToLinear(logbgprob)
					logugprob := m.unigrams[wordID3].LogProbability

					backofftgprob := bgbackoff * bgprob
					logbackofftgprob := m.logMath.LinearToLog(backofftgprob)

					bgNumerator += (tgprob*float64(logtgprob) -
						backofftgprob*float64(logbackofftgprob)) * float64(logugprob)
					bgDenominator += (tgprob - backofftgprob) *
						float64(logugprob) * float64(logugprob)
				}
				bgNumerator += bgbackoff * (float64(logbgbackoff)*ugAvgLogProb[k] - ugNumerator[k])
				bgDenominator += bgbackoff * ugDenominator[k]
				smearTerm = float32(bgNumerator / bgDenominator)
			}
			m.putSmearTerm(int32(i), k, smearTerm)
		}
		if i%10000 == 0 && i > 0 {
			m.logger.Debugf("smear: processed %d of %d", i, numberUnigrams)
		}
	}
	m.logger.Infof("smear terms: %d", len(m.bigramSmearMap))
	return nil
}

// bigramProbByID estimates P(w2|w1) by id: the tabled value when the record
// exists, the backed-off unigram estimate otherwise.
func (m *TrigramModel) bigramProbByID(wordID1, wordID2 int32) (float32, error) {
	bigram, err := m.buffers.bigrams(wordID1)
	if err != nil {
		return 0, err
	}
	if bigram != nil {
		if bigramProbability := bigram.FindBigram(wordID2); bigramProbability != nil {
			return m.bigramProbTable[bigramProbability.ProbabilityID], nil
		}
	}
	return m.unigrams[wordID1].LogBackoff + m.unigrams[wordID2].LogProbability, nil
}

// WriteSmearInfo persists the smear terms: magic, vocabulary size, the
// unigram terms, then per unigram a follower count and (word id, term)
// pairs. Integers and floats are written big-endian.
func (m *TrigramModel) WriteSmearInfo(filename string) error {
	if m.unigramSmearTerm == nil {
		return fmt.Errorf("no smear info to write")
	}
	fd, err := os.Create(filename)
	if err != nil {
		return errors.Wrap(err, "create smear file")
	}
	defer fd.Close()
	out := bufio.NewWriter(fd)

	if err := binary.Write(out, binary.BigEndian, smearMagic); err != nil {
		return err
	}
	if err := binary.Write(out, binary.BigEndian, int32(len(m.unigrams))); err != nil {
		return err
	}
	if err := binary.Write(out, binary.BigEndian, m.unigramSmearTerm); err != nil {
		return err
	}

	for i := 0; i < len(m.unigrams); i++ {
		bigram, err := m.buffers.bigrams(int32(i))
		if err != nil {
			return err
		}
		if bigram == nil {
			if err := binary.Write(out, binary.BigEndian, int32(0)); err != nil {
				return err
			}
			continue
		}
		if err := binary.Write(out, binary.BigEndian, int32(bigram.NumberNGrams())); err != nil {
			return err
		}
		for j := 0; j < bigram.NumberNGrams(); j++ {
			k := bigram.WordID(j)
			smearTerm, ok := m.getSmearTerm(int32(i), k)
			if !ok {
				return fmt.Errorf("missing smear term for bigram (%d,%d)", i, k)
			}
			if err := binary.Write(out, binary.BigEndian, k); err != nil {
				return err
			}
			if err := binary.Write(out, binary.BigEndian, smearTerm); err != nil {
				return err
			}
		}
	}
	return out.Flush()
}

// ReadSmearInfo loads a smear sidecar written by WriteSmearInfo. Bad magic
// or a vocabulary mismatch is an error; callers fall back to building the
// terms from the model.
func (m *TrigramModel) ReadSmearInfo(filename string) error {
	fd, err := os.Open(filename)
	if err != nil {
		return errors.Wrap(err, "open smear file")
	}
	defer fd.Close()
	in := bufio.NewReader(fd)

	var magic uint32
	if err := binary.Read(in, binary.BigEndian, &magic); err != nil {
		return err
	}
	if magic != smearMagic {
		return fmt.Errorf("bad smear magic in %s: %#x", filename, magic)
	}
	var count int32
	if err := binary.Read(in, binary.BigEndian, &count); err != nil {
		return err
	}
	if int(count) != len(m.unigrams) {
		return fmt.Errorf("bad unigram count in %s: %d, expected %d",
			filename, count, len(m.unigrams))
	}

	m.bigramSmearMap = make(map[uint64]float32)
	m.unigramSmearTerm = make([]float32, len(m.unigrams))
	if err := binary.Read(in, binary.BigEndian, m.unigramSmearTerm); err != nil {
		return err
	}

	for i := 0; i < len(m.unigrams); i++ {
		var numBigrams int32
		if err := binary.Read(in, binary.BigEndian, &numBigrams); err != nil {
			return err
		}
		bigram, err := m.buffers.bigrams(int32(i))
		if err != nil {
			return err
		}
		if bigram == nil {
			if numBigrams != 0 {
				return fmt.Errorf("bad ngrams for unigram %d: found %d, expected 0", i, numBigrams)
			}
			continue
		}
		if int(numBigrams) != bigram.NumberNGrams() {
			return fmt.Errorf("bad ngrams for unigram %d: found %d, expected %d",
				i, numBigrams, bigram.NumberNGrams())
		}
		for j := 0; j < int(numBigrams); j++ {
			var wordID int32
			var smearTerm float32
			if err := binary.Read(in, binary.BigEndian, &wordID); err != nil {
				return err
			}
			if err := binary.Read(in, binary.BigEndian, &smearTerm); err != nil {
				return err
			}
			k := bigram.WordID(j)
			if wordID != k {
				return fmt.Errorf("bad follower for bigram (%d,%d): found %d", i, k, wordID)
			}
			m.putSmearTerm(int32(i), k, smearTerm)
		}
	}
	return nil
}
