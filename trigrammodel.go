package cmusphinx

import (
	"bufio"
	"fmt"
	"os"

	"github.com/emirpasic/gods/sets/treeset"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kastnerkyle/cmusphinx/lmbin"
	"github.com/kastnerkyle/cmusphinx/logmath"
)

// TrigramModel queries a binary trigram language model produced by the
// CMU-Cambridge SLM toolkit. Most of the model stays on disk; bigram and
// trigram follower slices are demand-paged into bounded caches. All returned
// probabilities are in the host log base.
//
// The model is single-threaded: queries, Start and Stop must not be called
// concurrently.
type TrigramModel struct {
	config   Config
	logger   *logrus.Logger
	logMath  *logmath.LogMath
	resolver WordResolver

	loader    *lmbin.BinaryLoader
	queryLog  *os.File
	logWriter *bufio.Writer
	maxDepth  int

	unigrams            []*lmbin.UnigramProbability
	bigramProbTable     []float32
	trigramProbTable    []float32
	trigramBackoffTable []float32

	unigramIDMap map[Word]*lmbin.UnigramProbability
	buffers      *bufferCache
	trigramCache *lru.Cache[trigramID, float32]
	bigramCache  *lru.Cache[bigramID, *lmbin.BigramProbability]

	unigramSmearTerm []float32
	bigramSmearMap   map[uint64]float32

	bigramMisses   int
	trigramMisses  int
	trigramHits    int
	smearCount     int
	smearBigramHit int

	allocated bool
}

// NewTrigramModel builds an unallocated model. The resolver supplies word
// handles; passing nil uses an interning resolver that accepts any spelling.
// Call Allocate before querying.
func NewTrigramModel(config Config, resolver WordResolver, logger *logrus.Logger) *TrigramModel {
	if resolver == nil {
		resolver = NewInterningResolver()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &TrigramModel{
		config:   config,
		resolver: resolver,
		logger:   logger,
	}
}

// LogMath exposes the model's log-base converter; scores from GetProbability
// are expressed in its base.
func (m *TrigramModel) LogMath() *logmath.LogMath {
	return m.logMath
}

// Allocate opens the model file, loads the in-memory tables and prepares the
// caches. With FullSmear set it also reads the smear sidecar, or computes the
// smear terms from scratch when the sidecar is absent or stale.
func (m *TrigramModel) Allocate() error {
	if m.allocated {
		return fmt.Errorf("language model already allocated")
	}
	m.config.FillDefaults()

	logMath, err := logmath.NewLogMath(m.config.LogBase)
	if err != nil {
		return err
	}
	m.logMath = logMath

	if m.config.QueryLogFile != "" {
		fd, err := os.Create(m.config.QueryLogFile)
		if err != nil {
			return errors.Wrap(err, "create query log")
		}
		m.queryLog = fd
		m.logWriter = bufio.NewWriter(fd)
	}

	loader, err := lmbin.NewBinaryLoader(m.config.Format, m.config.Location,
		m.config.ApplyLanguageWeightAndWip, logMath,
		m.config.LanguageWeight, m.config.WordInsertionProbability, m.config.UnigramWeight)
	if err != nil {
		return err
	}
	m.loader = loader
	m.unigrams = loader.Unigrams()
	m.bigramProbTable = loader.BigramProbabilities()
	m.trigramProbTable = loader.TrigramProbabilities()
	m.trigramBackoffTable = loader.TrigramBackoffWeights()

	m.maxDepth = m.config.MaxDepth
	if m.maxDepth <= 0 || m.maxDepth > loader.MaxDepth() {
		m.maxDepth = loader.MaxDepth()
	}

	m.buildUnigramIDMap()
	m.buffers = newBufferCache(loader, m.unigrams)

	m.trigramCache, err = lru.New[trigramID, float32](m.config.TrigramCacheSize)
	if err != nil {
		return err
	}
	m.bigramCache, err = lru.New[bigramID, *lmbin.BigramProbability](m.config.BigramCacheSize)
	if err != nil {
		return err
	}

	m.logger.Infof("unigrams: %d bigrams: %d trigrams: %d",
		loader.NumberUnigrams(), loader.NumberBigrams(), loader.NumberTrigrams())

	if m.config.FullSmear {
		if err := m.ReadSmearInfo(m.config.SmearFile); err != nil {
			m.logger.Infof("smear sidecar unusable, rebuilding: %s", err)
			if err := m.buildSmearInfo(); err != nil {
				return err
			}
		}
	}

	m.allocated = true
	return nil
}

// Deallocate releases the mapped model and the query log. The model can be
// allocated again afterwards.
func (m *TrigramModel) Deallocate() error {
	if m.logWriter != nil {
		_ = m.logWriter.Flush()
		m.logWriter = nil
	}
	if m.queryLog != nil {
		_ = m.queryLog.Close()
		m.queryLog = nil
	}
	m.unigramIDMap = nil
	m.buffers = nil
	m.trigramCache = nil
	m.bigramCache = nil
	m.unigramSmearTerm = nil
	m.bigramSmearMap = nil
	m.allocated = false
	if m.loader != nil {
		err := m.loader.Close()
		m.loader = nil
		return err
	}
	return nil
}

func (m *TrigramModel) buildUnigramIDMap() {
	missingWords := 0
	m.unigramIDMap = make(map[Word]*lmbin.UnigramProbability, len(m.unigrams))
	for i, spelling := range m.loader.Words() {
		word := m.resolver.Word(spelling)
		if word == nil {
			m.logger.Infof("missing word: %s", spelling)
			missingWords++
			continue
		}
		m.unigramIDMap[word] = m.unigrams[i]
	}
	if missingWords > 0 {
		m.logger.Warnf("dictionary is missing %d words contained in the language model", missingWords)
	}
}

// Start marks the beginning of an utterance.
func (m *TrigramModel) Start() {
	if m.logWriter != nil {
		fmt.Fprintln(m.logWriter, "<START_UTT>")
	}
}

// Stop marks the end of an utterance: untouched bigram slots and the whole
// trigram buffer map are dropped, and with ClearCachesAfterUtterance the LRU
// caches reset too.
func (m *TrigramModel) Stop() {
	m.clearCache()
	if m.logWriter != nil {
		fmt.Fprintln(m.logWriter, "<END_UTT>")
		_ = m.logWriter.Flush()
	}
}

func (m *TrigramModel) clearCache() {
	m.buffers.sweep()
	m.logger.Debugf("lm cache: 3-g %d 2-g %d", m.trigramCache.Len(), m.bigramCache.Len())
	if m.config.ClearCachesAfterUtterance {
		m.trigramCache.Purge()
		m.bigramCache.Purge()
	}
}

// GetProbability returns the log probability of the last word of the
// sequence given the preceding ones, with Katz back-off. Sequences longer
// than the model depth are errors, and so are unknown words in any position
// but the first; an unknown first word of a longer history drops it and
// answers from the shorter one.
func (m *TrigramModel) GetProbability(wordSequence WordSequence) (float32, error) {
	if m.logWriter != nil {
		fmt.Fprintln(m.logWriter, wordSequence.String())
	}
	if numberWords := wordSequence.Size(); numberWords <= m.maxDepth {
		switch numberWords {
		case 3:
			return m.getTrigramProbability(wordSequence)
		case 2:
			return m.getBigramProbability(wordSequence)
		case 1:
			return m.getUnigramProbability(wordSequence)
		}
	}
	return 0, fmt.Errorf("unsupported n-gram arity: %d", wordSequence.Size())
}

func (m *TrigramModel) getUnigramProbability(wordSequence WordSequence) (float32, error) {
	unigram := wordSequence.Word(0)
	unigramProb := m.getUnigram(unigram)
	if unigramProb == nil {
		return 0, fmt.Errorf("unigram not in language model: %s", spellingOf(unigram))
	}
	return unigramProb.LogProbability, nil
}

func (m *TrigramModel) getUnigram(unigram Word) *lmbin.UnigramProbability {
	if unigram == nil {
		return nil
	}
	return m.unigramIDMap[unigram]
}

func (m *TrigramModel) hasUnigram(unigram Word) bool {
	return m.getUnigram(unigram) != nil
}

// GetWordID returns the model-internal id of the word.
func (m *TrigramModel) GetWordID(word Word) (int32, error) {
	probability := m.getUnigram(word)
	if probability == nil {
		return 0, fmt.Errorf("no word id: %s", spellingOf(word))
	}
	return probability.WordID, nil
}

func spellingOf(word Word) string {
	if word == nil {
		return "<nil>"
	}
	return word.Spelling()
}

func (m *TrigramModel) getBigramProbability(wordSequence WordSequence) (float32, error) {
	firstWord := wordSequence.Word(0)
	if m.loader.NumberBigrams() <= 0 || !m.hasUnigram(firstWord) {
		return m.getUnigramProbability(wordSequence.Newest())
	}

	bigramProbability, err := m.findBigram(firstWord, wordSequence.Word(1))
	if err != nil {
		return 0, err
	}
	if bigramProbability != nil {
		return m.bigramProbTable[bigramProbability.ProbabilityID], nil
	}

	secondWord := wordSequence.Word(1)
	second := m.getUnigram(secondWord)
	if second == nil {
		return 0, fmt.Errorf("bad word2: %s", spellingOf(secondWord))
	}
	first := m.getUnigram(firstWord)
	m.bigramMisses++
	return first.LogBackoff + second.LogProbability, nil
}

// findBigram resolves the bigram record of (w1,w2) through the record LRU,
// or by searching w1's follower buffer on a miss. A nil record with nil
// error means the bigram is not in the model.
func (m *TrigramModel) findBigram(firstWord, secondWord Word) (*lmbin.BigramProbability, error) {
	firstWordID, err := m.GetWordID(firstWord)
	if err != nil {
		return nil, err
	}
	secondWordID, err := m.GetWordID(secondWord)
	if err != nil {
		return nil, err
	}
	key := bigramID{firstWordID, secondWordID}
	if bigramProbability, ok := m.bigramCache.Get(key); ok {
		return bigramProbability, nil
	}
	bigrams, err := m.buffers.bigrams(firstWordID)
	if err != nil || bigrams == nil {
		return nil, err
	}
	bigramProbability := bigrams.FindBigram(secondWordID)
	if bigramProbability != nil {
		m.bigramCache.Add(key, bigramProbability)
	}
	return bigramProbability, nil
}

func (m *TrigramModel) getTrigramProbability(wordSequence WordSequence) (float32, error) {
	firstWord := wordSequence.Word(0)
	if m.loader.NumberTrigrams() == 0 || !m.hasUnigram(firstWord) {
		return m.getBigramProbability(wordSequence.Newest())
	}

	firstWordID, err := m.GetWordID(firstWord)
	if err != nil {
		return 0, err
	}
	secondWordID, err := m.GetWordID(wordSequence.Word(1))
	if err != nil {
		return 0, err
	}
	thirdWordID, err := m.GetWordID(wordSequence.Word(2))
	if err != nil {
		return 0, err
	}

	key := trigramID{firstWordID, secondWordID, thirdWordID}
	if probability, ok := m.trigramCache.Get(key); ok {
		return probability, nil
	}

	var score float32
	trigramBuffer, err := m.buffers.trigrams(firstWordID, secondWordID)
	if err != nil {
		return 0, err
	}
	trigramProbID := int32(-1)
	if trigramBuffer != nil {
		trigramProbID = trigramBuffer.FindProbabilityID(thirdWordID)
	}

	if trigramProbID != -1 {
		m.trigramHits++
		score = m.trigramProbTable[trigramProbID]
	} else {
		m.trigramMisses++
		bigram, err := m.findBigram(firstWord, wordSequence.Word(1))
		if err != nil {
			return 0, err
		}
		rest, err := m.getBigramProbability(wordSequence.Newest())
		if err != nil {
			return 0, err
		}
		if bigram != nil {
			score = m.trigramBackoffTable[bigram.BackoffID] + rest
		} else {
			score = rest
		}
	}

	m.trigramCache.Add(key, score)
	return score, nil
}

// GetBackoff returns the stored backoff weight of the given context: the
// unigram backoff for a one-word context, the trigram backoff of the bigram
// record for a two-word context, and log one when the context is absent.
func (m *TrigramModel) GetBackoff(wordSequence WordSequence) (float32, error) {
	switch wordSequence.Size() {
	case 0:
		return logmath.LogOne(), nil
	case 1:
		unigram := m.getUnigram(wordSequence.Word(0))
		if unigram == nil {
			return logmath.LogOne(), nil
		}
		return unigram.LogBackoff, nil
	case 2:
		if m.loader.NumberTrigrams() == 0 {
			return logmath.LogOne(), nil
		}
		if !m.hasUnigram(wordSequence.Word(0)) || !m.hasUnigram(wordSequence.Word(1)) {
			return logmath.LogOne(), nil
		}
		bigram, err := m.findBigram(wordSequence.Word(0), wordSequence.Word(1))
		if err != nil {
			return 0, err
		}
		if bigram == nil {
			return logmath.LogOne(), nil
		}
		return m.trigramBackoffTable[bigram.BackoffID], nil
	}
	return 0, fmt.Errorf("unsupported backoff context: %d words", wordSequence.Size())
}

// GetMaxDepth returns the configured n-gram depth, at most the file's.
func (m *TrigramModel) GetMaxDepth() int {
	return m.maxDepth
}

// GetVocabulary returns the model's words as a sorted set.
func (m *TrigramModel) GetVocabulary() *treeset.Set {
	vocabulary := treeset.NewWithStringComparator()
	for _, word := range m.loader.Words() {
		vocabulary.Add(word)
	}
	return vocabulary
}

// BigramMisses counts bigram queries answered through backoff.
func (m *TrigramModel) BigramMisses() int { return m.bigramMisses }

// TrigramMisses counts trigram queries answered through backoff.
func (m *TrigramModel) TrigramMisses() int { return m.trigramMisses }

// TrigramHits counts trigram queries answered from a tabled record.
func (m *TrigramModel) TrigramHits() int { return m.trigramHits }

// CachedTrigrams reports the trigram score cache occupancy.
func (m *TrigramModel) CachedTrigrams() int { return m.trigramCache.Len() }

// CachedBigrams reports the bigram record cache occupancy.
func (m *TrigramModel) CachedBigrams() int { return m.bigramCache.Len() }
