package cmusphinx

import (
	"fmt"

	"github.com/kastnerkyle/cmusphinx/lmbin"
)

// bigramID keys a two-word history by word ids.
type bigramID struct {
	w1, w2 int32
}

// trigramID keys a three-word history by word ids.
type trigramID struct {
	w1, w2, w3 int32
}

// bufferCache demand-pages slices of the packed bigram and trigram sections.
// Bigram buffers occupy one slot per predecessor word and survive utterances
// as long as they keep being touched; the used flags are swept at utterance
// boundaries. Trigram buffers live in a map that is dropped whole at each
// boundary, since a single decoding pass accumulates bounded history.
type bufferCache struct {
	loader         *lmbin.BinaryLoader
	unigrams       []*lmbin.UnigramProbability
	bigramSlots    []*lmbin.BigramBuffer
	trigramBuffers map[bigramID]*lmbin.TrigramBuffer
}

func newBufferCache(loader *lmbin.BinaryLoader, unigrams []*lmbin.UnigramProbability) *bufferCache {
	return &bufferCache{
		loader:         loader,
		unigrams:       unigrams,
		bigramSlots:    make([]*lmbin.BigramBuffer, len(unigrams)),
		trigramBuffers: make(map[bigramID]*lmbin.TrigramBuffer),
	}
}

func (c *bufferCache) numberBigramFollowers(wordID int32) int {
	if int(wordID) == len(c.unigrams)-1 {
		return 0
	}
	return int(c.unigrams[wordID+1].FirstBigramEntry - c.unigrams[wordID].FirstBigramEntry)
}

// bigrams returns the follower buffer of the given predecessor, reading it
// from disk on first touch. Returns nil for words with no followers. Each
// return marks the slot used for the current utterance epoch.
func (c *bufferCache) bigrams(firstWordID int32) (*lmbin.BigramBuffer, error) {
	if int(firstWordID) < 0 || int(firstWordID) >= len(c.bigramSlots) {
		return nil, fmt.Errorf("word id out of range: %d", firstWordID)
	}
	if buffer := c.bigramSlots[firstWordID]; buffer != nil {
		buffer.SetUsed(true)
		return buffer, nil
	}
	numberFollowers := c.numberBigramFollowers(firstWordID)
	if numberFollowers <= 0 {
		return nil, nil
	}
	position := c.loader.BigramOffset() +
		int64(c.unigrams[firstWordID].FirstBigramEntry)*lmbin.BytesPerBigram
	// The extra record past the followers is the sentinel; trigram offset
	// arithmetic needs it.
	raw, err := c.loader.LoadBuffer(position, (numberFollowers+1)*lmbin.BytesPerBigram)
	if err != nil {
		return nil, err
	}
	buffer, err := lmbin.NewBigramBuffer(raw, numberFollowers, c.loader.BigEndian())
	if err != nil {
		return nil, err
	}
	buffer.SetUsed(true)
	c.bigramSlots[firstWordID] = buffer
	return buffer, nil
}

// trigrams returns the trigram buffer of the (w1,w2) history, loading and
// remembering it for the rest of the utterance. Returns nil when the bigram
// itself is absent.
func (c *bufferCache) trigrams(firstWordID, secondWordID int32) (*lmbin.TrigramBuffer, error) {
	key := bigramID{firstWordID, secondWordID}
	if buffer, ok := c.trigramBuffers[key]; ok {
		return buffer, nil
	}
	buffer, err := c.loadTrigramBuffer(firstWordID, secondWordID)
	if err != nil {
		return nil, err
	}
	if buffer != nil {
		c.trigramBuffers[key] = buffer
	}
	return buffer, nil
}

// loadTrigramBuffer reads the trigram slice of (w1,w2) straight from disk.
// The slice boundaries come from the segment table combined with the 16-bit
// intra-segment offsets of the bigram record and its successor.
func (c *bufferCache) loadTrigramBuffer(firstWordID, secondWordID int32) (*lmbin.TrigramBuffer, error) {
	bigramBuffer, err := c.bigrams(firstWordID)
	if err != nil || bigramBuffer == nil {
		return nil, err
	}
	bigram := bigramBuffer.FindBigram(secondWordID)
	if bigram == nil {
		return nil, nil
	}
	nextBigram := bigramBuffer.BigramProbability(bigram.WhichFollower + 1)

	firstBigramEntry := c.unigrams[firstWordID].FirstBigramEntry
	firstTrigramEntry := c.firstTrigramEntry(bigram, firstBigramEntry)
	numberTrigrams := c.firstTrigramEntry(nextBigram, firstBigramEntry) - firstTrigramEntry
	if numberTrigrams < 0 {
		return nil, fmt.Errorf("negative trigram count for bigram (%d,%d)", firstWordID, secondWordID)
	}

	position := c.loader.TrigramOffset() + int64(firstTrigramEntry)*lmbin.BytesPerTrigram
	raw, err := c.loader.LoadBuffer(position, int(numberTrigrams)*lmbin.BytesPerTrigram)
	if err != nil {
		return nil, err
	}
	return lmbin.NewTrigramBuffer(raw, int(numberTrigrams), c.loader.BigEndian())
}

// firstTrigramEntry recovers the full cumulative trigram index of a bigram
// record: the segment table supplies the high bits for the record's global
// bigram position, the record itself the low 16.
func (c *bufferCache) firstTrigramEntry(bigram *lmbin.BigramProbability, firstBigramEntry int32) int32 {
	segment := (int(firstBigramEntry) + bigram.WhichFollower) >> c.loader.LogBigramSegmentSize()
	return c.loader.TrigramSegments()[segment] + bigram.FirstTrigramEntry
}

// sweep ends the utterance epoch: slots untouched since the previous sweep
// are dropped, touched slots get their flag cleared, and the trigram map is
// discarded.
func (c *bufferCache) sweep() {
	for i, buffer := range c.bigramSlots {
		if buffer == nil {
			continue
		}
		if !buffer.Used() {
			c.bigramSlots[i] = nil
		} else {
			buffer.SetUsed(false)
		}
	}
	c.trigramBuffers = make(map[bigramID]*lmbin.TrigramBuffer)
}

// loadedBigramBuffers counts the currently resident bigram slots.
func (c *bufferCache) loadedBigramBuffers() int {
	n := 0
	for _, buffer := range c.bigramSlots {
		if buffer != nil {
			n++
		}
	}
	return n
}
