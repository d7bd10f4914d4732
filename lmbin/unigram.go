package lmbin

// UnigramProbability is one entry of the in-memory unigram table: the tabled
// log probability and backoff weight of a word, the cumulative index of its
// first bigram follower, and the word id the loader assigned.
type UnigramProbability struct {
	LogProbability   float32
	LogBackoff       float32
	FirstBigramEntry int32
	WordID           int32
}
