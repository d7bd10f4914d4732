package cmusphinx

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/kastnerkyle/cmusphinx/logmath"
)

const (
	DefaultTrigramCacheSize = 100000
	DefaultBigramCacheSize  = 50000
	DefaultSmearFile        = "smear.dat"
)

// Config carries the recognized language model options. Zero values mean
// "use the default"; FillDefaults is applied during Allocate.
type Config struct {
	// Location is the path of the binary model file.
	Location string `json:"location"`
	// Format names the binary layout; only "DMP" is supported.
	Format string `json:"format"`
	// QueryLogFile, when set, receives every queried word sequence between
	// <START_UTT> and <END_UTT> markers.
	QueryLogFile string `json:"queryLogFile"`

	TrigramCacheSize          int  `json:"trigramCacheSize"`
	BigramCacheSize           int  `json:"bigramCacheSize"`
	ClearCachesAfterUtterance bool `json:"clearCachesAfterUtterance"`

	// MaxDepth of 0 uses the file maximum; larger values are clamped to it.
	MaxDepth int     `json:"maxDepth"`
	LogBase  float64 `json:"logBase"`

	ApplyLanguageWeightAndWip bool    `json:"applyLanguageWeightAndWip"`
	LanguageWeight            float64 `json:"languageWeight"`
	WordInsertionProbability  float64 `json:"wordInsertionProbability"`
	UnigramWeight             float64 `json:"unigramWeight"`

	FullSmear bool   `json:"fullSmear"`
	SmearFile string `json:"smearFile"`
}

func (c *Config) FillDefaults() {
	if c.Format == "" {
		c.Format = "DMP"
	}
	if c.TrigramCacheSize <= 0 {
		c.TrigramCacheSize = DefaultTrigramCacheSize
	}
	if c.BigramCacheSize <= 0 {
		c.BigramCacheSize = DefaultBigramCacheSize
	}
	if c.LogBase == 0 {
		c.LogBase = logmath.DefaultBase
	}
	if c.LanguageWeight == 0 {
		c.LanguageWeight = 1.0
	}
	if c.WordInsertionProbability == 0 {
		c.WordInsertionProbability = 1.0
	}
	if c.UnigramWeight == 0 {
		c.UnigramWeight = 1.0
	}
	if c.SmearFile == "" {
		c.SmearFile = DefaultSmearFile
	}
}

// ParseConfigJSON reads a JSON settings document into a Config with defaults
// applied.
func ParseConfigJSON(reader io.Reader) (*Config, error) {
	var config Config
	dec := json.NewDecoder(reader)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("fail to parse config json: %s", err)
	}
	config.FillDefaults()
	return &config, nil
}
