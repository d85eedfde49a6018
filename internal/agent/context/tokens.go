package context

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenEstimator counts tokens for a specific model's encoding. It is
// optional: a Packer with no estimator configured falls back to its
// character-based budget alone, as before.
type TokenEstimator struct {
	encoding *tiktoken.Tiktoken
}

var (
	encodingCache   = make(map[string]*tiktoken.Tiktoken)
	encodingCacheMu sync.RWMutex
)

// NewTokenEstimator builds an estimator for model, falling back to the
// cl100k_base encoding (GPT-3.5/4 family) when the model is unrecognized.
// Encodings are cached process-wide since building one is not cheap.
func NewTokenEstimator(model string) (*TokenEstimator, error) {
	encodingCacheMu.RLock()
	cached, ok := encodingCache[model]
	encodingCacheMu.RUnlock()
	if ok {
		return &TokenEstimator{encoding: cached}, nil
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}

	encodingCacheMu.Lock()
	encodingCache[model] = enc
	encodingCacheMu.Unlock()
	return &TokenEstimator{encoding: enc}, nil
}

// Count returns the token count for text.
func (e *TokenEstimator) Count(text string) int {
	if e == nil || e.encoding == nil {
		return 0
	}
	return len(e.encoding.Encode(text, nil, nil))
}
