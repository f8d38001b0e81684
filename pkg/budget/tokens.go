package budget

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts tokens with the model's native encoding when tiktoken
// knows it, approximating with cl100k_base otherwise. Encodings are cached
// process-wide; initialization is the expensive part.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// NewTokenCounter builds a counter for the model. It never fails on an
// unknown model, only when the fallback encoding itself cannot load.
func NewTokenCounter(model string) (*TokenCounter, error) {
	cacheMu.RLock()
	cached, exists := encodingCache[model]
	cacheMu.RUnlock()

	if exists {
		return &TokenCounter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get token encoding: %w", err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &TokenCounter{encoding: encoding, model: model}, nil
}

// Count returns the token count for text. A nil counter estimates at four
// characters per token, which is the degraded mode when encodings are
// unavailable at startup.
func (tc *TokenCounter) Count(text string) int {
	if tc == nil || tc.encoding == nil {
		return EstimateTokens(text)
	}
	return len(tc.encoding.Encode(text, nil, nil))
}

// Model returns the model the counter was built for.
func (tc *TokenCounter) Model() string {
	if tc == nil {
		return ""
	}
	return tc.model
}

// EstimateTokens is the rough four-characters-per-token estimate.
func EstimateTokens(text string) int {
	return len(text) / 4
}
