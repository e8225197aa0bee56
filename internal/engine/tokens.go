package engine

import (
	"log"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts tokens for the budget selector. It uses the cl100k_base
// encoding when the tokenizer data is available and falls back to a chars/4
// heuristic otherwise, so an offline machine still gets sane budgets.
type TokenCounter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewTokenCounter creates a lazy token counter. The encoding is loaded on
// first use, not at construction, because loading may hit the network.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{}
}

// Count returns the token count of text.
func (c *TokenCounter) Count(text string) int {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			log.Printf("engine: tokenizer unavailable, using character heuristic: %v", err)
			return
		}
		c.enc = enc
	})

	if c.enc != nil {
		return len(c.enc.Encode(text, nil, nil))
	}
	// Rough average of 4 characters per token for English text.
	return (len(text) + 3) / 4
}
