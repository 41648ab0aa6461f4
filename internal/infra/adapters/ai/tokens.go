package ai

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"studio-agents/internal/domain/ports/adapter"
)

var (
	encOnce  sync.Once
	encoding *tiktoken.Tiktoken
)

// EstimateTokens counts tokens with the cl100k_base encoding and falls back to
// max(runes/4, words) when the encoding cannot be loaded.
func EstimateTokens(text string) int {
	encOnce.Do(func() {
		if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			encoding = enc
		}
	})
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	estimate := len([]rune(trimmed)) / 4
	if words := len(strings.Fields(trimmed)); estimate < words {
		estimate = words
	}
	return estimate
}

func estimateMessages(messages []adapter.Message) int {
	n := 0
	for _, m := range messages {
		// role and separators cost a few tokens per message
		n += EstimateTokens(m.Content) + 4
	}
	return n
}
