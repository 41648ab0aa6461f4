package documents

import (
	"github.com/tmc/langchaingo/textsplitter"

	"studio-agents/internal/domain/ports/adapter"
)

var _ adapter.TextSplitter = (*Splitter)(nil)

var defaultSeparators = []string{"\n\n", "\n", " ", ""}

// Splitter is a recursive character splitter.
type Splitter struct {
	inner textsplitter.RecursiveCharacter
}

func NewSplitter(chunkSize, chunkOverlap int) *Splitter {
	return &Splitter{inner: textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(chunkSize),
		textsplitter.WithChunkOverlap(chunkOverlap),
		textsplitter.WithSeparators(defaultSeparators),
	)}
}

func (s *Splitter) Split(text string) ([]string, error) {
	return s.inner.SplitText(text)
}
