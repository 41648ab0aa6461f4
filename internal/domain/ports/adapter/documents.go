package adapter

import "context"

// Document is a fetched and parsed source document.
type Document struct {
	URL      string
	Content  string
	Metadata map[string]string
}

// Chunk is a content-addressed piece of a document ready for embedding.
type Chunk struct {
	ID       string
	Content  string
	Metadata map[string]string
}

type SearchResult struct {
	ID         string
	Content    string
	Similarity float32
	Metadata   map[string]string
}

type DocumentFetcher interface {
	Fetch(ctx context.Context, url string) (*Document, error)
}

// TextSplitter splits text into bounded, overlapping chunks.
type TextSplitter interface {
	Split(text string) ([]string, error)
}

// VectorStore holds per-project collections. Upsert is idempotent per chunk id.
type VectorStore interface {
	Upsert(ctx context.Context, collection string, chunks []Chunk) error
	Search(ctx context.Context, collection, query string, k int) ([]SearchResult, error)
}
