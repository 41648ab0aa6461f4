// File: internal/infra/adapters/documents/vectorstore.go
package documents

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"studio-agents/internal/domain/ports/adapter"
)

var _ adapter.VectorStore = (*ChromemStore)(nil)

// ChromemStore keeps one chromem collection per project.
type ChromemStore struct {
	db    *chromem.DB
	embed chromem.EmbeddingFunc
	mu    sync.Mutex
}

// NewChromemStore opens a persistent DB under persistPath, or an in-memory one when it is empty.
func NewChromemStore(persistPath string, embed chromem.EmbeddingFunc) (*ChromemStore, error) {
	db := chromem.NewDB()
	if persistPath != "" {
		var err error
		db, err = chromem.NewPersistentDB(filepath.Join(persistPath, "vectors"), false)
		if err != nil {
			return nil, fmt.Errorf("open vector db: %w", err)
		}
	}
	return &ChromemStore{db: db, embed: embed}, nil
}

// OpenAIEmbedding embeds with the given OpenAI embedding model.
func OpenAIEmbedding(apiKey, model string) chromem.EmbeddingFunc {
	return chromem.NewEmbeddingFuncOpenAI(apiKey, chromem.EmbeddingModelOpenAI(model))
}

func (s *ChromemStore) collection(name string) (*chromem.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.db.GetOrCreateCollection(name, nil, s.embed)
	if err != nil {
		return nil, fmt.Errorf("collection %s: %w", name, err)
	}
	return c, nil
}

func (s *ChromemStore) Upsert(ctx context.Context, collection string, chunks []adapter.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	c, err := s.collection(collection)
	if err != nil {
		return err
	}
	docs := make([]chromem.Document, 0, len(chunks))
	for _, ch := range chunks {
		docs = append(docs, chromem.Document{ID: ch.ID, Content: ch.Content, Metadata: ch.Metadata})
	}
	if err := c.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("upsert into %s: %w", collection, err)
	}
	return nil
}

// Search returns at most k results; an unknown collection has none.
func (s *ChromemStore) Search(ctx context.Context, collection, query string, k int) ([]adapter.SearchResult, error) {
	s.mu.Lock()
	c := s.db.GetCollection(collection, s.embed)
	s.mu.Unlock()
	if c == nil {
		return nil, nil
	}
	if n := c.Count(); k > n {
		k = n
	}
	if k <= 0 {
		return nil, nil
	}
	res, err := c.Query(ctx, query, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, err)
	}
	out := make([]adapter.SearchResult, 0, len(res))
	for _, r := range res {
		out = append(out, adapter.SearchResult{ID: r.ID, Content: r.Content, Similarity: r.Similarity, Metadata: r.Metadata})
	}
	return out, nil
}

// Count reports the number of chunks stored in a collection.
func (s *ChromemStore) Count(collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.db.GetCollection(collection, s.embed); c != nil {
		return c.Count()
	}
	return 0
}
