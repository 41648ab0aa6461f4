// File: internal/usecase/stage_ingest.go
package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"studio-agents/internal/config"
	"studio-agents/internal/domain"
	"studio-agents/internal/domain/model"
	"studio-agents/internal/domain/ports/adapter"
	"studio-agents/internal/infra/metrics"
)

// ingestStage fetches the request documents, splits them and upserts the chunks
// into the project collection. Per-document failures are collected; the stage
// fails only when no document could be processed.
type ingestStage struct {
	life     LifecycleUseCase
	fetcher  adapter.DocumentFetcher
	splitter adapter.TextSplitter
	store    adapter.VectorStore
	cfg      config.IngestConfig
	limiter  *rate.Limiter
	log      zerolog.Logger
}

func newIngestStage(d StageDeps) *ingestStage {
	limit := rate.Inf
	if d.Ingest.FetchRate > 0 {
		limit = rate.Limit(d.Ingest.FetchRate)
	}
	return &ingestStage{
		life:     d.Lifecycle,
		fetcher:  d.Fetcher,
		splitter: d.Splitter,
		store:    d.Store,
		cfg:      d.Ingest,
		limiter:  rate.NewLimiter(limit, 1),
		log:      d.Logger.With().Str("component", "IngestStage").Logger(),
	}
}

type ingestTally struct {
	mu        sync.Mutex
	processed int
	chunks    int
	failed    []string
}

func (t *ingestTally) fail(url string) {
	t.mu.Lock()
	t.failed = append(t.failed, url)
	t.mu.Unlock()
}

func (s *ingestStage) Run(ctx context.Context, run StageRun) (*StageOutcome, error) {
	urls := run.Envelope.DocumentURLs
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: request has no documents", domain.ErrNoDocuments)
	}
	collection := model.CollectionName(run.Envelope.ServiceID, run.Envelope.ProjectID)
	s.progress(ctx, run, "start", map[string]any{"documents": len(urls), "collection_name": collection})

	tally := &ingestTally{}
	batch := s.cfg.BatchSize
	if batch <= 0 {
		batch = 10
	}
	for start := 0; start < len(urls); start += batch {
		end := start + batch
		if end > len(urls) {
			end = len(urls)
		}
		if err := s.ingestBatch(ctx, run, collection, urls[start:end], tally); err != nil {
			s.progress(ctx, run, "error", map[string]any{"error": err.Error()})
			return nil, err
		}
	}

	metrics.AddIngestDocuments("processed", tally.processed)
	metrics.AddIngestDocuments("failed", len(tally.failed))
	if tally.processed == 0 {
		err := fmt.Errorf("%w: %s", domain.ErrNoDocuments, strings.Join(tally.failed, ", "))
		s.progress(ctx, run, "error", map[string]any{"error": err.Error()})
		return nil, err
	}

	failed := tally.failed
	if failed == nil {
		failed = []string{}
	}
	s.progress(ctx, run, "end", map[string]any{"processed_documents": tally.processed, "chunks": tally.chunks})
	return &StageOutcome{Result: model.Payload{
		"collection_name":     collection,
		"processed_documents": tally.processed,
		"failed_documents":    failed,
		"chunks":              tally.chunks,
	}}, nil
}

// ingestBatch fetches a batch concurrently and upserts its chunks in one call.
func (s *ingestStage) ingestBatch(ctx context.Context, run StageRun, collection string, urls []string, tally *ingestTally) error {
	var (
		mu     sync.Mutex
		chunks []adapter.Chunk
		docs   int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency())
	for _, u := range urls {
		g.Go(func() error {
			if err := s.limiter.Wait(gctx); err != nil {
				return err
			}
			doc, err := s.fetch(gctx, u)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				s.log.Warn().Err(err).Str("url", u).Msg("document skipped")
				tally.fail(u)
				return nil
			}
			parts, err := s.splitter.Split(doc.Content)
			if err != nil || len(parts) == 0 {
				s.log.Warn().Err(err).Str("url", u).Msg("document produced no chunks")
				tally.fail(u)
				return nil
			}
			mu.Lock()
			chunks = append(chunks, toChunks(collection, doc, parts)...)
			docs++
			mu.Unlock()
			s.progress(gctx, run, "progress", map[string]any{"url": u, "chunks": len(parts)})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}
	if err := s.store.Upsert(ctx, collection, chunks); err != nil {
		return fmt.Errorf("store chunks: %w", err)
	}
	tally.mu.Lock()
	tally.processed += docs
	tally.chunks += len(chunks)
	tally.mu.Unlock()
	return nil
}

func (s *ingestStage) fetch(ctx context.Context, url string) (*adapter.Document, error) {
	if s.cfg.FetchTimeout <= 0 {
		return s.fetcher.Fetch(ctx, url)
	}
	fctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()
	return s.fetcher.Fetch(fctx, url)
}

func (s *ingestStage) concurrency() int {
	if s.cfg.Concurrency > 0 {
		return s.cfg.Concurrency
	}
	return 4
}

func (s *ingestStage) progress(ctx context.Context, run StageRun, typ string, data map[string]any) {
	s.life.Publish(ctx, run.RootID, adapter.ProgressEvent{
		Type:          typ,
		TransactionID: run.TaskID,
		Stage:         string(run.Stage),
		Data:          data,
	})
}

// toChunks derives ids from the chunk position and content, so re-ingesting a
// document overwrites its chunks while repeated passages stay distinct.
func toChunks(collection string, doc *adapter.Document, parts []string) []adapter.Chunk {
	out := make([]adapter.Chunk, 0, len(parts))
	for i, p := range parts {
		idx := strconv.Itoa(i)
		sum := sha256.Sum256([]byte(collection + "\x00" + doc.URL + "\x00" + idx + "\x00" + p))
		meta := make(map[string]string, len(doc.Metadata)+2)
		for k, v := range doc.Metadata {
			meta[k] = v
		}
		meta["source"] = doc.URL
		meta["chunk"] = idx
		out = append(out, adapter.Chunk{ID: hex.EncodeToString(sum[:16]), Content: p, Metadata: meta})
	}
	return out
}
