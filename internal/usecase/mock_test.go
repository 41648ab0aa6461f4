//go:build !integration

package usecase_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"studio-agents/internal/config"
	"studio-agents/internal/domain/model"
	"studio-agents/internal/domain/ports/adapter"
	"studio-agents/internal/domain/ports/repository"
	"studio-agents/internal/infra/db/memory"
	"studio-agents/internal/infra/queue"
	"studio-agents/internal/usecase"
)

// newTestLogger creates a silent zerolog.Logger for use in tests.
func newTestLogger() *zerolog.Logger {
	logger := zerolog.New(io.Discard)
	return &logger
}

// MockGenerator returns canned outputs per capability and records every call.
type MockGenerator struct {
	mu      sync.Mutex
	Outputs map[adapter.Capability]model.Payload
	Err     error
	Delay   time.Duration
	Panic   bool
	Calls   []GeneratorCall
}

type GeneratorCall struct {
	Capability adapter.Capability
	Input      model.Payload
}

func (m *MockGenerator) Invoke(ctx context.Context, c adapter.Capability, input model.Payload) (*adapter.GenerationResult, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, GeneratorCall{Capability: c, Input: input.Clone()})
	m.mu.Unlock()
	if m.Panic {
		panic("generator exploded")
	}
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.Err != nil {
		return nil, m.Err
	}
	out := m.Outputs[c].Clone()
	if out == nil {
		out = model.Payload{"raw": "generated " + string(c)}
	}
	return &adapter.GenerationResult{
		Output: out,
		Usage:  adapter.GenerationUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15, ModelName: "mock-model"},
	}, nil
}

func (m *MockGenerator) CallsFor(c adapter.Capability) []GeneratorCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []GeneratorCall
	for _, call := range m.Calls {
		if call.Capability == c {
			out = append(out, call)
		}
	}
	return out
}

// MockFetcher serves documents from a map; unknown URLs fail.
type MockFetcher struct {
	Docs map[string]string
}

func (m *MockFetcher) Fetch(_ context.Context, url string) (*adapter.Document, error) {
	content, ok := m.Docs[url]
	if !ok {
		return nil, errors.New("404 not found")
	}
	return &adapter.Document{URL: url, Content: content, Metadata: map[string]string{"source": url}}, nil
}

// lineSplitter splits on blank lines.
type lineSplitter struct{}

func (lineSplitter) Split(text string) ([]string, error) {
	var out []string
	start := 0
	for i := 0; i+1 < len(text); i++ {
		if text[i] == '\n' && text[i+1] == '\n' {
			if i > start {
				out = append(out, text[start:i])
			}
			start = i + 2
		}
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out, nil
}

// MockVectorStore keeps chunks per collection and returns them in insertion order on search.
type MockVectorStore struct {
	mu          sync.Mutex
	Collections map[string]map[string]adapter.Chunk
	order       map[string][]string
	Queries     []string
}

func NewMockVectorStore() *MockVectorStore {
	return &MockVectorStore{Collections: map[string]map[string]adapter.Chunk{}, order: map[string][]string{}}
}

func (m *MockVectorStore) Upsert(_ context.Context, collection string, chunks []adapter.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	col, ok := m.Collections[collection]
	if !ok {
		col = map[string]adapter.Chunk{}
		m.Collections[collection] = col
	}
	for _, c := range chunks {
		if _, seen := col[c.ID]; !seen {
			m.order[collection] = append(m.order[collection], c.ID)
		}
		col[c.ID] = c
	}
	return nil
}

func (m *MockVectorStore) Search(_ context.Context, collection, query string, k int) ([]adapter.SearchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Queries = append(m.Queries, query)
	var out []adapter.SearchResult
	for _, id := range m.order[collection] {
		if len(out) == k {
			break
		}
		c := m.Collections[collection][id]
		out = append(out, adapter.SearchResult{ID: id, Content: c.Content, Similarity: 1})
	}
	return out, nil
}

func (m *MockVectorStore) Count(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Collections[collection])
}

// MockNotifier records callbacks. A set Gate holds each delivery until it is closed.
type MockNotifier struct {
	mu   sync.Mutex
	Sent []model.TaskResult
	Gate chan struct{}
}

func (m *MockNotifier) Notify(_ context.Context, _ string, r model.TaskResult) error {
	if m.Gate != nil {
		<-m.Gate
	}
	m.mu.Lock()
	m.Sent = append(m.Sent, r)
	m.mu.Unlock()
	return nil
}

func (m *MockNotifier) Results() []model.TaskResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.TaskResult(nil), m.Sent...)
}

// MockProgress records progress events.
type MockProgress struct {
	mu     sync.Mutex
	Events []adapter.ProgressEvent
}

func (m *MockProgress) Publish(_ context.Context, _ string, ev adapter.ProgressEvent) error {
	m.mu.Lock()
	m.Events = append(m.Events, ev)
	m.mu.Unlock()
	return nil
}

func (m *MockProgress) Types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.Events))
	for _, ev := range m.Events {
		out = append(out, ev.Type)
	}
	return out
}

// MockInvoker answers external services.
type MockInvoker struct {
	Reply     model.Payload
	Err       error
	Endpoints []string
}

func (m *MockInvoker) Invoke(_ context.Context, endpoint string, _ model.Envelope) (model.Payload, error) {
	m.Endpoints = append(m.Endpoints, endpoint)
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Reply.Clone(), nil
}

// fixedTracker reports the stage's tokens and a constant runtime.
type fixedTracker struct{}

type fixedSpan struct{ resource model.ResourceType }

func (fixedTracker) Begin(r model.ResourceType) adapter.UsageSpan { return fixedSpan{resource: r} }

func (s fixedSpan) End(t adapter.GenerationUsage) model.UsageMetrics {
	return model.UsageMetrics{
		RuntimeMs:        7,
		PromptTokens:     t.PromptTokens,
		CompletionTokens: t.CompletionTokens,
		TotalTokens:      t.TotalTokens,
		ModelName:        t.ModelName,
		ResourceType:     s.resource,
	}
}

// harness wires the whole chain in process.
type harness struct {
	Repo     *memory.TransactionRepo
	Queue    *queue.MemoryQueue
	Gen      *MockGenerator
	Fetcher  *MockFetcher
	Store    *MockVectorStore
	Notifier *MockNotifier
	Progress *MockProgress
	Invoker  *MockInvoker
	Life     usecase.LifecycleUseCase
	Runner   usecase.ChainRunner
	Orch     usecase.OrchestratorUseCase
	Services *model.ServiceTable
	Timeout  time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, nil)
}

// newHarnessWith wires the use cases to wrap(memory repo) when wrap is set.
func newHarnessWith(t *testing.T, wrap func(repository.TransactionRepository) repository.TransactionRepository) *harness {
	t.Helper()
	services, err := model.NewServiceTable(append(config.DefaultServices(), model.Service{
		ID:       "crm-sync",
		URL:      "https://services.example.com/crm",
		Stage:    model.StageExternal,
		Endpoint: "https://crm.example.com/hook",
	}))
	if err != nil {
		t.Fatalf("service table: %v", err)
	}
	h := &harness{
		Repo:     memory.NewTransactionRepo(),
		Queue:    queue.NewMemoryQueue(64, 3, 10*time.Millisecond),
		Gen:      &MockGenerator{Outputs: map[adapter.Capability]model.Payload{}},
		Fetcher:  &MockFetcher{Docs: map[string]string{}},
		Store:    NewMockVectorStore(),
		Notifier: &MockNotifier{},
		Progress: &MockProgress{},
		Invoker:  &MockInvoker{Reply: model.Payload{"synced": true}},
		Services: services,
		Timeout:  2 * time.Second,
	}
	var repo repository.TransactionRepository = h.Repo
	if wrap != nil {
		repo = wrap(repo)
	}
	logger := newTestLogger()
	h.Life = usecase.NewLifecycleUseCase(repo, nil, h.Notifier, h.Progress, logger)
	stages := usecase.NewStageSet(usecase.StageDeps{
		Lifecycle: h.Life,
		Repo:      repo,
		Generator: h.Gen,
		Fetcher:   h.Fetcher,
		Splitter:  lineSplitter{},
		Store:     h.Store,
		Invoker:   h.Invoker,
		Ingest:    config.IngestConfig{BatchSize: 2, Concurrency: 2},
		TopK:      3,
		Logger:    logger,
	})
	h.Runner = usecase.NewChainRunner(h.Life, h.Queue, stages, services, fixedTracker{},
		func(model.StageKind) time.Duration { return h.Timeout }, logger)
	h.Orch = usecase.NewOrchestratorUseCase(repo, h.Life, h.Queue, services, logger)
	return h
}

// drain delivers queued messages until the queue stays empty, acking and nacking the
// way the worker consumer does. It returns the handled messages.
func (h *harness) drain(t *testing.T) []model.ChainMessage {
	t.Helper()
	ctx := context.Background()
	var handled []model.ChainMessage
	for i := 0; i < 100; i++ {
		d, err := h.Queue.Dequeue(ctx)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if d == nil {
			h.Life.Wait()
			return handled
		}
		handled = append(handled, d.Message)
		err = h.Runner.Handle(ctx, d.Message)
		if err == nil || usecase.IsPermanent(err) {
			_ = h.Queue.Ack(ctx, d)
			continue
		}
		dead, nerr := h.Queue.Nack(ctx, d, err.Error())
		if nerr != nil {
			t.Fatalf("nack: %v", nerr)
		}
		if dead {
			_ = h.Runner.Abandon(ctx, d.Message, err.Error())
		}
	}
	t.Fatal("queue did not drain")
	return nil
}

func (h *harness) get(t *testing.T, id string) *model.Transaction {
	t.Helper()
	row, err := h.Repo.GetByID(context.Background(), nil, id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return row
}

func (h *harness) children(t *testing.T, id string) []*model.Transaction {
	t.Helper()
	rows, err := h.Repo.ListByParent(context.Background(), nil, id)
	if err != nil {
		t.Fatalf("list %s: %v", id, err)
	}
	return rows
}

// flakyRepo fails subtask inserts while insertErr is set.
type flakyRepo struct {
	repository.TransactionRepository
	mu        sync.Mutex
	insertErr error
	inserts   int
}

func (f *flakyRepo) Insert(ctx context.Context, tx repository.Tx, t *model.Transaction) (string, error) {
	f.mu.Lock()
	err := f.insertErr
	f.inserts++
	f.mu.Unlock()
	if err != nil && t.ParentID != "" {
		return "", err
	}
	return f.TransactionRepository.Insert(ctx, tx, t)
}

func primerEnvelope() model.Envelope {
	return model.Envelope{
		UserID:    "user-1",
		ProjectID: "proj-1",
		ServiceID: "primer",
		InputData: model.Payload{"topic": "X"},
	}
}
