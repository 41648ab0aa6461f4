// Command demo runs two chains end to end inside one process: a primer request and a
// summarizer request over a locally served document. It needs no database, redis or
// provider keys.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	"studio-agents/internal/config"
	"studio-agents/internal/domain/model"
	aiAdapters "studio-agents/internal/infra/adapters/ai"
	"studio-agents/internal/infra/adapters/documents"
	"studio-agents/internal/infra/adapters/webhook"
	"studio-agents/internal/infra/db/memory"
	"studio-agents/internal/infra/logging"
	"studio-agents/internal/infra/queue"
	"studio-agents/internal/infra/usage"
	"studio-agents/internal/infra/worker"
	"studio-agents/internal/usecase"
)

const handbook = `Acme ships industrial sensors to mid-size factories.

The sales team targets plant managers who run older production lines.

Renewals peak in the last quarter, when maintenance budgets are spent.`

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cfg := &config.Config{Log: config.LogConfig{Level: "info", Format: "console"}}
	cfg.Queue.Backend = "memory"
	cfg.ApplyDefaults()
	logger := logging.New(cfg.Log, true)

	docs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(handbook))
	}))
	defer docs.Close()

	services, err := model.NewServiceTable(cfg.Services)
	if err != nil {
		log.Fatalf("services: %v", err)
	}
	repo := memory.NewTransactionRepo()
	q := queue.NewMemoryQueue(64, cfg.Queue.MaxAttempts, 50*time.Millisecond)
	life := usecase.NewLifecycleUseCase(repo, nil, webhook.NewCallbackNotifier(cfg.Callback.Timeout, 1, logger), nil, logger)

	store, err := documents.NewChromemStore("", documents.HashEmbedding())
	if err != nil {
		log.Fatalf("vector store: %v", err)
	}
	gen := aiAdapters.NewLLMGenerator(aiAdapters.NewCannedAIAdapter(100*time.Millisecond), "canned", nil, logger)
	stages := usecase.NewStageSet(usecase.StageDeps{
		Lifecycle: life,
		Repo:      repo,
		Generator: gen,
		Fetcher:   documents.NewHTTPFetcher(cfg.Ingest.FetchTimeout, cfg.Ingest.MaxBytes),
		Splitter:  documents.NewSplitter(80, 10),
		Store:     store,
		Invoker:   webhook.NewServiceInvoker(cfg.Stages.Timeout(model.StageExternal)),
		Ingest:    cfg.Ingest,
		TopK:      cfg.Vector.SearchTopK,
		Logger:    logger,
	})
	runner := usecase.NewChainRunner(life, q, stages, services, usage.NewTracker(nil, logger), cfg.Stages.Timeout, logger)
	orch := usecase.NewOrchestratorUseCase(repo, life, q, services, logger)
	status := usecase.NewStatusUseCase(repo, 0)

	pool := worker.NewPool(2, logger)
	pool.Start(ctx)
	workerCtx, stopWorker := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		_ = worker.NewConsumer(q, runner, pool, logger).Run(workerCtx)
		pool.Stop()
		close(done)
	}()

	requests := []model.Envelope{
		{
			UserID:    "demo-user",
			ProjectID: "demo",
			ServiceID: "primer",
			InputData: model.Payload{"topic": "industrial sensors"},
		},
		{
			UserID:       "demo-user",
			ProjectID:    "demo",
			ServiceID:    "summarizer",
			InputData:    model.Payload{"insight": "who buys and when"},
			DocumentURLs: []string{docs.URL + "/handbook.txt"},
		},
	}
	for _, env := range requests {
		res, err := orch.Submit(ctx, env)
		if err != nil {
			log.Fatalf("submit %s: %v", env.ServiceID, err)
		}
		root, err := waitTerminal(ctx, status, res.TransactionID)
		if err != nil {
			log.Fatalf("wait %s: %v", res.TransactionID, err)
		}
		subtasks, _ := status.ListSubtasks(ctx, root.ID)
		fmt.Printf("\n== %s (%s) -> %s, %d subtasks\n", env.ServiceID, root.ID, root.Status, len(subtasks))
		out, _ := json.MarshalIndent(model.NewTaskResult(root), "", "  ")
		_, _ = os.Stdout.Write(append(out, '\n'))
	}

	stopWorker()
	<-done
	life.Wait()
}

func waitTerminal(ctx context.Context, status usecase.StatusUseCase, id string) (*model.Transaction, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		t, err := status.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if t.Status.IsTerminal() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
