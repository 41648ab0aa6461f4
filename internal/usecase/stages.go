package usecase

import (
	"github.com/rs/zerolog"

	"studio-agents/internal/config"
	"studio-agents/internal/domain/model"
	"studio-agents/internal/domain/ports/adapter"
	"studio-agents/internal/domain/ports/repository"
)

// StageDeps are the collaborators of the built-in stages.
type StageDeps struct {
	Lifecycle LifecycleUseCase
	Repo      repository.TransactionRepository
	Generator adapter.Generator
	Fetcher   adapter.DocumentFetcher
	Splitter  adapter.TextSplitter
	Store     adapter.VectorStore
	Invoker   adapter.ServiceInvoker
	Ingest    config.IngestConfig
	TopK      int
	Logger    *zerolog.Logger
}

// NewStageSet maps every stage kind to its executor.
func NewStageSet(d StageDeps) map[model.StageKind]StageFunc {
	ingest := newIngestStage(d)
	gen := newGenerateStage(d)
	return map[model.StageKind]StageFunc{
		model.StageIngest:        ingest.Run,
		model.StagePrimer:        gen.Run,
		model.StageEmail:         gen.Run,
		model.StageSummary:       gen.Run,
		model.StageSchemaExtract: gen.Run,
		model.StageExternal:      newExternalStage(d).Run,
		model.StageCompletion:    newCompletionStage(d).Run,
	}
}
