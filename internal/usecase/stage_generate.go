// File: internal/usecase/stage_generate.go
package usecase

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"studio-agents/internal/domain"
	"studio-agents/internal/domain/model"
	"studio-agents/internal/domain/ports/adapter"
)

// Input keys with a meaning for the content-generation stages.
const (
	keyRawText        = "raw_text"
	keyCollectionName = "collection_name"
	keyContext        = "context"
)

var summaryQueryKeys = []string{"insight", "topic", "document", keyRawText}

var capabilityByStage = map[model.StageKind]adapter.Capability{
	model.StagePrimer:        adapter.CapabilityPrimer,
	model.StageEmail:         adapter.CapabilityEmail,
	model.StageSummary:       adapter.CapabilitySummary,
	model.StageSchemaExtract: adapter.CapabilitySchemaExtract,
}

// CapabilityModels maps each capability to the model its service pins, if any.
func CapabilityModels(services []model.Service) map[adapter.Capability]string {
	out := make(map[adapter.Capability]string)
	for _, svc := range services {
		c, ok := capabilityByStage[svc.Stage]
		if !ok || svc.Model == "" {
			continue
		}
		if _, taken := out[c]; !taken {
			out[c] = svc.Model
		}
	}
	return out
}

// generateStage runs the primer, email, summary and schema-extract services.
type generateStage struct {
	gen   adapter.Generator
	store adapter.VectorStore
	topK  int
	log   zerolog.Logger
}

func newGenerateStage(d StageDeps) *generateStage {
	topK := d.TopK
	if topK <= 0 {
		topK = 5
	}
	return &generateStage{
		gen:   d.Generator,
		store: d.Store,
		topK:  topK,
		log:   d.Logger.With().Str("component", "GenerateStage").Logger(),
	}
}

func (s *generateStage) Run(ctx context.Context, run StageRun) (*StageOutcome, error) {
	svc := run.Service
	capability, ok := capabilityByStage[svc.Stage]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a generation stage", domain.ErrUnknownStage, svc.Stage)
	}
	input := run.Envelope.InputData.Clone()
	if input == nil {
		input = model.Payload{}
	}
	var usage adapter.GenerationUsage

	if capability == adapter.CapabilitySchemaExtract {
		if input.String(keyRawText) == "" {
			if text := input.String("text"); text != "" {
				input[keyRawText] = text
			} else {
				return nil, fmt.Errorf("%w: %s is required", domain.ErrInvalidArgument, keyRawText)
			}
		}
		if len(svc.Schema) > 0 {
			input[adapter.SchemaInputKey] = svc.Schema
		}
	} else if len(svc.Schema) > 0 {
		if err := s.normalize(ctx, svc, input, &usage); err != nil {
			return nil, err
		}
	}

	if capability == adapter.CapabilitySummary {
		if err := s.retrieve(ctx, run, input); err != nil {
			return nil, err
		}
	}

	res, err := s.gen.Invoke(ctx, capability, input)
	if err != nil {
		return nil, err
	}
	addUsage(&usage, res.Usage)
	return &StageOutcome{Result: res.Output, Tokens: usage}, nil
}

// normalize extracts the service's schema fields from unstructured raw_text, then
// applies field defaults. Fields the caller supplied win over extracted ones.
func (s *generateStage) normalize(ctx context.Context, svc *model.Service, input model.Payload, usage *adapter.GenerationUsage) error {
	if raw := input.String(keyRawText); raw != "" {
		res, err := s.gen.Invoke(ctx, adapter.CapabilitySchemaExtract, model.Payload{
			keyRawText:             raw,
			adapter.SchemaInputKey: svc.Schema,
		})
		if err != nil {
			return fmt.Errorf("normalize input: %w", err)
		}
		addUsage(usage, res.Usage)
		for k, v := range res.Output {
			if cur, ok := input[k]; !ok || cur == nil || cur == "" {
				input[k] = v
			}
		}
	}
	for _, f := range svc.Schema {
		if cur, ok := input[f.Name]; (!ok || cur == nil) && f.Default != "" {
			input[f.Name] = f.Default
		}
	}
	return nil
}

// retrieve adds the top chunks of the project collection as context.
func (s *generateStage) retrieve(ctx context.Context, run StageRun, input model.Payload) error {
	collection := input.String(keyCollectionName)
	if collection == "" {
		collection = model.CollectionName(run.Envelope.ServiceID, run.Envelope.ProjectID)
	}
	var query string
	for _, k := range summaryQueryKeys {
		if query = input.String(k); query != "" {
			break
		}
	}
	if query == "" {
		query = "summary of the key points"
	}
	results, err := s.store.Search(ctx, collection, query, s.topK)
	if err != nil {
		return fmt.Errorf("retrieve context: %w", err)
	}
	excerpts := make([]string, 0, len(results))
	for _, r := range results {
		excerpts = append(excerpts, r.Content)
	}
	s.log.Debug().Str("collection", collection).Int("excerpts", len(excerpts)).Msg("retrieved context")
	input[keyCollectionName] = collection
	input[keyContext] = excerpts
	return nil
}

func addUsage(dst *adapter.GenerationUsage, u adapter.GenerationUsage) {
	dst.PromptTokens += u.PromptTokens
	dst.CompletionTokens += u.CompletionTokens
	dst.TotalTokens += u.TotalTokens
	dst.RuntimeMs += u.RuntimeMs
	if u.ModelName != "" {
		dst.ModelName = u.ModelName
	}
}
