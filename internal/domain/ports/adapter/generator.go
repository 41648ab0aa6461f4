package adapter

import (
	"context"

	"studio-agents/internal/domain/model"
)

// Capability selects what the generation service produces.
type Capability string

const (
	CapabilityPrimer        Capability = "primer"
	CapabilityEmail         Capability = "email"
	CapabilitySummary       Capability = "summary"
	CapabilitySchemaExtract Capability = "schema-extract"
)

// SchemaInputKey carries the target fields of a schema-extract invocation as
// []model.SchemaField or a decoded JSON list of {name, description, type, default}.
const SchemaInputKey = "schema"

// GenerationUsage is reported by the generation service for one invocation.
type GenerationUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	ModelName        string
	RuntimeMs        int64
}

type GenerationResult struct {
	Output model.Payload
	Usage  GenerationUsage
}

// Generator is the opaque content-generation capability.
type Generator interface {
	Invoke(ctx context.Context, capability Capability, input model.Payload) (*GenerationResult, error)
}
