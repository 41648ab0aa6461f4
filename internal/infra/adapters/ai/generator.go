// File: internal/infra/adapters/ai/generator.go
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"github.com/rs/zerolog"

	"studio-agents/internal/domain/model"
	"studio-agents/internal/domain/ports/adapter"
	"studio-agents/internal/infra/metrics"
)

var _ adapter.Generator = (*LLMGenerator)(nil)

var errNoJSON = errors.New("reply holds no JSON object")

// LLMGenerator turns a capability invocation into a chat call and shapes the reply.
type LLMGenerator struct {
	ai           adapter.AIServiceAdapter
	defaultModel string
	models       map[adapter.Capability]string
	log          zerolog.Logger
}

func NewLLMGenerator(ai adapter.AIServiceAdapter, defaultModel string, models map[adapter.Capability]string, logger *zerolog.Logger) *LLMGenerator {
	return &LLMGenerator{
		ai:           ai,
		defaultModel: defaultModel,
		models:       models,
		log:          logger.With().Str("component", "LLMGenerator").Logger(),
	}
}

func (g *LLMGenerator) modelFor(c adapter.Capability) string {
	if m := g.models[c]; m != "" {
		return m
	}
	return g.defaultModel
}

func (g *LLMGenerator) Invoke(ctx context.Context, capability adapter.Capability, input model.Payload) (*adapter.GenerationResult, error) {
	fields, err := schemaFields(input[adapter.SchemaInputKey])
	if err != nil {
		return nil, err
	}
	messages, err := buildPrompt(capability, input, fields)
	if err != nil {
		return nil, err
	}

	modelName := g.modelFor(capability)
	start := time.Now()
	text, u, err := g.ai.ChatWithUsage(ctx, modelName, messages)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		metrics.ObserveGeneration(string(capability), modelName, 0, 0, 0, 0, latency, false)
		return nil, fmt.Errorf("%s generation: %w", capability, err)
	}
	if u.TotalTokens == 0 {
		u.PromptTokens = estimateMessages(messages)
		u.CompletionTokens = EstimateTokens(text)
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	metrics.ObserveGeneration(string(capability), modelName, u.PromptTokens, u.CompletionTokens, u.TotalTokens, 0, latency, true)

	out, err := shapeOutput(capability, text, fields)
	if err != nil {
		g.log.Warn().Err(err).Str("capability", string(capability)).Msg("generation reply could not be shaped")
		return nil, fmt.Errorf("%s generation: %w", capability, err)
	}
	return &adapter.GenerationResult{
		Output: out,
		Usage: adapter.GenerationUsage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
			ModelName:        modelName,
			RuntimeMs:        latency,
		},
	}, nil
}

var emailKeys = []string{"subject_line", "email_body", "follow_up_notes"}

func buildPrompt(c adapter.Capability, input model.Payload, fields []model.SchemaField) ([]adapter.Message, error) {
	body := input.Clone()
	delete(body, adapter.SchemaInputKey)
	b, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return nil, err
	}

	var system string
	switch c {
	case adapter.CapabilityPrimer:
		system = "You are a research consultant. Write a concise primer on the topic described by the input: " +
			"key concepts, current landscape, open questions. Use any provided context."
	case adapter.CapabilityEmail:
		system = "You write personalized outreach messages for the given platform from the prospect and product details. " +
			"Respond with a JSON object only.\nKeys: " + strings.Join(emailKeys, ", ")
	case adapter.CapabilitySummary:
		system = "Summarize the provided document excerpts for the reader. Focus on the requested insight " +
			"and do not add facts that are not in the excerpts."
	case adapter.CapabilitySchemaExtract:
		if len(fields) == 0 {
			desc, _ := input["schema_description"].(string)
			if desc == "" {
				return nil, fmt.Errorf("schema-extract needs a schema or schema_description")
			}
			system = "Extract structured data from the raw text. Respond with a JSON object only.\nFields:\n" + desc
			break
		}
		keys := make([]string, 0, len(fields))
		lines := make([]string, 0, len(fields))
		for _, f := range fields {
			keys = append(keys, f.Name)
			lines = append(lines, describeField(f))
		}
		system = "Extract structured data from the raw text. Respond with a JSON object only. " +
			"Use null for fields the text does not mention.\nFields:\n" + strings.Join(lines, "\n") +
			"\nKeys: " + strings.Join(keys, ", ")
	default:
		return nil, fmt.Errorf("unknown capability %q", c)
	}
	return []adapter.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: string(b)},
	}, nil
}

func describeField(f model.SchemaField) string {
	typ := f.Type
	if typ == "" {
		typ = "string"
	}
	if f.Description == "" {
		return fmt.Sprintf("- %s: (%s)", f.Name, typ)
	}
	return fmt.Sprintf("- %s: %s (%s)", f.Name, f.Description, typ)
}

func shapeOutput(c adapter.Capability, text string, fields []model.SchemaField) (model.Payload, error) {
	switch c {
	case adapter.CapabilityPrimer:
		return model.Payload{"raw": text}, nil
	case adapter.CapabilitySummary:
		return model.Payload{"summary": text}, nil
	case adapter.CapabilityEmail:
		obj, err := parseJSONObject(text)
		if err != nil {
			// plain prose still makes a usable email
			return model.Payload{"email_body": strings.TrimSpace(text)}, nil
		}
		return obj, nil
	case adapter.CapabilitySchemaExtract:
		obj, err := parseJSONObject(text)
		if err != nil {
			return nil, err
		}
		for _, f := range fields {
			if v, ok := obj[f.Name]; !ok || v == nil {
				if f.Default != "" {
					obj[f.Name] = f.Default
				} else {
					obj[f.Name] = nil
				}
			}
		}
		return obj, nil
	}
	return nil, fmt.Errorf("unknown capability %q", c)
}

// parseJSONObject finds the outermost object in a model reply, repairing it when needed.
func parseJSONObject(text string) (model.Payload, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, errNoJSON
	}
	raw := text[start : end+1]
	var obj model.Payload
	if err := json.Unmarshal([]byte(raw), &obj); err == nil {
		return obj, nil
	}
	fixed, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errNoJSON, err)
	}
	if err := json.Unmarshal([]byte(fixed), &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", errNoJSON, err)
	}
	return obj, nil
}

func schemaFields(v any) ([]model.SchemaField, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case []model.SchemaField:
		return s, nil
	case []any:
		b, err := json.Marshal(s)
		if err != nil {
			return nil, err
		}
		var out []model.SchemaField
		if err := json.Unmarshal(b, &out); err != nil {
			return nil, fmt.Errorf("invalid schema: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("invalid schema of type %T", v)
	}
}
