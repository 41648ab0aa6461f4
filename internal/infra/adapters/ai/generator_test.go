//go:build !integration

package ai_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studio-agents/internal/domain/model"
	"studio-agents/internal/domain/ports/adapter"
	ai "studio-agents/internal/infra/adapters/ai"
	"studio-agents/internal/infra/logging"
)

// replyAI returns a fixed reply and records the prompt it was given.
type replyAI struct {
	stubAI
	reply    string
	usage    adapter.Usage
	err      error
	model    string
	messages []adapter.Message
}

func (r *replyAI) ChatWithUsage(ctx context.Context, model string, messages []adapter.Message) (string, adapter.Usage, error) {
	r.model = model
	r.messages = messages
	return r.reply, r.usage, r.err
}

func TestLLMGenerator(t *testing.T) {
	ctx := context.Background()

	t.Run("should wrap primer text and report provider usage", func(t *testing.T) {
		p := &replyAI{reply: "A primer on X", usage: adapter.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}}
		g := ai.NewLLMGenerator(p, "gpt-4o-mini", map[adapter.Capability]string{adapter.CapabilityPrimer: "gpt-4o"}, logging.Nop())

		res, err := g.Invoke(ctx, adapter.CapabilityPrimer, model.Payload{"topic": "X"})
		require.NoError(t, err)
		assert.Equal(t, "A primer on X", res.Output["raw"])
		assert.Equal(t, 15, res.Usage.TotalTokens)
		assert.Equal(t, "gpt-4o", res.Usage.ModelName)
		assert.Equal(t, "gpt-4o", p.model)
		assert.Contains(t, p.messages[1].Content, `"topic": "X"`)
	})

	t.Run("should estimate usage when the provider reports none", func(t *testing.T) {
		p := &replyAI{reply: "short summary"}
		g := ai.NewLLMGenerator(p, "gpt-4o-mini", nil, logging.Nop())
		res, err := g.Invoke(ctx, adapter.CapabilitySummary, model.Payload{"insight": "risks"})
		require.NoError(t, err)
		assert.Equal(t, "short summary", res.Output["summary"])
		assert.Positive(t, res.Usage.PromptTokens)
		assert.Positive(t, res.Usage.CompletionTokens)
		assert.Equal(t, res.Usage.PromptTokens+res.Usage.CompletionTokens, res.Usage.TotalTokens)
	})

	t.Run("should repair malformed email JSON", func(t *testing.T) {
		p := &replyAI{reply: "Here you go:\n```json\n{\"subject_line\": \"Hi\", \"email_body\": \"Hello there\",}\n```"}
		g := ai.NewLLMGenerator(p, "gpt-4o-mini", nil, logging.Nop())
		res, err := g.Invoke(ctx, adapter.CapabilityEmail, model.Payload{"name": "Ada"})
		require.NoError(t, err)
		assert.Equal(t, "Hi", res.Output["subject_line"])
		assert.Equal(t, "Hello there", res.Output["email_body"])
	})

	t.Run("should keep prose email replies as the body", func(t *testing.T) {
		p := &replyAI{reply: "Dear Ada, ..."}
		g := ai.NewLLMGenerator(p, "gpt-4o-mini", nil, logging.Nop())
		res, err := g.Invoke(ctx, adapter.CapabilityEmail, model.Payload{"name": "Ada"})
		require.NoError(t, err)
		assert.Equal(t, "Dear Ada, ...", res.Output["email_body"])
	})

	t.Run("should fill schema defaults and describe fields", func(t *testing.T) {
		p := &replyAI{reply: `{"name": "Ada Lovelace", "platform": null}`}
		g := ai.NewLLMGenerator(p, "gpt-4o-mini", nil, logging.Nop())
		schema := []model.SchemaField{
			{Name: "name", Description: "Full name", Type: "string"},
			{Name: "company", Type: "string"},
			{Name: "platform", Default: "Email"},
		}
		res, err := g.Invoke(ctx, adapter.CapabilitySchemaExtract, model.Payload{"raw_text": "Ada at Analytical Engines", "schema": schema})
		require.NoError(t, err)
		assert.Equal(t, "Ada Lovelace", res.Output["name"])
		assert.Equal(t, "Email", res.Output["platform"])
		v, ok := res.Output["company"]
		assert.True(t, ok)
		assert.Nil(t, v)

		system := p.messages[0].Content
		assert.Contains(t, system, "- name: Full name (string)")
		assert.Contains(t, system, "- company: (string)")
		assert.NotContains(t, p.messages[1].Content, "schema")
	})

	t.Run("should accept a decoded JSON schema", func(t *testing.T) {
		p := &replyAI{reply: `{"city": "Paris"}`}
		g := ai.NewLLMGenerator(p, "gpt-4o-mini", nil, logging.Nop())
		schema := []any{map[string]any{"name": "city", "description": "City name"}}
		res, err := g.Invoke(ctx, adapter.CapabilitySchemaExtract, model.Payload{"raw_text": "I live in Paris", "schema": schema})
		require.NoError(t, err)
		assert.Equal(t, "Paris", res.Output["city"])
	})

	t.Run("should fail schema extraction without JSON", func(t *testing.T) {
		p := &replyAI{reply: "I cannot help with that"}
		g := ai.NewLLMGenerator(p, "gpt-4o-mini", nil, logging.Nop())
		_, err := g.Invoke(ctx, adapter.CapabilitySchemaExtract, model.Payload{"raw_text": "x", "schema_description": "- a: thing"})
		assert.Error(t, err)
	})

	t.Run("should reject schema extraction without a target", func(t *testing.T) {
		p := &replyAI{reply: "{}"}
		g := ai.NewLLMGenerator(p, "gpt-4o-mini", nil, logging.Nop())
		_, err := g.Invoke(ctx, adapter.CapabilitySchemaExtract, model.Payload{"raw_text": "x"})
		assert.Error(t, err)
	})

	t.Run("should surface provider errors", func(t *testing.T) {
		boom := errors.New("rate limited")
		p := &replyAI{err: boom}
		g := ai.NewLLMGenerator(p, "gpt-4o-mini", nil, logging.Nop())
		_, err := g.Invoke(ctx, adapter.CapabilityPrimer, model.Payload{"topic": "X"})
		assert.ErrorIs(t, err, boom)
	})
}

func TestCannedAIAdapter(t *testing.T) {
	ctx := context.Background()
	g := ai.NewLLMGenerator(ai.NewCannedAIAdapter(0), "canned", nil, logging.Nop())

	t.Run("should produce the email keys", func(t *testing.T) {
		res, err := g.Invoke(ctx, adapter.CapabilityEmail, model.Payload{"name": "Ada"})
		require.NoError(t, err)
		assert.Equal(t, "canned subject_line", res.Output["subject_line"])
		assert.Equal(t, "canned email_body", res.Output["email_body"])
		assert.Equal(t, "canned follow_up_notes", res.Output["follow_up_notes"])
	})

	t.Run("should echo the request for text capabilities", func(t *testing.T) {
		res, err := g.Invoke(ctx, adapter.CapabilityPrimer, model.Payload{"topic": "quantum"})
		require.NoError(t, err)
		raw, _ := res.Output["raw"].(string)
		assert.True(t, strings.HasPrefix(raw, "Canned reply for:"))
		assert.Contains(t, raw, "quantum")
		assert.Positive(t, res.Usage.TotalTokens)
	})

	t.Run("should honor cancellation", func(t *testing.T) {
		slow := ai.NewCannedAIAdapter(time.Second)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := slow.Chat(cctx, "canned", []adapter.Message{{Role: "user", Content: "hi"}})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestLimitedAI(t *testing.T) {
	inner := &stubAI{name: "openai"}
	l := ai.NewLimitedAI(inner, 1)
	ctx := context.Background()

	_, _, err := l.ChatWithUsage(ctx, "gpt-4o", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, inner.cwuN)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = l.Chat(cctx, "gpt-4o", nil)
	// a free slot may still be taken when the context is already cancelled
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
}
