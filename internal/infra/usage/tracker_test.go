//go:build !integration

package usage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"studio-agents/internal/domain/model"
	"studio-agents/internal/domain/ports/adapter"
	"studio-agents/internal/infra/logging"
)

func TestTracker(t *testing.T) {
	pricing := map[string]*model.ModelPricing{
		"gpt-4o-mini": model.NewModelPricing("gpt-4o-mini", 2, 5),
	}
	tr := NewTracker(pricing, logging.Nop())
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return clock }

	t.Run("should price tokens and measure runtime", func(t *testing.T) {
		sp := tr.Begin(model.ResourceLLM)
		clock = clock.Add(1500 * time.Millisecond)
		m := sp.End(adapter.GenerationUsage{PromptTokens: 100, CompletionTokens: 20, ModelName: "gpt-4o-mini"})

		assert.EqualValues(t, 1500, m.RuntimeMs)
		assert.Equal(t, 120, m.TotalTokens)
		assert.EqualValues(t, 100*2+20*5, m.ResourceCost)
		assert.Equal(t, model.ResourceLLM, m.ResourceType)
		assert.NotZero(t, m.Resources.MemoryRSS)
	})

	t.Run("should cost nothing for unpriced work", func(t *testing.T) {
		m := tr.Begin(model.ResourceStorage).End(adapter.GenerationUsage{})
		assert.Zero(t, m.ResourceCost)
		assert.Zero(t, m.TotalTokens)
		assert.Equal(t, model.ResourceStorage, m.ResourceType)
	})
}
