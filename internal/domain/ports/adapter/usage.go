package adapter

import "studio-agents/internal/domain/model"

// UsageTracker measures a unit of work.
type UsageTracker interface {
	Begin(resource model.ResourceType) UsageSpan
}

// UsageSpan is finished once, with the token usage reported by the work (zero when none).
type UsageSpan interface {
	End(tokens GenerationUsage) model.UsageMetrics
}
