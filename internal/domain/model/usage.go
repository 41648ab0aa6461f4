package model

type ResourceType string

const (
	ResourceLLM        ResourceType = "llm"
	ResourceEmbedding  ResourceType = "embedding"
	ResourceStorage    ResourceType = "storage"
	ResourceProcessing ResourceType = "processing"
)

// ResourceUsage is a process snapshot taken when a unit of work finishes.
type ResourceUsage struct {
	MemoryRSS  uint64  `json:"memory_rss"`
	MemoryVMS  uint64  `json:"memory_vms"`
	CPUPercent float64 `json:"cpu_percent"`
}

// UsageMetrics is attached to a transaction when its stage finishes.
// ResourceCost is expressed in micro-units.
type UsageMetrics struct {
	RuntimeMs        int64         `json:"runtime_ms"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	TotalTokens      int           `json:"total_tokens"`
	ResourceCost     int64         `json:"resource_cost"`
	ModelName        string        `json:"model_name,omitempty"`
	ResourceType     ResourceType  `json:"resource_type,omitempty"`
	Resources        ResourceUsage `json:"resources_used"`
}

// SumUsage adds up token, runtime and cost figures of the given rows.
// It returns nil when no row carries usage.
func SumUsage(rows []*Transaction) *UsageMetrics {
	var sum *UsageMetrics
	for _, r := range rows {
		if r == nil || r.Usage == nil {
			continue
		}
		if sum == nil {
			sum = &UsageMetrics{ResourceType: ResourceProcessing}
		}
		sum.RuntimeMs += r.Usage.RuntimeMs
		sum.PromptTokens += r.Usage.PromptTokens
		sum.CompletionTokens += r.Usage.CompletionTokens
		sum.TotalTokens += r.Usage.TotalTokens
		sum.ResourceCost += r.Usage.ResourceCost
		if sum.ModelName == "" {
			sum.ModelName = r.Usage.ModelName
		}
		if r.Usage.Resources.MemoryRSS > sum.Resources.MemoryRSS {
			sum.Resources = r.Usage.Resources
		}
	}
	return sum
}
