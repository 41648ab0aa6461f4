package model

// TokenUsage is the token part of a callback payload.
type TokenUsage struct {
	PromptTokens     int    `json:"promptTokens"`
	CompletionTokens int    `json:"completionTokens"`
	TotalTokens      int    `json:"totalTokens"`
	ModelName        string `json:"modelName,omitempty"`
}

// ComputationalUsage is the runtime part of a callback payload.
type ComputationalUsage struct {
	RuntimeMs    int64         `json:"runtimeMs"`
	ResourceCost int64         `json:"resourceCost"`
	ResourceType ResourceType  `json:"resourceType,omitempty"`
	Resources    ResourceUsage `json:"resourcesUsed"`
}

// TaskResult is posted to the caller's callback URL when a root reaches a terminal state.
type TaskResult struct {
	TransactionID       string              `json:"transactionId"`
	Status              TransactionStatus   `json:"status"`
	ResultPayload       Payload             `json:"resultPayload"`
	ResultDocumentURLs  []string            `json:"resultDocumentUrls,omitempty"`
	ErrorMessage        string              `json:"errorMessage,omitempty"`
	TokenUsage          *TokenUsage         `json:"tokenUsage,omitempty"`
	ComputationalUsage  *ComputationalUsage `json:"computationalUsage,omitempty"`
	ParentTransactionID string              `json:"parentTransactionId,omitempty"`
}

func NewTaskResult(t *Transaction) TaskResult {
	r := TaskResult{
		TransactionID:       t.ID,
		Status:              t.Status,
		ResultPayload:       t.ResultPayload.Clone(),
		ResultDocumentURLs:  append([]string(nil), t.ResultDocumentURLs...),
		ErrorMessage:        t.ErrorMessage,
		ParentTransactionID: t.ParentID,
	}
	if u := t.Usage; u != nil {
		if u.TotalTokens > 0 {
			r.TokenUsage = &TokenUsage{
				PromptTokens:     u.PromptTokens,
				CompletionTokens: u.CompletionTokens,
				TotalTokens:      u.TotalTokens,
				ModelName:        u.ModelName,
			}
		}
		r.ComputationalUsage = &ComputationalUsage{
			RuntimeMs:    u.RuntimeMs,
			ResourceCost: u.ResourceCost,
			ResourceType: u.ResourceType,
			Resources:    u.Resources,
		}
	}
	return r
}
