package model

// ModelPricing holds per-token prices of one model in micro-units.
type ModelPricing struct {
	ModelName              string
	InputTokenPriceMicros  int64
	OutputTokenPriceMicros int64
}

func NewModelPricing(modelName string, inputPriceMicros, outputPriceMicros int64) *ModelPricing {
	return &ModelPricing{
		ModelName:              modelName,
		InputTokenPriceMicros:  inputPriceMicros,
		OutputTokenPriceMicros: outputPriceMicros,
	}
}

// Cost prices a call from its token counts.
func (p *ModelPricing) Cost(promptTokens, completionTokens int) int64 {
	if p == nil {
		return 0
	}
	return int64(promptTokens)*p.InputTokenPriceMicros + int64(completionTokens)*p.OutputTokenPriceMicros
}
