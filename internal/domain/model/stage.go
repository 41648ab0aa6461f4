package model

// StageKind is the closed set of work types a chain link can run.
type StageKind string

const (
	StageIngest        StageKind = "ingest"
	StagePrimer        StageKind = "primer"
	StageEmail         StageKind = "email"
	StageSummary       StageKind = "summary"
	StageSchemaExtract StageKind = "schema-extract"
	StageCompletion    StageKind = "completion"
	StageExternal      StageKind = "external"
)

var stageDescriptions = map[StageKind]string{
	StageIngest:        "Fetch, chunk and embed the request documents",
	StagePrimer:        "Generate a consultant primer for the topic",
	StageEmail:         "Generate a personalized outreach email",
	StageSummary:       "Summarize the ingested documents",
	StageSchemaExtract: "Extract structured fields from free text",
	StageCompletion:    "Aggregate subtask results onto the parent task",
	StageExternal:      "Forward the request to an external service",
}

func (k StageKind) Valid() bool {
	_, ok := stageDescriptions[k]
	return ok
}

func (k StageKind) Description() string { return stageDescriptions[k] }

// IsServiceStage reports whether k can be the service-specific link of a chain.
func (k StageKind) IsServiceStage() bool {
	switch k {
	case StagePrimer, StageEmail, StageSummary, StageSchemaExtract, StageExternal:
		return true
	}
	return false
}

func (k StageKind) ResourceType() ResourceType {
	switch k {
	case StageIngest:
		return ResourceEmbedding
	case StageCompletion:
		return ResourceStorage
	case StageExternal:
		return ResourceProcessing
	default:
		return ResourceLLM
	}
}
