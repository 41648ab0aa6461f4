package usecase

import (
	"context"

	"studio-agents/internal/domain/ports/adapter"
)

// externalStage forwards the envelope to the service endpoint; the reply is the result.
type externalStage struct {
	invoker adapter.ServiceInvoker
}

func newExternalStage(d StageDeps) *externalStage {
	return &externalStage{invoker: d.Invoker}
}

func (s *externalStage) Run(ctx context.Context, run StageRun) (*StageOutcome, error) {
	out, err := s.invoker.Invoke(ctx, run.Service.Endpoint, run.Envelope)
	if err != nil {
		return nil, err
	}
	return &StageOutcome{Result: out}, nil
}
