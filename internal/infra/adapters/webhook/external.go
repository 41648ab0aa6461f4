package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"studio-agents/internal/domain/model"
	"studio-agents/internal/domain/ports/adapter"
)

var _ adapter.ServiceInvoker = (*ServiceInvoker)(nil)

// ServiceInvoker forwards an envelope to an external service and returns its JSON reply.
type ServiceInvoker struct {
	client *http.Client
}

func NewServiceInvoker(timeout time.Duration) *ServiceInvoker {
	return &ServiceInvoker{client: &http.Client{Timeout: timeout}}
}

func (s *ServiceInvoker) Invoke(ctx context.Context, endpoint string, env model.Envelope) (model.Payload, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("external service http %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	var out model.Payload
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("external service reply: %w", err)
	}
	if out == nil {
		out = model.Payload{}
	}
	return out, nil
}
