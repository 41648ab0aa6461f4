package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"studio-agents/internal/domain/ports/adapter"
)

var _ adapter.AIServiceAdapter = (*CannedAIAdapter)(nil)

// CannedAIAdapter answers deterministically without calling a provider. It serves
// local runs and tests: when the system prompt lists "Keys:" it replies with a JSON
// object holding those keys, otherwise with a short text echoing the request.
type CannedAIAdapter struct {
	delay time.Duration
}

func NewCannedAIAdapter(delay time.Duration) *CannedAIAdapter {
	return &CannedAIAdapter{delay: delay}
}

func (a *CannedAIAdapter) wait(ctx context.Context) error {
	if a.delay <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(a.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *CannedAIAdapter) ListModels(ctx context.Context) ([]string, error) {
	return []string{"canned"}, nil
}

func (a *CannedAIAdapter) GetModelInfo(model string) (adapter.ModelInfo, error) {
	return adapter.ModelInfo{
		Name:        "canned",
		Description: "Deterministic replies for local runs",
		MaxTokens:   4096,
		Supports:    []string{"text"},
	}, nil
}

func (a *CannedAIAdapter) CountTokens(ctx context.Context, model string, messages []adapter.Message) (int, error) {
	return estimateMessages(messages), nil
}

func (a *CannedAIAdapter) Chat(ctx context.Context, model string, messages []adapter.Message) (string, error) {
	reply, _, err := a.ChatWithUsage(ctx, model, messages)
	return reply, err
}

func (a *CannedAIAdapter) ChatWithUsage(ctx context.Context, model string, messages []adapter.Message) (string, adapter.Usage, error) {
	if err := a.wait(ctx); err != nil {
		return "", adapter.Usage{}, err
	}
	var system, user string
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = m.Content
		case "user":
			user = m.Content
		}
	}

	reply := fmt.Sprintf("Canned reply for: %s", abbreviate(user, 80))
	if keys := listedKeys(system); len(keys) > 0 {
		obj := make(map[string]string, len(keys))
		for _, k := range keys {
			obj[k] = fmt.Sprintf("canned %s", k)
		}
		b, _ := json.Marshal(obj)
		reply = string(b)
	}

	prompt := estimateMessages(messages)
	completion := EstimateTokens(reply)
	return reply, adapter.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}, nil
}

func listedKeys(system string) []string {
	for _, line := range strings.Split(system, "\n") {
		if rest, ok := strings.CutPrefix(line, "Keys:"); ok {
			var keys []string
			for _, k := range strings.Split(rest, ",") {
				if k = strings.TrimSpace(k); k != "" {
					keys = append(keys, k)
				}
			}
			return keys
		}
	}
	return nil
}

func abbreviate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
