package usage

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"studio-agents/internal/domain/model"
	"studio-agents/internal/domain/ports/adapter"
)

var _ adapter.UsageTracker = (*Tracker)(nil)

// Tracker measures stage runtime, prices token usage and samples the worker process.
type Tracker struct {
	proc    *process.Process
	pricing map[string]*model.ModelPricing
	now     func() time.Time
	log     zerolog.Logger
}

func NewTracker(pricing map[string]*model.ModelPricing, logger *zerolog.Logger) *Tracker {
	t := &Tracker{
		pricing: pricing,
		now:     time.Now,
		log:     logger.With().Str("component", "UsageTracker").Logger(),
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		t.log.Warn().Err(err).Msg("process sampling disabled")
	} else {
		t.proc = proc
	}
	return t
}

func (t *Tracker) Begin(resource model.ResourceType) adapter.UsageSpan {
	return &span{tracker: t, resource: resource, start: t.now()}
}

func (t *Tracker) snapshot() model.ResourceUsage {
	var r model.ResourceUsage
	if t.proc == nil {
		return r
	}
	if mem, err := t.proc.MemoryInfo(); err == nil {
		r.MemoryRSS = mem.RSS
		r.MemoryVMS = mem.VMS
	}
	if cpu, err := t.proc.CPUPercent(); err == nil {
		r.CPUPercent = cpu
	}
	return r
}

type span struct {
	tracker  *Tracker
	resource model.ResourceType
	start    time.Time
}

func (s *span) End(tok adapter.GenerationUsage) model.UsageMetrics {
	total := tok.TotalTokens
	if total == 0 {
		total = tok.PromptTokens + tok.CompletionTokens
	}
	return model.UsageMetrics{
		RuntimeMs:        s.tracker.now().Sub(s.start).Milliseconds(),
		PromptTokens:     tok.PromptTokens,
		CompletionTokens: tok.CompletionTokens,
		TotalTokens:      total,
		ResourceCost:     s.tracker.pricing[tok.ModelName].Cost(tok.PromptTokens, tok.CompletionTokens),
		ModelName:        tok.ModelName,
		ResourceType:     s.resource,
		Resources:        s.tracker.snapshot(),
	}
}
