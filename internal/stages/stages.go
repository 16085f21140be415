package stages

import (
	"context"
	"encoding/json"
	"time"

	"tradecouncil/internal/domain"
	"tradecouncil/internal/llm"
	"tradecouncil/internal/pipeline"
)

// Deps carries the shared plumbing every LLM-backed stage needs: the
// event log, the progress sink, and the fan-out tuning.
type Deps struct {
	Events          pipeline.EventLog
	Progress        pipeline.ProgressSink
	Concurrency     int
	ProviderTimeout time.Duration
	RatePerProvider float64
}

// harness builds a fan-out harness whose per-provider progress routes
// to the job manager under the given job and stage.
func (d Deps) harness(jobID, stage string) *llm.Harness {
	sink := d.Progress
	if sink == nil {
		sink = pipeline.NopSink{}
	}
	return llm.NewHarness(llm.HarnessConfig{
		Concurrency:     d.Concurrency,
		DefaultTimeout:  d.ProviderTimeout,
		RatePerProvider: d.RatePerProvider,
		Progress: func(providerID, status string, percent int, message string) {
			sink.ProviderProgress(jobID, stage, providerID, status, percent, message)
		},
	})
}

// persist marshals v and appends it as an event. Storage failures are
// classified as persistence errors; every non-advisory stage treats
// them as fatal.
func persist(ctx context.Context, log pipeline.EventLog, week domain.WeekID, account domain.AccountID, typ domain.EventType, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return pipeline.Classified(pipeline.KindInternal, "marshal %s payload: %v", typ, err)
	}
	if _, err := log.Append(ctx, domain.Event{
		WeekID:    week,
		AccountID: account,
		Type:      typ,
		Payload:   payload,
	}); err != nil {
		return pipeline.Classified(pipeline.KindPersistence, "append %s event: %v", typ, err)
	}
	return nil
}
