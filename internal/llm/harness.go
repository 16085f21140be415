package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"tradecouncil/internal/logging"
	"tradecouncil/internal/metrics"
)

// Status of one provider call after the harness is done with it.
type Status string

const (
	StatusOK         Status = "ok"
	StatusParseError Status = "parse_error"
	StatusTimeout    Status = "timeout"
	StatusTransport  Status = "transport_error"
	StatusCancelled  Status = "cancelled"
)

// ParseFunc turns raw completion text into a stage payload. A non-empty
// issue list triggers the single repair round; a hard error counts as a
// parse failure with no repair guidance beyond its message.
type ParseFunc func(content string) (payload any, issues []string, err error)

// Call is one provider dispatch.
type Call struct {
	ProviderID string
	Client     Client
	Prompt     string
	Options    Options
	// Timeout overrides the harness default for this call. Deep-research
	// providers set minutes here; chat providers keep the default.
	Timeout time.Duration
	Parse   ParseFunc
}

// ProviderResult is the harness's per-provider outcome. The harness
// never fails as a whole; callers decide whether partial results
// suffice.
type ProviderResult struct {
	ProviderID string
	Status     Status
	Payload    any
	Err        error
	Repaired   bool
}

// ProgressFunc receives per-provider lifecycle updates
// (started, in_progress, completed, failed).
type ProgressFunc func(providerID, status string, percent int, message string)

// Harness fans prompts out to providers with a bounded concurrency
// semaphore, a per-provider rate limiter, and a per-provider circuit
// breaker. Results come back in call order, not completion order, so
// downstream stages stay deterministic.
type Harness struct {
	cap            int64
	defaultTimeout time.Duration
	progress       ProgressFunc
	limiterRate    rate.Limit

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	breakers map[string]*gobreaker.CircuitBreaker

	log *zap.SugaredLogger
}

// HarnessConfig tunes a Harness.
type HarnessConfig struct {
	// Concurrency caps simultaneous provider calls. Zero means the call
	// count of each fan-out.
	Concurrency int
	// DefaultTimeout bounds each provider call unless the Call overrides.
	DefaultTimeout time.Duration
	// RatePerProvider limits calls per second per provider. Zero
	// disables limiting.
	RatePerProvider float64
	Progress        ProgressFunc
}

// NewHarness builds a harness.
func NewHarness(cfg HarnessConfig) *Harness {
	progress := cfg.Progress
	if progress == nil {
		progress = func(string, string, int, string) {}
	}
	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = 90 * time.Second
	}
	h := &Harness{
		cap:            int64(cfg.Concurrency),
		defaultTimeout: timeout,
		progress:       progress,
		limiters:       make(map[string]*rate.Limiter),
		breakers:       make(map[string]*gobreaker.CircuitBreaker),
		log:            logging.Named("llm"),
	}
	if cfg.RatePerProvider > 0 {
		h.limiterRate = rate.Limit(cfg.RatePerProvider)
	}
	return h
}

func (h *Harness) limiter(providerID string) *rate.Limiter {
	if h.limiterRate == 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	lim, ok := h.limiters[providerID]
	if !ok {
		lim = rate.NewLimiter(h.limiterRate, 1)
		h.limiters[providerID] = lim
	}
	return lim
}

func (h *Harness) breaker(providerID string) *gobreaker.CircuitBreaker {
	h.mu.Lock()
	defer h.mu.Unlock()
	cb, ok := h.breakers[providerID]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    providerID,
			Timeout: 60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
		h.breakers[providerID] = cb
	}
	return cb
}

// FanOut dispatches every call concurrently and returns one result per
// call, ordered as the calls were given. Cancellation of ctx stops
// undispatched calls immediately and surfaces in-flight calls as
// cancelled.
func (h *Harness) FanOut(ctx context.Context, calls []Call) []ProviderResult {
	results := make([]ProviderResult, len(calls))

	capacity := h.cap
	if capacity <= 0 {
		capacity = int64(len(calls))
	}
	sem := semaphore.NewWeighted(capacity)

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, c Call) {
			defer wg.Done()
			results[idx] = h.runOne(ctx, sem, c)
		}(i, call)
	}
	wg.Wait()

	for _, res := range results {
		metrics.ProviderCalls.WithLabelValues(res.ProviderID, string(res.Status)).Inc()
	}
	return results
}

func (h *Harness) runOne(ctx context.Context, sem *semaphore.Weighted, call Call) ProviderResult {
	result := ProviderResult{ProviderID: call.ProviderID}

	if err := sem.Acquire(ctx, 1); err != nil {
		result.Status = StatusCancelled
		result.Err = err
		h.progress(call.ProviderID, "failed", 0, "cancelled before dispatch")
		return result
	}
	defer sem.Release(1)

	// Cancellation check between acquiring a slot and dispatching.
	if err := ctx.Err(); err != nil {
		result.Status = StatusCancelled
		result.Err = err
		h.progress(call.ProviderID, "failed", 0, "cancelled before dispatch")
		return result
	}

	if lim := h.limiter(call.ProviderID); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			result.Status = StatusCancelled
			result.Err = err
			return result
		}
	}

	h.progress(call.ProviderID, "started", 0, "dispatching")

	timeout := call.Timeout
	if timeout == 0 {
		timeout = h.defaultTimeout
	}

	resp, err := h.ask(ctx, call, timeout, call.Prompt)
	if err != nil {
		result.Status, result.Err = h.classify(ctx, call.ProviderID, err)
		h.progress(call.ProviderID, "failed", 0, result.Err.Error())
		return result
	}
	h.progress(call.ProviderID, "in_progress", 50, "response received")

	payload, issues, parseErr := call.Parse(resp.Content)
	if parseErr == nil && len(issues) == 0 {
		result.Status = StatusOK
		result.Payload = payload
		h.progress(call.ProviderID, "completed", 100, "ok")
		return result
	}

	// One repair round with the exact validator errors.
	repairPrompt := h.repairPrompt(call.Prompt, resp.Content, issues, parseErr)
	metrics.RepairRounds.WithLabelValues(call.ProviderID).Inc()
	h.log.Warnw("validation failed, issuing repair round",
		"provider", call.ProviderID, "issues", issues, "parse_error", parseErr)
	h.progress(call.ProviderID, "in_progress", 60, "repair round")

	resp, err = h.ask(ctx, call, timeout, repairPrompt)
	if err != nil {
		result.Status, result.Err = h.classify(ctx, call.ProviderID, err)
		h.progress(call.ProviderID, "failed", 0, result.Err.Error())
		return result
	}

	payload, issues, parseErr = call.Parse(resp.Content)
	if parseErr != nil || len(issues) > 0 {
		result.Status = StatusParseError
		result.Repaired = true
		if parseErr != nil {
			result.Err = fmt.Errorf("provider %s output invalid after repair: %w", call.ProviderID, parseErr)
		} else {
			result.Err = fmt.Errorf("provider %s output invalid after repair: %v", call.ProviderID, issues)
		}
		h.progress(call.ProviderID, "failed", 0, result.Err.Error())
		return result
	}

	result.Status = StatusOK
	result.Payload = payload
	result.Repaired = true
	h.progress(call.ProviderID, "completed", 100, "ok after repair")
	return result
}

// ask issues one provider call through the circuit breaker with its own
// deadline.
func (h *Harness) ask(ctx context.Context, call Call, timeout time.Duration, prompt string) (*Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := h.breaker(call.ProviderID).Execute(func() (any, error) {
		return call.Client.Ask(callCtx, prompt, call.Options)
	})
	if err != nil {
		return nil, err
	}
	return out.(*Response), nil
}

func (h *Harness) classify(ctx context.Context, providerID string, err error) (Status, error) {
	switch {
	case ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled):
		return StatusCancelled, fmt.Errorf("provider %s cancelled: %w", providerID, err)
	case errors.Is(err, context.DeadlineExceeded):
		return StatusTimeout, fmt.Errorf("provider %s timed out: %w", providerID, err)
	case errors.Is(err, context.Canceled):
		return StatusCancelled, fmt.Errorf("provider %s cancelled: %w", providerID, err)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return StatusTransport, fmt.Errorf("provider %s circuit open: %w", providerID, err)
	default:
		return StatusTransport, fmt.Errorf("provider %s transport error: %w", providerID, err)
	}
}

func (h *Harness) repairPrompt(original, lastResponse string, issues []string, parseErr error) string {
	var list string
	if parseErr != nil {
		list = "- " + parseErr.Error() + "\n"
	}
	for _, issue := range issues {
		list += "- " + issue + "\n"
	}
	return original + "\n\n" +
		"Your previous response was:\n" + lastResponse + "\n\n" +
		"It failed validation. Fix the JSON to satisfy:\n" + list +
		"Return only the corrected JSON, nothing else."
}
