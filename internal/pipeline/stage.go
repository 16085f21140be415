package pipeline

import (
	"context"
	"fmt"

	"tradecouncil/internal/domain"
)

// Stage is one step of the weekly pipeline. A stage receives the context
// produced by its predecessor and returns a new context; it holds no
// state between runs. Inputs and Outputs declare the contract the
// runtime enforces around Run.
type Stage interface {
	Name() string
	Inputs() []Key
	Outputs() []Key
	Run(ctx context.Context, pc *Context) (*Context, error)
}

// AdvisoryStage marks a stage whose failure degrades the run instead of
// terminating it. Market-Sentiment implements this; fatal stages do not.
type AdvisoryStage interface {
	Advisory() bool
}

// EventLog is the append-only store the runtime and stages persist
// artifacts through. Implemented by the events package.
type EventLog interface {
	Append(ctx context.Context, ev domain.Event) (int64, error)
}

// ProgressSink receives stage and per-provider progress updates. The job
// manager implements this; a nop sink is used for synchronous runs.
type ProgressSink interface {
	StageProgress(jobID, stage, status string, percent int, message string)
	ProviderProgress(jobID, stage, providerID, status string, percent int, message string)
}

// NopSink discards progress updates.
type NopSink struct{}

func (NopSink) StageProgress(string, string, string, int, string)            {}
func (NopSink) ProviderProgress(string, string, string, string, int, string) {}

// Mode selects which stages compose the weekly pipeline.
type Mode string

const (
	ModeChatOnly Mode = "chat_only"
	ModeRanking  Mode = "ranking"
	ModeFull     Mode = "full"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeChatOnly, ModeRanking, ModeFull:
		return Mode(s), nil
	}
	return "", Classified(KindConfiguration, "unknown mode %q (valid: chat_only, ranking, full)", s)
}

// StageSet holds the constructed stage implementations a pipeline is
// assembled from.
type StageSet struct {
	Sentiment Stage
	Research  Stage
	Pitch     Stage
	Review    Stage
	Chairman  Stage
	Execution Stage
}

// ForMode returns the ordered stage list for a mode. chat_only runs
// sentiment, research, pitch, execution; ranking inserts peer review
// before execution; full inserts the chairman after peer review.
func ForMode(mode Mode, set StageSet) ([]Stage, error) {
	base := []Stage{set.Sentiment, set.Research, set.Pitch}
	switch mode {
	case ModeChatOnly:
		return append(base, set.Execution), nil
	case ModeRanking:
		return append(base, set.Review, set.Execution), nil
	case ModeFull:
		return append(base, set.Review, set.Chairman, set.Execution), nil
	}
	return nil, Classified(KindConfiguration, "unknown mode %q", mode)
}

func missingKeys(pc *Context, want []Key) []Key {
	var missing []Key
	for _, k := range want {
		if !pc.Has(k) {
			missing = append(missing, k)
		}
	}
	return missing
}

func keysString(keys []Key) string {
	s := ""
	for i, k := range keys {
		if i > 0 {
			s += ", "
		}
		s += string(k)
	}
	return fmt.Sprintf("[%s]", s)
}
