package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"tradecouncil/internal/domain"
	"tradecouncil/internal/logging"
)

// Pipeline executes stages in declared order, threading the immutable
// context through them, containing per-stage errors, and emitting
// lifecycle events and progress.
type Pipeline struct {
	stages   []Stage
	events   EventLog
	progress ProgressSink
	stageCap time.Duration
	log      *zap.SugaredLogger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithStageTimeout caps each stage's wall clock. Zero means no cap.
func WithStageTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.stageCap = d }
}

// New builds a pipeline over the given stages. events is required;
// progress may be a NopSink.
func New(events EventLog, progress ProgressSink, stages []Stage, opts ...Option) *Pipeline {
	p := &Pipeline{
		stages:   stages,
		events:   events,
		progress: progress,
		log:      logging.Named("pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes the pipeline. On failure it returns the context as of the
// failing stage plus a *StageError naming the stage and kind. A
// cancelled ctx yields KindCancelled once the current stage unwinds.
func (p *Pipeline) Run(ctx context.Context, pc *Context) (*Context, error) {
	jobID, _ := pc.JobID()
	weekID, _ := pc.WeekID()

	for _, stage := range p.stages {
		if err := ctx.Err(); err != nil {
			return pc, NewStageError(stage.Name(), KindCancelled, err)
		}

		if missing := missingKeys(pc, stage.Inputs()); len(missing) > 0 {
			err := NewStageError(stage.Name(), KindPrecondition,
				Classified(KindPrecondition, "missing inputs %s", keysString(missing)))
			p.failStage(ctx, weekID, jobID, stage.Name(), err)
			return pc, err
		}

		p.markStage(ctx, weekID, jobID, stage.Name(), domain.EventStageStarted, "")
		p.progress.StageProgress(jobID, stage.Name(), "running", 0, "started")
		p.log.Infow("stage started", "stage", stage.Name(), "week", weekID, "job", jobID)

		runCtx := ctx
		var cancel context.CancelFunc
		if p.stageCap > 0 {
			runCtx, cancel = context.WithTimeout(ctx, p.stageCap)
		}
		next, err := stage.Run(runCtx, pc)
		if cancel != nil {
			cancel()
		}

		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				se := NewStageError(stage.Name(), KindCancelled, err)
				se.Kind = KindCancelled
				p.failStage(ctx, weekID, jobID, stage.Name(), se)
				return pc, se
			}
			if adv, ok := stage.(AdvisoryStage); ok && adv.Advisory() {
				p.log.Warnw("advisory stage degraded", "stage", stage.Name(), "error", err)
				p.markStage(ctx, weekID, jobID, stage.Name(), domain.EventStageFailed, KindOf(err))
				p.progress.StageProgress(jobID, stage.Name(), "complete", 100, "degraded: "+err.Error())
				pc = pc.WithDegradedSource(stage.Name())
				continue
			}
			se := NewStageError(stage.Name(), KindOf(err), err)
			p.failStage(ctx, weekID, jobID, stage.Name(), se)
			return pc, se
		}

		if missing := missingKeys(next, stage.Outputs()); len(missing) > 0 {
			se := NewStageError(stage.Name(), KindContract,
				Classified(KindContract, "stage returned without outputs %s", keysString(missing)))
			p.failStage(ctx, weekID, jobID, stage.Name(), se)
			return next, se
		}

		p.markStage(ctx, weekID, jobID, stage.Name(), domain.EventStageCompleted, "")
		p.progress.StageProgress(jobID, stage.Name(), "complete", 100, "completed")
		p.log.Infow("stage completed", "stage", stage.Name())
		pc = next
	}

	return pc, nil
}

// markStage appends a stage lifecycle event. Uses Background when the
// run context is already cancelled so the failure marker still lands.
func (p *Pipeline) markStage(ctx context.Context, week domain.WeekID, jobID, stage string, typ domain.EventType, reason ErrorKind) {
	marker := domain.StageMarker{Stage: stage, JobID: jobID, Reason: string(reason)}
	payload, _ := json.Marshal(marker)

	appendCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		appendCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if _, err := p.events.Append(appendCtx, domain.Event{
		WeekID:    week,
		Type:      typ,
		CreatedAt: time.Now().UTC(),
		Payload:   payload,
	}); err != nil {
		p.log.Errorw("stage marker append failed", "stage", stage, "type", typ, "error", err)
	}
}

func (p *Pipeline) failStage(ctx context.Context, week domain.WeekID, jobID, stage string, err *StageError) {
	p.log.Errorw("stage failed", "stage", stage, "kind", err.Kind, "error", err.Err)
	p.markStage(ctx, week, jobID, stage, domain.EventStageFailed, err.Kind)
	status := "error"
	if err.Kind == KindCancelled {
		status = "cancelled"
	}
	p.progress.StageProgress(jobID, stage, status, 0, err.Err.Error())
}
