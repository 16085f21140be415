// Package jobs runs weekly pipelines asynchronously and exposes
// consistent status snapshots, cooperative cancellation, and TTL
// eviction of terminal jobs.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tradecouncil/internal/domain"
	"tradecouncil/internal/logging"
	"tradecouncil/internal/metrics"
	"tradecouncil/internal/pipeline"
)

// Status of a job. Terminal states are immutable.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusComplete  Status = "complete"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError || s == StatusCancelled
}

// ProviderState is one provider's progress inside a stage.
type ProviderState struct {
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
}

// StageState is one stage's progress inside a job.
type StageState struct {
	Status       string                   `json:"status"`
	Progress     int                      `json:"progress"`
	Message      string                   `json:"message,omitempty"`
	SubProviders map[string]ProviderState `json:"sub_providers,omitempty"`
}

// Snapshot is a deep copy of a job's state, safe to hold after return.
type Snapshot struct {
	JobID      string                `json:"job_id"`
	WeekID     domain.WeekID         `json:"week_id"`
	Mode       pipeline.Mode         `json:"mode"`
	Status     Status                `json:"status"`
	Error      string                `json:"error,omitempty"`
	ErrorKind  string                `json:"error_kind,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
	FinishedAt *time.Time            `json:"finished_at,omitempty"`
	Stages     map[string]StageState `json:"stages"`
}

type job struct {
	snapshot Snapshot
	cancel   context.CancelFunc
}

// Inputs seeds one run.
type Inputs struct {
	WeekID    domain.WeekID
	UserQuery string
}

// Runner executes one pipeline run for a job. The manager supplies the
// run context, the job id, and the progress sink.
type Runner interface {
	Run(ctx context.Context, mode pipeline.Mode, jobID string, in Inputs, sink pipeline.ProgressSink) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, mode pipeline.Mode, jobID string, in Inputs, sink pipeline.ProgressSink) error

func (f RunnerFunc) Run(ctx context.Context, mode pipeline.Mode, jobID string, in Inputs, sink pipeline.ProgressSink) error {
	return f(ctx, mode, jobID, in, sink)
}

// ErrNotFound is returned for unknown job ids.
var ErrNotFound = fmt.Errorf("job not found")

// ErrEvicted is returned for job ids reaped after their TTL.
var ErrEvicted = fmt.Errorf("job evicted")

// ErrDuplicateWeek is returned when a non-terminal job already covers
// the requested week.
var ErrDuplicateWeek = fmt.Errorf("a job for this week is already running")

// Manager owns the job table. One goroutine runs each job; status reads
// and progress writes serialize on the table mutex so snapshots are
// never torn.
type Manager struct {
	runner Runner
	ttl    time.Duration
	jobCap time.Duration

	mu      sync.Mutex
	jobs    map[string]*job
	evicted map[string]bool

	stopReaper chan struct{}
	reaperOnce sync.Once
	wg         sync.WaitGroup

	log *zap.SugaredLogger
}

// NewManager builds a manager. ttl bounds how long terminal jobs stay
// queryable; jobCap bounds each job's wall clock (zero means no cap).
func NewManager(runner Runner, ttl, jobCap time.Duration) *Manager {
	m := &Manager{
		runner:     runner,
		ttl:        ttl,
		jobCap:     jobCap,
		jobs:       make(map[string]*job),
		evicted:    make(map[string]bool),
		stopReaper: make(chan struct{}),
		log:        logging.Named("jobs"),
	}
	go m.reap()
	return m
}

// Close cancels all running jobs, stops the reaper, and waits for job
// goroutines to unwind.
func (m *Manager) Close() {
	m.reaperOnce.Do(func() { close(m.stopReaper) })
	m.mu.Lock()
	for _, j := range m.jobs {
		if !j.snapshot.Status.Terminal() {
			j.cancel()
		}
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Create registers a pending job for the week and schedules the
// pipeline. One non-terminal job per week at a time.
func (m *Manager) Create(mode pipeline.Mode, in Inputs) (string, error) {
	if err := in.WeekID.Validate(); err != nil {
		return "", err
	}

	m.mu.Lock()
	for _, j := range m.jobs {
		if j.snapshot.WeekID == in.WeekID && !j.snapshot.Status.Terminal() {
			m.mu.Unlock()
			return "", fmt.Errorf("%w: week %s held by job %s", ErrDuplicateWeek, in.WeekID, j.snapshot.JobID)
		}
	}

	jobID := uuid.NewString()
	var ctx context.Context
	var cancel context.CancelFunc
	if m.jobCap > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), m.jobCap)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	m.jobs[jobID] = &job{
		snapshot: Snapshot{
			JobID:     jobID,
			WeekID:    in.WeekID,
			Mode:      mode,
			Status:    StatusPending,
			CreatedAt: time.Now().UTC(),
			Stages:    make(map[string]StageState),
		},
		cancel: cancel,
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(ctx, jobID, mode, in)

	m.log.Infow("job created", "job", jobID, "week", in.WeekID, "mode", mode)
	return jobID, nil
}

func (m *Manager) run(ctx context.Context, jobID string, mode pipeline.Mode, in Inputs) {
	defer m.wg.Done()

	m.transition(jobID, StatusRunning, nil)
	err := m.runner.Run(ctx, mode, jobID, in, &managerSink{m: m})

	switch {
	case err == nil:
		m.transition(jobID, StatusComplete, nil)
	case ctx.Err() != nil || pipeline.KindOf(err) == pipeline.KindCancelled:
		m.transition(jobID, StatusCancelled, err)
	default:
		m.transition(jobID, StatusError, err)
	}
}

func (m *Manager) transition(jobID string, to Status, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || j.snapshot.Status.Terminal() {
		return
	}
	j.snapshot.Status = to
	if cause != nil {
		j.snapshot.Error = cause.Error()
		j.snapshot.ErrorKind = string(pipeline.KindOf(cause))
	}
	if to.Terminal() {
		now := time.Now().UTC()
		j.snapshot.FinishedAt = &now
		j.cancel()
		metrics.JobsByState.WithLabelValues(string(to)).Inc()
		m.log.Infow("job finished", "job", jobID, "status", to, "error", j.snapshot.Error)
	}
}

// Status returns a deep copy of the job state.
func (m *Manager) Status(jobID string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		if m.evicted[jobID] {
			return Snapshot{}, ErrEvicted
		}
		return Snapshot{}, ErrNotFound
	}
	return copySnapshot(j.snapshot), nil
}

// List returns deep copies of every known job, newest first not
// guaranteed; callers sort as needed.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, copySnapshot(j.snapshot))
	}
	return out
}

// Cancel signals the job's context. Idempotent; a no-op on terminal
// jobs.
func (m *Manager) Cancel(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		if m.evicted[jobID] {
			return ErrEvicted
		}
		return ErrNotFound
	}
	if j.snapshot.Status.Terminal() {
		return nil
	}
	j.cancel()
	m.log.Infow("job cancel requested", "job", jobID)
	return nil
}

// StageProgress applies one stage update under the table lock.
func (m *Manager) StageProgress(jobID, stage, status string, percent int, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || j.snapshot.Status.Terminal() {
		return
	}
	state := j.snapshot.Stages[stage]
	state.Status = status
	state.Progress = percent
	state.Message = message
	j.snapshot.Stages[stage] = state
}

// ProviderProgress applies one per-provider update under the table lock.
func (m *Manager) ProviderProgress(jobID, stage, providerID, status string, percent int, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || j.snapshot.Status.Terminal() {
		return
	}
	state := j.snapshot.Stages[stage]
	if state.SubProviders == nil {
		state.SubProviders = make(map[string]ProviderState)
	}
	state.SubProviders[providerID] = ProviderState{
		Status:   status,
		Progress: percent,
		Message:  message,
	}
	j.snapshot.Stages[stage] = state
}

// managerSink routes pipeline progress into the manager. A separate
// type keeps the ProgressSink methods off the Manager's public API
// surface from the pipeline's point of view.
type managerSink struct{ m *Manager }

func (s *managerSink) StageProgress(jobID, stage, status string, percent int, message string) {
	s.m.StageProgress(jobID, stage, status, percent, message)
}

func (s *managerSink) ProviderProgress(jobID, stage, providerID, status string, percent int, message string) {
	s.m.ProviderProgress(jobID, stage, providerID, status, percent, message)
}

// reap evicts terminal jobs older than the TTL.
func (m *Manager) reap() {
	interval := m.ttl / 4
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopReaper:
			return
		case now := <-ticker.C:
			m.evictBefore(now.Add(-m.ttl))
		}
	}
}

func (m *Manager) evictBefore(cutoff time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, j := range m.jobs {
		if j.snapshot.Status.Terminal() && j.snapshot.FinishedAt != nil && j.snapshot.FinishedAt.Before(cutoff) {
			delete(m.jobs, id)
			m.evicted[id] = true
			m.log.Debugw("job evicted", "job", id)
		}
	}
}

func copySnapshot(s Snapshot) Snapshot {
	out := s
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		out.FinishedAt = &t
	}
	out.Stages = make(map[string]StageState, len(s.Stages))
	for name, state := range s.Stages {
		stateCopy := state
		if state.SubProviders != nil {
			stateCopy.SubProviders = make(map[string]ProviderState, len(state.SubProviders))
			for id, p := range state.SubProviders {
				stateCopy.SubProviders[id] = p
			}
		}
		out.Stages[name] = stateCopy
	}
	return out
}
