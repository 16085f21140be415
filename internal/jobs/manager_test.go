package jobs

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"tradecouncil/internal/pipeline"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const week = "2026-08-26"

func waitForStatus(t *testing.T, m *Manager, jobID string, want Status) Snapshot {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		snap, err := m.Status(jobID)
		require.NoError(t, err)
		if snap.Status == want {
			return snap
		}
		select {
		case <-deadline:
			t.Fatalf("job %s never reached %s (now %s)", jobID, want, snap.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestJobLifecycleComplete(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, mode pipeline.Mode, jobID string, in Inputs, sink pipeline.ProgressSink) error {
		sink.StageProgress(jobID, "research", "running", 0, "started")
		sink.StageProgress(jobID, "research", "complete", 100, "completed")
		return nil
	})
	m := NewManager(runner, time.Hour, 0)
	defer m.Close()

	jobID, err := m.Create(pipeline.ModeFull, Inputs{WeekID: week})
	require.NoError(t, err)

	snap := waitForStatus(t, m, jobID, StatusComplete)
	assert.Equal(t, pipeline.ModeFull, snap.Mode)
	assert.NotNil(t, snap.FinishedAt)
	assert.Equal(t, 100, snap.Stages["research"].Progress)
	assert.Equal(t, "complete", snap.Stages["research"].Status)
}

func TestJobError(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, mode pipeline.Mode, jobID string, in Inputs, sink pipeline.ProgressSink) error {
		return pipeline.NewStageError("pm_pitch", pipeline.KindPartial, fmt.Errorf("no valid pitch"))
	})
	m := NewManager(runner, time.Hour, 0)
	defer m.Close()

	jobID, err := m.Create(pipeline.ModeRanking, Inputs{WeekID: week})
	require.NoError(t, err)

	snap := waitForStatus(t, m, jobID, StatusError)
	assert.Contains(t, snap.Error, "no valid pitch")
	assert.Equal(t, string(pipeline.KindPartial), snap.ErrorKind)
}

func TestJobCancellation(t *testing.T) {
	started := make(chan struct{})
	runner := RunnerFunc(func(ctx context.Context, mode pipeline.Mode, jobID string, in Inputs, sink pipeline.ProgressSink) error {
		close(started)
		<-ctx.Done()
		return pipeline.NewStageError("pm_pitch", pipeline.KindCancelled, ctx.Err())
	})
	m := NewManager(runner, time.Hour, 0)
	defer m.Close()

	jobID, err := m.Create(pipeline.ModeFull, Inputs{WeekID: week})
	require.NoError(t, err)
	<-started

	require.NoError(t, m.Cancel(jobID))
	snap := waitForStatus(t, m, jobID, StatusCancelled)
	assert.NotNil(t, snap.FinishedAt)
}

func TestCancelIsIdempotentAndTerminalSafe(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, mode pipeline.Mode, jobID string, in Inputs, sink pipeline.ProgressSink) error {
		return nil
	})
	m := NewManager(runner, time.Hour, 0)
	defer m.Close()

	jobID, err := m.Create(pipeline.ModeFull, Inputs{WeekID: week})
	require.NoError(t, err)
	waitForStatus(t, m, jobID, StatusComplete)

	require.NoError(t, m.Cancel(jobID))
	require.NoError(t, m.Cancel(jobID))

	snap, err := m.Status(jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, snap.Status, "cancel after completion is a no-op")
}

func TestCancelUnknownJob(t *testing.T) {
	m := NewManager(RunnerFunc(func(context.Context, pipeline.Mode, string, Inputs, pipeline.ProgressSink) error {
		return nil
	}), time.Hour, 0)
	defer m.Close()

	assert.ErrorIs(t, m.Cancel("nope"), ErrNotFound)
}

func TestDuplicateWeekRejected(t *testing.T) {
	release := make(chan struct{})
	runner := RunnerFunc(func(ctx context.Context, mode pipeline.Mode, jobID string, in Inputs, sink pipeline.ProgressSink) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	m := NewManager(runner, time.Hour, 0)
	defer m.Close()
	defer close(release)

	_, err := m.Create(pipeline.ModeFull, Inputs{WeekID: week})
	require.NoError(t, err)

	_, err = m.Create(pipeline.ModeFull, Inputs{WeekID: week})
	assert.ErrorIs(t, err, ErrDuplicateWeek)

	// A different week is fine.
	_, err = m.Create(pipeline.ModeFull, Inputs{WeekID: "2026-09-02"})
	assert.NoError(t, err)
}

func TestCreateRejectsInvalidWeek(t *testing.T) {
	m := NewManager(RunnerFunc(func(context.Context, pipeline.Mode, string, Inputs, pipeline.ProgressSink) error {
		return nil
	}), time.Hour, 0)
	defer m.Close()

	_, err := m.Create(pipeline.ModeFull, Inputs{WeekID: "2026-08-25"}) // a Tuesday
	assert.Error(t, err)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	hold := make(chan struct{})
	runner := RunnerFunc(func(ctx context.Context, mode pipeline.Mode, jobID string, in Inputs, sink pipeline.ProgressSink) error {
		sink.StageProgress(jobID, "research", "running", 10, "started")
		sink.ProviderProgress(jobID, "research", "primary", "started", 0, "dispatching")
		<-hold
		return nil
	})
	m := NewManager(runner, time.Hour, 0)
	defer m.Close()

	jobID, err := m.Create(pipeline.ModeFull, Inputs{WeekID: week})
	require.NoError(t, err)
	waitForStatus(t, m, jobID, StatusRunning)

	var snap Snapshot
	require.Eventually(t, func() bool {
		snap, _ = m.Status(jobID)
		_, ok := snap.Stages["research"]
		return ok
	}, time.Second, 5*time.Millisecond)

	// Mutating the returned snapshot must not reach the manager.
	snap.Stages["research"] = StageState{Status: "tampered", Progress: 99}
	fresh, err := m.Status(jobID)
	require.NoError(t, err)
	assert.Equal(t, "running", fresh.Stages["research"].Status)
	assert.Equal(t, 10, fresh.Stages["research"].Progress)
	assert.Equal(t, "started", fresh.Stages["research"].SubProviders["primary"].Status)

	close(hold)
	waitForStatus(t, m, jobID, StatusComplete)
}

func TestSnapshotConsistency(t *testing.T) {
	// A stage never shows progress > 0 while pending, nor complete with
	// progress < 100, under concurrent reads.
	step := make(chan struct{})
	runner := RunnerFunc(func(ctx context.Context, mode pipeline.Mode, jobID string, in Inputs, sink pipeline.ProgressSink) error {
		stages := []string{"research", "pm_pitch", "peer_review"}
		for _, stage := range stages {
			sink.StageProgress(jobID, stage, "running", 0, "started")
			sink.StageProgress(jobID, stage, "complete", 100, "completed")
		}
		close(step)
		return nil
	})
	m := NewManager(runner, time.Hour, 0)
	defer m.Close()

	jobID, err := m.Create(pipeline.ModeFull, Inputs{WeekID: week})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			snap, err := m.Status(jobID)
			if err != nil {
				return
			}
			for name, st := range snap.Stages {
				if st.Status == "pending" && st.Progress > 0 {
					t.Errorf("stage %s pending with progress %d", name, st.Progress)
				}
				if st.Status == "complete" && st.Progress < 100 {
					t.Errorf("stage %s complete with progress %d", name, st.Progress)
				}
			}
			select {
			case <-step:
				return
			default:
			}
		}
	}()
	<-done
	waitForStatus(t, m, jobID, StatusComplete)
}

func TestReaperEvictsTerminalJobs(t *testing.T) {
	runner := RunnerFunc(func(context.Context, pipeline.Mode, string, Inputs, pipeline.ProgressSink) error {
		return nil
	})
	m := NewManager(runner, time.Hour, 0)
	defer m.Close()

	jobID, err := m.Create(pipeline.ModeFull, Inputs{WeekID: week})
	require.NoError(t, err)
	waitForStatus(t, m, jobID, StatusComplete)

	// Evict everything finished before a cutoff in the future.
	m.evictBefore(time.Now().UTC().Add(time.Hour))

	_, err = m.Status(jobID)
	assert.ErrorIs(t, err, ErrEvicted)

	_, err = m.Status("never-existed")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJobTimeoutCancels(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, mode pipeline.Mode, jobID string, in Inputs, sink pipeline.ProgressSink) error {
		<-ctx.Done()
		return ctx.Err()
	})
	m := NewManager(runner, time.Hour, 20*time.Millisecond)
	defer m.Close()

	jobID, err := m.Create(pipeline.ModeFull, Inputs{WeekID: week})
	require.NoError(t, err)
	waitForStatus(t, m, jobID, StatusCancelled)
}
