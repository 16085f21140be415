package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecouncil/internal/domain"
)

type memLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func (m *memLog) Append(_ context.Context, ev domain.Event) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return int64(len(m.events)), nil
}

func (m *memLog) types() []domain.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.EventType, len(m.events))
	for i, ev := range m.events {
		out[i] = ev.Type
	}
	return out
}

// fakeStage is a configurable stage for runtime tests.
type fakeStage struct {
	name     string
	inputs   []Key
	outputs  []Key
	advisory bool
	run      func(ctx context.Context, pc *Context) (*Context, error)
}

func (s *fakeStage) Name() string   { return s.name }
func (s *fakeStage) Inputs() []Key  { return s.inputs }
func (s *fakeStage) Outputs() []Key { return s.outputs }
func (s *fakeStage) Advisory() bool { return s.advisory }
func (s *fakeStage) Run(ctx context.Context, pc *Context) (*Context, error) {
	return s.run(ctx, pc)
}

func seedContext() *Context {
	return NewContext(map[Key]any{
		KeyWeekID: domain.WeekID("2026-08-26"),
		KeyJobID:  "job-1",
	})
}

func TestRunThreadsContextThroughStages(t *testing.T) {
	log := &memLog{}
	first := &fakeStage{
		name:    "first",
		inputs:  []Key{KeyWeekID},
		outputs: []Key{KeyUserQuery},
		run: func(_ context.Context, pc *Context) (*Context, error) {
			return pc.With(KeyUserQuery, "from first"), nil
		},
	}
	second := &fakeStage{
		name:   "second",
		inputs: []Key{KeyUserQuery},
		run: func(_ context.Context, pc *Context) (*Context, error) {
			q, _ := pc.UserQuery()
			assert.Equal(t, "from first", q)
			return pc, nil
		},
	}

	p := New(log, NopSink{}, []Stage{first, second})
	_, err := p.Run(context.Background(), seedContext())
	require.NoError(t, err)

	assert.Equal(t, []domain.EventType{
		domain.EventStageStarted, domain.EventStageCompleted,
		domain.EventStageStarted, domain.EventStageCompleted,
	}, log.types())
}

func TestRunFailsPreconditionWhenInputMissing(t *testing.T) {
	stage := &fakeStage{
		name:   "needy",
		inputs: []Key{KeyResearchPacks},
		run: func(_ context.Context, pc *Context) (*Context, error) {
			t.Fatal("stage must not run without its inputs")
			return pc, nil
		},
	}

	p := New(&memLog{}, NopSink{}, []Stage{stage})
	_, err := p.Run(context.Background(), seedContext())

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "needy", se.Stage)
	assert.Equal(t, KindPrecondition, se.Kind)
	assert.Contains(t, se.Err.Error(), string(KeyResearchPacks))
}

func TestRunFailsContractWhenOutputMissing(t *testing.T) {
	stage := &fakeStage{
		name:    "promiser",
		outputs: []Key{KeyPMPitches},
		run: func(_ context.Context, pc *Context) (*Context, error) {
			return pc, nil // promised output never set
		},
	}

	p := New(&memLog{}, NopSink{}, []Stage{stage})
	_, err := p.Run(context.Background(), seedContext())

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindContract, se.Kind)
}

func TestRunStopsAtFirstFatalError(t *testing.T) {
	log := &memLog{}
	failing := &fakeStage{
		name: "failing",
		run: func(_ context.Context, pc *Context) (*Context, error) {
			return nil, Classified(KindPartial, "every provider failed")
		},
	}
	var ran bool
	after := &fakeStage{
		name: "after",
		run: func(_ context.Context, pc *Context) (*Context, error) {
			ran = true
			return pc, nil
		},
	}

	p := New(log, NopSink{}, []Stage{failing, after})
	_, err := p.Run(context.Background(), seedContext())

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "failing", se.Stage)
	assert.Equal(t, KindPartial, se.Kind)
	assert.False(t, ran, "stages after a fatal failure must not run")
	assert.Contains(t, log.types(), domain.EventStageFailed)
}

func TestRunAdvisoryFailureDegradesAndContinues(t *testing.T) {
	log := &memLog{}
	advisory := &fakeStage{
		name:     "market_sentiment",
		advisory: true,
		run: func(_ context.Context, pc *Context) (*Context, error) {
			return nil, Classified(KindTransport, "search provider down")
		},
	}
	var sawDegraded []string
	after := &fakeStage{
		name: "after",
		run: func(_ context.Context, pc *Context) (*Context, error) {
			sawDegraded = pc.DegradedSources()
			return pc, nil
		},
	}

	p := New(log, NopSink{}, []Stage{advisory, after})
	_, err := p.Run(context.Background(), seedContext())
	require.NoError(t, err)
	assert.Equal(t, []string{"market_sentiment"}, sawDegraded)
	assert.Contains(t, log.types(), domain.EventStageFailed)
}

func TestRunCancelledContextYieldsCancelledKind(t *testing.T) {
	started := make(chan struct{})
	stage := &fakeStage{
		name: "slow",
		run: func(ctx context.Context, pc *Context) (*Context, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	p := New(&memLog{}, NopSink{}, []Stage{stage})
	_, err := p.Run(ctx, seedContext())

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindCancelled, se.Kind)
}

func TestRunCancelledBeforeStageSkipsIt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stage := &fakeStage{
		name: "never",
		run: func(_ context.Context, pc *Context) (*Context, error) {
			t.Fatal("stage must not run on a cancelled context")
			return pc, nil
		},
	}
	p := New(&memLog{}, NopSink{}, []Stage{stage})
	_, err := p.Run(ctx, seedContext())

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindCancelled, se.Kind)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRunStageTimeoutBoundsStage(t *testing.T) {
	stage := &fakeStage{
		name: "hung",
		run: func(ctx context.Context, pc *Context) (*Context, error) {
			select {
			case <-ctx.Done():
				return nil, Classified(KindTimeout, "stage deadline exceeded")
			case <-time.After(5 * time.Second):
				return pc, nil
			}
		},
	}

	p := New(&memLog{}, NopSink{}, []Stage{stage}, WithStageTimeout(20*time.Millisecond))
	start := time.Now()
	_, err := p.Run(context.Background(), seedContext())
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindTimeout, se.Kind)
}
