package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"tradecouncil/internal/config"
	"tradecouncil/internal/domain"
	"tradecouncil/internal/llm"
	"tradecouncil/internal/marketdata"
	"tradecouncil/internal/pipeline"
	"tradecouncil/internal/validate"
)

// memEvents is an in-memory EventLog for stage tests.
type memEvents struct {
	mu     sync.Mutex
	events []domain.Event
}

func (m *memEvents) Append(_ context.Context, ev domain.Event) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.EventID = int64(len(m.events) + 1)
	ev.CreatedAt = time.Now().UTC()
	m.events = append(m.events, ev)
	return ev.EventID, nil
}

func (m *memEvents) ofType(typ domain.EventType) []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Event
	for _, ev := range m.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// scriptedClient returns canned responses in sequence, repeating the
// last one once the script runs out.
type scriptedClient struct {
	model     string
	responses []string
	err       error
	calls     int32
}

func (c *scriptedClient) ModelID() string { return c.model }

func (c *scriptedClient) Ask(ctx context.Context, prompt string, opts llm.Options) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.err != nil {
		return nil, c.err
	}
	n := int(atomic.AddInt32(&c.calls, 1)) - 1
	if n >= len(c.responses) {
		n = len(c.responses) - 1
	}
	return &llm.Response{Content: c.responses[n]}, nil
}

// fakeBroker records dispatched orders and fails for listed accounts.
type fakeBroker struct {
	mu      sync.Mutex
	orders  []domain.Order
	failFor map[domain.AccountID]bool
}

func (b *fakeBroker) PlaceBracket(_ context.Context, order domain.Order) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failFor[order.AccountID] {
		return "", fmt.Errorf("broker unavailable for %s", order.AccountID)
	}
	b.orders = append(b.orders, order)
	return fmt.Sprintf("ord-%d", len(b.orders)), nil
}

func (b *fakeBroker) Equity(_ context.Context, account domain.AccountID) (decimal.Decimal, error) {
	return decimal.NewFromInt(100000), nil
}

func (b *fakeBroker) placed() []domain.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Order, len(b.orders))
	copy(out, b.orders)
	return out
}

const testWeek = domain.WeekID("2026-08-26")

func testSnapshot(accounts ...domain.AccountID) *marketdata.Snapshot {
	snap := &marketdata.Snapshot{
		AsOf: time.Now().UTC(),
		Instruments: map[domain.Instrument]marketdata.InstrumentData{
			"SPY": {Price: decimal.NewFromInt(100)},
			"TLT": {Price: decimal.NewFromInt(100)},
			"GLD": {Price: decimal.NewFromInt(100)},
			"QQQ": {Price: decimal.NewFromInt(100)},
		},
		AccountEquity: make(map[domain.AccountID]decimal.Decimal),
	}
	for _, account := range accounts {
		snap.AccountEquity[account] = decimal.NewFromInt(100000)
	}
	return snap
}

func baseContext(extra map[pipeline.Key]any) *pipeline.Context {
	values := map[pipeline.Key]any{
		pipeline.KeyWeekID: testWeek,
		pipeline.KeyJobID:  "job-1",
	}
	for k, v := range extra {
		values[k] = v
	}
	return pipeline.NewContext(values)
}

func floatPtr(v float64) *float64 { return &v }

func testPitch(id string, model string, account domain.AccountID, inst domain.Instrument, dir domain.Direction, conviction float64) domain.PMPitch {
	return domain.PMPitch{
		PitchID:       id,
		WeekID:        testWeek,
		AsOf:          time.Now().UTC(),
		PMModel:       model,
		AccountID:     account,
		Instrument:    inst,
		Direction:     dir,
		Horizon:       "1 week",
		Conviction:    conviction,
		ThesisBullets: []string{"macro catalyst ahead"},
		RiskProfile:   domain.RiskBase,
		EntryPolicy:   domain.EntryPolicy{Mode: domain.EntryMOO},
		ExitPolicy: domain.ExitPolicy{
			TimeStopDays:  7,
			StopLossPct:   floatPtr(0.02),
			TakeProfitPct: floatPtr(0.04),
		},
		RiskNotes: "positioning unwind",
	}
}

func testRules() *validate.Rules {
	return validate.NewRules(
		[]domain.Instrument{"SPY", "TLT", "GLD", "QQQ"},
		map[string]domain.RiskParams{
			"TIGHT": {StopLossPct: 0.01, TakeProfitPct: 0.02},
			"BASE":  {StopLossPct: 0.02, TakeProfitPct: 0.04},
			"WIDE":  {StopLossPct: 0.04, TakeProfitPct: 0.08},
		},
		config.DefaultBannedKeywords,
	)
}

func mustJSONString(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}
