package stages

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"tradecouncil/internal/broker"
	"tradecouncil/internal/domain"
	"tradecouncil/internal/logging"
	"tradecouncil/internal/marketdata"
	"tradecouncil/internal/metrics"
	"tradecouncil/internal/pipeline"
)

const executionStageName = "execution"

// Skip reasons recorded on execution_skipped events.
const (
	SkipFlat     = "flat"
	SkipQtyZero  = "qty_zero"
	SkipBaseline = "baseline"
)

// SizeFactor maps |conviction| to the fraction of account equity a
// trade targets. Monotone non-decreasing; zero conviction sizes to
// nothing.
func SizeFactor(conviction float64) decimal.Decimal {
	abs := conviction
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs >= 1.5:
		return decimal.NewFromFloat(0.20)
	case abs >= 1.0:
		return decimal.NewFromFloat(0.10)
	case abs > 0:
		return decimal.NewFromFloat(0.05)
	}
	return decimal.Zero
}

// trade is one account's intent for the week, normalized from either a
// PM pitch or the chairman decision.
type trade struct {
	TradeID    string
	AccountID  domain.AccountID
	Instrument domain.Instrument
	Direction  domain.Direction
	Conviction float64
	Entry      domain.EntryPolicy
	Exit       domain.ExitPolicy
}

// ExecutionStage sizes each trade from conviction and account equity,
// derives bracket prices from the exit policy, and dispatches orders
// concurrently to the broker. Account failures are independent; one
// rejected order never blocks the others.
type ExecutionStage struct {
	deps            Deps
	broker          broker.Broker
	profiles        map[string]domain.RiskParams
	councilAccount  domain.AccountID
	baselineAccount domain.AccountID
	fullMode        bool
	concurrency     int
	log             *zap.SugaredLogger
}

// NewExecution builds the stage. councilAccount is only dispatched to
// in full mode; baselineAccount, when set, is recorded as skipped every
// week.
func NewExecution(deps Deps, b broker.Broker, profiles map[string]domain.RiskParams, councilAccount, baselineAccount domain.AccountID, fullMode bool) *ExecutionStage {
	concurrency := deps.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &ExecutionStage{
		deps:            deps,
		broker:          b,
		profiles:        profiles,
		councilAccount:  councilAccount,
		baselineAccount: baselineAccount,
		fullMode:        fullMode,
		concurrency:     concurrency,
		log:             logging.Named("execution"),
	}
}

func (s *ExecutionStage) Name() string { return executionStageName }

func (s *ExecutionStage) Inputs() []pipeline.Key {
	return []pipeline.Key{pipeline.KeyWeekID, pipeline.KeyMarketSnapshot, pipeline.KeyPMPitches}
}

func (s *ExecutionStage) Outputs() []pipeline.Key {
	return []pipeline.Key{pipeline.KeyExecutionResults}
}

func (s *ExecutionStage) Run(ctx context.Context, pc *pipeline.Context) (*pipeline.Context, error) {
	weekID, _ := pc.WeekID()
	snapshot, _ := pc.MarketSnapshot()
	pitches, _ := pc.PMPitches()

	trades := make([]trade, 0, len(pitches)+1)
	for _, pitch := range pitches {
		trades = append(trades, trade{
			TradeID:    pitch.PitchID,
			AccountID:  pitch.AccountID,
			Instrument: pitch.Instrument,
			Direction:  pitch.Direction,
			Conviction: pitch.Conviction,
			Entry:      pitch.EntryPolicy,
			Exit:       pitch.ExitPolicy,
		})
	}
	if s.fullMode {
		decision, ok := pc.ChairmanDecision()
		if !ok {
			return pc, pipeline.Classified(pipeline.KindPrecondition,
				"full mode execution requires a chairman decision")
		}
		council, err := s.councilTrade(decision)
		if err != nil {
			return pc, err
		}
		trades = append(trades, council)
	}

	results := s.dispatch(ctx, snapshot, trades)
	if err := ctx.Err(); err != nil {
		return pc, err
	}

	if s.baselineAccount != "" {
		results = append(results, domain.ExecutionResult{
			TradeID:   uuid.NewString(),
			AccountID: s.baselineAccount,
			Status:    domain.ExecSkipped,
			Message:   SkipBaseline,
		})
	}

	for _, result := range results {
		typ := domain.EventExecutionResult
		switch result.Status {
		case domain.ExecSkipped:
			typ = domain.EventExecutionSkipped
		case domain.ExecError:
			typ = domain.EventExecutionError
		}
		metrics.OrdersDispatched.WithLabelValues(string(result.AccountID), string(result.Status)).Inc()
		if err := persist(ctx, s.deps.Events, weekID, result.AccountID, typ, result); err != nil {
			return pc, err
		}
	}
	return pc.With(pipeline.KeyExecutionResults, results), nil
}

// councilTrade derives the council account's trade from the chairman
// decision. The decision names only a risk profile; stop and take
// profit come from its mapped parameters, entry is market-on-open.
func (s *ExecutionStage) councilTrade(decision domain.ChairmanDecision) (trade, error) {
	params, ok := s.profiles[string(decision.SelectedTrade.RiskProfile)]
	if !ok {
		return trade{}, pipeline.Classified(pipeline.KindConfiguration,
			"decision risk profile %q has no mapped parameters", decision.SelectedTrade.RiskProfile)
	}
	sl, tp := params.StopLossPct, params.TakeProfitPct
	return trade{
		TradeID:    decision.DecisionID,
		AccountID:  s.councilAccount,
		Instrument: decision.SelectedTrade.Instrument,
		Direction:  decision.SelectedTrade.Direction,
		Conviction: decision.Conviction,
		Entry:      domain.EntryPolicy{Mode: domain.EntryMOO},
		Exit: domain.ExitPolicy{
			TimeStopDays:  7,
			StopLossPct:   &sl,
			TakeProfitPct: &tp,
		},
	}, nil
}

// dispatch runs every trade concurrently under a bounded semaphore and
// returns one result per trade in input order.
func (s *ExecutionStage) dispatch(ctx context.Context, snapshot *marketdata.Snapshot, trades []trade) []domain.ExecutionResult {
	results := make([]domain.ExecutionResult, len(trades))
	sem := semaphore.NewWeighted(int64(s.concurrency))
	var wg sync.WaitGroup
	for i, t := range trades {
		wg.Add(1)
		go func(idx int, t trade) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				results[idx] = domain.ExecutionResult{
					TradeID: t.TradeID, AccountID: t.AccountID,
					Status: domain.ExecError, Message: "cancelled before dispatch",
				}
				return
			}
			defer sem.Release(1)
			results[idx] = s.execute(ctx, snapshot, t)
		}(i, t)
	}
	wg.Wait()
	return results
}

func (s *ExecutionStage) execute(ctx context.Context, snapshot *marketdata.Snapshot, t trade) domain.ExecutionResult {
	result := domain.ExecutionResult{TradeID: t.TradeID, AccountID: t.AccountID}

	if t.Direction == domain.Flat {
		result.Status = domain.ExecSkipped
		result.Message = SkipFlat
		return result
	}

	order, skip, err := s.buildOrder(snapshot, t)
	if err != nil {
		result.Status = domain.ExecError
		result.Message = err.Error()
		return result
	}
	if skip != "" {
		result.Status = domain.ExecSkipped
		result.Message = skip
		return result
	}

	orderID, err := s.broker.PlaceBracket(ctx, order)
	if err != nil {
		s.log.Errorw("order dispatch failed",
			"account", t.AccountID, "instrument", t.Instrument, "error", err)
		result.Status = domain.ExecError
		result.Message = err.Error()
		return result
	}
	result.Status = domain.ExecSubmitted
	result.OrderID = orderID
	return result
}

// buildOrder sizes and prices one order. An empty skip reason with a
// nil error means the order is ready for dispatch.
func (s *ExecutionStage) buildOrder(snapshot *marketdata.Snapshot, t trade) (domain.Order, string, error) {
	price, err := snapshot.Price(t.Instrument)
	if err != nil {
		return domain.Order{}, "", err
	}
	equity, err := snapshot.Equity(t.AccountID)
	if err != nil {
		return domain.Order{}, "", err
	}
	if price.LessThanOrEqual(decimal.Zero) {
		return domain.Order{}, "", fmt.Errorf("non-positive snapshot price for %s", t.Instrument)
	}

	factor := SizeFactor(t.Conviction)
	if factor.IsZero() {
		return domain.Order{}, SkipQtyZero, nil
	}
	qty := equity.Mul(factor).Div(price).Floor().IntPart()
	if qty == 0 {
		return domain.Order{}, SkipQtyZero, nil
	}

	// Entry price anchors the bracket: the limit price for limit
	// entries, the snapshot price otherwise.
	entry := price
	orderType := domain.Market
	var limitPrice *float64
	if t.Entry.Mode == domain.EntryLimit && t.Entry.LimitPrice != nil {
		entry = decimal.NewFromFloat(*t.Entry.LimitPrice)
		orderType = domain.Limit
		limitPrice = t.Entry.LimitPrice
	}

	if t.Exit.StopLossPct == nil || t.Exit.TakeProfitPct == nil {
		return domain.Order{}, "", fmt.Errorf("trade %s has no bracket percentages", t.TradeID)
	}
	slPct := decimal.NewFromFloat(*t.Exit.StopLossPct)
	tpPct := decimal.NewFromFloat(*t.Exit.TakeProfitPct)

	var side domain.OrderSide
	var stop, take decimal.Decimal
	one := decimal.NewFromInt(1)
	switch t.Direction {
	case domain.Long:
		side = domain.Buy
		stop = entry.Mul(one.Sub(slPct))
		take = entry.Mul(one.Add(tpPct))
	case domain.Short:
		side = domain.Sell
		stop = entry.Mul(one.Add(slPct))
		take = entry.Mul(one.Sub(tpPct))
	default:
		return domain.Order{}, "", fmt.Errorf("unexpected direction %q", t.Direction)
	}

	stopF, _ := stop.Round(2).Float64()
	takeF, _ := take.Round(2).Float64()
	return domain.Order{
		AccountID:       t.AccountID,
		Symbol:          t.Instrument,
		Side:            side,
		Qty:             qty,
		OrderType:       orderType,
		TimeInForce:     "day",
		LimitPrice:      limitPrice,
		TakeProfitPrice: takeF,
		StopLossPrice:   stopF,
	}, "", nil
}
