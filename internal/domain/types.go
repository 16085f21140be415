// Package domain defines the value objects shared by every stage of the
// weekly council cycle: pitches, reviews, decisions, orders, and the
// events persisted for each of them. All timestamps are UTC; the weekly
// business calendar is anchored on the Wednesday WeekID.
package domain

import (
	"fmt"
	"time"
)

// WeekID is the ISO date (YYYY-MM-DD) of the Wednesday anchoring a
// weekly cycle. Every persisted artifact is partitioned by it.
type WeekID string

// WeekIDFor returns the WeekID of the cycle containing t, i.e. the
// Wednesday of t's week in the market time zone.
func WeekIDFor(t time.Time, loc *time.Location) WeekID {
	local := t.In(loc)
	// ISO weekday: Monday=1 ... Sunday=7. Wednesday is 3.
	wd := int(local.Weekday())
	if wd == 0 {
		wd = 7
	}
	anchor := local.AddDate(0, 0, 3-wd)
	return WeekID(anchor.Format("2006-01-02"))
}

// Validate checks that the id parses as a date and falls on a Wednesday.
func (w WeekID) Validate() error {
	t, err := time.Parse("2006-01-02", string(w))
	if err != nil {
		return fmt.Errorf("week id %q: %w", string(w), err)
	}
	if t.Weekday() != time.Wednesday {
		return fmt.Errorf("week id %q is a %s, want Wednesday", string(w), t.Weekday())
	}
	return nil
}

// AccountID names one of the isolated brokerage sub-accounts. The role
// bound to each account (a PM model, the chairman's council account, or
// the passive baseline) comes from configuration and is stable for a week.
type AccountID string

// AccountRole describes what an account trades.
type AccountRole string

const (
	RolePM       AccountRole = "pm"
	RoleCouncil  AccountRole = "council"
	RoleBaseline AccountRole = "baseline"
)

// Instrument is a ticker from the closed tradable universe.
type Instrument string

// Direction of a trade pitch.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
	Flat  Direction = "FLAT"
)

// RiskProfile selects one of the three fixed stop/take-profit pairs.
type RiskProfile string

const (
	RiskTight RiskProfile = "TIGHT"
	RiskBase  RiskProfile = "BASE"
	RiskWide  RiskProfile = "WIDE"
)

// RiskParams is the (stop_loss_pct, take_profit_pct) pair mapped to a
// RiskProfile. No other pairs are legal.
type RiskParams struct {
	StopLossPct   float64 `json:"stop_loss_pct"`
	TakeProfitPct float64 `json:"take_profit_pct"`
}

// EntryMode of an entry policy.
type EntryMode string

const (
	EntryMOO   EntryMode = "MOO"
	EntryLimit EntryMode = "limit"
)

// EntryPolicy describes how a position is opened. LimitPrice is
// required iff Mode is limit.
type EntryPolicy struct {
	Mode       EntryMode `json:"mode"`
	LimitPrice *float64  `json:"limit_price"`
}

// ExitPolicy describes how a position is closed. StopLossPct and
// TakeProfitPct must equal the values mapped from the pitch's risk
// profile.
type ExitPolicy struct {
	TimeStopDays     int      `json:"time_stop_days"`
	StopLossPct      *float64 `json:"stop_loss_pct"`
	TakeProfitPct    *float64 `json:"take_profit_pct"`
	ExitBeforeEvents []string `json:"exit_before_events"`
}

// KnownMacroEvents are the calendar events a pitch may exit ahead of.
var KnownMacroEvents = []string{"NFP", "CPI", "FOMC"}

// ResearchStatus of a research pack.
type ResearchStatus string

const (
	ResearchComplete ResearchStatus = "complete"
	ResearchError    ResearchStatus = "error"
)

// ResearchPack is the macro regime view produced by one research source.
type ResearchPack struct {
	WeekID             WeekID         `json:"week_id"`
	AsOf               time.Time      `json:"asof"`
	Source             string         `json:"source"`
	NaturalLanguage    string         `json:"natural_language"`
	MacroRegime        string         `json:"macro_regime"`
	TopNarratives      []string       `json:"top_narratives"`
	TradableCandidates []Instrument   `json:"tradable_candidates"`
	EventCalendar      []CalendarItem `json:"event_calendar"`
	ConfidenceNotes    string         `json:"confidence_notes"`
	Status             ResearchStatus `json:"status"`
}

// CalendarItem is one entry of a research pack's event calendar.
type CalendarItem struct {
	Date  string `json:"date"`
	Event string `json:"event"`
}

// MarketSentiment is the aggregated scored-sentiment artifact. Degraded
// is set when the search provider failed and the pipeline continued
// without sentiment.
type MarketSentiment struct {
	WeekID        WeekID                 `json:"week_id"`
	AsOf          time.Time              `json:"asof"`
	OverallScore  float64                `json:"overall_score"`
	PerInstrument map[Instrument]float64 `json:"per_instrument"`
	Sources       []string               `json:"sources"`
	Degraded      bool                   `json:"degraded,omitempty"`
}

// PMPitch is one portfolio-manager model's weekly trade pitch.
type PMPitch struct {
	PitchID       string      `json:"pitch_id"`
	WeekID        WeekID      `json:"week_id"`
	AsOf          time.Time   `json:"asof"`
	PMModel       string      `json:"pm_model"`
	AccountID     AccountID   `json:"account_id"`
	Instrument    Instrument  `json:"instrument"`
	Direction     Direction   `json:"direction"`
	Horizon       string      `json:"horizon"`
	Conviction    float64     `json:"conviction"`
	ThesisBullets []string    `json:"thesis_bullets"`
	RiskProfile   RiskProfile `json:"risk_profile"`
	EntryPolicy   EntryPolicy `json:"entry_policy"`
	ExitPolicy    ExitPolicy  `json:"exit_policy"`
	RiskNotes     string      `json:"risk_notes"`
}

// AnonymizedPitch is a PMPitch stripped of its author for peer review.
// Label is "Pitch A", "Pitch B", ... assigned by pitch_id order.
type AnonymizedPitch struct {
	Label         string      `json:"label"`
	Instrument    Instrument  `json:"instrument"`
	Direction     Direction   `json:"direction"`
	Horizon       string      `json:"horizon"`
	Conviction    float64     `json:"conviction"`
	ThesisBullets []string    `json:"thesis_bullets"`
	RiskProfile   RiskProfile `json:"risk_profile"`
	EntryPolicy   EntryPolicy `json:"entry_policy"`
	ExitPolicy    ExitPolicy  `json:"exit_policy"`
	RiskNotes     string      `json:"risk_notes"`
}

// ReviewScores are the seven scored dimensions of a peer review, each an
// integer in [1,10].
type ReviewScores struct {
	Clarity            int `json:"clarity"`
	EdgePlausibility   int `json:"edge_plausibility"`
	TimingCatalyst     int `json:"timing_catalyst"`
	RiskDefinition     int `json:"risk_definition"`
	IndicatorIntegrity int `json:"indicator_integrity"`
	Originality        int `json:"originality"`
	Tradeability       int `json:"tradeability"`
}

// Mean returns the arithmetic mean of the seven dimensions.
func (s ReviewScores) Mean() float64 {
	sum := s.Clarity + s.EdgePlausibility + s.TimingCatalyst +
		s.RiskDefinition + s.IndicatorIntegrity + s.Originality + s.Tradeability
	return float64(sum) / 7.0
}

// PeerReview is one reviewer model's evaluation of one anonymized pitch.
type PeerReview struct {
	ReviewID            string       `json:"review_id"`
	WeekID              WeekID       `json:"week_id"`
	ReviewerModel       string       `json:"reviewer_model"`
	TargetLabel         string       `json:"target_label"`
	Scores              ReviewScores `json:"scores"`
	BestArgumentAgainst string       `json:"best_argument_against"`
	OneFlipCondition    string       `json:"one_flip_condition"`
	SuggestedFix        string       `json:"suggested_fix"`
	// DegradedShape marks a review recovered from a response that did
	// not honor the array contract (single bare object).
	DegradedShape bool `json:"degraded_shape,omitempty"`
}

// SelectedTrade is the trade a chairman decision commits to.
type SelectedTrade struct {
	Instrument  Instrument  `json:"instrument"`
	Direction   Direction   `json:"direction"`
	Horizon     string      `json:"horizon"`
	RiskProfile RiskProfile `json:"risk_profile"`
}

// ChairmanDecision is the council synthesis of all pitches and reviews.
type ChairmanDecision struct {
	DecisionID     string        `json:"decision_id"`
	WeekID         WeekID        `json:"week_id"`
	SelectedTrade  SelectedTrade `json:"selected_trade"`
	Conviction     float64       `json:"conviction"`
	Rationale      string        `json:"rationale"`
	DissentSummary []string      `json:"dissent_summary"`
	MonitoringPlan string        `json:"monitoring_plan"`
}

// OrderSide on the broker wire.
type OrderSide string

const (
	Buy  OrderSide = "buy"
	Sell OrderSide = "sell"
)

// OrderType on the broker wire.
type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

// Order is a bracket-order description derived from a pitch or decision
// plus a live price. TimeInForce is always day.
type Order struct {
	AccountID       AccountID  `json:"account_id"`
	Symbol          Instrument `json:"symbol"`
	Side            OrderSide  `json:"side"`
	Qty             int64      `json:"qty"`
	OrderType       OrderType  `json:"order_type"`
	TimeInForce     string     `json:"time_in_force"`
	LimitPrice      *float64   `json:"limit_price"`
	TakeProfitPrice float64    `json:"take_profit_price"`
	StopLossPrice   float64    `json:"stop_loss_price"`
}

// ExecutionStatus of one account's dispatch.
type ExecutionStatus string

const (
	ExecSubmitted ExecutionStatus = "submitted"
	ExecSkipped   ExecutionStatus = "skipped"
	ExecError     ExecutionStatus = "error"
)

// ExecutionResult is the per-account outcome of the execution stage.
type ExecutionResult struct {
	TradeID   string          `json:"trade_id"`
	AccountID AccountID       `json:"account_id"`
	Status    ExecutionStatus `json:"status"`
	OrderID   string          `json:"order_id,omitempty"`
	Message   string          `json:"message,omitempty"`
}
