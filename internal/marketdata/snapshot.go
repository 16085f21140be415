// Package marketdata defines the frozen weekly market snapshot the
// research and execution stages read. The snapshot is produced once per
// week by an external fetcher; nothing in the core refetches it.
package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradecouncil/internal/domain"
)

// Bar is one daily OHLCV bar.
type Bar struct {
	Date   time.Time       `json:"date"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume int64           `json:"volume"`
}

// InstrumentData is the per-ticker slice of a snapshot: last price plus
// 30 daily bars of history.
type InstrumentData struct {
	Price decimal.Decimal `json:"price"`
	Bars  []Bar           `json:"ohlcv"`
}

// Snapshot is the frozen market context for a week. Immutable once
// built; safe to share across stages and goroutines.
type Snapshot struct {
	AsOf          time.Time                            `json:"asof"`
	Instruments   map[domain.Instrument]InstrumentData `json:"instruments"`
	AccountEquity map[domain.AccountID]decimal.Decimal `json:"account_equity"`
}

// Price returns the snapshot price for an instrument.
func (s *Snapshot) Price(inst domain.Instrument) (decimal.Decimal, error) {
	data, ok := s.Instruments[inst]
	if !ok {
		return decimal.Zero, fmt.Errorf("instrument %s not in snapshot", inst)
	}
	return data.Price, nil
}

// Equity returns the configured equity of an account.
func (s *Snapshot) Equity(account domain.AccountID) (decimal.Decimal, error) {
	eq, ok := s.AccountEquity[account]
	if !ok {
		return decimal.Zero, fmt.Errorf("account %s not in snapshot", account)
	}
	return eq, nil
}

// Source provides the frozen snapshot for a given as-of time. The
// external fetcher/cache implements this; tests use a fixture.
type Source interface {
	Snapshot(ctx context.Context, asof time.Time) (*Snapshot, error)
}
