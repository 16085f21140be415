package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradecouncil/internal/broker"
	"tradecouncil/internal/domain"
	"tradecouncil/internal/logging"
)

const historyDays = 30

// AlpacaSource builds the weekly snapshot from the alpaca data API plus
// per-account equity from the broker.
type AlpacaSource struct {
	md       *marketdata.Client
	broker   broker.Broker
	universe []domain.Instrument
	accounts []domain.AccountID
	log      *zap.SugaredLogger
}

// NewAlpacaSource builds a source over the shared data-API key pair.
func NewAlpacaSource(apiKey, apiSecret string, b broker.Broker, universe []domain.Instrument, accounts []domain.AccountID) *AlpacaSource {
	return &AlpacaSource{
		md: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
		}),
		broker:   b,
		universe: universe,
		accounts: accounts,
		log:      logging.Named("marketdata"),
	}
}

// Snapshot fetches last trades and daily bars for the whole universe
// and current equity for every account. Any missing instrument fails
// the snapshot; execution cannot size orders without a price.
func (s *AlpacaSource) Snapshot(ctx context.Context, asof time.Time) (*Snapshot, error) {
	snap := &Snapshot{
		AsOf:          asof.UTC(),
		Instruments:   make(map[domain.Instrument]InstrumentData, len(s.universe)),
		AccountEquity: make(map[domain.AccountID]decimal.Decimal, len(s.accounts)),
	}

	for _, inst := range s.universe {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		trade, err := s.md.GetLatestTrade(string(inst), marketdata.GetLatestTradeRequest{})
		if err != nil {
			return nil, fmt.Errorf("latest trade for %s: %w", inst, err)
		}
		bars, err := s.md.GetBars(string(inst), marketdata.GetBarsRequest{
			TimeFrame: marketdata.OneDay,
			Start:     asof.AddDate(0, 0, -historyDays),
			End:       asof,
		})
		if err != nil {
			return nil, fmt.Errorf("daily bars for %s: %w", inst, err)
		}
		data := InstrumentData{Price: decimal.NewFromFloat(trade.Price)}
		for _, b := range bars {
			data.Bars = append(data.Bars, Bar{
				Date:   b.Timestamp,
				Open:   decimal.NewFromFloat(b.Open),
				High:   decimal.NewFromFloat(b.High),
				Low:    decimal.NewFromFloat(b.Low),
				Close:  decimal.NewFromFloat(b.Close),
				Volume: int64(b.Volume),
			})
		}
		snap.Instruments[inst] = data
	}

	for _, account := range s.accounts {
		eq, err := s.broker.Equity(ctx, account)
		if err != nil {
			return nil, fmt.Errorf("equity for %s: %w", account, err)
		}
		snap.AccountEquity[account] = eq
	}

	s.log.Infow("snapshot built",
		"asof", snap.AsOf, "instruments", len(snap.Instruments), "accounts", len(snap.AccountEquity))
	return snap, nil
}
