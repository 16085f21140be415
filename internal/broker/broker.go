// Package broker dispatches bracket orders to isolated brokerage
// accounts. Each council account holds its own credentials; a failure
// on one account never blocks dispatch on another.
package broker

import (
	"context"

	"github.com/shopspring/decimal"

	"tradecouncil/internal/domain"
)

// Broker places orders for a set of accounts.
type Broker interface {
	// PlaceBracket submits a day bracket order and returns the broker's
	// order id.
	PlaceBracket(ctx context.Context, order domain.Order) (string, error)
	// Equity returns the current account equity used for sizing.
	Equity(ctx context.Context, account domain.AccountID) (decimal.Decimal, error)
}
