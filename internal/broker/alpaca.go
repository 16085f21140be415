package broker

import (
	"context"
	"fmt"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradecouncil/internal/domain"
	"tradecouncil/internal/logging"
)

// Credentials for one account's API key pair. BaseURL selects paper vs
// live; empty means the SDK default.
type Credentials struct {
	APIKey    string
	APISecret string
	BaseURL   string
}

// AlpacaBroker routes each account id to its own alpaca client, keeping
// the sub-accounts isolated at the credential level.
type AlpacaBroker struct {
	clients map[domain.AccountID]*alpaca.Client
	log     *zap.SugaredLogger
}

// NewAlpaca builds a broker over the given per-account credentials.
func NewAlpaca(creds map[domain.AccountID]Credentials) (*AlpacaBroker, error) {
	if len(creds) == 0 {
		return nil, fmt.Errorf("alpaca broker: no account credentials")
	}
	clients := make(map[domain.AccountID]*alpaca.Client, len(creds))
	for account, c := range creds {
		if c.APIKey == "" || c.APISecret == "" {
			return nil, fmt.Errorf("alpaca broker: account %s missing key pair", account)
		}
		clients[account] = alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    c.APIKey,
			APISecret: c.APISecret,
			BaseURL:   c.BaseURL,
		})
	}
	return &AlpacaBroker{clients: clients, log: logging.Named("broker")}, nil
}

func (b *AlpacaBroker) client(account domain.AccountID) (*alpaca.Client, error) {
	c, ok := b.clients[account]
	if !ok {
		return nil, fmt.Errorf("alpaca broker: no credentials for account %s", account)
	}
	return c, nil
}

// PlaceBracket submits a bracket order. The SDK client carries its own
// HTTP deadlines; ctx is honored up front so a cancelled run never
// submits.
func (b *AlpacaBroker) PlaceBracket(ctx context.Context, order domain.Order) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	client, err := b.client(order.AccountID)
	if err != nil {
		return "", err
	}

	qty := decimal.NewFromInt(order.Qty)
	tp := decimal.NewFromFloat(order.TakeProfitPrice)
	sl := decimal.NewFromFloat(order.StopLossPrice)

	req := alpaca.PlaceOrderRequest{
		Symbol:      string(order.Symbol),
		Qty:         &qty,
		Side:        alpaca.Side(order.Side),
		Type:        alpaca.OrderType(order.OrderType),
		TimeInForce: alpaca.Day,
		OrderClass:  alpaca.Bracket,
		TakeProfit:  &alpaca.TakeProfit{LimitPrice: &tp},
		StopLoss:    &alpaca.StopLoss{StopPrice: &sl},
	}
	if order.OrderType == domain.Limit && order.LimitPrice != nil {
		limit := decimal.NewFromFloat(*order.LimitPrice)
		req.LimitPrice = &limit
	}

	placed, err := client.PlaceOrder(req)
	if err != nil {
		return "", fmt.Errorf("place bracket %s %s x%d for %s: %w",
			order.Side, order.Symbol, order.Qty, order.AccountID, err)
	}
	b.log.Infow("bracket order submitted",
		"account", order.AccountID, "symbol", order.Symbol,
		"side", order.Side, "qty", order.Qty, "order_id", placed.ID)
	return placed.ID, nil
}

// Equity returns the account's current equity.
func (b *AlpacaBroker) Equity(ctx context.Context, account domain.AccountID) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	client, err := b.client(account)
	if err != nil {
		return decimal.Zero, err
	}
	acct, err := client.GetAccount()
	if err != nil {
		return decimal.Zero, fmt.Errorf("get account %s: %w", account, err)
	}
	return acct.Equity, nil
}
