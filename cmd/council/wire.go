package main

import (
	"fmt"
	"os"
	"strings"

	"tradecouncil/internal/broker"
	"tradecouncil/internal/config"
	"tradecouncil/internal/domain"
	"tradecouncil/internal/events"
	"tradecouncil/internal/marketdata"
	"tradecouncil/internal/runner"
)

// buildRunner assembles the full dependency graph from configuration and
// environment: provider clients, the broker, the market data source, the
// news searcher, and the event store. The caller owns closing the store.
func buildRunner(cfg *config.Config) (*runner.Runner, *events.Store, error) {
	store, err := events.Open(cfg.EventStorePath)
	if err != nil {
		return nil, nil, err
	}

	clients, err := runner.BuildClients(cfg)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	creds, err := brokerCredentials(cfg)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	b, err := broker.NewAlpaca(creds)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	dataKey := os.Getenv("ALPACA_DATA_KEY")
	dataSecret := os.Getenv("ALPACA_DATA_SECRET")
	if dataKey == "" {
		dataKey = os.Getenv("ALPACA_API_KEY")
		dataSecret = os.Getenv("ALPACA_API_SECRET")
	}
	if dataKey == "" {
		store.Close()
		return nil, nil, fmt.Errorf("market data requires ALPACA_DATA_KEY or ALPACA_API_KEY")
	}
	source := marketdata.NewAlpacaSource(dataKey, dataSecret, b, cfg.TradableUniverse, allAccounts(cfg))

	searcher := marketdata.NewSearchClient(
		cfg.SentimentSearchProvider,
		os.Getenv("SEARCH_API_URL"),
		os.Getenv("SEARCH_API_KEY"),
	)

	return runner.New(cfg, store, b, source, searcher, clients), store, nil
}

// brokerCredentials resolves one key pair per account. Per-account
// overrides use ALPACA_KEY_<ACCOUNT> / ALPACA_SECRET_<ACCOUNT> with the
// account id uppercased; otherwise the shared ALPACA_API_KEY pair is
// used for every sub-account.
func brokerCredentials(cfg *config.Config) (map[domain.AccountID]broker.Credentials, error) {
	shared := broker.Credentials{
		APIKey:    os.Getenv("ALPACA_API_KEY"),
		APISecret: os.Getenv("ALPACA_API_SECRET"),
		BaseURL:   os.Getenv("ALPACA_BASE_URL"),
	}

	creds := make(map[domain.AccountID]broker.Credentials)
	for _, account := range allAccounts(cfg) {
		c := shared
		suffix := strings.ToUpper(strings.ReplaceAll(string(account), "-", "_"))
		if key := os.Getenv("ALPACA_KEY_" + suffix); key != "" {
			c.APIKey = key
			c.APISecret = os.Getenv("ALPACA_SECRET_" + suffix)
		}
		if c.APIKey == "" || c.APISecret == "" {
			return nil, fmt.Errorf("no alpaca credentials for account %s", account)
		}
		creds[account] = c
	}
	return creds, nil
}

func allAccounts(cfg *config.Config) []domain.AccountID {
	accounts := make([]domain.AccountID, 0, len(cfg.PMRoster)+2)
	for _, entry := range cfg.PMRoster {
		accounts = append(accounts, entry.AccountID)
	}
	if cfg.CouncilAccount != "" {
		accounts = append(accounts, cfg.CouncilAccount)
	}
	if cfg.BaselineAccount != "" {
		accounts = append(accounts, cfg.BaselineAccount)
	}
	return accounts
}
