package marketdata

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"tradecouncil/internal/domain"
)

// NewsItem is one headline returned by the search provider.
type NewsItem struct {
	Headline string `json:"headline"`
	Snippet  string `json:"snippet"`
	URL      string `json:"url"`
	Source   string `json:"source"`
}

// NewsSearcher finds recent news for an instrument. The sentiment stage
// treats any failure here as degradation, not a run failure.
type NewsSearcher interface {
	Search(ctx context.Context, inst domain.Instrument) ([]NewsItem, error)
	Name() string
}

// SearchClient talks to a SERP-style web search API that returns
// {"results": [{"title", "snippet", "url", "source"}, ...]}.
type SearchClient struct {
	http     *resty.Client
	name     string
	maxItems int
}

// NewSearchClient builds a news search client. baseURL points at the
// provider's search endpoint; apiKey goes in the X-API-Key header.
func NewSearchClient(name, baseURL, apiKey string) *SearchClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		}).
		SetHeader("X-API-Key", apiKey).
		SetHeader("Content-Type", "application/json")
	return &SearchClient{http: client, name: name, maxItems: 5}
}

func (c *SearchClient) Name() string { return c.name }

type searchResponse struct {
	Results []struct {
		Title   string `json:"title"`
		Snippet string `json:"snippet"`
		URL     string `json:"url"`
		Source  string `json:"source"`
	} `json:"results"`
}

// Search returns up to five recent items for the instrument.
func (c *SearchClient) Search(ctx context.Context, inst domain.Instrument) ([]NewsItem, error) {
	var result searchResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("q", fmt.Sprintf("%s market news this week", inst)).
		SetQueryParam("freshness", "week").
		SetResult(&result).
		Get("/search")
	if err != nil {
		return nil, fmt.Errorf("news search for %s: %w", inst, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("news search for %s: status %d: %s", inst, resp.StatusCode(), resp.String())
	}

	items := make([]NewsItem, 0, c.maxItems)
	for _, r := range result.Results {
		if len(items) == c.maxItems {
			break
		}
		items = append(items, NewsItem{
			Headline: r.Title,
			Snippet:  r.Snippet,
			URL:      r.URL,
			Source:   r.Source,
		})
	}
	return items, nil
}
