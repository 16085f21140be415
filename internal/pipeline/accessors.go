package pipeline

import (
	"tradecouncil/internal/domain"
	"tradecouncil/internal/marketdata"
)

// Typed accessors for the well-known context keys. Each returns the zero
// value and false when the key is absent or holds a different type.

func (c *Context) UserQuery() (string, bool) {
	v, ok := c.values[KeyUserQuery].(string)
	return v, ok
}

func (c *Context) WeekID() (domain.WeekID, bool) {
	v, ok := c.values[KeyWeekID].(domain.WeekID)
	return v, ok
}

func (c *Context) JobID() (string, bool) {
	v, ok := c.values[KeyJobID].(string)
	return v, ok
}

func (c *Context) MarketSnapshot() (*marketdata.Snapshot, bool) {
	v, ok := c.values[KeyMarketSnapshot].(*marketdata.Snapshot)
	return v, ok
}

func (c *Context) Sentiment() (domain.MarketSentiment, bool) {
	v, ok := c.values[KeySentiment].(domain.MarketSentiment)
	return v, ok
}

func (c *Context) ResearchPacks() (map[string]domain.ResearchPack, bool) {
	v, ok := c.values[KeyResearchPacks].(map[string]domain.ResearchPack)
	return v, ok
}

func (c *Context) PMPitches() ([]domain.PMPitch, bool) {
	v, ok := c.values[KeyPMPitches].([]domain.PMPitch)
	return v, ok
}

// AnonLabelMap maps "Pitch A" style labels back to pitch ids. It stays
// inside the process and is never serialized into prompts or events.
func (c *Context) AnonLabelMap() (map[string]string, bool) {
	v, ok := c.values[KeyAnonLabelMap].(map[string]string)
	return v, ok
}

func (c *Context) PeerReviews() ([]domain.PeerReview, bool) {
	v, ok := c.values[KeyPeerReviews].([]domain.PeerReview)
	return v, ok
}

func (c *Context) ChairmanDecision() (domain.ChairmanDecision, bool) {
	v, ok := c.values[KeyChairmanDecision].(domain.ChairmanDecision)
	return v, ok
}

func (c *Context) ExecutionResults() ([]domain.ExecutionResult, bool) {
	v, ok := c.values[KeyExecutionResults].([]domain.ExecutionResult)
	return v, ok
}

// DegradedSources lists advisory sources that failed this run.
func (c *Context) DegradedSources() []string {
	v, _ := c.values[KeyDegradedSources].([]string)
	return v
}

// WithDegradedSource appends a failed advisory source name.
func (c *Context) WithDegradedSource(source string) *Context {
	existing := c.DegradedSources()
	updated := make([]string, 0, len(existing)+1)
	updated = append(updated, existing...)
	updated = append(updated, source)
	return c.With(KeyDegradedSources, updated)
}
