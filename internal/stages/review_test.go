package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecouncil/internal/domain"
	"tradecouncil/internal/llm"
	"tradecouncil/internal/pipeline"
)

func reviewJSON(label string) string {
	return mustJSONString(map[string]any{
		"target_label": label,
		"scores": map[string]int{
			"clarity": 7, "edge_plausibility": 6, "timing_catalyst": 8,
			"risk_definition": 7, "indicator_integrity": 9, "originality": 5,
			"tradeability": 6,
		},
		"best_argument_against": "catalyst already priced in",
		"one_flip_condition":    "a hawkish surprise",
		"suggested_fix":         "tighten the stop",
	})
}

func reviewArray(labels ...string) string {
	items := make([]json.RawMessage, len(labels))
	for i, label := range labels {
		items[i] = json.RawMessage(reviewJSON(label))
	}
	return mustJSONString(items)
}

// threePitches gives labels Pitch A (gpt-5), B (gemini), C (claude).
func threePitches() []domain.PMPitch {
	return []domain.PMPitch{
		testPitch("p1", "gpt-5", "acct_a1", "SPY", domain.Long, 1.5),
		testPitch("p2", "gemini-2.5-pro", "acct_a2", "TLT", domain.Short, -1),
		testPitch("p3", "claude-sonnet-4-5", "acct_a3", "GLD", domain.Long, 0.5),
	}
}

func reviewContext(pitches []domain.PMPitch) *pipeline.Context {
	return baseContext(map[pipeline.Key]any{pipeline.KeyPMPitches: pitches})
}

func fullReviewClients() map[string]llm.Client {
	return map[string]llm.Client{
		"gpt-5":             &scriptedClient{model: "gpt-5", responses: []string{reviewArray("Pitch B", "Pitch C")}},
		"gemini-2.5-pro":    &scriptedClient{model: "gemini-2.5-pro", responses: []string{reviewArray("Pitch A", "Pitch C")}},
		"claude-sonnet-4-5": &scriptedClient{model: "claude-sonnet-4-5", responses: []string{reviewArray("Pitch A", "Pitch B")}},
	}
}

func TestReviewFullCoverage(t *testing.T) {
	events := &memEvents{}
	stage := NewReview(Deps{Events: events}, fullReviewClients(), testRules(), 0.1)

	next, err := stage.Run(context.Background(), reviewContext(threePitches()))
	require.NoError(t, err)

	reviews, ok := next.PeerReviews()
	require.True(t, ok)
	assert.Len(t, reviews, 6, "N(N-1) for N=3")
	for _, review := range reviews {
		assert.NotEmpty(t, review.ReviewID)
		assert.Equal(t, testWeek, review.WeekID)
		assert.False(t, review.DegradedShape)
	}

	labelMap, ok := next.AnonLabelMap()
	require.True(t, ok)
	assert.Len(t, labelMap, 3)

	assert.Len(t, events.ofType(domain.EventPeerReview), 6)
	coverage := events.ofType(domain.EventReviewCoverage)
	require.Len(t, coverage, 3)
	for _, ev := range coverage {
		var record coverageRecord
		require.NoError(t, json.Unmarshal(ev.Payload, &record))
		assert.Equal(t, 1.0, record.Coverage)
	}
}

func TestReviewSingleObjectShapeDegrades(t *testing.T) {
	clients := fullReviewClients()
	// gemini ignores the array contract and returns one bare object.
	clients["gemini-2.5-pro"] = &scriptedClient{model: "gemini-2.5-pro",
		responses: []string{reviewJSON("Pitch A")}}

	events := &memEvents{}
	stage := NewReview(Deps{Events: events}, clients, testRules(), 0.1)

	next, err := stage.Run(context.Background(), reviewContext(threePitches()))
	require.NoError(t, err)

	reviews, _ := next.PeerReviews()
	assert.Len(t, reviews, 5)

	var degraded int
	for _, review := range reviews {
		if review.DegradedShape {
			degraded++
			assert.Equal(t, "gemini-2.5-pro", review.ReviewerModel)
		}
	}
	assert.Equal(t, 1, degraded)

	var geminiCoverage *coverageRecord
	for _, ev := range events.ofType(domain.EventReviewCoverage) {
		var record coverageRecord
		require.NoError(t, json.Unmarshal(ev.Payload, &record))
		if record.ReviewerModel == "gemini-2.5-pro" {
			geminiCoverage = &record
		}
	}
	require.NotNil(t, geminiCoverage)
	assert.InDelta(t, 0.5, geminiCoverage.Coverage, 1e-9, "1 of 2 targets")
}

func TestReviewAdjacentObjectsRecovered(t *testing.T) {
	clients := fullReviewClients()
	clients["gpt-5"] = &scriptedClient{model: "gpt-5",
		responses: []string{reviewJSON("Pitch B") + "\n" + reviewJSON("Pitch C")}}

	stage := NewReview(Deps{Events: &memEvents{}}, clients, testRules(), 0.1)
	next, err := stage.Run(context.Background(), reviewContext(threePitches()))
	require.NoError(t, err)

	reviews, _ := next.PeerReviews()
	assert.Len(t, reviews, 6)
	for _, review := range reviews {
		assert.False(t, review.DegradedShape, "adjacent objects are not the degraded shape")
	}
}

func TestReviewSelfReviewDiscarded(t *testing.T) {
	clients := fullReviewClients()
	// gpt-5 authored Pitch A and reviews itself anyway.
	clients["gpt-5"] = &scriptedClient{model: "gpt-5",
		responses: []string{reviewArray("Pitch A", "Pitch B", "Pitch C")}}

	stage := NewReview(Deps{Events: &memEvents{}}, clients, testRules(), 0.1)
	next, err := stage.Run(context.Background(), reviewContext(threePitches()))
	require.NoError(t, err)

	reviews, _ := next.PeerReviews()
	for _, review := range reviews {
		if review.ReviewerModel == "gpt-5" {
			assert.NotEqual(t, "Pitch A", review.TargetLabel)
		}
	}
}

func TestReviewDuplicateTargetKeepsFirst(t *testing.T) {
	clients := fullReviewClients()
	clients["gpt-5"] = &scriptedClient{model: "gpt-5",
		responses: []string{reviewArray("Pitch B", "Pitch B", "Pitch C")}}

	stage := NewReview(Deps{Events: &memEvents{}}, clients, testRules(), 0.1)
	next, err := stage.Run(context.Background(), reviewContext(threePitches()))
	require.NoError(t, err)

	reviews, _ := next.PeerReviews()
	var gptTargets []string
	for _, review := range reviews {
		if review.ReviewerModel == "gpt-5" {
			gptTargets = append(gptTargets, review.TargetLabel)
		}
	}
	assert.ElementsMatch(t, []string{"Pitch B", "Pitch C"}, gptTargets)
}

func TestReviewFailedReviewerGetsZeroCoverage(t *testing.T) {
	clients := fullReviewClients()
	clients["claude-sonnet-4-5"] = &scriptedClient{model: "claude-sonnet-4-5",
		err: fmt.Errorf("connection reset")}

	events := &memEvents{}
	stage := NewReview(Deps{Events: events}, clients, testRules(), 0.1)
	next, err := stage.Run(context.Background(), reviewContext(threePitches()))
	require.NoError(t, err, "one failed reviewer does not fail the stage")

	reviews, _ := next.PeerReviews()
	assert.Len(t, reviews, 4)

	var claudeCoverage *coverageRecord
	for _, ev := range events.ofType(domain.EventReviewCoverage) {
		var record coverageRecord
		require.NoError(t, json.Unmarshal(ev.Payload, &record))
		if record.ReviewerModel == "claude-sonnet-4-5" {
			claudeCoverage = &record
		}
	}
	require.NotNil(t, claudeCoverage)
	assert.Zero(t, claudeCoverage.Extracted)
}

func TestReviewNeedsTwoPitches(t *testing.T) {
	stage := NewReview(Deps{Events: &memEvents{}}, fullReviewClients(), testRules(), 0.1)
	pc := reviewContext([]domain.PMPitch{
		testPitch("p1", "gpt-5", "acct_a1", "SPY", domain.Long, 1),
	})
	_, err := stage.Run(context.Background(), pc)
	require.Error(t, err)
	assert.Equal(t, pipeline.KindPrecondition, pipeline.KindOf(err))
}

func TestReviewLabelMapNeverInPrompt(t *testing.T) {
	// The prompt built for a reviewer must not leak pitch ids or account
	// ids. Capture prompts via a recording client.
	var mu sync.Mutex
	var prompts []string
	record := func(model string, response string) llm.Client {
		return &recordingClient{model: model, response: response, mu: &mu, prompts: &prompts}
	}
	clients := map[string]llm.Client{
		"gpt-5":             record("gpt-5", reviewArray("Pitch B", "Pitch C")),
		"gemini-2.5-pro":    record("gemini-2.5-pro", reviewArray("Pitch A", "Pitch C")),
		"claude-sonnet-4-5": record("claude-sonnet-4-5", reviewArray("Pitch A", "Pitch B")),
	}
	stage := NewReview(Deps{Events: &memEvents{}}, clients, testRules(), 0.1)
	_, err := stage.Run(context.Background(), reviewContext(threePitches()))
	require.NoError(t, err)

	for _, p := range prompts {
		assert.NotContains(t, p, "p1")
		assert.NotContains(t, p, "acct_a1")
		assert.NotContains(t, p, "gpt-5")
	}
}

type recordingClient struct {
	model    string
	response string
	mu       *sync.Mutex
	prompts  *[]string
}

func (c *recordingClient) ModelID() string { return c.model }

func (c *recordingClient) Ask(ctx context.Context, prompt string, opts llm.Options) (*llm.Response, error) {
	c.mu.Lock()
	*c.prompts = append(*c.prompts, prompt)
	c.mu.Unlock()
	return &llm.Response{Content: c.response}, nil
}
