package stages

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecouncil/internal/domain"
	"tradecouncil/internal/pipeline"
	"tradecouncil/internal/prompt"
)

func decisionJSON(inst domain.Instrument, dir domain.Direction, conviction float64) string {
	return mustJSONString(map[string]any{
		"selected_trade": map[string]any{
			"instrument":   inst,
			"direction":    dir,
			"horizon":      "1 week",
			"risk_profile": "BASE",
		},
		"conviction":      conviction,
		"rationale":       "strongest catalyst with the cleanest risk",
		"dissent_summary": []string{"duration risk into the auction"},
		"monitoring_plan": "watch the FOMC minutes",
	})
}

func chairmanContext() *pipeline.Context {
	pitches := threePitches()
	reviews := []domain.PeerReview{
		{ReviewID: "r1", WeekID: testWeek, ReviewerModel: "gemini-2.5-pro",
			TargetLabel: "Pitch A", Scores: fullScores(8), BestArgumentAgainst: "already priced"},
		{ReviewID: "r2", WeekID: testWeek, ReviewerModel: "claude-sonnet-4-5",
			TargetLabel: "Pitch A", Scores: fullScores(6), BestArgumentAgainst: "crowded trade"},
		{ReviewID: "r3", WeekID: testWeek, ReviewerModel: "gpt-5",
			TargetLabel: "Pitch B", Scores: fullScores(4), BestArgumentAgainst: "no catalyst"},
	}
	return baseContext(map[pipeline.Key]any{
		pipeline.KeyPMPitches:   pitches,
		pipeline.KeyPeerReviews: reviews,
	})
}

func fullScores(v int) domain.ReviewScores {
	return domain.ReviewScores{
		Clarity: v, EdgePlausibility: v, TimingCatalyst: v, RiskDefinition: v,
		IndicatorIntegrity: v, Originality: v, Tradeability: v,
	}
}

func TestChairmanDecision(t *testing.T) {
	client := &scriptedClient{model: "claude-opus-4-1",
		responses: []string{decisionJSON("SPY", domain.Long, 1.5)}}
	events := &memEvents{}
	stage := NewChairman(Deps{Events: events}, client, testRules(), 0.4)

	next, err := stage.Run(context.Background(), chairmanContext())
	require.NoError(t, err)

	decision, ok := next.ChairmanDecision()
	require.True(t, ok)
	assert.NotEmpty(t, decision.DecisionID)
	assert.Equal(t, testWeek, decision.WeekID)
	assert.Equal(t, domain.Instrument("SPY"), decision.SelectedTrade.Instrument)

	assert.Len(t, events.ofType(domain.EventChairmanDecision), 1)
}

func TestChairmanInvalidAfterRepairIsFatal(t *testing.T) {
	// Conviction out of range on both attempts.
	client := &scriptedClient{model: "claude-opus-4-1",
		responses: []string{decisionJSON("SPY", domain.Long, 5)}}
	events := &memEvents{}
	stage := NewChairman(Deps{Events: events}, client, testRules(), 0.4)

	_, err := stage.Run(context.Background(), chairmanContext())
	require.Error(t, err)
	assert.Equal(t, pipeline.KindValidation, pipeline.KindOf(err))
	assert.Equal(t, int32(2), atomic.LoadInt32(&client.calls), "exactly one repair round")
	assert.Empty(t, events.ofType(domain.EventChairmanDecision))
}

func TestChairmanFlatConvictionMismatchRepaired(t *testing.T) {
	client := &scriptedClient{model: "claude-opus-4-1", responses: []string{
		decisionJSON("SPY", domain.Flat, 1.0),
		decisionJSON("SPY", domain.Flat, 0),
	}}
	stage := NewChairman(Deps{Events: &memEvents{}}, client, testRules(), 0.4)

	next, err := stage.Run(context.Background(), chairmanContext())
	require.NoError(t, err)

	decision, _ := next.ChairmanDecision()
	assert.Equal(t, domain.Flat, decision.SelectedTrade.Direction)
	assert.Zero(t, decision.Conviction)
}

func TestBuildDigests(t *testing.T) {
	pitches := threePitches()
	anon, _ := Anonymize(pitches)
	reviews := []domain.PeerReview{
		{TargetLabel: "Pitch A", Scores: fullScores(8), BestArgumentAgainst: "already priced"},
		{TargetLabel: "Pitch A", Scores: fullScores(6), BestArgumentAgainst: "crowded trade"},
		{TargetLabel: "Pitch B", Scores: fullScores(4), BestArgumentAgainst: "no catalyst"},
	}
	digests := buildDigests(anon, reviews)
	require.Len(t, digests, 3)

	byLabel := make(map[string]prompt.ReviewDigest)
	for _, d := range digests {
		byLabel[d.Label] = d
	}
	assert.InDelta(t, 7.0, byLabel["Pitch A"].MeanScore, 1e-9)
	assert.Len(t, byLabel["Pitch A"].BestArgumentsAgainst, 2)
	assert.InDelta(t, 4.0, byLabel["Pitch B"].MeanScore, 1e-9)
	assert.Zero(t, byLabel["Pitch C"].MeanScore)
	assert.Empty(t, byLabel["Pitch C"].BestArgumentsAgainst)
}
