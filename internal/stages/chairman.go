package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tradecouncil/internal/domain"
	"tradecouncil/internal/llm"
	"tradecouncil/internal/llm/extract"
	"tradecouncil/internal/logging"
	"tradecouncil/internal/pipeline"
	"tradecouncil/internal/prompt"
	"tradecouncil/internal/validate"
)

const chairmanStageName = "chairman"

// ChairmanStage makes the single synthesis call: full pitch set plus
// per-pitch aggregated review scores and the best-argument corpus in,
// one ChairmanDecision out. Fails fatally when the decision is still
// invalid after the repair round.
type ChairmanStage struct {
	deps        Deps
	client      llm.Client
	rules       *validate.Rules
	temperature float64
	log         *zap.SugaredLogger
}

// NewChairman builds the stage around the configured chairman model.
func NewChairman(deps Deps, client llm.Client, rules *validate.Rules, temperature float64) *ChairmanStage {
	return &ChairmanStage{
		deps:        deps,
		client:      client,
		rules:       rules,
		temperature: temperature,
		log:         logging.Named("chairman"),
	}
}

func (s *ChairmanStage) Name() string { return chairmanStageName }

func (s *ChairmanStage) Inputs() []pipeline.Key {
	return []pipeline.Key{pipeline.KeyWeekID, pipeline.KeyPMPitches, pipeline.KeyPeerReviews}
}

func (s *ChairmanStage) Outputs() []pipeline.Key {
	return []pipeline.Key{pipeline.KeyChairmanDecision}
}

func (s *ChairmanStage) Run(ctx context.Context, pc *pipeline.Context) (*pipeline.Context, error) {
	weekID, _ := pc.WeekID()
	pitches, _ := pc.PMPitches()
	reviews, _ := pc.PeerReviews()

	anon, _ := Anonymize(pitches)
	digests := buildDigests(anon, reviews)

	results := s.deps.harness(jobIDOf(pc), chairmanStageName).FanOut(ctx, []llm.Call{{
		ProviderID: s.client.ModelID(),
		Client:     s.client,
		Prompt:     prompt.Chairman(weekID, anon, digests),
		Options: llm.Options{
			SystemPrompt: prompt.SystemChairman,
			Temperature:  s.temperature,
		},
		Parse: s.parseDecision,
	}})
	if err := ctx.Err(); err != nil {
		return pc, err
	}

	res := results[0]
	if res.Status != llm.StatusOK {
		kind := pipeline.KindValidation
		switch res.Status {
		case llm.StatusTimeout:
			kind = pipeline.KindTimeout
		case llm.StatusTransport:
			kind = pipeline.KindTransport
		case llm.StatusCancelled:
			kind = pipeline.KindCancelled
		}
		return pc, pipeline.Classified(kind, "chairman model %s failed: %v", s.client.ModelID(), res.Err)
	}

	decision := res.Payload.(domain.ChairmanDecision)
	decision.DecisionID = uuid.NewString()
	decision.WeekID = weekID

	if err := persist(ctx, s.deps.Events, weekID, "", domain.EventChairmanDecision, decision); err != nil {
		return pc, err
	}
	s.log.Infow("chairman decision",
		"instrument", decision.SelectedTrade.Instrument,
		"direction", decision.SelectedTrade.Direction,
		"conviction", decision.Conviction)
	return pc.With(pipeline.KeyChairmanDecision, decision), nil
}

// buildDigests aggregates the mean of the seven score dimensions and
// the best-argument corpus per pitch label, in label order.
func buildDigests(anon []domain.AnonymizedPitch, reviews []domain.PeerReview) []prompt.ReviewDigest {
	byLabel := make(map[string][]domain.PeerReview)
	for _, review := range reviews {
		byLabel[review.TargetLabel] = append(byLabel[review.TargetLabel], review)
	}

	digests := make([]prompt.ReviewDigest, 0, len(anon))
	for _, pitch := range anon {
		targeting := byLabel[pitch.Label]
		digest := prompt.ReviewDigest{Label: pitch.Label}
		if len(targeting) > 0 {
			var sum float64
			for _, review := range targeting {
				sum += review.Scores.Mean()
				digest.BestArgumentsAgainst = append(digest.BestArgumentsAgainst, review.BestArgumentAgainst)
			}
			digest.MeanScore = sum / float64(len(targeting))
			sort.Strings(digest.BestArgumentsAgainst)
		}
		digests = append(digests, digest)
	}
	return digests
}

func (s *ChairmanStage) parseDecision(content string) (any, []string, error) {
	obj, ok := extract.FirstObject(content)
	if !ok {
		return nil, nil, fmt.Errorf("no JSON object in response")
	}
	var decision domain.ChairmanDecision
	if err := json.Unmarshal([]byte(obj), &decision); err != nil {
		return nil, nil, fmt.Errorf("malformed decision: %w", err)
	}
	if issues := s.rules.ChairmanDecision(decision); len(issues) > 0 {
		return nil, issueStrings(issues), nil
	}
	return decision, nil, nil
}
