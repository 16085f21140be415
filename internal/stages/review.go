package stages

import (
	"context"
	"encoding/json"
	"fmt"

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

const reviewStageName = "peer_review"

// ReviewStage anonymizes the pitch set and has every pitch author
// review the n-1 pitches that are not its own. The response contract is
// a JSON array; single objects and adjacent objects are recovered and
// flagged as degraded. Reviews of a reviewer's own pitch are discarded;
// duplicate target labels keep the first occurrence.
type ReviewStage struct {
	deps        Deps
	clients     map[string]llm.Client
	rules       *validate.Rules
	temperature float64
	log         *zap.SugaredLogger
}

// NewReview builds the stage. clients is keyed by model id.
func NewReview(deps Deps, clients map[string]llm.Client, rules *validate.Rules, temperature float64) *ReviewStage {
	return &ReviewStage{
		deps:        deps,
		clients:     clients,
		rules:       rules,
		temperature: temperature,
		log:         logging.Named("review"),
	}
}

func (s *ReviewStage) Name() string { return reviewStageName }

func (s *ReviewStage) Inputs() []pipeline.Key {
	return []pipeline.Key{pipeline.KeyWeekID, pipeline.KeyPMPitches}
}

func (s *ReviewStage) Outputs() []pipeline.Key {
	return []pipeline.Key{pipeline.KeyPeerReviews, pipeline.KeyAnonLabelMap}
}

// coverageRecord is the per-reviewer extraction ratio persisted as a
// review_coverage event.
type coverageRecord struct {
	WeekID        domain.WeekID `json:"week_id"`
	ReviewerModel string        `json:"reviewer_model"`
	Extracted     int           `json:"extracted"`
	Expected      int           `json:"expected"`
	Coverage      float64       `json:"coverage"`
}

// reviewRecord is the persisted form of one review, de-anonymized for
// the event log only. Prompts never see these fields.
type reviewRecord struct {
	domain.PeerReview
	TargetPitchID   string           `json:"target_pitch_id"`
	TargetAccountID domain.AccountID `json:"target_account_id"`
}

func (s *ReviewStage) Run(ctx context.Context, pc *pipeline.Context) (*pipeline.Context, error) {
	weekID, _ := pc.WeekID()
	pitches, _ := pc.PMPitches()

	if len(pitches) < 2 {
		return pc, pipeline.Classified(pipeline.KindPrecondition,
			"peer review needs at least 2 pitches, got %d", len(pitches))
	}

	anon, labelMap := Anonymize(pitches)

	// Each pitch author reviews every label except its own.
	ownLabel := make(map[string]string, len(pitches))
	for label, pitchID := range labelMap {
		for _, p := range pitches {
			if p.PitchID == pitchID {
				ownLabel[p.PMModel] = label
			}
		}
	}

	calls := make([]llm.Call, 0, len(pitches))
	reviewers := make([]domain.PMPitch, 0, len(pitches))
	for _, reviewer := range pitches {
		client, ok := s.clients[reviewer.PMModel]
		if !ok {
			return pc, pipeline.Classified(pipeline.KindConfiguration,
				"no client for reviewer model %s", reviewer.PMModel)
		}
		targets := make([]domain.AnonymizedPitch, 0, len(anon)-1)
		for _, a := range anon {
			if a.Label != ownLabel[reviewer.PMModel] {
				targets = append(targets, a)
			}
		}
		calls = append(calls, llm.Call{
			ProviderID: reviewer.PMModel,
			Client:     client,
			Prompt:     prompt.PeerReview(weekID, targets),
			Options: llm.Options{
				SystemPrompt: prompt.SystemPeerReview,
				Temperature:  s.temperature,
			},
			Parse: s.parseReviews,
		})
		reviewers = append(reviewers, reviewer)
	}

	results := s.deps.harness(jobIDOf(pc), reviewStageName).FanOut(ctx, calls)
	if err := ctx.Err(); err != nil {
		return pc, err
	}

	expected := len(pitches) - 1
	var allReviews []domain.PeerReview
	for i, res := range results {
		reviewer := reviewers[i]
		if res.Status != llm.StatusOK {
			s.log.Warnw("reviewer failed", "model", reviewer.PMModel, "status", res.Status, "error", res.Err)
			if err := s.persistCoverage(ctx, weekID, reviewer.PMModel, 0, expected); err != nil {
				return pc, err
			}
			continue
		}

		kept := s.filter(res.Payload.([]domain.PeerReview), reviewer.PMModel, ownLabel[reviewer.PMModel])
		for _, review := range kept {
			review.ReviewID = uuid.NewString()
			review.WeekID = weekID
			review.ReviewerModel = reviewer.PMModel

			target, ok := Deanonymize(review.TargetLabel, labelMap, pitches)
			record := reviewRecord{PeerReview: review}
			var targetAccount domain.AccountID
			if ok {
				record.TargetPitchID = target.PitchID
				record.TargetAccountID = target.AccountID
				targetAccount = target.AccountID
			} else {
				s.log.Warnw("review targets unknown label",
					"reviewer", reviewer.PMModel, "label", review.TargetLabel)
			}
			if err := persist(ctx, s.deps.Events, weekID, targetAccount, domain.EventPeerReview, record); err != nil {
				return pc, err
			}
			allReviews = append(allReviews, review)
		}
		if err := s.persistCoverage(ctx, weekID, reviewer.PMModel, len(kept), expected); err != nil {
			return pc, err
		}
	}

	if len(allReviews) == 0 {
		return pc, pipeline.Classified(pipeline.KindPartial,
			"no reviews extracted from any of the %d reviewers", len(reviewers))
	}
	s.log.Infow("reviews collected",
		"reviews", len(allReviews), "target", len(pitches)*(len(pitches)-1))

	return pc.
		With(pipeline.KeyPeerReviews, allReviews).
		With(pipeline.KeyAnonLabelMap, labelMap), nil
}

// filter drops self-reviews and deduplicates target labels, keeping the
// first occurrence.
func (s *ReviewStage) filter(reviews []domain.PeerReview, reviewerModel, own string) []domain.PeerReview {
	seen := make(map[string]bool, len(reviews))
	kept := make([]domain.PeerReview, 0, len(reviews))
	for _, review := range reviews {
		if review.TargetLabel == own {
			s.log.Warnw("self-review discarded", "reviewer", reviewerModel, "label", own)
			continue
		}
		if seen[review.TargetLabel] {
			s.log.Warnw("duplicate review discarded",
				"reviewer", reviewerModel, "label", review.TargetLabel)
			continue
		}
		seen[review.TargetLabel] = true
		kept = append(kept, review)
	}
	return kept
}

func (s *ReviewStage) persistCoverage(ctx context.Context, weekID domain.WeekID, model string, extracted, expected int) error {
	record := coverageRecord{
		WeekID:        weekID,
		ReviewerModel: model,
		Extracted:     extracted,
		Expected:      expected,
		Coverage:      float64(extracted) / float64(expected),
	}
	return persist(ctx, s.deps.Events, weekID, "", domain.EventReviewCoverage, record)
}

// parseReviews always yields a list. An array is the contract; a single
// bare object or adjacent objects are recovered and marked degraded.
func (s *ReviewStage) parseReviews(content string) (any, []string, error) {
	objects, shape := extract.ObjectList(content)
	if len(objects) == 0 {
		return nil, nil, fmt.Errorf("no JSON reviews in response")
	}
	degraded := shape == extract.ShapeSingleObject

	var issues []string
	reviews := make([]domain.PeerReview, 0, len(objects))
	for i, obj := range objects {
		var review domain.PeerReview
		if err := json.Unmarshal([]byte(obj), &review); err != nil {
			return nil, nil, fmt.Errorf("malformed review at position %d: %w", i+1, err)
		}
		for _, issue := range s.rules.PeerReview(review) {
			issues = append(issues, fmt.Sprintf("review %d, %s", i+1, issue))
		}
		review.DegradedShape = degraded
		reviews = append(reviews, review)
	}
	if len(issues) > 0 {
		return nil, issues, nil
	}
	return reviews, nil, nil
}
