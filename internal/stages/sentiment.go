package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tradecouncil/internal/domain"
	"tradecouncil/internal/llm"
	"tradecouncil/internal/llm/extract"
	"tradecouncil/internal/logging"
	"tradecouncil/internal/marketdata"
	"tradecouncil/internal/pipeline"
	"tradecouncil/internal/prompt"
)

const sentimentStageName = "market_sentiment"

// SentimentStage queries the news search provider for recent items per
// instrument, scores each item in [-1,1] with a short LLM call, and
// aggregates per instrument and overall. Advisory: any failure degrades
// the run instead of terminating it.
type SentimentStage struct {
	deps        Deps
	searcher    marketdata.NewsSearcher
	scorer      llm.Client
	universe    []domain.Instrument
	temperature float64
	log         *zap.SugaredLogger
}

// NewSentiment builds the stage. scorer is the cheap chat model used
// for item scoring.
func NewSentiment(deps Deps, searcher marketdata.NewsSearcher, scorer llm.Client, universe []domain.Instrument, temperature float64) *SentimentStage {
	return &SentimentStage{
		deps:        deps,
		searcher:    searcher,
		scorer:      scorer,
		universe:    universe,
		temperature: temperature,
		log:         logging.Named("sentiment"),
	}
}

func (s *SentimentStage) Name() string            { return sentimentStageName }
func (s *SentimentStage) Advisory() bool          { return true }
func (s *SentimentStage) Inputs() []pipeline.Key  { return []pipeline.Key{pipeline.KeyWeekID} }
func (s *SentimentStage) Outputs() []pipeline.Key { return []pipeline.Key{pipeline.KeySentiment} }

type scoredItem struct {
	instrument domain.Instrument
	item       marketdata.NewsItem
}

func (s *SentimentStage) Run(ctx context.Context, pc *pipeline.Context) (*pipeline.Context, error) {
	weekID, _ := pc.WeekID()

	collected, searchErrs := s.collect(ctx, pc)
	if len(collected) == 0 {
		// Nothing to score: degrade in place rather than failing the run.
		s.log.Warnw("no news items collected, sentiment degraded",
			"week", weekID, "search_errors", len(searchErrs))
		return s.degrade(ctx, pc, weekID)
	}

	calls := make([]llm.Call, len(collected))
	for i, sc := range collected {
		calls[i] = llm.Call{
			ProviderID: fmt.Sprintf("%s/%s#%d", s.scorer.ModelID(), sc.instrument, i),
			Client:     s.scorer,
			Prompt:     prompt.SentimentScore(sc.instrument, sc.item.Headline, sc.item.Snippet),
			Options: llm.Options{
				SystemPrompt: prompt.SystemSentiment,
				Temperature:  s.temperature,
			},
			Parse: parseScore,
		}
	}

	results := s.deps.harness(jobIDOf(pc), sentimentStageName).FanOut(ctx, calls)
	if err := ctx.Err(); err != nil {
		return pc, err
	}

	perInstrument := make(map[domain.Instrument][]float64)
	for i, res := range results {
		if res.Status != llm.StatusOK {
			s.log.Debugw("item score dropped", "provider", res.ProviderID, "status", res.Status)
			continue
		}
		score := res.Payload.(float64)
		inst := collected[i].instrument
		perInstrument[inst] = append(perInstrument[inst], score)
	}
	if len(perInstrument) == 0 {
		return s.degrade(ctx, pc, weekID)
	}

	sentiment := domain.MarketSentiment{
		WeekID:        weekID,
		AsOf:          time.Now().UTC(),
		PerInstrument: make(map[domain.Instrument]float64, len(perInstrument)),
		Sources:       []string{s.searcher.Name()},
	}
	var total float64
	var count int
	for inst, scores := range perInstrument {
		var sum float64
		for _, v := range scores {
			sum += v
		}
		sentiment.PerInstrument[inst] = sum / float64(len(scores))
		total += sum
		count += len(scores)
	}
	sentiment.OverallScore = total / float64(count)

	if err := persist(ctx, s.deps.Events, weekID, "", domain.EventMarketSentiment, sentiment); err != nil {
		return pc, err
	}
	return pc.With(pipeline.KeySentiment, sentiment), nil
}

// collect searches news for every instrument, tolerating per-instrument
// failures.
func (s *SentimentStage) collect(ctx context.Context, pc *pipeline.Context) ([]scoredItem, []error) {
	var collected []scoredItem
	var errs []error
	for _, inst := range s.universe {
		if ctx.Err() != nil {
			return collected, errs
		}
		items, err := s.searcher.Search(ctx, inst)
		if err != nil {
			s.log.Warnw("news search failed", "instrument", inst, "error", err)
			errs = append(errs, err)
			continue
		}
		for _, item := range items {
			collected = append(collected, scoredItem{instrument: inst, item: item})
		}
	}
	return collected, errs
}

// degrade writes and returns the degraded sentiment artifact.
func (s *SentimentStage) degrade(ctx context.Context, pc *pipeline.Context, weekID domain.WeekID) (*pipeline.Context, error) {
	sentiment := domain.MarketSentiment{
		WeekID:   weekID,
		AsOf:     time.Now().UTC(),
		Degraded: true,
	}
	if err := persist(ctx, s.deps.Events, weekID, "", domain.EventMarketSentiment, sentiment); err != nil {
		s.log.Warnw("degraded sentiment event not persisted", "error", err)
	}
	return pc.WithDegradedSource(sentimentStageName).With(pipeline.KeySentiment, sentiment), nil
}

func parseScore(content string) (any, []string, error) {
	obj, ok := extract.FirstObject(content)
	if !ok {
		return nil, nil, fmt.Errorf("no JSON object in response")
	}
	var out struct {
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(obj), &out); err != nil {
		return nil, nil, fmt.Errorf("malformed score object: %w", err)
	}
	if out.Score < -1 || out.Score > 1 {
		return nil, []string{fmt.Sprintf("score: score %.2f is outside [-1, 1]", out.Score)}, nil
	}
	return out.Score, nil, nil
}

func jobIDOf(pc *pipeline.Context) string {
	id, _ := pc.JobID()
	return id
}
