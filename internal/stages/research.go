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
	"tradecouncil/internal/pipeline"
	"tradecouncil/internal/prompt"
	"tradecouncil/internal/validate"
)

const researchStageName = "research"

// ResearchSource binds a named research source to its model client.
// Deep-research sources get a longer per-call timeout.
type ResearchSource struct {
	Name    string
	Client  llm.Client
	Timeout time.Duration
}

// ResearchStage fans out to the configured research sources and
// collects one validated ResearchPack per source. At least one source
// must succeed; with every source failed the stage fails fatally.
type ResearchStage struct {
	deps        Deps
	sources     []ResearchSource
	rules       *validate.Rules
	universe    []domain.Instrument
	temperature float64
	log         *zap.SugaredLogger
}

// NewResearch builds the stage.
func NewResearch(deps Deps, sources []ResearchSource, rules *validate.Rules, universe []domain.Instrument, temperature float64) *ResearchStage {
	return &ResearchStage{
		deps:        deps,
		sources:     sources,
		rules:       rules,
		universe:    universe,
		temperature: temperature,
		log:         logging.Named("research"),
	}
}

func (s *ResearchStage) Name() string { return researchStageName }

func (s *ResearchStage) Inputs() []pipeline.Key {
	return []pipeline.Key{pipeline.KeyWeekID, pipeline.KeyMarketSnapshot}
}

func (s *ResearchStage) Outputs() []pipeline.Key {
	return []pipeline.Key{pipeline.KeyResearchPacks}
}

func (s *ResearchStage) Run(ctx context.Context, pc *pipeline.Context) (*pipeline.Context, error) {
	weekID, _ := pc.WeekID()
	userQuery, _ := pc.UserQuery()

	var sentiment *domain.MarketSentiment
	if sent, ok := pc.Sentiment(); ok && !sent.Degraded {
		sentiment = &sent
	}

	p := prompt.Research(weekID, userQuery, s.universe, sentiment)
	calls := make([]llm.Call, len(s.sources))
	for i, src := range s.sources {
		calls[i] = llm.Call{
			ProviderID: src.Name,
			Client:     src.Client,
			Prompt:     p,
			Options: llm.Options{
				SystemPrompt: prompt.SystemResearch,
				Temperature:  s.temperature,
			},
			Timeout: src.Timeout,
			Parse:   s.parsePack,
		}
	}

	results := s.deps.harness(jobIDOf(pc), researchStageName).FanOut(ctx, calls)
	if err := ctx.Err(); err != nil {
		return pc, err
	}

	packs := make(map[string]domain.ResearchPack, len(results))
	for i, res := range results {
		source := s.sources[i].Name
		if res.Status != llm.StatusOK {
			s.log.Warnw("research source failed", "source", source, "status", res.Status, "error", res.Err)
			continue
		}
		pack := res.Payload.(domain.ResearchPack)
		pack.WeekID = weekID
		pack.AsOf = time.Now().UTC()
		pack.Source = source
		pack.Status = domain.ResearchComplete

		if err := persist(ctx, s.deps.Events, weekID, "", domain.EventResearchPack, pack); err != nil {
			return pc, err
		}
		packs[source] = pack
	}

	if len(packs) == 0 {
		return pc, pipeline.Classified(pipeline.KindPartial,
			"all %d research sources failed", len(s.sources))
	}
	s.log.Infow("research packs collected", "sources", len(packs), "of", len(s.sources))
	return pc.With(pipeline.KeyResearchPacks, packs), nil
}

func (s *ResearchStage) parsePack(content string) (any, []string, error) {
	obj, ok := extract.FirstObject(content)
	if !ok {
		return nil, nil, fmt.Errorf("no JSON object in response")
	}
	var pack domain.ResearchPack
	if err := json.Unmarshal([]byte(obj), &pack); err != nil {
		return nil, nil, fmt.Errorf("malformed research pack: %w", err)
	}
	if issues := s.rules.ResearchPack(pack); len(issues) > 0 {
		return nil, issueStrings(issues), nil
	}
	return pack, nil, nil
}

func issueStrings(issues []validate.Issue) []string {
	out := make([]string, len(issues))
	for i, issue := range issues {
		out[i] = issue.String()
	}
	return out
}
