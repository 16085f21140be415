// Package runner assembles a weekly pipeline run from configuration:
// provider clients, the stage set for a mode, and the market snapshot.
package runner

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tradecouncil/internal/broker"
	"tradecouncil/internal/config"
	"tradecouncil/internal/events"
	"tradecouncil/internal/jobs"
	"tradecouncil/internal/llm"
	"tradecouncil/internal/logging"
	"tradecouncil/internal/marketdata"
	"tradecouncil/internal/pipeline"
	"tradecouncil/internal/stages"
	"tradecouncil/internal/validate"
)

// Runner builds and executes pipelines. It holds the long-lived
// collaborators; per-run wiring happens in Run.
type Runner struct {
	cfg      *config.Config
	store    *events.Store
	broker   broker.Broker
	source   marketdata.Source
	searcher marketdata.NewsSearcher
	clients  map[string]llm.Client
	rules    *validate.Rules
	log      *zap.SugaredLogger
}

// New wires a runner. clients must cover the roster, the chairman, the
// research sources, and the sentiment scorer.
func New(cfg *config.Config, store *events.Store, b broker.Broker, source marketdata.Source, searcher marketdata.NewsSearcher, clients map[string]llm.Client) *Runner {
	return &Runner{
		cfg:      cfg,
		store:    store,
		broker:   b,
		source:   source,
		searcher: searcher,
		clients:  clients,
		rules:    validate.NewRules(cfg.TradableUniverse, cfg.RiskProfiles, cfg.BannedKeywords),
		log:      logging.Named("runner"),
	}
}

// BuildClients constructs every provider client the configuration
// names.
func BuildClients(cfg *config.Config) (map[string]llm.Client, error) {
	ids := make([]string, 0, len(cfg.PMRoster)+len(cfg.ResearchSources)+2)
	for _, entry := range cfg.PMRoster {
		ids = append(ids, entry.ModelID)
	}
	ids = append(ids, cfg.ResearchSources...)
	if cfg.ChairmanModelID != "" {
		ids = append(ids, cfg.ChairmanModelID)
	}
	ids = append(ids, cfg.SentimentModel())

	seen := make(map[string]bool, len(ids))
	unique := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}
	return llm.Roster(unique)
}

// Run executes one weekly cycle. Implements jobs.Runner.
func (r *Runner) Run(ctx context.Context, mode pipeline.Mode, jobID string, in jobs.Inputs, sink pipeline.ProgressSink) error {
	if sink == nil {
		sink = pipeline.NopSink{}
	}

	snapshot, err := r.source.Snapshot(ctx, time.Now().UTC())
	if err != nil {
		return pipeline.NewStageError("snapshot", pipeline.KindTransport, err)
	}

	set, err := r.stageSet(mode, sink)
	if err != nil {
		return err
	}
	ordered, err := pipeline.ForMode(mode, set)
	if err != nil {
		return err
	}

	pc := pipeline.NewContext(map[pipeline.Key]any{
		pipeline.KeyWeekID:         in.WeekID,
		pipeline.KeyJobID:          jobID,
		pipeline.KeyUserQuery:      in.UserQuery,
		pipeline.KeyMarketSnapshot: snapshot,
	})

	p := pipeline.New(r.store, sink, ordered, pipeline.WithStageTimeout(r.cfg.Timeouts.Stage))
	_, err = p.Run(ctx, pc)
	return err
}

func (r *Runner) stageSet(mode pipeline.Mode, sink pipeline.ProgressSink) (pipeline.StageSet, error) {
	deps := stages.Deps{
		Events:          r.store,
		Progress:        sink,
		Concurrency:     r.cfg.ConcurrencyCap(),
		ProviderTimeout: r.cfg.Timeouts.Provider,
	}

	scorer, err := r.client(r.cfg.SentimentModel())
	if err != nil {
		return pipeline.StageSet{}, err
	}

	sources := make([]stages.ResearchSource, 0, len(r.cfg.ResearchSources))
	for _, id := range r.cfg.ResearchSources {
		client, err := r.client(id)
		if err != nil {
			return pipeline.StageSet{}, err
		}
		sources = append(sources, stages.ResearchSource{
			Name:    id,
			Client:  client,
			Timeout: r.cfg.Timeouts.DeepResearch,
		})
	}

	rosterClients := make(map[string]llm.Client, len(r.cfg.PMRoster))
	for _, entry := range r.cfg.PMRoster {
		client, err := r.client(entry.ModelID)
		if err != nil {
			return pipeline.StageSet{}, err
		}
		rosterClients[entry.ModelID] = client
	}

	set := pipeline.StageSet{
		Sentiment: stages.NewSentiment(deps, r.searcher, scorer, r.cfg.TradableUniverse,
			r.cfg.Temperature("market_sentiment", 0.3)),
		Research: stages.NewResearch(deps, sources, r.rules, r.cfg.TradableUniverse,
			r.cfg.Temperature("research", 0.2)),
		Pitch: stages.NewPitch(deps, r.cfg.PMRoster, rosterClients, r.rules,
			r.cfg.TradableUniverse, r.cfg.RiskProfiles, r.cfg.Temperature("pm_pitch", 0.7)),
		Review: stages.NewReview(deps, rosterClients, r.rules,
			r.cfg.Temperature("peer_review", 0.1)),
		Execution: stages.NewExecution(deps, r.broker, r.cfg.RiskProfiles,
			r.cfg.CouncilAccount, r.cfg.BaselineAccount, mode == pipeline.ModeFull),
	}
	if mode == pipeline.ModeFull {
		chairman, err := r.client(r.cfg.ChairmanModelID)
		if err != nil {
			return pipeline.StageSet{}, err
		}
		set.Chairman = stages.NewChairman(deps, chairman, r.rules,
			r.cfg.Temperature("chairman", 0.4))
	}
	return set, nil
}

func (r *Runner) client(modelID string) (llm.Client, error) {
	client, ok := r.clients[modelID]
	if !ok {
		return nil, pipeline.Classified(pipeline.KindConfiguration,
			"no client constructed for model %q", modelID)
	}
	return client, nil
}
