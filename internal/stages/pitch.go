package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tradecouncil/internal/config"
	"tradecouncil/internal/domain"
	"tradecouncil/internal/llm"
	"tradecouncil/internal/llm/extract"
	"tradecouncil/internal/logging"
	"tradecouncil/internal/pipeline"
	"tradecouncil/internal/prompt"
	"tradecouncil/internal/validate"
)

const pitchStageName = "pm_pitch"

// PitchStage fans the weekly pitch prompt out to every PM model and
// collects validated, enriched pitches in stable roster order. At least
// one valid pitch is required; otherwise the stage fails.
type PitchStage struct {
	deps        Deps
	roster      []config.RosterEntry
	clients     map[string]llm.Client
	rules       *validate.Rules
	universe    []domain.Instrument
	profiles    map[string]domain.RiskParams
	temperature float64
	log         *zap.SugaredLogger
}

// NewPitch builds the stage. clients is keyed by model id and must
// cover the roster.
func NewPitch(deps Deps, roster []config.RosterEntry, clients map[string]llm.Client, rules *validate.Rules, universe []domain.Instrument, profiles map[string]domain.RiskParams, temperature float64) *PitchStage {
	return &PitchStage{
		deps:        deps,
		roster:      roster,
		clients:     clients,
		rules:       rules,
		universe:    universe,
		profiles:    profiles,
		temperature: temperature,
		log:         logging.Named("pitch"),
	}
}

func (s *PitchStage) Name() string { return pitchStageName }

func (s *PitchStage) Inputs() []pipeline.Key {
	return []pipeline.Key{pipeline.KeyWeekID, pipeline.KeyResearchPacks}
}

func (s *PitchStage) Outputs() []pipeline.Key {
	return []pipeline.Key{pipeline.KeyPMPitches}
}

func (s *PitchStage) Run(ctx context.Context, pc *pipeline.Context) (*pipeline.Context, error) {
	weekID, _ := pc.WeekID()
	packs, _ := pc.ResearchPacks()

	var sentiment *domain.MarketSentiment
	if sent, ok := pc.Sentiment(); ok && !sent.Degraded {
		sentiment = &sent
	}

	p := prompt.PMPitch(weekID, packs, sentiment, s.universe, s.profiles)
	calls := make([]llm.Call, 0, len(s.roster))
	for _, entry := range s.roster {
		client, ok := s.clients[entry.ModelID]
		if !ok {
			return pc, pipeline.Classified(pipeline.KindConfiguration,
				"no client for roster model %s", entry.ModelID)
		}
		calls = append(calls, llm.Call{
			ProviderID: entry.ModelID,
			Client:     client,
			Prompt:     p,
			Options: llm.Options{
				SystemPrompt: prompt.SystemPMPitch,
				Temperature:  s.temperature,
			},
			Parse: s.parsePitch,
		})
	}

	results := s.deps.harness(jobIDOf(pc), pitchStageName).FanOut(ctx, calls)
	if err := ctx.Err(); err != nil {
		return pc, err
	}

	// Results come back in call order, so pitches stay in roster order.
	pitches := make([]domain.PMPitch, 0, len(results))
	for i, res := range results {
		entry := s.roster[i]
		if res.Status != llm.StatusOK {
			s.log.Warnw("pm pitch dropped", "model", entry.ModelID, "status", res.Status, "error", res.Err)
			continue
		}
		pitch := res.Payload.(domain.PMPitch)
		pitch.PitchID = uuid.NewString()
		pitch.WeekID = weekID
		pitch.AsOf = time.Now().UTC()
		pitch.PMModel = entry.ModelID
		pitch.AccountID = entry.AccountID

		if err := persist(ctx, s.deps.Events, weekID, entry.AccountID, domain.EventPMPitch, pitch); err != nil {
			return pc, err
		}
		pitches = append(pitches, pitch)
	}

	if len(pitches) == 0 {
		return pc, pipeline.Classified(pipeline.KindPartial,
			"no valid pitch from any of the %d PM models", len(s.roster))
	}
	s.log.Infow("pitches collected", "valid", len(pitches), "roster", len(s.roster))
	return pc.With(pipeline.KeyPMPitches, pitches), nil
}

func (s *PitchStage) parsePitch(content string) (any, []string, error) {
	obj, ok := extract.FirstObject(content)
	if !ok {
		return nil, nil, fmt.Errorf("no JSON object in response")
	}
	var pitch domain.PMPitch
	if err := json.Unmarshal([]byte(obj), &pitch); err != nil {
		return nil, nil, fmt.Errorf("malformed pitch: %w", err)
	}
	if issues := s.rules.PMPitch(pitch); len(issues) > 0 {
		return nil, issueStrings(issues), nil
	}
	return pitch, nil, nil
}
