// Package prompt builds the per-stage prompts sent to the council
// models. Artifacts are embedded as JSON; every prompt that expects
// structured output states the exact shape and forbids prose around it.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"tradecouncil/internal/domain"
)

// System prompts per stage role.
const (
	SystemSentiment = `You are a market news analyst. Score the sentiment of a single news item for the given instrument on a scale from -1.0 (strongly bearish) to 1.0 (strongly bullish). Respond with a JSON object {"score": <number>} and nothing else.`

	SystemResearch = `You are a global macro strategist preparing the weekly research pack for a trading council. You reason from macro regimes, positioning, and upcoming catalysts. Do not reference technical chart indicators. Output strict JSON only, no prose, no markdown fences.`

	SystemPMPitch = `You are a portfolio manager on a weekly macro trading council. You produce exactly one trade pitch per week from the research provided. You never justify a trade with technical indicators such as RSI, MACD, moving averages, or similar oscillators; theses rest on macro catalysts, flows, and positioning. Output strict JSON only.`

	SystemPeerReview = `You are a portfolio manager reviewing the anonymized pitches of your peers. Judge each pitch on its own terms; be specific and adversarial where warranted. Output strict JSON only.`

	SystemChairman = `You are the chairman of a macro trading council. You weigh every pitch and its peer reviews, then commit the council account to a single trade (or to staying flat). Output strict JSON only.`
)

func mustJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// SentimentScore asks for one [-1,1] score for one news item.
func SentimentScore(instrument domain.Instrument, headline, snippet string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Instrument: %s\n", instrument)
	fmt.Fprintf(&sb, "Headline: %s\n", headline)
	if snippet != "" {
		fmt.Fprintf(&sb, "Snippet: %s\n", snippet)
	}
	sb.WriteString("\nScore the sentiment of this item for the instrument. Respond with {\"score\": <number between -1 and 1>} only.")
	return sb.String()
}

// Research builds the research-pack prompt for one source.
func Research(weekID domain.WeekID, userQuery string, universe []domain.Instrument, sentiment *domain.MarketSentiment) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Week: %s\n\n", weekID)
	if userQuery != "" {
		fmt.Fprintf(&sb, "Research focus from the desk: %s\n\n", userQuery)
	}
	fmt.Fprintf(&sb, "Tradable universe (closed set): %s\n\n", joinInstruments(universe))
	if sentiment != nil && !sentiment.Degraded {
		sb.WriteString("Aggregated news sentiment this week:\n")
		sb.WriteString(mustJSON(sentiment))
		sb.WriteString("\n\n")
	}
	sb.WriteString(`Produce the weekly research pack as a single JSON object:
{
  "natural_language": "<two-paragraph summary>",
  "macro_regime": "<one-line regime label>",
  "top_narratives": ["<narrative>", ...],
  "tradable_candidates": ["<ticker from the universe>", ...],
  "event_calendar": [{"date": "YYYY-MM-DD", "event": "<name>"}, ...],
  "confidence_notes": "<what would change your mind>",
  "status": "complete"
}
Candidates must come from the universe above. Return only the JSON object.`)
	return sb.String()
}

// PMPitch builds one PM model's pitch prompt.
func PMPitch(weekID domain.WeekID, packs map[string]domain.ResearchPack, sentiment *domain.MarketSentiment, universe []domain.Instrument, profiles map[string]domain.RiskParams) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Week: %s\n\n", weekID)
	sb.WriteString("Research packs:\n")
	for source, pack := range packs {
		fmt.Fprintf(&sb, "--- source: %s ---\n%s\n", source, mustJSON(pack))
	}
	if sentiment != nil && !sentiment.Degraded {
		sb.WriteString("\nNews sentiment:\n")
		sb.WriteString(mustJSON(sentiment))
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "\nTradable universe (closed set): %s\n", joinInstruments(universe))
	sb.WriteString("\nRisk profiles (stop_loss_pct / take_profit_pct):\n")
	sb.WriteString(mustJSON(profiles))
	sb.WriteString(`

Produce exactly ONE trade pitch as a single JSON object (not an array):
{
  "instrument": "<ticker from the universe>",
  "direction": "LONG" | "SHORT" | "FLAT",
  "horizon": "<e.g. 1 week>",
  "conviction": <number in [-2, 2]; 0 if FLAT>,
  "thesis_bullets": ["<bullet>", ... up to 5],
  "risk_profile": "TIGHT" | "BASE" | "WIDE",
  "entry_policy": {"mode": "MOO" | "limit", "limit_price": <number or null>},
  "exit_policy": {
    "time_stop_days": 7,
    "stop_loss_pct": <the chosen profile's stop_loss_pct>,
    "take_profit_pct": <the chosen profile's take_profit_pct>,
    "exit_before_events": ["NFP" | "CPI" | "FOMC", ...]
  },
  "risk_notes": "<what kills this trade>"
}
Return only the JSON object.`)
	return sb.String()
}

// PeerReview builds one reviewer's prompt over the n-1 pitches that are
// not its own. The reviewer never sees author identities.
func PeerReview(weekID domain.WeekID, targets []domain.AnonymizedPitch) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Week: %s\n\n", weekID)
	fmt.Fprintf(&sb, "Review the following %d anonymized pitches:\n\n", len(targets))
	for _, pitch := range targets {
		fmt.Fprintf(&sb, "--- %s ---\n%s\n\n", pitch.Label, mustJSON(pitch))
	}
	fmt.Fprintf(&sb, `Return a JSON ARRAY with exactly %d review objects, one per pitch label above:
[
  {
    "target_label": "<label exactly as shown, e.g. Pitch A>",
    "scores": {
      "clarity": <1-10>,
      "edge_plausibility": <1-10>,
      "timing_catalyst": <1-10>,
      "risk_definition": <1-10>,
      "indicator_integrity": <1-10>,
      "originality": <1-10>,
      "tradeability": <1-10>
    },
    "best_argument_against": "<strongest case against this pitch>",
    "one_flip_condition": "<single observable that would flip your view>",
    "suggested_fix": "<one concrete improvement>"
  },
  ...
]
All scores are integers. Return only the JSON array.`, len(targets))
	return sb.String()
}

// ReviewDigest is the per-pitch review summary fed to the chairman.
type ReviewDigest struct {
	Label                string   `json:"label"`
	MeanScore            float64  `json:"mean_score"`
	BestArgumentsAgainst []string `json:"best_arguments_against"`
}

// Chairman builds the synthesis prompt from the full pitch set and the
// aggregated reviews.
func Chairman(weekID domain.WeekID, pitches []domain.AnonymizedPitch, digests []ReviewDigest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Week: %s\n\n", weekID)
	sb.WriteString("Council pitches:\n")
	for _, pitch := range pitches {
		fmt.Fprintf(&sb, "--- %s ---\n%s\n\n", pitch.Label, mustJSON(pitch))
	}
	sb.WriteString("Peer review digests:\n")
	sb.WriteString(mustJSON(digests))
	sb.WriteString(`

Synthesize the council's single decision as one JSON object:
{
  "selected_trade": {
    "instrument": "<ticker>",
    "direction": "LONG" | "SHORT" | "FLAT",
    "horizon": "<e.g. 1 week>",
    "risk_profile": "TIGHT" | "BASE" | "WIDE"
  },
  "conviction": <number in [-2, 2]; 0 if FLAT>,
  "rationale": "<why this trade won>",
  "dissent_summary": ["<credible objection you are overruling>", ...],
  "monitoring_plan": "<what to watch during the week>"
}
Return only the JSON object.`)
	return sb.String()
}

func joinInstruments(universe []domain.Instrument) string {
	parts := make([]string, len(universe))
	for i, inst := range universe {
		parts[i] = string(inst)
	}
	return strings.Join(parts, ", ")
}
