// Package validate enforces the per-stage output contracts: schema
// shape, numeric ranges, enum membership, banned indicator keywords,
// and risk-profile coherence. Validators are pure functions; the LLM
// harness feeds their issue lists back into repair prompts verbatim.
package validate

import (
	"fmt"
	"strings"

	"tradecouncil/internal/domain"
)

// Issue is one validation finding. Code is stable and machine-readable;
// Message is what the repair prompt shows the model.
type Issue struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s", i.Field, i.Message)
}

// Issue codes.
const (
	CodeMissingField        = "missing_field"
	CodeOutOfRange          = "out_of_range"
	CodeEnumViolation       = "enum_violation"
	CodeBannedKeyword       = "banned_keyword"
	CodeRiskProfileMismatch = "risk_profile_mismatch"
	CodeFlatConviction      = "flat_conviction_mismatch"
	CodeUnknownInstrument   = "unknown_instrument"
)

// Format renders issues as the numbered list embedded in repair prompts.
func Format(issues []Issue) string {
	var sb strings.Builder
	for n, issue := range issues {
		fmt.Fprintf(&sb, "%d. %s\n", n+1, issue.String())
	}
	return sb.String()
}

// Rules holds the configured vocabulary the validators check against.
type Rules struct {
	Universe       map[domain.Instrument]bool
	RiskProfiles   map[domain.RiskProfile]domain.RiskParams
	BannedKeywords []string
}

// NewRules builds Rules from configuration slices.
func NewRules(universe []domain.Instrument, profiles map[string]domain.RiskParams, banned []string) *Rules {
	u := make(map[domain.Instrument]bool, len(universe))
	for _, inst := range universe {
		u[inst] = true
	}
	p := make(map[domain.RiskProfile]domain.RiskParams, len(profiles))
	for name, params := range profiles {
		p[domain.RiskProfile(name)] = params
	}
	return &Rules{Universe: u, RiskProfiles: p, BannedKeywords: banned}
}

// BannedKeywordIn returns the first banned keyword found in text,
// case-insensitively, or "".
func (r *Rules) BannedKeywordIn(text string) string {
	lower := strings.ToLower(text)
	for _, kw := range r.BannedKeywords {
		if strings.Contains(lower, kw) {
			return kw
		}
	}
	return ""
}

const floatTolerance = 1e-9

func nearlyEqual(a, b float64) bool {
	diff := a - b
	return diff < floatTolerance && diff > -floatTolerance
}

// PMPitch validates a pitch. An empty result means the pitch is
// acceptable for enrichment and persistence.
func (r *Rules) PMPitch(p domain.PMPitch) []Issue {
	var issues []Issue

	if p.Instrument == "" {
		issues = append(issues, Issue{"instrument", CodeMissingField, "instrument is required"})
	} else if !r.Universe[p.Instrument] {
		issues = append(issues, Issue{"instrument", CodeUnknownInstrument,
			fmt.Sprintf("instrument %q is outside the tradable universe", p.Instrument)})
	}

	switch p.Direction {
	case domain.Long, domain.Short, domain.Flat:
	case "":
		issues = append(issues, Issue{"direction", CodeMissingField, "direction is required"})
	default:
		issues = append(issues, Issue{"direction", CodeEnumViolation,
			fmt.Sprintf("direction %q is not one of LONG, SHORT, FLAT", p.Direction)})
	}

	if p.Conviction < -2 || p.Conviction > 2 {
		issues = append(issues, Issue{"conviction", CodeOutOfRange,
			fmt.Sprintf("conviction %.2f is outside [-2, 2]", p.Conviction)})
	}
	if p.Direction == domain.Flat && p.Conviction != 0 {
		issues = append(issues, Issue{"conviction", CodeFlatConviction,
			"FLAT direction requires conviction 0"})
	}

	if len(p.ThesisBullets) == 0 {
		issues = append(issues, Issue{"thesis_bullets", CodeMissingField, "at least one thesis bullet is required"})
	} else if len(p.ThesisBullets) > 5 {
		issues = append(issues, Issue{"thesis_bullets", CodeOutOfRange,
			fmt.Sprintf("%d thesis bullets exceed the maximum of 5", len(p.ThesisBullets))})
	}

	for _, bullet := range p.ThesisBullets {
		if kw := r.BannedKeywordIn(bullet); kw != "" {
			issues = append(issues, Issue{"thesis_bullets", CodeBannedKeyword,
				fmt.Sprintf("banned indicator keyword %q in thesis", kw)})
			break
		}
	}
	if kw := r.BannedKeywordIn(p.RiskNotes); kw != "" {
		issues = append(issues, Issue{"risk_notes", CodeBannedKeyword,
			fmt.Sprintf("banned indicator keyword %q in risk notes", kw)})
	}

	params, knownProfile := r.RiskProfiles[p.RiskProfile]
	if !knownProfile {
		issues = append(issues, Issue{"risk_profile", CodeEnumViolation,
			fmt.Sprintf("risk profile %q is not one of TIGHT, BASE, WIDE", p.RiskProfile)})
	} else {
		if p.ExitPolicy.StopLossPct == nil || !nearlyEqual(*p.ExitPolicy.StopLossPct, params.StopLossPct) {
			issues = append(issues, Issue{"exit_policy.stop_loss_pct", CodeRiskProfileMismatch,
				fmt.Sprintf("stop_loss_pct must equal %.4f for profile %s", params.StopLossPct, p.RiskProfile)})
		}
		if p.ExitPolicy.TakeProfitPct == nil || !nearlyEqual(*p.ExitPolicy.TakeProfitPct, params.TakeProfitPct) {
			issues = append(issues, Issue{"exit_policy.take_profit_pct", CodeRiskProfileMismatch,
				fmt.Sprintf("take_profit_pct must equal %.4f for profile %s", params.TakeProfitPct, p.RiskProfile)})
		}
	}

	if p.ExitPolicy.TimeStopDays != 7 {
		issues = append(issues, Issue{"exit_policy.time_stop_days", CodeOutOfRange,
			"time_stop_days must be 7"})
	}
	for _, event := range p.ExitPolicy.ExitBeforeEvents {
		if !knownMacroEvent(event) {
			issues = append(issues, Issue{"exit_policy.exit_before_events", CodeEnumViolation,
				fmt.Sprintf("unknown macro event %q (valid: NFP, CPI, FOMC)", event)})
		}
	}

	switch p.EntryPolicy.Mode {
	case domain.EntryMOO:
		if p.EntryPolicy.LimitPrice != nil {
			issues = append(issues, Issue{"entry_policy.limit_price", CodeOutOfRange,
				"limit_price must be null for MOO entries"})
		}
	case domain.EntryLimit:
		if p.EntryPolicy.LimitPrice == nil {
			issues = append(issues, Issue{"entry_policy.limit_price", CodeMissingField,
				"limit_price is required for limit entries"})
		} else if *p.EntryPolicy.LimitPrice <= 0 {
			issues = append(issues, Issue{"entry_policy.limit_price", CodeOutOfRange,
				"limit_price must be positive"})
		}
	case "":
		issues = append(issues, Issue{"entry_policy.mode", CodeMissingField, "entry mode is required"})
	default:
		issues = append(issues, Issue{"entry_policy.mode", CodeEnumViolation,
			fmt.Sprintf("entry mode %q is not one of MOO, limit", p.EntryPolicy.Mode)})
	}

	return issues
}

func knownMacroEvent(event string) bool {
	for _, known := range domain.KnownMacroEvents {
		if event == known {
			return true
		}
	}
	return false
}

// PeerReview validates one review object: all seven score dimensions
// present as integers in [1,10] and a target label.
func (r *Rules) PeerReview(review domain.PeerReview) []Issue {
	var issues []Issue

	if review.TargetLabel == "" {
		issues = append(issues, Issue{"target_label", CodeMissingField, "target_label is required"})
	}

	scores := []struct {
		name  string
		value int
	}{
		{"clarity", review.Scores.Clarity},
		{"edge_plausibility", review.Scores.EdgePlausibility},
		{"timing_catalyst", review.Scores.TimingCatalyst},
		{"risk_definition", review.Scores.RiskDefinition},
		{"indicator_integrity", review.Scores.IndicatorIntegrity},
		{"originality", review.Scores.Originality},
		{"tradeability", review.Scores.Tradeability},
	}
	for _, score := range scores {
		if score.value == 0 {
			issues = append(issues, Issue{"scores." + score.name, CodeMissingField,
				fmt.Sprintf("score %s is missing", score.name)})
		} else if score.value < 1 || score.value > 10 {
			issues = append(issues, Issue{"scores." + score.name, CodeOutOfRange,
				fmt.Sprintf("score %s = %d is outside [1, 10]", score.name, score.value)})
		}
	}

	if review.BestArgumentAgainst == "" {
		issues = append(issues, Issue{"best_argument_against", CodeMissingField,
			"best_argument_against is required"})
	}

	return issues
}

// ChairmanDecision validates the council synthesis.
func (r *Rules) ChairmanDecision(d domain.ChairmanDecision) []Issue {
	var issues []Issue

	if d.SelectedTrade.Instrument == "" {
		issues = append(issues, Issue{"selected_trade.instrument", CodeMissingField, "instrument is required"})
	} else if !r.Universe[d.SelectedTrade.Instrument] {
		issues = append(issues, Issue{"selected_trade.instrument", CodeUnknownInstrument,
			fmt.Sprintf("instrument %q is outside the tradable universe", d.SelectedTrade.Instrument)})
	}

	switch d.SelectedTrade.Direction {
	case domain.Long, domain.Short, domain.Flat:
	case "":
		issues = append(issues, Issue{"selected_trade.direction", CodeMissingField, "direction is required"})
	default:
		issues = append(issues, Issue{"selected_trade.direction", CodeEnumViolation,
			fmt.Sprintf("direction %q is not one of LONG, SHORT, FLAT", d.SelectedTrade.Direction)})
	}

	if _, ok := r.RiskProfiles[d.SelectedTrade.RiskProfile]; !ok {
		issues = append(issues, Issue{"selected_trade.risk_profile", CodeEnumViolation,
			fmt.Sprintf("risk profile %q is not one of TIGHT, BASE, WIDE", d.SelectedTrade.RiskProfile)})
	}

	if d.Conviction < -2 || d.Conviction > 2 {
		issues = append(issues, Issue{"conviction", CodeOutOfRange,
			fmt.Sprintf("conviction %.2f is outside [-2, 2]", d.Conviction)})
	}
	if d.SelectedTrade.Direction == domain.Flat && d.Conviction != 0 {
		issues = append(issues, Issue{"conviction", CodeFlatConviction,
			"FLAT direction requires conviction 0"})
	}

	if d.Rationale == "" {
		issues = append(issues, Issue{"rationale", CodeMissingField, "rationale is required"})
	}

	return issues
}

// ResearchPack validates one research source's output.
func (r *Rules) ResearchPack(pack domain.ResearchPack) []Issue {
	var issues []Issue

	if pack.MacroRegime == "" {
		issues = append(issues, Issue{"macro_regime", CodeMissingField, "macro_regime is required"})
	}
	switch pack.Status {
	case domain.ResearchComplete, domain.ResearchError:
	case "":
		issues = append(issues, Issue{"status", CodeMissingField, "status is required"})
	default:
		issues = append(issues, Issue{"status", CodeEnumViolation,
			fmt.Sprintf("status %q is not one of complete, error", pack.Status)})
	}
	if len(pack.TradableCandidates) == 0 {
		issues = append(issues, Issue{"tradable_candidates", CodeMissingField,
			"at least one tradable candidate is required"})
	}
	for _, candidate := range pack.TradableCandidates {
		if !r.Universe[candidate] {
			issues = append(issues, Issue{"tradable_candidates", CodeUnknownInstrument,
				fmt.Sprintf("candidate %q is outside the tradable universe", candidate)})
		}
	}

	return issues
}
