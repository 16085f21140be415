// Package stages implements the weekly pipeline stages: sentiment,
// research, pitch, peer review, chairman synthesis, and execution.
package stages

import (
	"sort"

	"tradecouncil/internal/domain"
)

// Label returns the anonymized label for ordinal n: "Pitch A" through
// "Pitch Z", then "Pitch AA" and so on.
func Label(n int) string {
	s := ""
	n++
	for n > 0 {
		n--
		s = string(rune('A'+n%26)) + s
		n /= 26
	}
	return "Pitch " + s
}

// Anonymize strips authorship from pitches and assigns labels in
// pitch_id order, returning the anonymized set and the label → pitch_id
// bijection. The map stays in-process; it is never serialized into a
// prompt or an event.
func Anonymize(pitches []domain.PMPitch) ([]domain.AnonymizedPitch, map[string]string) {
	ordered := make([]domain.PMPitch, len(pitches))
	copy(ordered, pitches)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].PitchID < ordered[j].PitchID })

	anon := make([]domain.AnonymizedPitch, len(ordered))
	labelMap := make(map[string]string, len(ordered))
	for i, p := range ordered {
		label := Label(i)
		anon[i] = domain.AnonymizedPitch{
			Label:         label,
			Instrument:    p.Instrument,
			Direction:     p.Direction,
			Horizon:       p.Horizon,
			Conviction:    p.Conviction,
			ThesisBullets: p.ThesisBullets,
			RiskProfile:   p.RiskProfile,
			EntryPolicy:   p.EntryPolicy,
			ExitPolicy:    p.ExitPolicy,
			RiskNotes:     p.RiskNotes,
		}
		labelMap[label] = p.PitchID
	}
	return anon, labelMap
}

// Deanonymize resolves a label back to its pitch within the given set.
func Deanonymize(label string, labelMap map[string]string, pitches []domain.PMPitch) (domain.PMPitch, bool) {
	pitchID, ok := labelMap[label]
	if !ok {
		return domain.PMPitch{}, false
	}
	for _, p := range pitches {
		if p.PitchID == pitchID {
			return p, true
		}
	}
	return domain.PMPitch{}, false
}
