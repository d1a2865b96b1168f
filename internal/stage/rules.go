package stage

import (
	"fmt"
	"strings"

	"github.com/sells-group/shadow-cli/internal/model"
)

// Rules are the structural and quality thresholds shared by the stages.
type Rules struct {
	MinWords         int
	MinMapEntries    int
	QualityThreshold float64
	// VetoLogicMax forces a veto when the logic sub-score is at or below it.
	VetoLogicMax float64
}

// DefaultRules returns the standard thresholds.
func DefaultRules() Rules {
	return Rules{MinWords: 8, MinMapEntries: 2, QualityThreshold: 6, VetoLogicMax: 0}
}

func (r Rules) withDefaults() Rules {
	d := DefaultRules()
	if r.MinWords <= 0 {
		r.MinWords = d.MinWords
	}
	if r.MinMapEntries <= 0 {
		r.MinMapEntries = d.MinMapEntries
	}
	if r.QualityThreshold <= 0 {
		r.QualityThreshold = d.QualityThreshold
	}
	return r
}

// Passes decides quality from the sub-scores alone: a veto always fails,
// otherwise the aggregate must reach the threshold.
func (r Rules) Passes(a model.Assessment) bool {
	return !a.Veto && a.Score >= r.QualityThreshold
}

// Problems lists every structural check d fails. Nothing is repaired.
func (r Rules) Problems(d model.Draft) []string {
	var out []string
	if n := wordCount(d.Original); n < r.MinWords {
		out = append(out, fmt.Sprintf("original has %d words, need %d", n, r.MinWords))
	}
	if n := wordCount(d.Imitation); n < r.MinWords {
		out = append(out, fmt.Sprintf("imitation has %d words, need %d", n, r.MinWords))
	}
	if strings.TrimSpace(d.Paragraph) == "" {
		out = append(out, "paragraph is empty")
	}
	if len(d.Map) < r.MinMapEntries {
		out = append(out, fmt.Sprintf("map has %d entries, need %d", len(d.Map), r.MinMapEntries))
	}
	for _, k := range d.Map.Keys() {
		if strings.TrimSpace(k) == "" {
			out = append(out, "map has a blank key")
			continue
		}
		if len(d.Map[k]) == 0 {
			out = append(out, fmt.Sprintf("map entry %q has no alternatives", k))
		}
	}
	return out
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}
