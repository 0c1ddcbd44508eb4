// Package trigger implements the Trigger Detector (spec.md §4.6): a pure,
// synchronous scan of a user utterance against static phrase patterns,
// per-task custom patterns, and a title-token-overlap heuristic, producing
// TriggerMatch candidates sorted by confidence. It has no side effects and
// performs no state mutation.
package trigger

import (
	"sort"
	"strings"

	"ctm/internal/ctm/model"
)

// Type is a closed enumeration of trigger kinds (§4.6).
type Type string

const (
	TypeSwitch   Type = "switch"
	TypeComplete Type = "complete"
	TypeEscalate Type = "escalate"
	TypePark     Type = "park"
	TypeDrift    Type = "drift"
)

// Match is one candidate trigger (§4.6 "TriggerMatch").
type Match struct {
	Type         Type
	TargetTaskID string
	MatchedText  string
	Confidence   float64
}

// MinConfidence is the floor below which a candidate is dropped entirely
// (§4.6: "returns only matches with confidence ≥ 0.3").
const MinConfidence = 0.3

// staticPattern pairs a phrase with the trigger type it implies and a base
// confidence reflecting how anchored/specific the phrase is.
type staticPattern struct {
	phrase     string
	typ Type
	confidence float64
}

// patterns are the built-in phrase patterns (§4.6 examples).
var patterns = []staticPattern{
	{"done with", TypeComplete, 0.75},
	{"finished with", TypeComplete, 0.75},
	{"finish this", TypeComplete, 0.75},
	{"that's complete", TypeComplete, 0.8},
	{"mark this complete", TypeComplete, 0.85},

	{"urgent", TypeEscalate, 0.7},
	{"asap", TypeEscalate, 0.75},
	{"as soon as possible", TypeEscalate, 0.8},
	{"critical", TypeEscalate, 0.65},
	{"blocking everything", TypeEscalate, 0.75},

	{"let's work on", TypeSwitch, 0.7},
	{"switch to", TypeSwitch, 0.8},
	{"switch back to", TypeSwitch, 0.8},
	{"let's switch", TypeSwitch, 0.75},
	{"go back to", TypeSwitch, 0.65},

	{"by the way", TypeDrift, 0.6},
	{"tangent", TypeDrift, 0.7},
	{"off topic", TypeDrift, 0.65},
	{"side note", TypeDrift, 0.6},

	{"park this", TypePark, 0.75},
	{"put this on hold", TypePark, 0.75},
	{"pause this", TypePark, 0.75},
	{"come back to this later", TypePark, 0.7},
}

// Detect scans utterance against the static patterns, each task's custom
// triggers, and the title-overlap heuristic over candidates, returning
// matches with confidence ≥ MinConfidence sorted descending.
func Detect(utterance string, candidates []*model.Task) []Match {
	lower := strings.ToLower(utterance)
	var matches []Match

	for _, p := range patterns {
		if strings.Contains(lower, p.phrase) {
			conf := p.confidence
			if lower == p.phrase {
				conf += 0.1 // exact phrase match bonus
			}
			matches = append(matches, Match{
				Type:        p.typ,
				MatchedText: p.phrase,
				Confidence:  clamp01(conf),
			})
		}
	}

	for _, task := range candidates {
		if task.State.Status.IsTerminal() {
			continue
		}
		for _, custom := range task.Triggers {
			c := strings.ToLower(strings.TrimSpace(custom))
			if c == "" {
				continue
			}
			if strings.Contains(lower, c) {
				conf := 0.6 + 0.1*float64(len(strings.Fields(c)))
				if lower == c {
					conf += 0.1
				}
				matches = append(matches, Match{
					Type:         TypeSwitch,
					TargetTaskID: task.ID,
					MatchedText:  custom,
					Confidence:   clamp01(conf),
				})
			}
		}
	}

	tokens := tokenize(lower)
	for _, task := range candidates {
		if task.State.Status.IsTerminal() {
			continue
		}
		titleTokens := tokenize(strings.ToLower(task.Title))
		overlap := 0
		for _, tt := range titleTokens {
			for _, ut := range tokens {
				if tt == ut {
					overlap++
					break
				}
			}
		}
		if overlap >= 2 {
			matches = append(matches, Match{
				Type:         TypeSwitch,
				TargetTaskID: task.ID,
				MatchedText:  task.Title,
				Confidence:   0.3 + 0.05*float64(overlap),
			})
		}
	}

	out := matches[:0]
	for _, m := range matches {
		if m.Confidence >= MinConfidence {
			out = append(out, m)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Confidence > out[j].Confidence
	})
	return out
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) >= 3 { // drop short stopword-ish tokens (§4.6 "title heuristic")
			out = append(out, f)
		}
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
