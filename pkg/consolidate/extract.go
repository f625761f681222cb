package consolidate

import (
	"strings"
	"unicode"

	"github.com/modernmethod/ethos/pkg/store"
)

// decisionPhrases, preferencePhrases, and markerPhrases are the literal
// pattern tables from spec.md §4.4 steps 2-3.
var (
	decisionPhrases   = []string{"decided", "let's go with", "the plan is", "we'll use", "going with"}
	preferencePhrases = []string{"prefer", "love", "hate", "always", "never", "favorite"}
	markerPhrases     = []string{"remember this", "note that", "important:"}
)

// extraction is one rule-based fact extraction result (spec.md §4.4 step
// 3).
type extraction struct {
	kind                        store.FactKind
	confidence                  float64
	subject, predicate, object string
}

// extract applies the first-match-wins rule table to ep's content. Returns
// ok=false for the "otherwise" row: no rule matched, the episode stays
// unconsolidated.
func extract(ep store.EpisodicTrace) (*extraction, bool) {
	lower := strings.ToLower(ep.Content)

	if phrase, ok := firstMatch(lower, decisionPhrases); ok {
		s, p, o := deriveTriple(ep, phrase, "decided")
		return &extraction{store.FactKindDecision, 0.90, s, p, o}, true
	}
	if phrase, ok := firstMatch(lower, preferencePhrases); ok {
		s, p, o := deriveTriple(ep, phrase, "prefers")
		return &extraction{store.FactKindPreference, 0.80, s, p, o}, true
	}
	if phrase, ok := firstMatch(lower, markerPhrases); ok {
		s, p, o := deriveTriple(ep, phrase, "noted")
		return &extraction{store.FactKindFact, 0.85, s, p, o}, true
	}
	if ep.Importance >= 0.8 {
		s, p, o := deriveTriple(ep, "", "stated")
		return &extraction{store.FactKindFact, 0.70, s, p, o}, true
	}
	return nil, false
}

// firstMatch returns the first phrase (in table order) that occurs in
// lowerContent.
func firstMatch(lowerContent string, phrases []string) (string, bool) {
	for _, p := range phrases {
		if strings.Contains(lowerContent, p) {
			return p, true
		}
	}
	return "", false
}

// deriveTriple applies the simple noun-phrase heuristics spec.md §4.4 step 3
// calls for: the subject is the run of capitalized words immediately before
// the matched phrase (falling back to the turn's role), the predicate is a
// fixed verb naming the matched rule, and the object is the remainder of the
// sentence after the phrase.
func deriveTriple(ep store.EpisodicTrace, phrase, predicate string) (subject, pred, object string) {
	subject = subjectFromRole(ep.Role)
	object = strings.TrimSpace(ep.Content)

	if phrase != "" {
		idx := strings.Index(strings.ToLower(ep.Content), phrase)
		if idx >= 0 {
			if noun := leadingNounPhrase(ep.Content[:idx]); noun != "" {
				subject = noun
			}
			after := strings.TrimLeft(ep.Content[idx+len(phrase):], " :,-")
			if after != "" {
				object = strings.TrimSpace(after)
			}
		}
	}

	return subject, predicate, snippet(object, 240)
}

func subjectFromRole(r store.Role) string {
	switch r {
	case store.RoleUser:
		return "the user"
	case store.RoleAssistant:
		return "the assistant"
	default:
		return "the conversation"
	}
}

// leadingNounPhrase takes the trailing run of capitalized words immediately
// preceding the matched phrase as a naive subject guess, e.g. in "Alice
// decided to ship Friday" it returns "Alice".
func leadingNounPhrase(before string) string {
	fields := strings.Fields(before)
	var words []string
	for i := len(fields) - 1; i >= 0; i-- {
		w := strings.Trim(fields[i], ".,!?;:")
		if w == "" {
			break
		}
		r := []rune(w)
		if !unicode.IsUpper(r[0]) {
			break
		}
		words = append([]string{w}, words...)
	}
	return strings.Join(words, " ")
}
