package types

import (
	"fmt"
	"strings"
)

// MatchType classifies the strength and kind of an entity-to-entity
// relationship.
type MatchType string

const (
	AmbiguousMatch    MatchType = "AMBIGUOUS_MATCH"
	PossibleMatch     MatchType = "POSSIBLE_MATCH"
	PossibleRelation  MatchType = "POSSIBLE_RELATION"
	DisclosedRelation MatchType = "DISCLOSED_RELATION"
)

// IsValid reports whether mt is one of the defined match types.
func (mt MatchType) IsValid() bool {
	switch mt {
	case AmbiguousMatch, PossibleMatch, PossibleRelation, DisclosedRelation:
		return true
	}
	return false
}

// Statistic returns the report statistic base tag counting relationships
// of this match type (e.g. POSSIBLE_MATCH -> POSSIBLE_MATCH_COUNT).
func (mt MatchType) Statistic() string {
	return string(mt) + "_COUNT"
}

// ParseMatchType parses the text form of a match type.
func ParseMatchType(s string) (MatchType, error) {
	mt := MatchType(strings.ToUpper(strings.TrimSpace(s)))
	if !mt.IsValid() {
		return "", fmt.Errorf("invalid match type: %q", s)
	}
	return mt, nil
}

// DetectMatchType derives the match type from the ER engine's
// relationship flags. The ambiguous flag wins over disclosed, which
// wins over the match level; level 2 means possible match, anything
// else is a possible relation.
func DetectMatchType(isAmbiguous, isDisclosed bool, matchLevel int) MatchType {
	switch {
	case isAmbiguous:
		return AmbiguousMatch
	case isDisclosed:
		return DisclosedRelation
	case matchLevel == 2:
		return PossibleMatch
	default:
		return PossibleRelation
	}
}

// ReverseMatchKey normalizes a composite match key so that the two
// endpoints of a relationship agree on a single filterable form.
// Match keys are "+"-joined feature tokens with no canonical order
// ("ADDRESS+PHONE" vs "PHONE+ADDRESS"); the reverse form sorts the
// tokens. Tokens carrying a leading "-" (negative features) keep it.
func ReverseMatchKey(matchKey string) string {
	if matchKey == "" {
		return ""
	}
	tokens := strings.Split(matchKey, "+")
	sorted := make([]string, 0, len(tokens))
	for _, t := range tokens {
		t = strings.TrimSpace(t)
		if t != "" {
			sorted = append(sorted, t)
		}
	}
	if len(sorted) == 0 {
		return ""
	}
	// Stable order independent of which endpoint reported the key.
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j] < sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	return strings.Join(sorted, "+")
}
