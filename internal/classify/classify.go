// Package classify labels records whose source row carried no payload type.
package classify

import (
	"strings"

	"commaudit/internal/model"
)

// Rule maps any of its needles, found in the lower-cased file or endpoint,
// to a payload type.
type Rule struct {
	Type    string
	Needles []string
}

// DefaultRules is evaluated top to bottom; the first rule with a matching
// needle wins even when a later rule would also match.
var DefaultRules = []Rule{
	{Type: model.TypeConfig, Needles: []string{"cc.json"}},
	{Type: model.TypePubKey, Needles: []string{"public"}},
	{Type: model.TypeReKey, Needles: []string{"rekey", "re-key"}},
	{Type: model.TypeWeights, Needles: []string{"weight", "aggreg", "domainchange", "domain_change"}},
}

// Classify infers a payload type from file and endpoint. It returns
// model.TypeUnknown when no rule matches.
func Classify(file, endpoint string, rules []Rule) string {
	f := strings.ToLower(file)
	e := strings.ToLower(endpoint)
	for _, rule := range rules {
		for _, needle := range rule.Needles {
			if strings.Contains(f, needle) || strings.Contains(e, needle) {
				return rule.Type
			}
		}
	}
	return model.TypeUnknown
}

// TypeOf returns the record's explicit type, or the inferred one when empty.
func TypeOf(r model.Record, rules []Rule) string {
	if t := strings.TrimSpace(r.Type); t != "" {
		return t
	}
	return Classify(r.File, r.Endpoint, rules)
}

// Apply returns a copy of records with every Type filled in.
func Apply(records []model.Record, rules []Rule) []model.Record {
	out := make([]model.Record, len(records))
	for i, r := range records {
		r.Type = TypeOf(r, rules)
		out[i] = r
	}
	return out
}
