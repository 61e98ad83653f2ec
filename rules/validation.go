package rules

import (
	"strings"
)

const (
	maxRulesPerGroup = 100
	maxNameLength    = 200
)

// Validate checks a rule group input against the catalog and returns the
// rules with their values normalized. Every problem is reported as an
// *InvalidRuleError; nothing is written by this function.
func Validate(in RuleGroupInput, catalog *Catalog) ([]Rule, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, groupError("name is required")
	}
	if len(name) > maxNameLength {
		return nil, groupError("name length %d exceeds maximum of %d characters", len(name), maxNameLength)
	}
	if err := validateIdentifier(in.Action); err != nil {
		return nil, groupError("invalid action %q: %v", in.Action, err)
	}
	if in.ID < 0 {
		return nil, groupError("id must not be negative")
	}

	if len(in.Rules) > maxRulesPerGroup {
		return nil, groupError("group contains %d rules, maximum allowed is %d", len(in.Rules), maxRulesPerGroup)
	}

	wantJoins := len(in.Rules) - 1
	if wantJoins < 0 {
		wantJoins = 0
	}
	if len(in.Joins) != wantJoins {
		return nil, groupError("%d rules need %d joins, got %d", len(in.Rules), wantJoins, len(in.Joins))
	}
	for i, j := range in.Joins {
		if j != JoinAnd && j != JoinOr {
			return nil, groupError("join %d must be AND or OR, got %q", i, j)
		}
	}

	normalized := make([]Rule, len(in.Rules))
	for i, r := range in.Rules {
		rc, ok := catalog.Lookup(r.Field)
		if !ok {
			return nil, ruleError(i, r.Field, "unknown field")
		}
		if !rc.Allows(r.Operator) {
			return nil, ruleError(i, r.Field, "operator %q is not allowed for %s fields", r.Operator, rc.Type)
		}
		v, err := normalizeRuleValue(rc, r.Operator, r.Value)
		if err != nil {
			return nil, ruleError(i, r.Field, "%v", err)
		}
		r.Value = v
		normalized[i] = r
	}
	return normalized, nil
}

// normalizeJoins upper-cases join names so "and"/"or" are accepted
func normalizeJoins(joins []Join) []Join {
	out := make([]Join, len(joins))
	for i, j := range joins {
		out[i] = Join(strings.ToUpper(strings.TrimSpace(string(j))))
	}
	return out
}
