package rules

import "time"

// ValueType is the declared type of a catalog field
type ValueType string

const (
	TypeNumber   ValueType = "number"
	TypeDate     ValueType = "date"
	TypeText     ValueType = "text"
	TypeTextList ValueType = "text_list"
	TypeBool     ValueType = "bool"
)

// Operator compares an item field against a rule value
type Operator string

const (
	OpEquals      Operator = "eq"
	OpNotEquals   Operator = "neq"
	OpGreater     Operator = "gt"
	OpGreaterEq   Operator = "gte"
	OpLess        Operator = "lt"
	OpLessEq      Operator = "lte"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpBeginsWith  Operator = "begins_with"
	OpEndsWith    Operator = "ends_with"
	OpIn          Operator = "in"
	OpContainsAny Operator = "contains_any"
	OpContainsAll Operator = "contains_all"
	OpInLastDays  Operator = "in_last_days"
	OpInNextDays  Operator = "in_next_days"
)

// Join connects two adjacent rules of a group
type Join string

const (
	JoinAnd Join = "AND"
	JoinOr  Join = "OR"
)

// RuleConstant describes one field items can be matched on
type RuleConstant struct {
	Key             string     `json:"key"`
	Name            string     `json:"name"`
	Application     string     `json:"application"`
	Type            ValueType  `json:"type"`
	Operators       []Operator `json:"operators"`
	CaseInsensitive bool       `json:"caseInsensitive,omitempty"`
}

// Allows reports whether op is permitted for this field
func (c RuleConstant) Allows(op Operator) bool {
	return containsOperator(c.Operators, op)
}

// Rule is a single condition of a rule group.
// Value holds a float64, time.Time, string, []string or bool once the
// rule has been validated against the catalog.
type Rule struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
	Negate   bool     `json:"negate,omitempty"`
}

// RuleGroup is a named, ordered set of rules and the action taken when
// the rules match an item. Joins[i] combines the result so far with
// Rules[i+1].
type RuleGroup struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Action      string    `json:"action"`
	LibraryID   string    `json:"libraryId,omitempty"`
	Enabled     bool      `json:"enabled"`
	Rules       []Rule    `json:"rules"`
	Joins       []Join    `json:"joins"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// RuleGroupInput is the payload accepted by Service.Upsert.
// An ID of zero creates a new group.
type RuleGroupInput struct {
	ID          int64  `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Action      string `json:"action"`
	LibraryID   string `json:"libraryId,omitempty"`
	Enabled     bool   `json:"enabled"`
	Rules       []Rule `json:"rules"`
	Joins       []Join `json:"joins"`
}

// Item is a metadata snapshot of one library item
type Item struct {
	ID        string         `json:"id"`
	Title     string         `json:"title,omitempty"`
	LibraryID string         `json:"libraryId,omitempty"`
	Fields    map[string]any `json:"fields"`
}

// Clone returns a deep copy of the group so callers cannot mutate
// rules owned by the store
func (g RuleGroup) Clone() RuleGroup {
	out := g
	out.Rules = make([]Rule, len(g.Rules))
	for i, r := range g.Rules {
		if list, ok := r.Value.([]string); ok {
			r.Value = append([]string(nil), list...)
		}
		out.Rules[i] = r
	}
	out.Joins = append(make([]Join, 0, len(g.Joins)), g.Joins...)
	return out
}

func cloneGroups(groups []RuleGroup) []RuleGroup {
	out := make([]RuleGroup, len(groups))
	for i, g := range groups {
		out[i] = g.Clone()
	}
	return out
}
