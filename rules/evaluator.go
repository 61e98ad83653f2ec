package rules

import (
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	"golang.org/x/text/cases"
)

// operatorExpressions maps each (type, operator) pair to the CEL
// expression that implements it. lhs is the item value, rhs the rule
// value, window the day span of the *_days operators.
var operatorExpressions = map[ValueType]map[Operator]string{
	TypeNumber: {
		OpEquals:    `lhs == rhs`,
		OpNotEquals: `lhs != rhs`,
		OpGreater:   `lhs > rhs`,
		OpGreaterEq: `lhs >= rhs`,
		OpLess:      `lhs < rhs`,
		OpLessEq:    `lhs <= rhs`,
	},
	TypeDate: {
		OpEquals:     `lhs == rhs`,
		OpNotEquals:  `lhs != rhs`,
		OpGreater:    `lhs > rhs`,
		OpGreaterEq:  `lhs >= rhs`,
		OpLess:       `lhs < rhs`,
		OpLessEq:     `lhs <= rhs`,
		OpInLastDays: `lhs >= now - window && lhs <= now`,
		OpInNextDays: `lhs >= now && lhs <= now + window`,
	},
	TypeText: {
		OpEquals:      `lhs == rhs`,
		OpNotEquals:   `lhs != rhs`,
		OpContains:    `lhs.contains(rhs)`,
		OpNotContains: `!lhs.contains(rhs)`,
		OpBeginsWith:  `lhs.startsWith(rhs)`,
		OpEndsWith:    `lhs.endsWith(rhs)`,
		OpIn:          `lhs in rhs`,
	},
	TypeTextList: {
		OpContains:    `rhs in lhs`,
		OpNotContains: `!(rhs in lhs)`,
		OpContainsAny: `lhs.exists(x, x in rhs)`,
		OpContainsAll: `rhs.all(x, x in lhs)`,
	},
	TypeBool: {
		OpEquals:    `lhs == rhs`,
		OpNotEquals: `lhs != rhs`,
	},
}

type programKey struct {
	valueType ValueType
	op        Operator
}

// Evaluator scores a single rule against an item snapshot.
// Programs are compiled once in NewEvaluator and only read afterwards,
// so Evaluate is safe for concurrent use.
type Evaluator struct {
	catalog  *Catalog
	env      *cel.Env
	programs map[programKey]cel.Program
	now      func() time.Time
}

// EvaluatorOption configures an Evaluator
type EvaluatorOption func(*Evaluator)

// WithClock overrides the clock used by the in_last_days/in_next_days operators
func WithClock(now func() time.Time) EvaluatorOption {
	return func(e *Evaluator) { e.now = now }
}

// NewEvaluator compiles the operator table against a CEL environment
func NewEvaluator(catalog *Catalog, opts ...EvaluatorOption) (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("lhs", cel.DynType),
		cel.Variable("rhs", cel.DynType),
		cel.Variable("now", cel.TimestampType),
		cel.Variable("window", cel.DurationType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &Evaluator{
		catalog:  catalog,
		env:      env,
		programs: make(map[programKey]cel.Program),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	for valueType, ops := range operatorExpressions {
		for op, expr := range ops {
			if err := e.compile(programKey{valueType, op}, expr); err != nil {
				return nil, fmt.Errorf("failed to compile %s %s: %w", valueType, op, err)
			}
		}
	}
	return e, nil
}

func (e *Evaluator) compile(key programKey, expression string) error {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("compile error: %w", issues.Err())
	}

	// the operator table is fixed, the limit only guards oversized list values
	prog, err := e.env.Program(ast, cel.CostLimit(1000000))
	if err != nil {
		return fmt.Errorf("program creation error: %w", err)
	}
	e.programs[key] = prog
	return nil
}

// Evaluate applies rule to item. A missing or unreadable field yields
// false together with a *FieldMissingError or *FieldTypeError; negation
// is not applied in that case.
func (e *Evaluator) Evaluate(rule Rule, item Item) (bool, error) {
	rc, ok := e.catalog.Lookup(rule.Field)
	if !ok {
		return false, fmt.Errorf("unknown field %q", rule.Field)
	}

	raw, ok := item.Fields[rule.Field]
	if !ok || raw == nil {
		return false, &FieldMissingError{Field: rule.Field, ItemID: item.ID}
	}
	lhs, err := coerceItemValue(rc.Type, raw)
	if err != nil {
		return false, &FieldTypeError{Field: rule.Field, ItemID: item.ID, Want: rc.Type, Value: raw}
	}

	rhs, err := ruleValue(rc, rule.Operator, rule.Value)
	if err != nil {
		return false, fmt.Errorf("rule on %q: %w", rule.Field, err)
	}

	prog, ok := e.programs[programKey{rc.Type, rule.Operator}]
	if !ok {
		return false, fmt.Errorf("operator %q is not supported for %s fields", rule.Operator, rc.Type)
	}

	var window time.Duration
	if days, isDays := rhs.(float64); isDays && (rule.Operator == OpInLastDays || rule.Operator == OpInNextDays) {
		window = time.Duration(days * float64(24*time.Hour))
	}
	if rc.CaseInsensitive {
		lhs, rhs = fold(lhs), fold(rhs)
	}

	out, _, err := prog.Eval(map[string]any{
		"lhs":    lhs,
		"rhs":    rhs,
		"now":    e.now().UTC(),
		"window": window,
	})
	if err != nil {
		return false, fmt.Errorf("evaluating %s %s: %w", rule.Field, rule.Operator, err)
	}

	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("evaluating %s %s: non-boolean result %v", rule.Field, rule.Operator, out.Value())
	}
	return matched != rule.Negate, nil
}

// ruleValue returns the rule value as stored when it already has the
// type Validate produces, and normalizes it otherwise
func ruleValue(rc RuleConstant, op Operator, v any) (any, error) {
	var ok bool
	switch {
	case op == OpInLastDays || op == OpInNextDays:
		_, ok = v.(float64)
	case rc.Type == TypeText && op == OpIn,
		rc.Type == TypeTextList && (op == OpContainsAny || op == OpContainsAll):
		_, ok = v.([]string)
	case rc.Type == TypeNumber:
		_, ok = v.(float64)
	case rc.Type == TypeDate:
		_, ok = v.(time.Time)
	case rc.Type == TypeText, rc.Type == TypeTextList:
		_, ok = v.(string)
	case rc.Type == TypeBool:
		_, ok = v.(bool)
	}
	if ok {
		return v, nil
	}
	return normalizeRuleValue(rc, op, v)
}

// fold case-folds strings and string lists
func fold(v any) any {
	caser := cases.Fold()
	switch s := v.(type) {
	case string:
		return caser.String(s)
	case []string:
		out := make([]string, len(s))
		for i, e := range s {
			out[i] = caser.String(e)
		}
		return out
	default:
		return v
	}
}
