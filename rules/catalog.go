package rules

import (
	"context"
	"fmt"
	"regexp"
	"sort"
)

// Applications the built-in fields are read from
const (
	AppLibrary  = "library"
	AppMovies   = "movies"
	AppSeries   = "series"
	AppRequests = "requests"
)

var (
	numberOps   = []Operator{OpEquals, OpNotEquals, OpGreater, OpGreaterEq, OpLess, OpLessEq}
	dateOps     = []Operator{OpEquals, OpNotEquals, OpGreater, OpGreaterEq, OpLess, OpLessEq, OpInLastDays, OpInNextDays}
	textOps     = []Operator{OpEquals, OpNotEquals, OpContains, OpNotContains, OpBeginsWith, OpEndsWith, OpIn}
	textListOps = []Operator{OpContains, OpNotContains, OpContainsAny, OpContainsAll}
	boolOps     = []Operator{OpEquals, OpNotEquals}
)

// legalOperators lists every operator a value type can support
var legalOperators = map[ValueType][]Operator{
	TypeNumber:   numberOps,
	TypeDate:     dateOps,
	TypeText:     textOps,
	TypeTextList: textListOps,
	TypeBool:     boolOps,
}

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ConstantSource supplies the field catalog at process start
type ConstantSource interface {
	LoadConstants(ctx context.Context) ([]RuleConstant, error)
}

// StaticConstants is a ConstantSource backed by a fixed list
type StaticConstants []RuleConstant

// LoadConstants returns a copy of the list
func (s StaticConstants) LoadConstants(ctx context.Context) ([]RuleConstant, error) {
	out := make([]RuleConstant, len(s))
	copy(out, s)
	return out, nil
}

// Catalog is the immutable, validated set of rule constants
type Catalog struct {
	constants []RuleConstant
	byKey     map[string]RuleConstant
}

// NewCatalog validates the constants and indexes them by key
func NewCatalog(constants []RuleConstant) (*Catalog, error) {
	if len(constants) == 0 {
		return nil, fmt.Errorf("catalog cannot be empty")
	}

	c := &Catalog{
		constants: make([]RuleConstant, 0, len(constants)),
		byKey:     make(map[string]RuleConstant, len(constants)),
	}
	for _, rc := range constants {
		if err := validateIdentifier(rc.Key); err != nil {
			return nil, fmt.Errorf("invalid field key %q: %w", rc.Key, err)
		}
		if _, dup := c.byKey[rc.Key]; dup {
			return nil, fmt.Errorf("duplicate field key %q", rc.Key)
		}
		legal, ok := legalOperators[rc.Type]
		if !ok {
			return nil, fmt.Errorf("field %q has invalid type %q", rc.Key, rc.Type)
		}
		if len(rc.Operators) == 0 {
			return nil, fmt.Errorf("field %q must allow at least one operator", rc.Key)
		}
		for _, op := range rc.Operators {
			if !containsOperator(legal, op) {
				return nil, fmt.Errorf("field %q: operator %q is not valid for type %s", rc.Key, op, rc.Type)
			}
		}
		rc.Operators = append([]Operator(nil), rc.Operators...)
		c.constants = append(c.constants, rc)
		c.byKey[rc.Key] = rc
	}

	sort.SliceStable(c.constants, func(i, j int) bool {
		if c.constants[i].Application != c.constants[j].Application {
			return c.constants[i].Application < c.constants[j].Application
		}
		return c.constants[i].Key < c.constants[j].Key
	})
	return c, nil
}

// LoadCatalog builds a catalog from a ConstantSource
func LoadCatalog(ctx context.Context, src ConstantSource) (*Catalog, error) {
	constants, err := src.LoadConstants(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load rule constants: %w", err)
	}
	return NewCatalog(constants)
}

// Lookup returns the constant for a field key
func (c *Catalog) Lookup(key string) (RuleConstant, bool) {
	rc, ok := c.byKey[key]
	return rc, ok
}

// Constants returns a copy of every constant, ordered by application and key
func (c *Catalog) Constants() []RuleConstant {
	out := make([]RuleConstant, len(c.constants))
	for i, rc := range c.constants {
		rc.Operators = append([]Operator(nil), rc.Operators...)
		out[i] = rc
	}
	return out
}

// DefaultConstants is the built-in field catalog
func DefaultConstants() StaticConstants {
	return StaticConstants{
		{Key: "age_days", Name: "Days since added", Application: AppLibrary, Type: TypeNumber, Operators: numberOps},
		{Key: "rating", Name: "User rating", Application: AppLibrary, Type: TypeNumber, Operators: numberOps},
		{Key: "view_count", Name: "Times viewed", Application: AppLibrary, Type: TypeNumber, Operators: numberOps},
		{Key: "added_at", Name: "Date added", Application: AppLibrary, Type: TypeDate, Operators: dateOps},
		{Key: "last_viewed_at", Name: "Last viewed", Application: AppLibrary, Type: TypeDate, Operators: dateOps},
		{Key: "release_date", Name: "Release date", Application: AppLibrary, Type: TypeDate, Operators: dateOps},
		{Key: "title", Name: "Title", Application: AppLibrary, Type: TypeText, Operators: textOps, CaseInsensitive: true},
		{Key: "genres", Name: "Genres", Application: AppLibrary, Type: TypeTextList, Operators: textListOps, CaseInsensitive: true},
		{Key: "collections", Name: "Collections", Application: AppLibrary, Type: TypeTextList, Operators: textListOps},
		{Key: "labels", Name: "Labels", Application: AppLibrary, Type: TypeTextList, Operators: textListOps},
		{Key: "watched", Name: "Watched by anyone", Application: AppLibrary, Type: TypeBool, Operators: boolOps},
		{Key: "size_gb", Name: "File size (GB)", Application: AppMovies, Type: TypeNumber, Operators: numberOps},
		{Key: "monitored", Name: "Monitored", Application: AppMovies, Type: TypeBool, Operators: boolOps},
		{Key: "tags", Name: "Tags", Application: AppSeries, Type: TypeTextList, Operators: textListOps},
		{Key: "requested_by", Name: "Requested by", Application: AppRequests, Type: TypeText, Operators: textOps},
	}
}

// DefaultCatalog returns the built-in catalog
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultConstants())
	if err != nil {
		panic(fmt.Sprintf("built-in rule catalog is invalid: %v", err))
	}
	return c
}

// validateIdentifier checks field keys and action identifiers:
// letter or underscore first, then letters, digits or underscores, 1-100 chars
func validateIdentifier(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > 100 {
		return fmt.Errorf("identifier length %d exceeds maximum of 100 characters", len(name))
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("must match pattern ^[a-zA-Z_][a-zA-Z0-9_]*$")
	}
	return nil
}

func containsOperator(ops []Operator, op Operator) bool {
	for _, o := range ops {
		if o == op {
			return true
		}
	}
	return false
}
