package rules

import (
	"errors"
	"fmt"
)

// ErrNotFound is matched by every *NotFoundError via errors.Is
var ErrNotFound = errors.New("rule group not found")

// ErrInvalidRule is matched by every *InvalidRuleError via errors.Is
var ErrInvalidRule = errors.New("invalid rule")

// NotFoundError is returned when a rule group id is unknown
type NotFoundError struct {
	ID int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("rule group %d not found", e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// InvalidRuleError rejects a rule group at save time.
// Index is the offending rule position, or -1 when the problem is with the
// group itself.
type InvalidRuleError struct {
	Index  int
	Field  string
	Reason string
}

func (e *InvalidRuleError) Error() string {
	switch {
	case e.Index < 0:
		return fmt.Sprintf("invalid rule group: %s", e.Reason)
	case e.Field != "":
		return fmt.Sprintf("invalid rule %d (%s): %s", e.Index, e.Field, e.Reason)
	default:
		return fmt.Sprintf("invalid rule %d: %s", e.Index, e.Reason)
	}
}

func (e *InvalidRuleError) Is(target error) bool { return target == ErrInvalidRule }

func groupError(format string, args ...any) *InvalidRuleError {
	return &InvalidRuleError{Index: -1, Reason: fmt.Sprintf(format, args...)}
}

func ruleError(index int, field, format string, args ...any) *InvalidRuleError {
	return &InvalidRuleError{Index: index, Field: field, Reason: fmt.Sprintf(format, args...)}
}

// FieldMissingError means the item snapshot has no value for the field.
// It is reported during evaluation and counts as "condition not satisfied".
type FieldMissingError struct {
	Field  string
	ItemID string
}

func (e *FieldMissingError) Error() string {
	return fmt.Sprintf("item %s has no field %q", e.ItemID, e.Field)
}

// FieldTypeError means the item value could not be read as the field's
// declared type. Treated like a missing field.
type FieldTypeError struct {
	Field  string
	ItemID string
	Want   ValueType
	Value  any
}

func (e *FieldTypeError) Error() string {
	return fmt.Sprintf("item %s field %q: cannot use %T as %s", e.ItemID, e.Field, e.Value, e.Want)
}
