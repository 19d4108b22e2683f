package model

import "fmt"

type ValidationKind int

const (
	KindMissingKeyValue ValidationKind = iota + 1
	KindMissingMatch
	KindConflictingMatch
	KindInvalidIP
	KindInvalidBlockKind
	KindMissingEndDate
	KindEndNotAfterStart
)

func (k ValidationKind) String() string {
	switch k {
	case KindMissingKeyValue:
		return "missing_key_value"
	case KindMissingMatch:
		return "missing_match"
	case KindConflictingMatch:
		return "conflicting_match"
	case KindInvalidIP:
		return "invalid_ip"
	case KindInvalidBlockKind:
		return "invalid_block_kind"
	case KindMissingEndDate:
		return "missing_end_date"
	case KindEndNotAfterStart:
		return "end_not_after_start"
	}
	return "unknown"
}

type ValidationError struct {
	Kind  ValidationKind
	Field string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid block entry: %s (%q)", e.Kind, e.Field)
	}
	return "invalid block entry: " + e.Kind.String()
}
