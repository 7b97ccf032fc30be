// Package errs classifies failures so callers can decide between rejecting,
// retrying, isolating, pausing or escalating.
package errs

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// UserInput is a bad signal or parameter: rejected, logged, no state change.
	UserInput Kind = iota + 1
	// ExternalFailure is a broker or feed failure; the only retried kind.
	ExternalFailure
	// StrategyFault is an error or panic raised by a strategy callback.
	StrategyFault
	// RiskBreach is the loss-limit control-flow event.
	RiskBreach
	// ConsistencyViolation is fatal to the affected order only.
	ConsistencyViolation
)

func (k Kind) String() string {
	switch k {
	case UserInput:
		return "user_input"
	case ExternalFailure:
		return "external_failure"
	case StrategyFault:
		return "strategy_fault"
	case RiskBreach:
		return "risk_breach"
	case ConsistencyViolation:
		return "consistency_violation"
	default:
		return "unknown"
	}
}

// Error carries a Kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with kind and op. A nil err yields nil.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string. %w is honoured.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the outermost Kind found in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Retryable reports whether err may be retried. Only external failures are.
func Retryable(err error) bool {
	return Is(err, ExternalFailure)
}
