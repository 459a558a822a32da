// Package apperr holds the error taxonomy shared by the tracker packages.
//
// Callers test categories with errors.Is against the sentinels and pull
// details out with errors.As on the typed errors.
package apperr

import (
	"errors"
	"fmt"
)

// Sentinel categories.
var (
	ErrParse            = errors.New("parse error")
	ErrNotFound         = errors.New("trade not found")
	ErrConflict         = errors.New("conflict")
	ErrPriceUnavailable = errors.New("price unavailable")
	ErrFatal            = errors.New("fatal")
)

// ParseCode classifies why a call message was rejected.
type ParseCode string

const (
	ParseEmpty              ParseCode = "empty"
	ParseIgnored            ParseCode = "ignored"
	ParseNoSymbol           ParseCode = "no_symbol"
	ParseNoDirection        ParseCode = "no_direction"
	ParseNoEntry            ParseCode = "no_entry"
	ParseNoStopLoss         ParseCode = "no_stop_loss"
	ParseNoTakeProfit       ParseCode = "no_take_profit"
	ParseInconsistentLevels ParseCode = "inconsistent_levels"
	ParseBadNumber          ParseCode = "bad_number"
)

// ParseError is returned by the call parser. No trade is created.
type ParseError struct {
	Code   ParseCode
	Reason string
	Line   string
	// Call is true when the message looked like a trade call (a header or
	// at least one level line was recognised).
	Call bool
}

func (e *ParseError) Error() string {
	if e.Line != "" {
		return fmt.Sprintf("parse error [%s]: %s (line %q)", e.Code, e.Reason, e.Line)
	}
	return fmt.Sprintf("parse error [%s]: %s", e.Code, e.Reason)
}

func (e *ParseError) Is(target error) bool { return target == ErrParse }

// CallLike reports whether the rejected message resembled a call.
func (e *ParseError) CallLike() bool { return e.Call }

// NotFoundError is returned for operations on an unknown trade.
type NotFoundError struct {
	TradeID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("trade %s not found", e.TradeID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NewNotFound creates a NotFoundError.
func NewNotFound(tradeID string) *NotFoundError {
	return &NotFoundError{TradeID: tradeID}
}

// ConflictError is returned when a mutation does not apply to the trade's
// current state. The trade is left unchanged.
type ConflictError struct {
	TradeID string
	Op      string
	Reason  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on trade %s: %s: %s", e.TradeID, e.Op, e.Reason)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// NewConflict creates a ConflictError.
func NewConflict(tradeID, op, reason string) *ConflictError {
	return &ConflictError{TradeID: tradeID, Op: op, Reason: reason}
}

// PriceError wraps a failed price lookup.
type PriceError struct {
	Symbol string
	Source string
	Err    error
}

func (e *PriceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("price unavailable for %s (%s): %v", e.Symbol, e.Source, e.Err)
	}
	return fmt.Sprintf("price unavailable for %s (%s)", e.Symbol, e.Source)
}

func (e *PriceError) Is(target error) bool { return target == ErrPriceUnavailable }

func (e *PriceError) Unwrap() error { return e.Err }

// NewPriceError creates a PriceError.
func NewPriceError(symbol, source string, err error) *PriceError {
	return &PriceError{Symbol: symbol, Source: source, Err: err}
}

// FatalError marks unrecoverable startup problems such as bad configuration.
type FatalError struct {
	Message string
	Err     error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fatal: %s: %v", e.Message, e.Err)
	}
	return "fatal: " + e.Message
}

func (e *FatalError) Is(target error) bool { return target == ErrFatal }

func (e *FatalError) Unwrap() error { return e.Err }

// Fatalf creates a FatalError with a formatted message.
func Fatalf(format string, args ...any) *FatalError {
	return &FatalError{Message: fmt.Sprintf(format, args...)}
}

// WrapFatal marks err as fatal.
func WrapFatal(message string, err error) *FatalError {
	return &FatalError{Message: message, Err: err}
}
