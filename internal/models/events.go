package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind names a history entry / event.
type EventKind string

const (
	KindCreated      EventKind = "created"
	KindEntryTouched EventKind = "entry_touched"
	KindTPTouched    EventKind = "tp_touched"
	KindSLTouched    EventKind = "sl_touched"
	KindSLBreakeven  EventKind = "sl_breakeven"
	KindSLEdited     EventKind = "sl_edited"
	KindTPEdited     EventKind = "tp_edited"
	KindClosed       EventKind = "closed"
	KindCleared      EventKind = "cleared"

	// Only ever emitted, never stored in history.
	KindPriceUnavailable EventKind = "price_unavailable"
	KindEvaluationFailed EventKind = "evaluation_failed"
)

// Source tells automatic transitions from admin actions.
type Source string

const (
	SourceAuto   Source = "auto"
	SourceManual Source = "manual"
)

// HistoryEntry is one audited transition. Entries are append-only.
type HistoryEntry struct {
	Seq      int             `json:"seq"`
	Kind     EventKind       `json:"kind"`
	At       time.Time       `json:"at"`
	Source   Source          `json:"source"`
	Price    decimal.Decimal `json:"price"`            // observed price, zero for manual actions
	Index    int             `json:"index"`            // TP index, -1 when n/a
	OldValue decimal.Decimal `json:"old_value"`        // previous level for SL/TP changes
	NewValue decimal.Decimal `json:"new_value"`        // new level for SL/TP changes
	Reason   CloseReason     `json:"reason,omitempty"` // set on closed/cleared
	Note     string          `json:"note,omitempty"`
}

// MutationKind is an operation accepted by the registry.
type MutationKind string

const (
	MutTouchEntry MutationKind = "touch_entry"
	MutTouchTP    MutationKind = "touch_tp"
	MutTouchSL    MutationKind = "touch_sl"
	MutBreakeven  MutationKind = "move_sl_to_breakeven"
	MutManualEdit MutationKind = "manual_edit"
	MutClose      MutationKind = "close"
	MutClear      MutationKind = "clear"
)

// EditField is the level targeted by a manual edit.
type EditField string

const (
	FieldSL EditField = "sl"
	FieldTP EditField = "tp"
)

// Mutation is a single state change request.
type Mutation struct {
	Kind   MutationKind    `json:"kind"`
	Index  int             `json:"index"`  // TP index for touch_tp / tp edits
	Field  EditField       `json:"field"`  // manual_edit only
	Value  decimal.Decimal `json:"value"`  // manual_edit only
	Reason CloseReason     `json:"reason"` // close only
	Price  decimal.Decimal `json:"price"`  // observed price for automatic mutations
}

func TouchEntry(price decimal.Decimal) Mutation {
	return Mutation{Kind: MutTouchEntry, Index: -1, Price: price}
}

func TouchTP(index int, price decimal.Decimal) Mutation {
	return Mutation{Kind: MutTouchTP, Index: index, Price: price}
}

func TouchSL(price decimal.Decimal) Mutation {
	return Mutation{Kind: MutTouchSL, Index: -1, Price: price}
}

func MoveSLToBreakeven(price decimal.Decimal) Mutation {
	return Mutation{Kind: MutBreakeven, Index: -1, Price: price}
}

func Close(reason CloseReason, price decimal.Decimal) Mutation {
	return Mutation{Kind: MutClose, Index: -1, Reason: reason, Price: price}
}

func Clear() Mutation {
	return Mutation{Kind: MutClear, Index: -1}
}

func ManualEdit(field EditField, index int, value decimal.Decimal) Mutation {
	if field == FieldSL {
		index = -1
	}
	return Mutation{Kind: MutManualEdit, Field: field, Index: index, Value: value}
}

// IsManual reports whether the mutation comes from an admin.
func (m Mutation) IsManual() bool {
	return m.Kind == MutManualEdit || m.Kind == MutClear
}

// EditRequest is a normalized admin edit.
type EditRequest struct {
	TradeID  string          `json:"trade_id"`
	Field    EditField       `json:"field"`
	Index    int             `json:"index"` // zero-based TP index
	NewValue decimal.Decimal `json:"new_value"`
}

// Mutation converts the request to the registry operation.
func (r EditRequest) Mutation() Mutation {
	return ManualEdit(r.Field, r.Index, r.NewValue)
}

// Event is what the emitter receives.
type Event struct {
	TradeID   string       `json:"trade_id"`
	Symbol    string       `json:"symbol"`
	Direction Direction    `json:"direction"`
	Kind      EventKind    `json:"kind"`
	Entry     HistoryEntry `json:"entry"`
	Err       string       `json:"error,omitempty"`
	At        time.Time    `json:"at"`
}

// EventFromHistory wraps a history entry of t as an event.
func EventFromHistory(t *Trade, h HistoryEntry) Event {
	return Event{
		TradeID:   t.ID,
		Symbol:    t.Symbol,
		Direction: t.Direction,
		Kind:      h.Kind,
		Entry:     h,
		At:        h.At,
	}
}
