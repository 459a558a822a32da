package registry

import (
	"fmt"
	"time"

	"github.com/vaultproject79-prog/ulyssetif-bot/internal/apperr"
	"github.com/vaultproject79-prog/ulyssetif-bot/internal/models"
)

// applyMutation validates m against t and applies it in place, returning the
// history entry to append. On error t may be partially modified; callers work
// on a copy.
func applyMutation(t *models.Trade, m models.Mutation, now time.Time) (models.HistoryEntry, error) {
	conflict := func(format string, args ...any) error {
		return apperr.NewConflict(t.ID, string(m.Kind), fmt.Sprintf(format, args...))
	}

	e := models.HistoryEntry{
		Seq:    len(t.History) + 1,
		At:     now,
		Source: models.SourceAuto,
		Price:  m.Price,
		Index:  -1,
	}
	if m.IsManual() {
		e.Source = models.SourceManual
	}

	switch m.Kind {
	case models.MutTouchEntry:
		if t.Status != models.StatusPending {
			return e, conflict("trade is %s, not PENDING", t.Status)
		}
		t.EntryTouched = true
		t.EntryTouchedAt = &now
		t.Status = models.StatusActive
		e.Kind = models.KindEntryTouched
		e.NewValue = t.Entry.High
		if t.Direction == models.Short {
			e.NewValue = t.Entry.Low
		}

	case models.MutTouchTP:
		if t.Status != models.StatusActive {
			return e, conflict("trade is %s, not ACTIVE", t.Status)
		}
		if m.Index < 0 || m.Index >= len(t.TakeProfits) {
			return e, conflict("take-profit index %d out of range", m.Index)
		}
		tp := &t.TakeProfits[m.Index]
		if tp.Touched {
			return e, conflict("TP%d already touched", m.Index+1)
		}
		tp.Touched = true
		tp.TouchedAt = &now
		e.Kind = models.KindTPTouched
		e.Index = m.Index
		e.NewValue = tp.Price

	case models.MutTouchSL:
		if t.Status != models.StatusActive {
			return e, conflict("trade is %s, not ACTIVE", t.Status)
		}
		if t.SLTouched {
			return e, conflict("stop-loss already touched")
		}
		t.SLTouched = true
		t.SLTouchedAt = &now
		e.Kind = models.KindSLTouched
		e.NewValue = t.StopLoss

	case models.MutBreakeven:
		switch {
		case t.Status != models.StatusActive:
			return e, conflict("trade is %s, not ACTIVE", t.Status)
		case t.SLManual:
			return e, conflict("stop-loss was edited manually")
		case t.SLAtBreakeven:
			return e, conflict("stop-loss already at breakeven")
		case len(t.TakeProfits) == 0 || !t.TakeProfits[0].Touched:
			return e, conflict("TP1 not touched")
		}
		e.Kind = models.KindSLBreakeven
		e.OldValue = t.StopLoss
		t.StopLoss = t.BreakevenPrice()
		t.SLAtBreakeven = true
		e.NewValue = t.StopLoss
		e.Note = "BE"

	case models.MutClose:
		if !t.IsOpen() {
			return e, conflict("trade already closed")
		}
		switch m.Reason {
		case models.ReasonSLHit:
			if !t.SLTouched {
				return e, conflict("stop-loss not touched")
			}
		case models.ReasonAllTPHit:
			if !t.AllTPsTouched() {
				return e, conflict("not every take-profit is touched")
			}
		case models.ReasonManualClear:
			e.Source = models.SourceManual
		default:
			return e, conflict("unknown close reason %q", m.Reason)
		}
		t.Status = models.StatusClosed
		t.ClosedReason = m.Reason
		t.ClosedAt = &now
		e.Kind = models.KindClosed
		e.Reason = m.Reason

	case models.MutManualEdit:
		if !t.IsOpen() {
			return e, conflict("trade is closed")
		}
		if !m.Value.IsPositive() {
			return e, conflict("value must be positive")
		}
		if err := applyEdit(t, m, &e); err != nil {
			return e, err
		}

	case models.MutClear:
		for _, h := range t.History {
			if h.Kind == models.KindCleared {
				return e, conflict("trade already cleared")
			}
		}
		if t.IsOpen() {
			t.Status = models.StatusClosed
			t.ClosedReason = models.ReasonManualClear
			t.ClosedAt = &now
		}
		e.Kind = models.KindCleared
		e.Reason = t.ClosedReason

	default:
		return e, conflict("unknown mutation")
	}
	return e, nil
}

func applyEdit(t *models.Trade, m models.Mutation, e *models.HistoryEntry) error {
	conflict := func(format string, args ...any) error {
		return apperr.NewConflict(t.ID, string(m.Kind), fmt.Sprintf(format, args...))
	}
	dir := t.Direction

	switch m.Field {
	case models.FieldSL:
		if !t.EntryTouched {
			edge := t.Entry.Low
			if dir == models.Short {
				edge = t.Entry.High
			}
			if !dir.Beyond(edge, m.Value) {
				return conflict("stop-loss %s is not on the loss side of the entry %s", m.Value, edge)
			}
		}
		for i, tp := range t.TakeProfits {
			if !tp.Touched && !dir.Beyond(tp.Price, m.Value) {
				return conflict("stop-loss %s is not on the loss side of TP%d %s", m.Value, i+1, tp.Price)
			}
		}
		e.Kind = models.KindSLEdited
		e.OldValue = t.StopLoss
		e.NewValue = m.Value
		t.StopLoss = m.Value
		t.SLManual = true
		t.SLAtBreakeven = false

	case models.FieldTP:
		n := len(t.TakeProfits)
		if m.Index < 0 || m.Index >= n {
			return conflict("TP%d does not exist (trade has %d)", m.Index+1, n)
		}
		if t.TakeProfits[m.Index].Touched {
			return conflict("TP%d already touched", m.Index+1)
		}
		if m.Index > 0 && !dir.Beyond(m.Value, t.TakeProfits[m.Index-1].Price) {
			return conflict("TP%d must stay beyond TP%d", m.Index+1, m.Index)
		}
		if m.Index < n-1 && !dir.Beyond(t.TakeProfits[m.Index+1].Price, m.Value) {
			return conflict("TP%d must stay before TP%d", m.Index+1, m.Index+2)
		}
		if !dir.Beyond(m.Value, t.StopLoss) {
			return conflict("TP%d must stay on the profit side of the stop-loss", m.Index+1)
		}
		if !dir.Beyond(m.Value, t.BreakevenPrice()) {
			return conflict("TP%d must stay on the profit side of the entry", m.Index+1)
		}
		e.Kind = models.KindTPEdited
		e.Index = m.Index
		e.OldValue = t.TakeProfits[m.Index].Price
		e.NewValue = m.Value
		t.TakeProfits[m.Index].Price = m.Value

	default:
		return conflict("unsupported field %q", m.Field)
	}
	return nil
}
