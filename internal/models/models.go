package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of a call.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Status is the lifecycle state of a trade.
type Status string

const (
	StatusPending Status = "PENDING" // waiting for the entry to be touched
	StatusActive  Status = "ACTIVE"  // entered, SL/TP monitored
	StatusClosed  Status = "CLOSED"
)

// CloseReason records why a trade was closed.
type CloseReason string

const (
	ReasonNone        CloseReason = ""
	ReasonSLHit       CloseReason = "SL_HIT"
	ReasonAllTPHit    CloseReason = "ALL_TP_HIT"
	ReasonManualClear CloseReason = "MANUAL_CLEAR"
)

// EntryRule decides when a pending trade counts as entered.
type EntryRule string

const (
	// EntryReach enters once the price reaches the zone or moves past it in
	// the trade direction (LONG: price >= low, SHORT: price <= high).
	EntryReach EntryRule = "reach"
	// EntryLimit enters on a pullback into the zone, like a resting limit
	// order (LONG: price <= high, SHORT: price >= low).
	EntryLimit EntryRule = "limit"
)

// Entry is the PE. A single level has Low == High.
type Entry struct {
	Low  decimal.Decimal `json:"low"`
	High decimal.Decimal `json:"high"`
}

// IsRange reports whether the entry is a zone rather than a single price.
func (e Entry) IsRange() bool { return !e.Low.Equal(e.High) }

// Equal compares entries by value.
func (e Entry) Equal(o Entry) bool { return e.Low.Equal(o.Low) && e.High.Equal(o.High) }

// TakeProfit is one TP tier.
type TakeProfit struct {
	Price     decimal.Decimal `json:"price"`
	Touched   bool            `json:"touched"`
	TouchedAt *time.Time      `json:"touched_at,omitempty"`
}

// Trade is a tracked call.
type Trade struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"` // e.g. "BTC/USDT"
	Direction Direction `json:"direction"`

	Entry          Entry      `json:"entry"`
	EntryRule      EntryRule  `json:"entry_rule"`
	EntryTouched   bool       `json:"entry_touched"`
	EntryTouchedAt *time.Time `json:"entry_touched_at,omitempty"`

	TakeProfits []TakeProfit `json:"take_profits"`

	StopLoss      decimal.Decimal `json:"stop_loss"`
	SLTouched     bool            `json:"sl_touched"`
	SLTouchedAt   *time.Time      `json:"sl_touched_at,omitempty"`
	SLAtBreakeven bool            `json:"sl_at_breakeven"` // shown as the "BE" note
	SLManual      bool            `json:"sl_manual"`       // admin edited SL, auto BE disabled

	Status       Status      `json:"status"`
	ClosedReason CloseReason `json:"closed_reason,omitempty"`
	ClosedAt     *time.Time  `json:"closed_at,omitempty"`

	OriginChatID    int64 `json:"origin_chat_id,omitempty"`
	OriginMessageID int   `json:"origin_message_id,omitempty"`

	LastPrice   decimal.Decimal `json:"last_price"`
	LastPriceAt *time.Time      `json:"last_price_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`

	History []HistoryEntry `json:"history"`
}

// IsOpen reports whether the trade is still PENDING or ACTIVE.
func (t *Trade) IsOpen() bool {
	return t.Status == StatusPending || t.Status == StatusActive
}

// BreakevenPrice is the SL level used after TP1: the top of the zone for a
// LONG, the bottom for a SHORT.
func (t *Trade) BreakevenPrice() decimal.Decimal {
	if t.Direction == Short {
		return t.Entry.Low
	}
	return t.Entry.High
}

// AllTPsTouched reports whether every TP has been touched.
func (t *Trade) AllTPsTouched() bool {
	if len(t.TakeProfits) == 0 {
		return false
	}
	for _, tp := range t.TakeProfits {
		if !tp.Touched {
			return false
		}
	}
	return true
}

// Clone returns a deep copy so snapshots never alias registry state.
func (t Trade) Clone() Trade {
	c := t
	c.EntryTouchedAt = cloneTime(t.EntryTouchedAt)
	c.SLTouchedAt = cloneTime(t.SLTouchedAt)
	c.ClosedAt = cloneTime(t.ClosedAt)
	c.LastPriceAt = cloneTime(t.LastPriceAt)
	if t.TakeProfits != nil {
		c.TakeProfits = make([]TakeProfit, len(t.TakeProfits))
		for i, tp := range t.TakeProfits {
			tp.TouchedAt = cloneTime(tp.TouchedAt)
			c.TakeProfits[i] = tp
		}
	}
	if t.History != nil {
		c.History = make([]HistoryEntry, len(t.History))
		copy(c.History, t.History)
	}
	return c
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// TPReached reports whether price satisfies a take-profit level for d.
// The comparison is inclusive.
func (d Direction) TPReached(price, level decimal.Decimal) bool {
	if d == Short {
		return price.LessThanOrEqual(level)
	}
	return price.GreaterThanOrEqual(level)
}

// SLReached reports whether price satisfies the stop-loss for d.
// The comparison is inclusive.
func (d Direction) SLReached(price, sl decimal.Decimal) bool {
	if d == Short {
		return price.GreaterThanOrEqual(sl)
	}
	return price.LessThanOrEqual(sl)
}

// Beyond reports whether a lies strictly on the profit side of b.
func (d Direction) Beyond(a, b decimal.Decimal) bool {
	if d == Short {
		return a.LessThan(b)
	}
	return a.GreaterThan(b)
}

// EntryReached reports whether price enters e under rule r for d.
func (d Direction) EntryReached(r EntryRule, price decimal.Decimal, e Entry) bool {
	if r == EntryLimit {
		if d == Short {
			return price.GreaterThanOrEqual(e.Low)
		}
		return price.LessThanOrEqual(e.High)
	}
	if d == Short {
		return price.LessThanOrEqual(e.High)
	}
	return price.GreaterThanOrEqual(e.Low)
}

// TradeState is the persisted registry content.
type TradeState struct {
	Version  string  `json:"version"` // schema version for migrations
	LastSync string  `json:"last_sync"`
	Trades   []Trade `json:"trades"`
	Archived []Trade `json:"archived"`
}
