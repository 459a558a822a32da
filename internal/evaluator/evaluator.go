// Package evaluator decides which levels a price sample touches.
//
// Evaluate is a pure function of (trade, price). It never mutates the trade;
// the returned mutations are applied by the registry in order.
package evaluator

import (
	"github.com/shopspring/decimal"

	"github.com/vaultproject79-prog/ulyssetif-bot/internal/models"
)

// Evaluate returns the mutations triggered by price for t, in the order they
// must be applied.
//
// Order of checks:
//  1. CLOSED trades yield nothing.
//  2. A PENDING trade is only checked against its entry. When the entry is
//     reached the same sample goes on to the ACTIVE checks.
//  3. SL wins over any TP in the same sample.
//  4. Untouched TPs are scanned in ascending index. TP1 moves the SL to
//     breakeven unless the SL was edited by hand or is already at BE.
//     Touching the last outstanding TP closes the trade.
func Evaluate(t models.Trade, price decimal.Decimal) []models.Mutation {
	if t.Status == models.StatusClosed || !price.IsPositive() {
		return nil
	}

	var out []models.Mutation

	if t.Status == models.StatusPending {
		if !t.Direction.EntryReached(entryRule(t), price, t.Entry) {
			return nil
		}
		out = append(out, models.TouchEntry(price))
	}

	if !t.SLTouched && t.Direction.SLReached(price, t.StopLoss) {
		out = append(out, models.TouchSL(price), models.Close(models.ReasonSLHit, price))
		return out
	}

	breakeven := !t.SLManual && !t.SLAtBreakeven
	outstanding := 0
	for _, tp := range t.TakeProfits {
		if !tp.Touched {
			outstanding++
		}
	}

	for i, tp := range t.TakeProfits {
		if tp.Touched || !t.Direction.TPReached(price, tp.Price) {
			continue
		}
		out = append(out, models.TouchTP(i, price))
		outstanding--
		if i == 0 && breakeven {
			out = append(out, models.MoveSLToBreakeven(price))
		}
	}

	if outstanding == 0 && len(t.TakeProfits) > 0 && len(out) > 0 && touchedAnyTP(out) {
		out = append(out, models.Close(models.ReasonAllTPHit, price))
	}
	return out
}

func entryRule(t models.Trade) models.EntryRule {
	if t.EntryRule == "" {
		return models.EntryReach
	}
	return t.EntryRule
}

func touchedAnyTP(ms []models.Mutation) bool {
	for _, m := range ms {
		if m.Kind == models.MutTouchTP {
			return true
		}
	}
	return false
}
