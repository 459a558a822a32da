package watcher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/vaultproject79-prog/ulyssetif-bot/internal/apperr"
	"github.com/vaultproject79-prog/ulyssetif-bot/internal/models"
)

// checkTrade is one unit of a cycle: fetch, then evaluate and commit. The
// registry emits the committed transitions. Errors stay inside the unit.
func (w *Watcher) checkTrade(ctx context.Context, t models.Trade, c *cycleCounters) {
	uctx, cancel := context.WithTimeout(ctx, w.opts.UnitTimeout)
	defer cancel()

	logger := log.With().
		Str("component", "watcher").
		Str("trade_id", t.ID).
		Str("symbol", t.Symbol).
		Logger()

	// Fetch outside any registry lock.
	price, err := w.oracle.GetPrice(uctx, t.Symbol)
	if err != nil {
		if ctx.Err() != nil {
			return // shutting down
		}
		c.unavailable.Add(1)
		logger.Warn().Err(err).Msg("Price unavailable, trade skipped this cycle")
		w.recordFailure(ctx, t, err)
		return
	}
	w.resetFailures(t.ID)

	logger.Debug().
		Str("price", price.String()).
		Str("sl", t.StopLoss.String()).
		Str("tp", joinTPs(t.TakeProfits)).
		Msgf("[%s] Current: %s", t.Symbol, price)

	res, err := w.reg.Evaluate(uctx, t.ID, price, w.plan)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			logger.Debug().Msg("Trade cleared during the cycle")
			return
		}
		c.failed.Add(1)
		logger.Error().Err(err).Str("price", price.String()).Msg("Evaluation failed")
		w.emit(ctx, models.Event{
			TradeID:   t.ID,
			Symbol:    t.Symbol,
			Direction: t.Direction,
			Kind:      models.KindEvaluationFailed,
			Entry:     models.HistoryEntry{Kind: models.KindEvaluationFailed, Price: price, Index: -1, At: w.now()},
			Err:       err.Error(),
			At:        w.now(),
		})
		return
	}

	for _, h := range res.Entries {
		c.mutations.Add(1)
		logger.Info().
			Str("kind", string(h.Kind)).
			Str("price", price.String()).
			Int("tp_index", h.Index).
			Msg("Level transition")
	}
}

// recordFailure counts consecutive price failures and emits one alert when the
// threshold is reached.
func (w *Watcher) recordFailure(ctx context.Context, t models.Trade, cause error) {
	w.mu.Lock()
	w.failures[t.ID]++
	n := w.failures[t.ID]
	w.mu.Unlock()

	if n != w.opts.UnavailableAlertAfter {
		return
	}
	now := w.now()
	w.emit(ctx, models.Event{
		TradeID:   t.ID,
		Symbol:    t.Symbol,
		Direction: t.Direction,
		Kind:      models.KindPriceUnavailable,
		Entry:     models.HistoryEntry{Kind: models.KindPriceUnavailable, Index: -1, At: now, Note: fmt.Sprintf("%d consecutive failures", n)},
		Err:       cause.Error(),
		At:        now,
	})
}

func (w *Watcher) resetFailures(id string) {
	w.mu.Lock()
	delete(w.failures, id)
	w.mu.Unlock()
}

func joinTPs(tps []models.TakeProfit) string {
	parts := make([]string, len(tps))
	for i, tp := range tps {
		parts[i] = tp.Price.String()
	}
	return strings.Join(parts, ", ")
}
