package watcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/vaultproject79-prog/ulyssetif-bot/internal/evaluator"
	"github.com/vaultproject79-prog/ulyssetif-bot/internal/market"
	"github.com/vaultproject79-prog/ulyssetif-bot/internal/models"
	"github.com/vaultproject79-prog/ulyssetif-bot/internal/notifications"
	"github.com/vaultproject79-prog/ulyssetif-bot/internal/registry"
)

// Options tunes the polling loop.
type Options struct {
	PollInterval          time.Duration
	FirstPollDelay        time.Duration
	Workers               int
	UnitTimeout           time.Duration
	UnavailableAlertAfter int
	Version               string
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 60 * time.Second
	}
	if o.FirstPollDelay < 0 {
		o.FirstPollDelay = 0
	}
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.UnitTimeout <= 0 {
		o.UnitTimeout = 15 * time.Second
	}
	if o.UnavailableAlertAfter <= 0 {
		o.UnavailableAlertAfter = 5
	}
	return o
}

// CycleStats summarizes one polling cycle.
type CycleStats struct {
	Started     time.Time     `json:"started"`
	Duration    time.Duration `json:"duration"`
	Trades      int           `json:"trades"`
	Mutations   int           `json:"mutations"`
	Unavailable int           `json:"unavailable"`
	Failed      int           `json:"failed"`
}

type cycleCounters struct {
	mutations   atomic.Int64
	unavailable atomic.Int64
	failed      atomic.Int64
}

// Watcher polls prices for every open trade and feeds them to the registry.
type Watcher struct {
	reg     *registry.Registry
	oracle  market.PriceProvider
	emitter notifications.Emitter
	plan    registry.Planner
	opts    Options
	now     func() time.Time

	startTime time.Time
	commands  []CommandDoc

	mu        sync.Mutex
	failures  map[string]int // consecutive price failures per trade id
	lastCycle CycleStats
	running   atomic.Bool
}

func New(reg *registry.Registry, oracle market.PriceProvider, emitter notifications.Emitter, opts Options) *Watcher {
	if emitter == nil {
		emitter = notifications.LogEmitter{}
	}
	return &Watcher{
		reg:       reg,
		oracle:    oracle,
		emitter:   emitter,
		plan:      evaluator.Evaluate,
		opts:      opts.withDefaults(),
		now:       func() time.Time { return time.Now().UTC() },
		startTime: time.Now().UTC(),
		failures:  make(map[string]int),
		commands: []CommandDoc{
			{"/trades", "Liste des trades ouverts", "/trades", false},
			{"/help", "Aide", "/help", false},
			{"/start", "Message d'accueil", "/start", true},
			{"/status", "État du bot et du dernier cycle", "/status", true},
			{"/ping", "Test de connectivité", "/ping", true},
			{"/clear", "Retire tous les trades, ou ceux d'un symbole", "/clear [sol]", true},
			{"/edit", "Modifie la SL ou un TP du dernier trade d'un symbole", "/edit BTC sl 102458 | /edit BTC tp1 106453", true},
		},
	}
}

// Run waits FirstPollDelay, then polls every PollInterval until ctx is done.
// A cycle that runs longer than the interval swallows the missed ticks.
func (w *Watcher) Run(ctx context.Context) error {
	log.Info().
		Dur("interval", w.opts.PollInterval).
		Dur("first_delay", w.opts.FirstPollDelay).
		Int("workers", w.opts.Workers).
		Msg("Watcher started")

	first := time.NewTimer(w.opts.FirstPollDelay)
	defer first.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-first.C:
	}
	w.Poll(ctx)

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Watcher stopped")
			return nil
		case <-ticker.C:
			w.Poll(ctx)
		}
	}
}

// Poll runs one cycle over a snapshot of the open trades. It returns once
// every started unit has finished; after ctx is canceled no new unit starts.
func (w *Watcher) Poll(ctx context.Context) CycleStats {
	if !w.running.CompareAndSwap(false, true) {
		log.Warn().Msg("Previous cycle still running, skipping")
		return CycleStats{}
	}
	defer w.running.Store(false)

	start := w.now()
	trades := w.reg.ListActive()
	w.pruneFailures(trades)

	var counters cycleCounters
	var g errgroup.Group
	g.SetLimit(w.opts.Workers)
	for _, t := range trades {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			w.checkTrade(ctx, t, &counters)
			return nil
		})
	}
	_ = g.Wait()

	stats := CycleStats{
		Started:     start,
		Duration:    w.now().Sub(start),
		Trades:      len(trades),
		Mutations:   int(counters.mutations.Load()),
		Unavailable: int(counters.unavailable.Load()),
		Failed:      int(counters.failed.Load()),
	}
	w.mu.Lock()
	w.lastCycle = stats
	w.mu.Unlock()

	log.Info().
		Str("component", "watcher").
		Dur("duration", stats.Duration).
		Int("trades", stats.Trades).
		Int("mutations", stats.Mutations).
		Int("unavailable", stats.Unavailable).
		Int("failed", stats.Failed).
		Msg("Cycle complete")
	return stats
}

// LastCycle returns the stats of the most recent cycle.
func (w *Watcher) LastCycle() CycleStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastCycle
}

// Uptime is the time since New.
func (w *Watcher) Uptime() time.Duration { return time.Since(w.startTime) }

func (w *Watcher) emit(ctx context.Context, e models.Event) {
	if err := w.emitter.Emit(ctx, e); err != nil {
		log.Warn().Err(err).Str("trade_id", e.TradeID).Str("kind", string(e.Kind)).Msg("Event not delivered")
	}
}

// pruneFailures forgets counters of trades that left the open set.
func (w *Watcher) pruneFailures(open []models.Trade) {
	keep := make(map[string]struct{}, len(open))
	for _, t := range open {
		keep[t.ID] = struct{}{}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for id := range w.failures {
		if _, ok := keep[id]; !ok {
			delete(w.failures, id)
		}
	}
}
