// Package registry owns the tracked trades.
//
// Every state change goes through Apply, ApplyBatch or Evaluate. Each trade has
// its own mutex, so at most one mutation per trade id is in flight; the map
// lock only guards membership. Lock order is map lock, then trade lock.
//
// Events are handed to the emitter while the trade lock is held, so a trade's
// events leave in history order. The emitter must not block.
package registry

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/vaultproject79-prog/ulyssetif-bot/internal/apperr"
	"github.com/vaultproject79-prog/ulyssetif-bot/internal/models"
	"github.com/vaultproject79-prog/ulyssetif-bot/internal/notifications"
)

// saveTimeout bounds a store write. Saves outlive the caller's context so a
// commit made during shutdown or after a unit timeout still reaches disk.
const saveTimeout = 5 * time.Second

// Store persists registry snapshots.
type Store interface {
	Load(ctx context.Context) (models.TradeState, error)
	Save(ctx context.Context, s models.TradeState) error
}

// Planner computes mutations for a trade and a price sample.
type Planner func(t models.Trade, price decimal.Decimal) []models.Mutation

// Result is a committed change: the new snapshot plus the history entries the
// change appended.
type Result struct {
	Trade   models.Trade
	Entries []models.HistoryEntry
}

type slot struct {
	mu      sync.Mutex
	trade   models.Trade
	removed bool
}

// Registry is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	slots    map[string]*slot
	archived []models.Trade

	saveMu sync.Mutex
	store  Store

	emitter notifications.Emitter

	entryRule models.EntryRule
	now       func() time.Time
	newID     func() string
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore persists every commit to s.
func WithStore(s Store) Option { return func(r *Registry) { r.store = s } }

// WithEmitter receives one event per committed history entry.
func WithEmitter(e notifications.Emitter) Option { return func(r *Registry) { r.emitter = e } }

// WithEntryRule sets the entry rule given to trades created without one.
func WithEntryRule(rule models.EntryRule) Option { return func(r *Registry) { r.entryRule = rule } }

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// WithIDGenerator overrides trade id generation, for tests.
func WithIDGenerator(gen func() string) Option { return func(r *Registry) { r.newID = gen } }

// New returns an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		slots:     make(map[string]*slot),
		entryRule: models.EntryReach,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Load replaces the registry content with what the store holds.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	s, err := r.store.Load(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots = make(map[string]*slot, len(s.Trades))
	for _, t := range s.Trades {
		r.slots[t.ID] = &slot{trade: t.Clone()}
	}
	r.archived = append([]models.Trade(nil), s.Archived...)
	log.Info().Int("trades", len(s.Trades)).Int("archived", len(s.Archived)).Msg("Registry loaded")
	return nil
}

// Create registers a new PENDING trade and returns its id. An open trade with
// the same symbol and entry is a Conflict.
func (r *Registry) Create(ctx context.Context, t models.Trade) (string, error) {
	if err := validateNew(&t); err != nil {
		return "", err
	}

	now := r.now()
	t = t.Clone()
	t.ID = r.newID()
	t.Status = models.StatusPending
	t.ClosedReason = models.ReasonNone
	t.ClosedAt = nil
	t.EntryTouched, t.EntryTouchedAt = false, nil
	t.SLTouched, t.SLTouchedAt = false, nil
	t.SLAtBreakeven, t.SLManual = false, false
	for i := range t.TakeProfits {
		t.TakeProfits[i].Touched = false
		t.TakeProfits[i].TouchedAt = nil
	}
	if t.EntryRule == "" {
		t.EntryRule = r.entryRule
	}
	t.CreatedAt = now
	t.UpdatedAt = now
	t.History = []models.HistoryEntry{{
		Seq:      1,
		Kind:     models.KindCreated,
		At:       now,
		Source:   models.SourceManual,
		Index:    -1,
		NewValue: t.StopLoss,
	}}

	r.mu.Lock()
	for _, s := range r.slots {
		s.mu.Lock()
		dup := s.trade.IsOpen() && s.trade.Symbol == t.Symbol && s.trade.Entry.Equal(t.Entry)
		dupID := s.trade.ID
		s.mu.Unlock()
		if dup {
			r.mu.Unlock()
			return "", apperr.NewConflict(dupID, "create", "an open trade already tracks "+t.Symbol+" at this entry")
		}
	}
	created := &slot{trade: t}
	created.mu.Lock()
	r.slots[t.ID] = created
	r.mu.Unlock()
	r.emit(ctx, &t, t.History[0])
	created.mu.Unlock()

	log.Info().
		Str("trade_id", t.ID).
		Str("symbol", t.Symbol).
		Str("direction", string(t.Direction)).
		Msg("Trade created")
	r.persist(ctx)
	return t.ID, nil
}

// Get returns a snapshot of the trade.
func (r *Registry) Get(id string) (models.Trade, error) {
	s, ok := r.lookup(id)
	if !ok {
		return models.Trade{}, apperr.NewNotFound(id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return models.Trade{}, apperr.NewNotFound(id)
	}
	return s.trade.Clone(), nil
}

// List returns every live trade, closed ones included, oldest first.
func (r *Registry) List() []models.Trade {
	return r.collect(func(*models.Trade) bool { return true })
}

// ListActive returns the PENDING and ACTIVE trades, oldest first.
func (r *Registry) ListActive() []models.Trade {
	return r.collect((*models.Trade).IsOpen)
}

// Archived returns the cleared trades.
func (r *Registry) Archived() []models.Trade {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Trade, len(r.archived))
	for i, t := range r.archived {
		out[i] = t.Clone()
	}
	return out
}

// FindLatest returns the most recently created open trade whose symbol
// contains sub (case-insensitive).
func (r *Registry) FindLatest(sub string) (models.Trade, error) {
	sub = strings.ToUpper(strings.TrimSpace(sub))
	matches := r.collect(func(t *models.Trade) bool {
		return t.IsOpen() && sub != "" && strings.Contains(t.Symbol, sub)
	})
	if len(matches) == 0 {
		return models.Trade{}, apperr.NewNotFound(sub)
	}
	return matches[len(matches)-1], nil
}

// Apply commits a single mutation.
func (r *Registry) Apply(ctx context.Context, id string, m models.Mutation) (models.Trade, error) {
	res, err := r.ApplyBatch(ctx, id, []models.Mutation{m})
	return res.Trade, err
}

// ApplyBatch commits mutations in order, all or nothing.
func (r *Registry) ApplyBatch(ctx context.Context, id string, ms []models.Mutation) (Result, error) {
	return r.commit(ctx, id, func(models.Trade) ([]models.Mutation, error) { return ms, nil })
}

// Evaluate runs plan against the current state of the trade, under its lock,
// and commits the result. The observed price is recorded even when the plan
// yields nothing.
func (r *Registry) Evaluate(ctx context.Context, id string, price decimal.Decimal, plan Planner) (Result, error) {
	return r.commit(ctx, id, func(t models.Trade) ([]models.Mutation, error) {
		return plan(t, price), nil
	}, observe(price))
}

// Edit applies a normalized admin edit.
func (r *Registry) Edit(ctx context.Context, req models.EditRequest) (models.Trade, error) {
	return r.Apply(ctx, req.TradeID, req.Mutation())
}

// ClearBySymbol archives every live trade whose symbol contains sub.
func (r *Registry) ClearBySymbol(ctx context.Context, sub string) (int, error) {
	sub = strings.ToUpper(strings.TrimSpace(sub))
	return r.clearWhere(ctx, func(t *models.Trade) bool { return strings.Contains(t.Symbol, sub) })
}

// ClearAll archives every live trade.
func (r *Registry) ClearAll(ctx context.Context) (int, error) {
	return r.clearWhere(ctx, func(*models.Trade) bool { return true })
}

func (r *Registry) clearWhere(ctx context.Context, match func(*models.Trade) bool) (int, error) {
	n := 0
	for _, t := range r.collect(match) {
		if _, err := r.Apply(ctx, t.ID, models.Clear()); err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				continue // cleared concurrently
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// Snapshot returns the persistable state.
func (r *Registry) Snapshot() models.TradeState {
	return models.TradeState{
		LastSync: r.now().Format(time.RFC3339),
		Trades:   r.List(),
		Archived: r.Archived(),
	}
}

type commitOption func(*models.Trade, time.Time)

func observe(price decimal.Decimal) commitOption {
	return func(t *models.Trade, now time.Time) {
		if price.IsPositive() {
			t.LastPrice = price
			t.LastPriceAt = &now
		}
	}
}

func (r *Registry) commit(ctx context.Context, id string, plan func(models.Trade) ([]models.Mutation, error), opts ...commitOption) (Result, error) {
	s, ok := r.lookup(id)
	if !ok {
		return Result{}, apperr.NewNotFound(id)
	}

	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return Result{}, apperr.NewNotFound(id)
	}

	ms, err := plan(s.trade.Clone())
	if err != nil {
		s.mu.Unlock()
		return Result{}, err
	}

	now := r.now()
	working := s.trade.Clone()
	var entries []models.HistoryEntry
	for _, m := range ms {
		e, err := applyMutation(&working, m, now)
		if err != nil {
			s.mu.Unlock()
			return Result{}, err
		}
		working.History = append(working.History, e)
		entries = append(entries, e)
	}
	for _, o := range opts {
		o(&working, now)
	}
	if len(entries) > 0 {
		working.UpdatedAt = now
	}

	cleared := len(ms) > 0 && ms[len(ms)-1].Kind == models.MutClear
	s.trade = working
	s.removed = cleared
	snap := working.Clone()
	for _, e := range entries {
		r.emit(ctx, &snap, e)
	}
	s.mu.Unlock()

	if cleared {
		r.mu.Lock()
		delete(r.slots, id)
		r.archived = append(r.archived, snap.Clone())
		r.mu.Unlock()
		log.Info().Str("trade_id", id).Str("symbol", snap.Symbol).Msg("Trade cleared")
	}

	if len(entries) > 0 {
		r.persist(ctx)
	}
	return Result{Trade: snap, Entries: entries}, nil
}

func (r *Registry) lookup(id string) (*slot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.slots[id]
	return s, ok
}

func (r *Registry) collect(match func(*models.Trade) bool) []models.Trade {
	r.mu.RLock()
	out := make([]models.Trade, 0, len(r.slots))
	for _, s := range r.slots {
		s.mu.Lock()
		if !s.removed && match(&s.trade) {
			out = append(out, s.trade.Clone())
		}
		s.mu.Unlock()
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Flush writes the current state to the store.
func (r *Registry) Flush(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	r.saveMu.Lock()
	defer r.saveMu.Unlock()
	return r.store.Save(sctx, r.Snapshot())
}

// persist writes the latest snapshot. A failed save keeps the in-memory
// commit; the next commit writes again.
func (r *Registry) persist(ctx context.Context) {
	if err := r.Flush(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to persist trades")
	}
}

func (r *Registry) emit(ctx context.Context, t *models.Trade, h models.HistoryEntry) {
	if r.emitter == nil {
		return
	}
	if err := r.emitter.Emit(ctx, models.EventFromHistory(t, h)); err != nil {
		log.Warn().Err(err).Str("trade_id", t.ID).Str("kind", string(h.Kind)).Msg("Event not delivered")
	}
}

func validateNew(t *models.Trade) error {
	reject := func(reason string) error { return apperr.NewConflict("", "create", reason) }
	switch {
	case strings.TrimSpace(t.Symbol) == "":
		return reject("symbol is empty")
	case t.Direction != models.Long && t.Direction != models.Short:
		return reject("direction must be LONG or SHORT")
	case len(t.TakeProfits) == 0:
		return reject("no take-profit levels")
	case !t.StopLoss.IsPositive():
		return reject("stop-loss must be positive")
	case !t.Entry.Low.IsPositive() || t.Entry.High.LessThan(t.Entry.Low):
		return reject("invalid entry")
	}
	return nil
}
