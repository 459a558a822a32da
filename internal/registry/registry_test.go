package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultproject79-prog/ulyssetif-bot/internal/apperr"
	"github.com/vaultproject79-prog/ulyssetif-bot/internal/evaluator"
	"github.com/vaultproject79-prog/ulyssetif-bot/internal/models"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

type memStore struct {
	mu    sync.Mutex
	saves int
	state models.TradeState
	err   error
}

func (m *memStore) Load(context.Context) (models.TradeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.err
}

func (m *memStore) Save(ctx context.Context, s models.TradeState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	m.saves++
	if m.err != nil {
		return m.err
	}
	m.state = s
	return nil
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("trade-%d", n)
	}
}

func newRegistry(opts ...Option) *Registry {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	clock := func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	opts = append([]Option{WithClock(clock), WithIDGenerator(sequentialIDs())}, opts...)
	return New(opts...)
}

func call(dir models.Direction, symbol, entry, sl string, tps ...string) models.Trade {
	t := models.Trade{
		Symbol:    symbol,
		Direction: dir,
		Entry:     models.Entry{Low: d(entry), High: d(entry)},
		StopLoss:  d(sl),
	}
	for _, tp := range tps {
		t.TakeProfits = append(t.TakeProfits, models.TakeProfit{Price: d(tp)})
	}
	return t
}

func mustCreate(t *testing.T, r *Registry, tr models.Trade) string {
	t.Helper()
	id, err := r.Create(context.Background(), tr)
	require.NoError(t, err)
	return id
}

func TestCreate_AssignsIDAndPending(t *testing.T) {
	r := newRegistry()
	id := mustCreate(t, r, call(models.Long, "BTC/USDT", "100", "90", "110"))

	got, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "trade-1", got.ID)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, models.EntryReach, got.EntryRule)
	require.Len(t, got.History, 1)
	assert.Equal(t, models.KindCreated, got.History[0].Kind)
}

func TestCreate_DuplicateOpenTradeConflicts(t *testing.T) {
	r := newRegistry()
	mustCreate(t, r, call(models.Long, "BTC/USDT", "100", "90", "110"))

	_, err := r.Create(context.Background(), call(models.Long, "BTC/USDT", "100", "95", "120"))
	assert.ErrorIs(t, err, apperr.ErrConflict)

	// same symbol, different entry is a different call
	_, err = r.Create(context.Background(), call(models.Long, "BTC/USDT", "101", "90", "110"))
	assert.NoError(t, err)
}

func TestCreate_DuplicateAllowedOnceClosed(t *testing.T) {
	ctx := context.Background()
	r := newRegistry()
	id := mustCreate(t, r, call(models.Long, "BTC/USDT", "100", "90", "110"))
	_, err := r.Apply(ctx, id, models.Close(models.ReasonManualClear, decimal.Zero))
	require.NoError(t, err)

	_, err = r.Create(ctx, call(models.Long, "BTC/USDT", "100", "90", "110"))
	assert.NoError(t, err)
}

func TestCreate_RejectsInvalidTrade(t *testing.T) {
	r := newRegistry()
	_, err := r.Create(context.Background(), call(models.Long, "BTC/USDT", "100", "90"))
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestGet_UnknownIsNotFound(t *testing.T) {
	r := newRegistry()
	_, err := r.Get("nope")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = r.Apply(context.Background(), "nope", models.TouchSL(d("1")))
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestApply_TouchTPTwiceConflicts(t *testing.T) {
	ctx := context.Background()
	r := newRegistry()
	id := mustCreate(t, r, call(models.Long, "BTC/USDT", "100", "90", "110", "120"))

	_, err := r.Apply(ctx, id, models.TouchEntry(d("100")))
	require.NoError(t, err)
	_, err = r.Apply(ctx, id, models.TouchTP(0, d("110")))
	require.NoError(t, err)

	before, _ := r.Get(id)
	_, err = r.Apply(ctx, id, models.TouchTP(0, d("111")))
	assert.ErrorIs(t, err, apperr.ErrConflict)

	after, _ := r.Get(id)
	assert.Equal(t, before.History, after.History, "a rejected mutation leaves no trace")
}

func TestApply_TouchOnPendingOrClosedConflicts(t *testing.T) {
	ctx := context.Background()
	r := newRegistry()
	id := mustCreate(t, r, call(models.Long, "BTC/USDT", "100", "90", "110"))

	_, err := r.Apply(ctx, id, models.TouchTP(0, d("110")))
	assert.ErrorIs(t, err, apperr.ErrConflict, "pending trades are not monitored for TP")

	_, err = r.ApplyBatch(ctx, id, []models.Mutation{
		models.TouchEntry(d("100")),
		models.TouchSL(d("90")),
		models.Close(models.ReasonSLHit, d("90")),
	})
	require.NoError(t, err)

	_, err = r.Apply(ctx, id, models.TouchTP(0, d("110")))
	assert.ErrorIs(t, err, apperr.ErrConflict)
	_, err = r.Apply(ctx, id, models.Close(models.ReasonAllTPHit, d("110")))
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestApplyBatch_AllOrNothing(t *testing.T) {
	ctx := context.Background()
	r := newRegistry()
	id := mustCreate(t, r, call(models.Long, "BTC/USDT", "100", "90", "110"))

	_, err := r.ApplyBatch(ctx, id, []models.Mutation{
		models.TouchEntry(d("100")),
		models.TouchTP(5, d("110")), // out of range
	})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	got, _ := r.Get(id)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.False(t, got.EntryTouched)
	assert.Len(t, got.History, 1)
}

func TestEvaluate_LongScenario(t *testing.T) {
	ctx := context.Background()
	r := newRegistry()
	id := mustCreate(t, r, call(models.Long, "BTC/USDT", "100", "90", "110", "120", "130"))

	res, err := r.Evaluate(ctx, id, d("111"), evaluator.Evaluate)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, res.Trade.Status)
	assert.True(t, res.Trade.TakeProfits[0].Touched)
	assert.True(t, res.Trade.StopLoss.Equal(d("100")), "SL moved to breakeven")
	assert.True(t, res.Trade.SLAtBreakeven)
	require.Len(t, res.Entries, 3)

	res, err = r.Evaluate(ctx, id, d("95"), evaluator.Evaluate)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, res.Trade.Status)
	assert.Equal(t, models.ReasonSLHit, res.Trade.ClosedReason)

	for _, p := range []string{"125", "140", "80"} {
		res, err = r.Evaluate(ctx, id, d(p), evaluator.Evaluate)
		require.NoError(t, err)
		assert.Empty(t, res.Entries)
	}
	assert.False(t, res.Trade.TakeProfits[1].Touched)
	assert.False(t, res.Trade.TakeProfits[2].Touched)
}

func TestEvaluate_ShortScenario(t *testing.T) {
	ctx := context.Background()
	r := newRegistry()
	id := mustCreate(t, r, call(models.Short, "ETH/USDT", "100", "110", "90", "80"))

	res, err := r.Evaluate(ctx, id, d("79"), evaluator.Evaluate)
	require.NoError(t, err)

	assert.Equal(t, models.StatusClosed, res.Trade.Status)
	assert.Equal(t, models.ReasonAllTPHit, res.Trade.ClosedReason)
	assert.True(t, res.Trade.StopLoss.Equal(d("100")))

	var breakevens int
	for _, h := range res.Trade.History {
		if h.Kind == models.KindSLBreakeven {
			breakevens++
		}
	}
	assert.Equal(t, 1, breakevens)
}

func TestEvaluate_RecordsLastPriceWithoutPersisting(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	r := newRegistry(WithStore(store))
	id := mustCreate(t, r, call(models.Long, "BTC/USDT", "100", "90", "110"))
	saves := store.saves

	res, err := r.Evaluate(ctx, id, d("99.5"), evaluator.Evaluate)
	require.NoError(t, err)
	assert.Empty(t, res.Entries)
	assert.True(t, res.Trade.LastPrice.Equal(d("99.5")))
	assert.Equal(t, saves, store.saves)
}

func TestEdit_ManualSLDisablesBreakeven(t *testing.T) {
	ctx := context.Background()
	r := newRegistry()
	id := mustCreate(t, r, call(models.Long, "BTC/USDT", "100", "90", "110", "120"))

	_, err := r.Evaluate(ctx, id, d("100"), evaluator.Evaluate)
	require.NoError(t, err)

	_, err = r.Edit(ctx, models.EditRequest{TradeID: id, Field: models.FieldSL, NewValue: d("95")})
	require.NoError(t, err)

	res, err := r.Evaluate(ctx, id, d("112"), evaluator.Evaluate)
	require.NoError(t, err)
	assert.True(t, res.Trade.TakeProfits[0].Touched)
	assert.True(t, res.Trade.StopLoss.Equal(d("95")), "manual SL survives TP1")
	assert.False(t, res.Trade.SLAtBreakeven)

	_, err = r.Apply(ctx, id, models.MoveSLToBreakeven(d("112")))
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestEdit_SLAfterBreakevenClearsNote(t *testing.T) {
	ctx := context.Background()
	r := newRegistry()
	id := mustCreate(t, r, call(models.Long, "BTC/USDT", "100", "90", "110", "120"))
	_, err := r.Evaluate(ctx, id, d("110"), evaluator.Evaluate)
	require.NoError(t, err)

	tr, err := r.Edit(ctx, models.EditRequest{TradeID: id, Field: models.FieldSL, NewValue: d("105")})
	require.NoError(t, err)
	assert.False(t, tr.SLAtBreakeven)
	assert.True(t, tr.SLManual)

	last := tr.History[len(tr.History)-1]
	assert.Equal(t, models.KindSLEdited, last.Kind)
	assert.Equal(t, models.SourceManual, last.Source)
	assert.True(t, last.OldValue.Equal(d("100")))
}

func TestEdit_Validation(t *testing.T) {
	ctx := context.Background()
	r := newRegistry()
	id := mustCreate(t, r, call(models.Long, "BTC/USDT", "100", "90", "110", "120", "130"))
	short := mustCreate(t, r, call(models.Short, "ETH/USDT", "100", "110", "90"))

	cases := []struct {
		name string
		req  models.EditRequest
	}{
		{"sl above a TP", models.EditRequest{TradeID: id, Field: models.FieldSL, NewValue: d("115")}},
		{"sl above a pending entry", models.EditRequest{TradeID: id, Field: models.FieldSL, NewValue: d("105")}},
		{"sl at a pending entry", models.EditRequest{TradeID: id, Field: models.FieldSL, NewValue: d("100")}},
		{"short sl below a pending entry", models.EditRequest{TradeID: short, Field: models.FieldSL, NewValue: d("95")}},
		{"tp index out of range", models.EditRequest{TradeID: id, Field: models.FieldTP, Index: 3, NewValue: d("140")}},
		{"tp reorders", models.EditRequest{TradeID: id, Field: models.FieldTP, Index: 1, NewValue: d("135")}},
		{"tp equals neighbour", models.EditRequest{TradeID: id, Field: models.FieldTP, Index: 1, NewValue: d("110")}},
		{"tp below entry", models.EditRequest{TradeID: id, Field: models.FieldTP, Index: 0, NewValue: d("99")}},
		{"negative", models.EditRequest{TradeID: id, Field: models.FieldSL, NewValue: d("-1")}},
		{"unknown field", models.EditRequest{TradeID: id, Field: "entry", NewValue: d("1")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Edit(ctx, tc.req)
			assert.ErrorIs(t, err, apperr.ErrConflict)
		})
	}

	tr, err := r.Edit(ctx, models.EditRequest{TradeID: id, Field: models.FieldTP, Index: 1, NewValue: d("125")})
	require.NoError(t, err)
	assert.True(t, tr.TakeProfits[1].Price.Equal(d("125")))

	// a rejected SL leaves the trade pending at the entry price
	res, err := r.Evaluate(ctx, id, d("100"), evaluator.Evaluate)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, res.Trade.Status)
	assert.True(t, res.Trade.StopLoss.Equal(d("90")))
}

func TestEdit_SLAboveEntryAllowedOnceActive(t *testing.T) {
	ctx := context.Background()
	r := newRegistry()
	id := mustCreate(t, r, call(models.Long, "BTC/USDT", "100", "90", "110", "120"))
	_, err := r.Evaluate(ctx, id, d("104"), evaluator.Evaluate)
	require.NoError(t, err)

	tr, err := r.Edit(ctx, models.EditRequest{TradeID: id, Field: models.FieldSL, NewValue: d("102")})
	require.NoError(t, err)
	assert.True(t, tr.StopLoss.Equal(d("102")))
}

func TestEdit_TouchedTPAndClosedTradeConflict(t *testing.T) {
	ctx := context.Background()
	r := newRegistry()
	id := mustCreate(t, r, call(models.Long, "BTC/USDT", "100", "90", "110", "120"))
	_, err := r.Evaluate(ctx, id, d("111"), evaluator.Evaluate)
	require.NoError(t, err)

	_, err = r.Edit(ctx, models.EditRequest{TradeID: id, Field: models.FieldTP, Index: 0, NewValue: d("112")})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	_, err = r.Evaluate(ctx, id, d("121"), evaluator.Evaluate)
	require.NoError(t, err)

	_, err = r.Edit(ctx, models.EditRequest{TradeID: id, Field: models.FieldSL, NewValue: d("95")})
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestClear_ArchivesAndHidesTrade(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	r := newRegistry(WithStore(store))
	sol := mustCreate(t, r, call(models.Long, "SOL/USDT", "100", "90", "110"))
	mustCreate(t, r, call(models.Long, "BTC/USDT", "100", "90", "110"))

	n, err := r.ClearBySymbol(ctx, "sol")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = r.Get(sol)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	archived := r.Archived()
	require.Len(t, archived, 1)
	assert.Equal(t, models.ReasonManualClear, archived[0].ClosedReason)
	assert.Equal(t, models.KindCleared, archived[0].History[len(archived[0].History)-1].Kind)

	assert.Len(t, store.state.Trades, 1)
	assert.Len(t, store.state.Archived, 1)

	n, err = r.ClearAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, r.List())
}

func TestClear_KeepsSLHitReason(t *testing.T) {
	ctx := context.Background()
	r := newRegistry()
	id := mustCreate(t, r, call(models.Long, "BTC/USDT", "100", "90", "110"))
	_, err := r.Evaluate(ctx, id, d("100"), evaluator.Evaluate)
	require.NoError(t, err)
	_, err = r.Evaluate(ctx, id, d("89"), evaluator.Evaluate)
	require.NoError(t, err)

	tr, err := r.Apply(ctx, id, models.Clear())
	require.NoError(t, err)
	assert.Equal(t, models.ReasonSLHit, tr.ClosedReason)
}

func TestFindLatest(t *testing.T) {
	r := newRegistry()
	mustCreate(t, r, call(models.Long, "BTC/USDT", "100", "90", "110"))
	second := mustCreate(t, r, call(models.Short, "BTC/USDT", "200", "210", "190"))

	got, err := r.FindLatest("btc")
	require.NoError(t, err)
	assert.Equal(t, second, got.ID)

	_, err = r.FindLatest("doge")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestLoad_RestoresFromStore(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	r := newRegistry(WithStore(store))
	id := mustCreate(t, r, call(models.Long, "BTC/USDT", "100", "90", "110"))
	_, err := r.Evaluate(ctx, id, d("100"), evaluator.Evaluate)
	require.NoError(t, err)

	r2 := newRegistry(WithStore(store))
	require.NoError(t, r2.Load(ctx))

	got, err := r2.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, got.Status)
	assert.Len(t, r2.ListActive(), 1)
}

func TestEvaluate_PersistsWhenContextCanceled(t *testing.T) {
	store := &memStore{}
	r := newRegistry(WithStore(store))
	id := mustCreate(t, r, call(models.Long, "BTC/USDT", "100", "90", "110", "120"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := r.Evaluate(ctx, id, d("111"), evaluator.Evaluate)
	require.NoError(t, err)
	require.Len(t, res.Entries, 3)

	r2 := newRegistry(WithStore(store))
	require.NoError(t, r2.Load(context.Background()))
	got, err := r2.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, got.Status)
	assert.True(t, got.TakeProfits[0].Touched)
	assert.True(t, got.StopLoss.Equal(d("100")))
	assert.Len(t, got.History, 4)
}

func TestFlush_WritesSnapshot(t *testing.T) {
	store := &memStore{}
	r := newRegistry(WithStore(store))
	mustCreate(t, r, call(models.Long, "BTC/USDT", "100", "90", "110"))
	before := store.saves

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.Flush(ctx))
	assert.Equal(t, before+1, store.saves)
	assert.Len(t, store.state.Trades, 1)

	assert.NoError(t, newRegistry().Flush(context.Background()), "no store is a no-op")
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []models.Event
}

func (e *recordingEmitter) Emit(_ context.Context, ev models.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return nil
}

func TestEmitter_ReceivesEveryCommittedEntry(t *testing.T) {
	ctx := context.Background()
	em := &recordingEmitter{}
	r := newRegistry(WithEmitter(em))
	id := mustCreate(t, r, call(models.Long, "BTC/USDT", "100", "90", "110"))

	_, err := r.Evaluate(ctx, id, d("110"), evaluator.Evaluate)
	require.NoError(t, err)
	_, err = r.ClearAll(ctx)
	require.NoError(t, err)

	var kinds []models.EventKind
	for _, e := range em.events {
		assert.Equal(t, id, e.TradeID)
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []models.EventKind{
		models.KindCreated,
		models.KindEntryTouched,
		models.KindTPTouched,
		models.KindSLBreakeven,
		models.KindClosed,
		models.KindCleared,
	}, kinds)
}

func TestPersistFailureKeepsCommit(t *testing.T) {
	ctx := context.Background()
	store := &memStore{err: errors.New("disk full")}
	r := newRegistry(WithStore(store))
	id := mustCreate(t, r, call(models.Long, "BTC/USDT", "100", "90", "110"))

	res, err := r.Evaluate(ctx, id, d("100"), evaluator.Evaluate)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, res.Trade.Status)
}

func TestSnapshotsDoNotAlias(t *testing.T) {
	r := newRegistry()
	id := mustCreate(t, r, call(models.Long, "BTC/USDT", "100", "90", "110"))

	got, _ := r.Get(id)
	got.TakeProfits[0].Price = d("1")
	got.History[0].Kind = "tampered"

	again, _ := r.Get(id)
	assert.True(t, again.TakeProfits[0].Price.Equal(d("110")))
	assert.Equal(t, models.KindCreated, again.History[0].Kind)
}

func TestConcurrentEvaluateAndEditSerialize(t *testing.T) {
	ctx := context.Background()
	r := New()
	id, err := r.Create(ctx, call(models.Long, "BTC/USDT", "100", "90", "110", "120", "130", "140"))
	require.NoError(t, err)

	prices := []string{"100", "105", "111", "115", "121", "119", "131", "125"}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, _ = r.Evaluate(ctx, id, d(prices[i%len(prices)]), evaluator.Evaluate)
		}(i)
		go func() {
			defer wg.Done()
			_, _ = r.Edit(ctx, models.EditRequest{TradeID: id, Field: models.FieldSL, NewValue: d("95")})
		}()
	}
	wg.Wait()

	got, err := r.Get(id)
	require.NoError(t, err)
	for i, h := range got.History {
		assert.Equal(t, i+1, h.Seq, "history is gap-free")
	}
	assertAtMostOnce(t, got)
}

func TestConcurrentCommitsEmitInHistoryOrder(t *testing.T) {
	ctx := context.Background()
	em := &recordingEmitter{}
	r := New(WithEmitter(em))
	id, err := r.Create(ctx, call(models.Long, "BTC/USDT", "100", "90", "110", "120", "130", "140"))
	require.NoError(t, err)

	prices := []string{"100", "111", "121", "125", "131", "135", "141"}
	var wg sync.WaitGroup
	for i := 0; i < 14; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, _ = r.Evaluate(ctx, id, d(prices[i%len(prices)]), evaluator.Evaluate)
		}(i)
		go func(i int) {
			defer wg.Done()
			_, _ = r.Edit(ctx, models.EditRequest{TradeID: id, Field: models.FieldSL, NewValue: d(fmt.Sprintf("%d", 91+i%5))})
		}(i)
	}
	wg.Wait()

	got, err := r.Get(id)
	require.NoError(t, err)
	em.mu.Lock()
	defer em.mu.Unlock()
	require.Len(t, em.events, len(got.History))
	for i, e := range em.events {
		assert.Equal(t, i+1, e.Entry.Seq, "events leave in commit order")
	}
}

func assertAtMostOnce(t *testing.T, tr models.Trade) {
	t.Helper()
	tps := map[int]int{}
	var sl, be, closed int
	for _, h := range tr.History {
		switch h.Kind {
		case models.KindTPTouched:
			tps[h.Index]++
		case models.KindSLTouched:
			sl++
		case models.KindSLBreakeven:
			be++
		case models.KindClosed:
			closed++
		}
	}
	for idx, n := range tps {
		assert.LessOrEqual(t, n, 1, "TP%d touched %d times", idx+1, n)
	}
	assert.LessOrEqual(t, sl, 1)
	assert.LessOrEqual(t, be, 1)
	assert.LessOrEqual(t, closed, 1)
}
