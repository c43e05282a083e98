package store_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stripboard/stripd/internal/query"
	"github.com/stripboard/stripd/internal/store"
	"github.com/stripboard/stripd/internal/strip"
)

type notification struct {
	kind  string
	id    string
	strip strip.Strip
}

// recorder is a store.Notifier that keeps every notification.
type recorder struct {
	mu  sync.Mutex
	got []notification
}

func (r *recorder) Upsert(s strip.Strip) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, notification{kind: "upsert", id: s.ID, strip: s})
}

func (r *recorder) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, notification{kind: "delete", id: id})
}

func (r *recorder) all() []notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notification(nil), r.got...)
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

const lifetime = 20 * time.Minute

func newTestStore(t *testing.T, opts ...store.Option) (*store.Store, *recorder, *clock) {
	t.Helper()
	rec := &recorder{}
	clk := &clock{now: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
	opts = append([]store.Option{store.WithClock(clk.Now)}, opts...)
	return store.New(rec, lifetime, opts...), rec, clk
}

func ptr[T any](v T) *T { return &v }

func importStrip(callsign string, createdAt time.Time) strip.Strip {
	return strip.Strip{
		ID:        strip.NewID(strip.SourceImport),
		Source:    strip.SourceImport,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
		Callsign:  callsign,
		Status:    strip.StatusFiled,
	}
}

func TestCreate_ManualStripNormalized(t *testing.T) {
	s, rec, clk := newTestStore(t)

	got, err := s.Create(strip.Patch{
		Callsign:  ptr("baw123"),
		Departing: ptr("egll"),
		Arriving:  ptr(" kjfk"),
		Remarks:   ptr("Heavy"),
	})
	require.NoError(t, err)

	assert.Equal(t, strip.SourceManual, got.Source)
	assert.Contains(t, got.ID, "manual-")
	assert.Equal(t, "BAW123", got.Callsign)
	assert.Equal(t, "EGLL", got.Departing)
	assert.Equal(t, "KJFK", got.Arriving)
	assert.Equal(t, "Heavy", got.Remarks)
	assert.Equal(t, strip.StatusFiled, got.Status)
	assert.Equal(t, clk.Now(), got.CreatedAt)
	assert.Equal(t, clk.Now(), got.UpdatedAt)

	notes := rec.all()
	require.Len(t, notes, 1)
	assert.Equal(t, "upsert", notes[0].kind)
	assert.Equal(t, got, notes[0].strip)
}

func TestCreate_InvalidStatus(t *testing.T) {
	s, rec, _ := newTestStore(t)

	_, err := s.Create(strip.Patch{Status: ptr("Landed")})
	assert.ErrorIs(t, err, store.ErrInvalidStatus)
	assert.Empty(t, rec.all())
	assert.Equal(t, 0, s.Len())
}

func TestEdit_UpdatesFieldsAndTimestamp(t *testing.T) {
	s, rec, clk := newTestStore(t)
	created, err := s.Create(strip.Patch{Callsign: ptr("DAL1")})
	require.NoError(t, err)

	clk.Advance(time.Minute)
	edited, err := s.Edit(created.ID, strip.Patch{Status: ptr("Taxi"), Scratchpad: ptr("RWY 01")})
	require.NoError(t, err)

	assert.Equal(t, created.ID, edited.ID)
	assert.Equal(t, created.CreatedAt, edited.CreatedAt)
	assert.Equal(t, clk.Now(), edited.UpdatedAt)
	assert.Equal(t, strip.StatusTaxi, edited.Status)
	assert.Equal(t, "RWY 01", edited.Scratchpad)
	assert.Equal(t, "DAL1", edited.Callsign)

	notes := rec.all()
	require.Len(t, notes, 2)
	assert.Equal(t, edited, notes[1].strip)
}

func TestEdit_NotFoundProducesNoBroadcast(t *testing.T) {
	s, rec, _ := newTestStore(t)

	_, err := s.Edit("manual-missing", strip.Patch{Pinned: ptr(true)})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, rec.all())
}

func TestDelete_RemovesAndBroadcastsOnce(t *testing.T) {
	s, rec, _ := newTestStore(t)
	created, err := s.Create(strip.Patch{Callsign: ptr("AAL9"), Departing: ptr("KDCA")})
	require.NoError(t, err)

	require.NoError(t, s.Delete(created.ID))
	assert.Empty(t, s.Query(query.All()))

	notes := rec.all()
	require.Len(t, notes, 2)
	assert.Equal(t, notification{kind: "delete", id: created.ID}, notes[1])

	assert.ErrorIs(t, s.Delete(created.ID), store.ErrNotFound)
	assert.Len(t, rec.all(), 2)
}

func TestEveryMutationBroadcastsExactlyOnce(t *testing.T) {
	s, rec, _ := newTestStore(t)

	created, err := s.Create(strip.Patch{Callsign: ptr("JBU5")})
	require.NoError(t, err)
	_, err = s.Edit(created.ID, strip.Patch{Route: ptr("DCT")})
	require.NoError(t, err)
	_, err = s.Edit(created.ID, strip.Patch{Pinned: ptr(true)})
	require.NoError(t, err)
	require.NoError(t, s.Delete(created.ID))

	kinds := make([]string, 0)
	for _, n := range rec.all() {
		assert.Equal(t, created.ID, n.id)
		kinds = append(kinds, n.kind)
	}
	assert.Equal(t, []string{"upsert", "upsert", "upsert", "delete"}, kinds)
}

func TestUpsert_ReplacesInPlace(t *testing.T) {
	s, rec, clk := newTestStore(t)
	st := importStrip("SWA1", clk.Now())
	s.Upsert(st)

	st.Route = "DCT BAL"
	s.Upsert(st)

	assert.Equal(t, 1, s.Len())
	got, ok := s.Get(st.ID)
	require.True(t, ok)
	assert.Equal(t, "DCT BAL", got.Route)
	assert.Len(t, rec.all(), 2)
}

func TestSweep_RemovesStaleImportOnly(t *testing.T) {
	s, rec, clk := newTestStore(t)
	now := clk.Now()

	stale := s.Upsert(importStrip("OLD1", now.Add(-21*time.Minute)))
	fresh := s.Upsert(importStrip("NEW1", now.Add(-time.Minute)))

	pinned := importStrip("PIN1", now.Add(-time.Hour))
	pinned.Pinned = true
	s.Upsert(pinned)

	manual := s.Upsert(strip.Strip{
		Source:    strip.SourceManual,
		CreatedAt: now.Add(-time.Hour),
		Pinned:    true,
	})
	unpinnedManual := s.Upsert(strip.Strip{Source: strip.SourceManual, CreatedAt: now.Add(-time.Hour)})

	before := len(rec.all())
	removed := s.Sweep()

	assert.Equal(t, []string{stale.ID}, removed)
	after := rec.all()[before:]
	require.Len(t, after, 1)
	assert.Equal(t, notification{kind: "delete", id: stale.ID}, after[0])

	for _, id := range []string{fresh.ID, pinned.ID, manual.ID, unpinnedManual.ID} {
		_, ok := s.Get(id)
		assert.True(t, ok, "strip %s should survive the sweep", id)
	}

	assert.Empty(t, s.Sweep(), "second sweep must be a no-op")
}

func TestSweep_AfterClockAdvance(t *testing.T) {
	s, _, clk := newTestStore(t)
	st := s.Upsert(importStrip("UAL2", clk.Now()))

	clk.Advance(lifetime)
	assert.Empty(t, s.Sweep(), "strip exactly at the cutoff is still live")

	clk.Advance(time.Second)
	assert.Equal(t, []string{st.ID}, s.Sweep())
}

func TestQuery_OrderAndFilter(t *testing.T) {
	s, _, clk := newTestStore(t)
	now := clk.Now()

	a := importStrip("A", now.Add(-300*time.Second))
	a.Departing = "KDCA"
	b := importStrip("B", now.Add(-350*time.Second))
	b.Pinned = true
	b.Arriving = "KDCA"
	c := importStrip("C", now.Add(-200*time.Second))
	c.Departing = "KDCA"
	s.Upsert(a)
	s.Upsert(b)
	s.Upsert(c)

	got := s.Query(query.All())
	require.Len(t, got, 3)
	assert.Equal(t, []string{b.ID, c.ID, a.ID}, []string{got[0].ID, got[1].ID, got[2].ID})

	depOnly := s.Query(query.Filter{Airport: "KDCA", Departures: true})
	require.Len(t, depOnly, 2)
	assert.Equal(t, c.ID, depOnly[0].ID)
	assert.Equal(t, a.ID, depOnly[1].ID)
}

func TestQuery_HidesExpiredBeforeSweep(t *testing.T) {
	s, _, clk := newTestStore(t)
	s.Upsert(importStrip("OLD", clk.Now().Add(-time.Hour)))

	assert.Empty(t, s.Query(query.All()))
	assert.Equal(t, 1, s.Len())
}

func TestIngest_DedupeNoneCreatesNewStrips(t *testing.T) {
	s, _, clk := newTestStore(t)
	s.Ingest(importStrip("RYR1", clk.Now()))
	s.Ingest(importStrip("RYR1", clk.Now()))
	assert.Equal(t, 2, s.Len())
}

func TestIngest_DedupeCallsignUpdatesInPlace(t *testing.T) {
	s, rec, clk := newTestStore(t, store.WithDedupe(store.DedupeCallsign))

	first := s.Ingest(importStrip("EZY7", clk.Now()))
	_, err := s.Edit(first.ID, strip.Patch{Pinned: ptr(true), Status: ptr("Cleared")})
	require.NoError(t, err)

	clk.Advance(time.Minute)
	next := importStrip("EZY7", clk.Now())
	next.Route = "UMLAT"
	merged := s.Ingest(next)

	assert.Equal(t, 1, s.Len())
	assert.Equal(t, first.ID, merged.ID)
	assert.True(t, merged.Pinned)
	assert.Equal(t, strip.StatusCleared, merged.Status)
	assert.Equal(t, "UMLAT", merged.Route)
	assert.Equal(t, clk.Now(), merged.CreatedAt)
	assert.Len(t, rec.all(), 3)

	// Manual strips with the same callsign are never merged into.
	_, err = s.Create(strip.Patch{Callsign: ptr("TOM3")})
	require.NoError(t, err)
	s.Ingest(importStrip("TOM3", clk.Now()))
	assert.Equal(t, 3, s.Len())
}

func TestConcurrentMutationsAreSerialized(t *testing.T) {
	s, rec, _ := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			created, err := s.Create(strip.Patch{Callsign: ptr("CONC")})
			if err != nil {
				return
			}
			_, _ = s.Edit(created.ID, strip.Patch{Pinned: ptr(true)})
			_ = s.Query(query.All())
			_ = s.Sweep()
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, s.Len())
	assert.Len(t, rec.all(), 100)
}
