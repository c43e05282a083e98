// Package store holds the authoritative in-memory table of strips. All
// mutation and iteration happen under one mutex; every successful mutation
// emits exactly one notification for the affected strip.
package store

import (
	"cmp"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/stripboard/stripd/internal/query"
	"github.com/stripboard/stripd/internal/strip"
)

var (
	// ErrNotFound is returned by Edit and Delete for an unknown id.
	ErrNotFound = errors.New("not found")
	// ErrInvalidStatus is returned when a patch carries an unknown status.
	ErrInvalidStatus = strip.ErrInvalidStatus
)

// Notifier receives the outcome of every mutation. Implementations must not
// block and must not call back into the Store.
type Notifier interface {
	Upsert(strip.Strip)
	Delete(id string)
}

// DedupeMode selects how feed-ingested strips are keyed.
type DedupeMode string

const (
	// DedupeNone gives every feed event its own strip.
	DedupeNone DedupeMode = "none"
	// DedupeCallsign updates the newest import strip with the same callsign in place.
	DedupeCallsign DedupeMode = "callsign"
)

type entry struct {
	strip strip.Strip
	seq   uint64
}

// Store is the id → Strip table.
type Store struct {
	mu     sync.Mutex
	strips map[string]*entry
	seq    uint64

	notify Notifier
	engine query.Engine
	dedupe DedupeMode
	now    func() time.Time
	log    *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithDedupe sets the feed dedupe mode.
func WithDedupe(mode DedupeMode) Option {
	return func(s *Store) { s.dedupe = mode }
}

// WithTaxonomy sets the classification taxonomy used by Query.
func WithTaxonomy(t query.Taxonomy) Option {
	return func(s *Store) { s.engine.Taxonomy = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New creates an empty Store. lifetime is the maximum age of an unpinned
// import strip. A nil notifier discards notifications.
func New(notify Notifier, lifetime time.Duration, opts ...Option) *Store {
	if notify == nil {
		notify = nopNotifier{}
	}
	s := &Store{
		strips: make(map[string]*entry),
		notify: notify,
		engine: query.Engine{Lifetime: lifetime, Taxonomy: query.DefaultTaxonomy()},
		dedupe: DedupeNone,
		now:    time.Now,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Lifetime returns the configured expiry age.
func (s *Store) Lifetime() time.Duration {
	return s.engine.Lifetime
}

// Upsert inserts st or fully replaces the strip with the same id, then
// broadcasts the stored value. A missing id is generated from st.Source.
func (s *Store) Upsert(st strip.Strip) strip.Strip {
	if st.ID == "" {
		st.ID = strip.NewID(st.Source)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(st)
	s.notify.Upsert(st)
	return st
}

// Ingest stores a strip produced by the feed, honoring the dedupe mode.
func (s *Store) Ingest(st strip.Strip) strip.Strip {
	if s.dedupe != DedupeCallsign || st.Callsign == "" {
		return s.Upsert(st)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var match *entry
	for _, e := range s.strips {
		if e.strip.Source != strip.SourceImport || e.strip.Callsign != st.Callsign {
			continue
		}
		if match == nil || e.seq > match.seq {
			match = e
		}
	}
	if match != nil {
		merged := match.strip
		merged.RealCallsign = st.RealCallsign
		merged.RobloxName = st.RobloxName
		merged.Aircraft = st.Aircraft
		merged.FlightRules = st.FlightRules
		merged.Departing = st.Departing
		merged.Arriving = st.Arriving
		merged.Route = st.Route
		merged.FlightLevel = st.FlightLevel
		merged.CreatedAt = st.CreatedAt
		merged.UpdatedAt = st.UpdatedAt
		s.log.Debug("merged feed strip", "id", merged.ID, "callsign", merged.Callsign)
		st = merged
	} else if st.ID == "" {
		st.ID = strip.NewID(st.Source)
	}

	s.put(st)
	s.notify.Upsert(st)
	return st
}

// Create builds a manual strip from p and stores it.
func (s *Store) Create(p strip.Patch) (strip.Strip, error) {
	now := s.now()
	st := strip.Strip{
		ID:        strip.NewID(strip.SourceManual),
		Source:    strip.SourceManual,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    strip.StatusFiled,
	}
	if err := p.Apply(&st); err != nil {
		return strip.Strip{}, err
	}
	strip.Normalize(&st)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(st)
	s.notify.Upsert(st)
	return st, nil
}

// Edit applies p to the strip with the given id.
func (s *Store) Edit(id string, p strip.Patch) (strip.Strip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.strips[id]
	if !ok {
		return strip.Strip{}, ErrNotFound
	}
	st := e.strip
	if err := p.Apply(&st); err != nil {
		return strip.Strip{}, err
	}
	st.UpdatedAt = s.now()
	e.strip = st
	s.notify.Upsert(st)
	return st, nil
}

// Delete removes the strip with the given id.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.strips[id]; !ok {
		return ErrNotFound
	}
	delete(s.strips, id)
	s.notify.Delete(id)
	return nil
}

// Get returns the strip with the given id.
func (s *Store) Get(id string) (strip.Strip, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.strips[id]
	if !ok {
		return strip.Strip{}, false
	}
	return e.strip, true
}

// Len returns the number of stored strips, including expired ones not yet swept.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.strips)
}

// Query returns the strips matching f in display order.
func (s *Store) Query(f query.Filter) []strip.Strip {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Select(s.ordered(), f, s.now())
}

// Sweep removes every import strip that is unpinned and older than the
// lifetime, broadcasting one delete per strip. It returns the removed ids in
// lexical order.
func (s *Store) Sweep() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.engine.Lifetime)
	var removed []string
	for id, e := range s.strips {
		if e.strip.Expired(cutoff) {
			removed = append(removed, id)
		}
	}
	slices.Sort(removed)
	for _, id := range removed {
		delete(s.strips, id)
		s.notify.Delete(id)
	}
	return removed
}

// put stores st, keeping the insertion sequence of a replaced entry.
// Callers hold s.mu.
func (s *Store) put(st strip.Strip) {
	if e, ok := s.strips[st.ID]; ok {
		e.strip = st
		return
	}
	s.seq++
	s.strips[st.ID] = &entry{strip: st, seq: s.seq}
}

// ordered returns all strips in insertion order. Callers hold s.mu.
func (s *Store) ordered() []strip.Strip {
	entries := make([]*entry, 0, len(s.strips))
	for _, e := range s.strips {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b *entry) int {
		return cmp.Compare(a.seq, b.seq)
	})
	out := make([]strip.Strip, len(entries))
	for i, e := range entries {
		out[i] = e.strip
	}
	return out
}

type nopNotifier struct{}

func (nopNotifier) Upsert(strip.Strip) {}
func (nopNotifier) Delete(string)      {}
