package quota

import (
	"fmt"
	"sync"
	"time"

	"framereel/internal/services"
)

// Tracker enforces per-user daily generation limits.
type Tracker struct {
	store Store
	now   func() time.Time
}

// Option customizes the tracker.
type Option func(*Tracker)

// WithClock overrides the time source (useful for tests).
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithStore swaps the in-memory store for another keyed implementation.
func WithStore(store Store) Option {
	return func(t *Tracker) {
		if store != nil {
			t.store = store
		}
	}
}

// NewTracker constructs a tracker backed by a MemoryStore unless overridden.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{store: NewMemoryStore(), now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func dayOf(ts time.Time) time.Time {
	y, m, d := ts.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, ts.Location())
}

// rollover returns rec adjusted to today, resetting counters on a new day.
func rollover(rec UsageRecord, today time.Time) UsageRecord {
	if !rec.Date.Equal(today) {
		rec.Date = today
		rec.Count = 0
		rec.Reserved = 0
	}
	return rec
}

// Check reports whether username may start another generation today. The
// record is created on first access and reset when its date is not today.
func (t *Tracker) Check(username string, tier Tier) bool {
	today := dayOf(t.now())
	allowed := false
	_ = t.store.Update(username, func(current UsageRecord, _ bool) (*UsageRecord, error) {
		next := rollover(current, today)
		allowed = tier.Allows(next.Count)
		return &next, nil
	})
	return allowed
}

// Increment adds one generation to today's count. Users without a record are
// ignored; callers only increment after a successful Check.
func (t *Tracker) Increment(username string) {
	today := dayOf(t.now())
	_ = t.store.Update(username, func(current UsageRecord, exists bool) (*UsageRecord, error) {
		if !exists {
			return nil, nil
		}
		next := rollover(current, today)
		next.Count++
		return &next, nil
	})
}

// Usage returns today's view of a user's record without creating one.
func (t *Tracker) Usage(username string) (UsageRecord, bool) {
	rec, ok := t.store.Get(username)
	if !ok {
		return UsageRecord{Username: username, Date: dayOf(t.now())}, false
	}
	return rollover(rec, dayOf(t.now())), true
}

// Records lists every known usage record as of today.
func (t *Tracker) Records() []UsageRecord {
	today := dayOf(t.now())
	records := t.store.List()
	for i := range records {
		records[i] = rollover(records[i], today)
	}
	return records
}

// DayStart returns the start of the current quota day.
func (t *Tracker) DayStart() time.Time {
	return dayOf(t.now())
}

// Restore raises today's count for username to count. It seeds a fresh
// tracker from run history and never lowers a count already recorded.
func (t *Tracker) Restore(username string, count int) {
	if count <= 0 {
		return
	}
	today := dayOf(t.now())
	_ = t.store.Update(username, func(current UsageRecord, _ bool) (*UsageRecord, error) {
		next := rollover(current, today)
		if count > next.Count {
			next.Count = count
		}
		return &next, nil
	})
}

// Reserve performs the admission decision for one run. Committed counts and
// outstanding reservations are compared against the tier limit under the
// user's lock, so two concurrent runs cannot both take the last slot. The
// returned error wraps services.ErrQuotaExceeded when no slot is left.
func (t *Tracker) Reserve(username string, tier Tier) (*Reservation, error) {
	today := dayOf(t.now())
	err := t.store.Update(username, func(current UsageRecord, _ bool) (*UsageRecord, error) {
		next := rollover(current, today)
		if !tier.Allows(next.Count + next.Reserved) {
			return nil, services.Wrap(services.ErrQuotaExceeded, "quota", "reserve",
				fmt.Sprintf("%s tier allows %d generations per day", tier, tier.Limit()), nil)
		}
		next.Reserved++
		return &next, nil
	})
	if err != nil {
		return nil, err
	}
	return &Reservation{tracker: t, username: username, date: today}, nil
}

// Reservation is an admission slot held by one run. Exactly one of Commit or
// Release takes effect; later calls are no-ops.
type Reservation struct {
	tracker  *Tracker
	username string
	date     time.Time

	mu   sync.Mutex
	done bool
}

// Username returns the user the slot was reserved for.
func (r *Reservation) Username() string {
	return r.username
}

// Commit converts the reservation into one counted generation.
func (r *Reservation) Commit() error {
	return r.finish(true)
}

// Release returns the slot without counting a generation.
func (r *Reservation) Release() {
	_ = r.finish(false)
}

func (r *Reservation) finish(commit bool) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return nil
	}
	today := dayOf(r.tracker.now())
	err := r.tracker.store.Update(r.username, func(current UsageRecord, exists bool) (*UsageRecord, error) {
		if !exists {
			return nil, nil
		}
		sameDay := current.Date.Equal(r.date)
		next := rollover(current, today)
		// A reservation taken before midnight no longer holds a slot once
		// the record has rolled over.
		if sameDay && current.Date.Equal(today) && next.Reserved > 0 {
			next.Reserved--
		}
		if commit {
			next.Count++
		}
		return &next, nil
	})
	if err != nil {
		return err
	}
	r.done = true
	return nil
}
