package quota

import (
	"sort"
	"sync"
	"time"
)

// UsageRecord is one user's generation count for a calendar day.
type UsageRecord struct {
	Username string
	Date     time.Time
	Count    int
	// Reserved counts admissions granted today whose runs have not yet
	// committed or released their slot.
	Reserved int
}

// Store is a keyed usage store. Update must run fn atomically with respect to
// other updates of the same username; fn receives the current record (zero
// value and false when none exists) and returns the record to keep, or nil to
// leave the store untouched.
type Store interface {
	Update(username string, fn func(current UsageRecord, exists bool) (*UsageRecord, error)) error
	Get(username string) (UsageRecord, bool)
	List() []UsageRecord
}

// MemoryStore keeps usage records in process memory with one lock per user.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

type memoryEntry struct {
	mu     sync.Mutex
	record UsageRecord
	exists bool
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry)}
}

func (s *MemoryStore) entry(username string) *memoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[username]
	if !ok {
		e = &memoryEntry{}
		s.entries[username] = e
	}
	return e
}

// Update implements Store.
func (s *MemoryStore) Update(username string, fn func(UsageRecord, bool) (*UsageRecord, error)) error {
	e := s.entry(username)
	e.mu.Lock()
	defer e.mu.Unlock()

	next, err := fn(e.record, e.exists)
	if err != nil {
		return err
	}
	if next != nil {
		e.record = *next
		e.record.Username = username
		e.exists = true
	}
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(username string) (UsageRecord, bool) {
	s.mu.Lock()
	e, ok := s.entries[username]
	s.mu.Unlock()
	if !ok {
		return UsageRecord{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record, e.exists
}

// List implements Store. Records are sorted by username.
func (s *MemoryStore) List() []UsageRecord {
	s.mu.Lock()
	entries := make([]*memoryEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	records := make([]UsageRecord, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.exists {
			records = append(records, e.record)
		}
		e.mu.Unlock()
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Username < records[j].Username })
	return records
}
