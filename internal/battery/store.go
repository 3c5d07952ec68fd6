package battery

import "sync"

// Store holds the authoritative in-memory view of tracked battery records.
// All methods are safe for concurrent use; All and Get return copies so
// callers never observe mutation mid-read.
type Store struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewStore creates an empty snapshot store.
func NewStore() *Store {
	return &Store{
		records: make(map[string]Record),
	}
}

// Upsert inserts or replaces the record keyed by its entity ID.
func (s *Store) Upsert(r Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.EntityID] = r
}

// Remove deletes the record if present; no-op otherwise.
func (s *Store) Remove(entityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, entityID)
}

// Get returns a copy of the record for entityID.
func (s *Store) Get(entityID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[entityID]
	return r, ok
}

// Has reports whether entityID is tracked.
func (s *Store) Has(entityID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[entityID]
	return ok
}

// All returns a point-in-time copy of every record, in no particular order.
func (s *Store) All() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		records = append(records, r)
	}
	return records
}

// EntityIDs returns the ids of every tracked record.
func (s *Store) EntityIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of tracked records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
