package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is a RecordStore held in process memory. Stored records are
// never modified in place: an update publishes a new version and readers
// always receive clones.
type MemoryStore struct {
	mu    sync.RWMutex
	tests map[string]*testRecords
}

type testRecords struct {
	// versions is every record version in write order.
	versions []*JobRecord
	current  map[int64]*JobRecord
	order    []int64
	byJobID  map[string]int64
	// issued is the highest counter handed out or appended.
	issued int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tests: make(map[string]*testRecords)}
}

func (s *MemoryStore) namespace(test string) *testRecords {
	tr, ok := s.tests[test]
	if !ok {
		tr = &testRecords{
			current: make(map[int64]*JobRecord),
			byJobID: make(map[string]int64),
		}
		s.tests[test] = tr
	}
	return tr
}

// NextCounter reserves the next counter for test.
func (s *MemoryStore) NextCounter(_ context.Context, test string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr := s.namespace(test)
	tr.issued++
	return tr.issued, nil
}

// Append stores the first version of a record. Its counter must exceed
// every counter already stored for the test.
func (s *MemoryStore) Append(_ context.Context, r *JobRecord) error {
	rec := r.Clone()
	rec.normalize()
	if err := rec.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tr := s.namespace(rec.Test)
	if _, exists := tr.current[rec.Counter]; exists {
		return fmt.Errorf("%w: %s/%d already exists", ErrCounterNotIncreasing, rec.Test, rec.Counter)
	}
	if n := len(tr.order); n > 0 && rec.Counter <= tr.order[n-1] {
		return fmt.Errorf("%w: %s/%d after %d", ErrCounterNotIncreasing, rec.Test, rec.Counter, tr.order[n-1])
	}

	tr.versions = append(tr.versions, rec)
	tr.current[rec.Counter] = rec
	tr.order = append(tr.order, rec.Counter)
	if rec.SchedulerJobID != "" {
		tr.byJobID[rec.SchedulerJobID] = rec.Counter
	}
	if rec.Counter > tr.issued {
		tr.issued = rec.Counter
	}
	return nil
}

// Get returns a copy of the current version of a record.
func (s *MemoryStore) Get(_ context.Context, test string, counter int64) (*JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tr, ok := s.tests[test]
	if !ok {
		return nil, notFound(test, counter)
	}
	rec, ok := tr.current[counter]
	if !ok {
		return nil, notFound(test, counter)
	}
	return rec.Clone(), nil
}

// Update applies m to a copy of the current version and publishes the
// result as a new version. An unchanged record writes nothing.
func (s *MemoryStore) Update(_ context.Context, test string, counter int64, m Mutation) (*JobRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.tests[test]
	if !ok {
		return nil, false, notFound(test, counter)
	}
	prev, ok := tr.current[counter]
	if !ok {
		return nil, false, notFound(test, counter)
	}

	next := prev.Clone()
	if err := m(next); err != nil {
		return nil, false, err
	}
	next.normalize()
	if sameRecord(prev, next) {
		return prev.Clone(), false, nil
	}
	if err := checkTransition(prev, next); err != nil {
		return nil, false, err
	}

	tr.versions = append(tr.versions, next)
	tr.current[counter] = next
	return next.Clone(), true, nil
}

// Query returns copies of matching records ordered by counter.
func (s *MemoryStore) Query(_ context.Context, test string, q Query) ([]*JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tr, ok := s.tests[test]
	if !ok {
		return nil, nil
	}
	var out []*JobRecord
	for _, counter := range tr.order {
		rec := tr.current[counter]
		if q.matches(rec) {
			out = append(out, rec.Clone())
		}
	}
	return limit(out, q.Limit), nil
}

// FindBySchedulerID returns the record the scheduler knows as jobID.
func (s *MemoryStore) FindBySchedulerID(_ context.Context, test, jobID string) (*JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tr, ok := s.tests[test]
	if !ok || jobID == "" {
		return nil, fmt.Errorf("%w: %s job %s", ErrRecordNotFound, test, jobID)
	}
	counter, ok := tr.byJobID[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s job %s", ErrRecordNotFound, test, jobID)
	}
	return tr.current[counter].Clone(), nil
}

// Tests lists test names with at least one record, sorted.
func (s *MemoryStore) Tests(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tests))
	for name, tr := range s.tests {
		if len(tr.order) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Versions returns how many record versions have been written for test.
// Every write that changed a record adds one.
func (s *MemoryStore) Versions(test string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if tr, ok := s.tests[test]; ok {
		return len(tr.versions)
	}
	return 0
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func notFound(test string, counter int64) error {
	return fmt.Errorf("%w: %s/%d", ErrRecordNotFound, test, counter)
}
