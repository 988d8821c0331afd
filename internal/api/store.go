package api

import (
	"slices"
	"sync"

	"github.com/samcharles93/flashpatch/internal/parity"
)

// DefaultStoreCapacity bounds the reports kept in memory.
const DefaultStoreCapacity = 256

// ReportStore keeps completed parity reports in memory, evicting the oldest
// once capacity is reached.
type ReportStore struct {
	mu       sync.Mutex
	capacity int
	order    []string
	reports  map[string]*parity.Report
}

func NewReportStore(capacity int) *ReportStore {
	if capacity <= 0 {
		capacity = DefaultStoreCapacity
	}
	return &ReportStore{
		capacity: capacity,
		reports:  make(map[string]*parity.Report),
	}
}

func (s *ReportStore) Put(r *parity.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reports[r.ID]; !ok {
		s.order = append(s.order, r.ID)
	}
	s.reports[r.ID] = r
	for len(s.order) > s.capacity {
		delete(s.reports, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *ReportStore) Get(id string) (*parity.Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[id]
	return r, ok
}

func (s *ReportStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reports[id]; !ok {
		return false
	}
	delete(s.reports, id)
	s.order = slices.DeleteFunc(s.order, func(v string) bool { return v == id })
	return true
}

// List returns reports newest first.
func (s *ReportStore) List() []*parity.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*parity.Report, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		out = append(out, s.reports[s.order[i]])
	}
	return out
}
