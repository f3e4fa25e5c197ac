package report

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
)

var ErrReportNotFound = errors.New("report not found")

// Store keeps submitted reports in memory, newest last. Reads return deep
// copies so callers can hold on to a report across later submissions.
type Store struct {
	mu      sync.RWMutex
	reports map[uuid.UUID]*Report
	order   []uuid.UUID
}

func NewStore() *Store {
	return &Store{
		reports: make(map[uuid.UUID]*Report),
	}
}

// Put stores a copy of r and returns its freshly assigned id.
func (s *Store) Put(r *Report) uuid.UUID {
	id := uuid.New()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[id] = clone.Clone(r).(*Report)
	s.order = append(s.order, id)
	return id
}

func (s *Store) Get(id uuid.UUID) (*Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reports[id]
	if !ok {
		return nil, errors.Wrap(ErrReportNotFound, id.String())
	}
	return clone.Clone(r).(*Report), nil
}

// Latest returns the most recently submitted report.
func (s *Store) Latest() (*Report, uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.order) == 0 {
		return nil, uuid.Nil, ErrReportNotFound
	}
	id := s.order[len(s.order)-1]
	return clone.Clone(s.reports[id]).(*Report), id, nil
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// SaveToFile writes one stored report as indented JSON.
func (s *Store) SaveToFile(id uuid.UUID, filename string) error {
	r, err := s.Get(id)
	if err != nil {
		return err
	}

	f, err := os.Create(filename)
	if err != nil {
		return errors.Wrap(err, "could not create file")
	}
	defer func() {
		_ = f.Close()
	}()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
