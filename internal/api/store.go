package api

import (
	"sync"

	"github.com/google/uuid"
)

// RunStore keeps finished run records for GET /v1/runs/:id.
type RunStore struct {
	mu   sync.Mutex
	runs map[string]RunResponse
}

func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]RunResponse)}
}

func (s *RunStore) Save(r RunResponse) {
	s.mu.Lock()
	s.runs[r.ID] = r
	s.mu.Unlock()
}

func (s *RunStore) Get(id string) (RunResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	return r, ok
}

func newRunID() string {
	return "run_" + uuid.NewString()
}
