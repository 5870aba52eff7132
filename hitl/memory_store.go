package hitl

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/conductorhq/conductor/types"
)

// MemoryStore is an in-memory approval store for development and testing.
type MemoryStore struct {
	requests map[string]*Request
	mu       sync.Mutex
}

// NewMemoryStore creates an empty in-memory approval store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*Request)}
}

func (s *MemoryStore) Save(ctx context.Context, req *Request) error {
	clone, err := cloneRequest(req)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[req.ID]; ok {
		return types.NewErrorf(types.ErrInvalidState, "approval request %s already exists", req.ID)
	}
	s.requests[req.ID] = clone
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, types.NewErrorf(types.ErrNotFound, "approval request %s not found", id)
	}
	return cloneRequest(req)
}

func (s *MemoryStore) Transition(ctx context.Context, req *Request, from Status) error {
	clone, err := cloneRequest(req)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.requests[req.ID]
	if !ok {
		return types.NewErrorf(types.ErrNotFound, "approval request %s not found", req.ID)
	}
	if current.Status != from {
		return types.NewErrorf(types.ErrInvalidState,
			"approval request %s is %s, not %s", req.ID, current.Status, from)
	}
	s.requests[req.ID] = clone
	return nil
}

func (s *MemoryStore) ListByRun(ctx context.Context, runID string, status Status) ([]*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*Request
	for _, req := range s.requests {
		if req.RunID != runID {
			continue
		}
		if status != "" && req.Status != status {
			continue
		}
		clone, err := cloneRequest(req)
		if err != nil {
			return nil, err
		}
		result = append(result, clone)
	}
	return result, nil
}

func (s *MemoryStore) ListExpired(ctx context.Context, now time.Time) ([]*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*Request
	for _, req := range s.requests {
		if req.Status == StatusPending && req.ExpiresAt.Before(now) {
			clone, err := cloneRequest(req)
			if err != nil {
				return nil, err
			}
			result = append(result, clone)
		}
	}
	return result, nil
}

func (s *MemoryStore) Close() error { return nil }

// cloneRequest deep-copies through JSON so stored requests cannot be
// mutated through retained pointers.
func cloneRequest(req *Request) (*Request, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, types.NewError(types.ErrValidation, "approval request not serializable").WithCause(err)
	}
	var out Request
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, types.NewError(types.ErrValidation, "approval request corrupt").WithCause(err)
	}
	return &out, nil
}
