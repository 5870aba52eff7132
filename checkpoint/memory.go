package checkpoint

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and testing.
type MemoryStore struct {
	// threads maps thread id → checkpoint id → checkpoint.
	threads map[string]map[string]*Checkpoint
	// order preserves per-thread creation order for History/Latest.
	order map[string][]string
	mu    sync.Mutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads: make(map[string]map[string]*Checkpoint),
		order:   make(map[string][]string),
	}
}

func (s *MemoryStore) Save(ctx context.Context, threadID, checkpointID, parentID string, state map[string]any, expectedVersion int64) (int64, error) {
	// Deep-copy through JSON so callers cannot mutate stored state.
	data, err := encodeState(state)
	if err != nil {
		return 0, err
	}
	stored, err := decodeState(data)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cps := s.threads[threadID]
	existing, ok := cps[checkpointID]

	if expectedVersion == 0 {
		if ok {
			return 0, versionConflict(threadID, checkpointID, expectedVersion)
		}
		if parentID != "" {
			if _, parentOK := cps[parentID]; !parentOK {
				return 0, notFound(threadID, parentID)
			}
		}
		if cps == nil {
			cps = make(map[string]*Checkpoint)
			s.threads[threadID] = cps
		}
		cps[checkpointID] = &Checkpoint{
			ThreadID:     threadID,
			CheckpointID: checkpointID,
			ParentID:     parentID,
			State:        stored,
			Version:      1,
			CreatedAt:    time.Now(),
		}
		s.order[threadID] = append(s.order[threadID], checkpointID)
		return 1, nil
	}

	if !ok {
		return 0, notFound(threadID, checkpointID)
	}
	if existing.Version != expectedVersion {
		return 0, versionConflict(threadID, checkpointID, expectedVersion)
	}

	existing.State = stored
	existing.Version = expectedVersion + 1
	return existing.Version, nil
}

func (s *MemoryStore) Load(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.threads[threadID][checkpointID]
	if !ok {
		return nil, notFound(threadID, checkpointID)
	}
	return s.snapshot(cp)
}

func (s *MemoryStore) Latest(ctx context.Context, threadID string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.order[threadID]
	if len(ids) == 0 {
		return nil, notFound(threadID, "latest")
	}
	return s.snapshot(s.threads[threadID][ids[len(ids)-1]])
}

func (s *MemoryStore) History(ctx context.Context, threadID string) ([]*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.order[threadID]
	result := make([]*Checkpoint, 0, len(ids))
	for _, id := range ids {
		cp, err := s.snapshot(s.threads[threadID][id])
		if err != nil {
			return nil, err
		}
		result = append(result, cp)
	}
	if err := validateChain(threadID, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *MemoryStore) Close() error { return nil }

// snapshot returns a copy safe to hand out; must be called with the lock held.
func (s *MemoryStore) snapshot(cp *Checkpoint) (*Checkpoint, error) {
	data, err := encodeState(cp.State)
	if err != nil {
		return nil, err
	}
	state, err := decodeState(data)
	if err != nil {
		return nil, err
	}
	out := *cp
	out.State = state
	return &out, nil
}
