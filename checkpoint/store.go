// Package checkpoint provides durable, versioned state snapshots keyed by
// (thread, checkpoint) with parent linkage. Saves are guarded by optimistic
// versioning: a write with a stale expected version fails with
// VERSION_CONFLICT instead of clobbering concurrent progress.
//
// Backends: memory (development and tests), Redis (distributed
// deployments, compare-and-set via Lua), and SQL via gorm (single-node
// durable deployments, conditional UPDATE ... WHERE version = ?).
package checkpoint

import (
	"context"
	"encoding/json"
	"time"

	"github.com/conductorhq/conductor/types"
)

// Checkpoint is a persisted snapshot of a workflow run at one transition
// point. Within a thread, checkpoint ids are unique and parents form a
// single unbroken chain.
type Checkpoint struct {
	ThreadID     string         `json:"thread_id"`
	CheckpointID string         `json:"checkpoint_id"`
	ParentID     string         `json:"parent_id,omitempty"`
	State        map[string]any `json:"state"`
	Version      int64          `json:"version"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Store is the durable keyed store for checkpoints.
type Store interface {
	// Save writes a checkpoint snapshot. expectedVersion 0 creates the
	// (thread, checkpoint) row; otherwise the stored version must equal
	// expectedVersion or Save fails with VERSION_CONFLICT. On success the
	// new version (expectedVersion + 1) is returned.
	Save(ctx context.Context, threadID, checkpointID, parentID string, state map[string]any, expectedVersion int64) (int64, error)

	// Load returns the checkpoint for (thread, checkpoint), or NOT_FOUND.
	Load(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error)

	// Latest returns the most recently created checkpoint for a thread.
	Latest(ctx context.Context, threadID string) (*Checkpoint, error)

	// History returns all checkpoints for a thread, oldest to newest,
	// validated to form a single unbroken parent chain.
	History(ctx context.Context, threadID string) ([]*Checkpoint, error)

	// Close releases backend resources.
	Close() error
}

// validateChain checks that checkpoints (oldest→newest) form one unbroken
// parent chain: the first has no parent, every later one links to its
// predecessor.
func validateChain(threadID string, cps []*Checkpoint) error {
	for i, cp := range cps {
		if i == 0 {
			if cp.ParentID != "" {
				return types.NewErrorf(types.ErrValidation,
					"thread %s: first checkpoint %s has parent %s", threadID, cp.CheckpointID, cp.ParentID)
			}
			continue
		}
		if cp.ParentID != cps[i-1].CheckpointID {
			return types.NewErrorf(types.ErrValidation,
				"thread %s: checkpoint %s parent %q breaks chain (expected %s)",
				threadID, cp.CheckpointID, cp.ParentID, cps[i-1].CheckpointID)
		}
	}
	return nil
}

func encodeState(state map[string]any) ([]byte, error) {
	if state == nil {
		state = map[string]any{}
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, types.NewError(types.ErrValidation, "state not serializable").WithCause(err)
	}
	return data, nil
}

func decodeState(data []byte) (map[string]any, error) {
	state := make(map[string]any)
	if len(data) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, types.NewError(types.ErrValidation, "stored state corrupt").WithCause(err)
	}
	return state, nil
}

func notFound(threadID, checkpointID string) error {
	return types.NewErrorf(types.ErrNotFound, "checkpoint %s/%s not found", threadID, checkpointID).
		WithResource(threadID)
}

func versionConflict(threadID, checkpointID string, expected int64) error {
	return types.NewErrorf(types.ErrVersionConflict,
		"checkpoint %s/%s: stored version does not match expected %d", threadID, checkpointID, expected).
		WithResource(threadID)
}
