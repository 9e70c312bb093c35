package memory

import (
	"context"
	"sync"

	interfaces "github.com/sheikh-saqib/property-ledger-core/internal/interfaces"
)

// CheckpointStore keeps batch job checkpoints in memory.
type CheckpointStore struct {
	mu          sync.Mutex
	checkpoints map[string]interfaces.Checkpoint
}

func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{checkpoints: make(map[string]interfaces.Checkpoint)}
}

func (c *CheckpointStore) LoadCheckpoint(ctx context.Context, job string) (interfaces.Checkpoint, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cp, ok := c.checkpoints[job]
	return cp, ok, nil
}

func (c *CheckpointStore) SaveCheckpoint(ctx context.Context, checkpoint interfaces.Checkpoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.checkpoints[checkpoint.Job] = checkpoint
	return nil
}

func (c *CheckpointStore) ClearCheckpoint(ctx context.Context, job string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.checkpoints, job)
	return nil
}

var _ interfaces.CheckpointStore = (*CheckpointStore)(nil)
