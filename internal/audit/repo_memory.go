package audit

import (
	"context"
	"slices"
	"sync"
)

// MemoryRepo keeps events in append order. Used by tests and local runs.
type MemoryRepo struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Append(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// ListByTarget returns up to limit events about targetUserID, newest first.
func (r *MemoryRepo) ListByTarget(ctx context.Context, targetUserID string, limit int) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	out := []Event{}
	for i := len(r.events) - 1; i >= 0 && len(out) < limit; i-- {
		if r.events[i].TargetUserID == targetUserID {
			out = append(out, r.events[i])
		}
	}
	return out, nil
}

// Events returns a copy of every event in append order.
func (r *MemoryRepo) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}
