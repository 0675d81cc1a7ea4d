package staff

import (
	"context"
	"sync"
	"time"

	"staff-portal/internal/rbac"
)

// MemoryRepo keeps staff profiles in memory. Useful for tests and local runs.
type MemoryRepo struct {
	mu       sync.Mutex
	profiles map[string]Profile
}

func NewMemoryRepo(profiles ...Profile) *MemoryRepo {
	r := &MemoryRepo{profiles: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		r.profiles[p.UserID] = p
	}
	return r
}

// Put inserts or replaces a profile.
func (r *MemoryRepo) Put(p Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.UserID] = p
}

func (r *MemoryRepo) Get(userID string) (Profile, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[userID]
	return p, ok
}

func (r *MemoryRepo) FindRole(ctx context.Context, userID string) (rbac.Role, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[userID]
	if !ok || !p.Active {
		return 0, false, nil
	}
	return p.Role, true, nil
}

func (r *MemoryRepo) UpdateRole(ctx context.Context, userID string, role rbac.Role, now time.Time, guard func(current rbac.Role) error) (rbac.Role, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[userID]
	if !ok || !p.Active {
		return 0, ErrNotFound
	}
	if guard != nil {
		if err := guard(p.Role); err != nil {
			return 0, err
		}
	}
	prev := p.Role
	if prev != role {
		p.Role = role
		p.UpdatedAt = now
		r.profiles[userID] = p
	}
	return prev, nil
}
