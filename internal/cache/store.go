package cache

import (
	"context"
	"time"
)

// Mode tells whether a Store is backed by a real cache.
// It is fixed when the store is constructed.
type Mode int

const (
	ModeUnconfigured Mode = iota
	ModeConfigured
)

func (m Mode) String() string {
	if m == ModeConfigured {
		return "configured"
	}
	return "unconfigured"
}

// Store is a key-value cache with per-entry TTL.
//
// Implementations never return errors: a backend fault (unreachable, timeout,
// unconfigured) is reported as a miss on reads and silently dropped on writes.
// Callers must therefore treat every Get miss as "recompute".
//
// Delete reports whether the key is known to be gone afterwards. false means
// the backend could not be reached and an old value may still be served.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration)
	Delete(ctx context.Context, key string) bool
	IsHealthy(ctx context.Context) bool
	Mode() Mode
}

// Flusher is implemented by stores that can drop every key under a prefix.
type Flusher interface {
	Flush(ctx context.Context, prefix string) int
}

// Unconfigured is the permanent no-op store used when no backend is configured.
type Unconfigured struct{}

func (Unconfigured) Get(context.Context, string) ([]byte, bool)                  { return nil, false }
func (Unconfigured) SetWithTTL(context.Context, string, []byte, time.Duration) {}
func (Unconfigured) Delete(context.Context, string) bool                         { return true }
func (Unconfigured) IsHealthy(context.Context) bool                              { return false }
func (Unconfigured) Mode() Mode                                                  { return ModeUnconfigured }

var _ Store = Unconfigured{}
