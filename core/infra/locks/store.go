package locks

import (
	"context"
	"time"
)

// Lease captures the current holder of an exclusive lock.
type Lease struct {
	Resource  string    `json:"resource"`
	Owner     string    `json:"owner"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store manages exclusive resource leases. Acquire succeeds when the
// resource is free or already held by the same owner (refresh).
type Store interface {
	Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (*Lease, bool, error)
	Release(ctx context.Context, resource, owner string) (bool, error)
	Renew(ctx context.Context, resource, owner string, ttl time.Duration) (*Lease, bool, error)
	Get(ctx context.Context, resource string) (*Lease, error)
}
