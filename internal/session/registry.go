package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Key identifies a database connection.
type Key struct {
	// Database is projects/{project}/instances/{instance}/databases/{database}.
	Database string
	Endpoint string
	Role     string
}

func (k Key) String() string {
	s := k.Database
	if k.Endpoint != "" {
		s += "@" + k.Endpoint
	}
	if k.Role != "" {
		s += " as " + k.Role
	}
	return s
}

// OpenFunc constructs the pool for key.
type OpenFunc func(ctx context.Context, key Key) (*Pool, error)

// Registry caches one Pool per Key. It is safe for concurrent use.
type Registry struct {
	open OpenFunc

	mu    sync.Mutex
	pools map[Key]*Pool
}

// NewRegistry returns an empty Registry which builds pools with open.
func NewRegistry(open OpenFunc) *Registry {
	return &Registry{
		open:  open,
		pools: make(map[Key]*Pool),
	}
}

// Get returns the pool of key, constructing it on first use.
// A failed construction is not cached.
func (r *Registry) Get(ctx context.Context, key Key) (*Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.pools[key]; ok {
		return p, nil
	}

	p, err := r.open(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to open session pool for %v: %w", key, err)
	}
	r.pools[key] = p
	return p, nil
}

// Len returns the number of cached pools.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pools)
}

// Close closes every pool and its connection.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	pools := r.pools
	r.pools = make(map[Key]*Pool)
	r.mu.Unlock()

	var errs []error
	for key, p := range pools {
		if err := p.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%v: %w", key, err))
		}
		if err := p.Conn().Close(); err != nil {
			errs = append(errs, fmt.Errorf("%v: %w", key, err))
		}
	}
	return errors.Join(errs...)
}
