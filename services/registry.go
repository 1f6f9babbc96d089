package services

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrNoVisitor = errors.New("visitor id is required")

// ControllerFactory builds an uninitialised controller for one visitor.
type ControllerFactory func(visitorID string) *ChatController

// Registry hands out one ChatController per visitor, building and
// initialising it on first use.
type Registry struct {
	build ControllerFactory
	now   func() time.Time

	mu          sync.Mutex
	controllers map[string]*registryEntry
}

type registryEntry struct {
	// closed once Init has finished; ctrl and err are set before that
	ready chan struct{}
	ctrl  *ChatController
	err   error

	lastUsed time.Time
	leases   int
}

func NewRegistry(build ControllerFactory) *Registry {
	return &Registry{
		build:       build,
		now:         time.Now,
		controllers: make(map[string]*registryEntry),
	}
}

// For returns the visitor's controller. A failed Init is not cached, so
// the next call retries.
func (r *Registry) For(ctx context.Context, visitorID string) (*ChatController, error) {
	c, release, err := r.Acquire(ctx, visitorID)
	if err != nil {
		return nil, err
	}
	release()
	return c, nil
}

// Acquire is For plus a lease: the controller is not evicted until
// release is called.
func (r *Registry) Acquire(ctx context.Context, visitorID string) (*ChatController, func(), error) {
	if visitorID == "" {
		return nil, nil, ErrNoVisitor
	}

	r.mu.Lock()
	e, ok := r.controllers[visitorID]
	if !ok {
		e = &registryEntry{ready: make(chan struct{})}
		r.controllers[visitorID] = e
	}
	e.lastUsed = r.now()
	e.leases++
	r.mu.Unlock()

	if !ok {
		r.initEntry(ctx, visitorID, e)
	} else {
		select {
		case <-e.ready:
		case <-ctx.Done():
			r.release(e)
			return nil, nil, ctx.Err()
		}
	}

	if e.err != nil {
		r.release(e)
		return nil, nil, e.err
	}

	var once sync.Once
	return e.ctrl, func() { once.Do(func() { r.release(e) }) }, nil
}

// initEntry runs Init without holding the registry lock.
func (r *Registry) initEntry(ctx context.Context, visitorID string, e *registryEntry) {
	c := r.build(visitorID)
	err := c.Init(ctx)

	r.mu.Lock()
	if err != nil {
		if r.controllers[visitorID] == e {
			delete(r.controllers, visitorID)
		}
		e.err = err
	} else {
		e.ctrl = c
	}
	r.mu.Unlock()
	close(e.ready)
}

func (r *Registry) release(e *registryEntry) {
	r.mu.Lock()
	e.leases--
	e.lastUsed = r.now()
	r.mu.Unlock()
}

// Forget drops a visitor's controller; the next For rebuilds it from storage.
func (r *Registry) Forget(visitorID string) {
	r.mu.Lock()
	delete(r.controllers, visitorID)
	r.mu.Unlock()
}

// EvictIdle drops controllers unused for longer than maxIdle. Leased
// controllers and those waiting for a reply are kept. Everything they hold
// is already stored, so an evicted visitor resumes from storage on the
// next request.
func (r *Registry) EvictIdle(maxIdle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxIdle)
	evicted := 0
	for id, e := range r.controllers {
		if e.leases > 0 || e.ctrl == nil || e.lastUsed.After(cutoff) {
			continue
		}
		if e.ctrl.Snapshot().State == StateSending {
			continue
		}
		delete(r.controllers, id)
		evicted++
	}
	return evicted
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.controllers)
}
