// Package multiplexer implements the worker-side Client Multiplexer
// (spec.md §4.7): a per-environment pool of remote-service clients guarded
// by a counting gate, using golang.org/x/sync/semaphore for FIFO-fair,
// cancellable acquisition.
package multiplexer

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/ddkit/ddk/internal/errs"
)

// Client is any remote-service client the multiplexer can pool. Clone
// produces an independent client sharing the same root configuration;
// Dispose releases any resources the client owns.
type Client interface {
	Clone() Client
	Dispose()
}

// RootFactory constructs the template client for an environment the first
// time it is registered.
type RootFactory func() Client

type entry struct {
	root     Client
	gate     *semaphore.Weighted
	capacity int64

	mu       sync.Mutex
	pool     []Client
	disposed bool
}

// Multiplexer manages one entry per remote-service base URL.
type Multiplexer struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New builds an empty Multiplexer.
func New() *Multiplexer {
	return &Multiplexer{entries: make(map[string]*entry)}
}

// RegisterEnvironment is idempotent per url: the first call wins, later
// calls are a no-op (round-trip law in spec.md §8).
func (m *Multiplexer) RegisterEnvironment(url string, maxConcurrency int, factory RootFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[url]; exists {
		return
	}
	m.entries[url] = &entry{
		root:     factory(),
		gate:     semaphore.NewWeighted(int64(maxConcurrency)),
		capacity: int64(maxConcurrency),
	}
}

func (m *Multiplexer) get(url string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[url]
	if !ok {
		return nil, errs.Mark(errs.Newf("environment %s not registered", url), errs.ErrEnvironmentNotReg)
	}
	return e, nil
}

// GetServiceClient returns a fresh clone of the root client, for short
// operations that don't need lease discipline.
func (m *Multiplexer) GetServiceClient(url string) (Client, error) {
	e, err := m.get(url)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return nil, errs.Mark(errs.New("multiplexer disposed"), errs.ErrDisposed)
	}
	return e.root.Clone(), nil
}

// Lease owns a pooled client until Release is called. Releasing twice is a
// no-op.
type Lease struct {
	client Client
	e      *entry
	once   sync.Once
}

// Client returns the leased client.
func (l *Lease) Client() Client { return l.client }

// Release returns the client to the pool and the slot to the gate. Safe to
// call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.e.mu.Lock()
		disposed := l.e.disposed
		if !disposed {
			l.e.pool = append(l.e.pool, l.client)
		}
		l.e.mu.Unlock()
		l.e.gate.Release(1)
		if disposed {
			l.client.Dispose()
		}
	})
}

// GetMultiplexedClientAsync awaits a slot on url's gate, then returns a
// Lease wrapping either a pooled idle client or a fresh clone. Cancellation
// of ctx is honored and reported as errs.ErrCancelled, without consuming a
// slot.
func (m *Multiplexer) GetMultiplexedClientAsync(ctx context.Context, url string) (*Lease, error) {
	e, err := m.get(url)
	if err != nil {
		return nil, err
	}

	if err := e.gate.Acquire(ctx, 1); err != nil {
		return nil, errs.Mark(errs.Wrap(err, "acquire multiplexer gate"), errs.ErrCancelled)
	}

	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		e.gate.Release(1)
		return nil, errs.Mark(errs.New("multiplexer disposed"), errs.ErrDisposed)
	}
	var client Client
	if n := len(e.pool); n > 0 {
		client = e.pool[n-1]
		e.pool = e.pool[:n-1]
	} else {
		client = e.root.Clone()
	}
	e.mu.Unlock()

	return &Lease{client: client, e: e}, nil
}

// Dispose disposes every pooled client and the root for url; subsequent
// operations against url fail with errs.ErrDisposed.
func (m *Multiplexer) Dispose(url string) error {
	e, err := m.get(url)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return nil
	}
	e.disposed = true
	for _, c := range e.pool {
		c.Dispose()
	}
	e.pool = nil
	e.root.Dispose()
	return nil
}
