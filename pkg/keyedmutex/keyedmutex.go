// Package keyedmutex serializes work per string key.
//
// Callers waiting on the same key run strictly in FIFO order; different keys
// run in parallel. A context that already holds a key may re-enter it, so a
// function running under Run can call back into the mutex for the same key
// without deadlocking. RunLatest additionally cancels any older in-flight
// call for the same key, which makes it suitable for reconciliation work
// where only the most recent request matters.
package keyedmutex

import (
	"context"
	"sync"
)

type waiter struct {
	ready   chan struct{}
	granted bool
}

type supersession struct {
	cancel context.CancelFunc
}

// Mutex is a set of named FIFO locks. The zero value is not usable; call New.
type Mutex struct {
	mu     sync.Mutex
	queues map[string][]*waiter
	latest map[string]*supersession
}

// New returns an empty Mutex.
func New() *Mutex {
	return &Mutex{
		queues: make(map[string][]*waiter),
		latest: make(map[string]*supersession),
	}
}

type heldKeysKey struct{}

func holds(ctx context.Context, key string) bool {
	held, _ := ctx.Value(heldKeysKey{}).(map[string]struct{})
	_, ok := held[key]
	return ok
}

func withHeld(ctx context.Context, key string) context.Context {
	prev, _ := ctx.Value(heldKeysKey{}).(map[string]struct{})
	held := make(map[string]struct{}, len(prev)+1)
	for k := range prev {
		held[k] = struct{}{}
	}
	held[key] = struct{}{}
	return context.WithValue(ctx, heldKeysKey{}, held)
}

// Run executes fn while holding the lock for key. If ctx already holds the
// key, fn runs immediately on the same context. Waiting is aborted by ctx
// cancellation, in which case fn never runs and ctx.Err() is returned.
func (m *Mutex) Run(ctx context.Context, key string, fn func(context.Context) error) error {
	if holds(ctx, key) {
		return fn(ctx)
	}

	w := &waiter{ready: make(chan struct{})}
	m.mu.Lock()
	m.queues[key] = append(m.queues[key], w)
	if len(m.queues[key]) == 1 {
		w.granted = true
		close(w.ready)
	}
	m.mu.Unlock()

	select {
	case <-w.ready:
	case <-ctx.Done():
		m.abandon(key, w)
		return ctx.Err()
	}

	defer m.release(key)
	return fn(withHeld(ctx, key))
}

// RunLatest is Run with supersede semantics: starting a new call for key
// cancels the context of any older RunLatest call still waiting or running
// for the same key.
func (m *Mutex) RunLatest(ctx context.Context, key string, fn func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := &supersession{cancel: cancel}
	m.mu.Lock()
	if prev := m.latest[key]; prev != nil {
		prev.cancel()
	}
	m.latest[key] = s
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.latest[key] == s {
			delete(m.latest, key)
		}
		m.mu.Unlock()
	}()

	return m.Run(ctx, key, fn)
}

func (m *Mutex) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	queue := m.queues[key]
	if len(queue) <= 1 {
		delete(m.queues, key)
		return
	}
	queue = queue[1:]
	m.queues[key] = queue
	queue[0].granted = true
	close(queue[0].ready)
}

// abandon removes a cancelled waiter from the queue. If the waiter was
// already granted the lock by the time we get here, it is released instead.
func (m *Mutex) abandon(key string, w *waiter) {
	m.mu.Lock()
	if w.granted {
		m.mu.Unlock()
		m.release(key)
		return
	}
	queue := m.queues[key]
	for i, qw := range queue {
		if qw == w {
			m.queues[key] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(m.queues[key]) == 0 {
		delete(m.queues, key)
	}
	m.mu.Unlock()
}
