// Package keylock serializes work per string key: one dedup key per
// (source, attack type) pair and one key per incident.
package keylock

import (
	"context"
	"sync"

	"github.com/bytefense/soar/internal/core"
)

// Unlock releases a held key. Calling it more than once is a no-op.
type Unlock func()

// Locker grants exclusive ownership of a key until the returned Unlock is
// called. Lock blocks until the key is free or ctx is done. Locks are not
// reentrant.
type Locker interface {
	Lock(ctx context.Context, key string) (Unlock, error)
}

// DedupKey is the pipeline lock for one (source, attack type) pair.
func DedupKey(source, attackType string) string {
	return "dedup:" + core.DedupKey(source, attackType)
}

// IncidentKey is the mutation lock for one incident.
func IncidentKey(id string) string {
	return "incident:" + id
}

type localEntry struct {
	ch   chan struct{}
	refs int
}

// Local is an in-process Locker. Entries are reference counted and dropped
// when no goroutine holds or waits on them, so the map only grows with live
// contention.
type Local struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

func NewLocal() *Local {
	return &Local{entries: make(map[string]*localEntry)}
}

func (l *Local) Lock(ctx context.Context, key string) (Unlock, error) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &localEntry{ch: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(key, e)
		})
	}, nil
}

func (l *Local) release(key string, e *localEntry) {
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
	l.mu.Unlock()
}

// Len reports how many keys are held or waited on.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
