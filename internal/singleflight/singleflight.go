// Package singleflight coalesces concurrent calls for the same key so only
// one execution runs; duplicate callers share its result. Used to keep the
// persistent cache tier from being hammered by simultaneous misses.
package singleflight

import (
	"context"
	"sync"
)

// Group manages a set of in-flight calls keyed by string.
type Group struct {
	mu sync.Mutex
	m  map[string]*call
}

type call struct {
	done chan struct{}
	val  interface{}
	err  error
}

// New creates an empty Group.
func New() *Group {
	return &Group{m: make(map[string]*call)}
}

// Do executes fn once per key at a time. Duplicate callers block until the
// owning execution completes or their context is cancelled; they then receive
// the shared result. The key is released the moment the call settles.
func (g *Group) Do(ctx context.Context, key string, fn func() (interface{}, error)) (interface{}, error) {
	g.mu.Lock()
	if c, ok := g.m[key]; ok {
		g.mu.Unlock()
		select {
		case <-c.done:
			return c.val, c.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c := &call{done: make(chan struct{})}
	g.m[key] = c
	g.mu.Unlock()

	c.val, c.err = fn()

	g.mu.Lock()
	if g.m[key] == c {
		delete(g.m, key)
	}
	g.mu.Unlock()
	close(c.done)

	return c.val, c.err
}

// Forget drops any in-flight record for key so the next Do executes fresh.
func (g *Group) Forget(key string) {
	g.mu.Lock()
	delete(g.m, key)
	g.mu.Unlock()
}
