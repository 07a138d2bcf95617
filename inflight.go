package orkestra

import (
	"context"
	"sync"
)

// inflightEntry is one shared physical call. All callers for the same key
// observe the same settled outcome.
type inflightEntry struct {
	done    chan struct{}
	resp    *Response
	err     error
	waiters int
	settled bool
	cancel  context.CancelFunc
}

// inflightRegistry collapses concurrently issued identical requests into one
// physical call. An entry exists only while its call is unsettled: it is
// removed atomically with delivery, so a request arriving after settlement
// always triggers a fresh call even before the cache is populated.
type inflightRegistry struct {
	mu      sync.Mutex
	entries map[string]*inflightEntry
}

func newInflightRegistry() *inflightRegistry {
	return &inflightRegistry{entries: make(map[string]*inflightEntry)}
}

// do joins an existing in-flight call for key or starts one via producer.
// The producer runs on a context detached from the initiating caller: a
// joiner withdrawing (ctx cancelled) only tears the call down once every
// waiter has withdrawn. Reports whether this caller joined an existing call.
func (r *inflightRegistry) do(ctx context.Context, key string, producer func(ctx context.Context) (*Response, error)) (*Response, bool, error) {
	r.mu.Lock()
	if entry, ok := r.entries[key]; ok {
		entry.waiters++
		r.mu.Unlock()
		resp, err := r.wait(ctx, key, entry)
		return resp, true, err
	}

	callCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	entry := &inflightEntry{
		done:    make(chan struct{}),
		waiters: 1,
		cancel:  cancel,
	}
	r.entries[key] = entry
	r.mu.Unlock()

	go func() {
		resp, err := producer(callCtx)
		r.settle(key, entry, resp, err)
	}()

	resp, err := r.wait(ctx, key, entry)
	return resp, false, err
}

func (r *inflightRegistry) wait(ctx context.Context, key string, entry *inflightEntry) (*Response, error) {
	select {
	case <-entry.done:
		return entry.resp, entry.err
	case <-ctx.Done():
		r.withdraw(key, entry)
		return nil, ctx.Err()
	}
}

// withdraw removes one waiter's interest. The physical call is cancelled only
// when the last waiter leaves; a single remaining waiter keeps it alive.
func (r *inflightRegistry) withdraw(key string, entry *inflightEntry) {
	r.mu.Lock()
	entry.waiters--
	lastOut := entry.waiters <= 0 && !entry.settled
	r.mu.Unlock()
	if lastOut {
		entry.cancel()
	}
}

// settle records the outcome, removes the entry, and releases every waiter.
// Removal and delivery happen under one lock acquisition so no caller can
// observe a settled entry still registered.
func (r *inflightRegistry) settle(key string, entry *inflightEntry, resp *Response, err error) {
	r.mu.Lock()
	entry.settled = true
	entry.resp = resp
	entry.err = err
	if r.entries[key] == entry {
		delete(r.entries, key)
	}
	r.mu.Unlock()

	close(entry.done)
	entry.cancel()
}

// size reports the number of unsettled entries.
func (r *inflightRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
