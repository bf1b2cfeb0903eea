package rpcclient

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// DefaultMaxConnectionsPerService bounds how many concurrently leased
// channels one service pool will open, per spec.md §5.1.
const DefaultMaxConnectionsPerService = 8

// DefaultMaxIdleTime is how long an unleased wrapper may sit in the idle
// FIFO before the reconciler is entitled to close it.
const DefaultMaxIdleTime = 5 * time.Minute

// dialFunc opens one new transport channel for a service instance.
type dialFunc func(ctx context.Context) (*ClientWrapper, error)

// servicePool is the per-service connection pool: a permit semaphore
// bounding concurrently-leased channels, and a FIFO of idle wrappers
// available for reuse. Grounded on frpc/pool.go's ServiceConnectionPool
// (per-service pool keyed by address, background cleanup) and
// frpc/connectionPool.go's least-loaded-or-create selection, adapted from
// "pick the least-loaded of N pooled conns" to the spec's permit-bounded
// idle-FIFO-of-wrappers shape (spec.md §5.1).
type servicePool struct {
	dial dialFunc

	permits chan struct{}

	mu   sync.Mutex
	idle *list.List // of *ClientWrapper, front = least recently returned
}

func newServicePool(dial dialFunc, maxConnections int) *servicePool {
	if maxConnections <= 0 {
		maxConnections = DefaultMaxConnectionsPerService
	}
	return &servicePool{
		dial:    dial,
		permits: make(chan struct{}, maxConnections),
		idle:    list.New(),
	}
}

// Rent leases a wrapper, blocking for a free permit until ctx is done.
// It reuses the least recently returned healthy idle wrapper; only dials
// a new channel when the idle FIFO is empty.
func (p *servicePool) Rent(ctx context.Context) (*ClientWrapper, error) {
	select {
	case p.permits <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if w := p.popIdle(); w != nil {
		return w, nil
	}

	w, err := p.dial(ctx)
	if err != nil {
		<-p.permits // release the permit we never used
		return nil, err
	}
	return w, nil
}

// Return releases a leased wrapper back to the idle FIFO for reuse.
func (p *servicePool) Return(w *ClientWrapper) {
	w.lastUsed = time.Now()
	p.mu.Lock()
	p.idle.PushBack(w)
	p.mu.Unlock()
	<-p.permits
}

// Discard releases a leased wrapper's permit without returning it to the
// idle FIFO, closing the underlying channel. Used when Execute observes
// the channel is unhealthy after a failed attempt.
func (p *servicePool) Discard(w *ClientWrapper) {
	_ = w.close()
	<-p.permits
}

// popIdle returns the least recently returned healthy, non-stale wrapper,
// discarding any unhealthy or stale ones it finds along the way. Grounded
// on frpc/connectionPool.go's isConnectionHealthy gate on reuse; the
// staleness check additionally realizes spec.md §4.4's Rent-time drain
// requirement ("drain wrappers whose now - last_used >= 5 min and dispose
// them") instead of leaving it solely to the reconciler's periodic sweep.
func (p *servicePool) popIdle() *ClientWrapper {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for e := p.idle.Front(); e != nil; e = p.idle.Front() {
		p.idle.Remove(e)
		w := e.Value.(*ClientWrapper)
		if w.healthy() && w.idleFor(now) < DefaultMaxIdleTime {
			return w
		}
		_ = w.close()
	}
	return nil
}

// evictIdleOlderThan closes and drops idle wrappers that have sat unused
// past maxIdle, returning how many were evicted. Called from the
// Manager's background reconciler.
func (p *servicePool) evictIdleOlderThan(maxIdle time.Duration) int {
	now := time.Now()
	p.mu.Lock()
	var stale []*ClientWrapper
	for e := p.idle.Front(); e != nil; {
		next := e.Next()
		w := e.Value.(*ClientWrapper)
		if w.idleFor(now) >= maxIdle {
			p.idle.Remove(e)
			stale = append(stale, w)
		}
		e = next
	}
	p.mu.Unlock()

	for _, w := range stale {
		_ = w.close()
	}
	return len(stale)
}

// closeAll closes every idle wrapper and drops the pool. Leased wrappers
// outstanding at the time of the call are closed by their holder's next
// Return/Discard, which will no-op against a pool already removed from
// the Manager's map.
func (p *servicePool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for e := p.idle.Front(); e != nil; e = e.Next() {
		_ = e.Value.(*ClientWrapper).close()
	}
	p.idle.Init()
}
