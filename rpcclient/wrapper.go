package rpcclient

import (
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
)

// Client is the fabric's view of a leased transport: the wire codec is
// opaque to the fabric (spec.md §1), so a Client is simply the
// established channel. Callers build their own generated stubs on top of
// it inside the op passed to Execute.
type Client = *grpc.ClientConn

// ClientWrapper owns one underlying transport channel plus bookkeeping
// for idle-time eviction. Grounded on frpc/pooledConn.go's
// PooledConnection (conn + lastUsed + usage tracking), adapted from an
// active-usage counter to the spec's idle-FIFO-of-wrappers shape.
type ClientWrapper struct {
	conn     *grpc.ClientConn
	lastUsed time.Time
}

// Client exposes the wrapped channel for the Execute op to build a typed
// stub on top of.
func (w *ClientWrapper) Client() Client { return w.conn }

func (w *ClientWrapper) idleFor(now time.Time) time.Duration {
	return now.Sub(w.lastUsed)
}

// healthy reports whether the underlying channel is worth reusing.
// Grounded on frpc/connectionPool.go's isConnectionHealthy, which treats
// Idle and Ready as usable and Shutdown/TransientFailure as not.
func (w *ClientWrapper) healthy() bool {
	switch w.conn.GetState() {
	case connectivity.Ready, connectivity.Idle:
		return true
	default:
		return false
	}
}

func (w *ClientWrapper) close() error {
	return w.conn.Close()
}
