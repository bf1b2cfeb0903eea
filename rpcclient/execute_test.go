package rpcclient

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/chao243/sharpserver/balancer"
	"github.com/chao243/sharpserver/registry"
)

// fakeDial opens a real *grpc.ClientConn against a passthrough target with
// no listener behind it. grpc's lazy connection model means this never
// blocks and never touches the network, making it a cheap stand-in for a
// pooled channel in tests that only exercise Execute's retry/selection
// logic rather than actual transport I/O.
func fakeDial(context.Context) (*ClientWrapper, error) {
	conn, err := grpc.Dial("passthrough:///fake", grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	return &ClientWrapper{conn: conn, lastUsed: time.Now()}, nil
}

func fastTestManager(facade *registry.Facade, strategy balancer.Strategy, maxAttempts int) *Manager {
	return NewManager(facade, strategy,
		WithMaxAttempts(maxAttempts),
		WithBackoffPolicy(BackoffPolicy{BaseDelay: time.Millisecond, Multiplier: 1, MaxExponent: 0, MaxDelay: 5 * time.Millisecond}),
	)
}

func registerSingle(t *testing.T, facade *registry.Facade, id string) {
	t.Helper()
	inst := registry.ServiceInstance{ServiceID: id, ServiceName: "GameServer", Address: "10.0.0.1", Port: 7144, Scheme: "http"}
	if err := facade.Register(context.Background(), inst, time.Minute); err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func TestExecuteHappyPath(t *testing.T) {
	facade := registry.NewMemory()
	registerSingle(t, facade, "g1")
	rr := balancer.NewRoundRobin()
	m := fastTestManager(facade, rr, 4)
	m.pools["g1"] = newServicePool(fakeDial, 8)

	var calls int32
	result, err := Execute(context.Background(), m, "GameServer", "", func(ctx context.Context, c Client) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "pong", nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result != "pong" {
		t.Fatalf("expected pong, got %s", result)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one call on the happy path, got %d", calls)
	}

	pool := m.pools["g1"]
	if len(pool.permits) != 0 {
		t.Fatalf("expected all permits released after a successful call, got %d outstanding", len(pool.permits))
	}
}

func TestExecuteRetryExhaustion(t *testing.T) {
	facade := registry.NewMemory()
	registerSingle(t, facade, "g1")
	rr := balancer.NewRoundRobin()
	const maxAttempts = 4
	m := fastTestManager(facade, rr, maxAttempts)
	m.pools["g1"] = newServicePool(fakeDial, 8)

	var calls int32
	_, err := Execute(context.Background(), m, "GameServer", "", func(ctx context.Context, c Client) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "", status.Error(codes.Unavailable, "down")
	})
	if err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
	execErr, ok := err.(*ExecuteError)
	if !ok {
		t.Fatalf("expected *ExecuteError, got %T", err)
	}
	if execErr.Kind != KindTransportRetryable {
		t.Fatalf("expected KindTransportRetryable, got %s", execErr.Kind)
	}
	if calls != maxAttempts {
		t.Fatalf("expected exactly %d attempts, got %d", maxAttempts, calls)
	}

	pool := m.pools["g1"]
	if len(pool.permits) != 0 {
		t.Fatalf("expected all permits released after exhaustion, got %d outstanding", len(pool.permits))
	}
}

func TestExecuteNonRetryableTerminatesImmediately(t *testing.T) {
	facade := registry.NewMemory()
	registerSingle(t, facade, "g1")
	rr := balancer.NewRoundRobin()
	m := fastTestManager(facade, rr, 4)
	m.pools["g1"] = newServicePool(fakeDial, 8)

	var calls int32
	_, err := Execute(context.Background(), m, "GameServer", "", func(ctx context.Context, c Client) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "", status.Error(codes.Unauthenticated, "bad credentials")
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	execErr, ok := err.(*ExecuteError)
	if !ok {
		t.Fatalf("expected *ExecuteError, got %T", err)
	}
	if execErr.Kind != KindTransportTerminal {
		t.Fatalf("expected KindTransportTerminal, got %s", execErr.Kind)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one attempt for a non-retryable error, got %d", calls)
	}
}

func TestExecuteCancellation(t *testing.T) {
	facade := registry.NewMemory()
	registerSingle(t, facade, "g1")
	rr := balancer.NewRoundRobin()
	m := fastTestManager(facade, rr, 4)
	m.pools["g1"] = newServicePool(fakeDial, 8)

	ctx, cancel := context.WithCancel(context.Background())
	var calls int32
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := Execute(ctx, m, "GameServer", "", func(ctx context.Context, c Client) (string, error) {
		atomic.AddInt32(&calls, 1)
		select {
		case <-time.After(2 * time.Second):
			return "too slow", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	execErr, ok := err.(*ExecuteError)
	if !ok {
		t.Fatalf("expected *ExecuteError, got %T", err)
	}
	if execErr.Kind != KindCancelled {
		t.Fatalf("expected KindCancelled, got %s", execErr.Kind)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one attempt before cancellation is observed, got %d", calls)
	}
}

func TestExecuteOperationTimeoutBoundsEachAttempt(t *testing.T) {
	facade := registry.NewMemory()
	registerSingle(t, facade, "g1")
	rr := balancer.NewRoundRobin()
	m := NewManager(facade, rr,
		WithMaxAttempts(2),
		WithOperationTimeout(10*time.Millisecond),
		WithBackoffPolicy(BackoffPolicy{BaseDelay: time.Millisecond, Multiplier: 1, MaxExponent: 0, MaxDelay: 5 * time.Millisecond}),
	)
	m.pools["g1"] = newServicePool(fakeDial, 8)

	var calls int32
	_, err := Execute(context.Background(), m, "GameServer", "", func(ctx context.Context, c Client) (string, error) {
		atomic.AddInt32(&calls, 1)
		<-ctx.Done()
		return "", ctx.Err()
	})
	if err == nil {
		t.Fatal("expected an error once both attempts time out")
	}
	execErr, ok := err.(*ExecuteError)
	if !ok {
		t.Fatalf("expected *ExecuteError, got %T", err)
	}
	if execErr.Kind != KindTransportRetryable {
		t.Fatalf("expected KindTransportRetryable for a timed-out op, got %s", execErr.Kind)
	}
	if calls != 2 {
		t.Fatalf("expected the per-attempt timeout to let both attempts run, got %d calls", calls)
	}
}

func TestExecuteFailoverBetweenInstances(t *testing.T) {
	facade := registry.NewMemory()
	registerSingle(t, facade, "g1")
	registerSingle(t, facade, "g2")
	rr := balancer.NewRoundRobin()
	m := fastTestManager(facade, rr, 4)
	m.pools["g1"] = newServicePool(fakeDial, 8)
	m.pools["g2"] = newServicePool(fakeDial, 8)

	var g1Calls, g2Calls int32
	result, err := Execute(context.Background(), m, "GameServer", "", func(ctx context.Context, c Client) (string, error) {
		if c.Target() == "" {
			t.Fatal("expected a dialed target")
		}
		// Round-robin alternates instances across attempts; fail every
		// other call deterministically by call order instead of identity,
		// since both wrappers dial the same passthrough target.
		if atomic.LoadInt32(&g1Calls) == 0 {
			atomic.AddInt32(&g1Calls, 1)
			return "", status.Error(codes.Unavailable, "g1 down")
		}
		atomic.AddInt32(&g2Calls, 1)
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result != "ok" {
		t.Fatalf("expected eventual success, got %q", result)
	}
	if g1Calls != 1 || g2Calls != 1 {
		t.Fatalf("expected one failure then one success, got g1=%d g2=%d", g1Calls, g2Calls)
	}
}
