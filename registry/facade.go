package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	fit "github.com/chao243/sharpserver"
)

// ErrNotFound is returned (wrapped) by Refresh when the requested instance
// is absent. Get reports an absent instance as (nil, nil) instead.
var ErrNotFound = errors.New("registry: instance not found")

// DefaultKeyPrefix is used when RedisOptions.KeyPrefix or
// EtcdOptions.KeyPrefix is empty, matching the
// fabric's default namespace.
const DefaultKeyPrefix = "sharpserver"

// backend is implemented by the Redis-flavored and etcd-flavored adapters.
// It deals only in raw key/value operations; the Facade layers the
// ServiceInstance schema, Up-status filtering, and singleflight
// coalescing on top.
type backend interface {
	// putUnderTTL atomically publishes the name-scoped record and the
	// reverse index (and, for Redis, the name→id set membership) under
	// one shared TTL.
	putUnderTTL(ctx context.Context, name, id string, value []byte, ttl time.Duration) error
	// delete removes the name-scoped record, the reverse index, and (for
	// Redis) the set membership for id. Missing keys are not an error.
	delete(ctx context.Context, name, id string) error
	// listByName returns the raw values of every record under the name
	// prefix. Backends opportunistically prune entries they find stale.
	listByName(ctx context.Context, name string) ([][]byte, error)
	// getIndex resolves id to its owning service name, or "" if absent.
	getIndex(ctx context.Context, id string) (string, error)
	// get resolves id directly to its serialized record, or nil if absent.
	get(ctx context.Context, name, id string) ([]byte, error)
	// close releases backend resources.
	close() error
}

// Facade is the uniform registry interface used by the Registration Agent
// and the RPC Client Manager, on top of either storage backend.
type Facade struct {
	backend backend
	log     *zap.Logger
	sf      singleflight.Group
	single  *fit.Single
}

// Option configures a Facade at construction time.
type Option func(*Facade)

// WithLogger attaches a structured logger; defaults to zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(f *Facade) { f.log = l }
}

func newFacade(b backend, opts ...Option) *Facade {
	f := &Facade{backend: b, log: zap.NewNop(), single: fit.NewSingle()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Close releases the underlying backend connection.
func (f *Facade) Close() error {
	return f.backend.close()
}

// Register persists instance with an expiry of ttl and sets
// LastHeartbeat to now. Re-registration with the same ServiceID replaces
// the prior record and extends the TTL.
func (f *Facade) Register(ctx context.Context, instance ServiceInstance, ttl time.Duration) error {
	if instance.ServiceID == "" {
		return errors.New("registry: ServiceID must not be empty")
	}
	if instance.Status == "" {
		instance.Status = StatusUp
	}
	instance.LastHeartbeat = time.Now().UTC()

	body, err := instance.marshal()
	if err != nil {
		return fmt.Errorf("registry: marshal instance: %w", err)
	}
	if err := f.backend.putUnderTTL(ctx, instance.ServiceName, instance.ServiceID, body, ttl); err != nil {
		return fmt.Errorf("registry: register %s: %w", instance.ServiceID, err)
	}
	return nil
}

// Refresh re-registers the existing record for serviceID under a fresh
// TTL, updating LastHeartbeat. The instance must already be resolvable
// via the reverse index.
func (f *Facade) Refresh(ctx context.Context, serviceID string, ttl time.Duration) error {
	instance, err := f.Get(ctx, serviceID)
	if err != nil {
		return err
	}
	if instance == nil {
		return fmt.Errorf("registry: refresh %s: %w", serviceID, ErrNotFound)
	}
	return f.Register(ctx, *instance, ttl)
}

// Unregister deletes both the name-scoped record and the reverse index
// for serviceID. A missing instance is not an error.
func (f *Facade) Unregister(ctx context.Context, serviceID string) error {
	name, err := f.backend.getIndex(ctx, serviceID)
	if err != nil {
		return fmt.Errorf("registry: unregister %s: %w", serviceID, err)
	}
	if name == "" {
		return nil
	}
	if err := f.backend.delete(ctx, name, serviceID); err != nil {
		return fmt.Errorf("registry: unregister %s: %w", serviceID, err)
	}
	return nil
}

// Discover returns every Up instance registered under name. Concurrent
// Discover calls for the same name are coalesced into one backend round
// trip via singleflight, grounded on singleflight.go's Single.DoChan
// wrapper (ctx-bounded, so a caller's cancellation doesn't wait on a
// laggard that other callers are still piggybacking on).
func (f *Facade) Discover(ctx context.Context, name string) ([]ServiceInstance, error) {
	v, err, _ := f.single.DoChan(ctx, &f.sf, name, func() (interface{}, error) {
		raw, err := f.backend.listByName(ctx, name)
		if err != nil {
			return nil, err
		}
		instances := make([]ServiceInstance, 0, len(raw))
		for _, b := range raw {
			instance, err := unmarshalInstance(b)
			if err != nil {
				f.log.Warn("registry: skipping malformed record", zap.String("service_name", name), zap.Error(err))
				continue
			}
			if instance.Status != StatusUp {
				continue
			}
			instances = append(instances, instance)
		}
		return instances, nil
	})
	if err != nil {
		return nil, fmt.Errorf("registry: discover %s: %w", name, err)
	}
	return v.([]ServiceInstance), nil
}

// Get resolves serviceID via the reverse index in one hop, returning nil
// when absent.
func (f *Facade) Get(ctx context.Context, serviceID string) (*ServiceInstance, error) {
	name, err := f.backend.getIndex(ctx, serviceID)
	if err != nil {
		return nil, fmt.Errorf("registry: get %s: %w", serviceID, err)
	}
	if name == "" {
		return nil, nil
	}
	raw, err := f.backend.get(ctx, name, serviceID)
	if err != nil {
		return nil, fmt.Errorf("registry: get %s: %w", serviceID, err)
	}
	if raw == nil {
		return nil, nil
	}
	instance, err := unmarshalInstance(raw)
	if err != nil {
		return nil, fmt.Errorf("registry: get %s: decode: %w", serviceID, err)
	}
	return &instance, nil
}
