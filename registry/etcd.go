package registry

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// etcdBackend realizes the registry's key schema on etcd: a lease is
// granted per registration, the name-scoped record and reverse index are
// put under that lease, and discovery is a prefix range read. Grounded on
// etcd.go's EtcdHandle (Get/Put/KeepAlive/Revoke/GetByPrefix) and
// register_service.go's lease lifecycle (Grant -> Put WithLease -> Revoke).
type etcdBackend struct {
	client    *clientv3.Client
	keyPrefix string

	leasesMu sync.Mutex
	// leases remembers the lease owning each service id so re-registration
	// and unregister can revoke the prior lease best-effort. Guarded by
	// leasesMu since multiple instances' Register/Unregister calls can run
	// concurrently against one Facade.
	leases map[string]clientv3.LeaseID
}

// EtcdOptions configures the etcd-flavored registry backend.
type EtcdOptions struct {
	Config    clientv3.Config
	KeyPrefix string
}

// NewEtcd constructs a Facade backed by etcd.
func NewEtcd(opts EtcdOptions, facadeOpts ...Option) (*Facade, error) {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultKeyPrefix
	}
	if opts.Config.DialTimeout == 0 {
		opts.Config.DialTimeout = 10 * time.Second
	}
	client, err := clientv3.New(opts.Config)
	if err != nil {
		return nil, fmt.Errorf("registry: connect etcd: %w", err)
	}
	b := &etcdBackend{
		client:    client,
		keyPrefix: opts.KeyPrefix,
		leases:    make(map[string]clientv3.LeaseID),
	}
	return newFacade(b, facadeOpts...), nil
}

func (b *etcdBackend) serviceKey(name, id string) string {
	return path.Join(b.keyPrefix, "service", name, id)
}

func (b *etcdBackend) indexKey(id string) string {
	return path.Join(b.keyPrefix, "index", id)
}

func (b *etcdBackend) putUnderTTL(ctx context.Context, name, id string, value []byte, ttl time.Duration) error {
	lease, err := b.client.Grant(ctx, int64(ttl.Seconds()))
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}

	ops := []clientv3.Op{
		clientv3.OpPut(b.serviceKey(name, id), string(value), clientv3.WithLease(lease.ID)),
		clientv3.OpPut(b.indexKey(id), name, clientv3.WithLease(lease.ID)),
	}
	if _, err := b.client.Txn(ctx).Then(ops...).Commit(); err != nil {
		return fmt.Errorf("put under lease: %w", err)
	}

	b.leasesMu.Lock()
	prior, hadPrior := b.leases[id]
	b.leases[id] = lease.ID
	b.leasesMu.Unlock()
	if hadPrior && prior != lease.ID {
		// Best-effort: the old lease's keys are already overwritten above,
		// revoking it just frees the lease slot a little sooner.
		_, _ = b.client.Revoke(ctx, prior)
	}
	return nil
}

func (b *etcdBackend) delete(ctx context.Context, name, id string) error {
	b.leasesMu.Lock()
	lease, hadLease := b.leases[id]
	delete(b.leases, id)
	b.leasesMu.Unlock()
	if hadLease {
		// Revoke is best-effort: a missing/already-expired lease is swallowed
		// per spec, and the explicit key deletes below are authoritative.
		_, _ = b.client.Revoke(ctx, lease)
	}
	_, err := b.client.Txn(ctx).Then(
		clientv3.OpDelete(b.serviceKey(name, id)),
		clientv3.OpDelete(b.indexKey(id)),
	).Commit()
	if err != nil {
		return fmt.Errorf("delete keys: %w", err)
	}
	return nil
}

func (b *etcdBackend) listByName(ctx context.Context, name string) ([][]byte, error) {
	prefix := path.Join(b.keyPrefix, "service", name) + "/"
	resp, err := b.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", prefix, err)
	}
	out := make([][]byte, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, kv.Value)
	}
	return out, nil
}

func (b *etcdBackend) getIndex(ctx context.Context, id string) (string, error) {
	resp, err := b.client.Get(ctx, b.indexKey(id))
	if err != nil {
		return "", fmt.Errorf("get index %s: %w", id, err)
	}
	if len(resp.Kvs) == 0 {
		return "", nil
	}
	return string(resp.Kvs[0].Value), nil
}

func (b *etcdBackend) get(ctx context.Context, name, id string) ([]byte, error) {
	resp, err := b.client.Get(ctx, b.serviceKey(name, id))
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, nil
	}
	return resp.Kvs[0].Value, nil
}

func (b *etcdBackend) close() error {
	return b.client.Close()
}
