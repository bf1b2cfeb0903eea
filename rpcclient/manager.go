package rpcclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/chao243/sharpserver/balancer"
	"github.com/chao243/sharpserver/registry"
)

// DefaultReconcileInterval is how often the Manager drops pools for
// instances discovery no longer reports, per spec.md §5.3.
const DefaultReconcileInterval = 30 * time.Second

// DefaultMaxAttempts bounds Execute's total tries (the initial attempt
// plus retries) per spec.md §5.2.
const DefaultMaxAttempts = 4

// DefaultConnectionTimeout bounds channel establishment, per spec.md §5's
// Timeouts section.
const DefaultConnectionTimeout = 5 * time.Second

// DefaultOperationTimeout bounds each Execute attempt (not the total retry
// budget), per spec.md §5's Timeouts section.
const DefaultOperationTimeout = 10 * time.Second

// ManagerOption configures a Manager at construction time.
type ManagerOption func(*Manager)

// WithTLS enables TLS dialing using the given certificate material.
func WithTLS(files TLSFiles) ManagerOption {
	return func(m *Manager) {
		m.enableTLS = true
		m.tlsFiles = files
	}
}

// WithMaxConnectionsPerService overrides DefaultMaxConnectionsPerService.
func WithMaxConnectionsPerService(n int) ManagerOption {
	return func(m *Manager) { m.maxConnectionsPerService = n }
}

// WithBackoffPolicy overrides DefaultBackoffPolicy.
func WithBackoffPolicy(p BackoffPolicy) ManagerOption {
	return func(m *Manager) { m.backoff = p }
}

// WithMaxAttempts overrides DefaultMaxAttempts.
func WithMaxAttempts(n int) ManagerOption {
	return func(m *Manager) { m.maxAttempts = n }
}

// WithReconcileInterval overrides DefaultReconcileInterval.
func WithReconcileInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.reconcileInterval = d }
}

// WithConnectionTimeout overrides DefaultConnectionTimeout, bounding how
// long dialing a new channel may block.
func WithConnectionTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.connectionTimeout = d }
}

// WithOperationTimeout overrides DefaultOperationTimeout, bounding each
// individual Execute attempt.
func WithOperationTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.operationTimeout = d }
}

// WithManagerLogger attaches a structured logger; defaults to zap.NewNop().
func WithManagerLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) { m.log = l }
}

// Manager owns one connection pool per discovered service instance, a
// registry Facade for discovery, and a balancer Strategy for selection.
// Grounded on frpc/pool.go's ClientPool (a process-wide registry of
// per-address pools with a background cleanup goroutine).
type Manager struct {
	registryFacade *registry.Facade
	strategy       balancer.Strategy
	log            *zap.Logger

	enableTLS bool
	tlsFiles  TLSFiles

	maxConnectionsPerService int
	backoff                  BackoffPolicy
	maxAttempts              int
	reconcileInterval        time.Duration
	connectionTimeout        time.Duration
	operationTimeout         time.Duration

	poolsMu sync.RWMutex
	pools   map[string]*servicePool // keyed by ServiceID

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewManager wires a Manager around the given registry facade and
// balancing strategy.
func NewManager(facade *registry.Facade, strategy balancer.Strategy, opts ...ManagerOption) *Manager {
	m := &Manager{
		registryFacade:           facade,
		strategy:                 strategy,
		log:                      zap.NewNop(),
		maxConnectionsPerService: DefaultMaxConnectionsPerService,
		backoff:                  DefaultBackoffPolicy(),
		maxAttempts:              DefaultMaxAttempts,
		reconcileInterval:        DefaultReconcileInterval,
		connectionTimeout:        DefaultConnectionTimeout,
		operationTimeout:         DefaultOperationTimeout,
		pools:                    make(map[string]*servicePool),
		stopCh:                   make(chan struct{}),
		doneCh:                   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the background reconciler for the given service names.
// It returns immediately; call Stop to shut the reconciler down.
func (m *Manager) Start(watchedNames []string) {
	go m.reconcileLoop(watchedNames)
}

// Stop halts the reconciler and closes every pooled channel.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh

	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()
	for id, p := range m.pools {
		p.closeAll()
		delete(m.pools, id)
	}
}

func (m *Manager) reconcileLoop(watchedNames []string) {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reconcileOnce(watchedNames)
		}
	}
}

// reconcileOnce drops and disposes any pool whose service_id is no
// longer present across the watched service names, per spec.md §5.3.
func (m *Manager) reconcileOnce(watchedNames []string) {
	live := make(map[string]bool)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, name := range watchedNames {
		instances, err := m.registryFacade.Discover(ctx, name)
		if err != nil {
			m.log.Warn("rpcclient: reconcile discover failed", zap.String("service_name", name), zap.Error(err))
			continue
		}
		for _, inst := range instances {
			live[inst.ServiceID] = true
		}
	}

	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()
	for id, p := range m.pools {
		if live[id] {
			p.evictIdleOlderThan(DefaultMaxIdleTime)
			continue
		}
		p.closeAll()
		delete(m.pools, id)
		m.log.Info("rpcclient: dropped pool for vanished instance", zap.String("service_id", id))
	}
}

func (m *Manager) poolFor(instance registry.ServiceInstance) *servicePool {
	m.poolsMu.RLock()
	p, ok := m.pools[instance.ServiceID]
	m.poolsMu.RUnlock()
	if ok {
		return p
	}

	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()
	if p, ok := m.pools[instance.ServiceID]; ok {
		return p
	}
	p = newServicePool(m.dialerFor(instance), m.maxConnectionsPerService)
	m.pools[instance.ServiceID] = p
	return p
}

func (m *Manager) dialerFor(instance registry.ServiceInstance) dialFunc {
	return func(ctx context.Context) (*ClientWrapper, error) {
		cred, err := dialCredentials(instance.Scheme, m.enableTLS, m.tlsFiles)
		if err != nil {
			return nil, fmt.Errorf("rpcclient: transport credentials for %s: %w", instance.ServiceID, err)
		}
		target := fmt.Sprintf("%s:%d", instance.Address, instance.Port)
		conn, err := grpc.DialContext(ctx, target, cred, grpc.WithBlock(), grpc.WithTimeout(m.connectionTimeout))
		if err != nil {
			return nil, fmt.Errorf("rpcclient: dial %s: %w", target, err)
		}
		return &ClientWrapper{conn: conn, lastUsed: time.Now()}, nil
	}
}
