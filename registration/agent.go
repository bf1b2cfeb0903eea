// Package registration implements the Registration Agent: a long-running
// worker co-located with a service instance that infers its bind address,
// registers itself at startup, periodically refreshes its lease, and
// unregisters on shutdown.
//
// Grounded on register.go's RegisterService (NewRegisterService/Register/
// keepAlive/Stop/ListenQuit/unregister lifecycle), adapted from an
// etcd-only implementation driving raw lease/KeepAlive calls to one that
// drives a registry.Facade (either backend) through plain Refresh ticks,
// per spec.md §4.2.
package registration

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	fit "github.com/chao243/sharpserver"
	"github.com/chao243/sharpserver/registry"
)

// DefaultHeartbeatInterval is used when Options.HeartbeatInterval is zero.
const DefaultHeartbeatInterval = 30 * time.Second

// DefaultRegistrationTTL is used when Options.RegistrationTTL is zero.
// It must be more than twice HeartbeatInterval so one missed refresh
// never expires the lease, per spec.md §4.2.
const DefaultRegistrationTTL = 2 * time.Minute

// consecutiveFailureEscalation is the number of back-to-back heartbeat
// failures after which the agent logs at Error instead of Warn, the
// threshold past which an isolated blip looks like a dead registry
// backend rather than a single missed tick.
const consecutiveFailureEscalation = 3

// Options configures an Agent.
type Options struct {
	Facade *registry.Facade

	// Instance is the ServiceInstance to register. If ServiceID is empty
	// a UUID is generated. If Address is empty it is inferred via
	// fit.GetOutBoundIP. If Listener is set and Instance.Port is zero,
	// the port is inferred from the listener's actual bound address via
	// fit.GetListenPort (the common case when the port is chosen by the
	// OS, e.g. binding to ":0").
	Instance registry.ServiceInstance

	// Listener is the service's own bound listener, used only to infer
	// Instance.Port when it is left at zero.
	Listener net.Listener

	HeartbeatInterval time.Duration
	RegistrationTTL   time.Duration

	// StartupRetryAttempts bounds the one-shot retry loop around the
	// initial Register call; 0 uses retry-go's default of 10 attempts.
	StartupRetryAttempts uint

	Logger *zap.Logger
}

// Agent owns the registration lifecycle for one service instance.
type Agent struct {
	facade   *registry.Facade
	instance registry.ServiceInstance

	heartbeatInterval time.Duration
	ttl               time.Duration
	startupAttempts   uint

	log *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	runCtx   context.Context
}

// New fills in defaults (generated ServiceID, inferred Address,
// HeartbeatInterval/RegistrationTTL) and returns an unstarted Agent.
func New(opts Options) (*Agent, error) {
	instance := opts.Instance
	if instance.ServiceID == "" {
		instance.ServiceID = uuid.New().String()
	}
	if instance.Address == "" {
		ip, err := fit.GetOutBoundIP()
		if err != nil {
			ip = "127.0.0.1"
		}
		instance.Address = ip
	}
	if instance.Port == 0 && opts.Listener != nil {
		instance.Port = uint16(fit.GetListenPort(opts.Listener))
	}

	heartbeat := opts.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	ttl := opts.RegistrationTTL
	if ttl <= 0 {
		ttl = DefaultRegistrationTTL
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Agent{
		facade:            opts.Facade,
		instance:          instance,
		heartbeatInterval: heartbeat,
		ttl:               ttl,
		startupAttempts:   opts.StartupRetryAttempts,
		log:               log,
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
	}, nil
}

// ServiceID returns the instance's assigned or generated service_id.
func (a *Agent) ServiceID() string { return a.instance.ServiceID }

// Start performs the initial Register (retried per spec.md §7's
// RegistrationFailure handling at startup, since a transient registry
// outage at boot shouldn't sink the whole process) and launches the
// background heartbeat loop.
func (a *Agent) Start(ctx context.Context) error {
	retryOpts := []retry.Option{
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			a.log.Warn("registration: startup register attempt failed",
				zap.Uint("attempt", n), zap.Error(err))
		}),
	}
	if a.startupAttempts > 0 {
		retryOpts = append(retryOpts, retry.Attempts(a.startupAttempts))
	}

	err := retry.Do(func() error {
		return a.facade.Register(ctx, a.instance, a.ttl)
	}, retryOpts...)
	if err != nil {
		return err
	}

	a.runCtx = ctx
	go a.heartbeatLoop()
	return nil
}

// heartbeatLoop refreshes the lease every HeartbeatInterval. Errors are
// logged and never fatal; the next tick retries, per spec.md §4.2/§7. It
// exits on either an explicit Stop or the cancellation of the context
// Start was called with, in which case no final Unregister is issued -
// that only happens via the graceful Stop path.
func (a *Agent) heartbeatLoop() {
	defer close(a.doneCh)
	ticker := time.NewTicker(a.heartbeatInterval)
	defer ticker.Stop()

	var consecutiveFailures int
	for {
		select {
		case <-a.stopCh:
			return
		case <-a.runCtx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), a.heartbeatInterval)
			err := a.facade.Refresh(ctx, a.instance.ServiceID, a.ttl)
			cancel()
			if err == nil {
				consecutiveFailures = 0
				continue
			}

			consecutiveFailures++
			fields := []zap.Field{
				zap.String("service_id", a.instance.ServiceID),
				zap.Int("consecutive_failures", consecutiveFailures),
				zap.Error(err),
			}
			if consecutiveFailures >= consecutiveFailureEscalation {
				// Several ticks in a row failing looks like the registry
				// backend itself is unreachable rather than one missed
				// refresh; never fatal, just louder.
				a.log.Error("registration: heartbeat refresh failing repeatedly", fields...)
			} else {
				a.log.Warn("registration: heartbeat refresh failed", fields...)
			}
		}
	}
}

// Stop halts the heartbeat loop and unregisters the instance. The loop
// exits without a final Unregister on plain cancellation; Stop performs
// that Unregister explicitly as the graceful-shutdown path.
func (a *Agent) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.stopCh) })
	<-a.doneCh
	return a.facade.Unregister(ctx, a.instance.ServiceID)
}
