// Package balancer implements the fabric's client-side load-balancing
// strategies: round-robin with a decayed-health circuit breaker, and
// consistent hashing with virtual nodes. Both implement Strategy so
// callers are strategy-agnostic once wired.
//
// Grounded on fapi/balancer.go's LoadBalancer interface
// (Select(services) (*Service, error) + Name()), generalized to carry
// per-service-name selection and explicit success/failure feedback.
package balancer

import (
	"errors"

	"github.com/chao243/sharpserver/registry"
)

// ErrNoAvailableInstance is returned when no candidate instance survives
// filtering for a selection.
var ErrNoAvailableInstance = errors.New("balancer: no available service instances")

// Strategy is the common contract shared by every load-balancing
// algorithm. The strategy is chosen once at wiring time; RecordSuccess
// and RecordFailure let callers stay strategy-agnostic about whether the
// underlying algorithm actually uses the feedback.
type Strategy interface {
	// Select chooses an instance for serviceName from instances using an
	// optional affinityKey (meaningful only to consistent-hash strategies).
	// Returns ErrNoAvailableInstance if no candidate survives filtering.
	Select(serviceName string, instances []registry.ServiceInstance, affinityKey string) (*registry.ServiceInstance, error)

	// RecordSuccess reports that a call to serviceID succeeded.
	RecordSuccess(serviceID string)

	// RecordFailure reports that a call to serviceID failed, with the
	// triggering error for strategies that care about its classification.
	RecordFailure(serviceID string, err error)

	// Name identifies the algorithm for logging and diagnostics.
	Name() string
}

func upInstances(instances []registry.ServiceInstance) []registry.ServiceInstance {
	up := make([]registry.ServiceInstance, 0, len(instances))
	for _, inst := range instances {
		if inst.Status == registry.StatusUp {
			up = append(up, inst)
		}
	}
	return up
}
