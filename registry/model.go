// Package registry implements the fabric's service registry: a uniform
// Facade over a Redis-flavored or etcd-flavored KV backend, exposing
// lease-based registration, discovery, and point lookups.
package registry

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of a registered ServiceInstance.
type Status string

const (
	StatusUp          Status = "Up"
	StatusDown        Status = "Down"
	StatusMaintenance Status = "Maintenance"
)

// ServiceInstance is the unit of registration and selection. Field names
// and JSON tags match the wire schema exactly; unknown fields are ignored
// on read.
type ServiceInstance struct {
	ServiceID     string            `json:"service_id"`
	ServiceName   string            `json:"service_name"`
	Address       string            `json:"address"`
	Port          uint16            `json:"port"`
	Scheme        string            `json:"scheme"`
	Version       string            `json:"version"`
	Metadata      map[string]string `json:"metadata"`
	Status        Status            `json:"status"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
}

// URI is the derived connection string scheme://address:port.
func (s ServiceInstance) URI() string {
	return fmt.Sprintf("%s://%s:%d", s.Scheme, s.Address, s.Port)
}

func (s ServiceInstance) marshal() ([]byte, error) {
	if s.Version == "" {
		s.Version = "1.0"
	}
	return json.Marshal(s)
}

func unmarshalInstance(b []byte) (ServiceInstance, error) {
	var s ServiceInstance
	if err := json.Unmarshal(b, &s); err != nil {
		return ServiceInstance{}, err
	}
	return s, nil
}
