package balancer

import (
	"errors"
	"testing"
	"time"

	"github.com/chao243/sharpserver/registry"
)

func upInstance(id string) registry.ServiceInstance {
	return registry.ServiceInstance{ServiceID: id, ServiceName: "GameServer", Status: registry.StatusUp}
}

func TestRoundRobinFairness(t *testing.T) {
	rr := NewRoundRobin()
	instances := []registry.ServiceInstance{upInstance("g1"), upInstance("g2"), upInstance("g3")}

	counts := map[string]int{}
	const total = 300
	for i := 0; i < total; i++ {
		picked, err := rr.Select("GameServer", instances, "")
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		counts[picked.ServiceID]++
	}
	for id, c := range counts {
		if c != total/len(instances) {
			t.Fatalf("expected exactly %d selections for %s, got %d", total/len(instances), id, c)
		}
	}
}

func TestRoundRobinCircuitOpensOnFailures(t *testing.T) {
	rr := NewRoundRobin()
	rr.MinimumSampleSize = 5
	rr.FailureThreshold = 0.5
	rr.OpenCircuitDuration = 50 * time.Millisecond

	for i := 0; i < 6; i++ {
		rr.RecordFailure("g1", errors.New("unavailable"))
	}

	instances := []registry.ServiceInstance{upInstance("g1"), upInstance("g2")}
	for i := 0; i < 10; i++ {
		picked, err := rr.Select("GameServer", instances, "")
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if picked.ServiceID == "g1" {
			t.Fatalf("g1 should be circuit-open and excluded, got selected")
		}
	}

	time.Sleep(60 * time.Millisecond)
	rr.RecordSuccess("g1")
	picked, err := rr.Select("GameServer", []registry.ServiceInstance{upInstance("g1")}, "")
	if err != nil {
		t.Fatalf("expected g1 selectable as the only Up instance (fail-open while its decayed failure ratio stays high): %v", err)
	}
	if picked.ServiceID != "g1" {
		t.Fatalf("expected g1, got %s", picked.ServiceID)
	}
}

func TestRoundRobinFailsOpenWhenAllUnhealthy(t *testing.T) {
	rr := NewRoundRobin()
	rr.MinimumSampleSize = 2
	rr.FailureThreshold = 0.5
	rr.OpenCircuitDuration = time.Minute

	for _, id := range []string{"g1", "g2"} {
		rr.RecordFailure(id, errors.New("unavailable"))
		rr.RecordFailure(id, errors.New("unavailable"))
	}

	instances := []registry.ServiceInstance{upInstance("g1"), upInstance("g2")}
	picked, err := rr.Select("GameServer", instances, "")
	if err != nil {
		t.Fatalf("expected fail-open fallback, got error: %v", err)
	}
	if picked == nil {
		t.Fatal("expected a picked instance under fail-open")
	}
}

func TestRoundRobinNoInstancesReturnsError(t *testing.T) {
	rr := NewRoundRobin()
	if _, err := rr.Select("GameServer", nil, ""); !errors.Is(err, ErrNoAvailableInstance) {
		t.Fatalf("expected ErrNoAvailableInstance, got %v", err)
	}
}

func TestRoundRobinCountersPerName(t *testing.T) {
	rr := NewRoundRobin()
	a := []registry.ServiceInstance{upInstance("a1"), upInstance("a2")}
	b := []registry.ServiceInstance{upInstance("b1"), upInstance("b2")}

	first, _ := rr.Select("FleetA", a, "")
	firstB, _ := rr.Select("FleetB", b, "")
	if first.ServiceID != "a1" || firstB.ServiceID != "b1" {
		t.Fatalf("expected independent counters starting at index 0 for each fleet, got %s and %s", first.ServiceID, firstB.ServiceID)
	}
}
