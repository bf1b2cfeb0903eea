package balancer

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"sort"
	"strconv"
	"sync"

	"github.com/chao243/sharpserver/registry"

	fit "github.com/chao243/sharpserver"
)

// DefaultVirtualNodes is the default number of ring positions (V) each
// instance occupies.
const DefaultVirtualNodes = 160

// ringNode is one virtual-node position on the hash ring.
type ringNode struct {
	hash     uint32
	instance registry.ServiceInstance
}

// ringState is the cached ring for one service name: the sorted
// virtual-node vector plus the signature of the instance set it was
// built from. Exceeds fapi.ConsistentHashBalancer (a naive
// hash%len with no virtual nodes); this is built fresh per spec.md
// §4.3.2's ring requirements.
type ringState struct {
	mu        sync.Mutex
	signature string
	nodes     []ringNode
}

// ConsistentHash pins requests carrying the same affinity key to the same
// instance, using SHA-1-keyed virtual nodes and lazy ring rebuilds keyed
// off a canonical signature of the live instance set.
type ConsistentHash struct {
	VirtualNodes int

	ringsMu sync.Mutex
	rings   map[string]*ringState
}

// NewConsistentHash constructs a ConsistentHash balancer with the spec
// default virtual-node count.
func NewConsistentHash() *ConsistentHash {
	return &ConsistentHash{
		VirtualNodes: DefaultVirtualNodes,
		rings:        make(map[string]*ringState),
	}
}

func (c *ConsistentHash) Name() string { return "consistent_hash" }

func (c *ConsistentHash) ringFor(serviceName string) *ringState {
	c.ringsMu.Lock()
	defer c.ringsMu.Unlock()
	r, ok := c.rings[serviceName]
	if !ok {
		r = &ringState{}
		c.rings[serviceName] = r
	}
	return r
}

// signatureOf builds the canonical join spec.md §3/§4.3.2 requires: a
// sorted join of id:address:port:scheme:version over Up instances only.
func signatureOf(up []registry.ServiceInstance) string {
	tuples := make([]string, len(up))
	for i, inst := range up {
		tuples[i] = fit.StringSpliceTag(":", inst.ServiceID, inst.Address, strconv.Itoa(int(inst.Port)), inst.Scheme, inst.Version)
	}
	sort.Strings(tuples)
	return fit.StringSpliceTag("|", tuples...)
}

func hash32(s string) uint32 {
	sum := sha1.Sum([]byte(s))
	return binary.BigEndian.Uint32(sum[:4])
}

func buildRing(up []registry.ServiceInstance, virtualNodes int) []ringNode {
	occupied := make(map[uint32]bool, len(up)*virtualNodes)
	nodes := make([]ringNode, 0, len(up)*virtualNodes)

	for _, inst := range up {
		for i := 0; i < virtualNodes; i++ {
			key := fit.StringSpliceTag(":", inst.ServiceID, inst.Address, strconv.Itoa(int(inst.Port)), strconv.Itoa(i))
			h := hash32(key)
			for occupied[h] {
				h++ // linear probe on collision, wraps via uint32 overflow
			}
			occupied[h] = true
			nodes = append(nodes, ringNode{hash: h, instance: inst})
		}
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].hash < nodes[j].hash })
	return nodes
}

func randomAffinityKey() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing is effectively unrecoverable for the process;
		// fall back to a fixed key so selection still behaves (degrades to
		// always hitting the same ring position rather than panicking).
		return "consistent-hash-fallback"
	}
	return hex.EncodeToString(buf[:])
}

func (c *ConsistentHash) Select(serviceName string, instances []registry.ServiceInstance, affinityKey string) (*registry.ServiceInstance, error) {
	up := upInstances(instances)
	if len(up) == 0 {
		return nil, ErrNoAvailableInstance
	}
	sort.Slice(up, func(i, j int) bool { return up[i].ServiceID < up[j].ServiceID })

	ring := c.ringFor(serviceName)
	ring.mu.Lock()
	defer ring.mu.Unlock()

	sig := signatureOf(up)
	if sig != ring.signature || len(ring.nodes) == 0 {
		ring.nodes = buildRing(up, c.virtualNodes())
		ring.signature = sig
	}
	if len(ring.nodes) == 0 {
		return nil, ErrNoAvailableInstance
	}

	if affinityKey == "" {
		affinityKey = randomAffinityKey()
	}
	h := hash32(affinityKey)

	idx := sort.Search(len(ring.nodes), func(i int) bool { return ring.nodes[i].hash >= h })
	if idx == len(ring.nodes) {
		idx = 0 // wrap past the largest hash back to the first node
	}
	picked := ring.nodes[idx].instance
	return &picked, nil
}

func (c *ConsistentHash) virtualNodes() int {
	if c.VirtualNodes <= 0 {
		return DefaultVirtualNodes
	}
	return c.VirtualNodes
}

// RecordSuccess is a no-op: consistent hashing has no feedback-driven
// state today. Reserved for future dynamic weighting, per spec.md §4.3.2.
func (c *ConsistentHash) RecordSuccess(string) {}

// RecordFailure is a no-op for the same reason as RecordSuccess.
func (c *ConsistentHash) RecordFailure(string, error) {}
