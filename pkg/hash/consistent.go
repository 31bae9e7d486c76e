// Package hash provides the consistent hashing ring the memlru client uses to
// spread keys across server nodes.
//
// Each physical node is placed on a 64-bit ring many times (virtual nodes) so
// that keys spread evenly and adding or removing a node moves only the keys
// that node owned. Ring positions are computed with xxhash.
//
// Example usage:
//
//	ring := hash.New(150)
//	ring.AddNode("cache1:11211")
//	ring.AddNode("cache2:11211")
//	node := ring.GetNode("user:123")
package hash

import (
	"slices"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultVirtualNodes is the default number of virtual nodes per physical node.
const DefaultVirtualNodes = 150

// ConsistentHash is a thread-safe consistent hashing ring with virtual nodes.
type ConsistentHash struct {
	mu           sync.RWMutex
	ring         map[uint64]string // Ring position -> node
	sortedHashes []uint64
	nodes        map[string]struct{}
	virtualNodes int
}

// Stats describes the current shape of the ring.
type Stats struct {
	Nodes        int
	VirtualNodes int
}

// New creates a ring placing each node virtualNodes times.
// If virtualNodes is <= 0, DefaultVirtualNodes is used.
func New(virtualNodes int) *ConsistentHash {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}
	return &ConsistentHash{
		ring:         make(map[uint64]string),
		nodes:        make(map[string]struct{}),
		virtualNodes: virtualNodes,
	}
}

// AddNode places node on the ring. Adding a known node is a no-op.
func (c *ConsistentHash) AddNode(node string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.nodes[node]; ok {
		return
	}

	c.nodes[node] = struct{}{}
	for i := 0; i < c.virtualNodes; i++ {
		h := virtualHash(node, i)
		if _, taken := c.ring[h]; taken {
			continue
		}
		c.ring[h] = node
		c.sortedHashes = append(c.sortedHashes, h)
	}
	slices.Sort(c.sortedHashes)
}

// RemoveNode takes node and all of its virtual nodes off the ring.
// Removing an unknown node is a no-op.
func (c *ConsistentHash) RemoveNode(node string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.nodes[node]; !ok {
		return
	}

	delete(c.nodes, node)
	c.sortedHashes = slices.DeleteFunc(c.sortedHashes, func(h uint64) bool {
		if c.ring[h] != node {
			return false
		}
		delete(c.ring, h)
		return true
	})
}

// GetNode returns the node responsible for key, or "" if the ring is empty.
// The same key maps to the same node until the ring changes.
func (c *ConsistentHash) GetNode(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.sortedHashes) == 0 {
		return ""
	}

	h := xxhash.Sum64String(key)
	idx, _ := slices.BinarySearch(c.sortedHashes, h)
	if idx == len(c.sortedHashes) {
		idx = 0
	}
	return c.ring[c.sortedHashes[idx]]
}

// GetNodes returns every physical node on the ring, in no particular order.
func (c *ConsistentHash) GetNodes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	nodes := make([]string, 0, len(c.nodes))
	for node := range c.nodes {
		nodes = append(nodes, node)
	}
	return nodes
}

// Stats reports the number of physical and virtual nodes on the ring.
func (c *ConsistentHash) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Stats{Nodes: len(c.nodes), VirtualNodes: len(c.sortedHashes)}
}

func virtualHash(node string, i int) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(node)
	_, _ = d.WriteString("#")
	_, _ = d.WriteString(strconv.Itoa(i))
	return d.Sum64()
}
