package cluster

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"schemaver/pkg/types"
)

// реализует consistent hashing с виртуальными нодами.
type HashRing struct {
	replicas int
	nodes    []int                // отсортированные хэши
	nodeMap  map[int]types.NodeID // хэш -> нода
	mu       sync.RWMutex
}

func NewHashRing(replicas int) *HashRing {
	return &HashRing{
		replicas: replicas,
		nodeMap:  make(map[int]types.NodeID),
	}
}

// NewHashRingOf builds a ring holding nodes.
func NewHashRingOf(replicas int, nodes []types.NodeID) *HashRing {
	r := NewHashRing(replicas)
	for _, n := range nodes {
		r.AddNode(n)
	}
	return r
}

func (h *HashRing) AddNode(node types.NodeID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := 0; i < h.replicas; i++ {
		hash := int(crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", node, i))))
		h.nodes = append(h.nodes, hash)
		h.nodeMap[hash] = node
	}
	sort.Ints(h.nodes)
}

func (h *HashRing) RemoveNode(node types.NodeID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	filtered := h.nodes[:0]
	for _, hash := range h.nodes {
		if h.nodeMap[hash] != node {
			filtered = append(filtered, hash)
		} else {
			delete(h.nodeMap, hash)
		}
	}
	h.nodes = filtered
}

// нода-владелец ключа
func (h *HashRing) GetNode(key string) (types.NodeID, bool) {
	owners := h.Owners(key, 1)
	if len(owners) == 0 {
		return "", false
	}
	return owners[0], true
}

// Owners returns up to n distinct nodes for key, walking the ring clockwise
// from the key's position.
func (h *HashRing) Owners(key string, n int) []types.NodeID {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.nodes) == 0 || n <= 0 {
		return nil
	}

	hash := int(crc32.ChecksumIEEE([]byte(key)))
	idx := sort.Search(len(h.nodes), func(i int) bool { return h.nodes[i] >= hash })

	var owners []types.NodeID
	seen := make(map[types.NodeID]struct{}, n)
	for i := 0; i < len(h.nodes) && len(owners) < n; i++ {
		node := h.nodeMap[h.nodes[(idx+i)%len(h.nodes)]]
		if _, ok := seen[node]; ok {
			continue
		}
		seen[node] = struct{}{}
		owners = append(owners, node)
	}
	return owners
}

// возвращает список уникальных нод.
func (h *HashRing) ListNodes() []types.NodeID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := map[types.NodeID]struct{}{}
	var result []types.NodeID
	for _, name := range h.nodeMap {
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			result = append(result, name)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}
