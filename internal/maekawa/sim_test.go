package maekawa

import (
	"math/rand/v2"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fixedSampler always returns the lower bound
type fixedSampler struct{}

func (fixedSampler) Units(min, _ int) int { return min }

type linkKey struct {
	from NodeID
	to   NodeID
}

type simEnvelope struct {
	seq uint64
	msg *Message
}

// simNetwork delivers messages only when the test asks, one at a time, keeping
// FIFO order per link. Nodes are driven synchronously, without event loops.
type simNetwork struct {
	links map[linkKey][]simEnvelope
	nodes map[NodeID]*Node
	seq   uint64
}

type simTransport struct {
	network *simNetwork
	self    NodeID
}

func (t *simTransport) Start() error { return nil }

func (t *simTransport) Stop() error { return nil }

func (t *simTransport) SetMessageHandler(func(*Message)) {}

func (t *simTransport) Send(dest NodeID, msg *Message) error {
	out := *msg
	key := linkKey{from: t.self, to: dest}
	t.network.seq++
	t.network.links[key] = append(t.network.links[key], simEnvelope{seq: t.network.seq, msg: &out})
	return nil
}

// newSimCluster builds n nodes whose first request is armed at start
func newSimCluster(t *testing.T, n int, start time.Time) *simNetwork {
	t.Helper()
	network := &simNetwork{
		links: make(map[linkKey][]simEnvelope),
		nodes: make(map[NodeID]*Node),
	}
	for i := 0; i < n; i++ {
		config := DefaultConfig()
		config.NodeID = NodeID(i)
		config.NumNodes = n
		config.Sampler = fixedSampler{}
		node, err := New(config, &simTransport{network: network, self: NodeID(i)})
		require.NoError(t, err)
		node.state = Released
		node.proposer.timeRequestCS = start
		network.nodes[NodeID(i)] = node
	}
	return network
}

func (s *simNetwork) pendingLinks() []linkKey {
	keys := make([]linkKey, 0, len(s.links))
	for k, queue := range s.links {
		if len(queue) > 0 {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].from != keys[j].from {
			return keys[i].from < keys[j].from
		}
		return keys[i].to < keys[j].to
	})
	return keys
}

func (s *simNetwork) deliver(key linkKey) {
	queue := s.links[key]
	env := queue[0]
	s.links[key] = queue[1:]
	s.nodes[key.to].process(env.msg)
}

// deliverAll delivers every message, including ones sent while delivering, in global send order
func (s *simNetwork) deliverAll() {
	for {
		keys := s.pendingLinks()
		if len(keys) == 0 {
			return
		}
		oldest := keys[0]
		for _, k := range keys[1:] {
			if s.links[k][0].seq < s.links[oldest][0].seq {
				oldest = k
			}
		}
		s.deliver(oldest)
	}
}

// deliverRandom delivers the head of one random non-empty link
func (s *simNetwork) deliverRandom(r *rand.Rand) bool {
	keys := s.pendingLinks()
	if len(keys) == 0 {
		return false
	}
	s.deliver(keys[r.IntN(len(keys))])
	return true
}

func (s *simNetwork) held() []NodeID {
	var ids []NodeID
	for id, node := range s.nodes {
		if node.state == Held {
			ids = append(ids, id)
		}
	}
	return ids
}

// requireSafe fails if two nodes with intersecting voting sets are both in the CS
func (s *simNetwork) requireSafe(t *testing.T) {
	t.Helper()
	held := s.held()
	for i := 0; i < len(held); i++ {
		for j := i + 1; j < len(held); j++ {
			a, b := s.nodes[held[i]], s.nodes[held[j]]
			require.False(t, a.votingSet.Intersects(b.votingSet),
				"nodes %d and %d are both in the CS", held[i], held[j])
		}
	}
}
