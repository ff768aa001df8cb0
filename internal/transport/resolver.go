package transport

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"google.golang.org/grpc/resolver"

	"maekawa-dme/internal/maekawa"
)

// ---- In-process registry: NodeID -> address ----

type peerRegistry struct {
	mu       sync.RWMutex
	records  map[maekawa.NodeID]string
	watchers map[maekawa.NodeID]map[*peerResolver]struct{}
}

var globalPeerRegistry = &peerRegistry{
	records:  make(map[maekawa.NodeID]string),
	watchers: make(map[maekawa.NodeID]map[*peerResolver]struct{}),
}

// RegisterPeer sets or updates the address of a node and notifies any active resolvers
func RegisterPeer(id maekawa.NodeID, addr string) {
	globalPeerRegistry.mu.Lock()
	globalPeerRegistry.records[id] = addr
	watchers := make([]*peerResolver, 0, len(globalPeerRegistry.watchers[id]))
	for w := range globalPeerRegistry.watchers[id] {
		watchers = append(watchers, w)
	}
	globalPeerRegistry.mu.Unlock()

	// Notify after unlocking to avoid re-entrancy.
	for _, w := range watchers {
		w.pushCurrent()
	}
}

// ---- gRPC name resolver ("maekawa" scheme) ----

const peerScheme = "maekawa"

// peerTarget is the dial target of a node, e.g. "maekawa:///3"
func peerTarget(id maekawa.NodeID) string {
	return fmt.Sprintf("%s:///%d", peerScheme, id)
}

type peerBuilder struct{}

func (peerBuilder) Scheme() string { return peerScheme }

func (peerBuilder) Build(target resolver.Target, cc resolver.ClientConn, _ resolver.BuildOptions) (resolver.Resolver, error) {
	endpoint := strings.TrimPrefix(target.Endpoint(), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("maekawa resolver: empty target endpoint: %+v", target)
	}
	n, err := strconv.Atoi(endpoint)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("maekawa resolver: endpoint %q is not a node id", endpoint)
	}

	r := &peerResolver{id: maekawa.NodeID(n), cc: cc}
	r.subscribe()
	r.pushCurrent()
	return r, nil
}

type peerResolver struct {
	id maekawa.NodeID
	cc resolver.ClientConn
}

func (r *peerResolver) ResolveNow(resolver.ResolveNowOptions) { r.pushCurrent() }

func (r *peerResolver) Close() {
	globalPeerRegistry.mu.Lock()
	defer globalPeerRegistry.mu.Unlock()
	if set, ok := globalPeerRegistry.watchers[r.id]; ok {
		delete(set, r)
		if len(set) == 0 {
			delete(globalPeerRegistry.watchers, r.id)
		}
	}
}

func (r *peerResolver) subscribe() {
	globalPeerRegistry.mu.Lock()
	defer globalPeerRegistry.mu.Unlock()
	set := globalPeerRegistry.watchers[r.id]
	if set == nil {
		set = make(map[*peerResolver]struct{})
		globalPeerRegistry.watchers[r.id] = set
	}
	set[r] = struct{}{}
}

func (r *peerResolver) pushCurrent() {
	globalPeerRegistry.mu.RLock()
	addr, ok := globalPeerRegistry.records[r.id]
	globalPeerRegistry.mu.RUnlock()

	if !ok || addr == "" {
		_ = r.cc.UpdateState(resolver.State{Addresses: nil}) // no address yet; gRPC will retry
		return
	}

	_ = r.cc.UpdateState(resolver.State{
		Addresses: []resolver.Address{{Addr: addr}},
	})
}

func init() {
	resolver.Register(peerBuilder{})
}
