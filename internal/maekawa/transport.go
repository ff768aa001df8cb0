package maekawa

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrUnknownPeer      = errors.New("unknown peer")
	ErrTransportStopped = errors.New("transport stopped")
)

// Transport delivers messages between nodes. Delivery is assumed reliable and
// FIFO per link. Malformed payloads must be dropped by the transport and never
// handed to the message handler.
type Transport interface {
	// Start begins accepting inbound messages
	Start() error
	// Stop shuts down the transport
	Stop() error
	// Send hands msg to the link towards dest. It does not wait for delivery.
	Send(dest NodeID, msg *Message) error
	// SetMessageHandler sets the handler for inbound messages. The handler is
	// called for one message at a time.
	SetMessageHandler(handler func(*Message))
}

// Multicast sends an independent copy of msg to every destination, with Dest set
// per copy. It returns the errors of all failed sends joined together.
func Multicast(t Transport, msg *Message, dests []NodeID) error {
	var errs []error
	for _, dest := range dests {
		out := *msg
		out.Dest = dest
		if err := t.Send(dest, &out); err != nil {
			errs = append(errs, fmt.Errorf("send %s to %d: %w", msg.Type, dest, err))
		}
	}
	return errors.Join(errs...)
}

// Network is an in-process message fabric. Each node gets a MemoryTransport;
// every endpoint delivers its inbound messages in arrival order from a single
// goroutine, so per-link FIFO holds.
type Network struct {
	mu        sync.RWMutex
	endpoints map[NodeID]*MemoryTransport
}

// NewNetwork creates an empty in-process network
func NewNetwork() *Network {
	return &Network{endpoints: make(map[NodeID]*MemoryTransport)}
}

// Transport returns the endpoint of node id, creating it on first use
func (n *Network) Transport(id NodeID) *MemoryTransport {
	n.mu.Lock()
	defer n.mu.Unlock()

	if t, ok := n.endpoints[id]; ok {
		return t
	}
	t := &MemoryTransport{id: id, network: n}
	t.cond = sync.NewCond(&t.mu)
	n.endpoints[id] = t
	return t
}

func (n *Network) endpoint(id NodeID) (*MemoryTransport, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	t, ok := n.endpoints[id]
	return t, ok
}

// MemoryTransport is one node's endpoint on a Network
type MemoryTransport struct {
	id      NodeID
	network *Network

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*Message
	handler func(*Message)
	started bool
	stopped bool
	blocked bool // For testing: drop all incoming messages when true
	wg      sync.WaitGroup
}

// Start begins delivering queued messages to the handler
func (t *MemoryTransport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return ErrTransportStopped
	}
	if t.started {
		return nil
	}
	t.started = true
	t.wg.Add(1)
	go t.deliver()
	return nil
}

// Stop stops delivery. Messages still queued are discarded.
func (t *MemoryTransport) Stop() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	t.queue = nil
	t.cond.Broadcast()
	t.mu.Unlock()

	t.wg.Wait()
	return nil
}

// Send enqueues a copy of msg at dest
func (t *MemoryTransport) Send(dest NodeID, msg *Message) error {
	peer, ok := t.network.endpoint(dest)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, dest)
	}

	out := *msg
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.stopped {
		return fmt.Errorf("%w: %d", ErrTransportStopped, dest)
	}
	if peer.blocked {
		return nil
	}
	peer.queue = append(peer.queue, &out)
	peer.cond.Signal()
	return nil
}

// SetMessageHandler sets the handler for inbound messages
func (t *MemoryTransport) SetMessageHandler(handler func(*Message)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// BlockIncoming drops every message sent to this endpoint until UnblockIncoming
func (t *MemoryTransport) BlockIncoming() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blocked = true
}

// UnblockIncoming resumes accepting messages
func (t *MemoryTransport) UnblockIncoming() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blocked = false
}

// Pending returns the number of messages waiting to be delivered
func (t *MemoryTransport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

func (t *MemoryTransport) deliver() {
	defer t.wg.Done()

	for {
		t.mu.Lock()
		for len(t.queue) == 0 && !t.stopped {
			t.cond.Wait()
		}
		if t.stopped {
			t.mu.Unlock()
			return
		}
		msg := t.queue[0]
		t.queue[0] = nil
		t.queue = t.queue[1:]
		handler := t.handler
		t.mu.Unlock()

		if handler != nil {
			handler(msg)
		}
	}
}
