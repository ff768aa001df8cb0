package maekawa

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Node runs the Maekawa protocol for one process. It is both a proposer, asking
// its voting set for permission to enter the critical section, and a voter for
// the nodes whose voting sets contain it.
//
// Ticks and inbound messages are funneled through a single event loop and handled
// one at a time. The loop is the only writer of protocol state; mu lets other
// goroutines read consistent snapshots.
type Node struct {
	config    *Config
	transport Transport
	metrics   *Metrics
	logger    Logger

	id        NodeID
	votingSet VotingSet

	mu       sync.RWMutex
	state    NodeState
	clock    LamportClock
	voter    voterState
	proposer proposerState
	signals  signals

	inbox chan *Message

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// proposerState is the requesting side of a node
type proposerState struct {
	votesReceived int
	// Voters whose grant for the current request is held
	grantsFrom map[NodeID]bool

	requestedAt   time.Time
	enteredAt     time.Time
	timeRequestCS time.Time
	timeExitCS    time.Time
}

// signals are level-triggered: set when their condition holds on a tick, cleared
// by the handler they trigger
type signals struct {
	requestCS bool
	enterCS   bool
	exitCS    bool
}

// New creates a node. The node does not send or receive anything until Start.
func New(config *Config, transport Transport) (*Node, error) {
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if transport == nil {
		return nil, fmt.Errorf("%w: transport is required", ErrInvalidConfig)
	}

	votingSet := normalize(config.VotingSet)
	if len(votingSet) == 0 {
		var err error
		votingSet, err = NewVotingSet(config.NodeID, config.NumNodes)
		if err != nil {
			return nil, err
		}
	}

	if config.Logger == nil {
		config.Logger = &defaultLogger{}
	}
	if config.Sampler == nil {
		config.Sampler = uniformSampler{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}

	return &Node{
		config:    config,
		transport: transport,
		metrics:   metrics,
		logger:    config.Logger,
		id:        config.NodeID,
		votingSet: votingSet,
		state:     Init,
		voter:     voterState{queue: NewRequestQueue()},
		proposer:  proposerState{grantsFrom: make(map[NodeID]bool)},
		inbox:     make(chan *Message, config.InboxSize),
		stopCh:    make(chan struct{}),
	}, nil
}

// Start moves the node from INIT to RELEASE, starts the transport and the event loop
func (n *Node) Start() error {
	n.lifecycleMu.Lock()
	defer n.lifecycleMu.Unlock()

	if n.stopped {
		return ErrStopped
	}
	if n.started {
		return nil
	}

	n.logger.Infof("[Node] Starting node %d with voting set %v", n.id, n.votingSet)

	n.transport.SetMessageHandler(n.enqueue)
	if err := n.transport.Start(); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}

	n.mu.Lock()
	n.state = Released
	n.proposer.timeRequestCS = time.Now().Add(n.config.InitialDelay)
	n.mu.Unlock()

	n.started = true
	n.wg.Add(1)
	go n.run()

	return nil
}

// Stop stops the event loop and the transport. A stopped node cannot be restarted.
func (n *Node) Stop() error {
	n.lifecycleMu.Lock()
	defer n.lifecycleMu.Unlock()

	if n.stopped {
		return nil
	}
	n.stopped = true
	if !n.started {
		return nil
	}

	n.logger.Infof("[Node] Stopping node %d", n.id)
	close(n.stopCh)
	n.wg.Wait()

	if err := n.transport.Stop(); err != nil {
		return fmt.Errorf("failed to stop transport: %w", err)
	}
	return nil
}

func (n *Node) run() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case msg := <-n.inbox:
			n.process(msg)
		case <-ticker.C:
			// The ticker value may be stale if the loop was busy, so sample the clock here.
			n.tick(time.Now())
		}
	}
}

// enqueue is the transport's message handler
func (n *Node) enqueue(msg *Message) {
	if msg == nil {
		return
	}
	if msg.Dest != NoNode && msg.Dest != n.id {
		n.logger.Warnf("[Node] Node %d dropping %s addressed to %d", n.id, msg, msg.Dest)
		return
	}
	select {
	case n.inbox <- msg:
	case <-n.stopCh:
	}
}

// tick evaluates the three signals and runs the handler of the one that is set
func (n *Node) tick(now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.evaluateSignals(now)

	switch {
	case n.signals.requestCS:
		n.requestCS(now)
	case n.signals.enterCS:
		n.enterCS(now)
	case n.signals.exitCS:
		n.exitCS(now)
	}
}

func (n *Node) evaluateSignals(now time.Time) {
	switch n.state {
	case Requesting:
		if n.proposer.votesReceived == n.votingSet.Size() && !n.signals.enterCS {
			n.signals.enterCS = true
		}
	case Held:
		if !now.Before(n.proposer.timeExitCS) && !n.signals.exitCS {
			n.signals.exitCS = true
		}
	case Released:
		if !now.Before(n.proposer.timeRequestCS) && !n.signals.requestCS {
			n.signals.requestCS = true
		}
	}
}

// requestCS multicasts a REQUEST to the voting set
func (n *Node) requestCS(now time.Time) {
	n.state = Requesting
	n.clock.Tick()
	n.proposer.requestedAt = now

	n.logger.Infof("[Node] Node %d requests the CS (ts=%d)", n.id, n.clock.Now())
	n.multicast(RequestMsg)
	n.signals.requestCS = false
	n.publish(RequestedCS, now)
}

// enterCS moves to HELD once every member of the voting set has granted
func (n *Node) enterCS(now time.Time) {
	dwell := time.Duration(n.config.Sampler.Units(n.config.DwellMin, n.config.DwellMax)) * n.config.TimeUnit
	n.proposer.timeExitCS = now.Add(dwell)
	n.state = Held
	n.clock.Tick()
	n.proposer.enteredAt = now

	n.metrics.RecordCSEntry(now.Sub(n.proposer.requestedAt))
	n.logger.Infof("[Node] Node %d enters the CS for %v (ts=%d)", n.id, dwell, n.clock.Now())
	n.signals.enterCS = false
	n.publish(EnteredCS, now)
}

// exitCS leaves the CS, resets the vote count and multicasts RELEASE
func (n *Node) exitCS(now time.Time) {
	cooldown := time.Duration(n.config.Sampler.Units(n.config.CooldownMin, n.config.CooldownMax)) * n.config.TimeUnit
	n.proposer.timeRequestCS = now.Add(cooldown)
	n.state = Released
	n.clock.Tick()
	n.proposer.votesReceived = 0
	clear(n.proposer.grantsFrom)

	n.metrics.RecordDwell(now.Sub(n.proposer.enteredAt))
	n.logger.Infof("[Node] Node %d exits the CS (ts=%d)", n.id, n.clock.Now())
	// Published before RELEASE goes out so observers see the exit before any successor's entry.
	n.publish(ExitedCS, now)
	n.multicast(ReleaseMsg)
	n.signals.exitCS = false
}

func (n *Node) newMessage(t MessageType, dest NodeID) *Message {
	return &Message{
		ID:   uuid.New().String(),
		Type: t,
		Src:  n.id,
		Dest: dest,
		TS:   n.clock.Now(),
	}
}

// send is fire-and-forget: failures are logged and counted, never returned
func (n *Node) send(t MessageType, dest NodeID) {
	msg := n.newMessage(t, dest)
	n.metrics.RecordSent(t)
	n.logger.Debugf("[Node] Node %d ---> %s", n.id, msg)
	if err := n.transport.Send(dest, msg); err != nil {
		n.metrics.RecordDroppedSend()
		n.logger.Warnf("[Node] Node %d failed to send %s: %v", n.id, msg, err)
	}
}

func (n *Node) multicast(t MessageType) {
	msg := n.newMessage(t, NoNode)
	for range n.votingSet {
		n.metrics.RecordSent(t)
	}
	n.logger.Debugf("[Node] Node %d ---> %s to %v", n.id, msg, n.votingSet)

	err := Multicast(n.transport, msg, n.votingSet)
	if err == nil {
		return
	}
	failed := 1
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		failed = len(joined.Unwrap())
	}
	for i := 0; i < failed; i++ {
		n.metrics.RecordDroppedSend()
	}
	n.logger.Warnf("[Node] Node %d multicast of %s partially failed: %v", n.id, t, err)
}

// ID returns the node's identifier
func (n *Node) ID() NodeID {
	return n.id
}

// VotingSet returns a copy of the node's voting set
func (n *Node) VotingSet() VotingSet {
	return append(VotingSet(nil), n.votingSet...)
}

// Metrics returns the node's metrics collector
func (n *Node) Metrics() *Metrics {
	return n.metrics
}

// State returns the node's current proposer state
func (n *Node) State() NodeState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// VotesReceived returns the number of grants held for the current request
func (n *Node) VotesReceived() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.proposer.votesReceived
}

// LamportTime returns the current Lamport clock value
func (n *Node) LamportTime() Timestamp {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.clock.Now()
}

// QueueLen returns the number of requests waiting in the node's request queue
func (n *Node) QueueLen() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.voter.queue.Len()
}

// VotedFor returns the request this node has currently granted its vote to
func (n *Node) VotedFor() (Message, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.voter.hasVoted {
		return Message{}, false
	}
	return *n.voter.votedRequest, true
}
