// Package transport carries Maekawa protocol messages between processes over
// gRPC. Every peer gets its own outbox drained by one goroutine that sends one
// message at a time, so messages on a link arrive in the order they were sent.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"maekawa-dme/internal/maekawa"
)

// ErrOutboxFull is returned by Send when a peer's outbox cannot take more messages
var ErrOutboxFull = errors.New("outbox full")

// Config holds the configuration of a GRPCTransport
type Config struct {
	// ID is the node this transport belongs to
	ID maekawa.NodeID

	// ListenAddr is the address the gRPC server binds to, e.g. "127.0.0.1:0"
	ListenAddr string

	// Peers maps node IDs to addresses. Every entry is registered with the
	// resolver on Start. More peers can be added later with AddPeer.
	Peers map[maekawa.NodeID]string

	// RPCTimeout bounds a single delivery attempt
	RPCTimeout time.Duration

	// MaxSendAttempts is how many times a message is tried before it is dropped.
	// It applies once the peer has answered at least once; before that, sends
	// are retried until Stop.
	MaxSendAttempts int

	// RetryBackoffBase is the backoff after the first failed attempt. It grows
	// linearly with each further attempt.
	RetryBackoffBase time.Duration

	// MaxRetryBackoff caps the backoff between attempts
	MaxRetryBackoff time.Duration

	// OutboxSize is the capacity of each per-peer outbox
	OutboxSize int

	// Logger for debugging
	Logger maekawa.Logger
}

// DefaultConfig returns a Config with sensible default values
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:       "127.0.0.1:0",
		Peers:            make(map[maekawa.NodeID]string),
		RPCTimeout:       500 * time.Millisecond,
		MaxSendAttempts:  10,
		RetryBackoffBase: 10 * time.Millisecond,
		MaxRetryBackoff:  200 * time.Millisecond,
		OutboxSize:       1024,
		Logger:           maekawa.NopLogger(),
	}
}

func validateConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("%w: config is nil", maekawa.ErrInvalidConfig)
	}
	if config.ID < 0 {
		return fmt.Errorf("%w: negative node id %d", maekawa.ErrInvalidConfig, config.ID)
	}
	if config.ListenAddr == "" {
		return fmt.Errorf("%w: ListenAddr is required", maekawa.ErrInvalidConfig)
	}
	if config.RPCTimeout <= 0 {
		return fmt.Errorf("%w: RPCTimeout must be positive", maekawa.ErrInvalidConfig)
	}
	if config.MaxSendAttempts < 1 {
		return fmt.Errorf("%w: MaxSendAttempts must be at least 1", maekawa.ErrInvalidConfig)
	}
	if config.RetryBackoffBase < 0 || config.MaxRetryBackoff < 0 {
		return fmt.Errorf("%w: retry backoff must not be negative", maekawa.ErrInvalidConfig)
	}
	if config.OutboxSize < 1 {
		return fmt.Errorf("%w: OutboxSize must be positive", maekawa.ErrInvalidConfig)
	}
	return nil
}

// linkPosition is the last envelope accepted from a peer
type linkPosition struct {
	epoch uint64
	seq   uint64
}

type outbox struct {
	peer  maekawa.NodeID
	queue chan *maekawa.Message
	seq   uint64
	// reached is set after the first successful delivery to peer. Until then
	// the peer may still be starting, so sends are retried until Stop.
	reached bool
}

// GRPCTransport implements maekawa.Transport over gRPC
type GRPCTransport struct {
	config *Config
	logger maekawa.Logger
	// epoch distinguishes this incarnation's sequence numbers from an earlier one
	epoch uint64

	server   *grpc.Server
	listener net.Listener

	// A map of maekawa.NodeID -> *grpc.ClientConn. sync.Map is optimized for the
	// read-mostly access pattern of the outboxes.
	clientsConnPool *sync.Map

	mu       sync.RWMutex
	outboxes map[maekawa.NodeID]*outbox
	started  bool
	stopped  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
	// ctx is cancelled by Stop and aborts in-flight delivery attempts
	ctx    context.Context
	cancel context.CancelFunc

	// deliverMu serializes handler calls and guards lastSeen
	deliverMu sync.Mutex
	handler   func(*maekawa.Message)
	lastSeen  map[maekawa.NodeID]linkPosition

	dropped    atomic.Uint64
	duplicates atomic.Uint64
	malformed  atomic.Uint64
}

// New creates a transport. Nothing is bound or dialed until Listen or Start.
func New(config *Config) (*GRPCTransport, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	if config.Logger == nil {
		config.Logger = maekawa.NopLogger()
	}
	if config.Peers == nil {
		config.Peers = make(map[maekawa.NodeID]string)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &GRPCTransport{
		ctx:             ctx,
		cancel:          cancel,
		config:          config,
		logger:          config.Logger,
		epoch:           uint64(time.Now().UnixNano()),
		clientsConnPool: &sync.Map{},
		outboxes:        make(map[maekawa.NodeID]*outbox),
		stopCh:          make(chan struct{}),
		lastSeen:        make(map[maekawa.NodeID]linkPosition),
	}, nil
}

// Listen binds the server socket and returns the bound address. It is called
// by Start if needed; calling it earlier lets callers learn an ephemeral port.
func (t *GRPCTransport) Listen() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return "", maekawa.ErrTransportStopped
	}
	if t.listener != nil {
		return t.listener.Addr().String(), nil
	}

	lis, err := net.Listen("tcp", t.config.ListenAddr)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", t.config.ListenAddr, err)
	}
	t.listener = lis
	return lis.Addr().String(), nil
}

// Addr returns the bound address, or "" before Listen
func (t *GRPCTransport) Addr() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Start serves inbound messages and starts one outbox per known peer
func (t *GRPCTransport) Start() error {
	if _, err := t.Listen(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return maekawa.ErrTransportStopped
	}
	if t.started {
		return nil
	}

	RegisterPeer(t.config.ID, t.listener.Addr().String())
	for id, addr := range t.config.Peers {
		if id != t.config.ID {
			RegisterPeer(id, addr)
		}
	}

	t.server = grpc.NewServer(grpc.ForceServerCodec(rawCodec{}))
	t.server.RegisterService(&serviceDesc, t)

	t.wg.Add(1)
	go func(server *grpc.Server, lis net.Listener) {
		defer t.wg.Done()
		if err := server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.logger.Errorf("[Transport] Node %d server stopped: %v", t.config.ID, err)
		}
	}(t.server, t.listener)

	// The local node is always a peer of itself; its outbox skips the network.
	t.addOutboxLocked(t.config.ID)
	for id := range t.config.Peers {
		t.addOutboxLocked(id)
	}

	t.started = true
	t.logger.Infof("[Transport] Node %d listening on %s", t.config.ID, t.listener.Addr())
	return nil
}

func (t *GRPCTransport) addOutboxLocked(id maekawa.NodeID) {
	if _, ok := t.outboxes[id]; ok {
		return
	}
	ob := &outbox{peer: id, queue: make(chan *maekawa.Message, t.config.OutboxSize)}
	t.outboxes[id] = ob
	t.wg.Add(1)
	go t.runOutbox(ob)
}

// AddPeer registers a peer's address and starts its outbox if the transport is running
func (t *GRPCTransport) AddPeer(id maekawa.NodeID, addr string) {
	RegisterPeer(id, addr)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.config.Peers[id] = addr
	if t.started && !t.stopped {
		t.addOutboxLocked(id)
	}
}

// Stop stops all outboxes, closes every connection and stops the server.
// Queued messages are discarded.
func (t *GRPCTransport) Stop() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	close(t.stopCh)
	t.cancel()
	server, lis := t.server, t.listener
	t.mu.Unlock()

	if server != nil {
		server.Stop()
	} else if lis != nil {
		lis.Close()
	}
	t.wg.Wait()

	t.clientsConnPool.Range(func(key, value any) bool {
		if conn, ok := value.(*grpc.ClientConn); ok {
			conn.Close()
		}
		t.clientsConnPool.Delete(key)
		return true
	})

	t.logger.Infof("[Transport] Node %d stopped (dropped=%d duplicates=%d malformed=%d)",
		t.config.ID, t.dropped.Load(), t.duplicates.Load(), t.malformed.Load())
	return nil
}

// Send queues msg on the outbox towards dest and returns without waiting
func (t *GRPCTransport) Send(dest maekawa.NodeID, msg *maekawa.Message) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.stopped || !t.started {
		return maekawa.ErrTransportStopped
	}
	ob, ok := t.outboxes[dest]
	if !ok {
		return fmt.Errorf("%w: %d", maekawa.ErrUnknownPeer, dest)
	}

	out := *msg
	select {
	case ob.queue <- &out:
		return nil
	default:
		return fmt.Errorf("%w: peer %d", ErrOutboxFull, dest)
	}
}

// SetMessageHandler sets the handler for inbound messages
func (t *GRPCTransport) SetMessageHandler(handler func(*maekawa.Message)) {
	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()
	t.handler = handler
}

// Dropped returns the number of messages given up on after MaxSendAttempts
func (t *GRPCTransport) Dropped() uint64 {
	return t.dropped.Load()
}

// Malformed returns the number of inbound payloads that failed to decode
func (t *GRPCTransport) Malformed() uint64 {
	return t.malformed.Load()
}

func (t *GRPCTransport) runOutbox(ob *outbox) {
	defer t.wg.Done()

	for {
		select {
		case <-t.stopCh:
			return
		case msg := <-ob.queue:
			ob.seq++
			env := envelope{epoch: t.epoch, seq: ob.seq, msg: msg}
			if ob.peer == t.config.ID {
				t.accept(env)
				continue
			}
			t.sendWithRetry(ob, env)
		}
	}
}

// getClientConn returns the pooled connection to peerID, dialing it on first use
func (t *GRPCTransport) getClientConn(peerID maekawa.NodeID) (*grpc.ClientConn, error) {
	if clientConn, ok := t.clientsConnPool.Load(peerID); ok {
		conn, ok := clientConn.(*grpc.ClientConn)
		if !ok {
			return nil, fmt.Errorf("invalid clientConn type for node %d. Type is %T", peerID, clientConn)
		}
		return conn, nil
	}

	conn, err := grpc.NewClient(peerTarget(peerID),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
		// A peer that is not up yet is redialed at most a second apart
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: backoff.Config{
				BaseDelay:  100 * time.Millisecond,
				Multiplier: 1.6,
				Jitter:     0.2,
				MaxDelay:   time.Second,
			},
			MinConnectTimeout: time.Second,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for node %d: %w", peerID, err)
	}
	// Only the outbox of peerID dials it, so there is no race to store.
	t.clientsConnPool.Store(peerID, conn)
	return conn, nil
}

// sendWithRetry delivers one envelope, retrying with a linearly growing backoff.
// The next message on the link is not sent until this one succeeds or is dropped.
// A peer that has never been reached is retried until the transport stops;
// after that, MaxSendAttempts bounds the attempts.
func (t *GRPCTransport) sendWithRetry(ob *outbox, env envelope) {
	if t.ctx.Err() != nil {
		return
	}
	peerID := ob.peer
	conn, err := t.getClientConn(peerID)
	if err != nil {
		t.dropped.Add(1)
		t.logger.Errorf("[Transport] Node %d dropping %s: %v", t.config.ID, env.msg, err)
		return
	}

	req := &frame{data: encodeEnvelope(env)}
	var lastErr error

	for attempt := 0; !ob.reached || attempt < t.config.MaxSendAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(t.ctx, t.config.RPCTimeout)
		lastErr = conn.Invoke(ctx, deliverMethod, req, new(frame))
		cancel()

		if lastErr == nil {
			ob.reached = true
			if attempt > 0 {
				t.logger.Debugf("[Transport] %s to %d succeeded after %d retries", env.msg.Type, peerID, attempt)
			}
			return
		}
		if status.Code(lastErr) == codes.InvalidArgument || t.ctx.Err() != nil {
			break
		}
		if !ob.reached && (attempt+1)%t.config.MaxSendAttempts == 0 {
			t.logger.Infof("[Transport] Node %d still waiting for peer %d: %v", t.config.ID, peerID, lastErr)
		}

		// Don't sleep after the last attempt
		if !ob.reached || attempt < t.config.MaxSendAttempts-1 {
			backoff := t.config.RetryBackoffBase * time.Duration(attempt+1)
			if backoff > t.config.MaxRetryBackoff {
				backoff = t.config.MaxRetryBackoff
			}
			select {
			case <-t.stopCh:
				return
			case <-time.After(backoff):
			}
		}
	}

	if t.ctx.Err() != nil {
		return
	}
	t.dropped.Add(1)
	t.logger.Warnf("[Transport] Node %d gave up on %s to %d: %v", t.config.ID, env.msg, peerID, lastErr)
}

// deliver is the server side of the Deliver RPC
func (t *GRPCTransport) deliver(_ context.Context, in *frame) (*frame, error) {
	env, err := decodeEnvelope(in.data)
	if err != nil {
		t.malformed.Add(1)
		t.logger.Warnf("[Transport] Node %d dropping malformed payload (%d bytes): %v", t.config.ID, len(in.data), err)
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	t.accept(env)
	return &frame{}, nil
}

// accept hands env's message to the handler unless it was already accepted.
// Retries can deliver an envelope more than once, and a timed-out attempt can
// land after a later one; both are dropped by position.
func (t *GRPCTransport) accept(env envelope) {
	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()

	src := env.msg.Src
	last, ok := t.lastSeen[src]
	if ok && (env.epoch < last.epoch || (env.epoch == last.epoch && env.seq <= last.seq)) {
		t.duplicates.Add(1)
		t.logger.Debugf("[Transport] Node %d dropping duplicate %s (seq=%d)", t.config.ID, env.msg, env.seq)
		return
	}
	t.lastSeen[src] = linkPosition{epoch: env.epoch, seq: env.seq}

	if t.handler != nil {
		t.handler(env.msg)
	}
}
