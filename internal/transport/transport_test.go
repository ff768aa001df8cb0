package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"maekawa-dme/internal/maekawa"
)

type inbox struct {
	mu   sync.Mutex
	msgs []*maekawa.Message
}

func (in *inbox) handle(msg *maekawa.Message) {
	in.mu.Lock()
	in.msgs = append(in.msgs, msg)
	in.mu.Unlock()
}

func (in *inbox) get() []*maekawa.Message {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]*maekawa.Message(nil), in.msgs...)
}

func testConfig(id maekawa.NodeID) *Config {
	config := DefaultConfig()
	config.ID = id
	config.RPCTimeout = time.Second
	return config
}

// newTestTransports starts n transports on ephemeral localhost ports, each
// knowing every other one
func newTestTransports(t *testing.T, n int) []*GRPCTransport {
	t.Helper()
	resetRegistry()

	transports := make([]*GRPCTransport, n)
	addrs := make(map[maekawa.NodeID]string, n)
	for i := 0; i < n; i++ {
		tr, err := New(testConfig(maekawa.NodeID(i)))
		require.NoError(t, err)
		addr, err := tr.Listen()
		require.NoError(t, err)
		transports[i] = tr
		addrs[maekawa.NodeID(i)] = addr
	}
	for _, tr := range transports {
		for id, addr := range addrs {
			tr.config.Peers[id] = addr
		}
	}
	t.Cleanup(func() {
		for _, tr := range transports {
			tr.Stop()
		}
	})
	return transports
}

func TestNew_ValidatesConfig(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, maekawa.ErrInvalidConfig)

	config := DefaultConfig()
	config.MaxSendAttempts = 0
	_, err = New(config)
	assert.ErrorIs(t, err, maekawa.ErrInvalidConfig)

	config = DefaultConfig()
	config.ListenAddr = ""
	_, err = New(config)
	assert.ErrorIs(t, err, maekawa.ErrInvalidConfig)

	config = DefaultConfig()
	config.Peers = nil
	config.Logger = nil
	tr, err := New(config)
	require.NoError(t, err)
	assert.NotNil(t, tr.config.Peers)
}

func TestGRPCTransport_DeliversInOrder(t *testing.T) {
	transports := newTestTransports(t, 2)
	var received inbox
	transports[1].SetMessageHandler(received.handle)
	for _, tr := range transports {
		require.NoError(t, tr.Start())
	}

	const count = 300
	for i := 1; i <= count; i++ {
		msg := &maekawa.Message{ID: fmt.Sprint(i), Type: maekawa.RequestMsg, Src: 0, Dest: 1, TS: maekawa.Timestamp(i)}
		require.NoError(t, transports[0].Send(1, msg))
	}

	require.Eventually(t, func() bool { return len(received.get()) == count }, 10*time.Second, 10*time.Millisecond)
	for i, msg := range received.get() {
		assert.Equal(t, maekawa.Timestamp(i+1), msg.TS)
		assert.Equal(t, maekawa.NodeID(0), msg.Src)
		assert.Equal(t, maekawa.NodeID(1), msg.Dest)
	}
	assert.Equal(t, uint64(0), transports[0].Dropped())
}

func TestGRPCTransport_SelfDelivery(t *testing.T) {
	transports := newTestTransports(t, 1)
	var received inbox
	transports[0].SetMessageHandler(received.handle)
	require.NoError(t, transports[0].Start())

	require.NoError(t, transports[0].Send(0, &maekawa.Message{Type: maekawa.GrantMsg, Src: 0, Dest: 0, TS: 1}))
	require.Eventually(t, func() bool { return len(received.get()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, maekawa.GrantMsg, received.get()[0].Type)
}

func TestGRPCTransport_SendErrors(t *testing.T) {
	transports := newTestTransports(t, 2)
	tr := transports[0]

	err := tr.Send(1, &maekawa.Message{})
	assert.ErrorIs(t, err, maekawa.ErrTransportStopped, "not started")

	require.NoError(t, tr.Start())
	err = tr.Send(9, &maekawa.Message{})
	assert.ErrorIs(t, err, maekawa.ErrUnknownPeer)

	require.NoError(t, tr.Stop())
	require.NoError(t, tr.Stop())
	err = tr.Send(1, &maekawa.Message{})
	assert.ErrorIs(t, err, maekawa.ErrTransportStopped)
	assert.ErrorIs(t, tr.Start(), maekawa.ErrTransportStopped)
}

func TestGRPCTransport_AddPeer(t *testing.T) {
	resetRegistry()
	a, err := New(testConfig(0))
	require.NoError(t, err)
	b, err := New(testConfig(1))
	require.NoError(t, err)
	defer a.Stop()
	defer b.Stop()

	var received inbox
	b.SetMessageHandler(received.handle)
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	assert.ErrorIs(t, a.Send(1, &maekawa.Message{}), maekawa.ErrUnknownPeer)
	a.AddPeer(1, b.Addr())
	require.NoError(t, a.Send(1, &maekawa.Message{Type: maekawa.FailMsg, Src: 0, Dest: 1, TS: 2}))

	require.Eventually(t, func() bool { return len(received.get()) == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestGRPCTransport_DropsDuplicateEnvelopes(t *testing.T) {
	tr, err := New(testConfig(1))
	require.NoError(t, err)
	var received inbox
	tr.SetMessageHandler(received.handle)

	msg := &maekawa.Message{Type: maekawa.RequestMsg, Src: 0, Dest: 1, TS: 5}
	tr.accept(envelope{epoch: 10, seq: 1, msg: msg})
	tr.accept(envelope{epoch: 10, seq: 1, msg: msg}) // retransmission
	tr.accept(envelope{epoch: 10, seq: 2, msg: msg})
	tr.accept(envelope{epoch: 10, seq: 1, msg: msg}) // late attempt
	tr.accept(envelope{epoch: 9, seq: 7, msg: msg})  // older incarnation
	tr.accept(envelope{epoch: 11, seq: 1, msg: msg}) // sender restarted

	other := &maekawa.Message{Type: maekawa.RequestMsg, Src: 2, Dest: 1, TS: 5}
	tr.accept(envelope{epoch: 10, seq: 1, msg: other})

	assert.Len(t, received.get(), 4)
	assert.Equal(t, uint64(3), tr.duplicates.Load())
}

func TestGRPCTransport_MalformedPayloadIsDropped(t *testing.T) {
	transports := newTestTransports(t, 1)
	tr := transports[0]
	var received inbox
	tr.SetMessageHandler(received.handle)
	require.NoError(t, tr.Start())

	conn, err := grpc.NewClient(tr.Addr(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
	)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = conn.Invoke(ctx, deliverMethod, &frame{data: []byte{0xff, 0x01, 0x02}}, new(frame))
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	// A well-formed envelope on the same connection still gets through
	good := encodeEnvelope(envelope{epoch: 1, seq: 1, msg: &maekawa.Message{Type: maekawa.ReleaseMsg, Src: 4, Dest: 0, TS: 3}})
	require.NoError(t, conn.Invoke(ctx, deliverMethod, &frame{data: good}, new(frame)))

	assert.Equal(t, uint64(1), tr.Malformed())
	received.mu.Lock()
	defer received.mu.Unlock()
	require.Len(t, received.msgs, 1)
	assert.Equal(t, maekawa.ReleaseMsg, received.msgs[0].Type)
}

func TestGRPCTransport_GivesUpOnLostPeer(t *testing.T) {
	transports := newTestTransports(t, 2)
	a, b := transports[0], transports[1]
	a.config.RPCTimeout = 20 * time.Millisecond
	a.config.MaxSendAttempts = 2
	a.config.RetryBackoffBase = time.Millisecond

	received := &inbox{}
	b.SetMessageHandler(received.handle)
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	require.NoError(t, a.Send(1, &maekawa.Message{Type: maekawa.RequestMsg, Src: 0, Dest: 1, TS: 1}))
	require.Eventually(t, func() bool { return len(received.get()) == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Stop())
	require.NoError(t, a.Send(1, &maekawa.Message{Type: maekawa.ReleaseMsg, Src: 0, Dest: 1, TS: 2}))
	require.Eventually(t, func() bool { return a.Dropped() == 1 }, 5*time.Second, 10*time.Millisecond)
}

// A peer that comes up after the first send still gets the message, even when
// that takes longer than MaxSendAttempts would allow
func TestGRPCTransport_WaitsForLatePeer(t *testing.T) {
	resetRegistry()

	// Reserve a port for the late peer
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	lateAddr := lis.Addr().String()
	require.NoError(t, lis.Close())

	config := testConfig(0)
	config.RPCTimeout = 20 * time.Millisecond
	config.MaxSendAttempts = 2
	config.RetryBackoffBase = time.Millisecond
	config.MaxRetryBackoff = 20 * time.Millisecond
	config.Peers[1] = lateAddr
	a, err := New(config)
	require.NoError(t, err)
	require.NoError(t, a.Start())
	defer a.Stop()

	require.NoError(t, a.Send(1, &maekawa.Message{Type: maekawa.RequestMsg, Src: 0, Dest: 1, TS: 1}))
	require.NoError(t, a.Send(1, &maekawa.Message{Type: maekawa.ReleaseMsg, Src: 0, Dest: 1, TS: 2}))

	time.Sleep(500 * time.Millisecond)

	lateConfig := testConfig(1)
	lateConfig.ListenAddr = lateAddr
	b, err := New(lateConfig)
	require.NoError(t, err)
	received := &inbox{}
	b.SetMessageHandler(received.handle)
	require.NoError(t, b.Start())
	defer b.Stop()

	require.Eventually(t, func() bool { return len(received.get()) == 2 }, 10*time.Second, 10*time.Millisecond)
	msgs := received.get()
	assert.Equal(t, maekawa.RequestMsg, msgs[0].Type)
	assert.Equal(t, maekawa.ReleaseMsg, msgs[1].Type)
	assert.Zero(t, a.Dropped())
}

// Three Maekawa nodes over real gRPC connections all reach the critical section
func TestGRPCTransport_MaekawaCluster(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping gRPC cluster test in short mode")
	}

	transports := newTestTransports(t, 3)
	nodes := make([]*maekawa.Node, 3)
	for i, tr := range transports {
		config := maekawa.DefaultConfig()
		config.NodeID = maekawa.NodeID(i)
		config.NumNodes = 3
		config.TickInterval = 2 * time.Millisecond
		node, err := maekawa.New(config, tr)
		require.NoError(t, err)
		nodes[i] = node
	}
	for _, node := range nodes {
		require.NoError(t, node.Start())
	}
	defer func() {
		for _, node := range nodes {
			node.Stop()
		}
	}()

	require.Eventually(t, func() bool {
		for _, node := range nodes {
			if node.Metrics().CSEntries() < 3 {
				return false
			}
		}
		return true
	}, 30*time.Second, 20*time.Millisecond)
}
