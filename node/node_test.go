package node

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarmlink/config"
	"swarmlink/discovery"
	"swarmlink/identity"
	"swarmlink/message"
	"swarmlink/peer"
	"swarmlink/store"
	"swarmlink/transport"
)

// newTestConfig keeps the node self-contained: ephemeral listen port, no
// LAN discovery, no persistence.
func newTestConfig() *config.Config {
	cfg := config.NewDefault("")
	cfg.Network.ListenAddress = "127.0.0.1:0"
	cfg.Network.DiscoveryEnabled = false
	cfg.DataStore.IdentityPath = ""
	cfg.DataStore.PeerStorePath = ""
	return cfg
}

func newTestNode(t *testing.T, name string) *Node {
	t.Helper()
	n := New(identity.Generate(name), newTestConfig())
	t.Cleanup(func() { n.Close() })
	return n
}

func TestStartStopIdempotent(t *testing.T) {
	n := newTestNode(t, "lifecycle")

	require.False(t, n.IsRunning())
	require.NoError(t, n.Start())
	require.True(t, n.IsRunning())
	require.NotNil(t, n.ListenAddr())

	// A second Start must be a no-op.
	require.NoError(t, n.Start())
	require.True(t, n.IsRunning())

	n.Stop()
	require.False(t, n.IsRunning())
	assert.Zero(t, n.ConnectionCount())

	// A second Stop must be a no-op.
	n.Stop()
	require.False(t, n.IsRunning())
}

func TestRestartAfterStop(t *testing.T) {
	n := newTestNode(t, "restart")

	require.NoError(t, n.Start())
	n.Stop()
	require.NoError(t, n.Start())
	require.True(t, n.IsRunning())
}

func TestControlOpsRequireRunning(t *testing.T) {
	n := newTestNode(t, "stopped")

	_, err := n.ConnectTo("127.0.0.1:9470")
	assert.ErrorIs(t, err, ErrNotRunning)

	env, err := message.Broadcast(n.PeerID(), message.KindHeartbeat, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, n.SendTo("127.0.0.1:9470", env), ErrNotRunning)

	_, err = n.Broadcast(env)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestSendToUnknownPeer(t *testing.T) {
	n := newTestNode(t, "lonely")
	require.NoError(t, n.Start())

	env, err := message.Broadcast(n.PeerID(), message.KindHeartbeat, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, n.SendTo("10.9.8.7:1234", env), ErrPeerNotFound)
}

func TestBuiltinHandlers(t *testing.T) {
	n := newTestNode(t, "handlers")

	for _, kind := range []message.Kind{
		message.KindHello,
		message.KindHeartbeat,
		message.KindHeartbeatAck,
		message.KindGoodbye,
	} {
		assert.True(t, n.HasHandler(kind), "missing builtin handler for %s", kind)
	}

	assert.False(t, n.HasHandler(message.KindTaskRequest))
	n.OnMessage(message.KindTaskRequest, func(*message.Envelope) *message.Envelope { return nil })
	assert.True(t, n.HasHandler(message.KindTaskRequest))
}

func TestUnreachableBootstrapIsNonFatal(t *testing.T) {
	cfg := newTestConfig()
	cfg.Network.BootstrapPeers = []string{"127.0.0.1:1"}

	n := New(identity.Generate("hopeful"), cfg)
	t.Cleanup(func() { n.Close() })

	require.NoError(t, n.Start())
	require.True(t, n.IsRunning())

	// Give the dial goroutine a moment; the node must stay up.
	time.Sleep(100 * time.Millisecond)
	assert.True(t, n.IsRunning())
	assert.Zero(t, n.ConnectionCount())
}

func TestTwoNodesExchange(t *testing.T) {
	a := newTestNode(t, "alpha")
	b := newTestNode(t, "beta")

	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	addrA := a.ListenAddr().String()

	received := make(chan *message.Envelope, 1)
	a.OnMessage(message.KindTaskRequest, func(env *message.Envelope) *message.Envelope {
		received <- env
		return nil
	})

	_, err := b.ConnectTo(addrA)
	require.NoError(t, err)
	assert.Equal(t, 1, b.ConnectionCount())

	require.Eventually(t, func() bool {
		return a.ConnectionCount() == 1
	}, 5*time.Second, 20*time.Millisecond, "server side never registered the connection")

	env, err := message.NewTaskRequest(b.PeerID(), a.PeerID(), "t-1", "ping", nil)
	require.NoError(t, err)
	require.NoError(t, b.SendTo(addrA, env))

	select {
	case got := <-received:
		assert.Equal(t, env.ID, got.ID)
		assert.Equal(t, b.PeerID(), got.From)
	case <-time.After(5 * time.Second):
		t.Fatal("task request never arrived")
	}

	bcast, err := message.Broadcast(b.PeerID(), message.KindStateSync, nil)
	require.NoError(t, err)
	sent, err := b.Broadcast(bcast)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
}

func TestHelloGetsWelcomeBack(t *testing.T) {
	a := newTestNode(t, "greeter")
	b := newTestNode(t, "visitor")

	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	welcomed := make(chan *message.Envelope, 1)
	b.OnMessage(message.KindWelcome, func(env *message.Envelope) *message.Envelope {
		welcomed <- env
		return nil
	})

	addrA := a.ListenAddr().String()
	_, err := b.ConnectTo(addrA)
	require.NoError(t, err)

	hello, err := message.New(b.PeerID(), nil, message.KindHello,
		message.HelloPayload{Identity: b.Identity()})
	require.NoError(t, err)
	require.NoError(t, b.SendTo(addrA, hello))

	select {
	case env := <-welcomed:
		assert.Equal(t, a.PeerID(), env.From)
		var welcome message.WelcomePayload
		require.NoError(t, env.DecodePayload(&welcome))
		assert.Equal(t, "accepted", welcome.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("welcome never arrived")
	}
}

func TestPersistedPeersLoadAsDisconnected(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "peerstore")

	s, err := store.Open(storePath)
	require.NoError(t, err)
	connectedAt := time.Now().UTC()
	require.NoError(t, s.Put(&peer.PeerInfo{
		ID:          "remembered",
		Addr:        "10.0.0.9:9470",
		State:       peer.StateConnected,
		ConnectedAt: &connectedAt,
		LastSeen:    connectedAt,
	}))
	require.NoError(t, s.Close())

	cfg := newTestConfig()
	cfg.DataStore.PeerStorePath = storePath

	n := New(identity.Generate("rememberer"), cfg)
	t.Cleanup(func() { n.Close() })

	peers := n.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, identity.PeerID("remembered"), peers[0].ID)
	assert.Equal(t, peer.StateDisconnected, peers[0].State,
		"live states must be reset on load")
}

func TestStopMarksConnectedPeersDisconnected(t *testing.T) {
	a := newTestNode(t, "closer-a")
	b := newTestNode(t, "closer-b")

	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	_, err := b.ConnectTo(a.ListenAddr().String())
	require.NoError(t, err)
	require.Equal(t, 1, b.ConnectionCount())

	b.regMu.Lock()
	b.registry.AddPeer(&peer.PeerInfo{ID: "seeded", State: peer.StateDiscovered, LastSeen: time.Now()})
	b.registry.UpdateState("seeded", peer.StateConnected)
	b.regMu.Unlock()
	require.Len(t, b.ConnectedPeers(), 1)

	b.Stop()
	assert.Zero(t, b.ConnectionCount())
	assert.Empty(t, b.ConnectedPeers())

	peers := b.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, peer.StateDisconnected, peers[0].State)
}

func findPeer(peers []peer.PeerInfo, id identity.PeerID) *peer.PeerInfo {
	for i := range peers {
		if peers[i].ID == id {
			return &peers[i]
		}
	}
	return nil
}

func TestDiscoveredPeerRegisteredWithIdentity(t *testing.T) {
	n := newTestNode(t, "bridge")
	require.NoError(t, n.Start())

	events := make(chan transport.Event, 16)
	remote := identity.GeneratePeerID()

	n.handleDiscovered(context.Background(), discovery.Discovered{
		Announcement: discovery.Announcement{
			PeerID:     remote,
			ListenAddr: "127.0.0.1:1", // nothing listens here
			Name:       "worker-7",
			Version:    "0.2.0",
		},
		SourceAddr: "127.0.0.1:40000",
	}, events)

	p := findPeer(n.Peers(), remote)
	require.NotNil(t, p)
	assert.Equal(t, "worker-7", p.Identity.Name)
	assert.Equal(t, "0.2.0", p.Identity.Version)
	assert.Equal(t, "127.0.0.1:1", p.Addr)

	// The unreachable dial must settle the peer in Disconnected rather
	// than leaving it stuck in Connecting.
	require.Eventually(t, func() bool {
		return findPeer(n.Peers(), remote).State == peer.StateDisconnected
	}, 5*time.Second, 20*time.Millisecond)
	assert.Zero(t, n.ConnectionCount())
}

func TestReannouncementRefreshesAddr(t *testing.T) {
	n := newTestNode(t, "bridge-refresh")
	require.NoError(t, n.Start())

	events := make(chan transport.Event, 16)
	remote := identity.GeneratePeerID()

	announce := func(addr string) {
		n.handleDiscovered(context.Background(), discovery.Discovered{
			Announcement: discovery.Announcement{
				PeerID:     remote,
				ListenAddr: addr,
				Name:       "roamer",
			},
			SourceAddr: "127.0.0.1:40000",
		}, events)
	}

	announce("127.0.0.1:1")
	require.Eventually(t, func() bool {
		return findPeer(n.Peers(), remote).State == peer.StateDisconnected
	}, 5*time.Second, 20*time.Millisecond)

	// The peer moved; its next announcement carries the new address.
	announce("127.0.0.1:2")

	p := findPeer(n.Peers(), remote)
	require.NotNil(t, p)
	assert.Equal(t, "127.0.0.1:2", p.Addr)
	assert.Equal(t, "roamer", p.Identity.Name)
}

func TestDisconnectUpdatesKnownPeerState(t *testing.T) {
	n := newTestNode(t, "tracker")
	require.NoError(t, n.Start())

	remote := identity.GeneratePeerID()
	n.regMu.Lock()
	n.registry.AddPeer(&peer.PeerInfo{ID: remote, State: peer.StateDiscovered, LastSeen: time.Now()})
	n.registry.UpdateState(remote, peer.StateConnected)
	n.regMu.Unlock()

	// A message binds the remote's peer ID to its connection address, so
	// the later disconnect can be attributed to it.
	env, err := message.Broadcast(remote, message.KindGoodbye, nil)
	require.NoError(t, err)
	n.handleTransportEvent(transport.Event{
		Type: transport.EventMessage, Addr: "10.0.0.1:555", PeerID: remote, Envelope: env,
	})
	n.handleTransportEvent(transport.Event{
		Type: transport.EventDisconnected, Addr: "10.0.0.1:555",
	})

	p := findPeer(n.Peers(), remote)
	require.NotNil(t, p)
	assert.Equal(t, peer.StateDisconnected, p.State)
}

func TestConnectionRefusedAfterStop(t *testing.T) {
	a := newTestNode(t, "target")
	b := newTestNode(t, "late-dialer")

	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	events := make(chan transport.Event, 16)
	addrA := a.ListenAddr().String()
	conn, err := transport.Dial(context.Background(), addrA, events)
	require.NoError(t, err)

	// A dial that completes after Stop must not land in the table.
	b.Stop()
	require.False(t, b.storeConn(addrA, conn))
	assert.Zero(t, b.ConnectionCount())
}
