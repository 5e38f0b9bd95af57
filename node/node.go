// Package node implements the coordinator at the heart of swarmlink. A
// Node owns the identity, configuration, peer registry, message router
// and live connection table, and runs the background units that keep the
// mesh alive: the listener, the discovery bridge, bootstrap dials, the
// central event loop and the heartbeat loop.
package node

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	log "github.com/sirupsen/logrus"

	"swarmlink/config"
	"swarmlink/identity"
	"swarmlink/message"
	"swarmlink/peer"
	"swarmlink/router"
	"swarmlink/store"
	"swarmlink/transport"
)

// Node is the top-level coordinator. Create one per process, call Start
// to join the mesh and Stop to leave it.
type Node struct {
	identity identity.Identity
	cfg      *config.Config

	// Registry of every peer ever observed; guarded by regMu.
	regMu    sync.RWMutex
	registry *peer.Registry

	// Live connections keyed by remote address, plus the peer ID last
	// seen talking on each address; both guarded by connsMu.
	connsMu   sync.RWMutex
	conns     map[string]*transport.Conn
	peerAddrs map[string]identity.PeerID

	router *router.Router

	// Optional persistence for the registry; nil when disabled.
	peerStore *store.PeerStore

	// Lifecycle state; guarded by mu. ctx is the per-run cancellation
	// context every background unit observes as the shutdown signal.
	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	events  chan transport.Event

	listenAddr net.Addr

	// Deduplicates concurrent dials to the same address triggered by
	// bursts of discovery announcements.
	dialGroup singleflight.Group
}

// New creates a node with the given identity and configuration. When a
// peer store path is configured, previously observed peers are loaded
// into the registry with their live states reset to Disconnected.
func New(id identity.Identity, cfg *config.Config) *Node {
	if cfg == nil {
		cfg = config.NewDefault("")
	}

	n := &Node{
		identity:  id,
		cfg:       cfg,
		registry:  peer.NewRegistry(),
		conns:     make(map[string]*transport.Conn),
		peerAddrs: make(map[string]identity.PeerID),
		router:    router.New(),
	}

	n.router.Register(message.KindHello, router.HelloHandler(id.PeerID))
	n.router.Register(message.KindHeartbeat, router.HeartbeatHandler(id.PeerID))
	n.router.Register(message.KindGoodbye, router.GoodbyeHandler())
	n.router.Register(message.KindHeartbeatAck, n.heartbeatAckHandler())

	if path := cfg.DataStore.PeerStorePath; path != "" {
		ps, err := store.Open(path)
		if err != nil {
			log.Warnf("node: cannot open peer store at %s, running without persistence: %v", path, err)
		} else {
			n.peerStore = ps
			n.loadPersistedPeers()
		}
	}

	return n
}

// WithDefaults creates a node with a fresh identity and default config.
func WithDefaults(name string) *Node {
	return New(identity.Generate(name), config.NewDefault(""))
}

// PeerID returns this node's peer ID.
func (n *Node) PeerID() identity.PeerID {
	return n.identity.PeerID
}

// Identity returns this node's full identity.
func (n *Node) Identity() identity.Identity {
	return n.identity
}

// Config returns the node's configuration.
func (n *Node) Config() *config.Config {
	return n.cfg
}

// IsRunning reports whether the node is currently running.
func (n *Node) IsRunning() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

// ListenAddr returns the actual bound listen address, or nil before the
// first Start. Useful when the configured address uses port 0.
func (n *Node) ListenAddr() net.Addr {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.listenAddr
}

// Peers returns a snapshot of every peer ever observed.
func (n *Node) Peers() []peer.PeerInfo {
	n.regMu.RLock()
	defer n.regMu.RUnlock()

	all := n.registry.ListAll()
	out := make([]peer.PeerInfo, 0, len(all))
	for _, p := range all {
		out = append(out, *p)
	}
	return out
}

// ConnectedPeers returns a snapshot of the peers currently marked
// Connected in the registry.
func (n *Node) ConnectedPeers() []peer.PeerInfo {
	n.regMu.RLock()
	defer n.regMu.RUnlock()

	connected := n.registry.ListConnected()
	out := make([]peer.PeerInfo, 0, len(connected))
	for _, p := range connected {
		out = append(out, *p)
	}
	return out
}

// ConnectionCount returns the number of live connections.
func (n *Node) ConnectionCount() int {
	n.connsMu.RLock()
	defer n.connsMu.RUnlock()
	return len(n.conns)
}

// OnMessage registers a handler for a message kind, replacing any
// existing handler for it. May be called whether or not the node is
// running.
func (n *Node) OnMessage(kind message.Kind, h router.HandlerFunc) {
	n.router.Register(kind, h)
}

// HasHandler reports whether a handler is registered for the kind.
func (n *Node) HasHandler(kind message.Kind) bool {
	return n.router.HasHandler(kind)
}

// Start brings the node online: listener, discovery, bootstrap dials,
// event loop and heartbeat loop. Calling Start on a running node is a
// no-op. Bootstrap and discovery failures are logged, never fatal.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	events := make(chan transport.Event, 256)
	accepted := make(chan transport.Accepted, 64)

	ln, err := net.Listen("tcp", n.cfg.Network.ListenAddress)
	if err != nil {
		cancel()
		return fmt.Errorf("node: listen on %s: %w", n.cfg.Network.ListenAddress, err)
	}
	n.listenAddr = ln.Addr()

	go func() {
		if serr := transport.Serve(ctx, ln, events, accepted); serr != nil {
			log.Errorf("node: transport server error: %v", serr)
		}
	}()

	if n.cfg.Network.DiscoveryEnabled {
		n.startDiscovery(ctx, events)
	}

	for _, addr := range n.cfg.Network.BootstrapPeers {
		go func(addr string) {
			conn, derr := transport.Dial(ctx, addr, events)
			if derr != nil {
				log.Warnf("node: bootstrap peer %s unreachable: %v", addr, derr)
				return
			}
			if !n.storeConn(addr, conn) {
				return
			}
			log.Infof("node: connected to bootstrap peer %s", addr)
		}(addr)
	}

	go n.runEventLoop(ctx, events, accepted)
	go n.runHeartbeatLoop(ctx)

	n.ctx = ctx
	n.cancel = cancel
	n.events = events
	n.running = true

	log.Infof("node '%s' started (peer id %s, listening on %s)",
		n.identity.Name, n.identity.PeerID, n.listenAddr)
	return nil
}

// Stop takes the node offline: signals every background unit to exit,
// closes all connections (best-effort) and marks connected peers as
// disconnected. Calling Stop on a stopped node is a no-op.
func (n *Node) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running {
		return
	}

	n.cancel()

	n.connsMu.Lock()
	for addr, conn := range n.conns {
		log.Debugf("node: closing connection to %s", addr)
		if err := conn.Close(); err != nil {
			log.Debugf("node: close %s: %v", addr, err)
		}
	}
	n.conns = make(map[string]*transport.Conn)
	n.peerAddrs = make(map[string]identity.PeerID)
	n.connsMu.Unlock()

	n.regMu.Lock()
	for _, p := range n.registry.ListConnected() {
		n.registry.UpdateState(p.ID, peer.StateDisconnected)
	}
	n.regMu.Unlock()

	n.persistRegistry()

	n.running = false
	log.Infof("node '%s' stopped", n.identity.Name)
}

// ConnectTo opens a connection to a specific peer address on demand and
// returns the remote peer's ID.
func (n *Node) ConnectTo(addr string) (identity.PeerID, error) {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return "", ErrNotRunning
	}
	ctx, events := n.ctx, n.events
	n.mu.Unlock()

	conn, err := transport.Dial(ctx, addr, events)
	if err != nil {
		return "", err
	}
	if !n.storeConn(addr, conn) {
		return "", ErrNotRunning
	}

	log.Infof("node: connected to %s", addr)
	return conn.PeerID(), nil
}

// SendTo sends an envelope to the peer connected at addr.
func (n *Node) SendTo(addr string, env *message.Envelope) error {
	if !n.IsRunning() {
		return ErrNotRunning
	}

	n.connsMu.RLock()
	conn, ok := n.conns[addr]
	n.connsMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, addr)
	}
	return conn.Send(env)
}

// Broadcast sends an envelope to every live connection and returns the
// number of successful sends. Connections whose send fails are removed
// from the table; individual failures never abort the broadcast.
func (n *Node) Broadcast(env *message.Envelope) (int, error) {
	if !n.IsRunning() {
		return 0, ErrNotRunning
	}

	n.connsMu.Lock()
	sent := 0
	var failed []string
	for addr, conn := range n.conns {
		if err := conn.Send(env); err != nil {
			log.Warnf("node: broadcast to %s failed: %v", addr, err)
			failed = append(failed, addr)
			continue
		}
		sent++
	}
	for _, addr := range failed {
		delete(n.conns, addr)
	}
	n.connsMu.Unlock()

	return sent, nil
}

// storeConn inserts a connection into the live table. Insertion is
// serialized with Stop via mu, so a connection established while the
// node is shutting down is refused and closed rather than leaked into a
// stopped node's table.
func (n *Node) storeConn(addr string, conn *transport.Conn) bool {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		conn.Close()
		log.Debugf("node: refusing connection to %s, node is stopped", addr)
		return false
	}

	n.connsMu.Lock()
	n.conns[addr] = conn
	total := len(n.conns)
	n.connsMu.Unlock()
	n.mu.Unlock()

	if max := n.cfg.Network.MaxPeers; max > 0 && total > max {
		log.Warnf("node: %d connections exceeds the advisory max of %d", total, max)
	}
	return true
}

func (n *Node) bindPeerAddr(addr string, id identity.PeerID) {
	n.connsMu.Lock()
	n.peerAddrs[addr] = id
	n.connsMu.Unlock()
}

// heartbeatAckHandler records round-trip latency from heartbeat acks
// that echo our original send timestamp.
func (n *Node) heartbeatAckHandler() router.HandlerFunc {
	return func(env *message.Envelope) *message.Envelope {
		var hb message.HeartbeatPayload
		if err := env.DecodePayload(&hb); err != nil || hb.SentAt.IsZero() {
			return nil
		}
		millis := time.Since(hb.SentAt).Milliseconds()
		if millis < 0 {
			return nil
		}
		n.regMu.Lock()
		n.registry.UpdateLatency(env.From, millis)
		n.regMu.Unlock()
		return nil
	}
}

// loadPersistedPeers seeds the registry from the peer store. States that
// were live when the record was written are reset: the connection no
// longer exists in this run.
func (n *Node) loadPersistedPeers() {
	peers, err := n.peerStore.Enumerate()
	if err != nil {
		log.Warnf("node: cannot load persisted peers: %v", err)
		return
	}

	n.regMu.Lock()
	defer n.regMu.Unlock()
	for _, p := range peers {
		if p.State == peer.StateConnected || p.State == peer.StateConnecting {
			p.State = peer.StateDisconnected
		}
		n.registry.AddPeer(p)
	}

	if len(peers) > 0 {
		log.Infof("node: loaded %d known peers from the peer store", len(peers))
	}
}

// persistRegistry writes the current registry contents to the peer
// store, best-effort.
func (n *Node) persistRegistry() {
	if n.peerStore == nil {
		return
	}

	n.regMu.RLock()
	snapshot := make([]peer.PeerInfo, 0, n.registry.TotalCount())
	for _, p := range n.registry.ListAll() {
		snapshot = append(snapshot, *p)
	}
	n.regMu.RUnlock()

	for i := range snapshot {
		if err := n.peerStore.Put(&snapshot[i]); err != nil {
			log.Warnf("node: cannot persist peer %s: %v", snapshot[i].ID, err)
		}
	}
}

// Close releases resources held by the node, stopping it first when
// needed.
func (n *Node) Close() error {
	n.Stop()
	if n.peerStore != nil {
		return n.peerStore.Close()
	}
	return nil
}
