package node

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"swarmlink/discovery"
	"swarmlink/helper/timer"
	"swarmlink/identity"
	"swarmlink/message"
	"swarmlink/peer"
	"swarmlink/transport"
)

// startDiscovery launches the LAN discovery service and the bridge that
// turns its announcements into connection attempts. Failures are logged,
// the node keeps running without discovery.
func (n *Node) startDiscovery(ctx context.Context, events chan transport.Event) {
	discovered := make(chan discovery.Discovered, 64)

	cfg := discovery.Config{
		Port:     n.cfg.Network.DiscoveryPort,
		Interval: n.cfg.DiscoveryInterval(),
		Announcement: discovery.Announcement{
			PeerID:     n.identity.PeerID,
			ListenAddr: n.listenAddr.String(),
			Name:       n.identity.Name,
			Version:    n.identity.Version,
		},
	}

	if err := discovery.Start(ctx, cfg, discovered); err != nil {
		log.Warnf("node: discovery disabled: %v", err)
		return
	}

	go n.runDiscoveryBridge(ctx, discovered, events)
}

// runDiscoveryBridge consumes discovery announcements until shutdown.
func (n *Node) runDiscoveryBridge(ctx context.Context, discovered <-chan discovery.Discovered, events chan transport.Event) {
	for {
		select {
		case d := <-discovered:
			n.handleDiscovered(ctx, d, events)
		case <-ctx.Done():
			return
		}
	}
}

// handleDiscovered registers a newly heard peer and dials it, unless we
// already hold a connection to it. Repeated announcements for the same
// address collapse into a single dial.
func (n *Node) handleDiscovered(ctx context.Context, d discovery.Discovered, events chan transport.Event) {
	ann := d.Announcement
	if ann.PeerID == n.identity.PeerID {
		return
	}

	addr := ann.ListenAddr
	if addr == "" {
		addr = d.SourceAddr
	}

	annIdentity := identity.Identity{
		PeerID:  ann.PeerID,
		Name:    ann.Name,
		Version: ann.Version,
	}

	n.regMu.Lock()
	existing, known := n.registry.GetPeer(ann.PeerID)
	if known && (existing.State == peer.StateConnected || existing.State == peer.StateConnecting) {
		existing.Identity = annIdentity
		n.registry.UpdateLastSeen(ann.PeerID)
		n.regMu.Unlock()
		return
	}

	// Register or overwrite: every announcement carries the peer's
	// current identity and listen address.
	info := &peer.PeerInfo{
		ID:       ann.PeerID,
		Identity: annIdentity,
		Addr:     addr,
		State:    peer.StateDiscovered,
		LastSeen: time.Now().UTC(),
	}
	if known {
		info.ConnectedAt = existing.ConnectedAt
		info.LatencyMillis = existing.LatencyMillis
	} else {
		log.Infof("node: discovered peer '%s' at %s", ann.Name, addr)
	}
	n.registry.AddPeer(info)
	n.registry.UpdateState(ann.PeerID, peer.StateConnecting)
	n.regMu.Unlock()

	go func() {
		_, err, _ := n.dialGroup.Do(addr, func() (interface{}, error) {
			conn, derr := transport.Dial(ctx, addr, events)
			if derr != nil {
				return nil, derr
			}
			if !n.storeConn(addr, conn) {
				return nil, ErrNotRunning
			}
			n.bindPeerAddr(addr, ann.PeerID)
			return conn, nil
		})

		n.regMu.Lock()
		defer n.regMu.Unlock()
		if err != nil {
			n.registry.UpdateState(ann.PeerID, peer.StateDisconnected)
			log.Warnf("node: cannot connect to discovered peer %s: %v", addr, err)
			return
		}
		n.registry.UpdateState(ann.PeerID, peer.StateConnected)
		log.Infof("node: connected to discovered peer '%s' at %s", ann.Name, addr)
	}()
}

// runEventLoop is the node's central loop: it takes ownership of
// accepted connections and reacts to transport events until shutdown.
func (n *Node) runEventLoop(ctx context.Context, events chan transport.Event, accepted chan transport.Accepted) {
	for {
		select {
		case a := <-accepted:
			n.storeConn(a.Addr, a.Conn)
		case ev := <-events:
			// A connection is always handed over before anything that
			// arrives on it; register pending ones first so a response
			// has a connection to go back on.
			n.drainAccepted(accepted)
			n.handleTransportEvent(ev)
		case <-ctx.Done():
			log.Debugf("node: event loop shutting down")
			return
		}
	}
}

func (n *Node) drainAccepted(accepted chan transport.Accepted) {
	for {
		select {
		case a := <-accepted:
			n.storeConn(a.Addr, a.Conn)
		default:
			return
		}
	}
}

func (n *Node) handleTransportEvent(ev transport.Event) {
	switch ev.Type {
	case transport.EventInboundConnection:
		log.Debugf("node: inbound connection from %s", ev.Addr)

	case transport.EventMessage:
		n.handleEnvelope(ev)

	case transport.EventDisconnected:
		n.connsMu.Lock()
		delete(n.conns, ev.Addr)
		pid, known := n.peerAddrs[ev.Addr]
		delete(n.peerAddrs, ev.Addr)
		n.connsMu.Unlock()

		log.Infof("node: peer at %s disconnected", ev.Addr)

		if !known {
			return
		}
		n.regMu.Lock()
		n.registry.UpdateState(pid, peer.StateDisconnected)
		n.regMu.Unlock()
	}
}

// handleEnvelope dispatches one received envelope and sends any response
// back on the connection it arrived on.
func (n *Node) handleEnvelope(ev transport.Event) {
	env := ev.Envelope

	n.regMu.Lock()
	n.registry.UpdateLastSeen(env.From)
	n.regMu.Unlock()

	// Remember who talks on this connection, so a later disconnect can
	// be attributed to the right registry entry.
	n.bindPeerAddr(ev.Addr, env.From)

	resp := n.router.Dispatch(env)
	if resp == nil {
		return
	}

	n.connsMu.RLock()
	conn, ok := n.conns[ev.Addr]
	n.connsMu.RUnlock()
	if !ok {
		log.Debugf("node: no connection to %s for response", ev.Addr)
		return
	}
	if err := conn.Send(resp); err != nil {
		log.Warnf("node: cannot send %s response to %s: %v", resp.Kind, ev.Addr, err)
	}
}

// runHeartbeatLoop periodically broadcasts a heartbeat to every live
// connection, pruning the ones that fail.
func (n *Node) runHeartbeatLoop(ctx context.Context) {
	iv := &timer.Interval{Duration: n.cfg.HeartbeatInterval()}
	_ = timer.RunWithTicker(ctx, iv, func(context.Context) error {
		env, err := message.Broadcast(n.identity.PeerID, message.KindHeartbeat,
			message.HeartbeatPayload{SentAt: time.Now().UTC()})
		if err != nil {
			log.Errorf("node: cannot build heartbeat: %v", err)
			return nil
		}

		n.connsMu.Lock()
		var failed []string
		for addr, conn := range n.conns {
			if serr := conn.Send(env); serr != nil {
				log.Warnf("node: heartbeat to %s failed, dropping connection: %v", addr, serr)
				failed = append(failed, addr)
			}
		}
		for _, addr := range failed {
			delete(n.conns, addr)
		}
		n.connsMu.Unlock()
		return nil
	})

	log.Debugf("node: heartbeat loop shutting down")
}
