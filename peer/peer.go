// Package peer tracks every peer the node has ever observed, together
// with its connection lifecycle state and liveness metadata.
package peer

import (
	"time"

	"swarmlink/identity"
)

// State is a peer's position in the connection lifecycle.
//
// Transitions follow Discovered -> Connecting -> Connected -> Disconnected,
// with Connected -> Disconnected also reachable directly on a send failure.
// Disconnected is re-enterable: a later announcement moves the peer back
// through Connecting. There is no terminal state.
type State string

const (
	StateDiscovered   State = "discovered"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// PeerInfo records what is known about a single peer. An entry is created
// on first observation and updated in place; entries are never removed.
type PeerInfo struct {
	ID            identity.PeerID   `cbor:"1,keyasint"`
	Identity      identity.Identity `cbor:"2,keyasint"`
	Addr          string            `cbor:"3,keyasint"`
	State         State             `cbor:"4,keyasint"`
	ConnectedAt   *time.Time        `cbor:"5,keyasint,omitempty"`
	LastSeen      time.Time         `cbor:"6,keyasint"`
	LatencyMillis *int64            `cbor:"7,keyasint,omitempty"`
}

// Registry is the in-memory table of known peers.
//
// Registry methods are not safe for concurrent use on their own: the node
// serializes all access through its own reader/writer lock.
type Registry struct {
	peers map[identity.PeerID]*PeerInfo
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[identity.PeerID]*PeerInfo)}
}

// AddPeer inserts or overwrites a peer keyed by its ID.
func (r *Registry) AddPeer(info *PeerInfo) {
	r.peers[info.ID] = info
}

// GetPeer looks up a peer by ID.
func (r *Registry) GetPeer(id identity.PeerID) (*PeerInfo, bool) {
	p, ok := r.peers[id]
	return p, ok
}

// UpdateState transitions a peer to a new lifecycle state. The first
// transition into Connected stamps ConnectedAt. Unknown IDs are ignored.
func (r *Registry) UpdateState(id identity.PeerID, state State) {
	p, ok := r.peers[id]
	if !ok {
		return
	}
	if state == StateConnected && p.State != StateConnected {
		now := time.Now()
		p.ConnectedAt = &now
	}
	p.State = state
}

// UpdateLastSeen stamps a peer's last-seen time with the current time.
// Unknown IDs are ignored.
func (r *Registry) UpdateLastSeen(id identity.PeerID) {
	if p, ok := r.peers[id]; ok {
		p.LastSeen = time.Now()
	}
}

// UpdateLatency records a round-trip latency measurement for a peer.
func (r *Registry) UpdateLatency(id identity.PeerID, millis int64) {
	if p, ok := r.peers[id]; ok {
		p.LatencyMillis = &millis
	}
}

// ListAll returns every known peer regardless of state.
func (r *Registry) ListAll() []*PeerInfo {
	out := make([]*PeerInfo, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// ListConnected returns the peers currently in the Connected state.
func (r *Registry) ListConnected() []*PeerInfo {
	var out []*PeerInfo
	for _, p := range r.peers {
		if p.State == StateConnected {
			out = append(out, p)
		}
	}
	return out
}

// ConnectedCount returns the number of peers in the Connected state.
func (r *Registry) ConnectedCount() int {
	n := 0
	for _, p := range r.peers {
		if p.State == StateConnected {
			n++
		}
	}
	return n
}

// TotalCount returns the number of peers ever observed.
func (r *Registry) TotalCount() int {
	return len(r.peers)
}
