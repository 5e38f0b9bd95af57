// Package identity manages the node's identity on the mesh: a stable
// peer ID plus the metadata announced to other nodes.
package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	log "github.com/sirupsen/logrus"
)

// Version is the software version announced to peers.
const Version = "0.2.0"

// PeerID uniquely identifies a node on the mesh. It is an opaque token;
// nothing at this layer verifies it cryptographically.
type PeerID string

// GeneratePeerID returns a fresh random peer ID (UUID v4).
func GeneratePeerID() PeerID {
	return PeerID(uuid.NewString())
}

func (p PeerID) String() string {
	return string(p)
}

// Identity is the full identity of a node on the mesh. It is created once
// at node construction and never mutated afterwards.
type Identity struct {
	PeerID       PeerID   `json:"peer_id"`
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

// Generate creates an identity with a fresh PeerID and the default
// capability set.
func Generate(name string) Identity {
	return Identity{
		PeerID:       GeneratePeerID(),
		Name:         name,
		Version:      Version,
		Capabilities: []string{"relay", "state_sync", "task_exchange"},
	}
}

// SaveToFile writes the identity to a JSON file, creating parent
// directories as needed.
func (id Identity) SaveToFile(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create identity directory: %w", err)
		}
	}
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize identity: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// LoadOrGenerate reads an identity from a JSON file. A missing or corrupt
// file yields a fresh identity, which is persisted back on a best-effort
// basis so the peer ID stays stable across restarts.
func LoadOrGenerate(path, name string) Identity {
	data, err := os.ReadFile(path)
	if err == nil {
		var id Identity
		if jerr := json.Unmarshal(data, &id); jerr == nil && id.PeerID != "" {
			return id
		}
		log.Warnf("Corrupt identity file %s, generating new identity", path)
	}

	id := Generate(name)
	if err := id.SaveToFile(path); err != nil {
		log.Warnf("Failed to persist new identity: %v", err)
	}
	return id
}
