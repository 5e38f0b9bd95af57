package commands

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"swarmlink/config"
	"swarmlink/identity"
	"swarmlink/store"
)

// RunInfo prints the node's identity and every peer the node remembers.
func RunInfo(ctx context.Context, cfg *config.Config) {
	id := identity.LoadOrGenerate(cfg.DataStore.IdentityPath, "")
	log.Infof("Identity: peer ID %s, name '%s', version %s, capabilities %v",
		id.PeerID, id.Name, id.Version, id.Capabilities)

	if cfg.DataStore.PeerStorePath == "" {
		log.Info("Peer store disabled")
		return
	}

	ps, err := store.Open(cfg.DataStore.PeerStorePath)
	if err != nil {
		log.Fatalf("Failed to open peer store: %v", err)
	}
	defer ps.Close()

	peers, err := ps.Enumerate()
	if err != nil {
		log.Fatalf("Failed to enumerate peer store: %v", err)
	}

	log.Infof("Peer store: %d peers known", len(peers))
	for _, p := range peers {
		latency := "n/a"
		if p.LatencyMillis != nil {
			latency = time.Duration(*p.LatencyMillis * int64(time.Millisecond)).String()
		}
		log.Infof("Peer: %s, name '%s', addr: %s, state: %s, last seen: %v ago, latency: %s",
			p.ID, p.Identity.Name, p.Addr, p.State, time.Since(p.LastSeen).Round(time.Second), latency)
	}
}
