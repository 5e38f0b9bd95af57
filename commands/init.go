package commands

import (
	"context"

	log "github.com/sirupsen/logrus"

	"swarmlink/config"
	"swarmlink/identity"
)

// RunInit writes a default configuration file and generates the node's
// identity at the configured path.
func RunInit(ctx context.Context, cfg *config.Config, name string) {
	if err := cfg.Save(); err != nil {
		log.Fatalf("Failed to write config: %v", err)
	}

	id := identity.LoadOrGenerate(cfg.DataStore.IdentityPath, name)
	log.Infof("Node '%s' initialized with peer ID %s", id.Name, id.PeerID)
}
