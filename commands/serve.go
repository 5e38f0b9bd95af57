package commands

import (
	"context"

	log "github.com/sirupsen/logrus"

	"swarmlink/config"
	"swarmlink/identity"
	"swarmlink/node"
)

// RunServe runs a node until the context is cancelled.
func RunServe(ctx context.Context, cfg *config.Config, name string) {
	id := identity.LoadOrGenerate(cfg.DataStore.IdentityPath, name)

	n := node.New(id, cfg)
	if err := n.Start(); err != nil {
		log.Fatalf("Failed to start node: %v", err)
	}

	<-ctx.Done()

	log.Info("Shutting down")
	if err := n.Close(); err != nil {
		log.Errorf("Shutdown error: %v", err)
	}
}
