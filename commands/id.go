package commands

import (
	"context"
	"fmt"

	"lanmesh/config"

	log "github.com/sirupsen/logrus"
)

// RunID prints the local peer id.
func RunID(ctx context.Context, cfg *config.Config) {
	id, err := cfg.Node.PrivKey.NodeID()
	if err != nil {
		log.Fatalf("Failed to derive node id: %v", err)
	}
	fmt.Println(id.String())
}
