package commands

import (
	"context"
	"errors"
	"os"

	"lanmesh/config"

	log "github.com/sirupsen/logrus"
)

// RunInit writes a default config with a freshly generated identity.
// An existing config file is left untouched.
func RunInit(ctx context.Context, cfg *config.Config) {
	if _, err := os.Stat(cfg.File()); err == nil {
		log.Fatalf("Config file %s already exists", cfg.File())
	} else if !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("Failed to check config file: %v", err)
	}

	key, err := config.GenerateKey()
	if err != nil {
		log.Fatalf("Failed to generate node key: %v", err)
	}
	cfg.Node.PrivKey = key

	if err := cfg.Save(); err != nil {
		log.Fatalf("Failed to save config: %v", err)
	}

	id, err := key.NodeID()
	if err != nil {
		log.Fatalf("Failed to derive node id: %v", err)
	}
	log.Infof("Created %s for node %s", cfg.File(), id.String())
}
