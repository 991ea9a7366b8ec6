package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"lanmesh/config"
	"lanmesh/datastore/leveldb"

	log "github.com/sirupsen/logrus"
)

// RunInfo lists every peer recorded in the peer index.
func RunInfo(ctx context.Context, cfg *config.Config) {
	id, err := cfg.Node.PrivKey.NodeID()
	if err != nil {
		log.Fatalf("Failed to derive node id: %v", err)
	}
	log.Infof("Node: %s", id.String())

	if cfg.DataStore.PeerIndexPath == "" {
		log.Info("Peer index disabled")
		return
	}

	pidx, err := leveldb.NewPeerIndex(cfg.DataStore.PeerIndexPath)
	if err != nil {
		log.Fatalf("Failed to open peer index: %v", err)
	}
	defer pidx.Close()

	peers, err := pidx.Enumerate()
	if err != nil {
		log.Errorf("Failed to enumerate peer index: %v", err)
		return
	}
	log.Infof("Peer index: %d peers known", len(peers))

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PEER\tADDRESS\tSTATE\tLAST SEEN\tRTT\tDIALS\tLAST ERROR")
	for _, p := range peers {
		rtt := "-"
		if p.LastRTT != nil {
			rtt = p.LastRTT.String()
		}
		seen := "-"
		if !p.LastSeen.IsZero() {
			seen = time.Since(p.LastSeen).Round(time.Second).String() + " ago"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n", p.ID.String(), p.Address, p.State, seen, rtt, p.Dials, p.LastError)
	}
	w.Flush()
}
