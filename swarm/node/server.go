package node

import (
	"crypto/ed25519"
	"fmt"

	"lanmesh/swarm/protocol"

	log "github.com/sirupsen/logrus"
)

// Liveness answers identity challenges and probes from peers that dialed us.
type Liveness struct {
	node *Node
}

// RPC: Identify
func (l *Liveness) Identify(req *protocol.IdentifyRequest, res *protocol.IdentifyResponse) error {
	if len(req.Nonce) != protocol.NonceSize {
		return fmt.Errorf("identify: nonce must be %d bytes, got %d", protocol.NonceSize, len(req.Nonce))
	}
	log.Debugf("Liveness.Identify")
	res.NodeID = l.node.NodeID
	res.PublicKey = l.node.key.PublicKey()
	res.Signature = ed25519.Sign(l.node.key.PrivateKey, protocol.IdentifyPayload(req.Nonce))
	return nil
}

// RPC: Ping
func (l *Liveness) Ping(req *protocol.PingRequest, res *protocol.PingResponse) error {
	log.Tracef("Liveness.Ping from %s", req.NodeID.String())
	res.NodeID = l.node.NodeID
	res.Payload = req.Payload
	return nil
}
