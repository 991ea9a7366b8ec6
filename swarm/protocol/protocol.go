package protocol

import (
	"lanmesh/oid"
)

const (
	// Multicast channel
	AnnounceMethod = "Beacon.PeerAnnouncement"

	// Point-to-point RPC
	IdentifyMethod = "Liveness.Identify"
	PingMethod     = "Liveness.Ping"

	NonceSize   = 32
	PayloadSize = 32
)

type PeerAnnouncementMessage struct {
	NodeID    oid.Oid  `cbor:"1,keyasint"`           // Node identifier
	Addresses []string `cbor:"2,keyasint,omitempty"` // Multiaddrs the node accepts connections on
}

// IdentifyRequest asks the remote node to prove it holds the key behind its NodeID.
type IdentifyRequest struct {
	Nonce []byte `cbor:"1,keyasint,omitempty"`
}

type IdentifyResponse struct {
	NodeID    oid.Oid `cbor:"1,keyasint"`
	PublicKey []byte  `cbor:"2,keyasint,omitempty"` // ed25519 public key
	Signature []byte  `cbor:"3,keyasint,omitempty"` // signature over IdentifyPayload(Nonce)
}

type PingRequest struct {
	NodeID  oid.Oid `cbor:"1,keyasint"` // Probing node
	Payload []byte  `cbor:"2,keyasint,omitempty"`
}

type PingResponse struct {
	NodeID  oid.Oid `cbor:"1,keyasint"`           // Responding node
	Payload []byte  `cbor:"2,keyasint,omitempty"` // Echo of PingRequest.Payload
}

// IdentifyPayload is the byte string signed in an IdentifyResponse.
// The prefix keeps the signature from being valid for anything but this exchange.
func IdentifyPayload(nonce []byte) []byte {
	return append([]byte("lanmesh-identify:"), nonce...)
}
