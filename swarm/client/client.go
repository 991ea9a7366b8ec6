package client

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"time"

	"lanmesh/net/crpc"
	"lanmesh/net/maddr"
	"lanmesh/oid"
	"lanmesh/swarm/node"
	"lanmesh/swarm/protocol"
)

// Client is an RPC connection to a peer whose identity has been verified.
type Client struct {
	*crpc.Client
	self oid.Oid
	peer oid.Oid
}

// Transport dials peers over CBOR-RPC. It implements node.Transport.
type Transport struct {
	self oid.Oid
}

func NewTransport(self oid.Oid) *Transport {
	return &Transport{self: self}
}

func (t *Transport) Connect(ctx context.Context, id oid.Oid, address string) (node.Conn, error) {
	c, err := Dial(ctx, t.self, id, address)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Dial connects to the peer at address and checks that it holds the key for id.
func Dial(ctx context.Context, self, id oid.Oid, address string) (*Client, error) {
	network, hostport, err := maddr.DialArgs(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", node.ErrBadAddress, err)
	}

	rpcc, err := crpc.Dial(ctx, network, hostport)
	if err != nil {
		return nil, err
	}

	c := &Client{Client: rpcc, self: self, peer: id}
	if err := c.identify(ctx); err != nil {
		rpcc.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) identify(ctx context.Context) error {
	nonce := make([]byte, protocol.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}

	res := &protocol.IdentifyResponse{}
	if err := c.Call(ctx, protocol.IdentifyMethod, &protocol.IdentifyRequest{Nonce: nonce}, res); err != nil {
		return err
	}

	if len(res.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: bad public key length %d", node.ErrIdentityMismatch, len(res.PublicKey))
	}
	pub := ed25519.PublicKey(res.PublicKey)
	if !ed25519.Verify(pub, protocol.IdentifyPayload(nonce), res.Signature) {
		return fmt.Errorf("%w: bad signature", node.ErrIdentityMismatch)
	}
	got, err := oid.FromPublicKey(pub)
	if err != nil {
		return fmt.Errorf("%w: %v", node.ErrIdentityMismatch, err)
	}
	if got != c.peer || res.NodeID != c.peer {
		return fmt.Errorf("%w: expected %s, got %s", node.ErrIdentityMismatch, c.peer.String(), got.String())
	}
	return nil
}

// Peer returns the verified identity of the remote side.
func (c *Client) Peer() oid.Oid {
	return c.peer
}

// Probe sends a random payload and waits for the echo.
func (c *Client) Probe(ctx context.Context) (time.Duration, error) {
	payload := make([]byte, protocol.PayloadSize)
	if _, err := rand.Read(payload); err != nil {
		return 0, err
	}

	start := time.Now()
	res := &protocol.PingResponse{}
	if err := c.Call(ctx, protocol.PingMethod, &protocol.PingRequest{NodeID: c.self, Payload: payload}, res); err != nil {
		return 0, err
	}
	rtt := time.Since(start)

	if !bytes.Equal(res.Payload, payload) {
		return 0, fmt.Errorf("ping %s: payload mismatch", c.peer.String())
	}
	if res.NodeID != c.peer {
		return 0, fmt.Errorf("ping %s: answered by %s", c.peer.String(), res.NodeID.String())
	}
	return rtt, nil
}

func (c *Client) Closed() <-chan struct{} {
	return c.Done()
}
