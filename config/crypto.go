package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"lanmesh/oid"
)

var ErrInvalidKey = errors.New("invalid private key")

// PrivKey wraps an ed25519 private key to support JSON Marshal and Unmarshal transparently.
type PrivKey struct {
	ed25519.PrivateKey
}

func GenerateKey() (PrivKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return PrivKey{}, err
	}
	return PrivKey{PrivateKey: priv}, nil
}

func (c PrivKey) MarshalJSON() ([]byte, error) {
	if c.PrivateKey == nil {
		return json.Marshal(nil)
	}
	// Only the seed is stored, the rest of the key is derived from it
	return json.Marshal(c.PrivateKey.Seed())
}

func (c *PrivKey) UnmarshalJSON(data []byte) error {
	var b []byte
	if err := json.Unmarshal(data, &b); err != nil {
		return err
	}

	// Valid case: no key defined
	if len(b) == 0 {
		c.PrivateKey = nil
		return nil
	}

	if len(b) != ed25519.SeedSize {
		return ErrInvalidKey
	}

	c.PrivateKey = ed25519.NewKeyFromSeed(b)
	return nil
}

func (c PrivKey) Valid() bool {
	return len(c.PrivateKey) == ed25519.PrivateKeySize
}

func (c PrivKey) PublicKey() ed25519.PublicKey {
	return c.PrivateKey.Public().(ed25519.PublicKey)
}

// NodeID returns the identifier derived from the public half of the key.
func (c PrivKey) NodeID() (oid.Oid, error) {
	if !c.Valid() {
		return oid.Oid{}, ErrInvalidKey
	}
	return oid.FromPublicKey(c.PublicKey())
}
