// Package oid implements the peer identifiers used across the mesh.
package oid

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base32"
	"encoding/json"
	"errors"
)

type OidType int

const (
	OidVersionV01 = 0x01

	OidTypeNode = 0x03 // Peer identity. The hash is sha256 of the ed25519 public key.

	OidPaddingByte = 0xAA

	oidLength = 35
)

var ErrorInvalidOidString = errors.New("invalid OID string")
var ErrorInvalidOidFormat = errors.New("invalid OID format")
var ErrorInvalidPublicKey = errors.New("invalid public key")

// Byte structure of an OID is as follows <version:1><padding:1><type:1><hash:32>
// Raw bytes are encoded by Base32

// Oid holds the binary form of the identifier together with the cached type and string form.
// Oid is comparable and is used directly as a map key.
type Oid struct {
	b [oidLength]byte
	t OidType
	s string
}

func (o Oid) String() string {
	return o.s
}

func (o Oid) Type() OidType {
	return o.t
}

// IsZero reports whether o was never assigned.
func (o Oid) IsZero() bool {
	return o.s == ""
}

func (o Oid) MarshalBinary() ([]byte, error) {
	return o.b[:], nil
}

func (o *Oid) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return ErrorInvalidOidFormat
	}

	switch data[0] {
	case OidVersionV01:
		if len(data) != oidLength {
			return ErrorInvalidOidString
		}
		if data[1] != OidPaddingByte {
			return ErrorInvalidOidString
		}
		o.t = OidType(data[2])
		o.s = base32.StdEncoding.EncodeToString(data)
		copy(o.b[:], data)
	default:
		return ErrorInvalidOidFormat
	}

	return nil
}

func (o Oid) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

func (o *Oid) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	parsed, err := FromString(s)
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

func Encode(t OidType, hash [32]byte) Oid {
	var o Oid
	o.b[0] = OidVersionV01
	o.b[1] = OidPaddingByte
	o.b[2] = byte(t)
	copy(o.b[3:], hash[:])
	o.t = t
	o.s = base32.StdEncoding.EncodeToString(o.b[:])
	return o
}

// FromPublicKey derives the node identifier owned by the holder of pub.
func FromPublicKey(pub ed25519.PublicKey) (Oid, error) {
	if len(pub) != ed25519.PublicKeySize {
		return Oid{}, ErrorInvalidPublicKey
	}
	return Encode(OidTypeNode, sha256.Sum256(pub)), nil
}

func FromString(s string) (Oid, error) {
	raw, err := base32.StdEncoding.DecodeString(s)
	if err != nil {
		return Oid{}, err
	}

	var o Oid
	if err := o.UnmarshalBinary(raw); err != nil {
		return Oid{}, err
	}
	return o, nil
}
