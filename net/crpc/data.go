// Package crpc implements a small CBOR encoded RPC protocol in the spirit of net/rpc.
// Every request is a RequestHeader followed by the argument; every response is a
// ResponseHeader followed by the reply unless Err is set.
package crpc

type RequestHeader struct {
	Seq    uint64 `cbor:"1,keyasint,omitempty"`
	Method string `cbor:"2,keyasint,omitempty"`
}

type ResponseHeader struct {
	Seq uint64 `cbor:"1,keyasint,omitempty"`
	Err string `cbor:"2,keyasint,omitempty"`
}
