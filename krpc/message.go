// Package krpc implements the bencoded KRPC message envelope used by the
// mainline DHT (BEP5) and its BEP44 extension: query/response/error framing
// and transaction-id correlation. Bencoding itself is delegated to
// jackpal/bencode-go.
package krpc

import (
	"bytes"
	"crypto/rand"
	"fmt"

	bencode "github.com/jackpal/bencode-go"
)

// Message types, per the "y" key.
const (
	TypeQuery    = "q"
	TypeResponse = "r"
	TypeError    = "e"
)

// Query names.
const (
	QueryPing         = "ping"
	QueryFindNode     = "find_node"
	QueryGetPeers     = "get_peers"
	QueryAnnouncePeer = "announce_peer"
	QueryGet          = "get"
	QueryPut          = "put"
)

// Error codes used on the wire.
const (
	ErrNotResponsible     = 201
	ErrProtocolError      = 203
	ErrUnknownQuery       = 204
	ErrValueTooBig        = 205
	ErrInvalidSignature   = 206
	ErrSaltTooBig         = 207
	ErrCASMismatch        = 301
	ErrSequenceNotUpdated = 302
)

// Query is an outbound or inbound query message.
type Query struct {
	T string                 `bencode:"t"`
	Y string                 `bencode:"y"`
	Q string                 `bencode:"q"`
	A map[string]interface{} `bencode:"a"`
}

// Reply is an outbound or inbound successful response.
type Reply struct {
	T string                 `bencode:"t"`
	Y string                 `bencode:"y"`
	R map[string]interface{} `bencode:"r"`
}

// ErrorReply is an outbound or inbound error response: E = [code, message].
type ErrorReply struct {
	T string        `bencode:"t"`
	Y string        `bencode:"y"`
	E []interface{} `bencode:"e"`
}

// Envelope is the generic shape used to sniff an inbound datagram before
// deciding which concrete type to unmarshal into.
type Envelope struct {
	T  string                 `bencode:"t"`
	Y  string                 `bencode:"y"`
	Q  string                 `bencode:"q"`
	A  map[string]interface{} `bencode:"a"`
	R  map[string]interface{} `bencode:"r"`
	E  []interface{}          `bencode:"e"`
	RO int                    `bencode:"ro"`
}

// Decode parses a raw datagram into an Envelope. Malformed bencoding is
// reported as an error and should be dropped silently by the caller;
// messages missing "y" or "t" are rejected here too.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := bencode.Unmarshal(bytes.NewReader(raw), &env); err != nil {
		return Envelope{}, fmt.Errorf("krpc: decode: %w", err)
	}
	if env.Y == "" {
		return Envelope{}, fmt.Errorf("krpc: decode: missing y")
	}
	if env.T == "" {
		return Envelope{}, fmt.Errorf("krpc: decode: missing t")
	}
	return env, nil
}

// Encode bencodes any of Query, Reply, or ErrorReply.
func Encode(msg interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, msg); err != nil {
		return nil, fmt.Errorf("krpc: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// NewTransactionID returns a short, locally-unique, opaque transaction id.
// A random 2-byte id is used, drawn from 65536 possible values; it is not
// checked against ids still in flight.
func NewTransactionID() (string, error) {
	b := make([]byte, 2)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("krpc: NewTransactionID: %w", err)
	}
	return string(b), nil
}
