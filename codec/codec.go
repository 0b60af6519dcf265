// Package codec defines the serialization boundary between in-memory
// request/response records and wire bytes. The wire envelope is a JSON
// object of the shape {id?, pattern?, data, err?, response?, isDisposed?};
// id is present on request/response correlation messages and absent on
// one-way events.
package codec

import "encoding/json"

// RecordOptions carries transport-only metadata attached to an outgoing
// packet. It never appears in the serialized body; the transport passes it
// to the broker publish call separately.
type RecordOptions struct {
	Properties map[string]string
}

// Packet is an outgoing request or event record.
type Packet struct {
	// ID is assigned by the transport for request/response correlation.
	// It is never chosen by the caller and is empty for one-way events.
	ID string `json:"id,omitempty"`
	// Pattern is the logical route name before channel derivation.
	Pattern string `json:"pattern,omitempty"`
	// Data is the caller's payload.
	Data any `json:"data"`
	// Options is stripped from the wire body.
	Options *RecordOptions `json:"-"`
}

// Envelope is a decoded inbound message. Exactly which fields are set
// depends on the message: responses carry ID plus Response/Err/IsDisposed,
// events carry Pattern plus Data.
type Envelope struct {
	ID         string          `json:"id,omitempty"`
	Pattern    string          `json:"pattern,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Err        string          `json:"err,omitempty"`
	Response   json.RawMessage `json:"response,omitempty"`
	IsDisposed bool            `json:"isDisposed,omitempty"`
}

// Terminal reports whether the envelope ends its request: either the
// producer signalled disposal or it carried an error.
func (e *Envelope) Terminal() bool {
	return e.IsDisposed || e.Err != ""
}

// Codec converts between packets and wire bytes. Implementations must be
// safe for concurrent use.
type Codec interface {
	// Marshal encodes p as a wire body. Transport-only options are not
	// part of the body.
	Marshal(p *Packet) ([]byte, error)

	// Unmarshal decodes a wire body into an envelope.
	Unmarshal(b []byte) (*Envelope, error)
}
