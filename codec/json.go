package codec

import (
	"encoding/json"
	"fmt"
)

// JSON is the default Codec. The zero value is ready to use.
type JSON struct{}

// Marshal implements Codec.
func (JSON) Marshal(p *Packet) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode packet for %q: %w", p.Pattern, err)
	}
	return b, nil
}

// Unmarshal implements Codec.
func (JSON) Unmarshal(b []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

var _ Codec = JSON{}
