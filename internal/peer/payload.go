package peer

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidPayload = errors.New("peer: invalid pairing payload")

// Signal is a transport-level session description, shaped like the JSON form
// of an RTCSessionDescription.
type Signal struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Payload is what one device hands to the other out of band.
type Payload struct {
	Signal   Signal         `json:"signal"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// EncodePayload renders p as base64 JSON, safe for QR codes and text fields.
func EncodePayload(p Payload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("peer.EncodePayload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePayload reverses EncodePayload. Surrounding whitespace from copy and
// paste is ignored.
func DecodePayload(s string) (Payload, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if p.Signal.Type == "" || p.Signal.SDP == "" {
		return Payload{}, fmt.Errorf("%w: missing signal", ErrInvalidPayload)
	}
	return p, nil
}
