package packet

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedEnvelope means the bytes didn't even parse as the wire
// structure (bad JSON).
var ErrMalformedEnvelope = errors.New("packet: malformed envelope")

// ErrFieldDomain means the structure parsed but a field held a value
// outside its domain (unknown enum, negative counters, ...).
var ErrFieldDomain = errors.New("packet: field outside its domain")

// Encode produces the canonical wire form. JSON was chosen because it
// gives lossless round-trip for every field above (spec §4.1) without
// mandating a specific binary codec, and matches the originating Python
// implementation's own to_json/from_json contract.
func (p *Packet) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// Decode parses the canonical wire form produced by Encode, validating
// enum domains and non-negative counters. Callers at the receiver
// boundary are expected to discard decode errors silently (spec §4.1);
// Decode itself only reports them.
func Decode(data []byte) (*Packet, error) {
	var p Packet
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := validateDomain(&p); err != nil {
		return nil, err
	}
	if p.AckNodes == nil {
		p.AckNodes = []string{}
	}
	if p.ReceivedVia == nil {
		p.ReceivedVia = []string{}
	}
	return &p, nil
}

func validateDomain(p *Packet) error {
	switch p.PacketType {
	case TypeSOS, TypeStatusUpdate, TypeAllClear, TypeHeartbeat, TypeAck:
	default:
		return fmt.Errorf("%w: unknown packet_type %q", ErrFieldDomain, p.PacketType)
	}
	switch p.Urgency {
	case UrgencyCritical, UrgencyHigh, UrgencyMedium, UrgencyLow, "":
	default:
		return fmt.Errorf("%w: unknown urgency %q", ErrFieldDomain, p.Urgency)
	}
	if p.HopCount < 0 {
		return fmt.Errorf("%w: negative hop_count", ErrFieldDomain)
	}
	if p.TTL < 0 {
		return fmt.Errorf("%w: negative ttl", ErrFieldDomain)
	}
	if p.SenderID == "" {
		return fmt.Errorf("%w: empty sender_id", ErrFieldDomain)
	}
	if p.PacketID == "" {
		return fmt.Errorf("%w: empty packet_id", ErrFieldDomain)
	}
	return nil
}
