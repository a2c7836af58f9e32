// Package packet defines the wire-level unit of SonicNet mesh traffic: the
// SOS/status/control packet, its canonical id hash, and its routing
// envelope (hop count, TTL, relay path, acknowledgements).
package packet

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type enumerates the kinds of traffic carried by the mesh.
type Type string

const (
	TypeSOS           Type = "SOS"
	TypeStatusUpdate  Type = "STATUS_UPDATE"
	TypeAllClear      Type = "ALL_CLEAR"
	TypeHeartbeat     Type = "HEARTBEAT"
	TypeAck           Type = "ACK"
)

// Urgency controls initial TTL and priority-queue ordering. Only
// meaningful for SOS/STATUS_UPDATE packets.
type Urgency string

const (
	UrgencyCritical Urgency = "CRITICAL"
	UrgencyHigh     Urgency = "HIGH"
	UrgencyMedium   Urgency = "MEDIUM"
	UrgencyLow      Urgency = "LOW"
)

// TTLTable maps urgency to its starting hop budget (spec §6
// TTL_CRITICAL/TTL_HIGH/TTL_MEDIUM/TTL_LOW). Defaults match spec §6;
// SetTTLTable lets the node binary apply the operator's configured
// values.
type TTLTable struct {
	Critical int
	High     int
	Medium   int
	Low      int
}

var ttlTable = TTLTable{Critical: 20, High: 15, Medium: 10, Low: 5}

// SetTTLTable overrides the urgency → TTL mapping, e.g. from
// config.Config. Call once at startup before any packet is constructed;
// like nowFunc below, it is not safe to mutate once traffic is flowing.
func SetTTLTable(t TTLTable) { ttlTable = t }

// initialTTL returns the urgency-determined starting hop budget.
func initialTTL(u Urgency) int {
	switch u {
	case UrgencyCritical:
		return ttlTable.Critical
	case UrgencyHigh:
		return ttlTable.High
	case UrgencyMedium:
		return ttlTable.Medium
	case UrgencyLow:
		return ttlTable.Low
	default:
		return ttlTable.Medium
	}
}

func baseScore(u Urgency) int {
	switch u {
	case UrgencyCritical:
		return 1000
	case UrgencyHigh:
		return 100
	case UrgencyMedium:
		return 10
	case UrgencyLow:
		return 1
	default:
		return 10
	}
}

// GPS is an optional structured location fix. Timestamp is informational
// only and must never participate in dedup or id hashing.
type GPS struct {
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Alt       *float64 `json:"alt,omitempty"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Timestamp float64 `json:"ts"`
}

// MediaAttachment is a small binary blob (image, audio clip) carried
// alongside a packet, base64-encoded when the envelope is text.
type MediaAttachment struct {
	Data     []byte `json:"data"`
	MIMEType string `json:"mime_type"`
	Filename string `json:"filename"`
	Checksum string `json:"checksum"`
}

// NewMediaAttachment computes the MD5 checksum the spec requires and fills
// in a filename when the caller doesn't supply one.
func NewMediaAttachment(data []byte, mimeType, filename string) MediaAttachment {
	if filename == "" {
		filename = fmt.Sprintf("attachment_%s", uuid.NewString()[:8])
	}
	sum := md5.Sum(data)
	return MediaAttachment{
		Data:     data,
		MIMEType: mimeType,
		Filename: filename,
		Checksum: hex.EncodeToString(sum[:]),
	}
}

// Packet is the mesh's unit of traffic. Fields set at construction time
// are treated as immutable by convention; IncrementHop and the ack
// bookkeeping methods are the only sanctioned mutations after admission.
type Packet struct {
	PacketID      string            `json:"packet_id"`
	SenderID      string            `json:"sender_id"`
	ThreadID      string            `json:"thread_id"`
	PacketType    Type              `json:"packet_type"`
	Urgency       Urgency           `json:"urgency"`
	Message       string            `json:"message"`
	LocationText  string            `json:"location_text,omitempty"`
	GPS           *GPS              `json:"gps,omitempty"`
	Timestamp     float64           `json:"timestamp"`
	HopCount      int               `json:"hop_count"`
	TTL           int               `json:"ttl"`
	RelayPath     []string          `json:"relay_path"`
	RequiresAck   bool              `json:"requires_ack"`
	AckNodes      []string          `json:"ack_nodes"`
	ReceivedVia   []string          `json:"received_via"`
	BatteryLevel  *float64          `json:"battery_level,omitempty"`
	SignalStrength map[string]float64 `json:"signal_strength,omitempty"`
	MediaAttachments []MediaAttachment `json:"media_attachments,omitempty"`
}

// Option customizes a packet at construction time.
type Option func(*Packet)

// WithThreadID pins the thread id instead of generating a fresh one.
func WithThreadID(id string) Option {
	return func(p *Packet) { p.ThreadID = id }
}

// WithLocationText attaches free-text location.
func WithLocationText(text string) Option {
	return func(p *Packet) { p.LocationText = text }
}

// WithGPS attaches a structured location fix.
func WithGPS(gps GPS) Option {
	return func(p *Packet) { p.GPS = &gps }
}

// WithBatteryLevel records the originator's battery level.
func WithBatteryLevel(level float64) Option {
	return func(p *Packet) { p.BatteryLevel = &level }
}

// nowFunc is overridable in tests so packet ids and timestamps are
// deterministic without sleeping.
var nowFunc = func() float64 { return float64(time.Now().UnixNano()) / 1e9 }

// New constructs a packet, deriving its packet_id from the canonical
// (sender, message, timestamp, thread) tuple.
func New(sender, message string, kind Type, urgency Urgency, opts ...Option) *Packet {
	p := &Packet{
		SenderID:    sender,
		Message:     message,
		PacketType:  kind,
		Urgency:     urgency,
		Timestamp:   nowFunc(),
		RelayPath:   []string{sender},
		RequiresAck: kind == TypeSOS,
		AckNodes:    []string{},
		ReceivedVia: []string{},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.ThreadID == "" {
		p.ThreadID = uuid.NewString()
	}
	p.TTL = initialTTL(urgency)
	p.PacketID = computeID(p.SenderID, p.Message, p.Timestamp, p.ThreadID)
	return p
}

// computeID is the deterministic content fingerprint shared across every
// node that observes the same original packet, regardless of transport.
func computeID(sender, message string, timestamp float64, threadID string) string {
	data := fmt.Sprintf("%s:%s:%g:%s", sender, message, timestamp, threadID)
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])[:16]
}

// CanRelay reports whether the packet still has hop budget left.
func (p *Packet) CanRelay() bool {
	return p.TTL > 0 && p.HopCount < initialTTL(p.Urgency)
}

// IncrementHop records that self traversed the packet via transportTag,
// optionally noting the signal strength observed from the prior hop.
func (p *Packet) IncrementHop(self, transportTag string, signal *float64) {
	p.HopCount++
	p.TTL--
	if !containsString(p.RelayPath, self) {
		p.RelayPath = append(p.RelayPath, self)
	}
	if transportTag != "" && !containsString(p.ReceivedVia, transportTag) {
		p.ReceivedVia = append(p.ReceivedVia, transportTag)
	}
	if signal != nil {
		if p.SignalStrength == nil {
			p.SignalStrength = map[string]float64{}
		}
		p.SignalStrength[self] = *signal
	}
}

// AckReceived reports whether at least one node has acknowledged this
// packet.
func (p *Packet) AckReceived() bool {
	return len(p.AckNodes) > 0
}

// AddAcknowledgement records an observed ACK from nodeID (set semantics).
func (p *Packet) AddAcknowledgement(nodeID string) {
	if !containsString(p.AckNodes, nodeID) {
		p.AckNodes = append(p.AckNodes, nodeID)
	}
}

// PriorityScore drives priority-queue ordering and eviction selection.
func (p *Packet) PriorityScore() int {
	score := baseScore(p.Urgency)
	if fresh := 20 - p.HopCount; fresh > 0 {
		score += fresh
	}
	if p.RequiresAck && !p.AckReceived() {
		score += 50
	}
	return score
}

// CreateAck constructs a fresh ACK packet for this original, inheriting
// thread_id. The ACK's own message carries the structured-yet-compatible
// "ACK for <id>" prefix ack reconciliation parses (spec §9).
func (p *Packet) CreateAck(byNode string) *Packet {
	ack := New(byNode, "ACK for "+p.PacketID, TypeAck, UrgencyLow, WithThreadID(p.ThreadID))
	ack.RequiresAck = false
	return ack
}

// AddMediaAttachment appends a blob to the packet's attachment list.
func (p *Packet) AddMediaAttachment(data []byte, mimeType, filename string) {
	p.MediaAttachments = append(p.MediaAttachments, NewMediaAttachment(data, mimeType, filename))
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
