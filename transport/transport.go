// Package transport defines the sender/receiver capability contract every
// physical medium (UDP, BLE, acoustic) implements, plus the shared
// inbound queue the node coordinator drains. See spec §4.2.
package transport

import (
	"context"
	"sync"

	"github.com/suvijya/sonicnet/packet"
)

// Tag strings identify which medium delivered or should carry a packet.
const (
	TagUDP      = "udp"
	TagBLE      = "ble"
	TagAcoustic = "ggwave"
)

// Sender transmits outbound packets over one medium. Send must not block
// the caller for more than a bounded time; long transmissions run on the
// sender's own worker goroutine.
type Sender interface {
	Start(ctx context.Context) error
	Stop()
	Send(p *packet.Packet) error
	Stats() Stats
	Tag() string
}

// Receiver listens for inbound packets on one medium and pushes decoded
// packets onto the shared InboundQueue. Receivers are the single source
// of truth for loopback suppression (spec §4.2): any packet whose
// sender_id equals selfID must never reach the queue.
type Receiver interface {
	Start(ctx context.Context) error
	Stop()
	Stats() Stats
	Tag() string
}

// Stats are the per-transport counters spec §4.2 requires every medium
// to expose.
type Stats struct {
	Sent          uint64
	Received      uint64
	SendErrors    uint64
	ReceiveErrors uint64
}

// StatsCounter is a concurrency-safe accumulator embedded by each
// transport implementation.
type StatsCounter struct {
	mu    sync.Mutex
	stats Stats
}

func (c *StatsCounter) IncSent()          { c.mu.Lock(); c.stats.Sent++; c.mu.Unlock() }
func (c *StatsCounter) IncReceived()      { c.mu.Lock(); c.stats.Received++; c.mu.Unlock() }
func (c *StatsCounter) IncSendErrors()    { c.mu.Lock(); c.stats.SendErrors++; c.mu.Unlock() }
func (c *StatsCounter) IncReceiveErrors() { c.mu.Lock(); c.stats.ReceiveErrors++; c.mu.Unlock() }

func (c *StatsCounter) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Delivery is an inbound packet paired with the medium it arrived on and,
// if known, the observed signal strength.
type Delivery struct {
	Packet       *packet.Packet
	TransportTag string
	RSSI         *float64
}
