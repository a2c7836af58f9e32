// Package node implements the coordinator that owns a SonicNet node's
// identity, packet manager, inbound queue, transports, and server
// uploader, and drives the three standing loops spec §4.9 describes.
// Grounded on nhbchain's p2p/server.go (loop-per-concern, cancellation
// via context) and cmd/consensusd/resilient_broadcaster.go (concurrent
// fan-out broadcast with per-send error isolation).
package node

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/suvijya/sonicnet/mesh"
	"github.com/suvijya/sonicnet/observability"
	"github.com/suvijya/sonicnet/packet"
	"github.com/suvijya/sonicnet/transport"
)

// Defaults per spec §4.9.
const (
	DefaultHeartbeatInterval   = 60 * time.Second
	DefaultMaintenanceInterval = 300 * time.Second
	DefaultInboundPollTimeout  = time.Second
	loopErrorBackoff           = time.Second
)

// Config sizes the coordinator's standing loops.
type Config struct {
	SelfID              string
	HeartbeatInterval   time.Duration
	MaintenanceInterval time.Duration
	InboundPollTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if c.InboundPollTimeout <= 0 {
		c.InboundPollTimeout = DefaultInboundPollTimeout
	}
	return c
}

// Coordinator is a running SonicNet node.
type Coordinator struct {
	cfg     Config
	manager *mesh.Manager
	queue   *transport.InboundQueue
	logger  *slog.Logger
	bus     *eventBus

	mediaMu sync.RWMutex
	media   []*Medium
	lastStats map[string]transport.Stats

	uploader *ServerUploader

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a coordinator. Transports are attached with AddMedium
// before Start.
func New(cfg Config, manager *mesh.Manager, queue *transport.InboundQueue, uploader *ServerUploader, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:       cfg.withDefaults(),
		manager:   manager,
		queue:     queue,
		logger:    logger,
		bus:       newEventBus(),
		uploader:  uploader,
		lastStats: make(map[string]transport.Stats),
	}
}

// AddMedium registers a transport medium. Call before Start.
func (c *Coordinator) AddMedium(m *Medium) {
	c.mediaMu.Lock()
	defer c.mediaMu.Unlock()
	c.media = append(c.media, m)
}

// Subscribe registers cb for event.
func (c *Coordinator) Subscribe(event Event, cb Callback) {
	c.bus.Subscribe(event, cb)
}

// Start brings up every medium independently, starts the uploader if
// configured, and spawns the inbound, heartbeat, and maintenance loops
// (spec §4.9 boot order).
func (c *Coordinator) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.mediaMu.RLock()
	media := append([]*Medium(nil), c.media...)
	c.mediaMu.RUnlock()
	for _, m := range media {
		m.start(runCtx, c.logger)
		c.bus.Publish(EventConnectionStatusChanged, ConnectionStatus{TransportTag: m.Tag, Running: m.running})
	}

	if c.uploader != nil {
		if err := c.uploader.Start(runCtx); err != nil {
			c.logger.Warn("server uploader failed to start", "error", err)
		}
	}

	c.wg.Add(3)
	go c.inboundLoop(runCtx)
	go c.heartbeatLoop(runCtx)
	go c.maintenanceLoop(runCtx)
	return nil
}

// Stop cancels every loop and every medium, waiting for all to unwind.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mediaMu.RLock()
	media := append([]*Medium(nil), c.media...)
	c.mediaMu.RUnlock()
	for _, m := range media {
		m.stop()
	}
	if c.uploader != nil {
		c.uploader.Stop()
	}
	c.wg.Wait()
}

// Running reports whether at least one medium is up (spec §7).
func (c *Coordinator) Running() bool {
	c.mediaMu.RLock()
	defer c.mediaMu.RUnlock()
	for _, m := range c.media {
		if m.running {
			return true
		}
	}
	return false
}

// inboundLoop is the dispatch loop from spec §4.9: prefer a packet
// already queued for processing, otherwise block briefly on fresh
// deliveries.
func (c *Coordinator) inboundLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		p := c.manager.NextToProcess()
		var transportTag string
		var rssi *float64
		if p == nil {
			d, ok := c.queue.Poll(c.cfg.InboundPollTimeout)
			if !ok {
				continue
			}
			p = d.Packet
			transportTag = d.TransportTag
			rssi = d.RSSI
		} else if len(p.ReceivedVia) > 0 {
			transportTag = p.ReceivedVia[len(p.ReceivedVia)-1]
		}

		if p.SenderID == c.cfg.SelfID {
			continue // belt-and-braces; receivers already suppress loopback
		}

		c.dispatch(p, transportTag, rssi)
	}
}

func (c *Coordinator) dispatch(p *packet.Packet, transportTag string, rssi *float64) {
	admitted, _ := c.manager.AddPacket(p, transportTag, rssi)
	if !admitted {
		return
	}

	c.bus.Publish(EventPacketReceived, p)
	if p.PacketType == packet.TypeSOS {
		c.bus.Publish(EventSOSReceived, p)
	}

	if p.RequiresAck {
		c.Broadcast(c.manager.CreateAck(p, c.cfg.SelfID))
	}

	if c.manager.ShouldRelay(p, c.cfg.SelfID) {
		p.IncrementHop(c.cfg.SelfID, transportTag, nil)
		c.Broadcast(p)
		c.manager.RecordRelayed(transportTag)
	}
}

// Broadcast concurrently sends p on every running medium's sender,
// recording per-medium success/failure without letting one sender's
// error affect another (spec §4.9).
func (c *Coordinator) Broadcast(p *packet.Packet) {
	c.mediaMu.RLock()
	media := append([]*Medium(nil), c.media...)
	c.mediaMu.RUnlock()

	var wg sync.WaitGroup
	for _, m := range media {
		if m.Sender == nil || !m.running {
			continue
		}
		wg.Add(1)
		go func(m *Medium) {
			defer wg.Done()
			if err := m.Sender.Send(p); err != nil {
				c.logger.Debug("broadcast send failed", "transport", m.Tag, "error", err)
			}
		}(m)
	}
	wg.Wait()
}

func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb := packet.New(c.cfg.SelfID, "", packet.TypeHeartbeat, packet.UrgencyLow)
			hb.RequiresAck = false
			c.Broadcast(hb) // not inserted into the cache (spec §4.9)
		}
	}
}

func (c *Coordinator) maintenanceLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.manager.Cleanup(0)
			c.recordTransportMetrics()
			_, cacheSize, activeNeighbors, _, avgReliability := c.manager.Snapshot()
			observability.Mesh().SetCacheSize(cacheSize)
			observability.Mesh().SetActiveNeighbors(activeNeighbors)
			observability.Mesh().SetAvgReliability(avgReliability)
		}
	}
}

// recordTransportMetrics diffs each medium's cumulative counters against
// the last-observed snapshot and feeds the delta to the transports
// metrics registry.
func (c *Coordinator) recordTransportMetrics() {
	c.mediaMu.RLock()
	media := append([]*Medium(nil), c.media...)
	c.mediaMu.RUnlock()

	for _, m := range media {
		current := m.stats()
		prev := c.lastStats[m.Tag]
		observability.Transports().Observe(
			m.Tag,
			current.Sent-prev.Sent,
			current.Received-prev.Received,
			current.SendErrors-prev.SendErrors,
			current.ReceiveErrors-prev.ReceiveErrors,
			0,
		)
		c.lastStats[m.Tag] = current
	}
}

// SendSOS constructs, admits, and broadcasts an SOS packet.
func (c *Coordinator) SendSOS(message string, urgency packet.Urgency, opts ...packet.Option) *packet.Packet {
	if urgency == "" {
		urgency = packet.UrgencyHigh
	}
	p := packet.New(c.cfg.SelfID, message, packet.TypeSOS, urgency, opts...)
	return c.admitAndSend(p)
}

// SendStatusUpdate constructs, admits, and broadcasts a STATUS_UPDATE
// packet threaded onto threadID.
func (c *Coordinator) SendStatusUpdate(message, threadID string, urgency packet.Urgency) *packet.Packet {
	if urgency == "" {
		urgency = packet.UrgencyMedium
	}
	p := packet.New(c.cfg.SelfID, message, packet.TypeStatusUpdate, urgency, packet.WithThreadID(threadID))
	return c.admitAndSend(p)
}

// SendAllClear constructs, admits, and broadcasts an ALL_CLEAR packet
// closing out threadID.
func (c *Coordinator) SendAllClear(threadID string) *packet.Packet {
	p := packet.New(c.cfg.SelfID, "", packet.TypeAllClear, packet.UrgencyLow, packet.WithThreadID(threadID))
	return c.admitAndSend(p)
}

func (c *Coordinator) admitAndSend(p *packet.Packet) *packet.Packet {
	c.manager.AddPacket(p, "", nil)
	c.manager.RecordSent()
	c.Broadcast(p)
	c.bus.Publish(EventPacketSent, p)
	return p
}
