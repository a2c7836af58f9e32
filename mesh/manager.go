// Package mesh implements the packet manager — the admission, dedup,
// relay-policy, ACK-reconciliation, and eviction "heart" of a SonicNet
// node, plus the topology tracker and per-sender rate windows it leans
// on. Grounded on the Python packet_manager.py for semantics, and on
// nhbchain's p2p/nonce_guard.go and p2p/ratelimit.go for the Go
// concurrency-safe, TTL-bounded container shapes.
package mesh

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/suvijya/sonicnet/observability"
	"github.com/suvijya/sonicnet/packet"
)

// DropReason explains why add_packet refused a packet.
type DropReason string

const (
	DropNone        DropReason = ""
	DropDuplicate   DropReason = "duplicate"
	DropRateLimited DropReason = "rate_limited"
)

// Defaults per spec §6.
const (
	DefaultCacheLimit     = 100
	DefaultCacheTTL       = time.Hour
	DefaultMaxPerMinute   = 10
	DefaultMaintenanceAge = time.Hour
)

// Config sizes the manager's bounded state.
type Config struct {
	CacheLimit   int
	CacheTTL     time.Duration
	MaxPerMinute int
}

func (c Config) withDefaults() Config {
	if c.CacheLimit <= 0 {
		c.CacheLimit = DefaultCacheLimit
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.MaxPerMinute <= 0 {
		c.MaxPerMinute = DefaultMaxPerMinute
	}
	return c
}

// Counters mirrors the Python stats dict (spec §4.8).
type Counters struct {
	PacketsReceived    uint64
	PacketsSent        uint64
	PacketsRelayed     uint64
	DuplicatesFiltered uint64
	RateLimited        uint64
	AcksSent           uint64
	AcksReceived       uint64
}

// Manager is the packet manager: every public method is atomic with
// respect to every other (spec §5) via a single coarse mutex, matching
// the Python implementation's single-threaded-by-construction tables
// rather than introducing finer-grained locks the spec doesn't require.
type Manager struct {
	mu sync.Mutex

	cfg Config
	now func() time.Time

	cache       map[string]*packet.Packet
	seenIDs     map[string]struct{}
	threadIndex map[string][]string
	pendingAcks map[string]*packet.Packet

	priorityQ *priorityQueue
	topo      *topology
	rates     *rateWindow

	counters Counters
}

// New constructs a packet manager. now is overridable for deterministic
// tests; pass nil for time.Now.
func New(cfg Config, now func() time.Time) *Manager {
	cfg = cfg.withDefaults()
	if now == nil {
		now = time.Now
	}
	return &Manager{
		cfg:         cfg,
		now:         now,
		cache:       make(map[string]*packet.Packet),
		seenIDs:     make(map[string]struct{}),
		threadIndex: make(map[string][]string),
		pendingAcks: make(map[string]*packet.Packet),
		priorityQ:   newPriorityQueue(),
		topo:        newTopology(now),
		rates:       newRateWindow(cfg.MaxPerMinute, now),
	}
}

// AddPacket runs the admission pipeline (spec §4.8 steps 1-9). transportTag
// and rssi are optional annotations describing how p arrived.
func (m *Manager) AddPacket(p *packet.Packet, transportTag string, rssi *float64) (bool, DropReason) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, seen := m.seenIDs[p.PacketID]; seen {
		m.counters.DuplicatesFiltered++
		observability.Mesh().RecordDuplicate()
		return false, DropDuplicate
	}

	if !m.rates.Allow(p.SenderID) {
		m.counters.RateLimited++
		observability.Mesh().RecordRateLimited(p.SenderID)
		return false, DropRateLimited
	}

	if transportTag != "" {
		if !containsString(p.ReceivedVia, transportTag) {
			p.ReceivedVia = append(p.ReceivedVia, transportTag)
		}
		m.topo.AddNeighbor(p.SenderID, transportTag)
	}
	if rssi != nil {
		if p.SignalStrength == nil {
			p.SignalStrength = map[string]float64{}
		}
		p.SignalStrength[p.SenderID] = *rssi
	}

	m.cache[p.PacketID] = p
	m.seenIDs[p.PacketID] = struct{}{}
	m.threadIndex[p.ThreadID] = append(m.threadIndex[p.ThreadID], p.PacketID)
	m.priorityQ.Put(p)

	m.counters.PacketsReceived++
	observability.Mesh().RecordReceived(string(p.PacketType))

	if p.PacketType == packet.TypeAck {
		m.reconcileAckLocked(p)
	} else if p.RequiresAck {
		m.pendingAcks[p.PacketID] = p
	}

	if len(m.cache) > m.cfg.CacheLimit {
		m.evictLocked()
	}

	observability.Mesh().SetCacheSize(len(m.cache))
	return true, DropNone
}

const ackMessagePrefix = "ACK for "

func (m *Manager) reconcileAckLocked(ack *packet.Packet) {
	if !strings.HasPrefix(ack.Message, ackMessagePrefix) {
		return
	}
	originalID := strings.TrimPrefix(ack.Message, ackMessagePrefix)
	original, ok := m.pendingAcks[originalID]
	if !ok {
		return
	}
	original.AddAcknowledgement(ack.SenderID)
	m.counters.AcksReceived++
	observability.Mesh().RecordAckReceived()
}

// evictLocked removes expired packets, then removes lowest-priority
// packets until the cache is back within CacheLimit (spec §4.8 eviction).
// Callers must hold m.mu.
func (m *Manager) evictLocked() {
	now := m.now()
	var expired []string
	for id, p := range m.cache {
		if now.Sub(secondsToTime(p.Timestamp)) > m.cfg.CacheTTL {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		m.removePacketLocked(id)
	}
	observability.Mesh().RecordEvicted("expired", len(expired))

	evictedForCapacity := 0
	for len(m.cache) > m.cfg.CacheLimit {
		lowest := m.lowestPriorityIDLocked()
		if lowest == "" {
			break
		}
		m.removePacketLocked(lowest)
		evictedForCapacity++
	}
	observability.Mesh().RecordEvicted("capacity", evictedForCapacity)
}

// lowestPriorityIDLocked finds the packet with the minimum priority
// score, ties broken by oldest timestamp first.
func (m *Manager) lowestPriorityIDLocked() string {
	var lowestID string
	var lowestScore int
	var lowestTS float64
	first := true
	for id, p := range m.cache {
		score := p.PriorityScore()
		if first || score < lowestScore || (score == lowestScore && p.Timestamp < lowestTS) {
			lowestID = id
			lowestScore = score
			lowestTS = p.Timestamp
			first = false
		}
	}
	return lowestID
}

func (m *Manager) removePacketLocked(id string) {
	p, ok := m.cache[id]
	if !ok {
		return
	}
	delete(m.cache, id)
	// seen_ids retains the id for its natural dedup window (spec §9 open
	// question); we do not delete it here.
	if ids := m.threadIndex[p.ThreadID]; len(ids) > 0 {
		m.threadIndex[p.ThreadID] = removeString(ids, id)
		if len(m.threadIndex[p.ThreadID]) == 0 {
			delete(m.threadIndex, p.ThreadID)
		}
	}
	delete(m.pendingAcks, id)
}

// RemovePacket removes a packet from the cache, e.g. after successful
// upload (spec §4.10).
func (m *Manager) RemovePacket(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removePacketLocked(id)
	observability.Mesh().SetCacheSize(len(m.cache))
}

// ShouldRelay implements the relay policy (spec §4.8).
func (m *Manager) ShouldRelay(p *packet.Packet, selfID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.SenderID == selfID {
		return false
	}
	if containsString(p.RelayPath, selfID) {
		return false
	}
	if !p.CanRelay() {
		return false
	}
	if p.Urgency == packet.UrgencyCritical {
		return true
	}
	if len(m.topo.ActiveNeighbors()) < 3 {
		return true
	}
	if p.HopCount > 5 && p.Urgency == packet.UrgencyLow {
		return false
	}
	return true
}

// NextToProcess pops the highest-priority pending packet, or nil.
func (m *Manager) NextToProcess() *packet.Packet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.priorityQ.Get()
}

// CreateAck builds an ACK for p and counts it.
func (m *Manager) CreateAck(p *packet.Packet, selfID string) *packet.Packet {
	m.mu.Lock()
	m.counters.AcksSent++
	m.mu.Unlock()
	observability.Mesh().RecordAckSent()
	return p.CreateAck(selfID)
}

// GetThread returns every cached packet for threadID, sorted by
// timestamp.
func (m *Manager) GetThread(threadID string) []*packet.Packet {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.threadIndex[threadID]
	out := make([]*packet.Packet, 0, len(ids))
	for _, id := range ids {
		if p, ok := m.cache[id]; ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// CachedPackets returns every packet currently cached, for the server
// uploader to snapshot (spec §4.10 — the whole cache, not just
// relay-eligible packets).
func (m *Manager) CachedPackets() []*packet.Packet {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*packet.Packet, 0, len(m.cache))
	for _, p := range m.cache {
		out = append(out, p)
	}
	return out
}

// PacketsForRelay returns up to maxCount still-relayable cached packets,
// highest priority first.
func (m *Manager) PacketsForRelay(maxCount int) []*packet.Packet {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]*packet.Packet, 0, len(m.cache))
	for _, p := range m.cache {
		if p.CanRelay() {
			all = append(all, p)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].PriorityScore() > all[j].PriorityScore() })
	if len(all) > maxCount {
		all = all[:maxCount]
	}
	return all
}

// RecordRelayed increments the relayed counter; called by the coordinator
// after it has broadcast a relayed packet, whatever the per-medium send
// outcomes were.
func (m *Manager) RecordRelayed(transportTag string) {
	m.mu.Lock()
	m.counters.PacketsRelayed++
	m.mu.Unlock()
	observability.Mesh().RecordRelayed(transportTag)
}

// RecordSent increments the sent counter; called by the coordinator for a
// locally-originated packet just before it is broadcast.
func (m *Manager) RecordSent() {
	m.mu.Lock()
	m.counters.PacketsSent++
	m.mu.Unlock()
}

// Snapshot returns a snapshot of the exposed counters plus derived
// cache_size / active_neighbors / pending_acks / avg_reliability (spec
// §4.8).
func (m *Manager) Snapshot() (Counters, int, int, int, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters, len(m.cache), len(m.topo.ActiveNeighbors()), len(m.pendingAcks), m.topo.AverageReliability()
}

// Cleanup discards rate-window and reliability tracking data for any
// node not seen within maxAge (spec §4.8 periodic maintenance). It never
// touches the packet cache.
func (m *Manager) Cleanup(maxAge time.Duration) {
	if maxAge <= 0 {
		maxAge = DefaultMaintenanceAge
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.topo.StaleNodes(maxAge) {
		m.topo.Forget(id)
		m.rates.Forget(id)
	}
}

// UpdateReliability records a delivery outcome for nodeID.
func (m *Manager) UpdateReliability(nodeID string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topo.UpdateReliability(nodeID, success)
	observability.Mesh().SetAvgReliability(m.topo.AverageReliability())
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, item := range list {
		if item != v {
			out = append(out, item)
		}
	}
	return out
}

// secondsToTime converts a Unix-epoch-seconds float (Packet.Timestamp's
// representation) to a time.Time.
func secondsToTime(seconds float64) time.Time {
	return time.Unix(0, int64(seconds*float64(time.Second)))
}
