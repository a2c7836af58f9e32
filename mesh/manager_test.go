package mesh

import (
	"sync"
	"testing"
	"time"

	"github.com/suvijya/sonicnet/packet"
)

func newTestManager(cfg Config) *Manager {
	return New(cfg, time.Now)
}

func TestAddPacketAdmitsFirstAndFiltersDuplicate(t *testing.T) {
	m := newTestManager(Config{})
	p := packet.New("node-a", "help", packet.TypeSOS, packet.UrgencyHigh)

	ok, reason := m.AddPacket(p, "udp", nil)
	if !ok || reason != DropNone {
		t.Fatalf("expected first admission to succeed, got ok=%v reason=%v", ok, reason)
	}

	ok, reason = m.AddPacket(p, "udp", nil)
	if ok || reason != DropDuplicate {
		t.Fatalf("expected duplicate to be dropped, got ok=%v reason=%v", ok, reason)
	}
}

func TestAddPacketConcurrentDuplicatesOnlyOneWins(t *testing.T) {
	m := newTestManager(Config{})
	p := packet.New("node-a", "help", packet.TypeSOS, packet.UrgencyHigh)

	const attempts = 50
	var wg sync.WaitGroup
	results := make([]bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, _ := m.AddPacket(p, "udp", nil)
			results[i] = ok
		}(i)
	}
	wg.Wait()

	admitted := 0
	for _, ok := range results {
		if ok {
			admitted++
		}
	}
	if admitted != 1 {
		t.Fatalf("expected exactly one concurrent admission to succeed, got %d", admitted)
	}
}

func TestAddPacketRateLimitsAfterBudget(t *testing.T) {
	m := newTestManager(Config{MaxPerMinute: 2})
	for i := 0; i < 2; i++ {
		p := packet.New("node-a", "msg", packet.TypeStatusUpdate, packet.UrgencyLow)
		if ok, _ := m.AddPacket(p, "", nil); !ok {
			t.Fatalf("expected packet %d within budget to be admitted", i)
		}
	}
	over := packet.New("node-a", "msg3", packet.TypeStatusUpdate, packet.UrgencyLow)
	ok, reason := m.AddPacket(over, "", nil)
	if ok || reason != DropRateLimited {
		t.Fatalf("expected rate-limited drop, got ok=%v reason=%v", ok, reason)
	}
}

func TestAddPacketAnnotatesTransportAndRSSI(t *testing.T) {
	m := newTestManager(Config{})
	p := packet.New("node-a", "help", packet.TypeSOS, packet.UrgencyHigh)
	rssi := -42.0

	m.AddPacket(p, "ble", &rssi)

	if len(p.ReceivedVia) != 1 || p.ReceivedVia[0] != "ble" {
		t.Fatalf("expected received_via annotated with ble, got %v", p.ReceivedVia)
	}
	if p.SignalStrength["node-a"] != rssi {
		t.Fatalf("expected signal strength recorded, got %v", p.SignalStrength)
	}
}

func TestAddPacketAckReconciliation(t *testing.T) {
	m := newTestManager(Config{})
	original := packet.New("node-a", "help", packet.TypeSOS, packet.UrgencyHigh)
	m.AddPacket(original, "", nil)

	ack := original.CreateAck("node-b")
	ok, _ := m.AddPacket(ack, "", nil)
	if !ok {
		t.Fatalf("expected ack to be admitted")
	}

	if !original.AckReceived() {
		t.Fatalf("expected original packet to be marked acknowledged")
	}
	counters, _, _, _, _ := m.Snapshot()
	if counters.AcksReceived != 1 {
		t.Fatalf("expected acks_received counted, got %d", counters.AcksReceived)
	}
}

func TestShouldRelayLoopPrevention(t *testing.T) {
	m := newTestManager(Config{})
	p := packet.New("node-a", "help", packet.TypeSOS, packet.UrgencyCritical)
	p.IncrementHop("node-b", "udp", nil)

	if m.ShouldRelay(p, "node-b") {
		t.Fatalf("expected relay refused for a node already in the relay path")
	}
}

func TestShouldRelayRefusesOwnPackets(t *testing.T) {
	m := newTestManager(Config{})
	p := packet.New("node-a", "help", packet.TypeSOS, packet.UrgencyCritical)
	if m.ShouldRelay(p, "node-a") {
		t.Fatalf("expected a node to never relay its own packet")
	}
}

func TestShouldRelayCriticalAlwaysTrue(t *testing.T) {
	m := newTestManager(Config{})
	p := packet.New("node-a", "help", packet.TypeSOS, packet.UrgencyCritical)
	p.HopCount = 10
	if !m.ShouldRelay(p, "node-b") {
		t.Fatalf("expected critical packets to always relay while TTL remains")
	}
}

func TestShouldRelayRefusesExpiredTTL(t *testing.T) {
	m := newTestManager(Config{})
	p := packet.New("node-a", "help", packet.TypeSOS, packet.UrgencyLow)
	for p.CanRelay() {
		p.IncrementHop("x", "udp", nil)
	}
	if m.ShouldRelay(p, "node-b") {
		t.Fatalf("expected relay refused once TTL is exhausted")
	}
}

func TestShouldRelayDenseNetworkSelectivity(t *testing.T) {
	// The default LOW TTL of 5 would exhaust the hop budget before hop 6,
	// so raise it to keep the packet relayable and reach the density rule.
	packet.SetTTLTable(packet.TTLTable{Critical: 20, High: 15, Medium: 10, Low: 10})
	defer packet.SetTTLTable(packet.TTLTable{Critical: 20, High: 15, Medium: 10, Low: 5})

	m := newTestManager(Config{})
	for i := 0; i < 5; i++ {
		m.topo.AddNeighbor(string(rune('a'+i)), "udp")
	}
	p := packet.New("node-a", "status", packet.TypeStatusUpdate, packet.UrgencyLow)
	for i := 0; i < 6; i++ {
		p.IncrementHop(string(rune('z'-i)), "udp", nil)
	}
	if !p.CanRelay() {
		t.Fatalf("expected packet to still have hop budget, hop_count=%d ttl=%d", p.HopCount, p.TTL)
	}
	if m.ShouldRelay(p, "node-b") {
		t.Fatalf("expected dense network to refuse low-urgency deep-hop relay")
	}
}

func TestNextToProcessOrdersByPriority(t *testing.T) {
	m := newTestManager(Config{})
	low := packet.New("a", "status", packet.TypeStatusUpdate, packet.UrgencyLow)
	critical := packet.New("b", "help", packet.TypeSOS, packet.UrgencyCritical)
	m.AddPacket(low, "", nil)
	m.AddPacket(critical, "", nil)

	if got := m.NextToProcess(); got != critical {
		t.Fatalf("expected critical packet processed first")
	}
	if got := m.NextToProcess(); got != low {
		t.Fatalf("expected low-priority packet processed second")
	}
}

func TestCreateAckIncrementsCounter(t *testing.T) {
	m := newTestManager(Config{})
	original := packet.New("node-a", "help", packet.TypeSOS, packet.UrgencyHigh)
	ack := m.CreateAck(original, "node-b")

	if ack.PacketType != packet.TypeAck {
		t.Fatalf("expected an ACK packet")
	}
	counters, _, _, _, _ := m.Snapshot()
	if counters.AcksSent != 1 {
		t.Fatalf("expected acks_sent counted, got %d", counters.AcksSent)
	}
}

func TestGetThreadSortedByTimestamp(t *testing.T) {
	m := newTestManager(Config{})
	threadID := "thread-1"
	first := packet.New("a", "first", packet.TypeStatusUpdate, packet.UrgencyLow, packet.WithThreadID(threadID))
	second := packet.New("a", "second", packet.TypeStatusUpdate, packet.UrgencyLow, packet.WithThreadID(threadID))
	second.Timestamp = first.Timestamp + 10

	m.AddPacket(second, "", nil)
	m.AddPacket(first, "", nil)

	thread := m.GetThread(threadID)
	if len(thread) != 2 {
		t.Fatalf("expected 2 packets in thread, got %d", len(thread))
	}
	if thread[0] != first || thread[1] != second {
		t.Fatalf("expected thread packets sorted by timestamp")
	}
}

func TestEvictionByCapacityRemovesLowestPriorityFirst(t *testing.T) {
	m := newTestManager(Config{CacheLimit: 2})
	low := packet.New("a", "s1", packet.TypeStatusUpdate, packet.UrgencyLow)
	medium := packet.New("b", "s2", packet.TypeStatusUpdate, packet.UrgencyMedium)
	high := packet.New("c", "s3", packet.TypeSOS, packet.UrgencyHigh)

	m.AddPacket(low, "", nil)
	m.AddPacket(medium, "", nil)
	m.AddPacket(high, "", nil)

	_, cacheSize, _, _, _ := m.Snapshot()
	if cacheSize != 2 {
		t.Fatalf("expected cache capped at 2, got %d", cacheSize)
	}
	if _, ok := m.cache[low.PacketID]; ok {
		t.Fatalf("expected lowest-priority packet evicted")
	}
	if _, ok := m.cache[high.PacketID]; !ok {
		t.Fatalf("expected highest-priority packet retained")
	}
}

func TestEvictionByExpirationRemovesOldPackets(t *testing.T) {
	base := time.Now()
	clock := func() time.Time { return base }
	// CacheLimit of 1 guarantees evictLocked runs on the second
	// admission, exercising the TTL sweep ahead of the capacity sweep.
	m := New(Config{CacheLimit: 1, CacheTTL: time.Minute}, clock)

	old := packet.New("a", "old", packet.TypeStatusUpdate, packet.UrgencyLow)
	old.Timestamp = float64(base.Add(-2 * time.Hour).Unix())
	m.AddPacket(old, "", nil)

	fresh := packet.New("b", "fresh", packet.TypeStatusUpdate, packet.UrgencyLow)
	fresh.Timestamp = float64(base.Unix())
	m.AddPacket(fresh, "", nil)

	_, cacheSize, _, _, _ := m.Snapshot()
	if cacheSize != 1 {
		t.Fatalf("expected expired packet evicted, cache size %d", cacheSize)
	}
	if _, ok := m.cache[fresh.PacketID]; !ok {
		t.Fatalf("expected fresh packet retained")
	}
}

func TestCleanupDoesNotTouchCache(t *testing.T) {
	m := newTestManager(Config{})
	p := packet.New("node-a", "help", packet.TypeSOS, packet.UrgencyHigh)
	m.AddPacket(p, "udp", nil)

	m.Cleanup(0)

	_, cacheSize, _, _, _ := m.Snapshot()
	if cacheSize != 1 {
		t.Fatalf("expected cleanup to leave the cache untouched, got size %d", cacheSize)
	}
}
