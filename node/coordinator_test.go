package node

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/suvijya/sonicnet/mesh"
	"github.com/suvijya/sonicnet/packet"
	"github.com/suvijya/sonicnet/transport"
)

type fakeSender struct {
	tag       string
	startErr  error
	sendErr   error
	mu        sync.Mutex
	sent      []*packet.Packet
	started   bool
}

func (f *fakeSender) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}
func (f *fakeSender) Stop() {}
func (f *fakeSender) Send(p *packet.Packet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, p)
	return nil
}
func (f *fakeSender) Stats() transport.Stats { return transport.Stats{} }
func (f *fakeSender) Tag() string            { return f.tag }

func (f *fakeSender) sentPackets() []*packet.Packet {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*packet.Packet(nil), f.sent...)
}

func newTestCoordinator(t *testing.T, senders ...*fakeSender) (*Coordinator, *transport.InboundQueue) {
	t.Helper()
	m := mesh.New(mesh.Config{}, time.Now)
	queue := transport.NewInboundQueue(transport.DefaultCapacity)
	c := New(Config{SelfID: "self", InboundPollTimeout: 20 * time.Millisecond}, m, queue, nil, nil)
	for _, s := range senders {
		c.AddMedium(&Medium{Tag: s.tag, Sender: s})
	}
	return c, queue
}

func TestCoordinatorSendSOSAdmitsAndBroadcasts(t *testing.T) {
	sender := &fakeSender{tag: "udp"}
	c, _ := newTestCoordinator(t, sender)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	p := c.SendSOS("help", packet.UrgencyHigh)
	if p.PacketType != packet.TypeSOS {
		t.Fatalf("expected an SOS packet")
	}

	_, cacheSize, _, _, _ := c.manager.Snapshot()
	if cacheSize != 1 {
		t.Fatalf("expected SOS admitted to cache, size=%d", cacheSize)
	}
	if got := sender.sentPackets(); len(got) != 1 || got[0].PacketID != p.PacketID {
		t.Fatalf("expected the SOS broadcast on the sender, got %v", got)
	}
}

func TestCoordinatorBroadcastIsolatesPerMediumErrors(t *testing.T) {
	failing := &fakeSender{tag: "ble", sendErr: errors.New("link down")}
	ok := &fakeSender{tag: "udp"}
	c, _ := newTestCoordinator(t, failing, ok)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	p := packet.New("self", "status", packet.TypeStatusUpdate, packet.UrgencyLow)
	c.Broadcast(p)

	if got := ok.sentPackets(); len(got) != 1 {
		t.Fatalf("expected the healthy medium to still receive the broadcast, got %v", got)
	}
}

func TestCoordinatorInboundDispatchPublishesSOSEvent(t *testing.T) {
	c, queue := newTestCoordinator(t)
	var received, sos int32
	var mu sync.Mutex
	c.Subscribe(EventPacketReceived, func(payload any) { mu.Lock(); received++; mu.Unlock() })
	c.Subscribe(EventSOSReceived, func(payload any) { mu.Lock(); sos++; mu.Unlock() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	p := packet.New("peer", "help", packet.TypeSOS, packet.UrgencyHigh)
	queue.Push(transport.Delivery{Packet: p, TransportTag: "udp"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := received
		mu.Unlock()
		if got > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if received != 1 {
		t.Fatalf("expected packet_received published once, got %d", received)
	}
	if sos != 1 {
		t.Fatalf("expected sos_received published once, got %d", sos)
	}
}

func TestCoordinatorSelfOriginatedDeliveryIsDropped(t *testing.T) {
	c, queue := newTestCoordinator(t)
	var received int32
	var mu sync.Mutex
	c.Subscribe(EventPacketReceived, func(payload any) { mu.Lock(); received++; mu.Unlock() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	p := packet.New("self", "help", packet.TypeSOS, packet.UrgencyHigh)
	queue.Push(transport.Delivery{Packet: p, TransportTag: "udp"})

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if received != 0 {
		t.Fatalf("expected self-originated delivery never to dispatch, got %d", received)
	}
}

func TestCoordinatorRunningReflectsMediumState(t *testing.T) {
	failing := &fakeSender{tag: "ble", startErr: errors.New("no adapter")}
	c, _ := newTestCoordinator(t, failing)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	if c.Running() {
		t.Fatalf("expected node not running with its only medium failed to start")
	}
}
