// Package udp implements the IP-multicast broadcast medium (spec §4.3).
// A separate socket backs the sender and the receiver, matching the
// original Python implementation's split UDPSender/UDPReceiver and
// nhbchain p2p/server.go's preference for plain net.* sockets over a
// wrapper library.
package udp

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/net/ipv4"

	"github.com/suvijya/sonicnet/packet"
	"github.com/suvijya/sonicnet/transport"
)

const (
	// DefaultGroup is the multicast group SonicNet nodes join by default.
	DefaultGroup = "224.1.1.1"
	// DefaultPort is the default multicast port.
	DefaultPort = 9999
	// MaxDatagram is the send/receive datagram cap; Send rejects larger
	// packets before writing and counts a send error (spec §4.3 — no
	// fragmentation handling).
	MaxDatagram = 4096
	// multicastTTL bounds how many router hops a multicast datagram
	// survives.
	multicastTTL = 2
)

// Config configures the UDP medium.
type Config struct {
	Group string
	Port  int
}

func (c Config) withDefaults() Config {
	if c.Group == "" {
		c.Group = DefaultGroup
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	return c
}

// Sender transmits packets via UDP multicast.
type Sender struct {
	transport.StatsCounter
	cfg    Config
	selfID string
	conn   *net.UDPConn
	logger *slog.Logger
}

// NewSender constructs a UDP sender. selfID is kept on the sender only;
// Send transmits packets exactly as given and never fills in or changes
// their sender id.
func NewSender(cfg Config, selfID string, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{cfg: cfg.withDefaults(), selfID: selfID, logger: logger}
}

func (s *Sender) Tag() string { return transport.TagUDP }

// Start acquires the multicast-TTL-2 sending socket.
func (s *Sender) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", s.cfg.Group, s.cfg.Port))
	if err != nil {
		return fmt.Errorf("udp sender: resolve group: %w", err)
	}
	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return fmt.Errorf("udp sender: dial: %w", err)
	}
	if err := ipv4.NewConn(conn).SetMulticastTTL(multicastTTL); err != nil {
		conn.Close()
		return fmt.Errorf("udp sender: set multicast ttl: %w", err)
	}
	s.conn = conn
	s.logger.Info("udp sender started", "group", s.cfg.Group, "port", s.cfg.Port)
	return nil
}

// Stop releases the sender's socket. Idempotent.
func (s *Sender) Stop() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// Send best-effort transmits the encoded packet to the multicast group.
// Datagrams that exceed MaxDatagram or fail at the OS count as send
// errors; there is no fragmentation handling (spec §4.3).
func (s *Sender) Send(p *packet.Packet) error {
	if s.conn == nil {
		s.IncSendErrors()
		return fmt.Errorf("udp sender: not running")
	}
	data, err := p.Encode()
	if err != nil {
		s.IncSendErrors()
		return fmt.Errorf("udp sender: encode: %w", err)
	}
	if len(data) > MaxDatagram {
		s.IncSendErrors()
		return fmt.Errorf("udp sender: packet %d bytes exceeds datagram cap %d", len(data), MaxDatagram)
	}
	if _, err := s.conn.Write(data); err != nil {
		s.IncSendErrors()
		return fmt.Errorf("udp sender: write: %w", err)
	}
	s.IncSent()
	return nil
}

func (s *Sender) Stats() transport.Stats { return s.Snapshot() }

// Receiver listens for multicast datagrams and pushes decoded packets
// onto the shared inbound queue.
type Receiver struct {
	transport.StatsCounter
	cfg    Config
	selfID string
	queue  *transport.InboundQueue
	conn   *net.UDPConn
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReceiver constructs a UDP receiver. selfID is used for loopback
// suppression — the single source of truth per spec §4.2.
func NewReceiver(cfg Config, selfID string, queue *transport.InboundQueue, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{cfg: cfg.withDefaults(), selfID: selfID, queue: queue, logger: logger}
}

func (r *Receiver) Tag() string { return transport.TagUDP }

// Start binds 0.0.0.0:port, joins the multicast group, and spawns the
// read-decode-enqueue worker.
func (r *Receiver) Start(ctx context.Context) error {
	group := net.ParseIP(r.cfg.Group)
	if group == nil {
		return fmt.Errorf("udp receiver: invalid group %q", r.cfg.Group)
	}
	iface, err := firstMulticastInterface()
	if err != nil {
		return fmt.Errorf("udp receiver: find multicast interface: %w", err)
	}
	conn, err := net.ListenMulticastUDP("udp4", iface, &net.UDPAddr{IP: group, Port: r.cfg.Port})
	if err != nil {
		return fmt.Errorf("udp receiver: listen multicast: %w", err)
	}
	conn.SetReadBuffer(MaxDatagram * 4)
	r.conn = conn

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.receiveLoop(runCtx)
	r.logger.Info("udp receiver started", "group", r.cfg.Group, "port", r.cfg.Port)
	return nil
}

// Stop ceases listening and drops any in-flight reads.
func (r *Receiver) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.conn != nil {
		r.conn.Close()
	}
	if r.done != nil {
		<-r.done
	}
}

func (r *Receiver) receiveLoop(ctx context.Context) {
	defer close(r.done)
	buf := make([]byte, MaxDatagram)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			r.IncReceiveErrors()
			continue
		}
		p, err := packet.Decode(buf[:n])
		if err != nil {
			// Malformed packets are discarded silently (spec §4.1/§7).
			r.IncReceiveErrors()
			continue
		}
		if p.SenderID == r.selfID {
			continue // loopback suppression, sole responsibility of the receiver
		}
		r.IncReceived()
		r.queue.Push(transport.Delivery{Packet: p, TransportTag: transport.TagUDP})
	}
}

func (r *Receiver) Stats() transport.Stats { return r.Snapshot() }

// firstMulticastInterface finds an interface capable of joining a
// multicast group; falls back to nil (all interfaces) if none is found.
func firstMulticastInterface() (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		iface := ifaces[i]
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		if iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		return &iface, nil
	}
	return nil, nil
}
