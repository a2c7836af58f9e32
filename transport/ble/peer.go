package ble

import (
	"sync"
	"time"
)

// PeerState is the per-peer lifecycle state machine from spec §4.4.
type PeerState int

const (
	StateUndiscovered PeerState = iota
	StateDiscovered
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s PeerState) String() string {
	switch s {
	case StateUndiscovered:
		return "undiscovered"
	case StateDiscovered:
		return "discovered"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// maxConnectionFailures bounds how many failed connection attempts a
// peer may accumulate before the scanner loop stops electing it.
const maxConnectionFailures = 3

// peerLastSeenTimeout removes a Discovered peer that hasn't advertised
// recently (spec §4.4).
const peerLastSeenTimeout = 300 * time.Second

// peerRecord tracks one BLE peer's lifecycle and link.
type peerRecord struct {
	addr            string
	name            string
	state           PeerState
	lastSeen        time.Time
	connFailures    int
	link            Link
	writeErrors     uint64
}

// peerstore is the address-keyed map of peers owned by this transport
// instance (spec §9: "Peer objects live in a map owned by each BLE
// transport instance and are keyed by address").
type peerstore struct {
	mu    sync.Mutex
	peers map[string]*peerRecord
	now   func() time.Time
}

func newPeerstore(now func() time.Time) *peerstore {
	if now == nil {
		now = time.Now
	}
	return &peerstore{peers: make(map[string]*peerRecord), now: now}
}

// observe records/refreshes a scan match, promoting unknown addresses to
// Discovered and refreshing last_seen for known ones.
func (s *peerstore) observe(addr, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[addr]
	if !ok {
		p = &peerRecord{addr: addr, name: name, state: StateDiscovered}
		s.peers[addr] = p
	}
	p.lastSeen = s.now()
	if p.state == StateUndiscovered || p.state == StateDisconnected {
		p.state = StateDiscovered
	}
}

// expireStale removes Discovered peers not seen within peerLastSeenTimeout.
func (s *peerstore) expireStale() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for addr, p := range s.peers {
		if p.state == StateDiscovered && now.Sub(p.lastSeen) > peerLastSeenTimeout {
			delete(s.peers, addr)
		}
	}
}

// electForConnect returns an address eligible for a new connection
// attempt: Discovered, with fewer than maxConnectionFailures.
func (s *peerstore) electForConnect() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for addr, p := range s.peers {
		if p.state == StateDiscovered && p.connFailures < maxConnectionFailures {
			p.state = StateConnecting
			return addr, true
		}
	}
	return "", false
}

func (s *peerstore) markConnected(addr string, link Link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[addr]
	if !ok {
		p = &peerRecord{addr: addr}
		s.peers[addr] = p
	}
	p.state = StateConnected
	p.link = link
}

func (s *peerstore) markConnectFailed(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.peers[addr]; ok {
		p.connFailures++
		p.state = StateDiscovered
	}
}

func (s *peerstore) markDisconnected(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.peers[addr]; ok {
		p.state = StateDisconnected
		p.link = nil
	}
}

func (s *peerstore) incWriteError(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.peers[addr]; ok {
		p.writeErrors++
	}
}

// connectedLinks returns a snapshot of currently Connected peers' links.
func (s *peerstore) connectedLinks() map[string]Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Link, len(s.peers))
	for addr, p := range s.peers {
		if p.state == StateConnected && p.link != nil {
			out[addr] = p.link
		}
	}
	return out
}

func (s *peerstore) state(addr string) (PeerState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[addr]
	if !ok {
		return StateUndiscovered, false
	}
	return p.state, true
}

func (s *peerstore) snapshotAddrs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.peers))
	for addr := range s.peers {
		out = append(out, addr)
	}
	return out
}
