package ble

import (
	"testing"
	"time"
)

func TestPeerstoreObserveAndElect(t *testing.T) {
	base := time.Now()
	current := base
	clock := func() time.Time { return current }
	s := newPeerstore(clock)

	s.observe("AA:BB", "node-b")
	state, ok := s.state("AA:BB")
	if !ok || state != StateDiscovered {
		t.Fatalf("expected discovered state, got %v", state)
	}

	addr, ok := s.electForConnect()
	if !ok || addr != "AA:BB" {
		t.Fatalf("expected AA:BB elected for connect")
	}
	state, _ = s.state("AA:BB")
	if state != StateConnecting {
		t.Fatalf("expected connecting state after election, got %v", state)
	}

	// Not eligible again while connecting.
	if _, ok := s.electForConnect(); ok {
		t.Fatalf("expected no further elections while connecting")
	}
}

func TestPeerstoreConnectFailureBudget(t *testing.T) {
	s := newPeerstore(time.Now)
	s.observe("CC:DD", "")
	for i := 0; i < maxConnectionFailures; i++ {
		addr, ok := s.electForConnect()
		if !ok {
			t.Fatalf("expected election attempt %d to succeed", i)
		}
		s.markConnectFailed(addr)
	}
	if _, ok := s.electForConnect(); ok {
		t.Fatalf("expected peer to be ineligible after exceeding failure budget")
	}
}

func TestPeerstoreExpireStale(t *testing.T) {
	base := time.Now()
	current := base
	clock := func() time.Time { return current }
	s := newPeerstore(clock)
	s.observe("EE:FF", "")

	current = base.Add(301 * time.Second)
	s.expireStale()

	if _, ok := s.state("EE:FF"); ok {
		t.Fatalf("expected stale peer to be forgotten")
	}
}

func TestPeerstoreConnectedLinks(t *testing.T) {
	s := newPeerstore(time.Now)
	s.observe("10:10", "")
	addr, _ := s.electForConnect()
	link := &fakeLink{}
	s.markConnected(addr, link)

	links := s.connectedLinks()
	if len(links) != 1 || links[addr] != link {
		t.Fatalf("expected connected link snapshot to contain peer")
	}

	s.markDisconnected(addr)
	if len(s.connectedLinks()) != 0 {
		t.Fatalf("expected no connected links after disconnect")
	}
}
