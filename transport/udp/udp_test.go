package udp

import "testing"

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.Group != DefaultGroup {
		t.Fatalf("expected default group %s, got %s", DefaultGroup, cfg.Group)
	}
	if cfg.Port != DefaultPort {
		t.Fatalf("expected default port %d, got %d", DefaultPort, cfg.Port)
	}
}

func TestConfigOverrides(t *testing.T) {
	cfg := Config{Group: "239.1.1.1", Port: 12345}.withDefaults()
	if cfg.Group != "239.1.1.1" || cfg.Port != 12345 {
		t.Fatalf("expected overrides preserved, got %+v", cfg)
	}
}

func TestSenderSendWithoutStartErrors(t *testing.T) {
	s := NewSender(Config{}, "A", nil)
	p := newTestPacket()
	if err := s.Send(p); err == nil {
		t.Fatalf("expected error sending before Start")
	}
	if s.Stats().SendErrors != 1 {
		t.Fatalf("expected send error counted")
	}
}
