package node

import (
	"context"
	"log/slog"

	"github.com/suvijya/sonicnet/transport"
)

// Medium pairs a transport's sender and receiver halves. udp splits them
// into a separate Sender and Receiver, each with its own Start/Stop; ble
// and acoustic implement both roles on one struct whose single Start
// brings up both directions, so callers wire that struct into Sender
// only and leave Receiver nil — setting both would start it twice.
type Medium struct {
	Tag      string
	Sender   transport.Sender
	Receiver transport.Receiver

	running bool
}

// start brings both halves of the medium up independently; a failure in
// one does not prevent the other from starting (spec §4.9 boot order,
// §7 "medium unavailable at startup"). The medium counts as running if
// at least one half started.
func (m *Medium) start(ctx context.Context, logger *slog.Logger) {
	senderUp, receiverUp := true, true
	if m.Sender != nil {
		if err := m.Sender.Start(ctx); err != nil {
			logger.Warn("transport sender failed to start", "transport", m.Tag, "error", err)
			senderUp = false
		}
	}
	if m.Receiver != nil {
		if err := m.Receiver.Start(ctx); err != nil {
			logger.Warn("transport receiver failed to start", "transport", m.Tag, "error", err)
			receiverUp = false
		}
	}
	m.running = (m.Sender != nil && senderUp) || (m.Receiver != nil && receiverUp)
}

func (m *Medium) stop() {
	if m.Sender != nil {
		m.Sender.Stop()
	}
	if m.Receiver != nil {
		m.Receiver.Stop()
	}
	m.running = false
}

// stats combines the sender and receiver counters for this medium. A
// combined transport's Sender already reports both directions from its
// single shared StatsCounter; only when Sender and Receiver are distinct
// objects (udp) are their counters merged field-by-field.
func (m *Medium) stats() transport.Stats {
	switch {
	case m.Sender != nil && m.Receiver != nil:
		s, r := m.Sender.Stats(), m.Receiver.Stats()
		return transport.Stats{
			Sent:          s.Sent,
			SendErrors:    s.SendErrors,
			Received:      r.Received,
			ReceiveErrors: r.ReceiveErrors,
		}
	case m.Sender != nil:
		return m.Sender.Stats()
	case m.Receiver != nil:
		return m.Receiver.Stats()
	default:
		return transport.Stats{}
	}
}
