package acoustic

import (
	"context"
	"testing"
	"time"

	"github.com/suvijya/sonicnet/packet"
	"github.com/suvijya/sonicnet/transport"
)

// fakeCodec lets tests exercise Transport plumbing without a real opus
// round trip.
type fakeCodec struct {
	encoded []float32
}

func (c *fakeCodec) Encode(payload []byte) ([]float32, error) {
	return c.encoded, nil
}

func (c *fakeCodec) Decode(samples []float32) ([]byte, error) {
	return nil, ErrTruncatedWaveform
}

// fakeStream is an in-memory paStream; Write snapshots whatever is in the
// bound output buffer at call time.
type fakeStream struct {
	buf      []float32
	writes   [][]float32
	closed   bool
	writeErr error
}

func (s *fakeStream) Start() error { return nil }
func (s *fakeStream) Stop() error  { return nil }
func (s *fakeStream) Close() error { s.closed = true; return nil }
func (s *fakeStream) Read() error  { return nil }
func (s *fakeStream) Write() error {
	if s.writeErr != nil {
		return s.writeErr
	}
	snap := make([]float32, len(s.buf))
	copy(snap, s.buf)
	s.writes = append(s.writes, snap)
	return nil
}

func newTestTransport() (*Transport, *fakeStream) {
	queue := transport.NewInboundQueue(transport.DefaultCapacity)
	tr := New(Config{SamplesPerFrame: 4}, "self-node", queue, nil)
	tr.codec = &fakeCodec{}
	out := &fakeStream{buf: make([]float32, 4)}
	tr.outBuf = out.buf
	tr.playbackStream = out
	return tr, out
}

func TestWriteWaveformSplitsIntoFramesAndZeroPads(t *testing.T) {
	tr, out := newTestTransport()
	samples := []float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6}

	tr.writeWaveform(context.Background(), samples)

	if len(out.writes) != 2 {
		t.Fatalf("expected 2 frame writes, got %d", len(out.writes))
	}
	if out.writes[0][0] != 0.1 || out.writes[0][3] != 0.4 {
		t.Fatalf("unexpected first frame contents: %v", out.writes[0])
	}
	if out.writes[1][0] != 0.5 || out.writes[1][1] != 0.6 {
		t.Fatalf("unexpected second frame contents: %v", out.writes[1])
	}
	if out.writes[1][2] != 0 || out.writes[1][3] != 0 {
		t.Fatalf("expected trailing frame to be zero-padded: %v", out.writes[1])
	}
	if tr.Stats().Sent != 1 {
		t.Fatalf("expected sent counter incremented once, got %d", tr.Stats().Sent)
	}
}

func TestWriteWaveformCountsSendErrors(t *testing.T) {
	tr, out := newTestTransport()
	out.writeErr = errSendQueueFull // any error works for this path

	tr.writeWaveform(context.Background(), []float32{0.1, 0.2})

	if tr.Stats().SendErrors != 1 {
		t.Fatalf("expected a send error to be counted, got %d", tr.Stats().SendErrors)
	}
}

func TestHandleDecodedPushesNonSelfPacket(t *testing.T) {
	queue := transport.NewInboundQueue(transport.DefaultCapacity)
	defer queue.Close()
	tr := New(Config{}, "self-node", queue, nil)

	p := packet.New("other-node", "help", packet.TypeSOS, packet.UrgencyHigh)
	data, err := p.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	tr.handleDecoded(data)

	d, ok := queue.Poll(time.Second)
	if !ok {
		t.Fatalf("expected delivery to be queued")
	}
	if d.TransportTag != transport.TagAcoustic {
		t.Fatalf("expected acoustic tag, got %s", d.TransportTag)
	}
	if d.Packet.SenderID != "other-node" {
		t.Fatalf("unexpected sender: %s", d.Packet.SenderID)
	}
}

func TestHandleDecodedDropsSelfOriginated(t *testing.T) {
	queue := transport.NewInboundQueue(transport.DefaultCapacity)
	defer queue.Close()
	tr := New(Config{}, "self-node", queue, nil)

	p := packet.New("self-node", "help", packet.TypeSOS, packet.UrgencyHigh)
	data, err := p.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	tr.handleDecoded(data)

	if _, ok := queue.Poll(200 * time.Millisecond); ok {
		t.Fatalf("expected self-originated packet to be dropped")
	}
}

func TestSendEncodesAndEnqueuesWaveform(t *testing.T) {
	queue := transport.NewInboundQueue(transport.DefaultCapacity)
	defer queue.Close()
	tr := New(Config{}, "self-node", queue, nil)
	want := []float32{1, 2, 3}
	tr.codec = &fakeCodec{encoded: want}

	p := packet.New("self-node", "help", packet.TypeSOS, packet.UrgencyHigh)
	if err := tr.Send(p); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case got := <-tr.sendCh:
		if len(got) != len(want) {
			t.Fatalf("unexpected queued waveform length: %d", len(got))
		}
	default:
		t.Fatalf("expected a waveform to be queued for playback")
	}
}

func TestSendReturnsErrorWhenQueueFull(t *testing.T) {
	queue := transport.NewInboundQueue(transport.DefaultCapacity)
	defer queue.Close()
	tr := New(Config{}, "self-node", queue, nil)
	tr.codec = &fakeCodec{encoded: []float32{1}}

	p := packet.New("self-node", "help", packet.TypeSOS, packet.UrgencyHigh)
	for i := 0; i < sendQueueSize; i++ {
		if err := tr.Send(p); err != nil {
			t.Fatalf("unexpected error filling queue at %d: %v", i, err)
		}
	}
	if err := tr.Send(p); err == nil {
		t.Fatalf("expected send queue full error")
	}
}
