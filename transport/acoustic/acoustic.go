// Package acoustic implements the ggwave-shaped half-duplex audio modem
// transport (spec §4.5): packets are rendered to an audio waveform and
// played out of the local speaker, and incoming audio is continuously
// sampled and decoded looking for a complete frame.
//
// No Go ggwave binding exists anywhere in the retrieval pack, so Codec is
// the seam a real binding would implement; the default opusCodec (see
// codec.go) is a domain-grounded stand-in built on the same
// gordonklaus/portaudio + gopkg.in/hraban/opus.v2 stack the pack's only
// audio-capable repo uses for its voice engine.
package acoustic

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/suvijya/sonicnet/packet"
	"github.com/suvijya/sonicnet/transport"
)

// Defaults from spec §6.
const (
	DefaultSampleRate      = 48000
	DefaultSamplesPerFrame = 1024
	DefaultVolume          = 50 // percent

	pcmChunkSamples   = 960 // 20ms @ 48kHz, matches FrameSize convention
	opusMaxFrameBytes = 1275
	decodedQueueSize  = 64
	sendQueueSize     = 16
)

// Config configures the acoustic medium.
type Config struct {
	SampleRate      int
	SamplesPerFrame int
	Volume          int // 0-100
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.SamplesPerFrame <= 0 {
		c.SamplesPerFrame = DefaultSamplesPerFrame
	}
	if c.Volume <= 0 {
		c.Volume = DefaultVolume
	}
	return c
}

// paStream abstracts a PortAudio stream so Sender/Receiver can be driven
// by a fake in unit tests, same seam as AudioEngine's paStream.
type paStream interface {
	Start() error
	Stop() error
	Close() error
	Read() error
	Write() error
}

// Transport bundles the acoustic sender and receiver.
type Transport struct {
	cfg    Config
	selfID string
	codec  Codec
	queue  *transport.InboundQueue
	logger *slog.Logger

	transport.StatsCounter

	mu             sync.Mutex
	running        bool
	captureStream  paStream
	playbackStream paStream
	outBuf         []float32
	inBuf          []float32

	sendCh  chan []float32
	cancel  context.CancelFunc
	done    chan struct{}
	openOut func(cfg Config, buf []float32) (paStream, error)
	openIn  func(cfg Config, buf []float32) (paStream, error)
}

// New constructs an acoustic transport with the default opus-backed
// Codec and real PortAudio streams.
func New(cfg Config, selfID string, queue *transport.InboundQueue, logger *slog.Logger) *Transport {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		cfg:     cfg,
		selfID:  selfID,
		codec:   newOpusCodec(cfg.SampleRate),
		queue:   queue,
		logger:  logger,
		sendCh:  make(chan []float32, sendQueueSize),
		openOut: openPlaybackStream,
		openIn:  openCaptureStream,
	}
}

func (t *Transport) Tag() string { return transport.TagAcoustic }

// Start opens the capture and playback streams and launches the send and
// decode workers. Returns an error if no audio device is available —
// callers should treat acoustic transport failure as best-effort (spec
// §1 lists it as one of three independent transports).
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil
	}

	if err := portaudio.Initialize(); err != nil {
		return err
	}

	t.outBuf = make([]float32, t.cfg.SamplesPerFrame)
	out, err := t.openOut(t.cfg, t.outBuf)
	if err != nil {
		portaudio.Terminate()
		return err
	}

	t.inBuf = make([]float32, t.cfg.SamplesPerFrame)
	in, err := t.openIn(t.cfg, t.inBuf)
	if err != nil {
		out.Close()
		portaudio.Terminate()
		return err
	}

	if err := out.Start(); err != nil {
		out.Close()
		in.Close()
		portaudio.Terminate()
		return err
	}
	if err := in.Start(); err != nil {
		out.Stop()
		out.Close()
		in.Close()
		portaudio.Terminate()
		return err
	}

	t.captureStream = in
	t.playbackStream = out
	t.running = true

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); t.sendWorker(runCtx) }()
	go func() { defer wg.Done(); t.captureLoop(runCtx) }()
	go func() { wg.Wait(); close(t.done) }()

	t.logger.Info("acoustic transport started", "sample_rate", t.cfg.SampleRate)
	return nil
}

// Stop halts both streams and waits for the workers to unwind.
func (t *Transport) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	cancel := t.cancel
	done := t.done
	capture := t.captureStream
	playback := t.playbackStream
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if capture != nil {
		capture.Stop()
	}
	if playback != nil {
		playback.Stop()
	}
	if done != nil {
		<-done
	}

	t.mu.Lock()
	if t.captureStream != nil {
		t.captureStream.Close()
		t.captureStream = nil
	}
	if t.playbackStream != nil {
		t.playbackStream.Close()
		t.playbackStream = nil
	}
	t.mu.Unlock()
	portaudio.Terminate()
}

// Send encodes the packet and queues its waveform for playback. Never
// blocks the caller beyond enqueue.
func (t *Transport) Send(p *packet.Packet) error {
	data, err := p.Encode()
	if err != nil {
		t.IncSendErrors()
		return err
	}
	samples, err := t.codec.Encode(data)
	if err != nil {
		t.IncSendErrors()
		return err
	}
	select {
	case t.sendCh <- samples:
		return nil
	default:
		t.IncSendErrors()
		return errSendQueueFull
	}
}

func (t *Transport) Stats() transport.Stats { return t.Snapshot() }

// sendWorker writes queued waveforms to the playback stream one frame at
// a time, matching AudioEngine's blocking Write-per-frame pattern.
func (t *Transport) sendWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case samples := <-t.sendCh:
			t.writeWaveform(ctx, samples)
		}
	}
}

func (t *Transport) writeWaveform(ctx context.Context, samples []float32) {
	frameLen := len(t.outBuf)
	if frameLen == 0 {
		return
	}
	for off := 0; off < len(samples); off += frameLen {
		select {
		case <-ctx.Done():
			return
		default:
		}
		end := off + frameLen
		if end > len(samples) {
			end = len(samples)
		}
		copy(t.outBuf, samples[off:end])
		for i := end - off; i < frameLen; i++ {
			t.outBuf[i] = 0
		}
		if err := t.playbackStream.Write(); err != nil {
			t.IncSendErrors()
			return
		}
	}
	t.IncSent()
}

// captureLoop continuously reads frames and accumulates them in a
// rolling buffer, attempting a decode after every frame the way the
// Python reference's audio callback decodes on every captured chunk.
func (t *Transport) captureLoop(ctx context.Context) {
	var rolling []float32
	const maxRolling = 8 // bound memory if nothing ever decodes cleanly

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := t.captureStream.Read(); err != nil {
			if ctx.Err() == nil {
				t.logger.Debug("acoustic capture read error", "err", err)
			}
			return
		}

		frame := make([]float32, len(t.inBuf))
		copy(frame, t.inBuf)
		rolling = append(rolling, frame...)

		if payload, err := t.codec.Decode(rolling); err == nil {
			rolling = nil
			t.handleDecoded(payload)
			continue
		}

		if len(rolling) > maxRolling*len(t.inBuf) {
			rolling = rolling[len(t.inBuf):]
		}
	}
}

func (t *Transport) handleDecoded(payload []byte) {
	p, err := packet.Decode(payload)
	if err != nil {
		t.IncReceiveErrors()
		return
	}
	if p.SenderID == t.selfID {
		return
	}
	t.IncReceived()
	t.queue.Push(transport.Delivery{Packet: p, TransportTag: transport.TagAcoustic})
}

func openPlaybackStream(cfg Config, buf []float32) (paStream, error) {
	dev, err := portaudio.DefaultOutputDevice()
	if err != nil {
		return nil, err
	}
	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(cfg.SampleRate),
		FramesPerBuffer: cfg.SamplesPerFrame,
	}
	return portaudio.OpenStream(params, buf)
}

func openCaptureStream(cfg Config, buf []float32) (paStream, error) {
	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		return nil, err
	}
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(cfg.SampleRate),
		FramesPerBuffer: cfg.SamplesPerFrame,
	}
	return portaudio.OpenStream(params, buf)
}
