package ble

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rs/xid"
	"golang.org/x/time/rate"

	"github.com/suvijya/sonicnet/packet"
	"github.com/suvijya/sonicnet/transport"
)

// Defaults from spec §6.
const (
	DefaultScanInterval      = 10 * time.Second
	DefaultConnectionTimeout = 15 * time.Second
	scanWindow               = 5 * time.Second
	perWriteTimeout          = 2 * time.Second
	broadcastWallClock       = 30 * time.Second
	sendQueueSize            = 64
)

// Config configures the BLE medium.
type Config struct {
	ScanInterval      time.Duration
	ConnectionTimeout time.Duration
	NameFilter        string
}

func (c Config) withDefaults() Config {
	if c.ScanInterval <= 0 {
		c.ScanInterval = DefaultScanInterval
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = DefaultConnectionTimeout
	}
	return c
}

// Transport bundles the BLE sender and receiver; they share the
// peerstore, adapter, and reassembler the way the spec's sender/receiver
// pair shares only the inbound queue plus, here, the connection state.
type Transport struct {
	cfg      Config
	selfID   string
	adapter  gattAdapter
	store    *peerstore
	reasm    *reassembler
	queue    *transport.InboundQueue
	logger   *slog.Logger

	sendCh chan *packet.Packet
	cancel context.CancelFunc
	done   chan struct{}

	transport.StatsCounter
}

// New constructs a BLE transport. adapter is the hardware seam (spec §1);
// pass a real GATT binding in production and a fake in tests.
func New(cfg Config, selfID string, adapter gattAdapter, queue *transport.InboundQueue, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		cfg:     cfg.withDefaults(),
		selfID:  selfID,
		adapter: adapter,
		store:   newPeerstore(time.Now),
		reasm:   newReassembler(time.Now),
		queue:   queue,
		logger:  logger,
		sendCh:  make(chan *packet.Packet, sendQueueSize),
	}
}

func (t *Transport) Tag() string { return transport.TagBLE }

// Start launches the scanner loop (which also elects and connects
// eligible peers), the reassembly-buffer janitor, and the send-fanout
// worker.
func (t *Transport) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); t.scannerLoop(runCtx) }()
	go func() { defer wg.Done(); t.sendWorker(runCtx) }()
	go func() { defer wg.Done(); t.janitorLoop(runCtx) }()
	go func() {
		wg.Wait()
		close(t.done)
	}()

	t.logger.Info("ble transport started", "scan_interval", t.cfg.ScanInterval)
	return nil
}

// Stop cancels every loop and waits for them to unwind.
func (t *Transport) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	if t.done != nil {
		<-t.done
	}
}

// Send enqueues the packet for the send worker to fan out to every
// currently-Connected peer. Never blocks the caller beyond enqueue.
func (t *Transport) Send(p *packet.Packet) error {
	select {
	case t.sendCh <- p:
		return nil
	default:
		t.IncSendErrors()
		return errSendQueueFull
	}
}

func (t *Transport) Stats() transport.Stats { return t.Snapshot() }

// scannerLoop scans for ~5s, sleeps ScanInterval, repeats (spec §4.4),
// and separately elects/connects eligible Discovered peers, paced by a
// rate limiter so a sudden crowd of advertisers doesn't open a connect
// storm.
func (t *Transport) scannerLoop(ctx context.Context) {
	connectLimiter := rate.NewLimiter(rate.Every(500*time.Millisecond), 1)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		scanCtx, cancel := context.WithTimeout(ctx, scanWindow)
		devices, err := t.adapter.Scan(scanCtx)
		cancel()
		if err != nil {
			t.logger.Debug("ble scan error", "err", err)
		}
		for _, d := range devices {
			t.store.observe(d.Address, d.Name)
		}
		t.store.expireStale()

		t.tryConnect(ctx, connectLimiter)

		if !t.sleep(ctx, t.cfg.ScanInterval) {
			return
		}
	}
}

func (t *Transport) tryConnect(ctx context.Context, limiter *rate.Limiter) {
	for {
		// Pace before electing: a peer left waiting stays Discovered and is
		// re-eligible next tick, no failure slot wasted.
		if !limiter.Allow() {
			return
		}
		addr, ok := t.store.electForConnect()
		if !ok {
			return
		}
		connCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectionTimeout)
		link, err := t.adapter.Connect(connCtx, addr, func(data []byte) { t.onNotify(data) }, func(err error) { t.onDisconnect(addr, err) })
		cancel()
		if err != nil {
			t.store.markConnectFailed(addr)
			continue
		}
		t.store.markConnected(addr, link)
	}
}

func (t *Transport) onNotify(data []byte) {
	payload, ok := t.reasm.feed(string(data))
	if !ok {
		return
	}
	p, err := packet.Decode(payload)
	if err != nil {
		t.IncReceiveErrors()
		return
	}
	if p.SenderID == t.selfID {
		return
	}
	t.IncReceived()
	t.queue.Push(transport.Delivery{Packet: p, TransportTag: transport.TagBLE})
}

// onDisconnect drives a peer's Connected -> Disconnected transition when
// the adapter reports the link dropped asynchronously (spec §4.4).
func (t *Transport) onDisconnect(addr string, err error) {
	t.logger.Debug("ble peer disconnected", "addr", addr, "err", err)
	t.store.markDisconnected(addr)
}

func (t *Transport) janitorLoop(ctx context.Context) {
	ticker := time.NewTicker(xferBufferTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.reasm.gc()
		}
	}
}

// sendWorker pulls one packet at a time and fans it out to all currently
// Connected peers with per-write timeouts (spec §4.4).
func (t *Transport) sendWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-t.sendCh:
			t.fanOut(ctx, p)
		}
	}
}

func (t *Transport) fanOut(ctx context.Context, p *packet.Packet) {
	data, err := p.Encode()
	if err != nil {
		t.IncSendErrors()
		return
	}
	xferID := xid.New().String()
	frames := splitChunks(xferID, data)

	links := t.store.connectedLinks()
	if len(links) == 0 {
		return
	}

	broadcastCtx, cancel := context.WithTimeout(ctx, broadcastWallClock)
	defer cancel()

	sent := false
	for addr, link := range links {
		if err := t.writeFrames(broadcastCtx, link, frames); err == nil {
			sent = true
		} else {
			t.store.incWriteError(addr)
			if errors.Is(err, ErrLinkClosed) {
				// A synchronously observed link death drives the same
				// transition an async adapter notification would (spec
				// §4.4 "* -> Disconnected"); the next scan can rediscover
				// the peer instead of fanOut silently retrying a dead link.
				t.onDisconnect(addr, err)
			}
		}
	}
	if sent {
		t.IncSent()
	} else {
		t.IncSendErrors()
	}
}

func (t *Transport) writeFrames(ctx context.Context, link Link, frames []string) error {
	for _, frame := range frames {
		writeCtx, cancel := context.WithTimeout(ctx, perWriteTimeout)
		err := link.WriteRX(writeCtx, []byte(frame))
		cancel()
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
