package node

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/suvijya/sonicnet/mesh"
)

// DefaultUploadTimeout bounds a single upload POST (spec §5).
const DefaultUploadTimeout = 10 * time.Second

// UploaderConfig configures the periodic best-effort uploader.
type UploaderConfig struct {
	APIURL   string
	Interval time.Duration
	Timeout  time.Duration
}

func (c UploaderConfig) withDefaults() UploaderConfig {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultUploadTimeout
	}
	return c
}

// ServerUploader periodically snapshots cached packets and POSTs them to
// SERVER_API_URL, removing from the cache on HTTP 200 and leaving them
// for the next cycle otherwise (spec §4.10). Grounded on the teacher's
// *RPCNodeClient pattern (bounded-timeout *http.Client as a struct
// field) — wrapped in otelhttp so upload attempts carry the node's
// trace context like every other outbound call in the stack.
type ServerUploader struct {
	cfg     UploaderConfig
	manager *mesh.Manager
	client  *http.Client
	logger  *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServerUploader constructs an uploader. If cfg.APIURL is empty the
// uploader runs its loop but every cycle is a no-op, matching "uploads
// are best-effort" without requiring callers to conditionally omit it.
func NewServerUploader(cfg UploaderConfig, manager *mesh.Manager, logger *slog.Logger) *ServerUploader {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &ServerUploader{
		cfg:     cfg,
		manager: manager,
		logger:  logger,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Start spawns the upload loop.
func (u *ServerUploader) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	u.cancel = cancel
	u.wg.Add(1)
	go u.run(runCtx)
	return nil
}

// Stop cancels the upload loop and waits for it to unwind.
func (u *ServerUploader) Stop() {
	if u.cancel != nil {
		u.cancel()
	}
	u.wg.Wait()
}

func (u *ServerUploader) run(ctx context.Context) {
	defer u.wg.Done()
	ticker := time.NewTicker(u.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.uploadOnce(ctx)
		}
	}
}

// uploadOnce snapshots the entire packet cache and attempts to upload
// each entry; failures are logged and retried next cycle, never
// propagated (spec §4.10, §7 "upload failure").
func (u *ServerUploader) uploadOnce(ctx context.Context) {
	if u.cfg.APIURL == "" {
		return
	}
	for _, p := range u.manager.CachedPackets() {
		data, err := p.Encode()
		if err != nil {
			u.logger.Warn("uploader: encode failed", "packet_id", p.PacketID, "error", err)
			continue
		}
		if u.postOnce(ctx, data) {
			u.manager.RemovePacket(p.PacketID)
		}
	}
}

func (u *ServerUploader) postOnce(ctx context.Context, body []byte) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		u.logger.Warn("uploader: build request failed", "error", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		u.logger.Debug("uploader: post failed", "error", err)
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
