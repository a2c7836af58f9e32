// Command sonicnetd runs a single SonicNet mesh node: it loads its
// configuration, brings up whichever transports are available on this
// host, and serves the mesh until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/suvijya/sonicnet/config"
	"github.com/suvijya/sonicnet/mesh"
	"github.com/suvijya/sonicnet/node"
	"github.com/suvijya/sonicnet/observability/logging"
	telemetry "github.com/suvijya/sonicnet/observability/otel"
	"github.com/suvijya/sonicnet/packet"
	"github.com/suvijya/sonicnet/transport"
	"github.com/suvijya/sonicnet/transport/acoustic"
	"github.com/suvijya/sonicnet/transport/udp"
)

func main() {
	configFile := flag.String("config", "./sonicnet.toml", "path to the node's configuration file")
	metricsAddr := flag.String("metrics-addr", ":9464", "address to serve /metrics and /healthz on")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("SONICNET_ENV"))
	logger := logging.Setup("sonicnetd", env)

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "sonicnetd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		logger.Error("failed to initialise telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}
	logger = logger.With("node_id", cfg.NodeID)

	packet.SetTTLTable(packet.TTLTable{
		Critical: cfg.TTLCritical,
		High:     cfg.TTLHigh,
		Medium:   cfg.TTLMedium,
		Low:      cfg.TTLLow,
	})

	manager := mesh.New(mesh.Config{
		CacheLimit:   cfg.PacketCacheLimit,
		CacheTTL:     cfg.CacheTTL(),
		MaxPerMinute: cfg.MaxPacketsPerMinute,
	}, nil)

	queue := transport.NewInboundQueue(transport.DefaultCapacity)
	defer queue.Close()

	uploader := node.NewServerUploader(node.UploaderConfig{
		APIURL:   cfg.ServerAPIURL,
		Interval: cfg.UploadInterval(),
	}, manager, logger)

	coordinator := node.New(node.Config{
		SelfID:            cfg.NodeID,
		HeartbeatInterval: cfg.HeartbeatPeriod(),
	}, manager, queue, uploader, logger)

	// UDP multicast is always available; it only needs a local socket.
	udpCfg := udp.Config{Group: cfg.UDPMulticastGroup, Port: cfg.UDPPort}
	coordinator.AddMedium(&node.Medium{
		Tag:      transport.TagUDP,
		Sender:   udp.NewSender(udpCfg, cfg.NodeID, logger),
		Receiver: udp.NewReceiver(udpCfg, cfg.NodeID, queue, logger),
	})

	// Acoustic (ggwave-style) depends on an audio device being present;
	// it is wired in and allowed to fail independently at Start (spec §7
	// "medium unavailable at startup").
	coordinator.AddMedium(&node.Medium{
		Tag: transport.TagAcoustic,
		Sender: acoustic.New(acoustic.Config{
			SampleRate:      cfg.GGWaveSampleRate,
			SamplesPerFrame: cfg.GGWaveSamplesPerFrame,
			Volume:          cfg.GGWaveVolume,
		}, cfg.NodeID, queue, logger),
	})

	// BLE requires a platform GATT binding this repository does not
	// ship (spec §1 places the BLE stack out of scope beyond its wire
	// protocol); without one, the medium is simply not registered, which
	// is observably identical to a medium that failed to start.
	logger.Info("ble medium not registered: no platform GATT adapter available")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := coordinator.Start(ctx); err != nil {
		logger.Error("failed to start coordinator", "error", err)
		os.Exit(1)
	}
	defer coordinator.Stop()

	go serveMetrics(*metricsAddr, logger)

	logger.Info("sonicnetd initialised and running", "udp_group", cfg.UDPMulticastGroup, "udp_port", cfg.UDPPort)
	<-ctx.Done()
	logger.Info("shutting down")
}

func serveMetrics(addr string, logger interface {
	Warn(msg string, args ...any)
}) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server stopped", "error", err)
	}
}
