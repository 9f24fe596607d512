// Package translator runs the RDMA bootstrap for one or more collector ports
// and publishes the learned channels.
package translator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/yuuki/dtachannel/internal/bootstrap"
	"github.com/yuuki/dtachannel/internal/capture"
	"github.com/yuuki/dtachannel/internal/config"
	"github.com/yuuki/dtachannel/internal/metadata"
	"github.com/yuuki/dtachannel/internal/registry"
	"github.com/yuuki/dtachannel/internal/telemetry"
)

// Exit codes of the bootstrap binary.
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitTimeout   = 2
	ExitMalformed = 3
)

// Handle captures inbound frames and injects outbound ones on one interface.
// *pcap.Handle satisfies it.
type Handle interface {
	capture.Source
	capture.Sink
	Close()
}

// Opener opens a Handle on iface filtered to inbound UDP traffic to udpPort.
type Opener func(iface string, udpPort uint16) (Handle, error)

func openLive(iface string, udpPort uint16) (Handle, error) {
	handle, err := capture.OpenLive(iface, udpPort, 0, 0)
	if err != nil {
		return nil, err
	}
	return handle, nil
}

// Result is the outcome of the handshake to one port.
type Result struct {
	Port   uint16
	Dir    string
	Params bootstrap.ConnectionParameters
	Err    error
}

// Translator bootstraps RDMA channels to collectors
type Translator struct {
	ctx      context.Context
	cancel   context.CancelFunc
	config   *config.BootstrapConfig
	open     Opener
	registry *registry.ChannelRegistry
	metrics  *telemetry.Metrics
}

// New creates a new translator instance
func New(cfg *config.BootstrapConfig) (*Translator, error) {
	initLogging(cfg.LogLevel)

	if len(cfg.Ports) == 0 {
		return nil, fmt.Errorf("no collector port configured")
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Translator{
		ctx:    ctx,
		cancel: cancel,
		config: cfg,
		open:   openLive,
	}

	log.Debug().
		Str("translator_id", cfg.TranslatorID).
		Str("iface", cfg.Interface).
		Interface("ports", cfg.Ports).
		Msg("Translator instance created")
	return t, nil
}

// Start connects the optional metrics exporter and channel registry. Neither
// is required for a handshake, so failures are logged and skipped.
func (t *Translator) Start() error {
	if t.config.MetricsEnabled {
		metrics, err := telemetry.NewMetrics(t.ctx, "dta-bootstrap", t.config.TranslatorID, t.config.OtelCollectorAddr)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize metrics, continuing without metrics")
		} else {
			t.metrics = metrics
			log.Info().Str("collector_addr", t.config.OtelCollectorAddr).Msg("OpenTelemetry metrics initialized")
		}
	}

	if t.config.RegistryURI != "" {
		reg, err := registry.NewChannelRegistry(t.config.RegistryURI)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect channel registry, continuing without registry")
		} else {
			t.registry = reg
		}
	}
	return nil
}

// Stop releases the metrics exporter and registry connection
func (t *Translator) Stop() {
	t.cancel()

	if t.registry != nil {
		if err := t.registry.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close channel registry")
		}
	}

	if t.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.metrics.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown metrics")
		}
	}
}

// MetadataDir returns where the channel to port is persisted. A single
// configured port writes to the configured directory itself.
func (t *Translator) MetadataDir(port uint16) string {
	if len(t.config.Ports) == 1 {
		return t.config.Dir
	}
	return metadata.PortDir(t.config.Dir, port)
}

// BootstrapAll runs the handshakes to every configured port concurrently.
// Each handshake has its own handle and state machine. The returned error
// joins the failures of all ports.
func (t *Translator) BootstrapAll(ctx context.Context) ([]Result, error) {
	results := make([]Result, len(t.config.Ports))
	demux := len(t.config.Ports) > 1

	var wg sync.WaitGroup
	for i, port := range t.config.Ports {
		wg.Add(1)
		go func(i int, port uint16) {
			defer wg.Done()
			dir := t.MetadataDir(port)
			params, err := t.bootstrap(ctx, port, dir, demux)
			results[i] = Result{Port: port, Dir: dir, Params: params, Err: err}
		}(i, port)
	}
	wg.Wait()

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("port %d: %w", r.Port, r.Err))
		}
	}
	return results, errors.Join(errs...)
}

// Bootstrap performs the handshake to port and persists the channel under dir.
func (t *Translator) Bootstrap(ctx context.Context, port uint16, dir string) (bootstrap.ConnectionParameters, error) {
	return t.bootstrap(ctx, port, dir, false)
}

func (t *Translator) bootstrap(ctx context.Context, port uint16, dir string, demux bool) (bootstrap.ConnectionParameters, error) {
	ep := t.config.Endpoint

	handle, err := t.open(t.config.Interface, ep.DstPort)
	if err != nil {
		return bootstrap.ConnectionParameters{}, err
	}
	defer handle.Close()

	opts := bootstrap.DefaultOptions()
	opts.SrcIP = ep.SrcIP
	opts.DstIP = ep.DstIP
	opts.CAGUID = t.config.CAGUID
	m := bootstrap.NewMachine(port, opts)

	loop := capture.NewLoop(handle, handle, capture.Config{
		Endpoint:    ep,
		Window:      t.config.Window,
		StrictICRC:  t.config.StrictICRC,
		DemuxByPort: demux,
	})

	log.Info().
		Uint16("port", port).
		Str("iface", t.config.Interface).
		Dur("timeout", t.config.Timeout).
		Msg("Starting RDMA bootstrap")

	ctx, cancel := context.WithTimeout(ctx, t.config.Timeout)
	defer cancel()

	start := time.Now()
	runErr := loop.Run(ctx, m)
	elapsed := time.Since(start)

	stats := loop.Stats()
	log.Debug().
		Uint16("port", port).
		Uint64("frames", stats.Frames).
		Uint64("skipped", stats.Skipped).
		Uint64("icrc_mismatch", stats.ICRCMismatch).
		Uint64("sent", stats.Sent).
		Uint64("queue_overflow", stats.QueueOverflow).
		Msg("Capture loop finished")

	if t.metrics != nil {
		t.metrics.RecordHandshake(t.ctx, port, outcome(runErr), elapsed)
		t.metrics.RecordMisclassified(t.ctx, port, m.Misclassified())
		t.metrics.RecordICRCMismatch(t.ctx, port, stats.ICRCMismatch)
	}

	if runErr != nil {
		return bootstrap.ConnectionParameters{}, runErr
	}

	params, _ := m.Params()
	if err := metadata.Write(dir, params); err != nil {
		return params, fmt.Errorf("failed to persist channel metadata: %w", err)
	}

	if t.registry != nil {
		if err := t.registry.RegisterChannel(t.ctx, t.config.TranslatorID, port, params); err != nil {
			log.Warn().Err(err).Uint16("port", port).Msg("Failed to register channel")
		}
	}

	log.Info().
		Uint16("port", port).
		Str("dir", dir).
		Uint32("qpn", params.QueuePairNumber).
		Dur("elapsed", elapsed).
		Msg("RDMA channel ready")
	return params, nil
}

// Run bootstraps every configured port, stopping early on SIGINT or SIGTERM.
func (t *Translator) Run() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("Received signal, aborting bootstrap")
			t.cancel()
		case <-t.ctx.Done():
		}
	}()

	if err := t.Start(); err != nil {
		return err
	}
	defer t.Stop()

	_, err := t.BootstrapAll(t.ctx)
	return err
}

// ExitCode maps a bootstrap error to the process exit status. Malformed
// packets take precedence over timeouts when several ports failed.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, bootstrap.ErrMalformedConnectReply), errors.Is(err, bootstrap.ErrMalformedMetadata):
		return ExitMalformed
	case errors.Is(err, bootstrap.ErrTimeout):
		return ExitTimeout
	default:
		return ExitFailure
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return telemetry.OutcomeEstablished
	case errors.Is(err, bootstrap.ErrTimeout):
		return telemetry.OutcomeTimeout
	case errors.Is(err, bootstrap.ErrMalformedConnectReply), errors.Is(err, bootstrap.ErrMalformedMetadata):
		return telemetry.OutcomeMalformed
	default:
		return telemetry.OutcomeCanceled
	}
}

// initLogging initializes the logging configuration
func initLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}
