// Command bridge runs the local research-hardware bridge process: it
// starts the loopback WebSocket control channel, registers every supported
// device driver, and serves an optional Prometheus metrics endpoint,
// following the predecessor's graceful-shutdown main pattern.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/m0rjc/research-bridge/internal/clock"
	"github.com/m0rjc/research-bridge/internal/config"
	"github.com/m0rjc/research-bridge/internal/device"
	"github.com/m0rjc/research-bridge/internal/device/kernel"
	"github.com/m0rjc/research-bridge/internal/device/lsl"
	"github.com/m0rjc/research-bridge/internal/device/mock"
	"github.com/m0rjc/research-bridge/internal/device/pupil"
	"github.com/m0rjc/research-bridge/internal/device/ttl"
	"github.com/m0rjc/research-bridge/internal/eventbus"
	"github.com/m0rjc/research-bridge/internal/logging"
	"github.com/m0rjc/research-bridge/internal/metrics"
	"github.com/m0rjc/research-bridge/internal/protocol"
	"github.com/m0rjc/research-bridge/internal/registry"
	"github.com/m0rjc/research-bridge/internal/router"
	"github.com/m0rjc/research-bridge/internal/server"
	"github.com/m0rjc/research-bridge/internal/supervisor"
	"github.com/m0rjc/research-bridge/internal/wsserver"
)

func main() {
	logging.InitLogger()
	slog.Info("bridge.starting", "component", "main", "event", "startup")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("bridge.config_failed", "component", "main", "event", "startup.error", "error", err)
		os.Exit(1)
	}

	devDoc, err := config.LoadDevices()
	if err != nil {
		slog.Warn("bridge.device_config_load_failed", "component", "main", "event", "startup.warn", "error", err)
	}

	clk := clock.Real{}
	store := newConfigStore(devDoc)

	bus := eventbus.New(clk)
	reg := registry.New(bus)
	mx := metrics.New(clk)

	registerAndFanOut(reg, bus, protocol.DeviceTTL, ttl.New(clk, nil, nil))
	registerAndFanOut(reg, bus, protocol.DeviceKernel, kernel.New(clk, nil))
	registerAndFanOut(reg, bus, protocol.DevicePupil, pupil.New(nil))
	registerAndFanOut(reg, bus, protocol.DeviceLSL, lsl.New(clk, nil, nil))
	registerAndFanOut(reg, bus, protocol.DeviceMock, mock.New(clk))

	sup := supervisor.New(
		func(ctx context.Context, id protocol.DeviceID) error {
			cfg, ok := store.get(id)
			if !ok {
				return nil
			}
			return reg.With(id, func(d device.Driver) error {
				return d.Connect(ctx, cfg)
			})
		},
		func(id protocol.DeviceID) bool {
			return store.autoReconnect(id)
		},
	)

	r := router.New(reg, bus, mx, sup, clk)
	r.OnConfigChange = store.save

	ws := wsserver.New(r, bus)

	controlSrv := server.NewControlServer(&cfg.Server, ws)
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = server.NewMetricsServer(&cfg.Metrics)
	}

	listener, err := wsserver.Listen(controlSrv.Addr)
	if err != nil {
		slog.Error("bridge.listen_failed", "component", "main", "event", "startup.error", "error", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("bridge.control_listening", "component", "main", "event", "startup.listen", "addr", controlSrv.Addr)
		if err := controlSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("bridge.control_server_error", "component", "main", "event", "runtime.error", "error", err)
		}
	}()

	if metricsSrv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("bridge.metrics_listening", "component", "main", "event", "startup.listen", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("bridge.metrics_server_error", "component", "main", "event", "runtime.error", "error", err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("bridge.shutting_down", "component", "main", "event", "shutdown.start")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ws.Shutdown(shutdownCtx)
	reg.DisconnectAll(shutdownCtx)

	if err := controlSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("bridge.control_shutdown_error", "component", "main", "event", "shutdown.error", "error", err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("bridge.metrics_shutdown_error", "component", "main", "event", "shutdown.error", "error", err)
		}
	}

	wg.Wait()
	slog.Info("bridge.exited", "component", "main", "event", "shutdown.complete")
}

// registerAndFanOut registers d under id and starts a goroutine forwarding
// every unsolicited DataEvent it produces onto the broadcast bus, so the
// driver's inbound reader task actually reaches subscribed sessions (§2
// data flow: "the driver's inbound task... may publish unsolicited
// status/data envelopes on the broadcast bus"). One fan-out goroutine runs
// per registered device for the life of the process, same as the
// supervisor's per-device reconnect tasks.
func registerAndFanOut(reg *registry.Registry, bus *eventbus.Bus, id protocol.DeviceID, d device.Driver) {
	reg.Register(id, d)
	go func() {
		for evt := range d.Events() {
			bus.PublishData(id, evt.Payload)
		}
	}()
}

// configStore tracks the last-known-good Config for each device, seeded
// from the persisted document at startup and updated (and re-persisted) on
// every successful connect/configure, so the supervisor's reconnect
// closure and a future process restart both see the latest settings.
type configStore struct {
	mu  sync.Mutex
	cfg map[protocol.DeviceID]device.Config
	doc config.DeviceDocument
}

func newConfigStore(doc config.DeviceDocument) *configStore {
	s := &configStore{cfg: map[protocol.DeviceID]device.Config{}, doc: doc}
	if doc.TTL != nil {
		s.cfg[protocol.DeviceTTL] = device.Config{Kind: device.KindTTL, TTL: *doc.TTL}
	}
	if doc.Kernel != nil {
		s.cfg[protocol.DeviceKernel] = device.Config{Kind: device.KindKernel, Kernel: *doc.Kernel}
	}
	if doc.Pupil != nil {
		s.cfg[protocol.DevicePupil] = device.Config{Kind: device.KindPupil, Pupil: *doc.Pupil}
	}
	if doc.LSL != nil {
		s.cfg[protocol.DeviceLSL] = device.Config{Kind: device.KindLSL, LSL: *doc.LSL}
	}
	return s
}

func (s *configStore) get(id protocol.DeviceID) (device.Config, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.cfg[id]
	return cfg, ok
}

// autoReconnect reports whether id's persisted config declares
// auto_reconnect; only the Kernel driver exposes this setting (§4.7, §9
// "TTL supervisor does not automatically reconnect").
func (s *configStore) autoReconnect(id protocol.DeviceID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.cfg[id]
	if !ok {
		return false
	}
	if cfg.Kind == device.KindKernel {
		return cfg.Kernel.AutoReconnect
	}
	return false
}

func (s *configStore) save(id protocol.DeviceID, cfg device.Config) {
	s.mu.Lock()
	s.cfg[id] = cfg
	switch cfg.Kind {
	case device.KindTTL:
		ttlCfg := cfg.TTL
		s.doc.TTL = &ttlCfg
	case device.KindKernel:
		kernelCfg := cfg.Kernel
		s.doc.Kernel = &kernelCfg
	case device.KindPupil:
		pupilCfg := cfg.Pupil
		s.doc.Pupil = &pupilCfg
	case device.KindLSL:
		lslCfg := cfg.LSL
		s.doc.LSL = &lslCfg
	}
	doc := s.doc
	s.mu.Unlock()

	if err := config.SaveDevices(doc); err != nil {
		slog.Warn("bridge.device_config_save_failed",
			"component", "main",
			"event", "config.save_error",
			"device", string(id),
			"error", err,
		)
	}
}
