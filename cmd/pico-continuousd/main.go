// pico-continuousd -- continuous phone-proximity authentication daemon.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/godbus/dbus/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/pico-continuousd/pico-continuousd/internal/beacon"
	"github.com/pico-continuousd/pico-continuousd/internal/beaconpayload"
	"github.com/pico-continuousd/pico-continuousd/internal/channel"
	"github.com/pico-continuousd/pico-continuousd/internal/channel/rvp"
	"github.com/pico-continuousd/pico-continuousd/internal/channel/stream"
	"github.com/pico-continuousd/pico-continuousd/internal/confload"
	"github.com/pico-continuousd/pico-continuousd/internal/daemonconfig"
	"github.com/pico-continuousd/pico-continuousd/internal/handshake"
	"github.com/pico-continuousd/pico-continuousd/internal/ipc"
	"github.com/pico-continuousd/pico-continuousd/internal/lock"
	"github.com/pico-continuousd/pico-continuousd/internal/metrics"
	"github.com/pico-continuousd/pico-continuousd/internal/registry"
	"github.com/pico-continuousd/pico-continuousd/internal/session"
	"github.com/pico-continuousd/pico-continuousd/internal/token"
	appversion "github.com/pico-continuousd/pico-continuousd/internal/version"
)

// shutdownTimeout is the maximum time to wait for the metrics HTTP server
// to drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := daemonconfig.Load(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(daemonconfig.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("pico-continuousd starting",
		slog.String("version", appversion.Version),
		slog.String("bus_name", cfg.Bus.Name),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.Int("registry_capacity", cfg.Registry.Capacity),
	)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	deps, err := loadDaemonDeps(cfg, logger)
	if err != nil {
		logger.Error("failed to load on-disk credential store", slog.String("error", err.Error()))
		return 1
	}

	sessReg := registry.New(cfg.Registry.Capacity)
	loop := registry.NewServiceLoop(sessReg, logger)

	locker := &meteredLocker{inner: lock.New(cfg.Lock.Command, cfg.Lock.Args, logger), collector: collector}

	build := newSessionBuilder(cfg, deps, loop, locker, collector, logger)
	loadFileOverlay := func() ([]byte, error) { return confload.ConfigFileJSON(cfg.Confload.Dir) }
	svc := ipc.NewService(loop, build, loadFileOverlay, collector, logger)

	if err := runServers(cfg, loop, svc, reg, logger, *configPath, logLevel); err != nil {
		logger.Error("pico-continuousd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("pico-continuousd stopped")
	return 0
}

// daemonDeps holds the on-disk credential material a session build needs:
// the service's own signing key, the registered users keyed by name, and
// the beacon target address list. The beacon target file
// is read once and the resulting address set is then owned by every
// campaign for the life of the process, rather than re-read per session.
type daemonDeps struct {
	servicePub       []byte
	servicePriv      []byte
	users            map[string]confload.User
	bluetoothTargets []string
}

func loadDaemonDeps(cfg *daemonconfig.Config, logger *slog.Logger) (*daemonDeps, error) {
	pub, priv, err := confload.ServiceKeys(cfg.Confload.Dir)
	if err != nil {
		logger.Warn("service identity keypair unavailable, beacon payloads will not be signed",
			slog.String("error", err.Error()),
		)
	}

	users, err := confload.Users(cfg.Confload.Dir)
	if err != nil {
		return nil, fmt.Errorf("load users.txt: %w", err)
	}
	byName := make(map[string]confload.User, len(users))
	for _, u := range users {
		byName[u.Username] = u
	}

	targets, err := confload.BluetoothTargets(cfg.Confload.Dir)
	if err != nil {
		return nil, fmt.Errorf("load bluetooth.txt: %w", err)
	}

	return &daemonDeps{servicePub: pub, servicePriv: priv, users: byName, bluetoothTargets: targets}, nil
}

// noopBeaconDialer is the production placeholder for the out-of-band
// beacon transport: bluetooth.txt targets are BLE addresses, but
// no BLE/GATT library is available in this module's dependency surface
// (see DESIGN.md). It logs every locate/connect attempt instead of
// performing one, so BeaconEmitter's lifecycle (locate/connect/write/
// close, Stop semantics) still runs in full.
type noopBeaconDialer struct {
	logger *slog.Logger
}

func (d *noopBeaconDialer) Locate(ctx context.Context, target string) (bool, error) {
	d.logger.Debug("beacon locate (no radio backend configured)", slog.String("target", target))
	return true, nil
}

func (d *noopBeaconDialer) Connect(ctx context.Context, target string) (beacon.Writer, error) {
	d.logger.Debug("beacon connect (no radio backend configured)", slog.String("target", target))
	return noopBeaconWriter{logger: d.logger, target: target}, nil
}

type noopBeaconWriter struct {
	logger *slog.Logger
	target string
}

func (w noopBeaconWriter) Write(payload []byte) error {
	w.logger.Debug("beacon write (no radio backend configured)",
		slog.String("target", w.target), slog.Int("bytes", len(payload)))
	return nil
}

func (w noopBeaconWriter) Close() error { return nil }

// meteredLocker wraps a session.Locker to count every fired lock command,
// so the lock collaborator itself stays oblivious to metrics.
type meteredLocker struct {
	inner     session.Locker
	collector *metrics.Collector
}

func (l *meteredLocker) Lock(username string) {
	l.collector.IncLocks()
	l.inner.Lock(username)
}

// newSessionBuilder returns the ipc.Builder that constructs one
// session.Orchestrator per successful StartAuth, wiring its transport,
// beacon campaign, decryptor and lock collaborator from the daemon's
// loaded configuration and on-disk credential store.
func newSessionBuilder(
	cfg *daemonconfig.Config,
	deps *daemonDeps,
	loop *registry.ServiceLoop,
	locker session.Locker,
	collector *metrics.Collector,
	logger *slog.Logger,
) ipc.Builder {
	beaconDialer := &noopBeaconDialer{logger: logger}

	allowedUsers := make([]string, 0, len(deps.users))
	for name := range deps.users {
		allowedUsers = append(allowedUsers, name)
	}

	return func(user, ownerTag string, sessCfg session.Config) (registry.Entry, registry.StartCode, error) {
		// A session whose overlay left timeout_seconds at 0 inherits the
		// daemon-wide default; an overlay that set any positive value wins.
		if sessCfg.TimeoutSecs == 0 && cfg.Registry.DefaultTimeout > 0 {
			sessCfg.TimeoutSecs = int(cfg.Registry.DefaultTimeout.Seconds())
		}

		newChannel, err := newChannelForType(sessCfg)
		if err != nil {
			return nil, registry.StartConfigMalformed, err
		}

		if !session.MatchesFilter(sessCfg, user, allowedUsers) {
			return nil, registry.StartFilterEmpty, session.ErrFilterEmpty
		}

		decrypt := newDecryptor(user, deps.users, logger)

		// onTransportError stops the very orchestrator it is attached to:
		// a fatal transport error is this session's own end-of-life, not
		// something the registry needs a handle to act on. o is assigned
		// below, after NewOrchestrator returns; the closure only reads it
		// once a channel event fires, which cannot happen before the
		// service loop's deferred StartSession opens the transport.
		var o *session.Orchestrator
		onTransportError := func(err error) {
			collector.RecordTransportError("fatal")
			if o != nil {
				o.Stop()
			}
		}

		o = session.NewOrchestrator(
			user, ownerTag, targetKey(user, deps.users),
			sessCfg,
			newChannel,
			handshake.NewFake(handshake.OutcomeHang, nil, nil), // the real Pico handshake protocol plugs in here; none ships in this build
			decrypt,
			locker,
			onTransportError,
			logger,
		)

		// The payload func serves double duty: it builds the invitation
		// code every StartAuth reply carries, and the campaign payload
		// when beacons are enabled. Without a signing key there is
		// nothing trustworthy to advertise, so neither is produced.
		if deps.servicePriv != nil {
			o.AttachBeacon(beaconDialer, deps.bluetoothTargets, newPayloadFunc(deps.servicePriv))
		}

		// The session is primed, not started: the service loop invokes
		// StartSession only after it has secured a registry slot, so a
		// capacity rejection never opens the transport or arms timers.
		o.Prime(context.Background(), allowedUsers)

		return &meteredSession{
			Orchestrator: o,
			channelType:  string(sessCfg.ChannelType),
			collector:    collector,
		}, registry.StartOK, nil
	}
}

// meteredSession defers the orchestrator's start to the service loop's
// post-allocation hook and records session metrics only around a start
// that actually succeeded.
type meteredSession struct {
	*session.Orchestrator
	channelType string
	collector   *metrics.Collector
}

func (m *meteredSession) StartSession() (registry.StartCode, error) {
	code, err := m.Orchestrator.StartSession()
	if err != nil || code != registry.StartOK {
		return code, err
	}
	m.collector.RegisterSession(m.channelType)
	go func() {
		<-m.Done()
		m.collector.UnregisterSession(m.channelType)
	}()
	return code, nil
}

// newPayloadFunc closes over the service's ed25519 private key to sign a
// beacon payload advertising address.
func newPayloadFunc(servicePriv []byte) session.PayloadFunc {
	return func(address string) ([]byte, error) {
		return beaconpayload.Sign(servicePriv, "pico-continuousd", address)
	}
}

// newDecryptor builds a session.Decryptor bound to user's symmetric key, if
// known. An unknown user always fails to decrypt, which the orchestrator
// already treats as non-fatal (empty token, reply still succeeds).
func newDecryptor(user string, users map[string]confload.User, logger *slog.Logger) session.Decryptor {
	u, ok := users[user]
	if !ok {
		return func([]byte) ([]byte, error) {
			return nil, fmt.Errorf("pico-continuousd: no registered symmetric key for user %q", user)
		}
	}
	key := u.Symmetric
	return func(ciphertext []byte) ([]byte, error) {
		return token.Decrypt(key, ciphertext)
	}
}

// targetKey identifies the paired device a user authenticates with, for
// registry.Key's duplicate-continuing-session detection (StopSimilar). A
// user's Pico public key is a stable per-device identifier; an unknown
// user (any_user mode, not yet resolved at session-build time) falls back
// to the username itself.
func targetKey(user string, users map[string]confload.User) string {
	if u, ok := users[user]; ok {
		return hex.EncodeToString(u.PicoKey)
	}
	return user
}

func newChannelForType(cfg session.Config) (channel.NewChannelFunc, error) {
	switch cfg.ChannelType {
	case session.ChannelTypeRvp:
		return rvp.New(cfg.RvpURLPrefix, &http.Client{Timeout: 30 * time.Second}), nil
	case session.ChannelTypeStream:
		return stream.New, nil
	case session.ChannelTypeAttr:
		return nil, errors.New("pico-continuousd: attr channel requires a radio driver not available in this build")
	default:
		return nil, fmt.Errorf("pico-continuousd: unknown channel_type %q", cfg.ChannelType)
	}
}

// runServers runs the D-Bus IPC server, the metrics HTTP server, the
// service loop, the systemd watchdog and SIGHUP log-level reload under one
// errgroup with a signal-aware context.
func runServers(
	cfg *daemonconfig.Config,
	loop *registry.ServiceLoop,
	svc *ipc.Service,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
) error {
	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		loop.Run(gCtx)
		return nil
	})

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("connect system bus: %w", err)
	}
	defer conn.Close()

	ipcSrv := ipc.NewServer(conn, cfg.Bus.Name, dbus.ObjectPath(cfg.Bus.ObjectPath), loop, svc, logger)
	g.Go(func() error {
		logger.Info("D-Bus IPC server listening", slog.String("bus_name", cfg.Bus.Name))
		return ipcSrv.Serve(gCtx)
	})

	g.Go(func() error {
		logger.Info("metrics server listening", slog.String("addr", cfg.Metrics.Addr), slog.String("path", cfg.Metrics.Path))
		return listenAndServe(gCtx, metricsSrv)
	})

	startDaemonGoroutines(gCtx, g, configPath, logLevel, logger)

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, loop, logger, metricsSrv)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

func startDaemonGoroutines(ctx context.Context, g *errgroup.Group, configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, logger)
		return nil
	})
}

// --- systemd integration -------------------------------------------------

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", wdErr.Error()))
			}
		}
	}
}

// --- SIGHUP reload: log level only --------------------------------------
//
// Sessions are created per StartAuth call, not reconciled from a static
// list; a SIGHUP reload has nothing to reconcile beyond the dynamic log
// level.

func handleSIGHUP(ctx context.Context, sigHUP <-chan os.Signal, configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadLogLevel(configPath, logLevel, logger)
		}
	}
}

func reloadLogLevel(configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	newCfg, err := daemonconfig.Load(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings", slog.String("error", err.Error()))
		return
	}
	oldLevel := logLevel.Level()
	newLevel := daemonconfig.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)
	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)
}

// --- graceful shutdown ---------------------------------------------------

func gracefulShutdown(ctx context.Context, loop *registry.ServiceLoop, logger *slog.Logger, metricsSrv *http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	loop.Exit()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	return nil
}

// --- HTTP plumbing --------------------------------------------------------

func newLoggerWithLevel(cfg daemonconfig.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func newMetricsServer(cfg daemonconfig.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func listenAndServe(ctx context.Context, srv *http.Server) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", srv.Addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", srv.Addr, err)
	}
	return nil
}
