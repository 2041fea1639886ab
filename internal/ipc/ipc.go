// Package ipc exposes the daemon's StartAuth/CompleteAuth/Exit surface
// over D-Bus, and feeds the bus daemon's NameOwnerChanged signal into
// ServiceLoop.SignalOwnerLost so the sessions of a caller that drops off
// the bus are stopped and removed.
package ipc

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"

	"github.com/pico-continuousd/pico-continuousd/internal/metrics"
	"github.com/pico-continuousd/pico-continuousd/internal/registry"
	"github.com/pico-continuousd/pico-continuousd/internal/session"
)

const interfaceName = "com.pico.ContinuousAuth1"

// Builder constructs the registry.Entry for a StartAuth call once its
// parameters have been overlaid into a session.Config. ownerTag identifies
// the calling bus connection (its unique name) so OwnerLost can find this
// session again later. The returned StartCode follows registry.StartCode:
// anything other than registry.StartOK means the caller gets no session.
type Builder func(user, ownerTag string, cfg session.Config) (registry.Entry, registry.StartCode, error)

// ConfigFileLoader reads the on-disk caller-independent config overlay
// (config.txt). A missing file is not an error.
type ConfigFileLoader func() ([]byte, error)

// Service implements the exported D-Bus methods. It is exported under the
// object path daemonconfig.BusConfig.ObjectPath, with the fully-qualified
// method names "com.pico.ContinuousAuth1.StartAuth" and so on.
type Service struct {
	loop       *registry.ServiceLoop
	build      Builder
	loadConfig ConfigFileLoader
	collector  *metrics.Collector
	logger     *slog.Logger
}

// NewService builds the exported D-Bus method handler. build constructs
// sessions; loadConfig supplies the on-disk config.txt overlay applied
// under the per-call caller parameters (session.Overlay's file layer).
// collector may be nil, in which case this service simply does not record
// metrics.
func NewService(loop *registry.ServiceLoop, build Builder, loadConfig ConfigFileLoader, collector *metrics.Collector, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{loop: loop, build: build, loadConfig: loadConfig, collector: collector, logger: logger.With(slog.String("component", "ipc"))}
}

// startCodeString names a registry.StartCode for logging.
func startCodeString(code registry.StartCode) string {
	switch code {
	case registry.StartOK:
		return "ok"
	case registry.StartFilterEmpty:
		return "FilterEmpty"
	case registry.StartRegistryExhausted:
		return "RegistryExhausted"
	case registry.StartConfigMalformed:
		return "ConfigMalformed"
	default:
		return "Unknown"
	}
}

// StartAuth is the D-Bus method com.pico.ContinuousAuth1.StartAuth. The
// dbus.Sender parameter is filled in by godbus with the caller's unique bus
// name, which becomes this session's OwnerTag (registry.Entry.OwnerTag) so
// a later NameOwnerChanged for that name can find and stop it. The reply's
// code string is the session's signed invitation payload, ready to render
// as a QR code; on failure it is empty.
func (s *Service) StartAuth(user, parameters string, sender dbus.Sender) (int32, string, bool, *dbus.Error) {
	ownerTag := string(sender)
	callerJSON := []byte(parameters)

	factory := func(u string, paramsJSON []byte) (registry.Entry, registry.StartCode, error) {
		fileJSON, err := s.loadFileOverlay()
		if err != nil {
			s.logger.Warn("config file overlay unreadable, proceeding without it", slog.Any("err", err))
			fileJSON = nil
		}
		cfg, err := session.Overlay(fileJSON, paramsJSON)
		if err != nil {
			return nil, registry.StartConfigMalformed, err
		}
		return s.build(u, ownerTag, cfg)
	}

	handle, qrCode, code := s.loop.StartAuth(user, callerJSON, factory)
	if code != registry.StartOK {
		if code == registry.StartRegistryExhausted && s.collector != nil {
			s.collector.IncRegistryFull()
		}
		s.logger.Warn("StartAuth rejected",
			slog.String("user", user),
			slog.String("reason", startCodeString(code)))
		return -1, "", false, nil
	}
	return int32(handle), qrCode, true, nil
}

func (s *Service) loadFileOverlay() ([]byte, error) {
	if s.loadConfig == nil {
		return nil, nil
	}
	return s.loadConfig()
}

// CompleteAuth is the D-Bus method com.pico.ContinuousAuth1.CompleteAuth.
// It blocks at the IPC layer until the session identified by handle has a
// result. A negative handle replies ("", "", false) without touching the
// registry; an unknown handle gets the same reply from the service loop.
func (s *Service) CompleteAuth(handle int32) (string, string, bool, *dbus.Error) {
	if handle < 0 {
		return "", "", false, nil
	}
	user, token, success := s.loop.CompleteAuth(context.Background(), registry.Handle(handle))
	if s.collector != nil {
		if success {
			s.collector.RecordAuthResult("success")
		} else {
			s.collector.RecordAuthResult("failure")
		}
	}
	return user, string(token), success, nil
}

// Exit is the D-Bus method com.pico.ContinuousAuth1.Exit. It stops every
// live session and shuts the service loop down; the caller is not expected
// to issue further calls afterward.
func (s *Service) Exit() *dbus.Error {
	s.loop.Exit()
	return nil
}

// Server owns the D-Bus connection: it exports Service, claims the
// well-known bus name, and relays org.freedesktop.DBus's NameOwnerChanged
// signal into loop.SignalOwnerLost whenever a bus name loses its owner.
type Server struct {
	conn       *dbus.Conn
	busName    string
	objectPath dbus.ObjectPath
	loop       *registry.ServiceLoop
	svc        *Service
	logger     *slog.Logger
}

// NewServer wires svc onto conn at objectPath and prepares to claim
// busName once Serve runs. conn is expected to already be connected (e.g.
// via dbus.ConnectSystemBus or dbus.SessionBus).
func NewServer(conn *dbus.Conn, busName string, objectPath dbus.ObjectPath, loop *registry.ServiceLoop, svc *Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		conn:       conn,
		busName:    busName,
		objectPath: objectPath,
		loop:       loop,
		svc:        svc,
		logger:     logger.With(slog.String("component", "ipc-server")),
	}
}

// Serve exports the service, claims its well-known name, and subscribes to
// NameOwnerChanged until ctx is cancelled or the service loop exits. The
// daemon holds at most one well-known name; failing to claim busName (or
// losing it to another owner) stops Serve and, through the errgroup in
// main, the whole daemon.
func (srv *Server) Serve(ctx context.Context) error {
	if err := srv.conn.Export(srv.svc, srv.objectPath, interfaceName); err != nil {
		return fmt.Errorf("ipc: export service: %w", err)
	}

	reply, err := srv.conn.RequestName(srv.busName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("ipc: request name %s: %w", srv.busName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("ipc: bus name %s already owned", srv.busName)
	}

	if err := srv.conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
	); err != nil {
		return fmt.Errorf("ipc: subscribe NameOwnerChanged: %w", err)
	}

	signals := make(chan *dbus.Signal, 32)
	srv.conn.Signal(signals)
	defer srv.conn.RemoveSignal(signals)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-srv.loop.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			if sig.Name == "org.freedesktop.DBus.NameLost" && len(sig.Body) == 1 && sig.Body[0] == srv.busName {
				return fmt.Errorf("ipc: lost bus name %s", srv.busName)
			}
			srv.handleSignal(sig)
		}
	}
}

func (srv *Server) handleSignal(sig *dbus.Signal) {
	if sig.Name != "org.freedesktop.DBus.NameOwnerChanged" {
		return
	}
	if len(sig.Body) != 3 {
		return
	}
	name, _ := sig.Body[0].(string)
	newOwner, _ := sig.Body[2].(string)
	if name == "" || newOwner != "" {
		return
	}
	srv.logger.Info("owner lost", slog.String("name", name))
	srv.loop.SignalOwnerLost(name)
}
