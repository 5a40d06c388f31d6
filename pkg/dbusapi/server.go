// Package dbusapi serves the resource manager on the D-Bus system (or
// session) bus. Every live resource is exported as an object whose path
// carries the owning uid and the resource id.
package dbusapi

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fpemud/virt-service/pkg/manager"
	"github.com/fpemud/virt-service/pkg/types"
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/sirupsen/logrus"
)

const (
	BusName          = "org.fpemud.VirtService"
	Interface        = "org.fpemud.VirtService"
	ResSetInterface  = Interface + ".VmResSet"
	VMInterface      = Interface + ".VirtMachine"
	NetworkInterface = Interface + ".Network"

	RootPath = dbus.ObjectPath("/org/fpemud/VirtService")

	busInterface = "org.freedesktop.DBus"

	// goneRetention is how long a vanished caller is remembered so that
	// calls it sent before leaving are refused
	goneRetention = 5 * time.Minute
)

// ResSetPath is the object path of a resource set
func ResSetPath(uid, sid uint32) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("%s/%d/VmResSets/%d", RootPath, uid, sid))
}

// VMPath is the object path of a vm attachment
func VMPath(uid, vmid uint32) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("%s/%d/VirtMachines/%d", RootPath, uid, vmid))
}

// NetworkPath is the object path of a network
func NetworkPath(uid, nid uint32) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("%s/%d/Networks/%d", RootPath, uid, nid))
}

// exporter is the part of *dbus.Conn used to publish objects
type exporter interface {
	Export(v interface{}, path dbus.ObjectPath, iface string) error
}

// Config wires a Server
type Config struct {
	Manager *manager.Manager
	// Run executes fn on the daemon's event loop
	Run func(fn func() error) error
	// Gone is called from the signal goroutine when a client disconnects
	Gone   func(id types.CallerID)
	Logger *logrus.Logger
}

// Server exports the service objects and turns bus calls into manager
// operations
type Server struct {
	conn      *dbus.Conn
	exp       exporter
	lookupUID func(sender string) (uint32, error)
	mgr       *manager.Manager
	run       func(fn func() error) error
	gone      func(id types.CallerID)
	logger    *logrus.Logger

	signals chan *dbus.Signal
	wg      sync.WaitGroup

	mu       sync.Mutex
	departed map[types.CallerID]time.Time
}

// New creates a server on conn. Call Start to publish it.
func New(conn *dbus.Conn, cfg Config) *Server {
	s := newServer(conn, cfg)
	s.conn = conn
	s.lookupUID = func(sender string) (uint32, error) {
		var uid uint32
		err := conn.BusObject().Call(busInterface+".GetConnectionUnixUser", 0, sender).Store(&uid)
		if err != nil {
			return 0, fmt.Errorf("failed to resolve uid of %s: %w", sender, err)
		}
		return uid, nil
	}
	return s
}

func newServer(exp exporter, cfg Config) *Server {
	s := &Server{
		exp:      exp,
		mgr:      cfg.Manager,
		run:      cfg.Run,
		gone:     cfg.Gone,
		logger:   cfg.Logger,
		departed: make(map[types.CallerID]time.Time),
	}
	if s.logger == nil {
		s.logger = logrus.New()
		s.logger.SetLevel(logrus.GetLevel())
	}
	if s.run == nil {
		s.run = func(fn func() error) error { return fn() }
	}
	return s
}

// Start subscribes to client disconnects, exports the root object and
// claims the well-known name
func (s *Server) Start() error {
	if err := s.conn.AddMatchSignal(
		dbus.WithMatchSender(busInterface),
		dbus.WithMatchInterface(busInterface),
		dbus.WithMatchMember("NameOwnerChanged"),
	); err != nil {
		return fmt.Errorf("failed to watch NameOwnerChanged: %w", err)
	}
	s.signals = make(chan *dbus.Signal, 64)
	s.conn.Signal(s.signals)
	s.wg.Add(1)
	go s.watch()

	if err := s.export(&service{srv: s}, RootPath, Interface); err != nil {
		return err
	}

	reply, err := s.conn.RequestName(BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("failed to request name %s: %w", BusName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("name %s already taken", BusName)
	}

	s.logger.WithField("name", BusName).Info("Bus service started")
	return nil
}

// Close stops watching signals and releases the name
func (s *Server) Close() error {
	if s.signals != nil {
		s.conn.RemoveSignal(s.signals)
		close(s.signals)
		s.wg.Wait()
		s.signals = nil
	}
	if _, err := s.conn.ReleaseName(BusName); err != nil {
		return fmt.Errorf("failed to release name %s: %w", BusName, err)
	}
	return nil
}

func (s *Server) watch() {
	defer s.wg.Done()
	for sig := range s.signals {
		s.handleSignal(sig)
	}
}

// handleSignal marks a vanished caller before its cleanup is queued.
// Calls from it that reach the loop afterwards are refused.
func (s *Server) handleSignal(sig *dbus.Signal) {
	id, ok := callerGone(sig)
	if !ok {
		return
	}
	s.logger.WithField("caller", id).Debug("Client disconnected")
	s.markDeparted(id, time.Now())
	if s.gone != nil {
		s.gone(id)
	}
}

func (s *Server) markDeparted(id types.CallerID, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c, at := range s.departed {
		if now.Sub(at) > goneRetention {
			delete(s.departed, c)
		}
	}
	s.departed[id] = now
}

func (s *Server) hasDeparted(id types.CallerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.departed[id]
	return ok
}

// callerGone reports the unique name whose owner vanished, if sig says so
func callerGone(sig *dbus.Signal) (types.CallerID, bool) {
	if sig == nil || sig.Name != busInterface+".NameOwnerChanged" || len(sig.Body) != 3 {
		return "", false
	}
	name, _ := sig.Body[0].(string)
	newOwner, _ := sig.Body[2].(string)
	if !strings.HasPrefix(name, ":") || newOwner != "" {
		return "", false
	}
	return types.CallerID(name), true
}

// export publishes v and its introspection data at path
func (s *Server) export(v interface{}, path dbus.ObjectPath, iface string) error {
	if err := s.exp.Export(v, path, iface); err != nil {
		return fmt.Errorf("failed to export %s: %w", path, err)
	}
	node := &introspect.Node{
		Name: string(path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{Name: iface, Methods: introspect.Methods(v)},
		},
	}
	if err := s.exp.Export(introspect.NewIntrospectable(node), path, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("failed to export introspection for %s: %w", path, err)
	}
	return nil
}

func (s *Server) unexport(path dbus.ObjectPath, iface string) {
	if err := s.exp.Export(nil, path, iface); err != nil {
		s.logger.WithError(err).Warnf("Failed to unexport %s", path)
	}
	if err := s.exp.Export(nil, path, "org.freedesktop.DBus.Introspectable"); err != nil {
		s.logger.WithError(err).Warnf("Failed to unexport introspection for %s", path)
	}
}

// ObjectAdded publishes a new resource. It runs on the event loop.
func (s *Server) ObjectAdded(o manager.Object) {
	var err error
	switch o.Type {
	case types.ResourceSet:
		err = s.export(&resSet{srv: s, uid: o.UID, sid: o.ID}, ResSetPath(o.UID, o.ID), ResSetInterface)
	case types.ResourceVM:
		err = s.export(&virtMachine{srv: s, uid: o.UID, vmid: o.ID}, VMPath(o.UID, o.ID), VMInterface)
	case types.ResourceNetwork:
		err = s.export(&networkObject{srv: s, uid: o.UID, nid: o.ID}, NetworkPath(o.UID, o.ID), NetworkInterface)
	}
	if err != nil {
		s.logger.WithError(err).Warn("Failed to publish object")
	}
}

// ObjectRemoved withdraws a resource. It runs on the event loop.
func (s *Server) ObjectRemoved(o manager.Object) {
	switch o.Type {
	case types.ResourceSet:
		s.unexport(ResSetPath(o.UID, o.ID), ResSetInterface)
	case types.ResourceVM:
		s.unexport(VMPath(o.UID, o.ID), VMInterface)
	case types.ResourceNetwork:
		s.unexport(NetworkPath(o.UID, o.ID), NetworkInterface)
	}
}

// caller resolves the identity of the process behind sender
func (s *Server) caller(sender dbus.Sender) (types.Caller, error) {
	if sender == "" {
		return types.Caller{}, types.ErrNoCaller
	}
	uid, err := s.lookupUID(string(sender))
	if err != nil {
		return types.Caller{}, fmt.Errorf("%v: %w", err, types.ErrNoCaller)
	}
	return types.Caller{ID: types.CallerID(sender), UID: uid}, nil
}

// call resolves the caller and runs fn with it on the event loop
func (s *Server) call(sender dbus.Sender, fn func(c types.Caller) error) *dbus.Error {
	c, err := s.caller(sender)
	if err == nil {
		err = s.run(func() error {
			if s.hasDeparted(c.ID) {
				return fmt.Errorf("caller %s has disconnected: %w", c.ID, types.ErrNoCaller)
			}
			return fn(c)
		})
	}
	if err != nil {
		s.logger.WithField("caller", string(sender)).WithError(err).Debug("Bus call failed")
	}
	return toDBusError(err)
}
