// Package daemon assembles the resource manager, its host collaborators
// and its client-facing endpoints, and runs them on one event loop.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/fpemud/virt-service/pkg/config"
	"github.com/fpemud/virt-service/pkg/dbusapi"
	"github.com/fpemud/virt-service/pkg/hostmon"
	"github.com/fpemud/virt-service/pkg/manager"
	"github.com/fpemud/virt-service/pkg/netops"
	"github.com/fpemud/virt-service/pkg/network"
	"github.com/fpemud/virt-service/pkg/services"
	"github.com/fpemud/virt-service/pkg/status"
	"github.com/fpemud/virt-service/pkg/store"
	"github.com/fpemud/virt-service/pkg/types"
	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

// Watcher reports the active host interfaces and signals when they may
// have changed
type Watcher interface {
	hostmon.Source
	Watch(done <-chan struct{}, changed chan<- struct{}) error
}

// Options replaces host-facing collaborators. Zero values select the real
// kernel, netlink, child processes and the configured bus.
type Options struct {
	Host       netops.Operator
	Watcher    Watcher
	Runner     services.Runner
	LookupUser func(uid uint32) (string, error)
	Bus        func() (*dbus.Conn, error)
}

// Daemon owns every long-lived component
type Daemon struct {
	cfg    *config.Config
	logger *logrus.Logger
	opts   Options

	host     netops.Operator
	watcher  Watcher
	journal  *store.Store
	monitor  *hostmon.Monitor
	registry *network.Registry
	mgr      *manager.Manager
	loop     *Loop
}

// New builds the daemon and removes whatever an unclean previous run left
// on the host. Nothing is reachable by clients until Run.
func New(cfg *config.Config, logger *logrus.Logger, opts Options) (*Daemon, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	d := &Daemon{cfg: cfg, logger: logger, opts: opts}

	d.host = opts.Host
	if d.host == nil {
		client, err := netops.NewClient(logger)
		if err != nil {
			return nil, err
		}
		if err := client.Ping(); err != nil {
			return nil, fmt.Errorf("host networking is not usable: %w", err)
		}
		d.host = client
	}

	if err := os.MkdirAll(cfg.Paths.RunDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}

	journal, err := store.Open(cfg.StateDBPath())
	if err != nil {
		return nil, err
	}
	d.journal = journal

	if err := d.build(); err != nil {
		journal.Close()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) build() error {
	left, err := network.Sweep(d.journal, d.host, d.logger)
	if err != nil {
		return err
	}
	if left > 0 {
		d.logger.Warnf("%d leftover host objects could not be removed", left)
	}

	addrs, err := d.cfg.Allocator()
	if err != nil {
		return err
	}

	d.watcher = d.opts.Watcher
	if d.watcher == nil {
		ignore := append(append([]string(nil), network.Prefixes...), d.cfg.Network.IgnoreInterfaces...)
		d.watcher = hostmon.NewNetlinkSource(d.logger, ignore...)
	}
	d.monitor, err = hostmon.New(d.watcher, d.logger)
	if err != nil {
		return err
	}

	supervisor := services.New(services.Config{
		RunDir:      d.cfg.Paths.RunDir,
		DnsmasqPath: d.cfg.Paths.DnsmasqPath,
		SmbdPath:    d.cfg.Paths.SmbdPath,
		Runner:      d.opts.Runner,
		Addrs:       addrs,
		Logger:      d.logger,
		LookupUser:  d.opts.LookupUser,
	})

	d.registry = network.NewRegistry(network.Config{
		Host:       d.host,
		Addrs:      addrs,
		Monitor:    d.monitor,
		Services:   supervisor,
		Journal:    d.journal,
		Logger:     d.logger,
		MaxPerUser: d.cfg.Network.MaxPerUser,
	})

	d.mgr = manager.New(manager.Config{
		Registry: d.registry,
		Shares:   supervisor,
		Addrs:    addrs,
		Logger:   d.logger,
	})

	d.loop = NewLoop(d.logger, d.cfg.Timeouts.GetIdle(), d.mgr.Live)
	return nil
}

// Run serves clients until ctx is cancelled or the idle timer fires, then
// releases every resource. It returns ErrIdle after an idle exit and nil
// after cancellation.
func (d *Daemon) Run(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loopErr := make(chan error, 1)
	go func() { loopErr <- d.loop.Run(ctx) }()

	var (
		bus    *dbusapi.Server
		conn   *dbus.Conn
		sock   *status.Server
		stopHW func()
	)
	defer func() {
		cancel()
		runErr := <-loopErr

		sddaemon.SdNotify(false, sddaemon.SdNotifyStopping)
		if sock != nil {
			if cerr := sock.Close(); cerr != nil {
				d.logger.WithError(cerr).Warn("Failed to close status socket")
			}
		}
		if bus != nil {
			if cerr := bus.Close(); cerr != nil {
				d.logger.WithError(cerr).Warn("Failed to close bus service")
			}
		}
		if conn != nil {
			conn.Close()
		}
		if stopHW != nil {
			stopHW()
		}
		if cerr := d.shutdown(); cerr != nil && err == nil {
			err = cerr
		}
		if err == nil && errors.Is(runErr, ErrIdle) {
			err = ErrIdle
		}
	}()

	stopHW, err = d.watchHost()
	if err != nil {
		return err
	}

	conn, err = d.connectBus()
	if err != nil {
		return err
	}
	bus = dbusapi.New(conn, dbusapi.Config{
		Manager: d.mgr,
		Run:     d.loop.Do,
		Gone: func(id types.CallerID) {
			d.loop.Post(func() { d.mgr.CallerGone(id) })
		},
		Logger: d.logger,
	})
	if err = d.loop.Do(func() error {
		d.mgr.SetObserver(bus)
		return nil
	}); err != nil {
		return err
	}
	if err = bus.Start(); err != nil {
		return err
	}

	if path := d.cfg.StatusSocketPath(); path != "" {
		sock = status.New(path, d.snapshot, d.logger)
		if err = sock.Start(); err != nil {
			return err
		}
	}

	if ok, nerr := sddaemon.SdNotify(false, sddaemon.SdNotifyReady); nerr != nil {
		d.logger.WithError(nerr).Warn("Failed to notify systemd")
	} else if ok {
		d.logger.Debug("Notified systemd of readiness")
	}

	select {
	case <-ctx.Done():
	case lerr := <-loopErr:
		// Put it back for the deferred teardown.
		loopErr <- lerr
	}
	return nil
}

func (d *Daemon) connectBus() (*dbus.Conn, error) {
	if d.opts.Bus != nil {
		return d.opts.Bus()
	}
	var (
		conn *dbus.Conn
		err  error
	)
	if d.cfg.Bus.Type == config.BusSession {
		conn, err = dbus.ConnectSessionBus()
	} else {
		conn, err = dbus.ConnectSystemBus()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s bus: %w", d.cfg.Bus.Type, err)
	}
	return conn, nil
}

// watchHost feeds host topology changes into the loop until the returned
// func is called
func (d *Daemon) watchHost() (func(), error) {
	done := make(chan struct{})
	changed := make(chan struct{}, 1)
	if err := d.watcher.Watch(done, changed); err != nil {
		return nil, err
	}

	exited := make(chan struct{})
	go func() {
		defer close(exited)
		for {
			select {
			case <-done:
				return
			case <-changed:
			}
			err := d.loop.Do(d.monitor.Refresh)
			if errors.Is(err, ErrStopped) {
				return
			}
			if err != nil {
				d.logger.WithError(err).Warn("Failed to refresh host interfaces")
			}
		}
	}()

	return func() {
		close(done)
		<-exited
	}, nil
}

func (d *Daemon) snapshot() (manager.Status, error) {
	var st manager.Status
	err := d.loop.Do(func() error {
		st = d.mgr.Status()
		return nil
	})
	return st, err
}

// shutdown runs after the loop has exited, so it owns the manager
func (d *Daemon) shutdown() error {
	var errs []error
	if err := d.mgr.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := d.journal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close journal: %w", err))
	}
	d.logger.Info("Shutdown complete")
	return errors.Join(errs...)
}
