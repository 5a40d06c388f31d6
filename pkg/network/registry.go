package network

import (
	"fmt"
	"sort"

	"github.com/containerd/errdefs"
	"github.com/fpemud/virt-service/pkg/addr"
	"github.com/fpemud/virt-service/pkg/hostmon"
	"github.com/fpemud/virt-service/pkg/idalloc"
	"github.com/fpemud/virt-service/pkg/netops"
	"github.com/fpemud/virt-service/pkg/types"
	"github.com/sirupsen/logrus"
)

// DefaultMaxPerUser bounds the live networks one user may hold
const DefaultMaxPerUser = 6

// Services runs the DHCP and file-sharing servers of a network
type Services interface {
	Start(info types.NetworkInfo) error
	Stop(info types.NetworkInfo) error
}

// HostEvents is where network objects subscribe to host interface changes
type HostEvents interface {
	Register(l hostmon.Listener)
	Unregister(l hostmon.Listener)
}

// Config wires a Registry to its collaborators
type Config struct {
	Host     netops.Operator
	Addrs    *addr.Allocator
	Monitor  HostEvents
	Services Services
	Journal  Journal
	Logger   *logrus.Logger
	// MaxPerUser defaults to DefaultMaxPerUser
	MaxPerUser int
}

// Registry owns every live network object, keyed by (user, kind). It is
// driven from the daemon's event loop and is not safe for concurrent use.
type Registry struct {
	host       netops.Operator
	addrs      *addr.Allocator
	monitor    HostEvents
	services   Services
	journal    Journal
	logger     *logrus.Logger
	maxPerUser int
	networks   map[types.NetworkKey]Network
}

// NewRegistry creates an empty registry
func NewRegistry(cfg Config) *Registry {
	r := &Registry{
		host:       cfg.Host,
		addrs:      cfg.Addrs,
		monitor:    cfg.Monitor,
		services:   cfg.Services,
		journal:    cfg.Journal,
		logger:     cfg.Logger,
		maxPerUser: cfg.MaxPerUser,
		networks:   make(map[types.NetworkKey]Network),
	}
	if r.addrs == nil {
		r.addrs = addr.New()
	}
	if r.journal == nil {
		r.journal = nopJournal{}
	}
	if r.logger == nil {
		r.logger = logrus.New()
		r.logger.SetLevel(logrus.GetLevel())
	}
	if r.maxPerUser <= 0 {
		r.maxPerUser = DefaultMaxPerUser
	}
	return r
}

// Get returns the live network for key
func (r *Registry) Get(key types.NetworkKey) (Network, bool) {
	n, ok := r.networks[key]
	return n, ok
}

// Len returns the number of live networks
func (r *Registry) Len() int {
	return len(r.networks)
}

// List describes all live networks ordered by user, then kind
func (r *Registry) List() []types.NetworkInfo {
	out := make([]types.NetworkInfo, 0, len(r.networks))
	for _, n := range r.networks {
		out = append(out, n.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UID != out[j].UID {
			return out[i].UID < out[j].UID
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// Acquire returns the user's network of the given kind, creating it on
// first use. Each successful call must be paired with one Release.
func (r *Registry) Acquire(key types.NetworkKey) (Network, error) {
	if !key.Kind.Valid() {
		return nil, fmt.Errorf("%s: %w", key.Kind, types.ErrInvalidKind)
	}

	if n, ok := r.networks[key]; ok {
		n.base().refs++
		r.logger.WithFields(n.base().fields()).WithField("refcount", n.RefCount()).Debug("Network acquired")
		return n, nil
	}

	n, err := r.build(key)
	if err != nil {
		return nil, err
	}
	s := n.base()

	if err := n.create(); err != nil {
		return nil, fmt.Errorf("failed to create %s network %s: %w", key.Kind, s.name, err)
	}

	listener, isListener := n.(hostmon.Listener)
	if isListener && r.monitor != nil {
		r.monitor.Register(listener)
	}

	unwind := func() {
		if isListener && r.monitor != nil {
			r.monitor.Unregister(listener)
		}
		if err := n.destroy(); err != nil {
			r.logger.WithFields(s.fields()).WithError(err).Warn("Failed to destroy network while unwinding")
		}
	}

	if key.Kind.NeedsServices() && r.services != nil {
		if err := r.services.Start(n.Info()); err != nil {
			unwind()
			return nil, fmt.Errorf("failed to start services for %s: %w", s.name, err)
		}
	}

	if len(r.networks) == 0 {
		if err := r.host.SetIPForward(true); err != nil {
			if key.Kind.NeedsServices() && r.services != nil {
				if serr := r.services.Stop(n.Info()); serr != nil {
					r.logger.WithError(serr).Warn("Failed to stop services while unwinding")
				}
			}
			unwind()
			return nil, err
		}
	}

	s.refs = 1
	r.networks[key] = n
	r.logger.WithFields(s.fields()).Info("Network created")
	return n, nil
}

// build allocates a network id and constructs the variant without
// touching the host
func (r *Registry) build(key types.NetworkKey) (Network, error) {
	used := idalloc.NewSet()
	owned := 0
	for k, n := range r.networks {
		used.Add(n.ID())
		if k.UID == key.UID {
			owned++
		}
	}
	if owned >= r.maxPerUser {
		return nil, fmt.Errorf("user %d already has %d networks: %w", key.UID, owned, types.ErrExhausted)
	}

	id, err := idalloc.Allocate(used, 1, addr.MaxNetworkID)
	if err != nil {
		return nil, err
	}

	s := segment{
		kind:    key.Kind,
		uid:     key.UID,
		id:      id,
		name:    SegmentName(key.UID, key.Kind),
		taps:    make(map[uint32]string),
		host:    r.host,
		addrs:   r.addrs,
		journal: r.journal,
		logger:  r.logger,
	}
	if err := netops.CheckIfName(s.name); err != nil {
		return nil, err
	}
	if key.Kind.NeedsServices() {
		sn, err := r.addrs.Subnet(id)
		if err != nil {
			return nil, err
		}
		s.subnet = &sn
	}

	switch key.Kind {
	case types.KindBridge:
		return &Bridge{segment: s}, nil
	case types.KindNat:
		return &Nat{segment: s}, nil
	case types.KindRoute:
		return &Route{segment: s}, nil
	case types.KindIsolate:
		return &Isolate{segment: s}, nil
	}
	return nil, fmt.Errorf("%s: %w", key.Kind, types.ErrInvalidKind)
}

// Release drops one reference. The last release tears the network down;
// the network must have no taps left at that point.
func (r *Registry) Release(key types.NetworkKey) error {
	n, ok := r.networks[key]
	if !ok {
		return fmt.Errorf("network %s: %w", key, errdefs.ErrNotFound)
	}
	s := n.base()

	if s.refs > 1 {
		s.refs--
		r.logger.WithFields(s.fields()).WithField("refcount", s.refs).Debug("Network released")
		return nil
	}

	if err := s.checkEmpty(); err != nil {
		return err
	}

	s.refs = 0
	delete(r.networks, key)

	if key.Kind.NeedsServices() && r.services != nil {
		if err := r.services.Stop(n.Info()); err != nil {
			r.logger.WithFields(s.fields()).WithError(err).Warn("Failed to stop services")
		}
	}
	if listener, ok := n.(hostmon.Listener); ok && r.monitor != nil {
		r.monitor.Unregister(listener)
	}
	if err := n.destroy(); err != nil {
		r.logger.WithFields(s.fields()).WithError(err).Warn("Failed to destroy network, left for the next start to sweep")
	}

	if len(r.networks) == 0 {
		if err := r.host.SetIPForward(false); err != nil {
			r.logger.WithError(err).Warn("Failed to disable ip forwarding")
		}
	}

	r.logger.WithFields(s.fields()).Info("Network destroyed")
	return nil
}
