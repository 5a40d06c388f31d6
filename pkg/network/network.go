// Package network implements the per-user network segments (bridge, nat,
// route and isolate) and the registry that reference-counts them.
package network

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/fpemud/virt-service/pkg/addr"
	"github.com/fpemud/virt-service/pkg/idalloc"
	"github.com/fpemud/virt-service/pkg/netops"
	"github.com/fpemud/virt-service/pkg/store"
	"github.com/fpemud/virt-service/pkg/types"
	"github.com/sirupsen/logrus"
)

// Segment name prefixes, followed by the user id
const (
	PrefixBridge  = "vnb"
	PrefixNat     = "vnn"
	PrefixRoute   = "vnr"
	PrefixIsolate = "vni"
)

// Prefixes lists every segment prefix; host interfaces with these names
// belong to the daemon.
var Prefixes = []string{PrefixBridge, PrefixNat, PrefixRoute, PrefixIsolate}

// SegmentName returns the device name for a user's network of kind k
func SegmentName(uid uint32, k types.NetworkKind) string {
	var p string
	switch k {
	case types.KindBridge:
		p = PrefixBridge
	case types.KindNat:
		p = PrefixNat
	case types.KindRoute:
		p = PrefixRoute
	case types.KindIsolate:
		p = PrefixIsolate
	}
	return p + strconv.FormatUint(uint64(uid), 10)
}

// Network is one live segment. The concrete types are Bridge, Nat, Route
// and Isolate; the set is closed.
type Network interface {
	Kind() types.NetworkKind
	UID() uint32
	ID() uint32
	Segment() string
	// Subnet is nil for kinds without an address plan
	Subnet() *addr.Subnet
	RefCount() int
	Info() types.NetworkInfo

	// Attach creates the tap for resource set rsid and returns its name
	Attach(rsid uint32) (string, error)
	// Detach removes the tap for rsid. Host errors are logged, the tap is
	// forgotten regardless.
	Detach(rsid uint32) error
	Tap(rsid uint32) (string, bool)

	base() *segment
	create() error
	destroy() error
}

// Journal persists created host objects for crash recovery
type Journal interface {
	SaveNetwork(rec store.NetworkRecord) error
	DeleteNetwork(segment string) error
	SaveTap(rec store.TapRecord) error
	DeleteTap(name string) error
}

type nopJournal struct{}

func (nopJournal) SaveNetwork(store.NetworkRecord) error { return nil }
func (nopJournal) DeleteNetwork(string) error            { return nil }
func (nopJournal) SaveTap(store.TapRecord) error         { return nil }
func (nopJournal) DeleteTap(string) error                { return nil }

// segment carries the state shared by every kind
type segment struct {
	kind    types.NetworkKind
	uid     uint32
	id      uint32
	name    string
	subnet  *addr.Subnet
	refs    int
	taps    map[uint32]string
	host    netops.Operator
	addrs   *addr.Allocator
	journal Journal
	logger  *logrus.Logger
}

func (s *segment) base() *segment          { return s }
func (s *segment) Kind() types.NetworkKind { return s.kind }
func (s *segment) UID() uint32             { return s.uid }
func (s *segment) ID() uint32              { return s.id }
func (s *segment) Segment() string         { return s.name }
func (s *segment) Subnet() *addr.Subnet    { return s.subnet }
func (s *segment) RefCount() int           { return s.refs }
func (s *segment) Tap(rsid uint32) (string, bool) {
	name, ok := s.taps[rsid]
	return name, ok
}

func (s *segment) Info() types.NetworkInfo {
	info := types.NetworkInfo{
		UID:      s.uid,
		Kind:     s.kind,
		ID:       s.id,
		Segment:  s.name,
		RefCount: s.refs,
		Taps:     len(s.taps),
	}
	if s.subnet != nil {
		info.Subnet = s.subnet.CIDR()
		info.Gateway = s.subnet.Gateway.String()
	}
	return info
}

func (s *segment) fields() logrus.Fields {
	return logrus.Fields{
		"uid":        s.uid,
		"kind":       s.kind.String(),
		"network_id": s.id,
		"segment":    s.name,
	}
}

// nextTapName picks "<segment>.<n>" with n one above the highest suffix in
// use, counting both our own taps and any leftover device on the host.
func (s *segment) nextTapName() (string, error) {
	used := idalloc.NewSet()
	prefix := s.name + "."
	for _, name := range s.taps {
		if n, ok := tapSuffix(prefix, name); ok {
			used.Add(n)
		}
	}

	existing, err := s.host.ListLinks(prefix)
	if err != nil {
		return "", err
	}
	for _, name := range existing {
		if n, ok := tapSuffix(prefix, name); ok {
			used.Add(n)
		}
	}

	n, err := idalloc.Next(used, 1)
	if err != nil {
		return "", err
	}
	name := prefix + strconv.FormatUint(uint64(n), 10)
	if err := netops.CheckIfName(name); err != nil {
		return "", err
	}
	return name, nil
}

func tapSuffix(prefix, name string) (uint32, bool) {
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(name, prefix), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// addTap runs plumb to create the device, then records it
func (s *segment) addTap(rsid uint32, plumb func(name string) error) (string, error) {
	if _, ok := s.taps[rsid]; ok {
		return "", fmt.Errorf("resource set %d already has a tap on %s: %w", rsid, s.name, errdefs.ErrAlreadyExists)
	}

	name, err := s.nextTapName()
	if err != nil {
		return "", err
	}

	if err := plumb(name); err != nil {
		return "", err
	}

	s.taps[rsid] = name
	if err := s.journal.SaveTap(store.TapRecord{Name: name, Segment: s.name}); err != nil {
		s.logger.WithError(err).Warn("Failed to journal tap")
	}

	s.logger.WithFields(s.fields()).WithFields(logrus.Fields{
		"resource_set": rsid,
		"tap":          name,
	}).Info("Tap attached")
	return name, nil
}

func (s *segment) Detach(rsid uint32) error {
	name, ok := s.taps[rsid]
	if !ok {
		return fmt.Errorf("resource set %d has no tap on %s: %w", rsid, s.name, errdefs.ErrNotFound)
	}
	delete(s.taps, rsid)

	if err := s.host.DeleteTap(name); err != nil {
		// Keep the journal entry so the next start sweeps the device.
		s.logger.WithError(err).Warnf("Failed to delete tap %s", name)
		return nil
	}
	if err := s.journal.DeleteTap(name); err != nil {
		s.logger.WithError(err).Warn("Failed to remove tap from journal")
	}

	s.logger.WithFields(s.fields()).WithFields(logrus.Fields{
		"resource_set": rsid,
		"tap":          name,
	}).Info("Tap detached")
	return nil
}

// checkEmpty is the destroy precondition
func (s *segment) checkEmpty() error {
	if len(s.taps) == 0 {
		return nil
	}
	names := make([]string, 0, len(s.taps))
	for _, n := range s.taps {
		names = append(names, n)
	}
	sort.Strings(names)
	return fmt.Errorf("network %s still has taps %v: %w", s.name, names, errdefs.ErrFailedPrecondition)
}

func (s *segment) record(bridge bool, masquerade string) store.NetworkRecord {
	return store.NetworkRecord{
		Segment:    s.name,
		UID:        s.uid,
		Kind:       s.kind.String(),
		ID:         s.id,
		Bridge:     bridge,
		Masquerade: masquerade,
	}
}

// guestIP is the address routed to resource set rsid
func (s *segment) guestIP(rsid uint32) (net.IP, error) {
	return s.addrs.IP(s.id, rsid)
}
