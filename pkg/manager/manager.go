// Package manager is the resource set facade: it ties resource set ids,
// network objects, file shares and caller ownership together behind the
// operations served on the bus.
package manager

import (
	"fmt"
	"sort"
	"time"

	"github.com/containerd/errdefs"
	"github.com/fpemud/virt-service/pkg/addr"
	"github.com/fpemud/virt-service/pkg/idalloc"
	"github.com/fpemud/virt-service/pkg/network"
	"github.com/fpemud/virt-service/pkg/owner"
	"github.com/fpemud/virt-service/pkg/types"
	"github.com/sirupsen/logrus"
)

// MaxVMID bounds the vm attachments of one user
const MaxVMID = 128

// Shares exports directories to guests of services-enabled networks
type Shares interface {
	AddShare(uid, nid, rsid uint32, share types.FileShare) error
	RemoveShare(uid, nid, rsid uint32, name string) error
}

// Object is a live resource as seen from the bus. ID is the resource set
// id, the vm id or the network id depending on Type.
type Object struct {
	Type types.ResourceType
	UID  uint32
	ID   uint32
}

// Observer is told when objects appear and disappear
type Observer interface {
	ObjectAdded(o Object)
	ObjectRemoved(o Object)
}

// State is the lifecycle state of a resource set
type State int

const (
	StateUnbound State = iota
	StateNetworkAttached
)

func (s State) String() string {
	if s == StateNetworkAttached {
		return "network-attached"
	}
	return "unbound"
}

type key struct {
	uid uint32
	id  uint32
}

type resourceSet struct {
	uid     uint32
	id      uint32
	owner   types.CallerID
	kind    types.NetworkKind
	network network.Network
	tap     string
	shares  map[string]types.FileShare
	vms     map[uint32]struct{}
}

func (rs *resourceSet) state() State {
	if rs.network != nil {
		return StateNetworkAttached
	}
	return StateUnbound
}

type vm struct {
	uid   uint32
	id    uint32
	set   uint32
	name  string
	owner types.CallerID
}

// Config wires a Manager
type Config struct {
	Registry *network.Registry
	Shares   Shares
	Addrs    *addr.Allocator
	Observer Observer
	Logger   *logrus.Logger
}

// Manager serves resource set requests. Like the registry underneath it,
// it expects to be called from a single goroutine.
type Manager struct {
	registry *network.Registry
	tracker  *owner.Tracker
	shares   Shares
	addrs    *addr.Allocator
	observer Observer
	logger   *logrus.Logger
	metrics  *Metrics
	sets     map[key]*resourceSet
	vms      map[key]*vm
}

// New creates a manager around an existing registry
func New(cfg Config) *Manager {
	m := &Manager{
		registry: cfg.Registry,
		tracker:  owner.New(),
		shares:   cfg.Shares,
		addrs:    cfg.Addrs,
		observer: cfg.Observer,
		logger:   cfg.Logger,
		metrics:  &Metrics{},
		sets:     make(map[key]*resourceSet),
		vms:      make(map[key]*vm),
	}
	if m.addrs == nil {
		m.addrs = addr.New()
	}
	if m.logger == nil {
		m.logger = logrus.New()
		m.logger.SetLevel(logrus.GetLevel())
	}
	return m
}

// SetObserver replaces the object observer
func (m *Manager) SetObserver(o Observer) {
	m.observer = o
}

// Metrics returns the operation counters
func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

// Live counts resource sets, vm attachments and networks. The daemon
// arms its idle timer when this reaches zero.
func (m *Manager) Live() int {
	return len(m.sets) + len(m.vms) + m.registry.Len()
}

func (m *Manager) added(o Object) {
	if m.observer != nil {
		m.observer.ObjectAdded(o)
	}
}

func (m *Manager) removed(o Object) {
	if m.observer != nil {
		m.observer.ObjectRemoved(o)
	}
}

func checkCaller(c types.Caller) error {
	if c.ID == "" {
		return types.ErrNoCaller
	}
	return nil
}

func (m *Manager) lookupSet(c types.Caller, sid uint32) (*resourceSet, error) {
	if err := checkCaller(c); err != nil {
		return nil, err
	}
	rs, ok := m.sets[key{c.UID, sid}]
	if !ok {
		return nil, fmt.Errorf("resource set %d of uid %d: %w", sid, c.UID, errdefs.ErrNotFound)
	}
	if !m.tracker.IsOwner(types.SetKey(rs.uid, rs.id), c.ID) {
		m.metrics.PrivilegeViolations.Add(1)
		return nil, fmt.Errorf("resource set %d: %w", sid, types.ErrPrivilege)
	}
	return rs, nil
}

func (m *Manager) boundSet(c types.Caller, sid uint32) (*resourceSet, error) {
	rs, err := m.lookupSet(c, sid)
	if err != nil {
		return nil, err
	}
	if rs.network == nil {
		return nil, fmt.Errorf("resource set %d: %w", sid, types.ErrNotBound)
	}
	return rs, nil
}

// CreateResourceSet allocates the smallest free resource set id of the
// caller's user
func (m *Manager) CreateResourceSet(c types.Caller) (uint32, error) {
	if err := checkCaller(c); err != nil {
		return 0, err
	}
	m.logger.WithField("caller", c.String()).Debug("CreateResourceSet called")

	used := idalloc.NewSet()
	for k := range m.sets {
		if k.uid == c.UID {
			used.Add(k.id)
		}
	}
	sid, err := idalloc.Allocate(used, addr.MinResourceSetID, addr.MaxResourceSetID)
	if err != nil {
		return 0, fmt.Errorf("resource sets of uid %d: %w", c.UID, err)
	}

	m.sets[key{c.UID, sid}] = &resourceSet{
		uid:    c.UID,
		id:     sid,
		owner:  c.ID,
		shares: make(map[string]types.FileShare),
		vms:    make(map[uint32]struct{}),
	}
	m.tracker.AddOwner(types.SetKey(c.UID, sid), c.ID)
	m.added(Object{Type: types.ResourceSet, UID: c.UID, ID: sid})

	m.logger.WithFields(logrus.Fields{
		"caller":       c.String(),
		"resource_set": sid,
	}).Info("Resource set created")
	return sid, nil
}

// DeleteResourceSet removes an unbound resource set with no vm attached
func (m *Manager) DeleteResourceSet(c types.Caller, sid uint32) error {
	m.logger.WithFields(logrus.Fields{
		"caller":       c.String(),
		"resource_set": sid,
	}).Debug("DeleteResourceSet called")

	rs, err := m.lookupSet(c, sid)
	if err != nil {
		return err
	}
	if rs.network != nil {
		return fmt.Errorf("resource set %d is still attached to %s network: %w", sid, rs.kind, errdefs.ErrFailedPrecondition)
	}
	if len(rs.vms) > 0 {
		return fmt.Errorf("resource set %d still has %d vm(s) attached: %w", sid, len(rs.vms), errdefs.ErrFailedPrecondition)
	}

	if _, err := m.tracker.RemoveOwner(types.SetKey(rs.uid, rs.id), rs.owner); err != nil {
		m.logger.WithError(err).Warn("Resource set had no ownership record")
	}
	m.dropSet(rs)
	return nil
}

func (m *Manager) dropSet(rs *resourceSet) {
	delete(m.sets, key{rs.uid, rs.id})
	m.removed(Object{Type: types.ResourceSet, UID: rs.uid, ID: rs.id})
	m.logger.WithFields(logrus.Fields{
		"uid":          rs.uid,
		"resource_set": rs.id,
	}).Info("Resource set deleted")
}

// State reports the lifecycle state of a resource set
func (m *Manager) State(c types.Caller, sid uint32) (State, error) {
	rs, err := m.lookupSet(c, sid)
	if err != nil {
		return StateUnbound, err
	}
	return rs.state(), nil
}

// AttachNetwork joins the resource set to the user's network of the given
// kind, creating the network on first use, and returns the tap name
func (m *Manager) AttachNetwork(c types.Caller, sid uint32, kindName string) (string, error) {
	log := m.logger.WithFields(logrus.Fields{
		"caller":       c.String(),
		"resource_set": sid,
		"kind":         kindName,
	})
	log.Info("AttachNetwork called")

	rs, err := m.lookupSet(c, sid)
	if err != nil {
		return "", err
	}
	kind, err := types.ParseKind(kindName)
	if err != nil {
		return "", err
	}
	if rs.network != nil {
		return "", fmt.Errorf("resource set %d is on %s network: %w", sid, rs.kind, types.ErrAlreadyBound)
	}

	start := time.Now()
	tap, err := m.attach(rs, kind)
	m.metrics.RecordAttach(err == nil, time.Since(start))
	if err != nil {
		log.WithError(err).Warn("Failed to attach network")
		return "", err
	}

	log.WithField("tap", tap).Info("Network attached")
	return tap, nil
}

func (m *Manager) attach(rs *resourceSet, kind types.NetworkKind) (string, error) {
	nk := types.NetworkKey{UID: rs.uid, Kind: kind}
	n, err := m.registry.Acquire(nk)
	if err != nil {
		return "", err
	}
	created := n.RefCount() == 1

	tap, err := n.Attach(rs.id)
	if err != nil {
		if rerr := m.registry.Release(nk); rerr != nil {
			m.logger.WithError(rerr).Warn("Failed to release network while unwinding")
		}
		return "", err
	}

	rs.kind = kind
	rs.network = n
	rs.tap = tap
	m.tracker.AddOwner(types.NetKey(rs.uid, kind), rs.owner)
	if created {
		m.added(Object{Type: types.ResourceNetwork, UID: rs.uid, ID: n.ID()})
	}
	return tap, nil
}

// DetachNetwork withdraws the resource set's shares, removes its tap and
// releases its network reference
func (m *Manager) DetachNetwork(c types.Caller, sid uint32) error {
	m.logger.WithFields(logrus.Fields{
		"caller":       c.String(),
		"resource_set": sid,
	}).Info("DetachNetwork called")

	rs, err := m.lookupSet(c, sid)
	if err != nil {
		return err
	}
	if rs.network == nil {
		return fmt.Errorf("resource set %d has no network: %w", sid, errdefs.ErrNotFound)
	}

	err = m.detach(rs)
	m.metrics.RecordDetach(err == nil)
	return err
}

// detach unwinds a bound resource set innermost first: shares, tap,
// network reference. Bookkeeping is cleared even when the host fails.
func (m *Manager) detach(rs *resourceSet) error {
	n := rs.network
	nk := types.NetworkKey{UID: rs.uid, Kind: rs.kind}
	log := m.logger.WithFields(logrus.Fields{
		"uid":          rs.uid,
		"resource_set": rs.id,
		"kind":         rs.kind.String(),
	})

	names := make([]string, 0, len(rs.shares))
	for name := range rs.shares {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := m.shares.RemoveShare(rs.uid, n.ID(), rs.id, name); err != nil {
			log.WithError(err).Warnf("Failed to remove share %s", name)
		}
		delete(rs.shares, name)
	}

	if err := n.Detach(rs.id); err != nil {
		log.WithError(err).Warn("Failed to detach tap")
	}

	rs.network = nil
	rs.tap = ""
	rs.kind = 0

	if _, err := m.tracker.RemoveOwner(types.NetKey(nk.UID, nk.Kind), rs.owner); err != nil {
		// Already dropped when the owner disappeared.
		log.WithError(err).Debug("No network ownership record")
	}

	if err := m.registry.Release(nk); err != nil {
		return err
	}
	if _, alive := m.registry.Get(nk); !alive {
		m.removed(Object{Type: types.ResourceNetwork, UID: rs.uid, ID: n.ID()})
	}

	log.Info("Network detached")
	return nil
}

// GetTapInterface returns the tap name of a bound resource set
func (m *Manager) GetTapInterface(c types.Caller, sid uint32) (string, error) {
	rs, err := m.boundSet(c, sid)
	if err != nil {
		return "", err
	}
	return rs.tap, nil
}

// GetMacAddress returns the guest MAC of a bound resource set
func (m *Manager) GetMacAddress(c types.Caller, sid uint32) (string, error) {
	rs, err := m.boundSet(c, sid)
	if err != nil {
		return "", err
	}
	mac, err := m.addrs.MAC(rs.network.ID(), rs.id)
	if err != nil {
		return "", err
	}
	return mac.String(), nil
}

// GetIpAddress returns the guest address of a bound resource set. Kinds
// without an address plan have none.
func (m *Manager) GetIpAddress(c types.Caller, sid uint32) (string, error) {
	rs, err := m.boundSet(c, sid)
	if err != nil {
		return "", err
	}
	if rs.network.Subnet() == nil {
		return "", fmt.Errorf("%s network has no address plan: %w", rs.kind, errdefs.ErrFailedPrecondition)
	}
	ip, err := m.addrs.IP(rs.network.ID(), rs.id)
	if err != nil {
		return "", err
	}
	return ip.String(), nil
}

// GetShareServerAddress returns the address guests mount shares from
func (m *Manager) GetShareServerAddress(c types.Caller, sid uint32) (string, error) {
	rs, err := m.boundSet(c, sid)
	if err != nil {
		return "", err
	}
	if !rs.kind.NeedsServices() {
		return "", fmt.Errorf("%s network has no file sharing: %w", rs.kind, errdefs.ErrFailedPrecondition)
	}
	return rs.network.Subnet().Gateway.String(), nil
}

// AddFileShare exports path to the resource set's guest as name
func (m *Manager) AddFileShare(c types.Caller, sid uint32, name, path string, readOnly bool) error {
	m.logger.WithFields(logrus.Fields{
		"caller":       c.String(),
		"resource_set": sid,
		"share":        name,
		"path":         path,
		"readonly":     readOnly,
	}).Info("AddFileShare called")

	rs, err := m.boundSet(c, sid)
	if err != nil {
		return err
	}
	if !rs.kind.NeedsServices() {
		return fmt.Errorf("%s network has no file sharing: %w", rs.kind, errdefs.ErrFailedPrecondition)
	}
	if _, ok := rs.shares[name]; ok {
		return fmt.Errorf("%s: %w", name, types.ErrDuplicateShare)
	}

	share := types.FileShare{Name: name, Path: path, ReadOnly: readOnly}
	if err := m.shares.AddShare(rs.uid, rs.network.ID(), rs.id, share); err != nil {
		return err
	}
	rs.shares[name] = share
	return nil
}

// RemoveFileShare withdraws one share
func (m *Manager) RemoveFileShare(c types.Caller, sid uint32, name string) error {
	m.logger.WithFields(logrus.Fields{
		"caller":       c.String(),
		"resource_set": sid,
		"share":        name,
	}).Info("RemoveFileShare called")

	rs, err := m.lookupSet(c, sid)
	if err != nil {
		return err
	}
	if _, ok := rs.shares[name]; !ok {
		return fmt.Errorf("share %s of resource set %d: %w", name, sid, errdefs.ErrNotFound)
	}

	if err := m.shares.RemoveShare(rs.uid, rs.network.ID(), rs.id, name); err != nil {
		m.logger.WithError(err).Warnf("Failed to remove share %s", name)
	}
	delete(rs.shares, name)
	return nil
}

// FileShares lists a resource set's shares sorted by name
func (m *Manager) FileShares(c types.Caller, sid uint32) ([]types.FileShare, error) {
	rs, err := m.lookupSet(c, sid)
	if err != nil {
		return nil, err
	}
	out := make([]types.FileShare, 0, len(rs.shares))
	for _, s := range rs.shares {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// AttachVm records that a vm named name runs on resource set sid and
// returns the new vm id
func (m *Manager) AttachVm(c types.Caller, name string, sid uint32) (uint32, error) {
	m.logger.WithFields(logrus.Fields{
		"caller":       c.String(),
		"resource_set": sid,
		"vm":           name,
	}).Info("AttachVm called")

	rs, err := m.lookupSet(c, sid)
	if err != nil {
		return 0, err
	}

	used := idalloc.NewSet()
	for k := range m.vms {
		if k.uid == c.UID {
			used.Add(k.id)
		}
	}
	id, err := idalloc.Allocate(used, 1, MaxVMID)
	if err != nil {
		return 0, fmt.Errorf("vms of uid %d: %w", c.UID, err)
	}

	m.vms[key{c.UID, id}] = &vm{uid: c.UID, id: id, set: sid, name: name, owner: c.ID}
	rs.vms[id] = struct{}{}
	m.tracker.AddOwner(types.VMKey(c.UID, id), c.ID)
	m.added(Object{Type: types.ResourceVM, UID: c.UID, ID: id})
	return id, nil
}

// DetachVm drops a vm attachment
func (m *Manager) DetachVm(c types.Caller, vmid uint32) error {
	m.logger.WithFields(logrus.Fields{
		"caller": c.String(),
		"vm_id":  vmid,
	}).Info("DetachVm called")

	if err := checkCaller(c); err != nil {
		return err
	}
	v, ok := m.vms[key{c.UID, vmid}]
	if !ok {
		return fmt.Errorf("vm %d of uid %d: %w", vmid, c.UID, errdefs.ErrNotFound)
	}
	if !m.tracker.IsOwner(types.VMKey(v.uid, v.id), c.ID) {
		m.metrics.PrivilegeViolations.Add(1)
		return fmt.Errorf("vm %d: %w", vmid, types.ErrPrivilege)
	}

	if _, err := m.tracker.RemoveOwner(types.VMKey(v.uid, v.id), v.owner); err != nil {
		m.logger.WithError(err).Warn("Vm had no ownership record")
	}
	m.dropVM(v)
	return nil
}

func (m *Manager) dropVM(v *vm) {
	delete(m.vms, key{v.uid, v.id})
	if rs, ok := m.sets[key{v.uid, v.set}]; ok {
		delete(rs.vms, v.id)
	}
	m.removed(Object{Type: types.ResourceVM, UID: v.uid, ID: v.id})
}

// CallerGone releases everything the caller owned, vms first, then
// resource sets with their shares, taps and network references. Failures
// are logged and the bookkeeping is cleared anyway. A repeated call for
// the same caller does nothing.
func (m *Manager) CallerGone(id types.CallerID) {
	released := m.tracker.RemoveAllOwnedBy(id)
	if len(released) == 0 {
		return
	}

	log := m.logger.WithField("caller", id)
	failures := 0
	for _, r := range released {
		k := key{r.Key.UID, r.Key.ID}
		switch r.Key.Type {
		case types.ResourceVM:
			if v, ok := m.vms[k]; ok {
				m.dropVM(v)
			}
		case types.ResourceSet:
			rs, ok := m.sets[k]
			if !ok {
				continue
			}
			if rs.network != nil {
				if err := m.detach(rs); err != nil {
					failures++
					log.WithError(err).WithField("resource_set", rs.id).Warn("Failed to detach network during cleanup")
				}
			}
			for vmid := range rs.vms {
				if v, ok := m.vms[key{rs.uid, vmid}]; ok {
					m.dropVM(v)
				}
			}
			m.dropSet(rs)
		case types.ResourceNetwork:
			// References were held by the caller's resource sets and are
			// gone with them.
			log.WithFields(logrus.Fields{
				"uid":  r.Key.UID,
				"kind": types.NetworkKind(r.Key.ID).String(),
				"last": r.Last,
			}).Debug("Network ownership dropped")
		}
	}

	m.metrics.RecordReclaim(len(released), failures)
	log.WithFields(logrus.Fields{
		"resources": len(released),
		"failures":  failures,
	}).Info("Reclaimed resources of vanished caller")
}

// Close reclaims every remaining resource and reports anything that
// survived
func (m *Manager) Close() error {
	callers := make(map[types.CallerID]struct{})
	for _, rs := range m.sets {
		callers[rs.owner] = struct{}{}
	}
	for _, v := range m.vms {
		callers[v.owner] = struct{}{}
	}
	ids := make([]string, 0, len(callers))
	for c := range callers {
		ids = append(ids, string(c))
	}
	sort.Strings(ids)
	for _, c := range ids {
		m.CallerGone(types.CallerID(c))
	}

	if len(m.sets) != 0 || len(m.vms) != 0 || m.registry.Len() != 0 || m.tracker.Len() != 0 {
		return fmt.Errorf("resources left after close: %d sets, %d vms, %d networks, %d owned: %w",
			len(m.sets), len(m.vms), m.registry.Len(), m.tracker.Len(), errdefs.ErrInternal)
	}
	return nil
}

// VM describes one vm attachment
type VM struct {
	ID          uint32
	Name        string
	ResourceSet uint32
}

// VM looks up a vm attachment of user uid
func (m *Manager) VM(uid, vmid uint32) (VM, bool) {
	v, ok := m.vms[key{uid, vmid}]
	if !ok {
		return VM{}, false
	}
	return VM{ID: v.id, Name: v.name, ResourceSet: v.set}, true
}

// Network looks up a live network of user uid by network id
func (m *Manager) Network(uid, nid uint32) (types.NetworkInfo, bool) {
	for _, info := range m.registry.List() {
		if info.UID == uid && info.ID == nid {
			return info, true
		}
	}
	return types.NetworkInfo{}, false
}

// Status is a snapshot for the status socket
type Status struct {
	Networks     []types.NetworkInfo `json:"networks"`
	ResourceSets int                 `json:"resource_sets"`
	VMs          int                 `json:"vms"`
	Callers      int                 `json:"callers"`
	Metrics      MetricsSnapshot     `json:"metrics"`
}

// Status describes the current state
func (m *Manager) Status() Status {
	return Status{
		Networks:     m.registry.List(),
		ResourceSets: len(m.sets),
		VMs:          len(m.vms),
		Callers:      m.tracker.Callers(),
		Metrics:      m.metrics.Snapshot(),
	}
}
