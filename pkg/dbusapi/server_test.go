package dbusapi

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/fpemud/virt-service/pkg/manager"
	"github.com/fpemud/virt-service/pkg/netops"
	"github.com/fpemud/virt-service/pkg/netops/netopstest"
	"github.com/fpemud/virt-service/pkg/network"
	"github.com/fpemud/virt-service/pkg/types"
	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExporter struct {
	objects map[string]interface{}
}

func (f *fakeExporter) Export(v interface{}, path dbus.ObjectPath, iface string) error {
	k := string(path) + " " + iface
	if v == nil {
		delete(f.objects, k)
		return nil
	}
	f.objects[k] = v
	return nil
}

func (f *fakeExporter) has(path dbus.ObjectPath, iface string) bool {
	_, ok := f.objects[string(path)+" "+iface]
	return ok
}

var uids = map[string]uint32{
	":1.10": 1000,
	":1.11": 1001,
}

func newTestServer(t *testing.T) (*Server, *fakeExporter) {
	t.Helper()
	logger := logrus.New()
	reg := network.NewRegistry(network.Config{Host: netopstest.New(), Logger: logger})
	mgr := manager.New(manager.Config{Registry: reg, Logger: logger})

	exp := &fakeExporter{objects: make(map[string]interface{})}
	s := newServer(exp, Config{Manager: mgr, Logger: logger})
	s.lookupUID = func(sender string) (uint32, error) {
		uid, ok := uids[sender]
		if !ok {
			return 0, errors.New("no such name")
		}
		return uid, nil
	}
	mgr.SetObserver(s)
	return s, exp
}

func TestErrorName(t *testing.T) {
	tests := []struct {
		err  error
		name string
	}{
		{types.ErrInvalidKind, "InvalidKind"},
		{fmt.Errorf("x: %w", types.ErrInvalidPath), "InvalidPath"},
		{types.ErrAlreadyBound, "AlreadyBound"},
		{types.ErrDuplicateShare, "DuplicateShare"},
		{types.ErrNotBound, "NotBound"},
		{types.ErrExhausted, "ResourceExhausted"},
		{types.ErrPrivilege, "PrivilegeViolation"},
		{types.ErrNoCaller, "PrivilegeViolation"},
		{fmt.Errorf("set 3: %w", errdefs.ErrNotFound), "NotFound"},
		{fmt.Errorf("still bound: %w", errdefs.ErrFailedPrecondition), "PreconditionViolated"},
		{fmt.Errorf("bad name: %w", errdefs.ErrInvalidArgument), "InvalidArgument"},
		{&netops.OpError{Op: "CreateTap", Dev: "vnb1000.1", Err: errors.New("busy")}, "OsOperationFailed"},
		{fmt.Errorf("stopping: %w", errdefs.ErrAborted), "ShuttingDown"},
		{errors.New("unexpected"), "Failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, ErrorPrefix+tt.name, ErrorName(tt.err))
		})
	}

	assert.Nil(t, toDBusError(nil))
	derr := toDBusError(types.ErrNotBound)
	assert.Equal(t, Interface+".Error.NotBound", derr.Name)
	assert.Equal(t, []interface{}{types.ErrNotBound.Error()}, derr.Body)
}

func TestPaths(t *testing.T) {
	assert.Equal(t, dbus.ObjectPath("/org/fpemud/VirtService/1000/VmResSets/3"), ResSetPath(1000, 3))
	assert.Equal(t, dbus.ObjectPath("/org/fpemud/VirtService/1000/VirtMachines/1"), VMPath(1000, 1))
	assert.Equal(t, dbus.ObjectPath("/org/fpemud/VirtService/1000/Networks/2"), NetworkPath(1000, 2))
	assert.True(t, ResSetPath(1000, 3).IsValid())
}

func TestCallerGoneSignal(t *testing.T) {
	tests := []struct {
		name string
		sig  *dbus.Signal
		id   types.CallerID
		ok   bool
	}{
		{"unique name vanished", &dbus.Signal{Name: "org.freedesktop.DBus.NameOwnerChanged", Body: []interface{}{":1.10", ":1.10", ""}}, ":1.10", true},
		{"new owner", &dbus.Signal{Name: "org.freedesktop.DBus.NameOwnerChanged", Body: []interface{}{":1.10", "", ":1.10"}}, "", false},
		{"well-known name", &dbus.Signal{Name: "org.freedesktop.DBus.NameOwnerChanged", Body: []interface{}{"org.example", ":1.10", ""}}, "", false},
		{"other signal", &dbus.Signal{Name: "org.freedesktop.DBus.NameLost", Body: []interface{}{":1.10"}}, "", false},
		{"nil", nil, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := callerGone(tt.sig)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.id, id)
		})
	}
}

func TestResourceSetObjectLifecycle(t *testing.T) {
	s, exp := newTestServer(t)
	root := &service{srv: s}

	sid, derr := root.NewVmResSet(":1.10")
	require.Nil(t, derr)
	assert.Equal(t, uint32(1), sid)
	assert.True(t, exp.has(ResSetPath(1000, sid), ResSetInterface))
	assert.True(t, exp.has(ResSetPath(1000, sid), "org.freedesktop.DBus.Introspectable"))

	set := exp.objects[string(ResSetPath(1000, sid))+" "+ResSetInterface].(*resSet)

	_, derr = set.GetTapIntf(":1.10")
	require.NotNil(t, derr)
	assert.Equal(t, ErrorPrefix+"NotBound", derr.Name)

	state, derr := set.GetState(":1.10")
	require.Nil(t, derr)
	assert.Equal(t, "unbound", state)

	tap, derr := set.AddTapIntf(":1.10", "isolate")
	require.Nil(t, derr)
	assert.Equal(t, "vni1000.1", tap)

	state, derr = set.GetState(":1.10")
	require.Nil(t, derr)
	assert.Equal(t, "network-attached", state)
	assert.True(t, exp.has(NetworkPath(1000, 1), NetworkInterface))

	net := exp.objects[string(NetworkPath(1000, 1))+" "+NetworkInterface].(*networkObject)
	kind, derr := net.GetKind(":1.10")
	require.Nil(t, derr)
	assert.Equal(t, "isolate", kind)

	_, derr = set.AddTapIntf(":1.10", "wormhole")
	assert.Equal(t, ErrorPrefix+"InvalidKind", derr.Name)

	derr = root.DeleteVmResSet(":1.10", sid)
	assert.Equal(t, ErrorPrefix+"PreconditionViolated", derr.Name)

	require.Nil(t, set.RemoveTapIntf(":1.10"))
	assert.False(t, exp.has(NetworkPath(1000, 1), NetworkInterface))
	require.Nil(t, root.DeleteVmResSet(":1.10", sid))
	assert.False(t, exp.has(ResSetPath(1000, sid), ResSetInterface))
	assert.False(t, exp.has(ResSetPath(1000, sid), "org.freedesktop.DBus.Introspectable"))
}

func TestOtherUserIsRefused(t *testing.T) {
	s, exp := newTestServer(t)
	root := &service{srv: s}

	sid, derr := root.NewVmResSet(":1.10")
	require.Nil(t, derr)
	set := exp.objects[string(ResSetPath(1000, sid))+" "+ResSetInterface].(*resSet)

	_, derr = set.AddTapIntf(":1.11", "nat")
	require.NotNil(t, derr)
	assert.Equal(t, ErrorPrefix+"PrivilegeViolation", derr.Name)

	_, derr = root.NewVmResSet(":1.99")
	require.NotNil(t, derr)
	assert.Equal(t, ErrorPrefix+"PrivilegeViolation", derr.Name)

	_, derr = root.NewVmResSet("")
	assert.Equal(t, ErrorPrefix+"PrivilegeViolation", derr.Name)
}

func TestVmObject(t *testing.T) {
	s, exp := newTestServer(t)
	root := &service{srv: s}

	sid, derr := root.NewVmResSet(":1.10")
	require.Nil(t, derr)
	vmid, derr := root.AttachVm(":1.10", "debian", sid)
	require.Nil(t, derr)

	vm := exp.objects[string(VMPath(1000, vmid))+" "+VMInterface].(*virtMachine)
	name, derr := vm.GetName(":1.10")
	require.Nil(t, derr)
	assert.Equal(t, "debian", name)
	got, derr := vm.GetVmResSetId(":1.10")
	require.Nil(t, derr)
	assert.Equal(t, sid, got)

	require.Nil(t, root.DetachVm(":1.10", vmid))
	assert.False(t, exp.has(VMPath(1000, vmid), VMInterface))
	derr = root.DetachVm(":1.10", vmid)
	assert.Equal(t, ErrorPrefix+"NotFound", derr.Name)
}

func TestGoneCallerIsReclaimed(t *testing.T) {
	s, exp := newTestServer(t)
	root := &service{srv: s}

	sid, derr := root.NewVmResSet(":1.10")
	require.Nil(t, derr)
	set := exp.objects[string(ResSetPath(1000, sid))+" "+ResSetInterface].(*resSet)
	_, derr = set.AddTapIntf(":1.10", "bridge")
	require.Nil(t, derr)

	id, ok := callerGone(&dbus.Signal{
		Name: "org.freedesktop.DBus.NameOwnerChanged",
		Body: []interface{}{":1.10", ":1.10", ""},
	})
	require.True(t, ok)
	s.mgr.CallerGone(id)

	assert.Empty(t, exp.objects)
	assert.Equal(t, 0, s.mgr.Live())
}

func TestCallAfterDisconnectIsRefused(t *testing.T) {
	s, exp := newTestServer(t)
	root := &service{srv: s}

	// Cleanup is queued but has not reached the loop yet.
	var pending []types.CallerID
	s.gone = func(id types.CallerID) { pending = append(pending, id) }

	s.handleSignal(&dbus.Signal{
		Name: "org.freedesktop.DBus.NameOwnerChanged",
		Body: []interface{}{":1.10", ":1.10", ""},
	})
	require.Equal(t, []types.CallerID{":1.10"}, pending)

	_, derr := root.NewVmResSet(":1.10")
	require.NotNil(t, derr)
	assert.Equal(t, ErrorPrefix+"PrivilegeViolation", derr.Name)
	assert.Equal(t, 0, s.mgr.Live())
	assert.Empty(t, exp.objects)

	s.mgr.CallerGone(pending[0])
	assert.Equal(t, 0, s.mgr.Live())

	// Other callers are unaffected.
	_, derr = root.NewVmResSet(":1.11")
	assert.Nil(t, derr)
}

func TestDepartedCallersExpire(t *testing.T) {
	s, _ := newTestServer(t)
	start := time.Now()

	s.markDeparted(":1.10", start)
	assert.True(t, s.hasDeparted(":1.10"))

	s.markDeparted(":1.20", start.Add(goneRetention+time.Second))
	assert.False(t, s.hasDeparted(":1.10"))
	assert.True(t, s.hasDeparted(":1.20"))
}
