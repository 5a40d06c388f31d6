package dbusapi

import (
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/fpemud/virt-service/pkg/types"
	"github.com/godbus/dbus/v5"
)

// service is the root object
type service struct {
	srv *Server
}

func (o *service) NewVmResSet(sender dbus.Sender) (uint32, *dbus.Error) {
	var sid uint32
	derr := o.srv.call(sender, func(c types.Caller) (err error) {
		sid, err = o.srv.mgr.CreateResourceSet(c)
		return err
	})
	return sid, derr
}

func (o *service) DeleteVmResSet(sender dbus.Sender, sid uint32) *dbus.Error {
	return o.srv.call(sender, func(c types.Caller) error {
		return o.srv.mgr.DeleteResourceSet(c, sid)
	})
}

func (o *service) AttachVm(sender dbus.Sender, vmName string, sid uint32) (uint32, *dbus.Error) {
	var vmid uint32
	derr := o.srv.call(sender, func(c types.Caller) (err error) {
		vmid, err = o.srv.mgr.AttachVm(c, vmName, sid)
		return err
	})
	return vmid, derr
}

func (o *service) DetachVm(sender dbus.Sender, vmid uint32) *dbus.Error {
	return o.srv.call(sender, func(c types.Caller) error {
		return o.srv.mgr.DetachVm(c, vmid)
	})
}

// resSet is a resource set object. Calls from another user are refused
// before the manager sees them.
type resSet struct {
	srv *Server
	uid uint32
	sid uint32
}

func (o *resSet) call(sender dbus.Sender, fn func(c types.Caller) error) *dbus.Error {
	return o.srv.call(sender, func(c types.Caller) error {
		if c.UID != o.uid {
			return fmt.Errorf("resource set %d belongs to uid %d: %w", o.sid, o.uid, types.ErrPrivilege)
		}
		return fn(c)
	})
}

func (o *resSet) str(sender dbus.Sender, get func(c types.Caller, sid uint32) (string, error)) (string, *dbus.Error) {
	var out string
	derr := o.call(sender, func(c types.Caller) (err error) {
		out, err = get(c, o.sid)
		return err
	})
	return out, derr
}

func (o *resSet) GetState(sender dbus.Sender) (string, *dbus.Error) {
	return o.str(sender, func(c types.Caller, sid uint32) (string, error) {
		st, err := o.srv.mgr.State(c, sid)
		return st.String(), err
	})
}

func (o *resSet) AddTapIntf(sender dbus.Sender, kind string) (string, *dbus.Error) {
	return o.str(sender, func(c types.Caller, sid uint32) (string, error) {
		return o.srv.mgr.AttachNetwork(c, sid, kind)
	})
}

func (o *resSet) RemoveTapIntf(sender dbus.Sender) *dbus.Error {
	return o.call(sender, func(c types.Caller) error {
		return o.srv.mgr.DetachNetwork(c, o.sid)
	})
}

func (o *resSet) GetTapIntf(sender dbus.Sender) (string, *dbus.Error) {
	return o.str(sender, o.srv.mgr.GetTapInterface)
}

func (o *resSet) GetVmMacAddr(sender dbus.Sender) (string, *dbus.Error) {
	return o.str(sender, o.srv.mgr.GetMacAddress)
}

func (o *resSet) GetVmIpAddr(sender dbus.Sender) (string, *dbus.Error) {
	return o.str(sender, o.srv.mgr.GetIpAddress)
}

func (o *resSet) GetShareServerAddress(sender dbus.Sender) (string, *dbus.Error) {
	return o.str(sender, o.srv.mgr.GetShareServerAddress)
}

func (o *resSet) NewSambaShare(sender dbus.Sender, name, srcPath string, readonly bool) *dbus.Error {
	return o.call(sender, func(c types.Caller) error {
		return o.srv.mgr.AddFileShare(c, o.sid, name, srcPath, readonly)
	})
}

func (o *resSet) DeleteSambaShare(sender dbus.Sender, name string) *dbus.Error {
	return o.call(sender, func(c types.Caller) error {
		return o.srv.mgr.RemoveFileShare(c, o.sid, name)
	})
}

// virtMachine is a vm attachment object
type virtMachine struct {
	srv  *Server
	uid  uint32
	vmid uint32
}

func (o *virtMachine) lookup(sender dbus.Sender, fn func(name string, sid uint32)) *dbus.Error {
	return o.srv.call(sender, func(c types.Caller) error {
		v, ok := o.srv.mgr.VM(o.uid, o.vmid)
		if !ok {
			return fmt.Errorf("vm %d: %w", o.vmid, errdefs.ErrNotFound)
		}
		fn(v.Name, v.ResourceSet)
		return nil
	})
}

func (o *virtMachine) GetName(sender dbus.Sender) (string, *dbus.Error) {
	var out string
	derr := o.lookup(sender, func(name string, _ uint32) { out = name })
	return out, derr
}

func (o *virtMachine) GetVmResSetId(sender dbus.Sender) (uint32, *dbus.Error) {
	var out uint32
	derr := o.lookup(sender, func(_ string, sid uint32) { out = sid })
	return out, derr
}

// networkObject describes a live network
type networkObject struct {
	srv *Server
	uid uint32
	nid uint32
}

func (o *networkObject) info(sender dbus.Sender) (types.NetworkInfo, *dbus.Error) {
	var out types.NetworkInfo
	derr := o.srv.call(sender, func(c types.Caller) error {
		info, ok := o.srv.mgr.Network(o.uid, o.nid)
		if !ok {
			return fmt.Errorf("network %d: %w", o.nid, errdefs.ErrNotFound)
		}
		out = info
		return nil
	})
	return out, derr
}

func (o *networkObject) GetKind(sender dbus.Sender) (string, *dbus.Error) {
	info, derr := o.info(sender)
	return info.Kind.String(), derr
}

func (o *networkObject) GetSubnet(sender dbus.Sender) (string, *dbus.Error) {
	info, derr := o.info(sender)
	return info.Subnet, derr
}

func (o *networkObject) GetSegment(sender dbus.Sender) (string, *dbus.Error) {
	info, derr := o.info(sender)
	return info.Segment, derr
}
