// Package netopstest provides an in-memory netops.Operator for tests.
package netopstest

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/fpemud/virt-service/pkg/netops"
)

// Link is the fake's view of one host interface
type Link struct {
	Kind   string // "bridge", "tap" or "device"
	Master string
	Owner  uint32
	MAC    net.HardwareAddr
	Addrs  []string
	Routes []string
}

// Fake records host state in memory. Set Fail to make the next call of an
// operation return an error.
type Fake struct {
	mu          sync.Mutex
	Links       map[string]*Link
	Masquerades map[string]bool
	IPForward   bool
	Calls       []string
	Fail        map[string]error
}

var _ netops.Operator = (*Fake)(nil)

// New returns an empty fake host
func New() *Fake {
	return &Fake{
		Links:       make(map[string]*Link),
		Masquerades: make(map[string]bool),
		Fail:        make(map[string]error),
	}
}

// AddDevice plugs in a physical interface
func (f *Fake) AddDevice(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Links[name] = &Link{Kind: "device"}
}

// Has reports whether a link exists
func (f *Fake) Has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.Links[name]
	return ok
}

// Get returns a copy of a link
func (f *Fake) Get(name string) (Link, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.Links[name]
	if !ok {
		return Link{}, false
	}
	return *l, true
}

// Forwarding returns the ip_forward state
func (f *Fake) Forwarding() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.IPForward
}

// HasMasquerade reports whether a rule for cidr is installed
func (f *Fake) HasMasquerade(cidr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Masquerades[cidr]
}

// Names lists all links in sorted order
func (f *Fake) Names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.Links))
	for n := range f.Links {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CallLog returns a copy of the recorded calls
func (f *Fake) CallLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Calls...)
}

// enter records the call and pops any injected failure for op
func (f *Fake) enter(op, arg string) error {
	f.Calls = append(f.Calls, op+" "+arg)
	if err, ok := f.Fail[op]; ok {
		delete(f.Fail, op)
		return &netops.OpError{Op: op, Dev: arg, Err: err}
	}
	return nil
}

func (f *Fake) CreateBridge(name string, mac net.HardwareAddr, addr *net.IPNet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateBridge", name); err != nil {
		return err
	}
	if err := netops.CheckIfName(name); err != nil {
		return err
	}
	l := &Link{Kind: "bridge", MAC: mac}
	if addr != nil {
		l.Addrs = append(l.Addrs, addr.String())
	}
	f.Links[name] = l
	return nil
}

func (f *Fake) DeleteBridge(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteBridge", name); err != nil {
		return err
	}
	for _, l := range f.Links {
		if l.Master == name {
			l.Master = ""
		}
	}
	delete(f.Links, name)
	return nil
}

func (f *Fake) CreateTap(name string, opts netops.TapOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateTap", name); err != nil {
		return err
	}
	if err := netops.CheckIfName(name); err != nil {
		return err
	}
	if _, ok := f.Links[name]; ok {
		return &netops.OpError{Op: "CreateTap", Dev: name, Err: fmt.Errorf("file exists")}
	}
	if opts.Master != "" {
		if br, ok := f.Links[opts.Master]; !ok || br.Kind != "bridge" {
			return &netops.OpError{Op: "CreateTap", Dev: name, Err: fmt.Errorf("no bridge %s", opts.Master)}
		}
	}
	f.Links[name] = &Link{Kind: "tap", Master: opts.Master, Owner: opts.Owner}
	return nil
}

func (f *Fake) DeleteTap(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteTap", name); err != nil {
		return err
	}
	delete(f.Links, name)
	return nil
}

func (f *Fake) AddAddress(dev string, addr *net.IPNet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("AddAddress", dev); err != nil {
		return err
	}
	l, ok := f.Links[dev]
	if !ok {
		return &netops.OpError{Op: "AddAddress", Dev: dev, Err: fmt.Errorf("no such device")}
	}
	l.Addrs = append(l.Addrs, addr.String())
	return nil
}

func (f *Fake) AddHostRoute(dev string, dst net.IP) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("AddHostRoute", dev); err != nil {
		return err
	}
	l, ok := f.Links[dev]
	if !ok {
		return &netops.OpError{Op: "AddHostRoute", Dev: dev, Err: fmt.Errorf("no such device")}
	}
	l.Routes = append(l.Routes, dst.String()+"/32")
	return nil
}

func (f *Fake) SetMaster(dev, bridge string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("SetMaster", dev); err != nil {
		return err
	}
	l, ok := f.Links[dev]
	if !ok {
		return &netops.OpError{Op: "SetMaster", Dev: dev, Err: fmt.Errorf("no such device")}
	}
	if _, ok := f.Links[bridge]; !ok {
		return &netops.OpError{Op: "SetMaster", Dev: bridge, Err: fmt.Errorf("no such bridge")}
	}
	if l.Master != "" && l.Master != bridge {
		return &netops.OpError{Op: "SetMaster", Dev: dev, Err: netops.ErrPortBusy}
	}
	l.Master = bridge
	return nil
}

func (f *Fake) ReleaseMaster(dev string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ReleaseMaster", dev); err != nil {
		return err
	}
	l, ok := f.Links[dev]
	if !ok {
		return &netops.OpError{Op: "ReleaseMaster", Dev: dev, Err: fmt.Errorf("no such device")}
	}
	l.Master = ""
	return nil
}

func (f *Fake) AddMasquerade(cidr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("AddMasquerade", cidr); err != nil {
		return err
	}
	f.Masquerades[cidr] = true
	return nil
}

func (f *Fake) DeleteMasquerade(cidr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteMasquerade", cidr); err != nil {
		return err
	}
	delete(f.Masquerades, cidr)
	return nil
}

func (f *Fake) SetIPForward(enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("SetIPForward", fmt.Sprint(enabled)); err != nil {
		return err
	}
	f.IPForward = enabled
	return nil
}

func (f *Fake) ListLinks(prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := []string{}
	for n := range f.Links {
		if strings.HasPrefix(n, prefix) {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names, nil
}
