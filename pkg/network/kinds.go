package network

import (
	"errors"
	"net"

	"github.com/fpemud/virt-service/pkg/netops"
	"github.com/fpemud/virt-service/pkg/types"
)

// hostPorts is an ordered set of host interface names
type hostPorts []string

func (p *hostPorts) add(name string) {
	for _, n := range *p {
		if n == name {
			return
		}
	}
	*p = append(*p, name)
}

func (p *hostPorts) remove(name string) bool {
	for i, n := range *p {
		if n == name {
			*p = append((*p)[:i], (*p)[i+1:]...)
			return true
		}
	}
	return false
}

func (p hostPorts) list() []string {
	return append([]string(nil), p...)
}

// Bridge joins guests to the host's physical network. Active host
// interfaces are enslaved to the bridge as they appear.
type Bridge struct {
	segment
	ports hostPorts
}

func (b *Bridge) Info() types.NetworkInfo {
	info := b.segment.Info()
	info.HostPorts = b.ports.list()
	return info
}

func (b *Bridge) create() error {
	if err := b.host.CreateBridge(b.name, nil, nil); err != nil {
		return err
	}
	if err := b.journal.SaveNetwork(b.record(true, "")); err != nil {
		b.logger.WithError(err).Warn("Failed to journal network")
	}
	return nil
}

func (b *Bridge) Attach(rsid uint32) (string, error) {
	return b.addTap(rsid, func(name string) error {
		return b.host.CreateTap(name, netops.TapOptions{Master: b.name, Owner: b.uid})
	})
}

func (b *Bridge) OnHostInterfaceAdded(name string) {
	// Some interfaces (wireless ones) cannot be bridged. Those are skipped.
	if err := b.host.SetMaster(name, b.name); err != nil {
		b.logger.WithFields(b.fields()).WithError(err).Debugf("Not bridging %s", name)
		return
	}
	b.ports.add(name)
	b.logger.WithFields(b.fields()).Infof("Bridged host interface %s", name)
}

func (b *Bridge) OnHostInterfaceRemoved(name string) {
	if !b.ports.remove(name) {
		return
	}
	if err := b.host.ReleaseMaster(name); err != nil {
		b.logger.WithFields(b.fields()).WithError(err).Debugf("Failed to unbridge %s", name)
		return
	}
	b.logger.WithFields(b.fields()).Infof("Unbridged host interface %s", name)
}

func (b *Bridge) destroy() error {
	if err := b.checkEmpty(); err != nil {
		return err
	}
	for _, name := range b.ports.list() {
		if err := b.host.ReleaseMaster(name); err != nil {
			b.logger.WithError(err).Warnf("Failed to unbridge %s", name)
		}
	}
	b.ports = nil

	if err := b.host.DeleteBridge(b.name); err != nil {
		return err
	}
	if err := b.journal.DeleteNetwork(b.name); err != nil {
		b.logger.WithError(err).Warn("Failed to remove network from journal")
	}
	return nil
}

// Nat is a private bridge holding the subnet gateway, with outbound
// traffic masqueraded. Host interfaces are tracked as uplinks only.
type Nat struct {
	segment
	uplinks hostPorts
}

func (n *Nat) Info() types.NetworkInfo {
	info := n.segment.Info()
	info.HostPorts = n.uplinks.list()
	return info
}

func (n *Nat) create() error {
	mac, err := n.addrs.BridgeMAC(n.id)
	if err != nil {
		return err
	}
	if err := n.host.CreateBridge(n.name, mac, n.subnet.GatewayCIDR()); err != nil {
		return err
	}
	if err := n.host.AddMasquerade(n.subnet.CIDR()); err != nil {
		if derr := n.host.DeleteBridge(n.name); derr != nil {
			n.logger.WithError(derr).Warnf("Failed to remove bridge %s while unwinding", n.name)
		}
		return err
	}
	if err := n.journal.SaveNetwork(n.record(true, n.subnet.CIDR())); err != nil {
		n.logger.WithError(err).Warn("Failed to journal network")
	}
	return nil
}

func (n *Nat) Attach(rsid uint32) (string, error) {
	return n.addTap(rsid, func(name string) error {
		return n.host.CreateTap(name, netops.TapOptions{Master: n.name, Owner: n.uid})
	})
}

func (n *Nat) OnHostInterfaceAdded(name string)   { n.uplinks.add(name) }
func (n *Nat) OnHostInterfaceRemoved(name string) { n.uplinks.remove(name) }

func (n *Nat) destroy() error {
	if err := n.checkEmpty(); err != nil {
		return err
	}
	// The bridge goes even when the rule cannot; the journal then keeps
	// only the rule for the next start to sweep.
	ruleErr := n.host.DeleteMasquerade(n.subnet.CIDR())
	if ruleErr != nil {
		n.logger.WithFields(n.fields()).WithError(ruleErr).Warn("Failed to remove masquerade rule")
	}
	if err := n.host.DeleteBridge(n.name); err != nil {
		return errors.Join(ruleErr, err)
	}
	if ruleErr != nil {
		if err := n.journal.SaveNetwork(n.record(false, n.subnet.CIDR())); err != nil {
			n.logger.WithError(err).Warn("Failed to journal network")
		}
		return ruleErr
	}
	if err := n.journal.DeleteNetwork(n.name); err != nil {
		n.logger.WithError(err).Warn("Failed to remove network from journal")
	}
	return nil
}

// Route gives every guest its own tap carrying the subnet gateway as a
// /32 and a host route to the guest address. Nothing is bridged or
// masqueraded.
type Route struct {
	segment
	uplinks hostPorts
}

func (r *Route) Info() types.NetworkInfo {
	info := r.segment.Info()
	info.HostPorts = r.uplinks.list()
	return info
}

func (r *Route) create() error {
	if err := r.journal.SaveNetwork(r.record(false, "")); err != nil {
		r.logger.WithError(err).Warn("Failed to journal network")
	}
	return nil
}

func (r *Route) Attach(rsid uint32) (string, error) {
	guest, err := r.guestIP(rsid)
	if err != nil {
		return "", err
	}
	return r.addTap(rsid, func(name string) error {
		if err := r.host.CreateTap(name, netops.TapOptions{Owner: r.uid}); err != nil {
			return err
		}
		gw := &net.IPNet{IP: r.subnet.Gateway, Mask: net.CIDRMask(32, 32)}
		if err := r.host.AddAddress(name, gw); err != nil {
			r.unwindTap(name)
			return err
		}
		if err := r.host.AddHostRoute(name, guest); err != nil {
			r.unwindTap(name)
			return err
		}
		return nil
	})
}

func (r *Route) unwindTap(name string) {
	if err := r.host.DeleteTap(name); err != nil {
		r.logger.WithError(err).Warnf("Failed to remove tap %s while unwinding", name)
	}
}

func (r *Route) OnHostInterfaceAdded(name string)   { r.uplinks.add(name) }
func (r *Route) OnHostInterfaceRemoved(name string) { r.uplinks.remove(name) }

func (r *Route) destroy() error {
	if err := r.checkEmpty(); err != nil {
		return err
	}
	if err := r.journal.DeleteNetwork(r.name); err != nil {
		r.logger.WithError(err).Warn("Failed to remove network from journal")
	}
	return nil
}

// Isolate hands out bare taps connected to nothing
type Isolate struct {
	segment
}

func (i *Isolate) create() error { return nil }

func (i *Isolate) Attach(rsid uint32) (string, error) {
	return i.addTap(rsid, func(name string) error {
		return i.host.CreateTap(name, netops.TapOptions{Owner: i.uid})
	})
}

func (i *Isolate) destroy() error {
	return i.checkEmpty()
}
