package netops

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/coreos/go-iptables/iptables"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
)

const defaultForwardPath = "/proc/sys/net/ipv4/ip_forward"

// Client performs operations against the running kernel
type Client struct {
	logger      *logrus.Logger
	ipt         *iptables.IPTables
	forwardPath string
}

// NewClient creates a client bound to the host's IPv4 iptables
func NewClient(logger *logrus.Logger) (*Client, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.GetLevel())
	}

	ipt, err := iptables.New()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize iptables: %w", err)
	}

	return &Client{
		logger:      logger,
		ipt:         ipt,
		forwardPath: defaultForwardPath,
	}, nil
}

// Ping verifies that the netlink socket and iptables are usable
func (c *Client) Ping() error {
	if _, err := netlink.LinkList(); err != nil && !errors.Is(err, netlink.ErrDumpInterrupted) {
		return opErr("list links", "", err)
	}
	if _, err := c.ipt.ListChains("nat"); err != nil {
		return opErr("list nat chains", "", err)
	}
	return nil
}

// CreateBridge creates a bridge, optionally with a fixed MAC and address,
// and brings it up. A partially created bridge is removed on failure.
func (c *Client) CreateBridge(name string, mac net.HardwareAddr, addr *net.IPNet) error {
	if err := CheckIfName(name); err != nil {
		return err
	}

	if existing, err := netlink.LinkByName(name); err == nil {
		c.logger.Warnf("Bridge %s already exists, deleting it", name)
		if err := netlink.LinkDel(existing); err != nil {
			return opErr("delete stale bridge", name, err)
		}
	}

	attrs := netlink.NewLinkAttrs()
	attrs.Name = name
	if mac != nil {
		attrs.HardwareAddr = mac
	}
	br := &netlink.Bridge{LinkAttrs: attrs}
	if err := netlink.LinkAdd(br); err != nil {
		return opErr("create bridge", name, err)
	}

	link, err := netlink.LinkByName(name)
	if err != nil {
		return opErr("lookup bridge", name, err)
	}

	if addr != nil {
		if err := netlink.AddrAdd(link, &netlink.Addr{IPNet: addr}); err != nil {
			_ = netlink.LinkDel(link)
			return opErr("add address to bridge", name, err)
		}
	}

	if err := netlink.LinkSetUp(link); err != nil {
		_ = netlink.LinkDel(link)
		return opErr("bring up bridge", name, err)
	}

	c.logger.Infof("Created bridge %s", name)
	return nil
}

// DeleteBridge brings a bridge down and deletes it. A missing bridge is not an error.
func (c *Client) DeleteBridge(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		c.logger.Debugf("Bridge %s already gone", name)
		return nil
	}
	if err := netlink.LinkSetDown(link); err != nil {
		c.logger.Warnf("Failed to bring down bridge %s: %v", name, err)
	}
	if err := netlink.LinkDel(link); err != nil {
		return opErr("delete bridge", name, err)
	}
	c.logger.Infof("Deleted bridge %s", name)
	return nil
}

// CreateTap creates a persistent tap owned by opts.Owner, enslaves it to
// opts.Master when set and brings it up.
func (c *Client) CreateTap(name string, opts TapOptions) error {
	if err := CheckIfName(name); err != nil {
		return err
	}

	attrs := netlink.NewLinkAttrs()
	attrs.Name = name
	tap := &netlink.Tuntap{
		LinkAttrs: attrs,
		Mode:      netlink.TUNTAP_MODE_TAP,
		Flags:     netlink.TUNTAP_DEFAULTS,
		Owner:     opts.Owner,
	}
	if err := netlink.LinkAdd(tap); err != nil {
		return opErr("create tap", name, err)
	}

	link, err := netlink.LinkByName(name)
	if err != nil {
		return opErr("lookup tap", name, err)
	}

	if opts.Master != "" {
		br, err := netlink.LinkByName(opts.Master)
		if err != nil {
			_ = netlink.LinkDel(link)
			return opErr("lookup bridge", opts.Master, err)
		}
		if err := netlink.LinkSetMaster(link, br); err != nil {
			_ = netlink.LinkDel(link)
			return opErr("attach tap to bridge", name, err)
		}
	}

	if err := netlink.LinkSetUp(link); err != nil {
		_ = netlink.LinkDel(link)
		return opErr("bring up tap", name, err)
	}

	c.logger.Infof("Created tap %s (master=%q owner=%d)", name, opts.Master, opts.Owner)
	return nil
}

// DeleteTap removes a tap device. A missing tap is not an error.
func (c *Client) DeleteTap(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil
	}
	if _, ok := link.(*netlink.Tuntap); !ok {
		return opErr("delete tap", name, fmt.Errorf("device is %s, not a tap", link.Type()))
	}
	if err := netlink.LinkDel(link); err != nil {
		return opErr("delete tap", name, err)
	}
	c.logger.Infof("Deleted tap %s", name)
	return nil
}

// AddAddress assigns addr to dev
func (c *Client) AddAddress(dev string, addr *net.IPNet) error {
	link, err := netlink.LinkByName(dev)
	if err != nil {
		return opErr("lookup link", dev, err)
	}
	if err := netlink.AddrAdd(link, &netlink.Addr{IPNet: addr}); err != nil {
		return opErr("add address "+addr.String(), dev, err)
	}
	return nil
}

// AddHostRoute routes dst/32 through dev
func (c *Client) AddHostRoute(dev string, dst net.IP) error {
	link, err := netlink.LinkByName(dev)
	if err != nil {
		return opErr("lookup link", dev, err)
	}
	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Scope:     netlink.SCOPE_LINK,
		Dst:       &net.IPNet{IP: dst, Mask: net.CIDRMask(32, 32)},
	}
	if err := netlink.RouteAdd(route); err != nil {
		return opErr("add route "+dst.String(), dev, err)
	}
	return nil
}

// SetMaster enslaves dev to bridge. A device that already belongs to
// another bridge is left alone and ErrPortBusy is returned.
func (c *Client) SetMaster(dev, bridge string) error {
	link, err := netlink.LinkByName(dev)
	if err != nil {
		return opErr("lookup link", dev, err)
	}
	br, err := netlink.LinkByName(bridge)
	if err != nil {
		return opErr("lookup bridge", bridge, err)
	}
	if idx := link.Attrs().MasterIndex; idx != 0 && idx != br.Attrs().Index {
		return opErr("set master "+bridge, dev, ErrPortBusy)
	}
	if err := netlink.LinkSetMaster(link, br); err != nil {
		return opErr("set master "+bridge, dev, err)
	}
	return nil
}

// ReleaseMaster detaches dev from whatever bridge holds it
func (c *Client) ReleaseMaster(dev string) error {
	link, err := netlink.LinkByName(dev)
	if err != nil {
		return opErr("lookup link", dev, err)
	}
	if err := netlink.LinkSetNoMaster(link); err != nil {
		return opErr("release master", dev, err)
	}
	return nil
}

func masqueradeRule(cidr string) []string {
	return []string{"-s", cidr, "!", "-d", cidr, "-j", "MASQUERADE"}
}

// AddMasquerade installs the nat rule for traffic leaving cidr
func (c *Client) AddMasquerade(cidr string) error {
	if err := c.ipt.AppendUnique("nat", "POSTROUTING", masqueradeRule(cidr)...); err != nil {
		return opErr("add masquerade", cidr, err)
	}
	c.logger.Infof("Added masquerade rule for %s", cidr)
	return nil
}

// DeleteMasquerade removes the nat rule for cidr if it is present
func (c *Client) DeleteMasquerade(cidr string) error {
	if err := c.ipt.DeleteIfExists("nat", "POSTROUTING", masqueradeRule(cidr)...); err != nil {
		return opErr("delete masquerade", cidr, err)
	}
	c.logger.Infof("Deleted masquerade rule for %s", cidr)
	return nil
}

// SetIPForward flips net.ipv4.ip_forward
func (c *Client) SetIPForward(enabled bool) error {
	value := "0"
	if enabled {
		value = "1"
	}
	if err := os.WriteFile(c.forwardPath, []byte(value), 0644); err != nil {
		return opErr("set ip_forward="+value, "", err)
	}
	c.logger.Infof("Set ip_forward=%s", value)
	return nil
}

// ListLinks returns link names with the given prefix
func (c *Client) ListLinks(prefix string) ([]string, error) {
	links, err := netlink.LinkList()
	if err != nil && !errors.Is(err, netlink.ErrDumpInterrupted) {
		return nil, opErr("list links", "", err)
	}

	names := []string{}
	for _, link := range links {
		name := link.Attrs().Name
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}
