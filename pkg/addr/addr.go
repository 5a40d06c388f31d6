// Package addr derives guest MAC and IPv4 addresses and per-network
// subnets from (network id, resource set id) pairs.
package addr

import (
	"fmt"
	"net"

	"github.com/c-robinson/iplib/v2"
	"github.com/containerd/errdefs"
)

const (
	// MaxNetworkID is the largest network id the two middle octets can carry
	MaxNetworkID = 0xffff

	// MinResourceSetID and MaxResourceSetID bound resource set ids
	MinResourceSetID = 1
	MaxResourceSetID = 128

	// PrefixLen is the size of every derived subnet
	PrefixLen = 24

	// guest last octet = hostOffset + resource set id; .1 is the gateway
	hostOffset = 1
)

var (
	DefaultGuestOUI  = [3]byte{0x00, 0x50, 0x01}
	DefaultBridgeOUI = [3]byte{0x00, 0x50, 0x00}
)

// Allocator maps ids to addresses. It is a pure function of its fields.
type Allocator struct {
	GuestOUI   [3]byte
	BridgeOUI  [3]byte
	FirstOctet byte
}

// New returns an allocator with the default 00:50:01 OUI and 10.0.0.0/8 space
func New() *Allocator {
	return &Allocator{
		GuestOUI:   DefaultGuestOUI,
		BridgeOUI:  DefaultBridgeOUI,
		FirstOctet: 10,
	}
}

// Subnet is the /24 owned by one network
type Subnet struct {
	net iplib.Net4
	// Network is the .0 address
	Network net.IP
	// Gateway is the .1 address held by the host side
	Gateway net.IP
}

// CIDR returns the subnet in a.b.c.0/24 form
func (s Subnet) CIDR() string {
	return fmt.Sprintf("%s/%d", s.Network, PrefixLen)
}

// GatewayCIDR returns the gateway with the subnet prefix, suitable for an
// interface address
func (s Subnet) GatewayCIDR() *net.IPNet {
	return &net.IPNet{IP: s.Gateway, Mask: net.CIDRMask(PrefixLen, 32)}
}

// Broadcast returns the .255 address
func (s Subnet) Broadcast() net.IP {
	return s.net.BroadcastAddress()
}

// Contains reports whether ip lies inside the subnet
func (s Subnet) Contains(ip net.IP) bool {
	return s.net.Contains(ip)
}

func checkNetworkID(nid uint32) error {
	if nid == 0 || nid > MaxNetworkID {
		return fmt.Errorf("network id %d out of range [1, %d]: %w", nid, MaxNetworkID, errdefs.ErrInvalidArgument)
	}
	return nil
}

func checkResourceSetID(rsid uint32) error {
	if rsid < MinResourceSetID || rsid > MaxResourceSetID {
		return fmt.Errorf("resource set id %d out of range [%d, %d]: %w",
			rsid, MinResourceSetID, MaxResourceSetID, errdefs.ErrInvalidArgument)
	}
	return nil
}

// Subnet returns the /24 for network nid: first.(nid>>8).(nid&0xff).0
func (a *Allocator) Subnet(nid uint32) (Subnet, error) {
	if err := checkNetworkID(nid); err != nil {
		return Subnet{}, err
	}
	base := net.IPv4(a.FirstOctet, byte(nid>>8), byte(nid), 0).To4()
	n := iplib.NewNet4(base, PrefixLen)
	return Subnet{
		net:     n,
		Network: base,
		Gateway: n.FirstAddress(),
	}, nil
}

// IP returns the guest address for resource set rsid on network nid
func (a *Allocator) IP(nid, rsid uint32) (net.IP, error) {
	if err := checkResourceSetID(rsid); err != nil {
		return nil, err
	}
	sn, err := a.Subnet(nid)
	if err != nil {
		return nil, err
	}
	ip := iplib.Uint32ToIP4(iplib.IP4ToUint32(sn.Network) + hostOffset + rsid)
	return ip, nil
}

// MAC returns OUI + big-endian nid (2 bytes) + rsid (1 byte)
func (a *Allocator) MAC(nid, rsid uint32) (net.HardwareAddr, error) {
	if err := checkNetworkID(nid); err != nil {
		return nil, err
	}
	if err := checkResourceSetID(rsid); err != nil {
		return nil, err
	}
	return net.HardwareAddr{
		a.GuestOUI[0], a.GuestOUI[1], a.GuestOUI[2],
		byte(nid >> 8), byte(nid), byte(rsid),
	}, nil
}

// BridgeMAC returns the fixed address given to a nat bridge
func (a *Allocator) BridgeMAC(nid uint32) (net.HardwareAddr, error) {
	if err := checkNetworkID(nid); err != nil {
		return nil, err
	}
	return net.HardwareAddr{
		a.BridgeOUI[0], a.BridgeOUI[1], a.BridgeOUI[2],
		byte(nid >> 8), byte(nid), 0x01,
	}, nil
}
