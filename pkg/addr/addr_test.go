package addr

import (
	"net"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubnet(t *testing.T) {
	a := New()

	sn, err := a.Subnet(1)
	require.NoError(t, err)
	assert.Equal(t, "10.0.1.0/24", sn.CIDR())
	assert.Equal(t, "10.0.1.1", sn.Gateway.String())
	assert.Equal(t, "10.0.1.255", sn.Broadcast().String())
	assert.Equal(t, "10.0.1.1/24", sn.GatewayCIDR().String())

	sn, err = a.Subnet(0x0102)
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.0/24", sn.CIDR())
}

func TestGuestAddresses(t *testing.T) {
	a := New()

	ip, err := a.IP(3, 1)
	require.NoError(t, err)
	assert.Equal(t, "10.0.3.2", ip.String())

	ip, err = a.IP(3, 128)
	require.NoError(t, err)
	assert.Equal(t, "10.0.3.129", ip.String())

	mac, err := a.MAC(0x0203, 7)
	require.NoError(t, err)
	assert.Equal(t, "00:50:01:02:03:07", mac.String())

	mac, err = a.BridgeMAC(5)
	require.NoError(t, err)
	assert.Equal(t, "00:50:00:00:05:01", mac.String())
}

func TestOutOfRange(t *testing.T) {
	a := New()

	_, err := a.IP(1, 0)
	assert.True(t, errdefs.IsInvalidArgument(err))
	_, err = a.IP(1, 129)
	assert.True(t, errdefs.IsInvalidArgument(err))
	_, err = a.MAC(0, 1)
	assert.True(t, errdefs.IsInvalidArgument(err))
	_, err = a.Subnet(MaxNetworkID + 1)
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestMappingIsInjective(t *testing.T) {
	a := New()
	macs := make(map[string]struct{})
	ips := make(map[string]struct{})

	for nid := uint32(1); nid <= 6; nid++ {
		sn, err := a.Subnet(nid)
		require.NoError(t, err)

		for rsid := uint32(MinResourceSetID); rsid <= MaxResourceSetID; rsid++ {
			mac, err := a.MAC(nid, rsid)
			require.NoError(t, err)
			ip, err := a.IP(nid, rsid)
			require.NoError(t, err)

			assert.True(t, sn.Contains(ip))
			assert.False(t, ip.Equal(sn.Gateway), "guest %s collides with gateway", ip)
			assert.False(t, ip.Equal(sn.Network))
			assert.False(t, ip.Equal(sn.Broadcast()))

			macs[mac.String()] = struct{}{}
			ips[ip.String()] = struct{}{}
		}
	}

	assert.Len(t, macs, 6*MaxResourceSetID)
	assert.Len(t, ips, 6*MaxResourceSetID)
}

func TestCustomPlan(t *testing.T) {
	a := &Allocator{GuestOUI: [3]byte{0x52, 0x54, 0x00}, FirstOctet: 172}
	ip, err := a.IP(16, 1)
	require.NoError(t, err)
	assert.True(t, ip.Equal(net.ParseIP("172.0.16.2")))

	mac, err := a.MAC(16, 1)
	require.NoError(t, err)
	assert.Equal(t, "52:54:00:00:10:01", mac.String())
}
