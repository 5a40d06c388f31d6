// Package netops performs the host-level network operations the daemon
// needs: bridges, tap devices, addresses, routes, the masquerade rule and
// the global forwarding switch. Every operation takes typed arguments; no
// command line is ever assembled from strings.
package netops

import (
	"errors"
	"fmt"
	"net"

	"github.com/containerd/errdefs"
)

// ErrOperationFailed marks a failure reported by the host
var ErrOperationFailed = fmt.Errorf("host network operation failed: %w", errdefs.ErrUnavailable)

// ErrPortBusy is the cause of a SetMaster refused because the device is
// already a port of another bridge
var ErrPortBusy = errors.New("device is already enslaved to another bridge")

// MaxIfNameLen is the kernel limit on interface names (IFNAMSIZ - 1)
const MaxIfNameLen = 15

// OpError records which operation failed on which device
type OpError struct {
	Op  string
	Dev string
	Err error
}

func (e *OpError) Error() string {
	if e.Dev == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Dev, e.Err)
}

func (e *OpError) Unwrap() []error {
	return []error{ErrOperationFailed, e.Err}
}

func opErr(op, dev string, err error) error {
	return &OpError{Op: op, Dev: dev, Err: err}
}

// IsOperationFailed reports whether err came from a host operation
func IsOperationFailed(err error) bool {
	return errors.Is(err, ErrOperationFailed)
}

// TapOptions controls how a tap device is created
type TapOptions struct {
	// Master is the bridge to enslave the tap to; empty leaves it bare
	Master string
	// Owner is the uid allowed to open the tap
	Owner uint32
}

// Operator is the set of host operations used by network objects.
// Client implements it against the kernel; netopstest.Fake records calls.
type Operator interface {
	CreateBridge(name string, mac net.HardwareAddr, addr *net.IPNet) error
	DeleteBridge(name string) error

	CreateTap(name string, opts TapOptions) error
	DeleteTap(name string) error

	AddAddress(dev string, addr *net.IPNet) error
	AddHostRoute(dev string, dst net.IP) error

	SetMaster(dev, bridge string) error
	ReleaseMaster(dev string) error

	AddMasquerade(cidr string) error
	DeleteMasquerade(cidr string) error

	SetIPForward(enabled bool) error

	// ListLinks returns the names of all links starting with prefix
	ListLinks(prefix string) ([]string, error)
}

// CheckIfName rejects names the kernel would refuse
func CheckIfName(name string) error {
	if name == "" || len(name) > MaxIfNameLen {
		return fmt.Errorf("interface name %q must be 1-%d bytes: %w", name, MaxIfNameLen, errdefs.ErrInvalidArgument)
	}
	return nil
}
