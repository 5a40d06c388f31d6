package hostmon

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
)

// NetlinkSource treats every up, physical, non-loopback link as active.
// Links whose names start with one of IgnorePrefixes (the daemon's own
// bridges and taps) are never reported.
type NetlinkSource struct {
	IgnorePrefixes []string
	logger         *logrus.Logger
}

// NewNetlinkSource creates a source over the host's links
func NewNetlinkSource(logger *logrus.Logger, ignorePrefixes ...string) *NetlinkSource {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.GetLevel())
	}
	return &NetlinkSource{IgnorePrefixes: ignorePrefixes, logger: logger}
}

// ActiveInterfaces lists the active physical interfaces
func (s *NetlinkSource) ActiveInterfaces() ([]string, error) {
	links, err := netlink.LinkList()
	if err != nil && !errors.Is(err, netlink.ErrDumpInterrupted) {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}

	names := []string{}
	for _, link := range links {
		if s.isActive(link) {
			names = append(names, link.Attrs().Name)
		}
	}
	return names, nil
}

func (s *NetlinkSource) isActive(link netlink.Link) bool {
	attrs := link.Attrs()
	if link.Type() != "device" {
		return false
	}
	if attrs.Flags&net.FlagLoopback != 0 || attrs.Flags&net.FlagUp == 0 {
		return false
	}
	if attrs.OperState != netlink.OperUp {
		return false
	}
	for _, p := range s.IgnorePrefixes {
		if strings.HasPrefix(attrs.Name, p) {
			return false
		}
	}
	return true
}

// Watch subscribes to link and address updates and signals changed
// whenever the topology may have moved. Signals are coalesced: changed
// should have a buffer of one and a pending signal is never duplicated.
// Watch returns once both subscriptions are in place; they stop when done
// is closed.
func (s *NetlinkSource) Watch(done <-chan struct{}, changed chan<- struct{}) error {
	linkCh := make(chan netlink.LinkUpdate, 64)
	if err := netlink.LinkSubscribe(linkCh, done); err != nil {
		return fmt.Errorf("failed to subscribe to link updates: %w", err)
	}

	addrCh := make(chan netlink.AddrUpdate, 64)
	if err := netlink.AddrSubscribe(addrCh, done); err != nil {
		return fmt.Errorf("failed to subscribe to address updates: %w", err)
	}

	go func() {
		for {
			select {
			case <-done:
				return
			case u, ok := <-linkCh:
				if !ok {
					s.logger.Warn("Link update channel closed")
					return
				}
				s.logger.Debugf("Link update for %s", u.Attrs().Name)
			case _, ok := <-addrCh:
				if !ok {
					s.logger.Warn("Address update channel closed")
					return
				}
			}
			notify(changed)
		}
	}()

	return nil
}

func notify(changed chan<- struct{}) {
	select {
	case changed <- struct{}{}:
	default:
	}
}
