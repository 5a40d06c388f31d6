package network

import (
	"fmt"

	"github.com/fpemud/virt-service/pkg/netops"
	"github.com/fpemud/virt-service/pkg/store"
	"github.com/sirupsen/logrus"
)

// SweepJournal is a Journal that can also list what it holds
type SweepJournal interface {
	Journal
	ListNetworks() ([]store.NetworkRecord, error)
	ListTaps() ([]store.TapRecord, error)
}

// Sweep removes host objects recorded by a previous run that did not shut
// down cleanly: taps first, then masquerade rules and bridges. Records are
// dropped only once their object is gone. It returns the number of
// records that could not be cleared.
func Sweep(j SweepJournal, host netops.Operator, logger *logrus.Logger) (int, error) {
	taps, err := j.ListTaps()
	if err != nil {
		return 0, fmt.Errorf("failed to list journaled taps: %w", err)
	}
	networks, err := j.ListNetworks()
	if err != nil {
		return 0, fmt.Errorf("failed to list journaled networks: %w", err)
	}

	if len(taps) == 0 && len(networks) == 0 {
		return 0, nil
	}
	logger.Infof("Recovering from unclean shutdown: %d networks, %d taps", len(networks), len(taps))

	left := 0
	for _, t := range taps {
		if err := host.DeleteTap(t.Name); err != nil {
			logger.WithError(err).Warnf("Failed to remove leftover tap %s", t.Name)
			left++
			continue
		}
		if err := j.DeleteTap(t.Name); err != nil {
			logger.WithError(err).Warn("Failed to remove tap from journal")
		}
	}

	for _, n := range networks {
		log := logger.WithFields(logrus.Fields{
			"segment":    n.Segment,
			"uid":        n.UID,
			"kind":       n.Kind,
			"network_id": n.ID,
		})
		if n.Masquerade != "" {
			if err := host.DeleteMasquerade(n.Masquerade); err != nil {
				log.WithError(err).Warn("Failed to remove leftover masquerade rule")
				left++
				continue
			}
		}
		if n.Bridge {
			if err := host.DeleteBridge(n.Segment); err != nil {
				log.WithError(err).Warn("Failed to remove leftover bridge")
				left++
				continue
			}
		}
		if err := j.DeleteNetwork(n.Segment); err != nil {
			log.WithError(err).Warn("Failed to remove network from journal")
		}
		log.Info("Removed leftover network")
	}

	return left, nil
}
