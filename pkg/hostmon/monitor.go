// Package hostmon tracks which host interfaces are active and tells
// interested network objects when that set changes.
package hostmon

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

// Listener receives host interface changes
type Listener interface {
	OnHostInterfaceAdded(name string)
	OnHostInterfaceRemoved(name string)
}

// Source reports the currently active host interfaces
type Source interface {
	ActiveInterfaces() ([]string, error)
}

// Monitor holds the last observed active set. It is driven from the
// daemon's event loop and is not safe for concurrent use.
type Monitor struct {
	logger    *logrus.Logger
	source    Source
	active    map[string]struct{}
	listeners []Listener
}

// New queries the source once for the initial active set
func New(source Source, logger *logrus.Logger) (*Monitor, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.GetLevel())
	}

	m := &Monitor{
		logger: logger,
		source: source,
		active: make(map[string]struct{}),
	}

	names, err := source.ActiveInterfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to query host interfaces: %w", err)
	}
	for _, n := range names {
		m.active[n] = struct{}{}
	}
	m.logger.WithField("interfaces", m.Active()).Info("Host network monitor started")
	return m, nil
}

// Active returns the current active set, sorted
func (m *Monitor) Active() []string {
	names := make([]string, 0, len(m.active))
	for n := range m.active {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Register adds a listener and replays the current set to it as additions
func (m *Monitor) Register(l Listener) {
	for _, existing := range m.listeners {
		if existing == l {
			return
		}
	}
	m.listeners = append(m.listeners, l)
	for _, n := range m.Active() {
		l.OnHostInterfaceAdded(n)
	}
}

// Unregister removes a listener. No removal callbacks are delivered.
func (m *Monitor) Unregister(l Listener) {
	for i, existing := range m.listeners {
		if existing == l {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

// Listeners returns the number of registered listeners
func (m *Monitor) Listeners() int {
	return len(m.listeners)
}

// Refresh re-queries the source and delivers the difference. All removals
// reach every listener before any addition is delivered.
func (m *Monitor) Refresh() error {
	names, err := m.source.ActiveInterfaces()
	if err != nil {
		return fmt.Errorf("failed to query host interfaces: %w", err)
	}

	next := make(map[string]struct{}, len(names))
	for _, n := range names {
		next[n] = struct{}{}
	}

	var removed, added []string
	for n := range m.active {
		if _, ok := next[n]; !ok {
			removed = append(removed, n)
		}
	}
	for n := range next {
		if _, ok := m.active[n]; !ok {
			added = append(added, n)
		}
	}
	sort.Strings(removed)
	sort.Strings(added)

	m.active = next

	if len(removed) > 0 || len(added) > 0 {
		m.logger.WithFields(logrus.Fields{
			"removed": removed,
			"added":   added,
		}).Info("Host interfaces changed")
	}

	// Listeners may unregister themselves from a callback.
	listeners := append([]Listener(nil), m.listeners...)
	for _, n := range removed {
		for _, l := range listeners {
			l.OnHostInterfaceRemoved(n)
		}
	}
	for _, n := range added {
		for _, l := range listeners {
			l.OnHostInterfaceAdded(n)
		}
	}
	return nil
}
