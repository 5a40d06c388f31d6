package daemon

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fpemud/virt-service/pkg/config"
	"github.com/fpemud/virt-service/pkg/netops/netopstest"
	"github.com/fpemud/virt-service/pkg/services"
	"github.com/fpemud/virt-service/pkg/store"
	"github.com/fpemud/virt-service/pkg/types"
	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWatcher struct {
	mu     sync.Mutex
	active []string
	done   <-chan struct{}
	ch     chan<- struct{}
}

func (w *fakeWatcher) ActiveInterfaces() ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.active...), nil
}

func (w *fakeWatcher) Watch(done <-chan struct{}, changed chan<- struct{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.done, w.ch = done, changed
	return nil
}

func (w *fakeWatcher) plug(name string) {
	w.mu.Lock()
	w.active = append(w.active, name)
	ch := w.ch
	w.mu.Unlock()
	ch <- struct{}{}
}

type nopProcess struct{}

func (nopProcess) Pid() int      { return 1 }
func (nopProcess) Reload() error { return nil }
func (nopProcess) Stop() error   { return nil }

type nopRunner struct{}

func (nopRunner) Start(string, []string) (services.Process, error) { return nopProcess{}, nil }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Paths.RunDir = t.TempDir()
	cfg.Paths.StatusSocket = "none"
	cfg.Timeouts.Idle = "0s"
	return cfg
}

func newTestDaemon(t *testing.T, cfg *config.Config, host *netopstest.Fake, w *fakeWatcher) *Daemon {
	t.Helper()
	d, err := New(cfg, logrus.New(), Options{
		Host:       host,
		Watcher:    w,
		Runner:     nopRunner{},
		LookupUser: func(uint32) (string, error) { return "guest", nil },
		Bus:        func() (*dbus.Conn, error) { return nil, errors.New("no bus in tests") },
	})
	require.NoError(t, err)
	return d
}

func TestNewSweepsLeftovers(t *testing.T) {
	cfg := testConfig(t)

	j, err := store.Open(cfg.StateDBPath())
	require.NoError(t, err)
	require.NoError(t, j.SaveNetwork(store.NetworkRecord{Segment: "vnn1000", UID: 1000, Kind: "nat", ID: 1, Bridge: true, Masquerade: "10.0.1.0/24"}))
	require.NoError(t, j.SaveTap(store.TapRecord{Name: "vnn1000.1", Segment: "vnn1000"}))
	require.NoError(t, j.Close())

	host := netopstest.New()
	require.NoError(t, host.CreateBridge("vnn1000", nil, nil))
	require.NoError(t, host.AddMasquerade("10.0.1.0/24"))

	d := newTestDaemon(t, cfg, host, &fakeWatcher{})
	defer d.shutdown()

	assert.False(t, host.Has("vnn1000"))
	assert.False(t, host.HasMasquerade("10.0.1.0/24"))

	nets, err := d.journal.ListNetworks()
	require.NoError(t, err)
	assert.Empty(t, nets)
	taps, err := d.journal.ListTaps()
	require.NoError(t, err)
	assert.Empty(t, taps)
}

func TestLoopDrivesManager(t *testing.T) {
	cfg := testConfig(t)
	host := netopstest.New()
	host.AddDevice("eth0")
	w := &fakeWatcher{active: []string{"eth0"}}
	d := newTestDaemon(t, cfg, host, w)

	ctx, cancel := context.WithCancel(context.Background())
	loopErr := make(chan error, 1)
	go func() { loopErr <- d.loop.Run(ctx) }()
	stop, err := d.watchHost()
	require.NoError(t, err)

	alice := types.Caller{ID: ":1.10", UID: 1000}
	var tap string
	require.NoError(t, d.loop.Do(func() error {
		sid, err := d.mgr.CreateResourceSet(alice)
		if err != nil {
			return err
		}
		tap, err = d.mgr.AttachNetwork(alice, sid, "bridge")
		return err
	}))
	assert.Equal(t, "vnb1000.1", tap)
	assert.True(t, host.Forwarding())

	link, ok := host.Get("eth0")
	require.True(t, ok)
	assert.Equal(t, "vnb1000", link.Master)

	// A device that shows up later is enslaved through the watcher.
	host.AddDevice("eth1")
	w.plug("eth1")
	assert.Eventually(t, func() bool {
		l, _ := host.Get("eth1")
		return l.Master == "vnb1000"
	}, time.Second, 10*time.Millisecond)

	taps, err := d.journal.ListTaps()
	require.NoError(t, err)
	assert.Len(t, taps, 1)

	cancel()
	assert.ErrorIs(t, <-loopErr, context.Canceled)
	stop()

	require.NoError(t, d.shutdown())
	assert.False(t, host.Has("vnb1000"))
	assert.False(t, host.Has("vnb1000.1"))
	assert.False(t, host.Forwarding())
}

func TestRunFailsWithoutBus(t *testing.T) {
	cfg := testConfig(t)
	host := netopstest.New()
	d := newTestDaemon(t, cfg, host, &fakeWatcher{})

	err := d.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no bus in tests")

	// The journal was closed by the teardown.
	j, err := store.Open(filepath.Join(cfg.Paths.RunDir, "state.db"))
	require.NoError(t, err)
	assert.NoError(t, j.Close())
}
