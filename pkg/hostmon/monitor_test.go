package hostmon

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource struct {
	names []string
	err   error
}

func (s *staticSource) ActiveInterfaces() ([]string, error) {
	return append([]string(nil), s.names...), s.err
}

type recorder struct {
	events []string
}

func (r *recorder) OnHostInterfaceAdded(name string)   { r.events = append(r.events, "+"+name) }
func (r *recorder) OnHostInterfaceRemoved(name string) { r.events = append(r.events, "-"+name) }

// sharedLog lets two listeners write into one ordered log
type sharedLog struct {
	id  string
	log *[]string
}

func (s *sharedLog) OnHostInterfaceAdded(name string) {
	*s.log = append(*s.log, s.id+"+"+name)
}

func (s *sharedLog) OnHostInterfaceRemoved(name string) {
	*s.log = append(*s.log, s.id+"-"+name)
}

func TestRegisterReplaysActiveSet(t *testing.T) {
	src := &staticSource{names: []string{"eth1", "eth0"}}
	m, err := New(src, logrus.New())
	require.NoError(t, err)

	r := &recorder{}
	m.Register(r)
	assert.Equal(t, []string{"+eth0", "+eth1"}, r.events)

	// Registering twice is a no-op.
	m.Register(r)
	assert.Len(t, r.events, 2)
	assert.Equal(t, 1, m.Listeners())
}

func TestRefreshDeliversRemovalsFirst(t *testing.T) {
	src := &staticSource{names: []string{"eth0", "wlan0"}}
	m, err := New(src, logrus.New())
	require.NoError(t, err)

	var log []string
	a := &sharedLog{id: "a", log: &log}
	b := &sharedLog{id: "b", log: &log}
	m.Register(a)
	m.Register(b)
	log = nil

	src.names = []string{"eth0", "eth1"}
	require.NoError(t, m.Refresh())

	assert.Equal(t, []string{"a-wlan0", "b-wlan0", "a+eth1", "b+eth1"}, log)
	assert.Equal(t, []string{"eth0", "eth1"}, m.Active())
}

func TestRefreshNoChange(t *testing.T) {
	src := &staticSource{names: []string{"eth0"}}
	m, err := New(src, logrus.New())
	require.NoError(t, err)

	r := &recorder{}
	m.Register(r)
	r.events = nil

	require.NoError(t, m.Refresh())
	assert.Empty(t, r.events)
}

func TestUnregister(t *testing.T) {
	src := &staticSource{names: []string{"eth0"}}
	m, err := New(src, logrus.New())
	require.NoError(t, err)

	r := &recorder{}
	m.Register(r)
	m.Unregister(r)
	r.events = nil

	src.names = nil
	require.NoError(t, m.Refresh())
	assert.Empty(t, r.events)
	assert.Equal(t, 0, m.Listeners())
}

func TestSourceErrors(t *testing.T) {
	_, err := New(&staticSource{err: errors.New("netlink down")}, logrus.New())
	assert.Error(t, err)

	src := &staticSource{names: []string{"eth0"}}
	m, err := New(src, logrus.New())
	require.NoError(t, err)

	src.err = errors.New("netlink down")
	assert.Error(t, m.Refresh())
	// The previous set is kept when the query fails.
	assert.Equal(t, []string{"eth0"}, m.Active())
}

func TestNotifyCoalesces(t *testing.T) {
	changed := make(chan struct{}, 1)
	notify(changed)
	notify(changed)
	notify(changed)

	assert.Len(t, changed, 1)
	<-changed
	assert.Len(t, changed, 0)
}
