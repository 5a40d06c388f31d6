package services

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/fpemud/virt-service/pkg/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcess struct {
	pid     int
	reloads int
	stopped bool
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Reload() error {
	p.reloads++
	return nil
}

func (p *fakeProcess) Stop() error {
	p.stopped = true
	return nil
}

type fakeRunner struct {
	started []*fakeProcess
	args    [][]string
	fail    map[string]error
}

func (r *fakeRunner) Start(path string, args []string) (Process, error) {
	if err := r.fail[path]; err != nil {
		return nil, err
	}
	p := &fakeProcess{pid: 100 + len(r.started)}
	r.started = append(r.started, p)
	r.args = append(r.args, append([]string{path}, args...))
	return p, nil
}

func newSupervisor(t *testing.T) (*Supervisor, *fakeRunner) {
	t.Helper()
	runner := &fakeRunner{fail: map[string]error{}}
	s := New(Config{
		RunDir:      t.TempDir(),
		DnsmasqPath: "dnsmasq",
		SmbdPath:    "smbd",
		Runner:      runner,
		Logger:      logrus.New(),
		LookupUser:  func(uid uint32) (string, error) { return "alice", nil },
	})
	return s, runner
}

func natInfo() types.NetworkInfo {
	return types.NetworkInfo{
		UID:     1000,
		Kind:    types.KindNat,
		ID:      1,
		Segment: "vnn1000",
		Subnet:  "10.0.1.0/24",
		Gateway: "10.0.1.1",
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func TestStartWritesConfigsAndLaunches(t *testing.T) {
	s, runner := newSupervisor(t)
	info := natInfo()

	require.NoError(t, s.Start(info))
	require.Len(t, runner.started, 2)
	assert.Equal(t, 1, s.Running())

	dir := s.ScratchDir(1000, 1)
	dnsmasq := readFile(t, filepath.Join(dir, "dnsmasq", "dnsmasq.conf"))
	assert.Contains(t, dnsmasq, "interface=vnn1000\n")
	assert.Contains(t, dnsmasq, "dhcp-range=10.0.1.0,static,255.255.255.0,12h")
	assert.Contains(t, dnsmasq, "dhcp-option=option:router,10.0.1.1")
	assert.Contains(t, dnsmasq, "dhcp-host=00:50:01:00:01:01,10.0.1.2\n")
	assert.Contains(t, dnsmasq, "dhcp-host=00:50:01:00:01:80,10.0.1.129\n")

	smb := readFile(t, filepath.Join(dir, "samba", "smb.conf"))
	assert.Contains(t, smb, "interfaces = 10.0.1.1/24")
	assert.NotContains(t, smb, "force user")

	assert.Equal(t, []string{"dnsmasq", "--keep-in-foreground", "--conf-file=" + filepath.Join(dir, "dnsmasq", "dnsmasq.conf")}, runner.args[0])
	assert.Equal(t, []string{"smbd", "-F", "--no-process-group", "-s", filepath.Join(dir, "samba", "smb.conf")}, runner.args[1])

	err := s.Start(info)
	assert.True(t, errdefs.IsAlreadyExists(err))
}

func TestRouteServesEveryTap(t *testing.T) {
	s, _ := newSupervisor(t)
	info := natInfo()
	info.Kind = types.KindRoute
	info.Segment = "vnr1000"

	require.NoError(t, s.Start(info))
	dnsmasq := readFile(t, filepath.Join(s.ScratchDir(1000, 1), "dnsmasq", "dnsmasq.conf"))
	assert.Contains(t, dnsmasq, "interface=vnr1000.*\n")
}

func TestStopRemovesScratchDir(t *testing.T) {
	s, runner := newSupervisor(t)
	info := natInfo()
	require.NoError(t, s.Start(info))

	require.NoError(t, s.Stop(info))
	assert.True(t, runner.started[0].stopped)
	assert.True(t, runner.started[1].stopped)
	assert.NoDirExists(t, s.ScratchDir(1000, 1))
	assert.NoDirExists(t, filepath.Dir(s.ScratchDir(1000, 1)))
	assert.Equal(t, 0, s.Running())

	assert.True(t, errdefs.IsNotFound(s.Stop(info)))
}

func TestStartUnwindsWhenSmbdFails(t *testing.T) {
	s, runner := newSupervisor(t)
	runner.fail["smbd"] = errors.New("no such file")

	err := s.Start(natInfo())
	require.Error(t, err)
	require.Len(t, runner.started, 1)
	assert.True(t, runner.started[0].stopped)
	assert.NoDirExists(t, s.ScratchDir(1000, 1))
	assert.Equal(t, 0, s.Running())
}

func TestStartFailsForUnknownUser(t *testing.T) {
	s, runner := newSupervisor(t)
	s.lookupUser = func(uid uint32) (string, error) { return "", errors.New("unknown uid") }

	require.Error(t, s.Start(natInfo()))
	assert.Empty(t, runner.started)
}

func TestSharesAreIndependent(t *testing.T) {
	s, runner := newSupervisor(t)
	require.NoError(t, s.Start(natInfo()))
	smbd := runner.started[1]
	conf := filepath.Join(s.ScratchDir(1000, 1), "samba", "smb.conf")

	docs := types.FileShare{Name: "docs", Path: t.TempDir()}
	docs2 := types.FileShare{Name: "docs2", Path: t.TempDir(), ReadOnly: true}
	require.NoError(t, s.AddShare(1000, 1, 3, docs))
	require.NoError(t, s.AddShare(1000, 1, 3, docs2))
	assert.Equal(t, 2, smbd.reloads)

	smb := readFile(t, conf)
	assert.Contains(t, smb, "[3_docs]\npath = "+docs.Path+"\n")
	assert.Contains(t, smb, "[3_docs2]\npath = "+docs2.Path+"\n")
	assert.Contains(t, smb, "hosts allow = 10.0.1.4\n")
	assert.Contains(t, smb, "force user = alice\n")

	err := s.AddShare(1000, 1, 3, docs)
	assert.ErrorIs(t, err, types.ErrDuplicateShare)

	require.NoError(t, s.RemoveShare(1000, 1, 3, "docs"))
	assert.Equal(t, []types.FileShare{docs2}, s.Shares(1000, 1, 3))
	smb = readFile(t, conf)
	assert.NotContains(t, smb, "[3_docs]")
	assert.Contains(t, smb, "[3_docs2]")

	require.NoError(t, s.RemoveShare(1000, 1, 3, "docs2"))
	assert.Empty(t, s.Shares(1000, 1, 3))
	assert.NotContains(t, readFile(t, conf), "hosts allow")

	assert.True(t, errdefs.IsNotFound(s.RemoveShare(1000, 1, 3, "docs2")))
}

func TestSameShareNameOnTwoResourceSets(t *testing.T) {
	s, _ := newSupervisor(t)
	require.NoError(t, s.Start(natInfo()))

	share := types.FileShare{Name: "docs", Path: t.TempDir()}
	require.NoError(t, s.AddShare(1000, 1, 1, share))
	require.NoError(t, s.AddShare(1000, 1, 2, share))

	smb := readFile(t, filepath.Join(s.ScratchDir(1000, 1), "samba", "smb.conf"))
	assert.Equal(t, 1, strings.Count(smb, "[1_docs]"))
	assert.Equal(t, 1, strings.Count(smb, "[2_docs]"))
}

func TestValidateShare(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, nil, 0644))

	tests := []struct {
		name    string
		share   types.FileShare
		invalid error
	}{
		{"ok", types.FileShare{Name: "docs", Path: dir}, nil},
		{"separator", types.FileShare{Name: "my_docs", Path: dir}, errdefs.ErrInvalidArgument},
		{"empty name", types.FileShare{Name: "", Path: dir}, errdefs.ErrInvalidArgument},
		{"bracket", types.FileShare{Name: "a]b", Path: dir}, errdefs.ErrInvalidArgument},
		{"relative", types.FileShare{Name: "docs", Path: "docs"}, types.ErrInvalidPath},
		{"missing", types.FileShare{Name: "docs", Path: filepath.Join(dir, "nope")}, types.ErrInvalidPath},
		{"not a dir", types.FileShare{Name: "docs", Path: file}, types.ErrInvalidPath},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateShare(tt.share)
			if tt.invalid == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.invalid)
		})
	}
}

func TestAddShareWithoutServices(t *testing.T) {
	s, _ := newSupervisor(t)
	err := s.AddShare(1000, 1, 1, types.FileShare{Name: "docs", Path: t.TempDir()})
	assert.True(t, errdefs.IsFailedPrecondition(err))
}

func TestSectionName(t *testing.T) {
	assert.Equal(t, "12_docs", SectionName(12, "docs"))
}
