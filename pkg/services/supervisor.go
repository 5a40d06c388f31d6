// Package services runs the DHCP (dnsmasq) and file-sharing (smbd)
// servers that belong to nat and route networks. Each network gets a
// scratch directory <run>/<uid>/<network id> holding both configurations.
package services

import (
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/fpemud/virt-service/pkg/addr"
	"github.com/fpemud/virt-service/pkg/types"
	"github.com/sirupsen/logrus"
)

// ShareSeparator joins resource set id and share name in smbd section
// names, so it may not appear in a share name.
const ShareSeparator = "_"

// Config wires a Supervisor
type Config struct {
	RunDir      string
	DnsmasqPath string
	SmbdPath    string
	Runner      Runner
	Addrs       *addr.Allocator
	Logger      *logrus.Logger
	// LookupUser maps a uid to a login name; defaults to the system database
	LookupUser func(uid uint32) (string, error)
}

type netID struct {
	uid uint32
	id  uint32
}

type server struct {
	info   types.NetworkInfo
	dir    string
	user   string
	dhcp   Process
	smb    Process
	shares map[uint32]map[string]types.FileShare
}

// Supervisor owns the server processes of every services-enabled network.
// It is driven from the daemon's event loop and is not safe for concurrent use.
type Supervisor struct {
	runDir      string
	dnsmasqPath string
	smbdPath    string
	runner      Runner
	addrs       *addr.Allocator
	logger      *logrus.Logger
	lookupUser  func(uid uint32) (string, error)
	servers     map[netID]*server
}

// New creates a supervisor
func New(cfg Config) *Supervisor {
	s := &Supervisor{
		runDir:      cfg.RunDir,
		dnsmasqPath: cfg.DnsmasqPath,
		smbdPath:    cfg.SmbdPath,
		runner:      cfg.Runner,
		addrs:       cfg.Addrs,
		logger:      cfg.Logger,
		lookupUser:  cfg.LookupUser,
		servers:     make(map[netID]*server),
	}
	if s.logger == nil {
		s.logger = logrus.New()
		s.logger.SetLevel(logrus.GetLevel())
	}
	if s.runner == nil {
		s.runner = NewExecRunner(s.logger)
	}
	if s.addrs == nil {
		s.addrs = addr.New()
	}
	if s.lookupUser == nil {
		s.lookupUser = systemUser
	}
	return s
}

func systemUser(uid uint32) (string, error) {
	u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return "", fmt.Errorf("failed to look up uid %d: %w", uid, err)
	}
	return u.Username, nil
}

// ScratchDir returns the directory used for a network's servers
func (s *Supervisor) ScratchDir(uid, nid uint32) string {
	return filepath.Join(s.runDir, strconv.FormatUint(uint64(uid), 10), strconv.FormatUint(uint64(nid), 10))
}

// Running returns the number of networks with live servers
func (s *Supervisor) Running() int {
	return len(s.servers)
}

// Start writes the configuration for info and launches both servers.
// Anything created is removed again if a step fails.
func (s *Supervisor) Start(info types.NetworkInfo) error {
	key := netID{uid: info.UID, id: info.ID}
	if _, ok := s.servers[key]; ok {
		return fmt.Errorf("services for network %d of uid %d: %w", info.ID, info.UID, errdefs.ErrAlreadyExists)
	}

	log := s.logger.WithFields(logrus.Fields{
		"uid":        info.UID,
		"network_id": info.ID,
		"segment":    info.Segment,
	})

	name, err := s.lookupUser(info.UID)
	if err != nil {
		return err
	}

	srv := &server{
		info:   info,
		dir:    s.ScratchDir(info.UID, info.ID),
		user:   name,
		shares: make(map[uint32]map[string]types.FileShare),
	}

	for _, sub := range []string{"dnsmasq", "samba"} {
		if err := os.MkdirAll(filepath.Join(srv.dir, sub), 0755); err != nil {
			s.removeDir(srv)
			return fmt.Errorf("failed to create scratch directory: %w", err)
		}
	}

	if err := s.startDHCP(srv); err != nil {
		s.removeDir(srv)
		return err
	}

	if err := s.writeSmbConf(srv); err != nil {
		s.stopProcess(srv.dhcp, "dnsmasq")
		s.removeDir(srv)
		return err
	}
	srv.smb, err = s.runner.Start(s.smbdPath, []string{"-F", "--no-process-group", "-s", s.smbConfPath(srv)})
	if err != nil {
		s.stopProcess(srv.dhcp, "dnsmasq")
		s.removeDir(srv)
		return err
	}

	s.servers[key] = srv
	log.WithFields(logrus.Fields{
		"dnsmasq_pid": srv.dhcp.Pid(),
		"smbd_pid":    srv.smb.Pid(),
	}).Info("Network services started")
	return nil
}

func (s *Supervisor) startDHCP(srv *server) error {
	_, ipnet, err := net.ParseCIDR(srv.info.Subnet)
	if err != nil {
		return fmt.Errorf("bad subnet %q: %w", srv.info.Subnet, err)
	}

	iface := srv.info.Segment
	if srv.info.Kind == types.KindRoute {
		iface = srv.info.Segment + ".*"
	}

	dir := filepath.Join(srv.dir, "dnsmasq")
	params := dnsmasqParams{
		Interface: iface,
		Network:   ipnet.IP.String(),
		Netmask:   net.IP(ipnet.Mask).String(),
		Gateway:   srv.info.Gateway,
		LeaseFile: filepath.Join(dir, "dnsmasq.leases"),
		PidFile:   filepath.Join(dir, "dnsmasq.pid"),
	}
	for rsid := uint32(addr.MinResourceSetID); rsid <= addr.MaxResourceSetID; rsid++ {
		mac, err := s.addrs.MAC(srv.info.ID, rsid)
		if err != nil {
			return err
		}
		ip, err := s.addrs.IP(srv.info.ID, rsid)
		if err != nil {
			return err
		}
		params.Hosts = append(params.Hosts, dhcpHost{MAC: mac.String(), IP: ip.String()})
	}

	conf := filepath.Join(dir, "dnsmasq.conf")
	if err := os.WriteFile(conf, []byte(dnsmasqConf.Render(params)), 0644); err != nil {
		return fmt.Errorf("failed to write dnsmasq config: %w", err)
	}

	srv.dhcp, err = s.runner.Start(s.dnsmasqPath, []string{"--keep-in-foreground", "--conf-file=" + conf})
	return err
}

func (s *Supervisor) smbConfPath(srv *server) string {
	return filepath.Join(srv.dir, "samba", "smb.conf")
}

func (s *Supervisor) writeSmbConf(srv *server) error {
	params := smbParams{
		Gateway:   srv.info.Gateway,
		PrefixLen: addr.PrefixLen,
		Dir:       filepath.Join(srv.dir, "samba"),
	}

	rsids := make([]uint32, 0, len(srv.shares))
	for rsid := range srv.shares {
		rsids = append(rsids, rsid)
	}
	sort.Slice(rsids, func(i, j int) bool { return rsids[i] < rsids[j] })

	for _, rsid := range rsids {
		ip, err := s.addrs.IP(srv.info.ID, rsid)
		if err != nil {
			return err
		}
		names := make([]string, 0, len(srv.shares[rsid]))
		for name := range srv.shares[rsid] {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			share := srv.shares[rsid][name]
			ro := "no"
			if share.ReadOnly {
				ro = "yes"
			}
			params.Shares = append(params.Shares, smbShare{
				Section:    SectionName(rsid, name),
				Path:       share.Path,
				User:       srv.user,
				ReadOnly:   ro,
				HostsAllow: ip.String(),
			})
		}
	}

	if err := os.WriteFile(s.smbConfPath(srv), []byte(smbConf.Render(params)), 0644); err != nil {
		return fmt.Errorf("failed to write smbd config: %w", err)
	}
	return nil
}

// SectionName is the smbd section for a resource set's share
func SectionName(rsid uint32, share string) string {
	return strconv.FormatUint(uint64(rsid), 10) + ShareSeparator + share
}

// Stop terminates both servers and removes the scratch directory
func (s *Supervisor) Stop(info types.NetworkInfo) error {
	key := netID{uid: info.UID, id: info.ID}
	srv, ok := s.servers[key]
	if !ok {
		return fmt.Errorf("services for network %d of uid %d: %w", info.ID, info.UID, errdefs.ErrNotFound)
	}
	delete(s.servers, key)

	s.stopProcess(srv.smb, "smbd")
	s.stopProcess(srv.dhcp, "dnsmasq")
	s.removeDir(srv)

	s.logger.WithFields(logrus.Fields{
		"uid":        info.UID,
		"network_id": info.ID,
	}).Info("Network services stopped")
	return nil
}

func (s *Supervisor) stopProcess(p Process, name string) {
	if p == nil {
		return
	}
	if err := p.Stop(); err != nil {
		s.logger.WithError(err).Warnf("Failed to stop %s", name)
	}
}

func (s *Supervisor) removeDir(srv *server) {
	if err := os.RemoveAll(srv.dir); err != nil {
		s.logger.WithError(err).Warnf("Failed to remove %s", srv.dir)
	}
	// The per-user parent goes once its last network is gone.
	_ = os.Remove(filepath.Dir(srv.dir))
}

// ValidateShare checks a share before anything is changed
func ValidateShare(share types.FileShare) error {
	if share.Name == "" || strings.Contains(share.Name, ShareSeparator) ||
		strings.ContainsAny(share.Name, "[]/\\\n") {
		return fmt.Errorf("share name %q: %w", share.Name, errdefs.ErrInvalidArgument)
	}
	if !filepath.IsAbs(share.Path) || strings.ContainsAny(share.Path, "\n") {
		return fmt.Errorf("%q is not an absolute path: %w", share.Path, types.ErrInvalidPath)
	}
	st, err := os.Stat(share.Path)
	if err != nil {
		return fmt.Errorf("%s: %v: %w", share.Path, err, types.ErrInvalidPath)
	}
	if !st.IsDir() {
		return fmt.Errorf("%s is not a directory: %w", share.Path, types.ErrInvalidPath)
	}
	return nil
}

func (s *Supervisor) lookup(uid, nid uint32) (*server, error) {
	srv, ok := s.servers[netID{uid: uid, id: nid}]
	if !ok {
		return nil, fmt.Errorf("no file sharing for network %d of uid %d: %w", nid, uid, errdefs.ErrFailedPrecondition)
	}
	return srv, nil
}

func (s *Supervisor) reload(srv *server) error {
	if err := s.writeSmbConf(srv); err != nil {
		return err
	}
	if err := srv.smb.Reload(); err != nil {
		return fmt.Errorf("failed to reload smbd: %w", err)
	}
	return nil
}

// AddShare exports share to resource set rsid on network nid
func (s *Supervisor) AddShare(uid, nid, rsid uint32, share types.FileShare) error {
	if err := ValidateShare(share); err != nil {
		return err
	}
	srv, err := s.lookup(uid, nid)
	if err != nil {
		return err
	}
	if _, ok := srv.shares[rsid][share.Name]; ok {
		return fmt.Errorf("%s: %w", share.Name, types.ErrDuplicateShare)
	}

	if srv.shares[rsid] == nil {
		srv.shares[rsid] = make(map[string]types.FileShare)
	}
	srv.shares[rsid][share.Name] = share

	if err := s.reload(srv); err != nil {
		delete(srv.shares[rsid], share.Name)
		if len(srv.shares[rsid]) == 0 {
			delete(srv.shares, rsid)
		}
		if werr := s.writeSmbConf(srv); werr != nil {
			s.logger.WithError(werr).Warn("Failed to restore smbd config")
		}
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"uid":          uid,
		"network_id":   nid,
		"resource_set": rsid,
		"share":        share.Name,
		"path":         share.Path,
	}).Info("File share added")
	return nil
}

// RemoveShare withdraws a share. The configuration is updated even if
// smbd cannot be signalled.
func (s *Supervisor) RemoveShare(uid, nid, rsid uint32, name string) error {
	srv, err := s.lookup(uid, nid)
	if err != nil {
		return err
	}
	if _, ok := srv.shares[rsid][name]; !ok {
		return fmt.Errorf("share %s: %w", name, errdefs.ErrNotFound)
	}

	delete(srv.shares[rsid], name)
	if len(srv.shares[rsid]) == 0 {
		delete(srv.shares, rsid)
	}

	if err := s.reload(srv); err != nil {
		s.logger.WithError(err).Warn("Failed to reload smbd after removing share")
	}

	s.logger.WithFields(logrus.Fields{
		"uid":          uid,
		"network_id":   nid,
		"resource_set": rsid,
		"share":        name,
	}).Info("File share removed")
	return nil
}

// Shares lists the shares of resource set rsid, sorted by name
func (s *Supervisor) Shares(uid, nid, rsid uint32) []types.FileShare {
	srv, ok := s.servers[netID{uid: uid, id: nid}]
	if !ok {
		return nil
	}
	out := make([]types.FileShare, 0, len(srv.shares[rsid]))
	for _, sh := range srv.shares[rsid] {
		out = append(out, sh)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
