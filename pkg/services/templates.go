package services

import (
	"github.com/hoisie/mustache"
)

const dnsmasqTemplate = `# generated by virt-service, do not edit
strict-order
bind-dynamic
except-interface=lo
interface={{Interface}}
dhcp-range={{Network}},static,{{Netmask}},12h
dhcp-option=option:router,{{Gateway}}
dhcp-option=option:dns-server,{{Gateway}}
dhcp-no-override
dhcp-authoritative
dhcp-leasefile={{{LeaseFile}}}
pid-file={{{PidFile}}}
{{#Hosts}}
dhcp-host={{MAC}},{{IP}}
{{/Hosts}}
`

const smbTemplate = `# generated by virt-service, do not edit
[global]
security = user
map to guest = Bad User
interfaces = {{Gateway}}/{{PrefixLen}}
bind interfaces only = yes
smb ports = 445
pid directory = {{{Dir}}}
lock directory = {{{Dir}}}
state directory = {{{Dir}}}
cache directory = {{{Dir}}}
private dir = {{{Dir}}}
log file = {{{Dir}}}/log.smbd
load printers = no
disable spoolss = yes
{{#Shares}}

[{{Section}}]
path = {{{Path}}}
guest ok = yes
force user = {{User}}
read only = {{ReadOnly}}
hosts allow = {{HostsAllow}}
hosts deny = 0.0.0.0/0
{{/Shares}}
`

var (
	dnsmasqConf *mustache.Template
	smbConf     *mustache.Template
)

func init() {
	var err error
	if dnsmasqConf, err = mustache.ParseString(dnsmasqTemplate); err != nil {
		panic(err)
	}
	if smbConf, err = mustache.ParseString(smbTemplate); err != nil {
		panic(err)
	}
}

type dhcpHost struct {
	MAC string
	IP  string
}

type dnsmasqParams struct {
	Interface string
	Network   string
	Netmask   string
	Gateway   string
	LeaseFile string
	PidFile   string
	Hosts     []dhcpHost
}

type smbShare struct {
	Section    string
	Path       string
	User       string
	ReadOnly   string
	HostsAllow string
}

type smbParams struct {
	Gateway   string
	PrefixLen int
	Dir       string
	Shares    []smbShare
}
