package types

import (
	"fmt"
	"strings"
)

// NetworkKind selects how a network segment is built on the host
type NetworkKind int

const (
	KindBridge NetworkKind = iota + 1
	KindNat
	KindRoute
	KindIsolate
)

var kindNames = map[NetworkKind]string{
	KindBridge:  "bridge",
	KindNat:     "nat",
	KindRoute:   "route",
	KindIsolate: "isolate",
}

// Kinds lists every network kind in a stable order
var Kinds = []NetworkKind{KindBridge, KindNat, KindRoute, KindIsolate}

func (k NetworkKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Valid reports whether k is one of the known kinds
func (k NetworkKind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// NeedsServices reports whether networks of this kind run DHCP and file sharing
func (k NetworkKind) NeedsServices() bool {
	return k == KindNat || k == KindRoute
}

// ParseKind converts a wire name ("bridge", "nat", "route", "isolate") to a kind
func ParseKind(s string) (NetworkKind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%q: %w", s, ErrInvalidKind)
}

// CallerID identifies a connected client process. On the bus this is the
// unique connection name.
type CallerID string

// Caller is the identity delivered by the transport with every request
type Caller struct {
	ID  CallerID
	UID uint32
}

func (c Caller) String() string {
	return fmt.Sprintf("%s(uid=%d)", c.ID, c.UID)
}

// NetworkKey addresses the single network object a user may have per kind
type NetworkKey struct {
	UID  uint32
	Kind NetworkKind
}

func (k NetworkKey) String() string {
	return fmt.Sprintf("%d/%s", k.UID, k.Kind)
}

// ResourceType is the category of a tracked resource
type ResourceType int

// Unwind order on caller disappearance follows these values, lowest first.
const (
	ResourceVM ResourceType = iota
	ResourceSet
	ResourceNetwork
)

func (t ResourceType) String() string {
	switch t {
	case ResourceVM:
		return "vm"
	case ResourceSet:
		return "resource-set"
	case ResourceNetwork:
		return "network"
	}
	return "unknown"
}

// ResourceKey identifies one tracked resource. ID is the resource set id,
// the vm id or, for networks, the NetworkKind.
type ResourceKey struct {
	Type ResourceType
	UID  uint32
	ID   uint32
}

func (k ResourceKey) String() string {
	return fmt.Sprintf("%s:%d/%d", k.Type, k.UID, k.ID)
}

// SetKey is the ownership key of a resource set
func SetKey(uid, sid uint32) ResourceKey {
	return ResourceKey{Type: ResourceSet, UID: uid, ID: sid}
}

// VMKey is the ownership key of a vm attachment
func VMKey(uid, vmid uint32) ResourceKey {
	return ResourceKey{Type: ResourceVM, UID: uid, ID: vmid}
}

// NetKey is the ownership key of a user's network of a given kind
func NetKey(uid uint32, kind NetworkKind) ResourceKey {
	return ResourceKey{Type: ResourceNetwork, UID: uid, ID: uint32(kind)}
}

// NetworkInfo describes a live network object
type NetworkInfo struct {
	UID       uint32      `json:"uid"`
	Kind      NetworkKind `json:"kind"`
	ID        uint32      `json:"id"`
	Segment   string      `json:"segment"`
	Subnet    string      `json:"subnet,omitempty"`
	Gateway   string      `json:"gateway,omitempty"`
	RefCount  int         `json:"refcount"`
	Taps      int         `json:"taps"`
	HostPorts []string    `json:"host_ports,omitempty"`
}

// FileShare is one directory exported to a guest
type FileShare struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	ReadOnly bool   `json:"readonly"`
}
