// Package owner records which connected callers own which resources.
package owner

import (
	"fmt"
	"sort"

	"github.com/containerd/errdefs"
	"github.com/fpemud/virt-service/pkg/types"
)

type claim struct {
	count int
	seq   uint64
}

// Released is one ownership record dropped by RemoveAllOwnedBy
type Released struct {
	Key types.ResourceKey
	// Last is true when no other caller still owns the resource
	Last bool
}

// Tracker maps resources to the callers that own them. A caller may own
// the same resource several times; each AddOwner needs a RemoveOwner.
// Not safe for concurrent use.
type Tracker struct {
	seq      uint64
	owners   map[types.ResourceKey]map[types.CallerID]*claim
	byCaller map[types.CallerID]map[types.ResourceKey]struct{}
}

// New returns an empty tracker
func New() *Tracker {
	return &Tracker{
		owners:   make(map[types.ResourceKey]map[types.CallerID]*claim),
		byCaller: make(map[types.CallerID]map[types.ResourceKey]struct{}),
	}
}

// AddOwner records that caller owns key
func (t *Tracker) AddOwner(key types.ResourceKey, caller types.CallerID) {
	callers, ok := t.owners[key]
	if !ok {
		callers = make(map[types.CallerID]*claim)
		t.owners[key] = callers
	}
	c, ok := callers[caller]
	if !ok {
		t.seq++
		c = &claim{seq: t.seq}
		callers[caller] = c
	}
	c.count++

	keys, ok := t.byCaller[caller]
	if !ok {
		keys = make(map[types.ResourceKey]struct{})
		t.byCaller[caller] = keys
	}
	keys[key] = struct{}{}
}

// RemoveOwner drops one ownership of key by caller and reports whether
// the resource is now unowned
func (t *Tracker) RemoveOwner(key types.ResourceKey, caller types.CallerID) (bool, error) {
	callers := t.owners[key]
	c, ok := callers[caller]
	if !ok {
		return false, fmt.Errorf("%s is not owned by %s: %w", key, caller, errdefs.ErrNotFound)
	}

	c.count--
	if c.count > 0 {
		return false, nil
	}

	delete(callers, caller)
	if keys := t.byCaller[caller]; keys != nil {
		delete(keys, key)
		if len(keys) == 0 {
			delete(t.byCaller, caller)
		}
	}
	if len(callers) == 0 {
		delete(t.owners, key)
		return true, nil
	}
	return false, nil
}

// IsOwner reports whether caller owns key
func (t *Tracker) IsOwner(key types.ResourceKey, caller types.CallerID) bool {
	_, ok := t.owners[key][caller]
	return ok
}

// ownersOf lists the callers owning key, sorted
func (t *Tracker) ownersOf(key types.ResourceKey) []types.CallerID {
	out := make([]types.CallerID, 0, len(t.owners[key]))
	for c := range t.owners[key] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Owned lists what caller owns
func (t *Tracker) Owned(caller types.CallerID) []types.ResourceKey {
	out := make([]types.ResourceKey, 0, len(t.byCaller[caller]))
	for k := range t.byCaller[caller] {
		out = append(out, k)
	}
	t.order(out, caller)
	return out
}

// RemoveAllOwnedBy drops every record held by caller. The result is in
// unwind order: vm attachments, then resource sets, then networks, each
// group newest first. A second call for the same caller returns nothing.
func (t *Tracker) RemoveAllOwnedBy(caller types.CallerID) []Released {
	keys := t.Owned(caller)
	out := make([]Released, 0, len(keys))
	for _, k := range keys {
		callers := t.owners[k]
		delete(callers, caller)
		last := len(callers) == 0
		if last {
			delete(t.owners, k)
		}
		out = append(out, Released{Key: k, Last: last})
	}
	delete(t.byCaller, caller)
	return out
}

func (t *Tracker) order(keys []types.ResourceKey, caller types.CallerID) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Type != keys[j].Type {
			return keys[i].Type < keys[j].Type
		}
		return t.owners[keys[i]][caller].seq > t.owners[keys[j]][caller].seq
	})
}

// Callers returns the number of callers holding at least one record
func (t *Tracker) Callers() int {
	return len(t.byCaller)
}

// Len returns the number of owned resources
func (t *Tracker) Len() int {
	return len(t.owners)
}
