// Package idalloc picks small numeric identifiers for networks, resource
// sets, vm attachments and tap suffixes.
//
// The allocator holds no state of its own. Callers pass the set of ids
// that are currently live and get back a free one, so an id becomes
// reusable the moment its owner drops it from that set.
package idalloc

import (
	"fmt"
	"sort"

	"github.com/fpemud/virt-service/pkg/types"
)

// Set is a collection of live ids. None of the operations is thread safe.
type Set map[uint32]struct{}

// NewSet builds a set from the given ids
func NewSet(ids ...uint32) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has indicates whether id is in the set
func (s Set) Has(id uint32) bool {
	_, ok := s[id]
	return ok
}

// Add puts id in the set and reports whether it was absent
func (s Set) Add(id uint32) bool {
	if s.Has(id) {
		return false
	}
	s[id] = struct{}{}
	return true
}

// sorted returns the members in ascending order
func (s Set) sorted() []uint32 {
	out := make([]uint32, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Max returns the largest member, or 0 for an empty set
func (s Set) Max() uint32 {
	var m uint32
	for id := range s {
		if id > m {
			m = id
		}
	}
	return m
}

// Allocate returns the smallest id in [min, max] that is not in used
func Allocate(used Set, min, max uint32) (uint32, error) {
	if min > max {
		return 0, fmt.Errorf("empty range [%d, %d]: %w", min, max, types.ErrExhausted)
	}
	for id := min; ; id++ {
		if !used.Has(id) {
			return id, nil
		}
		if id == max {
			break
		}
	}
	return 0, fmt.Errorf("all ids in [%d, %d] are in use: %w", min, max, types.ErrExhausted)
}

// Next returns one more than the largest id in used, never less than min.
// Ids below the current maximum are never handed out again, which keeps
// sequence numbers like tap suffixes monotonic while higher siblings live.
func Next(used Set, min uint32) (uint32, error) {
	m := used.Max()
	if m == ^uint32(0) {
		return 0, fmt.Errorf("suffix space exhausted: %w", types.ErrExhausted)
	}
	if m+1 < min {
		return min, nil
	}
	return m + 1, nil
}
