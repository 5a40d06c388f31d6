package idalloc

import (
	"testing"

	"github.com/containerd/errdefs"
	"github.com/fpemud/virt-service/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateSmallestFree(t *testing.T) {
	testCases := []struct {
		name     string
		used     []uint32
		min, max uint32
		expected uint32
	}{
		{name: "empty", used: nil, min: 1, max: 128, expected: 1},
		{name: "gap", used: []uint32{1, 2, 4}, min: 1, max: 128, expected: 3},
		{name: "contiguous", used: []uint32{1, 2, 3}, min: 1, max: 128, expected: 4},
		{name: "below min ignored", used: []uint32{0, 1}, min: 1, max: 6, expected: 2},
		{name: "last slot", used: []uint32{1, 2, 3, 4, 5}, min: 1, max: 6, expected: 6},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			id, err := Allocate(NewSet(tc.used...), tc.min, tc.max)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, id)
		})
	}
}

func TestAllocateExhausted(t *testing.T) {
	used := NewSet()
	for i := uint32(1); i <= 128; i++ {
		used.Add(i)
	}

	_, err := Allocate(used, 1, 128)
	assert.ErrorIs(t, err, types.ErrExhausted)
	assert.True(t, errdefs.IsResourceExhausted(err))

	_, err = Allocate(NewSet(), 5, 4)
	assert.ErrorIs(t, err, types.ErrExhausted)
}

func TestAllocateFullUint32Range(t *testing.T) {
	max := ^uint32(0)
	id, err := Allocate(NewSet(max-1), max-1, max)
	require.NoError(t, err)
	assert.Equal(t, max, id)

	_, err = Allocate(NewSet(max), max, max)
	assert.ErrorIs(t, err, types.ErrExhausted)
}

func TestAllocateReusesReleased(t *testing.T) {
	used := NewSet(1, 2, 3)
	delete(used, 2)

	id, err := Allocate(used, 1, 128)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), id)
}

func TestNextIsMonotonic(t *testing.T) {
	id, err := Next(NewSet(), 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), id)

	// 1 was released but 3 is still live, so 1 is not reused.
	id, err = Next(NewSet(2, 3), 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), id)

	id, err = Next(NewSet(0), 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), id)

	_, err = Next(NewSet(^uint32(0)), 1)
	assert.ErrorIs(t, err, types.ErrExhausted)
}

func TestSetExport(t *testing.T) {
	s := NewSet(5, 1, 3)
	assert.False(t, s.Add(3))
	assert.True(t, s.Add(2))
	assert.Equal(t, []uint32{1, 2, 3, 5}, s.sorted())
	assert.Equal(t, uint32(5), s.Max())
	assert.Equal(t, uint32(0), NewSet().Max())
}
