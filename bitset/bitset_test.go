package bitset

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_TinyBitsetCount(t *testing.T) {
	b := TinyBitset{}

	assert.Equal(t, uint(0), b.Count())

	b.Insert(0)
	b.Insert(42)
	assert.Equal(t, uint(2), b.Count())
}

func Test_TinyBitsetInsertRemoveHas(t *testing.T) {
	b := TinyBitset{}
	assert.False(t, b.Has(5))

	b.Insert(5)
	assert.True(t, b.Has(5))

	b.Remove(5)
	assert.False(t, b.Has(5))
}

func Test_TinyBitsetTraverse(t *testing.T) {
	b := TinyBitset{}
	b.Insert(0)
	b.Insert(42)
	b.Insert(512)

	got := make([]uint32, 0)
	b.Traverse(func(idx uint32) bool {
		got = append(got, idx)
		return true
	})

	assert.Equal(t, []uint32{0, 42, 512}, got)
}

func Test_TinyBitsetPartialTraverse(t *testing.T) {
	b := TinyBitset{}
	b.Insert(42)
	b.Insert(84)
	b.Insert(512)

	got := make([]uint32, 0)
	b.Traverse(func(idx uint32) bool {
		got = append(got, idx)
		return false
	})

	assert.Equal(t, []uint32{42}, got)
}

func Test_TinyBitsetIter(t *testing.T) {
	b := TinyBitset{}
	b.Insert(0)
	b.Insert(42)
	b.Insert(512)

	got := slices.Collect(b.Iter())

	assert.Equal(t, []uint32{0, 42, 512}, got)
}

func Test_TinyBitsetAsSlice(t *testing.T) {
	b := TinyBitset{}
	b.Insert(0)
	b.Insert(42)

	assert.Equal(t, []uint32{0, 42}, b.AsSlice())
}

func Test_TinyBitsetPanicsOnLargeIndex(t *testing.T) {
	b := TinyBitset{}

	assert.NotPanics(t, func() { b.Insert(0) })
	assert.NotPanics(t, func() { b.Insert(64*MaxBitsetWords - 1) })
	assert.Panics(t, func() { b.Insert(64 * MaxBitsetWords) })
}
