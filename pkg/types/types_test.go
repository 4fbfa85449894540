package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackingTypeString(t *testing.T) {
	assert.Equal(t, "omap", BackingOMAP.String())
	assert.Equal(t, "fifo", BackingFIFO.String())
	assert.Contains(t, BackingType(7).String(), "unknown")
}

func TestParseBackingType(t *testing.T) {
	bt, err := ParseBackingType("fifo")
	require.NoError(t, err)
	assert.Equal(t, BackingFIFO, bt)

	bt, err = ParseBackingType("omap")
	require.NoError(t, err)
	assert.Equal(t, BackingOMAP, bt)

	_, err = ParseBackingType("tape")
	assert.Error(t, err)
}

func TestEntriesBounds(t *testing.T) {
	e := Entries{}
	_, ok := e.Lowest()
	assert.False(t, ok)
	_, ok = e.Highest()
	assert.False(t, ok)
	_, ok = e.LowestNonEmpty()
	assert.False(t, ok)

	e = Entries{
		3: {GenID: 3, Type: BackingFIFO, Empty: true},
		4: {GenID: 4, Type: BackingFIFO, Empty: true},
		5: {GenID: 5, Type: BackingOMAP},
		6: {GenID: 6, Type: BackingFIFO},
	}

	lo, ok := e.Lowest()
	require.True(t, ok)
	assert.Equal(t, uint64(3), lo)

	hi, ok := e.Highest()
	require.True(t, ok)
	assert.Equal(t, uint64(6), hi)

	lne, ok := e.LowestNonEmpty()
	require.True(t, ok)
	assert.Equal(t, uint64(5), lne)

	assert.Equal(t, []uint64{3, 4, 5, 6}, e.Keys())
}

func TestEntriesAllEmpty(t *testing.T) {
	e := Entries{
		0: {GenID: 0, Empty: true},
		1: {GenID: 1, Empty: true},
	}
	_, ok := e.LowestNonEmpty()
	assert.False(t, ok)
}

func TestEntriesClone(t *testing.T) {
	e := Entries{0: {GenID: 0, Type: BackingFIFO}}
	c := e.Clone()
	c[1] = Generation{GenID: 1, Type: BackingOMAP}
	g := c[0]
	g.Empty = true
	c[0] = g

	assert.Len(t, e, 1)
	assert.False(t, e[0].Empty)
	assert.Len(t, c, 2)
}

func TestVersionEquality(t *testing.T) {
	a := Version{Counter: 3, Tag: "abc"}
	assert.True(t, a.Equal(Version{Counter: 3, Tag: "abc"}))
	assert.False(t, a.Equal(Version{Counter: 3, Tag: "xyz"}))
	assert.False(t, a.Equal(Version{Counter: 4, Tag: "abc"}))
	assert.True(t, Version{}.IsZero())
	assert.False(t, a.IsZero())
	assert.Equal(t, "3:abc", a.String())
}
