package types

import (
	"fmt"
	"sort"
)

// BackingType identifies the physical format of a generation's shards.
type BackingType uint8

const (
	// BackingOMAP stores log entries in the object's key-value map.
	BackingOMAP BackingType = iota
	// BackingFIFO stores log entries in a segmented FIFO with part objects.
	BackingFIFO
)

func (t BackingType) String() string {
	switch t {
	case BackingOMAP:
		return "omap"
	case BackingFIFO:
		return "fifo"
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// ParseBackingType converts a configuration string into a BackingType.
func ParseBackingType(s string) (BackingType, error) {
	switch s {
	case "omap":
		return BackingOMAP, nil
	case "fifo":
		return BackingFIFO, nil
	}
	return 0, fmt.Errorf("unknown backing type %q", s)
}

// Generation is one entry of the entries map: a numbered snapshot of the
// log's backing format. Empty means the consumer has drained it and its
// shards may be physically removed.
type Generation struct {
	GenID uint64
	Type  BackingType
	Empty bool
}

// Entries is the authoritative mapping gen_id -> generation. Keys are dense:
// after setup they always form a contiguous range [L, H] and the entry at H
// is never empty.
type Entries map[uint64]Generation

// Keys returns the generation IDs in ascending order.
func (e Entries) Keys() []uint64 {
	keys := make([]uint64, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Lowest returns the smallest generation ID, or false if the map is empty.
func (e Entries) Lowest() (uint64, bool) {
	var min uint64
	found := false
	for k := range e {
		if !found || k < min {
			min = k
			found = true
		}
	}
	return min, found
}

// Highest returns the largest generation ID, or false if the map is empty.
func (e Entries) Highest() (uint64, bool) {
	var max uint64
	found := false
	for k := range e {
		if !found || k > max {
			max = k
			found = true
		}
	}
	return max, found
}

// LowestNonEmpty returns the smallest generation ID whose entry is not
// drained, or false if every entry is empty.
func (e Entries) LowestNonEmpty() (uint64, bool) {
	var min uint64
	found := false
	for k, g := range e {
		if g.Empty {
			continue
		}
		if !found || k < min {
			min = k
			found = true
		}
	}
	return min, found
}

// Clone returns a copy that shares nothing with the receiver.
func (e Entries) Clone() Entries {
	out := make(Entries, len(e))
	for k, g := range e {
		out[k] = g
	}
	return out
}

// Version is the opaque version attached to the metadata object. The tag is
// a random alphabetic string minted at first creation; it distinguishes a
// recreated object from an advanced one. Equality on the pair is the only
// safe "no change" test.
type Version struct {
	Counter uint64
	Tag     string
}

// Equal reports whether both the counter and the tag match.
func (v Version) Equal(o Version) bool {
	return v.Counter == o.Counter && v.Tag == o.Tag
}

// IsZero reports whether the version has never been assigned.
func (v Version) IsZero() bool {
	return v.Counter == 0 && v.Tag == ""
}

func (v Version) String() string {
	return fmt.Sprintf("%d:%s", v.Counter, v.Tag)
}
