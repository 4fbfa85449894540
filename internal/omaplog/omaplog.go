// Package omaplog provides the structured-log primitives for OMAP-backed
// shards: a header probe and a bounded entry listing. An OMAP log keeps its
// header in the object's OMAP header and one OMAP key per entry.
package omaplog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/genlog/genlog/pkg/errors"
	"github.com/genlog/genlog/pkg/types"
)

// Header is the log header stored in the shard object's OMAP header. A zero
// header means no entries have ever been written through the log interface.
type Header struct {
	LastMarker string    `json:"last_marker"`
	MaxTime    time.Time `json:"max_time"`
}

// IsZero reports whether the header has never been written.
func (h Header) IsZero() bool {
	return h.LastMarker == "" && h.MaxTime.IsZero()
}

// Entry is a single log record.
type Entry struct {
	Marker    string    `json:"marker"`
	Section   string    `json:"section"`
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	Payload   []byte    `json:"payload,omitempty"`
}

// Info reads the log header of oid. A missing object surfaces as an
// OBJECT_NOT_FOUND error; an object without a header returns a zero Header.
func Info(ctx context.Context, store types.ObjectStore, oid string) (Header, error) {
	raw, err := store.OMAPGetHeader(ctx, oid)
	if err != nil {
		return Header{}, err
	}
	if len(raw) == 0 {
		return Header{}, nil
	}
	var h Header
	if err := json.Unmarshal(raw, &h); err != nil {
		return Header{}, errors.Wrapf(err, errors.ErrCodeDecodeFailed,
			"bad log header on %s", oid)
	}
	return h, nil
}

// List returns up to max entries starting after the given marker, plus a
// flag indicating whether more entries remain.
func List(ctx context.Context, store types.ObjectStore, oid, marker string, max int) ([]Entry, bool, error) {
	kv, more, err := store.OMAPList(ctx, oid, marker, max)
	if err != nil {
		return nil, false, err
	}
	entries := make([]Entry, 0, len(kv))
	for k, v := range kv {
		var e Entry
		if err := json.Unmarshal(v, &e); err != nil {
			return nil, false, errors.Wrapf(err, errors.ErrCodeDecodeFailed,
				"bad log entry %s on %s", k, oid)
		}
		entries = append(entries, e)
	}
	return entries, more, nil
}

// Add appends an entry and advances the header. Used by producers and by
// tests that need an OMAP-backed shard with contents.
func Add(ctx context.Context, store types.ObjectStore, oid string, e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Marker == "" {
		e.Marker = fmt.Sprintf("1_%d_%s", e.Timestamp.UnixNano(), e.Name)
	}
	val, err := json.Marshal(&e)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDecodeFailed, "encoding log entry")
	}
	if err := store.OMAPSet(ctx, oid, map[string][]byte{e.Marker: val}); err != nil {
		return err
	}
	hdr, err := json.Marshal(&Header{LastMarker: e.Marker, MaxTime: e.Timestamp})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDecodeFailed, "encoding log header")
	}
	return store.OMAPSetHeader(ctx, oid, hdr)
}
