// Package fifo implements the segmented FIFO log used for FIFO-backed
// shards. A FIFO is a head object holding its metadata in the object body
// plus a range of numbered part objects holding the entries. Part objects
// are named <oid>.<part>.
package fifo

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/genlog/genlog/pkg/errors"
	"github.com/genlog/genlog/pkg/types"
)

// Meta is the FIFO metadata stored in the head object's body. HeadPartNum
// is -1 until the first entry has been pushed.
type Meta struct {
	ID          string `json:"id"`
	Version     int64  `json:"version"`
	TailPartNum int64  `json:"tail_part_num"`
	HeadPartNum int64  `json:"head_part_num"`
	MaxPartSize uint64 `json:"max_part_size"`
}

// PartOID returns the object name of the numbered part.
func (m *Meta) PartOID(n int64) string {
	return fmt.Sprintf("%s.%d", m.ID, n)
}

const defaultMaxPartSize = 4 << 20

// Entry is one record listed from the FIFO.
type Entry struct {
	PartNum int64
	Marker  string
	Data    []byte
}

// FIFO is an open handle on a FIFO log.
type FIFO struct {
	store types.ObjectStore
	oid   string
	meta  Meta
}

// Create initializes a FIFO on oid. Creating over an existing FIFO surfaces
// an ALREADY_EXISTS error.
func Create(ctx context.Context, store types.ObjectStore, oid string) (*FIFO, error) {
	body, err := store.ReadFull(ctx, oid)
	if err != nil && !errors.IsNotFound(err) {
		return nil, err
	}
	if err == nil && len(body) > 0 {
		return nil, errors.Newf(errors.ErrCodeAlreadyExists, "fifo already exists on %s", oid)
	}
	meta := Meta{
		ID:          oid,
		Version:     1,
		TailPartNum: 0,
		HeadPartNum: -1,
		MaxPartSize: defaultMaxPartSize,
	}
	if err := writeMeta(ctx, store, oid, &meta); err != nil {
		return nil, err
	}
	return &FIFO{store: store, oid: oid, meta: meta}, nil
}

// Open opens an existing FIFO. With noCreate the open fails with
// OBJECT_NOT_FOUND when the object is absent and NO_DATA when the object
// exists but carries no FIFO metadata; without it, a missing FIFO is
// created.
func Open(ctx context.Context, store types.ObjectStore, oid string, noCreate bool) (*FIFO, error) {
	meta, err := GetMeta(ctx, store, oid)
	if err != nil {
		if noCreate {
			return nil, err
		}
		if errors.IsNotFound(err) || errors.IsNoData(err) {
			return Create(ctx, store, oid)
		}
		return nil, err
	}
	return &FIFO{store: store, oid: oid, meta: *meta}, nil
}

// GetMeta reads the FIFO metadata from oid without opening a handle.
func GetMeta(ctx context.Context, store types.ObjectStore, oid string) (*Meta, error) {
	body, err := store.ReadFull(ctx, oid)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, errors.Newf(errors.ErrCodeNoData, "no fifo metadata on %s", oid)
	}
	var meta Meta
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, errors.Wrapf(err, errors.ErrCodeDecodeFailed,
			"bad fifo metadata on %s", oid)
	}
	return &meta, nil
}

// Meta returns a copy of the handle's metadata.
func (f *FIFO) Meta() Meta {
	return f.meta
}

// Push appends an entry, creating the head part if none exists yet.
func (f *FIFO) Push(ctx context.Context, data []byte) error {
	if f.meta.HeadPartNum < 0 {
		f.meta.HeadPartNum = f.meta.TailPartNum
		f.meta.Version++
		if err := f.store.WriteFull(ctx, f.meta.PartOID(f.meta.HeadPartNum), nil); err != nil {
			return err
		}
		if err := writeMeta(ctx, f.store, f.oid, &f.meta); err != nil {
			return err
		}
	}
	partOID := f.meta.PartOID(f.meta.HeadPartNum)
	kv, _, err := f.store.OMAPList(ctx, partOID, "", 0)
	if err != nil {
		return err
	}
	marker := fmt.Sprintf("%08d_%08d", f.meta.HeadPartNum, len(kv))
	return f.store.OMAPSet(ctx, partOID, map[string][]byte{marker: data})
}

// List returns up to max entries from the tail forward, plus a flag
// indicating whether more entries remain.
func (f *FIFO) List(ctx context.Context, max int) ([]Entry, bool, error) {
	if f.meta.HeadPartNum < 0 {
		return nil, false, nil
	}
	var out []Entry
	for part := f.meta.TailPartNum; part <= f.meta.HeadPartNum; part++ {
		kv, _, err := f.store.OMAPList(ctx, f.meta.PartOID(part), "", 0)
		if err != nil {
			if errors.IsNotFound(err) {
				continue
			}
			return nil, false, err
		}
		markers := make([]string, 0, len(kv))
		for k := range kv {
			markers = append(markers, k)
		}
		sort.Strings(markers)
		for _, k := range markers {
			out = append(out, Entry{PartNum: part, Marker: k, Data: kv[k]})
			if max > 0 && len(out) > max {
				return out[:max], true, nil
			}
		}
	}
	if max > 0 && len(out) > max {
		return out[:max], true, nil
	}
	return out, false, nil
}

func writeMeta(ctx context.Context, store types.ObjectStore, oid string, meta *Meta) error {
	body, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDecodeFailed, "encoding fifo metadata")
	}
	return store.WriteFull(ctx, oid, body)
}
