package backing

import (
	"encoding/binary"

	"github.com/genlog/genlog/pkg/errors"
	"github.com/genlog/genlog/pkg/types"
)

// Persisted layout of the entries map: u32 count, then count records of
// { u64 gen_id, u8 type, u8 empty }, little-endian, keys ascending.
const entryRecordSize = 8 + 1 + 1

// EncodeEntries serializes the entries map into the metadata object body.
func EncodeEntries(e types.Entries) []byte {
	keys := e.Keys()
	buf := make([]byte, 4+len(keys)*entryRecordSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(keys)))
	off := 4
	for _, k := range keys {
		g := e[k]
		binary.LittleEndian.PutUint64(buf[off:off+8], g.GenID)
		buf[off+8] = byte(g.Type)
		if g.Empty {
			buf[off+9] = 1
		}
		off += entryRecordSize
	}
	return buf
}

// DecodeEntries parses a metadata object body back into an entries map.
func DecodeEntries(body []byte) (types.Entries, error) {
	if len(body) < 4 {
		return nil, errors.Newf(errors.ErrCodeDecodeFailed,
			"entries body too short: %d bytes", len(body))
	}
	count := binary.LittleEndian.Uint32(body[0:4])
	want := 4 + int(count)*entryRecordSize
	if len(body) != want {
		return nil, errors.Newf(errors.ErrCodeDecodeFailed,
			"entries body length %d, want %d for %d entries", len(body), want, count)
	}
	e := make(types.Entries, count)
	off := 4
	for i := uint32(0); i < count; i++ {
		gen := binary.LittleEndian.Uint64(body[off : off+8])
		typ := body[off+8]
		empty := body[off+9]
		if typ > uint8(types.BackingFIFO) {
			return nil, errors.Newf(errors.ErrCodeDecodeFailed,
				"unknown backing type %d for generation %d", typ, gen)
		}
		if empty > 1 {
			return nil, errors.Newf(errors.ErrCodeDecodeFailed,
				"bad empty flag %d for generation %d", empty, gen)
		}
		e[gen] = types.Generation{
			GenID: gen,
			Type:  types.BackingType(typ),
			Empty: empty == 1,
		}
		off += entryRecordSize
	}
	return e, nil
}
