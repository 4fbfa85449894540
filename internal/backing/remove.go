package backing

import (
	"context"
	"log/slog"

	"github.com/genlog/genlog/internal/fifo"
	"github.com/genlog/genlog/pkg/errors"
	"github.com/genlog/genlog/pkg/types"
)

// LogRemove deletes every physical object of one generation: FIFO parts in
// the live part range, then the shard objects themselves. With leaveZero,
// shard 0 is preserved as an empty placeholder — its OMAP is cleared and
// its data truncated — because external lock services store xattrs on it
// and need to rendezvous with locks on generation 0 shard 0.
//
// Errors are collected but do not stop processing; the first one is
// returned after all shards have been handled.
func LogRemove(ctx context.Context, store types.ObjectStore, shards int,
	getOID func(int) string, leaveZero bool, log *slog.Logger) error {
	var firstErr error
	record := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	for i := 0; i < shards; i++ {
		oid := getOID(i)
		meta, err := fifo.GetMeta(ctx, store, oid)
		if err != nil && errors.IsNotFound(err) {
			continue
		}
		if err == nil && meta.HeadPartNum > -1 {
			for j := meta.TailPartNum; j <= meta.HeadPartNum; j++ {
				partOID := meta.PartOID(j)
				if rerr := store.Remove(ctx, partOID); rerr != nil && !errors.IsNotFound(rerr) {
					record(rerr)
					log.Error("failed removing FIFO part", "part_oid", partOID, "err", rerr)
				}
			}
		}
		if err != nil && !errors.IsNoData(err) {
			record(err)
			log.Error("failed checking FIFO part", "oid", oid, "err", err)
		}

		if i == 0 && leaveZero {
			if herr := store.OMAPSetHeader(ctx, oid, nil); herr != nil && !errors.IsNotFound(herr) {
				record(herr)
				log.Error("failed clearing omap header", "oid", oid, "err", herr)
			}
			if cerr := store.OMAPClear(ctx, oid); cerr != nil && !errors.IsNotFound(cerr) {
				record(cerr)
				log.Error("failed clearing omap", "oid", oid, "err", cerr)
			}
			if terr := store.Truncate(ctx, oid, 0); terr != nil && !errors.IsNotFound(terr) {
				record(terr)
				log.Error("failed truncating shard", "oid", oid, "err", terr)
			}
			continue
		}
		if rerr := store.Remove(ctx, oid); rerr != nil && !errors.IsNotFound(rerr) {
			record(rerr)
			log.Error("failed removing shard", "oid", oid, "err", rerr)
		}
	}
	return firstErr
}
