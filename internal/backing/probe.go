package backing

import (
	"context"
	"log/slog"

	"github.com/genlog/genlog/internal/fifo"
	"github.com/genlog/genlog/internal/metrics"
	"github.com/genlog/genlog/internal/omaplog"
	"github.com/genlog/genlog/pkg/errors"
	"github.com/genlog/genlog/pkg/types"
)

// shardCheck is the classification a probe assigns to a shard object.
type shardCheck uint8

const (
	shardDNE shardCheck = iota
	shardOMAP
	shardFIFO
	shardCorrupt
)

func (c shardCheck) String() string {
	switch c {
	case shardDNE:
		return "dne"
	case shardOMAP:
		return "omap"
	case shardFIFO:
		return "fifo"
	case shardCorrupt:
		return "corrupt"
	}
	return "unknown"
}

// probeShard classifies a shard object and reports whether it has entries.
func probeShard(ctx context.Context, store types.ObjectStore, oid string, log *slog.Logger, met *metrics.Collector) (check shardCheck, hasEntries bool) {
	defer func() { met.ObserveProbe(check.String()) }()
	omap := false
	header, err := omaplog.Info(ctx, store, oid)
	if err != nil {
		if errors.IsNotFound(err) {
			return shardDNE, false
		}
		log.Error("error probing for omap", "oid", oid, "err", err)
		return shardCorrupt, false
	}
	if !header.IsZero() {
		omap = true
	}

	f, err := fifo.Open(ctx, store, oid, true)
	if err != nil && !errors.IsNotFound(err) && !errors.IsNoData(err) {
		log.Error("error probing for fifo", "oid", oid, "err", err)
		return shardCorrupt, false
	}
	if f != nil && omap {
		log.Error("fifo and omap found", "oid", oid)
		return shardCorrupt, false
	}
	if f != nil {
		entries, _, err := f.List(ctx, 1)
		if err != nil {
			log.Error("unable to list fifo entries", "oid", oid, "err", err)
			return shardCorrupt, false
		}
		return shardFIFO, len(entries) > 0
	}
	if omap {
		entries, _, err := omaplog.List(ctx, store, oid, "", 1)
		if err != nil {
			log.Error("failed to list omap log", "oid", oid, "err", err)
			return shardCorrupt, false
		}
		return shardOMAP, len(entries) > 0
	}

	// An object exists, but has never had FIFO or log entries written to
	// it. Likely just the marker omap.
	return shardDNE, false
}

// handleDNE resolves the backing type when every shard is absent: the
// default wins, and a FIFO default is materialized on shard 0 so later
// opens find it. The remaining shards are created lazily on first write.
func handleDNE(ctx context.Context, store types.ObjectStore, def types.BackingType, oid string, log *slog.Logger) (types.BackingType, error) {
	if def == types.BackingFIFO {
		if _, err := fifo.Create(ctx, store, oid); err != nil {
			log.Error("error creating FIFO", "oid", oid, "err", err)
			return 0, errors.Wrapf(err, errors.ErrCodeIOError,
				"creating initial fifo on %s", oid)
		}
	}
	return def, nil
}

// LogBackingType probes every shard of generation 0 and agrees on a single
// backing type. Disagreement between shards or any corrupt shard fails with
// IO_ERROR. When nothing exists the default is resolved via handleDNE.
func LogBackingType(ctx context.Context, store types.ObjectStore, def types.BackingType,
	shards int, getOID func(int) string, log *slog.Logger, met *metrics.Collector) (types.BackingType, error) {
	check := shardDNE
	for i := 0; i < shards; i++ {
		c, _ := probeShard(ctx, store, getOID(i), log, met)
		if c == shardCorrupt {
			return 0, errors.Newf(errors.ErrCodeIOError,
				"corrupt shard %s", getOID(i))
		}
		if c == shardDNE {
			continue
		}
		if check == shardDNE {
			check = c
			continue
		}
		if check != c {
			log.Error("clashing shard types", "check", check.String(), "c", c.String())
			return 0, errors.Newf(errors.ErrCodeIOError,
				"shards disagree on backing type: %s vs %s", check, c)
		}
	}

	if check == shardDNE {
		return handleDNE(ctx, store, def, getOID(0), log)
	}
	if check == shardFIFO {
		return types.BackingFIFO, nil
	}
	return types.BackingOMAP, nil
}
