package backing

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genlog/genlog/internal/fifo"
	"github.com/genlog/genlog/internal/omaplog"
	"github.com/genlog/genlog/internal/store/memstore"
	"github.com/genlog/genlog/pkg/errors"
	"github.com/genlog/genlog/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.Default()
}

func TestProbeShardAbsent(t *testing.T) {
	client := memstore.NewCluster().Client()
	check, entries := probeShard(context.Background(), client, "nope", testLogger(), nil)
	assert.Equal(t, shardDNE, check)
	assert.False(t, entries)
}

func TestProbeShardMarkerOnlyOMAP(t *testing.T) {
	ctx := context.Background()
	client := memstore.NewCluster().Client()
	// An object with a stray omap key but no log header and no fifo
	// metadata is treated as absent: likely just the marker omap left by
	// earlier tooling.
	require.NoError(t, client.OMAPSet(ctx, "shard", map[string][]byte{"marker": nil}))

	check, entries := probeShard(ctx, client, "shard", testLogger(), nil)
	assert.Equal(t, shardDNE, check)
	assert.False(t, entries)
}

func TestProbeShardEmptyFIFO(t *testing.T) {
	ctx := context.Background()
	client := memstore.NewCluster().Client()
	_, err := fifo.Create(ctx, client, "shard")
	require.NoError(t, err)

	check, entries := probeShard(ctx, client, "shard", testLogger(), nil)
	assert.Equal(t, shardFIFO, check)
	assert.False(t, entries)
}

func TestProbeShardFIFOWithEntries(t *testing.T) {
	ctx := context.Background()
	client := memstore.NewCluster().Client()
	f, err := fifo.Create(ctx, client, "shard")
	require.NoError(t, err)
	require.NoError(t, f.Push(ctx, []byte("payload")))

	check, entries := probeShard(ctx, client, "shard", testLogger(), nil)
	assert.Equal(t, shardFIFO, check)
	assert.True(t, entries)
}

func TestProbeShardOMAPWithEntries(t *testing.T) {
	ctx := context.Background()
	client := memstore.NewCluster().Client()
	require.NoError(t, omaplog.Add(ctx, client, "shard", omaplog.Entry{
		Section: "data", Name: "key", Payload: []byte("v"),
	}))

	check, entries := probeShard(ctx, client, "shard", testLogger(), nil)
	assert.Equal(t, shardOMAP, check)
	assert.True(t, entries)
}

func TestProbeShardBothBackingsCorrupt(t *testing.T) {
	ctx := context.Background()
	client := memstore.NewCluster().Client()
	_, err := fifo.Create(ctx, client, "shard")
	require.NoError(t, err)
	require.NoError(t, omaplog.Add(ctx, client, "shard", omaplog.Entry{
		Section: "data", Name: "key",
	}))

	check, entries := probeShard(ctx, client, "shard", testLogger(), nil)
	assert.Equal(t, shardCorrupt, check)
	assert.False(t, entries)
}

func TestProbeShardGarbageFIFOMetaCorrupt(t *testing.T) {
	ctx := context.Background()
	client := memstore.NewCluster().Client()
	require.NoError(t, client.WriteFull(ctx, "shard", []byte("not json")))

	check, _ := probeShard(ctx, client, "shard", testLogger(), nil)
	assert.Equal(t, shardCorrupt, check)
}

func TestLogBackingTypeAllAbsentFIFODefault(t *testing.T) {
	ctx := context.Background()
	client := memstore.NewCluster().Client()
	getOID := func(i int) string { return oidFor(0, i) }

	bt, err := LogBackingType(ctx, client, types.BackingFIFO, 4, getOID, testLogger(), nil)
	require.NoError(t, err)
	assert.Equal(t, types.BackingFIFO, bt)

	// The initial FIFO is materialized on shard 0 only.
	_, err = fifo.GetMeta(ctx, client, getOID(0))
	assert.NoError(t, err)
	for i := 1; i < 4; i++ {
		_, err := fifo.GetMeta(ctx, client, getOID(i))
		assert.True(t, errors.IsNotFound(err), "shard %d should be absent", i)
	}
}

func TestLogBackingTypeAllAbsentOMAPDefault(t *testing.T) {
	ctx := context.Background()
	cluster := memstore.NewCluster()
	client := cluster.Client()
	getOID := func(i int) string { return oidFor(0, i) }

	bt, err := LogBackingType(ctx, client, types.BackingOMAP, 4, getOID, testLogger(), nil)
	require.NoError(t, err)
	assert.Equal(t, types.BackingOMAP, bt)

	// The absence itself is the OMAP starting state: no I/O happened.
	for i := 0; i < 4; i++ {
		assert.False(t, cluster.ObjectExists(getOID(i)))
	}
}

func TestLogBackingTypeAgreement(t *testing.T) {
	ctx := context.Background()
	client := memstore.NewCluster().Client()
	getOID := func(i int) string { return oidFor(0, i) }

	// Shards 1 and 3 exist as FIFOs, the rest are absent.
	for _, i := range []int{1, 3} {
		_, err := fifo.Create(ctx, client, getOID(i))
		require.NoError(t, err)
	}

	bt, err := LogBackingType(ctx, client, types.BackingOMAP, 4, getOID, testLogger(), nil)
	require.NoError(t, err)
	assert.Equal(t, types.BackingFIFO, bt)
}

func TestLogBackingTypeDisagreementFails(t *testing.T) {
	ctx := context.Background()
	client := memstore.NewCluster().Client()
	getOID := func(i int) string { return oidFor(0, i) }

	_, err := fifo.Create(ctx, client, getOID(0))
	require.NoError(t, err)
	require.NoError(t, omaplog.Add(ctx, client, getOID(1), omaplog.Entry{
		Section: "data", Name: "key",
	}))

	_, err = LogBackingType(ctx, client, types.BackingFIFO, 2, getOID, testLogger(), nil)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeIOError))
}

func TestLogBackingTypeCorruptShardFails(t *testing.T) {
	ctx := context.Background()
	client := memstore.NewCluster().Client()
	getOID := func(i int) string { return oidFor(0, i) }

	_, err := fifo.Create(ctx, client, getOID(1))
	require.NoError(t, err)
	require.NoError(t, omaplog.Add(ctx, client, getOID(1), omaplog.Entry{
		Section: "data", Name: "key",
	}))

	_, err = LogBackingType(ctx, client, types.BackingFIFO, 2, getOID, testLogger(), nil)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeIOError))
}
