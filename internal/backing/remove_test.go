package backing

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genlog/genlog/internal/fifo"
	"github.com/genlog/genlog/internal/omaplog"
	"github.com/genlog/genlog/internal/store/memstore"
	"github.com/genlog/genlog/pkg/errors"
)

// oidFor is the shard naming scheme shared by the package tests.
func oidFor(gen uint64, shard int) string {
	return fmt.Sprintf("test_log.%d.%d", gen, shard)
}

func TestLogRemoveDeletesFIFOAndParts(t *testing.T) {
	ctx := context.Background()
	cluster := memstore.NewCluster()
	client := cluster.Client()
	getOID := func(i int) string { return oidFor(1, i) }

	f, err := fifo.Create(ctx, client, getOID(0))
	require.NoError(t, err)
	require.NoError(t, f.Push(ctx, []byte("a")))
	require.NoError(t, f.Push(ctx, []byte("b")))
	meta := f.Meta()
	require.GreaterOrEqual(t, meta.HeadPartNum, int64(0))

	require.NoError(t, LogRemove(ctx, client, 2, getOID, false, testLogger()))

	assert.False(t, cluster.ObjectExists(getOID(0)))
	assert.False(t, cluster.ObjectExists(getOID(1)))
	for j := meta.TailPartNum; j <= meta.HeadPartNum; j++ {
		assert.False(t, cluster.ObjectExists(meta.PartOID(j)), "part %d should be gone", j)
	}
}

func TestLogRemoveLeaveZeroPreservesShardZero(t *testing.T) {
	ctx := context.Background()
	cluster := memstore.NewCluster()
	client := cluster.Client()
	getOID := func(i int) string { return oidFor(0, i) }

	// Shard 0 is an omap-backed shard with entries; shard 1 a fifo.
	require.NoError(t, omaplog.Add(ctx, client, getOID(0), omaplog.Entry{
		Section: "data", Name: "key", Payload: []byte("v"),
	}))
	_, err := fifo.Create(ctx, client, getOID(1))
	require.NoError(t, err)

	require.NoError(t, LogRemove(ctx, client, 2, getOID, true, testLogger()))

	// Shard 0 survives as an empty placeholder: omap cleared, header
	// cleared, data truncated.
	assert.True(t, cluster.ObjectExists(getOID(0)))
	hdr, err := omaplog.Info(ctx, client, getOID(0))
	require.NoError(t, err)
	assert.True(t, hdr.IsZero())
	kv, _, err := client.OMAPList(ctx, getOID(0), "", 0)
	require.NoError(t, err)
	assert.Empty(t, kv)
	size, err := client.Stat(ctx, getOID(0))
	require.NoError(t, err)
	assert.Zero(t, size)

	assert.False(t, cluster.ObjectExists(getOID(1)))
}

func TestLogRemoveAbsentShardsAreFine(t *testing.T) {
	ctx := context.Background()
	client := memstore.NewCluster().Client()
	getOID := func(i int) string { return oidFor(3, i) }

	assert.NoError(t, LogRemove(ctx, client, 4, getOID, false, testLogger()))
}

func TestLogRemoveCollectsFirstError(t *testing.T) {
	ctx := context.Background()
	cluster := memstore.NewCluster()
	client := cluster.Client()
	getOID := func(i int) string { return oidFor(2, i) }

	// Shard 0 carries garbage fifo metadata: GetMeta fails with a decode
	// error, which is collected, while shard 1 is still processed.
	require.NoError(t, client.WriteFull(ctx, getOID(0), []byte("not json")))
	_, err := fifo.Create(ctx, client, getOID(1))
	require.NoError(t, err)

	err = LogRemove(ctx, client, 2, getOID, false, testLogger())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeDecodeFailed))
	assert.False(t, cluster.ObjectExists(getOID(1)), "later shards still processed")
}
