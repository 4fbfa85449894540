package fifo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genlog/genlog/internal/store/memstore"
	"github.com/genlog/genlog/pkg/errors"
)

func TestCreateAndMeta(t *testing.T) {
	ctx := context.Background()
	client := memstore.NewCluster().Client()

	f, err := Create(ctx, client, "log.0")
	require.NoError(t, err)
	meta := f.Meta()
	assert.Equal(t, "log.0", meta.ID)
	assert.Equal(t, int64(-1), meta.HeadPartNum)
	assert.Equal(t, int64(0), meta.TailPartNum)

	_, err = Create(ctx, client, "log.0")
	assert.True(t, errors.IsAlreadyExists(err))
}

func TestOpenNoCreateSemantics(t *testing.T) {
	ctx := context.Background()
	client := memstore.NewCluster().Client()

	// Absent object.
	_, err := Open(ctx, client, "log.0", true)
	assert.True(t, errors.IsNotFound(err))

	// Object exists but carries no fifo metadata.
	require.NoError(t, client.WriteFull(ctx, "log.1", nil))
	_, err = Open(ctx, client, "log.1", true)
	assert.True(t, errors.IsNoData(err))

	// Without noCreate the fifo is created in place.
	f, err := Open(ctx, client, "log.2", false)
	require.NoError(t, err)
	require.NotNil(t, f)
	_, err = Open(ctx, client, "log.2", true)
	assert.NoError(t, err)
}

func TestGetMetaGarbage(t *testing.T) {
	ctx := context.Background()
	client := memstore.NewCluster().Client()
	require.NoError(t, client.WriteFull(ctx, "log.0", []byte("not json")))

	_, err := GetMeta(ctx, client, "log.0")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeDecodeFailed))
}

func TestPushAndList(t *testing.T) {
	ctx := context.Background()
	cluster := memstore.NewCluster()
	client := cluster.Client()

	f, err := Create(ctx, client, "log.0")
	require.NoError(t, err)

	entries, more, err := f.List(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.False(t, more)

	require.NoError(t, f.Push(ctx, []byte("one")))
	require.NoError(t, f.Push(ctx, []byte("two")))
	require.NoError(t, f.Push(ctx, []byte("three")))

	// The head part was materialized.
	meta := f.Meta()
	assert.Equal(t, int64(0), meta.HeadPartNum)
	assert.True(t, cluster.ObjectExists(meta.PartOID(0)))

	entries, more, err = f.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.False(t, more)
	assert.Equal(t, []byte("one"), entries[0].Data)

	entries, more, err = f.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.True(t, more)
}

func TestPartOID(t *testing.T) {
	m := Meta{ID: "log.3"}
	assert.Equal(t, "log.3.0", m.PartOID(0))
	assert.Equal(t, "log.3.12", m.PartOID(12))
}
