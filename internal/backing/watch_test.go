package backing

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genlog/genlog/internal/store/memstore"
	"github.com/genlog/genlog/pkg/errors"
	"github.com/genlog/genlog/pkg/types"
)

func TestNotifyAcknowledged(t *testing.T) {
	ctx := context.Background()
	cluster := memstore.NewCluster()
	a, _ := newManager(t, cluster.Client())
	require.NoError(t, a.Setup(ctx, types.BackingFIFO))
	b, _ := newManager(t, cluster.Client())
	require.NoError(t, b.Setup(ctx, types.BackingFIFO))

	require.NoError(t, a.NewBacking(ctx, types.BackingOMAP))

	// Both watchers acked: A its self-notification, B after refreshing.
	assert.Len(t, cluster.Acks(), 2)
}

func TestWatchRearmsAfterError(t *testing.T) {
	ctx := context.Background()
	cluster := memstore.NewCluster()
	a, _ := newManager(t, cluster.Client())
	require.NoError(t, a.Setup(ctx, types.BackingFIFO))
	b, bcb := newManager(t, cluster.Client())
	require.NoError(t, b.Setup(ctx, types.BackingFIFO))

	cluster.DropWatches(errors.New(errors.ErrCodeConnectionFailed, "connection reset"))

	// Both managers re-armed: a rotation on A still reaches B.
	require.NoError(t, a.NewBacking(ctx, types.BackingOMAP))
	assert.Equal(t, a.Entries(), b.Entries())
	_, newGens, _ := bcb.snapshot()
	require.Len(t, newGens, 1)
}

func TestHandleNotifyAbortsOnUpdateFailure(t *testing.T) {
	ctx := context.Background()
	cluster := memstore.NewCluster()
	mgr, _ := newManager(t, cluster.Client())
	require.NoError(t, mgr.Setup(ctx, types.BackingFIFO))

	aborted := 0
	orig := fatal
	fatal = func() { aborted++ }
	defer func() { fatal = orig }()

	// A foreign writer corrupts the metadata body and notifies: the
	// refresh fails with a decode error and there is no one to report to.
	rival := cluster.Client()
	rawOverwrite(t, rival, []byte("garbage"))
	_, err := rival.Notify(ctx, metaOID, nil, 0)
	require.NoError(t, err)

	assert.Equal(t, 1, aborted)
}

// countingStore counts versioned reads passing through.
type countingStore struct {
	types.ObjectStore
	mu    sync.Mutex
	reads int
}

func (c *countingStore) ReadVersioned(ctx context.Context, oid string, held types.Version) ([]byte, types.Version, error) {
	c.mu.Lock()
	c.reads++
	c.mu.Unlock()
	return c.ObjectStore.ReadVersioned(ctx, oid, held)
}

func TestSelfNotifyDoesNotRefresh(t *testing.T) {
	ctx := context.Background()
	cluster := memstore.NewCluster()
	cs := &countingStore{ObjectStore: cluster.Client()}
	mgr, _ := newManager(t, cs)
	require.NoError(t, mgr.Setup(ctx, types.BackingFIFO))

	cs.mu.Lock()
	cs.reads = 0
	cs.mu.Unlock()

	// The mutator already installed its own state: the one read is the
	// update at the start of NewBacking, and the self-notification adds
	// nothing.
	require.NoError(t, mgr.NewBacking(ctx, types.BackingOMAP))

	cs.mu.Lock()
	reads := cs.reads
	cs.mu.Unlock()
	assert.Equal(t, 1, reads)
	assert.Len(t, cluster.Acks(), 1)
}

func TestCloseReleasesWatch(t *testing.T) {
	ctx := context.Background()
	cluster := memstore.NewCluster()
	mgr, _ := newManager(t, cluster.Client())
	require.NoError(t, mgr.Setup(ctx, types.BackingFIFO))

	require.NoError(t, mgr.Close())
	// Closing twice is fine: the cookie is gone.
	require.NoError(t, mgr.Close())

	// With the watch released, a foreign notify reaches nobody.
	rival := cluster.Client()
	_, err := rival.Notify(ctx, metaOID, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, cluster.Acks())
}
