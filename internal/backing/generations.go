package backing

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/genlog/genlog/internal/metrics"
	"github.com/genlog/genlog/pkg/errors"
	"github.com/genlog/genlog/pkg/types"
)

// Callbacks is the consumer-facing event surface. Callbacks are invoked
// inline on the fiber of the triggering operation; a consumer that needs to
// perform long work should hand off to its own queue.
type Callbacks interface {
	// HandleInit is delivered once at setup with every non-empty generation.
	HandleInit(entries types.Entries) error
	// HandleNewGens is delivered each time new generations appear, whether
	// created locally or observed remotely.
	HandleNewGens(entries types.Entries) error
	// HandleEmptyTo is delivered each time the empty-prefix boundary
	// advances.
	HandleEmptyTo(genID uint64) error
}

// Config parameterizes a Manager.
type Config struct {
	// MetadataOID is the well-known object holding the entries map.
	MetadataOID string
	// Shards is the shard count of every generation.
	Shards int
	// GetOID maps (generation, shard) to an object name. The manager
	// treats the returned name as opaque.
	GetOID func(gen uint64, shard int) string
	// MaxTries bounds the CAS retry loops of the mutators. Defaults to 10.
	MaxTries int
	// NotifyTimeout is the reply budget of the notify issued after a
	// successful mutation. Defaults to 10 seconds.
	NotifyTimeout time.Duration
	// Logger defaults to slog.Default.
	Logger *slog.Logger
	// Metrics is optional.
	Metrics *metrics.Collector
}

const (
	defaultMaxTries      = 10
	defaultNotifyTimeout = 10 * time.Second
	versionTagLen        = 24
)

// Manager coordinates the lifecycle of a sharded log whose physical backing
// may change format over time. It owns the in-memory entries map and
// version; the metadata object is jointly shared by all participants, with
// authority resting on the object store's CAS.
type Manager struct {
	store   types.ObjectStore
	cb      Callbacks
	oid     string
	shards  int
	getOID  func(gen uint64, shard int) string
	tries   int
	notifyT time.Duration
	log     *slog.Logger
	metrics *metrics.Collector
	myID    uint64

	mu          sync.Mutex
	entries     types.Entries
	version     types.Version
	watchCookie uint64
}

// New creates a Manager. Setup must be called before any other operation.
func New(store types.ObjectStore, cb Callbacks, cfg Config) (*Manager, error) {
	if cfg.MetadataOID == "" {
		return nil, errors.New(errors.ErrCodeInvalidArgument, "metadata oid is required")
	}
	if cfg.Shards <= 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidArgument, "invalid shard count %d", cfg.Shards)
	}
	if cfg.GetOID == nil {
		return nil, errors.New(errors.ErrCodeInvalidArgument, "oid generator is required")
	}
	if cb == nil {
		return nil, errors.New(errors.ErrCodeInvalidArgument, "callbacks are required")
	}
	if cfg.MaxTries <= 0 {
		cfg.MaxTries = defaultMaxTries
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = defaultNotifyTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		store:   store,
		cb:      cb,
		oid:     cfg.MetadataOID,
		shards:  cfg.Shards,
		getOID:  cfg.GetOID,
		tries:   cfg.MaxTries,
		notifyT: cfg.NotifyTimeout,
		log:     cfg.Logger.With("component", "logback", "oid", cfg.MetadataOID),
		metrics: cfg.Metrics,
		myID:    store.InstanceID(),
	}, nil
}

const tagAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

func randAlphaTag(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = tagAlphabet[rand.Intn(len(tagAlphabet))]
	}
	return string(b)
}

// genOID binds the oid generator to a single generation for the prober and
// the remover.
func (m *Manager) genOID(gen uint64) func(int) string {
	return func(shard int) string { return m.getOID(gen, shard) }
}

// Setup reads or creates the metadata object, arms the watch, and delivers
// HandleInit with every non-empty generation. The first participant ever
// resolves the backing type of generation 0 and creates the object; losing
// the creation race falls back to the winner's state.
func (m *Manager) Setup(ctx context.Context, def types.BackingType) (err error) {
	start := time.Now()
	defer func() { m.metrics.ObserveOperation("setup", start, err) }()

	es, v, err := m.read(ctx)
	if err != nil && !errors.IsNotFound(err) {
		return err
	}
	if err == nil {
		m.mu.Lock()
		m.entries, m.version = es, v
		m.mu.Unlock()
	} else {
		// Are we the first? Then create generation 0 and the generations
		// metadata.
		resolved, terr := LogBackingType(ctx, m.store, def, m.shards, m.genOID(0), m.log, m.metrics)
		if terr != nil {
			return terr
		}

		entries := types.Entries{0: {GenID: 0, Type: resolved}}
		ver := types.Version{Counter: 1, Tag: randAlphaTag(versionTagLen)}
		cerr := m.store.CreateExclusive(ctx, m.oid, EncodeEntries(entries), ver)
		if cerr != nil && !errors.IsAlreadyExists(cerr) {
			m.log.Error("failed creating metadata", "err", cerr)
			return cerr
		}
		if cerr == nil {
			m.mu.Lock()
			m.entries, m.version = entries, ver
			m.mu.Unlock()
		} else {
			// Someone raced us. Take their state instead.
			es, v, err = m.read(ctx)
			if err != nil {
				return err
			}
			if len(es) == 0 {
				return errors.New(errors.ErrCodeInconsistentState,
					"raced setup read an empty entries map")
			}
			lo, _ := es.Lowest()
			// In the unlikely event that someone raced us, created
			// generation zero, incremented, then erased generation zero,
			// don't leave generation zero lying around.
			if lo != 0 {
				if rerr := LogRemove(ctx, m.store, m.shards, m.genOID(0), true, m.log); rerr != nil {
					return rerr
				}
			}
			m.mu.Lock()
			m.entries, m.version = es, v
			m.mu.Unlock()
		}
	}

	m.mu.Lock()
	init := m.nonEmptyLocked()
	m.mu.Unlock()

	if werr := m.watch(); werr != nil {
		m.log.Error("failed to establish watch, unsafe to continue", "err", werr)
	}
	return m.cb.HandleInit(init)
}

// nonEmptyLocked copies the entries from the lowest non-empty key onward.
// Caller holds m.mu.
func (m *Manager) nonEmptyLocked() types.Entries {
	out := types.Entries{}
	low, ok := m.entries.LowestNonEmpty()
	if !ok {
		return out
	}
	for k, g := range m.entries {
		if k >= low {
			out[k] = g
		}
	}
	return out
}

// Update refreshes the local view from the metadata object. A version match
// is a no-op; otherwise the observed map is validated (non-empty, active
// head, tail and head may only advance) before installation. Violations
// surface as INCONSISTENT_STATE without touching local state.
func (m *Manager) Update(ctx context.Context) error {
	return m.update(ctx)
}

func (m *Manager) update(ctx context.Context) error {
	es, v, err := m.read(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if v.Equal(m.version) {
		// Nothing to do!
		m.mu.Unlock()
		return nil
	}

	if len(es) == 0 {
		m.mu.Unlock()
		m.log.Error("INCONSISTENCY: read empty update")
		return errors.New(errors.ErrCodeInconsistentState, "read empty update")
	}
	curLow, ok := m.entries.LowestNonEmpty()
	if !ok {
		// Straight up can't happen: the head is never empty.
		m.mu.Unlock()
		m.log.Error("INCONSISTENCY: local entries have no active head")
		return errors.New(errors.ErrCodeInconsistentState, "local entries have no active head")
	}
	newLow, ok := es.LowestNonEmpty()
	if !ok {
		m.mu.Unlock()
		m.log.Error("INCONSISTENCY: read update with no active head")
		return errors.New(errors.ErrCodeInconsistentState, "read update with no active head")
	}
	if newLow < curLow {
		m.mu.Unlock()
		m.log.Error("INCONSISTENCY: tail moved wrong way", "cur", curLow, "new", newLow)
		return errors.New(errors.ErrCodeInconsistentState, "tail moved wrong way")
	}

	var highestEmpty *uint64
	if esLow, _ := es.Lowest(); newLow > curLow && newLow != esLow {
		he := newLow - 1
		highestEmpty = &he
	}

	curMax, _ := m.entries.Highest()
	newMax, _ := es.Highest()
	if newMax < curMax {
		m.mu.Unlock()
		m.log.Error("INCONSISTENCY: head moved wrong way", "cur", curMax, "new", newMax)
		return errors.New(errors.ErrCodeInconsistentState, "head moved wrong way")
	}

	newEntries := types.Entries{}
	for k, g := range es {
		if k > curMax {
			newEntries[k] = g
		}
	}

	// Everything checks out!
	m.entries, m.version = es, v
	m.mu.Unlock()
	m.metrics.SetHeadGeneration(newMax)

	if highestEmpty != nil {
		if cerr := m.cb.HandleEmptyTo(*highestEmpty); cerr != nil {
			return cerr
		}
	}
	if len(newEntries) > 0 {
		if cerr := m.cb.HandleNewGens(newEntries); cerr != nil {
			return cerr
		}
	}
	return nil
}

// NewBacking appends a generation with a different backing type. Appending
// the type the head already has is an idempotent no-op. The successful
// write is followed by a notify so every participant refreshes, then the
// local HandleNewGens fires for the added entry.
func (m *Manager) NewBacking(ctx context.Context, t types.BackingType) (err error) {
	start := time.Now()
	defer func() { m.metrics.ObserveOperation("new_backing", start, err) }()

	if err := m.update(ctx); err != nil {
		return err
	}

	var (
		added types.Entries
		tries int
	)
	for {
		m.mu.Lock()
		last, _ := m.entries.Highest()
		if m.entries[last].Type == t {
			// Nothing to be done.
			m.mu.Unlock()
			return nil
		}
		newgen := types.Generation{GenID: last + 1, Type: t}
		es := m.entries.Clone()
		es[newgen.GenID] = newgen
		held := m.version
		m.mu.Unlock()

		added = types.Entries{newgen.GenID: newgen}
		err = m.write(ctx, es, held)
		tries++
		if errors.IsCanceled(err) && tries < m.tries {
			continue
		}
		break
	}
	if tries >= m.tries && err != nil {
		m.log.Error("exhausted retry attempts")
		return err
	}
	if err != nil {
		m.log.Error("write failed", "err", err)
		return err
	}

	if nerr := m.notify(ctx); nerr != nil {
		return nerr
	}
	return m.cb.HandleNewGens(added)
}

// EmptyTo marks every generation up to and including genID as drained.
// Emptying the head is refused with INVALID_ARGUMENT.
func (m *Manager) EmptyTo(ctx context.Context, genID uint64) (err error) {
	start := time.Now()
	defer func() { m.metrics.ObserveOperation("empty_to", start, err) }()

	if err := m.update(ctx); err != nil {
		return err
	}

	var (
		newTail uint64
		tries   int
	)
	for {
		m.mu.Lock()
		last, _ := m.entries.Highest()
		if genID >= last {
			m.mu.Unlock()
			m.log.Error("attempt to trim beyond the possible", "gen", genID)
			return errors.Newf(errors.ErrCodeInvalidArgument,
				"cannot empty through the head generation %d", last)
		}
		es := m.entries.Clone()
		marked := false
		for _, k := range es.Keys() {
			if k > genID {
				break
			}
			g := es[k]
			g.Empty = true
			es[k] = g
			newTail = k
			marked = true
		}
		if !marked {
			// Nothing to be done.
			m.mu.Unlock()
			return nil
		}
		held := m.version
		m.mu.Unlock()

		err = m.write(ctx, es, held)
		tries++
		if errors.IsCanceled(err) && tries < m.tries {
			continue
		}
		break
	}
	if tries >= m.tries && err != nil {
		m.log.Error("exhausted retry attempts")
		return err
	}
	if err != nil {
		m.log.Error("write failed", "err", err)
		return err
	}

	if nerr := m.notify(ctx); nerr != nil {
		return nerr
	}
	return m.cb.HandleEmptyTo(newTail)
}

// RemoveEmpty physically destroys the drained prefix: every generation
// below the lowest non-empty one is removed from the object store, then the
// entries map is rewritten without the prefix. Generation 0 keeps shard 0
// as an empty placeholder.
func (m *Manager) RemoveEmpty(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { m.metrics.ObserveOperation("remove_empty", start, err) }()

	if err := m.update(ctx); err != nil {
		return err
	}

	var tries int
	for {
		m.mu.Lock()
		low, ok := m.entries.LowestNonEmpty()
		esLow, any := m.entries.Lowest()
		if !any {
			m.mu.Unlock()
			return errors.New(errors.ErrCodeInconsistentState, "entries map is empty")
		}
		if !ok || low == esLow {
			// No drained prefix.
			m.mu.Unlock()
			return nil
		}
		prefix := types.Entries{}
		suffix := types.Entries{}
		for k, g := range m.entries {
			if k < low {
				prefix[k] = g
			} else {
				suffix[k] = g
			}
		}
		held := m.version
		m.mu.Unlock()

		for _, k := range prefix.Keys() {
			g := prefix[k]
			if !g.Empty {
				return errors.Newf(errors.ErrCodeInconsistentState,
					"removing non-empty generation %d", k)
			}
			if rerr := LogRemove(ctx, m.store, m.shards, m.genOID(k), k == 0, m.log); rerr != nil {
				return rerr
			}
		}

		err = m.write(ctx, suffix, held)
		tries++
		if errors.IsCanceled(err) && tries < m.tries {
			continue
		}
		break
	}
	if tries >= m.tries && err != nil {
		m.log.Error("exhausted retry attempts")
		return err
	}
	if err != nil {
		m.log.Error("write failed", "err", err)
		return err
	}
	return nil
}

// notify signals every participant that the metadata changed. The payload
// is irrelevant; the notify itself is the signal.
func (m *Manager) notify(ctx context.Context) error {
	m.metrics.IncNotify()
	if _, err := m.store.Notify(ctx, m.oid, nil, m.notifyT); err != nil {
		m.log.Error("notify failed", "err", err)
		return err
	}
	return nil
}

// Entries returns a snapshot of the current entries map.
func (m *Manager) Entries() types.Entries {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries.Clone()
}

// Version returns the currently held metadata version.
func (m *Manager) Version() types.Version {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}
