package backing

import (
	"context"

	"github.com/genlog/genlog/pkg/errors"
	"github.com/genlog/genlog/pkg/types"
)

// read issues the compound metadata read: assert stored version >= held,
// return the current version and the decoded entries map. The mutex is only
// held long enough to snapshot the held version; the I/O itself runs
// unlocked so suspension does not lock out other callers.
func (m *Manager) read(ctx context.Context) (types.Entries, types.Version, error) {
	m.mu.Lock()
	held := m.version
	m.mu.Unlock()

	body, ver, err := m.store.ReadVersioned(ctx, m.oid, held)
	if err != nil {
		if errors.IsNotFound(err) {
			m.log.Debug("metadata object not found", "oid", m.oid)
		} else {
			m.log.Error("failed reading metadata", "oid", m.oid, "err", err)
		}
		return nil, types.Version{}, err
	}
	entries, err := DecodeEntries(body)
	if err != nil {
		return nil, types.Version{}, err
	}
	return entries, ver, nil
}

// write attempts the CAS write of a new entries map against the held
// version. On success the in-memory state is installed under the lock. On a
// CAS miss the state is refreshed once via update and OPERATION_CANCELED is
// still surfaced, leaving the retry decision to the mutator loop.
func (m *Manager) write(ctx context.Context, es types.Entries, held types.Version) error {
	m.metrics.IncCASAttempt()
	err := m.store.WriteVersioned(ctx, m.oid, EncodeEntries(es), held)
	if err == nil {
		m.mu.Lock()
		m.entries = es
		m.version = types.Version{Counter: held.Counter + 1, Tag: held.Tag}
		m.mu.Unlock()
		if hi, ok := es.Highest(); ok {
			m.metrics.SetHeadGeneration(hi)
		}
		return nil
	}
	if errors.IsCanceled(err) {
		m.metrics.IncCASConflict()
		if uerr := m.update(ctx); uerr != nil {
			return uerr
		}
		return err
	}
	m.log.Error("failed writing metadata", "oid", m.oid, "err", err)
	return err
}
