package backing

import (
	"context"
	"os"

	"github.com/genlog/genlog/pkg/errors"
	"github.com/genlog/genlog/pkg/retry"
)

// fatal is overridable so tests can intercept the abort path.
var fatal = func() { os.Exit(1) }

// watch registers the manager as the notification sink for the metadata
// object. At most one watch cookie is live per manager.
func (m *Manager) watch() error {
	cookie, err := m.store.Watch(m.oid, m)
	if err != nil {
		return errors.Wrapf(err, errors.ErrCodeWatchFailed, "failed to set watch on %s", m.oid)
	}
	m.mu.Lock()
	m.watchCookie = cookie
	m.mu.Unlock()
	return nil
}

// HandleNotify implements types.WatchSink. A notification from another
// participant triggers a synchronous refresh; our own notifications are
// acknowledged without further action. If the refresh fails there is no one
// to report to and no safe way to continue, so the process aborts.
func (m *Manager) HandleNotify(notifyID, cookie, notifierID uint64, payload []byte) {
	if notifierID != m.myID {
		if err := m.update(context.Background()); err != nil {
			m.log.Error("update failed, no one to report to and no safe way to continue",
				"err", err)
			fatal()
			return
		}
	}
	m.store.NotifyAck(m.oid, notifyID, cookie, nil)
}

// HandleError implements types.WatchSink. The server or the transport tore
// the watch down: drop the dead cookie and re-arm. A failure to re-arm is
// reported but not fatal — the next explicit operation will detect
// staleness via CAS.
func (m *Manager) HandleError(cookie uint64, err error) {
	m.log.Warn("watch torn down", "cookie", cookie, "err", err)

	m.mu.Lock()
	dead := m.watchCookie
	m.watchCookie = 0
	m.mu.Unlock()
	if dead > 0 {
		if uerr := m.store.Unwatch(dead); uerr != nil {
			m.log.Error("failed to unwatch", "cookie", dead, "err", uerr)
		}
	}

	m.metrics.IncWatchRearm()
	rerr := retry.New(retry.DefaultConfig()).Do(func() error {
		return m.watch()
	})
	if rerr != nil {
		m.log.Error("failed to re-establish watch, unsafe to continue", "err", rerr)
	}
}

// Close releases the watch registration. Failure to unwatch is logged, not
// fatal.
func (m *Manager) Close() error {
	m.mu.Lock()
	cookie := m.watchCookie
	m.watchCookie = 0
	m.mu.Unlock()

	if cookie > 0 {
		if err := m.store.Unwatch(cookie); err != nil {
			m.log.Error("failed unwatching", "cookie", cookie, "err", err)
			return err
		}
	}
	return nil
}
