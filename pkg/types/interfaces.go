package types

import (
	"context"
	"time"
)

// WatchSink receives notifications for an object a client has watched.
type WatchSink interface {
	// HandleNotify is invoked once per notification delivered to the watch.
	// notifierID identifies the store handle that issued the notify, which
	// lets a sink recognize its own notifications.
	HandleNotify(notifyID, cookie, notifierID uint64, payload []byte)

	// HandleError is invoked when the watch has been torn down by the
	// server or the transport. The cookie is no longer valid afterward.
	HandleError(cookie uint64, err error)
}

// ObjectStore is the object-store client surface the generation manager
// consumes. Implementations must provide read-modify-write of object data,
// key-value (OMAP) manipulation, watch/notify, and an opaque-version compare
// facility with server-side assertions.
type ObjectStore interface {
	// Versioned metadata operations.
	//
	// ReadVersioned asserts the stored version is >= held, then returns the
	// full body and the current version. A missing object surfaces as an
	// OBJECT_NOT_FOUND error.
	ReadVersioned(ctx context.Context, oid string, held Version) (body []byte, ver Version, err error)
	// WriteVersioned asserts the stored version equals held (counter and
	// tag), overwrites the body and increments the version atomically. A
	// CAS miss surfaces as an
	// OPERATION_CANCELED error.
	WriteVersioned(ctx context.Context, oid string, body []byte, held Version) error
	// CreateExclusive creates the object with an initial body and version.
	// An existing object surfaces as an ALREADY_EXISTS error.
	CreateExclusive(ctx context.Context, oid string, body []byte, initial Version) error

	// Plain object operations.
	ReadFull(ctx context.Context, oid string) ([]byte, error)
	WriteFull(ctx context.Context, oid string, body []byte) error
	Stat(ctx context.Context, oid string) (size uint64, err error)
	Truncate(ctx context.Context, oid string, size uint64) error
	Remove(ctx context.Context, oid string) error

	// OMAP operations.
	OMAPGetHeader(ctx context.Context, oid string) ([]byte, error)
	OMAPSetHeader(ctx context.Context, oid string, header []byte) error
	OMAPSet(ctx context.Context, oid string, kv map[string][]byte) error
	OMAPGet(ctx context.Context, oid string, key string) ([]byte, error)
	OMAPList(ctx context.Context, oid string, after string, max int) (kv map[string][]byte, more bool, err error)
	OMAPClear(ctx context.Context, oid string) error

	// Watch/notify.
	Watch(oid string, sink WatchSink) (cookie uint64, err error)
	Unwatch(cookie uint64) error
	Notify(ctx context.Context, oid string, payload []byte, timeout time.Duration) (reply []byte, err error)
	NotifyAck(oid string, notifyID, cookie uint64, reply []byte)

	// InstanceID identifies this store handle among all participants,
	// allowing self-notification filtering.
	InstanceID() uint64
}
