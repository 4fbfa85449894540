// Package memstore provides an in-memory ObjectStore with full coordination
// semantics: versioned CAS, OMAP manipulation, and synchronous watch/notify
// fan-out. A single Cluster holds the objects; every participant connects
// through its own Client so self-notification filtering behaves as it does
// against a real store.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/genlog/genlog/pkg/errors"
	"github.com/genlog/genlog/pkg/types"
)

type object struct {
	data       []byte
	omapHeader []byte
	omap       map[string][]byte
	versioned  bool
	version    types.Version
}

type watchReg struct {
	oid  string
	sink types.WatchSink
}

// Cluster is the shared backing store.
type Cluster struct {
	mu         sync.Mutex
	objects    map[string]*object
	watches    map[uint64]*watchReg
	nextCookie uint64
	nextClient uint64
	nextNotify uint64
	acks       []Ack
}

// NewCluster creates an empty in-memory store.
func NewCluster() *Cluster {
	return &Cluster{
		objects: make(map[string]*object),
		watches: make(map[uint64]*watchReg),
	}
}

// Client is one participant's handle on the cluster.
type Client struct {
	cluster *Cluster
	id      uint64
}

// Client returns a new handle with its own instance identity.
func (c *Cluster) Client() *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextClient++
	return &Client{cluster: c, id: c.nextClient}
}

// InstanceID implements types.ObjectStore.
func (cl *Client) InstanceID() uint64 { return cl.id }

func (c *Cluster) get(oid string) (*object, bool) {
	o, ok := c.objects[oid]
	return o, ok
}

func (c *Cluster) getOrCreate(oid string) *object {
	o, ok := c.objects[oid]
	if !ok {
		o = &object{omap: make(map[string][]byte)}
		c.objects[oid] = o
	}
	return o
}

func notFound(oid string) error {
	return errors.Newf(errors.ErrCodeObjectNotFound, "no such object %s", oid)
}

// ReadVersioned implements types.ObjectStore.
func (cl *Client) ReadVersioned(ctx context.Context, oid string, held types.Version) ([]byte, types.Version, error) {
	c := cl.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.get(oid)
	if !ok {
		return nil, types.Version{}, notFound(oid)
	}
	if o.version.Counter < held.Counter {
		return nil, types.Version{}, errors.Newf(errors.ErrCodeOperationCanceled,
			"stored version %s below held %s on %s", o.version, held, oid)
	}
	body := append([]byte(nil), o.data...)
	return body, o.version, nil
}

// WriteVersioned implements types.ObjectStore. The write succeeds only when
// the stored version still matches the held one; anything else is a CAS
// miss.
func (cl *Client) WriteVersioned(ctx context.Context, oid string, body []byte, held types.Version) error {
	c := cl.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.get(oid)
	if !ok {
		return notFound(oid)
	}
	if !o.version.Equal(held) {
		return errors.Newf(errors.ErrCodeOperationCanceled,
			"version moved: stored %s, held %s on %s", o.version, held, oid)
	}
	o.data = append([]byte(nil), body...)
	o.version.Counter++
	return nil
}

// CreateExclusive implements types.ObjectStore.
func (cl *Client) CreateExclusive(ctx context.Context, oid string, body []byte, initial types.Version) error {
	c := cl.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	if o, ok := c.get(oid); ok && o.versioned {
		return errors.Newf(errors.ErrCodeAlreadyExists, "object %s already exists", oid)
	}
	o := c.getOrCreate(oid)
	o.data = append([]byte(nil), body...)
	o.versioned = true
	o.version = initial
	return nil
}

// ReadFull implements types.ObjectStore.
func (cl *Client) ReadFull(ctx context.Context, oid string) ([]byte, error) {
	c := cl.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.get(oid)
	if !ok {
		return nil, notFound(oid)
	}
	return append([]byte(nil), o.data...), nil
}

// WriteFull implements types.ObjectStore, creating the object if absent.
func (cl *Client) WriteFull(ctx context.Context, oid string, body []byte) error {
	c := cl.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	o := c.getOrCreate(oid)
	o.data = append([]byte(nil), body...)
	return nil
}

// Stat implements types.ObjectStore.
func (cl *Client) Stat(ctx context.Context, oid string) (uint64, error) {
	c := cl.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.get(oid)
	if !ok {
		return 0, notFound(oid)
	}
	return uint64(len(o.data)), nil
}

// Truncate implements types.ObjectStore, creating the object if absent.
func (cl *Client) Truncate(ctx context.Context, oid string, size uint64) error {
	c := cl.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	o := c.getOrCreate(oid)
	if uint64(len(o.data)) > size {
		o.data = o.data[:size]
	}
	return nil
}

// Remove implements types.ObjectStore.
func (cl *Client) Remove(ctx context.Context, oid string) error {
	c := cl.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.get(oid); !ok {
		return notFound(oid)
	}
	delete(c.objects, oid)
	return nil
}

// OMAPGetHeader implements types.ObjectStore.
func (cl *Client) OMAPGetHeader(ctx context.Context, oid string) ([]byte, error) {
	c := cl.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.get(oid)
	if !ok {
		return nil, notFound(oid)
	}
	return append([]byte(nil), o.omapHeader...), nil
}

// OMAPSetHeader implements types.ObjectStore, creating the object if absent.
func (cl *Client) OMAPSetHeader(ctx context.Context, oid string, header []byte) error {
	c := cl.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	o := c.getOrCreate(oid)
	o.omapHeader = append([]byte(nil), header...)
	return nil
}

// OMAPSet implements types.ObjectStore, creating the object if absent.
func (cl *Client) OMAPSet(ctx context.Context, oid string, kv map[string][]byte) error {
	c := cl.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	o := c.getOrCreate(oid)
	for k, v := range kv {
		o.omap[k] = append([]byte(nil), v...)
	}
	return nil
}

// OMAPGet implements types.ObjectStore.
func (cl *Client) OMAPGet(ctx context.Context, oid string, key string) ([]byte, error) {
	c := cl.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.get(oid)
	if !ok {
		return nil, notFound(oid)
	}
	v, ok := o.omap[key]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeNoData, "no omap key %s on %s", key, oid)
	}
	return append([]byte(nil), v...), nil
}

// OMAPList implements types.ObjectStore. The lowest max keys after the
// given key are returned; max <= 0 lists everything.
func (cl *Client) OMAPList(ctx context.Context, oid string, after string, max int) (map[string][]byte, bool, error) {
	c := cl.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.get(oid)
	if !ok {
		return nil, false, notFound(oid)
	}
	keys := make([]string, 0, len(o.omap))
	for k := range o.omap {
		if k > after {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	more := false
	if max > 0 && len(keys) > max {
		keys = keys[:max]
		more = true
	}
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		out[k] = append([]byte(nil), o.omap[k]...)
	}
	return out, more, nil
}

// OMAPClear implements types.ObjectStore.
func (cl *Client) OMAPClear(ctx context.Context, oid string) error {
	c := cl.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	o := c.getOrCreate(oid)
	o.omap = make(map[string][]byte)
	return nil
}

// Watch implements types.ObjectStore.
func (cl *Client) Watch(oid string, sink types.WatchSink) (uint64, error) {
	c := cl.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextCookie++
	cookie := c.nextCookie
	c.watches[cookie] = &watchReg{oid: oid, sink: sink}
	return cookie, nil
}

// Unwatch implements types.ObjectStore.
func (cl *Client) Unwatch(cookie uint64) error {
	c := cl.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.watches[cookie]; !ok {
		return errors.Newf(errors.ErrCodeWatchFailed, "no watch with cookie %d", cookie)
	}
	delete(c.watches, cookie)
	return nil
}

// Notify implements types.ObjectStore: every watch on the object is invoked
// synchronously with the notifier's identity, mirroring a server-side
// fan-out that waits for acks.
func (cl *Client) Notify(ctx context.Context, oid string, payload []byte, timeout time.Duration) ([]byte, error) {
	c := cl.cluster
	c.mu.Lock()
	c.nextNotify++
	notifyID := c.nextNotify
	type target struct {
		cookie uint64
		sink   types.WatchSink
	}
	var targets []target
	for cookie, w := range c.watches {
		if w.oid == oid {
			targets = append(targets, target{cookie: cookie, sink: w.sink})
		}
	}
	c.mu.Unlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].cookie < targets[j].cookie })
	for _, t := range targets {
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), errors.ErrCodeNotifyTimeout, "notify interrupted")
		default:
		}
		t.sink.HandleNotify(notifyID, t.cookie, cl.id, payload)
	}
	return nil, nil
}

// NotifyAck implements types.ObjectStore. Acks are recorded for tests.
func (cl *Client) NotifyAck(oid string, notifyID, cookie uint64, reply []byte) {
	c := cl.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acks = append(c.acks, Ack{OID: oid, NotifyID: notifyID, Cookie: cookie})
}

// Ack records one notify acknowledgment for test inspection.
type Ack struct {
	OID      string
	NotifyID uint64
	Cookie   uint64
}

// Acks returns the acknowledgments recorded so far.
func (c *Cluster) Acks() []Ack {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Ack(nil), c.acks...)
}

// DropWatches tears down every watch, invoking HandleError on each sink the
// way a failed connection would. Used by tests exercising the re-arm path.
func (c *Cluster) DropWatches(err error) {
	c.mu.Lock()
	var regs []*watchReg
	var cookies []uint64
	for cookie, w := range c.watches {
		regs = append(regs, w)
		cookies = append(cookies, cookie)
	}
	c.watches = make(map[uint64]*watchReg)
	c.mu.Unlock()

	for i, w := range regs {
		w.sink.HandleError(cookies[i], err)
	}
}

// ObjectExists reports whether oid exists. Test helper.
func (c *Cluster) ObjectExists(oid string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.objects[oid]
	return ok
}
