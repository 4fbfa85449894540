// Package redisstore implements the ObjectStore interface over Redis.
//
// Each object maps onto a small family of keys: the body in a string key,
// the opaque version and existence marker in a hash, the OMAP in a
// companion hash plus a header string. Versioned operations run as Lua
// scripts so the compare-and-swap is atomic on the server. Watch/notify
// rides on Redis pub/sub with one channel per object.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/genlog/genlog/pkg/errors"
	"github.com/genlog/genlog/pkg/types"
)

// Store is a Redis-backed ObjectStore handle.
type Store struct {
	rdb *redis.Client
	log *slog.Logger
	id  uint64

	mu         sync.Mutex
	watches    map[uint64]*watch
	nextCookie uint64
}

type watch struct {
	oid    string
	sink   types.WatchSink
	pubsub *redis.PubSub
	done   chan struct{}
}

// Config parameterizes a Redis store.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// New creates a Store on a fresh Redis client.
func New(cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewWithClient(rdb, logger)
}

// NewWithClient wraps an existing Redis client.
func NewWithClient(rdb *redis.Client, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		rdb:     rdb,
		log:     logger.With("component", "redisstore"),
		id:      rand.Uint64() | 1,
		watches: make(map[uint64]*watch),
	}
}

// Close tears down every live watch and the underlying client.
func (s *Store) Close() error {
	s.mu.Lock()
	watches := s.watches
	s.watches = make(map[uint64]*watch)
	s.mu.Unlock()
	for _, w := range watches {
		close(w.done)
		_ = w.pubsub.Close()
	}
	return s.rdb.Close()
}

// InstanceID implements types.ObjectStore.
func (s *Store) InstanceID() uint64 { return s.id }

func metaKey(oid string) string    { return "genlog:obj:" + oid + ":meta" }
func dataKey(oid string) string    { return "genlog:obj:" + oid + ":data" }
func omapKey(oid string) string    { return "genlog:obj:" + oid + ":omap" }
func omapHdrKey(oid string) string { return "genlog:obj:" + oid + ":omaphdr" }
func watchChannel(oid string) string {
	return "genlog:watch:" + oid
}

// readVersionedScript asserts stored ver >= held under the same tag, then
// returns {ver, tag, body}. -1 means no such object, -2 a version below the
// held one.
var readVersionedScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return {-1}
end
local ver = tonumber(redis.call("HGET", KEYS[1], "ver") or "0")
local tag = redis.call("HGET", KEYS[1], "tag") or ""
local held = tonumber(ARGV[1])
local heldtag = ARGV[2]
if tag == heldtag and ver < held then
  return {-2}
end
local body = redis.call("GET", KEYS[2]) or ""
return {1, ver, tag, body}
`)

// writeVersionedScript overwrites the body and increments the version only
// when the stored version still equals the held one. -1 means no such
// object, -2 a CAS miss.
var writeVersionedScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
local ver = tonumber(redis.call("HGET", KEYS[1], "ver") or "0")
local tag = redis.call("HGET", KEYS[1], "tag") or ""
if ver ~= tonumber(ARGV[1]) or tag ~= ARGV[2] then
  return -2
end
redis.call("SET", KEYS[2], ARGV[3])
redis.call("HINCRBY", KEYS[1], "ver", 1)
return 1
`)

// createExclusiveScript creates a versioned object. -3 means it already
// exists.
var createExclusiveScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "versioned") == "1" then
  return -3
end
redis.call("HSET", KEYS[1], "exists", "1", "versioned", "1", "ver", ARGV[1], "tag", ARGV[2])
redis.call("SET", KEYS[2], ARGV[3])
return 1
`)

func notFound(oid string) error {
	return errors.Newf(errors.ErrCodeObjectNotFound, "no such object %s", oid)
}

func wrapIO(err error, op, oid string) error {
	return errors.Wrapf(err, errors.ErrCodeIOError, "%s failed on %s", op, oid).
		WithComponent("redisstore")
}

// ReadVersioned implements types.ObjectStore.
func (s *Store) ReadVersioned(ctx context.Context, oid string, held types.Version) ([]byte, types.Version, error) {
	res, err := readVersionedScript.Run(ctx, s.rdb,
		[]string{metaKey(oid), dataKey(oid)},
		held.Counter, held.Tag).Slice()
	if err != nil {
		return nil, types.Version{}, wrapIO(err, "versioned read", oid)
	}
	switch res[0].(int64) {
	case -1:
		return nil, types.Version{}, notFound(oid)
	case -2:
		return nil, types.Version{}, errors.Newf(errors.ErrCodeOperationCanceled,
			"stored version below held %s on %s", held, oid)
	}
	ver := types.Version{
		Counter: uint64(res[1].(int64)),
		Tag:     res[2].(string),
	}
	return []byte(res[3].(string)), ver, nil
}

// WriteVersioned implements types.ObjectStore.
func (s *Store) WriteVersioned(ctx context.Context, oid string, body []byte, held types.Version) error {
	res, err := writeVersionedScript.Run(ctx, s.rdb,
		[]string{metaKey(oid), dataKey(oid)},
		held.Counter, held.Tag, string(body)).Int64()
	if err != nil {
		return wrapIO(err, "versioned write", oid)
	}
	switch res {
	case -1:
		return notFound(oid)
	case -2:
		return errors.Newf(errors.ErrCodeOperationCanceled,
			"version moved past held %s on %s", held, oid)
	}
	return nil
}

// CreateExclusive implements types.ObjectStore.
func (s *Store) CreateExclusive(ctx context.Context, oid string, body []byte, initial types.Version) error {
	res, err := createExclusiveScript.Run(ctx, s.rdb,
		[]string{metaKey(oid), dataKey(oid)},
		initial.Counter, initial.Tag, string(body)).Int64()
	if err != nil {
		return wrapIO(err, "exclusive create", oid)
	}
	if res == -3 {
		return errors.Newf(errors.ErrCodeAlreadyExists, "object %s already exists", oid)
	}
	return nil
}

func (s *Store) exists(ctx context.Context, oid string) (bool, error) {
	n, err := s.rdb.Exists(ctx, metaKey(oid)).Result()
	if err != nil {
		return false, wrapIO(err, "exists", oid)
	}
	return n > 0, nil
}

func (s *Store) ensure(ctx context.Context, oid string) error {
	if err := s.rdb.HSet(ctx, metaKey(oid), "exists", "1").Err(); err != nil {
		return wrapIO(err, "create", oid)
	}
	return nil
}

// ReadFull implements types.ObjectStore.
func (s *Store) ReadFull(ctx context.Context, oid string) ([]byte, error) {
	ok, err := s.exists(ctx, oid)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound(oid)
	}
	body, err := s.rdb.Get(ctx, dataKey(oid)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, wrapIO(err, "read", oid)
	}
	return body, nil
}

// WriteFull implements types.ObjectStore, creating the object if absent.
func (s *Store) WriteFull(ctx context.Context, oid string, body []byte) error {
	if err := s.ensure(ctx, oid); err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, dataKey(oid), body, 0).Err(); err != nil {
		return wrapIO(err, "write", oid)
	}
	return nil
}

// Stat implements types.ObjectStore.
func (s *Store) Stat(ctx context.Context, oid string) (uint64, error) {
	ok, err := s.exists(ctx, oid)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, notFound(oid)
	}
	n, err := s.rdb.StrLen(ctx, dataKey(oid)).Result()
	if err != nil {
		return 0, wrapIO(err, "stat", oid)
	}
	return uint64(n), nil
}

// Truncate implements types.ObjectStore, creating the object if absent.
func (s *Store) Truncate(ctx context.Context, oid string, size uint64) error {
	if err := s.ensure(ctx, oid); err != nil {
		return err
	}
	if size == 0 {
		if err := s.rdb.Set(ctx, dataKey(oid), "", 0).Err(); err != nil {
			return wrapIO(err, "truncate", oid)
		}
		return nil
	}
	body, err := s.rdb.GetRange(ctx, dataKey(oid), 0, int64(size)-1).Result()
	if err != nil {
		return wrapIO(err, "truncate", oid)
	}
	if err := s.rdb.Set(ctx, dataKey(oid), body, 0).Err(); err != nil {
		return wrapIO(err, "truncate", oid)
	}
	return nil
}

// Remove implements types.ObjectStore.
func (s *Store) Remove(ctx context.Context, oid string) error {
	ok, err := s.exists(ctx, oid)
	if err != nil {
		return err
	}
	if !ok {
		return notFound(oid)
	}
	err = s.rdb.Del(ctx, metaKey(oid), dataKey(oid), omapKey(oid), omapHdrKey(oid)).Err()
	if err != nil {
		return wrapIO(err, "remove", oid)
	}
	return nil
}

// OMAPGetHeader implements types.ObjectStore.
func (s *Store) OMAPGetHeader(ctx context.Context, oid string) ([]byte, error) {
	ok, err := s.exists(ctx, oid)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound(oid)
	}
	hdr, err := s.rdb.Get(ctx, omapHdrKey(oid)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, wrapIO(err, "omap header read", oid)
	}
	return hdr, nil
}

// OMAPSetHeader implements types.ObjectStore, creating the object if absent.
func (s *Store) OMAPSetHeader(ctx context.Context, oid string, header []byte) error {
	if err := s.ensure(ctx, oid); err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, omapHdrKey(oid), header, 0).Err(); err != nil {
		return wrapIO(err, "omap header write", oid)
	}
	return nil
}

// OMAPSet implements types.ObjectStore, creating the object if absent.
func (s *Store) OMAPSet(ctx context.Context, oid string, kv map[string][]byte) error {
	if err := s.ensure(ctx, oid); err != nil {
		return err
	}
	args := make([]interface{}, 0, len(kv)*2)
	for k, v := range kv {
		args = append(args, k, string(v))
	}
	if err := s.rdb.HSet(ctx, omapKey(oid), args...).Err(); err != nil {
		return wrapIO(err, "omap write", oid)
	}
	return nil
}

// OMAPGet implements types.ObjectStore.
func (s *Store) OMAPGet(ctx context.Context, oid string, key string) ([]byte, error) {
	ok, err := s.exists(ctx, oid)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound(oid)
	}
	v, err := s.rdb.HGet(ctx, omapKey(oid), key).Bytes()
	if err == redis.Nil {
		return nil, errors.Newf(errors.ErrCodeNoData, "no omap key %s on %s", key, oid)
	}
	if err != nil {
		return nil, wrapIO(err, "omap read", oid)
	}
	return v, nil
}

// OMAPList implements types.ObjectStore.
func (s *Store) OMAPList(ctx context.Context, oid string, after string, max int) (map[string][]byte, bool, error) {
	ok, err := s.exists(ctx, oid)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, notFound(oid)
	}
	all, err := s.rdb.HGetAll(ctx, omapKey(oid)).Result()
	if err != nil {
		return nil, false, wrapIO(err, "omap list", oid)
	}
	keys := make([]string, 0, len(all))
	for k := range all {
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
		out[k] = []byte(all[k])
	}
	return out, more, nil
}

// OMAPClear implements types.ObjectStore.
func (s *Store) OMAPClear(ctx context.Context, oid string) error {
	if err := s.ensure(ctx, oid); err != nil {
		return err
	}
	if err := s.rdb.Del(ctx, omapKey(oid)).Err(); err != nil {
		return wrapIO(err, "omap clear", oid)
	}
	return nil
}

// notifyMessage is the pub/sub payload for watch notifications.
type notifyMessage struct {
	NotifyID uint64 `json:"notify_id"`
	Notifier uint64 `json:"notifier"`
	Payload  []byte `json:"payload,omitempty"`
}

// Watch implements types.ObjectStore. The subscription is serviced by a
// goroutine per watch; a subscription failure after establishment is
// surfaced through the sink's HandleError.
func (s *Store) Watch(oid string, sink types.WatchSink) (uint64, error) {
	ctx := context.Background()
	pubsub := s.rdb.Subscribe(ctx, watchChannel(oid))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return 0, errors.Wrapf(err, errors.ErrCodeWatchFailed, "subscribe failed for %s", oid)
	}

	s.mu.Lock()
	s.nextCookie++
	cookie := s.nextCookie
	w := &watch{oid: oid, sink: sink, pubsub: pubsub, done: make(chan struct{})}
	s.watches[cookie] = w
	s.mu.Unlock()

	go s.serviceWatch(cookie, w)
	return cookie, nil
}

func (s *Store) serviceWatch(cookie uint64, w *watch) {
	ch := w.pubsub.Channel()
	for {
		select {
		case <-w.done:
			return
		case msg, ok := <-ch:
			if !ok {
				s.mu.Lock()
				_, live := s.watches[cookie]
				delete(s.watches, cookie)
				s.mu.Unlock()
				if live {
					w.sink.HandleError(cookie, errors.New(errors.ErrCodeWatchFailed,
						"subscription closed"))
				}
				return
			}
			var nm notifyMessage
			if err := json.Unmarshal([]byte(msg.Payload), &nm); err != nil {
				s.log.Error("bad notify payload", "channel", msg.Channel, "err", err)
				continue
			}
			w.sink.HandleNotify(nm.NotifyID, cookie, nm.Notifier, nm.Payload)
		}
	}
}

// Unwatch implements types.ObjectStore.
func (s *Store) Unwatch(cookie uint64) error {
	s.mu.Lock()
	w, ok := s.watches[cookie]
	delete(s.watches, cookie)
	s.mu.Unlock()
	if !ok {
		return errors.Newf(errors.ErrCodeWatchFailed, "no watch with cookie %d", cookie)
	}
	close(w.done)
	return w.pubsub.Close()
}

// Notify implements types.ObjectStore. Delivery is fire-and-forget over
// pub/sub; the reply aggregation of a full watch/notify protocol is not
// modeled, so the returned reply is always nil.
func (s *Store) Notify(ctx context.Context, oid string, payload []byte, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	id, err := s.rdb.Incr(ctx, "genlog:notify_seq").Result()
	if err != nil {
		return nil, wrapIO(err, "notify", oid)
	}
	msg, err := json.Marshal(&notifyMessage{
		NotifyID: uint64(id),
		Notifier: s.id,
		Payload:  payload,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternalError, "encoding notify message")
	}
	if err := s.rdb.Publish(ctx, watchChannel(oid), msg).Err(); err != nil {
		return nil, errors.Wrapf(err, errors.ErrCodeNotifyTimeout, "notify failed on %s", oid)
	}
	return nil, nil
}

// NotifyAck implements types.ObjectStore. Acks are published on a side
// channel for observability; nothing awaits them.
func (s *Store) NotifyAck(oid string, notifyID, cookie uint64, reply []byte) {
	msg := fmt.Sprintf(`{"notify_id":%d,"cookie":%d}`, notifyID, cookie)
	if err := s.rdb.Publish(context.Background(), "genlog:ack:"+oid, msg).Err(); err != nil {
		s.log.Debug("notify ack publish failed", "oid", oid, "err", err)
	}
}
