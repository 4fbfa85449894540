// Package s3store implements the ObjectStore interface over AWS S3.
//
// The body of each object lives under obj/, its version and OMAP under
// sidecar keys. The compare-and-swap of the versioned operations rides on
// S3 conditional writes: the version sidecar is rewritten with If-Match on
// the ETag observed at read time, so a concurrent writer turns into a 412
// and surfaces as OPERATION_CANCELED.
//
// S3 has no server-push watch facility, so the watch channel is
// approximated by polling: each watch runs a goroutine that reads the
// version sidecar on an interval and synthesizes a notification when the
// version advances. Notify therefore records the notifier identity in the
// sidecar and otherwise relies on the pollers; the reply is always nil.
package s3store

import (
	"bytes"
	"context"
	"encoding/json"
	stderr "errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/genlog/genlog/pkg/errors"
	"github.com/genlog/genlog/pkg/types"
)

// Config represents S3 store configuration
type Config struct {
	Bucket         string
	Region         string
	Endpoint       string
	Prefix         string
	ForcePathStyle bool
	AccessKey      string
	SecretKey      string
	PollInterval   time.Duration
}

const defaultPollInterval = 5 * time.Second

// Store is an S3-backed ObjectStore handle.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
	poll   time.Duration
	log    *slog.Logger
	id     uint64

	mu         sync.Mutex
	watches    map[uint64]*watch
	nextCookie uint64
}

type watch struct {
	oid  string
	sink types.WatchSink
	done chan struct{}
}

// objectMeta is the version sidecar body.
type objectMeta struct {
	Versioned bool   `json:"versioned"`
	Counter   uint64 `json:"counter"`
	Tag       string `json:"tag"`
	// LastWriter identifies the store handle that performed the last
	// versioned write, standing in for the notifier identity the pollers
	// report.
	LastWriter uint64 `json:"last_writer"`
	// NotifySeq advances on every explicit notify so pollers fire even
	// when the version itself did not move.
	NotifySeq uint64 `json:"notify_seq"`
}

// New creates a Store, loading AWS configuration the usual way.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "bucket name cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to load AWS config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})
	return NewWithClient(client, cfg, logger), nil
}

// NewWithClient wraps an existing S3 client.
func NewWithClient(client *s3.Client, cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "genlog"
	}
	return &Store{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  prefix,
		poll:    poll,
		log:     logger.With("component", "s3store", "bucket", cfg.Bucket),
		id:      rand.Uint64() | 1,
		watches: make(map[uint64]*watch),
	}
}

// Close stops every poller.
func (s *Store) Close() error {
	s.mu.Lock()
	watches := s.watches
	s.watches = make(map[uint64]*watch)
	s.mu.Unlock()
	for _, w := range watches {
		close(w.done)
	}
	return nil
}

// InstanceID implements types.ObjectStore.
func (s *Store) InstanceID() uint64 { return s.id }

func (s *Store) bodyKey(oid string) string { return s.prefix + "/obj/" + oid }
func (s *Store) metaKey(oid string) string { return s.prefix + "/meta/" + oid }
func (s *Store) hdrKey(oid string) string  { return s.prefix + "/omaphdr/" + oid }
func (s *Store) omapPrefix(oid string) string {
	return s.prefix + "/omap/" + oid + "/"
}
func (s *Store) omapKey(oid, key string) string {
	return s.omapPrefix(oid) + key
}

func isNoSuchKey(err error) bool {
	var nsk *s3types.NoSuchKey
	if stderr.As(err, &nsk) {
		return true
	}
	var api smithy.APIError
	if stderr.As(err, &api) {
		code := api.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}

func isPreconditionFailed(err error) bool {
	var api smithy.APIError
	if stderr.As(err, &api) {
		return api.ErrorCode() == "PreconditionFailed" || api.ErrorCode() == "ConditionalRequestConflict"
	}
	return false
}

func notFound(oid string) error {
	return errors.Newf(errors.ErrCodeObjectNotFound, "no such object %s", oid)
}

func wrapIO(err error, op, oid string) error {
	return errors.Wrapf(err, errors.ErrCodeIOError, "%s failed on %s", op, oid).
		WithComponent("s3store")
}

func (s *Store) getKey(ctx context.Context, key string) ([]byte, string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, "", err
	}
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", err
	}
	return body, aws.ToString(out.ETag), nil
}

func (s *Store) putKey(ctx context.Context, key string, body []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	return err
}

// readMeta returns the decoded version sidecar plus its ETag.
func (s *Store) readMeta(ctx context.Context, oid string) (*objectMeta, string, error) {
	body, etag, err := s.getKey(ctx, s.metaKey(oid))
	if err != nil {
		if isNoSuchKey(err) {
			return nil, "", notFound(oid)
		}
		return nil, "", wrapIO(err, "meta read", oid)
	}
	var meta objectMeta
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, "", errors.Wrapf(err, errors.ErrCodeDecodeFailed, "bad meta sidecar for %s", oid)
	}
	return &meta, etag, nil
}

// writeMetaIfMatch rewrites the sidecar conditionally on its observed ETag.
func (s *Store) writeMetaIfMatch(ctx context.Context, oid string, meta *objectMeta, etag string) error {
	body, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternalError, "encoding meta sidecar")
	}
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.metaKey(oid)),
		Body:   bytes.NewReader(body),
	}
	if etag != "" {
		in.IfMatch = aws.String(etag)
	} else {
		in.IfNoneMatch = aws.String("*")
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		if isPreconditionFailed(err) {
			return errors.Newf(errors.ErrCodeOperationCanceled,
				"meta sidecar moved under us on %s", oid)
		}
		return wrapIO(err, "meta write", oid)
	}
	return nil
}

// ensure creates the sidecar for an unversioned object if it is absent.
func (s *Store) ensure(ctx context.Context, oid string) error {
	_, _, err := s.readMeta(ctx, oid)
	if err == nil {
		return nil
	}
	if !errors.IsNotFound(err) {
		return err
	}
	werr := s.writeMetaIfMatch(ctx, oid, &objectMeta{}, "")
	if werr != nil && !errors.IsCanceled(werr) {
		return werr
	}
	return nil
}

// ReadVersioned implements types.ObjectStore.
func (s *Store) ReadVersioned(ctx context.Context, oid string, held types.Version) ([]byte, types.Version, error) {
	meta, _, err := s.readMeta(ctx, oid)
	if err != nil {
		return nil, types.Version{}, err
	}
	if meta.Tag == held.Tag && meta.Counter < held.Counter {
		return nil, types.Version{}, errors.Newf(errors.ErrCodeOperationCanceled,
			"stored version below held %s on %s", held, oid)
	}
	body, _, err := s.getKey(ctx, s.bodyKey(oid))
	if err != nil {
		if isNoSuchKey(err) {
			body = nil
		} else {
			return nil, types.Version{}, wrapIO(err, "read", oid)
		}
	}
	return body, types.Version{Counter: meta.Counter, Tag: meta.Tag}, nil
}

// WriteVersioned implements types.ObjectStore.
func (s *Store) WriteVersioned(ctx context.Context, oid string, body []byte, held types.Version) error {
	meta, etag, err := s.readMeta(ctx, oid)
	if err != nil {
		return err
	}
	if meta.Counter != held.Counter || meta.Tag != held.Tag {
		return errors.Newf(errors.ErrCodeOperationCanceled,
			"version moved: stored %d:%s, held %s on %s", meta.Counter, meta.Tag, held, oid)
	}
	next := *meta
	next.Counter++
	next.LastWriter = s.id
	// The sidecar carries the CAS: claim the version first, then write the
	// body. A loser of the If-Match race never touches the body.
	if err := s.writeMetaIfMatch(ctx, oid, &next, etag); err != nil {
		return err
	}
	if err := s.putKey(ctx, s.bodyKey(oid), body); err != nil {
		return wrapIO(err, "write", oid)
	}
	return nil
}

// CreateExclusive implements types.ObjectStore.
func (s *Store) CreateExclusive(ctx context.Context, oid string, body []byte, initial types.Version) error {
	meta, etag, err := s.readMeta(ctx, oid)
	if err != nil && !errors.IsNotFound(err) {
		return err
	}
	if err == nil && meta.Versioned {
		return errors.Newf(errors.ErrCodeAlreadyExists, "object %s already exists", oid)
	}
	next := &objectMeta{
		Versioned:  true,
		Counter:    initial.Counter,
		Tag:        initial.Tag,
		LastWriter: s.id,
	}
	if werr := s.writeMetaIfMatch(ctx, oid, next, etag); werr != nil {
		if errors.IsCanceled(werr) {
			return errors.Newf(errors.ErrCodeAlreadyExists,
				"object %s created concurrently", oid)
		}
		return werr
	}
	if err := s.putKey(ctx, s.bodyKey(oid), body); err != nil {
		return wrapIO(err, "write", oid)
	}
	return nil
}

// ReadFull implements types.ObjectStore.
func (s *Store) ReadFull(ctx context.Context, oid string) ([]byte, error) {
	if _, _, err := s.readMeta(ctx, oid); err != nil {
		return nil, err
	}
	body, _, err := s.getKey(ctx, s.bodyKey(oid))
	if err != nil {
		if isNoSuchKey(err) {
			return nil, nil
		}
		return nil, wrapIO(err, "read", oid)
	}
	return body, nil
}

// WriteFull implements types.ObjectStore, creating the object if absent.
func (s *Store) WriteFull(ctx context.Context, oid string, body []byte) error {
	if err := s.ensure(ctx, oid); err != nil {
		return err
	}
	if err := s.putKey(ctx, s.bodyKey(oid), body); err != nil {
		return wrapIO(err, "write", oid)
	}
	return nil
}

// Stat implements types.ObjectStore.
func (s *Store) Stat(ctx context.Context, oid string) (uint64, error) {
	if _, _, err := s.readMeta(ctx, oid); err != nil {
		return 0, err
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.bodyKey(oid)),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return 0, nil
		}
		return 0, wrapIO(err, "stat", oid)
	}
	return uint64(aws.ToInt64(out.ContentLength)), nil
}

// Truncate implements types.ObjectStore, creating the object if absent.
func (s *Store) Truncate(ctx context.Context, oid string, size uint64) error {
	if err := s.ensure(ctx, oid); err != nil {
		return err
	}
	body, _, err := s.getKey(ctx, s.bodyKey(oid))
	if err != nil && !isNoSuchKey(err) {
		return wrapIO(err, "truncate", oid)
	}
	if uint64(len(body)) > size {
		body = body[:size]
	}
	if err := s.putKey(ctx, s.bodyKey(oid), body); err != nil {
		return wrapIO(err, "truncate", oid)
	}
	return nil
}

// Remove implements types.ObjectStore: the body, sidecars, and every OMAP
// key are deleted.
func (s *Store) Remove(ctx context.Context, oid string) error {
	if _, _, err := s.readMeta(ctx, oid); err != nil {
		return err
	}
	keys, err := s.listOMAPKeys(ctx, oid)
	if err != nil {
		return err
	}
	targets := []string{s.bodyKey(oid), s.metaKey(oid), s.hdrKey(oid)}
	for _, k := range keys {
		targets = append(targets, s.omapKey(oid, k))
	}
	for _, key := range targets {
		_, derr := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if derr != nil && !isNoSuchKey(derr) {
			return wrapIO(derr, "remove", oid)
		}
	}
	return nil
}

func (s *Store) listOMAPKeys(ctx context.Context, oid string) ([]string, error) {
	prefix := s.omapPrefix(oid)
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, wrapIO(err, "omap list", oid)
		}
		for _, obj := range page.Contents {
			keys = append(keys, strings.TrimPrefix(aws.ToString(obj.Key), prefix))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// OMAPGetHeader implements types.ObjectStore.
func (s *Store) OMAPGetHeader(ctx context.Context, oid string) ([]byte, error) {
	if _, _, err := s.readMeta(ctx, oid); err != nil {
		return nil, err
	}
	hdr, _, err := s.getKey(ctx, s.hdrKey(oid))
	if err != nil {
		if isNoSuchKey(err) {
			return nil, nil
		}
		return nil, wrapIO(err, "omap header read", oid)
	}
	return hdr, nil
}

// OMAPSetHeader implements types.ObjectStore, creating the object if absent.
func (s *Store) OMAPSetHeader(ctx context.Context, oid string, header []byte) error {
	if err := s.ensure(ctx, oid); err != nil {
		return err
	}
	if err := s.putKey(ctx, s.hdrKey(oid), header); err != nil {
		return wrapIO(err, "omap header write", oid)
	}
	return nil
}

// OMAPSet implements types.ObjectStore, creating the object if absent.
func (s *Store) OMAPSet(ctx context.Context, oid string, kv map[string][]byte) error {
	if err := s.ensure(ctx, oid); err != nil {
		return err
	}
	for k, v := range kv {
		if err := s.putKey(ctx, s.omapKey(oid, k), v); err != nil {
			return wrapIO(err, "omap write", oid)
		}
	}
	return nil
}

// OMAPGet implements types.ObjectStore.
func (s *Store) OMAPGet(ctx context.Context, oid string, key string) ([]byte, error) {
	if _, _, err := s.readMeta(ctx, oid); err != nil {
		return nil, err
	}
	v, _, err := s.getKey(ctx, s.omapKey(oid, key))
	if err != nil {
		if isNoSuchKey(err) {
			return nil, errors.Newf(errors.ErrCodeNoData, "no omap key %s on %s", key, oid)
		}
		return nil, wrapIO(err, "omap read", oid)
	}
	return v, nil
}

// OMAPList implements types.ObjectStore.
func (s *Store) OMAPList(ctx context.Context, oid string, after string, max int) (map[string][]byte, bool, error) {
	if _, _, err := s.readMeta(ctx, oid); err != nil {
		return nil, false, err
	}
	keys, err := s.listOMAPKeys(ctx, oid)
	if err != nil {
		return nil, false, err
	}
	filtered := keys[:0]
	for _, k := range keys {
		if k > after {
			filtered = append(filtered, k)
		}
	}
	more := false
	if max > 0 && len(filtered) > max {
		filtered = filtered[:max]
		more = true
	}
	out := make(map[string][]byte, len(filtered))
	for _, k := range filtered {
		v, _, gerr := s.getKey(ctx, s.omapKey(oid, k))
		if gerr != nil {
			if isNoSuchKey(gerr) {
				continue
			}
			return nil, false, wrapIO(gerr, "omap read", oid)
		}
		out[k] = v
	}
	return out, more, nil
}

// OMAPClear implements types.ObjectStore.
func (s *Store) OMAPClear(ctx context.Context, oid string) error {
	if err := s.ensure(ctx, oid); err != nil {
		return err
	}
	keys, err := s.listOMAPKeys(ctx, oid)
	if err != nil {
		return err
	}
	for _, k := range keys {
		_, derr := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.omapKey(oid, k)),
		})
		if derr != nil && !isNoSuchKey(derr) {
			return wrapIO(derr, "omap clear", oid)
		}
	}
	return nil
}

// Watch implements types.ObjectStore via polling: a goroutine reads the
// version sidecar every poll interval and synthesizes one notification per
// observed advance, attributed to the recorded last writer.
func (s *Store) Watch(oid string, sink types.WatchSink) (uint64, error) {
	s.mu.Lock()
	s.nextCookie++
	cookie := s.nextCookie
	w := &watch{oid: oid, sink: sink, done: make(chan struct{})}
	s.watches[cookie] = w
	s.mu.Unlock()

	go s.pollWatch(cookie, w)
	return cookie, nil
}

func (s *Store) pollWatch(cookie uint64, w *watch) {
	ctx := context.Background()
	var last *objectMeta
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	var notifySeq uint64
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			meta, _, err := s.readMeta(ctx, w.oid)
			if err != nil {
				if errors.IsNotFound(err) {
					continue
				}
				s.log.Warn("watch poll failed", "oid", w.oid, "err", err)
				continue
			}
			changed := last != nil &&
				(meta.Counter != last.Counter || meta.Tag != last.Tag || meta.NotifySeq != notifySeq)
			if changed {
				notifySeq = meta.NotifySeq
				w.sink.HandleNotify(meta.NotifySeq, cookie, meta.LastWriter, nil)
			}
			if last == nil {
				notifySeq = meta.NotifySeq
			}
			last = meta
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
	return nil
}

// Notify implements types.ObjectStore by advancing the sidecar's notify
// sequence so every poller fires on its next tick. Replies are not modeled.
func (s *Store) Notify(ctx context.Context, oid string, payload []byte, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	for {
		meta, etag, err := s.readMeta(ctx, oid)
		if err != nil {
			return nil, err
		}
		next := *meta
		next.NotifySeq++
		next.LastWriter = s.id
		werr := s.writeMetaIfMatch(ctx, oid, &next, etag)
		if werr == nil {
			return nil, nil
		}
		if !errors.IsCanceled(werr) {
			return nil, werr
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), errors.ErrCodeNotifyTimeout,
				fmt.Sprintf("notify timed out on %s", oid))
		default:
		}
	}
}

// NotifyAck implements types.ObjectStore. Polling has no ack channel.
func (s *Store) NotifyAck(oid string, notifyID, cookie uint64, reply []byte) {}
