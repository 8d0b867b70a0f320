package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/clstr-sharding/core/sharding"
	"github.com/codewandler/clstr-sharding/internal/codec"
	"github.com/codewandler/clstr-sharding/ports/store"
)

var (
	ErrKeyNotFound = errors.New("key not found")
	ErrInvalidKey  = errors.New("invalid kv key")
)

var (
	validKey     = regexp.MustCompile(`^[-/_=.a-zA-Z0-9]+$`)
	bucketUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_-]`)
)

type KvConfig struct {
	Connect Connector
	Bucket  string
	// PrimaryKey names the attribute used as kv key (default "id").
	PrimaryKey string
	// MaxBytes limits the bucket size (default 64 MiB).
	MaxBytes int64
	Log      *slog.Logger
}

// KvStore is a shard backed by a JetStream key-value bucket. Each record is
// stored as JSON under its primary key.
type KvStore struct {
	kv    jetstream.KeyValue
	pk    string
	codec codec.Codec
	log   *slog.Logger
	close closeFunc
}

func NewKvStore(ctx context.Context, cfg KvConfig) (*KvStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.PrimaryKey == "" {
		cfg.PrimaryKey = "id"
	}
	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = 64 * 1024 * 1024
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = NewPool(cfg.Log).Connector("")
	}

	nc, closeConn, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeConn()
		return nil, err
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:   cfg.Bucket,
		Storage:  jetstream.FileStorage,
		MaxBytes: cfg.MaxBytes,
	})
	if err != nil {
		closeConn()
		return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
	}

	return &KvStore{
		kv:    kv,
		pk:    cfg.PrimaryKey,
		codec: codec.JSONCodec{},
		log:   cfg.Log.With(slog.String("bucket", cfg.Bucket)),
		close: closeConn,
	}, nil
}

func (k *KvStore) keyOf(attrs store.Attributes) (string, error) {
	v, ok := attrs[k.pk]
	if !ok || v == nil {
		return "", fmt.Errorf("%w: %s", store.ErrMissingKey, k.pk)
	}
	key := fmt.Sprint(v)
	if !validKey.MatchString(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return key, nil
}

func (k *KvStore) Create(ctx context.Context, attrs store.Attributes) (store.Record, error) {
	key, err := k.keyOf(attrs)
	if err != nil {
		return store.Record{}, err
	}
	if err := k.create(ctx, key, attrs); err != nil {
		return store.Record{}, err
	}
	return store.Record{Attributes: attrs.Clone()}, nil
}

func (k *KvStore) create(ctx context.Context, key string, attrs store.Attributes) error {
	data, err := k.codec.Marshal(attrs)
	if err != nil {
		return err
	}
	if _, err := k.kv.Create(ctx, key, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("%w: %s=%s", store.ErrDuplicateKey, k.pk, key)
		}
		return err
	}
	return nil
}

// Transaction stages creates and writes them on commit. A failing write
// purges the keys already written by the same commit; JetStream has no
// multi-key atomicity, so a crash mid-commit can leave a partial commit.
func (k *KvStore) Transaction(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) (err error) {
	tx := &kvTx{store: k, staged: map[string]store.Attributes{}}

	defer func() {
		if r := recover(); r != nil {
			tx.staged = nil
			panic(r)
		}
	}()

	if err = fn(ctx, tx); err != nil {
		return err
	}
	return tx.commit(ctx)
}

func (k *KvStore) Count(ctx context.Context) (int, error) {
	lister, err := k.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return 0, nil
		}
		return 0, err
	}
	defer func() { _ = lister.Stop() }()

	n := 0
	for range lister.Keys() {
		n++
	}
	return n, ctx.Err()
}

// Get loads the record stored under key.
func (k *KvStore) Get(ctx context.Context, key any) (store.Record, error) {
	entry, err := k.kv.Get(ctx, fmt.Sprint(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return store.Record{}, ErrKeyNotFound
		}
		return store.Record{}, fmt.Errorf("failed to get %v: %w", key, err)
	}
	var attrs store.Attributes
	if err := k.codec.Unmarshal(entry.Value(), &attrs); err != nil {
		return store.Record{}, err
	}
	return store.Record{Attributes: attrs}, nil
}

func (k *KvStore) Close() error {
	k.close()
	return nil
}

type kvTx struct {
	store  *KvStore
	order  []string
	staged map[string]store.Attributes
}

func (t *kvTx) Create(ctx context.Context, attrs store.Attributes) (store.Record, error) {
	key, err := t.store.keyOf(attrs)
	if err != nil {
		return store.Record{}, err
	}
	if _, dup := t.staged[key]; dup {
		return store.Record{}, fmt.Errorf("%w: %s=%s", store.ErrDuplicateKey, t.store.pk, key)
	}
	t.staged[key] = attrs.Clone()
	t.order = append(t.order, key)
	return store.Record{Attributes: attrs.Clone()}, nil
}

func (t *kvTx) commit(ctx context.Context) error {
	written := make([]string, 0, len(t.order))
	for _, key := range t.order {
		if err := t.store.create(ctx, key, t.staged[key]); err != nil {
			t.undo(written)
			return err
		}
		written = append(written, key)
	}
	return nil
}

func (t *kvTx) undo(keys []string) {
	// the commit ctx may be the reason we are here
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, key := range keys {
		if err := t.store.kv.Purge(ctx, key); err != nil {
			t.store.log.Error("undo failed", slog.String("key", key), slog.Any("error", err))
		}
	}
}

// === opener ===

// Opener opens a KvStore per shard. The shard DSN is the server URL; an
// optional "bucket" query parameter overrides the bucket name, which
// defaults to prefix + "_" + shard id. Records are keyed by primaryKey
// (default "id"). Shards on the same server share one connection.
func Opener(prefix, primaryKey string, log *slog.Logger) sharding.Opener[store.Store] {
	pool := NewPool(log)
	return func(ctx context.Context, spec sharding.ShardSpec) (store.Store, error) {
		serverURL, bucket, err := parseDSN(spec.DSN)
		if err != nil {
			return nil, err
		}
		if bucket == "" {
			bucket = BucketName(prefix, spec.ID)
		}

		return NewKvStore(ctx, KvConfig{
			Connect:    pool.Connector(serverURL),
			Bucket:     bucket,
			PrimaryKey: primaryKey,
			Log:        log,
		})
	}
}

// BucketName derives a valid bucket name for a shard.
func BucketName(prefix string, id sharding.ShardID) string {
	name := bucketUnsafe.ReplaceAllString(string(id), "_")
	if prefix == "" {
		return name
	}
	return prefix + "_" + name
}

func parseDSN(dsn string) (serverURL, bucket string, err error) {
	if dsn == "" {
		return "", "", nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", "", fmt.Errorf("parse nats dsn: %w", err)
	}
	bucket = u.Query().Get("bucket")
	u.RawQuery = ""
	return strings.TrimSuffix(u.String(), "?"), bucket, nil
}

var _ store.Store = (*KvStore)(nil)
