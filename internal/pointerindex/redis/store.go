// Package redis provides a Redis-backed pointer index, useful when several
// clones or CI runners should share one index.
//
// Each entry is a JSON document at <prefix>ptr:<oid>. A sorted set at
// <prefix>oids with all scores zero keeps oids in lexical order for List.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gezibash/git-lfs-walrus/internal/pointerindex"
	"github.com/gezibash/git-lfs-walrus/internal/storage"
	pkgerrors "github.com/gezibash/git-lfs-walrus/pkg/errors"
)

const (
	KeyAddr         = "addr"
	KeyPassword     = "password"
	KeyDB           = "db"
	KeyMaxRetries   = "max_retries"
	KeyDialTimeout  = "dial_timeout"
	KeyReadTimeout  = "read_timeout"
	KeyWriteTimeout = "write_timeout"
	KeyPoolSize     = "pool_size"
	KeyKeyPrefix    = "key_prefix"

	pipelineBatchSize = 1000
	defaultPrefix     = "lfs-walrus:"
)

func init() {
	pointerindex.Register("redis", NewFactory, Defaults)
}

// Defaults returns the default configuration for the Redis store.
func Defaults() map[string]string {
	return map[string]string{
		KeyAddr:         "localhost:6379",
		KeyPassword:     "",
		KeyDB:           "0",
		KeyMaxRetries:   "3",
		KeyDialTimeout:  "5s",
		KeyReadTimeout:  "3s",
		KeyWriteTimeout: "3s",
		KeyPoolSize:     "0",
		KeyKeyPrefix:    defaultPrefix,
	}
}

// NewFactory creates a new Redis store from a configuration map.
func NewFactory(ctx context.Context, config map[string]string) (pointerindex.Store, error) {
	addr := storage.GetString(config, KeyAddr, "")
	if addr == "" {
		return nil, storage.NewConfigError("redis", KeyAddr, "cannot be empty")
	}

	db, err := storage.GetInt(config, KeyDB, 0)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("redis", KeyDB, config[KeyDB], err.Error())
	}
	if db < 0 {
		return nil, storage.NewConfigErrorWithValue("redis", KeyDB, config[KeyDB], "must be non-negative")
	}

	maxRetries, err := storage.GetInt(config, KeyMaxRetries, 3)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("redis", KeyMaxRetries, config[KeyMaxRetries], err.Error())
	}

	dialTimeout, err := storage.GetDuration(config, KeyDialTimeout, 5*time.Second)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("redis", KeyDialTimeout, config[KeyDialTimeout], err.Error())
	}

	readTimeout, err := storage.GetDuration(config, KeyReadTimeout, 3*time.Second)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("redis", KeyReadTimeout, config[KeyReadTimeout], err.Error())
	}

	writeTimeout, err := storage.GetDuration(config, KeyWriteTimeout, 3*time.Second)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("redis", KeyWriteTimeout, config[KeyWriteTimeout], err.Error())
	}

	poolSize, err := storage.GetInt(config, KeyPoolSize, 0)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("redis", KeyPoolSize, config[KeyPoolSize], err.Error())
	}

	opts := &redis.Options{
		Addr:         addr,
		Password:     storage.GetString(config, KeyPassword, ""),
		DB:           db,
		MaxRetries:   maxRetries,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	if poolSize > 0 {
		opts.PoolSize = poolSize
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, storage.NewConfigErrorWithCause("redis", KeyAddr, "failed to connect", err)
	}

	prefix := storage.GetString(config, KeyKeyPrefix, defaultPrefix)
	slog.Debug("redis pointer index initialized", "addr", addr, "db", db, "key_prefix", prefix)
	return NewWithClient(client, prefix), nil
}

// Store is a Redis implementation of pointerindex.Store.
type Store struct {
	client *redis.Client
	prefix string
	closed atomic.Bool
}

// NewWithClient creates a store over an existing Redis client.
func NewWithClient(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) entryKey(oid string) string { return s.prefix + "ptr:" + oid }
func (s *Store) oidsKey() string           { return s.prefix + "oids" }

// Put stores an entry.
func (s *Store) Put(ctx context.Context, e pointerindex.Entry) error {
	return s.PutBatch(ctx, []pointerindex.Entry{e})
}

// PutBatch stores entries in transaction pipelines of bounded size.
func (s *Store) PutBatch(ctx context.Context, entries []pointerindex.Entry) error {
	if s.closed.Load() {
		return pkgerrors.ErrClosed
	}
	for _, e := range entries {
		if err := pointerindex.Validate(e); err != nil {
			return err
		}
	}

	for start := 0; start < len(entries); start += pipelineBatchSize {
		end := min(start+pipelineBatchSize, len(entries))
		pipe := s.client.TxPipeline()
		for _, e := range entries[start:end] {
			data, err := json.Marshal(pointerindex.ToRecord(e))
			if err != nil {
				return fmt.Errorf("redis put: %w", err)
			}
			pipe.Set(ctx, s.entryKey(e.OID()), data, 0)
			pipe.ZAdd(ctx, s.oidsKey(), redis.Z{Score: 0, Member: e.OID()})
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("redis put: %w", err)
		}
	}
	return nil
}

// Get retrieves an entry by oid.
func (s *Store) Get(ctx context.Context, oid string) (pointerindex.Entry, error) {
	if s.closed.Load() {
		return pointerindex.Entry{}, pkgerrors.ErrClosed
	}
	data, err := s.client.Get(ctx, s.entryKey(oid)).Bytes()
	if errors.Is(err, redis.Nil) {
		return pointerindex.Entry{}, pkgerrors.ErrNotFound
	}
	if err != nil {
		return pointerindex.Entry{}, fmt.Errorf("redis get: %w", err)
	}
	return decode(oid, data)
}

// Delete removes an entry.
func (s *Store) Delete(ctx context.Context, oid string) error {
	if s.closed.Load() {
		return pkgerrors.ErrClosed
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.entryKey(oid))
	pipe.ZRem(ctx, s.oidsKey(), oid)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

// List returns entries in ascending oid order.
func (s *Store) List(ctx context.Context, opts pointerindex.ListOptions) ([]pointerindex.Entry, error) {
	if s.closed.Load() {
		return nil, pkgerrors.ErrClosed
	}

	lo := "-"
	switch {
	case opts.After != "" && opts.After >= opts.Prefix:
		lo = "(" + opts.After
	case opts.Prefix != "":
		lo = "[" + opts.Prefix
	}
	rng := &redis.ZRangeBy{Min: lo, Max: "+"}

	var out []pointerindex.Entry
	const page = 500
	for {
		rng.Count = page
		oids, err := s.client.ZRangeByLex(ctx, s.oidsKey(), rng).Result()
		if err != nil {
			return nil, fmt.Errorf("redis list: %w", err)
		}
		if len(oids) == 0 {
			return out, nil
		}

		var matched []string
		for _, oid := range oids {
			if !strings.HasPrefix(oid, opts.Prefix) {
				if oid > opts.Prefix {
					// Past the prefix range.
					return s.appendEntries(ctx, out, matched)
				}
				continue
			}
			matched = append(matched, oid)
			if opts.Limit > 0 && len(out)+len(matched) == opts.Limit {
				return s.appendEntries(ctx, out, matched)
			}
		}
		out, err = s.appendEntries(ctx, out, matched)
		if err != nil {
			return nil, err
		}
		if len(oids) < page {
			return out, nil
		}
		rng.Min = "(" + oids[len(oids)-1]
	}
}

func (s *Store) appendEntries(ctx context.Context, out []pointerindex.Entry, oids []string) ([]pointerindex.Entry, error) {
	if len(oids) == 0 {
		return out, nil
	}
	keys := make([]string, len(oids))
	for i, oid := range oids {
		keys[i] = s.entryKey(oid)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list: %w", err)
	}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			// Entry deleted between the range read and the fetch.
			continue
		}
		e, err := decode(oids[i], []byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Count returns the number of entries.
func (s *Store) Count(ctx context.Context) (int64, error) {
	if s.closed.Load() {
		return 0, pkgerrors.ErrClosed
	}
	n, err := s.client.ZCard(ctx, s.oidsKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis count: %w", err)
	}
	return n, nil
}

// Close closes the client.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.client.Close()
}

func decode(oid string, data []byte) (pointerindex.Entry, error) {
	var rec pointerindex.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return pointerindex.Entry{}, fmt.Errorf("redis entry %s: %w: %v", oid, pkgerrors.ErrCorrupt, err)
	}
	e, err := pointerindex.FromRecord(rec)
	if err != nil {
		return pointerindex.Entry{}, fmt.Errorf("redis entry %s: %w: %v", oid, pkgerrors.ErrCorrupt, err)
	}
	return e, nil
}
