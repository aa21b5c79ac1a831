// Package pebblestore is an embedded store backend on Pebble. Values are
// msgpack-encoded and zstd-compressed above a size threshold.
package pebblestore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/klauspost/compress/zstd"
	"github.com/maxpert/driftmap/cfg"
	"github.com/maxpert/driftmap/encoding"
	"github.com/maxpert/driftmap/store"
	"github.com/rs/zerolog/log"
)

const prefixEntry = "/entry/" // /entry/{key} -> header byte + payload

// Value header byte
const (
	formatRaw  byte = 0
	formatZstd byte = 1
)

func init() {
	store.RegisterBackend(cfg.StorePebble, func(c cfg.StoreConfiguration) (store.MapStore, error) {
		return New(Config{Path: c.Pebble.Path, CompressThreshold: c.Pebble.CompressThreshold})
	})
}

// Config configures the backend.
type Config struct {
	Path              string
	CompressThreshold int // Encoded size above which values are compressed; 0 disables
}

// Store implements store.MapStore on a Pebble database.
type Store struct {
	config Config

	mu  sync.RWMutex
	db  *pebble.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// New validates config. The database is opened by Open.
func New(config Config) (*Store, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("pebble store path is required")
	}
	return &Store{config: config}, nil
}

func (s *Store) Name() string { return "pebble" }

func (s *Store) Open(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}

	db, err := pebble.Open(s.config.Path, &pebble.Options{})
	if err != nil {
		return fmt.Errorf("failed to open pebble store at %s: %w", s.config.Path, err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		db.Close()
		return err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return err
	}

	s.db, s.enc, s.dec = db, enc, dec
	log.Debug().Str("path", s.config.Path).Msg("Opened pebble store")
	return nil
}

func (s *Store) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	s.enc.Close()
	s.dec.Close()
	err := s.db.Close()
	s.db = nil
	return err
}

// handle returns the open database or an error.
func (s *Store) handle() (*pebble.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, store.ErrClosed
	}
	return s.db, nil
}

func (s *Store) encode(v any) ([]byte, error) {
	raw, err := encoding.EncodeValue(v)
	if err != nil {
		return nil, err
	}
	if s.config.CompressThreshold <= 0 || len(raw) <= s.config.CompressThreshold {
		return append([]byte{formatRaw}, raw...), nil
	}
	out := make([]byte, 1, len(raw)/2+1)
	out[0] = formatZstd
	return s.enc.EncodeAll(raw, out), nil
}

func (s *Store) decode(b []byte) (any, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("empty value")
	}
	payload := b[1:]
	switch b[0] {
	case formatRaw:
	case formatZstd:
		var err error
		payload, err = s.dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress value: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown value format %d", b[0])
	}
	return encoding.DecodeValue(payload)
}

func (s *Store) Load(ctx context.Context, key string) (any, bool, error) {
	db, err := s.handle()
	if err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	val, closer, err := db.Get([]byte(prefixEntry + key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()

	v, err := s.decode(val)
	if err != nil {
		return nil, false, fmt.Errorf("key %q: %w", key, err)
	}
	return v, true, nil
}

func (s *Store) LoadAll(ctx context.Context, keys []string) (map[string]any, error) {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		v, ok, err := s.Load(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = v
		}
	}
	return out, nil
}

func (s *Store) LoadAllKeys(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		db, err := s.handle()
		if err != nil {
			yield("", err)
			return
		}

		lower := []byte(prefixEntry)
		it, err := db.NewIter(&pebble.IterOptions{
			LowerBound: lower,
			UpperBound: prefixUpperBound(lower),
		})
		if err != nil {
			yield("", err)
			return
		}
		defer it.Close()

		for it.SeekGE(lower); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if !yield(string(it.Key()[len(prefixEntry):]), nil) {
				return
			}
		}
		if err := it.Error(); err != nil {
			yield("", err)
		}
	}
}

// StoreAll writes every encodable entry in one batch. Entries that fail to
// encode are reported as partial failures.
func (s *Store) StoreAll(ctx context.Context, entries map[string]any) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	batch := db.NewBatch()
	defer batch.Close()

	failed := make(map[string]error)
	for k, v := range entries {
		val, err := s.encode(v)
		if err != nil {
			failed[k] = fmt.Errorf("failed to encode value: %w", err)
			continue
		}
		if err := batch.Set([]byte(prefixEntry+k), val, nil); err != nil {
			return err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return err
	}

	if len(failed) > 0 {
		return &store.PartialFailureError{Op: "store_all", Failed: failed}
	}
	return nil
}

func (s *Store) DeleteAll(ctx context.Context, keys []string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	batch := db.NewBatch()
	defer batch.Close()
	for _, k := range keys {
		if err := batch.Delete([]byte(prefixEntry+k), nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
