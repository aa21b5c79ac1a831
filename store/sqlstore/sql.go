// Package sqlstore stores map entries in a two-column SQL table
// (k primary key, v msgpack blob). Queries are built with goqu for the
// sqlite3 and mysql dialects.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"sync"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/maxpert/driftmap/cfg"
	"github.com/maxpert/driftmap/encoding"
	"github.com/maxpert/driftmap/store"
	"github.com/rs/zerolog/log"
)

const (
	colKey   = "k"
	colValue = "v"
)

var createTable = map[string]string{
	"sqlite3": `CREATE TABLE IF NOT EXISTS %q (k TEXT PRIMARY KEY, v BLOB NOT NULL)`,
	"mysql":   "CREATE TABLE IF NOT EXISTS `%s` (k VARCHAR(255) NOT NULL PRIMARY KEY, v LONGBLOB NOT NULL)",
}

func init() {
	store.RegisterBackend(cfg.StoreSQL, func(c cfg.StoreConfiguration) (store.MapStore, error) {
		return New(Config{Driver: c.SQL.Driver, DSN: c.SQL.DSN, Table: c.SQL.Table})
	})
}

// Config configures the backend.
type Config struct {
	Driver string // "sqlite3" or "mysql"
	DSN    string
	Table  string
}

type row struct {
	K string `db:"k"`
	V []byte `db:"v"`
}

// Store implements store.MapStore on a SQL table.
type Store struct {
	config Config

	mu    sync.RWMutex
	sqlDB *sql.DB
	db    *goqu.Database
}

// New validates config. The connection is made by Open.
func New(config Config) (*Store, error) {
	if _, ok := createTable[config.Driver]; !ok {
		return nil, fmt.Errorf("unsupported sql driver: %s", config.Driver)
	}
	if config.DSN == "" {
		return nil, fmt.Errorf("sql dsn is required")
	}
	if config.Table == "" {
		config.Table = "entries"
	}
	return &Store{config: config}, nil
}

func (s *Store) Name() string { return "sql/" + s.config.Driver }

func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}

	sqlDB, err := sql.Open(s.config.Driver, s.config.DSN)
	if err != nil {
		return err
	}
	if s.config.Driver == "sqlite3" {
		// One writer avoids SQLITE_BUSY between concurrent flushes
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return &store.ConnectivityError{Backend: s.Name(), Err: err}
	}
	if _, err := sqlDB.ExecContext(ctx, fmt.Sprintf(createTable[s.config.Driver], s.config.Table)); err != nil {
		sqlDB.Close()
		return fmt.Errorf("failed to create table %s: %w", s.config.Table, err)
	}

	s.sqlDB = sqlDB
	s.db = goqu.New(s.config.Driver, sqlDB)
	log.Info().Str("driver", s.config.Driver).Str("table", s.config.Table).Msg("Opened SQL store")
	return nil
}

func (s *Store) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sqlDB == nil {
		return nil
	}
	err := s.sqlDB.Close()
	s.sqlDB, s.db = nil, nil
	return err
}

func (s *Store) handle() (*goqu.Database, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, store.ErrClosed
	}
	return s.db, nil
}

func (s *Store) Load(ctx context.Context, key string) (any, bool, error) {
	db, err := s.handle()
	if err != nil {
		return nil, false, err
	}

	var raw []byte
	found, err := db.From(s.config.Table).
		Prepared(true).
		Select(colValue).
		Where(goqu.C(colKey).Eq(key)).
		ScanValContext(ctx, &raw)
	if err != nil || !found {
		return nil, false, err
	}

	v, err := encoding.DecodeValue(raw)
	if err != nil {
		return nil, false, fmt.Errorf("key %q: %w", key, err)
	}
	return v, true, nil
}

func (s *Store) LoadAll(ctx context.Context, keys []string) (map[string]any, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	var rows []row
	err = db.From(s.config.Table).
		Prepared(true).
		Select(colKey, colValue).
		Where(goqu.C(colKey).In(keys)).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, err
	}

	out := make(map[string]any, len(rows))
	for _, r := range rows {
		v, err := encoding.DecodeValue(r.V)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", r.K, err)
		}
		out[r.K] = v
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

		scanner, err := db.From(s.config.Table).
			Select(colKey).
			Order(goqu.C(colKey).Asc()).
			Executor().
			ScannerContext(ctx)
		if err != nil {
			yield("", err)
			return
		}
		defer scanner.Close()

		for scanner.Next() {
			var k string
			if err := scanner.ScanVal(&k); err != nil {
				yield("", err)
				return
			}
			if !yield(k, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield("", err)
		}
	}
}

// StoreAll upserts entries in one transaction. If the transaction fails, each
// key is retried on its own so that only the offending keys are reported.
func (s *Store) StoreAll(ctx context.Context, entries map[string]any) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	encoded := make(map[string][]byte, len(entries))
	failed := make(map[string]error)
	for k, v := range entries {
		b, err := encoding.EncodeValue(v)
		if err != nil {
			failed[k] = fmt.Errorf("failed to encode value: %w", err)
			continue
		}
		encoded[k] = b
	}

	txErr := db.WithTx(func(tx *goqu.TxDatabase) error {
		for k, b := range encoded {
			if _, err := s.upsert(tx.Insert(s.config.Table), k, b).ExecContext(ctx); err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		if ctx.Err() != nil {
			return txErr
		}
		log.Debug().Err(txErr).Int("keys", len(encoded)).Msg("SQL batch upsert failed, retrying per key")
		for k, b := range encoded {
			if _, err := s.upsert(db.Insert(s.config.Table), k, b).ExecContext(ctx); err != nil {
				failed[k] = err
			}
		}
		if len(failed) == len(entries) {
			return txErr
		}
	}

	if len(failed) > 0 {
		return &store.PartialFailureError{Op: "store_all", Failed: failed}
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context) (sql.Result, error)
}

func (s *Store) upsert(ds *goqu.InsertDataset, key string, value []byte) execer {
	return ds.Prepared(true).
		Rows(goqu.Record{colKey: key, colValue: value}).
		OnConflict(goqu.DoUpdate(colKey, goqu.Record{colValue: value})).
		Executor()
}

func (s *Store) DeleteAll(ctx context.Context, keys []string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	_, err = db.Delete(s.config.Table).
		Prepared(true).
		Where(goqu.C(colKey).In(keys)).
		Executor().
		ExecContext(ctx)
	return err
}
