package writebehind

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/driftmap/encoding"
	"github.com/rs/zerolog/log"
)

// Key prefixes for Pebble storage
const (
	prefixPending = "/wb/pending/" // /wb/pending/{key} -> Record
	prefixDead    = "/wb/dead/"    // /wb/dead/{key} -> Record
)

const (
	memTableSize          = 16 << 20 // 16MB
	l0CompactionThreshold = 2
	l0StopWritesThreshold = 12
)

// Journal makes pending and dead-lettered records survive a restart.
type Journal struct {
	db     *pebble.DB
	path   string
	closed atomic.Bool
}

// OpenJournal creates or opens the journal under dataDir.
func OpenJournal(dataDir string) (*Journal, error) {
	path := filepath.Join(dataDir, "write_behind")

	db, err := pebble.Open(path, &pebble.Options{
		MemTableSize:          memTableSize,
		L0CompactionThreshold: l0CompactionThreshold,
		L0StopWritesThreshold: l0StopWritesThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open write-behind journal at %s: %w", path, err)
	}
	return &Journal{db: db, path: path}, nil
}

func (j *Journal) put(prefix string, rec *Record) error {
	if j.closed.Load() {
		return fmt.Errorf("write-behind journal is closed")
	}
	val, err := encoding.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record %q: %w", rec.Key, err)
	}
	// Pending records are rewritten on every mutation; the WAL still makes
	// them survive a process crash.
	return j.db.Set([]byte(prefix+rec.Key), val, pebble.NoSync)
}

func (j *Journal) delete(prefix, key string) error {
	if j.closed.Load() {
		return fmt.Errorf("write-behind journal is closed")
	}
	return j.db.Delete([]byte(prefix+key), pebble.NoSync)
}

// PutPending records the latest pending write for a key.
func (j *Journal) PutPending(rec *Record) error { return j.put(prefixPending, rec) }

// DeletePending forgets a key once its write reached the store.
func (j *Journal) DeletePending(key string) error { return j.delete(prefixPending, key) }

// MoveToDead atomically moves a record from pending to dead.
func (j *Journal) MoveToDead(rec *Record) error {
	if j.closed.Load() {
		return fmt.Errorf("write-behind journal is closed")
	}
	val, err := encoding.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record %q: %w", rec.Key, err)
	}

	batch := j.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete([]byte(prefixPending+rec.Key), nil); err != nil {
		return err
	}
	if err := batch.Set([]byte(prefixDead+rec.Key), val, nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

// DeleteDead removes a dead-lettered record.
func (j *Journal) DeleteDead(key string) error { return j.delete(prefixDead, key) }

// Pending returns journaled pending records, oldest first.
func (j *Journal) Pending() ([]Record, error) {
	recs, err := j.scan(prefixPending)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(recs, func(a, b int) bool { return recs[a].EnqueuedAt.Before(recs[b].EnqueuedAt) })
	return recs, nil
}

// Dead returns journaled dead letters.
func (j *Journal) Dead() ([]Record, error) {
	return j.scan(prefixDead)
}

func (j *Journal) scan(prefix string) ([]Record, error) {
	if j.closed.Load() {
		return nil, fmt.Errorf("write-behind journal is closed")
	}

	lower := []byte(prefix)
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: prefixUpperBound(lower),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var recs []Record
	for iter.SeekGE(lower); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}
		var rec Record
		if err := encoding.Unmarshal(val, &rec); err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Skipping corrupted write-behind record")
			continue
		}
		recs = append(recs, rec)
	}
	return recs, iter.Error()
}

// Close flushes and closes the journal.
func (j *Journal) Close() error {
	if !j.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := j.db.Flush(); err != nil {
		log.Warn().Err(err).Str("path", j.path).Msg("Failed to flush write-behind journal")
	}
	return j.db.Close()
}

// prefixUpperBound returns the smallest key greater than every key with
// the given prefix.
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
