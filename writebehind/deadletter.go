package writebehind

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// DeadLetters holds records that exhausted their retries. They stay here
// until an operator requeues or discards them.
type DeadLetters struct {
	mu      sync.RWMutex
	records map[string]Record
	journal *Journal
}

// NewDeadLetters creates the set, restoring journaled dead letters when
// journal is not nil.
func NewDeadLetters(journal *Journal) (*DeadLetters, error) {
	d := &DeadLetters{
		records: make(map[string]Record),
		journal: journal,
	}
	if journal == nil {
		return d, nil
	}

	recs, err := journal.Dead()
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		d.records[rec.Key] = rec
	}
	if len(recs) > 0 {
		log.Warn().Int("records", len(recs)).Msg("Restored dead-lettered writes")
	}
	return d, nil
}

// add stores rec, replacing an older dead letter for the same key. The
// caller has already moved the journal entry.
func (d *DeadLetters) add(rec Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records[rec.Key] = rec
}

// take removes and returns the dead letter for key.
func (d *DeadLetters) take(key string) (Record, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[key]
	if !ok {
		return Record{}, false
	}
	delete(d.records, key)
	if d.journal != nil {
		if err := d.journal.DeleteDead(key); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Failed to delete journaled dead letter")
		}
	}
	return rec, true
}

// Get returns the dead letter for key.
func (d *DeadLetters) Get(key string) (Record, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.records[key]
	return rec, ok
}

// List returns all dead letters sorted by key.
func (d *DeadLetters) List() []Record {
	d.mu.RLock()
	out := make([]Record, 0, len(d.records))
	for _, rec := range d.records {
		out = append(out, rec)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len returns the number of dead letters.
func (d *DeadLetters) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.records)
}
