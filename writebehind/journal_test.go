package writebehind

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T, dir string) *Journal {
	t.Helper()
	j, err := OpenJournal(dir)
	require.NoError(t, err)
	return j
}

func TestJournal_ReplaysPendingWrites(t *testing.T) {
	dir := t.TempDir()

	j := openTestJournal(t, dir)
	q := NewQueue(QueueOptions{Journal: j})
	q.Enqueue("a", map[string]any{"surname": "smith"}, false)
	q.Enqueue("b", "gone", true)
	q.Enqueue("c", "written", false)

	flushed := q.Drain(10)
	var done []Record
	for _, r := range flushed {
		if r.Key == "c" {
			done = append(done, r)
		}
	}
	q.OnFlushResult(done, nil)
	require.NoError(t, j.Close())

	j = openTestJournal(t, dir)
	defer j.Close()
	q = NewQueue(QueueOptions{Journal: j})
	n, err := q.Restore()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	recs := q.Drain(10)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].Key)
	assert.Equal(t, map[string]any{"surname": "smith"}, recs[0].Value)
	assert.Equal(t, "b", recs[1].Key)
	assert.True(t, recs[1].Tombstone)
}

func TestJournal_PersistsDeadLetters(t *testing.T) {
	dir := t.TempDir()

	j := openTestJournal(t, dir)
	dead, err := NewDeadLetters(j)
	require.NoError(t, err)
	q := NewQueue(QueueOptions{Journal: j, DeadLetters: dead, RetryLimit: 1})

	q.Enqueue("a", "v", false)
	q.FailAll(q.Drain(1), errors.New("down"))
	require.NoError(t, j.Close())

	j = openTestJournal(t, dir)
	defer j.Close()

	pending, err := j.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending, "dead letter is no longer pending")

	dead, err = NewDeadLetters(j)
	require.NoError(t, err)
	list := dead.List()
	require.Len(t, list, 1)
	assert.Equal(t, "a", list[0].Key)
	assert.Equal(t, 1, list[0].Attempts)
	assert.Equal(t, "down", list[0].LastError)

	q = NewQueue(QueueOptions{Journal: j, DeadLetters: dead})
	require.NoError(t, q.Discard("a"))
	remaining, err := j.Dead()
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestJournal_SuccessKeepsNewerPendingEntry(t *testing.T) {
	j := openTestJournal(t, t.TempDir())
	defer j.Close()

	q := NewQueue(QueueOptions{Journal: j})
	q.Enqueue("a", "v1", false)
	recs := q.Drain(1)
	q.Enqueue("a", "v2", false)
	q.OnFlushResult(recs, nil)

	pending, err := j.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "v2", pending[0].Value)
}

func TestJournal_PendingOrderedByAge(t *testing.T) {
	j := openTestJournal(t, t.TempDir())
	defer j.Close()

	clock := newFakeClock()
	q := NewQueue(QueueOptions{Journal: j, Now: clock.Now})
	q.Enqueue("z", 1, false)
	clock.Advance(time.Second)
	q.Enqueue("a", 1, false)

	pending, err := j.Pending()
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "a"}, keys(pending))
}

func TestJournal_ClosedRejectsWrites(t *testing.T) {
	j := openTestJournal(t, t.TempDir())
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())

	assert.Error(t, j.PutPending(&Record{Key: "a"}))
	_, err := j.Pending()
	assert.Error(t, err)
}
