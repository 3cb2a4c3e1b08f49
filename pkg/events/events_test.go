package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueuePublishDeliver(t *testing.T) {
	q := NewQueue(16, nil)
	q.Start()
	defer q.Stop()

	sub := q.Subscribe()
	defer q.Unsubscribe(sub)

	q.Publish(&Event{Type: EventDeviceOnline, DeviceID: "d1"})

	select {
	case got := <-sub:
		assert.Equal(t, EventDeviceOnline, got.Type)
		assert.Equal(t, "d1", got.DeviceID)
		assert.NotEmpty(t, got.ID, "id assigned on publish")
		assert.False(t, got.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestQueuePublishNeverBlocks(t *testing.T) {
	// Unstarted queue with a tiny buffer: overflow must shed, not block
	q := NewQueue(2, nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			q.Publish(&Event{Type: EventBatteryLow, DeviceID: "d1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full queue")
	}
}

func TestQueueSlowSubscriberDoesNotStall(t *testing.T) {
	q := NewQueue(256, nil)
	q.Start()
	defer q.Stop()

	// Subscriber that never reads; its buffer fills and deliveries to it
	// are skipped
	_ = q.Subscribe()
	fast := q.Subscribe()

	for i := 0; i < 200; i++ {
		q.Publish(&Event{Type: EventDispatchSent, DeviceID: "d1"})
	}

	received := 0
	deadline := time.After(2 * time.Second)
	for received < 50 {
		select {
		case <-fast:
			received++
		case <-deadline:
			t.Fatalf("fast subscriber stalled after %d events", received)
		}
	}
}

func TestQueueStopDrains(t *testing.T) {
	j := openTestJournal(t, 1000)
	q := NewQueue(64, j)
	q.Start()

	for i := 0; i < 10; i++ {
		q.Publish(&Event{Type: EventAlertRaised, DeviceID: fmt.Sprintf("d%d", i)})
	}
	q.Stop()

	got, err := j.Recent(100)
	require.NoError(t, err)
	assert.Len(t, got, 10, "queued events flushed to the journal on stop")
}

func openTestJournal(t *testing.T, cap int) *Journal {
	t.Helper()
	j, err := OpenJournal(t.TempDir(), cap)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournalAppendRecent(t *testing.T) {
	j := openTestJournal(t, 1000)

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		require.NoError(t, j.Append(&Event{
			ID:        fmt.Sprintf("e%d", i),
			Type:      EventDeviceOnline,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	got, err := j.Recent(3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "e4", got[0].ID, "newest first")
	assert.Equal(t, "e2", got[2].ID)
}

func TestJournalCap(t *testing.T) {
	j := openTestJournal(t, 10)

	base := time.Now().UTC()
	for i := 0; i < 30; i++ {
		require.NoError(t, j.Append(&Event{
			ID:        fmt.Sprintf("e%d", i),
			Type:      EventDeviceOnline,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	got, err := j.Recent(100)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(got), 10)
	assert.Equal(t, "e29", got[0].ID, "newest survives pruning")
}

func TestJournalSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	j, err := OpenJournal(dir, 100)
	require.NoError(t, err)
	require.NoError(t, j.Append(&Event{ID: "e1", Type: EventDeviceEnrolled, Timestamp: time.Now().UTC()}))
	require.NoError(t, j.Close())

	j, err = OpenJournal(dir, 100)
	require.NoError(t, err)
	defer j.Close()

	got, err := j.Recent(10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "e1", got[0].ID)
}
