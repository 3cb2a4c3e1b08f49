package events

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var eventsBucket = []byte("events")

// Journal persists drained events to a bbolt file so recent fleet history
// survives restarts. Keys are big-endian unix-nano timestamps with a
// sequence suffix, which keeps cursor iteration in time order.
type Journal struct {
	db  *bbolt.DB
	cap int
}

// OpenJournal opens or creates the event journal under dataDir.
// cap bounds how many events are retained; older entries are pruned
// as new ones are appended.
func OpenJournal(dataDir string, cap int) (*Journal, error) {
	if cap <= 0 {
		cap = 10000
	}
	path := filepath.Join(dataDir, "events.db")
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open event journal: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(eventsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create events bucket: %w", err)
	}

	return &Journal{db: db, cap: cap}, nil
}

// Close closes the journal
func (j *Journal) Close() error {
	return j.db.Close()
}

// Append writes an event to the journal, pruning the oldest entries
// once the retention cap is exceeded.
func (j *Journal) Append(event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	return j.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(eventsBucket)

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 16)
		binary.BigEndian.PutUint64(key[:8], uint64(event.Timestamp.UnixNano()))
		binary.BigEndian.PutUint64(key[8:], seq)

		if err := b.Put(key, data); err != nil {
			return err
		}

		for b.Stats().KeyN+1 > j.cap {
			c := b.Cursor()
			k, _ := c.First()
			if k == nil {
				break
			}
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Recent returns up to limit most recent events, newest first.
func (j *Journal) Recent(limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*Event
	err := j.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(eventsBucket).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var e Event
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			out = append(out, &e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
