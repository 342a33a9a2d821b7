package cfddns

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

// DefaultStateFile is where the last confirmed address is kept when nothing else is configured.
const DefaultStateFile = "last_ip.txt"

// OpenStore picks a Store implementation for path.
// Paths ending in ".db" are bbolt databases; anything else is a plain text file.
func OpenStore(path string) Store {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".bolt":
		return &BoltStore{Path: path}
	}
	return FileStore(path)
}

// FileStore keeps the last confirmed address as the entire contents of a text file.
type FileStore string

// LastConfirmed implements Store. A missing file is not an error.
func (f FileStore) LastConfirmed() (string, error) {
	b, err := os.ReadFile(string(f))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("error reading state file: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// Confirm implements Store.
// The address is written to a temporary file which then replaces the state file.
func (f FileStore) Confirm(addr string) error {
	path := string(f)
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("error creating state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(addr); err != nil {
		tmp.Close()
		return fmt.Errorf("error writing state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("error writing state file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("error writing state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("error replacing state file: %w", err)
	}
	return nil
}

var (
	stateBucket   = []byte("state")
	historyBucket = []byte("history")

	keyDetected  = []byte("detected")
	keyConfirmed = []byte("confirmed")
	keyUpdated   = []byte("updated")
)

// timeKey is fixed width so that history keys sort chronologically.
const timeKey = "2006-01-02T15:04:05.000000000Z"

// BoltStore keeps state in a bbolt database.
//
// Besides the last confirmed address it records the last detected address
// and a history of every confirmation.
// The database is opened for each call and the file lock makes overlapping runs wait for each other.
type BoltStore struct {
	Path string
	// Timeout bounds how long to wait for the database lock. Zero means one second.
	Timeout time.Duration

	now func() time.Time
}

// State is a snapshot of a BoltStore.
type State struct {
	Detected  string
	Confirmed string
	Updated   time.Time
	History   []Confirmation
}

// Confirmation is one entry in the history of a BoltStore.
type Confirmation struct {
	Time time.Time
	Addr string
}

func (b *BoltStore) open(readOnly bool) (*bolt.DB, error) {
	timeout := b.Timeout
	if timeout == 0 {
		timeout = time.Second
	}
	if readOnly {
		if _, err := os.Stat(b.Path); errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
	}
	db, err := bolt.Open(b.Path, 0600, &bolt.Options{Timeout: timeout, ReadOnly: readOnly})
	if err != nil {
		return nil, fmt.Errorf("error opening state database %s: %w", b.Path, err)
	}
	return db, nil
}

func (b *BoltStore) clock() time.Time {
	if b.now != nil {
		return b.now()
	}
	return time.Now()
}

// LastConfirmed implements Store.
func (b *BoltStore) LastConfirmed() (string, error) {
	st, err := b.State()
	if err != nil {
		return "", err
	}
	return st.Confirmed, nil
}

// RecordDetected stores addr as the last detected address without confirming it.
func (b *BoltStore) RecordDetected(addr string) error {
	return b.update(func(bk *bolt.Bucket, _ *bolt.Bucket) error {
		return bk.Put(keyDetected, []byte(addr))
	})
}

// Confirm implements Store.
func (b *BoltStore) Confirm(addr string) error {
	now := b.clock().UTC()
	return b.update(func(bk *bolt.Bucket, hist *bolt.Bucket) error {
		if err := bk.Put(keyDetected, []byte(addr)); err != nil {
			return err
		}
		if err := bk.Put(keyConfirmed, []byte(addr)); err != nil {
			return err
		}
		ts := []byte(now.Format(timeKey))
		if err := bk.Put(keyUpdated, ts); err != nil {
			return err
		}
		return hist.Put(ts, []byte(addr))
	})
}

func (b *BoltStore) update(fn func(state *bolt.Bucket, history *bolt.Bucket) error) error {
	db, err := b.open(false)
	if err != nil {
		return err
	}
	defer db.Close()
	err = db.Update(func(tx *bolt.Tx) error {
		state, err := tx.CreateBucketIfNotExists(stateBucket)
		if err != nil {
			return err
		}
		history, err := tx.CreateBucketIfNotExists(historyBucket)
		if err != nil {
			return err
		}
		return fn(state, history)
	})
	if err != nil {
		return fmt.Errorf("error writing state database: %w", err)
	}
	return nil
}

// State reads everything stored in the database.
// A database that does not exist yet yields the zero State.
func (b *BoltStore) State() (State, error) {
	var st State
	db, err := b.open(true)
	if err != nil || db == nil {
		return st, err
	}
	defer db.Close()

	err = db.View(func(tx *bolt.Tx) error {
		if bk := tx.Bucket(stateBucket); bk != nil {
			st.Detected = string(bk.Get(keyDetected))
			st.Confirmed = string(bk.Get(keyConfirmed))
			if ts := bk.Get(keyUpdated); ts != nil {
				t, err := time.Parse(timeKey, string(ts))
				if err != nil {
					return fmt.Errorf("error parsing update time: %w", err)
				}
				st.Updated = t
			}
		}
		hist := tx.Bucket(historyBucket)
		if hist == nil {
			return nil
		}
		return hist.ForEach(func(k, v []byte) error {
			t, err := time.Parse(timeKey, string(k))
			if err != nil {
				return fmt.Errorf("error parsing history key %q: %w", k, err)
			}
			st.History = append(st.History, Confirmation{Time: t, Addr: string(v)})
			return nil
		})
	})
	if err != nil {
		return State{}, fmt.Errorf("error reading state database: %w", err)
	}
	return st, nil
}
