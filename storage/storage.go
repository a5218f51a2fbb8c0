// Package storage implements the durable snapshot store on BuntDB.
//
// Three key families share one database:
//
//	snap:<ts10>       raw hourly snapshot, JSON-encoded
//	trk:<id>:<ts10>   tracked position, primary row
//	tat:<ts10>:<id>   tracked position, hour-index row (same JSON value)
//
// Timestamps are unix seconds zero-padded to 10 digits so lexicographic key
// order equals chronological order.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/buntdb"
)

// ErrNotFound is returned when a requested snapshot or trajectory does not exist.
var ErrNotFound = errors.New("not found")

// Observation is a single raw position sample without identity.
type Observation struct {
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	AltKm float64 `json:"alt"`
}

// Snapshot is the set of all observations at one hour timestamp.
type Snapshot struct {
	Hour         int64         `json:"hour"` // unix seconds, truncated to the hour
	Observations []Observation `json:"observations"`
	Dropped      int           `json:"dropped,omitempty"` // corrupted records filtered upstream
}

// Time returns the snapshot hour as a UTC instant.
func (s Snapshot) Time() time.Time { return time.Unix(s.Hour, 0).UTC() }

// Balloon status values.
const (
	StatusActive = "active"
	StatusNew    = "new"
	StatusLost   = "lost"
)

// TrackedPosition is an observation that has been assigned a persistent id.
// Speed and heading are derived from the immediately preceding position of
// the same id and are absent (HasVelocity=false) for the first position.
type TrackedPosition struct {
	ID          string  `json:"id"`
	TS          int64   `json:"ts"` // unix seconds
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	AltKm       float64 `json:"alt"`
	SpeedKmh    float64 `json:"speed,omitempty"`
	HeadingDeg  float64 `json:"heading,omitempty"`
	HasVelocity bool    `json:"has_velocity,omitempty"`
	Status      string  `json:"status"`
	Confidence  float64 `json:"confidence"`
}

// Time returns the position timestamp as a UTC instant.
func (p TrackedPosition) Time() time.Time { return time.Unix(p.TS, 0).UTC() }

// Store wraps a BuntDB database holding snapshots and tracked positions.
type Store struct {
	db *buntdb.DB
}

// Open opens a persistent BuntDB file at path, creating parent directories
// as needed. Pass ":memory:" for an ephemeral store (tests).
func Open(path string) (*Store, error) {
	if path == "" {
		path = filepath.Join(".", "data", "stratotrack.buntdb")
	}
	if path != ":memory:" {
		_ = os.MkdirAll(filepath.Dir(path), 0o755)
	}
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func snapKey(ts int64) string          { return fmt.Sprintf("snap:%010d", ts) }
func trkKey(id string, ts int64) string { return fmt.Sprintf("trk:%s:%010d", id, ts) }
func tatKey(ts int64, id string) string { return fmt.Sprintf("tat:%010d:%s", ts, id) }

// PutSnapshot upserts the raw snapshot for hour t. Idempotent under the hour key.
func (s *Store) PutSnapshot(t time.Time, obs []Observation, dropped int) error {
	snap := Snapshot{Hour: t.UTC().Truncate(time.Hour).Unix(), Observations: obs, Dropped: dropped}
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(snapKey(snap.Hour), string(b), nil)
		return err
	})
}

// GetSnapshot returns the snapshot at hour t, or ErrNotFound.
func (s *Store) GetSnapshot(t time.Time) (*Snapshot, error) {
	var snap Snapshot
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(snapKey(t.UTC().Truncate(time.Hour).Unix()))
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(v), &snap)
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// LatestSnapshotTime returns the newest stored snapshot hour.
// ok is false when the store holds no snapshots.
func (s *Store) LatestSnapshotTime() (t time.Time, ok bool, err error) {
	err = s.db.View(func(tx *buntdb.Tx) error {
		return tx.DescendKeys("snap:*", func(key, val string) bool {
			ts, perr := strconv.ParseInt(strings.TrimPrefix(key, "snap:"), 10, 64)
			if perr == nil {
				t = time.Unix(ts, 0).UTC()
				ok = true
			}
			return false // first key only
		})
	})
	return t, ok, err
}

// ListSnapshots returns all retained snapshots, newest first.
func (s *Store) ListSnapshots() ([]Snapshot, error) {
	var out []Snapshot
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.DescendKeys("snap:*", func(key, val string) bool {
			var snap Snapshot
			if json.Unmarshal([]byte(val), &snap) == nil {
				out = append(out, snap)
			}
			return true
		})
	})
	return out, err
}

// PutTracked upserts a batch of tracked positions under (id, ts). Both the
// primary and the hour-index rows are written in one transaction.
func (s *Store) PutTracked(batch []TrackedPosition) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		for _, p := range batch {
			b, err := json.Marshal(p)
			if err != nil {
				return err
			}
			if _, _, err := tx.Set(trkKey(p.ID, p.TS), string(b), nil); err != nil {
				return err
			}
			if _, _, err := tx.Set(tatKey(p.TS, p.ID), string(b), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// TrackedAt returns all tracked positions whose timestamp equals hour t.
func (s *Store) TrackedAt(t time.Time) ([]TrackedPosition, error) {
	ts := t.UTC().Truncate(time.Hour).Unix()
	prefix := fmt.Sprintf("tat:%010d:", ts)
	out := []TrackedPosition{}
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(key, val string) bool {
			var p TrackedPosition
			if json.Unmarshal([]byte(val), &p) == nil {
				out = append(out, p)
			}
			return true
		})
	})
	return out, err
}

// Trajectory returns the retained history for id, ascending by timestamp.
// Returns ErrNotFound when the id has no rows.
func (s *Store) Trajectory(id string) ([]TrackedPosition, error) {
	prefix := "trk:" + id + ":"
	var out []TrackedPosition
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(key, val string) bool {
			var p TrackedPosition
			if json.Unmarshal([]byte(val), &p) == nil {
				out = append(out, p)
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// AllTrajectories returns every retained trajectory keyed by balloon id,
// each ascending by timestamp.
func (s *Store) AllTrajectories() (map[string][]TrackedPosition, error) {
	out := map[string][]TrackedPosition{}
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("trk:*", func(key, val string) bool {
			var p TrackedPosition
			if json.Unmarshal([]byte(val), &p) == nil {
				out[p.ID] = append(out[p.ID], p)
			}
			return true
		})
	})
	return out, err
}

// MaxNumericID returns the largest numeric suffix among stored balloon ids,
// or 0 when none exist. Used to rehydrate the id counter at startup.
func (s *Store) MaxNumericID() (int, error) {
	max := 0
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("trk:*", func(key, val string) bool {
			// key format: trk:balloon_NNNN:<ts10>
			rest := strings.TrimPrefix(key, "trk:")
			sep := strings.LastIndexByte(rest, ':')
			if sep <= 0 {
				return true
			}
			id := rest[:sep]
			if n, ok := numericSuffix(id); ok && n > max {
				max = n
			}
			return true
		})
	})
	return max, err
}

func numericSuffix(id string) (int, bool) {
	const prefix = "balloon_"
	if !strings.HasPrefix(id, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(id[len(prefix):])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Cleanup removes every snapshot and tracked row strictly older than t in one
// transaction and reports the deleted counts.
func (s *Store) Cleanup(t time.Time) (trackedDeleted, snapshotsDeleted int, err error) {
	cutoff := t.UTC().Unix()
	err = s.db.Update(func(tx *buntdb.Tx) error {
		var doomed []string
		collect := func(pattern string, tsOf func(key string) (int64, bool), count *int) error {
			return tx.AscendKeys(pattern, func(key, val string) bool {
				if ts, ok := tsOf(key); ok && ts < cutoff {
					doomed = append(doomed, key)
					*count++
				}
				return true
			})
		}
		if err := collect("snap:*", snapKeyTS, &snapshotsDeleted); err != nil {
			return err
		}
		if err := collect("trk:*", trkKeyTS, &trackedDeleted); err != nil {
			return err
		}
		// index rows mirror trk rows, not counted separately
		n := 0
		if err := collect("tat:*", tatKeyTS, &n); err != nil {
			return err
		}
		for _, key := range doomed {
			if _, err := tx.Delete(key); err != nil && !errors.Is(err, buntdb.ErrNotFound) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return trackedDeleted, snapshotsDeleted, nil
}

func snapKeyTS(key string) (int64, bool) {
	ts, err := strconv.ParseInt(strings.TrimPrefix(key, "snap:"), 10, 64)
	return ts, err == nil
}

func trkKeyTS(key string) (int64, bool) {
	sep := strings.LastIndexByte(key, ':')
	if sep < 0 {
		return 0, false
	}
	ts, err := strconv.ParseInt(key[sep+1:], 10, 64)
	return ts, err == nil
}

func tatKeyTS(key string) (int64, bool) {
	rest := strings.TrimPrefix(key, "tat:")
	sep := strings.IndexByte(rest, ':')
	if sep <= 0 {
		return 0, false
	}
	ts, err := strconv.ParseInt(rest[:sep], 10, 64)
	return ts, err == nil
}

// ClearAll drops every row. Meant for full rebuilds from a corrupt state.
func (s *Store) ClearAll() error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		return tx.DeleteAll()
	})
}
