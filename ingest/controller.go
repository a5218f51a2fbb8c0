// Package ingest owns all writes to the snapshot store. A single Controller
// decides per tick whether a run is an incremental hour, a gap fill, or a
// full 24-hour rebuild, and drives source fetch, tracking and cleanup in
// strict order.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skyborne/stratotrack/monitoring"
	"github.com/skyborne/stratotrack/source"
	"github.com/skyborne/stratotrack/storage"
	"github.com/skyborne/stratotrack/tracker"
)

// Controller states.
type State int32

const (
	StateUninitialized State = iota
	StateBootstrapping
	StateSteady
	StateCatchUp
	StateRebuilding
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateBootstrapping:
		return "bootstrapping"
	case StateSteady:
		return "steady"
	case StateCatchUp:
		return "catchup"
	case StateRebuilding:
		return "rebuilding"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// rebuildConcurrency bounds parallel source fetches during a full rebuild so
// we do not trip upstream throttling.
const rebuildConcurrency = 6

// maxStoreFailures is how many consecutive failed runs with store write
// errors we tolerate before parking in Failed.
const maxStoreFailures = 3

// tickOffset past the top of the hour absorbs upstream publish latency.
const tickOffset = 90 * time.Second

// Fetcher is the upstream feed surface the controller drives.
type Fetcher interface {
	FetchHour(ctx context.Context, offset int) ([]storage.Observation, int, error)
}

var _ Fetcher = (*source.Client)(nil)

// Controller is the single logical writer. TriggerOnce serializes on the
// internal mutex, so overlapping invocations are safe: the later one
// observes the updated latest snapshot time and no-ops.
type Controller struct {
	store  *storage.Store
	source Fetcher

	mu      sync.Mutex
	nextID  int
	history tracker.History

	state         atomic.Int32
	storeFailures int

	now func() time.Time
}

// New builds a controller over the given store and feed.
func New(store *storage.Store, src Fetcher) *Controller {
	return &Controller{
		store:   store,
		source:  src,
		history: tracker.History{},
		now:     time.Now,
	}
}

// State returns the current controller state.
func (c *Controller) State() State { return State(c.state.Load()) }

// StateName returns the current state as its wire name.
func (c *Controller) StateName() string { return c.State().String() }

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
	monitoring.IngestState.Set(float64(s))
}

// Start rehydrates the id counter from persisted state and runs the
// bootstrap tick. A partial window (or none at all) is handled by the
// bootstrap decision itself.
func (c *Controller) Start(ctx context.Context) error {
	maxID, err := c.store.MaxNumericID()
	if err != nil {
		return fmt.Errorf("rehydrate id counter: %w", err)
	}
	c.mu.Lock()
	c.nextID = maxID + 1
	c.mu.Unlock()
	log.Printf("ingest start next_id=%d", c.nextID)
	return c.TriggerOnce(ctx)
}

// Run ticks the controller at 90 seconds past every wall-clock hour until
// the context is canceled. Deployments without a resident scheduler call
// TriggerOnce directly instead.
func (c *Controller) Run(ctx context.Context) {
	for {
		next := c.now().UTC().Truncate(time.Hour).Add(time.Hour + tickOffset)
		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(c.now())):
			if err := c.TriggerOnce(ctx); err != nil {
				log.Printf("ingest tick failed: %v", err)
			}
		}
	}
}

// errEmptyFetch marks a current-hour fetch that parsed to zero valid
// records; the run falls back to a full rebuild. Fetch transport errors get
// the same treatment: the rebuild tolerates missing hours, so a flaky
// upstream degrades the window instead of parking the controller.
var errEmptyFetch = errors.New("upstream returned no valid records")

var errUpstreamFetch = errors.New("upstream fetch failed")

func isUpstreamErr(err error) bool {
	return errors.Is(err, errEmptyFetch) || errors.Is(err, errUpstreamFetch)
}

// TriggerOnce performs one full decision-and-run cycle: bootstrap the state
// from latest_snapshot_time, then execute the incremental step, the gap
// fill, or the full rebuild it calls for. Reentrant-safe.
func (c *Controller) TriggerOnce(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := c.now()
	nowHour := start.UTC().Truncate(time.Hour)

	c.setState(StateBootstrapping)
	mode, err := c.runLocked(ctx, nowHour)
	monitoring.IngestDuration.WithLabelValues(mode).Observe(c.now().Sub(start).Seconds())

	switch {
	case err == nil:
		c.storeFailures = 0
		c.setState(StateSteady)
		monitoring.IngestRuns.WithLabelValues(mode, "ok").Inc()
		monitoring.Debugf("ingest run mode=%s hour=%s ok", mode, nowHour.Format(time.RFC3339))
		return nil
	case isStoreError(err):
		c.storeFailures++
		monitoring.IngestRuns.WithLabelValues(mode, "error").Inc()
		if c.storeFailures >= maxStoreFailures {
			c.setState(StateFailed)
			return fmt.Errorf("ingest run (mode %s): %d consecutive store failures: %w", mode, c.storeFailures, err)
		}
		c.setState(StateSteady) // retry on the next tick
		return fmt.Errorf("ingest run (mode %s): %w", mode, err)
	default:
		monitoring.IngestRuns.WithLabelValues(mode, "error").Inc()
		c.setState(StateFailed)
		return fmt.Errorf("ingest run (mode %s): %w", mode, err)
	}
}

// runLocked picks and runs the mode for this tick. Caller holds c.mu.
func (c *Controller) runLocked(ctx context.Context, nowHour time.Time) (string, error) {
	latest, ok, err := c.store.LatestSnapshotTime()
	if err != nil {
		return "bootstrap", storeErr(err)
	}

	switch {
	case !ok, latest.Before(nowHour.Add(-23 * time.Hour)):
		c.setState(StateRebuilding)
		return "rebuild", c.rebuild(ctx, nowHour)

	case latest.Equal(nowHour):
		// Already current. Tolerate partial persisted state left by a
		// crashed run: an empty snapshot or a snapshot without tracked
		// rows both mean rebuild.
		snap, err := c.store.GetSnapshot(latest)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return "noop", storeErr(err)
		}
		rows, terr := c.store.TrackedAt(latest)
		if terr != nil {
			return "noop", storeErr(terr)
		}
		if snap == nil || len(snap.Observations) == 0 || len(rows) == 0 {
			c.setState(StateRebuilding)
			return "rebuild", c.rebuild(ctx, nowHour)
		}
		if len(c.history) == 0 {
			if err := c.hydrateHistory(rows); err != nil {
				return "noop", storeErr(err)
			}
		}
		monitoring.Debugf("ingest noop hour=%s", nowHour.Format(time.RFC3339))
		return "noop", nil

	case latest.Equal(nowHour.Add(-time.Hour)):
		err := c.catchUp(ctx, latest, nowHour)
		if isUpstreamErr(err) {
			c.setState(StateRebuilding)
			return "rebuild", c.rebuild(ctx, nowHour)
		}
		return "incremental", err

	default:
		c.setState(StateCatchUp)
		err := c.catchUp(ctx, latest, nowHour)
		if isUpstreamErr(err) {
			c.setState(StateRebuilding)
			return "rebuild", c.rebuild(ctx, nowHour)
		}
		return "catchup", err
	}
}

// catchUp fills every missing hour between latest (exclusive) and nowHour
// (inclusive), oldest first, so each hour's output feeds the next.
func (c *Controller) catchUp(ctx context.Context, latest, nowHour time.Time) error {
	if len(c.history) == 0 {
		rows, err := c.store.TrackedAt(latest)
		if err != nil {
			return storeErr(err)
		}
		if err := c.hydrateHistory(rows); err != nil {
			return storeErr(err)
		}
	}
	for h := latest.Add(time.Hour); !h.After(nowHour); h = h.Add(time.Hour) {
		offset := int(nowHour.Sub(h).Hours())
		obs, dropped, err := c.source.FetchHour(ctx, offset)
		if err != nil {
			return fmt.Errorf("%w: hour offset=%d: %v", errUpstreamFetch, offset, err)
		}
		if len(obs) == 0 {
			return errEmptyFetch
		}
		if err := c.stepHour(h, obs, dropped); err != nil {
			return err
		}
	}
	if _, _, err := c.store.Cleanup(windowFloor(nowHour)); err != nil {
		return storeErr(err)
	}
	return nil
}

// windowFloor is the oldest hour the rolling window retains.
func windowFloor(nowHour time.Time) time.Time { return nowHour.Add(-23 * time.Hour) }

// stepHour persists one hour: snapshot first, then tracking against the
// previous hour, then the tracked rows. Caller holds c.mu.
func (c *Controller) stepHour(t time.Time, obs []storage.Observation, dropped int) error {
	if err := c.store.PutSnapshot(t, obs, dropped); err != nil {
		return storeErr(err)
	}
	prev, err := c.store.TrackedAt(t.Add(-time.Hour))
	if err != nil {
		return storeErr(err)
	}
	tracked, err := tracker.Track(obs, prev, c.history, t, c.mintID)
	if err != nil {
		return fmt.Errorf("track hour %s: %w", t.Format(time.RFC3339), err)
	}
	if err := c.store.PutTracked(tracked); err != nil {
		return storeErr(err)
	}
	c.advanceHistory(tracked, t)
	monitoring.BalloonCount.Set(float64(len(tracked)))
	monitoring.Debugf("ingest step hour=%s balloons=%d dropped=%d", t.Format(time.RFC3339), len(tracked), dropped)
	return nil
}

// rebuild reconstructs the full 24-hour window: bounded-parallel fetch of
// all hours, then tracking oldest to newest from a clean history.
func (c *Controller) rebuild(ctx context.Context, nowHour time.Time) error {
	type hourResult struct {
		obs     []storage.Observation
		dropped int
	}
	results := make([]hourResult, source.MaxOffset+1)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rebuildConcurrency)
	for off := 0; off <= source.MaxOffset; off++ {
		g.Go(func() error {
			obs, dropped, err := c.source.FetchHour(gctx, off)
			if err != nil {
				// A missing hour leaves a gap; the window is still
				// useful, so keep going.
				log.Printf("rebuild fetch offset=%02d failed: %v", off, err)
				return nil
			}
			results[off] = hourResult{obs: obs, dropped: dropped}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	fetched := 0
	for _, r := range results {
		if len(r.obs) > 0 {
			fetched++
		}
	}
	if fetched == 0 {
		return errEmptyFetch
	}

	c.history = tracker.History{}
	for off := source.MaxOffset; off >= 0; off-- {
		r := results[off]
		if len(r.obs) == 0 {
			continue
		}
		if err := c.stepHour(nowHour.Add(-time.Duration(off)*time.Hour), r.obs, r.dropped); err != nil {
			return err
		}
	}
	if _, _, err := c.store.Cleanup(windowFloor(nowHour)); err != nil {
		return storeErr(err)
	}
	log.Printf("rebuild complete hours=%d/%d", fetched, source.MaxOffset+1)
	return nil
}

// advanceHistory appends this hour's rows and evicts balloons that were not
// emitted (lost) plus anything beyond the smoothing window.
func (c *Controller) advanceHistory(tracked []storage.TrackedPosition, t time.Time) {
	emitted := make(map[string]bool, len(tracked))
	for _, p := range tracked {
		emitted[p.ID] = true
		h := append(c.history[p.ID], p)
		if len(h) > tracker.HistoryDepth {
			h = h[len(h)-tracker.HistoryDepth:]
		}
		c.history[p.ID] = h
	}
	for id := range c.history {
		if !emitted[id] {
			delete(c.history, id)
		}
	}
}

// hydrateHistory rebuilds the smoothing window from persisted trajectories
// for the balloons alive at the latest hour. Used when a restarted process
// finds the window already current.
func (c *Controller) hydrateHistory(alive []storage.TrackedPosition) error {
	c.history = tracker.History{}
	for _, p := range alive {
		traj, err := c.store.Trajectory(p.ID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return err
		}
		if len(traj) > tracker.HistoryDepth {
			traj = traj[len(traj)-tracker.HistoryDepth:]
		}
		c.history[p.ID] = traj
	}
	return nil
}

// mintID issues the next balloon id. Caller holds c.mu.
func (c *Controller) mintID() string {
	id := fmt.Sprintf("balloon_%04d", c.nextID)
	c.nextID++
	return id
}

// storeError wraps store write failures so TriggerOnce can count them
// toward the Failed threshold.
type storeError struct{ err error }

func (e *storeError) Error() string { return "store: " + e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

func storeErr(err error) error { return &storeError{err: err} }

func isStoreError(err error) bool {
	var se *storeError
	return errors.As(err, &se)
}
