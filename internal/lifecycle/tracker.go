package lifecycle

import (
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/tilecache/model"
)

type tile struct {
	state    State
	degraded bool
	asset    model.ThumbnailAsset
	hasAsset bool
}

// Tracker holds the lifecycle state of every tile in a session and
// publishes each transition.
type Tracker struct {
	mu    sync.RWMutex
	tiles map[model.Fingerprint]*tile

	bc      *Broadcaster
	observe func(Event)
	now     func() time.Time
}

// NewTracker returns an empty Tracker. bc may be nil.
func NewTracker(bc *Broadcaster) *Tracker {
	return &Tracker{
		tiles: make(map[model.Fingerprint]*tile),
		bc:    bc,
		now:   time.Now,
	}
}

// Track registers fp as Unrealized. It reports false if fp is already known.
func (t *Tracker) Track(fp model.Fingerprint) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.tiles[fp]; ok {
		return false
	}
	t.tiles[fp] = &tile{state: Unrealized}
	return true
}

// Observe registers fn to receive every transition synchronously, including
// those a slow Broadcaster subscriber would miss. It must be called before
// the first transition and fn must not call back into the Tracker.
func (t *Tracker) Observe(fn func(Event)) {
	t.mu.Lock()
	t.observe = fn
	t.mu.Unlock()
}

// State returns the state of fp.
func (t *Tracker) State(fp model.Fingerprint) (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	tl, ok := t.tiles[fp]
	if !ok {
		return Unrealized, false
	}
	return tl.state, true
}

// Degraded reports whether fp currently shows a placeholder.
func (t *Tracker) Degraded(fp model.Fingerprint) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	tl, ok := t.tiles[fp]
	return ok && tl.degraded
}

// Asset returns the displayable asset of fp. A Stale tile keeps the asset
// of its last Ready state.
func (t *Tracker) Asset(fp model.Fingerprint) (model.ThumbnailAsset, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	tl, ok := t.tiles[fp]
	if !ok || !tl.state.Displayable() || !tl.hasAsset {
		return model.ThumbnailAsset{}, false
	}
	return tl.asset, true
}

// Transition moves fp to the given state.
func (t *Tracker) Transition(fp model.Fingerprint, to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	tl, err := t.lookupLocked(fp, to)
	if err != nil {
		return err
	}
	t.applyLocked(fp, tl, to)
	return nil
}

// Advance moves fp to the given state when the move is allowed and reports
// whether it happened. Unknown tiles are ignored.
func (t *Tracker) Advance(fp model.Fingerprint, to State) bool {
	return t.Transition(fp, to) == nil
}

// MarkReady moves fp to Ready and stores the asset. Placeholder assets
// mark the tile degraded.
func (t *Tracker) MarkReady(fp model.Fingerprint, asset model.ThumbnailAsset) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	tl, err := t.lookupLocked(fp, Ready)
	if err != nil {
		return err
	}
	tl.asset = asset
	tl.hasAsset = true
	tl.degraded = asset.Placeholder
	t.applyLocked(fp, tl, Ready)
	return nil
}

// Destroy moves fp to Destroyed and forgets it.
func (t *Tracker) Destroy(fp model.Fingerprint) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	tl, err := t.lookupLocked(fp, Destroyed)
	if err != nil {
		return err
	}
	t.applyLocked(fp, tl, Destroyed)
	delete(t.tiles, fp)
	return nil
}

// DestroyAll destroys every tile and returns how many there were.
func (t *Tracker) DestroyAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.tiles)
	for fp, tl := range t.tiles {
		t.applyLocked(fp, tl, Destroyed)
	}
	clear(t.tiles)
	return n
}

// Len returns the number of tracked tiles.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.tiles)
}

// Counts returns the number of tiles per state.
func (t *Tracker) Counts() map[State]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[State]int)
	for _, tl := range t.tiles {
		out[tl.state]++
	}
	return out
}

func (t *Tracker) lookupLocked(fp model.Fingerprint, to State) (*tile, error) {
	tl, ok := t.tiles[fp]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownTile, fp)
	}
	if !CanTransition(tl.state, to) {
		return nil, fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, fp, tl.state, to)
	}
	return tl, nil
}

func (t *Tracker) applyLocked(fp model.Fingerprint, tl *tile, to State) {
	from := tl.state
	tl.state = to

	switch to {
	case Evicted, Unrealized, Destroyed:
		tl.asset = model.ThumbnailAsset{}
		tl.hasAsset = false
		tl.degraded = false
	}

	e := Event{
		Fingerprint: fp,
		From:        from,
		To:          to,
		Degraded:    tl.degraded,
		At:          t.now(),
	}
	if t.observe != nil {
		t.observe(e)
	}
	if t.bc != nil {
		t.bc.Publish(e)
	}
}
