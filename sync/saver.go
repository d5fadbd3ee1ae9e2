package sync

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/rvalkov/boardsync/models"
)

// The save scheduler. States: idle -> pending-debounce -> saving -> idle,
// with an immediate resave (no re-debounce) when changes land mid-save.
// At most one write is ever in flight; stuck and hung writes are superseded
// rather than cancelled, which is safe because every save diffs against the
// snapshot at its own start time.

type saveResult struct {
	seq      int
	err      error
	elements map[string]models.Element
	view     models.ViewState
	files    map[string]models.Asset // assets flushed with this save
}

// requestSave runs when the debounce fires. Forced flushes take the
// forceFlush path instead, which never loops.
func (c *Core) requestSave(ctx context.Context) {
	if !c.savePending {
		return
	}
	if c.saveInFlight {
		if time.Since(c.saveStartedAt) > c.cfg.StuckThreshold {
			log.Printf("Save stuck for %v on board %s, releasing lock", time.Since(c.saveStartedAt), c.cfg.BoardId)
			c.releaseSaveLock()
		} else {
			c.needsResave = true
			return
		}
	}
	c.startSave()
}

// releaseSaveLock abandons the in-flight save. Its eventual completion is
// ignored via the sequence number; it may still land store-side, which is
// fine because later saves diff from canonical state, never blind-overwrite.
func (c *Core) releaseSaveLock() {
	c.saveInFlight = false
	c.pubSaveActive.Store(false)
	c.saveSeq++
	if c.watchdog != nil {
		c.watchdog.Stop()
	}
}

func (c *Core) startSave() {
	writes, flushed := c.composeSave()

	c.savePending = false
	c.pubSavePending.Store(false)

	if len(writes) == 0 {
		// Nothing differs from the store; back to idle without a write.
		c.needsResave = false
		return
	}

	desired := make(map[string]models.Element, len(c.desired))
	for id, el := range c.desired {
		desired[id] = el
	}

	c.saveInFlight = true
	c.pubSaveActive.Store(true)
	c.saveStartedAt = time.Now()
	c.saveSeq++
	seq := c.saveSeq
	view := c.desiredView

	c.watchdog = time.AfterFunc(c.cfg.WatchdogTimeout, func() {
		select {
		case c.watchdogCh <- seq:
		default:
		}
	})

	// The write itself never carries the loop's context: in-flight writes
	// are not cancelled, only superseded.
	go func() {
		err := c.store.WriteAtomic(context.Background(), writes)
		c.saveDoneCh <- saveResult{seq: seq, err: err, elements: desired, view: view, files: flushed}
	}()
}

// composeSave builds the atomic multi-path write: upserts for elements whose
// canonical form differs from what the store last held, deletions for ids
// gone from the desired set, the view state when changed, pending assets,
// and the metadata stamp. The pending-asset map is cleared here and handed
// to the save; a failed save puts the assets back.
func (c *Core) composeSave() (map[string]any, map[string]models.Asset) {
	boardId := c.cfg.BoardId
	writes := make(map[string]any)

	for id, el := range c.desired {
		prev, held := c.stored[id]
		if !held || !canonicalEqual(prev, el) {
			writes[elementPath(boardId, id)] = el
		}
	}
	for id := range c.stored {
		if _, keep := c.desired[id]; !keep {
			writes[elementPath(boardId, id)] = nil
		}
	}

	if c.desiredView != c.storedView {
		writes[scenePath(boardId)] = c.desiredView
	}

	flushed := c.pendingFiles
	c.pendingFiles = make(map[string]models.Asset)
	for id, asset := range flushed {
		writes[filePath(boardId, id)] = asset
	}

	if len(writes) == 0 {
		return nil, flushed
	}

	writes[metaPath(boardId)] = map[string]any{
		"updatedAt": c.store.ServerTimestamp(),
		"updatedBy": c.ids.Current().DeviceId,
	}
	return writes, flushed
}

// canonicalEqual compares two canonical elements. Volatile per-save fields
// (the updatedAt stamp) live outside the element record, so a plain
// structural comparison is exact.
func canonicalEqual(a, b models.Element) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ab) == string(bb)
}

// settleSave folds a completed write into the snapshot. settled is false for
// a superseded save completing late; ok is false for a failed write, which
// re-pends the save and gives unflushed assets back.
func (c *Core) settleSave(res saveResult) (ok, settled bool) {
	if res.seq != c.saveSeq || !c.saveInFlight {
		// Its effects, if any, are reconstructed by the next save's diff.
		log.Printf("Ignoring completion of superseded save on board %s (err=%v)", c.cfg.BoardId, res.err)
		return false, false
	}

	c.saveInFlight = false
	c.pubSaveActive.Store(false)
	if c.watchdog != nil {
		c.watchdog.Stop()
	}

	if res.err != nil {
		log.Printf("Save failed on board %s: %v", c.cfg.BoardId, res.err)
		c.savePending = true
		c.pubSavePending.Store(true)
		for id, asset := range res.files {
			if _, replaced := c.pendingFiles[id]; !replaced {
				c.pendingFiles[id] = asset
			}
		}
		return false, true
	}

	c.stored = res.elements
	c.storedView = res.view
	for id, asset := range res.files {
		c.storedFiles[id] = asset
	}
	c.pubLastSavedAt.Store(time.Now().UnixMilli())
	return true, true
}

func (c *Core) finishSave(ctx context.Context, res saveResult) {
	ok, settled := c.settleSave(res)
	if !ok || !settled {
		return
	}

	if c.needsResave || c.savePending {
		// A change arrived mid-save. Re-enter saving with a fresh diff
		// right away; re-debouncing here could starve under constant input.
		c.needsResave = false
		c.savePending = true
		c.startSave()
	}
}

func (c *Core) watchdogFired(ctx context.Context, seq int) {
	if seq != c.saveSeq || !c.saveInFlight {
		return
	}
	log.Printf("Save watchdog fired after %v on board %s, releasing lock", c.cfg.WatchdogTimeout, c.cfg.BoardId)
	c.releaseSaveLock()
	c.savePending = true
	c.pubSavePending.Store(true)
	c.needsResave = false
	// Retry right away. The hung write stays superseded; if the store is
	// still wedged the next watchdog period bounds the retry rate.
	c.startSave()
}

// forceFlush runs the saving logic immediately: visibility-hidden, teardown
// and manual save all land here. No debounce, no retry-looping, and a no-op
// when nothing is pending rather than a save of stale state. waitInFlight is
// the teardown variant: the event loop is exiting, so an in-flight save gets
// waited out here and edits that landed after it started go into one final
// synchronous write.
func (c *Core) forceFlush(ctx context.Context, waitInFlight bool) {
	if !c.savePending && !(waitInFlight && c.saveInFlight) {
		return
	}
	if c.saveInFlight {
		switch {
		case waitInFlight:
			c.awaitInFlight()
		case time.Since(c.saveStartedAt) <= c.cfg.StuckThreshold:
			// The in-flight save carries the coalesced state; edits that
			// landed after its start resave when it completes.
			return
		default:
			log.Printf("Save stuck during flush on board %s, releasing lock", c.cfg.BoardId)
			c.releaseSaveLock()
		}
	}
	if !c.savePending {
		return
	}

	writes, flushed := c.composeSave()
	c.savePending = false
	c.pubSavePending.Store(false)
	c.needsResave = false
	if len(writes) == 0 {
		return
	}

	// Synchronous write so teardown completes deterministically.
	if err := c.store.WriteAtomic(ctx, writes); err != nil {
		log.Printf("Flush failed on board %s: %v", c.cfg.BoardId, err)
		c.savePending = true
		c.pubSavePending.Store(true)
		for id, asset := range flushed {
			if _, replaced := c.pendingFiles[id]; !replaced {
				c.pendingFiles[id] = asset
			}
		}
		return
	}

	c.stored = make(map[string]models.Element, len(c.desired))
	for id, el := range c.desired {
		c.stored[id] = el
	}
	c.storedView = c.desiredView
	for id, asset := range flushed {
		c.storedFiles[id] = asset
	}
	c.pubLastSavedAt.Store(time.Now().UnixMilli())
}

// awaitInFlight blocks until the in-flight save reports back and folds its
// result into the snapshot, without scheduling a follow-up write. Bounded by
// the watchdog timeout; a write still hung past it is abandoned.
func (c *Core) awaitInFlight() {
	deadline := time.NewTimer(c.cfg.WatchdogTimeout)
	defer deadline.Stop()

	for c.saveInFlight {
		select {
		case res := <-c.saveDoneCh:
			c.settleSave(res)
		case <-deadline.C:
			log.Printf("Save unresponsive during teardown on board %s, abandoning it", c.cfg.BoardId)
			c.releaseSaveLock()
			c.savePending = true
			c.pubSavePending.Store(true)
		}
	}
}
