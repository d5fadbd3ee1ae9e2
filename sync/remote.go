package sync

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/rvalkov/boardsync/models"
	"github.com/rvalkov/boardsync/scene"
	"github.com/rvalkov/boardsync/store"
)

// Remote change ingest. Two delivery modes with one contract: event-driven
// keeps an in-memory mirror fed by child notifications; poll-driven fetches
// the full document on an interval. Either way, applying a remote snapshot
// merges in elements created locally but not yet acknowledged by the store,
// re-renders the scene under the re-entrancy guard, and resets the snapshot
// to what was just rendered.

type fetchResult struct {
	err      error
	elements map[string]models.Element
	files    map[string]models.Asset
	view     *models.ViewState
}

func (c *Core) subscribeRemote(ctx context.Context) []store.Unsubscribe {
	var unsubscribes []store.Unsubscribe

	unsub, err := c.store.SubscribeChildren(ctx, elementsPath(c.cfg.BoardId), func(evt store.ChildEvent) {
		c.remoteCh <- remoteEvent{evt: evt}
	})
	if err != nil {
		log.Printf("Element subscription failed on board %s: %v", c.cfg.BoardId, err)
	} else {
		unsubscribes = append(unsubscribes, unsub)
	}

	unsub, err = c.store.SubscribeChildren(ctx, filesPath(c.cfg.BoardId), func(evt store.ChildEvent) {
		c.remoteCh <- remoteEvent{isFile: true, evt: evt}
	})
	if err != nil {
		log.Printf("File subscription failed on board %s: %v", c.cfg.BoardId, err)
	} else {
		unsubscribes = append(unsubscribes, unsub)
	}

	unsub, err = c.store.SubscribeValue(ctx, scenePath(c.cfg.BoardId), func(value []byte) {
		c.viewCh <- value
	})
	if err != nil {
		log.Printf("View subscription failed on board %s: %v", c.cfg.BoardId, err)
	} else {
		unsubscribes = append(unsubscribes, unsub)
	}

	return unsubscribes
}

func (c *Core) ingestRemoteEvent(re remoteEvent) {
	if re.isFile {
		switch re.evt.Kind {
		case store.ChildRemoved:
			delete(c.mirrorFiles, re.evt.Key)
		default:
			var asset models.Asset
			if err := json.Unmarshal(re.evt.Value, &asset); err != nil {
				log.Printf("Dropping malformed asset %s on board %s: %v", re.evt.Key, c.cfg.BoardId, err)
				return
			}
			c.mirrorFiles[re.evt.Key] = asset
		}
		c.mirrorDirty = true
		return
	}

	switch re.evt.Kind {
	case store.ChildRemoved:
		delete(c.mirrorElems, re.evt.Key)
	default:
		el, ok := SanitizeJSON(re.evt.Value)
		if !ok {
			log.Printf("Dropping malformed element %s on board %s", re.evt.Key, c.cfg.BoardId)
			return
		}
		c.mirrorElems[re.evt.Key] = el
	}
	c.mirrorDirty = true
}

func (c *Core) ingestRemoteView(raw []byte) {
	if raw == nil {
		return
	}
	var view models.ViewState
	if err := json.Unmarshal(raw, &view); err != nil {
		log.Printf("Dropping malformed view state on board %s: %v", c.cfg.BoardId, err)
		return
	}
	c.mirrorView = view
	c.hasMirror = true
	c.mirrorDirty = true
}

// drainRemote empties whatever notifications queued up behind the one being
// handled, so a burst coalesces into a single scene re-render.
func (c *Core) drainRemote() {
	for {
		select {
		case re := <-c.remoteCh:
			c.ingestRemoteEvent(re)
		case raw := <-c.viewCh:
			c.ingestRemoteView(raw)
		default:
			return
		}
	}
}

func (c *Core) applyMirror() {
	if !c.mirrorDirty || !c.hydrated.Load() {
		return
	}
	c.mirrorDirty = false

	view := c.storedView
	if c.hasMirror {
		view = c.mirrorView
	}
	c.applySnapshot(c.mirrorElems, view, c.mirrorFiles)
}

// applySnapshot merges a remote element set with unacknowledged local work,
// pushes the result into the scene, and resets both snapshot maps. The
// re-entrancy guard keeps the resulting scene notification from being
// mistaken for a user edit.
func (c *Core) applySnapshot(remote map[string]models.Element, view models.ViewState, files map[string]models.Asset) {
	merged := c.mergeWithLocal(remote)
	sorted := sortedElements(merged)

	c.applyingRemote.Store(true)
	viewCopy := view
	c.scn.ApplyUpdate(scene.Update{
		Elements:  sorted,
		ViewState: &viewCopy,
		Assets:    cloneAssets(files),
	})
	c.applyingRemote.Store(false)

	c.stored = make(map[string]models.Element, len(remote))
	for id, el := range remote {
		c.stored[id] = el
	}
	c.desired = merged
	c.storedView = view
	c.desiredView = view
	c.storedFiles = cloneAssets(files)
	for id := range c.storedFiles {
		delete(c.pendingFiles, id)
	}
}

// mergeWithLocal resolves the remote set against in-flight local edits.
// While a save is pending, an element on both sides goes to whichever has
// the higher revision counter, and elements that exist only locally (never
// round-tripped through the store) are retained with their ownership stamp
// intact. With nothing pending the remote set wins wholesale.
func (c *Core) mergeWithLocal(remote map[string]models.Element) map[string]models.Element {
	merged := make(map[string]models.Element, len(remote))
	for id, el := range remote {
		merged[id] = el
	}

	if !c.savePending && !c.saveInFlight {
		return merged
	}

	actor := c.ids.Current()
	for id, local := range c.desired {
		if r, held := merged[id]; held {
			if local.Version > r.Version {
				merged[id] = local
			}
			continue
		}
		if _, wasStored := c.stored[id]; wasStored {
			// Present in the last snapshot but gone remotely: a remote
			// deletion. It wins over the pending local edit.
			continue
		}
		if local.Owner == "" {
			local = stampOwner(local, actor)
		}
		merged[id] = local
	}
	return merged
}

func cloneAssets(m map[string]models.Asset) map[string]models.Asset {
	out := make(map[string]models.Asset, len(m))
	for id, a := range m {
		out[id] = a
	}
	return out
}

// pollOnce skips the cycle outright while a save is pending or in flight,
// so a poll never clobbers in-progress edits. The skip is observable via
// SkippedPolls.
func (c *Core) pollOnce(ctx context.Context) {
	if c.savePending || c.saveInFlight {
		c.pollSkips.Add(1)
		log.Printf("Skipping poll on board %s: save pending", c.cfg.BoardId)
		return
	}
	c.startFetch(ctx, false)
}

// startFetch begins a full document fetch off-loop. Single-flight: a fetch
// or manual refresh already in progress makes this a no-op.
func (c *Core) startFetch(ctx context.Context, initial bool) {
	if !c.fetching.CompareAndSwap(false, true) {
		return
	}
	go func() {
		c.fetchCh <- c.fetchDocument(ctx, initial)
	}()
}

// fetchDocument reads the full board document. A missing element collection
// on first load falls back to the legacy single-blob path and migrates it
// to the normalized keyspace. Partially corrupt content never blocks the
// rest: malformed records are dropped one by one.
func (c *Core) fetchDocument(ctx context.Context, initial bool) fetchResult {
	boardId := c.cfg.BoardId
	res := fetchResult{
		elements: make(map[string]models.Element),
		files:    make(map[string]models.Asset),
	}

	raw, err := c.store.Read(ctx, elementsPath(boardId))
	switch {
	case err == nil:
		var obj map[string]json.RawMessage
		if jsonErr := json.Unmarshal(raw, &obj); jsonErr != nil {
			res.err = jsonErr
			return res
		}
		for id, rawEl := range obj {
			el, ok := SanitizeJSON(rawEl)
			if !ok {
				log.Printf("Dropping malformed element %s on board %s", id, boardId)
				continue
			}
			res.elements[el.Id] = el
		}
	case errors.Is(err, store.ErrPathNotFound):
		if initial {
			if migrated, ok := c.migrateLegacy(ctx); ok {
				return migrated
			}
		}
		// No remote document yet: a valid empty start, not an error.
	default:
		res.err = err
		return res
	}

	if raw, err := c.store.Read(ctx, filesPath(boardId)); err == nil {
		var obj map[string]json.RawMessage
		if json.Unmarshal(raw, &obj) == nil {
			for id, rawAsset := range obj {
				var asset models.Asset
				if json.Unmarshal(rawAsset, &asset) == nil {
					res.files[id] = asset
				}
			}
		}
	} else if !errors.Is(err, store.ErrPathNotFound) {
		log.Printf("File fetch failed on board %s: %v", boardId, err)
	}

	if raw, err := c.store.Read(ctx, scenePath(boardId)); err == nil {
		var view models.ViewState
		if json.Unmarshal(raw, &view) == nil {
			res.view = &view
		}
	} else if !errors.Is(err, store.ErrPathNotFound) {
		log.Printf("View fetch failed on board %s: %v", boardId, err)
	}

	return res
}

// legacyDocument is the single-blob format written by old clients. Migrated
// once, on the first read that finds no normalized elements.
type legacyDocument struct {
	Elements  []map[string]any        `json:"elements"`
	ViewState *models.ViewState       `json:"viewState"`
	Files     map[string]models.Asset `json:"files"`
}

func (c *Core) migrateLegacy(ctx context.Context) (fetchResult, bool) {
	boardId := c.cfg.BoardId
	raw, err := c.store.Read(ctx, legacyPath(boardId))
	if err != nil {
		if !errors.Is(err, store.ErrPathNotFound) {
			log.Printf("Legacy read failed on board %s: %v", boardId, err)
		}
		return fetchResult{}, false
	}

	var doc legacyDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		log.Printf("Dropping unparseable legacy document on board %s: %v", boardId, err)
		return fetchResult{}, false
	}

	res := fetchResult{
		elements: make(map[string]models.Element),
		files:    doc.Files,
		view:     doc.ViewState,
	}
	if res.files == nil {
		res.files = make(map[string]models.Asset)
	}

	writes := make(map[string]any)
	for i, rawEl := range doc.Elements {
		el, ok := Sanitize(rawEl)
		if !ok {
			continue
		}
		el.Order = i
		res.elements[el.Id] = el
		writes[elementPath(boardId, el.Id)] = el
	}
	for id, asset := range res.files {
		writes[filePath(boardId, id)] = asset
	}
	if res.view != nil {
		writes[scenePath(boardId)] = *res.view
	}
	writes[legacyPath(boardId)] = nil

	if err := c.store.WriteAtomic(ctx, writes); err != nil {
		log.Printf("Legacy migration write failed on board %s: %v", boardId, err)
		// Hydrate from the parsed blob anyway; migration retries next start.
	} else {
		log.Printf("Migrated legacy document on board %s (%d elements)", boardId, len(res.elements))
	}
	return res, true
}

func (c *Core) finishFetch(ctx context.Context, res fetchResult) {
	c.fetching.Store(false)
	initial := !c.hydrated.Load()

	if res.err != nil {
		log.Printf("Fetch failed on board %s: %v", c.cfg.BoardId, res.err)
		if initial {
			// Hydration must eventually succeed for the UI to unblock.
			time.AfterFunc(c.cfg.PollInterval, c.ManualRefresh)
		}
		return
	}

	// Fold in child events that raced the fetch: the higher revision wins.
	// Only meaningful with live subscriptions; in polling mode the mirror is
	// just the previous cycle's snapshot and folding it back would resurrect
	// remote deletions, so the fetch result replaces it wholesale.
	if c.cfg.Mode == ModeEvents {
		for id, el := range c.mirrorElems {
			if fetched, held := res.elements[id]; !held || el.Version > fetched.Version {
				res.elements[id] = el
			}
		}
		for id, asset := range c.mirrorFiles {
			if _, held := res.files[id]; !held {
				res.files[id] = asset
			}
		}
	}

	view := c.storedView
	if res.view != nil {
		view = *res.view
		c.mirrorView = view
		c.hasMirror = true
	}

	c.mirrorElems = make(map[string]models.Element, len(res.elements))
	for id, el := range res.elements {
		c.mirrorElems[id] = el
	}
	c.mirrorFiles = res.files
	c.mirrorDirty = false

	c.applySnapshot(res.elements, view, res.files)

	if initial {
		// First successful application, including the empty-document case:
		// the board is usable from here on.
		c.hydrated.Store(true)
		c.pubInitialLoad.Store(true)
	}
}
