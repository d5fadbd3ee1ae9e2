// Package sync is the synchronization core: it reconciles concurrent local
// edits against the remote board document, enforces per-element ownership,
// debounces and serializes writes, and merges remote updates back into the
// live scene without interrupting the user's in-progress interaction.
//
// All core logic runs on a single event loop; scene and store callbacks are
// funneled into it over channels, so no two pieces of core state ever race.
package sync

import (
	"context"
	"log"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rvalkov/boardsync/identity"
	"github.com/rvalkov/boardsync/models"
	"github.com/rvalkov/boardsync/scene"
	"github.com/rvalkov/boardsync/store"
)

type Mode int

const (
	// ModeEvents consumes per-child store notifications.
	ModeEvents Mode = iota
	// ModePolling fetches the full document on a fixed interval.
	ModePolling
)

func ParseMode(s string) Mode {
	if s == "poll" || s == "polling" {
		return ModePolling
	}
	return ModeEvents
}

type Config struct {
	BoardId         string
	Mode            Mode
	Debounce        time.Duration // quiet period before a save composes
	PollInterval    time.Duration
	StuckThreshold  time.Duration // in-flight age beyond which a save is abandoned
	WatchdogTimeout time.Duration // hard ceiling on one store write
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = 500 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = 5 * time.Second
	}
	if c.WatchdogTimeout <= 0 {
		c.WatchdogTimeout = 8 * time.Second
	}
	return c
}

// AdminChecker reports whether the current identity holds override rights.
// The presence tracker implements it; a nil checker means never admin.
type AdminChecker interface {
	IsAdmin() bool
}

type localChange struct {
	elements []models.Element
	view     models.ViewState
	assets   map[string]models.Asset
}

type remoteEvent struct {
	isFile bool
	evt    store.ChildEvent
}

type Core struct {
	cfg   Config
	store store.DocumentStore
	scn   scene.Scene
	ids   *identity.Provider
	admin AdminChecker

	localCh    chan localChange
	remoteCh   chan remoteEvent
	viewCh     chan []byte
	fetchCh    chan fetchResult
	saveDoneCh chan saveResult
	watchdogCh chan int
	flushCh    chan chan struct{}
	refreshCh  chan struct{}

	// Flags read outside the loop.
	hydrated       atomic.Bool
	applyingRemote atomic.Bool
	fetching       atomic.Bool
	pubInitialLoad atomic.Bool
	pubSavePending atomic.Bool
	pubSaveActive  atomic.Bool
	pubLastSavedAt atomic.Int64
	pollSkips      atomic.Int64

	// Loop-owned state. stored mirrors what the remote store last held (the
	// Local Snapshot); desired is the authorized batch we want persisted.
	stored       map[string]models.Element
	storedView   models.ViewState
	storedFiles  map[string]models.Asset
	desired      map[string]models.Element
	desiredView  models.ViewState
	pendingFiles map[string]models.Asset

	savePending   bool
	saveInFlight  bool
	needsResave   bool
	saveSeq       int
	saveStartedAt time.Time
	watchdog      *time.Timer
	debounce      *time.Timer

	// Event-mode mirror of the remote document.
	mirrorElems map[string]models.Element
	mirrorFiles map[string]models.Asset
	mirrorView  models.ViewState
	hasMirror   bool
	mirrorDirty bool

	removeSceneHandler func()
}

func NewCore(cfg Config, docStore store.DocumentStore, scn scene.Scene, ids *identity.Provider, admin AdminChecker) *Core {
	return &Core{
		cfg:          cfg.withDefaults(),
		store:        docStore,
		scn:          scn,
		ids:          ids,
		admin:        admin,
		localCh:      make(chan localChange, 256),
		remoteCh:     make(chan remoteEvent, 1024),
		viewCh:       make(chan []byte, 64),
		fetchCh:      make(chan fetchResult, 4),
		saveDoneCh:   make(chan saveResult, 4),
		watchdogCh:   make(chan int, 4),
		flushCh:      make(chan chan struct{}, 8),
		refreshCh:    make(chan struct{}, 1),
		stored:       make(map[string]models.Element),
		storedFiles:  make(map[string]models.Asset),
		desired:      make(map[string]models.Element),
		pendingFiles: make(map[string]models.Asset),
		mirrorElems:  make(map[string]models.Element),
		mirrorFiles:  make(map[string]models.Asset),
	}
}

// Run drives the core until ctx is cancelled, then force-flushes any pending
// save. Call once.
func (c *Core) Run(ctx context.Context) {
	c.removeSceneHandler = c.scn.OnChange(c.onSceneChange)
	defer c.removeSceneHandler()

	var unsubscribes []store.Unsubscribe
	if c.cfg.Mode == ModeEvents {
		unsubscribes = c.subscribeRemote(ctx)
	}
	defer func() {
		for _, unsub := range unsubscribes {
			unsub()
		}
	}()

	// Initial hydration runs off-loop like any other fetch.
	c.startFetch(ctx, true)

	var pollC <-chan time.Time
	if c.cfg.Mode == ModePolling {
		ticker := time.NewTicker(c.cfg.PollInterval)
		defer ticker.Stop()
		pollC = ticker.C
	}

	c.debounce = time.NewTimer(c.cfg.Debounce)
	if !c.debounce.Stop() {
		<-c.debounce.C
	}

	for {
		select {
		case lc := <-c.localCh:
			c.ingestLocalChange(lc)

		case evt := <-c.remoteCh:
			c.ingestRemoteEvent(evt)
			c.drainRemote()
			c.applyMirror()

		case raw := <-c.viewCh:
			c.ingestRemoteView(raw)
			c.drainRemote()
			c.applyMirror()

		case <-c.debounce.C:
			c.requestSave(ctx)

		case res := <-c.saveDoneCh:
			c.finishSave(ctx, res)

		case seq := <-c.watchdogCh:
			c.watchdogFired(ctx, seq)

		case <-pollC:
			c.pollOnce(ctx)

		case res := <-c.fetchCh:
			c.finishFetch(ctx, res)

		case done := <-c.flushCh:
			c.forceFlush(ctx, false)
			close(done)

		case <-c.refreshCh:
			c.startFetch(ctx, false)

		case <-ctx.Done():
			// Teardown flush: waits out an in-flight save, then writes any
			// residual diff once. No retry-looping.
			c.forceFlush(context.Background(), true)
			return
		}
	}
}

// onSceneChange runs on the scene's goroutine. Drops programmatic echoes and
// anything arriving before hydration or while the core is itself applying a
// remote snapshot.
func (c *Core) onSceneChange(elements []models.Element, view models.ViewState, info scene.ChangeInfo) {
	if info.Source == scene.SourceProgrammatic || c.applyingRemote.Load() || !c.hydrated.Load() {
		return
	}
	c.localCh <- localChange{
		elements: elements,
		view:     view,
		assets:   c.scn.Assets(),
	}
}

// ingestLocalChange authorizes the incoming batch against the last-settled
// snapshot and schedules a save. Blocked edits keep the previous element in
// the outgoing payload; the locally visible divergence is left alone and
// self-heals on the next remote refresh.
func (c *Core) ingestLocalChange(lc localChange) {
	actor := c.ids.Current()
	isAdmin := c.admin != nil && c.admin.IsAdmin()

	next := make(map[string]models.Element, len(lc.elements))
	blocked := 0

	for i, el := range lc.elements {
		el.Order = i
		var prev *models.Element
		if p, ok := c.stored[el.Id]; ok {
			prev = &p
		}
		v := Authorize(el, prev, actor, isAdmin)
		if v.Blocked {
			blocked++
		}
		next[v.Element.Id] = v.Element
	}

	// Deletions: ids present in the snapshot but gone from the candidate set
	// face the same ownership test. A blocked deletion reinserts the previous
	// element, keeping its original order index for z-order on the next read.
	for id, prev := range c.stored {
		if _, present := next[id]; present || prev.IsDeleted {
			continue
		}
		if !canMutate(prev, actor, isAdmin) {
			blocked++
			next[id] = prev
		}
	}

	if blocked > 0 {
		log.Printf("Blocked %d unauthorized edit(s) by %s on board %s", blocked, actor.DeviceId, c.cfg.BoardId)
	}

	c.desired = next
	c.desiredView = lc.view
	for id, asset := range lc.assets {
		if _, held := c.storedFiles[id]; !held {
			c.pendingFiles[id] = asset
		}
	}

	c.markSavePending()
	c.restartDebounce()
}

func (c *Core) restartDebounce() {
	if !c.debounce.Stop() {
		select {
		case <-c.debounce.C:
		default:
		}
	}
	c.debounce.Reset(c.cfg.Debounce)
}

func (c *Core) markSavePending() {
	c.savePending = true
	c.pubSavePending.Store(true)
	if c.saveInFlight {
		// Coalesce into exactly one follow-up save after the current one.
		c.needsResave = true
	}
}

// sortedElements orders a desired/merged set by order index, then id, for
// stable paint order.
func sortedElements(m map[string]models.Element) []models.Element {
	out := make([]models.Element, 0, len(m))
	for _, el := range m {
		out = append(out, el)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].Id < out[j].Id
	})
	return out
}

// --- exported surface, callable from any goroutine ---

func (c *Core) InitialLoadComplete() bool { return c.pubInitialLoad.Load() }
func (c *Core) SavePending() bool         { return c.pubSavePending.Load() }
func (c *Core) SaveInFlight() bool        { return c.pubSaveActive.Load() }

// LastSavedAt returns the zero time before the first successful save.
func (c *Core) LastSavedAt() time.Time {
	ms := c.pubLastSavedAt.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// SkippedPolls counts poll cycles skipped because a save was pending.
func (c *Core) SkippedPolls() int64 { return c.pollSkips.Load() }

// ManualSave flushes any pending changes immediately, bypassing the
// debounce. Blocks until the flush has been processed; a no-op when nothing
// is pending.
func (c *Core) ManualSave() {
	done := make(chan struct{})
	c.flushCh <- done
	<-done
}

// ManualRefresh forces a full fetch-and-apply cycle. A no-op while a
// refresh is already in flight.
func (c *Core) ManualRefresh() {
	select {
	case c.refreshCh <- struct{}{}:
	default:
	}
}

func (c *Core) Identity() models.Identity { return c.ids.Current() }
