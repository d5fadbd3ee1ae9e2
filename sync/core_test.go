package sync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rvalkov/boardsync/identity"
	"github.com/rvalkov/boardsync/models"
	"github.com/rvalkov/boardsync/scene"
	"github.com/rvalkov/boardsync/store"
	"github.com/rvalkov/boardsync/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeScene is a scriptable scene.Scene. Tests emit user changes through it
// and observe what the core renders back.
type fakeScene struct {
	mu       sync.Mutex
	elements []models.Element
	view     models.ViewState
	assets   map[string]models.Asset
	handlers []scene.ChangeHandler
	applied  []scene.Update
}

func newFakeScene() *fakeScene {
	return &fakeScene{assets: make(map[string]models.Asset)}
}

func (f *fakeScene) CurrentElements() []models.Element {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Element, len(f.elements))
	copy(out, f.elements)
	return out
}

func (f *fakeScene) ViewState() models.ViewState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.view
}

func (f *fakeScene) Assets() map[string]models.Asset {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]models.Asset, len(f.assets))
	for id, a := range f.assets {
		out[id] = a
	}
	return out
}

func (f *fakeScene) OnChange(h scene.ChangeHandler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, h)
	return func() {}
}

func (f *fakeScene) ApplyUpdate(update scene.Update) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, update)
	if update.Elements != nil {
		f.elements = update.Elements
	}
	if update.ViewState != nil {
		f.view = *update.ViewState
	}
	if update.Assets != nil {
		f.assets = update.Assets
	}
}

// emitUser simulates the user editing the canvas.
func (f *fakeScene) emitUser(elements []models.Element, view models.ViewState) {
	f.mu.Lock()
	f.elements = elements
	f.view = view
	handlers := make([]scene.ChangeHandler, len(f.handlers))
	copy(handlers, f.handlers)
	f.mu.Unlock()

	for _, h := range handlers {
		h(elements, view, scene.ChangeInfo{Source: scene.SourceUser})
	}
}

// lastAppliedIds returns the element ids of the most recent ApplyUpdate.
func (f *fakeScene) lastAppliedIds() map[string]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.applied) == 0 {
		return nil
	}
	out := make(map[string]bool)
	for _, el := range f.applied[len(f.applied)-1].Elements {
		out[el.Id] = true
	}
	return out
}

// countingStore wraps the memory store to count write attempts and
// completions, with an optional block to simulate a hung backend.
type countingStore struct {
	*memory.MemoryStore
	attempts  atomic.Int64
	completed atomic.Int64
	blocked   atomic.Bool
	release   chan struct{}
}

func newCountingStore() *countingStore {
	return &countingStore{
		MemoryStore: memory.NewMemoryStore(),
		release:     make(chan struct{}),
	}
}

func (s *countingStore) WriteAtomic(ctx context.Context, writes map[string]any) error {
	s.attempts.Add(1)
	if s.blocked.Load() {
		<-s.release
	}
	err := s.MemoryStore.WriteAtomic(ctx, writes)
	if err == nil {
		s.completed.Add(1)
	}
	return err
}

func (s *countingStore) unblock() {
	s.blocked.Store(false)
	close(s.release)
}

type fakeAdmin struct{ admin atomic.Bool }

func (f *fakeAdmin) IsAdmin() bool { return f.admin.Load() }

type coreHarness struct {
	core   *Core
	scn    *fakeScene
	store  *countingStore
	ids    *identity.Provider
	admin  *fakeAdmin
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *coreHarness) deviceId() string { return h.ids.Current().DeviceId }

// newHarness seeds the store, starts the core and waits for hydration.
func newHarness(t *testing.T, cfg Config, seed map[string]any) *coreHarness {
	t.Helper()

	ids, err := identity.Load(t.TempDir())
	require.NoError(t, err)

	docStore := newCountingStore()
	if len(seed) > 0 {
		require.NoError(t, docStore.MemoryStore.WriteAtomic(context.Background(), seed))
	}

	scn := newFakeScene()
	admin := &fakeAdmin{}

	if cfg.BoardId == "" {
		cfg.BoardId = "b1"
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = 25 * time.Millisecond
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Second
	}

	core := NewCore(cfg, docStore, scn, ids, admin)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		core.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		docStore.Close()
	})

	h := &coreHarness{core: core, scn: scn, store: docStore, ids: ids, admin: admin, cancel: cancel, done: done}
	waitFor(t, core.InitialLoadComplete, "initial load")
	return h
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Fail(t, "timed out waiting for "+msg)
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

// readElement fetches and parses one element record straight from the store.
func (h *coreHarness) readElement(t *testing.T, boardId, id string) (models.Element, bool) {
	t.Helper()
	raw, err := h.store.Read(context.Background(), elementPath(boardId, id))
	if errors.Is(err, store.ErrPathNotFound) {
		return models.Element{}, false
	}
	require.NoError(t, err)
	var el models.Element
	require.NoError(t, json.Unmarshal(raw, &el))
	return el, true
}

func TestCore_HydratesEmptyDocument(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	assert.True(t, h.core.InitialLoadComplete())
	assert.False(t, h.core.SavePending())
	assert.Equal(t, int64(0), h.store.attempts.Load())
	// Hydration rendered the (empty) document.
	assert.NotNil(t, h.scn.lastAppliedIds())
}

func TestCore_SavesLocalChangeWithOwnerStamp(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	h.scn.emitUser([]models.Element{
		{Id: "el1", Type: "rectangle", X: 10, Version: 1},
	}, models.ViewState{})

	waitFor(t, func() bool {
		el, ok := h.readElement(t, "b1", "el1")
		return ok && el.Owner == h.deviceId()
	}, "element saved with owner stamp")

	el, _ := h.readElement(t, "b1", "el1")
	assert.Equal(t, 10.0, el.X)
	assert.Equal(t, h.ids.Current().Name, el.OwnerName)
	assert.False(t, h.core.SavePending())
	assert.False(t, h.core.LastSavedAt().IsZero())

	// The save stamped the document meta with this device.
	raw, err := h.store.Read(context.Background(), metaPath("b1"))
	require.NoError(t, err)
	var meta models.DocumentMeta
	require.NoError(t, json.Unmarshal(raw, &meta))
	assert.Equal(t, h.deviceId(), meta.UpdatedBy)
	assert.NotZero(t, meta.UpdatedAt)
}

func TestCore_CoalescesRapidChangesIntoOneWrite(t *testing.T) {
	h := newHarness(t, Config{Debounce: 50 * time.Millisecond}, nil)

	// A drag interaction: 50 updates in quick succession.
	batch := []models.Element{}
	for i := 0; i < 50; i++ {
		batch = append(batch, models.Element{Id: elemId(i), Type: "rectangle", Version: 1})
		h.scn.emitUser(append([]models.Element{}, batch...), models.ViewState{})
	}

	waitFor(t, func() bool {
		return !h.core.SavePending() && !h.core.SaveInFlight() && h.store.completed.Load() > 0
	}, "debounced save")

	assert.Equal(t, int64(1), h.store.attempts.Load())
	for i := 0; i < 50; i++ {
		_, ok := h.readElement(t, "b1", elemId(i))
		assert.True(t, ok, "element %d missing", i)
	}
}

func elemId(i int) string {
	return "el" + string(rune('a'+i/10)) + string(rune('0'+i%10))
}

func TestCore_ForeignEditBlockedAndNotPersisted(t *testing.T) {
	theirs := models.Element{Id: "el1", Type: "rectangle", X: 1, Version: 1, Owner: "dev-b", OwnerName: "bob"}
	h := newHarness(t, Config{}, map[string]any{
		elementPath("b1", "el1"): theirs,
	})

	moved := theirs
	moved.X = 99
	moved.Version = 2
	h.scn.emitUser([]models.Element{moved}, models.ViewState{})

	waitFor(t, h.core.SavePending, "change ingested")
	h.core.ManualSave()

	// The stored element is untouched and no write ever went out.
	el, ok := h.readElement(t, "b1", "el1")
	require.True(t, ok)
	assert.Equal(t, 1.0, el.X)
	assert.Equal(t, "dev-b", el.Owner)
	assert.Equal(t, int64(0), h.store.attempts.Load())
}

func TestCore_ForeignDeletionBlocked(t *testing.T) {
	theirs := models.Element{Id: "el1", Type: "rectangle", Version: 1, Owner: "dev-b"}
	h := newHarness(t, Config{}, map[string]any{
		elementPath("b1", "el1"): theirs,
	})

	// The local user deletes everything; the foreign element must survive.
	h.scn.emitUser([]models.Element{}, models.ViewState{})

	waitFor(t, h.core.SavePending, "change ingested")
	h.core.ManualSave()

	_, ok := h.readElement(t, "b1", "el1")
	assert.True(t, ok)
}

func TestCore_AdminEditAcceptedKeepsOwner(t *testing.T) {
	theirs := models.Element{Id: "el1", Type: "rectangle", X: 1, Version: 1, Owner: "dev-b", OwnerName: "bob", OwnerColor: "#228be6"}
	h := newHarness(t, Config{}, map[string]any{
		elementPath("b1", "el1"): theirs,
	})
	h.admin.admin.Store(true)

	moved := theirs
	moved.X = 50
	moved.Version = 2
	h.scn.emitUser([]models.Element{moved}, models.ViewState{})

	waitFor(t, func() bool {
		el, ok := h.readElement(t, "b1", "el1")
		return ok && el.X == 50
	}, "admin edit persisted")

	el, _ := h.readElement(t, "b1", "el1")
	assert.Equal(t, "dev-b", el.Owner)
	assert.Equal(t, "bob", el.OwnerName)
}

func TestCore_AdminDeletionAccepted(t *testing.T) {
	theirs := models.Element{Id: "el1", Type: "rectangle", Version: 1, Owner: "dev-b"}
	h := newHarness(t, Config{}, map[string]any{
		elementPath("b1", "el1"): theirs,
	})
	h.admin.admin.Store(true)

	h.scn.emitUser([]models.Element{}, models.ViewState{})

	waitFor(t, func() bool {
		_, ok := h.readElement(t, "b1", "el1")
		return !ok
	}, "admin deletion persisted")
}

func TestCore_RemoteChangeRenderedIntoScene(t *testing.T) {
	h := newHarness(t, Config{Mode: ModeEvents}, nil)

	remote := models.Element{Id: "el-r", Type: "ellipse", Version: 3, Owner: "dev-b"}
	require.NoError(t, h.store.MemoryStore.WriteAtomic(context.Background(), map[string]any{
		elementPath("b1", "el-r"): remote,
	}))

	waitFor(t, func() bool {
		return h.scn.lastAppliedIds()["el-r"]
	}, "remote element rendered")
}

func TestCore_ConcurrentCreationsBothSurvive(t *testing.T) {
	h := newHarness(t, Config{Mode: ModeEvents}, nil)

	h.scn.emitUser([]models.Element{
		{Id: "el-local", Type: "rectangle", Version: 1},
	}, models.ViewState{})

	waitFor(t, func() bool {
		_, ok := h.readElement(t, "b1", "el-local")
		return ok
	}, "local element saved")

	require.NoError(t, h.store.MemoryStore.WriteAtomic(context.Background(), map[string]any{
		elementPath("b1", "el-remote"): models.Element{Id: "el-remote", Type: "ellipse", Version: 1, Owner: "dev-b"},
	}))

	waitFor(t, func() bool {
		ids := h.scn.lastAppliedIds()
		return ids["el-local"] && ids["el-remote"]
	}, "both elements rendered")

	_, ok := h.readElement(t, "b1", "el-local")
	assert.True(t, ok)
	_, ok = h.readElement(t, "b1", "el-remote")
	assert.True(t, ok)
}

func TestCore_LegacyDocumentMigratedOnFirstLoad(t *testing.T) {
	legacy := map[string]any{
		"elements": []any{
			map[string]any{"id": "el1", "type": "rectangle", "x": 5.0, "version": 2.0},
			map[string]any{"type": "rectangle"}, // malformed, dropped
		},
		"viewState": map[string]any{"backgroundColor": "#ffffff", "gridSize": 20.0},
	}
	h := newHarness(t, Config{}, map[string]any{
		legacyPath("b1"): legacy,
	})

	// The legacy blob hydrated the scene.
	assert.True(t, h.scn.lastAppliedIds()["el1"])

	// And was rewritten into the normalized keyspace.
	el, ok := h.readElement(t, "b1", "el1")
	require.True(t, ok)
	assert.Equal(t, 5.0, el.X)
	assert.Equal(t, 0, el.Order)

	waitFor(t, func() bool {
		_, err := h.store.Read(context.Background(), legacyPath("b1"))
		return errors.Is(err, store.ErrPathNotFound)
	}, "legacy blob removed")
}

func TestCore_WatchdogRecoversHungSave(t *testing.T) {
	h := newHarness(t, Config{
		Debounce:        15 * time.Millisecond,
		StuckThreshold:  50 * time.Millisecond,
		WatchdogTimeout: 80 * time.Millisecond,
	}, nil)

	h.store.blocked.Store(true)
	h.scn.emitUser([]models.Element{
		{Id: "el1", Type: "rectangle", Version: 1},
	}, models.ViewState{})

	// The watchdog abandons the hung write and retries.
	waitFor(t, func() bool { return h.store.attempts.Load() >= 2 }, "watchdog retry")

	h.store.unblock()

	waitFor(t, func() bool {
		_, ok := h.readElement(t, "b1", "el1")
		return ok && !h.core.SaveInFlight() && !h.core.SavePending()
	}, "save recovered")
	assert.False(t, h.core.LastSavedAt().IsZero())
}

func TestCore_ChangeDuringSaveTriggersOneResave(t *testing.T) {
	h := newHarness(t, Config{Debounce: 15 * time.Millisecond}, nil)

	h.store.blocked.Store(true)
	h.scn.emitUser([]models.Element{
		{Id: "el1", Type: "rectangle", X: 1, Version: 1},
	}, models.ViewState{})

	waitFor(t, func() bool { return h.store.attempts.Load() == 1 }, "first save started")

	// A change lands while the first save is still in flight.
	h.scn.emitUser([]models.Element{
		{Id: "el1", Type: "rectangle", X: 2, Version: 2},
	}, models.ViewState{})
	waitFor(t, h.core.SavePending, "second change ingested")

	h.store.unblock()

	// Exactly one follow-up save, carrying the latest state.
	waitFor(t, func() bool {
		el, ok := h.readElement(t, "b1", "el1")
		return ok && el.X == 2 && !h.core.SavePending() && !h.core.SaveInFlight()
	}, "resave with latest state")
	assert.Equal(t, int64(2), h.store.attempts.Load())
}

func TestCore_TeardownFlushesChangesLandedMidSave(t *testing.T) {
	h := newHarness(t, Config{Debounce: 15 * time.Millisecond}, nil)

	h.store.blocked.Store(true)
	h.scn.emitUser([]models.Element{
		{Id: "el1", Type: "rectangle", X: 1, Version: 1},
	}, models.ViewState{})
	waitFor(t, func() bool { return h.store.attempts.Load() == 1 }, "first save started")

	// Edits landing while the save is still hung must survive teardown.
	h.scn.emitUser([]models.Element{
		{Id: "el1", Type: "rectangle", X: 2, Version: 2},
	}, models.ViewState{})
	waitFor(t, h.core.SavePending, "second change ingested")

	h.cancel()
	h.store.unblock()
	<-h.done

	el, ok := h.readElement(t, "b1", "el1")
	require.True(t, ok)
	assert.Equal(t, 2.0, el.X)
}

func TestCore_ManualSaveIsNoopWhenIdle(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	h.core.ManualSave()

	assert.Equal(t, int64(0), h.store.attempts.Load())
	assert.False(t, h.core.SavePending())
}
