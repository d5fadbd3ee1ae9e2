package presence_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rvalkov/boardsync/identity"
	"github.com/rvalkov/boardsync/models"
	"github.com/rvalkov/boardsync/presence"
	"github.com/rvalkov/boardsync/store"
	"github.com/rvalkov/boardsync/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTracker(t *testing.T) (*presence.Tracker, *memory.MemoryStore, *identity.Provider) {
	t.Helper()
	ids, err := identity.Load(t.TempDir())
	require.NoError(t, err)

	docStore := memory.NewMemoryStore()
	t.Cleanup(docStore.Close)

	tracker := presence.NewTracker(docStore, "b1", ids, time.Hour)
	return tracker, docStore, ids
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

func TestTracker_StartPublishesPresenceAndSession(t *testing.T) {
	tracker, docStore, ids := setupTracker(t)
	require.NoError(t, tracker.Start(context.Background()))
	defer tracker.Stop(context.Background())

	deviceId := ids.Current().DeviceId
	raw, err := docStore.Read(context.Background(), "presence/b1/"+deviceId)
	require.NoError(t, err)

	var p models.Presence
	require.NoError(t, json.Unmarshal(raw, &p))
	assert.Equal(t, deviceId, p.DeviceId)
	assert.Equal(t, ids.Current().Name, p.Name)
	assert.NotZero(t, p.JoinedAt)

	// One session record exists and is still open.
	raw, err = docStore.Read(context.Background(), "sessions/b1")
	require.NoError(t, err)
	var sessions map[string]models.Session
	require.NoError(t, json.Unmarshal(raw, &sessions))
	require.Len(t, sessions, 1)
	for _, s := range sessions {
		assert.Equal(t, deviceId, s.DeviceId)
		assert.Zero(t, s.EndedAt)
	}

	// The tracker sees itself online via its own subscription.
	waitFor(t, func() bool {
		return len(tracker.OnlineUsers()) == 1
	}, "self presence")
}

func TestTracker_DisconnectSelfHeals(t *testing.T) {
	tracker, docStore, ids := setupTracker(t)
	require.NoError(t, tracker.Start(context.Background()))

	deviceId := ids.Current().DeviceId

	// An abrupt connection loss fires the registered triggers: presence is
	// removed, the session gets its end stamped.
	docStore.SimulateDisconnect()

	_, err := docStore.Read(context.Background(), "presence/b1/"+deviceId)
	assert.True(t, errors.Is(err, store.ErrPathNotFound))

	raw, err := docStore.Read(context.Background(), "sessions/b1")
	require.NoError(t, err)
	var sessions map[string]models.Session
	require.NoError(t, json.Unmarshal(raw, &sessions))
	require.Len(t, sessions, 1)
	for _, s := range sessions {
		assert.NotZero(t, s.EndedAt)
	}
}

func TestTracker_StopStampsSessionEnd(t *testing.T) {
	tracker, docStore, ids := setupTracker(t)
	require.NoError(t, tracker.Start(context.Background()))

	tracker.Stop(context.Background())

	_, err := docStore.Read(context.Background(), "presence/b1/"+ids.Current().DeviceId)
	assert.True(t, errors.Is(err, store.ErrPathNotFound))

	raw, err := docStore.Read(context.Background(), "sessions/b1")
	require.NoError(t, err)
	var sessions map[string]models.Session
	require.NoError(t, json.Unmarshal(raw, &sessions))
	for _, s := range sessions {
		assert.NotZero(t, s.EndedAt)
	}
}

func TestTracker_AdminSetMirrored(t *testing.T) {
	tracker, docStore, ids := setupTracker(t)
	require.NoError(t, tracker.Start(context.Background()))
	defer tracker.Stop(context.Background())

	assert.False(t, tracker.IsAdmin())

	require.NoError(t, docStore.WriteAtomic(context.Background(), map[string]any{
		"config/admins": []string{"someone-else", ids.Current().DeviceId},
	}))

	waitFor(t, tracker.IsAdmin, "admin grant")

	require.NoError(t, docStore.WriteAtomic(context.Background(), map[string]any{
		"config/admins": []string{"someone-else"},
	}))

	waitFor(t, func() bool { return !tracker.IsAdmin() }, "admin revoke")
}

func TestTracker_OnlineUsersSortedByJoin(t *testing.T) {
	tracker, docStore, _ := setupTracker(t)
	require.NoError(t, tracker.Start(context.Background()))
	defer tracker.Stop(context.Background())

	require.NoError(t, docStore.WriteAtomic(context.Background(), map[string]any{
		"presence/b1/dev-early": models.Presence{DeviceId: "dev-early", Name: "early", JoinedAt: 1},
		"presence/b1/dev-late":  models.Presence{DeviceId: "dev-late", Name: "late", JoinedAt: time.Now().UnixMilli() + 1000000},
	}))

	waitFor(t, func() bool {
		return len(tracker.OnlineUsers()) == 3
	}, "all presences mirrored")

	users := tracker.OnlineUsers()
	assert.Equal(t, "dev-early", users[0].DeviceId)
	assert.Equal(t, "dev-late", users[len(users)-1].DeviceId)
}

func TestTracker_UpdateCursorPublished(t *testing.T) {
	tracker, docStore, ids := setupTracker(t)
	require.NoError(t, tracker.Start(context.Background()))
	defer tracker.Stop(context.Background())

	tracker.UpdateCursor(&models.Cursor{X: 12, Y: 34})

	raw, err := docStore.Read(context.Background(), "presence/b1/"+ids.Current().DeviceId)
	require.NoError(t, err)
	var p models.Presence
	require.NoError(t, json.Unmarshal(raw, &p))
	require.NotNil(t, p.Cursor)
	assert.Equal(t, 12.0, p.Cursor.X)
	assert.Equal(t, 34.0, p.Cursor.Y)
}
