// Package presence maintains the ephemeral online record and the durable
// session history for one identity on one board, and mirrors the admin set
// that gates ownership overrides.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/rvalkov/boardsync/identity"
	"github.com/rvalkov/boardsync/models"
	"github.com/rvalkov/boardsync/store"
)

const adminsPath = "config/admins"

func presencePath(boardId, deviceId string) string {
	return "presence/" + boardId + "/" + deviceId
}

func sessionPath(boardId, sessionId string) string {
	return "sessions/" + boardId + "/" + sessionId
}

type Tracker struct {
	store     store.DocumentStore
	boardId   string
	ids       *identity.Provider
	heartbeat time.Duration

	sessionId string
	joinedAt  int64

	isAdmin atomic.Bool

	mu     sync.Mutex
	online map[string]models.Presence
	admins map[string]struct{}
	cursor *models.Cursor

	unsubs []store.Unsubscribe
	stop   chan struct{}
	done   chan struct{}
}

func NewTracker(docStore store.DocumentStore, boardId string, ids *identity.Provider, heartbeat time.Duration) *Tracker {
	if heartbeat <= 0 {
		heartbeat = 20 * time.Second
	}
	return &Tracker{
		store:     docStore,
		boardId:   boardId,
		ids:       ids,
		heartbeat: heartbeat,
		online:    make(map[string]models.Presence),
		admins:    make(map[string]struct{}),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start writes the presence record, opens a new session, registers the
// disconnect triggers so both self-heal on abrupt termination, and begins
// the heartbeat.
func (t *Tracker) Start(ctx context.Context) error {
	id := t.ids.Current()
	now := time.Now().UnixMilli()
	t.joinedAt = now

	sessionId, err := uuid.NewV7()
	if err != nil {
		return err
	}
	t.sessionId = sessionId.String()

	presPath := presencePath(t.boardId, id.DeviceId)
	sessPath := sessionPath(t.boardId, t.sessionId)

	// Subscriptions open before the first write so our own record shows up
	// in the online set too.
	unsub, err := t.store.SubscribeValue(ctx, adminsPath, t.onAdminSet)
	if err != nil {
		log.Printf("Admin subscription failed on board %s: %v", t.boardId, err)
	} else {
		t.unsubs = append(t.unsubs, unsub)
	}

	unsub, err = t.store.SubscribeChildren(ctx, "presence/"+t.boardId, t.onPresenceEvent)
	if err != nil {
		log.Printf("Presence subscription failed on board %s: %v", t.boardId, err)
	} else {
		t.unsubs = append(t.unsubs, unsub)
	}

	err = t.store.WriteAtomic(ctx, map[string]any{
		presPath: t.presenceRecord(id, now),
		sessPath: models.Session{
			Id:           t.sessionId,
			DeviceId:     id.DeviceId,
			Name:         id.Name,
			StartedAt:    now,
			LastActiveAt: now,
		},
	})
	if err != nil {
		return fmt.Errorf("write presence: %w", err)
	}

	// Presence disappears on disconnect; the session instead gets its end
	// stamped, so "session ended" survives as durable history.
	if err := t.store.RegisterRemoveOnDisconnect(ctx, presPath); err != nil {
		return err
	}
	err = t.store.RegisterUpdateOnDisconnect(ctx, sessPath, map[string]any{
		"endedAt": t.store.ServerTimestamp(),
	})
	if err != nil {
		return err
	}

	go t.heartbeatLoop()
	return nil
}

func (t *Tracker) presenceRecord(id models.Identity, now int64) models.Presence {
	t.mu.Lock()
	cursor := t.cursor
	t.mu.Unlock()
	return models.Presence{
		DeviceId:     id.DeviceId,
		Name:         id.Name,
		Color:        id.Color,
		AvatarURL:    id.AvatarURL,
		JoinedAt:     t.joinedAt,
		LastActiveAt: now,
		Cursor:       cursor,
	}
}

func (t *Tracker) heartbeatLoop() {
	defer close(t.done)
	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.beat()
		case <-t.stop:
			return
		}
	}
}

// beat refreshes lastActiveAt on the presence and session records. Best
// effort: failures are logged and the next tick retries.
func (t *Tracker) beat() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id := t.ids.Current()
	now := time.Now().UnixMilli()

	err := t.store.WriteAtomic(ctx, map[string]any{
		presencePath(t.boardId, id.DeviceId): t.presenceRecord(id, now),
		sessionPath(t.boardId, t.sessionId): models.Session{
			Id:           t.sessionId,
			DeviceId:     id.DeviceId,
			Name:         id.Name,
			StartedAt:    t.joinedAt,
			LastActiveAt: now,
		},
	})
	if err != nil {
		log.Printf("Heartbeat failed on board %s: %v", t.boardId, err)
	}
}

func (t *Tracker) onAdminSet(value []byte) {
	admins := make(map[string]struct{})
	if value != nil {
		var ids []string
		if err := json.Unmarshal(value, &ids); err != nil {
			log.Printf("Malformed admin set: %v", err)
			return
		}
		for _, id := range ids {
			admins[id] = struct{}{}
		}
	}

	t.mu.Lock()
	t.admins = admins
	t.mu.Unlock()
	t.recomputeAdmin()
}

func (t *Tracker) recomputeAdmin() {
	deviceId := t.ids.Current().DeviceId
	t.mu.Lock()
	_, ok := t.admins[deviceId]
	t.mu.Unlock()
	t.isAdmin.Store(ok)
}

func (t *Tracker) onPresenceEvent(evt store.ChildEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if evt.Kind == store.ChildRemoved {
		delete(t.online, evt.Key)
		return
	}
	var p models.Presence
	if err := json.Unmarshal(evt.Value, &p); err != nil {
		log.Printf("Malformed presence record %s: %v", evt.Key, err)
		return
	}
	t.online[evt.Key] = p
}

// IsAdmin feeds the ownership enforcer's override check.
func (t *Tracker) IsAdmin() bool { return t.isAdmin.Load() }

// OnlineUsers lists currently present identities, earliest joiner first.
func (t *Tracker) OnlineUsers() []models.Presence {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]models.Presence, 0, len(t.online))
	for _, p := range t.online {
		out = append(out, p)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].JoinedAt < out[j-1].JoinedAt; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// UpdateCursor publishes the local cursor position; nil clears it.
func (t *Tracker) UpdateCursor(cursor *models.Cursor) {
	t.mu.Lock()
	t.cursor = cursor
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id := t.ids.Current()
	err := t.store.WriteAtomic(ctx, map[string]any{
		presencePath(t.boardId, id.DeviceId): t.presenceRecord(id, time.Now().UnixMilli()),
	})
	if err != nil {
		log.Printf("Cursor update failed on board %s: %v", t.boardId, err)
	}
}

// UpdateProfile rewrites the presence record after an identity change and
// recomputes admin rights for the (possibly changed) identity.
func (t *Tracker) UpdateProfile(ctx context.Context, id models.Identity) error {
	t.recomputeAdmin()
	return t.store.WriteAtomic(ctx, map[string]any{
		presencePath(t.boardId, id.DeviceId): t.presenceRecord(id, time.Now().UnixMilli()),
	})
}

// Stop tears presence down synchronously: stamps the session end, removes
// the presence record, and halts the heartbeat. The disconnect triggers
// remain the safety net for ungraceful termination.
func (t *Tracker) Stop(ctx context.Context) {
	close(t.stop)
	<-t.done

	for _, unsub := range t.unsubs {
		unsub()
	}

	id := t.ids.Current()
	now := time.Now().UnixMilli()
	err := t.store.WriteAtomic(ctx, map[string]any{
		presencePath(t.boardId, id.DeviceId): nil,
		sessionPath(t.boardId, t.sessionId): models.Session{
			Id:           t.sessionId,
			DeviceId:     id.DeviceId,
			Name:         id.Name,
			StartedAt:    t.joinedAt,
			LastActiveAt: now,
			EndedAt:      now,
		},
	})
	if err != nil {
		log.Printf("Presence teardown failed on board %s: %v", t.boardId, err)
	}
}
