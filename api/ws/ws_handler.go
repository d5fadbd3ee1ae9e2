package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rvalkov/boardsync/identity"
	"github.com/rvalkov/boardsync/models"
	"github.com/rvalkov/boardsync/presence"
	"github.com/rvalkov/boardsync/sync"
)

type Handler struct {
	Scene     *BoardScene
	Core      *sync.Core
	Tracker   *presence.Tracker
	Ids       *identity.Provider
	BoardId   string
	JWTSecret []byte
}

func NewHandler(scn *BoardScene, core *sync.Core, tracker *presence.Tracker, ids *identity.Provider, boardId string, jwtSecret []byte) *Handler {
	return &Handler{
		Scene:     scn,
		Core:      core,
		Tracker:   tracker,
		Ids:       ids,
		BoardId:   boardId,
		JWTSecret: jwtSecret,
	}
}

func (h *Handler) NewWsUpgrader(requiredOrigin string) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == requiredOrigin || origin == ""
		},
		Subprotocols: []string{"boardsync-v1"},
	}
}

// ServeWS handles websocket requests from the canvas client. The token rides
// in the second subprotocol slot; an empty JWTSecret disables auth for local
// development.
func (h *Handler) ServeWS(wsUpgrader websocket.Upgrader, w http.ResponseWriter, r *http.Request, shutdownCtx context.Context) {
	var authErr error
	if len(h.JWTSecret) > 0 {
		protocols := r.Header.Get("Sec-WebSocket-Protocol")
		protocolsSplit := strings.Split(protocols, ",")

		if len(protocolsSplit) != 2 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		token := strings.TrimSpace(protocolsSplit[1])
		var boardId string
		boardId, _, authErr = VerifyBoardToken(h.JWTSecret, token)
		if authErr == nil && boardId != h.BoardId {
			authErr = errTokenBoardMismatch
		}
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade ws connection: %v", err)
		return
	}

	// Must upgrade the connection in order to be able to send custom close message
	if authErr != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Unauthenticated"),
		)
		conn.Close()
		return
	}

	deviceId := h.Ids.Current().DeviceId
	client := NewClient(conn, deviceId, h.HandleWsMessage, h.Scene.detach)

	h.Scene.attach(client)

	// Start pumps
	go client.ReadPump()
	go client.WritePump(shutdownCtx)
}

// Websocket message structs
type message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type sceneUpdateData struct {
	Elements  []map[string]any        `json:"elements"`
	ViewState *models.ViewState       `json:"viewState"`
	Assets    map[string]models.Asset `json:"assets"`
}

type cursorData struct {
	Cursor *models.Cursor `json:"cursor"`
}

type profileData struct {
	Name      *string `json:"name"`
	Color     *string `json:"color"`
	AvatarURL *string `json:"avatarUrl"`
}

type applyData struct {
	Elements  []models.Element        `json:"elements"`
	ViewState models.ViewState        `json:"viewState"`
	Assets    map[string]models.Asset `json:"assets,omitempty"`
}

type applyMessage struct {
	Type string    `json:"type"`
	Data applyData `json:"data"`
}

type responseMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func (h *Handler) HandleWsMessage(client *Client, messageType int, messageBytes []byte) {
	var msg message
	if err := json.Unmarshal(messageBytes, &msg); err != nil {
		log.Printf("Invalid JSON: %v", err)
		return
	}

	var resp responseMessage

	switch msg.Type {
	case "scene_update":
		var updateMsg sceneUpdateData
		if err := json.Unmarshal(msg.Data, &updateMsg); err != nil {
			log.Printf("Invalid scene_update data: %v", err)
			return
		}
		h.Scene.ingestClientUpdate(updateMsg)

	case "cursor":
		var cursorMsg cursorData
		if err := json.Unmarshal(msg.Data, &cursorMsg); err != nil {
			log.Printf("Invalid cursor data: %v", err)
			return
		}
		h.Tracker.UpdateCursor(cursorMsg.Cursor)

	case "save":
		h.Core.ManualSave()
		resp = responseMessage{
			Type: "save_response",
			Data: map[string]any{"success": true, "lastSavedAt": h.Core.LastSavedAt().UnixMilli()},
		}

	case "refresh":
		h.Core.ManualRefresh()

	case "profile":
		var profileMsg profileData
		if err := json.Unmarshal(msg.Data, &profileMsg); err != nil {
			log.Printf("Invalid profile data: %v", err)
			return
		}
		resp = h.handleProfile(profileMsg)

	default:
		log.Printf("Unknown message type: %v", msg.Type)
	}

	if resp.Type != "" {
		respBytes, err := json.Marshal(resp)
		if err != nil {
			log.Printf("Error marshaling response JSON: %v", err)
			return
		}
		client.TrySend(respBytes)
	}
}

func (h *Handler) handleProfile(profileMsg profileData) responseMessage {
	resp := responseMessage{
		Type: "profile_response",
	}

	id, err := h.Ids.Update(identity.ProfileUpdate{
		Name:      profileMsg.Name,
		Color:     profileMsg.Color,
		AvatarURL: profileMsg.AvatarURL,
	})
	if err != nil {
		log.Printf("Profile update failed: %v", err)
		resp.Data = map[string]any{"success": false, "error": err.Error()}
		return resp
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Tracker.UpdateProfile(ctx, id); err != nil {
		log.Printf("Presence profile refresh failed: %v", err)
	}

	resp.Data = map[string]any{"success": true, "name": id.Name, "color": id.Color, "avatarUrl": id.AvatarURL}
	return resp
}
