package rest

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/rvalkov/boardsync/identity"
	"github.com/rvalkov/boardsync/models"
	"github.com/rvalkov/boardsync/presence"
	"github.com/rvalkov/boardsync/sync"
)

type Handler struct {
	Core    *sync.Core
	Tracker *presence.Tracker
	Ids     *identity.Provider
	BoardId string
}

func NewHandler(core *sync.Core, tracker *presence.Tracker, ids *identity.Provider, boardId string) *Handler {
	return &Handler{
		Core:    core,
		Tracker: tracker,
		Ids:     ids,
		BoardId: boardId,
	}
}

type statusResponse struct {
	BoardId             string            `json:"boardId"`
	Identity            models.Identity   `json:"identity"`
	IsAdmin             bool              `json:"isAdmin"`
	InitialLoadComplete bool              `json:"initialLoadComplete"`
	SavePending         bool              `json:"savePending"`
	SaveInFlight        bool              `json:"saveInFlight"`
	LastSavedAt         int64             `json:"lastSavedAt"`
	SkippedPolls        int64             `json:"skippedPolls"`
	OnlineUsers         []models.Presence `json:"onlineUsers"`
}

func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var lastSavedAt int64
	if t := h.Core.LastSavedAt(); !t.IsZero() {
		lastSavedAt = t.UnixMilli()
	}

	resp := statusResponse{
		BoardId:             h.BoardId,
		Identity:            h.Ids.Current(),
		IsAdmin:             h.Tracker.IsAdmin(),
		InitialLoadComplete: h.Core.InitialLoadComplete(),
		SavePending:         h.Core.SavePending(),
		SaveInFlight:        h.Core.SaveInFlight(),
		LastSavedAt:         lastSavedAt,
		SkippedPolls:        h.Core.SkippedPolls(),
		OnlineUsers:         h.Tracker.OnlineUsers(),
	}
	h.sendResponse(w, resp)
}

type profileRequest struct {
	Name      *string `json:"name"`
	Color     *string `json:"color"`
	AvatarURL *string `json:"avatarUrl"`
}

type profileResponse struct {
	Success  bool            `json:"success"`
	Identity models.Identity `json:"identity"`
}

func (h *Handler) HandleProfile(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.sendResponse(w, profileResponse{Success: true, Identity: h.Ids.Current()})

	case http.MethodPut:
		var req profileRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		id, err := h.Ids.Update(identity.ProfileUpdate{
			Name:      req.Name,
			Color:     req.Color,
			AvatarURL: req.AvatarURL,
		})
		if err != nil {
			log.Printf("Profile update failed: %v", err)
			http.Error(w, "profile update failed", http.StatusInternalServerError)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := h.Tracker.UpdateProfile(ctx, id); err != nil {
			log.Printf("Presence profile refresh failed: %v", err)
		}

		h.sendResponse(w, profileResponse{Success: true, Identity: id})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

type saveResponse struct {
	Success     bool  `json:"success"`
	LastSavedAt int64 `json:"lastSavedAt"`
}

// HandleSave flushes pending changes immediately, skipping the debounce.
func (h *Handler) HandleSave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.Core.ManualSave()

	var lastSavedAt int64
	if t := h.Core.LastSavedAt(); !t.IsZero() {
		lastSavedAt = t.UnixMilli()
	}
	h.sendResponse(w, saveResponse{Success: true, LastSavedAt: lastSavedAt})
}

// HandleRefresh triggers a full re-fetch of the board document.
func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.Core.ManualRefresh()
	h.sendResponse(w, map[string]any{"success": true})
}

func (h *Handler) sendResponse(w http.ResponseWriter, resp any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("Error encoding response JSON: %v", err)
	}
}
