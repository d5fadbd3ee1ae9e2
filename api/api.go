package api

import (
	"context"
	"net/http"

	"github.com/rvalkov/boardsync/api/rest"
	"github.com/rvalkov/boardsync/api/ws"
	"github.com/rvalkov/boardsync/identity"
	"github.com/rvalkov/boardsync/presence"
	"github.com/rvalkov/boardsync/sync"
)

// BoardsyncAPI exposes the sync core to the canvas client: a websocket for
// the live scene and a small REST surface for status and profile management.
type BoardsyncAPI struct {
	restHandler *rest.Handler
	wsHandler   *ws.Handler
	shutdownCtx context.Context
}

func NewBoardsyncAPI(
	scn *ws.BoardScene,
	core *sync.Core,
	tracker *presence.Tracker,
	ids *identity.Provider,
	boardId string,
	jwtSecret []byte,
	shutdownCtx context.Context,
) *BoardsyncAPI {
	restHandler := rest.NewHandler(core, tracker, ids, boardId)
	wsHandler := ws.NewHandler(scn, core, tracker, ids, boardId, jwtSecret)

	return &BoardsyncAPI{
		restHandler: restHandler,
		wsHandler:   wsHandler,
		shutdownCtx: shutdownCtx,
	}
}

func (boardsyncAPI *BoardsyncAPI) RegisterRoutes(mux *http.ServeMux, requiredOrigin string) {
	// Health check endpoint (no auth required)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	mux.HandleFunc("/status", boardsyncAPI.restHandler.HandleStatus)
	mux.HandleFunc("/profile", boardsyncAPI.restHandler.HandleProfile)
	mux.HandleFunc("/save", boardsyncAPI.restHandler.HandleSave)
	mux.HandleFunc("/refresh", boardsyncAPI.restHandler.HandleRefresh)

	wsUpgrader := boardsyncAPI.wsHandler.NewWsUpgrader(requiredOrigin)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		boardsyncAPI.wsHandler.ServeWS(wsUpgrader, w, r, boardsyncAPI.shutdownCtx)
	})
}
