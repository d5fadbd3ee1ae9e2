package ws

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/rvalkov/boardsync/models"
	"github.com/rvalkov/boardsync/scene"
)

// BoardScene is the production scene.Scene: a mirror of the canvas client
// connected over websocket. Client frames mutate it and fire user-sourced
// change notifications; the core's ApplyUpdate pushes frames back out.
type BoardScene struct {
	mu       sync.Mutex
	elements []models.Element
	view     models.ViewState
	assets   map[string]models.Asset

	handlers  map[int]scene.ChangeHandler
	nextId    int
	client    *Client
	sanitizer func(map[string]any) (models.Element, bool)
}

// NewBoardScene builds a scene mirror. sanitizer normalizes raw element
// records off the wire before anything trusts them.
func NewBoardScene(sanitizer func(map[string]any) (models.Element, bool)) *BoardScene {
	return &BoardScene{
		assets:    make(map[string]models.Asset),
		handlers:  make(map[int]scene.ChangeHandler),
		sanitizer: sanitizer,
	}
}

func (s *BoardScene) CurrentElements() []models.Element {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Element, len(s.elements))
	copy(out, s.elements)
	return out
}

func (s *BoardScene) ViewState() models.ViewState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

func (s *BoardScene) Assets() map[string]models.Asset {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]models.Asset, len(s.assets))
	for id, a := range s.assets {
		out[id] = a
	}
	return out
}

func (s *BoardScene) OnChange(h scene.ChangeHandler) (remove func()) {
	s.mu.Lock()
	id := s.nextId
	s.nextId++
	s.handlers[id] = h
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.handlers, id)
		s.mu.Unlock()
	}
}

// ApplyUpdate overwrites the mirror and forwards the merged state to the
// connected canvas. The resulting notification is programmatic; the core
// ignores its own echo.
func (s *BoardScene) ApplyUpdate(update scene.Update) {
	s.mu.Lock()
	if update.Elements != nil {
		s.elements = update.Elements
	}
	if update.ViewState != nil {
		s.view = *update.ViewState
	}
	if update.Assets != nil {
		s.assets = update.Assets
	}
	elements := make([]models.Element, len(s.elements))
	copy(elements, s.elements)
	view := s.view
	client := s.client
	s.mu.Unlock()

	if client != nil {
		frame, err := json.Marshal(applyMessage{
			Type: "apply",
			Data: applyData{Elements: elements, ViewState: view, Assets: update.Assets},
		})
		if err == nil {
			client.TrySend(frame)
		}
	}

	s.notify(elements, view, scene.ChangeInfo{Source: scene.SourceProgrammatic})
}

// ingestClientUpdate handles a scene_update frame from the canvas.
func (s *BoardScene) ingestClientUpdate(data sceneUpdateData) {
	elements := make([]models.Element, 0, len(data.Elements))
	for _, raw := range data.Elements {
		el, ok := s.sanitizer(raw)
		if !ok {
			log.Printf("Dropping malformed element from canvas client")
			continue
		}
		elements = append(elements, el)
	}

	s.mu.Lock()
	s.elements = elements
	if data.ViewState != nil {
		s.view = *data.ViewState
	}
	for id, a := range data.Assets {
		s.assets[id] = a
	}
	view := s.view
	s.mu.Unlock()

	s.notify(elements, view, scene.ChangeInfo{Source: scene.SourceUser})
}

func (s *BoardScene) notify(elements []models.Element, view models.ViewState, info scene.ChangeInfo) {
	s.mu.Lock()
	handlers := make([]scene.ChangeHandler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(elements, view, info)
	}
}

// attach makes client the active canvas connection, replacing any previous
// one, and seeds it with the current scene state.
func (s *BoardScene) attach(client *Client) {
	s.mu.Lock()
	previous := s.client
	s.client = client
	elements := make([]models.Element, len(s.elements))
	copy(elements, s.elements)
	view := s.view
	assets := make(map[string]models.Asset, len(s.assets))
	for id, a := range s.assets {
		assets[id] = a
	}
	s.mu.Unlock()

	if previous != nil {
		previous.Close()
	}

	frame, err := json.Marshal(applyMessage{
		Type: "apply",
		Data: applyData{Elements: elements, ViewState: view, Assets: assets},
	})
	if err == nil {
		client.TrySend(frame)
	}
}

func (s *BoardScene) detach(client *Client) {
	s.mu.Lock()
	if s.client == client {
		s.client = nil
	}
	s.mu.Unlock()
}
