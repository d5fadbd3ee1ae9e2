// Package identity resolves the stable per-device identity used to stamp
// element ownership.
package identity

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/uuid/v5"
	"github.com/rvalkov/boardsync/models"
)

const identityFile = "identity.json"

// Owner colors assigned at identity creation. Same palette order on every
// device so a given id hashes to the same color everywhere.
var palette = []string{
	"#e64980", "#fa5252", "#fd7e14", "#fab005", "#82c91e",
	"#40c057", "#12b886", "#15aabf", "#228be6", "#7950f2",
}

type Provider struct {
	path string

	mu      sync.Mutex
	current models.Identity
}

// Load reads the cached identity under dataDir, creating one on first run.
func Load(dataDir string) (*Provider, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	p := &Provider{path: filepath.Join(dataDir, identityFile)}

	data, err := os.ReadFile(p.path)
	if err == nil {
		var id models.Identity
		if err := json.Unmarshal(data, &id); err == nil && id.DeviceId != "" {
			p.current = id
			return p, nil
		}
		// Corrupt file: regenerate below
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	id, err := newIdentity()
	if err != nil {
		return nil, err
	}
	if err := p.persist(id); err != nil {
		return nil, err
	}
	p.current = id
	return p, nil
}

func newIdentity() (models.Identity, error) {
	deviceId, err := uuid.NewV4()
	if err != nil {
		return models.Identity{}, err
	}

	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "anonymous"
	}

	return models.Identity{
		DeviceId: deviceId.String(),
		Name:     name,
		Color:    ColorFor(deviceId.String()),
	}, nil
}

// ColorFor picks a palette color deterministically from an identity id.
func ColorFor(id string) string {
	h := fnv.New32a()
	h.Write([]byte(id))
	return palette[h.Sum32()%uint32(len(palette))]
}

func (p *Provider) Current() models.Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// ProfileUpdate carries the mutable identity fields. Nil fields are left
// unchanged; DeviceId is never mutable.
type ProfileUpdate struct {
	Name      *string `json:"name,omitempty"`
	Color     *string `json:"color,omitempty"`
	AvatarURL *string `json:"avatarUrl,omitempty"`
}

func (p *Provider) Update(update ProfileUpdate) (models.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.current
	if update.Name != nil && *update.Name != "" {
		next.Name = *update.Name
	}
	if update.Color != nil && *update.Color != "" {
		next.Color = *update.Color
	}
	if update.AvatarURL != nil {
		next.AvatarURL = *update.AvatarURL
	}

	if err := p.persist(next); err != nil {
		return p.current, err
	}
	p.current = next
	return next, nil
}

func (p *Provider) persist(id models.Identity) error {
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p.path, data, 0o600)
}
