package models

// Element is a single drawable unit on a board. Elements live in the remote
// store as one record per id; Order preserves paint order across the
// unordered keyspace.
type Element struct {
	Id            string         `json:"id"`
	Type          string         `json:"type"`
	X             float64        `json:"x"`
	Y             float64        `json:"y"`
	Width         float64        `json:"width"`
	Height        float64        `json:"height"`
	Angle         float64        `json:"angle"`
	GroupIds      []string       `json:"groupIds"`
	BoundElements []BoundElement `json:"boundElements"`
	Points        []Point        `json:"points,omitempty"`
	Version       int64          `json:"version"`
	IsDeleted     bool           `json:"isDeleted"`
	Order         int            `json:"order"`

	// Ownership metadata. An element with an empty Owner is a legacy element
	// and is editable by anyone.
	Owner      string `json:"owner,omitempty"`
	OwnerName  string `json:"ownerName,omitempty"`
	OwnerColor string `json:"ownerColor,omitempty"`
}

// Point is an [x, y] pair, stored as a 2-element JSON array.
type Point [2]float64

type BoundElement struct {
	Id   string `json:"id"`
	Type string `json:"type"`
}

// Element type vocabulary. Types outside this list still round-trip through
// the store; the list exists so the sanitizer knows which types carry points.
const (
	TypeRectangle = "rectangle"
	TypeEllipse   = "ellipse"
	TypeDiamond   = "diamond"
	TypeLine      = "line"
	TypeArrow     = "arrow"
	TypeFreedraw  = "freedraw"
	TypeText      = "text"
	TypeImage     = "image"
)

// PathType reports whether elements of the given type carry a point list.
func PathType(elementType string) bool {
	switch elementType {
	case TypeLine, TypeArrow, TypeFreedraw:
		return true
	}
	return false
}

// BindingType reports whether elements of the given type carry bound
// relations to other elements.
func BindingType(elementType string) bool {
	switch elementType {
	case TypeLine, TypeArrow:
		return true
	}
	return false
}

// ViewState is the board-level view configuration that syncs alongside
// elements.
type ViewState struct {
	BackgroundColor string `json:"backgroundColor"`
	GridSize        int    `json:"gridSize"`
}

// Asset is a binary-asset descriptor (image payloads referenced by image
// elements). Inserted locally, held in the pending-file map until the next
// save flushes it.
type Asset struct {
	Id        string `json:"id"`
	DataURL   string `json:"dataURL"`
	MimeType  string `json:"mimeType"`
	CreatedAt int64  `json:"createdAt"`
}

// Identity is the stable per-device identity. Created once, cached on disk,
// mutable only via an explicit profile update.
type Identity struct {
	DeviceId  string `json:"deviceId"`
	Name      string `json:"name"`
	Color     string `json:"color"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// Presence is the ephemeral online record for one identity on one board.
// Removed store-side on disconnect.
type Presence struct {
	DeviceId     string  `json:"deviceId"`
	Name         string  `json:"name"`
	Color        string  `json:"color"`
	AvatarURL    string  `json:"avatarUrl,omitempty"`
	JoinedAt     int64   `json:"joinedAt"`
	LastActiveAt int64   `json:"lastActiveAt"`
	Cursor       *Cursor `json:"cursor,omitempty"`
}

type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Session is durable history: unlike Presence it survives disconnect, the
// store stamps EndedAt via a disconnect trigger instead of deleting it.
type Session struct {
	Id           string `json:"id"`
	DeviceId     string `json:"deviceId"`
	Name         string `json:"name"`
	StartedAt    int64  `json:"startedAt"`
	LastActiveAt int64  `json:"lastActiveAt"`
	EndedAt      int64  `json:"endedAt"`
}

// DocumentMeta is the metadata stamp written with every save.
type DocumentMeta struct {
	UpdatedAt int64  `json:"updatedAt"`
	UpdatedBy string `json:"updatedBy"`
}
