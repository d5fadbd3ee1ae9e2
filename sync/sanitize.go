package sync

import (
	"encoding/json"
	"math"

	"github.com/rvalkov/boardsync/models"
)

// Sanitize validates and normalizes a raw element record into its canonical
// form. It is pure and total: any input yields either a canonical element or
// ok=false, never a panic. Records failing the id/type check are dropped by
// callers; everything else is coerced.
func Sanitize(raw map[string]any) (models.Element, bool) {
	id, idOk := wellFormedString(raw["id"])
	typ, typOk := wellFormedString(raw["type"])
	if !idOk || !typOk {
		return models.Element{}, false
	}

	el := models.Element{
		Id:        id,
		Type:      typ,
		X:         finiteOrZero(raw["x"]),
		Y:         finiteOrZero(raw["y"]),
		Width:     finiteOrZero(raw["width"]),
		Height:    finiteOrZero(raw["height"]),
		Angle:     finiteOrZero(raw["angle"]),
		Version:   int64(finiteOrZero(raw["version"])),
		Order:     int(finiteOrZero(raw["order"])),
		IsDeleted: raw["isDeleted"] == true,
		GroupIds:  stringSlice(raw["groupIds"]),
	}

	if owner, ok := wellFormedString(raw["owner"]); ok {
		el.Owner = owner
	}
	if name, ok := raw["ownerName"].(string); ok {
		el.OwnerName = name
	}
	if color, ok := raw["ownerColor"].(string); ok {
		el.OwnerColor = color
	}

	el.BoundElements = boundElements(el.Type, raw["boundElements"])
	el.Points = sanitizePoints(el, raw["points"])

	return el, true
}

// SanitizeJSON parses and sanitizes a raw store record.
func SanitizeJSON(data []byte) (models.Element, bool) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return models.Element{}, false
	}
	return Sanitize(raw)
}

func wellFormedString(v any) (string, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

func finiteOrZero(v any) float64 {
	f, ok := v.(float64)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func stringSlice(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, entry := range arr {
		if s, ok := entry.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// boundElements filters the bound-relation list to well-formed {id, type}
// pairs. A field that was an array keeps an (possibly empty) list; anything
// else becomes nil, except on binding-carrying types, which always get a
// list.
func boundElements(elementType string, v any) []models.BoundElement {
	arr, ok := v.([]any)
	if !ok {
		if models.BindingType(elementType) {
			return []models.BoundElement{}
		}
		return nil
	}
	out := make([]models.BoundElement, 0, len(arr))
	for _, entry := range arr {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		id, idOk := wellFormedString(m["id"])
		typ, typOk := wellFormedString(m["type"])
		if idOk && typOk {
			out = append(out, models.BoundElement{Id: id, Type: typ})
		}
	}
	return out
}

// sanitizePoints guarantees path-bearing types at least a two-point array,
// degenerating to the bounding-box diagonal when no valid points survive.
// Non-path types keep a filtered list only when the field was present.
func sanitizePoints(el models.Element, v any) []models.Point {
	points := filterPoints(v)

	if models.PathType(el.Type) {
		if len(points) >= 2 {
			return points
		}
		return []models.Point{{0, 0}, {el.Width, el.Height}}
	}

	if len(points) == 0 {
		return nil
	}
	return points
}

func filterPoints(v any) []models.Point {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]models.Point, 0, len(arr))
	for _, entry := range arr {
		pair, ok := entry.([]any)
		if !ok || len(pair) != 2 {
			continue
		}
		x, xOk := pair[0].(float64)
		y, yOk := pair[1].(float64)
		if !xOk || !yOk || math.IsNaN(x) || math.IsInf(x, 0) || math.IsNaN(y) || math.IsInf(y, 0) {
			continue
		}
		out = append(out, models.Point{x, y})
	}
	return out
}
