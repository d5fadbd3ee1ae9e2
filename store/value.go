package store

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TimestampSentinel is the placeholder returned by ServerTimestamp. Adapters
// substitute their clock for it while marshaling write values.
type TimestampSentinel struct{}

// MarshalValue renders a write value to JSON, resolving timestamp sentinels
// against nowMillis. Map values are walked one level deep: sentinels only
// appear as fields of object writes (the meta stamp, disconnect updates).
func MarshalValue(v any, nowMillis int64) ([]byte, error) {
	if m, ok := v.(map[string]any); ok {
		resolved := make(map[string]any, len(m))
		for k, fv := range m {
			if _, isTS := fv.(TimestampSentinel); isTS {
				resolved[k] = nowMillis
			} else {
				resolved[k] = fv
			}
		}
		v = resolved
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	return b, nil
}

// SplitPath separates a leaf path into its collection and key. Every leaf
// path in the keyspace has at least two segments.
func SplitPath(path string) (parent string, key string, err error) {
	path = strings.Trim(path, "/")
	i := strings.LastIndexByte(path, '/')
	if i <= 0 || i == len(path)-1 {
		return "", "", fmt.Errorf("path %q needs at least two segments", path)
	}
	return path[:i], path[i+1:], nil
}
