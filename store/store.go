package store

import (
	"context"
	"errors"
)

// DocumentStore abstracts the remote document service as a tree of
// slash-separated paths. A leaf path holds one JSON value; reading a
// collection path returns a JSON object keyed by child name. The store is
// partially trusted and eventually consistent: it performs no validation,
// and change events may arrive in any order relative to local writes.
type DocumentStore interface {
	// Read returns the value at path, or the assembled object of children
	// when path is a collection. Returns ErrPathNotFound when nothing exists
	// at path.
	Read(ctx context.Context, path string) ([]byte, error)

	// WriteAtomic applies every entry all-or-nothing. A nil value deletes
	// the path. Values are marshaled by the adapter; ServerTimestamp
	// sentinels inside map values resolve to the store-side clock.
	WriteAtomic(ctx context.Context, writes map[string]any) error

	// SubscribeChildren delivers add/change/remove events for direct
	// children of path until the returned func is called.
	SubscribeChildren(ctx context.Context, path string, fn func(ChildEvent)) (Unsubscribe, error)

	// SubscribeValue delivers the value at path on every change. The current
	// value (or nil if absent) is delivered once on subscribe.
	SubscribeValue(ctx context.Context, path string, fn func(value []byte)) (Unsubscribe, error)

	// RegisterRemoveOnDisconnect arranges for path to be deleted store-side
	// when this client's connection drops, graceful or not.
	RegisterRemoveOnDisconnect(ctx context.Context, path string) error

	// RegisterUpdateOnDisconnect arranges for the given fields to be merged
	// into the object at path when this client's connection drops.
	RegisterUpdateOnDisconnect(ctx context.Context, path string, fields map[string]any) error

	// ServerTimestamp returns a placeholder resolved to the store's clock at
	// write time. Valid only as a field value inside a map written through
	// WriteAtomic.
	ServerTimestamp() any
}

// Unsubscribe detaches a subscription. Safe to call more than once.
type Unsubscribe func()

type ChildEventKind int

const (
	ChildAdded ChildEventKind = iota
	ChildChanged
	ChildRemoved
)

// ChildEvent is one notification on a collection path. Value is nil for
// ChildRemoved.
type ChildEvent struct {
	Kind  ChildEventKind
	Key   string
	Value []byte
}

var (
	ErrPathNotFound = errors.New("path does not exist")
	ErrTxAborted    = errors.New("atomic write aborted")
)
