// Package memory is an in-process DocumentStore used in dev mode and in
// tests. It keeps precise child-event semantics and models the disconnect
// triggers directly, so presence self-heal is testable without a real
// backend.
package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rvalkov/boardsync/store"
)

type MemoryStore struct {
	mu   sync.Mutex
	data map[string]map[string][]byte // collection -> key -> value

	childSubs map[string]map[int]func(store.ChildEvent)
	valueSubs map[string]map[int]func([]byte)
	nextSubId int

	disconnectOps []disconnectOp

	events chan dispatch
	quit   chan struct{}
	done   chan struct{}

	// NowFn supplies the store-side clock. Tests override it.
	NowFn func() int64
}

type disconnectOp struct {
	path   string
	fields map[string]any // nil means remove
}

type dispatch struct {
	child     []func(store.ChildEvent)
	childEvt  store.ChildEvent
	value     []func([]byte)
	valueData []byte
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		data:      make(map[string]map[string][]byte),
		childSubs: make(map[string]map[int]func(store.ChildEvent)),
		valueSubs: make(map[string]map[int]func([]byte)),
		events:    make(chan dispatch, 1024),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		NowFn:     func() int64 { return time.Now().UnixMilli() },
	}
	go s.dispatchLoop()
	return s
}

// dispatchLoop delivers events off the write path, in write order.
func (s *MemoryStore) dispatchLoop() {
	defer close(s.done)
	for {
		select {
		case d := <-s.events:
			for _, fn := range d.child {
				fn(d.childEvt)
			}
			for _, fn := range d.value {
				fn(d.valueData)
			}
		case <-s.quit:
			// Drain what was queued before shutdown
			for {
				select {
				case d := <-s.events:
					for _, fn := range d.child {
						fn(d.childEvt)
					}
					for _, fn := range d.value {
						fn(d.valueData)
					}
				default:
					return
				}
			}
		}
	}
}

func (s *MemoryStore) Close() {
	close(s.quit)
	<-s.done
}

func (s *MemoryStore) Read(ctx context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if parent, key, err := store.SplitPath(path); err == nil {
		if v, ok := s.data[parent][key]; ok {
			out := make([]byte, len(v))
			copy(out, v)
			return out, nil
		}
	}

	// Collection read: assemble children into one object
	if children, ok := s.data[path]; ok && len(children) > 0 {
		obj := make(map[string]json.RawMessage, len(children))
		for k, v := range children {
			obj[k] = json.RawMessage(v)
		}
		return json.Marshal(obj)
	}

	return nil, store.ErrPathNotFound
}

func (s *MemoryStore) WriteAtomic(ctx context.Context, writes map[string]any) error {
	now := s.NowFn()

	type op struct {
		parent, key string
		value       []byte // nil deletes
	}
	ops := make([]op, 0, len(writes))
	for path, v := range writes {
		parent, key, err := store.SplitPath(path)
		if err != nil {
			return err
		}
		if v == nil {
			ops = append(ops, op{parent, key, nil})
			continue
		}
		b, err := store.MarshalValue(v, now)
		if err != nil {
			return err
		}
		ops = append(ops, op{parent, key, b})
	}

	s.mu.Lock()
	for _, o := range ops {
		if o.value == nil {
			if _, existed := s.data[o.parent][o.key]; existed {
				delete(s.data[o.parent], o.key)
				s.queueChildLocked(o.parent, store.ChildEvent{Kind: store.ChildRemoved, Key: o.key})
				s.queueValueLocked(o.parent+"/"+o.key, nil)
			}
			continue
		}
		kind := store.ChildChanged
		if _, existed := s.data[o.parent][o.key]; !existed {
			kind = store.ChildAdded
		}
		if s.data[o.parent] == nil {
			s.data[o.parent] = make(map[string][]byte)
		}
		s.data[o.parent][o.key] = o.value
		s.queueChildLocked(o.parent, store.ChildEvent{Kind: kind, Key: o.key, Value: o.value})
		s.queueValueLocked(o.parent+"/"+o.key, o.value)
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) queueChildLocked(parent string, evt store.ChildEvent) {
	subs := s.childSubs[parent]
	if len(subs) == 0 {
		return
	}
	fns := make([]func(store.ChildEvent), 0, len(subs))
	for _, fn := range subs {
		fns = append(fns, fn)
	}
	s.events <- dispatch{child: fns, childEvt: evt}
}

func (s *MemoryStore) queueValueLocked(path string, value []byte) {
	subs := s.valueSubs[path]
	if len(subs) == 0 {
		return
	}
	fns := make([]func([]byte), 0, len(subs))
	for _, fn := range subs {
		fns = append(fns, fn)
	}
	s.events <- dispatch{value: fns, valueData: value}
}

func (s *MemoryStore) SubscribeChildren(ctx context.Context, path string, fn func(store.ChildEvent)) (store.Unsubscribe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSubId
	s.nextSubId++
	if s.childSubs[path] == nil {
		s.childSubs[path] = make(map[int]func(store.ChildEvent))
	}
	s.childSubs[path][id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.childSubs[path], id)
	}, nil
}

func (s *MemoryStore) SubscribeValue(ctx context.Context, path string, fn func([]byte)) (store.Unsubscribe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSubId
	s.nextSubId++
	if s.valueSubs[path] == nil {
		s.valueSubs[path] = make(map[int]func([]byte))
	}
	s.valueSubs[path][id] = fn

	// Initial delivery of the current value, through the dispatcher so it
	// cannot outrun a write already queued.
	var current []byte
	if parent, key, err := store.SplitPath(path); err == nil {
		current = s.data[parent][key]
	}
	s.events <- dispatch{value: []func([]byte){fn}, valueData: current}

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.valueSubs[path], id)
	}, nil
}

func (s *MemoryStore) RegisterRemoveOnDisconnect(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnectOps = append(s.disconnectOps, disconnectOp{path: path})
	return nil
}

func (s *MemoryStore) RegisterUpdateOnDisconnect(ctx context.Context, path string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnectOps = append(s.disconnectOps, disconnectOp{path: path, fields: fields})
	return nil
}

func (s *MemoryStore) ServerTimestamp() any {
	return store.TimestampSentinel{}
}

// SimulateDisconnect fires every registered disconnect trigger, as the real
// backend would on an abrupt connection loss, then clears the registry.
func (s *MemoryStore) SimulateDisconnect() {
	s.mu.Lock()
	ops := s.disconnectOps
	s.disconnectOps = nil
	s.mu.Unlock()

	now := s.NowFn()
	for _, op := range ops {
		if op.fields == nil {
			_ = s.WriteAtomic(context.Background(), map[string]any{op.path: nil})
			continue
		}
		s.applyFieldUpdate(op.path, op.fields, now)
	}
}

// applyFieldUpdate merges fields into the object at path, creating it if
// absent.
func (s *MemoryStore) applyFieldUpdate(path string, fields map[string]any, now int64) {
	s.mu.Lock()
	parent, key, err := store.SplitPath(path)
	if err != nil {
		s.mu.Unlock()
		return
	}
	obj := make(map[string]any)
	if existing, ok := s.data[parent][key]; ok {
		_ = json.Unmarshal(existing, &obj)
	}
	for k, v := range fields {
		if _, isTS := v.(store.TimestampSentinel); isTS {
			obj[k] = now
		} else {
			obj[k] = v
		}
	}
	b, err := json.Marshal(obj)
	if err != nil {
		s.mu.Unlock()
		return
	}
	kind := store.ChildChanged
	if _, existed := s.data[parent][key]; !existed {
		kind = store.ChildAdded
	}
	if s.data[parent] == nil {
		s.data[parent] = make(map[string][]byte)
	}
	s.data[parent][key] = b
	s.queueChildLocked(parent, store.ChildEvent{Kind: kind, Key: key, Value: b})
	s.queueValueLocked(path, b)
	s.mu.Unlock()
}
