package mocks

import (
	"context"

	"github.com/rvalkov/boardsync/store"
	"github.com/stretchr/testify/mock"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) Read(ctx context.Context, path string) ([]byte, error) {
	args := m.Called(ctx, path)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockStore) WriteAtomic(ctx context.Context, writes map[string]any) error {
	args := m.Called(ctx, writes)
	return args.Error(0)
}

func (m *MockStore) SubscribeChildren(ctx context.Context, path string, fn func(store.ChildEvent)) (store.Unsubscribe, error) {
	args := m.Called(ctx, path, fn)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(store.Unsubscribe), args.Error(1)
}

func (m *MockStore) SubscribeValue(ctx context.Context, path string, fn func([]byte)) (store.Unsubscribe, error) {
	args := m.Called(ctx, path, fn)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(store.Unsubscribe), args.Error(1)
}

func (m *MockStore) RegisterRemoveOnDisconnect(ctx context.Context, path string) error {
	args := m.Called(ctx, path)
	return args.Error(0)
}

func (m *MockStore) RegisterUpdateOnDisconnect(ctx context.Context, path string, fields map[string]any) error {
	args := m.Called(ctx, path, fields)
	return args.Error(0)
}

func (m *MockStore) ServerTimestamp() any {
	args := m.Called()
	return args.Get(0)
}
