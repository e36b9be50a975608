// Package mocks holds testify mocks of the application ports and services
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"mindmap-history/application/services"
	"mindmap-history/domain/history"
)

// MockHistoryWriter mocks the write side of the history service
type MockHistoryWriter struct {
	mock.Mock
}

func (m *MockHistoryWriter) RecordEdit(ctx context.Context, req services.EditRequest) (*services.WriteResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.WriteResult), args.Error(1)
}

func (m *MockHistoryWriter) AppendDelta(ctx context.Context, req services.DeltaRequest) (*services.WriteResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.WriteResult), args.Error(1)
}

func (m *MockHistoryWriter) CreateCheckpoint(ctx context.Context, req services.CheckpointRequest) (*history.SnapshotHeader, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*history.SnapshotHeader), args.Error(1)
}

func (m *MockHistoryWriter) Undo(ctx context.Context, documentID, userID string) (*services.Navigation, error) {
	args := m.Called(ctx, documentID, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.Navigation), args.Error(1)
}

func (m *MockHistoryWriter) Redo(ctx context.Context, documentID, userID string) (*services.Navigation, error) {
	args := m.Called(ctx, documentID, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.Navigation), args.Error(1)
}

// MockHistoryReader mocks the read side of the history service
type MockHistoryReader struct {
	mock.Mock
}

func (m *MockHistoryReader) Timeline(ctx context.Context, documentID string, filter history.TimelineFilter, grouped bool) (*history.TimelinePage, error) {
	args := m.Called(ctx, documentID, filter, grouped)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*history.TimelinePage), args.Error(1)
}

func (m *MockHistoryReader) GetEvent(ctx context.Context, documentID, eventID string) (*history.Event, error) {
	args := m.Called(ctx, documentID, eventID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*history.Event), args.Error(1)
}

func (m *MockHistoryReader) StateAt(ctx context.Context, documentID string, at *history.Cursor) (*services.Resolution, error) {
	args := m.Called(ctx, documentID, at)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.Resolution), args.Error(1)
}

func (m *MockHistoryReader) GetPointer(ctx context.Context, documentID string) (*history.Pointer, error) {
	args := m.Called(ctx, documentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*history.Pointer), args.Error(1)
}

// MockPruner mocks the retention service
type MockPruner struct {
	mock.Mock
}

func (m *MockPruner) Cleanup(ctx context.Context, documentID string) (history.PruneResult, error) {
	args := m.Called(ctx, documentID)
	return args.Get(0).(history.PruneResult), args.Error(1)
}
