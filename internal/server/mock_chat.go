package server

import (
	"context"
	"time"

	"github.com/npezzotti/go-chatfanout/internal/chat"
	"github.com/npezzotti/go-chatfanout/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockChat struct {
	mock.Mock
}

func (m *MockChat) Open(ctx context.Context, userId int, container types.ContainerRef, sink chat.Sink) (int, error) {
	args := m.Called(ctx, userId, container, sink)
	return args.Int(0), args.Error(1)
}
func (m *MockChat) Close(userId int, container types.ContainerRef, sink chat.Sink) {
	m.Called(userId, container, sink)
}
func (m *MockChat) Disconnect(sink chat.Sink) {
	m.Called(sink)
}
func (m *MockChat) CreateMessage(ctx context.Context, authorId int, container types.ContainerRef, body string, attachments []types.Attachment) (types.Message, error) {
	args := m.Called(ctx, authorId, container, body, attachments)
	return args.Get(0).(types.Message), args.Error(1)
}
func (m *MockChat) MarkRead(ctx context.Context, userId int, container types.ContainerRef, upTo time.Time) (int, error) {
	args := m.Called(ctx, userId, container, upTo)
	return args.Int(0), args.Error(1)
}
