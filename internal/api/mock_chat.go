package api

import (
	"context"
	"time"

	"github.com/npezzotti/go-chatfanout/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockChatService struct {
	mock.Mock
}

func (m *MockChatService) Between(ctx context.Context, a, b int) (types.Conversation, error) {
	args := m.Called(ctx, a, b)
	return args.Get(0).(types.Conversation), args.Error(1)
}

func (m *MockChatService) CreateRoom(ctx context.Context, creatorId int, name, description string) (types.Room, error) {
	args := m.Called(ctx, creatorId, name, description)
	return args.Get(0).(types.Room), args.Error(1)
}

func (m *MockChatService) Room(ctx context.Context, userId int, externalId string) (types.Room, error) {
	args := m.Called(ctx, userId, externalId)
	return args.Get(0).(types.Room), args.Error(1)
}

func (m *MockChatService) AddMember(ctx context.Context, actorId, roomId, userId int, role types.Role) (types.Member, error) {
	args := m.Called(ctx, actorId, roomId, userId, role)
	return args.Get(0).(types.Member), args.Error(1)
}

func (m *MockChatService) RemoveMember(ctx context.Context, actorId, roomId, userId int) error {
	args := m.Called(ctx, actorId, roomId, userId)
	return args.Error(0)
}

func (m *MockChatService) SetRole(ctx context.Context, actorId, roomId, userId int, role types.Role) error {
	args := m.Called(ctx, actorId, roomId, userId, role)
	return args.Error(0)
}

func (m *MockChatService) Members(ctx context.Context, userId int, container types.ContainerRef) ([]int, error) {
	args := m.Called(ctx, userId, container)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]int), args.Error(1)
}

func (m *MockChatService) CreateMessage(ctx context.Context, authorId int, container types.ContainerRef, body string, attachments []types.Attachment) (types.Message, error) {
	args := m.Called(ctx, authorId, container, body, attachments)
	return args.Get(0).(types.Message), args.Error(1)
}

func (m *MockChatService) DeleteMessage(ctx context.Context, userId, messageId int) error {
	args := m.Called(ctx, userId, messageId)
	return args.Error(0)
}

func (m *MockChatService) History(ctx context.Context, userId int, container types.ContainerRef, before, limit int) ([]types.Message, error) {
	args := m.Called(ctx, userId, container, before, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.Message), args.Error(1)
}

func (m *MockChatService) MarkRead(ctx context.Context, userId int, container types.ContainerRef, upTo time.Time) (int, error) {
	args := m.Called(ctx, userId, container, upTo)
	return args.Int(0), args.Error(1)
}

func (m *MockChatService) UnreadCount(ctx context.Context, userId int, container *types.ContainerRef) (int, error) {
	args := m.Called(ctx, userId, container)
	return args.Int(0), args.Error(1)
}

func (m *MockChatService) UnreadCounts(ctx context.Context, userId int) (map[types.ContainerRef]int, error) {
	args := m.Called(ctx, userId)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[types.ContainerRef]int), args.Error(1)
}
