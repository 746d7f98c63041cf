package database

import (
	"context"
	"time"

	"github.com/npezzotti/go-chatfanout/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockChatRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockChatRepository) GetOrCreateConversation(ctx context.Context, userA, userB int) (types.Conversation, error) {
	args := m.Called(ctx, userA, userB)
	return args.Get(0).(types.Conversation), args.Error(1)
}
func (m *MockChatRepository) GetConversation(ctx context.Context, id int) (types.Conversation, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(types.Conversation), args.Error(1)
}
func (m *MockChatRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (types.Room, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(types.Room), args.Error(1)
}
func (m *MockChatRepository) GetRoom(ctx context.Context, id int) (types.Room, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(types.Room), args.Error(1)
}
func (m *MockChatRepository) GetRoomByExternalId(ctx context.Context, externalId string) (types.Room, error) {
	args := m.Called(ctx, externalId)
	return args.Get(0).(types.Room), args.Error(1)
}
func (m *MockChatRepository) AddRoomMember(ctx context.Context, roomId, userId int, role types.Role) (types.Member, error) {
	args := m.Called(ctx, roomId, userId, role)
	return args.Get(0).(types.Member), args.Error(1)
}
func (m *MockChatRepository) RemoveRoomMember(ctx context.Context, roomId, userId int) error {
	args := m.Called(ctx, roomId, userId)
	return args.Error(0)
}
func (m *MockChatRepository) SetRoomMemberRole(ctx context.Context, roomId, userId int, role types.Role) error {
	args := m.Called(ctx, roomId, userId, role)
	return args.Error(0)
}
func (m *MockChatRepository) ListMembers(ctx context.Context, container types.ContainerRef) ([]types.Member, error) {
	args := m.Called(ctx, container)
	if members, ok := args.Get(0).([]types.Member); ok {
		return members, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) GetMember(ctx context.Context, container types.ContainerRef, userId int) (types.Member, error) {
	args := m.Called(ctx, container, userId)
	return args.Get(0).(types.Member), args.Error(1)
}
func (m *MockChatRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (types.Message, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(types.Message), args.Error(1)
}
func (m *MockChatRepository) GetMessage(ctx context.Context, id int) (types.Message, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(types.Message), args.Error(1)
}
func (m *MockChatRepository) DeleteMessage(ctx context.Context, id int) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
func (m *MockChatRepository) LastSeqId(ctx context.Context, container types.ContainerRef) (int, error) {
	args := m.Called(ctx, container)
	return args.Int(0), args.Error(1)
}
func (m *MockChatRepository) GetMessages(ctx context.Context, container types.ContainerRef, before, limit int) ([]types.Message, error) {
	args := m.Called(ctx, container, before, limit)
	if messages, ok := args.Get(0).([]types.Message); ok {
		return messages, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) CreateReceipts(ctx context.Context, messageId int, userIds []int) error {
	args := m.Called(ctx, messageId, userIds)
	return args.Error(0)
}
func (m *MockChatRepository) GetReceipts(ctx context.Context, messageId int) ([]types.Receipt, error) {
	args := m.Called(ctx, messageId)
	if receipts, ok := args.Get(0).([]types.Receipt); ok {
		return receipts, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) MarkRead(ctx context.Context, userId int, container types.ContainerRef, upTo time.Time) (int, error) {
	args := m.Called(ctx, userId, container, upTo)
	return args.Int(0), args.Error(1)
}
func (m *MockChatRepository) UnreadCount(ctx context.Context, userId int, container types.ContainerRef) (int, error) {
	args := m.Called(ctx, userId, container)
	return args.Int(0), args.Error(1)
}
func (m *MockChatRepository) UnreadCounts(ctx context.Context, userId int) (map[types.ContainerRef]int, error) {
	args := m.Called(ctx, userId)
	if counts, ok := args.Get(0).(map[types.ContainerRef]int); ok {
		return counts, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) DeleteUnreadReceipts(ctx context.Context, userId int, container types.ContainerRef) (int, error) {
	args := m.Called(ctx, userId, container)
	return args.Int(0), args.Error(1)
}
