package database

import (
	"context"
	"time"

	"github.com/npezzotti/go-chatfanout/internal/types"
)

const (
	defaultMessageLimit = 20
	maxMessageLimit     = 100
)

// ChatRepository is the persistence layer consumed by the chat core. Implementations
// enforce uniqueness of conversations per user pair, memberships per (user, container),
// receipts per (message, user) and room names.
type ChatRepository interface {
	Ping() error
	Close() error

	GetOrCreateConversation(ctx context.Context, userA, userB int) (types.Conversation, error)
	GetConversation(ctx context.Context, id int) (types.Conversation, error)

	CreateRoom(ctx context.Context, params CreateRoomParams) (types.Room, error)
	GetRoom(ctx context.Context, id int) (types.Room, error)
	GetRoomByExternalId(ctx context.Context, externalId string) (types.Room, error)
	AddRoomMember(ctx context.Context, roomId, userId int, role types.Role) (types.Member, error)
	RemoveRoomMember(ctx context.Context, roomId, userId int) error
	SetRoomMemberRole(ctx context.Context, roomId, userId int, role types.Role) error

	ListMembers(ctx context.Context, container types.ContainerRef) ([]types.Member, error)
	GetMember(ctx context.Context, container types.ContainerRef, userId int) (types.Member, error)

	CreateMessage(ctx context.Context, params CreateMessageParams) (types.Message, error)
	GetMessage(ctx context.Context, id int) (types.Message, error)
	DeleteMessage(ctx context.Context, id int) error
	GetMessages(ctx context.Context, container types.ContainerRef, before, limit int) ([]types.Message, error)
	LastSeqId(ctx context.Context, container types.ContainerRef) (int, error)

	CreateReceipts(ctx context.Context, messageId int, userIds []int) error
	GetReceipts(ctx context.Context, messageId int) ([]types.Receipt, error)
	MarkRead(ctx context.Context, userId int, container types.ContainerRef, upTo time.Time) (int, error)
	UnreadCount(ctx context.Context, userId int, container types.ContainerRef) (int, error)
	UnreadCounts(ctx context.Context, userId int) (map[types.ContainerRef]int, error)
	DeleteUnreadReceipts(ctx context.Context, userId int, container types.ContainerRef) (int, error)
}

type CreateRoomParams struct {
	Name        string
	Description string
	CreatorId   int
	ExternalId  string
}

type CreateMessageParams struct {
	Container   types.ContainerRef
	UserId      int
	Content     string
	Attachments []types.Attachment
	CreatedAt   time.Time
}

// orderedPair returns the pair with the lower user id first, the canonical form a
// conversation is stored under.
func orderedPair(a, b int) (int, int) {
	if a > b {
		return b, a
	}
	return a, b
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultMessageLimit
	}
	if limit > maxMessageLimit {
		return maxMessageLimit
	}
	return limit
}
