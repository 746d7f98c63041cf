package api

import (
	"context"
	"time"

	"github.com/npezzotti/go-chatfanout/internal/types"
)

// ChatService is the part of the chat service exposed over HTTP.
type ChatService interface {
	Between(ctx context.Context, a, b int) (types.Conversation, error)
	CreateRoom(ctx context.Context, creatorId int, name, description string) (types.Room, error)
	Room(ctx context.Context, userId int, externalId string) (types.Room, error)
	AddMember(ctx context.Context, actorId, roomId, userId int, role types.Role) (types.Member, error)
	RemoveMember(ctx context.Context, actorId, roomId, userId int) error
	SetRole(ctx context.Context, actorId, roomId, userId int, role types.Role) error
	Members(ctx context.Context, userId int, container types.ContainerRef) ([]int, error)
	CreateMessage(ctx context.Context, authorId int, container types.ContainerRef, body string, attachments []types.Attachment) (types.Message, error)
	DeleteMessage(ctx context.Context, userId, messageId int) error
	History(ctx context.Context, userId int, container types.ContainerRef, before, limit int) ([]types.Message, error)
	MarkRead(ctx context.Context, userId int, container types.ContainerRef, upTo time.Time) (int, error)
	UnreadCount(ctx context.Context, userId int, container *types.ContainerRef) (int, error)
	UnreadCounts(ctx context.Context, userId int) (map[types.ContainerRef]int, error)
}
