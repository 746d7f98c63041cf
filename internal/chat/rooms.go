package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/npezzotti/go-chatfanout/internal/database"
	"github.com/npezzotti/go-chatfanout/internal/types"
	"github.com/teris-io/shortid"
)

type createRoomRequest struct {
	Name        string `validate:"required,min=3,max=50"`
	Description string `validate:"max=255"`
}

// Rooms manages conversations, rooms and room membership.
type Rooms struct {
	log        *log.Logger
	repo       database.ChatRepository
	index      *Index
	receipts   *ReceiptStore
	dispatcher *Dispatcher
	validate   *validator.Validate
	// retract drops a removed member's unread receipts
	retract    bool
	generateId func() (string, error)
}

func NewRooms(logger *log.Logger, repo database.ChatRepository, index *Index, receipts *ReceiptStore, dispatcher *Dispatcher, retractOnRemove bool) *Rooms {
	return &Rooms{
		log:        logger,
		repo:       repo,
		index:      index,
		receipts:   receipts,
		dispatcher: dispatcher,
		validate:   validator.New(),
		retract:    retractOnRemove,
		generateId: shortid.Generate,
	}
}

// Between returns the conversation of the two users, creating it on first use.
func (rm *Rooms) Between(ctx context.Context, a, b int) (types.Conversation, error) {
	if a <= 0 || b <= 0 {
		return types.Conversation{}, &ValidationError{Field: "user_id", Reason: "must be positive"}
	}
	if a == b {
		return types.Conversation{}, &ValidationError{Field: "user_id", Reason: "cannot start a conversation with yourself"}
	}

	return rm.repo.GetOrCreateConversation(ctx, a, b)
}

func (rm *Rooms) CreateRoom(ctx context.Context, creatorId int, name, description string) (types.Room, error) {
	req := createRoomRequest{Name: strings.TrimSpace(name), Description: strings.TrimSpace(description)}
	if err := rm.validate.Struct(req); err != nil {
		return types.Room{}, fromValidator(err)
	}

	sid, err := rm.generateId()
	if err != nil {
		return types.Room{}, fmt.Errorf("generate room id: %w", err)
	}

	room, err := rm.repo.CreateRoom(ctx, database.CreateRoomParams{
		Name:        req.Name,
		Description: req.Description,
		CreatorId:   creatorId,
		ExternalId:  sid,
	})
	if errors.Is(err, database.ErrRoomNameTaken) {
		return types.Room{}, &ValidationError{Field: "name", Reason: "already taken"}
	}
	if err != nil {
		return types.Room{}, err
	}

	rm.log.Printf("user %d created room %s (%s)", creatorId, room.ExternalId, room.Name)
	return room, nil
}

// Room returns a room with its members, visible to members only.
func (rm *Rooms) Room(ctx context.Context, userId int, externalId string) (types.Room, error) {
	room, err := rm.repo.GetRoomByExternalId(ctx, externalId)
	if err != nil {
		return types.Room{}, notFound("room", externalId, err)
	}

	if err := rm.index.authorize(ctx, userId, room.Ref()); err != nil {
		return types.Room{}, err
	}
	return room, nil
}

// AddMember adds userId to the room. Admins and moderators may add members; only admins
// may grant the admin or moderator role.
func (rm *Rooms) AddMember(ctx context.Context, actorId, roomId, userId int, role types.Role) (types.Member, error) {
	if role == "" {
		role = types.RoleMember
	}
	if !role.Valid() {
		return types.Member{}, &ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", role)}
	}

	container := types.RoomRef(roomId)
	actorRole, err := rm.index.Role(ctx, actorId, container)
	if err != nil {
		return types.Member{}, err
	}

	switch {
	case actorRole == types.RoleMember:
		return types.Member{}, &UnauthorizedError{UserId: actorId, Container: container, Reason: "members cannot add members"}
	case role != types.RoleMember && actorRole != types.RoleAdmin:
		return types.Member{}, &UnauthorizedError{UserId: actorId, Container: container, Reason: "only admins can grant " + string(role)}
	}

	member, err := rm.repo.AddRoomMember(ctx, roomId, userId, role)
	if errors.Is(err, database.ErrAlreadyMember) {
		return types.Member{}, &ValidationError{Field: "user_id", Reason: "already a member"}
	}
	if err != nil {
		return types.Member{}, notFound("room", roomId, err)
	}

	return member, nil
}

// RemoveMember removes userId from the room. Anyone may leave, admins remove anyone and
// moderators remove plain members. The last admin cannot leave while others remain.
func (rm *Rooms) RemoveMember(ctx context.Context, actorId, roomId, userId int) error {
	container := types.RoomRef(roomId)

	target, err := rm.index.Member(ctx, userId, container)
	if err != nil {
		return err
	}

	if actorId != userId {
		actorRole, err := rm.index.Role(ctx, actorId, container)
		if err != nil {
			return err
		}

		switch actorRole {
		case types.RoleAdmin:
		case types.RoleModerator:
			if target.Role != types.RoleMember {
				return &UnauthorizedError{UserId: actorId, Container: container, Reason: "moderators can only remove members"}
			}
		default:
			return &UnauthorizedError{UserId: actorId, Container: container, Reason: "members cannot remove others"}
		}
	}

	err = rm.repo.RemoveRoomMember(ctx, roomId, userId)
	switch {
	case errors.Is(err, database.ErrLastAdmin):
		return &UnauthorizedError{UserId: actorId, Container: container, Reason: "the last admin cannot leave", Err: err}
	case errors.Is(err, database.ErrNotMember):
		return notMember(userId, container)
	case err != nil:
		return notFound("room", roomId, err)
	}

	rm.dispatcher.MemberRemoved(context.WithoutCancel(ctx), userId, container)

	if rm.retract {
		if err := rm.receipts.retract(ctx, userId, container); err != nil {
			rm.log.Printf("retract receipts of user %d on %s: %v", userId, container, err)
		}
	}

	return nil
}

// SetRole changes the role of a member. Only admins may change roles.
func (rm *Rooms) SetRole(ctx context.Context, actorId, roomId, userId int, role types.Role) error {
	if !role.Valid() {
		return &ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", role)}
	}

	container := types.RoomRef(roomId)
	actorRole, err := rm.index.Role(ctx, actorId, container)
	if err != nil {
		return err
	}
	if actorRole != types.RoleAdmin {
		return &UnauthorizedError{UserId: actorId, Container: container, Reason: "only admins can change roles"}
	}

	err = rm.repo.SetRoomMemberRole(ctx, roomId, userId, role)
	switch {
	case errors.Is(err, database.ErrLastAdmin):
		return &UnauthorizedError{UserId: actorId, Container: container, Reason: "cannot demote the last admin", Err: err}
	case errors.Is(err, database.ErrNotMember):
		return &ValidationError{Field: "user_id", Reason: "not a member"}
	case err != nil:
		return notFound("room", roomId, err)
	}

	return nil
}
