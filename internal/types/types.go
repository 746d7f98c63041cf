package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type ContainerKind string

const (
	KindConversation ContainerKind = "conversation"
	KindRoom         ContainerKind = "room"
)

// ContainerRef identifies the conversation or room a message belongs to.
type ContainerRef struct {
	Kind ContainerKind `json:"kind"`
	Id   int           `json:"id"`
}

func ConversationRef(id int) ContainerRef {
	return ContainerRef{Kind: KindConversation, Id: id}
}

func RoomRef(id int) ContainerRef {
	return ContainerRef{Kind: KindRoom, Id: id}
}

func (c ContainerRef) Valid() bool {
	return (c.Kind == KindConversation || c.Kind == KindRoom) && c.Id > 0
}

func (c ContainerRef) String() string {
	return fmt.Sprintf("%s:%d", c.Kind, c.Id)
}

// ParseContainerRef parses the "kind:id" form produced by String.
func ParseContainerRef(s string) (ContainerRef, error) {
	kind, idStr, ok := strings.Cut(s, ":")
	if !ok {
		return ContainerRef{}, fmt.Errorf("invalid container %q", s)
	}

	id, err := strconv.Atoi(idStr)
	if err != nil {
		return ContainerRef{}, fmt.Errorf("invalid container id %q: %w", idStr, err)
	}

	ref := ContainerRef{Kind: ContainerKind(kind), Id: id}
	if !ref.Valid() {
		return ContainerRef{}, fmt.Errorf("invalid container %q", s)
	}

	return ref, nil
}

func (c ContainerRef) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ContainerRef) UnmarshalText(b []byte) error {
	ref, err := ParseContainerRef(string(b))
	if err != nil {
		return err
	}
	*c = ref
	return nil
}

type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleMember    Role = "member"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleModerator, RoleMember:
		return true
	}
	return false
}

type Conversation struct {
	Id        int       `json:"id"`
	UserA     int       `json:"user_a"`
	UserB     int       `json:"user_b"`
	CreatedAt time.Time `json:"created_at"`
}

func (c Conversation) Ref() ContainerRef {
	return ConversationRef(c.Id)
}

func (c Conversation) Members() []int {
	return []int{c.UserA, c.UserB}
}

type Member struct {
	UserId   int       `json:"user_id"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

type Room struct {
	Id          int       `json:"id"`
	ExternalId  string    `json:"external_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatorId   int       `json:"creator_id"`
	SeqId       int       `json:"seq_id"`
	Members     []Member  `json:"members,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (r Room) Ref() ContainerRef {
	return RoomRef(r.Id)
}

type Attachment struct {
	Filename    string `json:"filename" validate:"required,max=255"`
	ContentType string `json:"content_type" validate:"required"`
	Size        int64  `json:"size" validate:"gt=0"`
}

type Message struct {
	Id          int          `json:"id"`
	Container   ContainerRef `json:"container"`
	SeqId       int          `json:"seq_id"`
	UserId      int          `json:"user_id"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

type Receipt struct {
	MessageId int          `json:"message_id"`
	UserId    int          `json:"user_id"`
	Container ContainerRef `json:"container"`
	ReadAt    *time.Time   `json:"read_at,omitempty"`
}

func (r Receipt) Read() bool {
	return r.ReadAt != nil
}
