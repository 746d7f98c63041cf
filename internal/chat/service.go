package chat

import (
	"context"
	"log"
	"time"

	"github.com/npezzotti/go-chatfanout/internal/database"
	"github.com/npezzotti/go-chatfanout/internal/pubsub"
	"github.com/npezzotti/go-chatfanout/internal/stats"
	"github.com/npezzotti/go-chatfanout/internal/types"
)

type Config struct {
	Limits   Limits
	Dispatch DispatchConfig
	// RetractReceiptsOnRemove deletes a member's unread receipts when they leave or are
	// removed from a room. Read receipts are always kept.
	RetractReceiptsOnRemove bool
}

func DefaultConfig() Config {
	return Config{
		Limits:   DefaultLimits(),
		Dispatch: DefaultDispatchConfig(),
	}
}

// Service wires the fan-out core together and is what transports talk to.
type Service struct {
	log        *log.Logger
	Index      *Index
	Receipts   *ReceiptStore
	Registry   *Registry
	Dispatcher *Dispatcher
	Ingest     *Ingest
	Rooms      *Rooms
	now        func() time.Time
}

func New(logger *log.Logger, repo database.ChatRepository, broker pubsub.Broker, su stats.StatsProvider, cfg Config) *Service {
	index := NewIndex(repo)
	receipts := NewReceiptStore(logger, repo)
	registry := NewRegistry(logger, index, su)
	dispatcher := NewDispatcher(logger, index, receipts, registry, broker, su, cfg.Dispatch)

	return &Service{
		log:        logger,
		Index:      index,
		Receipts:   receipts,
		Registry:   registry,
		Dispatcher: dispatcher,
		Ingest:     NewIngest(logger, repo, index, dispatcher, cfg.Limits),
		Rooms:      NewRooms(logger, repo, index, receipts, dispatcher, cfg.RetractReceiptsOnRemove),
		now:        time.Now,
	}
}

// Run delivers broker events until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	s.Dispatcher.Run(ctx)
}

// Open subscribes sink to container and marks everything up to now as read, the point
// at which the user has the view open. It returns how many receipts were marked.
func (s *Service) Open(ctx context.Context, userId int, container types.ContainerRef, sink Sink) (int, error) {
	if err := s.Index.authorize(ctx, userId, container); err != nil {
		return 0, err
	}
	if err := s.Dispatcher.Track(ctx, container); err != nil {
		return 0, err
	}
	if err := s.Registry.Subscribe(ctx, userId, container, sink); err != nil {
		return 0, err
	}

	marked, err := s.Receipts.MarkRead(ctx, userId, container, s.now().UTC())
	if err != nil {
		s.log.Printf("mark read on open of %s by user %d: %v", container, userId, err)
		return 0, nil
	}
	return marked, nil
}

func (s *Service) Close(userId int, container types.ContainerRef, sink Sink) {
	s.Registry.Unsubscribe(userId, container, sink)
}

// Disconnect drops every subscription of sink.
func (s *Service) Disconnect(sink Sink) {
	s.Registry.Drop(sink)
}

func (s *Service) CreateMessage(ctx context.Context, authorId int, container types.ContainerRef, body string, attachments []types.Attachment) (types.Message, error) {
	return s.Ingest.CreateMessage(ctx, authorId, container, body, attachments)
}

func (s *Service) DeleteMessage(ctx context.Context, userId, messageId int) error {
	return s.Ingest.DeleteMessage(ctx, userId, messageId)
}

func (s *Service) History(ctx context.Context, userId int, container types.ContainerRef, before, limit int) ([]types.Message, error) {
	return s.Ingest.History(ctx, userId, container, before, limit)
}

// MarkRead marks the user's receipts in container read up to upTo, or up to now when
// upTo is zero.
func (s *Service) MarkRead(ctx context.Context, userId int, container types.ContainerRef, upTo time.Time) (int, error) {
	if err := s.Index.authorize(ctx, userId, container); err != nil {
		return 0, err
	}
	if upTo.IsZero() {
		upTo = s.now().UTC()
	}

	return s.Receipts.MarkRead(ctx, userId, container, upTo)
}

func (s *Service) UnreadCount(ctx context.Context, userId int, container *types.ContainerRef) (int, error) {
	if container != nil {
		if err := s.Index.authorize(ctx, userId, *container); err != nil {
			return 0, err
		}
	}

	return s.Receipts.UnreadCount(ctx, userId, container)
}

func (s *Service) UnreadCounts(ctx context.Context, userId int) (map[types.ContainerRef]int, error) {
	return s.Receipts.UnreadCounts(ctx, userId)
}

// Members lists the members of container, visible to members only.
func (s *Service) Members(ctx context.Context, userId int, container types.ContainerRef) ([]int, error) {
	if err := s.Index.authorize(ctx, userId, container); err != nil {
		return nil, err
	}

	return s.Index.MembersOf(ctx, container)
}

func (s *Service) Between(ctx context.Context, a, b int) (types.Conversation, error) {
	return s.Rooms.Between(ctx, a, b)
}

func (s *Service) CreateRoom(ctx context.Context, creatorId int, name, description string) (types.Room, error) {
	return s.Rooms.CreateRoom(ctx, creatorId, name, description)
}

func (s *Service) Room(ctx context.Context, userId int, externalId string) (types.Room, error) {
	return s.Rooms.Room(ctx, userId, externalId)
}

func (s *Service) AddMember(ctx context.Context, actorId, roomId, userId int, role types.Role) (types.Member, error) {
	return s.Rooms.AddMember(ctx, actorId, roomId, userId, role)
}

func (s *Service) RemoveMember(ctx context.Context, actorId, roomId, userId int) error {
	return s.Rooms.RemoveMember(ctx, actorId, roomId, userId)
}

func (s *Service) SetRole(ctx context.Context, actorId, roomId, userId int, role types.Role) error {
	return s.Rooms.SetRole(ctx, actorId, roomId, userId, role)
}
