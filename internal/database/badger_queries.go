package database

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/npezzotti/go-chatfanout/internal/types"
)

type convRecord struct {
	Id        int
	UserA     int
	UserB     int
	SeqId     int
	CreatedAt int64
}

type roomRecord struct {
	Id          int
	ExternalId  string
	Name        string
	Description string
	CreatorId   int
	SeqId       int
	CreatedAt   int64
	UpdatedAt   int64
}

type memberRecord struct {
	Role     string
	JoinedAt int64
}

type messageRecord struct {
	Id          int
	Container   string
	SeqId       int
	UserId      int
	Content     string
	Attachments []types.Attachment
	CreatedAt   int64
}

type receiptRecord struct {
	Container string
	CreatedAt int64
	ReadAt    int64
}

func (c convRecord) toConversation() types.Conversation {
	return types.Conversation{Id: c.Id, UserA: c.UserA, UserB: c.UserB, CreatedAt: fromUnix(c.CreatedAt)}
}

func (r roomRecord) toRoom() types.Room {
	return types.Room{
		Id:          r.Id,
		ExternalId:  r.ExternalId,
		Name:        r.Name,
		Description: r.Description,
		CreatorId:   r.CreatorId,
		SeqId:       r.SeqId,
		CreatedAt:   fromUnix(r.CreatedAt),
		UpdatedAt:   fromUnix(r.UpdatedAt),
	}
}

func (m messageRecord) toMessage() (types.Message, error) {
	ref, err := types.ParseContainerRef(m.Container)
	if err != nil {
		return types.Message{}, err
	}

	return types.Message{
		Id:          m.Id,
		Container:   ref,
		SeqId:       m.SeqId,
		UserId:      m.UserId,
		Content:     m.Content,
		Attachments: m.Attachments,
		Timestamp:   fromUnix(m.CreatedAt),
	}, nil
}

func convKey(id int) string { return "conv:" + pad(id) }
func roomKey(id int) string { return "room:" + pad(id) }
func msgKey(id int) string  { return "msg:" + pad(id) }

func memberKey(c types.ContainerRef, userId int) string {
	return fmt.Sprintf("mbr:%s:%s", c, pad(userId))
}

func userMemberKey(userId int, c types.ContainerRef) string {
	return fmt.Sprintf("umbr:%s:%s", pad(userId), c)
}

func unreadPrefix(userId int, c types.ContainerRef) string {
	return fmt.Sprintf("unread:%s:%s:", pad(userId), c)
}

func receiptKey(messageId, userId int) string {
	return fmt.Sprintf("rcpt:%s:%s", pad(messageId), pad(userId))
}

func putMember(txn *badger.Txn, c types.ContainerRef, userId int, role types.Role, joinedAt time.Time) error {
	if err := setRecord(txn, memberKey(c, userId), memberRecord{Role: string(role), JoinedAt: toUnix(joinedAt)}); err != nil {
		return err
	}
	return txn.Set([]byte(userMemberKey(userId, c)), nil)
}

func deleteMember(txn *badger.Txn, c types.ContainerRef, userId int) error {
	if err := txn.Delete([]byte(memberKey(c, userId))); err != nil {
		return err
	}
	return txn.Delete([]byte(userMemberKey(userId, c)))
}

func (b *BadgerChatRepository) GetOrCreateConversation(_ context.Context, userA, userB int) (types.Conversation, error) {
	a, c := orderedPair(userA, userB)
	pairKey := fmt.Sprintf("convpair:%s:%s", pad(a), pad(c))

	var conv convRecord
	err := b.update(func(txn *badger.Txn) error {
		id, err := getInt(txn, pairKey)
		if err == nil {
			return getRecord(txn, convKey(id), &conv)
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		id, err = b.nextId("conversation")
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		conv = convRecord{Id: id, UserA: a, UserB: c, CreatedAt: toUnix(now)}
		if err := setRecord(txn, convKey(id), conv); err != nil {
			return err
		}
		if err := setInt(txn, pairKey, id); err != nil {
			return err
		}

		ref := types.ConversationRef(id)
		for _, userId := range []int{a, c} {
			if err := putMember(txn, ref, userId, types.RoleMember, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return types.Conversation{}, err
	}

	return conv.toConversation(), nil
}

func (b *BadgerChatRepository) GetConversation(_ context.Context, id int) (types.Conversation, error) {
	var conv convRecord
	err := b.db.View(func(txn *badger.Txn) error {
		return getRecord(txn, convKey(id), &conv)
	})
	if err != nil {
		return types.Conversation{}, err
	}

	return conv.toConversation(), nil
}

func (b *BadgerChatRepository) CreateRoom(_ context.Context, params CreateRoomParams) (types.Room, error) {
	id, err := b.nextId("room")
	if err != nil {
		return types.Room{}, err
	}

	now := time.Now().UTC()
	rec := roomRecord{
		Id:          id,
		ExternalId:  params.ExternalId,
		Name:        params.Name,
		Description: params.Description,
		CreatorId:   params.CreatorId,
		CreatedAt:   toUnix(now),
		UpdatedAt:   toUnix(now),
	}

	nameKey := "roomname:" + strings.ToLower(params.Name)
	err = b.update(func(txn *badger.Txn) error {
		taken, err := exists(txn, nameKey)
		if err != nil {
			return err
		}
		if taken {
			return ErrRoomNameTaken
		}

		if err := setRecord(txn, roomKey(id), rec); err != nil {
			return err
		}
		if err := setInt(txn, nameKey, id); err != nil {
			return err
		}
		if err := setInt(txn, "roomext:"+params.ExternalId, id); err != nil {
			return err
		}

		return putMember(txn, types.RoomRef(id), params.CreatorId, types.RoleAdmin, now)
	})
	if err != nil {
		return types.Room{}, err
	}

	room := rec.toRoom()
	room.Members = []types.Member{{UserId: params.CreatorId, Role: types.RoleAdmin, JoinedAt: now}}
	return room, nil
}

func (b *BadgerChatRepository) GetRoom(_ context.Context, id int) (types.Room, error) {
	var room types.Room
	err := b.db.View(func(txn *badger.Txn) error {
		var rec roomRecord
		if err := getRecord(txn, roomKey(id), &rec); err != nil {
			return err
		}

		members, err := listMembers(txn, types.RoomRef(id))
		if err != nil {
			return err
		}

		room = rec.toRoom()
		room.Members = members
		return nil
	})

	return room, err
}

func (b *BadgerChatRepository) GetRoomByExternalId(ctx context.Context, externalId string) (types.Room, error) {
	var id int
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		id, err = getInt(txn, "roomext:"+externalId)
		return err
	})
	if err != nil {
		return types.Room{}, err
	}

	return b.GetRoom(ctx, id)
}

func (b *BadgerChatRepository) AddRoomMember(_ context.Context, roomId, userId int, role types.Role) (types.Member, error) {
	ref := types.RoomRef(roomId)
	member := types.Member{UserId: userId, Role: role, JoinedAt: time.Now().UTC()}

	err := b.update(func(txn *badger.Txn) error {
		ok, err := exists(txn, roomKey(roomId))
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}

		ok, err = exists(txn, memberKey(ref, userId))
		if err != nil {
			return err
		}
		if ok {
			return ErrAlreadyMember
		}

		return putMember(txn, ref, userId, role, member.JoinedAt)
	})
	if err != nil {
		return types.Member{}, err
	}

	return member, nil
}

func memberRoles(txn *badger.Txn, ref types.ContainerRef) (map[int]types.Role, error) {
	members, err := listMembers(txn, ref)
	if err != nil {
		return nil, err
	}

	roles := make(map[int]types.Role, len(members))
	for _, m := range members {
		roles[m.UserId] = m.Role
	}
	return roles, nil
}

func (b *BadgerChatRepository) RemoveRoomMember(_ context.Context, roomId, userId int) error {
	ref := types.RoomRef(roomId)
	return b.update(func(txn *badger.Txn) error {
		roles, err := memberRoles(txn, ref)
		if err != nil {
			return err
		}

		if err := checkRemoval(roles, userId); err != nil {
			return err
		}

		return deleteMember(txn, ref, userId)
	})
}

func (b *BadgerChatRepository) SetRoomMemberRole(_ context.Context, roomId, userId int, role types.Role) error {
	ref := types.RoomRef(roomId)
	return b.update(func(txn *badger.Txn) error {
		roles, err := memberRoles(txn, ref)
		if err != nil {
			return err
		}

		if err := checkRoleChange(roles, userId, role); err != nil {
			return err
		}

		var rec memberRecord
		if err := getRecord(txn, memberKey(ref, userId), &rec); err != nil {
			return err
		}
		rec.Role = string(role)
		return setRecord(txn, memberKey(ref, userId), rec)
	})
}

func containerKey(ref types.ContainerRef) (string, error) {
	switch ref.Kind {
	case types.KindConversation:
		return convKey(ref.Id), nil
	case types.KindRoom:
		return roomKey(ref.Id), nil
	}
	return "", fmt.Errorf("unknown container kind %q", ref.Kind)
}

// listMembers reads every membership of ref in one snapshot. Reading through the
// transaction also registers the keys for conflict detection.
func listMembers(txn *badger.Txn, ref types.ContainerRef) ([]types.Member, error) {
	key, err := containerKey(ref)
	if err != nil {
		return nil, err
	}

	ok, err := exists(txn, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}

	prefix := fmt.Sprintf("mbr:%s:", ref)
	members := make([]types.Member, 0)
	for _, k := range scanKeys(txn, prefix) {
		userId, err := strconv.Atoi(strings.TrimPrefix(k, prefix))
		if err != nil {
			return nil, fmt.Errorf("parse member key %q: %w", k, err)
		}

		var rec memberRecord
		if err := getRecord(txn, k, &rec); err != nil {
			return nil, err
		}

		members = append(members, types.Member{
			UserId:   userId,
			Role:     types.Role(rec.Role),
			JoinedAt: fromUnix(rec.JoinedAt),
		})
	}

	sort.SliceStable(members, func(i, j int) bool {
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
	return members, nil
}

func (b *BadgerChatRepository) ListMembers(_ context.Context, container types.ContainerRef) ([]types.Member, error) {
	var members []types.Member
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		members, err = listMembers(txn, container)
		return err
	})

	return members, err
}

func (b *BadgerChatRepository) GetMember(_ context.Context, container types.ContainerRef, userId int) (types.Member, error) {
	var rec memberRecord
	err := b.db.View(func(txn *badger.Txn) error {
		return getRecord(txn, memberKey(container, userId), &rec)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return types.Member{}, ErrNotMember
		}
		return types.Member{}, err
	}

	return types.Member{UserId: userId, Role: types.Role(rec.Role), JoinedAt: fromUnix(rec.JoinedAt)}, nil
}

func (b *BadgerChatRepository) LastSeqId(_ context.Context, container types.ContainerRef) (int, error) {
	var seq int
	err := b.db.View(func(txn *badger.Txn) error {
		switch container.Kind {
		case types.KindConversation:
			var rec convRecord
			if err := getRecord(txn, convKey(container.Id), &rec); err != nil {
				return err
			}
			seq = rec.SeqId
		case types.KindRoom:
			var rec roomRecord
			if err := getRecord(txn, roomKey(container.Id), &rec); err != nil {
				return err
			}
			seq = rec.SeqId
		default:
			return fmt.Errorf("unknown container kind %q", container.Kind)
		}
		return nil
	})

	return seq, err
}

// bumpSeq increments and returns the container's message sequence.
func bumpSeq(txn *badger.Txn, ref types.ContainerRef) (int, error) {
	switch ref.Kind {
	case types.KindConversation:
		var rec convRecord
		if err := getRecord(txn, convKey(ref.Id), &rec); err != nil {
			return 0, err
		}
		rec.SeqId++
		return rec.SeqId, setRecord(txn, convKey(ref.Id), rec)
	case types.KindRoom:
		var rec roomRecord
		if err := getRecord(txn, roomKey(ref.Id), &rec); err != nil {
			return 0, err
		}
		rec.SeqId++
		rec.UpdatedAt = toUnix(time.Now().UTC())
		return rec.SeqId, setRecord(txn, roomKey(ref.Id), rec)
	}
	return 0, fmt.Errorf("unknown container kind %q", ref.Kind)
}

func (b *BadgerChatRepository) CreateMessage(_ context.Context, params CreateMessageParams) (types.Message, error) {
	id, err := b.nextId("message")
	if err != nil {
		return types.Message{}, err
	}

	rec := messageRecord{
		Id:          id,
		Container:   params.Container.String(),
		UserId:      params.UserId,
		Content:     params.Content,
		Attachments: params.Attachments,
		CreatedAt:   toUnix(params.CreatedAt),
	}

	err = b.update(func(txn *badger.Txn) error {
		seq, err := bumpSeq(txn, params.Container)
		if err != nil {
			return err
		}
		rec.SeqId = seq

		if err := setRecord(txn, msgKey(id), rec); err != nil {
			return err
		}
		return setInt(txn, fmt.Sprintf("cmsg:%s:%s", params.Container, pad(seq)), id)
	})
	if err != nil {
		return types.Message{}, err
	}

	return rec.toMessage()
}

func (b *BadgerChatRepository) GetMessage(_ context.Context, id int) (types.Message, error) {
	var rec messageRecord
	err := b.db.View(func(txn *badger.Txn) error {
		return getRecord(txn, msgKey(id), &rec)
	})
	if err != nil {
		return types.Message{}, err
	}

	return rec.toMessage()
}

func (b *BadgerChatRepository) DeleteMessage(_ context.Context, id int) error {
	return b.update(func(txn *badger.Txn) error {
		var rec messageRecord
		if err := getRecord(txn, msgKey(id), &rec); err != nil {
			return err
		}

		keys := []string{
			msgKey(id),
			fmt.Sprintf("cmsg:%s:%s", rec.Container, pad(rec.SeqId)),
			"rbatch:" + pad(id),
		}
		for _, k := range scanKeys(txn, "rcpt:"+pad(id)+":") {
			keys = append(keys, k)
			userId, err := strconv.Atoi(k[strings.LastIndex(k, ":")+1:])
			if err != nil {
				return fmt.Errorf("parse receipt key %q: %w", k, err)
			}
			keys = append(keys, fmt.Sprintf("unread:%s:%s:%s", pad(userId), rec.Container, pad(id)))
		}

		for _, k := range keys {
			if err := txn.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BadgerChatRepository) GetMessages(_ context.Context, container types.ContainerRef, before, limit int) ([]types.Message, error) {
	limit = normalizeLimit(limit)
	prefix := []byte(fmt.Sprintf("cmsg:%s:", container))

	seek := append([]byte{}, prefix...)
	if before > 0 {
		seek = append(seek, pad(before-1)...)
	} else {
		seek = append(seek, "9999999999"...)
	}

	messages := make([]types.Message, 0, limit)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(seek); it.ValidForPrefix(prefix) && len(messages) < limit; it.Next() {
			var id int
			err := it.Item().Value(func(val []byte) error {
				var err error
				id, err = strconv.Atoi(string(val))
				return err
			})
			if err != nil {
				return err
			}

			var rec messageRecord
			if err := getRecord(txn, msgKey(id), &rec); err != nil {
				return err
			}

			msg, err := rec.toMessage()
			if err != nil {
				return err
			}
			messages = append(messages, msg)
		}
		return nil
	})

	return messages, err
}

func (b *BadgerChatRepository) CreateReceipts(_ context.Context, messageId int, userIds []int) error {
	return b.update(func(txn *badger.Txn) error {
		var msg messageRecord
		if err := getRecord(txn, msgKey(messageId), &msg); err != nil {
			return err
		}

		batchKey := "rbatch:" + pad(messageId)
		done, err := exists(txn, batchKey)
		if err != nil {
			return err
		}
		if done {
			return ErrDuplicateReceipt
		}
		if err := txn.Set([]byte(batchKey), nil); err != nil {
			return err
		}

		for _, userId := range userIds {
			key := receiptKey(messageId, userId)
			dup, err := exists(txn, key)
			if err != nil {
				return err
			}
			if dup {
				return ErrDuplicateReceipt
			}

			if err := setRecord(txn, key, receiptRecord{Container: msg.Container, CreatedAt: msg.CreatedAt}); err != nil {
				return err
			}

			unreadKey := fmt.Sprintf("unread:%s:%s:%s", pad(userId), msg.Container, pad(messageId))
			if err := txn.Set([]byte(unreadKey), []byte(strconv.FormatInt(msg.CreatedAt, 10))); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BadgerChatRepository) GetReceipts(_ context.Context, messageId int) ([]types.Receipt, error) {
	receipts := make([]types.Receipt, 0)
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := "rcpt:" + pad(messageId) + ":"
		for _, k := range scanKeys(txn, prefix) {
			userId, err := strconv.Atoi(strings.TrimPrefix(k, prefix))
			if err != nil {
				return fmt.Errorf("parse receipt key %q: %w", k, err)
			}

			var rec receiptRecord
			if err := getRecord(txn, k, &rec); err != nil {
				return err
			}

			ref, err := types.ParseContainerRef(rec.Container)
			if err != nil {
				return err
			}

			r := types.Receipt{MessageId: messageId, UserId: userId, Container: ref}
			if rec.ReadAt != 0 {
				readAt := fromUnix(rec.ReadAt)
				r.ReadAt = &readAt
			}
			receipts = append(receipts, r)
		}
		return nil
	})

	return receipts, err
}

// unreadEntries returns the unread index keys for the user in the container together
// with the creation time of their message.
func unreadEntries(txn *badger.Txn, userId int, container types.ContainerRef) (map[string]int64, error) {
	prefix := []byte(unreadPrefix(userId, container))
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix

	it := txn.NewIterator(opts)
	defer it.Close()

	entries := make(map[string]int64)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		err := item.Value(func(val []byte) error {
			createdAt, err := strconv.ParseInt(string(val), 10, 64)
			if err != nil {
				return err
			}
			entries[string(item.KeyCopy(nil))] = createdAt
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func (b *BadgerChatRepository) MarkRead(_ context.Context, userId int, container types.ContainerRef, upTo time.Time) (int, error) {
	var marked int
	err := b.update(func(txn *badger.Txn) error {
		marked = 0
		entries, err := unreadEntries(txn, userId, container)
		if err != nil {
			return err
		}

		now := toUnix(time.Now().UTC())
		for key, createdAt := range entries {
			if createdAt > toUnix(upTo) {
				continue
			}

			messageId, err := strconv.Atoi(key[strings.LastIndex(key, ":")+1:])
			if err != nil {
				return fmt.Errorf("parse unread key %q: %w", key, err)
			}

			rk := receiptKey(messageId, userId)
			var rec receiptRecord
			if err := getRecord(txn, rk, &rec); err != nil {
				return err
			}
			if rec.ReadAt == 0 {
				rec.ReadAt = now
				if err := setRecord(txn, rk, rec); err != nil {
					return err
				}
			}

			if err := txn.Delete([]byte(key)); err != nil {
				return err
			}
			marked++
		}
		return nil
	})

	return marked, err
}

func (b *BadgerChatRepository) UnreadCount(_ context.Context, userId int, container types.ContainerRef) (int, error) {
	var count int
	err := b.db.View(func(txn *badger.Txn) error {
		count = len(scanKeys(txn, unreadPrefix(userId, container)))
		return nil
	})

	return count, err
}

func (b *BadgerChatRepository) UnreadCounts(_ context.Context, userId int) (map[types.ContainerRef]int, error) {
	counts := make(map[types.ContainerRef]int)
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := "umbr:" + pad(userId) + ":"
		for _, k := range scanKeys(txn, prefix) {
			ref, err := types.ParseContainerRef(strings.TrimPrefix(k, prefix))
			if err != nil {
				return err
			}

			if n := len(scanKeys(txn, unreadPrefix(userId, ref))); n > 0 {
				counts[ref] = n
			}
		}
		return nil
	})

	return counts, err
}

func (b *BadgerChatRepository) DeleteUnreadReceipts(_ context.Context, userId int, container types.ContainerRef) (int, error) {
	var deleted int
	err := b.update(func(txn *badger.Txn) error {
		deleted = 0
		for _, key := range scanKeys(txn, unreadPrefix(userId, container)) {
			messageId, err := strconv.Atoi(key[strings.LastIndex(key, ":")+1:])
			if err != nil {
				return fmt.Errorf("parse unread key %q: %w", key, err)
			}

			if err := txn.Delete([]byte(receiptKey(messageId, userId))); err != nil {
				return err
			}
			if err := txn.Delete([]byte(key)); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})

	return deleted, err
}
