package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/npezzotti/go-chatfanout/internal/types"
)

func (db *PgChatRepository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}

func containerTable(kind types.ContainerKind) (string, error) {
	switch kind {
	case types.KindConversation:
		return "conversations", nil
	case types.KindRoom:
		return "rooms", nil
	}
	return "", fmt.Errorf("unknown container kind %q", kind)
}

func (db *PgChatRepository) GetOrCreateConversation(ctx context.Context, userA, userB int) (types.Conversation, error) {
	a, b := orderedPair(userA, userB)

	var conv types.Conversation
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		err := tx.QueryRowContext(ctx,
			"INSERT INTO conversations (user_a, user_b, created_at) VALUES ($1, $2, $3) "+
				"ON CONFLICT ON CONSTRAINT conversations_pair_unique DO NOTHING "+
				"RETURNING id, user_a, user_b, created_at",
			a, b, now,
		).Scan(&conv.Id, &conv.UserA, &conv.UserB, &conv.CreatedAt)
		if err == sql.ErrNoRows {
			// already exists
			return tx.QueryRowContext(ctx,
				"SELECT id, user_a, user_b, created_at FROM conversations WHERE user_a = $1 AND user_b = $2",
				a, b,
			).Scan(&conv.Id, &conv.UserA, &conv.UserB, &conv.CreatedAt)
		}
		if err != nil {
			return err
		}

		for _, userId := range []int{a, b} {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO memberships (container_kind, container_id, user_id, role, joined_at) VALUES ($1, $2, $3, $4, $5)",
				types.KindConversation, conv.Id, userId, types.RoleMember, now,
			); err != nil {
				return err
			}
		}
		return nil
	})

	return conv, err
}

func (db *PgChatRepository) GetConversation(ctx context.Context, id int) (types.Conversation, error) {
	var conv types.Conversation
	err := db.conn.QueryRowContext(ctx,
		"SELECT id, user_a, user_b, created_at FROM conversations WHERE id = $1",
		id,
	).Scan(&conv.Id, &conv.UserA, &conv.UserB, &conv.CreatedAt)

	return conv, notFound(err)
}

func (db *PgChatRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (types.Room, error) {
	var room types.Room
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		err := tx.QueryRowContext(ctx,
			"INSERT INTO rooms (name, external_id, description, creator_id, created_at, updated_at) "+
				"VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, name, external_id, description, creator_id, seq_id, created_at, updated_at",
			params.Name,
			params.ExternalId,
			params.Description,
			params.CreatorId,
			now,
			now,
		).Scan(
			&room.Id,
			&room.Name,
			&room.ExternalId,
			&room.Description,
			&room.CreatorId,
			&room.SeqId,
			&room.CreatedAt,
			&room.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err, "rooms_name_unique") {
				return ErrRoomNameTaken
			}
			return err
		}

		_, err = tx.ExecContext(ctx,
			"INSERT INTO memberships (container_kind, container_id, user_id, role, joined_at) VALUES ($1, $2, $3, $4, $5)",
			types.KindRoom, room.Id, params.CreatorId, types.RoleAdmin, now,
		)
		if err != nil {
			return err
		}

		room.Members = []types.Member{{UserId: params.CreatorId, Role: types.RoleAdmin, JoinedAt: now}}
		return nil
	})

	return room, err
}

func (db *PgChatRepository) getRoom(ctx context.Context, where string, arg any) (types.Room, error) {
	var room types.Room
	err := db.conn.QueryRowContext(ctx,
		"SELECT id, name, external_id, description, creator_id, seq_id, created_at, updated_at FROM rooms "+
			"WHERE "+where+" LIMIT 1",
		arg,
	).Scan(
		&room.Id,
		&room.Name,
		&room.ExternalId,
		&room.Description,
		&room.CreatorId,
		&room.SeqId,
		&room.CreatedAt,
		&room.UpdatedAt,
	)
	if err != nil {
		return types.Room{}, notFound(err)
	}

	members, err := db.ListMembers(ctx, room.Ref())
	if err != nil {
		return types.Room{}, err
	}
	room.Members = members

	return room, nil
}

func (db *PgChatRepository) GetRoom(ctx context.Context, id int) (types.Room, error) {
	return db.getRoom(ctx, "id = $1", id)
}

func (db *PgChatRepository) GetRoomByExternalId(ctx context.Context, externalId string) (types.Room, error) {
	return db.getRoom(ctx, "external_id = $1", externalId)
}

func (db *PgChatRepository) AddRoomMember(ctx context.Context, roomId, userId int, role types.Role) (types.Member, error) {
	member := types.Member{UserId: userId, Role: role, JoinedAt: time.Now().UTC()}

	var exists bool
	if err := db.conn.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM rooms WHERE id = $1)", roomId,
	).Scan(&exists); err != nil {
		return types.Member{}, err
	}
	if !exists {
		return types.Member{}, ErrNotFound
	}

	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO memberships (container_kind, container_id, user_id, role, joined_at) VALUES ($1, $2, $3, $4, $5)",
		types.KindRoom, roomId, userId, role, member.JoinedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "") {
			return types.Member{}, ErrAlreadyMember
		}
		return types.Member{}, err
	}

	return member, nil
}

// lockRoomMembers takes row locks on every membership of the room so admin counting
// and the following change happen atomically.
func lockRoomMembers(ctx context.Context, tx *sql.Tx, roomId int) (map[int]types.Role, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT user_id, role FROM memberships WHERE container_kind = $1 AND container_id = $2 FOR UPDATE",
		types.KindRoom, roomId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	roles := make(map[int]types.Role)
	for rows.Next() {
		var (
			userId int
			role   types.Role
		)
		if err := rows.Scan(&userId, &role); err != nil {
			return nil, err
		}
		roles[userId] = role
	}

	return roles, rows.Err()
}

func (db *PgChatRepository) RemoveRoomMember(ctx context.Context, roomId, userId int) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		roles, err := lockRoomMembers(ctx, tx, roomId)
		if err != nil {
			return err
		}

		if err := checkRemoval(roles, userId); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			"DELETE FROM memberships WHERE container_kind = $1 AND container_id = $2 AND user_id = $3",
			types.KindRoom, roomId, userId,
		)
		return err
	})
}

func (db *PgChatRepository) SetRoomMemberRole(ctx context.Context, roomId, userId int, role types.Role) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		roles, err := lockRoomMembers(ctx, tx, roomId)
		if err != nil {
			return err
		}

		if err := checkRoleChange(roles, userId, role); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE memberships SET role = $4 WHERE container_kind = $1 AND container_id = $2 AND user_id = $3",
			types.KindRoom, roomId, userId, role,
		)
		return err
	})
}

func (db *PgChatRepository) containerExists(ctx context.Context, container types.ContainerRef) (bool, error) {
	table, err := containerTable(container.Kind)
	if err != nil {
		return false, err
	}

	var exists bool
	err = db.conn.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM "+table+" WHERE id = $1)", container.Id,
	).Scan(&exists)

	return exists, err
}

func (db *PgChatRepository) ListMembers(ctx context.Context, container types.ContainerRef) ([]types.Member, error) {
	exists, err := db.containerExists(ctx, container)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT user_id, role, joined_at FROM memberships "+
			"WHERE container_kind = $1 AND container_id = $2 ORDER BY joined_at, user_id",
		container.Kind, container.Id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := make([]types.Member, 0)
	for rows.Next() {
		var m types.Member
		if err := rows.Scan(&m.UserId, &m.Role, &m.JoinedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}

	return members, rows.Err()
}

func (db *PgChatRepository) GetMember(ctx context.Context, container types.ContainerRef, userId int) (types.Member, error) {
	m := types.Member{UserId: userId}
	err := db.conn.QueryRowContext(ctx,
		"SELECT role, joined_at FROM memberships WHERE container_kind = $1 AND container_id = $2 AND user_id = $3",
		container.Kind, container.Id, userId,
	).Scan(&m.Role, &m.JoinedAt)
	if err == sql.ErrNoRows {
		return types.Member{}, ErrNotMember
	}

	return m, err
}

func (db *PgChatRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (types.Message, error) {
	table, err := containerTable(params.Container.Kind)
	if err != nil {
		return types.Message{}, err
	}

	attachments, err := json.Marshal(params.Attachments)
	if err != nil {
		return types.Message{}, fmt.Errorf("encode attachments: %w", err)
	}

	msg := types.Message{
		Container:   params.Container,
		UserId:      params.UserId,
		Content:     params.Content,
		Attachments: params.Attachments,
		Timestamp:   params.CreatedAt,
	}

	err = db.withTx(ctx, func(tx *sql.Tx) error {
		// the row lock on the container serializes sequence assignment only
		err := tx.QueryRowContext(ctx,
			"UPDATE "+table+" SET seq_id = seq_id + 1 WHERE id = $1 RETURNING seq_id",
			params.Container.Id,
		).Scan(&msg.SeqId)
		if err != nil {
			return notFound(err)
		}

		return tx.QueryRowContext(ctx,
			"INSERT INTO messages (container_kind, container_id, seq_id, user_id, content, attachments, created_at) "+
				"VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id",
			params.Container.Kind,
			params.Container.Id,
			msg.SeqId,
			params.UserId,
			params.Content,
			attachments,
			params.CreatedAt,
		).Scan(&msg.Id)
	})
	if err != nil {
		return types.Message{}, err
	}

	return msg, nil
}

// LastSeqId returns the seq_id of the newest message committed to container, zero
// when it has none.
func (db *PgChatRepository) LastSeqId(ctx context.Context, container types.ContainerRef) (int, error) {
	table, err := containerTable(container.Kind)
	if err != nil {
		return 0, err
	}

	var seq int
	err = db.conn.QueryRowContext(ctx,
		"SELECT seq_id FROM "+table+" WHERE id = $1",
		container.Id,
	).Scan(&seq)

	return seq, notFound(err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (types.Message, error) {
	var (
		msg         types.Message
		attachments []byte
	)
	err := row.Scan(
		&msg.Id,
		&msg.Container.Kind,
		&msg.Container.Id,
		&msg.SeqId,
		&msg.UserId,
		&msg.Content,
		&attachments,
		&msg.Timestamp,
	)
	if err != nil {
		return types.Message{}, err
	}

	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &msg.Attachments); err != nil {
			return types.Message{}, fmt.Errorf("decode attachments: %w", err)
		}
	}

	return msg, nil
}

const messageColumns = "id, container_kind, container_id, seq_id, user_id, content, attachments, created_at"

func (db *PgChatRepository) GetMessage(ctx context.Context, id int) (types.Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE id = $1", id,
	)

	msg, err := scanMessage(row)
	return msg, notFound(err)
}

func (db *PgChatRepository) DeleteMessage(ctx context.Context, id int) error {
	res, err := db.conn.ExecContext(ctx, "DELETE FROM messages WHERE id = $1", id)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}

func (db *PgChatRepository) GetMessages(ctx context.Context, container types.ContainerRef, before, limit int) ([]types.Message, error) {
	upper := 1<<31 - 1
	if before > 0 {
		upper = before - 1
	}

	limit = normalizeLimit(limit)
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages "+
			"WHERE container_kind = $1 AND container_id = $2 AND seq_id <= $3 ORDER BY seq_id DESC LIMIT $4",
		container.Kind,
		container.Id,
		upper,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]types.Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

func (db *PgChatRepository) CreateReceipts(ctx context.Context, messageId int, userIds []int) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		var (
			kind      types.ContainerKind
			id        int
			createdAt time.Time
		)
		err := tx.QueryRowContext(ctx,
			"SELECT container_kind, container_id, created_at FROM messages WHERE id = $1",
			messageId,
		).Scan(&kind, &id, &createdAt)
		if err != nil {
			return notFound(err)
		}

		_, err = tx.ExecContext(ctx,
			"INSERT INTO receipt_batches (message_id, created_at) VALUES ($1, $2)",
			messageId, time.Now().UTC(),
		)
		if err != nil {
			if isUniqueViolation(err, "") {
				return ErrDuplicateReceipt
			}
			return err
		}

		stmt, err := tx.PrepareContext(ctx,
			"INSERT INTO receipts (message_id, user_id, container_kind, container_id, message_created_at) "+
				"VALUES ($1, $2, $3, $4, $5)",
		)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, userId := range userIds {
			if _, err := stmt.ExecContext(ctx, messageId, userId, kind, id, createdAt); err != nil {
				if isUniqueViolation(err, "") {
					return ErrDuplicateReceipt
				}
				return err
			}
		}

		return nil
	})
}

func (db *PgChatRepository) GetReceipts(ctx context.Context, messageId int) ([]types.Receipt, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT message_id, user_id, container_kind, container_id, read_at FROM receipts "+
			"WHERE message_id = $1 ORDER BY user_id",
		messageId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	receipts := make([]types.Receipt, 0)
	for rows.Next() {
		var (
			r      types.Receipt
			readAt sql.NullTime
		)
		if err := rows.Scan(&r.MessageId, &r.UserId, &r.Container.Kind, &r.Container.Id, &readAt); err != nil {
			return nil, err
		}
		if readAt.Valid {
			t := readAt.Time
			r.ReadAt = &t
		}
		receipts = append(receipts, r)
	}

	return receipts, rows.Err()
}

func (db *PgChatRepository) MarkRead(ctx context.Context, userId int, container types.ContainerRef, upTo time.Time) (int, error) {
	// read_at IS NULL keeps the transition one-way
	res, err := db.conn.ExecContext(ctx,
		"UPDATE receipts SET read_at = $5 "+
			"WHERE user_id = $1 AND container_kind = $2 AND container_id = $3 "+
			"AND read_at IS NULL AND message_created_at <= $4",
		userId,
		container.Kind,
		container.Id,
		upTo,
		time.Now().UTC(),
	)
	if err != nil {
		return 0, err
	}

	n, err := res.RowsAffected()
	return int(n), err
}

func (db *PgChatRepository) UnreadCount(ctx context.Context, userId int, container types.ContainerRef) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		"SELECT count(*) FROM receipts "+
			"WHERE user_id = $1 AND container_kind = $2 AND container_id = $3 AND read_at IS NULL",
		userId, container.Kind, container.Id,
	).Scan(&count)

	return count, err
}

func (db *PgChatRepository) UnreadCounts(ctx context.Context, userId int) (map[types.ContainerRef]int, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT r.container_kind, r.container_id, count(*) FROM receipts r "+
			"JOIN memberships m ON m.container_kind = r.container_kind "+
			"AND m.container_id = r.container_id AND m.user_id = r.user_id "+
			"WHERE r.user_id = $1 AND r.read_at IS NULL "+
			"GROUP BY r.container_kind, r.container_id",
		userId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[types.ContainerRef]int)
	for rows.Next() {
		var (
			ref   types.ContainerRef
			count int
		)
		if err := rows.Scan(&ref.Kind, &ref.Id, &count); err != nil {
			return nil, err
		}
		counts[ref] = count
	}

	return counts, rows.Err()
}

func (db *PgChatRepository) DeleteUnreadReceipts(ctx context.Context, userId int, container types.ContainerRef) (int, error) {
	res, err := db.conn.ExecContext(ctx,
		"DELETE FROM receipts WHERE user_id = $1 AND container_kind = $2 AND container_id = $3 AND read_at IS NULL",
		userId, container.Kind, container.Id,
	)
	if err != nil {
		return 0, err
	}

	n, err := res.RowsAffected()
	return int(n), err
}
