package chat

import (
	"context"
	"errors"
	"log"
	"sort"
	"time"

	"github.com/npezzotti/go-chatfanout/internal/database"
	"github.com/npezzotti/go-chatfanout/internal/types"
	"github.com/samber/lo"
)

// ReceiptStore tracks read state per (message, recipient). The only transition is
// unread to read, so concurrent MarkRead calls commute.
type ReceiptStore struct {
	log  *log.Logger
	repo database.ChatRepository
}

func NewReceiptStore(logger *log.Logger, repo database.ChatRepository) *ReceiptStore {
	return &ReceiptStore{log: logger, repo: repo}
}

// CreateReceipts creates one unread receipt per recipient other than the author. It
// must be called once per message.
func (rs *ReceiptStore) CreateReceipts(ctx context.Context, messageId, authorId int, recipientIds []int) error {
	recipients := lo.Uniq(lo.Without(recipientIds, authorId))
	sort.Ints(recipients)

	err := rs.repo.CreateReceipts(ctx, messageId, recipients)
	if errors.Is(err, database.ErrDuplicateReceipt) {
		dupErr := &DuplicateReceiptError{MessageId: messageId}
		rs.log.Println("invariant violation:", dupErr)
		return dupErr
	}
	if err != nil {
		return notFound("message", messageId, err)
	}

	return nil
}

// MarkRead marks every unread receipt of userId in container whose message was created
// at or before upTo. It returns how many receipts changed state.
func (rs *ReceiptStore) MarkRead(ctx context.Context, userId int, container types.ContainerRef, upTo time.Time) (int, error) {
	return rs.repo.MarkRead(ctx, userId, container, upTo)
}

// UnreadCount counts unread receipts in container, or across every container the user
// belongs to when container is nil.
func (rs *ReceiptStore) UnreadCount(ctx context.Context, userId int, container *types.ContainerRef) (int, error) {
	if container != nil {
		return rs.repo.UnreadCount(ctx, userId, *container)
	}

	counts, err := rs.repo.UnreadCounts(ctx, userId)
	if err != nil {
		return 0, err
	}

	return lo.Sum(lo.Values(counts)), nil
}

func (rs *ReceiptStore) UnreadCounts(ctx context.Context, userId int) (map[types.ContainerRef]int, error) {
	return rs.repo.UnreadCounts(ctx, userId)
}

func (rs *ReceiptStore) Receipts(ctx context.Context, messageId int) ([]types.Receipt, error) {
	return rs.repo.GetReceipts(ctx, messageId)
}

// retract drops the user's unread receipts in container, used when they leave it.
func (rs *ReceiptStore) retract(ctx context.Context, userId int, container types.ContainerRef) error {
	n, err := rs.repo.DeleteUnreadReceipts(ctx, userId, container)
	if err != nil {
		return err
	}

	rs.log.Printf("retracted %d unread receipts for user %d on %s", n, userId, container)
	return nil
}
