package chat

import (
	"context"
	"errors"

	"github.com/npezzotti/go-chatfanout/internal/database"
	"github.com/npezzotti/go-chatfanout/internal/types"
)

// Index answers who may receive messages for a container. Every call reads the
// repository so additions and removals are visible on the next read.
type Index struct {
	repo database.ChatRepository
}

func NewIndex(repo database.ChatRepository) *Index {
	return &Index{repo: repo}
}

func (ix *Index) MembersOf(ctx context.Context, container types.ContainerRef) ([]int, error) {
	members, err := ix.repo.ListMembers(ctx, container)
	if err != nil {
		return nil, notFound(string(container.Kind), container.Id, err)
	}

	ids := make([]int, len(members))
	for i, m := range members {
		ids[i] = m.UserId
	}
	return ids, nil
}

func (ix *Index) Member(ctx context.Context, userId int, container types.ContainerRef) (types.Member, error) {
	if !container.Valid() {
		return types.Member{}, &ValidationError{Field: "container", Reason: "unknown container"}
	}

	m, err := ix.repo.GetMember(ctx, container, userId)
	if errors.Is(err, database.ErrNotMember) {
		return types.Member{}, notMember(userId, container)
	}

	return m, err
}

func (ix *Index) IsMember(ctx context.Context, userId int, container types.ContainerRef) (bool, error) {
	_, err := ix.Member(ctx, userId, container)
	if err == nil {
		return true, nil
	}

	var unauthorized *UnauthorizedError
	if errors.As(err, &unauthorized) {
		return false, nil
	}
	return false, err
}

// authorize returns an UnauthorizedError unless userId is a member of container.
func (ix *Index) authorize(ctx context.Context, userId int, container types.ContainerRef) error {
	_, err := ix.Member(ctx, userId, container)
	return err
}

// Role returns the role userId holds in container.
func (ix *Index) Role(ctx context.Context, userId int, container types.ContainerRef) (types.Role, error) {
	m, err := ix.Member(ctx, userId, container)
	if err != nil {
		return "", err
	}
	return m.Role, nil
}

// LastSeqId returns the seq_id of the newest message committed to container.
func (ix *Index) LastSeqId(ctx context.Context, container types.ContainerRef) (int, error) {
	seq, err := ix.repo.LastSeqId(ctx, container)
	if err != nil {
		return 0, notFound(string(container.Kind), container.Id, err)
	}
	return seq, nil
}
