package chat

import (
	"context"
	"testing"
	"time"

	"github.com/npezzotti/go-chatfanout/internal/pubsub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenario_FirstDirectMessage(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	conv, err := env.svc.Between(ctx, 1, 2)
	require.NoError(t, err)
	again, err := env.svc.Between(ctx, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, conv.Id, again.Id, "expected one conversation per pair")

	msg, err := env.svc.CreateMessage(ctx, 1, conv.Ref(), "hi", nil)
	require.NoError(t, err)

	receipts, err := env.svc.Receipts.Receipts(ctx, msg.Id)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, 2, receipts[0].UserId)

	ref := conv.Ref()
	authorUnread, err := env.svc.UnreadCount(ctx, 1, &ref)
	require.NoError(t, err)
	assert.Zero(t, authorUnread)

	_, err = env.svc.Open(ctx, 2, ref, newFakeSink("b", 2))
	require.NoError(t, err)

	receipts, err = env.svc.Receipts.Receipts(ctx, msg.Id)
	require.NoError(t, err)
	assert.True(t, receipts[0].Read(), "expected opening the conversation to read the message")
}

func TestScenario_RoomWithOfflineMember(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	room := env.newRoom(t, "team", 1, 2, 3)
	ref := room.Ref()

	b := newFakeSink("b", 2)
	env.open(t, b, ref)

	before, err := env.svc.UnreadCount(ctx, 3, &ref)
	require.NoError(t, err)

	msg, err := env.svc.CreateMessage(ctx, 1, ref, "standup in 5", nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(b.messageIds(pubsub.EventMessageCreated)) == 1
	}, waitFor, 10*time.Millisecond, "expected the subscribed member to get a push")

	after, err := env.svc.UnreadCount(ctx, 3, &ref)
	require.NoError(t, err)
	assert.Equal(t, before+1, after)

	history, err := env.svc.History(ctx, 3, ref, 0, 10)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, msg.Id, history[0].Id)

	_, err = env.svc.MarkRead(ctx, 3, ref, time.Time{})
	require.NoError(t, err)

	after, err = env.svc.UnreadCount(ctx, 3, &ref)
	require.NoError(t, err)
	assert.Zero(t, after)
}
