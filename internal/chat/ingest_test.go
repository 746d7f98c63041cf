package chat

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/npezzotti/go-chatfanout/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngest_Validation(t *testing.T) {
	cfg := testConfig()
	cfg.Limits = Limits{
		MaxBodyLength:       10,
		MaxAttachments:      2,
		MaxAttachmentSize:   1 * MB,
		AllowedContentTypes: []string{"image/*", "application/pdf", "text/plain"},
	}
	env := newTestEnv(t, cfg)
	ctx := context.Background()
	conv, err := env.svc.Between(ctx, 1, 2)
	require.NoError(t, err)

	png := types.Attachment{Filename: "cat.png", ContentType: "image/png", Size: 2048}

	tcs := []struct {
		name        string
		body        string
		attachments []types.Attachment
		field       string
	}{
		{name: "plain text", body: "hello"},
		{name: "body at limit", body: strings.Repeat("é", 10)},
		{name: "attachment only", attachments: []types.Attachment{png}},
		{name: "content type parameters", body: "notes", attachments: []types.Attachment{{Filename: "a.txt", ContentType: "text/plain; charset=utf-8", Size: 10}}},
		{name: "exact type", attachments: []types.Attachment{{Filename: "a.pdf", ContentType: "application/pdf", Size: 10}}},
		{name: "empty", field: "content"},
		{name: "whitespace only", body: "  \n ", field: "content"},
		{name: "body too long", body: strings.Repeat("x", 11), field: "content"},
		{name: "too many attachments", attachments: []types.Attachment{png, png, png}, field: "attachments"},
		{name: "missing filename", attachments: []types.Attachment{{ContentType: "image/png", Size: 1}}, field: "Filename"},
		{name: "empty attachment", attachments: []types.Attachment{{Filename: "empty.png", ContentType: "image/png"}}, field: "Size"},
		{name: "attachment too large", attachments: []types.Attachment{{Filename: "big.png", ContentType: "image/png", Size: 2 * MB}}, field: "size"},
		{name: "unknown type", attachments: []types.Attachment{{Filename: "x.bin", ContentType: "application/x-made-up", Size: 1}}, field: "content_type"},
		{name: "malformed type", attachments: []types.Attachment{{Filename: "x", ContentType: "not a type", Size: 1}}, field: "content_type"},
		{name: "disallowed type", attachments: []types.Attachment{{Filename: "x.json", ContentType: "application/json", Size: 1}}, field: "content_type"},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := env.svc.CreateMessage(ctx, 1, conv.Ref(), tc.body, tc.attachments)
			if tc.field != "" {
				var validation *ValidationError
				require.ErrorAs(t, err, &validation)
				assert.Equal(t, tc.field, validation.Field)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.body, msg.Content)
			assert.Len(t, msg.Attachments, len(tc.attachments))
		})
	}
}

func TestIngest_NonMemberCannotPost(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	conv, err := env.svc.Between(ctx, 1, 2)
	require.NoError(t, err)

	_, err = env.svc.CreateMessage(ctx, 3, conv.Ref(), "let me in", nil)
	var unauthorized *UnauthorizedError
	require.ErrorAs(t, err, &unauthorized)

	history, err := env.svc.History(ctx, 1, conv.Ref(), 0, 10)
	require.NoError(t, err)
	assert.Empty(t, history, "expected nothing to be persisted")

	_, err = env.svc.History(ctx, 3, conv.Ref(), 0, 10)
	assert.ErrorAs(t, err, &unauthorized)

	_, err = env.svc.CreateMessage(ctx, 1, types.ContainerRef{Kind: "channel", Id: 1}, "hi", nil)
	var validation *ValidationError
	assert.ErrorAs(t, err, &validation)
}

func TestIngest_History(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	room := env.newRoom(t, "history", 1, 2)

	for i := range 5 {
		_, err := env.svc.CreateMessage(ctx, 1+i%2, room.Ref(), strings.Repeat("m", i+1), nil)
		require.NoError(t, err)
	}

	page, err := env.svc.History(ctx, 2, room.Ref(), 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, 5, page[0].SeqId)
	assert.Equal(t, 4, page[1].SeqId)

	page, err = env.svc.History(ctx, 2, room.Ref(), page[1].SeqId, 10)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, 1, page[2].SeqId)
}

func TestReceipts_MarkReadIsMonotonicAndIdempotent(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	conv, err := env.svc.Between(ctx, 1, 2)
	require.NoError(t, err)

	var sent []types.Message
	for range 3 {
		msg, err := env.svc.CreateMessage(ctx, 1, conv.Ref(), "hey", nil)
		require.NoError(t, err)
		sent = append(sent, msg)
		time.Sleep(time.Millisecond)
	}

	marked, err := env.svc.MarkRead(ctx, 2, conv.Ref(), sent[1].Timestamp)
	require.NoError(t, err)
	assert.Equal(t, 2, marked)

	marked, err = env.svc.MarkRead(ctx, 2, conv.Ref(), sent[1].Timestamp)
	require.NoError(t, err)
	assert.Zero(t, marked, "expected repeating the call to change nothing")

	marked, err = env.svc.MarkRead(ctx, 2, conv.Ref(), sent[0].Timestamp.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, marked, "expected an older bound never to unread anything")

	containerRef := conv.Ref()
	count, err := env.svc.UnreadCount(ctx, 2, &containerRef)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = env.svc.MarkRead(ctx, 3, conv.Ref(), time.Time{})
	var unauthorized *UnauthorizedError
	assert.ErrorAs(t, err, &unauthorized)

	marked, err = env.svc.MarkRead(ctx, 2, conv.Ref(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, marked, "expected a zero bound to mean now")
}

func TestReceipts_ConcurrentMarkReadCommutes(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	room := env.newRoom(t, "commute", 1, 2)

	var sent []types.Message
	for range 6 {
		msg, err := env.svc.CreateMessage(ctx, 1, room.Ref(), "x", nil)
		require.NoError(t, err)
		sent = append(sent, msg)
		time.Sleep(time.Millisecond)
	}

	results := make(chan int, len(sent))
	for _, msg := range sent {
		go func(upTo time.Time) {
			n, err := env.svc.MarkRead(ctx, 2, room.Ref(), upTo)
			assert.NoError(t, err)
			results <- n
		}(msg.Timestamp)
	}

	total := 0
	for range sent {
		total += <-results
	}
	assert.Equal(t, len(sent), total, "expected every receipt to be marked exactly once")

	count, err := env.svc.UnreadCount(ctx, 2, nil)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestReceipts_UnreadCountAcrossContainers(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	conv, err := env.svc.Between(ctx, 1, 2)
	require.NoError(t, err)
	room := env.newRoom(t, "totals", 3, 2)

	for range 2 {
		_, err := env.svc.CreateMessage(ctx, 1, conv.Ref(), "dm", nil)
		require.NoError(t, err)
	}
	for range 3 {
		_, err := env.svc.CreateMessage(ctx, 3, room.Ref(), "room", nil)
		require.NoError(t, err)
	}

	total, err := env.svc.UnreadCount(ctx, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, total)

	counts, err := env.svc.UnreadCounts(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, map[types.ContainerRef]int{conv.Ref(): 2, room.Ref(): 3}, counts)

	roomRef := room.Ref()
	_, err = env.svc.UnreadCount(ctx, 1, &roomRef)
	var unauthorized *UnauthorizedError
	assert.ErrorAs(t, err, &unauthorized)
}
