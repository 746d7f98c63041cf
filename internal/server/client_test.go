package server

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/npezzotti/go-chatfanout/internal/chat"
	"github.com/npezzotti/go-chatfanout/internal/pubsub"
	"github.com/npezzotti/go-chatfanout/internal/stats"
	"github.com/npezzotti/go-chatfanout/internal/testutil"
	"github.com/npezzotti/go-chatfanout/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func Test_queueMessage(t *testing.T) {
	t.Run("successful queue", func(t *testing.T) {
		c := &Client{
			send: make(chan *ServerMessage, 1),
			log:  testutil.TestLogger(t),
		}

		res := c.queueMessage(&ServerMessage{})
		assert.True(t, res, "expected queueMessage to return true when channel is not full")

		select {
		case msg := <-c.send:
			assert.NotNil(t, msg, "expected a message to be sent to the client")
		default:
			t.Error("expected a message to be sent to the client, but none was sent")
		}
	})
	t.Run("channel full", func(t *testing.T) {
		c := &Client{
			send: make(chan *ServerMessage, 1),
			log:  testutil.TestLogger(t),
		}

		c.send <- &ServerMessage{}
		res := c.queueMessage(&ServerMessage{})
		assert.False(t, res, "expected queueMessage to return false when channel is full")
	})
}

func Test_stopClient(t *testing.T) {
	c := &Client{
		stop: make(chan struct{}),
	}

	c.stopClient()
	c.stopClient()

	select {
	case <-c.stop:
	default:
		t.Error("expected stop channel to be closed")
	}
}

func TestClient_Push(t *testing.T) {
	ev := pubsub.Event{Type: pubsub.EventMessageCreated, Container: types.RoomRef(1), SeqId: 1, MessageId: 10}

	t.Run("queues event", func(t *testing.T) {
		c := NewClient(1, nil, nil, testutil.TestLogger(t))
		require.NoError(t, c.Push(context.Background(), ev))

		msg := <-c.send
		require.NotNil(t, msg.Event)
		assert.Equal(t, ev, *msg.Event)
		assert.Nil(t, msg.Response)
	})

	t.Run("times out when the queue is full", func(t *testing.T) {
		c := NewClient(1, nil, nil, testutil.TestLogger(t))
		c.send = make(chan *ServerMessage)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, c.Push(ctx, ev), context.DeadlineExceeded)
	})

	t.Run("fails once stopped", func(t *testing.T) {
		c := NewClient(1, nil, nil, testutil.TestLogger(t))
		c.stopClient()
		assert.ErrorIs(t, c.Push(context.Background(), ev), ErrClientClosed)
	})
}

func TestClient_Ids(t *testing.T) {
	a := NewClient(7, nil, nil, testutil.TestLogger(t))
	b := NewClient(7, nil, nil, testutil.TestLogger(t))

	assert.Equal(t, 7, a.UserId())
	assert.NotEmpty(t, a.Id())
	assert.NotEqual(t, a.Id(), b.Id(), "expected every connection to get its own id")
}

func TestClient_handle(t *testing.T) {
	room := types.RoomRef(3)
	upTo := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tcs := []struct {
		name     string
		msg      *ClientMessage
		setup    func(m *MockChat, c *Client)
		wantCode int
	}{
		{
			name: "subscribe",
			msg:  &ClientMessage{Id: 1, Subscribe: &Subscribe{Container: room}},
			setup: func(m *MockChat, c *Client) {
				m.On("Open", mock.Anything, 1, room, c).Return(2, nil)
			},
			wantCode: http.StatusOK,
		},
		{
			name: "subscribe forbidden",
			msg:  &ClientMessage{Id: 2, Subscribe: &Subscribe{Container: room}},
			setup: func(m *MockChat, c *Client) {
				m.On("Open", mock.Anything, 1, room, c).Return(0, &chat.UnauthorizedError{UserId: 1, Container: room})
			},
			wantCode: http.StatusForbidden,
		},
		{
			name: "unsubscribe",
			msg:  &ClientMessage{Id: 3, Unsubscribe: &Unsubscribe{Container: room}},
			setup: func(m *MockChat, c *Client) {
				m.On("Close", 1, room, c).Return()
			},
			wantCode: http.StatusOK,
		},
		{
			name: "publish",
			msg:  &ClientMessage{Id: 4, Publish: &Publish{Container: room, Content: "hi"}},
			setup: func(m *MockChat, c *Client) {
				m.On("CreateMessage", mock.Anything, 1, room, "hi", []types.Attachment(nil)).
					Return(types.Message{Id: 9, Container: room, SeqId: 1, UserId: 1, Content: "hi"}, nil)
			},
			wantCode: http.StatusAccepted,
		},
		{
			name: "publish invalid",
			msg:  &ClientMessage{Id: 5, Publish: &Publish{Container: room}},
			setup: func(m *MockChat, c *Client) {
				m.On("CreateMessage", mock.Anything, 1, room, "", []types.Attachment(nil)).
					Return(types.Message{}, &chat.ValidationError{Field: "content", Reason: "required"})
			},
			wantCode: http.StatusBadRequest,
		},
		{
			name: "read",
			msg:  &ClientMessage{Id: 6, Read: &Read{Container: room, UpTo: upTo}},
			setup: func(m *MockChat, c *Client) {
				m.On("MarkRead", mock.Anything, 1, room, upTo).Return(4, nil)
			},
			wantCode: http.StatusOK,
		},
		{
			name: "store failure",
			msg:  &ClientMessage{Id: 7, Read: &Read{Container: room, UpTo: upTo}},
			setup: func(m *MockChat, c *Client) {
				m.On("MarkRead", mock.Anything, 1, room, upTo).Return(0, errors.New("boom"))
			},
			wantCode: http.StatusInternalServerError,
		},
		{
			name: "store timeout",
			msg:  &ClientMessage{Id: 8, Read: &Read{Container: room, UpTo: upTo}},
			setup: func(m *MockChat, c *Client) {
				m.On("MarkRead", mock.Anything, 1, room, upTo).Return(0, context.DeadlineExceeded)
			},
			wantCode: http.StatusServiceUnavailable,
		},
		{
			name:     "no action",
			msg:      &ClientMessage{Id: 9},
			setup:    func(m *MockChat, c *Client) {},
			wantCode: http.StatusBadRequest,
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			m := &MockChat{}
			defer m.AssertExpectations(t)

			cs := NewChatServer(testutil.TestLogger(t), m, &stats.MockStatsUpdater{})
			c := NewClient(1, nil, cs, testutil.TestLogger(t))
			tc.setup(m, c)

			resp := c.handle(context.Background(), tc.msg)
			require.NotNil(t, resp.Response)
			assert.Equal(t, tc.msg.Id, resp.Id, "expected response to echo the frame id")
			assert.Equal(t, tc.wantCode, resp.Response.ResponseCode)
		})
	}
}
