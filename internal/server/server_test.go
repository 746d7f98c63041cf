package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatfanout/internal/chat"
	"github.com/npezzotti/go-chatfanout/internal/database"
	"github.com/npezzotti/go-chatfanout/internal/pubsub"
	"github.com/npezzotti/go-chatfanout/internal/stats"
	"github.com/npezzotti/go-chatfanout/internal/testutil"
	"github.com/npezzotti/go-chatfanout/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestChatServer(t *testing.T, chatSvc Chat, su stats.StatsProvider) *ChatServer {
	return NewChatServer(testutil.TestLogger(t), chatSvc, su)
}

func TestNewChatServer(t *testing.T) {
	m := &MockChat{}
	su := &stats.MockStatsUpdater{}
	logger := testutil.TestLogger(t)

	cs := NewChatServer(logger, m, su)
	assert.Equal(t, logger, cs.log, "expected logger to be set")
	assert.Equal(t, m, cs.chat, "expected chat service to be set")
	assert.NotNil(t, cs.registerChan, "expected registerChan to be initialized")
	assert.NotNil(t, cs.deRegisterChan, "expected deRegisterChan to be initialized")
	assert.NotNil(t, cs.stop, "expected stop channel to be initialized")
	assert.NotNil(t, cs.clients, "expected clients map to be initialized")
}

func TestChatServerShutdown(t *testing.T) {
	t.Run("successful shutdown", func(t *testing.T) {
		cs := newTestChatServer(t, &MockChat{}, &stats.MockStatsUpdater{})

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		go func() {
			select {
			case req := <-cs.stop:
				assert.NotNil(t, req.done, "expected done channel in stop request")
				close(req.done)
			case <-time.After(100 * time.Millisecond):
				t.Error("expected signal on stop chan")
			}
		}()

		err := cs.Shutdown(ctx)
		assert.NoError(t, err, "expected successful shutdown without error")
	})

	t.Run("fails with context deadline exceeded", func(t *testing.T) {
		cs := newTestChatServer(t, &MockChat{}, &stats.MockStatsUpdater{})

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		go func() {
			select {
			case <-cs.stop:
				// never signal completion
			case <-time.After(100 * time.Millisecond):
				t.Error("expected signal on stop chan")
			}
		}()

		err := cs.Shutdown(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded, "expected context deadline exceeded error, got %v", err)
	})
}

func TestChatServer_addClient_removeClient(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", stats.MetricConnections).Once()
	su.On("Decr", stats.MetricConnections).Once()
	defer su.AssertExpectations(t)

	m := &MockChat{}
	defer m.AssertExpectations(t)

	cs := newTestChatServer(t, m, su)
	c := NewClient(1, nil, cs, testutil.TestLogger(t))
	m.On("Disconnect", c).Once()

	cs.addClient(c)
	cs.addClient(c)
	assert.Len(t, cs.getClients(), 1, "expected the client to be tracked once")

	cs.removeClient(c)
	cs.removeClient(c)
	assert.Empty(t, cs.getClients())
}

func TestChatServer_ShutdownStopsClients(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", stats.MetricConnections).Twice()
	su.On("Decr", stats.MetricConnections).Twice()
	m := &MockChat{}
	m.On("Disconnect", mock.Anything).Twice()

	cs := newTestChatServer(t, m, su)
	go cs.Run()

	clients := []*Client{
		NewClient(1, nil, cs, testutil.TestLogger(t)),
		NewClient(2, nil, cs, testutil.TestLogger(t)),
	}
	for _, c := range clients {
		require.True(t, cs.register(c))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, cs.Shutdown(ctx))

	for _, c := range clients {
		select {
		case <-c.stop:
		default:
			t.Errorf("expected client %s to be stopped", c.id)
		}
	}
	assert.False(t, cs.register(NewClient(3, nil, cs, testutil.TestLogger(t))), "expected registration to fail after shutdown")
	assert.NoError(t, cs.Shutdown(ctx), "expected a second shutdown to return immediately")

	su.AssertExpectations(t)
	m.AssertExpectations(t)
}

// newWsTestServer serves websocket connections backed by a real chat service. The user
// id is taken from the "user" query parameter.
func newWsTestServer(t *testing.T) (*httptest.Server, *chat.Service) {
	t.Helper()

	repo, err := database.NewBadgerChatRepository("")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	su := stats.NewStatsUpdater(nil)
	su.Run()
	t.Cleanup(su.Stop)

	logger := testutil.TestLogger(t)
	svc := chat.New(logger, repo, pubsub.NewLocal(64), su, chat.DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	cs := NewChatServer(logger, svc, su)
	go cs.Run()
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		cs.Shutdown(shutdownCtx)
	})

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userId, err := strconv.Atoi(r.URL.Query().Get("user"))
		if err != nil {
			http.Error(w, "bad user", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		cs.Serve(userId, conn)
	}))
	t.Cleanup(srv.Close)

	return srv, svc
}

func dial(t *testing.T, srv *httptest.Server, userId int) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?user=" + strconv.Itoa(userId)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg ServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestChatServer_Integration(t *testing.T) {
	srv, svc := newWsTestServer(t)
	ctx := context.Background()

	conv, err := svc.Between(ctx, 1, 2)
	require.NoError(t, err)

	alice := dial(t, srv, 1)
	bob := dial(t, srv, 2)
	eve := dial(t, srv, 3)

	require.NoError(t, alice.WriteJSON(ClientMessage{Id: 1, Subscribe: &Subscribe{Container: conv.Ref()}}))
	resp := readFrame(t, alice)
	require.NotNil(t, resp.Response)
	assert.Equal(t, http.StatusOK, resp.Response.ResponseCode)

	require.NoError(t, bob.WriteJSON(ClientMessage{Id: 1, Subscribe: &Subscribe{Container: conv.Ref()}}))
	resp = readFrame(t, bob)
	assert.Equal(t, http.StatusOK, resp.Response.ResponseCode)

	require.NoError(t, eve.WriteJSON(ClientMessage{Id: 1, Subscribe: &Subscribe{Container: conv.Ref()}}))
	resp = readFrame(t, eve)
	assert.Equal(t, http.StatusForbidden, resp.Response.ResponseCode, "expected outsiders to be refused")

	require.NoError(t, alice.WriteJSON(ClientMessage{Id: 2, Publish: &Publish{Container: conv.Ref(), Content: "hi bob"}}))
	resp = readFrame(t, alice)
	require.NotNil(t, resp.Response)
	assert.Equal(t, 2, resp.Id)
	assert.Equal(t, http.StatusAccepted, resp.Response.ResponseCode)

	pushed := readFrame(t, bob)
	require.NotNil(t, pushed.Event, "expected bob to receive the message")
	assert.Equal(t, pubsub.EventMessageCreated, pushed.Event.Type)
	require.NotNil(t, pushed.Event.Message)
	assert.Equal(t, "hi bob", pushed.Event.Message.Content)
	assert.Equal(t, 1, pushed.Event.Message.UserId)

	require.NoError(t, bob.WriteJSON(ClientMessage{Id: 2, Read: &Read{Container: conv.Ref()}}))
	resp = readFrame(t, bob)
	require.NotNil(t, resp.Response)
	assert.Equal(t, http.StatusOK, resp.Response.ResponseCode)
	assert.Equal(t, map[string]any{"container": conv.Ref().String(), "marked_read": float64(1)}, resp.Response.Data)

	unread, err := svc.UnreadCount(ctx, 2, nil)
	require.NoError(t, err)
	assert.Zero(t, unread)

	require.NoError(t, eve.WriteMessage(websocket.TextMessage, []byte("not json")))
	resp = readFrame(t, eve)
	assert.Equal(t, http.StatusBadRequest, resp.Response.ResponseCode)
}

func TestChatServer_DisconnectDropsSubscriptions(t *testing.T) {
	srv, svc := newWsTestServer(t)
	ctx := context.Background()

	room, err := svc.CreateRoom(ctx, 1, "lobby", "")
	require.NoError(t, err)

	conn := dial(t, srv, 1)
	require.NoError(t, conn.WriteJSON(ClientMessage{Id: 1, Subscribe: &Subscribe{Container: room.Ref()}}))
	readFrame(t, conn)
	assert.Equal(t, []int{1}, svc.Registry.SubscribersOf(room.Ref()))

	conn.Close()
	assert.Eventually(t, func() bool {
		return len(svc.Registry.SubscribersOf(types.RoomRef(room.Id))) == 0
	}, 2*time.Second, 10*time.Millisecond, "expected subscriptions to go away with the connection")
}
