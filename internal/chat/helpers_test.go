package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/go-chatfanout/internal/database"
	"github.com/npezzotti/go-chatfanout/internal/pubsub"
	"github.com/npezzotti/go-chatfanout/internal/stats"
	"github.com/npezzotti/go-chatfanout/internal/testutil"
	"github.com/npezzotti/go-chatfanout/internal/types"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	id     string
	userId int
	block  bool

	mu     sync.Mutex
	events []pubsub.Event
}

func newFakeSink(id string, userId int) *fakeSink {
	return &fakeSink{id: id, userId: userId}
}

func (s *fakeSink) Id() string  { return s.id }
func (s *fakeSink) UserId() int { return s.userId }

func (s *fakeSink) Push(ctx context.Context, ev pubsub.Event) error {
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeSink) received() []pubsub.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pubsub.Event(nil), s.events...)
}

func (s *fakeSink) messageIds(typ pubsub.EventType) []int {
	var ids []int
	for _, ev := range s.received() {
		if ev.Type == typ {
			ids = append(ids, ev.MessageId)
		}
	}
	return ids
}

type testEnv struct {
	svc    *Service
	repo   *database.BadgerChatRepository
	broker *pubsub.Local
	stats  *stats.StatsUpdater
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Dispatch = DispatchConfig{
		SendTimeout:     50 * time.Millisecond,
		GapTimeout:      100 * time.Millisecond,
		LaneIdleTimeout: 200 * time.Millisecond,
		LaneBuffer:      16,
	}
	return cfg
}

// newTestEnv runs a service against an in-memory store and a local broker.
func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	repo, err := database.NewBadgerChatRepository("")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	su := stats.NewStatsUpdater(nil)
	su.Run()
	t.Cleanup(su.Stop)

	broker := pubsub.NewLocal(64)
	svc := New(testutil.TestLogger(t), repo, broker, su, cfg)

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

	return &testEnv{svc: svc, repo: repo, broker: broker, stats: su}
}

// newRoom creates a room owned by the first user with the others as plain members.
func (e *testEnv) newRoom(t *testing.T, name string, users ...int) types.Room {
	t.Helper()
	ctx := context.Background()

	room, err := e.svc.CreateRoom(ctx, users[0], name, "")
	require.NoError(t, err)
	for _, u := range users[1:] {
		_, err := e.svc.AddMember(ctx, users[0], room.Id, u, types.RoleMember)
		require.NoError(t, err)
	}
	return room
}

func (e *testEnv) open(t *testing.T, sink *fakeSink, container types.ContainerRef) {
	t.Helper()
	_, err := e.svc.Open(context.Background(), sink.UserId(), container, sink)
	require.NoError(t, err)
}
