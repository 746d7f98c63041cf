package chat

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/go-chatfanout/internal/stats"
	"github.com/npezzotti/go-chatfanout/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_SubscribeRequiresMembership(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	room := env.newRoom(t, "members", 1, 2)
	reg := env.svc.Registry

	tcs := []struct {
		name      string
		userId    int
		sink      *fakeSink
		container types.ContainerRef
		wantErr   bool
	}{
		{name: "member", userId: 2, sink: newFakeSink("a", 2), container: room.Ref()},
		{name: "non member", userId: 3, sink: newFakeSink("b", 3), container: room.Ref(), wantErr: true},
		{name: "sink of another user", userId: 2, sink: newFakeSink("c", 1), container: room.Ref(), wantErr: true},
		{name: "unknown container", userId: 2, sink: newFakeSink("d", 2), container: types.RoomRef(999), wantErr: true},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			err := reg.Subscribe(ctx, tc.userId, tc.container, tc.sink)
			if tc.wantErr {
				var unauthorized *UnauthorizedError
				assert.ErrorAs(t, err, &unauthorized)
				return
			}
			assert.NoError(t, err)
		})
	}

	assert.Equal(t, []int{2}, reg.SubscribersOf(room.Ref()))
	assert.Empty(t, reg.SubscribersOf(types.RoomRef(999)))
}

func TestRegistry_UnsubscribeAndDrop(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	general := env.newRoom(t, "general", 1, 2)
	random := env.newRoom(t, "random", 1, 2)
	reg := env.svc.Registry

	laptop := newFakeSink("laptop", 2)
	phone := newFakeSink("phone", 2)
	require.NoError(t, reg.Subscribe(ctx, 2, general.Ref(), laptop))
	require.NoError(t, reg.Subscribe(ctx, 2, general.Ref(), phone))
	require.NoError(t, reg.Subscribe(ctx, 2, random.Ref(), laptop))

	assert.Len(t, reg.Sinks(general.Ref(), 2), 2)

	assert.True(t, reg.Unsubscribe(2, general.Ref(), phone))
	assert.False(t, reg.Unsubscribe(2, general.Ref(), phone), "expected a second unsubscribe to be a no-op")
	assert.Equal(t, []int{2}, reg.SubscribersOf(general.Ref()), "expected the laptop to keep the user subscribed")

	reg.Drop(laptop)
	assert.Empty(t, reg.SubscribersOf(general.Ref()))
	assert.Empty(t, reg.SubscribersOf(random.Ref()))
}

func TestRegistry_ConcurrentSubscriptions(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	users := []int{1, 2, 3, 4, 5, 6, 7, 8}
	room := env.newRoom(t, "crowd", users...)
	reg := env.svc.Registry

	var wg sync.WaitGroup
	for _, u := range users {
		for i := range 20 {
			wg.Add(1)
			go func(u, i int) {
				defer wg.Done()
				sink := newFakeSink(fmt.Sprintf("%d-%d", u, i), u)
				assert.NoError(t, reg.Subscribe(ctx, u, room.Ref(), sink))
				// odd connections go away again
				if i%2 == 1 {
					assert.True(t, reg.Unsubscribe(u, room.Ref(), sink))
				}
			}(u, i)
		}
	}
	wg.Wait()

	assert.Equal(t, users, reg.SubscribersOf(room.Ref()))
	for _, u := range users {
		assert.Len(t, reg.Sinks(room.Ref(), u), 10)
	}
	assert.Eventually(t, func() bool {
		return env.stats.Value(stats.MetricSubscriptions) == int64(len(users)*10)
	}, waitFor, 10*time.Millisecond)
}

func TestRegistry_EvictedUserCannotResubscribe(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	room := env.newRoom(t, "evict", 1, 2)
	reg := env.svc.Registry

	sink := newFakeSink("s", 2)
	require.NoError(t, reg.Subscribe(ctx, 2, room.Ref(), sink))
	require.NoError(t, env.svc.RemoveMember(ctx, 1, room.Id, 2))

	assert.Empty(t, reg.Sinks(room.Ref(), 2))
	assert.Empty(t, reg.Evict(2, room.Ref()), "expected nothing left to evict")

	err := reg.Subscribe(ctx, 2, room.Ref(), sink)
	var unauthorized *UnauthorizedError
	assert.ErrorAs(t, err, &unauthorized)
	assert.Empty(t, reg.SubscribersOf(room.Ref()))
}
