package chat

import (
	"context"
	"log"
	"sort"
	"sync"

	"github.com/npezzotti/go-chatfanout/internal/pubsub"
	"github.com/npezzotti/go-chatfanout/internal/stats"
	"github.com/npezzotti/go-chatfanout/internal/types"
)

// Sink is one live connection able to receive pushed events.
type Sink interface {
	Id() string
	UserId() int
	// Push queues ev for the connection, giving up when ctx is done.
	Push(ctx context.Context, ev pubsub.Event) error
}

type containerSubs struct {
	mu    sync.RWMutex
	users map[int]map[string]Sink
	// dead is set once the entry was removed from the registry map
	dead bool
}

// Registry tracks which users have a live connection open to which container. It is
// local to one node; there is no lock spanning containers.
type Registry struct {
	log        *log.Logger
	index      *Index
	stats      stats.StatsProvider
	mu         sync.Mutex
	containers map[types.ContainerRef]*containerSubs
}

func NewRegistry(logger *log.Logger, index *Index, su stats.StatsProvider) *Registry {
	return &Registry{
		log:        logger,
		index:      index,
		stats:      su,
		containers: make(map[types.ContainerRef]*containerSubs),
	}
}

func (r *Registry) entry(container types.ContainerRef, create bool) *containerSubs {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.containers[container]
	if !ok && create {
		subs = &containerSubs{users: make(map[int]map[string]Sink)}
		r.containers[container] = subs
	}
	return subs
}

// release removes an empty entry from the map. Callers must hold subs.mu.
func (r *Registry) release(container types.ContainerRef, subs *containerSubs) {
	if len(subs.users) > 0 {
		return
	}

	r.mu.Lock()
	if r.containers[container] == subs {
		delete(r.containers, container)
	}
	r.mu.Unlock()
	subs.dead = true
}

func (r *Registry) add(container types.ContainerRef, sink Sink) {
	for {
		subs := r.entry(container, true)
		subs.mu.Lock()
		if subs.dead {
			subs.mu.Unlock()
			continue
		}

		sinks, ok := subs.users[sink.UserId()]
		if !ok {
			sinks = make(map[string]Sink)
			subs.users[sink.UserId()] = sinks
		}
		_, existed := sinks[sink.Id()]
		sinks[sink.Id()] = sink
		subs.mu.Unlock()

		if !existed && r.stats != nil {
			r.stats.Incr(stats.MetricSubscriptions)
		}
		return
	}
}

// remove deletes the sink and reports whether it was registered.
func (r *Registry) remove(container types.ContainerRef, userId int, sinkId string) bool {
	subs := r.entry(container, false)
	if subs == nil {
		return false
	}

	subs.mu.Lock()
	defer subs.mu.Unlock()

	sinks, ok := subs.users[userId]
	if !ok {
		return false
	}
	if _, ok := sinks[sinkId]; !ok {
		return false
	}

	delete(sinks, sinkId)
	if len(sinks) == 0 {
		delete(subs.users, userId)
	}
	r.release(container, subs)

	if r.stats != nil {
		r.stats.Decr(stats.MetricSubscriptions)
	}
	return true
}

// Subscribe registers sink for container. Users who are not members are rejected with
// an UnauthorizedError.
func (r *Registry) Subscribe(ctx context.Context, userId int, container types.ContainerRef, sink Sink) error {
	if sink.UserId() != userId {
		return &UnauthorizedError{UserId: userId, Container: container, Reason: "connection belongs to another user"}
	}

	if err := r.index.authorize(ctx, userId, container); err != nil {
		return err
	}

	r.add(container, sink)

	// membership may have been revoked between the check and the insert; the removal
	// path evicts after committing, so checking again closes the window
	if err := r.index.authorize(ctx, userId, container); err != nil {
		r.remove(container, userId, sink.Id())
		return err
	}

	return nil
}

func (r *Registry) Unsubscribe(userId int, container types.ContainerRef, sink Sink) bool {
	return r.remove(container, userId, sink.Id())
}

// SubscribersOf returns the users with at least one live connection to container.
func (r *Registry) SubscribersOf(container types.ContainerRef) []int {
	subs := r.entry(container, false)
	if subs == nil {
		return nil
	}

	subs.mu.RLock()
	defer subs.mu.RUnlock()

	users := make([]int, 0, len(subs.users))
	for userId := range subs.users {
		users = append(users, userId)
	}
	sort.Ints(users)
	return users
}

// Sinks returns a snapshot of the user's live connections to container.
func (r *Registry) Sinks(container types.ContainerRef, userId int) []Sink {
	subs := r.entry(container, false)
	if subs == nil {
		return nil
	}

	subs.mu.RLock()
	defer subs.mu.RUnlock()

	sinks := make([]Sink, 0, len(subs.users[userId]))
	for _, s := range subs.users[userId] {
		sinks = append(sinks, s)
	}
	return sinks
}

// Evict removes every connection of userId from container and returns them.
func (r *Registry) Evict(userId int, container types.ContainerRef) []Sink {
	subs := r.entry(container, false)
	if subs == nil {
		return nil
	}

	subs.mu.Lock()
	defer subs.mu.Unlock()

	evicted := make([]Sink, 0, len(subs.users[userId]))
	for _, s := range subs.users[userId] {
		evicted = append(evicted, s)
	}
	delete(subs.users, userId)
	r.release(container, subs)

	if r.stats != nil {
		for range evicted {
			r.stats.Decr(stats.MetricSubscriptions)
		}
	}

	if len(evicted) > 0 {
		r.log.Printf("evicted %d connections of user %d from %s", len(evicted), userId, container)
	}
	return evicted
}

// Drop removes sink from every container it subscribed to, used on disconnect.
func (r *Registry) Drop(sink Sink) {
	r.mu.Lock()
	containers := make([]types.ContainerRef, 0, len(r.containers))
	for c := range r.containers {
		containers = append(containers, c)
	}
	r.mu.Unlock()

	for _, c := range containers {
		r.remove(c, sink.UserId(), sink.Id())
	}
}
