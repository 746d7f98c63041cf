package chat

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/go-chatfanout/internal/pubsub"
	"github.com/npezzotti/go-chatfanout/internal/stats"
	"github.com/npezzotti/go-chatfanout/internal/types"
	"github.com/samber/lo"
)

type DispatchConfig struct {
	// SendTimeout bounds a single push to one connection.
	SendTimeout time.Duration
	// GapTimeout is how long a lane holds events behind a missing seq_id.
	GapTimeout time.Duration
	// LaneIdleTimeout retires a container lane after it has seen no events.
	LaneIdleTimeout time.Duration
	LaneBuffer      int
}

func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		SendTimeout:     2 * time.Second,
		GapTimeout:      5 * time.Second,
		LaneIdleTimeout: time.Minute,
		LaneBuffer:      64,
	}
}

// Dispatcher turns committed messages into receipts and broker events, and delivers the
// events it receives back to the live connections of this node.
type Dispatcher struct {
	log      *log.Logger
	index    *Index
	receipts *ReceiptStore
	registry *Registry
	broker   pubsub.Broker
	stats    stats.StatsProvider
	cfg      DispatchConfig

	lanes  map[types.ContainerRef]*lane
	retire chan *lane
	wg     sync.WaitGroup

	cursorsMu sync.Mutex
	cursors   map[types.ContainerRef]int
}

func NewDispatcher(logger *log.Logger, index *Index, receipts *ReceiptStore, registry *Registry, broker pubsub.Broker, su stats.StatsProvider, cfg DispatchConfig) *Dispatcher {
	def := DefaultDispatchConfig()
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.GapTimeout <= 0 {
		cfg.GapTimeout = def.GapTimeout
	}
	if cfg.LaneIdleTimeout <= 0 {
		cfg.LaneIdleTimeout = def.LaneIdleTimeout
	}
	if cfg.LaneBuffer <= 0 {
		cfg.LaneBuffer = def.LaneBuffer
	}

	return &Dispatcher{
		log:      logger,
		index:    index,
		receipts: receipts,
		registry: registry,
		broker:   broker,
		stats:    su,
		cfg:      cfg,
		lanes:    make(map[types.ContainerRef]*lane),
		retire:   make(chan *lane),
		cursors:  make(map[types.ContainerRef]int),
	}
}

// MessageCreated creates the receipts for msg and publishes it for delivery. A failure to
// create receipts is returned and nothing is published; a failure to publish is logged
// because the message and its receipts are already durable.
func (d *Dispatcher) MessageCreated(ctx context.Context, msg types.Message) error {
	members, err := d.index.MembersOf(ctx, msg.Container)
	if err != nil {
		return err
	}
	recipients := lo.Without(members, msg.UserId)

	if err := d.receipts.CreateReceipts(ctx, msg.Id, msg.UserId, recipients); err != nil {
		return err
	}

	d.incr(stats.MetricMessagesCreated)
	d.publish(ctx, pubsub.Event{
		Type:       pubsub.EventMessageCreated,
		Container:  msg.Container,
		SeqId:      msg.SeqId,
		MessageId:  msg.Id,
		Message:    &msg,
		Recipients: recipients,
	})

	return nil
}

// MessageAbandoned releases the sequence number of a message that was rolled back, so
// lanes do not wait on it.
func (d *Dispatcher) MessageAbandoned(ctx context.Context, msg types.Message) {
	d.publish(ctx, pubsub.Event{
		Type:      pubsub.EventMessageSkipped,
		Container: msg.Container,
		SeqId:     msg.SeqId,
		MessageId: msg.Id,
	})
}

func (d *Dispatcher) MessageDeleted(ctx context.Context, msg types.Message) {
	d.incr(stats.MetricMessagesDeleted)
	d.publish(ctx, pubsub.Event{
		Type:              pubsub.EventMessageDeleted,
		Container:         msg.Container,
		MessageId:         msg.Id,
		Message:           &msg,
		UserId:            msg.UserId,
		ResolveRecipients: true,
	})
}

// MemberRemoved closes the removed user's subscriptions on this node immediately and
// publishes the removal so other nodes do the same.
func (d *Dispatcher) MemberRemoved(ctx context.Context, userId int, container types.ContainerRef) {
	ev := pubsub.Event{
		Type:      pubsub.EventMemberRemoved,
		Container: container,
		UserId:    userId,
	}

	d.evict(ctx, ev)
	d.publish(ctx, ev)
}

func (d *Dispatcher) publish(ctx context.Context, ev pubsub.Event) {
	if err := d.broker.Publish(ctx, ev); err != nil {
		d.log.Printf("publish %s on %s: %v", ev.Type, ev.Container, err)
	}
}

// Run routes broker events to per-container lanes until ctx is cancelled or the broker
// closes. It waits for every lane to finish before returning.
func (d *Dispatcher) Run(ctx context.Context) {
	defer d.shutdown()

	events := d.broker.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				d.log.Println("broker closed, stopping dispatcher")
				return
			}
			d.route(ctx, ev)
		case l := <-d.retire:
			// only the router sends on a lane, so an empty queue stays empty once removed
			if d.lanes[l.container] == l && len(l.events) == 0 {
				delete(d.lanes, l.container)
				close(l.events)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) route(ctx context.Context, ev pubsub.Event) {
	if !ev.Container.Valid() {
		d.log.Printf("dropping %s event with invalid container %q", ev.Type, ev.Container)
		return
	}

	l, ok := d.lanes[ev.Container]
	if !ok {
		l = d.newLane(ev.Container)
		d.lanes[ev.Container] = l
		d.wg.Add(1)
		go l.run(ctx)
	}

	select {
	case l.events <- ev:
	case <-ctx.Done():
	}
}

func (d *Dispatcher) shutdown() {
	for container, l := range d.lanes {
		close(l.events)
		delete(d.lanes, container)
	}
	d.wg.Wait()
}

// Track seeds the ordering cursor of container from the store. A lane started for it
// afterwards waits for the next message to be committed instead of starting at whichever
// seq_id reaches it first.
func (d *Dispatcher) Track(ctx context.Context, container types.ContainerRef) error {
	last, err := d.index.LastSeqId(ctx, container)
	if err != nil {
		return err
	}

	d.setCursor(container, last+1)
	return nil
}

func (d *Dispatcher) cursor(container types.ContainerRef) int {
	d.cursorsMu.Lock()
	defer d.cursorsMu.Unlock()
	return d.cursors[container]
}

func (d *Dispatcher) setCursor(container types.ContainerRef, next int) {
	d.cursorsMu.Lock()
	defer d.cursorsMu.Unlock()
	if next > d.cursors[container] {
		d.cursors[container] = next
	}
}

func (d *Dispatcher) recipients(ctx context.Context, ev pubsub.Event) ([]int, error) {
	if !ev.ResolveRecipients {
		return ev.Recipients, nil
	}

	members, err := d.index.MembersOf(ctx, ev.Container)
	if err != nil {
		return nil, err
	}
	if ev.Type == pubsub.EventMessageCreated && ev.Message != nil {
		return lo.Without(members, ev.Message.UserId), nil
	}
	return members, nil
}

// deliver pushes ev to every live connection of its recipients on this node.
func (d *Dispatcher) deliver(ctx context.Context, ev pubsub.Event) {
	recipients, err := d.recipients(ctx, ev)
	if err != nil {
		d.log.Printf("resolve recipients of %s on %s: %v", ev.Type, ev.Container, err)
		return
	}

	for _, userId := range lo.Intersect(recipients, d.registry.SubscribersOf(ev.Container)) {
		for _, sink := range d.registry.Sinks(ev.Container, userId) {
			d.push(ctx, sink, ev)
		}
	}
}

func (d *Dispatcher) evict(ctx context.Context, ev pubsub.Event) {
	for _, sink := range d.registry.Evict(ev.UserId, ev.Container) {
		d.push(ctx, sink, ev)
	}
}

func (d *Dispatcher) push(ctx context.Context, sink Sink, ev pubsub.Event) {
	pushCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	err := sink.Push(pushCtx, ev)
	switch {
	case err == nil:
		d.incr(stats.MetricDeliveries)
	case errors.Is(err, context.DeadlineExceeded):
		d.incr(stats.MetricDeliveryTimeouts)
		d.log.Println(&DeliveryTimeoutError{UserId: sink.UserId(), SinkId: sink.Id(), Container: ev.Container})
	default:
		d.log.Printf("push %s to connection %s: %v", ev.Type, sink.Id(), err)
	}
}

func (d *Dispatcher) incr(name string) {
	if d.stats != nil {
		d.stats.Incr(name)
	}
}

// lane delivers the events of one container from a single goroutine.
type lane struct {
	d         *Dispatcher
	container types.ContainerRef
	events    chan pubsub.Event
	seq       *sequencer
}

func (d *Dispatcher) newLane(container types.ContainerRef) *lane {
	return &lane{
		d:         d,
		container: container,
		events:    make(chan pubsub.Event, d.cfg.LaneBuffer),
		seq:       newSequencer(d.cursor(container)),
	}
}

func (l *lane) run(ctx context.Context) {
	defer l.d.wg.Done()

	var (
		gap        *time.Timer
		gapC       <-chan time.Time
		lastActive = time.Now()
		idle       = time.NewTicker(l.d.cfg.LaneIdleTimeout / 2)
	)
	defer idle.Stop()

	for {
		select {
		case ev, ok := <-l.events:
			if !ok {
				ready, skipped := l.seq.flush()
				l.release(ctx, ready, skipped)
				l.d.setCursor(l.container, l.seq.next)
				if gap != nil {
					gap.Stop()
				}
				return
			}
			lastActive = time.Now()

			if l.seq.next == 0 {
				l.release(ctx, l.seq.resume(l.d.cursor(l.container)), 0)
			}

			switch {
			case ev.Type == pubsub.EventMemberRemoved:
				l.d.evict(ctx, ev)
			case !ev.Sequenced():
				if !l.seq.hold(ev) {
					l.d.deliver(ctx, ev)
				}
			default:
				l.release(ctx, l.seq.push(ev), 0)
			}

			if l.seq.waiting() && gapC == nil {
				gap = time.NewTimer(l.d.cfg.GapTimeout)
				gapC = gap.C
			} else if !l.seq.waiting() && gapC != nil {
				gap.Stop()
				gapC = nil
			}
		case <-gapC:
			gapC = nil
			ready, skipped := l.seq.flush()
			l.d.log.Printf("gap timeout on %s, skipped %d sequence numbers", l.container, skipped)
			l.release(ctx, ready, skipped)
			l.d.setCursor(l.container, l.seq.next)
		case <-idle.C:
			if l.seq.waiting() || time.Since(lastActive) < l.d.cfg.LaneIdleTimeout {
				continue
			}
			l.d.setCursor(l.container, l.seq.next)
			select {
			case l.d.retire <- l:
			default:
			}
		}
	}
}

func (l *lane) release(ctx context.Context, ready []pubsub.Event, skipped int) {
	for range skipped {
		l.d.incr(stats.MetricSkippedSeqs)
	}

	for _, ev := range ready {
		if ev.Type == pubsub.EventMessageSkipped {
			l.d.incr(stats.MetricSkippedSeqs)
			continue
		}
		l.d.deliver(ctx, ev)
	}
}
