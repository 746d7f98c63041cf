package pubsub

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/npezzotti/go-chatfanout/internal/types"
)

const (
	DefaultChannel = "chat_events"
	// NOTIFY payloads must stay below 8000 bytes
	maxNotifyPayload = 7900

	minReconnectInterval = 100 * time.Millisecond
	maxReconnectInterval = 10 * time.Second
)

// MessageLoader reloads a message whose body did not fit in a notification.
type MessageLoader func(ctx context.Context, id int) (types.Message, error)

// Postgres shares events between nodes with LISTEN/NOTIFY. Each node runs one
// listener and receives its own notifications too.
type Postgres struct {
	log      *log.Logger
	db       *sql.DB
	listener *pq.Listener
	channel  string
	load     MessageLoader
	events   chan Event
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
}

func NewPostgres(logger *log.Logger, db *sql.DB, dsn, channel string, load MessageLoader, bufferSize int) (*Postgres, error) {
	if channel == "" {
		channel = DefaultChannel
	}

	listener := pq.NewListener(dsn, minReconnectInterval, maxReconnectInterval, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Printf("pubsub listener event %d: %v", ev, err)
		}
	})

	if err := listener.Listen(channel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("listen %q: %w", channel, err)
	}

	p := &Postgres{
		log:      logger,
		db:       db,
		listener: listener,
		channel:  channel,
		load:     load,
		events:   make(chan Event, bufferSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go p.receive()

	return p, nil
}

func encodeNotification(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}

	if len(payload) > maxNotifyPayload && ev.Message != nil {
		// receivers reload the message by id
		ev.MessageId = ev.Message.Id
		ev.Message = nil
		payload, err = json.Marshal(ev)
		if err != nil {
			return nil, err
		}
	}

	if len(payload) > maxNotifyPayload && len(ev.Recipients) > 0 {
		ev.Recipients = nil
		ev.ResolveRecipients = true
		payload, err = json.Marshal(ev)
		if err != nil {
			return nil, err
		}
	}

	if len(payload) > maxNotifyPayload {
		return nil, fmt.Errorf("event payload of %d bytes exceeds notify limit", len(payload))
	}

	return payload, nil
}

func (p *Postgres) Publish(ctx context.Context, ev Event) error {
	payload, err := encodeNotification(ev)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", p.channel, string(payload))
	return err
}

func (p *Postgres) Events() <-chan Event {
	return p.events
}

func (p *Postgres) receive() {
	defer close(p.done)
	defer close(p.events)

	for {
		select {
		case n := <-p.listener.Notify:
			if n == nil {
				// connection re-established; notifications sent meanwhile are lost
				p.log.Println("pubsub listener reconnected")
				continue
			}

			ev, err := p.decode(n.Extra)
			if err != nil {
				p.log.Println("decode notification:", err)
				continue
			}

			select {
			case p.events <- ev:
			case <-p.stop:
				return
			}
		case <-time.After(90 * time.Second):
			go func() {
				if err := p.listener.Ping(); err != nil {
					p.log.Println("pubsub listener ping:", err)
				}
			}()
		case <-p.stop:
			return
		}
	}
}

func (p *Postgres) decode(payload string) (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return Event{}, err
	}
	if !ev.Container.Valid() {
		return Event{}, fmt.Errorf("invalid container %q", ev.Container)
	}

	if ev.Message == nil && ev.MessageId > 0 && ev.Type == EventMessageCreated {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		msg, err := p.load(ctx, ev.MessageId)
		if err != nil {
			return Event{}, fmt.Errorf("load message %d: %w", ev.MessageId, err)
		}
		ev.Message = &msg
	}

	return ev, nil
}

func (p *Postgres) Close() error {
	var err error
	p.once.Do(func() {
		close(p.stop)
		<-p.done
		err = p.listener.Close()
	})
	return err
}
