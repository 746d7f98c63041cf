package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatfanout/internal/pubsub"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	requestTimeout = 10 * time.Second
)

var ErrClientClosed = errors.New("client closed")

// Client is one websocket connection of an authenticated user. It receives pushed
// events through Push and serves the user's frames in Read.
type Client struct {
	id         string
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *log.Logger
	userId     int
	send       chan *ServerMessage
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewClient(userId int, conn *websocket.Conn, cs *ChatServer, l *log.Logger) *Client {
	return &Client{
		id:         uuid.NewString(),
		conn:       conn,
		chatServer: cs,
		log:        l,
		userId:     userId,
		send:       make(chan *ServerMessage, 256),
		stop:       make(chan struct{}),
	}
}

func (c *Client) Id() string {
	return c.id
}

func (c *Client) UserId() int {
	return c.userId
}

// Push queues ev for the write pump, waiting at most until ctx is done.
func (c *Client) Push(ctx context.Context, ev pubsub.Event) error {
	select {
	case <-c.stop:
		return ErrClientClosed
	default:
	}

	select {
	case c.send <- EventMessage(ev):
		return nil
	case <-c.stop:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("error parsing message:", err)
			c.queueMessage(ErrInvalidMessage(-1))
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		c.queueMessage(c.handle(ctx, &msg))
		cancel()
	}
}

// handle serves one client frame and returns the response to send back.
func (c *Client) handle(ctx context.Context, msg *ClientMessage) *ServerMessage {
	chatSvc := c.chatServer.chat

	switch {
	case msg.Subscribe != nil:
		marked, err := chatSvc.Open(ctx, c.userId, msg.Subscribe.Container, c)
		if err != nil {
			return ErrFromChat(msg.Id, err)
		}
		return NoErrOK(msg.Id, map[string]any{"container": msg.Subscribe.Container, "marked_read": marked})
	case msg.Unsubscribe != nil:
		chatSvc.Close(c.userId, msg.Unsubscribe.Container, c)
		return NoErrOK(msg.Id, map[string]any{"container": msg.Unsubscribe.Container})
	case msg.Publish != nil:
		created, err := chatSvc.CreateMessage(ctx, c.userId, msg.Publish.Container, msg.Publish.Content, msg.Publish.Attachments)
		if err != nil {
			return ErrFromChat(msg.Id, err)
		}
		return NoErrAccepted(msg.Id, created)
	case msg.Read != nil:
		marked, err := chatSvc.MarkRead(ctx, c.userId, msg.Read.Container, msg.Read.UpTo)
		if err != nil {
			return ErrFromChat(msg.Id, err)
		}
		return NoErrOK(msg.Id, map[string]any{"container": msg.Read.Container, "marked_read": marked})
	}

	return ErrInvalidMessage(msg.Id)
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Println("failed to send message to client, channel is full")
		return false
	}

	return true
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Client) cleanup() {
	c.chatServer.deregister(c)
	c.stopClient()
}
