package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatfanout/internal/chat"
	"github.com/npezzotti/go-chatfanout/internal/stats"
	"github.com/npezzotti/go-chatfanout/internal/types"
)

// Chat is the part of the chat service websocket clients use.
type Chat interface {
	Open(ctx context.Context, userId int, container types.ContainerRef, sink chat.Sink) (int, error)
	Close(userId int, container types.ContainerRef, sink chat.Sink)
	Disconnect(sink chat.Sink)
	CreateMessage(ctx context.Context, authorId int, container types.ContainerRef, body string, attachments []types.Attachment) (types.Message, error)
	MarkRead(ctx context.Context, userId int, container types.ContainerRef, upTo time.Time) (int, error)
}

type stopReq struct {
	done chan struct{}
}

// ChatServer owns the live websocket clients of this node.
type ChatServer struct {
	log            *log.Logger
	chat           Chat
	stats          stats.StatsProvider
	clients        map[*Client]struct{}
	clientsLock    sync.Mutex
	registerChan   chan *Client
	deRegisterChan chan *Client
	stop           chan stopReq
	done           chan struct{}
}

func NewChatServer(logger *log.Logger, chatSvc Chat, su stats.StatsProvider) *ChatServer {
	return &ChatServer{
		log:            logger,
		chat:           chatSvc,
		stats:          su,
		clients:        make(map[*Client]struct{}),
		registerChan:   make(chan *Client),
		deRegisterChan: make(chan *Client),
		stop:           make(chan stopReq),
		done:           make(chan struct{}),
	}
}

func (cs *ChatServer) Run() {
	for {
		select {
		case client := <-cs.registerChan:
			cs.log.Printf("adding connection %s of user %d", client.id, client.userId)
			cs.addClient(client)
		case client := <-cs.deRegisterChan:
			cs.log.Printf("removing connection %s of user %d", client.id, client.userId)
			cs.removeClient(client)
		case req := <-cs.stop:
			cs.log.Println("closing client connections")
			for _, c := range cs.getClients() {
				c.stopClient()
				cs.removeClient(c)
			}

			close(cs.done)
			close(req.done)
			return
		}
	}
}

// Serve starts the pumps of a freshly upgraded connection.
func (cs *ChatServer) Serve(userId int, conn *websocket.Conn) {
	c := NewClient(userId, conn, cs, cs.log)
	if !cs.register(c) {
		conn.Close()
		return
	}

	go c.Write()
	go c.Read()
}

func (cs *ChatServer) register(c *Client) bool {
	select {
	case cs.registerChan <- c:
		return true
	case <-cs.done:
		return false
	}
}

func (cs *ChatServer) deregister(c *Client) {
	select {
	case cs.deRegisterChan <- c:
	case <-cs.done:
	}
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; ok {
		return
	}
	cs.clients[c] = struct{}{}
	cs.stats.Incr(stats.MetricConnections)
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	_, ok := cs.clients[c]
	delete(cs.clients, c)
	cs.clientsLock.Unlock()

	if ok {
		cs.chat.Disconnect(c)
		cs.stats.Decr(stats.MetricConnections)
	}
}

func (cs *ChatServer) getClients() []*Client {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	clients := make([]*Client, 0, len(cs.clients))
	for c := range cs.clients {
		clients = append(clients, c)
	}
	return clients
}

// Shutdown closes every client and stops Run, giving up when ctx is done.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("shutting down chat server")
	req := stopReq{done: make(chan struct{})}

	select {
	case cs.stop <- req:
	case <-cs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
