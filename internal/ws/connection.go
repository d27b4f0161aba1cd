package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"chatsync/internal/models"
	"chatsync/internal/session"
	"chatsync/internal/sub"
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type chatBackend interface {
	session.Backend
	EnsureConversation(rawA, rawB string, displayNames map[string]string) (models.Conversation, error)
	SubscribeConversations(rawUserID string, onUpdate func([]models.Conversation), onError func(error)) (*sub.Handle, error)
}

// Connection bridges one WebSocket client to the core: a conversation-list
// subscription plus one chat session per conversation the client opened.
type Connection struct {
	ws      wsConnection
	backend chatBackend

	userID          string
	displayName     string
	maxMessageLen   int
	reconcileWindow time.Duration

	sessions   map[string]*session.Session
	convHandle *sub.Handle

	fromClient chan models.ClientMessage
	fromServer chan models.ServerMessage
	errorCh    chan error

	mu sync.Mutex
}

func NewConnection(
	backend chatBackend,
	ws wsConnection,
	userID string,
	displayName string,
	maxMessageLen int,
	reconcileWindow time.Duration,
) *Connection {
	return &Connection{
		ws:              ws,
		backend:         backend,
		userID:          userID,
		displayName:     displayName,
		maxMessageLen:   maxMessageLen,
		reconcileWindow: reconcileWindow,
		sessions:        make(map[string]*session.Session),
		fromClient:      make(chan models.ClientMessage),
		fromServer:      make(chan models.ServerMessage, 100),
		errorCh:         make(chan error, 2),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		c.teardown()
		close(c.errorCh)
	}()

	handle, err := c.backend.SubscribeConversations(c.userID,
		func(conversations []models.Conversation) {
			c.push(models.ServerMessage{
				Type:          models.ServerMessageTypeConversations,
				Conversations: conversations,
			})
		},
		func(err error) {
			c.push(models.ServerMessage{
				Type:  models.ServerMessageTypeError,
				Error: err.Error(),
			})
		},
	)
	if err != nil {
		return err
	}
	c.convHandle = handle

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	}()

	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
		err = nil
	}
	_ = c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var msg models.ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			return err
		}
		select {
		case c.fromClient <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case msg := <-c.fromClient:
			c.processClientMessage(ctx, msg)
		case msg := <-c.fromServer:
			if err := c.ws.WriteJSON(msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) processClientMessage(ctx context.Context, msg models.ClientMessage) {
	switch msg.Type {
	case models.ClientMessageTypeOpen:
		c.openConversation(ctx, msg)
	case models.ClientMessageTypeClose:
		c.closeConversation(msg.ConversationID)
	case models.ClientMessageTypeSend:
		c.send(ctx, msg)
	}
}

func (c *Connection) openConversation(ctx context.Context, msg models.ClientMessage) {
	conversation, err := c.backend.EnsureConversation(c.userID, msg.OtherUserID, map[string]string{
		c.userID:        c.displayName,
		msg.OtherUserID: msg.OtherUserName,
	})
	if err != nil {
		c.pushError(err)
		return
	}

	c.mu.Lock()
	_, open := c.sessions[conversation.ID]
	c.mu.Unlock()
	if open {
		return
	}

	conversationID := conversation.ID
	sess, err := session.New(c.backend, session.Config{
		ConversationID:  conversationID,
		UserID:          c.userID,
		MaxMessageLen:   c.maxMessageLen,
		ReconcileWindow: c.reconcileWindow,
		OnChange: func(view []models.ViewMessage) {
			c.push(models.ServerMessage{
				Type:           models.ServerMessageTypeMessages,
				ConversationID: conversationID,
				Messages:       view,
			})
		},
		OnError: func(err error) {
			c.pushError(err)
		},
	})
	if err != nil {
		c.pushError(err)
		return
	}

	c.mu.Lock()
	c.sessions[conversationID] = sess
	c.mu.Unlock()
}

func (c *Connection) closeConversation(conversationID string) {
	c.mu.Lock()
	sess, ok := c.sessions[conversationID]
	delete(c.sessions, conversationID)
	c.mu.Unlock()

	if ok {
		sess.Close()
	}
}

func (c *Connection) send(ctx context.Context, msg models.ClientMessage) {
	c.mu.Lock()
	sess, ok := c.sessions[msg.ConversationID]
	c.mu.Unlock()

	if !ok {
		c.pushError(models.ErrNotFound)
		return
	}
	if _, err := sess.Send(ctx, msg.Text); err != nil {
		c.pushError(err)
	}
}

// push queues a server message for the write loop, dropping it if the
// client cannot keep up. Every delivery is a full snapshot, so a dropped
// frame is superseded by the next one.
func (c *Connection) push(msg models.ServerMessage) {
	select {
	case c.fromServer <- msg:
	default:
	}
}

func (c *Connection) pushError(err error) {
	c.push(models.ServerMessage{
		Type:  models.ServerMessageTypeError,
		Error: err.Error(),
	})
}

func (c *Connection) teardown() {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = make(map[string]*session.Session)
	c.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
	if c.convHandle != nil {
		c.backend.Unsubscribe(c.convHandle)
	}
}
