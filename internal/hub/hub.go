// Package hub wires the message store, conversation index and subscription
// manager into one explicitly constructed backend handle. There is no
// process-wide shared instance; callers create a Hub and pass it around.
package hub

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"chatsync/internal/chat"
	"chatsync/internal/content"
	"chatsync/internal/identity"
	"chatsync/internal/index"
	"chatsync/internal/models"
	"chatsync/internal/sub"

	"github.com/google/uuid"
)

const DefaultMaxMessageLen = 500

// Storage is the persistence surface the hub needs: durable append with a
// summary merge in the same transaction, plus full reads for restart.
type Storage interface {
	UpsertConversation(conversation models.Conversation) (models.Conversation, error)
	AppendMessage(message models.Message) error
	ListConversations() ([]models.Conversation, error)
	ListMessages(conversationID string) ([]models.Message, error)
}

type Config struct {
	// MaxMessageLen bounds message text length in runes after
	// sanitization. Defaults to DefaultMaxMessageLen.
	MaxMessageLen int
}

type Hub struct {
	storage Storage
	index   *index.Index
	subs    *sub.Manager

	// Map of conversationID -> in-memory ordered log
	logs map[string]*chat.Log

	maxMessageLen int
	connected     bool
	now           func() time.Time

	mu sync.Mutex
}

// NewHub opens a hub over the given storage, loading all conversation
// summaries and message logs into memory.
func NewHub(storage Storage, config Config) (*Hub, error) {
	if config.MaxMessageLen <= 0 {
		config.MaxMessageLen = DefaultMaxMessageLen
	}

	h := &Hub{
		storage:       storage,
		index:         index.New(),
		subs:          sub.NewManager(),
		logs:          make(map[string]*chat.Log),
		maxMessageLen: config.MaxMessageLen,
		connected:     true,
		now:           time.Now,
	}

	conversations, err := storage.ListConversations()
	if err != nil {
		return nil, fmt.Errorf("failed to load conversations: %w", err)
	}
	h.index.Restore(conversations)

	for _, c := range conversations {
		records, err := storage.ListMessages(c.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load messages for %s: %w", c.ID, err)
		}
		h.logs[c.ID] = chat.Restore(c.ID, records)
	}

	return h, nil
}

// EnsureConversation creates (or merges display names into) the
// conversation between two participants. Idempotent; returns the current
// summary. Conversation-list subscribers of both participants are notified
// only when something actually changed.
func (h *Hub) EnsureConversation(rawA, rawB string, displayNames map[string]string) (models.Conversation, error) {
	conversationID, err := identity.ConversationID(rawA, rawB)
	if err != nil {
		return models.Conversation{}, err
	}
	participants, err := identity.Participants(conversationID)
	if err != nil {
		return models.Conversation{}, err
	}

	names := make(map[string]string, len(displayNames))
	for rawID, name := range displayNames {
		id, err := identity.Normalize(rawID)
		if err != nil {
			return models.Conversation{}, err
		}
		name = strings.TrimSpace(content.Sanitize(name))
		if name == "" {
			continue
		}
		names[id] = name
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.connected {
		return models.Conversation{}, models.ErrConnectionLost
	}

	before, beforeErr := h.index.Get(conversationID)

	stored, err := h.storage.UpsertConversation(models.Conversation{
		ID:               conversationID,
		Participants:     participants,
		ParticipantNames: names,
	})
	if err != nil {
		h.dropConnection()
		return models.Conversation{}, fmt.Errorf("%w: %v", models.ErrConnectionLost, err)
	}

	merged := h.index.Upsert(stored)
	if _, ok := h.logs[conversationID]; !ok {
		h.logs[conversationID] = chat.NewLog(conversationID)
	}

	if beforeErr != nil || !sameNames(before.ParticipantNames, merged.ParticipantNames) {
		h.publishConversations(participants)
	}

	return merged, nil
}

// Append validates, stamps and durably appends a message, updating the
// owning conversation summary in the same storage transaction, then
// notifies every affected subscription exactly once.
func (h *Hub) Append(ctx context.Context, conversationID, rawSenderID, text string) (models.Message, error) {
	senderID, err := identity.Normalize(rawSenderID)
	if err != nil {
		return models.Message{}, err
	}

	text = strings.TrimSpace(content.Sanitize(text))
	if text == "" {
		return models.Message{}, models.ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > h.maxMessageLen {
		return models.Message{}, models.ErrMessageTooLong
	}

	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.connected {
		return models.Message{}, models.ErrConnectionLost
	}

	conversation, err := h.index.Get(conversationID)
	if err != nil {
		return models.Message{}, models.ErrNotFound
	}
	if conversation.Participants[0] != senderID && conversation.Participants[1] != senderID {
		return models.Message{}, models.ErrInvalidIdentity
	}

	log := h.logs[conversationID]
	message := log.Stamp(models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		SenderName:     conversation.ParticipantNames[senderID],
		Text:           text,
	}, h.now().UnixMilli())

	if err := h.storage.AppendMessage(message); err != nil {
		h.dropConnection()
		return models.Message{}, fmt.Errorf("%w: %v", models.ErrConnectionLost, err)
	}

	log.Append(message)
	if _, err := h.index.ApplyMessage(message); err != nil {
		return models.Message{}, err
	}

	h.subs.Publish(sub.Snapshot{
		Query:    sub.Messages(conversationID),
		Messages: log.Snapshot(),
	})
	h.publishConversations(conversation.Participants)

	return message, nil
}

// Messages returns the current ordered snapshot of a conversation's log.
func (h *Hub) Messages(conversationID string) ([]models.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	log, ok := h.logs[conversationID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return log.Snapshot(), nil
}

// Conversation returns the current summary for a conversation id.
func (h *Hub) Conversation(conversationID string) (models.Conversation, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.index.Get(conversationID)
}

// SubscribeMessages registers a live subscription on a conversation's
// message log. The current snapshot (possibly empty) is delivered before
// SubscribeMessages returns; registration and the initial delivery are
// atomic with respect to appends, so no update can be missed or observed
// twice.
func (h *Hub) SubscribeMessages(conversationID string, onUpdate func([]models.Message), onError func(error)) (*sub.Handle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.connected {
		return nil, models.ErrConnectionLost
	}
	log, ok := h.logs[conversationID]
	if !ok {
		return nil, models.ErrNotFound
	}

	handle := h.subs.Subscribe(sub.Messages(conversationID),
		func(s sub.Snapshot) { onUpdate(s.Messages) },
		onError,
	)
	h.subs.Deliver(handle, sub.Snapshot{
		Query:    sub.Messages(conversationID),
		Messages: log.Snapshot(),
	})
	return handle, nil
}

// SubscribeConversations registers a live subscription on a participant's
// conversation list, ordered by last activity. Initial snapshot semantics
// match SubscribeMessages.
func (h *Hub) SubscribeConversations(rawUserID string, onUpdate func([]models.Conversation), onError func(error)) (*sub.Handle, error) {
	userID, err := identity.Normalize(rawUserID)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.connected {
		return nil, models.ErrConnectionLost
	}

	handle := h.subs.Subscribe(sub.ConversationsFor(userID),
		func(s sub.Snapshot) { onUpdate(s.Conversations) },
		onError,
	)
	h.subs.Deliver(handle, sub.Snapshot{
		Query:         sub.ConversationsFor(userID),
		Conversations: h.index.For(userID),
	})
	return handle, nil
}

// Unsubscribe tears down a subscription. Idempotent.
func (h *Hub) Unsubscribe(handle *sub.Handle) {
	h.subs.Unsubscribe(handle)
}

// Disconnect marks the backend unreachable: every active subscription
// receives ErrConnectionLost exactly once and is removed, and further
// appends fail until Reconnect.
func (h *Hub) Disconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropConnection()
}

// Reconnect verifies the storage is reachable again and resumes accepting
// appends and subscriptions. Subscriptions are not restored; callers
// re-subscribe explicitly. Retry policy (backoff etc.) belongs to the
// caller.
func (h *Hub) Reconnect() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.connected {
		return nil
	}
	if _, err := h.storage.ListConversations(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrConnectionLost, err)
	}
	h.connected = true
	return nil
}

// dropConnection must be called with h.mu held.
func (h *Hub) dropConnection() {
	if !h.connected {
		return
	}
	h.connected = false
	h.subs.FailAll(models.ErrConnectionLost)
}

// publishConversations must be called with h.mu held.
func (h *Hub) publishConversations(participants [2]string) {
	for _, userID := range participants {
		q := sub.ConversationsFor(userID)
		if !h.subs.Active(q) {
			continue
		}
		h.subs.Publish(sub.Snapshot{
			Query:         q,
			Conversations: h.index.For(userID),
		})
	}
}

func sameNames(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
