package hub

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"chatsync/internal/models"
	"chatsync/internal/storage"

	"github.com/stretchr/testify/require"
)

// flakyStorage lets tests drop the connection to the backing store.
type flakyStorage struct {
	*storage.BboltStorage
	failAppend bool
	failList   bool
}

var errDiskGone = errors.New("disk gone")

func (f *flakyStorage) AppendMessage(message models.Message) error {
	if f.failAppend {
		return errDiskGone
	}
	return f.BboltStorage.AppendMessage(message)
}

func (f *flakyStorage) ListConversations() ([]models.Conversation, error) {
	if f.failList {
		return nil, errDiskGone
	}
	return f.BboltStorage.ListConversations()
}

func newTestHub(t *testing.T) (*Hub, *flakyStorage) {
	t.Helper()
	req := require.New(t)

	tmpDir, err := os.MkdirTemp("", "hub_test")
	req.NoError(err)
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })

	store, err := storage.NewBboltStorage(filepath.Join(tmpDir, "test.db"))
	req.NoError(err)
	t.Cleanup(func() { _ = store.Close() })

	flaky := &flakyStorage{BboltStorage: store}
	h, err := NewHub(flaky, Config{})
	req.NoError(err)
	return h, flaky
}

func ensureAliceBob(t *testing.T, h *Hub) models.Conversation {
	t.Helper()
	conversation, err := h.EnsureConversation("Alice", "bob", map[string]string{
		"alice": "Alice",
		"bob":   "Bob",
	})
	require.NoError(t, err)
	return conversation
}

func TestHub_EnsureConversation(t *testing.T) {
	req := require.New(t)
	h, _ := newTestHub(t)

	conversation := ensureAliceBob(t, h)
	req.Equal("alice:bob", conversation.ID)
	req.Equal([2]string{"alice", "bob"}, conversation.Participants)
	req.Equal("Alice", conversation.ParticipantNames["alice"])

	// Idempotent, commutative input order.
	again, err := h.EnsureConversation("bob", "alice", nil)
	req.NoError(err)
	req.Equal(conversation.ID, again.ID)
	req.Equal("Bob", again.ParticipantNames["bob"])

	_, err = h.EnsureConversation("alice", "Alice ", nil)
	req.ErrorIs(err, models.ErrInvalidIdentity)
}

func TestHub_AppendValidation(t *testing.T) {
	req := require.New(t)
	h, _ := newTestHub(t)
	conversation := ensureAliceBob(t, h)
	ctx := context.Background()

	_, err := h.Append(ctx, conversation.ID, "alice", "   ")
	req.ErrorIs(err, models.ErrEmptyMessage)

	_, err = h.Append(ctx, conversation.ID, "alice", strings.Repeat("a", 501))
	req.ErrorIs(err, models.ErrMessageTooLong)

	// Sanitization happens before the emptiness check.
	_, err = h.Append(ctx, conversation.ID, "alice", "<script>alert(1)</script>")
	req.ErrorIs(err, models.ErrEmptyMessage)

	_, err = h.Append(ctx, conversation.ID, "mallory", "hi")
	req.ErrorIs(err, models.ErrInvalidIdentity)

	_, err = h.Append(ctx, "ghost:pair", "ghost", "hi")
	req.ErrorIs(err, models.ErrNotFound)

	// None of the failed appends touched the store.
	messages, err := h.Messages(conversation.ID)
	req.NoError(err)
	req.Empty(messages)
}

func TestHub_MessageFlow(t *testing.T) {
	req := require.New(t)
	h, _ := newTestHub(t)
	conversation := ensureAliceBob(t, h)

	// Alice opens the chat: initial snapshot arrives before Subscribe returns.
	var messageSnapshots [][]models.Message
	msgHandle, err := h.SubscribeMessages(conversation.ID, func(messages []models.Message) {
		messageSnapshots = append(messageSnapshots, messages)
	}, nil)
	req.NoError(err)
	defer h.Unsubscribe(msgHandle)
	req.Len(messageSnapshots, 1, "initial snapshot must be delivered immediately")
	req.Empty(messageSnapshots[0])

	// Bob subscribes to his conversation list before Alice sends anything.
	var convSnapshots [][]models.Conversation
	convHandle, err := h.SubscribeConversations("bob", func(conversations []models.Conversation) {
		convSnapshots = append(convSnapshots, conversations)
	}, nil)
	req.NoError(err)
	defer h.Unsubscribe(convHandle)
	req.Len(convSnapshots, 1)
	req.Len(convSnapshots[0], 1)
	req.Empty(convSnapshots[0][0].LastMessageText)

	sent, err := h.Append(context.Background(), conversation.ID, "alice", "hi")
	req.NoError(err)
	req.Equal("hi", sent.Text)
	req.Equal("alice", sent.SenderID)
	req.Equal("Alice", sent.SenderName)
	req.NotEmpty(sent.ID)

	// Exactly one updated snapshot per subscription.
	req.Len(messageSnapshots, 2)
	req.Len(messageSnapshots[1], 1)
	req.Equal(sent.ID, messageSnapshots[1][0].ID)

	req.Len(convSnapshots, 2)
	req.Equal("hi", convSnapshots[1][0].LastMessageText)
	req.Equal("alice", convSnapshots[1][0].LastMessageSenderID)

	// Idempotent re-ensure with unchanged names produces no extra delivery.
	_, err = h.EnsureConversation("alice", "bob", map[string]string{"alice": "Alice"})
	req.NoError(err)
	req.Len(convSnapshots, 2)
}

func TestHub_SnapshotOrdering(t *testing.T) {
	req := require.New(t)
	h, _ := newTestHub(t)
	conversation := ensureAliceBob(t, h)
	ctx := context.Background()

	_, err := h.Append(ctx, conversation.ID, "alice", "one")
	req.NoError(err)
	_, err = h.Append(ctx, conversation.ID, "bob", "two")
	req.NoError(err)
	_, err = h.Append(ctx, conversation.ID, "alice", "three")
	req.NoError(err)

	messages, err := h.Messages(conversation.ID)
	req.NoError(err)
	req.Len(messages, 3)
	for i := 1; i < len(messages); i++ {
		req.GreaterOrEqual(messages[i].CreatedAt, messages[i-1].CreatedAt)
		req.Greater(messages[i].Seq, messages[i-1].Seq)
	}
}

func TestHub_ConnectionLost(t *testing.T) {
	req := require.New(t)
	h, flaky := newTestHub(t)
	conversation := ensureAliceBob(t, h)
	ctx := context.Background()

	_, err := h.Append(ctx, conversation.ID, "alice", "before outage")
	req.NoError(err)

	var msgErrs, convErrs []error
	msgUpdates := 0
	_, err = h.SubscribeMessages(conversation.ID,
		func([]models.Message) { msgUpdates++ },
		func(err error) { msgErrs = append(msgErrs, err) })
	req.NoError(err)
	_, err = h.SubscribeConversations("bob",
		func([]models.Conversation) {},
		func(err error) { convErrs = append(convErrs, err) })
	req.NoError(err)
	msgUpdates = 0 // ignore initial snapshots

	flaky.failAppend = true
	_, err = h.Append(ctx, conversation.ID, "alice", "lost")
	req.ErrorIs(err, models.ErrConnectionLost)

	// Every affected subscription hears about it exactly once.
	req.Len(msgErrs, 1)
	req.ErrorIs(msgErrs[0], models.ErrConnectionLost)
	req.Len(convErrs, 1)

	// No further updates and no new subscriptions while disconnected.
	_, err = h.Append(ctx, conversation.ID, "alice", "still lost")
	req.ErrorIs(err, models.ErrConnectionLost)
	req.Zero(msgUpdates)
	req.Len(msgErrs, 1, "ConnectionLost must not repeat")

	_, err = h.SubscribeMessages(conversation.ID, func([]models.Message) {}, nil)
	req.ErrorIs(err, models.ErrConnectionLost)

	// Reconnect fails while the store is unreachable.
	flaky.failList = true
	req.ErrorIs(h.Reconnect(), models.ErrConnectionLost)

	// Explicit reconnect + resubscribe once the store is back.
	flaky.failAppend = false
	flaky.failList = false
	req.NoError(h.Reconnect())
	req.NoError(h.Reconnect()) // idempotent

	var restored []models.Message
	handle, err := h.SubscribeMessages(conversation.ID, func(messages []models.Message) {
		restored = messages
	}, nil)
	req.NoError(err)
	defer h.Unsubscribe(handle)
	req.Len(restored, 1)
	req.Equal("before outage", restored[0].Text)
}

func TestHub_RestartRestoresState(t *testing.T) {
	req := require.New(t)
	h, flaky := newTestHub(t)
	conversation := ensureAliceBob(t, h)

	_, err := h.Append(context.Background(), conversation.ID, "alice", "persisted")
	req.NoError(err)

	// A fresh hub over the same storage sees the same world.
	h2, err := NewHub(flaky, Config{})
	req.NoError(err)

	messages, err := h2.Messages(conversation.ID)
	req.NoError(err)
	req.Len(messages, 1)
	req.Equal("persisted", messages[0].Text)

	restored, err := h2.Conversation(conversation.ID)
	req.NoError(err)
	req.Equal("persisted", restored.LastMessageText)
	req.Equal("Alice", restored.ParticipantNames["alice"])
}
