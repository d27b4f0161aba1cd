package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	"chatsync/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func waitForServer(t *testing.T, url string, attempts int) {
	t.Helper()
	for i := 0; i < attempts; i++ {
		resp, err := http.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("server did not come up at %s", url)
}

func dial(t *testing.T, addr, user, name string) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws://%s/api/chat?user=%s&name=%s", addr, user, name)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(models.ServerMessage) bool) models.ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var msg models.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if match(msg) {
			return msg
		}
	}
}

func TestIntegration(t *testing.T) {
	req := require.New(t)

	dbFile := "integration_test.db"
	_ = os.Remove(dbFile) // cleanup before
	defer func() { _ = os.Remove(dbFile) }()

	addr := "127.0.0.1:8891"

	_ = os.Setenv("CHATSYNC_DB", dbFile)
	_ = os.Setenv("LISTEN_ADDR", addr)
	defer func() {
		_ = os.Unsetenv("CHATSYNC_DB")
		_ = os.Unsetenv("LISTEN_ADDR")
	}()

	// Start server in background
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverDone := make(chan error, 1)
	go func() { serverDone <- run(ctx) }()

	waitForServer(t, "http://"+addr+"/api/chat", 20)

	// Bob subscribes to his conversation list before Alice sends anything.
	bob := dial(t, addr, "bob", "Bob")
	initial := readUntil(t, bob, func(m models.ServerMessage) bool {
		return m.Type == models.ServerMessageTypeConversations
	})
	req.Empty(initial.Conversations)

	alice := dial(t, addr, "alice", "Alice")
	readUntil(t, alice, func(m models.ServerMessage) bool {
		return m.Type == models.ServerMessageTypeConversations
	})

	// Alice opens the chat and greets Bob.
	req.NoError(alice.WriteJSON(models.ClientMessage{
		Type:          models.ClientMessageTypeOpen,
		OtherUserID:   "bob",
		OtherUserName: "Bob",
	}))
	readUntil(t, alice, func(m models.ServerMessage) bool {
		return m.Type == models.ServerMessageTypeMessages && m.ConversationID == "alice:bob"
	})

	req.NoError(alice.WriteJSON(models.ClientMessage{
		Type:           models.ClientMessageTypeSend,
		ConversationID: "alice:bob",
		Text:           "hi",
	}))

	// Alice sees exactly one confirmed message, never two.
	confirmed := readUntil(t, alice, func(m models.ServerMessage) bool {
		return m.Type == models.ServerMessageTypeMessages && len(m.Messages) == 1 &&
			m.Messages[0].State == models.OutgoingConfirmed
	})
	req.Equal("hi", confirmed.Messages[0].Text)

	// Bob's conversation list reflects the new last message.
	updated := readUntil(t, bob, func(m models.ServerMessage) bool {
		return m.Type == models.ServerMessageTypeConversations && len(m.Conversations) == 1 &&
			m.Conversations[0].LastMessageText == "hi"
	})
	req.Equal("hi", updated.Conversations[0].LastMessageText)
	req.Equal("alice", updated.Conversations[0].LastMessageSenderID)
	req.Equal("Alice", updated.Conversations[0].ParticipantNames["alice"])

	// Graceful shutdown.
	cancel()
	select {
	case err := <-serverDone:
		req.NoError(err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
