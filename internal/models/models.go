package models

import "errors"

var (
	ErrNotFound = errors.New("not found")

	// ErrInvalidIdentity is returned for empty or malformed participant
	// identifiers, and for attempts to open a conversation with oneself.
	ErrInvalidIdentity = errors.New("invalid identity")

	ErrEmptyMessage   = errors.New("empty message")
	ErrMessageTooLong = errors.New("message too long")

	// ErrConnectionLost is reported exactly once to every active
	// subscription when the backing store becomes unreachable.
	ErrConnectionLost = errors.New("connection lost")

	ErrSendFailed = errors.New("send failed")
)

// Conversation is the summary view of a 1-to-1 chat, maintained by the
// index whenever a message is appended. UI code never mutates it directly.
type Conversation struct {
	ID                  string            `json:"id"`
	Participants        [2]string         `json:"participants"`
	ParticipantNames    map[string]string `json:"participantNames"`
	LastMessageText     string            `json:"lastMessageText,omitempty"`
	LastMessageSenderID string            `json:"lastMessageSenderId,omitempty"`
	UpdatedAt           int64             `json:"updatedAt"` // Unix timestamp (milliseconds)
	LastSeq             int64             `json:"lastSeq"`
}

// Other returns the participant that is not userID.
func (c Conversation) Other(userID string) string {
	if c.Participants[0] == userID {
		return c.Participants[1]
	}
	return c.Participants[0]
}

// Message is a single confirmed chat message. Immutable once appended;
// CreatedAt is server-assigned and non-decreasing per conversation, with
// Seq as the tie break.
type Message struct {
	ID             string `json:"id"`
	Seq            int64  `json:"seq"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	SenderName     string `json:"senderName"`
	Text           string `json:"text"`
	CreatedAt      int64  `json:"createdAt"` // Unix timestamp (milliseconds)
}

// OutgoingState is the lifecycle of a locally-originated message.
type OutgoingState string

const (
	OutgoingPending   OutgoingState = "pending"
	OutgoingConfirmed OutgoingState = "confirmed"
	OutgoingFailed    OutgoingState = "failed"
)

// ViewMessage is one entry of the merged list a session exposes to the UI:
// either a confirmed message from the store or a still-pending local send.
type ViewMessage struct {
	Message
	State   OutgoingState `json:"state"`
	LocalID string        `json:"localId,omitempty"` // set for pending/failed entries
}

// ClientMessage represents a message sent from the client to the server.
type ClientMessage struct {
	Type           ClientMessageType `json:"type"`
	ConversationID string            `json:"conversationId,omitempty"`
	OtherUserID    string            `json:"otherUserId,omitempty"`
	OtherUserName  string            `json:"otherUserName,omitempty"`
	Text           string            `json:"text,omitempty"`
}

// ServerMessage represents a message to the client.
type ServerMessage struct {
	Type           ServerMessageType `json:"type"`
	ConversationID string            `json:"conversationId,omitempty"`
	Messages       []ViewMessage     `json:"messages,omitempty"`
	Conversations  []Conversation    `json:"conversations,omitempty"`
	Error          string            `json:"error,omitempty"`
}

type ClientMessageType string

const (
	ClientMessageTypeOpen  ClientMessageType = "open"
	ClientMessageTypeClose ClientMessageType = "close"
	ClientMessageTypeSend  ClientMessageType = "send"
)

type ServerMessageType string

const (
	ServerMessageTypeMessages      ServerMessageType = "messages"
	ServerMessageTypeConversations ServerMessageType = "conversations"
	ServerMessageTypeError         ServerMessageType = "error"
)
