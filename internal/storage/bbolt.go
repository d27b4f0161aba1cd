package storage

import (
	"errors"
	"fmt"
	"time"

	"chatsync/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketConversations = []byte("conversations")
	bucketMessages      = []byte("messages")
)

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketConversations); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMessages); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// UpsertConversation creates or merges a conversation summary. Display
// names are merged into the existing name map; unrelated fields
// (last message, updatedAt, lastSeq) are preserved.
func (s *BboltStorage) UpsertConversation(conversation models.Conversation) (models.Conversation, error) {
	var result models.Conversation
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketConversations)
		key := []byte(conversation.ID)

		dbConv := DBConversation{
			ID:               conversation.ID,
			Participants:     conversation.Participants,
			ParticipantNames: map[string]string{},
		}
		if existing := b.Get(key); existing != nil {
			if err := dbConv.UnmarshalBinary(existing); err != nil {
				return fmt.Errorf("failed to unmarshal conversation: %w", err)
			}
		}
		if dbConv.ParticipantNames == nil {
			dbConv.ParticipantNames = map[string]string{}
		}
		for id, name := range conversation.ParticipantNames {
			if name != "" {
				dbConv.ParticipantNames[id] = name
			}
		}

		data, err := dbConv.MarshalBinary()
		if err != nil {
			return err
		}
		if err := b.Put(dbConv.Key(), data); err != nil {
			return err
		}

		result = toConversation(dbConv)
		return nil
	})
	return result, err
}

// GetConversation returns a single conversation summary by id.
func (s *BboltStorage) GetConversation(id string) (models.Conversation, error) {
	var result models.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketConversations).Get([]byte(id))
		if data == nil {
			return models.ErrNotFound
		}
		var dbConv DBConversation
		if err := dbConv.UnmarshalBinary(data); err != nil {
			return err
		}
		result = toConversation(dbConv)
		return nil
	})
	return result, err
}

// ListConversations returns all conversation summaries stored in the database.
func (s *BboltStorage) ListConversations() ([]models.Conversation, error) {
	var conversations []models.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketConversations)
		return b.ForEach(func(k, v []byte) error {
			var dbConv DBConversation
			if err := dbConv.UnmarshalBinary(v); err != nil {
				return err
			}
			conversations = append(conversations, toConversation(dbConv))
			return nil
		})
	})
	return conversations, err
}

// AppendMessage saves a message and updates the owning conversation summary
// (last message text, sender, updatedAt, lastSeq) in the same transaction.
// Either both writes land or neither does.
func (s *BboltStorage) AppendMessage(message models.Message) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if message.ConversationID == "" {
			return errors.New("message missing conversationID")
		}

		// 1. Save message
		mainMsgBucket := tx.Bucket(bucketMessages)
		convBucket, err := mainMsgBucket.CreateBucketIfNotExists([]byte(message.ConversationID))
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}

		dbMessage := DBMessage{
			ID:             message.ID,
			Seq:            message.Seq,
			ConversationID: message.ConversationID,
			SenderID:       message.SenderID,
			SenderName:     message.SenderName,
			Text:           message.Text,
			CreatedAt:      message.CreatedAt,
		}

		data, err := dbMessage.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		if err := convBucket.Put(dbMessage.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		// 2. Update conversation summary
		convSummaries := tx.Bucket(bucketConversations)
		convKey := []byte(message.ConversationID)
		convData := convSummaries.Get(convKey)
		if convData == nil {
			return fmt.Errorf("conversation %s not found for message append: %w", message.ConversationID, models.ErrNotFound)
		}

		var dbConv DBConversation
		if err := dbConv.UnmarshalBinary(convData); err != nil {
			return fmt.Errorf("failed to unmarshal conversation: %w", err)
		}

		dbConv.LastMessageText = message.Text
		dbConv.LastMessageSenderID = message.SenderID
		dbConv.UpdatedAt = message.CreatedAt
		if message.Seq > dbConv.LastSeq {
			dbConv.LastSeq = message.Seq
		}

		newData, err := dbConv.MarshalBinary()
		if err != nil {
			return err
		}
		return convSummaries.Put(convKey, newData)
	})
}

// ListMessages returns all messages of a conversation in seq order.
func (s *BboltStorage) ListMessages(conversationID string) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		convBucket := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if convBucket == nil {
			return nil // No messages for this conversation
		}

		return convBucket.ForEach(func(k, v []byte) error {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, models.Message{
				ID:             dbMsg.ID,
				Seq:            dbMsg.Seq,
				ConversationID: dbMsg.ConversationID,
				SenderID:       dbMsg.SenderID,
				SenderName:     dbMsg.SenderName,
				Text:           dbMsg.Text,
				CreatedAt:      dbMsg.CreatedAt,
			})
			return nil
		})
	})
	return messages, err
}

func toConversation(dbConv DBConversation) models.Conversation {
	return models.Conversation{
		ID:                  dbConv.ID,
		Participants:        dbConv.Participants,
		ParticipantNames:    dbConv.ParticipantNames,
		LastMessageText:     dbConv.LastMessageText,
		LastMessageSenderID: dbConv.LastMessageSenderID,
		UpdatedAt:           dbConv.UpdatedAt,
		LastSeq:             dbConv.LastSeq,
	}
}
