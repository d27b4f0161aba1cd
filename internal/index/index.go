// Package index maintains the per-participant conversation summary view,
// kept consistent with the message store by the hub.
package index

import (
	"sort"

	"chatsync/internal/models"

	"github.com/c-pro/geche"
	"github.com/samber/lo"
)

// Index caches conversation summaries keyed by conversation id. It is
// updated only through the hub's append/upsert path, never by UI code.
type Index struct {
	conversations geche.Geche[string, models.Conversation]
}

func New() *Index {
	return &Index{
		conversations: geche.NewMapCache[string, models.Conversation](),
	}
}

// Restore seeds the index from persisted summaries.
func (ix *Index) Restore(conversations []models.Conversation) {
	for _, c := range conversations {
		ix.conversations.Set(c.ID, c)
	}
}

// Upsert stores a summary, merging display names into any existing entry
// without discarding unrelated fields. Returns the merged summary.
func (ix *Index) Upsert(conversation models.Conversation) models.Conversation {
	existing, err := ix.conversations.Get(conversation.ID)
	if err == nil {
		// Copy-on-write: summaries handed out earlier keep their name map.
		names := make(map[string]string, len(existing.ParticipantNames))
		for id, name := range existing.ParticipantNames {
			names[id] = name
		}
		for id, name := range conversation.ParticipantNames {
			if name != "" {
				names[id] = name
			}
		}
		existing.ParticipantNames = names
		ix.conversations.Set(existing.ID, existing)
		return existing
	}

	if conversation.ParticipantNames == nil {
		conversation.ParticipantNames = map[string]string{}
	}
	ix.conversations.Set(conversation.ID, conversation)
	return conversation
}

// ApplyMessage folds an appended message into the owning summary.
func (ix *Index) ApplyMessage(message models.Message) (models.Conversation, error) {
	conversation, err := ix.conversations.Get(message.ConversationID)
	if err != nil {
		return models.Conversation{}, models.ErrNotFound
	}

	conversation.LastMessageText = message.Text
	conversation.LastMessageSenderID = message.SenderID
	conversation.UpdatedAt = message.CreatedAt
	if message.Seq > conversation.LastSeq {
		conversation.LastSeq = message.Seq
	}
	ix.conversations.Set(conversation.ID, conversation)
	return conversation, nil
}

// Get returns one summary by conversation id.
func (ix *Index) Get(conversationID string) (models.Conversation, error) {
	conversation, err := ix.conversations.Get(conversationID)
	if err != nil {
		return models.Conversation{}, models.ErrNotFound
	}
	return conversation, nil
}

// For returns every conversation the participant belongs to, ordered by
// last activity (updatedAt desc), with the conversation id as a stable
// tie break.
func (ix *Index) For(userID string) []models.Conversation {
	all := lo.Values(ix.conversations.Snapshot())
	result := lo.Filter(all, func(c models.Conversation, _ int) bool {
		return c.Participants[0] == userID || c.Participants[1] == userID
	})

	sort.Slice(result, func(i, j int) bool {
		if result[i].UpdatedAt != result[j].UpdatedAt {
			return result[i].UpdatedAt > result[j].UpdatedAt
		}
		return result[i].ID < result[j].ID
	})

	return result
}
