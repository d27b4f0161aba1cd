// Package sub implements the subscription manager: a registry of live
// queries, each with a set of listeners that receive fully-recomputed
// ordered snapshots as the underlying store changes.
package sub

import (
	"sync"

	"chatsync/internal/models"
)

type QueryKind string

const (
	// QueryMessages streams the ordered message log of one conversation.
	QueryMessages QueryKind = "messages"
	// QueryConversations streams the conversation summaries of one participant.
	QueryConversations QueryKind = "conversations"
)

// Query identifies a live result set: a conversation's messages or a
// participant's conversation list.
type Query struct {
	Kind   QueryKind
	Target string
}

func Messages(conversationID string) Query {
	return Query{Kind: QueryMessages, Target: conversationID}
}

func ConversationsFor(userID string) Query {
	return Query{Kind: QueryConversations, Target: userID}
}

// Snapshot is a complete ordered materialization of a query's result set.
// Exactly one of Messages/Conversations is populated, matching Query.Kind.
type Snapshot struct {
	Query         Query
	Messages      []models.Message
	Conversations []models.Conversation
}

// Handle identifies one registered listener. Unsubscribing through it is
// idempotent; after Unsubscribe returns the listener receives no further
// updates.
type Handle struct {
	id    int64
	query Query
}

func (h *Handle) Query() Query {
	return h.query
}

type listener struct {
	onUpdate func(Snapshot)
	onError  func(error)
}

// Manager maintains the query -> listeners mapping. Deliveries for a given
// listener are totally ordered: callbacks run under the manager lock.
// Callbacks must not call back into Subscribe or Unsubscribe.
type Manager struct {
	listeners map[Query]map[int64]*listener
	nextID    int64

	mu sync.Mutex
}

func NewManager() *Manager {
	return &Manager{
		listeners: make(map[Query]map[int64]*listener),
	}
}

// Subscribe registers a listener for a query. The initial snapshot is
// delivered by the caller (the hub) immediately after registration, so
// subscribers never observe an uninitialized state.
func (m *Manager) Subscribe(q Query, onUpdate func(Snapshot), onError func(error)) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	h := &Handle{id: m.nextID, query: q}

	set, ok := m.listeners[q]
	if !ok {
		set = make(map[int64]*listener)
		m.listeners[q] = set
	}
	set[h.id] = &listener{onUpdate: onUpdate, onError: onError}

	return h
}

// Unsubscribe removes a listener. Idempotent; no onUpdate call can be in
// flight or started for this handle once Unsubscribe returns.
func (m *Manager) Unsubscribe(h *Handle) {
	if h == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.listeners[h.query]
	if !ok {
		return
	}
	delete(set, h.id)
	if len(set) == 0 {
		delete(m.listeners, h.query)
	}
}

// Publish delivers a recomputed snapshot to every listener of its query.
// Each mutation of the underlying store results in exactly one Publish per
// affected query.
func (m *Manager) Publish(s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, l := range m.listeners[s.Query] {
		l.onUpdate(s)
	}
}

// Deliver pushes a snapshot to a single listener, used for the initial
// delivery right after Subscribe. No-op if the handle was already removed.
func (m *Manager) Deliver(h *Handle, s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.listeners[h.query][h.id]; ok {
		l.onUpdate(s)
	}
}

// FailAll reports an error to every registered listener exactly once and
// removes them all. Subscribers must explicitly re-subscribe once the
// underlying store is reachable again; there is no silent retry.
func (m *Manager) FailAll(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, set := range m.listeners {
		for _, l := range set {
			if l.onError != nil {
				l.onError(err)
			}
		}
	}
	m.listeners = make(map[Query]map[int64]*listener)
}

// Fail reports an error to the listeners of a single query and removes
// them.
func (m *Manager) Fail(q Query, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, l := range m.listeners[q] {
		if l.onError != nil {
			l.onError(err)
		}
	}
	delete(m.listeners, q)
}

// Active reports whether a query currently has listeners.
func (m *Manager) Active(q Query) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners[q]) > 0
}
