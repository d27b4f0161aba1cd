// Package session implements the per-open-conversation controller: it
// composes one live message subscription with locally-originated pending
// sends and exposes a single merged, ordered view to the UI layer.
package session

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"chatsync/internal/content"
	"chatsync/internal/identity"
	"chatsync/internal/models"
	"chatsync/internal/sub"

	"github.com/google/uuid"
)

const (
	DefaultMaxMessageLen   = 500
	DefaultReconcileWindow = 10 * time.Second
)

// Backend is the slice of the hub a session needs.
type Backend interface {
	Append(ctx context.Context, conversationID, senderID, text string) (models.Message, error)
	SubscribeMessages(conversationID string, onUpdate func([]models.Message), onError func(error)) (*sub.Handle, error)
	Unsubscribe(handle *sub.Handle)
}

type Config struct {
	ConversationID string
	UserID         string

	// MaxMessageLen mirrors the store's bound so validation fails before
	// a pending entry is ever created.
	MaxMessageLen int

	// ReconcileWindow is how far apart a confirmed message's server
	// timestamp may be from the local enqueue time and still count as
	// the server copy of a pending send.
	ReconcileWindow time.Duration

	// OnChange receives the merged view after every change. It is
	// invoked on the delivery path and must not call back into the
	// session.
	OnChange func(view []models.ViewMessage)

	// OnError receives subscription errors (e.g. connection lost).
	OnError func(err error)
}

// outgoing is one locally-originated send attempt.
// Pending and Failed entries live here; Confirmed ones are dropped as soon
// as the server copy arrives on the stream.
type outgoing struct {
	localID    string
	text       string
	enqueuedAt time.Time
	state      models.OutgoingState
}

type Session struct {
	backend Backend
	config  Config
	handle  *sub.Handle

	confirmed []models.Message
	outgoings []*outgoing
	closed    bool
	now       func() time.Time

	mu sync.Mutex
}

// New opens a session: it subscribes to the conversation's message stream
// and receives the initial snapshot before returning.
func New(backend Backend, config Config) (*Session, error) {
	if config.MaxMessageLen <= 0 {
		config.MaxMessageLen = DefaultMaxMessageLen
	}
	if config.ReconcileWindow <= 0 {
		config.ReconcileWindow = DefaultReconcileWindow
	}
	userID, err := identity.Normalize(config.UserID)
	if err != nil {
		return nil, err
	}
	config.UserID = userID

	s := &Session{
		backend: backend,
		config:  config,
		now:     time.Now,
	}

	handle, err := backend.SubscribeMessages(config.ConversationID, s.applySnapshot, s.applyError)
	if err != nil {
		return nil, err
	}
	s.handle = handle
	return s, nil
}

// Send validates text, immediately materializes a Pending entry in the
// view, and appends asynchronously. The returned local id identifies the
// attempt in the view until it is Confirmed (and replaced by the server
// copy) or Failed. Validation errors are returned synchronously and leave
// the session unchanged.
func (s *Session) Send(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(content.Sanitize(text))
	if text == "" {
		return "", models.ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > s.config.MaxMessageLen {
		return "", models.ErrMessageTooLong
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", models.ErrNotFound
	}
	entry := &outgoing{
		localID:    uuid.NewString(),
		text:       text,
		enqueuedAt: s.now(),
		state:      models.OutgoingPending,
	}
	s.outgoings = append(s.outgoings, entry)
	s.notifyLocked()
	s.mu.Unlock()

	go s.append(ctx, entry.localID, text)

	return entry.localID, nil
}

// Retry resubmits a Failed entry as a brand new Pending attempt with a new
// local id. The old entry is removed, not resurrected.
func (s *Session) Retry(ctx context.Context, localID string) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", models.ErrNotFound
	}

	var text string
	found := false
	for i, entry := range s.outgoings {
		if entry.localID == localID && entry.state == models.OutgoingFailed {
			text = entry.text
			s.outgoings = append(s.outgoings[:i], s.outgoings[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		s.mu.Unlock()
		return "", models.ErrNotFound
	}

	entry := &outgoing{
		localID:    uuid.NewString(),
		text:       text,
		enqueuedAt: s.now(),
		state:      models.OutgoingPending,
	}
	s.outgoings = append(s.outgoings, entry)
	s.notifyLocked()
	s.mu.Unlock()

	go s.append(ctx, entry.localID, text)

	return entry.localID, nil
}

// Dismiss drops a Failed entry from the view.
func (s *Session) Dismiss(localID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, entry := range s.outgoings {
		if entry.localID == localID && entry.state == models.OutgoingFailed {
			s.outgoings = append(s.outgoings[:i], s.outgoings[i+1:]...)
			s.notifyLocked()
			return
		}
	}
}

// View returns the merged display list: confirmed messages in store order,
// then pending and failed local sends in enqueue order, never interleaved.
func (s *Session) View() []models.ViewMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

// Close tears the subscription down synchronously. Send results arriving
// afterwards are discarded; the view never changes again.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	handle := s.handle
	s.mu.Unlock()

	s.backend.Unsubscribe(handle)
}

func (s *Session) append(ctx context.Context, localID, text string) {
	_, err := s.backend.Append(ctx, s.config.ConversationID, s.config.UserID, text)
	if err == nil {
		// Confirmation arrives through the live stream; reconciliation
		// happens in applySnapshot.
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, entry := range s.outgoings {
		if entry.localID == localID && entry.state == models.OutgoingPending {
			entry.state = models.OutgoingFailed
			s.notifyLocked()
			return
		}
	}
}

// applySnapshot is the delivery callback: it replaces the confirmed list
// and reconciles pending sends against it. Runs mutually exclusive with
// Send, Retry and Close.
func (s *Session) applySnapshot(messages []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.confirmed = messages
	s.reconcileLocked()
	s.notifyLocked()
}

func (s *Session) applyError(err error) {
	s.mu.Lock()
	closed := s.closed
	onError := s.config.OnError
	s.mu.Unlock()

	if closed || onError == nil {
		return
	}
	onError(err)
}

// reconcileLocked removes pending entries whose server copy has arrived:
// same sender (all outgoings are ours), same text, server timestamp within
// the reconcile window of the local enqueue time. Each confirmed message
// consumes at most one pending entry, oldest first.
func (s *Session) reconcileLocked() {
	if len(s.outgoings) == 0 {
		return
	}

	window := s.config.ReconcileWindow
	consumed := make(map[string]bool) // confirmed message id -> matched

	remaining := s.outgoings[:0]
	for _, entry := range s.outgoings {
		if entry.state != models.OutgoingPending {
			remaining = append(remaining, entry)
			continue
		}

		matched := false
		for _, msg := range s.confirmed {
			if consumed[msg.ID] || msg.SenderID != s.config.UserID || msg.Text != entry.text {
				continue
			}
			delta := msg.CreatedAt - entry.enqueuedAt.UnixMilli()
			if delta < -window.Milliseconds() || delta > window.Milliseconds() {
				continue
			}
			consumed[msg.ID] = true
			matched = true
			break
		}
		if !matched {
			remaining = append(remaining, entry)
		}
	}
	s.outgoings = remaining
}

// viewLocked must be called with s.mu held.
func (s *Session) viewLocked() []models.ViewMessage {
	view := make([]models.ViewMessage, 0, len(s.confirmed)+len(s.outgoings))
	for _, msg := range s.confirmed {
		view = append(view, models.ViewMessage{
			Message: msg,
			State:   models.OutgoingConfirmed,
		})
	}
	for _, entry := range s.outgoings {
		view = append(view, models.ViewMessage{
			Message: models.Message{
				ConversationID: s.config.ConversationID,
				SenderID:       s.config.UserID,
				Text:           entry.text,
				CreatedAt:      entry.enqueuedAt.UnixMilli(),
			},
			State:   entry.state,
			LocalID: entry.localID,
		})
	}
	return view
}

// notifyLocked must be called with s.mu held.
func (s *Session) notifyLocked() {
	if s.config.OnChange != nil {
		s.config.OnChange(s.viewLocked())
	}
}
