// Package messaging hosts conversations: it loads and saves session state
// around every routed turn and connects chat channels such as WhatsApp.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/BookingPipe/internal/flow"
	"github.com/BTreeMap/BookingPipe/internal/models"
	"github.com/BTreeMap/BookingPipe/internal/store"
)

// DefaultStoredHistory is the number of messages kept per session.
const DefaultStoredHistory = 50

// SessionStore persists conversation sessions.
type SessionStore interface {
	SaveSession(ctx context.Context, sess models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	DeleteSession(ctx context.Context, id string) error
	DeleteSessionsBefore(ctx context.Context, cutoff time.Time) ([]string, error)
}

// ChatOpts holds configuration for the ChatService.
type ChatOpts struct {
	HistoryLimit int
	Now          func() time.Time
}

// ChatOption defines a function for configuring the ChatService.
type ChatOption func(*ChatOpts)

// WithStoredHistory sets how many messages are persisted per session.
func WithStoredHistory(n int) ChatOption {
	return func(o *ChatOpts) {
		o.HistoryLimit = n
	}
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) ChatOption {
	return func(o *ChatOpts) {
		o.Now = now
	}
}

// ChatService runs one routed turn at a time per session. Different sessions
// proceed concurrently.
type ChatService struct {
	router       *flow.Router
	store        SessionStore
	historyLimit int
	now          func() time.Time

	locks sessionLocks

	docMu sync.RWMutex
	docs  map[string]attachedDoc
}

type attachedDoc struct {
	doc       flow.Document
	sessionID string
}

// NewChatService creates a ChatService.
func NewChatService(router *flow.Router, st SessionStore, opts ...ChatOption) *ChatService {
	cfg := ChatOpts{HistoryLimit: DefaultStoredHistory, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &ChatService{
		router:       router,
		store:        st,
		historyLimit: cfg.HistoryLimit,
		now:          cfg.Now,
		locks:        sessionLocks{held: make(map[string]*sessionLock)},
		docs:         make(map[string]attachedDoc),
	}
}

// HandleMessage routes text for sessionID and persists the resulting state.
// An empty sessionID starts a new session.
func (s *ChatService) HandleMessage(ctx context.Context, sessionID, text string) (models.ChatReply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.ChatReply{}, models.ErrEmptyMessage
	}
	if len(text) > models.MaxMessageLength {
		return models.ChatReply{}, models.ErrMessageTooLong
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
		slog.Debug("ChatService.HandleMessage: starting new session", "sessionID", sessionID)
	}

	unlock := s.locks.lock(sessionID)
	defer unlock()

	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return models.ChatReply{}, err
	}
	doc := s.document(sess.DocumentID)

	prior := sess.History
	next, resp := s.router.Route(ctx, sess, text, prior, doc)

	now := s.now()
	next.AppendHistory(models.RoleUser, text, now, s.historyLimit)
	next.AppendHistory(models.RoleAssistant, resp.Text, now, s.historyLimit)
	next.UpdatedAt = now

	if err := s.store.SaveSession(ctx, next); err != nil {
		if resp.Turn == nil || resp.Turn.Outcome != flow.OutcomeFinalized {
			slog.Error("ChatService.HandleMessage: failed to save session", "sessionID", sessionID, "error", err)
			return models.ChatReply{}, fmt.Errorf("failed to save session %s: %w", sessionID, err)
		}
		// The booking is already committed; the stored session must not stay
		// confirmed or another "yes" books it twice.
		s.settleFinalized(ctx, next, err)
	}

	reply := models.ChatReply{
		SessionID: sessionID,
		Reply:     resp.Text,
		Action:    string(resp.Action),
		Booking:   next.Booking,
	}
	if resp.Turn != nil {
		reply.BookingID = resp.Turn.BookingID
		reply.Outcome = string(resp.Turn.Outcome)
		if resp.Turn.NotifyErr != nil {
			slog.Warn("ChatService.HandleMessage: confirmation not delivered", "sessionID", sessionID, "bookingID", resp.Turn.BookingID, "error", resp.Turn.NotifyErr)
		}
	}
	if resp.Err != nil {
		slog.Warn("ChatService.HandleMessage: degraded reply", "sessionID", sessionID, "action", resp.Action, "error", resp.Err)
	}
	slog.Info("ChatService.HandleMessage: turn handled", "sessionID", sessionID, "action", resp.Action, "bookingActive", next.Booking.Active)
	return reply, nil
}

// settleFinalized retries the save of a session whose booking was just
// committed and falls back to deleting it.
func (s *ChatService) settleFinalized(ctx context.Context, sess models.Session, saveErr error) {
	slog.Warn("ChatService.settleFinalized: failed to save finalized session, retrying", "sessionID", sess.ID, "error", saveErr)
	if err := s.store.SaveSession(ctx, sess); err == nil {
		return
	}
	if err := s.store.DeleteSession(ctx, sess.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Error("ChatService.settleFinalized: stale confirmed session left in store", "sessionID", sess.ID, "error", err)
		return
	}
	slog.Warn("ChatService.settleFinalized: finalized session deleted", "sessionID", sess.ID)
}

// AttachDocument binds an ingested document to a session, creating the
// session if needed. A previously attached document is released.
func (s *ChatService) AttachDocument(ctx context.Context, sessionID, docID string, doc flow.Document) error {
	if sessionID == "" {
		return models.ErrEmptySessionID
	}
	if doc == nil || docID == "" {
		return fmt.Errorf("document is required")
	}

	unlock := s.locks.lock(sessionID)
	defer unlock()

	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}
	previous := sess.DocumentID
	sess.DocumentID = docID
	sess.UpdatedAt = s.now()
	if err := s.store.SaveSession(ctx, sess); err != nil {
		slog.Error("ChatService.AttachDocument: failed to save session", "sessionID", sessionID, "error", err)
		return fmt.Errorf("failed to save session %s: %w", sessionID, err)
	}

	s.docMu.Lock()
	if previous != "" && previous != docID {
		delete(s.docs, previous)
	}
	s.docs[docID] = attachedDoc{doc: doc, sessionID: sessionID}
	s.docMu.Unlock()

	slog.Info("ChatService.AttachDocument: document attached", "sessionID", sessionID, "documentID", docID, "services", len(doc.Services()))
	return nil
}

// Session returns the stored session, or nil when it does not exist.
func (s *ChatService) Session(ctx context.Context, sessionID string) (*models.Session, error) {
	if sessionID == "" {
		return nil, models.ErrEmptySessionID
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	return sess, nil
}

// ResetSession deletes a session and its attached document. It returns the
// store's not-found error when the session does not exist.
func (s *ChatService) ResetSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return models.ErrEmptySessionID
	}

	unlock := s.locks.lock(sessionID)
	defer unlock()

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	if err := s.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	if sess != nil && sess.DocumentID != "" {
		s.docMu.Lock()
		delete(s.docs, sess.DocumentID)
		s.docMu.Unlock()
	}
	slog.Info("ChatService.ResetSession: session deleted", "sessionID", sessionID)
	return nil
}

// ExpireIdle deletes sessions not updated within maxIdle and releases their
// documents. It returns the number of sessions removed. A session that an
// in-flight turn saved again after the delete keeps its document.
func (s *ChatService) ExpireIdle(ctx context.Context, maxIdle time.Duration) (int, error) {
	cutoff := s.now().Add(-maxIdle)
	ids, err := s.store.DeleteSessionsBefore(ctx, cutoff)
	if err != nil {
		slog.Error("ChatService.ExpireIdle: failed to delete idle sessions", "cutoff", cutoff, "error", err)
		return 0, fmt.Errorf("failed to expire idle sessions: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	for _, id := range ids {
		s.releaseExpired(ctx, id)
	}
	slog.Info("ChatService.ExpireIdle: idle sessions removed", "count", len(ids), "cutoff", cutoff)
	return len(ids), nil
}

// releaseExpired waits for any turn on id to finish, then drops the
// session's documents unless that turn stored the session again.
func (s *ChatService) releaseExpired(ctx context.Context, id string) {
	unlock := s.locks.lock(id)
	defer unlock()

	keep := ""
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		slog.Warn("ChatService.releaseExpired: failed to recheck session", "sessionID", id, "error", err)
	} else if sess != nil {
		keep = sess.DocumentID
		slog.Debug("ChatService.releaseExpired: session saved again after expiry", "sessionID", id)
	}

	s.docMu.Lock()
	for docID, att := range s.docs {
		if att.sessionID == id && docID != keep {
			delete(s.docs, docID)
		}
	}
	s.docMu.Unlock()
}

func (s *ChatService) load(ctx context.Context, sessionID string) (models.Session, error) {
	stored, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		slog.Error("ChatService.load: failed to load session", "sessionID", sessionID, "error", err)
		return models.Session{}, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	if stored == nil {
		return models.NewSession(sessionID, s.now()), nil
	}
	return *stored, nil
}

// document never returns a typed nil.
func (s *ChatService) document(id string) flow.Document {
	if id == "" {
		return nil
	}
	s.docMu.RLock()
	att, ok := s.docs[id]
	s.docMu.RUnlock()
	if !ok {
		slog.Warn("ChatService.document: attached document no longer loaded", "documentID", id)
		return nil
	}
	return att.doc
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// sessionLocks hands out one mutex per session id and forgets it once no
// caller holds or waits for it.
type sessionLocks struct {
	mu   sync.Mutex
	held map[string]*sessionLock
}

func (l *sessionLocks) lock(id string) (unlock func()) {
	l.mu.Lock()
	sl, ok := l.held[id]
	if !ok {
		sl = &sessionLock{}
		l.held[id] = sl
	}
	sl.refs++
	l.mu.Unlock()

	sl.mu.Lock()
	return func() {
		sl.mu.Unlock()
		l.mu.Lock()
		sl.refs--
		if sl.refs == 0 {
			delete(l.held, id)
		}
		l.mu.Unlock()
	}
}
