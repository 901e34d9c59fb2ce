package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/BookingPipe/internal/flow"
	"github.com/BTreeMap/BookingPipe/internal/models"
	"github.com/BTreeMap/BookingPipe/internal/store"
)

type mockKB struct {
	mu      sync.Mutex
	answer  string
	history [][]models.ConversationMessage
	docs    []string
}

func (m *mockKB) Answer(ctx context.Context, req flow.AnswerRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, req.History)
	m.docs = append(m.docs, req.DocumentContext)
	return m.answer, nil
}

type mockDocument struct {
	services []string
}

func (d mockDocument) Services() []string { return d.services }

func (d mockDocument) Context(ctx context.Context, query string) (string, error) {
	return "brochure text", nil
}

type mockNotifier struct{}

func (mockNotifier) SendConfirmation(ctx context.Context, email string, bookingID int64, data models.BookingData) error {
	return nil
}

// failingStore wraps an in-memory store and fails the selected operations.
// failSaves fails that many saves before they succeed again.
type failingStore struct {
	*store.InMemoryStore
	getErr      error
	saveErr     error
	failSaves   int
	afterExpire func()
}

func (f *failingStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.InMemoryStore.GetSession(ctx, id)
}

func (f *failingStore) SaveSession(ctx context.Context, sess models.Session) error {
	if f.failSaves > 0 {
		f.failSaves--
		return errors.New("disk full")
	}
	if f.saveErr != nil {
		return f.saveErr
	}
	return f.InMemoryStore.SaveSession(ctx, sess)
}

func (f *failingStore) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := f.InMemoryStore.DeleteSessionsBefore(ctx, cutoff)
	if f.afterExpire != nil {
		f.afterExpire()
	}
	return ids, err
}

var fixedNow = time.Date(2030, 1, 15, 12, 0, 0, 0, time.UTC)

func newTestChatService(st SessionStore, bookings flow.BookingStore, kb flow.KnowledgeBase, opts ...ChatOption) *ChatService {
	v := flow.NewValidator(flow.DefaultBusinessHours, time.UTC)
	v.Now = func() time.Time { return fixedNow }
	dm := flow.NewDialogueManager(v, bookings, mockNotifier{})
	r := flow.NewRouter(dm, flow.NewHeuristicClassifier(), nil, kb)
	opts = append([]ChatOption{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewChatService(r, st, opts...)
}

func TestChatService_NewSessionAndHistory(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	kb := &mockKB{answer: "We open at 9."}
	svc := newTestChatService(st, st, kb)

	reply, err := svc.HandleMessage(ctx, "", "When do you open?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.SessionID == "" || reply.Reply != "We open at 9." || reply.Action != string(flow.ActionChat) {
		t.Fatalf("unexpected reply %+v", reply)
	}

	if _, err := svc.HandleMessage(ctx, reply.SessionID, "And on Sundays?"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(kb.history) != 2 || len(kb.history[0]) != 0 || len(kb.history[1]) != 2 {
		t.Fatalf("knowledge base should see only prior messages, got %+v", kb.history)
	}
	if kb.history[1][0].Role != models.RoleUser || kb.history[1][1].Content != "We open at 9." {
		t.Errorf("unexpected prior history %+v", kb.history[1])
	}

	sess, err := svc.Session(ctx, reply.SessionID)
	if err != nil || sess == nil {
		t.Fatalf("expected stored session, got %v %v", sess, err)
	}
	if len(sess.History) != 4 || !sess.UpdatedAt.Equal(fixedNow) {
		t.Errorf("unexpected stored session %+v", sess)
	}
}

func TestChatService_HistoryTrimmed(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	svc := newTestChatService(st, st, &mockKB{answer: "ok"}, WithStoredHistory(4))

	for i := 0; i < 5; i++ {
		if _, err := svc.HandleMessage(ctx, "s1", fmt.Sprintf("question %d", i)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	sess, _ := svc.Session(ctx, "s1")
	if len(sess.History) != 4 || sess.History[0].Content != "question 3" {
		t.Errorf("unexpected history %+v", sess.History)
	}
}

func TestChatService_BookingPersistsAcrossTurns(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	svc := newTestChatService(st, st, &mockKB{})

	var reply models.ChatReply
	var err error
	for _, u := range []string{"I want to book a table", "yes", "Alice", "alice@example.com", "1234567890", "Dinner", "2030-02-01", "5:30 PM", "yes"} {
		reply, err = svc.HandleMessage(ctx, "s1", u)
		if err != nil {
			t.Fatalf("unexpected error on %q: %v", u, err)
		}
	}
	if reply.BookingID == 0 || !strings.Contains(reply.Reply, "confirmed") {
		t.Fatalf("expected confirmed booking, got %+v", reply)
	}
	if reply.Booking.Active {
		t.Errorf("booking state should be reset, got %+v", reply.Booking)
	}
	bookings, _ := st.ListBookings(ctx)
	if len(bookings) != 1 || bookings[0].Time != "05:30 PM" {
		t.Errorf("unexpected bookings %+v", bookings)
	}
}

func TestChatService_RejectsInvalidInput(t *testing.T) {
	svc := newTestChatService(store.NewInMemoryStore(), nil, &mockKB{})
	if _, err := svc.HandleMessage(context.Background(), "s1", "   "); !errors.Is(err, models.ErrEmptyMessage) {
		t.Errorf("expected ErrEmptyMessage, got %v", err)
	}
	long := strings.Repeat("a", models.MaxMessageLength+1)
	if _, err := svc.HandleMessage(context.Background(), "s1", long); !errors.Is(err, models.ErrMessageTooLong) {
		t.Errorf("expected ErrMessageTooLong, got %v", err)
	}
}

func TestChatService_StorageFailures(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk full")

	st := &failingStore{InMemoryStore: store.NewInMemoryStore(), getErr: boom}
	if _, err := newTestChatService(st, nil, &mockKB{}).HandleMessage(ctx, "s1", "hi"); !errors.Is(err, boom) {
		t.Errorf("expected load error, got %v", err)
	}

	st = &failingStore{InMemoryStore: store.NewInMemoryStore(), saveErr: boom}
	if _, err := newTestChatService(st, nil, &mockKB{}).HandleMessage(ctx, "s1", "hi"); !errors.Is(err, boom) {
		t.Errorf("expected save error, got %v", err)
	}
}

func TestChatService_AttachDocument(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	kb := &mockKB{answer: "From the brochure."}
	svc := newTestChatService(st, st, kb)

	doc := mockDocument{services: []string{"Deluxe Room", "Spa"}}
	if err := svc.AttachDocument(ctx, "s1", "doc-1", doc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sess, _ := svc.Session(ctx, "s1")
	if sess == nil || sess.DocumentID != "doc-1" {
		t.Fatalf("expected document id on session, got %+v", sess)
	}

	reply, err := svc.HandleMessage(ctx, "s1", "I want to book")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Action != string(flow.ActionListServices) || !strings.Contains(reply.Reply, "Deluxe Room") {
		t.Errorf("expected the document's services, got %+v", reply)
	}

	if _, err := svc.HandleMessage(ctx, "s1", "Is breakfast included?"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if last := kb.docs[len(kb.docs)-1]; last != "brochure text" {
		t.Errorf("expected document context, got %q", last)
	}

	if err := svc.AttachDocument(ctx, "s1", "", doc); err == nil {
		t.Error("expected error for missing document id")
	}
	if err := svc.AttachDocument(ctx, "", "doc-2", doc); !errors.Is(err, models.ErrEmptySessionID) {
		t.Errorf("expected ErrEmptySessionID, got %v", err)
	}
}

func TestChatService_ResetSession(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	svc := newTestChatService(st, st, &mockKB{answer: "hi"})

	if err := svc.AttachDocument(ctx, "s1", "doc-1", mockDocument{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.ResetSession(ctx, "s1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess, _ := svc.Session(ctx, "s1"); sess != nil {
		t.Errorf("expected session to be gone, got %+v", sess)
	}
	if svc.document("doc-1") != nil {
		t.Error("expected document to be released")
	}
	if err := svc.ResetSession(ctx, "s1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestChatService_ConcurrentSessions(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	svc := newTestChatService(st, st, &mockKB{answer: "ok"})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := svc.HandleMessage(ctx, fmt.Sprintf("s%d", i%2), "hello"); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	for _, id := range []string{"s0", "s1"} {
		sess, _ := svc.Session(ctx, id)
		if sess == nil || len(sess.History) != 20 {
			t.Errorf("session %s lost updates: %+v", id, sess)
		}
	}
	if n := len(svc.locks.held); n != 0 {
		t.Errorf("expected session locks to be released, %d left", n)
	}
}

func TestChatService_ExpireIdle(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	svc := newTestChatService(st, st, &mockKB{answer: "ok"})

	stale := models.NewSession("stale", fixedNow.Add(-48*time.Hour))
	stale.DocumentID = "doc-stale"
	if err := st.SaveSession(ctx, stale); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	svc.docs["doc-stale"] = attachedDoc{doc: mockDocument{}, sessionID: "stale"}
	if err := svc.AttachDocument(ctx, "fresh", "doc-fresh", mockDocument{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	n, err := svc.ExpireIdle(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 expired session, got %d", n)
	}
	if sess, _ := svc.Session(ctx, "stale"); sess != nil {
		t.Error("stale session should be gone")
	}
	if svc.document("doc-stale") != nil {
		t.Error("stale document should be released")
	}
	if sess, _ := svc.Session(ctx, "fresh"); sess == nil || svc.document("doc-fresh") == nil {
		t.Error("fresh session and document should remain")
	}

	if n, err := svc.ExpireIdle(ctx, 24*time.Hour); err != nil || n != 0 {
		t.Errorf("expected nothing left to expire, got %d, %v", n, err)
	}
}

// bookThrough drives session s1 up to the final confirmation prompt.
func bookThrough(t *testing.T, svc *ChatService) {
	t.Helper()
	for _, u := range []string{"I want to book a table", "yes", "Alice", "alice@example.com", "1234567890", "Dinner", "2030-02-01", "5:30 PM"} {
		if _, err := svc.HandleMessage(context.Background(), "s1", u); err != nil {
			t.Fatalf("unexpected error on %q: %v", u, err)
		}
	}
}

func TestChatService_FinalizedSurvivesSessionSaveFailure(t *testing.T) {
	ctx := context.Background()

	for _, tt := range []struct {
		name      string
		failSaves int
	}{
		{"retry succeeds", 1},
		{"session deleted", 2},
	} {
		st := &failingStore{InMemoryStore: store.NewInMemoryStore()}
		svc := newTestChatService(st, st, &mockKB{answer: "ok"})
		bookThrough(t, svc)

		st.failSaves = tt.failSaves
		reply, err := svc.HandleMessage(ctx, "s1", "yes")
		if err != nil {
			t.Fatalf("%s: finalize must not fail after the booking is saved: %v", tt.name, err)
		}
		if reply.BookingID != 1 || reply.Outcome != string(flow.OutcomeFinalized) {
			t.Errorf("%s: expected booking #1, got %+v", tt.name, reply)
		}

		sess, _ := st.GetSession(ctx, "s1")
		if sess != nil && sess.Booking.Confirmed {
			t.Errorf("%s: stored session still awaiting confirmation", tt.name)
		}
		if tt.failSaves == 2 && sess != nil {
			t.Errorf("%s: expected the session to be deleted", tt.name)
		}

		if _, err := svc.HandleMessage(ctx, "s1", "yes"); err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.name, err)
		}
		if bookings, _ := st.ListBookings(ctx); len(bookings) != 1 {
			t.Errorf("%s: expected exactly one booking, got %d", tt.name, len(bookings))
		}
	}
}

func TestChatService_ExpireIdleKeepsResavedSession(t *testing.T) {
	ctx := context.Background()
	st := &failingStore{InMemoryStore: store.NewInMemoryStore()}
	svc := newTestChatService(st, st, &mockKB{answer: "ok"})

	stale := models.NewSession("busy", fixedNow.Add(-48*time.Hour))
	stale.DocumentID = "doc-busy"
	if err := st.SaveSession(ctx, stale); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	svc.docs["doc-busy"] = attachedDoc{doc: mockDocument{}, sessionID: "busy"}

	// A turn that loaded the session before the sweep saves it afterwards.
	st.afterExpire = func() {
		stale.UpdatedAt = fixedNow
		if err := st.InMemoryStore.SaveSession(ctx, stale); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}

	n, err := svc.ExpireIdle(ctx, 24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 expired session, got %d, %v", n, err)
	}
	if svc.document("doc-busy") == nil {
		t.Error("document of a session saved again should stay loaded")
	}
	if n := len(svc.locks.held); n != 0 {
		t.Errorf("expected session locks to be released, %d left", n)
	}
}
