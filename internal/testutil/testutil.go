// Package testutil provides common test helpers for BookingPipe tests.
package testutil

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/BookingPipe/internal/flow"
	"github.com/BTreeMap/BookingPipe/internal/messaging"
	"github.com/BTreeMap/BookingPipe/internal/models"
	"github.com/BTreeMap/BookingPipe/internal/store"
)

// FixedNow is the clock used by NewChatService. Booking dates after it are
// in the future.
var FixedNow = time.Date(2030, 1, 15, 12, 0, 0, 0, time.UTC)

// StaticKnowledgeBase answers every question with the same text.
type StaticKnowledgeBase string

func (kb StaticKnowledgeBase) Answer(ctx context.Context, req flow.AnswerRequest) (string, error) {
	return string(kb), nil
}

// NewChatService builds a ChatService over an in-memory store with the
// heuristic classifier, default business hours in UTC and no notifier. kb
// may be nil.
func NewChatService(t *testing.T, kb flow.KnowledgeBase) (*messaging.ChatService, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	v := flow.NewValidator(flow.DefaultBusinessHours, time.UTC)
	v.Now = func() time.Time { return FixedNow }
	dm := flow.NewDialogueManager(v, st, nil)
	router := flow.NewRouter(dm, flow.NewHeuristicClassifier(), nil, kb)
	chat := messaging.NewChatService(router, st, messaging.WithClock(func() time.Time { return FixedNow }))
	return chat, st
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected int, rec *httptest.ResponseRecorder, context string) {
	t.Helper()
	if rec.Code != expected {
		t.Fatalf("%s: expected status %d, got %d: %s", context, expected, rec.Code, rec.Body.String())
	}
}

// DecodeAPIResponse decodes the JSON envelope, checks its status and decodes
// the result into result when it is non-nil.
func DecodeAPIResponse(t *testing.T, rec *httptest.ResponseRecorder, expectedStatus models.APIStatus, result interface{}) models.APIResponse {
	t.Helper()
	var resp struct {
		models.APIResponse
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode JSON response %q: %v", rec.Body.String(), err)
	}
	if resp.Status != string(expectedStatus) {
		t.Errorf("expected status '%s', got '%s'", expectedStatus, resp.Status)
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			t.Fatalf("failed to decode result: %v", err)
		}
	}
	return resp.APIResponse
}
