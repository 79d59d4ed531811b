package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/courierhq/courier/internal/conversation"
	"github.com/courierhq/courier/internal/history"
	"github.com/courierhq/courier/internal/queue"
	"github.com/courierhq/courier/internal/store"
)

func testServer(t *testing.T) (*Server, *history.DB) {
	t.Helper()
	js, err := store.Open(store.BackendPebble, t.TempDir(), true)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { js.Close() })

	hist, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	t.Cleanup(func() { hist.Close() })

	dir := conversation.NewMemoryDirectory()
	dir.Add(&conversation.Conversation{ID: "c1", Kind: conversation.ConversationDirect, Identifier: "svc-1"})
	ver := conversation.NewMemoryVerificationStore()
	ch := conversation.NewChallengeRegistry(nil)

	handlers := conversation.Handlers{}
	for _, kind := range conversation.Kinds() {
		handlers[kind] = func(ctx context.Context, c *conversation.Conversation,
			b conversation.Bundle, p conversation.Payload) error {
			return nil
		}
	}
	q, err := conversation.New(conversation.Config{
		Store:        js,
		Directory:    dir,
		Verification: ver,
		Challenges:   ch,
		Handlers:     handlers,
		Queue: queue.Options{
			Recorder: history.NewRecorder(hist, nil),
		},
	})
	if err != nil {
		t.Fatalf("conversation.New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		q.Shutdown(ctx)
	})

	return New(q, dir, ver, ch, hist, ":0"), hist
}

func doRequest(srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body: %s)", err, rr.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := testServer(t)
	rr := doRequest(srv, "GET", "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestSubmitJob(t *testing.T) {
	srv, _ := testServer(t)
	rr := doRequest(srv, "POST", "/api/v1/jobs", map[string]interface{}{
		"type":           "NormalMessage",
		"conversationId": "c1",
		"messageId":      "m1",
	})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d (body: %s)", rr.Code, http.StatusAccepted, rr.Body.String())
	}
	var resp struct {
		JobID     string `json:"jobId"`
		Timestamp int64  `json:"timestamp"`
	}
	decodeResponse(t, rr, &resp)
	if resp.JobID == "" || resp.Timestamp == 0 {
		t.Errorf("response = %+v", resp)
	}
}

func TestCreateConversationThenSubmit(t *testing.T) {
	srv, _ := testServer(t)

	rr := doRequest(srv, "POST", "/api/v1/conversations", map[string]interface{}{
		"identifier": "svc-9",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("create status = %d (body: %s)", rr.Code, rr.Body.String())
	}
	var created struct {
		ConversationID string `json:"conversationId"`
		Kind           string `json:"kind"`
	}
	decodeResponse(t, rr, &created)
	if created.ConversationID == "" || created.Kind != conversation.ConversationDirect {
		t.Fatalf("created = %+v", created)
	}

	// Registering the same identifier again returns the same conversation.
	rr = doRequest(srv, "POST", "/api/v1/conversations", map[string]interface{}{
		"identifier": "svc-9",
	})
	var again struct {
		ConversationID string `json:"conversationId"`
	}
	decodeResponse(t, rr, &again)
	if again.ConversationID != created.ConversationID {
		t.Errorf("re-register returned %q, want %q", again.ConversationID, created.ConversationID)
	}

	rr = doRequest(srv, "POST", "/api/v1/jobs", map[string]interface{}{
		"type":           "NormalMessage",
		"conversationId": created.ConversationID,
		"messageId":      "m1",
	})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("submit to registered conversation: status = %d (body: %s)", rr.Code, rr.Body.String())
	}
}

func TestCreateConversationRequiresIdentifier(t *testing.T) {
	srv, _ := testServer(t)
	rr := doRequest(srv, "POST", "/api/v1/conversations", map[string]interface{}{})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestSubmitJobRejectsInvalidPayload(t *testing.T) {
	srv, _ := testServer(t)
	rr := doRequest(srv, "POST", "/api/v1/jobs", map[string]interface{}{
		"type": "NormalMessage",
		// conversationId missing
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
	var resp struct {
		Code string `json:"code"`
	}
	decodeResponse(t, rr, &resp)
	if resp.Code != "invalid_payload" {
		t.Errorf("code = %q, want invalid_payload", resp.Code)
	}
}

func TestListLanesAfterSubmit(t *testing.T) {
	srv, _ := testServer(t)
	rr := doRequest(srv, "POST", "/api/v1/jobs", map[string]interface{}{
		"type": "NormalMessage", "conversationId": "c1", "messageId": "m1",
	})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d (body: %s)", rr.Code, rr.Body.String())
	}

	rr = doRequest(srv, "GET", "/api/v1/queues", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp struct {
		Lanes []laneInfo `json:"lanes"`
	}
	decodeResponse(t, rr, &resp)
	if len(resp.Lanes) != 1 || resp.Lanes[0].ConversationID != "c1" {
		t.Errorf("lanes = %+v", resp.Lanes)
	}
}

func TestHistoryEndpoints(t *testing.T) {
	srv, hist := testServer(t)
	err := hist.Record(history.Entry{
		JobID: "job_x", QueueType: "conversation", Kind: "NormalMessage",
		ConversationID: "c1", Outcome: "completed", Attempts: 1,
		CreatedAt: time.Now(), FinishedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	rr := doRequest(srv, "GET", "/api/v1/history?limit=10", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp struct {
		Entries []history.Entry `json:"entries"`
	}
	decodeResponse(t, rr, &resp)
	if len(resp.Entries) != 1 || resp.Entries[0].JobID != "job_x" {
		t.Errorf("entries = %+v", resp.Entries)
	}

	rr = doRequest(srv, "GET", "/api/v1/conversations/c1/history", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	resp.Entries = nil
	decodeResponse(t, rr, &resp)
	if len(resp.Entries) != 1 {
		t.Errorf("conversation entries = %+v", resp.Entries)
	}

	rr = doRequest(srv, "GET", "/api/v1/conversations/other/history", nil)
	resp.Entries = nil
	decodeResponse(t, rr, &resp)
	if len(resp.Entries) != 0 {
		t.Errorf("entries for unknown conversation = %+v", resp.Entries)
	}
}

func TestChallengeLifecycle(t *testing.T) {
	srv, _ := testServer(t)

	rr := doRequest(srv, "DELETE", "/api/v1/conversations/c1/challenge", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("solve without challenge: status = %d, want 404", rr.Code)
	}

	rr = doRequest(srv, "POST", "/api/v1/conversations/c1/challenge", map[string]interface{}{
		"token": "tok", "retryAfterSec": 60,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("register status = %d", rr.Code)
	}

	rr = doRequest(srv, "DELETE", "/api/v1/conversations/c1/challenge", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("solve status = %d", rr.Code)
	}
}

func TestVerificationEndpoints(t *testing.T) {
	srv, _ := testServer(t)

	srv.verification.RecordUntrusted("c1", []string{"svc-x"})

	rr := doRequest(srv, "GET", "/api/v1/conversations/c1/verification", nil)
	var state struct {
		Pending   bool     `json:"pending"`
		Untrusted []string `json:"untrusted"`
	}
	decodeResponse(t, rr, &state)
	if !state.Pending || len(state.Untrusted) != 1 {
		t.Fatalf("verification state = %+v", state)
	}

	rr = doRequest(srv, "POST", "/api/v1/conversations/c1/verification/approve", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("approve status = %d", rr.Code)
	}
	if srv.verification.Verification("c1").Pending {
		t.Error("verification still pending after approve")
	}

	rr = doRequest(srv, "POST", "/api/v1/conversations/c1/verification/cancel", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", rr.Code)
	}
	if srv.verification.Verification("c1").CancelledAt == 0 {
		t.Error("cancellation marker not placed")
	}
}
