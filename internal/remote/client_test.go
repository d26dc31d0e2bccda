package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	client, err := NewClient(Config{
		BaseURL:        serverURL,
		TokenSource:    NewStaticTokenSource("test-token"),
		RequestTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	return client
}

func TestPullFollowsContinuationTokens(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tasks" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Fatalf("unexpected authorization header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("continuationToken") == "" {
			fmt.Fprint(w, `{"items":[{"id":"task-1","updated_at_s":1700000100,"payload":{"id":"task-1"}}],"has_more":true,"continuation_token":"page-2"}`)
			return
		}
		fmt.Fprint(w, `{"items":[{"id":"task-2","updated_at_s":1700000200,"payload":{"id":"task-2"}}],"has_more":false}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	since := time.Unix(1700000000, 0)
	entities, err := client.Pull(context.Background(), "tasks", &since)
	if err != nil {
		t.Fatalf("unexpected pull error: %v", err)
	}
	if len(entities) != 2 {
		t.Fatalf("expected both pages, got %d entities", len(entities))
	}
	if entities[0].ID != "task-1" || entities[1].ID != "task-2" {
		t.Fatalf("unexpected entities: %+v", entities)
	}
	if !entities[1].ModifiedAt().Equal(time.Unix(1700000200, 0).UTC()) {
		t.Fatalf("unexpected modified time: %v", entities[1].ModifiedAt())
	}
}

func TestPullSendsSinceParameter(t *testing.T) {
	var sawSince atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawSince.Store(r.URL.Query().Get("since"))
		fmt.Fprint(w, `{"items":[],"has_more":false}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	since := time.Unix(1700000000, 0).UTC()
	if _, err := client.Pull(context.Background(), "tasks", &since); err != nil {
		t.Fatalf("unexpected pull error: %v", err)
	}
	if got := sawSince.Load(); got != "2023-11-14T22:13:20Z" {
		t.Fatalf("unexpected since parameter: %v", got)
	}
}

func TestCreateReturnsServerAssignedID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method %s", r.Method)
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("invalid request body: %v", err)
		}
		fmt.Fprint(w, `{"id":"server-9"}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	assigned, err := client.Create(context.Background(), "projects", `{"id":"local-1","name":"new"}`)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if assigned != "server-9" {
		t.Fatalf("expected the server id, got %q", assigned)
	}
}

func TestUpdateConflictIsClassified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"version moved on"}`, http.StatusConflict)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	err := client.Update(context.Background(), "tasks", "task-1", `{"id":"task-1"}`)
	if err == nil {
		t.Fatalf("expected a conflict error")
	}
	if kind := Classify(err); kind != KindConflict {
		t.Fatalf("expected conflict kind, got %s", kind)
	}
	if IsRetryable(err) {
		t.Fatalf("conflicts must not be retried")
	}
}

func TestValidationRejectionIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"title required"}`, http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	err := client.Update(context.Background(), "tasks", "task-1", `{}`)
	if kind := Classify(err); kind != KindValidation {
		t.Fatalf("expected validation kind, got %s", kind)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected exactly one attempt for a validation rejection, got %d", got)
	}
}

func TestTransientServerErrorIsRetriedInCall(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"items":[],"has_more":false}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	if _, err := client.Pull(context.Background(), "tasks", nil); err != nil {
		t.Fatalf("expected the retry to recover, got %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected three attempts, got %d", got)
	}
}

func TestDeleteTreats404AsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	if err := client.Delete(context.Background(), "tasks", "already-gone"); err != nil {
		t.Fatalf("expected a 404 delete to succeed, got %v", err)
	}
}

func TestClassifyUnknownErrors(t *testing.T) {
	if kind := Classify(errors.New("plain failure")); kind != KindSystem {
		t.Fatalf("expected system kind for unclassified errors, got %s", kind)
	}
	wrapped := fmt.Errorf("push failed: %w", &CallError{Kind: KindTimeout, Operation: "update tasks", Err: errors.New("deadline")})
	if kind := Classify(wrapped); kind != KindTimeout {
		t.Fatalf("expected the wrapped kind, got %s", kind)
	}
	if !IsRetryable(wrapped) {
		t.Fatalf("expected timeouts to be retryable")
	}
}

func TestStaticTokenSource(t *testing.T) {
	if _, err := NewStaticTokenSource("  ").Token(); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken for a blank credential, got %v", err)
	}

	source := NewStaticTokenSource("opaque-credential")
	token, err := source.Token()
	if err != nil || token != "opaque-credential" {
		t.Fatalf("unexpected token result: %q %v", token, err)
	}
	if _, ok := source.Expiry(); ok {
		t.Fatalf("expected no expiry for an opaque token")
	}
}

func TestStaticTokenSourceJWTExpiry(t *testing.T) {
	// Unsigned JWT with exp 1700000000; only the claim is inspected.
	raw := "eyJhbGciOiJub25lIiwidHlwIjoiSldUIn0." +
		"eyJleHAiOjE3MDAwMDAwMDB9."
	expiry, ok := NewStaticTokenSource(raw).Expiry()
	if !ok {
		t.Fatalf("expected an expiry from the exp claim")
	}
	if !expiry.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("unexpected expiry: %v", expiry)
	}
}
