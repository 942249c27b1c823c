package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/quarry-dev/quarry/internal/pipeline"
	"github.com/quarry-dev/quarry/internal/progress"
)

// fakeCoordinator emits a started event, then either completes with a canned
// response or fails.
type fakeCoordinator struct {
	resp     *pipeline.Response
	err      error
	question string
	convoID  string
}

func (f *fakeCoordinator) Process(ctx context.Context, question, conversationID string, events *progress.Stream) (*pipeline.Response, error) {
	f.question = question
	f.convoID = conversationID

	events.Emit(progress.Event{Kind: progress.KindStarted, ConversationID: "c1", Message: question})
	if f.err != nil {
		events.Emit(progress.Event{Kind: progress.KindFailed, Message: f.err.Error(), Retryable: true})
		return nil, f.err
	}
	events.Emit(progress.Event{Kind: progress.KindCompleted, ConversationID: "c1", Response: f.resp})
	return f.resp, nil
}

func testResponse() *pipeline.Response {
	return &pipeline.Response{
		ConversationID: "c1",
		Strategy:       "single",
		Answer:         "seven",
		Query:          "SELECT 7",
	}
}

func newTestServer(t *testing.T, coord Coordinator) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewHandler(Deps{Coordinator: coord, Store: testStore(t), Token: "secret"}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, &fakeCoordinator{resp: testResponse()})

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestAskSync(t *testing.T) {
	coord := &fakeCoordinator{resp: testResponse()}
	srv := newTestServer(t, coord)

	resp, err := http.Post(srv.URL+"/v1/ask", "application/json",
		strings.NewReader(`{"question": "how many?", "conversation_id": "c1"}`))
	if err != nil {
		t.Fatalf("POST /v1/ask: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body pipeline.Response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Answer != "seven" || body.ConversationID != "c1" {
		t.Errorf("body = %+v", body)
	}
	if coord.question != "how many?" || coord.convoID != "c1" {
		t.Errorf("coordinator received question=%q convo=%q", coord.question, coord.convoID)
	}
}

func TestAskSyncFailure(t *testing.T) {
	srv := newTestServer(t, &fakeCoordinator{err: errors.New("query failed after 3 attempts")})

	resp, err := http.Post(srv.URL+"/v1/ask", "application/json",
		strings.NewReader(`{"question": "q"}`))
	if err != nil {
		t.Fatalf("POST /v1/ask: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	var body struct {
		Error struct {
			Message   string `json:"message"`
			Type      string `json:"type"`
			Retryable bool   `json:"retryable"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Error.Type != "analysis_error" || !body.Error.Retryable {
		t.Errorf("error envelope = %+v", body.Error)
	}
	if !strings.Contains(body.Error.Message, "query failed") {
		t.Errorf("message = %q", body.Error.Message)
	}
}

func TestAskBadRequests(t *testing.T) {
	srv := newTestServer(t, &fakeCoordinator{resp: testResponse()})

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"missing question", `{"question": "  "}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/v1/ask", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestAskSSE(t *testing.T) {
	srv := newTestServer(t, &fakeCoordinator{resp: testResponse()})

	req, _ := http.NewRequest("POST", srv.URL+"/v1/ask", strings.NewReader(`{"question": "q"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /v1/ask: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	buf := make([]byte, 64*1024)
	n, _ := resp.Body.Read(buf)
	body := string(buf[:n])
	for n > 0 && !strings.Contains(body, "event: completed") {
		n, _ = resp.Body.Read(buf)
		body += string(buf[:n])
	}

	if !strings.Contains(body, "event: started") {
		t.Errorf("stream missing started event:\n%s", body)
	}
	if !strings.Contains(body, "event: completed") {
		t.Errorf("stream missing completed event:\n%s", body)
	}
	if !strings.Contains(body, `"answer":"seven"`) {
		t.Errorf("completed event missing response payload:\n%s", body)
	}
}

func TestAskSSEFailure(t *testing.T) {
	srv := newTestServer(t, &fakeCoordinator{err: errors.New("boom")})

	req, _ := http.NewRequest("POST", srv.URL+"/v1/ask", strings.NewReader(`{"question": "q"}`))
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /v1/ask: %v", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 64*1024)
	var body string
	for {
		n, err := resp.Body.Read(buf)
		body += string(buf[:n])
		if strings.Contains(body, "event: failed") || err != nil {
			break
		}
	}
	if !strings.Contains(body, "event: failed") {
		t.Errorf("stream missing failed event:\n%s", body)
	}
	if !strings.Contains(body, `"retryable":true`) {
		t.Errorf("failed event not marked retryable:\n%s", body)
	}
}
