package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/quarry-dev/quarry/internal/pipeline"
	"github.com/quarry-dev/quarry/internal/progress"
	"github.com/quarry-dev/quarry/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Coordinator is the pipeline surface the API layer drives.
type Coordinator interface {
	Process(ctx context.Context, question, conversationID string, events *progress.Stream) (*pipeline.Response, error)
}

// Deps holds the API handler dependencies.
type Deps struct {
	Coordinator Coordinator
	Store       *storage.Store
	Token       string
}

// AskRequest is the body of POST /v1/ask.
type AskRequest struct {
	Question       string `json:"question"`
	ConversationID string `json:"conversation_id"`
}

// NewHandler returns the HTTP handler for the quarry API. /v1/ask streams
// progress events over SSE when the client accepts text/event-stream and
// returns the final response as plain JSON otherwise. Dataset management
// sits behind bearer auth.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Post("/v1/ask", handleAsk(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Post("/v1/datasets", handleCreateDataset(deps))
		r.Get("/v1/datasets", handleListDatasets(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleAsk(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req AskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Question) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required")
			return
		}

		if wantsEventStream(r) {
			streamAsk(w, r, deps, req)
		} else {
			syncAsk(w, r, deps, req)
		}
	}
}

// streamAsk runs the pipeline and relays its event stream over SSE. The
// request context is cancelled when the handler returns, which unblocks any
// straggling producers.
func streamAsk(w http.ResponseWriter, r *http.Request, deps Deps, req AskRequest) {
	sw, err := newSSEWriter(w)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	stream := progress.NewStream(ctx)
	go func() {
		if _, err := deps.Coordinator.Process(ctx, req.Question, req.ConversationID, stream); err != nil {
			slog.Debug("pipeline run failed", "error", err)
		}
	}()

	for {
		select {
		case ev := <-stream.Events():
			if err := sw.writeEvent(ev); err != nil {
				slog.Debug("client went away mid-stream", "error", err)
				return
			}
			if ev.Terminal() {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// syncAsk runs the pipeline to completion and returns only the terminal
// payload.
func syncAsk(w http.ResponseWriter, r *http.Request, deps Deps, req AskRequest) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	stream := progress.NewStream(ctx)
	done := make(chan struct{})
	var resp *pipeline.Response
	var runErr error
	go func() {
		resp, runErr = deps.Coordinator.Process(ctx, req.Question, req.ConversationID, stream)
		close(done)
	}()

	// Drain progress events so producers never block on a full buffer.
	for {
		select {
		case <-stream.Events():
		case <-done:
			if runErr != nil {
				writeAnalysisError(w, runErr)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(resp)
			return
		case <-ctx.Done():
			return
		}
	}
}

func writeAnalysisError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message":   err.Error(),
			"type":      "analysis_error",
			"retryable": true,
		},
	})
}

func wantsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}
