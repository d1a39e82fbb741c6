package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ava-labs/buffered-publisher/pkg/queue"
	"github.com/ava-labs/buffered-publisher/pkg/transport"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const requestIDHeader = "X-Request-Id"

type ingestResponse struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ingestServer accepts JSON messages over HTTP and pushes them to a publisher.
type ingestServer struct {
	server *http.Server
}

func newIngestServer(addr string, pub queue.Publisher, maxBodyBytes, maxInflight int64, log *zap.SugaredLogger) *ingestServer {
	mux := http.NewServeMux()
	mux.Handle("POST /v1/publish/{destination}", limitInflight(semaphore.NewWeighted(maxInflight), publishHandler(pub, maxBodyBytes, log)))

	return &ingestServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start starts the ingest server in a background goroutine.
// Returns a channel that receives an error if the server fails to start.
func (s *ingestServer) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown gracefully shuts down the ingest server.
func (s *ingestServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// limitInflight sheds requests with 429 once sem is exhausted.
func limitInflight(sem *semaphore.Weighted, next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !sem.TryAcquire(1) {
			writeJSON(w, http.StatusTooManyRequests, ingestResponse{
				RequestID: r.Header.Get(requestIDHeader),
				Error:     "too many requests in flight",
			})
			return
		}
		defer sem.Release(1)
		next.ServeHTTP(w, r)
	}
}

func publishHandler(pub queue.Publisher, maxBodyBytes int64, log *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)
		destination := r.PathValue("destination")

		var payload json.RawMessage
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&payload); err != nil {
			status := http.StatusBadRequest
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				status = http.StatusRequestEntityTooLarge
			}
			writeJSON(w, status, ingestResponse{RequestID: requestID, Error: "invalid JSON body"})
			return
		}

		if err := pub.Push(r.Context(), destination, payload); err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, transport.ErrInvalidDestination):
				status = http.StatusBadRequest
			case errors.Is(err, queue.ErrClosed), errors.Is(err, transport.ErrClosed):
				status = http.StatusServiceUnavailable
			}
			log.Errorw("failed to push message",
				"requestID", requestID,
				"destination", destination,
				"error", err)
			writeJSON(w, status, ingestResponse{RequestID: requestID, Error: err.Error()})
			return
		}

		log.Debugw("message accepted", "requestID", requestID, "destination", destination)
		writeJSON(w, http.StatusAccepted, ingestResponse{RequestID: requestID, Status: "accepted"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body ingestResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
