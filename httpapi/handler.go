// Package httpapi exposes a channel.Messenger over HTTP so a remote UI layer
// can send channel messages.
//
//	POST /channels/{channel}  body: encoded message, response: reply bytes
//	GET  /channels            JSON list of bound channels
//	GET  /health
//
// Message bytes are opaque to the gateway; the client and the handler agree
// on the codec. A request with no answering handler, or a method the handler
// does not implement, gets 204 No Content.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kacy/integrity-bridge/channel"
)

// MaxMessageBytes bounds the size of an inbound message.
const MaxMessageBytes = 1 << 20

// Messenger is the subset of channel.Messenger the gateway needs.
type Messenger interface {
	channel.BinaryMessenger
	Channels() []string
}

type channelsResponse struct {
	Channels []string `json:"channels"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewHandler returns the gateway routes for m.
func NewHandler(m Messenger, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/channels", listChannels(m))
	r.Post("/channels/{channel}", sendMessage(m, logger))

	return r
}

func listChannels(m Messenger) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, channelsResponse{Channels: m.Channels()})
	}
}

func sendMessage(m Messenger, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "channel")

		message, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxMessageBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "message too large"})
				return
			}
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read message"})
			return
		}
		if len(message) == 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "empty message"})
			return
		}

		reply, err := m.Send(r.Context(), name, message)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, channel.ErrClosed) {
				status = http.StatusServiceUnavailable
			}
			logger.Warn("channel send failed", "channel", name, "error", err)
			writeJSON(w, status, errorResponse{Error: err.Error()})
			return
		}

		if len(reply) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		contentType := r.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(reply); err != nil {
			logger.Debug("failed to write reply", "channel", name, "error", err)
		}
	}
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
