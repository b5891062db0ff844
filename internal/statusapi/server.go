// Package statusapi serves a read-only JSON view of a running session.
package statusapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/zerolog/log"

	"chatsdk/internal/attachment"
	"chatsdk/internal/session"
	"chatsdk/internal/thread"
)

// Source is the session being reported on. *session.Session implements it.
type Source interface {
	State() session.ChatState
	Configuration() (session.Configuration, bool)
	Identity() session.Identity
	Threads() *thread.Manager
	Uploads() *attachment.Cache
}

type server struct {
	src Source
}

// NewHandler returns the router wrapped in request logging and panic recovery.
func NewHandler(src Source) http.Handler {
	s := &server{src: src}

	r := mux.NewRouter()
	r.HandleFunc("/state", s.State()).Methods(http.MethodGet)
	r.HandleFunc("/threads", s.Threads()).Methods(http.MethodGet)
	r.HandleFunc("/threads/{threadId}", s.Thread()).Methods(http.MethodGet)
	r.HandleFunc("/attachments", s.Attachments()).Methods(http.MethodGet)

	return alice.New(recoverer, requestLogger).Then(r)
}

// NewServer returns an http.Server for addr serving NewHandler(src).
func NewServer(addr string, src Source) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewHandler(src),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

type stateResponse struct {
	State         string                 `json:"state"`
	Configuration *session.Configuration `json:"configuration,omitempty"`
	CustomerID    string                 `json:"customerId,omitempty"`
	VisitorID     string                 `json:"visitorId,omitempty"`
	Authorized    bool                   `json:"authorized"`
	Threads       int                    `json:"threads"`
}

// State reports the session state and configuration.
func (s *server) State() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := s.src.Identity()
		resp := stateResponse{
			State:      s.src.State().String(),
			CustomerID: id.CustomerID,
			VisitorID:  id.VisitorID,
			Authorized: id.Token != nil,
			Threads:    len(s.src.Threads().Threads()),
		}
		if cfg, ok := s.src.Configuration(); ok {
			resp.Configuration = &cfg
		}
		respondWithJSON(w, http.StatusOK, resp)
	}
}

// Threads lists every known thread without its messages.
func (s *server) Threads() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		threads := s.src.Threads().Threads()
		for i := range threads {
			threads[i].Messages = nil
		}
		respondWithJSON(w, http.StatusOK, map[string]any{
			"total":   len(threads),
			"threads": threads,
		})
	}
}

// Thread returns one thread with its messages.
func (s *server) Thread() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		threadID := mux.Vars(r)["threadId"]
		t, ok := s.src.Threads().Get(threadID)
		if !ok {
			respondWithError(w, http.StatusNotFound, "Thread not found")
			return
		}
		respondWithJSON(w, http.StatusOK, t)
	}
}

// Attachments reports the upload cache.
func (s *server) Attachments() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uploads := s.src.Uploads()
		respondWithJSON(w, http.StatusOK, map[string]any{
			"stats":   uploads.Stats(),
			"entries": uploads.Entries(),
		})
	}
}

func respondWithJSON(w http.ResponseWriter, statusCode int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
		respondWithError(w, http.StatusInternalServerError, "encoding failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(body)
}

func respondWithError(w http.ResponseWriter, statusCode int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]any{"code": statusCode, "error": msg})
}
