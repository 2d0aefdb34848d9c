package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"deaddrop/internal/constants"
	"deaddrop/internal/middleware"
	"deaddrop/internal/models"
	"deaddrop/internal/relay"
)

type Server struct {
	router  *mux.Router
	logger  *logrus.Logger
	service *relay.Service
	server  *http.Server
	port    int
}

func NewServer(service *relay.Service, port int, logger *logrus.Logger) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		logger:  logger,
		service: service,
		port:    port,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Observability(s.logger))

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)

	s.router.HandleFunc("/register", s.handleRegister()).Methods(http.MethodPost)

	queue := s.router.PathPrefix("/queue").Subrouter()
	queue.HandleFunc("/send", s.handleSend()).Methods(http.MethodPost)
	queue.HandleFunc("/sync/{userId}", s.handleSync()).Methods(http.MethodGet)
	queue.HandleFunc("/ack", s.handleAck()).Methods(http.MethodPost)
}

func (s *Server) Start() error {
	// The write timeout must outlast a held long-poll plus the response.
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.router,
		ReadTimeout:  constants.DefaultServerReadTimeoutSec * time.Second,
		WriteTimeout: constants.DefaultServerWriteTimeoutSec * time.Second,
		IdleTimeout:  constants.DefaultServerIdleTimeoutSec * time.Second,
	}

	s.logger.Infof("Starting relay server on port %d", s.port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}

type sendRequest struct {
	ToUserID  string `json:"toUserId"`
	MessageID string `json:"messageId"`
	CreatedAt int64  `json:"createdAt"`
	Payload   string `json:"payload"`
}

func (s *Server) handleSend() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.ToUserID == "" || req.MessageID == "" {
			http.Error(w, "toUserId and messageId are required", http.StatusBadRequest)
			return
		}

		if err := s.service.Enqueue(r.Context(), req.ToUserID, req.MessageID, req.CreatedAt, req.Payload); err != nil {
			s.logger.WithError(err).Error("Failed to enqueue message")
			http.Error(w, "storage failure", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
	}
}

func (s *Server) handleSync() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := mux.Vars(r)["userId"]
		if userID == "" {
			http.Error(w, "userId is required", http.StatusBadRequest)
			return
		}

		var since int64
		if raw := r.URL.Query().Get("since"); raw != "" {
			parsed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || parsed < 0 {
				http.Error(w, "invalid since parameter", http.StatusBadRequest)
				return
			}
			since = parsed
		}

		var entries []models.QueueEntry
		var err error
		if r.URL.Query().Get("wait") == "1" {
			entries, err = s.service.SyncWait(r.Context(), userID, since)
		} else {
			entries, err = s.service.Sync(r.Context(), userID, since)
		}
		if err != nil {
			s.logger.WithError(err).Error("Failed to sync messages")
			http.Error(w, "storage failure", http.StatusInternalServerError)
			return
		}

		if entries == nil {
			entries = []models.QueueEntry{}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

type ackRequest struct {
	UserID     string   `json:"userId"`
	MessageIDs []string `json:"messageIds"`
}

func (s *Server) handleAck() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.UserID == "" || req.MessageIDs == nil {
			http.Error(w, "userId and messageIds are required", http.StatusBadRequest)
			return
		}

		// Acking ids that are already gone is a no-op, not an error.
		if err := s.service.Ack(r.Context(), req.UserID, req.MessageIDs); err != nil {
			s.logger.WithError(err).Error("Failed to ack messages")
			http.Error(w, "storage failure", http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) handleRegister() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p models.Presence
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if p.ID == "" {
			http.Error(w, "id is required", http.StatusBadRequest)
			return
		}

		if err := s.service.Register(r.Context(), &p); err != nil {
			s.logger.WithError(err).Error("Failed to register presence")
			http.Error(w, "storage failure", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
