// Package api exposes the interview session contract over HTTP and streams
// candidate audio over WebSocket.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MikeSquared-Agency/interviewd/internal/interview"
	"github.com/MikeSquared-Agency/interviewd/internal/metrics"
)

const (
	maxJSONBytes     = 1 << 20
	maxFragmentBytes = 8 << 20
)

type Server struct {
	router   *chi.Mux
	port     int
	sessions *interview.Service
	recorder *metrics.Recorder
	logger   *slog.Logger
	srv      *http.Server
}

func NewServer(port int, sessions *interview.Service, recorder *metrics.Recorder, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:   router,
		port:     port,
		sessions: sessions,
		recorder: recorder,
		logger:   logger,
	}

	router.Get("/health", s.health)

	router.Route("/api/v1/interviews", func(r chi.Router) {
		r.Post("/", s.schedule)
		r.Post("/start", s.start)
		r.Post("/cancel", s.cancel)
		r.Post("/postpone", s.postpone)
		r.Post("/modal-dismissed", s.modalDismissed)
		r.Post("/transcript", s.appendTranscript)
		r.Post("/realtime-metrics", s.realtimeMetrics)

		r.Get("/{sessionID}", s.getSession)
		r.Get("/{sessionID}/transcript", s.getTranscript)
		r.Get("/{sessionID}/answers/latest", s.latestAnswer)
		r.Post("/{sessionID}/answers/{index}/fragments", s.uploadFragment)
		r.Post("/{sessionID}/answers/{index}/complete", s.completeAnswer)
	})

	router.Get("/ws/interviews/{sessionID}/audio", s.audioStream)

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("API server starting", "addr", addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
