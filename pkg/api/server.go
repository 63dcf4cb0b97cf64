package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/civitas/tally/pkg/broker"
	"github.com/civitas/tally/pkg/log"
	"github.com/civitas/tally/pkg/manager"
	"github.com/civitas/tally/pkg/metrics"
)

// Server exposes the orchestration API over HTTP.
type Server struct {
	manager *manager.Manager
	broker  *broker.Broker
	http    *http.Server
	logger  zerolog.Logger
}

// NewServer creates the API server listening on addr.
func NewServer(mgr *manager.Manager, brk *broker.Broker, addr string) *Server {
	s := &Server{
		manager: mgr,
		broker:  brk,
		logger:  log.WithComponent("api"),
	}

	r := mux.NewRouter()
	r.Use(s.instrument)

	r.HandleFunc("/api/election", s.handleCreateElection).Methods(http.MethodPost)
	r.HandleFunc("/api/election/{electionId}/ballot", s.handleCastBallot).Methods(http.MethodPost)
	r.HandleFunc("/api/tally/create", s.handleCreateTally).Methods(http.MethodPost)
	r.HandleFunc("/api/guardian/initiate-decryption", s.handleInitiateDecryption).Methods(http.MethodPost)
	r.HandleFunc("/api/guardian/decryption-status/{electionId}/{guardianId}", s.handleDecryptionStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/combine/decryption", s.handleCombine).Methods(http.MethodPost)
	r.HandleFunc("/api/jobs/{jobId}/status", s.handleJobStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/election/{electionId}/cached-results", s.handleCachedResults).Methods(http.MethodGet)
	r.HandleFunc("/api/admin/deadletters", s.handleDeadLetters).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// Start begins serving. Returns once the listener fails or closes.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("api server listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// instrument wraps every route with request logging and metrics.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		elapsed := time.Since(start)
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(sw.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())

		s.logger.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", sw.status).
			Dur("elapsed", elapsed).
			Msg("request handled")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
