// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package receiver implements the Fusion-side wire protocol from
// spec.md §6: a transport-agnostic JSON/HTTP RPC surface that accepts
// session create/heartbeat/ingest/close calls, authenticates each by
// an opaque API key mapped to a view_id, and routes decoded events to
// the matching view Driver.
package receiver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/excelwang/fustor-sub001/internal/event"
	"github.com/excelwang/fustor-sub001/internal/fusion/driver"
	"github.com/excelwang/fustor-sub001/internal/fusion/session"
	"github.com/excelwang/fustor-sub001/internal/fusion/view"
	"github.com/excelwang/fustor-sub001/internal/wireapi"
)

// ViewConfig names a view and its admission policy.
type ViewConfig struct {
	ViewID          string
	APIKey          string
	AllowConcurrent bool
	TreeConfig      view.Config
}

type registeredView struct {
	cfg    ViewConfig
	driver *driver.Driver
}

// Server is the composition root for the Fusion HTTP receiver: it
// owns every view's Driver, the session Registry, and the chi mux.
type Server struct {
	mu        sync.RWMutex
	viewsByID map[string]*registeredView
	viewsByKey map[string]*registeredView

	sessions *session.Registry
	logger   *log.Entry

	router chi.Router
}

// NewServer constructs a Server with no views registered; call
// RegisterView for each configured view before Router() is served.
func NewServer(sessions *session.Registry) *Server {
	s := &Server{
		viewsByID:  make(map[string]*registeredView),
		viewsByKey: make(map[string]*registeredView),
		sessions:   sessions,
		logger:     log.WithField("component", "receiver"),
	}
	s.router = s.buildRouter()
	return s
}

// RegisterView adds a view to the receiver, constructing its Driver.
func (s *Server) RegisterView(cfg ViewConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rv := &registeredView{cfg: cfg, driver: driver.New(cfg.ViewID, cfg.TreeConfig)}
	s.viewsByID[cfg.ViewID] = rv
	s.viewsByKey[cfg.APIKey] = rv
}

// Router returns the http.Handler serving the wire protocol.
func (s *Server) Router() http.Handler { return s.router }

// RunFailoverSweeper runs SweepFailovers on an interval until ctx is
// canceled, matching spec.md §4.3's periodic failover-detection sweep.
func (s *Server) RunFailoverSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if changed := s.sessions.SweepFailovers(time.Now()); len(changed) > 0 {
				s.logger.WithField("views", changed).Info("failover sweep promoted new leaders")
			}
		}
	}
}

// RunSuspectSweeper runs every view's CleanupExpiredSuspects on an
// interval until ctx is canceled.
func (s *Server) RunSuspectSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			views := make([]*registeredView, 0, len(s.viewsByID))
			for _, v := range s.viewsByID {
				views = append(views, v)
			}
			s.mu.RUnlock()
			for _, v := range views {
				v.driver.CleanupExpiredSuspects()
			}
		}
	}
}

type ctxKeyView struct{}

// authMiddleware maps the X-Fustor-Api-Key header to a registered
// view, rejecting requests for unknown keys.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Fustor-Api-Key")
		s.mu.RLock()
		rv, ok := s.viewsByKey[key]
		s.mu.RUnlock()
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid_api_key", "unknown API key")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyView{}, rv)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func viewFromContext(r *http.Request) *registeredView {
	rv, _ := r.Context().Value(ctxKeyView{}).(*registeredView)
	return rv
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/sessions", s.handleCreateSession)
		r.Post("/sessions/{sessionID}/heartbeat", s.handleHeartbeat)
		r.Post("/sessions/{sessionID}/ingest", s.handleIngestBatch)
		r.Get("/sessions/{sessionID}/committed-index", s.handleGetCommittedIndex)
		r.Post("/sessions/{sessionID}/close", s.handleCloseSession)
		r.Get("/sessions/{sessionID}/sentinel-tasks", s.handleGetSentinelTasks)
		r.Post("/sessions/{sessionID}/sentinel-results", s.handleSubmitSentinelResults)

		r.Get("/tree", s.handleGetTree)
		r.Get("/blind-spots", s.handleGetBlindSpots)
		r.Get("/search", s.handleSearch)
		r.Get("/stats", s.handleGetStats)
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(rw, r)
		s.logger.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rw.Status(),
			"duration": time.Since(start),
			"req_id":   chimw.GetReqID(r.Context()),
		}).Debug("request completed")
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, wireapi.ErrorResponse{Error: code, Message: message})
}

func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return errors.New("empty request body")
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func eventSourceFromWire(s string) event.Source {
	switch s {
	case "message", "realtime":
		return event.Realtime
	case "snapshot":
		return event.Snapshot
	case "audit":
		return event.Audit
	case "on_demand_job", "job_complete":
		return event.OnDemandJob
	default:
		return event.Realtime
	}
}
