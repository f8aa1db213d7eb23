//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.
// All rights reserved.
//
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the  Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.
//
//

// Package control provides the HTTP control plane of the orchestrator:
// registering interrupts and inspecting plan executions.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"trpc.group/trpc-go/trpc-pipeline-go/event"
	"trpc.group/trpc-go/trpc-pipeline-go/execution"
	"trpc.group/trpc-go/trpc-pipeline-go/interrupt"
	"trpc.group/trpc-go/trpc-pipeline-go/log"
)

// Interrupts is the part of the interrupt manager the server needs.
type Interrupts interface {
	Register(ctx context.Context, intr *interrupt.Interrupt) (*interrupt.Interrupt, error)
	Get(ctx context.Context, id string) (*interrupt.Interrupt, error)
	List(ctx context.Context, planExecutionID string, activeOnly bool) ([]*interrupt.Interrupt, error)
}

// Server exposes the control plane endpoints.
type Server struct {
	interrupts Interrupts
	nodes      execution.Store
	events     event.Source
	router     *mux.Router
	origins    []string
}

// Option configures the Server instance.
type Option func(*Server)

// WithEvents enables the server sent events stream of step status updates.
func WithEvents(src event.Source) Option {
	return func(s *Server) { s.events = src }
}

// WithAllowedOrigins sets the CORS origins. Defaults to any origin.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.origins = origins }
}

// New creates the control plane server.
func New(interrupts Interrupts, nodes execution.Store, opts ...Option) *Server {
	s := &Server{
		interrupts: interrupts,
		nodes:      nodes,
		router:     mux.NewRouter(),
		origins:    []string{"*"},
	}
	for _, opt := range opts {
		opt(s)
	}

	c := cors.New(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Content-Length", "Content-Type"},
	})
	s.router.Use(c.Handler)
	s.registerRoutes()
	return s
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/plans/{planExecutionId}/interrupts",
		s.handleRegisterInterrupt).Methods(http.MethodPost)
	s.router.HandleFunc("/plans/{planExecutionId}/interrupts",
		s.handleListInterrupts).Methods(http.MethodGet)
	s.router.HandleFunc("/interrupts/{interruptId}",
		s.handleGetInterrupt).Methods(http.MethodGet)
	s.router.HandleFunc("/plans/{planExecutionId}/nodes",
		s.handleListNodes).Methods(http.MethodGet)
	if s.events != nil {
		s.router.HandleFunc("/plans/{planExecutionId}/events",
			s.handleEvents).Methods(http.MethodGet)
	}

	preflight := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
	s.router.HandleFunc("/plans/{planExecutionId}/interrupts", preflight).Methods(http.MethodOptions)
}

// RegisterRequest is the body of an interrupt registration.
type RegisterRequest struct {
	Type            string            `json:"type"`
	NodeExecutionID string            `json:"nodeExecutionId,omitempty"`
	IssuedBy        string            `json:"issuedBy,omitempty"`
	Parameters      json.RawMessage   `json:"parameters,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// ErrorResponse is returned for every failed request. Interrupt is set when
// the interrupt was accepted but could not be applied.
type ErrorResponse struct {
	Error     string               `json:"error"`
	Interrupt *interrupt.Interrupt `json:"interrupt,omitempty"`
}

func (s *Server) handleRegisterInterrupt(w http.ResponseWriter, r *http.Request) {
	plan := mux.Vars(r)["planExecutionId"]
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err), nil)
		return
	}
	typ, err := interrupt.ParseType(req.Type)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err, nil)
		return
	}
	intr := interrupt.New(plan, typ,
		interrupt.WithNodeExecutionID(req.NodeExecutionID),
		interrupt.WithIssuedBy(req.IssuedBy),
		interrupt.WithParameters(req.Parameters),
		interrupt.WithMetadata(req.Metadata),
	)
	log.Infof("[Control] register %s on plan %s", typ, plan)
	got, err := s.interrupts.Register(r.Context(), intr)
	if err != nil {
		var perr *interrupt.ProcessingError
		if errors.As(err, &perr) {
			s.writeError(w, http.StatusInternalServerError, err, got)
			return
		}
		s.writeError(w, statusOf(err), err, nil)
		return
	}
	s.writeJSON(w, http.StatusCreated, got)
}

func (s *Server) handleListInterrupts(w http.ResponseWriter, r *http.Request) {
	plan := mux.Vars(r)["planExecutionId"]
	activeOnly := r.URL.Query().Get("active") == "true"
	list, err := s.interrupts.List(r.Context(), plan, activeOnly)
	if err != nil {
		s.writeError(w, statusOf(err), err, nil)
		return
	}
	if list == nil {
		list = []*interrupt.Interrupt{}
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetInterrupt(w http.ResponseWriter, r *http.Request) {
	intr, err := s.interrupts.Get(r.Context(), mux.Vars(r)["interruptId"])
	if err != nil {
		s.writeError(w, statusOf(err), err, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, intr)
}

// handleListNodes lists the node executions of a plan, optionally filtered
// by ?status=RUNNING,PAUSED.
func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	plan := mux.Vars(r)["planExecutionId"]
	var statuses []execution.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		var err error
		statuses, err = execution.ParseStatuses(strings.Split(raw, ","))
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err, nil)
			return
		}
	}
	nodes, err := s.nodes.FetchByStatus(r.Context(), plan, statuses...)
	if err != nil {
		s.writeError(w, statusOf(err), err, nil)
		return
	}
	if nodes == nil {
		nodes = []*execution.NodeExecution{}
	}
	s.writeJSON(w, http.StatusOK, nodes)
}

// handleEvents streams the step status updates of a plan as server sent
// events until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	plan := mux.Vars(r)["planExecutionId"]
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"), nil)
		return
	}
	events, err := s.events.Subscribe(r.Context(), plan)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err, nil)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			log.Errorf("[Control] marshal event %s: %v", e.ID, err)
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return
		}
		flusher.Flush()
	}
}

// statusOf maps a registration or query error to an HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, interrupt.ErrNotFound), errors.Is(err, execution.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, interrupt.ErrDuplicateAbort),
		errors.Is(err, interrupt.ErrDuplicatePause),
		errors.Is(err, interrupt.ErrDuplicateResume),
		errors.Is(err, interrupt.ErrActiveInterruptExists),
		errors.Is(err, interrupt.ErrNoActivePause),
		errors.Is(err, interrupt.ErrNodeNotRetryable):
		return http.StatusConflict
	case errors.Is(err, interrupt.ErrUnsupportedType),
		errors.Is(err, interrupt.ErrNodeExecutionIDRequired),
		errors.Is(err, interrupt.ErrPlanExecutionIDRequired):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error, intr *interrupt.Interrupt) {
	if code >= http.StatusInternalServerError {
		log.Errorf("[Control] %v", err)
	}
	s.writeJSON(w, code, ErrorResponse{Error: err.Error(), Interrupt: intr})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
