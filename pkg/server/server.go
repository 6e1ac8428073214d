// Package server wires together the HTTP server, the sandbox lifecycle
// API, and the isolating proxy data plane.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"

	"sandbox-gateway/pkg/proxy"
	"sandbox-gateway/pkg/sandbox"
	"sandbox-gateway/pkg/session"
)

// Lifecycle is the subset of the sandbox manager the server drives.
type Lifecycle interface {
	Start(ctx context.Context, projectID, workspaceDir string) (*session.Session, error)
	Stop(ctx context.Context, projectID string) error
}

// Server is the HTTP server for the sandbox gateway.
type Server struct {
	store         session.Store
	lifecycle     Lifecycle
	proxy         *proxy.Proxy
	usage         *session.UsageTracker
	workspaceRoot string
	router        *httprouter.Router
	logger        *log.Logger
}

// New creates a Server over the given registry and lifecycle manager.
func New(store session.Store, lifecycle Lifecycle, usage *session.UsageTracker, workspaceRoot string, logger *log.Logger) *Server {
	s := &Server{
		store:         store,
		lifecycle:     lifecycle,
		proxy:         proxy.New(store, usage, logger),
		usage:         usage,
		workspaceRoot: workspaceRoot,
		router:        httprouter.New(),
		logger:        logger,
	}

	// Lifecycle API (called by the outer platform layer).
	s.router.POST("/v1/projects/:project/sandbox", s.handleStart)
	s.router.DELETE("/v1/projects/:project/sandbox", s.handleStop)
	s.router.GET("/v1/projects/:project/sandbox", s.handleStatus)
	s.router.GET("/v1/sessions", s.handleListSessions)

	// Health endpoint.
	s.router.GET("/v1/health", s.handleHealth)

	return s
}

// ServeHTTP dispatches the proxy data plane ahead of the router so sandbox
// traffic passes through for any method, not just the common verbs.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if rest, ok := strings.CutPrefix(r.URL.Path, "/projects/"); ok {
		projectID, path, _ := strings.Cut(rest, "/")
		if projectID != "" {
			s.proxy.Route(w, r, projectID, path)
			return
		}
	}
	s.router.ServeHTTP(w, r)
}

// Run starts the server on the given address.
func (s *Server) Run(addr string) error {
	s.logger.Printf("sandbox-gateway listening on %s", addr)
	return http.ListenAndServe(addr, s)
}

// RunWithListener starts the server using the provided listener.
func (s *Server) RunWithListener(l net.Listener) error {
	s.logger.Printf("sandbox-gateway listening on %s", l.Addr())
	return http.Serve(l, s)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// startRequest is the JSON body for POST /v1/projects/:project/sandbox.
type startRequest struct {
	WorkspaceDir string `json:"workspace_dir,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	projectID := ps.ByName("project")

	var req startRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf(`{"error":"invalid request: %s"}`, err), http.StatusBadRequest)
			return
		}
	}
	workspaceDir := req.WorkspaceDir
	if workspaceDir == "" {
		workspaceDir = filepath.Join(s.workspaceRoot, projectID)
	}

	sess, err := s.lifecycle.Start(r.Context(), projectID, workspaceDir)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrAlreadyActive):
			http.Error(w, `{"error":"sandbox already active"}`, http.StatusConflict)
		case errors.Is(err, session.ErrPortExhausted):
			http.Error(w, `{"error":"no sandbox capacity"}`, http.StatusServiceUnavailable)
		case errors.Is(err, sandbox.ErrSpawnFailure):
			http.Error(w, `{"error":"sandbox failed to start"}`, http.StatusBadGateway)
		default:
			http.Error(w, fmt.Sprintf(`{"error":"start failed: %s"}`, err), http.StatusInternalServerError)
		}
		return
	}

	s.logger.Printf("started sandbox for project=%s port=%d", projectID, sess.Port)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(toInfo(sess, s.usage))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	projectID := ps.ByName("project")

	if err := s.lifecycle.Stop(r.Context(), projectID); err != nil {
		if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrConflict) {
			http.Error(w, `{"error":"no active sandbox"}`, http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf(`{"error":"stop failed: %s"}`, err), http.StatusInternalServerError)
		return
	}

	// A fresh sandbox for this project starts its accounting at zero.
	s.usage.Clear(projectID)

	s.logger.Printf("stopped sandbox for project=%s", projectID)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "stopped"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	projectID := ps.ByName("project")

	sess, err := s.store.Get(projectID)
	if err != nil {
		http.Error(w, `{"error":"no active sandbox"}`, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toInfo(sess, s.usage))
}

// sessionInfo is the JSON representation of a session in API responses.
// The token is intentionally omitted: it never leaves the gateway.
type sessionInfo struct {
	ID           string         `json:"id"`
	ProjectID    string         `json:"project_id"`
	Port         int            `json:"port,omitempty"`
	Status       session.Status `json:"status"`
	WorkspaceDir string         `json:"workspace_dir,omitempty"`
	PID          int            `json:"pid,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	Usage        session.Usage  `json:"usage"`
}

func toInfo(sess *session.Session, usage *session.UsageTracker) sessionInfo {
	return sessionInfo{
		ID:           sess.ID,
		ProjectID:    sess.ProjectID,
		Port:         sess.Port,
		Status:       sess.Status,
		WorkspaceDir: sess.WorkspaceDir,
		PID:          sess.PID,
		CreatedAt:    sess.CreatedAt,
		Usage:        usage.Get(sess.ProjectID),
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	sessions := s.store.List()

	infos := make([]sessionInfo, len(sessions))
	for i, sess := range sessions {
		infos[i] = toInfo(sess, s.usage)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(infos)
}
