package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"schemaver/pkg/changeset"
	"schemaver/pkg/database"
	"schemaver/pkg/dberrors"
	"schemaver/pkg/migration"
	"schemaver/pkg/raftadapter"
	"schemaver/pkg/types"
)

const (
	contentTypeJSON          = "application/json"
	defaultHTTPPort          = "8080"
	defaultShutdownTimeout   = time.Second * 5
	defaultReadHeaderTimeout = time.Second
)

type iRaftNode interface {
	IsLeader() bool
	LeaderAddr() string
	Handle(ctx context.Context, message raftpb.Message) error
}

// iDatabase is the part of *database.Database the admin API drives.
type iDatabase interface {
	Name() string
	Metadata() database.Metadata
	Pending(ctx context.Context) ([]changeset.ChangeSet, error)
	History(ctx context.Context) ([]migration.AppliedRecord, error)
	Install(ctx context.Context) (migration.Result, error)
	Migrate(ctx context.Context) (migration.Result, error)
	Rollback(ctx context.Context, seq types.Sequence, force bool) error
	Destroy(ctx context.Context) error
}

var _ iDatabase = (*database.Database)(nil)

// Server represents the admin HTTP server over a set of databases.
type Server struct {
	node       iRaftNode
	databases  map[string]iDatabase
	metrics    http.Handler
	httpServer *http.Server
	URL        string
	addr       string

	ReadHeaderTimeout time.Duration
}

// NewServer creates a new server instance
func NewServer(port string, dbs ...iDatabase) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	s := &Server{
		databases:         make(map[string]iDatabase, len(dbs)),
		URL:               "http://localhost:" + port,
		addr:              ":" + port,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}
	for _, db := range dbs {
		s.databases[db.Name()] = db
	}
	return s
}

// SetRaftNode enables the peer endpoint.
func (s *Server) SetRaftNode(node iRaftNode) {
	s.node = node
}

// SetMetricsHandler serves h on /metrics, typically promhttp.HandlerFor.
func (s *Server) SetMetricsHandler(h http.Handler) {
	s.metrics = h
}

// Start starts the server
func (s *Server) Start() error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// Handler returns the chi router without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.createRouter()
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/api/databases", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Route("/{db}", func(r chi.Router) {
			r.Get("/", s.handleDescribe)
			r.Delete("/", s.handleDestroy)
			r.Get("/pending", s.handlePending)
			r.Get("/ledger", s.handleLedger)
			r.Post("/install", s.handleInstall)
			r.Post("/migrate", s.handleMigrate)
			r.Post("/rollback/{seq}", s.handleRollback)
		})
	})

	r.Post(raftadapter.RaftEndpoint, s.handleRaft)

	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: s.ReadHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	resp := NewErrorResponse(err.Error())
	resp.Code = dberrors.Code(err)
	s.writeJSON(w, statusFor(err), resp)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var applyErr *dberrors.ApplyFailedError
	switch {
	case errors.As(err, &applyErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, dberrors.ErrNotFound), errors.Is(err, dberrors.ErrNoSuchTable):
		return http.StatusNotFound
	case errors.Is(err, dberrors.ErrMigrationInProgress),
		errors.Is(err, dberrors.ErrNotApplied),
		errors.Is(err, dberrors.ErrRollbackRefused):
		return http.StatusConflict
	case errors.Is(err, dberrors.ErrConfig), errors.Is(err, dberrors.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, dberrors.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, dberrors.ErrUnavailable), errors.Is(err, dberrors.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (iDatabase, bool) {
	name := chi.URLParam(r, "db")
	db, ok := s.databases[name]
	if !ok {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse(fmt.Sprintf("database %q not found", name)))
		return nil, false
	}
	return db, true
}

// HealthInfo is returned by /health.
type HealthInfo struct {
	Leader     bool   `json:"leader"`
	LeaderAddr string `json:"leader_addr,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.node == nil {
		s.writeJSON(w, http.StatusOK, NewOKResponse())
		return
	}
	resp := NewOKResponse()
	resp.Data = HealthInfo{Leader: s.node.IsLeader(), LeaderAddr: s.node.LeaderAddr()}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics are not enabled", http.StatusNotFound)
		return
	}
	s.metrics.ServeHTTP(w, r)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.databases))
	for name := range s.databases {
		names = append(names, name)
	}
	slices.Sort(names)

	out := make([]database.Metadata, 0, len(names))
	for _, name := range names {
		out = append(out, s.databases[name].Metadata())
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(out))
}

func (s *Server) handleDescribe(w http.ResponseWriter, r *http.Request) {
	db, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(db.Metadata()))
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	db, ok := s.lookup(w, r)
	if !ok {
		return
	}
	pending, err := db.Pending(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(changeset.Summaries(pending)))
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	db, ok := s.lookup(w, r)
	if !ok {
		return
	}
	history, err := db.History(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if history == nil {
		history = []migration.AppliedRecord{}
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(history))
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	s.runMigration(w, r, "install", iDatabase.Install)
}

func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	s.runMigration(w, r, "migrate", iDatabase.Migrate)
}

func (s *Server) runMigration(w http.ResponseWriter, r *http.Request, op string,
	run func(iDatabase, context.Context) (migration.Result, error),
) {
	db, ok := s.lookup(w, r)
	if !ok {
		return
	}
	res, err := run(db, r.Context())
	if err != nil {
		slog.Error("migration request failed", "op", op, "database", db.Name(), "error", err)
		resp := NewPartialResponse(res, err.Error())
		resp.Code = dberrors.Code(err)
		s.writeJSON(w, statusFor(err), resp)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(res))
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	db, ok := s.lookup(w, r)
	if !ok {
		return
	}
	seq, err := strconv.ParseInt(chi.URLParam(r, "seq"), 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("invalid sequence"))
		return
	}
	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		if force, err = strconv.ParseBool(v); err != nil {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("invalid force flag"))
			return
		}
	}

	if err := db.Rollback(r.Context(), types.Sequence(seq), force); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

// handleDestroy drops every table of the database; ?confirm=yes is required.
func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	db, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if r.URL.Query().Get("confirm") != "yes" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("destroy needs confirm=yes"))
		return
	}
	if err := db.Destroy(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	slog.Warn("database destroyed over HTTP", "database", db.Name())
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleRaft(w http.ResponseWriter, r *http.Request) {
	if s.node == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, NewErrorResponse("Raft node not available"))
		return
	}

	dec := json.NewDecoder(r.Body)
	var msg raftpb.Message
	if err := dec.Decode(&msg); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	if err := s.node.Handle(r.Context(), msg); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}
