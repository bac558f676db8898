package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dohr-michael/paperpool/internal/events"
	"github.com/dohr-michael/paperpool/internal/gateway/ws"
	"github.com/dohr-michael/paperpool/internal/journal"
	"github.com/dohr-michael/paperpool/internal/pool"
	"github.com/dohr-michael/paperpool/internal/protocol"
	"github.com/dohr-michael/paperpool/internal/scheduler"
)

// Pool is the worker pool surface served over HTTP.
type Pool interface {
	ws.Pool
	Iterate(data any) *pool.Iterator
}

// Journal reads recorded completions.
type Journal interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
	Stats(ctx context.Context) (journal.Stats, error)
}

// Scheduler manages schedule entries.
type Scheduler interface {
	AddEntry(se *scheduler.ScheduleEntry) error
	RemoveEntry(id string) error
	GetEntry(id string) (*scheduler.ScheduleEntry, bool)
	ListEntries() []*scheduler.ScheduleEntry
}

// Options configures a Server. Journal, Scheduler, Gatherer and Reload are
// optional; their routes answer 503 when unset.
type Options struct {
	Addr      string
	Bus       *events.Bus
	Pool      Pool
	Journal   Journal
	Scheduler Scheduler
	Gatherer  prometheus.Gatherer
	Reload    func() error
	Logger    *slog.Logger
}

// DefaultTaskTimeout bounds synchronous task requests without ?timeout=.
const DefaultTaskTimeout = 30 * time.Second

// Server is the paperpool gateway HTTP server.
type Server struct {
	httpServer *http.Server
	hub        *ws.Hub
	opts       Options
	log        *slog.Logger
}

// NewServer creates a new gateway server.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	log := opts.Logger.With("component", "gateway")
	hub := ws.NewHub(opts.Bus, opts.Pool, log)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	s := &Server{
		hub:  hub,
		opts: opts,
		log:  log,
	}

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ws", hub.ServeWS)
	r.Get("/api/events", s.handleEvents)
	r.Get("/api/stats", s.handleStats)

	r.Post("/api/tasks", s.handleSubmitTask)
	r.Post("/api/call", s.handleCallMethod)
	r.Post("/api/iterate", s.handleIterate)

	r.Get("/api/journal", s.handleJournal)
	r.Get("/api/journal/stats", s.handleJournalStats)

	r.Route("/api/schedules", func(r chi.Router) {
		r.Get("/", s.handleListSchedules)
		r.Post("/", s.handleCreateSchedule)
		r.Get("/{id}", s.handleGetSchedule)
		r.Delete("/{id}", s.handleDeleteSchedule)
	})

	r.Post("/api/reload", s.handleReload)

	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:    opts.Addr,
		Handler: r,
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.log.Info("paperpool gateway listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error  string         `json:"error"`
	Kind   string         `json:"kind"`
	Remote map[string]any `json:"remote,omitempty"`
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Kind: kind})
}

// writeTaskError maps a task failure to an HTTP status.
func writeTaskError(w http.ResponseWriter, err error) {
	var (
		remote *protocol.RemoteError
		perr   *pool.ProtocolError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", err.Error())
	case errors.Is(err, pool.ErrContextDied):
		writeError(w, http.StatusBadGateway, "context_died", err.Error())
	case errors.As(err, &perr):
		writeError(w, http.StatusBadGateway, "protocol", err.Error())
	case errors.Is(err, pool.ErrPoolClosed):
		writeError(w, http.StatusServiceUnavailable, "closed", err.Error())
	case errors.Is(err, pool.ErrSpawnNotImplemented):
		writeError(w, http.StatusNotImplemented, "not_implemented", err.Error())
	case errors.As(err, &remote):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: remote.Error(), Kind: "handler", Remote: remote.Map()})
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func taskContext(r *http.Request) (context.Context, context.CancelFunc, error) {
	timeout := DefaultTaskTimeout
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid timeout %q: %w", v, err)
		}
		timeout = d
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	return ctx, cancel, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Pool.Stats())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	history := s.opts.Bus.History(queryInt(r, "limit", 50))
	if history == nil {
		history = []events.Event{}
	}
	writeJSON(w, http.StatusOK, history)
}

type taskResponse struct {
	TaskID string `json:"task_id"`
	Result any    `json:"result"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var msg protocol.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if msg.IsResponse() || msg.IsDirective() {
		writeError(w, http.StatusBadRequest, "bad_request", "task must not be a response or directive")
		return
	}
	ctx, cancel, err := taskContext(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	defer cancel()

	task := s.opts.Pool.AddTask(msg)
	result, err := task.Wait(ctx)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{TaskID: task.ID(), Result: result})
}

func (s *Server) handleCallMethod(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string `json:"method"`
		Args   []any  `json:"args"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "method is required")
		return
	}
	ctx, cancel, err := taskContext(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	defer cancel()

	task := s.opts.Pool.CallMethod(req.Method, req.Args...)
	result, err := task.Wait(ctx)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{TaskID: task.ID(), Result: result})
}

type iterateResponse struct {
	TaskID string `json:"task_id"`
	Values []any  `json:"values"`
	Done   bool   `json:"done"`
	Return any    `json:"return,omitempty"`
}

// handleIterate drains an iteration of at most limit values. A sequence
// still running at the limit is closed with Return; one abandoned on error
// is closed so its context goes back to the pool.
func (s *Server) handleIterate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Data  any `json:"data"`
		Limit int `json:"limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.Limit <= 0 {
		req.Limit = 100
	}
	ctx, cancel, err := taskContext(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	defer cancel()

	it := s.opts.Pool.Iterate(req.Data)
	defer it.Close()
	resp := iterateResponse{TaskID: it.Task().ID(), Values: []any{}}
	for len(resp.Values) < req.Limit {
		step, err := it.Next(ctx, nil)
		if err != nil {
			writeTaskError(w, err)
			return
		}
		if step.Done {
			resp.Done = true
			resp.Return = step.Value
			break
		}
		resp.Values = append(resp.Values, step.Value)
	}
	if !resp.Done {
		step, err := it.Return(ctx, nil)
		if err != nil {
			writeTaskError(w, err)
			return
		}
		resp.Return = step.Value
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.opts.Journal == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "journal disabled")
		return
	}
	entries, err := s.opts.Journal.Recent(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleJournalStats(w http.ResponseWriter, r *http.Request) {
	if s.opts.Journal == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "journal disabled")
		return
	}
	stats, err := s.opts.Journal.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) requireScheduler(w http.ResponseWriter) bool {
	if s.opts.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "scheduler disabled")
		return false
	}
	return true
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Scheduler.ListEntries())
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	var se scheduler.ScheduleEntry
	if err := json.NewDecoder(r.Body).Decode(&se); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	se.Source = scheduler.SourceDynamic
	if err := s.opts.Scheduler.AddEntry(&se); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	created, _ := s.opts.Scheduler.GetEntry(se.ID)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	se, ok := s.opts.Scheduler.GetEntry(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "schedule not found")
		return
	}
	writeJSON(w, http.StatusOK, se)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	id := chi.URLParam(r, "id")
	if _, ok := s.opts.Scheduler.GetEntry(id); !ok {
		writeError(w, http.StatusNotFound, "not_found", "schedule not found")
		return
	}
	if err := s.opts.Scheduler.RemoveEntry(id); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.opts.Reload == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "reload not configured")
		return
	}
	if err := s.opts.Reload(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "config", err.Error())
		return
	}
	s.log.Info("config reloaded")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}
