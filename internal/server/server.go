package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"photopipe/internal/pipeline"
	"photopipe/internal/storage"
)

// RunStore is the read side of the run ledger.
type RunStore interface {
	RecentRuns(limit int) ([]storage.RunRecord, error)
	Run(id string) (storage.RunRecord, error)
	RunSummaries(id string) ([]storage.SummaryRecord, error)
}

// RunQueue accepts dataset jobs and publishes their results.
type RunQueue interface {
	Submit(ctx context.Context, job pipeline.DatasetJob) (string, error)
	Subscribe() (<-chan pipeline.RunResult, func())
}

// DiscoverFunc finds the dataset jobs below root for a frame prefix. The jobs
// it returns are submitted as they are, summary reporter included.
type DiscoverFunc func(root, prefix string) ([]pipeline.DatasetJob, error)

// Server exposes run status over HTTP, SSE and websockets.
type Server struct {
	addr     string
	store    RunStore
	queue    RunQueue
	discover DiscoverFunc
	log      *slog.Logger
	hub      *WebSocketHub
	upgrader websocket.Upgrader
	server   *http.Server
}

// NewServer creates the status server. discover may be nil, which disables
// POST /runs.
func NewServer(addr string, store RunStore, queue RunQueue, discover DiscoverFunc, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:     addr,
		store:    store,
		queue:    queue,
		discover: discover,
		log:      log,
		hub:      newHub(log),
		// nil CheckOrigin keeps gorilla's same-origin check
		upgrader: websocket.Upgrader{},
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/runs", s.handleSubmit).Methods("POST")
	r.HandleFunc("/runs/{id}", s.handleRun).Methods("GET")
	r.HandleFunc("/stream", s.handleRunStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
}

// StartBackground runs the websocket hub and feeds it run results until ctx
// is done.
func (s *Server) StartBackground(ctx context.Context) {
	go s.hub.run(ctx)
	results, unsubscribe := s.queue.Subscribe()
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case res, ok := <-results:
				if !ok {
					return
				}
				payload, err := json.Marshal(res.Status())
				if err != nil {
					s.log.Warn("cannot encode run result", "run", res.Job.ID, "error", err)
					continue
				}
				s.hub.Broadcast(payload)
			}
		}
	}()
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.StartBackground(ctx)
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.store.RecentRuns(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

type runDetail struct {
	storage.RunRecord
	Summary []storage.SummaryRecord `json:"summary"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.Run(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	lines, err := s.store.RunSummaries(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, runDetail{RunRecord: rec, Summary: lines})
}

type submitRequest struct {
	Root   string `json:"root"`
	Prefix string `json:"prefix"`
	Target string `json:"target"`
}

type submitResponse struct {
	Runs []submittedRun `json:"runs"`
}

type submittedRun struct {
	ID  string `json:"id"`
	Dir string `json:"dir"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.discover == nil {
		http.Error(w, "submission disabled", http.StatusNotImplemented)
		return
	}
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != "application/json" {
		http.Error(w, "content type must be application/json", http.StatusUnsupportedMediaType)
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Root) == "" || strings.TrimSpace(req.Prefix) == "" {
		http.Error(w, "root and prefix are required", http.StatusBadRequest)
		return
	}
	jobs, err := s.discover(req.Root, req.Prefix)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := submitResponse{Runs: []submittedRun{}}
	for _, job := range jobs {
		job.TargetName = req.Target
		id, err := s.queue.Submit(r.Context(), job)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		resp.Runs = append(resp.Runs, submittedRun{ID: id, Dir: job.Dir})
	}
	s.log.Info("runs submitted", "root", req.Root, "prefix", req.Prefix, "count", len(resp.Runs))
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.queue.Subscribe()
	defer unsubscribe()
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(res.Status())
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	select {
	case s.hub.register <- conn:
	default:
		s.log.Warn("websocket hub busy, closing connection")
		conn.Close()
		return
	}

	go func() {
		defer func() {
			select {
			case s.hub.unregister <- conn:
			default:
				conn.Close()
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
