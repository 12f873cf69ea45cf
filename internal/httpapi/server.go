package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/hongbietcode/ccengine/internal/engine"
	"github.com/hongbietcode/ccengine/internal/modelmap"
	ccotel "github.com/hongbietcode/ccengine/internal/otel"
	"github.com/hongbietcode/ccengine/internal/store"
	"github.com/hongbietcode/ccengine/internal/store/postgres"
	"github.com/hongbietcode/ccengine/pkg/models"
)

// limitBody wraps r.Body with http.MaxBytesReader so handlers cannot read
// more than maxBytes.
func limitBody(w http.ResponseWriter, r *http.Request, maxBytes int64) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
}

// bodyLimitMiddleware limits request body size for POST, PUT, PATCH to
// prevent OOM.
func bodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			limitBody(w, r, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware sets CORS headers for dev mode (desktop shell dev server on
// a different origin).
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ServerOptions configures the HTTP server (home dir, listen addr, governor
// limits, DB, metrics).
type ServerOptions struct {
	Home           string
	Addr           string
	Dev            bool
	APIKey         string // if set, require X-API-Key header or query api_key
	DBDriver       string // "sqlite" (default) or "postgres"
	DBURL          string // for postgres: connection string
	MaxConcurrent  int
	MaxPerProject  int
	Command        string       // external CLI binary; default "claude"
	MetricsHandler http.Handler // if set, used for /metrics (e.g. OTel Prometheus handler)
	UseOtelHTTP    bool         // if true, wrap handler with otelhttp for request metrics
}

// App holds the HTTP server, SSE hub, task manager, store, and home path.
type App struct {
	Server  *http.Server
	Hub     *SSEHub
	Manager *engine.Manager
	Store   store.Store
	Home    string
}

// NewApp creates the HTTP app (server, hub, store, manager) and registers
// all routes.
func NewApp(opts ServerOptions) (*App, error) {
	hub := NewSSEHub()
	mux := http.NewServeMux()

	var st store.Store
	var err error
	if opts.DBDriver == "postgres" {
		st, err = postgres.Open(context.Background(), opts.DBURL)
	} else {
		st, err = store.Open(opts.Home)
	}
	if err != nil {
		return nil, err
	}

	mgr := engine.NewManager(st, engine.Options{
		MaxConcurrent: opts.MaxConcurrent,
		MaxPerProject: opts.MaxPerProject,
		Command:       opts.Command,
	})

	// Bridge status changes into the global SSE stream.
	statusCh := mgr.Dispatcher().SubscribeStatus()
	go func() {
		for sc := range statusCh {
			hub.PublishJSON(models.StreamEvent{
				Type:   models.EventStatusChanged,
				TaskID: sc.TaskID,
				Status: sc.NewStatus,
			})
		}
	}()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": true})
	})

	if opts.MetricsHandler != nil {
		mux.Handle("/metrics", opts.MetricsHandler)
	} else {
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			tasks, _ := st.ListTasks(r.Context(), "", store.Filter{})
			byStatus := make(map[string]int)
			for _, t := range tasks {
				byStatus[t.Status]++
			}
			_, _ = fmt.Fprintf(w, "# TYPE ccengine_tasks_total gauge\n")
			for _, status := range []string{
				models.StatusPending, models.StatusRunning, models.StatusPaused,
				models.StatusCompleted, models.StatusFailed, models.StatusCancelled,
			} {
				_, _ = fmt.Fprintf(w, "ccengine_tasks_total{status=%q} %d\n", status, byStatus[status])
			}
			u := mgr.Utilization()
			_, _ = fmt.Fprintf(w, "# TYPE ccengine_active_runs gauge\n")
			_, _ = fmt.Fprintf(w, "ccengine_active_runs %d\n", u.Active)
		})
	}

	mux.HandleFunc("/stream", hub.Handler())

	mux.HandleFunc("/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"default": modelmap.DefaultModel(),
			"aliases": modelmap.Aliases(),
			"models":  modelmap.All(),
		})
	})

	mux.HandleFunc("/governor", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, mgr.Utilization())
	})

	// --- Tasks ---
	mux.HandleFunc("/tasks", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			f := store.Filter{Status: r.URL.Query().Get("status")}
			tasks, err := mgr.List(r.Context(), r.URL.Query().Get("projectPath"), f)
			if err != nil {
				writeJSONError(w, http.StatusInternalServerError, err.Error())
				return
			}
			if tasks == nil {
				tasks = []models.Task{}
			}
			writeJSON(w, tasks)
		case http.MethodPost:
			var body struct {
				ProjectPath string            `json:"projectPath"`
				Title       string            `json:"title"`
				Description string            `json:"description"`
				Tags        []string          `json:"tags"`
				Priority    string            `json:"priority"`
				Config      models.TaskConfig `json:"config"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid json")
				return
			}
			if body.ProjectPath == "" {
				writeJSONError(w, http.StatusBadRequest, "projectPath required")
				return
			}
			task, err := mgr.Create(r.Context(), engine.CreateRequest{
				ProjectPath: body.ProjectPath,
				Title:       body.Title,
				Description: body.Description,
				Tags:        body.Tags,
				Priority:    body.Priority,
				Config:      body.Config,
			})
			ccotel.RecordTaskOp(r.Context(), "create", opStatus(err))
			if err != nil {
				writeJSONError(w, statusForError(err), err.Error())
				return
			}
			writeJSON(w, task)
		default:
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})

	// --- Task-scoped endpoints ---
	mux.HandleFunc("/tasks/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/tasks/")
		parts := strings.Split(rest, "/")
		taskID := parts[0]
		if taskID == "" {
			writeJSONError(w, http.StatusNotFound, "not found")
			return
		}

		if len(parts) == 1 {
			switch r.Method {
			case http.MethodGet:
				task, msgs, err := mgr.Task(r.Context(), taskID)
				if err != nil {
					writeJSONError(w, statusForError(err), err.Error())
					return
				}
				if msgs == nil {
					msgs = []models.TaskMessage{}
				}
				writeJSON(w, map[string]any{"task": task, "messages": msgs})
			case http.MethodDelete:
				err := mgr.Delete(r.Context(), taskID)
				ccotel.RecordTaskOp(r.Context(), "delete", opStatus(err))
				if err != nil {
					writeJSONError(w, statusForError(err), err.Error())
					return
				}
				writeJSON(w, map[string]any{"ok": true})
			default:
				writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			}
			return
		}

		if len(parts) != 2 {
			writeJSONError(w, http.StatusNotFound, "not found")
			return
		}
		action := parts[1]

		if action == "stream" {
			if r.Method != http.MethodGet {
				writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			handleTaskStream(w, r, mgr, taskID)
			return
		}

		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var err error
		switch action {
		case "start":
			err = mgr.Start(r.Context(), taskID)
		case "message":
			var body struct {
				Content string             `json:"content"`
				Config  *models.TaskConfig `json:"config"`
			}
			if derr := json.NewDecoder(r.Body).Decode(&body); derr != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid json")
				return
			}
			if body.Content == "" {
				writeJSONError(w, http.StatusBadRequest, "content required")
				return
			}
			err = mgr.SendMessage(r.Context(), taskID, body.Content, body.Config)
		case "pause":
			err = mgr.Pause(r.Context(), taskID)
		case "cancel":
			err = mgr.Cancel(r.Context(), taskID)
		default:
			writeJSONError(w, http.StatusNotFound, "not found")
			return
		}
		ccotel.RecordTaskOp(r.Context(), action, opStatus(err))
		if err != nil {
			writeJSONError(w, statusForError(err), err.Error())
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	})

	var handler http.Handler = mux
	handler = bodyLimitMiddleware(models.DefaultMaxRequestBodyBytes, handler)
	if opts.Dev {
		handler = corsMiddleware(handler)
	}
	if opts.APIKey != "" {
		handler = apiKeyMiddleware(opts.APIKey, handler)
	}
	handler = requestLogMiddleware(handler)
	if opts.UseOtelHTTP {
		handler = otelhttp.NewHandler(handler, "ccengine")
	}
	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	srv.RegisterOnShutdown(func() {
		_ = st.Close()
	})

	return &App{Server: srv, Hub: hub, Manager: mgr, Store: st, Home: opts.Home}, nil
}

// handleTaskStream serves a per-task SSE feed of live stream events.
func handleTaskStream(w http.ResponseWriter, r *http.Request, mgr *engine.Manager, taskID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	if _, _, err := mgr.Task(r.Context(), taskID); err != nil {
		writeJSONError(w, statusForError(err), err.Error())
		return
	}

	setSSEHeaders(w)

	ch := mgr.Dispatcher().SubscribeTask(taskID)
	defer mgr.Dispatcher().UnsubscribeTask(taskID, ch)
	ccotel.AddSSEConnection()
	defer ccotel.RemoveSSEConnection()

	_, _ = fmt.Fprintf(w, "data: %s\n\n", `{"type":"connected"}`)
	flusher.Flush()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		}
	}
}

// statusForError maps engine error types to HTTP status codes.
func statusForError(err error) int {
	var terr *engine.TransitionError
	var aerr *engine.AdmissionError
	var serr *engine.SpawnError
	switch {
	case errors.Is(err, store.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.As(err, &aerr):
		return http.StatusTooManyRequests
	case errors.As(err, &terr):
		return http.StatusConflict
	case errors.As(err, &serr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func opStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// responseRecorder captures status code for logging and forwards Flusher if
// supported.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func apiKeyMiddleware(apiKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/health" || path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if key != apiKey {
			writeJSONError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		slog.Info("request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", rec.status,
			"duration", time.Since(start).String(),
		)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// writeJSONError sends a JSON body {"error": "message"} with the given
// status code.
func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": message})
}
