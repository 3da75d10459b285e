// CLAUDE:SUMMARY Entry point for the collected HTTP service — chi router, project catalog, optional MCP stdio.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/collecte/collecte"
	"github.com/hazyhaar/collecte/dbopen"
	"github.com/hazyhaar/collecte/observability"
	"github.com/hazyhaar/collecte/shield"
	"github.com/hazyhaar/collecte/tenancy"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "collected.yaml", "path to YAML config")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	catalogDB, err := dbopen.Open(cfg.CatalogDB, dbopen.WithMkdirAll())
	if err != nil {
		logger.Error("catalog db", "error", err)
		os.Exit(1)
	}
	defer catalogDB.Close()

	policy, err := tenancy.ParsePolicy(cfg.Policy)
	if err != nil {
		logger.Error("policy", "error", err)
		os.Exit(1)
	}

	events, err := observability.NewEventLogger(catalogDB)
	if err != nil {
		logger.Error("event log", "error", err)
		os.Exit(1)
	}

	svc, err := collecte.New(catalogDB, &collecte.Config{
		DataDir:        cfg.DataDir,
		Policy:         policy,
		DefaultProject: cfg.DefaultProject,
		Workers:        cfg.Workers,
		Limits:         collecte.Limits{MaxChannelFanout: cfg.Fanout},
	}, logger, collecte.WithAudit(events))
	if err != nil {
		logger.Error("service", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	svc.Start(ctx)

	if cfg.MCPTransport == "stdio" {
		srv := mcp.NewServer(&mcp.Implementation{Name: "collecte", Version: version}, nil)
		svc.RegisterMCP(srv)
		logger.Info("collected: serving MCP over stdio")
		if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("mcp", "error", err)
			os.Exit(1)
		}
		return
	}

	r := router(svc)
	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		httpSrv.Shutdown(shutCtx)
	}()

	logger.Info("collected: listening", "addr", cfg.Listen, "policy", policy.String())
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("http", "error", err)
		os.Exit(1)
	}
}

func router(svc *collecte.Service) chi.Router {
	r := chi.NewRouter()
	r.Use(shield.SecurityHeaders(shield.DefaultHeaders()))
	r.Use(shield.MaxJSONBody(1 << 20))
	r.Use(shield.TraceID)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version})
	})

	r.Post("/api/collect", func(w http.ResponseWriter, req *http.Request) {
		var cr collecte.CollectRequest
		if err := json.NewDecoder(req.Body).Decode(&cr); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		task, err := svc.Collect(req.Context(), cr)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		status := http.StatusOK
		if cr.Async {
			status = http.StatusAccepted
		}
		writeJSON(w, status, task)
	})

	r.Get("/api/tasks", func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		list, err := svc.Tasks(req.Context(), collecte.TaskFilter{
			Project: q.Get("project"),
			Domain:  q.Get("domain"),
			Status:  collecte.TaskStatus(q.Get("status")),
			Limit:   intParam(q.Get("limit")),
		})
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": list})
	})

	r.Get("/api/tasks/{taskID}", func(w http.ResponseWriter, req *http.Request) {
		task, excerpt, err := svc.Task(req.Context(), chi.URLParam(req, "taskID"))
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"task": task, "log": excerpt})
	})

	r.Post("/api/tasks/{taskID}/cancel", func(w http.ResponseWriter, req *http.Request) {
		accepted, err := svc.Cancel(req.Context(), chi.URLParam(req, "taskID"))
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"accepted": accepted})
	})

	r.Get("/api/search", func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		results, err := svc.Search(req.Context(), q.Get("project"), q.Get("q"), intParam(q.Get("limit")))
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": results, "count": len(results)})
	})

	r.Get("/api/documents", func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		docs, err := svc.Documents(req.Context(), q.Get("project"), q.Get("domain"), intParam(q.Get("limit")))
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
	})

	r.Get("/api/stats", func(w http.ResponseWriter, req *http.Request) {
		stats, err := svc.ProjectStats(req.Context(), req.URL.Query().Get("project"))
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	})

	r.Get("/api/projects", func(w http.ResponseWriter, req *http.Request) {
		projects, err := svc.Projects(req.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
	})

	r.Post("/api/projects", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Key string `json:"key"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		p, err := svc.RegisterProject(req.Context(), body.Key)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, p)
	})

	r.Delete("/api/projects/{key}", func(w http.ResponseWriter, req *http.Request) {
		if err := svc.DeactivateProject(req.Context(), chi.URLParam(req, "key")); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Get("/api/items", func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		items, err := svc.Items(req.Context(), q.Get("project"), q.Get("domain"))
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	})

	r.Post("/api/items", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Project string        `json:"project"`
			Item    collecte.Item `json:"item"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := svc.PutItem(req.Context(), body.Project, &body.Item); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, body.Item)
	})

	r.Post("/api/channels", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Project string           `json:"project"`
			Channel collecte.Channel `json:"channel"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := svc.PutChannel(req.Context(), body.Project, &body.Channel); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, body.Channel)
	})

	r.Delete("/api/items/{domain}/{itemKey}", func(w http.ResponseWriter, req *http.Request) {
		err := svc.DeleteItem(req.Context(), req.URL.Query().Get("project"),
			chi.URLParam(req, "domain"), chi.URLParam(req, "itemKey"))
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	return r
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, collecte.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, collecte.ErrMissingProjectContext):
		return http.StatusBadRequest
	case errors.Is(err, collecte.ErrUnknownProject),
		errors.Is(err, collecte.ErrTaskNotFound),
		errors.Is(err, collecte.ErrNoItems):
		return http.StatusNotFound
	case errors.Is(err, collecte.ErrProjectInactive):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func intParam(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
