// CLAUDE:SUMMARY Main Service orchestrator: project lifecycle, collection runs (sync and queued), search and admin surface.
// Package collecte is a multi-tenant document collection service. A
// collection run resolves a project's source items, dispatches each to
// its handler adapter, and streams the resulting candidates through
// deduplication into the project's document store.
package collecte

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hazyhaar/collecte/collecte/internal/adapter"
	"github.com/hazyhaar/collecte/collecte/internal/dedup"
	"github.com/hazyhaar/collecte/collecte/internal/fetch"
	"github.com/hazyhaar/collecte/collecte/internal/library"
	"github.com/hazyhaar/collecte/collecte/internal/run"
	"github.com/hazyhaar/collecte/collecte/internal/store"
	"github.com/hazyhaar/collecte/collecte/internal/tasks"
	"github.com/hazyhaar/collecte/horosafe"
	"github.com/hazyhaar/collecte/idgen"
	"github.com/hazyhaar/collecte/observability"
	"github.com/hazyhaar/collecte/tenancy"
	"github.com/hazyhaar/collecte/vtq"
)

// Service is the main collecte orchestrator.
type Service struct {
	catalog      *sql.DB
	pool         *tenancy.Pool
	resolver     *tenancy.Resolver
	ledger       *tasks.Ledger
	registry     *adapter.Registry
	runner       *run.Runner
	queue        *vtq.Q
	logger       *slog.Logger
	config       *Config
	newID        idgen.Generator
	audit        *observability.EventLogger
	urlValidator func(string) error
}

// ServiceOption configures a Service during creation.
type ServiceOption func(*Service)

// WithAudit records data-modifying operations to the catalog event log.
func WithAudit(a *observability.EventLogger) ServiceOption {
	return func(svc *Service) { svc.audit = a }
}

// WithURLValidator overrides URL validation (default horosafe.ValidateURL).
// Use in tests with httptest servers on loopback addresses.
func WithURLValidator(fn func(string) error) ServiceOption {
	return func(svc *Service) { svc.urlValidator = fn }
}

// WithIDGenerator overrides task and document ID generation.
func WithIDGenerator(gen idgen.Generator) ServiceOption {
	return func(svc *Service) { svc.newID = gen }
}

// New creates a Service on an opened catalog database. Project shards
// are opened lazily under cfg.DataDir.
func New(catalog *sql.DB, cfg *Config, logger *slog.Logger, opts ...ServiceOption) (*Service, error) {
	if cfg == nil {
		cfg = defaultConfig()
	}
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	ctx := context.Background()
	if err := tenancy.InitCatalog(ctx, catalog); err != nil {
		return nil, fmt.Errorf("collecte: init catalog: %w", err)
	}
	ledger, err := tasks.New(catalog)
	if err != nil {
		return nil, fmt.Errorf("collecte: init ledger: %w", err)
	}

	svc := &Service{
		catalog:      catalog,
		ledger:       ledger,
		registry:     adapter.NewRegistry(),
		logger:       logger,
		config:       cfg,
		newID:        idgen.Default,
		urlValidator: horosafe.ValidateURL,
	}
	for _, opt := range opts {
		opt(svc)
	}

	svc.pool = tenancy.NewPool(catalog, cfg.DataDir, func(db *sql.DB) error {
		_, err := db.Exec(store.Schema)
		return err
	})
	svc.resolver = tenancy.NewResolver(catalog, cfg.Policy, cfg.DefaultProject)

	fetchCfg := cfg.Fetch
	fetchCfg.URLValidator = svc.urlValidator
	fetcher := fetch.New(fetchCfg)

	svc.registry.Register("web", adapter.NewWeb(fetcher, logger))
	svc.registry.Register("rss", adapter.NewRSS(fetcher, logger))
	api := adapter.NewAPI(&http.Client{Timeout: fetchCfg.Timeout}, logger)
	api.SetURLValidator(svc.urlValidator)
	svc.registry.Register("api", api)

	svc.runner = &run.Runner{
		Pool:     svc.pool,
		Registry: svc.registry,
		Dedup:    dedup.New(cfg.DedupWindow),
		Ledger:   ledger,
		Logger:   logger,
		Limits: run.Limits{
			MaxChannelFanout: cfg.Limits.MaxChannelFanout,
			PersistRetries:   cfg.Limits.PersistRetries,
			PersistBackoff:   cfg.Limits.PersistBackoff,
		},
		NewID: svc.newID,
	}

	queueOpts := cfg.Queue
	queueOpts.Logger = logger
	svc.queue = vtq.New(catalog, queueOpts)
	if err := svc.queue.EnsureTable(ctx); err != nil {
		return nil, fmt.Errorf("collecte: init queue: %w", err)
	}

	return svc, nil
}

// RegisterAdapter binds a custom handler key. Built-ins (web, rss, api)
// can be replaced the same way.
func (svc *Service) RegisterAdapter(handlerKey string, a adapter.Adapter) {
	svc.registry.Register(handlerKey, a)
}

// HandlerKeys returns the registered handler keys.
func (svc *Service) HandlerKeys() []string {
	return svc.registry.Keys()
}

// Start launches the async run consumers. Non-blocking; they stop when
// ctx is cancelled.
func (svc *Service) Start(ctx context.Context) {
	go svc.queue.RunConcurrent(ctx, svc.config.Workers, svc.consumeJob)
	svc.logger.Info("collecte: started", "workers", svc.config.Workers)
}

// Close releases the shard pool.
func (svc *Service) Close() error {
	svc.logger.Info("collecte: closed")
	return svc.pool.Close()
}

// CollectRequest describes one collection run.
type CollectRequest struct {
	// Project is the requested project key; resolution follows the
	// configured policy when empty.
	Project string `json:"project"`
	// Domain scopes the run. Required.
	Domain string `json:"domain"`
	// ItemKey and HandlerKey narrow the run to one item or one handler;
	// both empty means every item in the domain.
	ItemKey    string `json:"item_key,omitempty"`
	HandlerKey string `json:"handler_key,omitempty"`
	// Overrides are merged over each item's stored params for this run
	// only.
	Overrides map[string]any `json:"overrides,omitempty"`
	// FailFast aborts the run on the first item failure.
	FailFast bool `json:"fail_fast,omitempty"`
	// Async queues the run and returns immediately.
	Async bool `json:"async,omitempty"`
}

// queuedRun is the vtq payload for async runs.
type queuedRun struct {
	TaskID     string         `json:"task_id"`
	Domain     string         `json:"domain"`
	ItemKey    string         `json:"item_key,omitempty"`
	HandlerKey string         `json:"handler_key,omitempty"`
	Overrides  map[string]any `json:"overrides,omitempty"`
}

// Collect starts a collection run. Sync mode returns the terminal task;
// async mode returns the queued task immediately.
func (svc *Service) Collect(ctx context.Context, req CollectRequest) (*Task, error) {
	if strings.TrimSpace(req.Domain) == "" {
		return nil, fmt.Errorf("%w: domain is required", ErrInvalidInput)
	}

	scope, err := svc.resolver.Resolve(ctx, req.Project)
	if err != nil {
		return nil, err
	}
	if scope.Fallback {
		svc.logger.Warn("collecte: project fallback",
			"requested", scope.RequestedKey, "default", scope.ProjectKey)
	}

	task := &tasks.Task{
		TaskID:           svc.newID(),
		ProjectKey:       scope.ProjectKey,
		RequestedProject: scope.RequestedKey,
		ProjectFallback:  scope.Fallback,
		Domain:           req.Domain,
		FailFast:         req.FailFast,
	}
	if err := svc.ledger.Create(ctx, task); err != nil {
		return nil, err
	}
	if scope.Fallback {
		if err := svc.ledger.AppendLog(ctx, task.TaskID, "warn", "",
			fmt.Sprintf("project %q not resolved, fell back to %q",
				scope.RequestedKey, scope.ProjectKey)); err != nil {
			svc.logger.Warn("collecte: log project fallback", "task_id", task.TaskID, "error", err)
		}
	}
	svc.auditLog(scope.ProjectKey, "collect", task.TaskID, req)

	if req.Async {
		payload, err := json.Marshal(queuedRun{
			TaskID:     task.TaskID,
			Domain:     req.Domain,
			ItemKey:    req.ItemKey,
			HandlerKey: req.HandlerKey,
			Overrides:  req.Overrides,
		})
		if err != nil {
			return nil, err
		}
		if err := svc.queue.Publish(ctx, task.TaskID, payload); err != nil {
			return nil, fmt.Errorf("collecte: queue run: %w", err)
		}
		return task, nil
	}

	if err := svc.runner.Execute(ctx, task, runRequest(req)); err != nil {
		return nil, err
	}
	return svc.ledger.Get(ctx, task.TaskID)
}

func runRequest(req CollectRequest) run.Request {
	return run.Request{
		Domain:    req.Domain,
		Selector:  library.Selector{ItemKey: req.ItemKey, HandlerKey: req.HandlerKey},
		Overrides: req.Overrides,
	}
}

// consumeJob executes one queued run. Redeliveries of tasks that already
// left the queued state are acknowledged without re-running.
func (svc *Service) consumeJob(ctx context.Context, job *vtq.Job) error {
	var q queuedRun
	if err := json.Unmarshal(job.Payload, &q); err != nil {
		svc.logger.Error("collecte: bad queue payload", "job_id", job.ID, "error", err)
		return nil // poison; ack and move on
	}
	task, err := svc.ledger.Get(ctx, q.TaskID)
	if err != nil {
		svc.logger.Error("collecte: queued task missing", "task_id", q.TaskID, "error", err)
		return nil
	}
	if task.Status != tasks.StatusQueued {
		svc.logger.Debug("collecte: skipping redelivered task",
			"task_id", task.TaskID, "status", task.Status)
		return nil
	}
	return svc.runner.Execute(ctx, task, run.Request{
		Domain:    q.Domain,
		Selector:  library.Selector{ItemKey: q.ItemKey, HandlerKey: q.HandlerKey},
		Overrides: q.Overrides,
	})
}

// Task returns one task with a tail of its log.
func (svc *Service) Task(ctx context.Context, taskID string) (*Task, []LogEntry, error) {
	task, err := svc.ledger.Get(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	excerpt, err := svc.ledger.Excerpt(ctx, taskID, 50)
	if err != nil {
		return nil, nil, err
	}
	return task, excerpt, nil
}

// Tasks lists tasks matching the filter, newest first.
func (svc *Service) Tasks(ctx context.Context, f TaskFilter) ([]*Task, error) {
	return svc.ledger.List(ctx, f)
}

// Cancel requests cooperative cancellation of a task. Returns false
// when the task is already terminal.
func (svc *Service) Cancel(ctx context.Context, taskID string) (bool, error) {
	accepted, err := svc.ledger.RequestCancel(ctx, taskID)
	if err != nil {
		return false, err
	}
	if accepted {
		task, gerr := svc.ledger.Get(ctx, taskID)
		if gerr == nil {
			svc.auditLog(task.ProjectKey, "cancel", taskID, nil)
		}
		// A still-queued task will never be picked up; finish it here.
		if gerr == nil && task.Status == tasks.StatusQueued {
			if serr := svc.ledger.SetStatus(ctx, taskID, tasks.StatusCancelled, "cancelled before start"); serr != nil {
				svc.logger.Warn("collecte: cancel queued task", "task_id", taskID, "error", serr)
			}
		}
	}
	return accepted, nil
}

// Search queries a project's document index.
func (svc *Service) Search(ctx context.Context, project, query string, limit int) ([]*SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidInput)
	}
	st, _, err := svc.resolveStore(ctx, project)
	if err != nil {
		return nil, err
	}
	return st.Search(ctx, query, limit)
}

// Documents lists a project's documents, newest fetch first. Empty
// domain means all domains.
func (svc *Service) Documents(ctx context.Context, project, domain string, limit int) ([]*Document, error) {
	st, _, err := svc.resolveStore(ctx, project)
	if err != nil {
		return nil, err
	}
	return st.ListDocuments(ctx, domain, limit)
}

// GetDocument returns one document by ID.
func (svc *Service) GetDocument(ctx context.Context, project, docID string) (*Document, error) {
	st, _, err := svc.resolveStore(ctx, project)
	if err != nil {
		return nil, err
	}
	return st.GetByID(ctx, docID)
}

// Stats summarizes one project.
type Stats struct {
	Project    string           `json:"project"`
	ByDomain   map[string]int64 `json:"by_domain"`
	QueueDepth int              `json:"queue_depth"`
}

// ProjectStats returns document counts per domain and the shared queue
// depth.
func (svc *Service) ProjectStats(ctx context.Context, project string) (*Stats, error) {
	st, scope, err := svc.resolveStore(ctx, project)
	if err != nil {
		return nil, err
	}
	counts, err := st.CountByDomain(ctx)
	if err != nil {
		return nil, err
	}
	depth, err := svc.queue.Len(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{Project: scope.ProjectKey, ByDomain: counts, QueueDepth: depth}, nil
}

// --- Projects ---

// RegisterProject creates a new project in the catalog. Keys are
// immutable and never reused.
func (svc *Service) RegisterProject(ctx context.Context, key string) (*Project, error) {
	p, err := tenancy.RegisterProject(ctx, svc.catalog, key)
	if err != nil {
		return nil, err
	}
	svc.auditLog(key, "register_project", key, nil)
	return p, nil
}

// Projects lists all catalog projects.
func (svc *Service) Projects(ctx context.Context) ([]*Project, error) {
	return tenancy.ListProjects(ctx, svc.catalog)
}

// DeactivateProject marks a project inactive; its shard stays on disk.
func (svc *Service) DeactivateProject(ctx context.Context, key string) error {
	if err := tenancy.Deactivate(ctx, svc.catalog, key); err != nil {
		return err
	}
	svc.auditLog(key, "deactivate_project", key, nil)
	return nil
}

// --- Library administration ---

// PutItem creates or updates a source item in a project's library. An
// absolute url param is validated against SSRF before it is stored.
func (svc *Service) PutItem(ctx context.Context, project string, item *Item) error {
	if item.ItemKey == "" || item.HandlerKey == "" || item.Domain == "" {
		return fmt.Errorf("%w: item_key, handler_key and domain are required", ErrInvalidInput)
	}
	if err := svc.validateItemURL(item.ParamsJSON); err != nil {
		return err
	}
	lib, _, err := svc.resolveLibrary(ctx, project)
	if err != nil {
		return err
	}
	if err := lib.PutItem(ctx, item); err != nil {
		return err
	}
	svc.auditLog(project, "put_item", item.Domain+"/"+item.ItemKey, nil)
	return nil
}

// PutChannel creates or updates a channel.
func (svc *Service) PutChannel(ctx context.Context, project string, ch *Channel) error {
	if ch.ChannelKey == "" {
		return fmt.Errorf("%w: channel_key is required", ErrInvalidInput)
	}
	lib, _, err := svc.resolveLibrary(ctx, project)
	if err != nil {
		return err
	}
	if err := lib.PutChannel(ctx, ch); err != nil {
		return err
	}
	svc.auditLog(project, "put_channel", ch.ChannelKey, nil)
	return nil
}

// DeleteItem removes a source item.
func (svc *Service) DeleteItem(ctx context.Context, project, domain, itemKey string) error {
	lib, _, err := svc.resolveLibrary(ctx, project)
	if err != nil {
		return err
	}
	if err := lib.DeleteItem(ctx, domain, itemKey); err != nil {
		return err
	}
	svc.auditLog(project, "delete_item", domain+"/"+itemKey, nil)
	return nil
}

// Items lists a project's source items in a domain.
func (svc *Service) Items(ctx context.Context, project, domain string) ([]*Item, error) {
	lib, _, err := svc.resolveLibrary(ctx, project)
	if err != nil {
		return nil, err
	}
	return lib.ListItems(ctx, domain)
}

// --- internals ---

func (svc *Service) resolveStore(ctx context.Context, project string) (*store.Store, *tenancy.Scope, error) {
	scope, err := svc.resolver.Resolve(ctx, project)
	if err != nil {
		return nil, nil, err
	}
	db, err := svc.pool.Resolve(ctx, scope.ProjectKey)
	if err != nil {
		return nil, nil, err
	}
	return store.New(db), scope, nil
}

func (svc *Service) resolveLibrary(ctx context.Context, project string) (*library.Library, *tenancy.Scope, error) {
	scope, err := svc.resolver.Resolve(ctx, project)
	if err != nil {
		return nil, nil, err
	}
	db, err := svc.pool.Resolve(ctx, scope.ProjectKey)
	if err != nil {
		return nil, nil, err
	}
	return library.New(db), scope, nil
}

// validateItemURL checks an absolute url param against SSRF; relative
// urls are resolved against a channel at run time and validated then.
func (svc *Service) validateItemURL(paramsJSON string) error {
	if paramsJSON == "" || paramsJSON == "{}" {
		return nil
	}
	var p struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal([]byte(paramsJSON), &p); err != nil {
		return fmt.Errorf("%w: params_json: %v", ErrInvalidInput, err)
	}
	if p.URL == "" || !strings.Contains(p.URL, "://") {
		return nil
	}
	return svc.urlValidator(p.URL)
}

func (svc *Service) auditLog(project, action, entityID string, details any) {
	if svc.audit == nil {
		return
	}
	var detailsJSON string
	if details != nil {
		if b, err := json.Marshal(details); err == nil {
			detailsJSON = string(b)
		}
	}
	svc.audit.LogAsync(observability.Event{
		Action:     action,
		ProjectKey: project,
		EntityID:   entityID,
		Details:    detailsJSON,
	})
}
