// Package run drives one collection task: resolve the project's items,
// dispatch each to its adapter, stream candidates through dedup into the
// store, and account for the outcome in the task ledger.
//
// The runner never branches on source specifics. Everything it knows
// about an item is its handler key and params; the registry owns the
// rest.
package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hazyhaar/collecte/collecte/internal/adapter"
	"github.com/hazyhaar/collecte/collecte/internal/dedup"
	"github.com/hazyhaar/collecte/collecte/internal/library"
	"github.com/hazyhaar/collecte/collecte/internal/store"
	"github.com/hazyhaar/collecte/collecte/internal/tasks"
	"github.com/hazyhaar/collecte/tenancy"
)

// errCancelled unwinds the run when a cancel request is observed. It is
// checked between items and between candidates; an in-flight fetch is
// left to finish or time out on its own.
var errCancelled = errors.New("run: cancelled")

// ConfigError marks failures of the run's own setup (unknown handler,
// unresolvable selector) as opposed to a source misbehaving. Config
// errors are always fatal under fail-fast or an explicit selector.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }

// Request describes what one run should collect.
type Request struct {
	Domain   string
	Selector library.Selector
	// Overrides are merged over each item's stored params for this run
	// only; they are never written back to the library.
	Overrides map[string]any
}

// Limits bounds the runner's resource usage.
type Limits struct {
	MaxChannelFanout int           // concurrent channels; default 1 (sequential)
	PersistRetries   int           // attempts per document write; default 3
	PersistBackoff   time.Duration // base backoff between attempts; default 200ms
}

func (l *Limits) defaults() {
	if l.MaxChannelFanout <= 0 {
		l.MaxChannelFanout = 1
	}
	if l.PersistRetries <= 0 {
		l.PersistRetries = 3
	}
	if l.PersistBackoff <= 0 {
		l.PersistBackoff = 200 * time.Millisecond
	}
}

// Runner executes collection tasks.
type Runner struct {
	Pool     *tenancy.Pool
	Registry *adapter.Registry
	Dedup    *dedup.Engine
	Ledger   *tasks.Ledger
	Logger   *slog.Logger
	Limits   Limits
	NewID    func() string
}

// counts accumulates one item's outcomes.
type counts struct {
	inserted, updated, dropped int64
}

// Execute runs a task to a terminal state. The task must be queued; its
// project key must already be resolved. Execute itself only errors on
// ledger failures — a failed run is a normal terminal state, not an
// error.
func (r *Runner) Execute(ctx context.Context, task *tasks.Task, req Request) error {
	r.Limits.defaults()
	log := r.logger().With("task_id", task.TaskID, "project", task.ProjectKey, "domain", req.Domain)

	if err := r.Ledger.SetStatus(ctx, task.TaskID, tasks.StatusRunning, ""); err != nil {
		return fmt.Errorf("run: task %s: %w", task.TaskID, err)
	}
	r.Ledger.AppendLog(ctx, task.TaskID, "info", "", "run started")

	runErr := r.execute(ctx, task, req, log)

	switch {
	case errors.Is(runErr, errCancelled) || errors.Is(runErr, context.Canceled):
		r.Ledger.AppendLog(ctx, task.TaskID, "info", "", "run cancelled")
		return r.Ledger.SetStatus(ctx, task.TaskID, tasks.StatusCancelled, "cancelled")
	case runErr != nil:
		r.Ledger.AppendLog(ctx, task.TaskID, "error", "", runErr.Error())
		return r.Ledger.SetStatus(ctx, task.TaskID, tasks.StatusFailed, runErr.Error())
	default:
		// Partial success is still success; item failures are in the
		// counts and the log.
		return r.Ledger.SetStatus(ctx, task.TaskID, tasks.StatusSucceeded, "")
	}
}

// execute returns errCancelled for cancellation, a fatal error for a
// failed run, nil otherwise.
func (r *Runner) execute(ctx context.Context, task *tasks.Task, req Request, log *slog.Logger) error {
	db, err := r.Pool.Resolve(ctx, task.ProjectKey)
	if err != nil {
		return &ConfigError{Err: fmt.Errorf("resolve project shard: %w", err)}
	}
	st := store.New(db)
	lib := library.New(db)

	items, err := lib.Resolve(ctx, req.Domain, req.Selector)
	if err != nil {
		return &ConfigError{Err: fmt.Errorf("resolve items: %w", err)}
	}
	log.Info("run: items resolved", "count", len(items))

	groups, order, err := groupByChannel(ctx, lib, items)
	if err != nil {
		return &ConfigError{Err: err}
	}

	explicit := req.Selector.ItemKey != "" || req.Selector.HandlerKey != ""
	fatalOnConfig := task.FailFast || explicit

	if r.Limits.MaxChannelFanout == 1 || len(order) == 1 {
		for _, key := range order {
			g := groups[key]
			if err := r.runChannel(ctx, task, st, lib, g, req.Overrides, fatalOnConfig, log); err != nil {
				return err
			}
		}
		return nil
	}
	return r.runChannelsConcurrent(ctx, task, st, lib, groups, order, req.Overrides, fatalOnConfig, log)
}

// channelGroup is the items sharing one channel, in library order.
type channelGroup struct {
	channel *library.Channel
	items   []*library.Item
}

func groupByChannel(ctx context.Context, lib *library.Library, items []*library.Item) (map[string]*channelGroup, []string, error) {
	groups := make(map[string]*channelGroup)
	var order []string
	for _, it := range items {
		g, ok := groups[it.ChannelKey]
		if !ok {
			ch, err := lib.Channel(ctx, it.ChannelKey)
			if err != nil {
				return nil, nil, fmt.Errorf("channel %q: %w", it.ChannelKey, err)
			}
			g = &channelGroup{channel: ch}
			groups[it.ChannelKey] = g
			order = append(order, it.ChannelKey)
		}
		g.items = append(g.items, it)
	}
	return groups, order, nil
}

func (r *Runner) runChannelsConcurrent(ctx context.Context, task *tasks.Task, st *store.Store,
	lib *library.Library, groups map[string]*channelGroup, order []string,
	overrides map[string]any, fatalOnConfig bool, log *slog.Logger) error {

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, r.Limits.MaxChannelFanout)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, key := range order {
		g := groups[key]
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := r.runChannel(cctx, task, st, lib, g, overrides, fatalOnConfig, log); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
					cancel()
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return firstErr
}

// runChannel processes one channel's items under its rate limit.
// max_concurrent > 1 fans items out within the channel; the limiter
// still spaces out request starts. Returns errCancelled or a fatal
// error; per-item failures are recorded and swallowed.
func (r *Runner) runChannel(ctx context.Context, task *tasks.Task, st *store.Store,
	lib *library.Library, g *channelGroup, overrides map[string]any,
	fatalOnConfig bool, log *slog.Logger) error {

	limiter := rate.NewLimiter(rate.Every(time.Duration(g.channel.RateLimitMS)*time.Millisecond), 1)

	if g.channel.MaxConcurrent <= 1 || len(g.items) == 1 {
		for _, item := range g.items {
			if err := r.checkCancel(ctx, task.TaskID); err != nil {
				return err
			}
			if err := limiter.Wait(ctx); err != nil {
				return errCancelled
			}
			if err := r.processItem(ctx, task, st, lib, g.channel, item, overrides, fatalOnConfig, log); err != nil {
				return err
			}
		}
		return nil
	}

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, g.channel.MaxConcurrent)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, item := range g.items {
		if err := r.checkCancel(cctx, task.TaskID); err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
			break
		}
		if err := limiter.Wait(cctx); err != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := r.processItem(cctx, task, st, lib, g.channel, item, overrides, fatalOnConfig, log); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
					cancel()
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return firstErr
}

// processItem runs one item and classifies its outcome. Only fatal
// errors propagate: an unchanged source and, outside fail-fast, a
// failed item are recorded and swallowed.
func (r *Runner) processItem(ctx context.Context, task *tasks.Task, st *store.Store,
	lib *library.Library, ch *library.Channel, item *library.Item,
	overrides map[string]any, fatalOnConfig bool, log *slog.Logger) error {

	err := r.runItem(ctx, task, st, lib, ch, item, overrides)
	if err == nil {
		return nil
	}
	if errors.Is(err, adapter.ErrNotModified) {
		r.Ledger.AppendLog(ctx, task.TaskID, "info", item.ItemKey, "source unchanged, skipped")
		return nil
	}
	if errors.Is(err, errCancelled) || errors.Is(err, context.Canceled) {
		return errCancelled
	}

	var cfgErr *ConfigError
	isConfig := errors.As(err, &cfgErr) || errors.Is(err, adapter.ErrUnsupportedHandler)
	if isConfig && fatalOnConfig {
		r.Ledger.AppendLog(ctx, task.TaskID, "error", item.ItemKey, "fatal: "+err.Error())
		return err
	}
	if task.FailFast {
		r.Ledger.AppendLog(ctx, task.TaskID, "error", item.ItemKey, "fail-fast: "+err.Error())
		r.Ledger.AddCounts(ctx, task.TaskID, 0, 0, 0, 1)
		return err
	}

	log.Warn("run: item failed", "item", item.ItemKey, "error", err)
	r.Ledger.AppendLog(ctx, task.TaskID, "warn", item.ItemKey, "item failed: "+err.Error())
	r.Ledger.AddCounts(ctx, task.TaskID, 0, 0, 0, 1)
	return nil
}

// runItem dispatches one item to its adapter and persists its stream of
// candidates.
func (r *Runner) runItem(ctx context.Context, task *tasks.Task, st *store.Store,
	lib *library.Library, ch *library.Channel, item *library.Item, overrides map[string]any) error {

	a, err := r.Registry.Dispatch(item.HandlerKey)
	if err != nil {
		return err
	}

	params, err := mergeParams(item.ParamsJSON, overrides)
	if err != nil {
		return &ConfigError{Err: fmt.Errorf("item %s params: %w", item.ItemKey, err)}
	}

	itemCtx := ctx
	if ch.TimeoutMS > 0 {
		var cancel context.CancelFunc
		itemCtx, cancel = context.WithTimeout(ctx, time.Duration(ch.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	req := adapter.Request{
		Item: item, Channel: ch, Params: params,
		RecordFetch: func(etag, lastModified, hash string) {
			if err := lib.SetFetchState(ctx, item.Domain, item.ItemKey, etag, lastModified, hash); err != nil {
				r.logger().Warn("run: record fetch state", "item", item.ItemKey, "error", err)
			}
		},
	}

	var c counts
	err = a.Fetch(itemCtx, req,
		func(cand *adapter.Candidate) error {
			if err := r.checkCancel(ctx, task.TaskID); err != nil {
				return err
			}
			return r.persistCandidate(ctx, task, st, item, cand, &c)
		})

	r.Ledger.AddCounts(ctx, task.TaskID, c.inserted, c.updated, c.dropped, 0)
	if err != nil {
		return err
	}
	r.Ledger.AppendLog(ctx, task.TaskID, "info", item.ItemKey,
		fmt.Sprintf("item done: inserted=%d updated=%d dropped=%d", c.inserted, c.updated, c.dropped))
	return nil
}

// persistCandidate runs one candidate through dedup and the store under
// the per-URI lock.
func (r *Runner) persistCandidate(ctx context.Context, task *tasks.Task, st *store.Store,
	item *library.Item, cand *adapter.Candidate, c *counts) error {

	uri := NormalizeURL(cand.URI)
	unlock := r.Dedup.Lock(task.ProjectKey, item.Domain, uri)
	defer unlock()

	decision, err := r.Dedup.Decide(ctx, st, item.Domain, uri, cand.BodyText)
	if err != nil {
		return err
	}

	switch decision.Op {
	case dedup.OpDrop:
		c.dropped++
		r.Ledger.AppendLog(ctx, task.TaskID, "debug", item.ItemKey,
			fmt.Sprintf("dropped %s: %s", uri, decision.Reason))
		return nil

	case dedup.OpInsert, dedup.OpUpdate:
		now := time.Now().UnixMilli()
		doc := &store.Document{
			ID:         r.NewID(),
			ProjectKey: task.ProjectKey,
			Domain:     item.Domain,
			URI:        uri,
			Title:      cand.Title,
			BodyMD:     cand.BodyMD,
			BodyText:   cand.BodyText,
			TextHash:   decision.TextHash,
			SourceRef:  item.ItemKey,
			FetchedAt:  now,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if !cand.Published.IsZero() {
			doc.PublishedAt = cand.Published.UnixMilli()
		}

		outcome, err := r.persistWithRetry(ctx, st, doc)
		if err != nil {
			return fmt.Errorf("persist %s: %w", uri, err)
		}
		if outcome == store.OutcomeInserted {
			c.inserted++
		} else {
			c.updated++
		}

		// Mirror is best-effort: the document is already durable.
		if err := st.Index(ctx, doc); err != nil {
			r.logger().Warn("run: index failed", "uri", uri, "error", err)
		}
		return nil

	default:
		return fmt.Errorf("run: unknown dedup op %q", decision.Op)
	}
}

// persistWithRetry retries transient write failures with a short linear
// backoff before giving up on the candidate.
func (r *Runner) persistWithRetry(ctx context.Context, st *store.Store, doc *store.Document) (store.Outcome, error) {
	var outcome store.Outcome
	var err error
	for attempt := 1; attempt <= r.Limits.PersistRetries; attempt++ {
		outcome, err = st.Upsert(ctx, doc)
		if err == nil {
			return outcome, nil
		}
		if attempt < r.Limits.PersistRetries {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * r.Limits.PersistBackoff):
			}
		}
	}
	return "", fmt.Errorf("after %d attempts: %w", r.Limits.PersistRetries, err)
}

// checkCancel is the cooperative cancellation point.
func (r *Runner) checkCancel(ctx context.Context, taskID string) error {
	if err := ctx.Err(); err != nil {
		return errCancelled
	}
	flagged, err := r.Ledger.CancelRequested(ctx, taskID)
	if err != nil {
		return err
	}
	if flagged {
		return errCancelled
	}
	return nil
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// mergeParams overlays per-run overrides on the item's stored params.
// The merge is shallow: an override key replaces the stored key whole.
func mergeParams(paramsJSON string, overrides map[string]any) (json.RawMessage, error) {
	base := make(map[string]any)
	if paramsJSON != "" && paramsJSON != "{}" {
		if err := json.Unmarshal([]byte(paramsJSON), &base); err != nil {
			return nil, err
		}
	}
	for k, v := range overrides {
		base[k] = v
	}
	if len(base) == 0 {
		return nil, nil
	}
	return json.Marshal(base)
}

// NormalizeURL canonicalizes a URI for identity: trims whitespace,
// lowercases scheme and host, drops fragments and a trailing slash on
// bare paths. Query strings are kept, order untouched.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return raw
	}
	i := strings.Index(raw, "#")
	if i >= 0 {
		raw = raw[:i]
	}
	if j := strings.Index(raw, "://"); j > 0 {
		scheme := strings.ToLower(raw[:j])
		rest := raw[j+3:]
		slash := strings.IndexByte(rest, '/')
		if slash < 0 {
			return scheme + "://" + strings.ToLower(rest)
		}
		host := strings.ToLower(rest[:slash])
		path := rest[slash:]
		if path == "/" {
			path = ""
		}
		return scheme + "://" + host + path
	}
	return raw
}
