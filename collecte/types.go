package collecte

import (
	"github.com/hazyhaar/collecte/collecte/internal/library"
	"github.com/hazyhaar/collecte/collecte/internal/run"
	"github.com/hazyhaar/collecte/collecte/internal/store"
	"github.com/hazyhaar/collecte/collecte/internal/tasks"
	"github.com/hazyhaar/collecte/tenancy"
)

// Aliases so callers work with one import.
type (
	Task         = tasks.Task
	TaskStatus   = tasks.Status
	TaskFilter   = tasks.Filter
	LogEntry     = tasks.LogEntry
	Document     = store.Document
	SearchResult = store.SearchResult
	Item         = library.Item
	Channel      = library.Channel
	Project      = tenancy.Project
	Scope        = tenancy.Scope
)

// Task statuses.
const (
	StatusQueued    = tasks.StatusQueued
	StatusRunning   = tasks.StatusRunning
	StatusSucceeded = tasks.StatusSucceeded
	StatusFailed    = tasks.StatusFailed
	StatusCancelled = tasks.StatusCancelled
)

// NormalizeURL is the canonical URI form used for document identity.
func NormalizeURL(raw string) string {
	return run.NormalizeURL(raw)
}
