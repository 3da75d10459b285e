// CLAUDE:SUMMARY Sentinel errors and error re-exports for the collecte service surface.
package collecte

import (
	"errors"

	"github.com/hazyhaar/collecte/collecte/internal/adapter"
	"github.com/hazyhaar/collecte/collecte/internal/library"
	"github.com/hazyhaar/collecte/collecte/internal/tasks"
	"github.com/hazyhaar/collecte/tenancy"
)

// ErrInvalidInput is returned when a request fails validation.
var ErrInvalidInput = errors.New("collecte: invalid input")

// Re-exported sentinels so callers only import this package.
var (
	ErrMissingProjectContext = tenancy.ErrMissingProjectContext
	ErrUnknownProject        = tenancy.ErrUnknownProject
	ErrProjectInactive       = tenancy.ErrProjectInactive
	ErrUnsupportedHandler    = adapter.ErrUnsupportedHandler
	ErrNoItems               = library.ErrNoItems
	ErrTaskNotFound          = tasks.ErrTaskNotFound
)
