package tenancy

import (
	"context"
	"database/sql"
	"fmt"
)

// Policy selects how missing or unknown project keys are handled.
type Policy int

const (
	// PolicyWarn substitutes the default project and flags the fallback.
	PolicyWarn Policy = iota
	// PolicyRequire rejects requests without a valid project key.
	PolicyRequire
)

// ParsePolicy parses "warn" or "require".
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "warn":
		return PolicyWarn, nil
	case "require":
		return PolicyRequire, nil
	}
	return 0, fmt.Errorf("tenancy: unknown policy %q (want warn or require)", s)
}

func (p Policy) String() string {
	if p == PolicyRequire {
		return "require"
	}
	return "warn"
}

// Scope is a resolved project context. Every downstream operation is
// parameterized by a Scope; nothing reads an ambient project key.
type Scope struct {
	// ProjectKey is the effective project for this request.
	ProjectKey string
	// RequestedKey is what the caller supplied, possibly empty or unknown.
	RequestedKey string
	// Fallback is true when warn mode substituted the default project.
	// Surfaced so callers can detect silent substitution.
	Fallback bool
}

// Resolver applies the deployment's project-resolution policy.
type Resolver struct {
	catalog        *sql.DB
	policy         Policy
	defaultProject string
}

// NewResolver creates a Resolver. defaultProject is only consulted in warn
// mode.
func NewResolver(catalog *sql.DB, policy Policy, defaultProject string) *Resolver {
	return &Resolver{catalog: catalog, policy: policy, defaultProject: defaultProject}
}

// Resolve turns a caller-supplied project key into a Scope.
//
// Require mode: empty key → ErrMissingProjectContext; unregistered key →
// ErrUnknownProject; inactive project → ErrProjectInactive.
//
// Warn mode: empty or unknown keys resolve to the default project with
// Fallback set. An inactive project still fails — fallback never hides a
// deliberate deactivation.
func (r *Resolver) Resolve(ctx context.Context, requested string) (*Scope, error) {
	if requested == "" {
		if r.policy == PolicyRequire {
			return nil, ErrMissingProjectContext
		}
		return r.fallback(ctx, requested)
	}

	proj, err := GetProject(ctx, r.catalog, requested)
	if err != nil {
		if r.policy == PolicyRequire {
			return nil, err
		}
		return r.fallback(ctx, requested)
	}
	if !proj.Active {
		return nil, fmt.Errorf("%w: %s", ErrProjectInactive, requested)
	}
	return &Scope{ProjectKey: proj.Key, RequestedKey: requested}, nil
}

func (r *Resolver) fallback(ctx context.Context, requested string) (*Scope, error) {
	if r.defaultProject == "" {
		return nil, ErrMissingProjectContext
	}
	proj, err := GetProject(ctx, r.catalog, r.defaultProject)
	if err != nil {
		return nil, fmt.Errorf("tenancy: default project: %w", err)
	}
	if !proj.Active {
		return nil, fmt.Errorf("%w: default project %s", ErrProjectInactive, r.defaultProject)
	}
	return &Scope{ProjectKey: proj.Key, RequestedKey: requested, Fallback: true}, nil
}
