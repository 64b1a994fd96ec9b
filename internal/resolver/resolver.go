/*
Package resolver defines the boundary between safe-chain and the
per-package-manager logic that figures out what a given invocation would
actually change on disk. safe-chain only consumes the resulting
audit.PackageChange list — it does not itself resolve dependency graphs,
talk to lockfiles, or understand any package manager's install
algorithm.
*/
package resolver

import (
	"context"

	"github.com/safe-chain/safe-chain/internal/audit"
)

// DependencyResolver recognizes commands for one ecosystem and reports
// the package changes they would make, without executing them.
type DependencyResolver interface {
	// IsSupportedCommand reports whether argv is a command this resolver
	// knows how to reason about ahead of execution.
	IsSupportedCommand(argv []string) bool

	// GetDependencyUpdatesForCommand returns the changes argv would make
	// if run. Implementations must not mutate any on-disk state.
	GetDependencyUpdatesForCommand(ctx context.Context, argv []string) ([]audit.PackageChange, error)
}

// Registry dispatches argv to the first resolver that claims it.
type Registry struct {
	resolvers []DependencyResolver
}

// NewRegistry builds a Registry from an ordered list of resolvers. The
// first resolver whose IsSupportedCommand returns true wins.
func NewRegistry(resolvers ...DependencyResolver) *Registry {
	return &Registry{resolvers: resolvers}
}

// Resolve finds a resolver for argv and returns its predicted changes. It
// returns (nil, nil, false) when no resolver claims the command — callers
// should treat that as "nothing to pre-scan", not an error.
func (r *Registry) Resolve(ctx context.Context, argv []string) ([]audit.PackageChange, bool, error) {
	for _, res := range r.resolvers {
		if !res.IsSupportedCommand(argv) {
			continue
		}
		changes, err := res.GetDependencyUpdatesForCommand(ctx, argv)
		if err != nil {
			return nil, true, err
		}
		return changes, true, nil
	}
	return nil, false, nil
}
