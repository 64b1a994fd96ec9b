package resolver

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/safe-chain/safe-chain/internal/audit"
)

// npmInstallVerbs are the npm/pnpm/yarn subcommands that add or change
// packages in a way worth pre-scanning. "remove"/"uninstall" are
// intentionally absent — removals never reach the oracle.
var npmInstallVerbs = map[string]bool{
	"install": true,
	"i":       true,
	"add":     true,
}

// NpmResolver recognizes explicit "npm install <pkg>[@version] ..."-style
// invocations and reports the packages named on the command line as
// additions. It does not resolve transitive dependencies or consult any
// lockfile — full dependency-graph resolution is out of scope; only the
// resulting PackageChange shape matters to the rest of safe-chain.
type NpmResolver struct{}

// NewNpmResolver returns an NpmResolver.
func NewNpmResolver() *NpmResolver {
	return &NpmResolver{}
}

// IsSupportedCommand reports whether argv looks like an npm/pnpm/yarn
// install-family invocation naming at least one explicit package.
func (NpmResolver) IsSupportedCommand(argv []string) bool {
	if len(argv) < 2 {
		return false
	}
	switch filepath.Base(argv[0]) {
	case "npm", "pnpm", "yarn":
	default:
		return false
	}
	if !npmInstallVerbs[argv[1]] {
		return false
	}
	for _, arg := range argv[2:] {
		if !strings.HasPrefix(arg, "-") {
			return true
		}
	}
	return false
}

// GetDependencyUpdatesForCommand parses each explicit package argument
// into a PackageChange. Bare package names (no lockfile resolution) are
// reported with an empty Version — the audit oracle treats an empty
// version as "no known pin to check" and allows it, matching npm's own
// behavior of resolving the version at install time.
func (NpmResolver) GetDependencyUpdatesForCommand(_ context.Context, argv []string) ([]audit.PackageChange, error) {
	var changes []audit.PackageChange

	for _, arg := range argv[2:] {
		if strings.HasPrefix(arg, "-") {
			continue
		}
		name, version := splitNameVersion(arg)
		changes = append(changes, audit.PackageChange{
			Name:    name,
			Version: version,
			Type:    audit.ChangeAdd,
		})
	}

	return changes, nil
}

// splitNameVersion splits "name@version" or scoped "@scope/name@version"
// specs. A bare name (or scoped name with no version) yields an empty
// version.
func splitNameVersion(spec string) (name, version string) {
	scoped := strings.HasPrefix(spec, "@")
	rest := spec
	if scoped {
		rest = spec[1:]
	}

	idx := strings.LastIndex(rest, "@")
	if idx < 0 {
		return spec, ""
	}

	name = rest[:idx]
	version = rest[idx+1:]
	if scoped {
		name = "@" + name
	}
	return name, version
}
