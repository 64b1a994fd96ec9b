package interceptor

import "strings"

// Ecosystem selects which package registry hostnames the router matches
// against. It is set once at startup by the wrapper binary.
type Ecosystem string

const (
	EcosystemNPM  Ecosystem = "js"
	EcosystemPyPI Ecosystem = "py"
)

var npmRegistryHosts = []string{
	"registry.npmjs.org",
	"registry.yarnpkg.com",
}

var pypiRegistryHosts = []string{
	"files.pythonhosted.org",
	"pypi.org",
	"pypi.python.org",
	"pythonhosted.org",
}

// Router dispatches a CONNECT host to the Interceptor configured for the
// active ecosystem, or nil when the host is not a recognized registry —
// the MITM server interprets nil as "blind-tunnel this CONNECT".
type Router struct {
	ecosystem Ecosystem
	npm       *Interceptor
	pypi      *Interceptor
}

// NewRouter builds a Router for the given ecosystem. Either interceptor
// may be nil if the caller has no use for it; Lookup simply never
// matches in that case.
func NewRouter(ecosystem Ecosystem, npm, pypi *Interceptor) *Router {
	return &Router{ecosystem: ecosystem, npm: npm, pypi: pypi}
}

// Lookup returns the Interceptor for host, or nil if host is not one of
// the registry hostnames for the active ecosystem.
func (r *Router) Lookup(host string) *Interceptor {
	host = strings.ToLower(stripPort(host))
	switch r.ecosystem {
	case EcosystemNPM:
		if matchesAny(host, npmRegistryHosts) {
			return r.npm
		}
	case EcosystemPyPI:
		if matchesAny(host, pypiRegistryHosts) {
			return r.pypi
		}
	}
	return nil
}

// Interceptors returns the non-nil interceptors configured on this
// Router, for callers that need to observe every interceptor's event
// stream regardless of routing (the proxy controller's blocked-request
// bookkeeping).
func (r *Router) Interceptors() []*Interceptor {
	var out []*Interceptor
	if r.npm != nil {
		out = append(out, r.npm)
	}
	if r.pypi != nil {
		out = append(out, r.pypi)
	}
	return out
}

func matchesAny(host string, candidates []string) bool {
	for _, c := range candidates {
		if host == c {
			return true
		}
	}
	return false
}

func stripPort(hostport string) string {
	if idx := strings.LastIndex(hostport, ":"); idx >= 0 {
		return hostport[:idx]
	}
	return hostport
}
