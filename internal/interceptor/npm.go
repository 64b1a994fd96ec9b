package interceptor

import (
	"net/http"
	"strings"

	"github.com/safe-chain/safe-chain/internal/packument"
	"github.com/safe-chain/safe-chain/internal/registry"
)

// MalwareOracle answers whether a (name, version) pair is known-malicious.
// Defined here rather than imported from internal/oracle to keep this
// package's only dependency on the oracle an interface, not a concrete
// type — mirrors how the proxy controller depends on the Router, not on
// any specific registry backend.
type MalwareOracle interface {
	IsMalware(name, version string) bool
}

// NewNpmInterceptor builds the npm ecosystem Interceptor: tarball
// requests are checked against the oracle, packument (metadata) requests
// get the minimum-age rewriter installed as a body modifier plus the
// accept-header coercion as a request header modifier, and special
// endpoint requests ("/-/...") are left untouched.
func NewNpmInterceptor(oracle MalwareOracle, rewriter *packument.Rewriter) *Interceptor {
	return New(func(ctx *Context) {
		class, pkg := registry.ClassifyNpmURL(ctx.TargetURL())
		switch class {
		case registry.NpmTarball:
			if pkg == nil {
				return
			}
			if oracle.IsMalware(pkg.Name, pkg.Version) {
				ctx.BlockMalware(pkg.Name, pkg.Version)
			}
		case registry.NpmMetadata:
			ctx.ModifyRequestHeaders(coerceNpmAcceptHeader)
			ctx.ModifyBody(rewriter.Rewrite)
		case registry.NpmSpecial:
			// Opaque endpoint: search, dist-tags, access, ping, ... Not
			// our concern.
		}
	})
}

// coerceNpmAcceptHeader rewrites the compact packument media type to the
// full one before the request is replayed upstream — the compact form
// omits "time", which the age rewriter needs.
func coerceNpmAcceptHeader(h http.Header) {
	accept := h.Get("Accept")
	if strings.Contains(accept, "application/vnd.npm.install-v1+json") {
		h.Set("Accept", "application/json")
	}
}
