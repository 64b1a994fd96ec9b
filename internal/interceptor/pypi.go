package interceptor

import "github.com/safe-chain/safe-chain/internal/registry"

// NewPyPIInterceptor builds the pip ecosystem Interceptor. There is no
// metadata rewriter for PyPI — wheel and sdist downloads are checked
// against the oracle and otherwise streamed through untouched.
func NewPyPIInterceptor(oracle MalwareOracle) *Interceptor {
	return New(func(ctx *Context) {
		pkg, ok := registry.ParsePyPIURL(ctx.TargetURL())
		if !ok {
			return
		}
		if oracle.IsMalware(pkg.Name, pkg.Version) {
			ctx.BlockMalware(pkg.Name, pkg.Version)
		}
	})
}
