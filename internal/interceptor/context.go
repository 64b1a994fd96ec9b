/*
Package interceptor implements the per-request interception framework:
a builder that accumulates header and body modifications (and an optional
block decision) across a chain of setup functions, producing an immutable
handler the MITM server applies to one request-response cycle.
*/
package interceptor

import "net/http"

// BlockResponse is written verbatim to the client in place of proxying
// the request upstream.
type BlockResponse struct {
	StatusCode int
	Message    string
}

// HeaderModifier mutates outgoing request headers before the request is
// replayed upstream.
type HeaderModifier func(h http.Header)

// BodyModifier mutates the accumulated response body. headers are the
// upstream response's headers; mutations performed here (e.g. deleting
// Etag) are reflected in what is finally sent to the client.
type BodyModifier func(body []byte, headers http.Header) ([]byte, error)

// Context is the mutable per-request builder. A fresh Context is created
// for every request; setup functions populate it before Build produces
// the immutable Handler the MITM server acts on.
type Context struct {
	targetURL     string
	blockResponse *BlockResponse
	headerMods    []HeaderModifier
	bodyMods      []BodyModifier
	onBlock       func(name, version string)
}

// TargetURL returns the full upstream URL this request is for.
func (c *Context) TargetURL() string {
	return c.targetURL
}

// BlockMalware marks the request to be answered with a synthetic 403 and
// emits a malwareBlocked event. The first call wins — subsequent calls
// within the same setup chain are no-ops, so the event fires exactly
// once per block decision.
func (c *Context) BlockMalware(name, version string) {
	if c.blockResponse != nil {
		return
	}
	c.blockResponse = &BlockResponse{
		StatusCode: http.StatusForbidden,
		Message:    "Forbidden - blocked by safe-chain",
	}
	if c.onBlock != nil {
		c.onBlock(name, version)
	}
}

// ModifyRequestHeaders appends fn to the ordered list of request header
// modifiers.
func (c *Context) ModifyRequestHeaders(fn HeaderModifier) {
	c.headerMods = append(c.headerMods, fn)
}

// ModifyBody appends fn to the ordered list of response body modifiers.
func (c *Context) ModifyBody(fn BodyModifier) {
	c.bodyMods = append(c.bodyMods, fn)
}

// Build produces the immutable Handler for this request.
func (c *Context) Build() *Handler {
	return &Handler{
		blockResponse: c.blockResponse,
		headerMods:    c.headerMods,
		bodyMods:      c.bodyMods,
	}
}
