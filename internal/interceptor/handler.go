package interceptor

import "net/http"

// Handler is the immutable result of building a Context. The MITM server
// consults it once per request: a non-nil BlockResponse short-circuits
// the request; otherwise request headers are modified in registration
// order before replay, and if ModifiesResponse is true the response body
// is buffered and run through the body modifiers in registration order.
type Handler struct {
	blockResponse *BlockResponse
	headerMods    []HeaderModifier
	bodyMods      []BodyModifier
}

// BlockResponse returns the block decision, or nil if the request should
// be allowed through.
func (h *Handler) BlockResponse() *BlockResponse {
	return h.blockResponse
}

// ModifyRequestHeaders applies all registered header modifiers, in
// registration order, to h.
func (h *Handler) ModifyRequestHeaders(headers http.Header) {
	for _, fn := range h.headerMods {
		fn(headers)
	}
}

// ModifiesResponse reports whether the response body must be buffered
// for rewriting rather than streamed straight through.
func (h *Handler) ModifiesResponse() bool {
	return len(h.bodyMods) > 0
}

// ModifyBody applies all registered body modifiers, in registration
// order, over the accumulated response body. The first modifier to
// return an error stops the chain; the MITM server logs it and sends the
// original upstream body unmodified.
func (h *Handler) ModifyBody(body []byte, headers http.Header) ([]byte, error) {
	var err error
	for _, fn := range h.bodyMods {
		body, err = fn(body, headers)
		if err != nil {
			return body, err
		}
	}
	return body, nil
}
