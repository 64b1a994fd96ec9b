/*
Package proxy implements the forward-proxy listener the wrapped child
process is pointed at: an HTTP/HTTPS CONNECT proxy that blind-tunnels
anything outside the configured registries and hands recognized registry
CONNECTs off to the MITM session for inspection and rewriting.
*/
package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/safe-chain/safe-chain/internal/interceptor"
	"github.com/safe-chain/safe-chain/internal/mitm"
)

// BlockedRequest records one malwareBlocked event for the end-of-run
// summary.
type BlockedRequest struct {
	PackageName string
	Version     string
	URL         string
}

// Controller owns the listening socket, the MITM session used for
// recognized registry hosts, and the aggregate state (blocked requests,
// suppressed-versions flag) fed by the interceptors' event channels.
type Controller struct {
	logger         *slog.Logger
	verbose        bool
	connectTimeout time.Duration
	session        *mitm.Session

	httpServer *http.Server
	listener   net.Listener

	router    *interceptor.Router
	drainDone chan struct{}

	mu                    sync.Mutex
	blockedRequests       []BlockedRequest
	hasSuppressedVersions bool

	shutdownOnce sync.Once
}

// Config configures a Controller.
type Config struct {
	CA             *mitm.CA
	Logger         *slog.Logger
	Verbose        bool
	ConnectTimeout time.Duration
}

// New builds a Controller. The listener is not started until Start is
// called, and CONNECTs to registry hosts are blind-tunnelled until
// AttachRouter is called — construct the Controller first so its
// MarkSuppressed method can be wired into the packument rewriter before
// the router (which owns the rewriter-backed interceptor) is built.
func New(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	c := &Controller{
		logger:         cfg.Logger,
		verbose:        cfg.Verbose,
		connectTimeout: cfg.ConnectTimeout,
		session: mitm.NewSession(mitm.SessionConfig{
			CA:             cfg.CA,
			Logger:         cfg.Logger,
			Verbose:        cfg.Verbose,
			ConnectTimeout: cfg.ConnectTimeout,
		}),
	}
	return c
}

// AttachRouter wires the ecosystem router in and starts draining its
// interceptors' malwareBlocked event channels into the aggregate state.
func (c *Controller) AttachRouter(r *interceptor.Router) {
	c.router = r
	c.drainDone = make(chan struct{})
	for _, ic := range r.Interceptors() {
		go c.drainEvents(ic)
	}
}

func (c *Controller) drainEvents(ic *interceptor.Interceptor) {
	for {
		select {
		case ev, ok := <-ic.Events():
			if !ok {
				return
			}
			c.mu.Lock()
			c.blockedRequests = append(c.blockedRequests, BlockedRequest{
				PackageName: ev.PackageName,
				Version:     ev.Version,
				URL:         ev.TargetURL,
			})
			c.mu.Unlock()
			c.logger.Info("malware blocked", "package", ev.PackageName, "version", ev.Version, "url", ev.TargetURL)
		case <-c.drainDone:
			return
		}
	}
}

// MarkSuppressed sets the process-wide suppressed-versions flag. Pass
// this as the packument Rewriter's OnSuppressed callback.
func (c *Controller) MarkSuppressed() {
	c.mu.Lock()
	c.hasSuppressedVersions = true
	c.mu.Unlock()
}

// Start binds the listener to 127.0.0.1 on an OS-assigned port and
// begins serving in the background.
func (c *Controller) Start() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	c.listener = ln

	c.httpServer = &http.Server{
		Handler:           c,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := c.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			c.logger.Error("proxy serve failed", "error", err)
		}
	}()

	c.logger.Info("proxy listening", "addr", ln.Addr().String())
	return nil
}

// Port returns the OS-assigned listening port.
func (c *Controller) Port() int {
	return c.listener.Addr().(*net.TCPAddr).Port
}

// Stop closes the listener with a soft timeout; the shutdown is
// force-resolved if the timeout elapses so callers never block
// indefinitely on draining in-flight MITM sessions.
func (c *Controller) Stop() error {
	var err error
	c.shutdownOnce.Do(func() {
		if c.drainDone != nil {
			close(c.drainDone)
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		c.logger.Info("proxy shutting down")
		err = c.httpServer.Shutdown(ctx)
		if err != nil {
			_ = c.httpServer.Close()
		}
	})
	return err
}

// BlockedRequests returns a copy of the blocked-request list accumulated
// so far.
func (c *Controller) BlockedRequests() []BlockedRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]BlockedRequest, len(c.blockedRequests))
	copy(out, c.blockedRequests)
	return out
}

// VerifyNoMaliciousPackages reports whether no malware was blocked
// during this run.
func (c *Controller) VerifyNoMaliciousPackages() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.blockedRequests) == 0
}

// HasSuppressedVersions reports whether any packument rewrite suppressed
// at least one too-young version.
func (c *Controller) HasSuppressedVersions() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasSuppressedVersions
}

// ServeHTTP dispatches CONNECT tunnels and plain HTTP forward requests.
func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		c.handleConnect(w, r)
		return
	}
	c.handleHTTP(w, r)
}

// handleConnect either blind-tunnels the CONNECT (host not a recognized
// registry) or hands the hijacked connection off to the MITM session.
func (c *Controller) handleConnect(w http.ResponseWriter, r *http.Request) {
	var ic *interceptor.Interceptor
	if c.router != nil {
		ic = c.router.Lookup(r.Host)
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}

	if ic == nil {
		c.blindTunnel(w, r, hijacker)
		return
	}

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		http.Error(w, fmt.Sprintf("hijack error: %v", err), http.StatusInternalServerError)
		return
	}
	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		_ = clientConn.Close()
		return
	}

	clientIP := stripPort(r.RemoteAddr)
	go c.session.Handle(clientConn, r.Host, clientIP, ic)
}

// blindTunnel establishes a raw bidirectional TCP tunnel for CONNECTs
// that are not to a recognized registry host.
func (c *Controller) blindTunnel(w http.ResponseWriter, r *http.Request, hijacker http.Hijacker) {
	destConn, err := net.DialTimeout("tcp", r.Host, c.connectTimeout)
	if err != nil {
		http.Error(w, fmt.Sprintf("tunnel error: %v", err), http.StatusBadGateway)
		return
	}

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		_ = destConn.Close()
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		_ = destConn.Close()
		_ = clientConn.Close()
		return
	}

	go func() {
		defer func() { _ = destConn.Close() }()
		defer func() { _ = clientConn.Close() }()
		_, _ = io.Copy(destConn, clientConn)
	}()
	go func() {
		defer func() { _ = destConn.Close() }()
		defer func() { _ = clientConn.Close() }()
		_, _ = io.Copy(clientConn, destConn)
	}()
}

// handleHTTP forwards a plain (non-CONNECT) HTTP request to its
// destination. The wrapped package managers speak HTTPS to every
// registry, so this path mostly exists for completeness and for tools
// that probe the proxy directly over plain HTTP.
func (c *Controller) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Host == "" {
		http.Error(w, "missing host in request", http.StatusBadRequest)
		return
	}

	outReq := r.Clone(r.Context())
	outReq.RequestURI = ""
	removeHopByHopHeaders(outReq.Header)

	resp, err := http.DefaultTransport.RoundTrip(outReq)
	if err != nil {
		http.Error(w, fmt.Sprintf("proxy error: %v", err), http.StatusBadGateway)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	removeHopByHopHeaders(resp.Header)
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHopHeaders(h http.Header) {
	for _, hdr := range hopByHopHeaders {
		h.Del(hdr)
	}
}

func stripPort(hostport string) string {
	if idx := strings.LastIndex(hostport, ":"); idx >= 0 {
		return hostport[:idx]
	}
	return hostport
}
