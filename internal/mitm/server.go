package mitm

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/safe-chain/safe-chain/internal/interceptor"
)

// Session runs MITM'd TLS connections: it terminates TLS with a
// just-in-time leaf certificate, replays HTTP requests upstream, and
// streams or buffers-and-rewrites the response according to the
// Interceptor the caller supplies per CONNECT.
type Session struct {
	certCache      *CertCache
	logger         *slog.Logger
	verbose        bool
	connectTimeout time.Duration
}

// SessionConfig configures a Session.
type SessionConfig struct {
	CA             *CA
	Logger         *slog.Logger
	Verbose        bool
	ConnectTimeout time.Duration
}

// NewSession builds a Session backed by a fresh leaf-certificate cache.
func NewSession(cfg SessionConfig) *Session {
	return &Session{
		certCache:      NewCertCache(cfg.CA),
		logger:         cfg.Logger,
		verbose:        cfg.Verbose,
		connectTimeout: cfg.ConnectTimeout,
	}
}

// Handle terminates TLS on an already-hijacked, already-acknowledged
// client connection (the "200 Connection Established" line has already
// been written) and proxies HTTP request-response cycles over it.
//
// host is the original CONNECT target ("registry.npmjs.org:443"). ic
// builds an interceptor.Handler per request; it is never nil — callers
// only reach Handle after the ecosystem router matched.
//
// This method takes ownership of clientConn and closes it when done.
func (s *Session) Handle(clientConn net.Conn, host, clientIP string, ic *interceptor.Interceptor) {
	defer func() { _ = clientConn.Close() }()

	domain := stripPort(host)
	start := time.Now()
	s.logger.Info("mitm session start", "domain", domain, "client", clientIP)

	leafCert, err := s.certCache.GetCert(domain)
	if err != nil {
		s.logger.Error("mitm leaf cert generation failed", "domain", domain, "client", clientIP, "error", err)
		return
	}

	clientTLS := tls.Server(clientConn, &tls.Config{
		Certificates: []tls.Certificate{*leafCert},
		MinVersion:   tls.VersionTLS12,
	})
	hsCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := clientTLS.HandshakeContext(hsCtx); err != nil {
		s.logger.Warn("mitm client TLS handshake failed", "domain", domain, "client", clientIP, "error", err)
		return
	}
	defer func() { _ = clientTLS.Close() }()

	upstreamConn, err := s.dialUpstream(host, domain)
	if err != nil {
		s.logger.Error("mitm upstream dial failed", "domain", domain, "upstream", host, "error", err)
		return
	}
	defer func() { _ = upstreamConn.Close() }()

	upstreamTLS := tls.Client(upstreamConn, &tls.Config{
		ServerName: domain,
		NextProtos: []string{"http/1.1"},
		MinVersion: tls.VersionTLS12,
	})
	upCtx, upCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer upCancel()
	if err := upstreamTLS.HandshakeContext(upCtx); err != nil {
		s.logger.Error("mitm upstream TLS handshake failed", "domain", domain, "client", clientIP, "error", err)
		return
	}
	defer func() { _ = upstreamTLS.Close() }()

	requests := s.requestLoop(clientTLS, upstreamTLS, domain, clientIP, ic)

	s.logger.Info("mitm session end",
		"domain", domain, "client", clientIP,
		"requests", requests, "duration_ms", time.Since(start).Milliseconds())
}

// dialUpstream connects to host, chaining through an outer forward proxy
// if the process environment configures one for https traffic (HTTPS_PROXY
// and NO_PROXY, consulted the same way net/http's own transport would via
// http.ProxyFromEnvironment). This lets safe-chain run behind a
// corporate proxy without the developer having to separately point the
// wrapped npm/pip invocation anywhere: the child only ever talks to
// safe-chain's own loopback proxy, and safe-chain relays upstream through
// whatever outer proxy its own environment names.
func (s *Session) dialUpstream(host, domain string) (net.Conn, error) {
	proxyURL, err := http.ProxyFromEnvironment(&http.Request{URL: &url.URL{Scheme: "https", Host: domain}})
	if err != nil {
		return nil, fmt.Errorf("resolve outer proxy for %s: %w", domain, err)
	}
	if proxyURL == nil {
		return net.DialTimeout("tcp", host, s.connectTimeout)
	}
	return s.dialThroughProxy(proxyURL, host)
}

// dialThroughProxy opens a TCP connection to proxyURL and issues an HTTP
// CONNECT for host, returning the tunneled connection once the proxy
// answers 200.
func (s *Session) dialThroughProxy(proxyURL *url.URL, host string) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", proxyURL.Host, s.connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial outer proxy %s: %w", proxyURL.Host, err)
	}

	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: host},
		Host:   host,
		Header: make(http.Header),
	}
	if user := proxyURL.User; user != nil {
		connectReq.Header.Set("Proxy-Authorization", "Basic "+basicAuth(user))
	}
	if err := connectReq.Write(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("write CONNECT to outer proxy %s: %w", proxyURL.Host, err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), connectReq)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read CONNECT response from outer proxy %s: %w", proxyURL.Host, err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_ = conn.Close()
		return nil, fmt.Errorf("outer proxy %s refused CONNECT to %s: %s", proxyURL.Host, host, resp.Status)
	}
	return conn, nil
}

func basicAuth(user *url.Userinfo) string {
	username := user.Username()
	password, _ := user.Password()
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}

// requestLoop reads HTTP requests from the client, consults ic for each
// one, and either writes a synthetic block response or replays the
// request upstream (streaming or buffer-and-rewrite per Handler.
// ModifiesResponse). Returns the number of request-response cycles
// completed.
func (s *Session) requestLoop(clientTLS, upstreamTLS *tls.Conn, domain, clientIP string, ic *interceptor.Interceptor) int {
	clientReader := bufio.NewReader(clientTLS)
	upstreamReader := bufio.NewReader(upstreamTLS)
	requests := 0

	for {
		req, err := http.ReadRequest(clientReader)
		if err != nil {
			if err != io.EOF && !isClosedConnErr(err) {
				s.logger.Debug("mitm client request read failed", "domain", domain, "client", clientIP, "error", err)
			}
			break
		}

		if !s.handleOne(clientTLS, upstreamTLS, upstreamReader, req, domain, clientIP, ic) {
			break
		}
		requests++
	}

	return requests
}

// handleOne services a single request-response cycle. It reports whether
// the connection should continue (false means the caller should stop the
// loop, e.g. on a write failure or Connection: close).
func (s *Session) handleOne(clientTLS *tls.Conn, upstreamTLS *tls.Conn, upstreamReader *bufio.Reader, req *http.Request, domain, clientIP string, ic *interceptor.Interceptor) bool {
	reqStart := time.Now()
	targetURL := "https://" + domain + req.URL.RequestURI()
	handler := ic.HandleRequest(targetURL)

	if block := handler.BlockResponse(); block != nil {
		s.logger.Info("mitm blocked", "domain", domain, "url", targetURL, "client", clientIP)
		if err := writeBlockResponse(clientTLS, block); err != nil && !isClosedConnErr(err) {
			s.logger.Warn("mitm block response write failed", "domain", domain, "error", err)
		}
		// The block response carries neither Content-Length nor chunked
		// framing (writeBlockResponse's wire contract is status-line plus
		// bare body), so the client can only tell it ended by the
		// connection closing — never keep this one alive regardless of
		// req.Close.
		return false
	}

	removeHopByHopHeaders(req.Header)
	handler.ModifyRequestHeaders(req.Header)
	if req.Host == "" {
		req.Host = domain
	}

	if err := req.Write(upstreamTLS); err != nil {
		s.logger.Error("mitm upstream request write failed", "domain", domain, "url", targetURL, "error", err)
		return false
	}

	resp, err := http.ReadResponse(upstreamReader, req)
	if err != nil {
		s.logger.Error("mitm upstream response read failed", "domain", domain, "url", targetURL, "error", err)
		return false
	}
	removeHopByHopHeaders(resp.Header)

	if handler.ModifiesResponse() {
		if !s.writeRewritten(clientTLS, resp, handler, domain, targetURL) {
			return false
		}
	} else {
		if err := resp.Write(clientTLS); err != nil {
			_ = resp.Body.Close()
			if !isClosedConnErr(err) {
				s.logger.Warn("mitm client response write failed", "domain", domain, "url", targetURL, "error", err)
			}
			return false
		}
		_ = resp.Body.Close()
	}

	if s.verbose {
		s.logger.Debug("mitm request",
			"domain", domain, "method", req.Method, "url", targetURL,
			"status", resp.StatusCode, "duration_ms", time.Since(reqStart).Milliseconds())
	}

	return !(resp.Close || req.Close)
}

// maxBufferSize bounds how much of an upstream body will be buffered for
// rewriting. Larger bodies stream through unmodified — nothing in this
// system's rewrite targets (npm packuments) is anywhere near this size.
const maxBufferSize = 10 * 1024 * 1024

// writeRewritten buffers resp's body (gunzipping if content-encoding is
// gzip), runs it through handler.ModifyBody, re-gzips if needed, and
// writes the result to clientTLS.
func (s *Session) writeRewritten(clientTLS *tls.Conn, resp *http.Response, handler *interceptor.Handler, domain, targetURL string) bool {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBufferSize+1))
	if err != nil {
		_ = resp.Body.Close()
		s.logger.Error("mitm response body read failed", "domain", domain, "url", targetURL, "error", err)
		return false
	}
	if int64(len(raw)) > maxBufferSize {
		s.logger.Warn("mitm response too large to rewrite, streaming unmodified", "domain", domain, "url", targetURL, "size", len(raw))
		rest := resp.Body
		defer func() { _ = rest.Close() }()
		resp.Body = io.NopCloser(io.MultiReader(bytes.NewReader(raw), rest))
		if err := resp.Write(clientTLS); err != nil {
			if !isClosedConnErr(err) {
				s.logger.Warn("mitm client response write failed", "domain", domain, "url", targetURL, "error", err)
			}
			return false
		}
		return true
	}
	_ = resp.Body.Close()

	gzipped := strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip")
	body := raw
	if gzipped {
		body, err = gunzip(raw)
		if err != nil {
			s.logger.Warn("mitm gzip decode failed, streaming unmodified", "domain", domain, "url", targetURL, "error", err)
			return s.writeBody(clientTLS, resp, raw)
		}
	}

	modified, err := handler.ModifyBody(body, resp.Header)
	if err != nil {
		s.logger.Error("mitm body rewrite failed, streaming unmodified", "domain", domain, "url", targetURL, "error", err)
		return s.writeBody(clientTLS, resp, raw)
	}

	out := modified
	if gzipped {
		out, err = gzipBytes(modified)
		if err != nil {
			s.logger.Error("mitm gzip re-encode failed, streaming unmodified", "domain", domain, "url", targetURL, "error", err)
			return s.writeBody(clientTLS, resp, raw)
		}
	}

	return s.writeBody(clientTLS, resp, out)
}

func (s *Session) writeBody(clientTLS *tls.Conn, resp *http.Response, body []byte) bool {
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	resp.Header.Del("Transfer-Encoding")

	if err := resp.Write(clientTLS); err != nil {
		if !isClosedConnErr(err) {
			s.logger.Warn("mitm client response write failed", "error", err)
		}
		return false
	}
	return true
}

func gunzip(body []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func gzipBytes(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeBlockResponse writes the synthetic block response verbatim, per
// the wire contract: the block reason is both the status line's reason
// phrase and the entire body.
func writeBlockResponse(w io.Writer, block *interceptor.BlockResponse) error {
	_, err := io.WriteString(w, "HTTP/1.1 "+strconv.Itoa(block.StatusCode)+" "+block.Message+"\r\n\r\n"+block.Message)
	return err
}

var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
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

func isClosedConnErr(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "use of closed network connection") ||
		strings.Contains(s, "connection reset by peer") ||
		strings.Contains(s, "broken pipe")
}

func stripPort(hostport string) string {
	if idx := strings.LastIndex(hostport, ":"); idx >= 0 {
		return hostport[:idx]
	}
	return hostport
}
