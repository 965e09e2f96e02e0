package gateway

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"net/http/httputil"
	"sync"
	"time"

	"github.com/google/uuid"

	"vmgate/internal/audit"
	"vmgate/internal/policy"
	"vmgate/internal/registry"
	"vmgate/internal/telemetry"
)

// Gateway is the connection-level entrypoint that ties the ClientHello
// filter (C6) to the HTTP rewriter (C7): it peeks each inbound TLS
// ClientHello's SNI without completing a handshake, then either
// splices the raw connection through to the real destination untouched
// or terminates TLS here and serves HTTP traffic through the rewriter.
type Gateway struct {
	sniFilter *ClientHelloFilter
	rewriter  *Rewriter
	certs     *certCache
	dialer    net.Dialer
}

// NewGateway wires a Gateway from its shared dependencies. tp may be
// nil to disable telemetry.
func NewGateway(cache *registry.Cache, evaluator *policy.Evaluator, logger *audit.Logger, tp *telemetry.Provider, cfg RewriteConfig) *Gateway {
	var recorder ResponseRecorder
	if tp != nil {
		recorder = tp
	}
	return &Gateway{
		sniFilter: NewClientHelloFilter(cache, evaluator, logger, cfg.APIURL),
		rewriter:  NewRewriter(cache, evaluator, logger, recorder, cfg),
		certs:     newCertCache(),
	}
}

// Serve accepts connections from ln until it is closed or an
// unrecoverable accept error occurs.
func (g *Gateway) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go g.handleConn(conn)
	}
}

// handleConn implements the C6/C7 connection split. It always takes
// ownership of conn and is responsible for closing it on every path.
func (g *Gateway) handleConn(conn net.Conn) {
	clientIP, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		clientIP = conn.RemoteAddr().String()
	}

	sni, buffered, err := peekClientHelloSNI(conn)
	if err != nil {
		slog.Warn("gateway: could not peek ClientHello", "remote", conn.RemoteAddr(), "error", err)
		conn.Close()
		return
	}

	decision := g.sniFilter.Decide(clientIP, sni)
	replay := newReplayConn(conn, buffered)

	if decision.IgnoreConnection {
		g.splice(replay, sni)
		return
	}

	// Not ignored: continue toward a full TLS termination. A VM that
	// was routed here because it lacks the MITM trust anchor fails at
	// the handshake below; this is the covert-deny mechanism, not an
	// explicit rejection.
	g.terminateAndRewrite(replay, sni)
}

// splice copies bytes between conn and the real destination untouched,
// for VMs the filter chose not to inspect.
func (g *Gateway) splice(conn net.Conn, sni string) {
	defer conn.Close()
	if sni == "" {
		return
	}

	upstream, err := g.dialer.Dial("tcp", net.JoinHostPort(sni, "443"))
	if err != nil {
		slog.Warn("gateway: splice dial failed", "host", sni, "error", err)
		return
	}
	defer upstream.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); io.Copy(upstream, conn) }()
	go func() { defer wg.Done(); io.Copy(conn, upstream) }()
	wg.Wait()
}

// terminateAndRewrite performs a real TLS handshake using a per-SNI
// self-signed certificate, then serves one connection's worth of HTTP
// requests through the rewriter via a ReverseProxy.
func (g *Gateway) terminateAndRewrite(conn net.Conn, sni string) {
	cert, err := g.certs.certFor(sni)
	if err != nil {
		slog.Error("gateway: cert generation failed", "host", sni, "error", err)
		conn.Close()
		return
	}

	tlsConn := tls.Server(conn, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})

	srv := &http.Server{Handler: g.reverseProxy()}
	_ = srv.Serve(newSingleConnListener(tlsConn))
}

// reverseProxy builds the ReverseProxy used to serve a terminated MITM
// connection; the request/response bookkeeping lives in rewriteTransport
// so it composes with net/http/httputil's own body-copying and
// connection-reuse behavior rather than duplicating it.
func (g *Gateway) reverseProxy() *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			if req.URL.Scheme == "" {
				req.URL.Scheme = "https"
			}
			if req.URL.Host == "" {
				req.URL.Host = req.Host
			}
		},
		Transport: &rewriteTransport{rewriter: g.rewriter, next: http.DefaultTransport},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			slog.Warn("gateway: upstream round trip failed", "host", r.URL.Host, "error", err)
			w.WriteHeader(http.StatusBadGateway)
		},
	}
}

// rewriteTransport drives the Rewriter's request/response/error phases
// around a single round trip, so the ReverseProxy's body streaming and
// connection pooling stay untouched.
type rewriteTransport struct {
	rewriter *Rewriter
	next     http.RoundTripper
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	flowID := uuid.NewString()

	if resp, forward := t.rewriter.PrepareRequest(flowID, req); !forward {
		return resp, nil
	}

	resp, err := t.next.RoundTrip(req)
	if err != nil {
		t.rewriter.Abort(flowID)
		return nil, err
	}

	t.rewriter.CompleteResponse(flowID, req, resp.StatusCode, req.ContentLength, resp.ContentLength)
	return resp, nil
}

// certCache hands out per-hostname self-signed certificates for MITM
// termination, generating each lazily and caching it for the life of
// the process.
type certCache struct {
	mu    sync.Mutex
	certs map[string]tls.Certificate
}

func newCertCache() *certCache {
	return &certCache{certs: map[string]tls.Certificate{}}
}

func (c *certCache) certFor(host string) (tls.Certificate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cert, ok := c.certs[host]; ok {
		return cert, nil
	}

	cert, err := generateSelfSignedCert(host)
	if err != nil {
		return tls.Certificate{}, err
	}
	c.certs[host] = cert
	return cert, nil
}

// generateSelfSignedCert creates a self-signed certificate for host,
// valid for MITM termination of that single name.
func generateSelfSignedCert(host string) (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			Organization: []string{"vmgate MITM"},
			CommonName:   host,
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{host},
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{derBytes},
		PrivateKey:  priv,
	}, nil
}

// errAbortAfterClientHello is returned from GetConfigForClient to stop
// the handshake immediately after the ClientHello is parsed, without
// ever presenting a certificate.
var errAbortAfterClientHello = errors.New("gateway: aborting handshake after ClientHello peek")

// peekClientHelloSNI reads just enough of conn to parse the TLS
// ClientHello's SNI extension, using a throwaway tls.Server handshake
// that aborts itself via GetConfigForClient before any certificate is
// sent. The bytes consumed during that aborted handshake are returned
// so the real handshake (or raw splice) can replay them.
func peekClientHelloSNI(conn net.Conn) (sni string, buffered []byte, err error) {
	rec := &recordingConn{Conn: conn}

	cfg := &tls.Config{
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			sni = hello.ServerName
			return nil, errAbortAfterClientHello
		},
	}

	handshakeErr := tls.Server(rec, cfg).Handshake()
	if handshakeErr == nil || !errors.Is(handshakeErr, errAbortAfterClientHello) {
		// A non-TLS client, or one that closed before sending a
		// ClientHello, still yields whatever bytes it did send so a
		// caller could fall back to raw passthrough; sni stays empty.
		return sni, rec.buf.Bytes(), nil
	}

	return sni, rec.buf.Bytes(), nil
}

// recordingConn tees every byte read from the underlying connection
// into buf, so a caller that consumes bytes during an aborted
// handshake can replay them afterward.
type recordingConn struct {
	net.Conn
	buf bytes.Buffer
}

func (c *recordingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.buf.Write(p[:n])
	}
	return n, err
}

// Write is a no-op: the peek handshake must never actually write a
// ServerHello or certificate to the client.
func (c *recordingConn) Write(p []byte) (int, error) {
	return len(p), nil
}

// newReplayConn wraps conn so that buffered bytes (already consumed
// off the wire during SNI peeking) are read first, followed by
// whatever remains of the live connection.
func newReplayConn(conn net.Conn, buffered []byte) net.Conn {
	if len(buffered) == 0 {
		return conn
	}
	return &replayConn{Conn: conn, r: io.MultiReader(bytes.NewReader(buffered), conn)}
}

type replayConn struct {
	net.Conn
	r io.Reader
}

func (c *replayConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// singleConnListener adapts one already-established net.Conn to the
// net.Listener interface so it can be handed to an *http.Server, which
// expects to Accept connections rather than be given one directly.
type singleConnListener struct {
	conn     net.Conn
	accepted bool
	closed   chan struct{}
	mu       sync.Mutex
}

func newSingleConnListener(conn net.Conn) *singleConnListener {
	return &singleConnListener{conn: conn, closed: make(chan struct{})}
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	if l.accepted {
		l.mu.Unlock()
		<-l.closed
		return nil, net.ErrClosed
	}
	l.accepted = true
	l.mu.Unlock()
	return &closeNotifyConn{Conn: l.conn, notify: l.Close}, nil
}

func (l *singleConnListener) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return nil
}

func (l *singleConnListener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// closeNotifyConn calls notify once when the connection is closed, so
// singleConnListener can unblock its pending second Accept and let
// http.Server's Serve loop return once the one real connection ends.
type closeNotifyConn struct {
	net.Conn
	once   sync.Once
	notify func() error
}

func (c *closeNotifyConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() { c.notify() })
	return err
}
