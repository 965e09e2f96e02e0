package gateway

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"vmgate/internal/audit"
	"vmgate/internal/policy"
	"vmgate/internal/registry"
	"vmgate/internal/vm"
)

// trustedStorageSuffixes are hostname patterns whose presigned URL
// signatures do not survive rewriting: traffic to them always skips
// the rewrite even when the policy decision is ALLOW.
var trustedStorageSuffixes = []string{
	".s3.amazonaws.com",
	".r2.cloudflarestorage.com",
	".storage.googleapis.com",
}

func isTrustedStorageHost(host string) bool {
	host = strings.ToLower(host)
	if host == "s3.amazonaws.com" {
		return true
	}
	if strings.Contains(host, ".s3-") {
		return true
	}
	for _, suffix := range trustedStorageSuffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}

// RewriteConfig holds the Rewriter's static, per-deployment settings.
type RewriteConfig struct {
	APIURL      string // trusted upstream, e.g. "https://www.vm0.ai"
	BypassToken string // VERCEL_AUTOMATION_BYPASS_SECRET, optional
}

// Rewriter implements the MITM HTTP rewrite decision (C7): on ALLOW,
// in-flight requests to non-trusted-upstream hosts are redirected
// through the trusted rewriting endpoint; on DENY, a 403 is
// synthesized and the upstream is never contacted.
type Rewriter struct {
	registry  *registry.Cache
	evaluator *policy.Evaluator
	audit     *audit.Logger
	telemetry ResponseRecorder
	cfg       RewriteConfig

	mu     sync.Mutex
	flows  map[string]*FlowState
	tracker *FlowTracker
}

// ResponseRecorder is the subset of telemetry.Provider the rewriter
// needs; an interface here keeps gateway tests free of an OTel
// dependency.
type ResponseRecorder interface {
	RecordRewriteOutcome(runID, action string, statusCode int, latencyMs int64, err error)
}

// NewRewriter creates a Rewriter. telemetry may be nil.
func NewRewriter(cache *registry.Cache, evaluator *policy.Evaluator, logger *audit.Logger, telemetry ResponseRecorder, cfg RewriteConfig) *Rewriter {
	return &Rewriter{
		registry:  cache,
		evaluator: evaluator,
		audit:     logger,
		telemetry: telemetry,
		cfg:       cfg,
		flows:     map[string]*FlowState{},
		tracker:   NewFlowTracker(),
	}
}

// PrepareRequest implements the request phase (§4.7 steps 1-15). It
// either mutates req in place to target the rewriting endpoint and
// returns (nil, true) to let the caller forward it, or returns a
// synthesized response and false to signal the caller must not
// contact any upstream.
//
// flowID correlates this call with the eventual CompleteResponse or
// Abort call for the same request.
func (rw *Rewriter) PrepareRequest(flowID string, req *http.Request) (*http.Response, bool) {
	rw.tracker.Begin(flowID)

	clientIP := clientIPOf(req)
	if clientIP == "" {
		return nil, true // pass through
	}

	snapshot := rw.registry.Load()
	reg, ok := snapshot.Lookup(clientIP)
	if !ok {
		return nil, true // pass through
	}

	state := &FlowState{ClientIP: clientIP, RunID: reg.RunID, MITMEnabled: reg.MitmEnabled, LogPath: reg.NetworkLogPath}
	rw.storeFlow(flowID, state)

	hostname := strings.ToLower(req.URL.Hostname())
	trustedHost := upstreamHost(rw.cfg.APIURL)

	if trustedHost != "" && isHostOrSubdomain(hostname, trustedHost) {
		state.FirewallAction = string(vm.Allow)
		state.RuleMatched = "vm0-api"
		state.OriginalURL = originalURL(req)
		state.SkipRewrite = true
		return nil, true
	}

	decision := rw.evaluator.Evaluate(reg.FirewallRules, hostname, "")
	state.FirewallAction = string(decision.Action)
	state.RuleMatched = decision.RuleMatched

	if decision.Action == vm.Deny {
		return rw.denyResponse(), false
	}

	if rw.cfg.APIURL == "" {
		state.SkipRewrite = true
		return nil, true
	}

	if strings.HasPrefix(req.URL.String(), rw.cfg.APIURL) {
		state.SkipRewrite = true // loop prevention
		return nil, true
	}

	if isTrustedStorageHost(hostname) {
		state.SkipRewrite = true
		return nil, true
	}

	state.OriginalURL = originalURL(req)

	if !reg.MitmEnabled {
		// Defensive: §4.6 routing should never send a non-MITM VM here.
		return nil, true
	}

	rw.rewrite(req, reg, state.OriginalURL)
	return nil, true
}

// rewrite performs §4.7 steps 12-15: redirect to the trusted rewriting
// endpoint, preserving the caller's own Authorization header under a
// side channel.
func (rw *Rewriter) rewrite(req *http.Request, reg vm.Registration, originalURL string) {
	endpoint, err := url.Parse(rw.cfg.APIURL + "/api/webhooks/agent/proxy")
	if err != nil {
		slog.Error("gateway: invalid api_url, cannot rewrite", "api_url", rw.cfg.APIURL, "error", err)
		return
	}

	q := endpoint.Query()
	q.Set("url", originalURL)
	if reg.RunID != "" {
		q.Set("runId", reg.RunID)
	}
	endpoint.RawQuery = q.Encode()

	req.URL.Scheme = endpoint.Scheme
	req.URL.Host = endpoint.Host
	req.URL.Path = endpoint.Path
	req.URL.RawQuery = endpoint.RawQuery
	req.Host = endpoint.Host

	if orig := req.Header.Get("Authorization"); orig != "" {
		req.Header.Set("x-vm0-original-authorization", orig)
	}
	req.Header.Set("Authorization", "Bearer "+reg.SandboxToken)

	if rw.cfg.BypassToken != "" {
		req.Header.Set("x-vercel-protection-bypass", rw.cfg.BypassToken)
	}
}

func (rw *Rewriter) denyResponse() *http.Response {
	body := "Blocked by firewall"
	return &http.Response{
		StatusCode:    http.StatusForbidden,
		Status:        "403 Forbidden",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Body:          http.NoBody,
		ContentLength: int64(len(body)),
	}
}

// CompleteResponse implements the response phase (§4.7 post-steps): it
// computes latency, emits an audit entry when run id and log path are
// both known, and warns on status >= 400.
func (rw *Rewriter) CompleteResponse(flowID string, req *http.Request, statusCode int, requestSize, responseSize int64) {
	elapsed, hadStart := rw.tracker.End(flowID)
	state := rw.popFlow(flowID)
	if state == nil {
		return
	}

	latencyMs := int64(0)
	if hadStart {
		latencyMs = elapsed.Milliseconds()
	}

	if statusCode >= 400 {
		slog.Warn("gateway rewrite response status >= 400", "host", req.URL.Hostname(), "status", statusCode)
	}

	if rw.telemetry != nil {
		rw.telemetry.RecordRewriteOutcome(state.RunID, state.FirewallAction, statusCode, latencyMs, nil)
	}

	if state.RunID == "" || state.LogPath == "" {
		return
	}

	rw.audit.Append(state.LogPath, audit.Entry{
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Mode:         audit.ModeMITM,
		Action:       state.FirewallAction,
		Host:         req.URL.Hostname(),
		Port:         portOf(req.URL),
		RuleMatched:  state.RuleMatched,
		Method:       req.Method,
		Path:         req.URL.Path,
		URL:          state.OriginalURL,
		Status:       statusCode,
		LatencyMs:    latencyMs,
		RequestSize:  requestSize,
		ResponseSize: responseSize,
	})
}

// Abort implements the error phase: it pops the per-flow start
// timestamp to bound memory. No audit entry is emitted — the proxy
// lacks reliable status information for a connection that errored.
func (rw *Rewriter) Abort(flowID string) {
	rw.tracker.End(flowID)
	rw.popFlow(flowID)
}

func (rw *Rewriter) storeFlow(flowID string, state *FlowState) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	rw.flows[flowID] = state
}

func (rw *Rewriter) popFlow(flowID string) *FlowState {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	state := rw.flows[flowID]
	delete(rw.flows, flowID)
	return state
}

func clientIPOf(req *http.Request) string {
	host, _, err := splitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

func splitHostPort(addr string) (string, string, error) {
	if addr == "" {
		return "", "", fmt.Errorf("empty address")
	}
	if i := strings.LastIndex(addr, ":"); i >= 0 && !strings.Contains(addr[i+1:], "]") {
		return addr[:i], addr[i+1:], nil
	}
	return addr, "", nil
}

func portOf(u *url.URL) int {
	if p := u.Port(); p != "" {
		var port int
		fmt.Sscanf(p, "%d", &port)
		return port
	}
	if u.Scheme == "https" {
		return 443
	}
	return 80
}

// originalURL reconstructs scheme://host[:port]/path, query stripped,
// eliding the port when it is the scheme's default.
func originalURL(req *http.Request) string {
	scheme := "http"
	if req.TLS != nil || req.URL.Scheme == "https" {
		scheme = "https"
	}

	host := req.URL.Hostname()
	port := req.URL.Port()
	hostWithPort := host
	if port != "" {
		if (scheme == "https" && port != "443") || (scheme == "http" && port != "80") {
			hostWithPort = host + ":" + port
		}
	}

	return fmt.Sprintf("%s://%s%s", scheme, hostWithPort, req.URL.Path)
}
