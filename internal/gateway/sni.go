package gateway

import (
	"strings"
	"time"

	"vmgate/internal/audit"
	"vmgate/internal/policy"
	"vmgate/internal/registry"
	"vmgate/internal/vm"
)

// ClientHelloFilter implements the pre-handshake SNI policy (C6): it
// never touches handshake bytes itself, it only decides whether the
// caller should tunnel the connection untouched (IgnoreConnection) or
// continue toward a full TLS termination that will fail for any VM
// lacking the MITM trust anchor.
type ClientHelloFilter struct {
	registry  *registry.Cache
	evaluator *policy.Evaluator
	audit     *audit.Logger
	apiURL    string
}

// NewClientHelloFilter creates a filter. apiURL is the configured
// trusted-upstream URL (e.g. "https://www.vm0.ai"); SNI-only VMs are
// allowed to reach its host and subdomains without consulting rules.
func NewClientHelloFilter(cache *registry.Cache, evaluator *policy.Evaluator, logger *audit.Logger, apiURL string) *ClientHelloFilter {
	return &ClientHelloFilter{registry: cache, evaluator: evaluator, audit: logger, apiURL: apiURL}
}

// ClientHelloDecision is the outcome of filtering one ClientHello.
type ClientHelloDecision struct {
	IgnoreConnection bool
	Action           vm.Action
	RuleMatched      string
}

// Decide implements the §4.6 decision procedure. clientIP identifies
// the connecting VM; sni is the ClientHello's declared server name,
// possibly empty.
func (f *ClientHelloFilter) Decide(clientIP, sni string) ClientHelloDecision {
	if clientIP == "" {
		return ClientHelloDecision{IgnoreConnection: true}
	}

	snapshot := f.registry.Load()
	reg, ok := snapshot.Lookup(clientIP)
	if !ok {
		// Non-registered peer: tunnel through untouched. The gateway
		// may be positioned to intercept traffic it isn't configured
		// to inspect.
		return ClientHelloDecision{IgnoreConnection: true}
	}

	if reg.MitmEnabled {
		// C7 owns the decision once the handshake completes.
		return ClientHelloDecision{}
	}

	trustedHost := upstreamHost(f.apiURL)
	if trustedHost != "" && isHostOrSubdomain(sni, trustedHost) {
		f.logDecision(reg, sni, vm.Allow, "vm0-api")
		return ClientHelloDecision{IgnoreConnection: true, Action: vm.Allow, RuleMatched: "vm0-api"}
	}

	if sni == "" {
		// Deliberate covert deny: the proxy proceeds toward MITM,
		// which fails at certificate validation on SNI-only VMs that
		// never received the MITM CA.
		f.logDecision(reg, sni, vm.Deny, "no-sni")
		return ClientHelloDecision{Action: vm.Deny, RuleMatched: "no-sni"}
	}

	decision := f.evaluator.Evaluate(reg.FirewallRules, sni, "")
	f.logDecision(reg, sni, decision.Action, decision.RuleMatched)

	return ClientHelloDecision{
		IgnoreConnection: decision.Action == vm.Allow,
		Action:           decision.Action,
		RuleMatched:      decision.RuleMatched,
	}
}

func (f *ClientHelloFilter) logDecision(reg vm.Registration, sni string, action vm.Action, ruleMatched string) {
	f.audit.Append(reg.NetworkLogPath, audit.Entry{
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Mode:        audit.ModeSNI,
		Action:      string(action),
		Host:        sni,
		Port:        443,
		RuleMatched: ruleMatched,
	})
}

// upstreamHost extracts the bare host from a URL like
// "https://www.vm0.ai", lowercased, with no scheme or port.
func upstreamHost(apiURL string) string {
	h := apiURL
	if i := strings.Index(h, "://"); i >= 0 {
		h = h[i+3:]
	}
	if i := strings.IndexAny(h, "/:"); i >= 0 {
		h = h[:i]
	}
	return strings.ToLower(h)
}

// isHostOrSubdomain reports whether host equals trustedHost or is a
// subdomain of it.
func isHostOrSubdomain(host, trustedHost string) bool {
	if host == "" || trustedHost == "" {
		return false
	}
	host = strings.ToLower(host)
	return host == trustedHost || strings.HasSuffix(host, "."+trustedHost)
}
