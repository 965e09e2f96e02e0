// Package policy implements first-match firewall rule evaluation for
// VM egress traffic: an ordered walk over domain, IP, and terminal
// rules with a default-deny fallthrough.
package policy

import (
	"log/slog"
	"net"

	"vmgate/internal/rulematch"
	"vmgate/internal/vm"
)

// Resolver looks up the IP address a hostname resolves to. It is
// satisfied by net.DefaultResolver in production and a stub in tests.
type Resolver interface {
	LookupHost(hostname string) (string, error)
}

// netResolver resolves via the standard library.
type netResolver struct{}

func (netResolver) LookupHost(hostname string) (string, error) {
	addrs, err := net.LookupHost(hostname)
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			return a, nil
		}
	}
	if len(addrs) > 0 {
		return addrs[0], nil
	}
	return "", err
}

// DefaultResolver is the production DNS resolver.
var DefaultResolver Resolver = netResolver{}

// Decision is the outcome of evaluating a rule list.
type Decision struct {
	Action      vm.Action
	RuleMatched string // e.g. "domain:*.example.com", "ip:10.0.0.0/8", "final", "default"
}

// Evaluator walks firewall rule lists to reach an ALLOW/DENY decision.
type Evaluator struct {
	resolver Resolver
}

// NewEvaluator creates an Evaluator using the given DNS resolver. A nil
// resolver falls back to DefaultResolver.
func NewEvaluator(resolver Resolver) *Evaluator {
	if resolver == nil {
		resolver = DefaultResolver
	}
	return &Evaluator{resolver: resolver}
}

// Evaluate walks rules in order against hostname. knownIP, if non-empty,
// is used directly for IP rules instead of triggering a DNS lookup; the
// lookup (when needed) happens lazily and at most once per call,
// regardless of how many IP rules follow.
//
// An empty rule list means "no policy configured" and allows everything.
// A rule list that falls through without a match denies by default.
func (e *Evaluator) Evaluate(rules []vm.Rule, hostname, knownIP string) Decision {
	if len(rules) == 0 {
		return Decision{Action: vm.Allow, RuleMatched: ""}
	}

	resolvedIP := knownIP
	resolveAttempted := knownIP != ""

	for _, rule := range rules {
		switch {
		case rule.IsTerminal():
			return Decision{Action: rule.Final, RuleMatched: "final"}

		case rule.IsDomain():
			if rulematch.MatchDomain(rule.Domain, hostname) {
				return Decision{Action: rule.ResolvedAction(), RuleMatched: "domain:" + rule.Domain}
			}

		case rule.IsIP():
			if !resolveAttempted {
				resolveAttempted = true
				ip, err := e.resolver.LookupHost(hostname)
				if err != nil {
					slog.Debug("dns resolution failed, ip rules will not match", "hostname", hostname, "error", err)
				} else {
					resolvedIP = ip
				}
			}
			if resolvedIP != "" && rulematch.MatchIP(rule.IP, resolvedIP) {
				return Decision{Action: rule.ResolvedAction(), RuleMatched: "ip:" + rule.IP}
			}
		}
	}

	return Decision{Action: vm.Deny, RuleMatched: "default"}
}
