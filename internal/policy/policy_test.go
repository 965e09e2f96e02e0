package policy

import (
	"errors"
	"testing"

	"vmgate/internal/vm"
)

type stubResolver struct {
	ip  string
	err error
}

func (s stubResolver) LookupHost(string) (string, error) {
	return s.ip, s.err
}

func TestEvaluate_EmptyRuleListAllows(t *testing.T) {
	e := NewEvaluator(nil)
	d := e.Evaluate(nil, "anything.test", "")
	if d.Action != vm.Allow || d.RuleMatched != "" {
		t.Errorf("got %+v, want Allow with no rule matched", d)
	}
}

func TestEvaluate_DomainWildcardAllow(t *testing.T) {
	e := NewEvaluator(nil)
	rules := []vm.Rule{
		{Domain: "*.example.com", Action: vm.Allow},
		{Final: vm.Deny},
	}
	d := e.Evaluate(rules, "api.example.com", "")
	if d.Action != vm.Allow || d.RuleMatched != "domain:*.example.com" {
		t.Errorf("got %+v", d)
	}
}

func TestEvaluate_DefaultDenyOnFallthrough(t *testing.T) {
	e := NewEvaluator(nil)
	rules := []vm.Rule{
		{Domain: "*.example.com", Action: vm.Allow},
	}
	d := e.Evaluate(rules, "evil.test", "")
	if d.Action != vm.Deny || d.RuleMatched != "default" {
		t.Errorf("got %+v, want default deny", d)
	}
}

func TestEvaluate_TerminalRuleShortCircuits(t *testing.T) {
	e := NewEvaluator(stubResolver{err: errors.New("should never be consulted")})
	rules := []vm.Rule{
		{Domain: "unrelated.test", Action: vm.Deny},
		{IP: "10.0.0.0/8", Action: vm.Deny},
		{Final: vm.Allow},
		{Domain: "*", Action: vm.Deny},
	}
	d := e.Evaluate(rules, "anything.test", "")
	if d.Action != vm.Allow || d.RuleMatched != "final" {
		t.Errorf("got %+v, want terminal allow", d)
	}
}

func TestEvaluate_IPRuleWithKnownIP(t *testing.T) {
	e := NewEvaluator(stubResolver{err: errors.New("must not resolve when knownIP provided")})
	rules := []vm.Rule{
		{IP: "10.0.0.0/8", Action: vm.Allow},
	}
	d := e.Evaluate(rules, "host.test", "10.1.2.3")
	if d.Action != vm.Allow || d.RuleMatched != "ip:10.0.0.0/8" {
		t.Errorf("got %+v", d)
	}
}

func TestEvaluate_IPRuleResolvesOncePerEvaluation(t *testing.T) {
	e := NewEvaluator(stubResolver{ip: "10.5.5.5"})
	rules := []vm.Rule{
		{IP: "192.168.0.0/16", Action: vm.Deny}, // no match, triggers one resolve
		{IP: "10.0.0.0/8", Action: vm.Allow},    // reuses the same resolved IP
	}
	d := e.Evaluate(rules, "host.test", "")
	if d.Action != vm.Allow || d.RuleMatched != "ip:10.0.0.0/8" {
		t.Errorf("got %+v", d)
	}
}

func TestEvaluate_DNSFailureIsSilentMiss(t *testing.T) {
	e := NewEvaluator(stubResolver{err: errors.New("no such host")})
	rules := []vm.Rule{
		{IP: "10.0.0.0/8", Action: vm.Allow},
	}
	d := e.Evaluate(rules, "host.test", "")
	if d.Action != vm.Deny || d.RuleMatched != "default" {
		t.Errorf("got %+v, want silent miss falling through to default deny", d)
	}
}

func TestEvaluate_RuleActionDefaultsToDeny(t *testing.T) {
	e := NewEvaluator(nil)
	rules := []vm.Rule{
		{Domain: "example.com"}, // Action unset
	}
	d := e.Evaluate(rules, "example.com", "")
	if d.Action != vm.Deny {
		t.Errorf("got %+v, want deny when Action is unset", d)
	}
}
