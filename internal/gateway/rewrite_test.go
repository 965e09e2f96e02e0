package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"vmgate/internal/audit"
	"vmgate/internal/policy"
	"vmgate/internal/redaction"
	"vmgate/internal/registry"
	"vmgate/internal/vm"
)

func newTestRewriter(t *testing.T, vms map[string]vm.Registration, cfg RewriteConfig) *Rewriter {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.json")
	data, err := json.Marshal(vm.RegistryFile{VMs: vms})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cache := registry.NewCache(path)
	evaluator := policy.NewEvaluator(nil)
	logger := audit.NewLogger(redaction.NewPatternRedactor())
	return NewRewriter(cache, evaluator, logger, nil, cfg)
}

func newReq(t *testing.T, remoteAddr, rawURL string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, rawURL, nil)
	req.RemoteAddr = remoteAddr
	return req
}

func TestRewriter_AllowedRequestRewrittenToAPIEndpoint(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "net.jsonl")
	rw := newTestRewriter(t, map[string]vm.Registration{
		"10.0.0.5": {
			RunID:          "run-1",
			SandboxToken:   "sbx-token",
			MitmEnabled:    true,
			NetworkLogPath: logPath,
			FirewallRules:  []vm.Rule{{Domain: "*.example.com", Action: vm.Allow}},
		},
	}, RewriteConfig{APIURL: "https://www.vm0.ai"})

	req := newReq(t, "10.0.0.5:9000", "https://api.example.com/v1/things")
	req.Header.Set("Authorization", "Bearer original-token")

	resp, forward := rw.PrepareRequest("flow-1", req)
	if resp != nil || !forward {
		t.Fatalf("expected request forwarded, got resp=%v forward=%v", resp, forward)
	}

	if req.URL.Host != "www.vm0.ai" || req.URL.Path != "/api/webhooks/agent/proxy" {
		t.Errorf("got rewritten url %s", req.URL.String())
	}
	if got := req.URL.Query().Get("url"); got != "https://api.example.com/v1/things" {
		t.Errorf("got url param %q", got)
	}
	if got := req.URL.Query().Get("runId"); got != "run-1" {
		t.Errorf("got runId param %q", got)
	}
	if got := req.Header.Get("x-vm0-original-authorization"); got != "Bearer original-token" {
		t.Errorf("expected original authorization preserved, got %q", got)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer sbx-token" {
		t.Errorf("expected sandbox token auth, got %q", got)
	}

	rw.CompleteResponse("flow-1", req, 200, 10, 20)

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	var entry audit.Entry
	if err := json.Unmarshal(data[:len(data)-1], &entry); err != nil {
		t.Fatalf("unmarshal audit entry: %v", err)
	}
	if entry.Mode != audit.ModeMITM || entry.Action != string(vm.Allow) || entry.Status != 200 {
		t.Errorf("got entry %+v", entry)
	}
}

func TestRewriter_DeniedRequestSynthesizes403(t *testing.T) {
	rw := newTestRewriter(t, map[string]vm.Registration{
		"10.0.0.5": {
			RunID:         "run-1",
			MitmEnabled:   true,
			FirewallRules: []vm.Rule{{Domain: "*.example.com", Action: vm.Allow}},
		},
	}, RewriteConfig{APIURL: "https://www.vm0.ai"})

	req := newReq(t, "10.0.0.5:9000", "https://evil.net/steal")

	resp, forward := rw.PrepareRequest("flow-2", req)
	if forward {
		t.Fatalf("expected DENY to not be forwarded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected synthesized 403, got %+v", resp)
	}
}

func TestRewriter_S3HostSkipsRewrite(t *testing.T) {
	rw := newTestRewriter(t, map[string]vm.Registration{
		"10.0.0.5": {RunID: "run-1", MitmEnabled: true},
	}, RewriteConfig{APIURL: "https://www.vm0.ai"})

	req := newReq(t, "10.0.0.5:9000", "https://my-bucket.s3.amazonaws.com/object.bin")
	originalHost := req.URL.Host

	resp, forward := rw.PrepareRequest("flow-3", req)
	if resp != nil || !forward {
		t.Fatalf("expected pass-through forward")
	}
	if req.URL.Host != originalHost {
		t.Errorf("expected s3 host untouched, got %s", req.URL.Host)
	}
}

func TestRewriter_UnregisteredClientPassesThrough(t *testing.T) {
	rw := newTestRewriter(t, nil, RewriteConfig{APIURL: "https://www.vm0.ai"})
	req := newReq(t, "10.0.0.9:9000", "https://example.com/")
	originalHost := req.URL.Host

	resp, forward := rw.PrepareRequest("flow-4", req)
	if resp != nil || !forward {
		t.Fatalf("expected pass-through forward")
	}
	if req.URL.Host != originalHost {
		t.Errorf("expected host untouched for unregistered client")
	}
}

func TestRewriter_LoopPreventionSkipsAlreadyRewrittenRequest(t *testing.T) {
	rw := newTestRewriter(t, map[string]vm.Registration{
		"10.0.0.5": {RunID: "run-1", MitmEnabled: true},
	}, RewriteConfig{APIURL: "https://www.vm0.ai"})

	req := newReq(t, "10.0.0.5:9000", "https://www.vm0.ai/api/webhooks/agent/proxy?url=foo")
	originalHost := req.URL.Host

	resp, forward := rw.PrepareRequest("flow-5", req)
	if resp != nil || !forward {
		t.Fatalf("expected pass-through forward")
	}
	if req.URL.Host != originalHost {
		t.Errorf("expected already-rewritten request left untouched")
	}
}

func TestRewriter_AbortFreesFlowWithoutAuditEntry(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "net.jsonl")
	rw := newTestRewriter(t, map[string]vm.Registration{
		"10.0.0.5": {RunID: "run-1", MitmEnabled: true, NetworkLogPath: logPath},
	}, RewriteConfig{APIURL: "https://www.vm0.ai"})

	req := newReq(t, "10.0.0.5:9000", "https://api.example.com/")
	rw.PrepareRequest("flow-6", req)
	rw.Abort("flow-6")

	if rw.tracker.Len() != 0 {
		t.Errorf("expected flow tracker cleared after abort")
	}
	if _, err := os.Stat(logPath); err == nil {
		t.Errorf("expected no audit log written on abort")
	}
}
