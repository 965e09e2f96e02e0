// Package controlapi implements the gateway's read-only diagnostics
// surface: registry snapshot inspection and audit log queries, in the
// teacher's control-API handler style (bearer/API-key auth, JSON
// responses, a small internal http.ServeMux).
package controlapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"vmgate/internal/audit"
	"vmgate/internal/registry"
)

// Handler serves the gateway's control API.
type Handler struct {
	registry *registry.Cache
	mirror   *audit.SQLiteMirror // optional; nil disables /control/audit
	mux      *http.ServeMux

	authEnabled bool
	apiKey      string
}

// New creates a control API handler. mirror may be nil.
func New(cache *registry.Cache, mirror *audit.SQLiteMirror) *Handler {
	return NewWithAuth(cache, mirror, false, "")
}

// NewWithAuth creates a control API handler with Bearer/API-key
// authentication on its /control/* endpoints.
func NewWithAuth(cache *registry.Cache, mirror *audit.SQLiteMirror, authEnabled bool, apiKey string) *Handler {
	h := &Handler{
		registry:    cache,
		mirror:      mirror,
		mux:         http.NewServeMux(),
		authEnabled: authEnabled,
		apiKey:      apiKey,
	}

	h.mux.HandleFunc("/control/health", h.handleHealth)
	h.mux.HandleFunc("/control/registry", h.handleRegistry)
	h.mux.HandleFunc("/control/audit", h.handleAudit)

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	if h.authEnabled && strings.HasPrefix(r.URL.Path, "/control/") && r.URL.Path != "/control/health" {
		if !h.checkAuth(r) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="vmgate Control API"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error":   "unauthorized",
				"message": "Valid API key required. Use 'Authorization: Bearer <api_key>' header.",
			})
			return
		}
	}

	h.mux.ServeHTTP(w, r)
}

func (h *Handler) checkAuth(r *http.Request) bool {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		if strings.HasPrefix(authHeader, "Bearer ") {
			if strings.TrimPrefix(authHeader, "Bearer ") == h.apiKey {
				return true
			}
		} else if authHeader == h.apiKey {
			return true
		}
	}
	if apiKey := r.Header.Get("X-API-Key"); apiKey == h.apiKey {
		return true
	}
	return false
}

// handleHealth handles GET /control/health.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Timestamp: time.Now()})
}

// handleRegistry handles GET /control/registry: a view of the
// currently cached registry snapshot, without secrets.
func (h *Handler) handleRegistry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snapshot := h.registry.Load()
	resp := RegistryResponse{Total: len(snapshot.VMs), VMs: make([]VMInfo, 0, len(snapshot.VMs))}
	for ip, reg := range snapshot.VMs {
		resp.VMs = append(resp.VMs, VMInfo{
			IP:          ip,
			RunID:       reg.RunID,
			MitmEnabled: reg.MitmEnabled,
			RuleCount:   len(reg.FirewallRules),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAudit handles GET /control/audit?run_id=...&limit=..., serving
// the most recent audit entries for a run from the SQLite mirror.
func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.mirror == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "audit mirror not configured"})
		return
	}

	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "run_id is required"})
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := h.mirror.RecentByRunID(runID, limit)
	if err != nil {
		slog.Error("control api: audit query failed", "run_id", runID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "audit query failed"})
		return
	}

	writeJSON(w, http.StatusOK, AuditResponse{RunID: runID, Total: len(entries), Entries: entries})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("control api: failed to encode response", "error", err)
	}
}

// HealthResponse is the /control/health payload.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// RegistryResponse is the /control/registry payload.
type RegistryResponse struct {
	Total int      `json:"total"`
	VMs   []VMInfo `json:"vms"`
}

// VMInfo is a single VM's registry entry, with secrets omitted.
type VMInfo struct {
	IP          string `json:"ip"`
	RunID       string `json:"run_id"`
	MitmEnabled bool   `json:"mitm_enabled"`
	RuleCount   int    `json:"rule_count"`
}

// AuditResponse is the /control/audit payload.
type AuditResponse struct {
	RunID   string        `json:"run_id"`
	Total   int           `json:"total"`
	Entries []audit.Entry `json:"entries"`
}
