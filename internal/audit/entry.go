package audit

// Mode names the filtering path an Entry was produced by.
type Mode string

const (
	ModeSNI  Mode = "sni"
	ModeMITM Mode = "mitm"
)

// Entry is one line of a per-run network audit log, written at most
// twice per flow: once at ClientHello in SNI-only mode, once at
// response completion in MITM mode.
type Entry struct {
	Timestamp   string `json:"timestamp"` // ISO-8601 UTC seconds
	Mode        Mode   `json:"mode"`
	Action      string `json:"action"` // "ALLOW" or "DENY"
	Host        string `json:"host"`
	Port        int    `json:"port"`
	RuleMatched string `json:"rule_matched"`

	// MITM-only fields, omitted in "sni" mode entries.
	Method       string `json:"method,omitempty"`
	Path         string `json:"path,omitempty"` // query string stripped
	URL          string `json:"url,omitempty"`
	Status       int    `json:"status,omitempty"`
	LatencyMs    int64  `json:"latency_ms,omitempty"`
	RequestSize  int64  `json:"request_size,omitempty"`
	ResponseSize int64  `json:"response_size,omitempty"`
}
