package httpphase

// Closed set of URL paths the worker recognizes (spec §4.C: "Static
// table: (method, path) -> handler"). internal/worker registers the
// handlers bound to these paths at startup, mirroring the teacher
// pack's closed dispatch-table idiom (a fixed array of (method, path,
// handler) entries) rather than an open, registrable routing table.
const (
	PathTunnel = "/CSCOSSLC/tunnel"
)
