// Package httpphase implements the HTTP control phase described in
// spec components B and C: an incremental HTTP/1.x parser fed from the
// TLS byte stream, a closed (method, path) dispatch table, and the
// per-connection request budget.
package httpphase

import (
	"github.com/anyconnectd/worker/internal/external"
)

// Method is the closed set of methods the worker distinguishes.
type Method int

const (
	MethodOther Method = iota
	MethodGet
	MethodPost
	MethodConnect
)

func (m Method) String() string {
	switch m {
	case MethodGet:
		return "GET"
	case MethodPost:
		return "POST"
	case MethodConnect:
		return "CONNECT"
	default:
		return "OTHER"
	}
}

// maxURLLen bounds the request-line path; a path at exactly this length
// is rejected (spec §8 boundary: "URL at exactly the buffer limit is
// rejected; one below is accepted").
const maxURLLen = 2048

// maxHostnameLen bounds X-CSTP-Hostname. The C original's guard
// (`length >- MAX_HOSTNAME_SIZE`) is a typo for `>=`; this bound check
// applies the intended `>=` comparison (spec §9 Open Questions).
const maxHostnameLen = 256

// Request is the per-request record described in spec §3: URL, method,
// the handful of recognized headers, and parser progress flags. Only
// headers named in spec §4.B are retained; everything else is parsed
// and discarded by the textproto reader.
type Request struct {
	Method      Method
	URL         string
	HTTPMinor   int // 0 for HTTP/1.0, 1 for HTTP/1.1
	HeadersDone bool
	BodyDone    bool
	Body        []byte

	Cookie          [external.CookieSize]byte
	CookieSet       bool
	MasterSecret    [external.TLSMasterSize]byte
	MasterSecretSet bool
	DTLSMTU         int
	CSTPMTU         int
	Hostname        string

	invalid bool
}

// Invalid reports whether the request was malformed in a way that
// requires it be rejected outright (oversized URL, oversized header)
// rather than merely missing an optional field.
func (r *Request) Invalid() bool { return r.invalid }

// header name constants, compared case-insensitively via
// textproto.MIMEHeader's canonical form.
const (
	headerCookie       = "Cookie"
	headerDTLSMaster   = "X-Dtls-Master-Secret"
	headerDTLSMTU      = "X-Dtls-Mtu"
	headerCSTPMTU      = "X-Cstp-Mtu"
	headerCSTPHostname = "X-Cstp-Hostname"
)
