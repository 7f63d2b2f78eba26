package httpphase

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/anyconnectd/worker/internal/external"
)

// Errors surfaced by ParseRequest. internal/worker treats any error
// from ParseRequest as fatal for the connection.
var (
	ErrMalformedRequestLine = errors.New("httpphase: malformed request line")
	ErrUnsupportedVersion   = errors.New("httpphase: unsupported HTTP version")
	ErrURLTooLong           = errors.New("httpphase: request URL exceeds limit")
	ErrHeaderOverrun        = errors.New("httpphase: header value exceeds destination buffer")
	ErrConnectionClosed     = errors.New("httpphase: peer closed connection")
)

// ParseRequest reads one HTTP/1.x request from r: the request line, all
// headers, and — for POST — the body, sized by Content-Length. The
// parser refuses rather than truncates on overflow (spec §9 "Unbounded
// header value lengths"): an oversized URL or hostname comes back as a
// request whose Invalid() is true, with a nil error, so the dispatcher
// can answer and move on without tearing down the TLS session.
// ErrURLTooLong and ErrHeaderOverrun are not returned by ParseRequest.
//
// r is a *bufio.Reader so textproto.Reader (the stdlib tool built for
// exactly MIME-style header parsing) can be layered directly on top of
// the same buffered TLS byte stream the caller already owns.
func ParseRequest(r *bufio.Reader) (*Request, error) {
	tp := textproto.NewReader(r)

	line, err := tp.ReadLine()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrConnectionClosed
		}
		return nil, fmt.Errorf("httpphase: read request line: %w", err)
	}

	req, err := parseRequestLine(line)
	if err != nil {
		return nil, err
	}

	hdr, err := tp.ReadMIMEHeader()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("httpphase: read headers: %w", err)
	}
	applyHeaders(req, hdr)
	req.HeadersDone = true

	if req.invalid {
		return req, nil
	}

	if req.Method == MethodPost {
		n, convErr := strconv.Atoi(hdr.Get("Content-Length"))
		if convErr != nil || n < 0 {
			n = 0
		}
		if n > 0 {
			body := make([]byte, n)
			if _, err := io.ReadFull(r, body); err != nil {
				return nil, fmt.Errorf("httpphase: read body: %w", err)
			}
			req.Body = body
		}
		req.BodyDone = true
	} else {
		req.BodyDone = true
	}

	return req, nil
}

func parseRequestLine(line string) (*Request, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return nil, ErrMalformedRequestLine
	}
	method, url, version := parts[0], parts[1], parts[2]

	minor, err := httpMinorVersion(version)
	if err != nil {
		return nil, err
	}

	req := &Request{Method: parseMethod(method), HTTPMinor: minor}
	if len(url) >= maxURLLen {
		req.invalid = true
		return req, nil
	}
	req.URL = url
	return req, nil
}

func httpMinorVersion(version string) (int, error) {
	switch version {
	case "HTTP/1.0":
		return 0, nil
	case "HTTP/1.1":
		return 1, nil
	default:
		return 0, ErrUnsupportedVersion
	}
}

func parseMethod(m string) Method {
	switch m {
	case "GET":
		return MethodGet
	case "POST":
		return MethodPost
	case "CONNECT":
		return MethodConnect
	default:
		return MethodOther
	}
}

// applyHeaders extracts only the recognized headers of spec §4.B,
// setting req.invalid on any bound violation instead of truncating.
func applyHeaders(req *Request, hdr textproto.MIMEHeader) {
	if cookieLine := hdr.Get(headerCookie); cookieLine != "" {
		applyCookie(req, cookieLine)
	}
	if ms := hdr.Get(headerDTLSMaster); ms != "" {
		applyMasterSecret(req, ms)
	}
	if v := hdr.Get(headerDTLSMTU); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			req.DTLSMTU = n
		}
	}
	if v := hdr.Get(headerCSTPMTU); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			req.CSTPMTU = n
		}
	}
	if v := hdr.Get(headerCSTPHostname); v != "" {
		applyHostname(req, v)
	}
}

// applyCookie looks for the webvpn=<hex> form inside the Cookie header
// and decodes it. A value that looks like the right shape but contains
// non-hex content must yield "cookie unset", not a crash or a parser
// abort (spec §8 boundary).
func applyCookie(req *Request, cookieLine string) {
	const prefix = "webvpn="
	idx := strings.Index(cookieLine, prefix)
	if idx < 0 {
		return
	}
	value := cookieLine[idx+len(prefix):]
	if semi := strings.IndexByte(value, ';'); semi >= 0 {
		value = value[:semi]
	}
	value = strings.TrimSpace(value)
	if len(value) != 2*external.CookieSize {
		return
	}
	decoded, err := hex.DecodeString(value)
	if err != nil {
		return
	}
	copy(req.Cookie[:], decoded)
	req.CookieSet = true
}

func applyMasterSecret(req *Request, value string) {
	value = strings.TrimSpace(value)
	if len(value) != 2*external.TLSMasterSize {
		return
	}
	decoded, err := hex.DecodeString(value)
	if err != nil {
		return
	}
	copy(req.MasterSecret[:], decoded)
	req.MasterSecretSet = true
}

// applyHostname applies the corrected `>=` bound (spec §9 Open
// Question: the C source's `>-` guard is a typo for `>=`).
func applyHostname(req *Request, value string) {
	if len(value) >= maxHostnameLen {
		req.invalid = true
		return
	}
	req.Hostname = value
}
