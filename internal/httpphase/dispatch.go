package httpphase

import "bufio"

// MaxHTTPRequests bounds the number of HTTP round trips a single
// connection may perform before the worker exits (spec §2, §4.C, §8
// invariant 4).
const MaxHTTPRequests = 8

// HandlerResult is the numeric code a Handler returns: zero means
// "re-enter the HTTP phase if the request was HTTP/1.1"; non-zero means
// the handler has taken over the session (e.g. CONNECT transitioning to
// the data-plane loop) and the HTTP phase must not continue.
type HandlerResult int

const (
	ResultReenter  HandlerResult = 0
	ResultTakeover HandlerResult = 1
)

// Handler answers one dispatched request over w, the buffered TLS
// writer, and reports whether the HTTP phase should continue.
type Handler func(req *Request, w *bufio.Writer) (HandlerResult, error)

// route is one entry of the closed (method, path) -> handler table,
// mirroring the teacher pack's static dispatch-table idiom (a Go slice
// of struct literals standing in for ocserv's known_urls_st array).
type route struct {
	method Method
	path   string
	handle Handler
}

// Dispatcher holds the closed URL table and the request budget
// counter, reset at worker start and decremented once per request.
type Dispatcher struct {
	routes  []route
	remaining int
}

// NewDispatcher returns a dispatcher with the request budget
// initialised to MaxHTTPRequests.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{remaining: MaxHTTPRequests}
}

// Handle registers a handler for (method, path). Call during setup only;
// Dispatch is not safe to call concurrently with Handle.
func (d *Dispatcher) Handle(method Method, path string, h Handler) {
	d.routes = append(d.routes, route{method: method, path: path, handle: h})
}

// BudgetExhausted reports whether the request budget has reached zero;
// the worker must exit without attempting another Dispatch.
func (d *Dispatcher) BudgetExhausted() bool { return d.remaining <= 0 }

// notFound answers unknown (method, path) pairs, per spec §4.C.
func notFound(w *bufio.Writer) error {
	_, err := w.WriteString("HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n")
	if err != nil {
		return err
	}
	return w.Flush()
}

// Dispatch consumes one unit of request budget and routes req to its
// handler, or answers 404 if req is Invalid or no route matches. Reenter
// reports whether the HTTP phase should process another request on this
// connection (spec §4.C keep-alive rule: handler returned 0 AND request
// was HTTP/1.1).
func (d *Dispatcher) Dispatch(req *Request, w *bufio.Writer) (reenter bool, err error) {
	d.remaining--

	if req.Invalid() {
		if err := notFound(w); err != nil {
			return false, err
		}
		return req.HTTPMinor == 1, nil
	}

	for _, rt := range d.routes {
		if rt.method == req.Method && rt.path == req.URL {
			result, herr := rt.handle(req, w)
			if herr != nil {
				return false, herr
			}
			return result == ResultReenter && req.HTTPMinor == 1, nil
		}
	}

	if err := notFound(w); err != nil {
		return false, err
	}
	return req.HTTPMinor == 1, nil
}
