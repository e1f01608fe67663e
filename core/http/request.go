package http

import (
	"net/textproto"
	"sync"
)

// Request is one framed HTTP/1.x request. Every field owns its memory, so
// a Request stays valid after the connection buffer is compacted.
type Request struct {
	Method string
	Path   string
	Proto  string

	// RawQuery is the target after '?', without the '?'.
	RawQuery string
	Query    map[string]string

	// Headers is keyed by canonical header name; the last duplicate wins.
	Headers map[string]string

	// Params is filled by the router for :param and *catchall segments.
	Params map[string]string

	Body []byte
}

var requestPool = sync.Pool{
	New: func() any {
		return &Request{
			Headers: make(map[string]string, 8),
			Body:    make([]byte, 0, 1024),
		}
	},
}

func AcquireRequest() *Request {
	return requestPool.Get().(*Request)
}

// Reset resets the request for reuse (memory not freed, just reset)
func (r *Request) Reset() {
	r.Method = ""
	r.Path = ""
	r.Proto = ""
	r.RawQuery = ""

	clear(r.Headers)
	clear(r.Query)
	clear(r.Params)

	r.Body = r.Body[:0]
}

func ReleaseRequest(req *Request) {
	req.Reset()
	requestPool.Put(req)
}

// Header returns the value of the named header, matched case-insensitively.
func (r *Request) Header(name string) string {
	return r.Headers[textproto.CanonicalMIMEHeaderKey(name)]
}

// SetHeader stores value under the canonical form of name, replacing any
// earlier value whatever its case.
func (r *Request) SetHeader(name, value string) {
	if r.Headers == nil {
		r.Headers = make(map[string]string)
	}
	r.Headers[textproto.CanonicalMIMEHeaderKey(name)] = value
}

// Param returns a path parameter captured by the router.
func (r *Request) Param(key string) string {
	return r.Params[key]
}

// QueryValue returns a query parameter.
func (r *Request) QueryValue(key string) string {
	return r.Query[key]
}

// Target reassembles the request target as it appeared on the request line.
func (r *Request) Target() string {
	if r.RawQuery == "" {
		return r.Path
	}
	return r.Path + "?" + r.RawQuery
}
