package http

import (
	"encoding/json"
	"errors"
	nethttp "net/http"
	"net/textproto"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/searchktools/fast-reactor/core/buffer"
)

const (
	// ServerName is sent in the Server header of every response.
	ServerName = "fast-reactor"

	ContentTypeHTML = "text/html; charset=utf-8"
	ContentTypeText = "text/plain; charset=utf-8"
	ContentTypeJSON = "application/json"

	notFoundBody = "<html><body><h1>404 Not Found</h1></body></html>"
)

// Response is the handler-filled reply for one request.
type Response struct {
	Proto      string
	StatusCode int
	// StatusText defaults to the standard reason phrase when empty.
	StatusText string
	Headers    map[string]string
	Body       []byte
}

var responsePool = sync.Pool{
	New: func() any {
		return &Response{
			Headers: make(map[string]string, 8),
			Body:    make([]byte, 0, 1024),
		}
	},
}

// AcquireResponse returns a Response with the defaults applied.
func AcquireResponse() *Response {
	r := responsePool.Get().(*Response)
	r.setDefaults()
	return r
}

func ReleaseResponse(r *Response) {
	r.Reset()
	responsePool.Put(r)
}

// NewResponse returns an unpooled Response with the defaults applied.
func NewResponse() *Response {
	r := &Response{Headers: make(map[string]string, 8)}
	r.setDefaults()
	return r
}

func (r *Response) setDefaults() {
	r.Proto = "HTTP/1.1"
	r.StatusCode = nethttp.StatusOK
	r.StatusText = ""
	r.Headers["Server"] = ServerName
	r.Headers["Content-Type"] = ContentTypeHTML
}

// Reset clears the response for reuse.
func (r *Response) Reset() {
	r.Proto = ""
	r.StatusCode = 0
	r.StatusText = ""
	clear(r.Headers)
	r.Body = r.Body[:0]
}

// SetStatus sets the status code and clears any custom reason phrase.
func (r *Response) SetStatus(code int) {
	r.StatusCode = code
	r.StatusText = ""
}

// SetHeader sets a header under its canonical name.
func (r *Response) SetHeader(name, value string) {
	if r.Headers == nil {
		r.Headers = make(map[string]string)
	}
	r.Headers[textproto.CanonicalMIMEHeaderKey(name)] = value
}

// Header returns a header previously set on the response.
func (r *Response) Header(name string) string {
	if v, ok := r.Headers[name]; ok {
		return v
	}
	return r.Headers[textproto.CanonicalMIMEHeaderKey(name)]
}

// String writes a plain text reply.
func (r *Response) String(code int, s string) {
	r.SetStatus(code)
	r.SetHeader("Content-Type", ContentTypeText)
	r.Body = append(r.Body[:0], s...)
}

// HTML writes an HTML reply.
func (r *Response) HTML(code int, s string) {
	r.SetStatus(code)
	r.SetHeader("Content-Type", ContentTypeHTML)
	r.Body = append(r.Body[:0], s...)
}

// Bytes writes data with the given content type.
func (r *Response) Bytes(code int, contentType string, data []byte) {
	r.SetStatus(code)
	r.SetHeader("Content-Type", contentType)
	r.Body = append(r.Body[:0], data...)
}

// JSON encodes v as the reply body. On an encoding error the response is
// turned into a 500.
func (r *Response) JSON(code int, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		r.String(nethttp.StatusInternalServerError, "500 Internal Server Error")
		return err
	}
	r.Bytes(code, ContentTypeJSON, data)
	return nil
}

// Error writes a plain text error reply with the standard reason phrase.
func (r *Response) Error(code int) {
	r.String(code, strconv.Itoa(code)+" "+nethttp.StatusText(code))
}

// NotFound fills r with the built-in 404 page.
func NotFound(r *Response) {
	r.HTML(nethttp.StatusNotFound, notFoundBody)
}

// AppendTo serializes the status line, headers and body into b.
// Content-Length always reflects len(Body).
func (r *Response) AppendTo(b *buffer.Buffer) {
	r.AppendHeaderTo(b)
	b.Append(r.Body)
}

// AppendHeaderTo serializes everything but the body, as for a reply to HEAD.
func (r *Response) AppendHeaderTo(b *buffer.Buffer) {
	proto := r.Proto
	if proto == "" {
		proto = "HTTP/1.1"
	}
	code := r.StatusCode
	if code == 0 {
		code = nethttp.StatusOK
	}
	text := r.StatusText
	if text == "" {
		text = nethttp.StatusText(code)
	}

	b.AppendString(proto)
	b.AppendString(" ")
	b.AppendString(strconv.Itoa(code))
	b.AppendString(" ")
	b.AppendString(text)
	b.AppendString("\r\n")

	names := make([]string, 0, len(r.Headers))
	for name := range r.Headers {
		if strings.EqualFold(name, "Content-Length") {
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		b.AppendString(name)
		b.AppendString(": ")
		b.AppendString(r.Headers[name])
		b.AppendString("\r\n")
	}

	b.AppendString("Content-Length: ")
	b.AppendString(strconv.Itoa(len(r.Body)))
	b.AppendString("\r\n\r\n")
}

// ErrorStatus maps a framing error to the status code sent before the
// connection is closed.
func ErrorStatus(err error) int {
	switch {
	case errors.Is(err, ErrHeaderTooLarge):
		return nethttp.StatusRequestHeaderFieldsTooLarge
	case errors.Is(err, ErrBodyTooLarge):
		return nethttp.StatusRequestEntityTooLarge
	case errors.Is(err, ErrChunkedUnsupported):
		return nethttp.StatusNotImplemented
	case errors.Is(err, ErrVersionUnsupported):
		return nethttp.StatusHTTPVersionNotSupported
	default:
		return nethttp.StatusBadRequest
	}
}
