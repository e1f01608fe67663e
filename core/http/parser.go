package http

import (
	"bytes"
	"errors"
	"math"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/searchktools/fast-reactor/core/buffer"
)

const (
	// DefaultMaxHeaderBytes bounds the request line plus header section.
	DefaultMaxHeaderBytes = 8 << 10
	// DefaultMaxBodyBytes bounds a declared Content-Length.
	DefaultMaxBodyBytes = 8 << 20
)

var (
	// ErrIncomplete means the buffer does not yet hold a whole request.
	// Nothing was consumed.
	ErrIncomplete = errors.New("incomplete request")
	// ErrMalformed means the request line or a header is structurally invalid.
	ErrMalformed = errors.New("malformed request")
	// ErrHeaderTooLarge means the header section exceeds the framer limit.
	ErrHeaderTooLarge = errors.New("request header too large")
	// ErrBodyTooLarge means Content-Length exceeds the framer limit.
	ErrBodyTooLarge = errors.New("request body too large")
	// ErrChunkedUnsupported means the request uses chunked transfer coding.
	ErrChunkedUnsupported = errors.New("chunked transfer-encoding not supported")
	// ErrVersionUnsupported means the request is HTTP but not HTTP/1.x.
	ErrVersionUnsupported = errors.New("http version not supported")
)

var (
	crlf       = []byte("\r\n")
	headerTerm = []byte("\r\n\r\n")
)

// Framer extracts complete requests from a connection's read buffer.
// A zero limit disables that check.
type Framer struct {
	MaxHeaderBytes int
	MaxBodyBytes   int
}

// DefaultFramer uses DefaultMaxHeaderBytes and DefaultMaxBodyBytes.
var DefaultFramer = &Framer{
	MaxHeaderBytes: DefaultMaxHeaderBytes,
	MaxBodyBytes:   DefaultMaxBodyBytes,
}

// Parse frames one request with DefaultFramer.
func Parse(buf *buffer.Buffer) (*Request, error) {
	return DefaultFramer.Parse(buf)
}

// Parse consumes exactly one request from buf when the header terminator
// and the declared body are both present. On ErrIncomplete the readable
// region is left as it was, so calling Parse again after more bytes arrive
// yields the same request regardless of how the input was split.
func (f *Framer) Parse(buf *buffer.Buffer) (*Request, error) {
	// Stray CRLFs between pipelined requests are ignored. They are only
	// consumed together with a complete request.
	data := buf.Peek()
	skip := 0
	for bytes.HasPrefix(data[skip:], crlf) {
		skip += len(crlf)
	}
	data = data[skip:]

	end := bytes.Index(data, headerTerm)
	if end < 0 {
		if f.MaxHeaderBytes > 0 && skip+len(data) > f.MaxHeaderBytes {
			return nil, ErrHeaderTooLarge
		}
		return nil, ErrIncomplete
	}
	headerLen := end + len(headerTerm)
	if f.MaxHeaderBytes > 0 && headerLen > f.MaxHeaderBytes {
		return nil, ErrHeaderTooLarge
	}

	head := data[:end]
	lineEnd := bytes.Index(head, crlf)
	if lineEnd < 0 {
		lineEnd = len(head)
	}

	req := AcquireRequest()
	if err := parseRequestLine(req, head[:lineEnd]); err != nil {
		ReleaseRequest(req)
		return nil, err
	}
	if lineEnd < len(head) {
		if err := parseHeaders(req, head[lineEnd+len(crlf):]); err != nil {
			ReleaseRequest(req)
			return nil, err
		}
	}

	if te := req.Header("Transfer-Encoding"); te != "" &&
		httpguts.HeaderValuesContainsToken([]string{te}, "chunked") {
		ReleaseRequest(req)
		return nil, ErrChunkedUnsupported
	}

	bodyLen := contentLength(req)
	if f.MaxBodyBytes > 0 && bodyLen > f.MaxBodyBytes {
		ReleaseRequest(req)
		return nil, ErrBodyTooLarge
	}
	if len(data)-headerLen < bodyLen {
		ReleaseRequest(req)
		return nil, ErrIncomplete
	}

	req.Body = append(req.Body[:0], data[headerLen:headerLen+bodyLen]...)
	buf.Retrieve(skip + headerLen + bodyLen)
	return req, nil
}

// parseRequestLine parses METHOD TARGET PROTO.
func parseRequestLine(req *Request, line []byte) error {
	fields := bytes.Fields(line)
	if len(fields) != 3 {
		return ErrMalformed
	}
	method, target, proto := fields[0], fields[1], fields[2]

	if !httpguts.ValidHeaderFieldName(string(method)) {
		return ErrMalformed
	}
	if !bytes.HasPrefix(proto, []byte("HTTP/")) {
		return ErrMalformed
	}
	if !bytes.HasPrefix(proto, []byte("HTTP/1.")) {
		return ErrVersionUnsupported
	}

	req.Method = string(method)
	req.Proto = string(proto)

	path := string(target)
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		req.RawQuery = path[idx+1:]
		path = path[:idx]
		parseQuery(req, req.RawQuery)
	}
	req.Path = path
	return nil
}

// parseHeaders parses Name: value lines. Lines without a colon are skipped.
func parseHeaders(req *Request, data []byte) error {
	for len(data) > 0 {
		lineEnd := bytes.Index(data, crlf)
		if lineEnd < 0 {
			lineEnd = len(data)
		}
		line := data[:lineEnd]

		if colon := bytes.IndexByte(line, ':'); colon >= 0 {
			name := string(line[:colon])
			if !httpguts.ValidHeaderFieldName(name) {
				return ErrMalformed
			}
			value := bytes.TrimLeft(line[colon+1:], " \t")
			req.SetHeader(name, string(value))
		}

		if lineEnd == len(data) {
			break
		}
		data = data[lineEnd+len(crlf):]
	}
	return nil
}

// parseQuery splits k=v pairs on '&'. Values are kept verbatim.
func parseQuery(req *Request, raw string) {
	if req.Query == nil {
		req.Query = make(map[string]string)
	}
	for raw != "" {
		var pair string
		pair, raw, _ = strings.Cut(raw, "&")
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		req.Query[k] = v
	}
}

// contentLength returns the declared body length. A missing, negative or
// unparsable value counts as zero.
func contentLength(req *Request) int {
	v := req.Header("Content-Length")
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(n)
}
