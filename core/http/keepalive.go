package http

import "golang.org/x/net/http/httpguts"

// KeepAlive reports whether the connection stays open after req is answered.
// An explicit close token wins, then an explicit keep-alive token; without
// either, HTTP/1.0 closes and later versions persist.
func KeepAlive(req *Request) bool {
	if v := req.Header("Connection"); v != "" {
		values := []string{v}
		if httpguts.HeaderValuesContainsToken(values, "close") {
			return false
		}
		if httpguts.HeaderValuesContainsToken(values, "keep-alive") {
			return true
		}
	}
	return req.Proto != "HTTP/1.0"
}

// SetConnection writes the Connection header matching keepAlive.
func (r *Response) SetConnection(keepAlive bool) {
	if keepAlive {
		r.SetHeader("Connection", "keep-alive")
	} else {
		r.SetHeader("Connection", "close")
	}
}
