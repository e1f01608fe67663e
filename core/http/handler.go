package http

// HandlerFunc answers one request by filling resp.
type HandlerFunc func(req *Request, resp *Response)
