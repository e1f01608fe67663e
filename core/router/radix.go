package router

import (
	"slices"
	"strings"

	"github.com/searchktools/fast-reactor/core/http"
)

// Any registers a handler for every method. A route registered for the
// exact method takes precedence over one registered for Any.
const Any = "ANY"

// RadixRouter is a path tree with parameter support. Segments match in
// the order static, :param, *catchall.
type RadixRouter struct {
	root   *node
	routes []Route
}

type nodeType uint8

const (
	static   nodeType = iota // default
	param                    // :param
	catchAll                 // *param
)

type node struct {
	path      string
	nType     nodeType
	paramName string // parameter name for :param or *param nodes

	children   []*node // static children
	paramChild *node
	catchChild *node

	handlers map[string]http.HandlerFunc // method -> handler
}

// Route describes one registered method and pattern.
type Route struct {
	Method string
	Path   string
}

// NewRadixRouter creates a new router
func NewRadixRouter() *RadixRouter {
	return &RadixRouter{root: &node{}}
}

// Add adds a route. Registering the same method and path twice replaces
// the earlier handler.
func (r *RadixRouter) Add(method, path string, handler http.HandlerFunc) {
	if path == "" || path[0] != '/' {
		panic("path must begin with '/'")
	}
	if handler == nil {
		panic("nil handler for " + method + " " + path)
	}

	n := r.root
	segments := splitPath(path)
	for i, seg := range segments {
		switch {
		case seg != "" && seg[0] == ':':
			if len(seg) < 2 {
				panic("wildcards must be named: " + path)
			}
			if n.paramChild == nil {
				n.paramChild = &node{path: seg, nType: param, paramName: seg[1:]}
			} else if n.paramChild.paramName != seg[1:] {
				panic("conflicting parameter names " + n.paramChild.path + " and " + seg + " in " + path)
			}
			n = n.paramChild

		case seg != "" && seg[0] == '*':
			if len(seg) < 2 {
				panic("wildcards must be named: " + path)
			}
			if i != len(segments)-1 {
				panic("catch-all routes are only allowed at the end of the path: " + path)
			}
			if n.catchChild == nil {
				n.catchChild = &node{path: seg, nType: catchAll, paramName: seg[1:]}
			} else if n.catchChild.paramName != seg[1:] {
				panic("conflicting catch-all names in " + path)
			}
			n = n.catchChild

		default:
			n = n.staticChild(seg, true)
		}
	}

	if n.handlers == nil {
		n.handlers = make(map[string]http.HandlerFunc)
	}
	if _, ok := n.handlers[method]; !ok {
		r.routes = append(r.routes, Route{Method: method, Path: path})
	}
	n.handlers[method] = handler
}

// Find finds a handler for the given method and path. The exact method is
// tried before Any. params is nil when the route has no wildcards.
func (r *RadixRouter) Find(method, path string) (http.HandlerFunc, map[string]string) {
	if path == "" || path[0] != '/' {
		return nil, nil
	}
	var params map[string]string
	n := r.root.match(path[1:], &params)
	if n == nil {
		return nil, nil
	}
	if h := n.handlers[method]; h != nil {
		return h, params
	}
	if h := n.handlers[Any]; h != nil {
		return h, params
	}
	return nil, nil
}

// Len returns the number of registered method/path pairs.
func (r *RadixRouter) Len() int {
	return len(r.routes)
}

// Routes returns the registered routes in registration order.
func (r *RadixRouter) Routes() []Route {
	return slices.Clone(r.routes)
}

// match walks the tree for the rest of the path, backtracking from a
// static miss to the parameter and catch-all children.
func (n *node) match(rest string, params *map[string]string) *node {
	seg, tail, more := strings.Cut(rest, "/")

	if child := n.staticChild(seg, false); child != nil {
		if !more {
			if child.handlers != nil {
				return child
			}
		} else if found := child.match(tail, params); found != nil {
			return found
		}
	}

	if n.paramChild != nil && seg != "" {
		var found *node
		if !more {
			if n.paramChild.handlers != nil {
				found = n.paramChild
			}
		} else {
			found = n.paramChild.match(tail, params)
		}
		if found != nil {
			setParam(params, n.paramChild.paramName, seg)
			return found
		}
	}

	if n.catchChild != nil {
		setParam(params, n.catchChild.paramName, rest)
		return n.catchChild
	}
	return nil
}

func (n *node) staticChild(seg string, create bool) *node {
	for _, c := range n.children {
		if c.path == seg {
			return c
		}
	}
	if !create {
		return nil
	}
	child := &node{path: seg}
	n.children = append(n.children, child)
	return child
}

func setParam(params *map[string]string, key, value string) {
	if *params == nil {
		*params = make(map[string]string)
	}
	(*params)[key] = value
}

// splitPath splits "/a/b" into ["a", "b"]; "/" yields [""].
func splitPath(path string) []string {
	return strings.Split(path[1:], "/")
}
