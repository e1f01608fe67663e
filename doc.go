/*
Package fastreactor is a non-blocking HTTP/1.x server built on a single
readiness reactor.

One goroutine waits on the OS poller (epoll on Linux, kqueue on BSD and
macOS), accepts connections and expires idle ones. Socket I/O, request
framing and handlers run on a worker pool. Connections are registered
one-shot, so at most one worker serves a connection at any moment and
pipelined requests are answered in order.

Quick Start

	package main

	import (
		"github.com/searchktools/fast-reactor/app"
		"github.com/searchktools/fast-reactor/config"
		"github.com/searchktools/fast-reactor/core/http"
	)

	func main() {
		application := app.New(config.New())

		engine := application.Engine()
		engine.GET("/hello", func(req *http.Request, resp *http.Response) {
			resp.String(200, "Hello, World!")
		})

		application.Run()
	}

Modules

  - app: process lifecycle, signals and config hot reload
  - config: flags, YAML file and FASTREACTOR_* environment layering
  - core: the Engine (event loop, connection registry, idle eviction)
  - core/buffer: growable read/write byte buffer
  - core/timer: deadline-ordered expiry queue
  - core/pools: worker pool, byte slab pool and GC tuning
  - core/poller: epoll/kqueue wrappers and raw sockets
  - core/http: request framing, responses and keep-alive rules
  - core/router: radix tree router with :param and *catchall segments
  - core/middleware: recovery, access log, request id, CORS, rate limiting

Prometheus metrics are served at /metrics and an engine snapshot at
/debug/stats unless disabled in the configuration.
*/
package fastreactor
