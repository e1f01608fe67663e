// Package poller wraps the OS readiness multiplexer (epoll on Linux, kqueue
// on macOS) and the raw sockets it watches.
//
// Client descriptors are registered edge-triggered and one-shot: after a
// descriptor reports readiness once it stays disarmed until Arm is called
// again. The engine relies on this to guarantee a single goroutine handles a
// given connection at a time.
package poller

import "strings"

// Readiness is the decoded set of conditions reported for a descriptor.
type Readiness uint8

const (
	Readable Readiness = 1 << iota
	Writable
	Error
	HangUp
)

// Has reports whether all bits of f are set.
func (r Readiness) Has(f Readiness) bool {
	return r&f == f
}

func (r Readiness) String() string {
	if r == 0 {
		return "none"
	}
	var parts []string
	if r.Has(Readable) {
		parts = append(parts, "readable")
	}
	if r.Has(Writable) {
		parts = append(parts, "writable")
	}
	if r.Has(Error) {
		parts = append(parts, "error")
	}
	if r.Has(HangUp) {
		parts = append(parts, "hangup")
	}
	return strings.Join(parts, "|")
}

// Event is one readiness notification.
type Event struct {
	Fd        int
	Readiness Readiness
}

// MaxEvents bounds the number of events returned by a single Wait.
const MaxEvents = 1024

// Poller is the I/O multiplexing interface
type Poller interface {
	// AddListener watches a listening socket, level-triggered, for
	// incoming connections.
	AddListener(fd int) error
	// Add registers a client descriptor for exactly one notification of
	// the given interest (Readable or Writable).
	Add(fd int, interest Readiness) error
	// Arm re-enables a disarmed descriptor for one more notification.
	Arm(fd int, interest Readiness) error
	// Remove stops watching fd.
	Remove(fd int) error
	// Wait blocks up to timeoutMs (negative blocks indefinitely) and
	// returns ready events. The slice is reused by the next call.
	Wait(timeoutMs int) ([]Event, error)
	// Close releases the multiplexer handle.
	Close() error
}
