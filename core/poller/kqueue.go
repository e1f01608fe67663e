//go:build darwin
// +build darwin

package poller

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// KqueuePoller is a kqueue-based I/O multiplexer. EV_DISPATCH gives the
// same one-notification-then-disarm behaviour as EPOLLONESHOT.
type KqueuePoller struct {
	kqfd   int
	events []unix.Kevent_t
	ready  []Event
}

// NewPoller creates a new Poller (macOS)
func NewPoller() (Poller, error) {
	kqfd, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("kqueue: %w", err)
	}
	unix.CloseOnExec(kqfd)

	return &KqueuePoller{
		kqfd:   kqfd,
		events: make([]unix.Kevent_t, MaxEvents),
		ready:  make([]Event, 0, MaxEvents),
	}, nil
}

// AddListener adds a listening socket, level-triggered.
func (p *KqueuePoller) AddListener(fd int) error {
	changes := make([]unix.Kevent_t, 1)
	unix.SetKevent(&changes[0], fd, unix.EVFILT_READ, unix.EV_ADD|unix.EV_ENABLE)
	return p.apply(changes)
}

// Add registers fd for one notification of interest.
func (p *KqueuePoller) Add(fd int, interest Readiness) error {
	return p.Arm(fd, interest)
}

// Arm enables the filter matching interest and disables the other one.
func (p *KqueuePoller) Arm(fd int, interest Readiness) error {
	const armed = unix.EV_ADD | unix.EV_ENABLE | unix.EV_DISPATCH | unix.EV_CLEAR
	const parked = unix.EV_ADD | unix.EV_DISABLE | unix.EV_DISPATCH | unix.EV_CLEAR

	readFlags, writeFlags := parked, parked
	if interest.Has(Readable) {
		readFlags = armed
	}
	if interest.Has(Writable) {
		writeFlags = armed
	}

	changes := make([]unix.Kevent_t, 2)
	unix.SetKevent(&changes[0], fd, unix.EVFILT_READ, readFlags)
	unix.SetKevent(&changes[1], fd, unix.EVFILT_WRITE, writeFlags)
	return p.apply(changes)
}

// Remove removes a file descriptor from the watch list
func (p *KqueuePoller) Remove(fd int) error {
	changes := make([]unix.Kevent_t, 2)
	unix.SetKevent(&changes[0], fd, unix.EVFILT_READ, unix.EV_DELETE)
	unix.SetKevent(&changes[1], fd, unix.EVFILT_WRITE, unix.EV_DELETE)
	if _, err := unix.Kevent(p.kqfd, changes, nil, nil); err != nil && err != unix.ENOENT {
		return fmt.Errorf("kevent delete: %w", err)
	}
	return nil
}

// Wait waits for I/O events
func (p *KqueuePoller) Wait(timeoutMs int) ([]Event, error) {
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * 1e6)
		ts = &t
	}

	n, err := unix.Kevent(p.kqfd, nil, p.events, ts)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("kevent wait: %w", err)
	}

	p.ready = p.ready[:0]
	for i := 0; i < n; i++ {
		ev := p.events[i]
		var r Readiness
		switch ev.Filter {
		case unix.EVFILT_READ:
			r |= Readable
		case unix.EVFILT_WRITE:
			r |= Writable
		}
		if ev.Flags&unix.EV_ERROR != 0 {
			r |= Error
		}
		p.ready = append(p.ready, Event{Fd: int(ev.Ident), Readiness: r})
	}
	return p.ready, nil
}

// Close closes the Poller
func (p *KqueuePoller) Close() error {
	return unix.Close(p.kqfd)
}

func (p *KqueuePoller) apply(changes []unix.Kevent_t) error {
	if _, err := unix.Kevent(p.kqfd, changes, nil, nil); err != nil {
		return fmt.Errorf("kevent: %w", err)
	}
	return nil
}
