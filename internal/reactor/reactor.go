//go:build linux

// Package reactor implements the single-threaded, epoll-backed event
// loop that the resolver Manager is driven by. Exactly one goroutine
// ever calls into a Reactor's registered callbacks, so callback bodies
// execute atomically with respect to one another: there is no lock to
// take, because there is no second writer.
//
// The shape is a single coordinate-style goroutine (one goroutine, one
// select, channel events) generalized from channels-only to the mix of
// channels and raw file descriptors this daemon needs (rtnl socket,
// two UDP sockets, and the eventfds the Manager's Dispatch and the
// network-state monitor use to hand work to the loop).
package reactor

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/datawire/dlib/dlog"
)

// Callback is invoked when fd becomes readable. A non-nil error stops the
// Reactor's Run loop.
type Callback func(ctx context.Context) error

// Reactor is a single epoll instance with one callback per registered file
// descriptor. The zero value is not usable; construct with New.
type Reactor struct {
	epfd int

	// wake is an eventfd used to break epoll_wait when ctx is cancelled, so
	// Run can check ctx.Done(). Register and Unregister do not write to it.
	wake int

	mu      sync.Mutex // guards sources; see Register/Unregister doc
	sources map[int]Callback
	closed  bool
}

// New creates an epoll instance. Call Close when the Reactor is no longer
// needed to release the epoll and wakeup descriptors.
func New() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	wake, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	r := &Reactor{
		epfd:    epfd,
		wake:    wake,
		sources: make(map[int]Callback),
	}
	if err := r.epollAdd(wake, unix.EPOLLIN); err != nil {
		unix.Close(epfd)
		unix.Close(wake)
		return nil, err
	}
	return r, nil
}

// Register adds fd to the set watched for read-readiness. Registration
// persists until Unregister is called or the Reactor is closed; this is
// the mechanism behind the data model invariant that UDP sockets, once
// created, stay registered until teardown.
//
// Register may be called before Run starts (initial setup: the rtnl socket
// and the Manager's Dispatch eventfd) or while Run is going, from another
// goroutine: the network-state monitor registers its eventfd from its own
// goroutine, and Manager.Send registers a UDP socket when it lazily creates
// one. mu serializes these calls against each other and against Run's
// lookup of the callback for a ready descriptor.
func (r *Reactor) Register(fd int, cb Callback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("reactor: register on closed reactor")
	}
	if err := r.epollAdd(fd, unix.EPOLLIN); err != nil {
		return err
	}
	r.sources[fd] = cb
	return nil
}

// Unregister stops watching fd. It does not close fd.
func (r *Reactor) Unregister(fd int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sources, fd)
	if r.closed {
		return nil
	}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.ENOENT {
		return fmt.Errorf("epoll_ctl(del, %d): %w", fd, err)
	}
	return nil
}

func (r *Reactor) epollAdd(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl(add, %d): %w", fd, err)
	}
	return nil
}

// Run drives the loop until ctx is cancelled or a callback returns a
// non-nil error. It is the only method that may block, and it is meant to
// be called exactly once, from the goroutine that owns the Manager.
func (r *Reactor) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		r.wakeup()
	}()

	events := make([]unix.EpollEvent, 16)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := unix.EpollWait(r.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == r.wake {
				r.drainWake()
				continue
			}
			r.mu.Lock()
			cb, ok := r.sources[fd]
			r.mu.Unlock()
			if !ok {
				// Source was unregistered between epoll_wait returning and
				// us getting here; drop the stale event.
				continue
			}
			if err := cb(ctx); err != nil {
				dlog.Errorf(ctx, "reactor: callback for fd %d returned error: %v", fd, err)
				return err
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (r *Reactor) wakeup() {
	buf := [8]byte{1}
	_, _ = unix.Write(r.wake, buf[:])
}

func (r *Reactor) drainWake() {
	buf := make([]byte, 8)
	_, _ = unix.Read(r.wake, buf)
}

// Close releases the epoll and eventfd descriptors. It does not close any
// registered source descriptors; those are owned by their registrants.
func (r *Reactor) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.sources = nil
	err1 := unix.Close(r.wake)
	err2 := unix.Close(r.epfd)
	if err1 != nil {
		return err1
	}
	return err2
}
