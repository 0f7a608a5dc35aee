//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Epoll is the portable fallback for non-Linux development machines. Each
// connection gets a goroutine that offers it to Wait, then parks until the
// worker that read from it calls Done. The worker's blocking read is bounded
// by the server read timeout.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]*watch
	readyCh chan net.Conn
	done    chan struct{}
	closed  bool
}

type watch struct {
	ack  chan struct{}
	stop chan struct{}
}

// NewEpoll creates a new fallback instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]*watch),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts offering conn to Wait.
func (e *Epoll) Add(conn net.Conn) error {
	w := &watch{ack: make(chan struct{}, 1), stop: make(chan struct{})}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return net.ErrClosed
	}
	e.conns[conn] = w
	e.mu.Unlock()

	go e.offer(conn, w)
	return nil
}

func (e *Epoll) offer(conn net.Conn, w *watch) {
	for {
		select {
		case e.readyCh <- conn:
		case <-w.stop:
			return
		case <-e.done:
			return
		}
		select {
		case <-w.ack:
		case <-w.stop:
			return
		case <-e.done:
			return
		}
	}
}

// Done lets conn be offered again.
func (e *Epoll) Done(conn net.Conn) {
	e.mu.Lock()
	w, ok := e.conns[conn]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case w.ack <- struct{}{}:
	default:
	}
}

// Remove stops offering conn.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	w, ok := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()
	if ok {
		close(w.stop)
	}
	return nil
}

// Wait blocks until at least one connection is offered and drains any
// others already queued.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close stops every offering goroutine.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.done)
	}
	e.conns = make(map[net.Conn]*watch)
	return nil
}

func isEINTR(error) bool { return false }
