package server

import (
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tevino/abool"
)

// Conn is one client socket. The loop owns it; the session registry only
// refers to it.
type Conn struct {
	id         uuid.UUID
	netConn    net.Conn
	remoteAddr string

	user         string       // loop-owned
	lastActivity atomic.Int64 // unix nanoseconds of the last read

	send   chan []byte
	done   chan struct{}
	closed *abool.AtomicBool
}

// event carries one read chunk, or the error that ended a connection.
type event struct {
	conn *Conn
	data []byte
	err  error
}

func newConn(nc net.Conn, queue int) *Conn {
	c := &Conn{
		id:         uuid.New(),
		netConn:    nc,
		remoteAddr: nc.RemoteAddr().String(),
		send:       make(chan []byte, queue),
		done:       make(chan struct{}),
		closed:     abool.New(),
	}
	c.touch()
	return c
}

func (c *Conn) ID() string {
	return c.id.String()
}

func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// IP returns the host part of the remote address.
func (c *Conn) IP() string {
	host, _, err := net.SplitHostPort(c.remoteAddr)
	if err != nil {
		return c.remoteAddr
	}
	return host
}

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns when the connection last delivered input.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Conn) Authenticated() bool {
	return c.user != ""
}

// Pending returns how many frames are waiting to be written.
func (c *Conn) Pending() int {
	return len(c.send)
}

// enqueue queues a frame without blocking. It fails when the connection is
// closed or its queue is full.
func (c *Conn) enqueue(frame []byte) bool {
	if c.closed.IsSet() {
		return false
	}

	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Conn) close() {
	if c.closed.SetToIf(false, true) {
		close(c.done)
		c.netConn.Close()
	}
}

// readLoop performs one bounded read at a time and posts each chunk to the
// loop. An empty read, EOF or any error other than a timeout ends it. The
// deadline only bounds a single read; a quiet peer stays connected.
func (c *Conn) readLoop(events chan<- event, quit <-chan struct{}, size int, timeout time.Duration) {
	buf := make([]byte, size)
	for {
		c.netConn.SetReadDeadline(time.Now().Add(timeout))
		n, err := c.netConn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !c.post(events, quit, event{conn: c, data: data}) {
				return
			}
		}
		if isTimeout(err) {
			select {
			case <-c.done:
				return
			case <-quit:
				return
			default:
				continue
			}
		}
		if err == nil && n == 0 {
			err = io.EOF
		}
		if err != nil {
			c.post(events, quit, event{conn: c, err: err})
			return
		}
	}
}

// writeLoop drains the outbound queue. A failed write is reported to the
// loop, which evicts only this connection.
func (c *Conn) writeLoop(events chan<- event, quit <-chan struct{}, timeout time.Duration) {
	for {
		select {
		case frame := <-c.send:
			c.netConn.SetWriteDeadline(time.Now().Add(timeout))
			if _, err := c.netConn.Write(frame); err != nil {
				c.post(events, quit, event{conn: c, err: &writeError{err}})
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) post(events chan<- event, quit <-chan struct{}, ev event) bool {
	select {
	case events <- ev:
		return true
	case <-c.done:
		return false
	case <-quit:
		return false
	}
}

type writeError struct{ err error }

func (e *writeError) Error() string { return "write: " + e.err.Error() }
func (e *writeError) Unwrap() error { return e.err }

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
