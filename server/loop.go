package server

import (
	"errors"
	"io"
	"jim/protocol"
	"log"
	"time"
)

var errSlowConsumer = errors.New("outbound queue full")

// maxDrain bounds how many read events one iteration processes, so a flood
// from busy peers still lets queued deliveries go out.
const maxDrain = 1024

type delivery struct {
	conn  *Conn
	frame []byte
}

// outbox collects the responses and routed messages produced by one iteration.
type outbox struct {
	items []delivery
}

func (o *outbox) send(c *Conn, v any) {
	frame, err := protocol.Encode(v)
	if err != nil {
		log.Printf("Error encoding frame for %s: %v", c.remoteAddr, err)
		return
	}
	o.items = append(o.items, delivery{conn: c, frame: frame})
}

// loop is the only goroutine that touches the watch set and connection state.
// Each iteration accepts at most one connection, waits up to PollInterval for
// input, drains every pending read, and only then flushes the outbox.
func (s *Server) loop() {
	defer close(s.done)
	defer s.closeAll()

	for {
		select {
		case <-s.quit:
			return
		default:
		}

		var out outbox
		accepted := s.acceptOne()

		acceptCh := s.accepted
		if accepted {
			acceptCh = nil
		}

		timer := time.NewTimer(s.config.PollInterval)
		select {
		case ev := <-s.events:
			s.handleEvent(ev, &out)
		case c := <-acceptCh:
			s.watch(c)
		case <-timer.C:
		case <-s.quit:
			timer.Stop()
			return
		}
		timer.Stop()

		s.drain(&out)
		s.flush(&out)
	}
}

func (s *Server) acceptOne() bool {
	select {
	case c := <-s.accepted:
		s.watch(c)
		return true
	default:
		return false
	}
}

func (s *Server) drain(out *outbox) {
	for i := 0; i < maxDrain; i++ {
		select {
		case ev := <-s.events:
			s.handleEvent(ev, out)
		default:
			return
		}
	}
}

// flush queues every collected frame. A connection that cannot take a frame
// is not writable and is evicted; the others are unaffected.
func (s *Server) flush(out *outbox) {
	for _, d := range out.items {
		if !s.isWatched(d.conn) {
			continue
		}
		if !d.conn.enqueue(d.frame) {
			s.evict(d.conn, errSlowConsumer)
		}
	}
}

func (s *Server) watch(c *Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	count := len(s.conns)
	s.mu.Unlock()

	go c.readLoop(s.events, s.quit, s.config.MaxMessageSize, s.config.ReadTimeout)
	go c.writeLoop(s.events, s.quit, s.config.WriteTimeout)

	log.Printf("New client connected from %s (%s), open connections: %d", c.remoteAddr, c.ID(), count)
}

func (s *Server) isWatched(c *Conn) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.conns[c]
	return ok
}

func (s *Server) handleEvent(ev event, out *outbox) {
	if !s.isWatched(ev.conn) {
		return
	}
	if ev.err != nil {
		s.evict(ev.conn, ev.err)
		return
	}

	ev.conn.touch()
	s.route(ev.conn, ev.data, out)
}

// evict drops a connection from the watch set and clears its session.
func (s *Server) evict(c *Conn, reason error) {
	s.mu.Lock()
	_, ok := s.conns[c]
	delete(s.conns, c)
	s.mu.Unlock()
	if !ok {
		return
	}

	c.close()
	logEviction(c, reason)

	if user, ok := s.sessions.UnregisterConn(c); ok {
		if err := s.store.UpdateLastOffline(user, time.Now().UTC()); err != nil {
			log.Printf("Failed to update last_offline for %s: %v", user, err)
		}
		log.Printf("Client %s disconnected from %s", user, c.remoteAddr)
	}
}

func logEviction(c *Conn, reason error) {
	var writeErr *writeError
	switch {
	case errors.As(reason, &writeErr):
		log.Printf("Error writing to %s: %v", c.remoteAddr, writeErr.err)
	case errors.Is(reason, io.EOF):
		log.Printf("Client disconnected from %s", c.remoteAddr)
	default:
		log.Printf("Dropping connection from %s: %v", c.remoteAddr, reason)
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		s.evict(c, ErrServerClosed)
	}
}
