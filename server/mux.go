package server

import (
	"net"
	"time"

	"github.com/google/uuid"

	"presenced/wire"
)

// connEvent carries either a freshly read opcode awaiting dispatch, or a
// notice that the connection's reader goroutine hit EOF/an error.
type connEvent struct {
	conn   net.Conn
	opcode wire.Opcode
	closed bool
	done   chan struct{}
}

// coreLoop is the single owner of conns, store, alloc, and jrnl. Everything
// that touches them runs here, synchronously, which is what makes the rest
// of the package lock-free — see SPEC_FULL.md §4.F.
func (s *Server) coreLoop() {
	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case conn := <-s.acceptCh:
			s.registerConn(conn)

		case ev := <-s.eventCh:
			if ev.closed {
				s.dropConn(ev.conn)
				continue
			}
			s.dispatch(ev)
			close(ev.done)

		case reply := <-s.statsCh:
			reply <- s.computeStats()

		case <-ticker.C:
			s.prune()

		case <-s.stopCh:
			s.closeAll()
			return
		}
	}
}

func (s *Server) registerConn(conn net.Conn) {
	wc := wire.NewConn(conn, s.cfg.ReadTimeout, s.cfg.WriteTimeout)
	cs := &connState{
		id:           uuid.New(),
		wc:           wc,
		lastActivity: time.Now(),
	}
	s.conns[conn] = cs
	go s.connReader(conn, wc)
	s.logger.Info("connection accepted", "conn", cs.id)
}

// connReader's entire job is to notice that an opcode byte arrived and hand
// it to the core loop — the idiomatic-Go stand-in for the source's readiness
// poll over this one socket. It blocks on <-done before reading the next
// opcode so it never races the core loop's own reads on the same conn
// during that request's handling.
func (s *Server) connReader(conn net.Conn, wc *wire.Conn) {
	for {
		op, err := wc.ReadOpcode()
		if err != nil {
			select {
			case s.eventCh <- &connEvent{conn: conn, closed: true}:
			case <-s.stopCh:
			}
			return
		}
		done := make(chan struct{})
		select {
		case s.eventCh <- &connEvent{conn: conn, opcode: op, done: done}:
		case <-s.stopCh:
			return
		}
		<-done
	}
}

func (s *Server) dispatch(ev *connEvent) {
	cs, ok := s.conns[ev.conn]
	if !ok {
		return
	}
	cs.lastActivity = time.Now()

	h, known := handlers[ev.opcode]
	if !known {
		s.logger.Warn("unknown opcode", "opcode", ev.opcode, "conn", cs.id)
		cs.wc.WriteResult(wire.InvalidRequest)
		return
	}
	if err := h(s, cs, ev.conn); err != nil {
		s.logger.Debug("handler aborted", "opcode", ev.opcode, "conn", cs.id, "err", err)
	}
}

func (s *Server) prune() {
	deadline := time.Now().Add(-s.cfg.IdleThreshold)
	for conn, cs := range s.conns {
		if cs.lastActivity.Before(deadline) {
			s.logger.Info("pruning idle connection", "conn", cs.id)
			s.clearSession(conn)
			delete(s.conns, conn)
			conn.Close()
		}
	}
}

func (s *Server) dropConn(conn net.Conn) {
	if cs, ok := s.conns[conn]; ok {
		s.logger.Info("connection closed", "conn", cs.id)
		s.clearSession(conn)
		delete(s.conns, conn)
	}
	conn.Close()
}

func (s *Server) clearSession(conn net.Conn) {
	if u := s.store.FindUserByConn(conn); u != nil {
		u.Session.LoggedIn = false
		u.Session.Status = "Offline"
		u.Session.ID = -1
		u.Session.Conn = nil
	}
}

func (s *Server) closeAll() {
	for conn := range s.conns {
		conn.Close()
	}
}

func (s *Server) computeStats() Stats {
	loggedIn := 0
	for _, u := range s.store.Users {
		if u.Session.LoggedIn {
			loggedIn++
		}
	}
	return Stats{Connections: len(s.conns), LoggedIn: loggedIn}
}
