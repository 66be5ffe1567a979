package server

import (
	"errors"
	"net"
	"time"

	"presenced/journal"
	"presenced/store"
	"presenced/wire"
)

var handlers = map[wire.Opcode]func(*Server, *connState, net.Conn) error{
	wire.OpSendMessage:   handleSendMessage,
	wire.OpDeleteMessage: handleDeleteMessage,
	wire.OpGetMessages:   handleGetMessages,
	wire.OpGetUsers:      handleGetUsers,
	wire.OpSetStatus:     handleSetStatus,
	wire.OpLogin:         handleLogin,
	wire.OpLogout:        handleLogout,
	wire.OpRegister:      handleRegister,
	wire.OpGoodbye:       handleGoodbye,
	wire.OpHeartbeat:     handleHeartbeat,
	wire.OpRegisterGroup: handleRegisterGroup,
	wire.OpGetGroups:     handleGetGroups,
}

// authenticate implements the common authorization template (§4.E): read
// the caller's claimed id, resolve it, and require both a live session and
// a matching socket. It writes the failure reply itself; callers check ok
// before writing anything more.
func (s *Server) authenticate(cs *connState, conn net.Conn) (u *store.User, ok bool, err error) {
	id, err := cs.wc.ReadI32()
	if err != nil {
		return nil, false, err
	}
	u = s.store.FindUserByID(id)
	if u == nil {
		return nil, false, cs.wc.WriteResult(wire.InvalidRequest)
	}
	if !u.Session.LoggedIn || u.Session.Conn != conn {
		return nil, false, cs.wc.WriteResult(wire.Unauthorized)
	}
	return u, true, nil
}

func handleRegister(s *Server, cs *connState, conn net.Conn) error {
	name, err := cs.wc.ReadRawString(wire.MaxRawRead)
	if err != nil {
		return err
	}
	if name == "" || s.store.FindUserByName(name) != nil {
		return cs.wc.WriteResult(wire.InvalidRequest)
	}
	if err := s.jrnl.Commit(journal.NewUser{Name: name}); err != nil {
		s.logger.Error("journal commit failed", "op", "NEW_USER", "err", err)
	}
	s.store.AddUser(&store.User{Name: name, Session: store.NewSession()})
	return cs.wc.WriteResult(wire.Success)
}

// handleRegisterGroup's wire exchange (§6) never transmits a caller id,
// unlike §4.E's general prose statement that every opcode but REGISTER,
// LOGIN, HEARTBEAT, GOODBYE needs the auth template. The wire bytes are
// normative (§4.D), so this handler runs unauthenticated, symmetric with
// REGISTER. TODO: confirm with whoever owns §4.E's prose — it likely just
// forgot to list this one alongside REGISTER.
func handleRegisterGroup(s *Server, cs *connState, conn net.Conn) error {
	name, err := cs.wc.ReadLPString(wire.MaxRawRead)
	if err != nil {
		return err
	}
	if name == "" || s.store.FindGroupByName(name) != nil {
		return cs.wc.WriteResult(wire.InvalidRequest)
	}
	if err := cs.wc.WriteResult(wire.Success); err != nil {
		return err
	}

	count, err := cs.wc.ReadU32()
	if err != nil {
		return err
	}
	members := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		uname, err := cs.wc.ReadLPString(wire.MaxRawRead)
		if err != nil {
			return err
		}
		if s.store.FindUserByName(uname) == nil {
			return cs.wc.WriteResult(wire.InvalidRequest)
		}
		members = append(members, uname)
	}

	if err := s.jrnl.Commit(journal.NewGroup{Name: name, Members: members}); err != nil {
		s.logger.Error("journal commit failed", "op", "NEW_GROUP", "err", err)
	}
	s.store.AddGroup(&store.Group{Name: name, Members: members})
	return cs.wc.WriteResult(wire.Success)
}

func handleLogin(s *Server, cs *connState, conn net.Conn) error {
	name, err := cs.wc.ReadRawString(wire.MaxRawRead)
	if err != nil {
		return err
	}
	u := s.store.FindUserByName(name)
	if u == nil || u.Session.LoggedIn {
		if err := cs.wc.WriteI32(-1); err != nil {
			return err
		}
		return cs.wc.WriteResult(wire.InvalidRequest)
	}

	// Unlike the source's login(), the id is only allocated once every
	// failure check above has already passed, so there is no speculative
	// allocation to unwind on failure — see DESIGN.md's Open Question
	// decision on the source's id-decrement bug.
	id, err := s.alloc.Next()
	if err != nil {
		s.logger.Error("journal commit failed", "op", "UPDATE_ID", "err", err)
	}
	u.Session = store.Session{
		LoggedIn:      true,
		ID:            int32(id),
		Conn:          conn,
		Status:        "Online",
		LastHeartbeat: time.Now(),
	}

	if err := cs.wc.WriteI32(int32(id)); err != nil {
		return err
	}
	return cs.wc.WriteResult(wire.Success)
}

// handleLogout is not journaled (§4.E); it sends a single result, unlike
// the multi-reply opcodes below, matching the wire table exactly.
func handleLogout(s *Server, cs *connState, conn net.Conn) error {
	u, ok, err := s.authenticate(cs, conn)
	if err != nil || !ok {
		return err
	}
	u.Session.LoggedIn = false
	u.Session.Status = "Offline"
	u.Session.ID = -1
	u.Session.Conn = nil
	return cs.wc.WriteResult(wire.Success)
}

// handleSetStatus is also not journaled (§4.E). ReadRawString is given a
// buffer one byte larger than the limit: a raw-stall read carries no
// declared length, so the only way to detect an oversize field is to read
// one byte past the limit and check what came back.
func handleSetStatus(s *Server, cs *connState, conn net.Conn) error {
	u, ok, err := s.authenticate(cs, conn)
	if err != nil || !ok {
		return err
	}
	if err := cs.wc.WriteResult(wire.Success); err != nil {
		return err
	}

	status, err := cs.wc.ReadRawString(wire.MaxStatusLength + 1)
	if err != nil {
		return err
	}
	if len(status) == 0 || len(status) > wire.MaxStatusLength {
		return cs.wc.WriteResult(wire.InvalidRequest)
	}
	u.Session.Status = status
	return cs.wc.WriteResult(wire.Success)
}

func handleGetUsers(s *Server, cs *connState, conn net.Conn) error {
	_, ok, err := s.authenticate(cs, conn)
	if err != nil || !ok {
		return err
	}
	if err := cs.wc.WriteResult(wire.Success); err != nil {
		return err
	}

	if err := cs.wc.WriteU32(uint32(len(s.store.Users))); err != nil {
		return err
	}
	for _, other := range s.store.Users {
		if err := cs.wc.WriteString(other.Name); err != nil {
			return err
		}
		if err := cs.wc.WriteString(other.Session.Status); err != nil {
			return err
		}
	}
	return cs.wc.WriteResult(wire.Success)
}

func handleGetGroups(s *Server, cs *connState, conn net.Conn) error {
	_, ok, err := s.authenticate(cs, conn)
	if err != nil || !ok {
		return err
	}
	if err := cs.wc.WriteResult(wire.Success); err != nil {
		return err
	}

	if err := cs.wc.WriteU32(uint32(len(s.store.Groups))); err != nil {
		return err
	}
	for _, g := range s.store.Groups {
		if err := cs.wc.WriteString(g.Name); err != nil {
			return err
		}
		if err := cs.wc.WriteU32(uint32(len(g.Members))); err != nil {
			return err
		}
		for _, m := range g.Members {
			if err := cs.wc.WriteString(m); err != nil {
				return err
			}
		}
	}
	return cs.wc.WriteResult(wire.Success)
}

func handleSendMessage(s *Server, cs *connState, conn net.Conn) error {
	u, ok, err := s.authenticate(cs, conn)
	if err != nil || !ok {
		return err
	}
	if err := cs.wc.WriteResult(wire.Success); err != nil {
		return err
	}

	kindByte, err := cs.wc.ReadU8()
	if err != nil {
		return err
	}
	name, err := cs.wc.ReadLPString(wire.MaxRawRead)
	if err != nil {
		return err
	}
	content, err := cs.wc.ReadLPString(wire.MaxMessageLength)
	if err != nil {
		if errors.Is(err, wire.ErrStringTooLong) {
			return cs.wc.WriteResult(wire.InvalidRequest)
		}
		return err
	}
	if len(content) == 0 {
		return cs.wc.WriteResult(wire.InvalidRequest)
	}

	var recipient store.Recipient
	var members []string
	switch store.RecipientKind(kindByte) {
	case store.RecipientUser:
		if s.store.FindUserByName(name) == nil {
			return cs.wc.WriteResult(wire.InvalidRequest)
		}
		recipient = store.Recipient{Kind: store.RecipientUser, Name: name}
		members = []string{name}
	case store.RecipientGroup:
		g := s.store.FindGroupByName(name)
		if g == nil || len(g.Members) == 0 {
			return cs.wc.WriteResult(wire.InvalidRequest)
		}
		recipient = store.Recipient{Kind: store.RecipientGroup, Name: name}
		members = g.Members
	default:
		return cs.wc.WriteResult(wire.InvalidRequest)
	}

	var firstID uint32
	if len(members) == 1 {
		firstID, err = s.alloc.Next()
	} else {
		firstID, err = s.alloc.NextN(len(members))
	}
	if err != nil {
		s.logger.Error("journal commit failed", "op", "UPDATE_ID", "err", err)
	}

	if err := s.jrnl.Commit(journal.NewMessage{
		Sender:        u.Name,
		RecipientKind: uint8(recipient.Kind),
		RecipientName: recipient.Name,
		Content:       content,
	}); err != nil {
		s.logger.Error("journal commit failed", "op", "NEW_MESSAGE", "err", err)
	}

	for i, member := range members {
		s.store.AddMessage(&store.Message{
			ID:        int32(firstID) + int32(i),
			Content:   content,
			Sender:    u.Name,
			Recipient: store.Recipient{Kind: store.RecipientUser, Name: member},
		})
	}

	if err := cs.wc.WriteResult(wire.Success); err != nil {
		return err
	}
	return cs.wc.WriteI32(int32(firstID))
}

func handleDeleteMessage(s *Server, cs *connState, conn net.Conn) error {
	u, ok, err := s.authenticate(cs, conn)
	if err != nil || !ok {
		return err
	}
	if err := cs.wc.WriteResult(wire.Success); err != nil {
		return err
	}

	id, err := cs.wc.ReadI32()
	if err != nil {
		return err
	}
	m, idx := s.store.FindMessageByID(id)
	if idx < 0 {
		return cs.wc.WriteResult(wire.InvalidRequest)
	}
	if m.Recipient.Kind != store.RecipientUser || m.Recipient.Name != u.Name {
		return cs.wc.WriteResult(wire.Unauthorized)
	}

	if err := s.jrnl.Commit(journal.DeleteMessage{ID: id}); err != nil {
		s.logger.Error("journal commit failed", "op", "DELETE_MESSAGE", "err", err)
	}
	s.store.RemoveMessageAt(idx)
	return cs.wc.WriteResult(wire.Success)
}

func handleGetMessages(s *Server, cs *connState, conn net.Conn) error {
	u, ok, err := s.authenticate(cs, conn)
	if err != nil || !ok {
		return err
	}
	if err := cs.wc.WriteResult(wire.Success); err != nil {
		return err
	}

	var matches []*store.Message
	for _, m := range s.store.Messages {
		for _, name := range s.store.Usernames(m.Recipient) {
			if name == u.Name {
				matches = append(matches, m)
				break
			}
		}
	}

	if err := cs.wc.WriteU32(uint32(len(matches))); err != nil {
		return err
	}
	for _, m := range matches {
		if err := cs.wc.WriteI32(m.ID); err != nil {
			return err
		}
		if err := cs.wc.WriteString(m.Sender); err != nil {
			return err
		}
		if err := cs.wc.WriteString(m.Content); err != nil {
			return err
		}
	}
	return cs.wc.WriteResult(wire.Success)
}

// handleHeartbeat refreshes the socket's liveness slot, not any user — and
// by construction of dispatch(), cs is always present by the time a handler
// runs, so the "no such socket" INVALID_REQUEST branch §4.E describes can't
// actually occur in this architecture; refreshing cs.lastActivity already
// happened in dispatch() before this ran.
func handleHeartbeat(s *Server, cs *connState, conn net.Conn) error {
	return cs.wc.WriteResult(wire.Success)
}

// handleGoodbye sends nothing back, matching the wire table.
func handleGoodbye(s *Server, cs *connState, conn net.Conn) error {
	s.clearSession(conn)
	delete(s.conns, conn)
	conn.Close()
	return nil
}
