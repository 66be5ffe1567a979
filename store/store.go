package store

import "net"

// Store holds the three semantic containers: an ordered, linear-scan roster
// of users, groups, and messages. Nothing here is safe for concurrent use by
// design — the server's core loop is documented to be its sole caller.
type Store struct {
	Users    []*User
	Groups   []*Group
	Messages []*Message
}

func New() *Store {
	return &Store{}
}

func (s *Store) FindUserByName(name string) *User {
	for _, u := range s.Users {
		if u.Name == name {
			return u
		}
	}
	return nil
}

func (s *Store) FindUserByID(id int32) *User {
	for _, u := range s.Users {
		if u.Session.LoggedIn && u.Session.ID == id {
			return u
		}
	}
	return nil
}

func (s *Store) FindUserByConn(c net.Conn) *User {
	for _, u := range s.Users {
		if u.Session.LoggedIn && u.Session.Conn == c {
			return u
		}
	}
	return nil
}

func (s *Store) AddUser(u *User) { s.Users = append(s.Users, u) }

func (s *Store) FindGroupByName(name string) *Group {
	for _, g := range s.Groups {
		if g.Name == name {
			return g
		}
	}
	return nil
}

func (s *Store) AddGroup(g *Group) { s.Groups = append(s.Groups, g) }

// FindMessageByID returns the message and its index, or (nil, -1).
func (s *Store) FindMessageByID(id int32) (*Message, int) {
	for i, m := range s.Messages {
		if m.ID == id {
			return m, i
		}
	}
	return nil, -1
}

func (s *Store) AddMessage(m *Message) { s.Messages = append(s.Messages, m) }

// RemoveMessageAt preserves the relative order of the remaining messages.
func (s *Store) RemoveMessageAt(index int) {
	s.Messages = append(s.Messages[:index], s.Messages[index+1:]...)
}

// Usernames expands a Recipient to its delivery targets: itself for a user,
// its member list for a group. An unresolvable group yields no targets.
func (s *Store) Usernames(r Recipient) []string {
	switch r.Kind {
	case RecipientUser:
		return []string{r.Name}
	case RecipientGroup:
		if g := s.FindGroupByName(r.Name); g != nil {
			return g.Members
		}
	}
	return nil
}
