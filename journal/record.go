package journal

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// Record is one line of the journal. The concrete types below are the only
// implementations; a type switch in bootstrap covers all of them.
type Record interface {
	format() string
}

type NewUser struct {
	Name string
}

type NewGroup struct {
	Name    string
	Members []string
}

// NewMessage is the logical record for both a single-user send and a group
// fan-out send (RecipientKind 0 or 1); see store.RecipientKind for the
// values. Group fan-out stores one NewMessage record regardless of member
// count — the per-member rows it expands to on replay are reconstructed by
// bootstrap, not individually journaled.
type NewMessage struct {
	Sender        string
	RecipientKind uint8
	RecipientName string
	Content       string
}

type DeleteMessage struct {
	ID int32
}

type UpdateID struct {
	ID uint32
}

func escape(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '\\' || r == '"' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func quoted(s string) string {
	return `"` + escape(s) + `"`
}

func (r NewUser) format() string {
	return "NEW_USER " + quoted(r.Name)
}

func (r NewGroup) format() string {
	parts := make([]string, 0, 3+len(r.Members))
	parts = append(parts, "NEW_GROUP", quoted(r.Name), strconv.Itoa(len(r.Members)))
	for _, m := range r.Members {
		parts = append(parts, quoted(m))
	}
	return strings.Join(parts, " ")
}

func (r NewMessage) format() string {
	return fmt.Sprintf("NEW_MESSAGE %s %d %s %s",
		quoted(r.Sender), r.RecipientKind, quoted(r.RecipientName), quoted(r.Content))
}

func (r DeleteMessage) format() string {
	return fmt.Sprintf("DELETE_MESSAGE %d", r.ID)
}

func (r UpdateID) format() string {
	return fmt.Sprintf("UPDATE_ID %d", r.ID)
}

// scanner tokenizes the journal's whitespace-separated, quote-delimited
// grammar one byte at a time, mirroring the original fgetc-based reader.
type scanner struct {
	r *bufio.Reader
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}

func (s *scanner) skipSpace() error {
	for {
		b, err := s.r.ReadByte()
		if err != nil {
			return err
		}
		if !isSpace(b) {
			return s.r.UnreadByte()
		}
	}
}

// peekNonSpace consumes any leading whitespace and reports whether a
// non-whitespace byte remains, without consuming it.
func (s *scanner) peekNonSpace() error {
	for {
		b, err := s.r.Peek(1)
		if err != nil {
			return err
		}
		if !isSpace(b[0]) {
			return nil
		}
		s.r.ReadByte()
	}
}

func (s *scanner) word() (string, error) {
	if err := s.skipSpace(); err != nil {
		return "", err
	}
	var b strings.Builder
	for {
		c, err := s.r.ReadByte()
		if err != nil {
			if b.Len() > 0 {
				break
			}
			return "", err
		}
		if isSpace(c) {
			break
		}
		b.WriteByte(c)
	}
	return b.String(), nil
}

func (s *scanner) quotedString() (string, error) {
	if err := s.skipSpace(); err != nil {
		return "", err
	}
	c, err := s.r.ReadByte()
	if err != nil {
		return "", err
	}
	if c != '"' {
		return "", fmt.Errorf("journal: expected '\"', got %q", c)
	}
	var b strings.Builder
	for {
		c, err := s.r.ReadByte()
		if err != nil {
			return "", fmt.Errorf("journal: unterminated string: %w", err)
		}
		if c == '\\' {
			next, err := s.r.ReadByte()
			if err != nil {
				return "", fmt.Errorf("journal: unterminated escape: %w", err)
			}
			b.WriteByte(next)
			continue
		}
		if c == '"' {
			break
		}
		b.WriteByte(c)
	}
	return b.String(), nil
}

func (s *scanner) uint32Field() (uint32, error) {
	w, err := s.word()
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(w, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("journal: bad integer %q: %w", w, err)
	}
	return uint32(n), nil
}

func (s *scanner) int32Field() (int32, error) {
	w, err := s.word()
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(w, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("journal: bad integer %q: %w", w, err)
	}
	return int32(n), nil
}

func parseRecord(s *scanner) (Record, error) {
	kw, err := s.word()
	if err != nil {
		return nil, err
	}
	switch kw {
	case "NEW_USER":
		name, err := s.quotedString()
		if err != nil {
			return nil, err
		}
		return NewUser{Name: name}, nil

	case "NEW_GROUP":
		name, err := s.quotedString()
		if err != nil {
			return nil, err
		}
		count, err := s.uint32Field()
		if err != nil {
			return nil, err
		}
		members := make([]string, 0, count)
		for i := uint32(0); i < count; i++ {
			m, err := s.quotedString()
			if err != nil {
				return nil, err
			}
			members = append(members, m)
		}
		return NewGroup{Name: name, Members: members}, nil

	case "NEW_MESSAGE":
		sender, err := s.quotedString()
		if err != nil {
			return nil, err
		}
		kind, err := s.uint32Field()
		if err != nil {
			return nil, err
		}
		recipName, err := s.quotedString()
		if err != nil {
			return nil, err
		}
		content, err := s.quotedString()
		if err != nil {
			return nil, err
		}
		return NewMessage{Sender: sender, RecipientKind: uint8(kind), RecipientName: recipName, Content: content}, nil

	case "DELETE_MESSAGE":
		id, err := s.int32Field()
		if err != nil {
			return nil, err
		}
		return DeleteMessage{ID: id}, nil

	case "UPDATE_ID":
		id, err := s.uint32Field()
		if err != nil {
			return nil, err
		}
		return UpdateID{ID: id}, nil

	default:
		return nil, fmt.Errorf("journal: unknown record type %q", kw)
	}
}
