// Package store holds the in-memory users, groups, and messages, and the
// monotonic id allocator layered on the journal. Every operation here runs
// on the server's single core-loop goroutine, so none of it needs locking.
package store

import (
	"net"
	"time"
)

// RecipientKind tags a Recipient as a single user or a named group. It
// mirrors wire.RecipientKind's values without importing the wire package —
// store is the lower-level package and must not depend on the transport.
type RecipientKind uint8

const (
	RecipientUser  RecipientKind = 0
	RecipientGroup RecipientKind = 1
)

// Recipient is the tagged variant the source expressed as a Recipient base
// class with a virtual usernames() method; here it's a pure value resolved
// against a Store on demand. Every Message row actually stored carries
// Kind == RecipientUser — group sends fan out into one per-member row, each
// addressed to that member — see SPEC_FULL.md §3 for why.
type Recipient struct {
	Kind RecipientKind
	Name string
}

// Session is the transient, per-login data the source mixes into User
// itself. Keeping it a separate embedded value is what makes replay trivial:
// bootstrap never sets it to anything but the logged-out default that
// NewSession returns.
type Session struct {
	LoggedIn      bool
	ID            int32
	Conn          net.Conn
	Status        string
	LastHeartbeat time.Time
}

// NewSession returns the default, logged-out session state.
func NewSession() Session {
	return Session{ID: -1, Status: "Offline"}
}

// User is the durable roster entry; only Name is ever journaled.
type User struct {
	Name    string
	Session Session
}

// Group is immutable after creation: a name and an ordered member list.
type Group struct {
	Name    string
	Members []string
}

// Message is one inbox row. Sender and Recipient are names, not pointers —
// the source's raw User*/Recipient* fields are the dangling-reference
// hazard this redesign avoids.
type Message struct {
	ID        int32
	Content   string
	Sender    string
	Recipient Recipient
}
