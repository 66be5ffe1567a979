// Package bootstrap replays a journal into fresh stores so the server can
// reach its last committed state before opening the listener.
package bootstrap

import (
	"fmt"
	"log/slog"

	"presenced/journal"
	"presenced/store"
)

// Result bundles the stores and allocator bootstrap produced, ready to hand
// to a server.Server.
type Result struct {
	Store     *store.Store
	Allocator *store.Allocator
}

// Load drains j, applying each record to a fresh Store in order. Any
// inconsistency (unknown user, unknown group, missing preceding UPDATE_ID)
// aborts that one record; Load logs it and continues with the next.
func Load(j *journal.Journal, logger *slog.Logger) (*Result, error) {
	s := store.New()
	var lastID uint32

	for j.HasMore() {
		rec, err := j.Next()
		if err != nil {
			logger.Error("journal malformed during replay, journal poisoned", "err", err)
			break
		}
		if err := apply(s, &lastID, rec); err != nil {
			logger.Warn("skipping inconsistent journal record", "record", rec, "err", err)
		}
	}

	return &Result{Store: s, Allocator: store.NewAllocator(j, lastID)}, nil
}

func apply(s *store.Store, lastID *uint32, rec journal.Record) error {
	switch r := rec.(type) {
	case journal.NewUser:
		if s.FindUserByName(r.Name) != nil {
			return fmt.Errorf("duplicate user %q", r.Name)
		}
		s.AddUser(&store.User{Name: r.Name, Session: store.NewSession()})

	case journal.NewGroup:
		for _, m := range r.Members {
			if s.FindUserByName(m) == nil {
				return fmt.Errorf("group %q references unknown user %q", r.Name, m)
			}
		}
		s.AddGroup(&store.Group{Name: r.Name, Members: append([]string(nil), r.Members...)})

	case journal.UpdateID:
		*lastID = r.ID

	case journal.NewMessage:
		return applyNewMessage(s, *lastID, r)

	case journal.DeleteMessage:
		if _, idx := s.FindMessageByID(r.ID); idx >= 0 {
			s.RemoveMessageAt(idx)
		} else {
			return fmt.Errorf("delete of unknown message %d", r.ID)
		}
	}
	return nil
}

func applyNewMessage(s *store.Store, lastID uint32, r journal.NewMessage) error {
	if s.FindUserByName(r.Sender) == nil {
		return fmt.Errorf("message from unknown sender %q", r.Sender)
	}

	switch store.RecipientKind(r.RecipientKind) {
	case store.RecipientUser:
		if s.FindUserByName(r.RecipientName) == nil {
			return fmt.Errorf("message to unknown user %q", r.RecipientName)
		}
		if lastID == 0 {
			return fmt.Errorf("message to %q has no preceding UPDATE_ID", r.RecipientName)
		}
		s.AddMessage(&store.Message{
			ID:      int32(lastID),
			Content: r.Content,
			Sender:  r.Sender,
			Recipient: store.Recipient{
				Kind: store.RecipientUser,
				Name: r.RecipientName,
			},
		})

	case store.RecipientGroup:
		g := s.FindGroupByName(r.RecipientName)
		if g == nil {
			return fmt.Errorf("message to unknown group %q", r.RecipientName)
		}
		n := uint32(len(g.Members))
		if n == 0 {
			return fmt.Errorf("group %q has no members", r.RecipientName)
		}
		if n > lastID {
			return fmt.Errorf("group %q fan-out precedes a sufficient UPDATE_ID", r.RecipientName)
		}
		// The allocator journaled only the final id of the batch (see
		// store.Allocator.NextN); recover the first and walk forward,
		// assigning ids in the same member order the live send used.
		first := lastID - n + 1
		for i, member := range g.Members {
			s.AddMessage(&store.Message{
				ID:      int32(first) + int32(i),
				Content: r.Content,
				Sender:  r.Sender,
				Recipient: store.Recipient{
					Kind: store.RecipientUser,
					Name: member,
				},
			})
		}

	default:
		return fmt.Errorf("unknown recipient kind %d", r.RecipientKind)
	}
	return nil
}
