package server

import (
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"presenced/bootstrap"
	"presenced/config"
	"presenced/journal"
	"presenced/store"
	"presenced/wire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openDrainedJournal(t *testing.T, path string) *journal.Journal {
	j, err := journal.Open(path)
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	for j.HasMore() {
		if _, err := j.Next(); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	return j
}

// newTestServer starts a Server with no real listener; tests inject
// connections directly via Accept, the same entry point the real accept
// loop uses.
func newTestServer(t *testing.T, cfg *config.Config) (*Server, string) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.journal")
	j := openDrainedJournal(t, path)

	res, err := bootstrap.Load(j, discardLogger())
	if err != nil {
		t.Fatalf("bootstrap.Load: %v", err)
	}

	if cfg == nil {
		cfg = config.Default()
	}
	srv := New(cfg, res.Store, res.Allocator, j, discardLogger())
	go srv.Serve()
	t.Cleanup(func() {
		srv.Stop()
		j.Close()
	})
	return srv, path
}

func connectClient(srv *Server) *wire.Conn {
	serverConn, clientConn := net.Pipe()
	srv.Accept(serverConn)
	return wire.NewConn(clientConn, time.Second, time.Second)
}

func mustRegister(t *testing.T, srv *Server, name string) {
	c := connectClient(srv)
	defer c.Close()
	if err := c.WriteU8(uint8(wire.OpRegister)); err != nil {
		t.Fatalf("write opcode: %v", err)
	}
	if err := c.WriteRaw(name); err != nil {
		t.Fatalf("write name: %v", err)
	}
	res, err := c.ReadU8()
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	if wire.Result(res) != wire.Success {
		t.Fatalf("register %q failed: result %d", name, res)
	}
}

// mustLogin registers a fresh client connection that stays open (the
// session is bound to that socket) and returns its wire.Conn and session id.
func mustLogin(t *testing.T, srv *Server, name string) (*wire.Conn, int32) {
	c := connectClient(srv)
	if err := c.WriteU8(uint8(wire.OpLogin)); err != nil {
		t.Fatalf("write opcode: %v", err)
	}
	if err := c.WriteRaw(name); err != nil {
		t.Fatalf("write name: %v", err)
	}
	id, err := c.ReadI32()
	if err != nil {
		t.Fatalf("read id: %v", err)
	}
	res, err := c.ReadU8()
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	if wire.Result(res) != wire.Success {
		t.Fatalf("login %q failed: result %d", name, res)
	}
	return c, id
}

func sendMessage(t *testing.T, c *wire.Conn, callerID int32, kind uint8, recipient, content string) int32 {
	if err := c.WriteU8(uint8(wire.OpSendMessage)); err != nil {
		t.Fatalf("write opcode: %v", err)
	}
	if err := c.WriteI32(callerID); err != nil {
		t.Fatalf("write caller id: %v", err)
	}
	ack, err := c.ReadU8()
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if wire.Result(ack) != wire.Success {
		t.Fatalf("send_message ack failed: %d", ack)
	}
	if err := c.WriteU8(kind); err != nil {
		t.Fatalf("write kind: %v", err)
	}
	if err := c.WriteString(recipient); err != nil {
		t.Fatalf("write recipient: %v", err)
	}
	if err := c.WriteString(content); err != nil {
		t.Fatalf("write content: %v", err)
	}
	final, err := c.ReadU8()
	if err != nil {
		t.Fatalf("read final: %v", err)
	}
	if wire.Result(final) != wire.Success {
		t.Fatalf("send_message failed: %d", final)
	}
	id, err := c.ReadI32()
	if err != nil {
		t.Fatalf("read message id: %v", err)
	}
	return id
}

func getMessages(t *testing.T, c *wire.Conn, callerID int32) []struct {
	ID      int32
	Sender  string
	Content string
} {
	if err := c.WriteU8(uint8(wire.OpGetMessages)); err != nil {
		t.Fatalf("write opcode: %v", err)
	}
	if err := c.WriteI32(callerID); err != nil {
		t.Fatalf("write caller id: %v", err)
	}
	ack, err := c.ReadU8()
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if wire.Result(ack) != wire.Success {
		t.Fatalf("get_messages ack failed: %d", ack)
	}
	n, err := c.ReadU32()
	if err != nil {
		t.Fatalf("read count: %v", err)
	}
	out := make([]struct {
		ID      int32
		Sender  string
		Content string
	}, 0, n)
	for i := uint32(0); i < n; i++ {
		id, err := c.ReadI32()
		if err != nil {
			t.Fatalf("read id: %v", err)
		}
		sender, err := c.ReadLPString(1024)
		if err != nil {
			t.Fatalf("read sender: %v", err)
		}
		content, err := c.ReadLPString(1024)
		if err != nil {
			t.Fatalf("read content: %v", err)
		}
		out = append(out, struct {
			ID      int32
			Sender  string
			Content string
		}{id, sender, content})
	}
	final, err := c.ReadU8()
	if err != nil {
		t.Fatalf("read final: %v", err)
	}
	if wire.Result(final) != wire.Success {
		t.Fatalf("get_messages final failed: %d", final)
	}
	return out
}

func deleteMessage(t *testing.T, c *wire.Conn, callerID, msgID int32) wire.Result {
	if err := c.WriteU8(uint8(wire.OpDeleteMessage)); err != nil {
		t.Fatalf("write opcode: %v", err)
	}
	if err := c.WriteI32(callerID); err != nil {
		t.Fatalf("write caller id: %v", err)
	}
	ack, err := c.ReadU8()
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if wire.Result(ack) != wire.Success {
		t.Fatalf("delete_message ack failed: %d", ack)
	}
	if err := c.WriteI32(msgID); err != nil {
		t.Fatalf("write message id: %v", err)
	}
	final, err := c.ReadU8()
	if err != nil {
		t.Fatalf("read final: %v", err)
	}
	return wire.Result(final)
}

func registerGroup(t *testing.T, srv *Server, name string, members []string) {
	c := connectClient(srv)
	defer c.Close()
	if err := c.WriteU8(uint8(wire.OpRegisterGroup)); err != nil {
		t.Fatalf("write opcode: %v", err)
	}
	if err := c.WriteString(name); err != nil {
		t.Fatalf("write name: %v", err)
	}
	ack, err := c.ReadU8()
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if wire.Result(ack) != wire.Success {
		t.Fatalf("register_group ack failed: %d", ack)
	}
	if err := c.WriteU32(uint32(len(members))); err != nil {
		t.Fatalf("write count: %v", err)
	}
	for _, m := range members {
		if err := c.WriteString(m); err != nil {
			t.Fatalf("write member: %v", err)
		}
	}
	final, err := c.ReadU8()
	if err != nil {
		t.Fatalf("read final: %v", err)
	}
	if wire.Result(final) != wire.Success {
		t.Fatalf("register_group failed: %d", final)
	}
}

// Scenario 1: register, login, send a message to self, read it back.
func TestSelfMessageRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	mustRegister(t, srv, "alice")
	c, id := mustLogin(t, srv, "alice")
	defer c.Close()

	sendMessage(t, c, id, uint8(store.RecipientUser), "alice", "hello me")

	msgs := getMessages(t, c, id)
	if len(msgs) != 1 || msgs[0].Content != "hello me" || msgs[0].Sender != "alice" {
		t.Fatalf("got %+v", msgs)
	}
}

// Scenario 2: a message sent to another user shows up only in that user's
// inbox, addressed from the sender.
func TestCrossUserDelivery(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	mustRegister(t, srv, "alice")
	mustRegister(t, srv, "bob")
	alice, aliceID := mustLogin(t, srv, "alice")
	defer alice.Close()
	bob, bobID := mustLogin(t, srv, "bob")
	defer bob.Close()

	sendMessage(t, alice, aliceID, uint8(store.RecipientUser), "bob", "hi bob")

	bobMsgs := getMessages(t, bob, bobID)
	if len(bobMsgs) != 1 || bobMsgs[0].Content != "hi bob" || bobMsgs[0].Sender != "alice" {
		t.Fatalf("got %+v", bobMsgs)
	}
	aliceMsgs := getMessages(t, alice, aliceID)
	if len(aliceMsgs) != 0 {
		t.Fatalf("sender inbox should stay empty, got %+v", aliceMsgs)
	}
}

// Scenario 3: a group send fans out into one row per member, each with its
// own id.
func TestGroupFanout(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	mustRegister(t, srv, "alice")
	mustRegister(t, srv, "bob")
	mustRegister(t, srv, "carol")
	registerGroup(t, srv, "team", []string{"bob", "carol"})

	alice, aliceID := mustLogin(t, srv, "alice")
	defer alice.Close()
	bob, bobID := mustLogin(t, srv, "bob")
	defer bob.Close()
	carol, carolID := mustLogin(t, srv, "carol")
	defer carol.Close()

	sendMessage(t, alice, aliceID, uint8(store.RecipientGroup), "team", "hi team")

	bobMsgs := getMessages(t, bob, bobID)
	carolMsgs := getMessages(t, carol, carolID)
	if len(bobMsgs) != 1 || len(carolMsgs) != 1 {
		t.Fatalf("got bob=%+v carol=%+v", bobMsgs, carolMsgs)
	}
	if bobMsgs[0].ID == carolMsgs[0].ID {
		t.Fatalf("expected distinct ids per member, both got %d", bobMsgs[0].ID)
	}
}

// Scenario 4: deleting a message addressed to someone else is rejected.
func TestUnauthorizedDelete(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	mustRegister(t, srv, "alice")
	mustRegister(t, srv, "bob")
	alice, aliceID := mustLogin(t, srv, "alice")
	defer alice.Close()
	bob, bobID := mustLogin(t, srv, "bob")
	defer bob.Close()

	msgID := sendMessage(t, alice, aliceID, uint8(store.RecipientUser), "bob", "hi bob")

	if res := deleteMessage(t, alice, aliceID, msgID); res != wire.Unauthorized {
		t.Fatalf("expected Unauthorized for non-owner delete, got %v", res)
	}
	if res := deleteMessage(t, bob, bobID, msgID); res != wire.Success {
		t.Fatalf("expected owner delete to succeed, got %v", res)
	}
}

// Scenario 5: state survives a restart by replaying the journal.
func TestDurabilityAcrossRestart(t *testing.T) {
	srv, path := newTestServer(t, nil)

	mustRegister(t, srv, "alice")
	mustRegister(t, srv, "bob")
	alice, aliceID := mustLogin(t, srv, "alice")
	sendMessage(t, alice, aliceID, uint8(store.RecipientUser), "bob", "durable hello")
	alice.Close()
	srv.Stop()

	j, err := journal.Open(path)
	if err != nil {
		t.Fatalf("reopen journal: %v", err)
	}
	defer j.Close()

	res, err := bootstrap.Load(j, discardLogger())
	if err != nil {
		t.Fatalf("bootstrap.Load: %v", err)
	}
	if res.Store.FindUserByName("alice") == nil || res.Store.FindUserByName("bob") == nil {
		t.Fatal("expected both users to survive restart")
	}
	if len(res.Store.Messages) != 1 || res.Store.Messages[0].Content != "durable hello" {
		t.Fatalf("got messages %+v", res.Store.Messages)
	}
}

// Scenario 6: an idle connection is pruned and its session cleared.
func TestIdlePruning(t *testing.T) {
	cfg := config.Default()
	cfg.PruneInterval = 20 * time.Millisecond
	cfg.IdleThreshold = 40 * time.Millisecond
	srv, _ := newTestServer(t, cfg)

	mustRegister(t, srv, "alice")
	c, _ := mustLogin(t, srv, "alice")
	defer c.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st := srv.Stats(); st.Connections == 0 {
			if st.LoggedIn != 0 {
				t.Fatalf("expected pruned session to be cleared, %d still logged in", st.LoggedIn)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected idle connection to be pruned")
}
