package wire

import (
	"net"
	"testing"
	"time"
)

func pipePair() (*Conn, *Conn) {
	a, b := net.Pipe()
	return NewConn(a, time.Second, time.Second), NewConn(b, time.Second, time.Second)
}

func TestOpcodeRoundTrip(t *testing.T) {
	server, client := pipePair()
	defer server.Close()
	defer client.Close()

	go client.WriteU8(uint8(OpLogin))

	op, err := server.ReadOpcode()
	if err != nil {
		t.Fatalf("ReadOpcode: %v", err)
	}
	if op != OpLogin {
		t.Errorf("got opcode %v, want %v", op, OpLogin)
	}
}

func TestU32RoundTrip(t *testing.T) {
	server, client := pipePair()
	defer server.Close()
	defer client.Close()

	go client.WriteU32(0xdeadbeef)

	v, err := server.ReadU32()
	if err != nil {
		t.Fatalf("ReadU32: %v", err)
	}
	if v != 0xdeadbeef {
		t.Errorf("got %#x, want %#x", v, 0xdeadbeef)
	}
}

func TestI32Negative(t *testing.T) {
	server, client := pipePair()
	defer server.Close()
	defer client.Close()

	go client.WriteI32(-1)

	v, err := server.ReadI32()
	if err != nil {
		t.Fatalf("ReadI32: %v", err)
	}
	if v != -1 {
		t.Errorf("got %d, want -1", v)
	}
}

func TestLPStringRoundTrip(t *testing.T) {
	server, client := pipePair()
	defer server.Close()
	defer client.Close()

	go client.WriteString("hello there")

	s, err := server.ReadLPString(64)
	if err != nil {
		t.Fatalf("ReadLPString: %v", err)
	}
	if s != "hello there" {
		t.Errorf("got %q, want %q", s, "hello there")
	}
}

func TestLPStringTooLong(t *testing.T) {
	server, client := pipePair()
	defer server.Close()
	defer client.Close()

	go client.WriteString("this is far too long")

	_, err := server.ReadLPString(4)
	if err != ErrStringTooLong {
		t.Fatalf("got err %v, want ErrStringTooLong", err)
	}
}

func TestRawStringRoundTrip(t *testing.T) {
	server, client := pipePair()
	defer server.Close()
	defer client.Close()

	go client.WriteRaw("alice")

	s, err := server.ReadRawString(MaxRawRead)
	if err != nil {
		t.Fatalf("ReadRawString: %v", err)
	}
	if s != "alice" {
		t.Errorf("got %q, want %q", s, "alice")
	}
}

func TestRawStringDetectsOverlong(t *testing.T) {
	server, client := pipePair()
	defer server.Close()
	defer client.Close()

	go client.WriteRaw("123456789")

	s, err := server.ReadRawString(5 + 1)
	if err != nil {
		t.Fatalf("ReadRawString: %v", err)
	}
	if len(s) <= 5 {
		t.Fatalf("expected overlong read to surface, got %q", s)
	}
}

func TestOpcodeString(t *testing.T) {
	if OpSendMessage.String() != "SEND_MESSAGE" {
		t.Errorf("got %q", OpSendMessage.String())
	}
	if Opcode(99).String() != "UNKNOWN" {
		t.Errorf("got %q", Opcode(99).String())
	}
}
