package wire

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"time"
)

// Conn wraps a net.Conn with the read/write deadlines every handler needs
// and the framing primitives spec'd for this protocol. Exactly one goroutine
// is expected to drive reads on a given Conn at a time; the multiplexer
// enforces that by handing the connection off rather than sharing it.
type Conn struct {
	raw          net.Conn
	r            *bufio.Reader
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func NewConn(raw net.Conn, readTimeout, writeTimeout time.Duration) *Conn {
	return &Conn{
		raw:          raw,
		r:            bufio.NewReader(raw),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

func (c *Conn) Raw() net.Conn      { return c.raw }
func (c *Conn) Close() error       { return c.raw.Close() }
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// ReadOpcode blocks indefinitely for the next opcode byte. It carries no
// deadline of its own: a socket that never sends another opcode is reclaimed
// by the multiplexer's pruner on its own schedule, not by this read.
func (c *Conn) ReadOpcode() (Opcode, error) {
	c.raw.SetReadDeadline(time.Time{})
	b, err := c.r.ReadByte()
	if err != nil {
		return 0, err
	}
	return Opcode(b), nil
}

func (c *Conn) deadlineRead(fn func() error) error {
	c.raw.SetReadDeadline(time.Now().Add(c.readTimeout))
	err := fn()
	c.raw.SetReadDeadline(time.Time{})
	return err
}

func (c *Conn) deadlineWrite(fn func() error) error {
	c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	err := fn()
	c.raw.SetWriteDeadline(time.Time{})
	return err
}

func (c *Conn) ReadU8() (uint8, error) {
	var b byte
	err := c.deadlineRead(func() error {
		v, rerr := c.r.ReadByte()
		b = v
		return rerr
	})
	return b, err
}

func (c *Conn) ReadU32() (uint32, error) {
	var buf [4]byte
	err := c.deadlineRead(func() error {
		_, rerr := io.ReadFull(c.r, buf[:])
		return rerr
	})
	return binary.LittleEndian.Uint32(buf[:]), err
}

func (c *Conn) ReadI32() (int32, error) {
	v, err := c.ReadU32()
	return int32(v), err
}

// ReadLPString reads a u32 length prefix followed by that many bytes. If the
// declared length exceeds maxLen it returns ErrStringTooLong without reading
// the payload, so an oversize declared length can't be used to stall the
// handler reading bytes that will only be rejected anyway.
func (c *Conn) ReadLPString(maxLen int) (string, error) {
	n, err := c.ReadU32()
	if err != nil {
		return "", err
	}
	if int(n) > maxLen {
		return "", ErrStringTooLong
	}
	buf := make([]byte, n)
	err = c.deadlineRead(func() error {
		_, rerr := io.ReadFull(c.r, buf)
		return rerr
	})
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// ReadRawString performs a single underlying read into a bufCap-sized
// buffer and returns whatever arrived, with no length prefix — this mirrors
// the original server's single recv() call for REGISTER/LOGIN/SET_STATUS
// payloads (spec: "bytes(username, read until stall/limit)"). Callers that
// need to detect an oversize field should pass a bufCap one byte larger
// than their limit and check the returned length.
func (c *Conn) ReadRawString(bufCap int) (string, error) {
	buf := make([]byte, bufCap)
	var n int
	err := c.deadlineRead(func() error {
		var rerr error
		n, rerr = c.r.Read(buf)
		return rerr
	})
	if err != nil && n == 0 {
		return "", err
	}
	return string(buf[:n]), nil
}

func (c *Conn) WriteU8(v uint8) error {
	return c.deadlineWrite(func() error {
		_, err := c.raw.Write([]byte{v})
		return err
	})
}

func (c *Conn) WriteResult(r Result) error {
	return c.WriteU8(uint8(r))
}

func (c *Conn) WriteU32(v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return c.deadlineWrite(func() error {
		_, err := c.raw.Write(buf[:])
		return err
	})
}

func (c *Conn) WriteI32(v int32) error {
	return c.WriteU32(uint32(v))
}

// WriteString writes a u32 length prefix followed by s's bytes.
func (c *Conn) WriteString(s string) error {
	if err := c.WriteU32(uint32(len(s))); err != nil {
		return err
	}
	return c.deadlineWrite(func() error {
		_, err := c.raw.Write([]byte(s))
		return err
	})
}

// WriteRaw writes s's bytes with no length prefix, the counterpart to
// ReadRawString.
func (c *Conn) WriteRaw(s string) error {
	return c.deadlineWrite(func() error {
		_, err := c.raw.Write([]byte(s))
		return err
	})
}
