package peerwire

import (
	"encoding/binary"
	"net"

	"github.com/mccartykim/godl/enginectl"
)

// Decoder accumulates bytes read from conn across ticks and decodes
// complete length-prefixed messages from the buffer, never blocking
// longer than enginectl.PollTimeout per attempt.
type Decoder struct {
	conn net.Conn
	buf  []byte
}

// NewDecoder wraps conn for non-blocking message decoding.
func NewDecoder(conn net.Conn) *Decoder {
	return &Decoder{conn: conn}
}

// TryNext attempts to read more bytes and decode one message. ready is
// false when no complete message is available yet (the caller should
// Yield); a nil *Message with ready true is a keep-alive.
func (d *Decoder) TryNext() (msg *Message, ready bool, err error) {
	chunk := make([]byte, 4096)
	n, gotData, err := enginectl.TryRead(d.conn, chunk)
	if err != nil {
		return nil, false, err
	}
	if gotData && n > 0 {
		d.buf = append(d.buf, chunk[:n]...)
	}

	if len(d.buf) < 4 {
		return nil, false, nil
	}

	length := binary.BigEndian.Uint32(d.buf[:4])
	if length == 0 {
		d.buf = d.buf[4:]
		return nil, true, nil
	}

	if uint32(len(d.buf)) < 4+length {
		return nil, false, nil
	}

	body := d.buf[4 : 4+length]
	out := &Message{ID: body[0], Payload: append([]byte(nil), body[1:]...)}
	d.buf = d.buf[4+length:]
	return out, true, nil
}

// Writer buffers wire-format bytes and flushes them across ticks without
// ever blocking longer than enginectl.PollTimeout per attempt.
type Writer struct {
	conn    net.Conn
	pending []byte
}

// NewWriter wraps conn for non-blocking buffered writes.
func NewWriter(conn net.Conn) *Writer {
	return &Writer{conn: conn}
}

// Enqueue appends data to the pending write buffer.
func (w *Writer) Enqueue(data []byte) {
	w.pending = append(w.pending, data...)
}

// Pending reports whether unflushed bytes remain.
func (w *Writer) Pending() bool {
	return len(w.pending) > 0
}

// TryFlush attempts to write the pending buffer. done is true once
// everything has been written.
func (w *Writer) TryFlush() (done bool, err error) {
	for len(w.pending) > 0 {
		n, ready, err := enginectl.TryWrite(w.conn, w.pending)
		if err != nil {
			return false, err
		}
		if !ready {
			return false, nil
		}
		w.pending = w.pending[n:]
	}
	return true, nil
}
