package enginectl

import (
	"net"
	"time"

	"github.com/pkg/errors"
)

// PollTimeout is the per-attempt deadline a command's Step sets before
// touching its socket — the "short timeout, typically one second" from
// spec §4.1 step 1, reimagined as a per-call SetReadDeadline/
// SetWriteDeadline instead of a central epoll/select registration.
const PollTimeout = 200 * time.Millisecond

// TryRead attempts a single non-blocking-equivalent read: it bounds conn
// with PollTimeout and distinguishes "nothing ready yet" (ready=false,
// err=nil, the command should Yield) from a real I/O error.
func TryRead(conn net.Conn, buf []byte) (n int, ready bool, err error) {
	if err := conn.SetReadDeadline(time.Now().Add(PollTimeout)); err != nil {
		return 0, false, errors.Wrap(err, "enginectl: set read deadline")
	}
	n, err = conn.Read(buf)
	if err == nil {
		return n, true, nil
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return n, false, nil
	}
	return n, false, err
}

// TryWrite attempts a single bounded write, with the same ready/timeout
// split as TryRead.
func TryWrite(conn net.Conn, buf []byte) (n int, ready bool, err error) {
	if err := conn.SetWriteDeadline(time.Now().Add(PollTimeout)); err != nil {
		return 0, false, errors.Wrap(err, "enginectl: set write deadline")
	}
	n, err = conn.Write(buf)
	if err == nil {
		return n, true, nil
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return n, false, nil
	}
	return n, false, err
}
