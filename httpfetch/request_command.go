package httpfetch

import (
	"bytes"
	"context"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/mccartykim/godl/enginectl"
	"github.com/mccartykim/godl/segment"
)

// RequestCommand formats and sends the request headers (spec §4.4 item
// 2), including a Range header bound to the segment it is assigned.
type RequestCommand struct {
	cuid int
	e    *Engine
	req  *Request
	conn net.Conn

	absoluteURI bool // true for a proxy-GET request line

	seg       segment.Segment
	haveSeg   bool
	buf       []byte // unwritten tail of the formatted request
	formatted bool

	log *logrus.Entry
}

// NewRequestCommand builds a request command over an already-connected
// conn. absoluteURI selects the proxy-GET request-line form
// ("GET http://host/path HTTP/1.1") versus the direct/tunnel form
// ("GET /path HTTP/1.1").
func NewRequestCommand(cuid int, e *Engine, req *Request, conn net.Conn, absoluteURI bool) *RequestCommand {
	return &RequestCommand{
		cuid:        cuid,
		e:           e,
		req:         req,
		conn:        conn,
		absoluteURI: absoluteURI,
		log:         logrus.WithField("cuid", cuid),
	}
}

func (c *RequestCommand) CUID() int { return c.cuid }

func (c *RequestCommand) Step(ctx context.Context) (enginectl.Result, error) {
	if !c.haveSeg {
		seg, ok := c.e.Segments.GetSegment(c.cuid)
		if !ok {
			return enginectl.Done, enginectl.Retryf("httpfetch: no segment available for cuid %d", c.cuid)
		}
		c.seg = seg
		c.haveSeg = true
	}

	if !c.formatted {
		c.buf = c.format()
		c.formatted = true
	}

	for len(c.buf) > 0 {
		n, ready, err := enginectl.TryWrite(c.conn, c.buf)
		if err != nil {
			return enginectl.Done, enginectl.Retry(err)
		}
		if !ready {
			c.e.Dispatcher.Enqueue(c)
			return enginectl.Yield, nil
		}
		c.buf = c.buf[n:]
	}

	next := NewResponseCommand(c.cuid, c.e, c.req, c.conn, c.seg)
	c.e.Dispatcher.Enqueue(next)
	return enginectl.Done, nil
}

func (c *RequestCommand) format() []byte {
	var b bytes.Buffer

	target := c.req.Path()
	if c.absoluteURI {
		target = fmt.Sprintf("http://%s:%d%s", c.req.Host(), c.req.Port(), c.req.Path())
	}

	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", target)
	fmt.Fprintf(&b, "Host: %s\r\n", c.req.Host())
	fmt.Fprintf(&b, "Range: bytes=%d-%d\r\n", c.seg.Cursor, c.seg.End-1)
	fmt.Fprintf(&b, "Connection: close\r\n")
	if c.e.Options.UserAgent != "" {
		fmt.Fprintf(&b, "User-Agent: %s\r\n", c.e.Options.UserAgent)
	}
	b.WriteString("\r\n")

	return b.Bytes()
}

func (c *RequestCommand) OnAbort() {
	c.e.Segments.CancelSegment(c.cuid)
}

func (c *RequestCommand) Cleanup() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// IncrementTryCount bumps the request's retry counter.
func (c *RequestCommand) IncrementTryCount() int {
	return c.req.AddTryCount()
}

// PrepareRetry cancels the held segment and re-enters via a fresh
// initiate command.
func (c *RequestCommand) PrepareRetry(waitSeconds int) enginectl.Command {
	c.e.Segments.CancelSegment(c.cuid)
	if c.conn != nil {
		c.conn.Close()
	}
	return NewInitiateCommand(c.cuid, c.e, c.req)
}

// TryReserved pops the next reserved request, if any.
func (c *RequestCommand) TryReserved() (enginectl.Command, bool) {
	reserved, ok := c.e.Segments.PopReserved()
	if !ok {
		return nil, false
	}
	req, err := NewRequest(reserved.URL)
	if err != nil {
		return nil, false
	}
	return NewInitiateCommand(c.cuid, c.e, req), true
}
