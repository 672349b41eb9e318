package httpfetch

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/mccartykim/godl/enginectl"
)

// ProxyHandshakeCommand issues a CONNECT tunnel request and waits for a
// 200 response before handing the (now tunneled) connection to a
// RequestCommand, per spec §4.4/§6 "Proxy — either CONNECT tunnel ... or
// absolute-URI GET via the proxy."
type ProxyHandshakeCommand struct {
	cuid int
	e    *Engine
	req  *Request
	conn net.Conn

	buf       []byte
	formatted bool
	reader    *bufio.Reader

	log *logrus.Entry
}

// NewProxyHandshakeCommand builds a CONNECT handshake command.
func NewProxyHandshakeCommand(cuid int, e *Engine, req *Request, conn net.Conn) *ProxyHandshakeCommand {
	return &ProxyHandshakeCommand{
		cuid:   cuid,
		e:      e,
		req:    req,
		conn:   conn,
		reader: bufio.NewReader(conn),
		log:    logrus.WithField("cuid", cuid),
	}
}

func (c *ProxyHandshakeCommand) CUID() int { return c.cuid }

func (c *ProxyHandshakeCommand) Step(ctx context.Context) (enginectl.Result, error) {
	if !c.formatted {
		var b bytes.Buffer
		fmt.Fprintf(&b, "CONNECT %s:%d HTTP/1.1\r\n", c.req.Host(), c.req.Port())
		fmt.Fprintf(&b, "Host: %s:%d\r\n\r\n", c.req.Host(), c.req.Port())
		c.buf = b.Bytes()
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

	if err := c.conn.SetReadDeadline(readDeadlineNow()); err != nil {
		return enginectl.Done, enginectl.Retry(err)
	}

	resp, err := http.ReadResponse(c.reader, nil)
	if err != nil {
		if isTimeout(err) {
			c.e.Dispatcher.Enqueue(c)
			return enginectl.Yield, nil
		}
		return enginectl.Done, enginectl.Retry(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return enginectl.Done, enginectl.Abortf("httpfetch: proxy CONNECT failed: %s", resp.Status)
	}

	next := NewRequestCommand(c.cuid, c.e, c.req, c.conn, false)
	c.e.Dispatcher.Enqueue(next)
	return enginectl.Done, nil
}

func (c *ProxyHandshakeCommand) OnAbort() {
	c.e.Segments.CancelSegment(c.cuid)
}

func (c *ProxyHandshakeCommand) Cleanup() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// IncrementTryCount bumps the request's retry counter.
func (c *ProxyHandshakeCommand) IncrementTryCount() int {
	return c.req.AddTryCount()
}

// PrepareRetry cancels the held segment and re-enters via a fresh
// initiate command.
func (c *ProxyHandshakeCommand) PrepareRetry(waitSeconds int) enginectl.Command {
	c.e.Segments.CancelSegment(c.cuid)
	if c.conn != nil {
		c.conn.Close()
	}
	return NewInitiateCommand(c.cuid, c.e, c.req)
}
