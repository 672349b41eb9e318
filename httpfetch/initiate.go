package httpfetch

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mccartykim/godl/enginectl"
)

// InitiateCommand resolves and connects, then spawns the next command in
// the chain: a proxy-handshake command (tunnel), a request command
// (direct, or proxy-get with an absolute-URI), per spec §4.4 item 1.
type InitiateCommand struct {
	cuid int
	e    *Engine
	req  *Request

	dialOnce bool
	result   chan dialOutcome

	log *logrus.Entry
}

type dialOutcome struct {
	conn net.Conn
	err  error
}

// NewInitiateCommand builds the first command in a fetch chain.
func NewInitiateCommand(cuid int, e *Engine, req *Request) *InitiateCommand {
	return &InitiateCommand{
		cuid:   cuid,
		e:      e,
		req:    req,
		result: make(chan dialOutcome, 1),
		log:    logrus.WithField("cuid", cuid),
	}
}

func (c *InitiateCommand) CUID() int { return c.cuid }

func (c *InitiateCommand) useProxy() bool { return c.e.Options.ProxyEnabled }

func (c *InitiateCommand) dialTarget() (host string, port int) {
	if c.useProxy() {
		return c.e.Options.ProxyHost, c.e.Options.ProxyPort
	}
	return c.req.Host(), c.req.Port()
}

func (c *InitiateCommand) Step(ctx context.Context) (enginectl.Result, error) {
	if !c.dialOnce {
		c.dialOnce = true
		host, port := c.dialTarget()
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		c.log.WithField("addr", addr).Info("connecting")

		go func() {
			dialer := net.Dialer{Timeout: 10 * time.Second}
			conn, err := dialer.DialContext(ctx, "tcp", addr)
			c.result <- dialOutcome{conn: conn, err: err}
		}()

		c.e.Dispatcher.Enqueue(c)
		return enginectl.Yield, nil
	}

	select {
	case res := <-c.result:
		if res.err != nil {
			return enginectl.Done, enginectl.Retry(res.err)
		}
		next := c.buildNext(res.conn)
		c.e.Dispatcher.Enqueue(next)
		return enginectl.Done, nil
	default:
		c.e.Dispatcher.Enqueue(c)
		return enginectl.Yield, nil
	}
}

func (c *InitiateCommand) buildNext(conn net.Conn) enginectl.Command {
	if c.useProxy() {
		switch c.e.Options.ProxyMethod {
		case ProxyMethodTunnel:
			return NewProxyHandshakeCommand(c.cuid, c.e, c.req, conn)
		default: // ProxyMethodGet
			return NewRequestCommand(c.cuid, c.e, c.req, conn, true)
		}
	}
	return NewRequestCommand(c.cuid, c.e, c.req, conn, false)
}

func (c *InitiateCommand) OnAbort() {
	c.e.Segments.CancelSegment(c.cuid)
}

func (c *InitiateCommand) Cleanup() {}

// IncrementTryCount bumps the request's retry counter.
func (c *InitiateCommand) IncrementTryCount() int {
	return c.req.AddTryCount()
}

// PrepareRetry cancels the held segment and returns a fresh initiate
// command, mirroring AbstractCommand::prepareForRetry.
func (c *InitiateCommand) PrepareRetry(waitSeconds int) enginectl.Command {
	c.e.Segments.CancelSegment(c.cuid)
	return NewInitiateCommand(c.cuid, c.e, c.req)
}

// TryReserved pops the next reserved request and spawns a fresh
// InitiateCommand for it, per AbstractCommand::tryReserved.
func (c *InitiateCommand) TryReserved() (enginectl.Command, bool) {
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
