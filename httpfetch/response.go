package httpfetch

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/mccartykim/godl/enginectl"
	"github.com/mccartykim/godl/segment"
)

// ResponseCommand parses the status line and headers, then — for a
// transfer status — streams the body into the held segment at its write
// cursor, calling UpdateSegment after each read and CompleteSegment when
// the segment's end is reached (spec §4.4 item 3).
type ResponseCommand struct {
	cuid int
	e    *Engine
	req  *Request
	conn net.Conn
	seg  segment.Segment

	reader *bufio.Reader
	body   bool // true once headers are parsed and we're in the BODY state

	log *logrus.Entry
}

// NewResponseCommand builds a response command for an in-flight request
// over conn, bound to the caller's already-assigned segment.
func NewResponseCommand(cuid int, e *Engine, req *Request, conn net.Conn, seg segment.Segment) *ResponseCommand {
	return &ResponseCommand{
		cuid:   cuid,
		e:      e,
		req:    req,
		conn:   conn,
		seg:    seg,
		reader: bufio.NewReader(conn),
		log:    logrus.WithField("cuid", cuid),
	}
}

func (c *ResponseCommand) CUID() int { return c.cuid }

func (c *ResponseCommand) Step(ctx context.Context) (enginectl.Result, error) {
	if !c.body {
		return c.stepHeaders()
	}
	return c.stepBody()
}

func (c *ResponseCommand) stepHeaders() (enginectl.Result, error) {
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

	switch {
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		resp.Body.Close()
		location := resp.Header.Get("Location")
		if location == "" {
			return enginectl.Done, enginectl.Abortf("httpfetch: redirect status %d with no Location", resp.StatusCode)
		}
		if err := c.req.Redirect(location); err != nil {
			return enginectl.Done, enginectl.Abort(err)
		}
		c.conn.Close()
		c.e.Segments.CancelSegment(c.cuid)
		next := NewInitiateCommand(c.cuid, c.e, c.req)
		c.e.Dispatcher.Enqueue(next)
		return enginectl.Done, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.body = true
		c.e.Dispatcher.Enqueue(c)
		return enginectl.Yield, nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		resp.Body.Close()
		return enginectl.Done, enginectl.Abortf("httpfetch: client error status %d", resp.StatusCode)

	default:
		resp.Body.Close()
		return enginectl.Done, enginectl.Retryf("httpfetch: unexpected status %d", resp.StatusCode)
	}
}

func (c *ResponseCommand) stepBody() (enginectl.Result, error) {
	remaining := c.seg.Remaining()
	if remaining <= 0 {
		return c.finish()
	}

	chunkSize := remaining
	const maxChunk = 64 * 1024
	if chunkSize > maxChunk {
		chunkSize = maxChunk
	}

	buf := make([]byte, chunkSize)
	if err := c.conn.SetReadDeadline(readDeadlineNow()); err != nil {
		return enginectl.Done, enginectl.Retry(err)
	}

	n, err := c.reader.Read(buf)
	if n > 0 {
		if werr := c.e.Disk.WriteAt(c.seg.Cursor, buf[:n]); werr != nil {
			return enginectl.Done, enginectl.Abort(werr)
		}
		c.seg.Cursor += int64(n)
		if uerr := c.e.Segments.UpdateSegment(c.seg); uerr != nil {
			return enginectl.Done, enginectl.Abort(uerr)
		}
		if c.e.Metrics != nil {
			c.e.Metrics.BytesDownloaded.Add(float64(n))
		}
	}

	if err != nil {
		if isTimeout(err) {
			c.e.Dispatcher.Enqueue(c)
			return enginectl.Yield, nil
		}
		if err == io.EOF {
			if c.seg.Remaining() > 0 {
				return enginectl.Done, enginectl.Retryf("httpfetch: EOF before segment end (cuid %d)", c.cuid)
			}
			return c.finish()
		}
		return enginectl.Done, enginectl.Retry(err)
	}

	if c.seg.Remaining() <= 0 {
		return c.finish()
	}

	c.e.Dispatcher.Enqueue(c)
	return enginectl.Yield, nil
}

func (c *ResponseCommand) finish() (enginectl.Result, error) {
	if err := c.e.Segments.CompleteSegment(c.cuid); err != nil {
		return enginectl.Done, enginectl.Abort(err)
	}
	c.log.Debug("segment completed")
	return enginectl.Done, nil
}

func (c *ResponseCommand) OnAbort() {
	c.e.Segments.CancelSegment(c.cuid)
}

func (c *ResponseCommand) Cleanup() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// IncrementTryCount bumps the request's retry counter.
func (c *ResponseCommand) IncrementTryCount() int {
	return c.req.AddTryCount()
}

// PrepareRetry cancels the held segment — preserving its write cursor —
// and re-enters via a fresh initiate command, which will resume with a
// Range header starting at the preserved cursor.
func (c *ResponseCommand) PrepareRetry(waitSeconds int) enginectl.Command {
	c.e.Segments.CancelSegment(c.cuid)
	if c.conn != nil {
		c.conn.Close()
	}
	return NewInitiateCommand(c.cuid, c.e, c.req)
}
