package httpfetch

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/pkg/errors"
)

// ProbeLength issues a single blocking GET and reads back only the
// status line and headers to learn the target's Content-Length before
// the segment manager is sized. This runs once, before the dispatcher
// starts, so it is the one place in httpfetch allowed to block on I/O
// rather than yield through enginectl's cooperative Step contract.
func ProbeLength(ctx context.Context, req *Request, opts Options) (int64, error) {
	var d net.Dialer
	addr := net.JoinHostPort(req.Host(), fmt.Sprint(req.Port()))
	if opts.ProxyEnabled {
		addr = net.JoinHostPort(opts.ProxyHost, fmt.Sprint(opts.ProxyPort))
	}

	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, errors.Wrap(err, "httpfetch: probe dial")
	}
	defer conn.Close()

	target := req.Path()
	if opts.ProxyEnabled && opts.ProxyMethod == ProxyMethodGet {
		target = req.URL()
	}

	httpReq, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		return 0, errors.Wrap(err, "httpfetch: probe request")
	}
	httpReq.Host = req.Host()
	if opts.UserAgent != "" {
		httpReq.Header.Set("User-Agent", opts.UserAgent)
	}
	httpReq.Header.Set("Range", "bytes=0-0")

	if err := httpReq.Write(conn); err != nil {
		return 0, errors.Wrap(err, "httpfetch: probe write")
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), httpReq)
	if err != nil {
		return 0, errors.Wrap(err, "httpfetch: probe read")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusPartialContent {
		cr := resp.Header.Get("Content-Range")
		var total int64
		if _, err := fmt.Sscanf(cr, "bytes 0-0/%d", &total); err == nil && total > 0 {
			return total, nil
		}
	}
	if resp.ContentLength >= 0 {
		return resp.ContentLength, nil
	}
	return 0, errors.New("httpfetch: server did not report a content length")
}
