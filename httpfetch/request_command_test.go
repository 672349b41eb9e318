package httpfetch

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mccartykim/godl/segment"
)

func TestRequestCommandFormatDirect(t *testing.T) {
	req, err := NewRequest("http://example.com/path/to/file")
	require.NoError(t, err)

	cmd := &RequestCommand{
		req: req,
		seg: segment.Segment{Begin: 0, End: 100, Cursor: 10},
		e:   &Engine{Options: Options{UserAgent: "godl/1.0"}},
	}

	out := string(cmd.format())
	assert.Contains(t, out, "GET /path/to/file HTTP/1.1\r\n")
	assert.Contains(t, out, "Host: example.com\r\n")
	assert.Contains(t, out, "Range: bytes=10-99\r\n")
	assert.Contains(t, out, "User-Agent: godl/1.0\r\n")
	assert.True(t, strings.HasSuffix(out, "\r\n\r\n"))
}

func TestRequestCommandFormatAbsoluteURIForProxyGet(t *testing.T) {
	req, err := NewRequest("http://example.com:8080/path")
	require.NoError(t, err)

	cmd := &RequestCommand{
		req:         req,
		seg:         segment.Segment{Begin: 0, End: 50, Cursor: 0},
		e:           &Engine{},
		absoluteURI: true,
	}

	out := string(cmd.format())
	assert.Contains(t, out, "GET http://example.com:8080/path HTTP/1.1\r\n")
}
