package httpfetch

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mccartykim/godl/diskadaptor"
	"github.com/mccartykim/godl/enginectl"
	"github.com/mccartykim/godl/segment"
)

func testEngine(t *testing.T, totalLength int64, segCount int) (*Engine, *segment.Manager, *diskadaptor.Adaptor) {
	t.Helper()
	dir := t.TempDir()
	disk, err := diskadaptor.New(dir, totalLength, []diskadaptor.FileEntry{{Path: "out.bin", Length: totalLength, Offset: 0}})
	require.NoError(t, err)

	segs := segment.NewManager(totalLength, segCount)
	d := enginectl.NewDispatcher(segs, enginectl.WithTickInterval(time.Millisecond))

	return &Engine{
		Dispatcher: d,
		Segments:   segs,
		Disk:       disk,
		Allocator:  enginectl.NewCUIDAllocator(),
	}, segs, disk
}

func TestResponseCommandStreamsBodyIntoSegment(t *testing.T) {
	body := "hello, segment!"
	e, segs, disk := testEngine(t, int64(len(body)), 1)

	cuid := e.Allocator.Next()
	seg, ok := segs.GetSegment(cuid)
	require.True(t, ok)

	req, err := NewRequest("http://example.com/file")
	require.NoError(t, err)

	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()

	go func() {
		serverSide.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: " +
			intToStr(len(body)) + "\r\n\r\n" + body))
	}()

	cmd := NewResponseCommand(cuid, e, req, clientSide, seg)

	ctx := context.Background()
	for i := 0; i < 100; i++ {
		result, err := cmd.Step(ctx)
		require.NoError(t, err)
		if result == enginectl.Done {
			break
		}
	}

	assert.True(t, segs.Finished())

	got, err := disk.ReadAt(0, len(body))
	require.NoError(t, err)
	assert.Equal(t, body, string(got))
}

func TestResponseCommandRedirectResetsRequest(t *testing.T) {
	e, segs, _ := testEngine(t, 10, 1)
	cuid := e.Allocator.Next()
	seg, ok := segs.GetSegment(cuid)
	require.True(t, ok)

	req, err := NewRequest("http://example.com/old")
	require.NoError(t, err)

	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()

	go func() {
		serverSide.Write([]byte("HTTP/1.1 302 Found\r\nLocation: http://mirror.example.com/new\r\nContent-Length: 0\r\n\r\n"))
	}()

	cmd := NewResponseCommand(cuid, e, req, clientSide, seg)

	result, err := cmd.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, enginectl.Done, result)
	assert.Equal(t, "mirror.example.com", req.Host())
}

func intToStr(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
