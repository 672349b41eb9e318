package httpfetch

import (
	"net"
	"time"

	"github.com/mccartykim/godl/enginectl"
)

func readDeadlineNow() time.Time {
	return time.Now().Add(enginectl.PollTimeout)
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
