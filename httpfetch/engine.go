package httpfetch

import (
	"github.com/mccartykim/godl/diskadaptor"
	"github.com/mccartykim/godl/enginectl"
	"github.com/mccartykim/godl/metrics"
	"github.com/mccartykim/godl/segment"
)

// Engine bundles the shared, engine-owned collaborators every httpfetch
// command holds a non-owning back-reference to (spec §3 "Ownership"):
// the dispatcher, the segment manager, and the disk adaptor.
type Engine struct {
	Dispatcher *enginectl.Dispatcher
	Segments   *segment.Manager
	Disk       *diskadaptor.Adaptor
	Allocator  *enginectl.CUIDAllocator
	Options    Options

	// Metrics is nil-safe: it may be left unset in tests that don't care
	// about instrumentation.
	Metrics *metrics.Recorder
}
