// Package enginectl implements the command queue & dispatcher named in
// spec §4.1: a single-threaded cooperative round over a pending command
// deque, plus the halt flag and error taxonomy that wrap each step.
//
// The original source polls a central epoll/select multiplexer once per
// tick to learn which sockets are ready. Idiomatic Go has no equivalent
// readiness primitive worth reimplementing: instead, each command is
// responsible for bounding its own socket operations with
// SetReadDeadline/SetWriteDeadline (see httpfetch and peerwire), and a
// Step call that would block simply returns Yield having made no
// progress. The dispatcher's job shrinks to draining the deque, invoking
// steps, and applying the retry/abort/fatal error policy.
package enginectl

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mccartykim/godl/metrics"
)

// FinishChecker reports whether the download this dispatcher serves is
// complete — satisfied by *segment.Manager without enginectl needing to
// import it directly.
type FinishChecker interface {
	Finished() bool
}

// Dispatcher runs the cooperative command round described in spec §4.1.
type Dispatcher struct {
	queue chan Command

	halted int32

	// asyncPending counts commands that are waiting off-deque (e.g. a
	// sleep timer before a retry) and will re-enqueue themselves later.
	// Run must not treat an empty deque as "done" while this is nonzero.
	asyncPending int32

	finisher FinishChecker

	tickInterval time.Duration
	maxTries     int
	retryWaitSec int

	metrics *metrics.Recorder

	log *logrus.Entry
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTickInterval overrides the default one-second poll cadence (spec
// §4.1 step 1: "a short timeout, typically one second").
func WithTickInterval(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.tickInterval = d }
}

// WithMaxTries sets the retry try-count ceiling; 0 means unlimited.
func WithMaxTries(n int) Option {
	return func(disp *Dispatcher) { disp.maxTries = n }
}

// WithRetryWait sets the seconds a retried command waits before
// re-connecting.
func WithRetryWait(seconds int) Option {
	return func(disp *Dispatcher) { disp.retryWaitSec = seconds }
}

// WithMetrics attaches a recorder that Run charges retries and aborts
// against, satisfying spec §7's session error/retry totals.
func WithMetrics(r *metrics.Recorder) Option {
	return func(disp *Dispatcher) { disp.metrics = r }
}

// NewDispatcher builds a Dispatcher. finisher may be nil if the caller
// wants the dispatcher to run until its deque drains rather than until a
// segment manager reports completion.
func NewDispatcher(finisher FinishChecker, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:        make(chan Command, 4096),
		finisher:     finisher,
		tickInterval: time.Second,
		maxTries:     5,
		retryWaitSec: 5,
		log:          logrus.WithField("component", "dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Enqueue appends a command to the pending deque. Commands call this
// themselves to re-queue after yielding or to install a successor.
func (d *Dispatcher) Enqueue(cmd Command) {
	d.queue <- cmd
}

// Halt sets the process-wide halt flag (spec §9: "a global request-info
// pointer used by signal handlers becomes a process-wide halt flag
// published through an atomic boolean"). The dispatcher observes it only
// at tick boundaries.
func (d *Dispatcher) Halt() {
	atomic.StoreInt32(&d.halted, 1)
}

// Halted reports whether Halt has been called.
func (d *Dispatcher) Halted() bool {
	return atomic.LoadInt32(&d.halted) == 1
}

// BeginAsync registers a pending off-deque wait (such as a sleep timer
// ahead of a retry), preventing Run from exiting on an empty deque while
// it is outstanding. Callers must call EndAsync exactly once, after
// re-enqueueing their successor command.
func (d *Dispatcher) BeginAsync() {
	atomic.AddInt32(&d.asyncPending, 1)
}

// EndAsync releases a pending registered by BeginAsync.
func (d *Dispatcher) EndAsync() {
	atomic.AddInt32(&d.asyncPending, -1)
}

// Run drives the dispatcher until the segment manager reports the
// download finished, the halt flag is set, or the deque drains with
// nothing pending (spec §4.1 step 5). It returns the first KindFatal
// error encountered, ctx.Err() when ctx is cancelled, or nil on a clean
// exit.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		if d.Halted() {
			d.log.Info("halt flag observed, stopping dispatcher")
			d.abortPending()
			return nil
		}
		if d.finisher != nil && d.finisher.Finished() {
			d.log.Info("download finished")
			return nil
		}
		if ctx.Err() != nil {
			d.abortPending()
			return ctx.Err()
		}

		pending := d.drain()
		if len(pending) == 0 {
			if atomic.LoadInt32(&d.asyncPending) > 0 {
				time.Sleep(d.tickInterval)
				continue
			}
			d.log.Debug("command deque empty, exiting")
			return nil
		}

		for i, cmd := range pending {
			if ctx.Err() != nil {
				d.abortCommands(pending[i:])
				return ctx.Err()
			}

			result, err := cmd.Step(ctx)
			if err != nil {
				if ferr := d.handleError(cmd, err); ferr != nil {
					return ferr
				}
				continue
			}
			if result == Done {
				cmd.Cleanup()
			}
		}

		time.Sleep(d.tickInterval)
	}
}

// abortPending drains any commands left in the deque and runs their
// abort/cleanup path. Without this, a halt or context cancellation would
// silently drop queued commands instead of cancelling their held
// segments and closing their sockets (spec §5: graceful shutdown
// "cancelling every segment, closing every socket").
func (d *Dispatcher) abortPending() {
	d.abortCommands(d.drain())
}

func (d *Dispatcher) abortCommands(cmds []Command) {
	for _, cmd := range cmds {
		cmd.OnAbort()
		cmd.Cleanup()
	}
}

// drain empties the current queue into a slice without blocking on
// newly-enqueued successors from this tick's steps, matching spec §4.1
// step 2: "drain the current command deque into a local list."
func (d *Dispatcher) drain() []Command {
	var out []Command
	for {
		select {
		case cmd := <-d.queue:
			out = append(out, cmd)
		default:
			return out
		}
	}
}

// handleError applies the retry/abort/fatal policy from spec §4.1 and
// §7. It returns non-nil only for a KindFatal error, which aborts the
// whole run.
func (d *Dispatcher) handleError(cmd Command, err error) error {
	kind, _ := ClassifyOf(err)

	switch kind {
	case KindFatal:
		d.log.WithError(err).WithField("cuid", cmd.CUID()).Error("fatal error, halting")
		d.chargeError()
		cmd.OnAbort()
		cmd.Cleanup()
		d.Halt()
		return err

	case KindRetry:
		rt, ok := cmd.(Retryable)
		if !ok {
			d.abort(cmd, err)
			return nil
		}
		tries := rt.IncrementTryCount()
		if d.maxTries != 0 && tries >= d.maxTries {
			d.log.WithError(err).WithField("cuid", cmd.CUID()).WithField("tries", tries).Error("max tries exceeded, aborting")
			d.abort(cmd, err)
			return nil
		}
		d.log.WithError(err).WithField("cuid", cmd.CUID()).WithField("tries", tries).Warn("retrying")
		d.chargeRetry()
		next := rt.PrepareRetry(d.retryWaitSec)
		if next != nil {
			if d.retryWaitSec > 0 {
				d.ScheduleRetry(next, time.Duration(d.retryWaitSec)*time.Second)
			} else {
				d.Enqueue(next)
			}
		}
		return nil

	default: // KindAbort, or an unclassified error treated as abort
		d.log.WithError(err).WithField("cuid", cmd.CUID()).Error("aborting")
		d.abort(cmd, err)
		return nil
	}
}

func (d *Dispatcher) abort(cmd Command, err error) {
	d.chargeError()
	cmd.OnAbort()
	cmd.Cleanup()
	if rt, ok := cmd.(ReservedTrier); ok {
		if next, ok := rt.TryReserved(); ok {
			d.Enqueue(next)
		}
	}
}

func (d *Dispatcher) chargeError() {
	if ec, ok := d.finisher.(interface{ IncrementErrorCount() }); ok {
		ec.IncrementErrorCount()
	}
	if d.metrics != nil {
		d.metrics.SegmentErrors.Inc()
	}
}

func (d *Dispatcher) chargeRetry() {
	if d.metrics != nil {
		d.metrics.Retries.Inc()
	}
}
