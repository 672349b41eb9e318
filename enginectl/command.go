package enginectl

import "context"

// Result reports what a command's execution step did this tick.
type Result int

const (
	// Yield means the command registered interest (or spawned a
	// successor) and expects to be re-entered later; the dispatcher
	// takes no further action on it this tick.
	Yield Result = iota
	// Done means the command finished; the dispatcher destroys it and
	// drops its interests.
	Done
)

// Command is a resumable unit of work, spec §3's capability set
// {step(), onAbort(), cleanup()} — a sealed trait object in place of
// virtual dispatch across command classes (spec §9).
type Command interface {
	// CUID returns the command's unique identifier.
	CUID() int
	// Step runs one execution step. It must not block: a command that
	// cannot progress this tick registers interest and returns
	// (Yield, nil) without doing work, per spec §4.1's contract.
	Step(ctx context.Context) (Result, error)
	// OnAbort runs when the dispatcher classifies a step error as
	// KindAbort: cancel the segment, deactivate the peer, release
	// resources.
	OnAbort()
	// Cleanup runs once, after a Done step or after OnAbort, to release
	// any remaining resources (sockets, file handles).
	Cleanup()
}

// Retryable is implemented by commands that participate in the
// try-count/wait retry cycle (spec §4.1, §7 Retry).
type Retryable interface {
	Command
	// IncrementTryCount bumps and returns the command's try counter.
	IncrementTryCount() int
	// PrepareRetry cancels the command's held segment and returns a
	// fresh command to re-queue after the given wait.
	PrepareRetry(waitSeconds int) Command
}

// ReservedTrier is implemented by commands that can fall back to a
// pre-parsed reserved request after an abort (spec §4.2 "reserved").
type ReservedTrier interface {
	Command
	// TryReserved returns a fresh command built from the next reserved
	// request, or false if none remain.
	TryReserved() (Command, bool)
}
