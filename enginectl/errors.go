package enginectl

import "github.com/pkg/errors"

// Kind classifies a command-step error the way spec §7 and §9 describe:
// "raw exception pointers in the source encode two error kinds;
// re-architect as a tagged error value with variants {Retry, Abort,
// Fatal}."
type Kind int

const (
	// KindRetry is transient: timeout, unexpected EOF mid-body, a
	// recoverable protocol parse error. The dispatcher re-attempts with
	// a fresh connection command after a wait, up to a try-count limit.
	KindRetry Kind = iota
	// KindAbort is a fatal request-level failure: permanent DNS
	// failure, authentication, 4xx, protocol violation. The dispatcher
	// cancels the segment, charges one error, and tries a reserved
	// request.
	KindAbort
	// KindFatal is structural: malformed metainfo, disk full, a halt
	// signal. The run is abandoned and state is persisted.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindRetry:
		return "retry"
	case KindAbort:
		return "abort"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classified wraps an error with its dispatcher-relevant kind.
type Classified struct {
	Kind Kind
	Err  error
}

func (c *Classified) Error() string {
	return c.Kind.String() + ": " + c.Err.Error()
}

func (c *Classified) Unwrap() error {
	return c.Err
}

// Retry wraps err as a KindRetry error.
func Retry(err error) error {
	return &Classified{Kind: KindRetry, Err: err}
}

// Retryf builds a KindRetry error from a format string.
func Retryf(format string, args ...interface{}) error {
	return &Classified{Kind: KindRetry, Err: errors.Errorf(format, args...)}
}

// Abort wraps err as a KindAbort error.
func Abort(err error) error {
	return &Classified{Kind: KindAbort, Err: err}
}

// Abortf builds a KindAbort error from a format string.
func Abortf(format string, args ...interface{}) error {
	return &Classified{Kind: KindAbort, Err: errors.Errorf(format, args...)}
}

// Fatal wraps err as a KindFatal error.
func Fatal(err error) error {
	return &Classified{Kind: KindFatal, Err: err}
}

// ClassifyOf extracts the Kind from err, if it (or something it wraps) is
// a *Classified. The second return is false for an unclassified error,
// which the dispatcher treats as KindAbort.
func ClassifyOf(err error) (Kind, bool) {
	var c *Classified
	if errors.As(err, &c) {
		return c.Kind, true
	}
	return KindAbort, false
}
