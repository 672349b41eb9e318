package tracker

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// StatsFunc reports current session byte counters at announce time.
type StatsFunc func() (uploaded, downloaded, left int64)

// PeerSink receives newly discovered peers from each successful announce.
type PeerSink func(peers []Peer)

// RunPeriodic drives the announce loop for the lifetime of ctx: an initial
// "started" announce, then a steady stream of un-evented announces spaced
// by the tracker's own min-interval (or DefaultMinInterval if unset), and
// finally a best-effort "stopped" announce once ctx is cancelled. It uses
// an errgroup so the caller can wait for the loop's final "stopped"
// announce to finish instead of abandoning it mid-flight.
func (a *Announcer) RunPeriodic(ctx context.Context, infoHash [20]byte, stats StatsFunc, sink PeerSink) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		event := "started"
		for {
			uploaded, downloaded, left := stats()
			resp, err := a.Announce(gctx, infoHash, uploaded, downloaded, left, event)
			if err != nil {
				a.log.WithError(err).Warn("periodic announce failed")
			} else {
				sink(resp.Peers)
			}
			event = ""

			wait := DefaultMinInterval
			if err == nil && resp.MinInterval > 0 {
				wait = resp.MinInterval
			}

			select {
			case <-gctx.Done():
				uploaded, downloaded, left := stats()
				_, _ = a.Announce(context.Background(), infoHash, uploaded, downloaded, left, "stopped")
				return gctx.Err()
			case <-time.After(time.Duration(wait) * time.Second):
			}
		}
	})

	return g.Wait()
}
