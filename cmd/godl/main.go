// Command godl is the engine's CLI entry point: a "fetch" subcommand for
// a plain HTTP(S) download split across segments, and a "get" subcommand
// for a .torrent swarm download, both driving the same enginectl
// dispatcher described in spec §4.1.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/mccartykim/godl/config"
	"github.com/mccartykim/godl/diskadaptor"
	"github.com/mccartykim/godl/enginectl"
	"github.com/mccartykim/godl/httpfetch"
	"github.com/mccartykim/godl/metainfo"
	"github.com/mccartykim/godl/metrics"
	"github.com/mccartykim/godl/peerwire"
	"github.com/mccartykim/godl/segment"
	"github.com/mccartykim/godl/swarm"
	"github.com/mccartykim/godl/tracker"
)

func main() {
	app := &cli.App{
		Name:  "godl",
		Usage: "a cooperative, single-threaded download engine",
		Commands: []*cli.Command{
			fetchCommand(),
			getCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Error("run failed")
		os.Exit(1)
	}
}

// haltOnSignal cancels ctx and halts disp on SIGINT/SIGTERM, replacing
// the teacher's bare context.CancelFunc with a route through the
// dispatcher's own halt flag (spec §9) so in-flight commands observe it
// at the next tick boundary rather than mid-step.
func haltOnSignal(ctx context.Context, disp *enginectl.Dispatcher) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nshutting down...")
		disp.Halt()
		cancel()
	}()
	return ctx
}

func fetchCommand() *cli.Command {
	return &cli.Command{
		Name:      "fetch",
		Usage:     "download a single URL over HTTP, split across concurrent segments",
		ArgsUsage: "<url>",
		Flags:     config.Flags(),
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("fetch requires exactly one URL argument", 1)
			}
			return runFetch(c, c.Args().First())
		},
	}
}

func runFetch(c *cli.Context, rawURL string) error {
	opts := config.FromContext(c)

	req, err := httpfetch.NewRequest(rawURL)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}

	length, err := httpfetch.ProbeLength(c.Context, req, opts.HTTPOptions())
	if err != nil {
		return fmt.Errorf("fetch: probing content length: %w", err)
	}

	if opts.ShowFiles {
		fmt.Printf("%s\t%d bytes\n", req.Path(), length)
		return nil
	}

	name := req.Path()
	if name == "" || name == "/" {
		name = "index.html"
	}
	disk, err := diskadaptor.New(opts.OutputDir, length, []diskadaptor.FileEntry{
		{Path: baseName(name), Length: length, Offset: 0},
	})
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	defer disk.Close()

	sidecarPath := filepath.Join(opts.OutputDir, baseName(name)+".aria2")
	segments, err := loadOrNewSegments(sidecarPath, length, opts.SegmentCount)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}

	rec := metrics.NewRecorder()
	registry := prometheus.NewRegistry()
	rec.MustRegister(registry)

	disp := enginectl.NewDispatcher(
		segments,
		enginectl.WithMaxTries(opts.MaxTries),
		enginectl.WithRetryWait(opts.RetryWaitSec),
		enginectl.WithTickInterval(time.Duration(opts.TickMillis)*time.Millisecond),
		enginectl.WithMetrics(rec),
	)
	engine := &httpfetch.Engine{
		Dispatcher: disp,
		Segments:   segments,
		Disk:       disk,
		Allocator:  enginectl.NewCUIDAllocator(),
		Options:    opts.HTTPOptions(),
		Metrics:    rec,
	}

	for i := 0; i < opts.SegmentCount; i++ {
		cuid := engine.Allocator.Next()
		disp.Enqueue(httpfetch.NewInitiateCommand(cuid, engine, req))
	}

	start := time.Now()
	ctx := haltOnSignal(c.Context, disp)
	runErr := disp.Run(ctx)

	if err := saveOrClearSidecar(sidecarPath, segments, nil); err != nil {
		logrus.WithError(err).Warn("failed to persist sidecar state")
	}

	if runErr != nil && runErr != context.Canceled {
		return fmt.Errorf("fetch: %w", runErr)
	}

	printSummary(rec, segments.CompletedLength(), length, time.Since(start), nil)
	return nil
}

// loadOrNewSegments resumes a prior sidecar if one matches the probed
// target length (spec §10 resume), otherwise splits a fresh pool.
func loadOrNewSegments(sidecarPath string, length int64, count int) (*segment.Manager, error) {
	f, err := os.Open(sidecarPath)
	if err != nil {
		return segment.NewManager(length, count), nil
	}
	defer f.Close()

	segments, _, err := segment.Load(f)
	if err != nil {
		logrus.WithError(err).Warn("sidecar unreadable, starting fresh")
		return segment.NewManager(length, count), nil
	}
	if segments.TotalLength() != length {
		logrus.Warn("sidecar total length mismatch, starting fresh")
		return segment.NewManager(length, count), nil
	}
	logrus.WithField("path", sidecarPath).Info("resuming from sidecar")
	return segments, nil
}

// saveOrClearSidecar removes the sidecar once the transfer finished, or
// writes its current state for a future resume otherwise (spec §5
// "persisting the segment/session state to disk").
func saveOrClearSidecar(sidecarPath string, segments *segment.Manager, swarmState *segment.SwarmState) error {
	if segments.Finished() {
		if err := os.Remove(sidecarPath); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}

	f, err := os.Create(sidecarPath)
	if err != nil {
		return err
	}
	defer f.Close()
	return segments.Save(f, swarmState)
}

func getCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "download a .torrent's content over the BitTorrent peer-wire protocol",
		ArgsUsage: "<file.torrent>",
		Flags:     config.Flags(),
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("get requires exactly one .torrent path argument", 1)
			}
			return runGet(c, c.Args().First())
		},
	}
}

func runGet(c *cli.Context, torrentPath string) error {
	opts := config.FromContext(c)

	t, err := metainfo.ParseFromFile(torrentPath)
	if err != nil {
		return fmt.Errorf("get: %w", err)
	}

	if opts.ShowFiles {
		printTorrentFiles(t)
		return nil
	}

	files := torrentFileEntries(t)
	disk, err := diskadaptor.New(opts.OutputDir, t.TotalLength(), files)
	if err != nil {
		return fmt.Errorf("get: %w", err)
	}
	defer disk.Close()

	blockSize := 16 * 1024
	rec := metrics.NewRecorder()
	registry := prometheus.NewRegistry()
	rec.MustRegister(registry)

	mgr := swarm.NewManager(t.Pieces, t.PieceLength, t.TotalLength(), blockSize,
		swarm.WithMaxActivePeers(opts.MaxActivePeers),
		swarm.WithMinActivePeers(opts.MinActivePeers),
		swarm.WithMetrics(rec),
	)

	sidecarPath := filepath.Join(opts.OutputDir, t.Name+".aria2")
	if swarmState, err := loadSwarmSidecar(sidecarPath, t.TotalLength()); err != nil {
		logrus.WithError(err).Warn("sidecar unreadable, starting fresh")
	} else if swarmState != nil {
		if err := mgr.RestoreCompleted(swarmState.LocalBitmap); err != nil {
			logrus.WithError(err).Warn("failed to restore sidecar bitmap")
		} else {
			logrus.WithField("path", sidecarPath).Info("resuming from sidecar")
		}
	}

	disp := enginectl.NewDispatcher(mgr,
		enginectl.WithMaxTries(opts.MaxTries),
		enginectl.WithRetryWait(opts.RetryWaitSec),
		enginectl.WithTickInterval(time.Duration(opts.TickMillis)*time.Millisecond),
		enginectl.WithMetrics(rec),
	)
	ctx := haltOnSignal(c.Context, disp)

	peerID := tracker.GeneratePeerID()
	announcer := tracker.NewAnnouncer(t.Announce, t.AnnounceList, peerID, uint16(opts.ListenPort))

	allocator := enginectl.NewCUIDAllocator()

	stats := func() (uploaded, downloaded, left int64) {
		completed := int64(0)
		for i := 0; i < mgr.NumPieces(); i++ {
			if mgr.LocalBitfield().Test(i) {
				completed += int64(mgr.PieceLength(i))
			}
		}
		return 0, completed, t.TotalLength() - completed
	}

	sink := func(peers []tracker.Peer) {
		for _, p := range peers {
			cuid := allocator.Next()
			peer := &swarm.Peer{CUID: cuid, Addr: p.IP.String(), Port: p.Port}
			if err := mgr.AddPeer(peer); err != nil {
				continue
			}
			go dialPeer(ctx, disp, mgr, peer, disk, t.InfoHash, peerID)
		}
	}

	announceDone := make(chan error, 1)
	go func() {
		announceDone <- announcer.RunPeriodic(ctx, t.InfoHash, stats, sink)
	}()

	start := time.Now()
	runErr := disp.Run(ctx)
	disp.Halt()

	if err := <-announceDone; err != nil && err != context.Canceled {
		logrus.WithError(err).Warn("tracker announce loop exited with error")
	}

	if err := saveOrClearSwarmSidecar(sidecarPath, mgr); err != nil {
		logrus.WithError(err).Warn("failed to persist sidecar state")
	}

	if runErr != nil && runErr != context.Canceled {
		return fmt.Errorf("get: %w", runErr)
	}

	_, completed, _ := stats()
	printSummary(rec, completed, t.TotalLength(), time.Since(start), mgr.Peers())
	return nil
}

// loadSwarmSidecar reads a prior sidecar for a swarm download if one
// exists and matches totalLength, returning its swarm extras.
func loadSwarmSidecar(sidecarPath string, totalLength int64) (*segment.SwarmState, error) {
	f, err := os.Open(sidecarPath)
	if err != nil {
		return nil, nil
	}
	defer f.Close()

	segments, swarmState, err := segment.Load(f)
	if err != nil {
		return nil, err
	}
	if segments.TotalLength() != totalLength || swarmState == nil {
		return nil, nil
	}
	return swarmState, nil
}

// saveOrClearSwarmSidecar persists mgr's completion bitmap in a
// throwaway single-segment sidecar, or removes it once the download is
// complete (spec §5, §10).
func saveOrClearSwarmSidecar(sidecarPath string, mgr *swarm.Manager) error {
	if mgr.IsComplete() {
		if err := os.Remove(sidecarPath); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}

	var total int64
	for i := 0; i < mgr.NumPieces(); i++ {
		total += int64(mgr.PieceLength(i))
	}
	segments := segment.Restore(total, []segment.Segment{{Begin: 0, End: total}})
	swarmState := &segment.SwarmState{LocalBitmap: mgr.LocalBitfield().Bytes()}

	f, err := os.Create(sidecarPath)
	if err != nil {
		return err
	}
	defer f.Close()
	return segments.Save(f, swarmState)
}

// dialPeer opens a TCP connection to a newly discovered peer and, on
// success, enqueues a peerwire.Connection command for it. It runs
// off-deque since net.Dial blocks, mirroring httpfetch's InitiateCommand
// async-dial pattern but without a resumable handshake step of its own
// (spec §5 models the BitTorrent handshake as the first phase of the
// command itself, not a separate dial command).
func dialPeer(ctx context.Context, disp *enginectl.Dispatcher, mgr *swarm.Manager, peer *swarm.Peer, disk *diskadaptor.Adaptor, infoHash, myPeerID [20]byte) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(peer.Addr, fmt.Sprint(peer.Port)))
	if err != nil {
		mgr.Deactivate(peer.CUID, true)
		return
	}
	if !mgr.Activate(peer.CUID) {
		conn.Close()
		return
	}
	cmd := peerwire.NewConnection(peer.CUID, conn, mgr, peer, disk, infoHash, myPeerID)
	disp.Enqueue(cmd)
}

func torrentFileEntries(t *metainfo.Torrent) []diskadaptor.FileEntry {
	if !t.IsMultiFile() {
		return []diskadaptor.FileEntry{{Path: t.Name, Length: t.Length, Offset: 0}}
	}
	entries := make([]diskadaptor.FileEntry, 0, len(t.Files))
	var offset int64
	for _, f := range t.Files {
		entries = append(entries, diskadaptor.FileEntry{
			Path:   joinTorrentPath(t.Name, f.Path),
			Length: f.Length,
			Offset: offset,
		})
		offset += f.Length
	}
	return entries
}

func joinTorrentPath(root string, parts []string) string {
	p := root
	for _, part := range parts {
		p = p + string(os.PathSeparator) + part
	}
	return p
}

func printTorrentFiles(t *metainfo.Torrent) {
	fmt.Printf("%s\n", t.Name)
	for _, f := range torrentFileEntries(t) {
		fmt.Printf("  %s\t%d bytes\n", f.Path, f.Length)
	}
	fmt.Printf("total: %d bytes across %d pieces of %d bytes\n", t.TotalLength(), len(t.Pieces), t.PieceLength)
}

// printSummary reports the end-of-run totals spec §7 requires: bytes
// moved, mean transfer rate, and — for a swarm download — each peer's
// individual contribution.
func printSummary(rec *metrics.Recorder, completed, total int64, elapsed time.Duration, peers []swarm.Peer) {
	snap := rec.Snapshot()
	fmt.Printf("downloaded %d / %d bytes\n", completed, total)
	fmt.Printf("pieces completed: %d, retries: %d, segment errors: %d\n",
		snap.PiecesCompleted, snap.Retries, snap.SegmentErrors)

	seconds := elapsed.Seconds()
	if seconds > 0 {
		fmt.Printf("mean rate: %.1f KiB/s\n", float64(completed)/1024/seconds)
	}

	if len(peers) == 0 {
		return
	}
	fmt.Println("per-peer contributions:")
	for _, p := range peers {
		fmt.Printf("  %s\tdown %d\tup %d\n", p.Addr, p.Downloaded, p.Uploaded)
	}
}

func baseName(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}
