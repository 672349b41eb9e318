// Package swarm implements the peer/piece manager: the swarm-mode sibling
// of the segment manager. It tracks per-piece bitmaps, chooses which piece
// to request from which peer, honours end-game duplication rules, and
// advertises newly completed pieces to the rest of the swarm.
package swarm

import (
	"crypto/sha1"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mccartykim/godl/bitfield"
	"github.com/mccartykim/godl/metrics"
)

// Scalar bounds, spec §6: "Max active peers: 55. Min active peers: 15.
// Max known peers: 100." / "Max peer error count: 5." / "End-game piece
// threshold: 20."
const (
	MaxActivePeers   = 55
	MinActivePeers   = 15
	MaxKnownPeers    = 100
	MaxPeerErrors    = 5
	EndGameThreshold = 20
)

// Piece tracks one piece's verification hash and in-flight block bitmap.
type Piece struct {
	Index  int
	Hash   [20]byte
	Length int

	mu     sync.Mutex
	blocks *bitfield.Map // which blocks of this piece have arrived
	data   []byte
}

func newPiece(index int, hash [20]byte, length, blockSize int) *Piece {
	numBlocks := (length + blockSize - 1) / blockSize
	return &Piece{
		Index:  index,
		Hash:   hash,
		Length: length,
		blocks: bitfield.New(numBlocks),
		data:   make([]byte, length),
	}
}

// Peer is a remote swarm member, per spec §4.2: identifier, address,
// bitfield of advertised pieces, choke/interest flags, error counter,
// activation flag, and session byte counters.
type Peer struct {
	CUID        int
	Addr        string
	Port        uint16
	Has         *bitfield.Map
	AllowedFast map[int]bool

	AmChoking      bool
	PeerChoking    bool
	AmInterested   bool
	PeerInterested bool

	errorCount int
	active     bool

	Uploaded   int64
	Downloaded int64
}

type haveEntry struct {
	cuid       int
	index      int
	registered time.Time
}

// Manager is the swarm-mode peer/piece manager named in spec §4.3.
type Manager struct {
	mu sync.Mutex

	pieceLength int
	blockSize   int
	totalLength int64

	pieces []*Piece
	local  *bitfield.Map // pieces we already have
	used   map[int]bool  // pieces currently assigned to some peer

	peers      map[int]*Peer // known peers by CUID
	activeCUID map[int]bool

	maxActivePeers int
	minActivePeers int

	haves []haveEntry

	metrics *metrics.Recorder

	log *logrus.Entry
}

// ManagerOption configures a Manager at construction.
type ManagerOption func(*Manager)

// WithMaxActivePeers overrides the package default MaxActivePeers; n<=0
// leaves the default in place.
func WithMaxActivePeers(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.maxActivePeers = n
		}
	}
}

// WithMinActivePeers overrides the package default MinActivePeers; n<=0
// leaves the default in place.
func WithMinActivePeers(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.minActivePeers = n
		}
	}
}

// WithMetrics attaches a recorder that Manager updates as pieces
// complete and peers join or activate, satisfying spec §7's per-peer and
// aggregate progress reporting.
func WithMetrics(r *metrics.Recorder) ManagerOption {
	return func(m *Manager) { m.metrics = r }
}

// NewManager builds a Manager for a torrent with the given per-piece
// SHA-1 hashes, piece length, total length, and block size (the unit
// requested over the wire within a piece).
func NewManager(hashes [][20]byte, pieceLength int, totalLength int64, blockSize int, opts ...ManagerOption) *Manager {
	pieces := make([]*Piece, len(hashes))
	for i, h := range hashes {
		length := pieceLength
		if i == len(hashes)-1 {
			last := int(totalLength % int64(pieceLength))
			if last != 0 {
				length = last
			}
		}
		pieces[i] = newPiece(i, h, length, blockSize)
	}

	m := &Manager{
		pieceLength:    pieceLength,
		blockSize:      blockSize,
		totalLength:    totalLength,
		pieces:         pieces,
		local:          bitfield.New(len(hashes)),
		used:           make(map[int]bool),
		peers:          make(map[int]*Peer),
		activeCUID:     make(map[int]bool),
		maxActivePeers: MaxActivePeers,
		minActivePeers: MinActivePeers,
		log:            logrus.WithField("component", "swarm"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NumPieces returns the total piece count.
func (m *Manager) NumPieces() int {
	return len(m.pieces)
}

// PieceLength returns the byte length of a piece (the last piece may be
// shorter than pieceLength).
func (m *Manager) PieceLength(index int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.pieces) {
		return 0
	}
	return m.pieces[index].Length
}

// BlockSize returns the configured block granularity.
func (m *Manager) BlockSize() int {
	return m.blockSize
}

// NominalPieceLength returns the configured per-piece length every piece
// but the last is cut to (spec §4.3), used to compute a piece's absolute
// byte offset in the target.
func (m *Manager) NominalPieceLength() int {
	return m.pieceLength
}

// LocalBitfield returns a clone of the local completion bitmap, safe to
// send over the wire.
func (m *Manager) LocalBitfield() *bitfield.Map {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local.Clone()
}

// RestoreCompleted marks every piece set in a previously persisted local
// bitmap as locally complete, for resuming a swarm download from its
// sidecar file (spec §10). Pieces are trusted as already verified since
// only a successful CompletePiece sets a bit in the saved bitmap; their
// block bitmaps are filled to match so GetMissingPiece/candidates treat
// them consistently with a piece completed in this process. The bytes
// themselves are not restored — they already reached disk via the piece
// flush on CompletePiece, and in-memory Piece.data is not needed again
// unless this peer later serves the piece to another, which this
// download-only engine does not do.
func (m *Manager) RestoreCompleted(bitmap []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	restored := bitfield.FromBytes(bitmap, len(m.pieces))
	for i, piece := range m.pieces {
		if !restored.Test(i) {
			continue
		}
		piece.mu.Lock()
		piece.blocks = bitfield.New(piece.blocks.Len())
		for b := 0; b < piece.blocks.Len(); b++ {
			piece.blocks.Set(b)
		}
		piece.mu.Unlock()
		m.local.Set(i)
	}
	return nil
}

// IsComplete reports whether every piece has been verified locally.
func (m *Manager) IsComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local.All()
}

// Finished satisfies enginectl.FinishChecker so a Manager can drive a
// Dispatcher's exit condition the same way segment.Manager does for a
// plain HTTP fetch.
func (m *Manager) Finished() bool {
	return m.IsComplete()
}

// missingCount returns how many pieces in the peer's advertised set we
// still lack, used to decide whether end-game applies. Caller must hold m.mu.
func (m *Manager) missingCount(peer *Peer) int {
	count := 0
	for i := 0; i < len(m.pieces); i++ {
		if peer.Has.Test(i) && !m.local.Test(i) {
			count++
		}
	}
	return count
}

// candidates collects piece indexes the peer has and we lack, optionally
// including pieces already in the used set for end-game, and optionally restricted to
// allowedFastOnly. Caller must hold m.mu.
func (m *Manager) candidates(peer *Peer, allowUsed, allowedFastOnly bool) []int {
	var out []int
	for i := 0; i < len(m.pieces); i++ {
		if !peer.Has.Test(i) || m.local.Test(i) {
			continue
		}
		if allowedFastOnly && !peer.AllowedFast[i] {
			continue
		}
		if m.used[i] && !allowUsed {
			continue
		}
		out = append(out, i)
	}
	return out
}

// GetMissingPiece selects a fresh piece the peer advertises, the local
// bitfield lacks, and that is not already in the used set — unless
// end-game applies (spec §4.3). Returns false if nothing qualifies.
func (m *Manager) GetMissingPiece(peer *Peer) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	endGame := m.missingCount(peer) <= EndGameThreshold

	cands := m.candidates(peer, false, false)
	if len(cands) == 0 && endGame {
		cands = m.candidates(peer, true, false)
	}
	if len(cands) == 0 {
		return 0, false
	}

	index := cands[rand.Intn(len(cands))]
	m.used[index] = true
	return index, true
}

// GetMissingFastPiece restricts selection to the peer's allowed-fast
// subset, the set negotiated by the wire protocol that may be requested
// even while choked.
func (m *Manager) GetMissingFastPiece(peer *Peer) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	endGame := m.missingCount(peer) <= EndGameThreshold

	cands := m.candidates(peer, false, true)
	if len(cands) == 0 && endGame {
		cands = m.candidates(peer, true, true)
	}
	if len(cands) == 0 {
		return 0, false
	}

	index := cands[rand.Intn(len(cands))]
	m.used[index] = true
	return index, true
}

// ReceiveBlock stores a block of data for a piece. It does not verify the
// piece; call CompletePiece once every block has arrived.
func (m *Manager) ReceiveBlock(index, begin int, data []byte) error {
	m.mu.Lock()
	if index < 0 || index >= len(m.pieces) {
		m.mu.Unlock()
		return errors.Errorf("swarm: invalid piece index %d", index)
	}
	piece := m.pieces[index]
	m.mu.Unlock()

	piece.mu.Lock()
	defer piece.mu.Unlock()

	if begin < 0 || begin+len(data) > piece.Length {
		return errors.Errorf("swarm: block out of range for piece %d (begin=%d len=%d piece_len=%d)", index, begin, len(data), piece.Length)
	}

	copy(piece.data[begin:], data)

	blockIdx := begin / m.blockSize
	piece.blocks.Set(blockIdx)

	return nil
}

// PieceReady reports whether every block of a piece has arrived.
func (m *Manager) PieceReady(index int) bool {
	m.mu.Lock()
	if index < 0 || index >= len(m.pieces) {
		m.mu.Unlock()
		return false
	}
	piece := m.pieces[index]
	m.mu.Unlock()

	piece.mu.Lock()
	defer piece.mu.Unlock()
	return piece.blocks.All()
}

// CompletePiece verifies the piece digest against the expected hash. On
// match it marks the local bitmap bit set, removes the piece from the
// used set, and registers a have-advertisement with the source CUID. On
// mismatch the piece is cancelled (its sub-bitfield cleared) and
// re-entered as unused (spec §4.3 Completion).
func (m *Manager) CompletePiece(sourceCUID, index int) (bool, error) {
	m.mu.Lock()
	if index < 0 || index >= len(m.pieces) {
		m.mu.Unlock()
		return false, errors.Errorf("swarm: invalid piece index %d", index)
	}
	piece := m.pieces[index]
	m.mu.Unlock()

	piece.mu.Lock()
	sum := sha1.Sum(piece.data)
	ok := sum == piece.Hash
	if !ok {
		piece.blocks = bitfield.New(piece.blocks.Len())
	}
	piece.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.used, index)

	if !ok {
		m.log.WithFields(logrus.Fields{"piece": index}).Warn("piece hash mismatch, re-queued")
		return false, nil
	}

	m.local.Set(index)
	m.haves = append(m.haves, haveEntry{cuid: sourceCUID, index: index, registered: time.Now()})
	if m.metrics != nil {
		m.metrics.PiecesCompleted.Inc()
	}
	m.log.WithFields(logrus.Fields{"piece": index, "cuid": sourceCUID}).Debug("piece completed")
	return true, nil
}

// RecordDownloaded charges n bytes of incoming block data against the
// attached recorder, a no-op if none was configured via WithMetrics.
func (m *Manager) RecordDownloaded(n int64) {
	if m.metrics != nil {
		m.metrics.BytesDownloaded.Add(float64(n))
	}
}

// RecordUploaded charges n bytes of outgoing piece data against the
// attached recorder, a no-op if none was configured via WithMetrics.
func (m *Manager) RecordUploaded(n int64) {
	if m.metrics != nil {
		m.metrics.BytesUploaded.Add(float64(n))
	}
}

// Peers returns a snapshot of every known peer, used to report
// per-peer contribution totals (spec §7).
func (m *Manager) Peers() []Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, *p)
	}
	return out
}

// CancelPiece releases a piece back to the unused pool without verifying
// it, clearing its partial block bitmap. Used when the owning connection
// command detaches before finishing the piece.
func (m *Manager) CancelPiece(index int) {
	m.mu.Lock()
	if index < 0 || index >= len(m.pieces) {
		m.mu.Unlock()
		return
	}
	piece := m.pieces[index]
	delete(m.used, index)
	m.mu.Unlock()

	piece.mu.Lock()
	piece.blocks = bitfield.New(piece.blocks.Len())
	piece.mu.Unlock()
}

// PieceData returns a copy of a completed piece's bytes.
func (m *Manager) PieceData(index int) ([]byte, error) {
	m.mu.Lock()
	if index < 0 || index >= len(m.pieces) {
		m.mu.Unlock()
		return nil, errors.Errorf("swarm: invalid piece index %d", index)
	}
	piece := m.pieces[index]
	m.mu.Unlock()

	piece.mu.Lock()
	defer piece.mu.Unlock()
	out := make([]byte, len(piece.data))
	copy(out, piece.data)
	return out, nil
}

// AdvertisePiece appends a (cuid, index, now) tuple to the have list
// (spec §4.3 Have propagation).
func (m *Manager) AdvertisePiece(cuid, index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.haves = append(m.haves, haveEntry{cuid: cuid, index: index, registered: time.Now()})
}

// GetAdvertisedPieceIndexes returns every index advertised by a CUID
// other than myCUID with registration time after since.
func (m *Manager) GetAdvertisedPieceIndexes(myCUID int, since time.Time) []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []int
	for _, h := range m.haves {
		if h.cuid != myCUID && h.registered.After(since) {
			out = append(out, h.index)
		}
	}
	return out
}

// RemoveAdvertisedPiece drops have-list entries older than elapsed ago.
// A peer-connection command runs this periodically so the list cannot
// grow unboundedly.
func (m *Manager) RemoveAdvertisedPiece(elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-elapsed)
	kept := m.haves[:0]
	for _, h := range m.haves {
		if h.registered.After(cutoff) {
			kept = append(kept, h)
		}
	}
	m.haves = kept
}

// fillRate reports the fraction of blocks a used piece already has,
// used to pick eviction candidates for ReduceUsedPieces. Caller must
// hold m.mu.
func (m *Manager) fillRate(index int) float64 {
	piece := m.pieces[index]
	piece.mu.Lock()
	defer piece.mu.Unlock()
	if piece.blocks.Len() == 0 {
		return 0
	}
	return float64(piece.blocks.Count()) / float64(piece.blocks.Len())
}

// ReduceUsedPieces evicts used pieces down to at most max, releasing the
// ones with the lowest fill rate first — the used-piece cap eviction
// rule from original_source's TorrentMan.
func (m *Manager) ReduceUsedPieces(max int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.used) <= max {
		return
	}

	indexes := make([]int, 0, len(m.used))
	for idx := range m.used {
		indexes = append(indexes, idx)
	}

	for len(indexes) > max {
		lowest := 0
		lowestRate := m.fillRate(indexes[0])
		for i := 1; i < len(indexes); i++ {
			rate := m.fillRate(indexes[i])
			if rate < lowestRate {
				lowest = i
				lowestRate = rate
			}
		}
		evicted := indexes[lowest]
		delete(m.used, evicted)
		m.pieces[evicted].mu.Lock()
		m.pieces[evicted].blocks = bitfield.New(m.pieces[evicted].blocks.Len())
		m.pieces[evicted].mu.Unlock()

		indexes[lowest] = indexes[len(indexes)-1]
		indexes = indexes[:len(indexes)-1]
	}
}

// score ranks a peer for eviction/selection purposes: active peers and
// peers with fewer errors score higher. Caller must hold m.mu.
func score(p *Peer) int {
	s := 0
	if p.active {
		s += 1000
	}
	s -= p.errorCount
	return s
}

// AddPeer enforces the max known-peer-list size (spec §4.3 Peer pool):
// if full, the lowest-scoring inactive peer is evicted to make room.
func (m *Manager) AddPeer(p *Peer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.peers[p.CUID]; exists {
		return errors.Errorf("swarm: peer %d already known", p.CUID)
	}

	if len(m.peers) >= MaxKnownPeers {
		if !m.evictLowestScoringInactiveLocked() {
			return errors.New("swarm: peer list full and no inactive peer to evict")
		}
	}

	m.peers[p.CUID] = p
	if m.metrics != nil {
		m.metrics.KnownPeers.Set(float64(len(m.peers)))
	}
	return nil
}

func (m *Manager) evictLowestScoringInactiveLocked() bool {
	var victim int
	found := false
	lowest := 0

	for cuid, p := range m.peers {
		if p.active {
			continue
		}
		s := score(p)
		if !found || s < lowest {
			found = true
			lowest = s
			victim = cuid
		}
	}

	if !found {
		return false
	}

	delete(m.peers, victim)
	return true
}

// DeleteUnusedPeer evicts the n lowest-scoring inactive peers.
func (m *Manager) DeleteUnusedPeer(n int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for i := 0; i < n; i++ {
		if !m.evictLowestScoringInactiveLocked() {
			break
		}
		evicted++
	}
	return evicted
}

// GetPeer returns a not-yet-connected peer whose error count is below
// MaxPeerErrors, or nil if none qualify.
func (m *Manager) GetPeer() *Peer {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.peers {
		if !p.active && p.errorCount < MaxPeerErrors {
			return p
		}
	}
	return nil
}

// Activate marks a peer active (a live connection command now
// references it) and returns false if doing so would exceed
// MaxActivePeers.
func (m *Manager) Activate(cuid int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.activeCUID) >= m.maxActivePeers {
		return false
	}
	p, ok := m.peers[cuid]
	if !ok {
		return false
	}
	p.active = true
	m.activeCUID[cuid] = true
	if m.metrics != nil {
		m.metrics.ActivePeers.Set(float64(len(m.activeCUID)))
	}
	return true
}

// Deactivate marks a peer inactive, optionally recording a protocol
// error that counts toward its error threshold.
func (m *Manager) Deactivate(cuid int, withError bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.peers[cuid]
	if !ok {
		return
	}
	p.active = false
	if withError {
		p.errorCount++
	}
	delete(m.activeCUID, cuid)
	if m.metrics != nil {
		m.metrics.ActivePeers.Set(float64(len(m.activeCUID)))
	}
}

// ActiveCount returns the number of currently active peers.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.activeCUID)
}

// NeedsMorePeers reports whether the active count is below the target
// minimum (spec §6: "Min active peers: 15").
func (m *Manager) NeedsMorePeers() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.activeCUID) < m.minActivePeers
}
