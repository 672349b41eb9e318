package swarm

import (
	"crypto/sha1"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mccartykim/godl/bitfield"
	"github.com/mccartykim/godl/metrics"
)

func peerWithFullBitfield(cuid, numPieces int) *Peer {
	has := bitfield.New(numPieces)
	for i := 0; i < numPieces; i++ {
		has.Set(i)
	}
	return &Peer{CUID: cuid, Has: has, AllowedFast: map[int]bool{}}
}

func makeManager(t *testing.T, numPieces, pieceLen int, blockSize int) (*Manager, [][20]byte, [][]byte) {
	t.Helper()
	hashes := make([][20]byte, numPieces)
	contents := make([][]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		data := make([]byte, pieceLen)
		for j := range data {
			data[j] = byte(i*31 + j)
		}
		contents[i] = data
		hashes[i] = sha1.Sum(data)
	}
	m := NewManager(hashes, pieceLen, int64(numPieces*pieceLen), blockSize)
	return m, hashes, contents
}

func TestGetMissingPieceRespectsLocalAndPeerBitfields(t *testing.T) {
	m, _, _ := makeManager(t, 3, 16, 4)
	peer := peerWithFullBitfield(1, 3)

	index, ok := m.GetMissingPiece(peer)
	require.True(t, ok)
	assert.GreaterOrEqual(t, index, 0)
	assert.Less(t, index, 3)

	// the picked piece is now in the used set; it should not be picked
	// again by a second peer unless end-game or local possesses it.
	peer2 := peerWithFullBitfield(2, 3)
	seen := map[int]bool{index: true}
	for i := 0; i < 10; i++ {
		idx, ok := m.GetMissingPiece(peer2)
		require.True(t, ok)
		seen[idx] = true
	}
	assert.LessOrEqual(t, len(seen), 3)
}

func TestGetMissingPieceReturnsFalseWhenNoneEligible(t *testing.T) {
	m, _, _ := makeManager(t, 1, 16, 4)
	empty := &Peer{CUID: 1, Has: bitfield.New(1), AllowedFast: map[int]bool{}}
	_, ok := m.GetMissingPiece(empty)
	assert.False(t, ok)
}

func TestReceiveBlockAndCompletePiece(t *testing.T) {
	m, _, contents := makeManager(t, 1, 16, 4)
	data := contents[0]

	for begin := 0; begin < 16; begin += 4 {
		require.NoError(t, m.ReceiveBlock(0, begin, data[begin:begin+4]))
	}

	assert.True(t, m.PieceReady(0))

	ok, err := m.CompletePiece(7, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, m.LocalBitfield().Test(0))
}

func TestCompletePieceHashMismatchReQueues(t *testing.T) {
	m, _, _ := makeManager(t, 1, 16, 4)
	// write garbage that will not match the expected hash
	require.NoError(t, m.ReceiveBlock(0, 0, make([]byte, 16)))

	ok, err := m.CompletePiece(1, 0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, m.LocalBitfield().Test(0))
	assert.False(t, m.used[0])
}

func TestEndGameAllowsDuplicateAssignment(t *testing.T) {
	m, _, _ := makeManager(t, 1, 16, 4)
	peer1 := peerWithFullBitfield(1, 1)
	peer2 := peerWithFullBitfield(2, 1)

	idx1, ok := m.GetMissingPiece(peer1)
	require.True(t, ok)

	// with only one piece total, missingCount <= EndGameThreshold so the
	// second peer can be handed the same piece.
	idx2, ok := m.GetMissingPiece(peer2)
	require.True(t, ok)
	assert.Equal(t, idx1, idx2)
}

func TestHaveAdvertisementLifecycle(t *testing.T) {
	m, _, _ := makeManager(t, 2, 16, 4)

	before := time.Now().Add(-time.Minute)
	m.AdvertisePiece(5, 0)

	indexes := m.GetAdvertisedPieceIndexes(6, before)
	assert.Equal(t, []int{0}, indexes)

	// the producer's own cuid is excluded.
	self := m.GetAdvertisedPieceIndexes(5, before)
	assert.Empty(t, self)

	m.RemoveAdvertisedPiece(0)
	assert.Empty(t, m.GetAdvertisedPieceIndexes(6, before))
}

func TestAddPeerEvictsLowestScoringWhenFull(t *testing.T) {
	m, _, _ := makeManager(t, 1, 16, 4)

	for i := 0; i < MaxKnownPeers; i++ {
		require.NoError(t, m.AddPeer(&Peer{CUID: i, Has: bitfield.New(1), AllowedFast: map[int]bool{}}))
	}

	newPeer := &Peer{CUID: 9999, Has: bitfield.New(1), AllowedFast: map[int]bool{}}
	require.NoError(t, m.AddPeer(newPeer))
	assert.Len(t, m.peers, MaxKnownPeers)
}

func TestAddPeerDuplicateCUID(t *testing.T) {
	m, _, _ := makeManager(t, 1, 16, 4)
	p := &Peer{CUID: 1, Has: bitfield.New(1), AllowedFast: map[int]bool{}}
	require.NoError(t, m.AddPeer(p))
	assert.Error(t, m.AddPeer(p))
}

func TestActivateRespectsMaxActivePeers(t *testing.T) {
	m, _, _ := makeManager(t, 1, 16, 4)

	for i := 0; i < MaxActivePeers; i++ {
		p := &Peer{CUID: i, Has: bitfield.New(1), AllowedFast: map[int]bool{}}
		require.NoError(t, m.AddPeer(p))
		assert.True(t, m.Activate(i))
	}

	overflow := &Peer{CUID: 9999, Has: bitfield.New(1), AllowedFast: map[int]bool{}}
	require.NoError(t, m.AddPeer(overflow))
	assert.False(t, m.Activate(9999))
}

func TestGetPeerSkipsActiveAndErrorProne(t *testing.T) {
	m, _, _ := makeManager(t, 1, 16, 4)

	good := &Peer{CUID: 1, Has: bitfield.New(1), AllowedFast: map[int]bool{}}
	bad := &Peer{CUID: 2, Has: bitfield.New(1), AllowedFast: map[int]bool{}, errorCount: MaxPeerErrors}
	require.NoError(t, m.AddPeer(good))
	require.NoError(t, m.AddPeer(bad))

	got := m.GetPeer()
	require.NotNil(t, got)
	assert.Equal(t, 1, got.CUID)
}

func TestDeactivateWithErrorIncrementsCount(t *testing.T) {
	m, _, _ := makeManager(t, 1, 16, 4)
	p := &Peer{CUID: 1, Has: bitfield.New(1), AllowedFast: map[int]bool{}}
	require.NoError(t, m.AddPeer(p))
	require.True(t, m.Activate(1))

	m.Deactivate(1, true)
	assert.Equal(t, 1, p.errorCount)
	assert.False(t, p.active)
	assert.Equal(t, 0, m.ActiveCount())
}

func TestNeedsMorePeers(t *testing.T) {
	m, _, _ := makeManager(t, 1, 16, 4)
	assert.True(t, m.NeedsMorePeers())
}

func TestReduceUsedPiecesEvictsLowestFillFirst(t *testing.T) {
	m, _, _ := makeManager(t, 3, 16, 4)
	peer := peerWithFullBitfield(1, 3)

	for i := 0; i < 3; i++ {
		_, ok := m.GetMissingPiece(peer)
		require.True(t, ok)
	}
	require.Len(t, m.used, 3)

	// fill piece 0 completely so it has the highest fill rate and should
	// survive eviction.
	for begin := 0; begin < 16; begin += 4 {
		require.NoError(t, m.ReceiveBlock(0, begin, make([]byte, 4)))
	}

	m.ReduceUsedPieces(1)
	assert.Len(t, m.used, 1)
	assert.True(t, m.used[0])
}

func TestCancelPieceClearsBlocksAndUsedSet(t *testing.T) {
	m, _, _ := makeManager(t, 1, 16, 4)
	peer := peerWithFullBitfield(1, 1)

	idx, ok := m.GetMissingPiece(peer)
	require.True(t, ok)
	require.NoError(t, m.ReceiveBlock(idx, 0, make([]byte, 4)))

	m.CancelPiece(idx)
	assert.False(t, m.used[idx])
	assert.False(t, m.PieceReady(idx))
}

func TestManagerOptionsOverridePeerBounds(t *testing.T) {
	hashes := [][20]byte{sha1.Sum([]byte("a"))}
	m := NewManager(hashes, 16, 16, 4, WithMaxActivePeers(1), WithMinActivePeers(1))

	p1 := &Peer{CUID: 1, AllowedFast: map[int]bool{}}
	p2 := &Peer{CUID: 2, AllowedFast: map[int]bool{}}
	require.NoError(t, m.AddPeer(p1))
	require.NoError(t, m.AddPeer(p2))

	require.True(t, m.Activate(1))
	assert.False(t, m.Activate(2), "second activation should be rejected once maxActivePeers=1 is reached")
	assert.False(t, m.NeedsMorePeers(), "one active peer should already satisfy minActivePeers=1")
}

func TestManagerRecordsMetricsOnCompletionAndPeerActivity(t *testing.T) {
	rec := metrics.NewRecorder()
	m, _, contents := makeManager(t, 1, 16, 4)
	m.metrics = rec

	peer := peerWithFullBitfield(1, 1)
	require.NoError(t, m.AddPeer(peer))
	require.True(t, m.Activate(1))

	idx, ok := m.GetMissingPiece(peer)
	require.True(t, ok)
	require.NoError(t, m.ReceiveBlock(idx, 0, contents[idx]))
	ok, err := m.CompletePiece(1, idx)
	require.NoError(t, err)
	require.True(t, ok)

	m.RecordDownloaded(16)
	m.RecordUploaded(8)

	snap := rec.Snapshot()
	assert.Equal(t, int64(1), snap.PiecesCompleted)
	assert.Equal(t, 1, snap.KnownPeers)
	assert.Equal(t, 1, snap.ActivePeers)
	assert.Equal(t, int64(16), snap.BytesDownloaded)
	assert.Equal(t, int64(8), snap.BytesUploaded)

	m.Deactivate(1, false)
	assert.Equal(t, 0, rec.Snapshot().ActivePeers)
}

func TestRestoreCompletedMarksPiecesLocal(t *testing.T) {
	m, _, _ := makeManager(t, 3, 16, 4)
	bitmap := bitfield.New(3)
	bitmap.Set(0)
	bitmap.Set(2)

	require.NoError(t, m.RestoreCompleted(bitmap.Bytes()))

	assert.True(t, m.LocalBitfield().Test(0))
	assert.False(t, m.LocalBitfield().Test(1))
	assert.True(t, m.LocalBitfield().Test(2))
	assert.False(t, m.IsComplete())
}

func TestPeersReturnsSnapshot(t *testing.T) {
	m, _, _ := makeManager(t, 1, 16, 4)
	require.NoError(t, m.AddPeer(&Peer{CUID: 1, Addr: "1.2.3.4", AllowedFast: map[int]bool{}}))
	peers := m.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "1.2.3.4", peers[0].Addr)
}
