package peerwire

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mccartykim/godl/bitfield"
	"github.com/mccartykim/godl/diskadaptor"
	"github.com/mccartykim/godl/enginectl"
	"github.com/mccartykim/godl/swarm"
)

// phase names a connection's position in the HANDSHAKE → BITFIELD →
// STEADY state machine (spec §4.5).
type phase int

const (
	phaseHandshakeSend phase = iota
	phaseHandshakeRecv
	phaseBitfieldSend
	phaseBitfieldRecv
	phaseSteady
)

// haveFlushInterval bounds how often a connection drains newly
// completed pieces out of the swarm's have-advertisement list.
const haveFlushInterval = 2 * time.Second

// haveRetain is how long an advertisement stays visible to peers before
// RemoveAdvertisedPiece prunes it.
const haveRetain = 2 * time.Minute

// Connection is the one long-lived Command per peer connection named in
// spec §4.5: it drives the handshake, exchanges the initial bitfield,
// then in STEADY interleaves message handling, outgoing block requests
// for its currently held piece, and periodic have-advertisement flushes.
type Connection struct {
	cuid  int
	conn  net.Conn
	swarm *swarm.Manager
	peer  *swarm.Peer
	disk  *diskadaptor.Adaptor

	infoHash [20]byte
	myPeerID [20]byte

	phase        phase
	handshakeBuf []byte
	writer       *Writer
	decoder      *Decoder

	currentPiece     int
	haveCurrentPiece bool
	lastHaveFlush    time.Time

	log *logrus.Entry
}

// NewConnection builds a Connection driving peer over conn. The caller
// is expected to have already called swarm.AddPeer and swarm.Activate
// for peer before constructing the command. disk is where verified
// pieces are flushed (spec §4.3 Completion feeds the disk adaptor the
// same way httpfetch's ResponseCommand does); it may be nil only in
// tests that never complete a piece.
func NewConnection(cuid int, conn net.Conn, mgr *swarm.Manager, peer *swarm.Peer, disk *diskadaptor.Adaptor, infoHash, myPeerID [20]byte) *Connection {
	if peer.Has == nil {
		peer.Has = bitfield.New(mgr.NumPieces())
	}
	return &Connection{
		cuid:     cuid,
		conn:     conn,
		swarm:    mgr,
		peer:     peer,
		disk:     disk,
		infoHash: infoHash,
		myPeerID: myPeerID,
		writer:   NewWriter(conn),
		decoder:  NewDecoder(conn),
		log:      logrus.WithFields(logrus.Fields{"component": "peerwire", "cuid": cuid, "addr": peer.Addr}),
	}
}

// CUID identifies this command to the dispatcher.
func (c *Connection) CUID() int {
	return c.cuid
}

// Step advances the state machine by at most one phase transition or
// one steady-state message exchange per call.
func (c *Connection) Step(ctx context.Context) (enginectl.Result, error) {
	if c.writer.Pending() {
		done, err := c.writer.TryFlush()
		if err != nil {
			return enginectl.Done, enginectl.Retry(err)
		}
		if !done {
			return enginectl.Yield, nil
		}
	}

	switch c.phase {
	case phaseHandshakeSend:
		c.writer.Enqueue(BuildHandshake(c.infoHash, c.myPeerID))
		c.phase = phaseHandshakeRecv
		return enginectl.Yield, nil

	case phaseHandshakeRecv:
		return c.stepHandshakeRecv()

	case phaseBitfieldSend:
		c.writer.Enqueue(Encode(&Message{ID: MsgBitfield, Payload: c.swarm.LocalBitfield().Bytes()}))
		c.phase = phaseBitfieldRecv
		return enginectl.Yield, nil

	case phaseBitfieldRecv:
		return c.stepBitfieldRecv()

	default:
		return c.stepSteady()
	}
}

func (c *Connection) stepHandshakeRecv() (enginectl.Result, error) {
	need := HandshakeSize - len(c.handshakeBuf)
	chunk := make([]byte, need)
	n, ready, err := enginectl.TryRead(c.conn, chunk)
	if err != nil {
		return enginectl.Done, enginectl.Retry(err)
	}
	if ready && n > 0 {
		c.handshakeBuf = append(c.handshakeBuf, chunk[:n]...)
	}
	if len(c.handshakeBuf) < HandshakeSize {
		return enginectl.Yield, nil
	}

	infoHash, _, err := ParseHandshake(c.handshakeBuf)
	if err != nil {
		return enginectl.Done, enginectl.Abort(err)
	}
	if infoHash != c.infoHash {
		return enginectl.Done, enginectl.Abort(errors.New("peerwire: info_hash mismatch in handshake"))
	}

	c.phase = phaseBitfieldSend
	return enginectl.Yield, nil
}

func (c *Connection) stepBitfieldRecv() (enginectl.Result, error) {
	msg, ready, err := c.decoder.TryNext()
	if err != nil {
		return enginectl.Done, enginectl.Retry(err)
	}
	if !ready {
		return enginectl.Yield, nil
	}

	if msg != nil {
		if msg.ID == MsgBitfield {
			c.peer.Has = bitfield.FromBytes(msg.Payload, c.swarm.NumPieces())
		} else if err := c.handleMessage(msg); err != nil {
			return enginectl.Done, err
		}
	}

	c.phase = phaseSteady
	c.lastHaveFlush = time.Now()
	return enginectl.Yield, nil
}

func (c *Connection) stepSteady() (enginectl.Result, error) {
	if time.Since(c.lastHaveFlush) >= haveFlushInterval {
		c.flushHaves()
	}

	msg, ready, err := c.decoder.TryNext()
	if err != nil {
		return enginectl.Done, enginectl.Retry(err)
	}
	if ready && msg != nil {
		if err := c.handleMessage(msg); err != nil {
			return enginectl.Done, err
		}
	}

	if !c.haveCurrentPiece {
		c.requestNextPiece()
	}

	if c.swarm.IsComplete() {
		return enginectl.Done, nil
	}

	return enginectl.Yield, nil
}

func (c *Connection) flushHaves() {
	indexes := c.swarm.GetAdvertisedPieceIndexes(c.cuid, c.lastHaveFlush.Add(-haveFlushInterval))
	for _, idx := range indexes {
		c.writer.Enqueue(Encode(&Message{ID: MsgHave, Payload: indexPayload(uint32(idx))}))
	}
	c.swarm.RemoveAdvertisedPiece(haveRetain)
	c.lastHaveFlush = time.Now()
}

func (c *Connection) requestNextPiece() {
	var (
		index int
		ok    bool
	)

	if c.peer.PeerChoking {
		if !c.peer.AmInterested {
			c.writer.Enqueue(Encode(&Message{ID: MsgInterested}))
			c.peer.AmInterested = true
		}
		index, ok = c.swarm.GetMissingFastPiece(c.peer)
	} else {
		index, ok = c.swarm.GetMissingPiece(c.peer)
	}
	if !ok {
		return
	}

	c.currentPiece = index
	c.haveCurrentPiece = true

	length := c.swarm.PieceLength(index)
	block := c.swarm.BlockSize()
	for begin := 0; begin < length; begin += block {
		n := block
		if begin+n > length {
			n = length - begin
		}
		c.writer.Enqueue(Encode(&Message{ID: MsgRequest, Payload: requestPayload(uint32(index), uint32(begin), uint32(n))}))
	}
}

// handleMessage applies one decoded peer-wire message to connection and
// swarm state. Unknown message IDs are ignored for forward compatibility
// with extension protocols, matching how BitTorrent clients commonly
// tolerate unfamiliar IDs rather than treating them as fatal.
func (c *Connection) handleMessage(msg *Message) error {
	switch msg.ID {
	case MsgChoke:
		c.peer.PeerChoking = true

	case MsgUnchoke:
		c.peer.PeerChoking = false

	case MsgInterested:
		c.peer.PeerInterested = true

	case MsgNotInterested:
		c.peer.PeerInterested = false

	case MsgHave:
		index, err := ParseHave(msg)
		if err != nil {
			return enginectl.Abort(err)
		}
		c.peer.Has.Set(int(index))

	case MsgBitfield:
		c.peer.Has = bitfield.FromBytes(msg.Payload, c.swarm.NumPieces())

	case MsgRequest:
		return c.handleRequest(msg)

	case MsgPiece:
		return c.handlePiece(msg)

	case MsgCancel:
		// No outgoing-request queue is tracked per peer in this
		// implementation; a late piece send for a cancelled request
		// is harmless.

	default:
	}
	return nil
}

func (c *Connection) handleRequest(msg *Message) error {
	index, begin, length, err := ParseRequest(msg)
	if err != nil {
		return enginectl.Abort(err)
	}
	if c.peer.AmChoking {
		return nil
	}
	if !c.swarm.LocalBitfield().Test(int(index)) {
		return nil
	}
	data, err := c.swarm.PieceData(int(index))
	if err != nil {
		return nil
	}
	end := int(begin) + int(length)
	if begin < 0 || end > len(data) {
		return enginectl.Abort(errors.New("peerwire: request out of range"))
	}
	c.writer.Enqueue(Encode(&Message{ID: MsgPiece, Payload: piecePayload(index, begin, data[begin:end])}))
	c.peer.Uploaded += int64(length)
	c.swarm.RecordUploaded(int64(length))
	return nil
}

func (c *Connection) handlePiece(msg *Message) error {
	index, begin, data, err := ParsePiece(msg)
	if err != nil {
		return enginectl.Abort(err)
	}
	if err := c.swarm.ReceiveBlock(int(index), int(begin), data); err != nil {
		return enginectl.Abort(err)
	}
	c.peer.Downloaded += int64(len(data))
	c.swarm.RecordDownloaded(int64(len(data)))

	if c.swarm.PieceReady(int(index)) {
		ok, err := c.swarm.CompletePiece(c.cuid, int(index))
		if err != nil {
			return enginectl.Abort(err)
		}
		if int(index) == c.currentPiece {
			c.haveCurrentPiece = false
		}
		if !ok {
			c.log.WithField("piece", index).Debug("piece failed verification, requeued")
			return nil
		}
		if err := c.flushPiece(int(index)); err != nil {
			return enginectl.Abort(err)
		}
	}
	return nil
}

// flushPiece writes a just-verified piece to its absolute offset in the
// target through the disk adaptor, the swarm-mode counterpart to
// ResponseCommand's incremental WriteAt calls (spec §4.3 Completion:
// "reassembled into the output file as pieces complete").
func (c *Connection) flushPiece(index int) error {
	if c.disk == nil {
		return nil
	}
	data, err := c.swarm.PieceData(index)
	if err != nil {
		return errors.Wrap(err, "peerwire: read verified piece")
	}
	offset := int64(index) * int64(c.swarm.NominalPieceLength())
	if err := c.disk.WriteAt(offset, data); err != nil {
		return errors.Wrap(err, "peerwire: write verified piece to disk")
	}
	return nil
}

// OnAbort detaches the command's peer and releases any piece it held
// in flight, per spec §4.5: "On any protocol violation or socket error,
// it detaches from its peer... marks its piece cancelled, and exits."
func (c *Connection) OnAbort() {
	if c.haveCurrentPiece {
		c.swarm.CancelPiece(c.currentPiece)
	}
	c.swarm.Deactivate(c.cuid, true)
}

// Cleanup closes the underlying socket.
func (c *Connection) Cleanup() {
	c.conn.Close()
}
