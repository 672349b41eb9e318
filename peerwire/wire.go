// Package peerwire implements the peer-swarm wire protocol command
// family named in spec §4.5: a fixed 68-byte handshake followed by
// length-prefixed typed messages (BEP 3), driving a per-connection
// HANDSHAKE → BITFIELD → STEADY state machine.
package peerwire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Message IDs, BEP 3.
const (
	MsgChoke         uint8 = 0
	MsgUnchoke       uint8 = 1
	MsgInterested    uint8 = 2
	MsgNotInterested uint8 = 3
	MsgHave          uint8 = 4
	MsgBitfield      uint8 = 5
	MsgRequest       uint8 = 6
	MsgPiece         uint8 = 7
	MsgCancel        uint8 = 8
)

// Message is a decoded peer-wire message; a nil *Message from Decoder
// represents a keep-alive (zero-length message).
type Message struct {
	ID      uint8
	Payload []byte
}

// Encode serializes a message to wire format: <length=4><id=1><payload>.
func Encode(msg *Message) []byte {
	buf := make([]byte, 4+1+len(msg.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(1+len(msg.Payload)))
	buf[4] = msg.ID
	copy(buf[5:], msg.Payload)
	return buf
}

// EncodeKeepAlive returns the 4 zero bytes that signal a keep-alive.
func EncodeKeepAlive() []byte {
	return []byte{0, 0, 0, 0}
}

const pstr = "BitTorrent protocol"

// HandshakeSize is the fixed handshake length: pstrlen(1) + pstr(19) +
// reserved(8) + info_hash(20) + peer_id(20).
const HandshakeSize = 1 + len(pstr) + 8 + 20 + 20

// BuildHandshake formats the 68-byte handshake message.
func BuildHandshake(infoHash, peerID [20]byte) []byte {
	buf := make([]byte, HandshakeSize)
	buf[0] = byte(len(pstr))
	copy(buf[1:], pstr)
	// reserved[8] left zero: no extension bits are negotiated.
	copy(buf[1+len(pstr)+8:], infoHash[:])
	copy(buf[1+len(pstr)+8+20:], peerID[:])
	return buf
}

// ParseHandshake validates and decodes a peer's handshake bytes.
func ParseHandshake(buf []byte) (infoHash, peerID [20]byte, err error) {
	if len(buf) != HandshakeSize {
		return infoHash, peerID, errors.Errorf("peerwire: handshake must be %d bytes, got %d", HandshakeSize, len(buf))
	}
	if buf[0] != byte(len(pstr)) {
		return infoHash, peerID, errors.Errorf("peerwire: invalid pstrlen %d", buf[0])
	}
	if string(buf[1:1+len(pstr)]) != pstr {
		return infoHash, peerID, errors.Errorf("peerwire: invalid pstr %q", buf[1:1+len(pstr)])
	}
	copy(infoHash[:], buf[1+len(pstr)+8:1+len(pstr)+8+20])
	copy(peerID[:], buf[1+len(pstr)+8+20:])
	return infoHash, peerID, nil
}

// ParsePiece decodes a piece message payload: index(4) + begin(4) + block.
func ParsePiece(msg *Message) (index, begin uint32, data []byte, err error) {
	if msg.ID != MsgPiece {
		return 0, 0, nil, errors.Errorf("peerwire: expected piece message, got ID %d", msg.ID)
	}
	if len(msg.Payload) < 8 {
		return 0, 0, nil, errors.Errorf("peerwire: piece payload too short: %d bytes", len(msg.Payload))
	}
	index = binary.BigEndian.Uint32(msg.Payload[0:4])
	begin = binary.BigEndian.Uint32(msg.Payload[4:8])
	data = msg.Payload[8:]
	return index, begin, data, nil
}

// ParseHave decodes a have message payload: index(4).
func ParseHave(msg *Message) (uint32, error) {
	if msg.ID != MsgHave {
		return 0, errors.Errorf("peerwire: expected have message, got ID %d", msg.ID)
	}
	if len(msg.Payload) != 4 {
		return 0, errors.Errorf("peerwire: have payload must be 4 bytes, got %d", len(msg.Payload))
	}
	return binary.BigEndian.Uint32(msg.Payload), nil
}

// ParseRequest decodes a request (or cancel) message payload:
// index(4) + begin(4) + length(4).
func ParseRequest(msg *Message) (index, begin, length uint32, err error) {
	if msg.ID != MsgRequest && msg.ID != MsgCancel {
		return 0, 0, 0, errors.Errorf("peerwire: expected request/cancel message, got ID %d", msg.ID)
	}
	if len(msg.Payload) != 12 {
		return 0, 0, 0, errors.Errorf("peerwire: request payload must be 12 bytes, got %d", len(msg.Payload))
	}
	index = binary.BigEndian.Uint32(msg.Payload[0:4])
	begin = binary.BigEndian.Uint32(msg.Payload[4:8])
	length = binary.BigEndian.Uint32(msg.Payload[8:12])
	return index, begin, length, nil
}

func requestPayload(index, begin, length uint32) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	binary.BigEndian.PutUint32(payload[8:12], length)
	return payload
}

func indexPayload(index uint32) []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)
	return payload
}

func piecePayload(index, begin uint32, block []byte) []byte {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	copy(payload[8:], block)
	return payload
}
