package segment

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Sidecar files persist segment-manager state to "<target>.aria2" at
// shutdown, and are reloaded on startup to resume partial transfers
// (spec §10 "Persisted state"). The layout is a magic + version header,
// the target length, the segment list, and — for swarm mode — the local
// completion bitmap and per-piece sub-bitfields.
const (
	sidecarMagic   = "GDL1"
	sidecarVersion = uint8(1)
)

// SwarmState carries the swarm-mode extras the sidecar format appends
// after the segment list: the local piece-completion bitmap and the
// sub-bitfields of any pieces that were partially downloaded.
type SwarmState struct {
	LocalBitmap   []byte
	SubBitfields  map[int][]byte // piece index -> block bitmap bytes
}

// Save writes the manager's segment pool and, if swarm is non-nil, swarm
// extras to w.
func (m *Manager) Save(w io.Writer, swarm *SwarmState) error {
	if _, err := io.WriteString(w, sidecarMagic); err != nil {
		return errors.Wrap(err, "segment: write magic")
	}
	if err := binary.Write(w, binary.BigEndian, sidecarVersion); err != nil {
		return errors.Wrap(err, "segment: write version")
	}
	if err := binary.Write(w, binary.BigEndian, m.TotalLength()); err != nil {
		return errors.Wrap(err, "segment: write total length")
	}

	segs := m.Snapshot()
	if err := binary.Write(w, binary.BigEndian, uint32(len(segs))); err != nil {
		return errors.Wrap(err, "segment: write segment count")
	}
	for _, s := range segs {
		if err := writeSegment(w, s); err != nil {
			return err
		}
	}

	hasSwarm := swarm != nil
	if err := binary.Write(w, binary.BigEndian, hasSwarm); err != nil {
		return errors.Wrap(err, "segment: write swarm flag")
	}
	if !hasSwarm {
		return nil
	}

	if err := writeBlob(w, swarm.LocalBitmap); err != nil {
		return errors.Wrap(err, "segment: write local bitmap")
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(swarm.SubBitfields))); err != nil {
		return errors.Wrap(err, "segment: write sub-bitfield count")
	}
	for index, blob := range swarm.SubBitfields {
		if err := binary.Write(w, binary.BigEndian, uint32(index)); err != nil {
			return errors.Wrap(err, "segment: write sub-bitfield index")
		}
		if err := writeBlob(w, blob); err != nil {
			return errors.Wrap(err, "segment: write sub-bitfield")
		}
	}

	return nil
}

// Load reads a sidecar file written by Save, returning the restored
// manager and, if present, the swarm extras.
func Load(r io.Reader) (*Manager, *SwarmState, error) {
	magic := make([]byte, len(sidecarMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, nil, errors.Wrap(err, "segment: read magic")
	}
	if string(magic) != sidecarMagic {
		return nil, nil, errors.Errorf("segment: bad magic %q", magic)
	}

	var version uint8
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return nil, nil, errors.Wrap(err, "segment: read version")
	}
	if version != sidecarVersion {
		return nil, nil, errors.Errorf("segment: unsupported sidecar version %d", version)
	}

	var totalLength int64
	if err := binary.Read(r, binary.BigEndian, &totalLength); err != nil {
		return nil, nil, errors.Wrap(err, "segment: read total length")
	}

	var segCount uint32
	if err := binary.Read(r, binary.BigEndian, &segCount); err != nil {
		return nil, nil, errors.Wrap(err, "segment: read segment count")
	}

	segs := make([]Segment, segCount)
	for i := range segs {
		s, err := readSegment(r)
		if err != nil {
			return nil, nil, err
		}
		segs[i] = s
	}

	var hasSwarm bool
	if err := binary.Read(r, binary.BigEndian, &hasSwarm); err != nil {
		return nil, nil, errors.Wrap(err, "segment: read swarm flag")
	}

	m := Restore(totalLength, segs)

	if !hasSwarm {
		return m, nil, nil
	}

	localBitmap, err := readBlob(r)
	if err != nil {
		return nil, nil, errors.Wrap(err, "segment: read local bitmap")
	}

	var subCount uint32
	if err := binary.Read(r, binary.BigEndian, &subCount); err != nil {
		return nil, nil, errors.Wrap(err, "segment: read sub-bitfield count")
	}

	subs := make(map[int][]byte, subCount)
	for i := uint32(0); i < subCount; i++ {
		var index uint32
		if err := binary.Read(r, binary.BigEndian, &index); err != nil {
			return nil, nil, errors.Wrap(err, "segment: read sub-bitfield index")
		}
		blob, err := readBlob(r)
		if err != nil {
			return nil, nil, errors.Wrap(err, "segment: read sub-bitfield")
		}
		subs[int(index)] = blob
	}

	return m, &SwarmState{LocalBitmap: localBitmap, SubBitfields: subs}, nil
}

func writeSegment(w io.Writer, s Segment) error {
	fields := []interface{}{s.Begin, s.End, s.Cursor, s.Done}
	for _, f := range fields {
		if err := binary.Write(w, binary.BigEndian, f); err != nil {
			return errors.Wrap(err, "segment: write segment field")
		}
	}
	return nil
}

func readSegment(r io.Reader) (Segment, error) {
	var s Segment
	if err := binary.Read(r, binary.BigEndian, &s.Begin); err != nil {
		return s, errors.Wrap(err, "segment: read begin")
	}
	if err := binary.Read(r, binary.BigEndian, &s.End); err != nil {
		return s, errors.Wrap(err, "segment: read end")
	}
	if err := binary.Read(r, binary.BigEndian, &s.Cursor); err != nil {
		return s, errors.Wrap(err, "segment: read cursor")
	}
	if err := binary.Read(r, binary.BigEndian, &s.Done); err != nil {
		return s, errors.Wrap(err, "segment: read done")
	}
	return s, nil
}

func writeBlob(w io.Writer, data []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readBlob(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	blob := make([]byte, n)
	if _, err := io.ReadFull(r, blob); err != nil {
		return nil, err
	}
	return blob, nil
}
