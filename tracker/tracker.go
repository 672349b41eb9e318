// Package tracker implements the announce-URL HTTP client named as an
// external collaborator in the engine spec, plus the periodic announce
// dialogue (including announce-list tier failover) that the tracker
// command drives.
package tracker

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mccartykim/godl/bencode"
)

// Peer is a swarm member address as returned by a tracker.
type Peer struct {
	IP   net.IP
	Port uint16
}

// AnnounceRequest is a single announce dialogue request.
type AnnounceRequest struct {
	AnnounceURL string
	InfoHash    [20]byte
	PeerID      [20]byte
	Port        uint16
	Uploaded    int64
	Downloaded  int64
	Left        int64
	Event       string // "started", "completed", "stopped", or ""
}

// AnnounceResponse is a decoded tracker announce response.
type AnnounceResponse struct {
	Interval    int
	MinInterval int
	Peers       []Peer
}

// DefaultInterval and DefaultMinInterval are used when a tracker omits
// them, per spec §6: "Default announce interval / min-interval: 1800
// seconds."
const (
	DefaultInterval    = 1800
	DefaultMinInterval = 1800
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

// Announce sends a single announce request to req.AnnounceURL and decodes
// the bencoded response.
func Announce(ctx context.Context, req *AnnounceRequest) (*AnnounceResponse, error) {
	if req == nil {
		return nil, errors.New("tracker: announce request cannot be nil")
	}

	u, err := url.Parse(req.AnnounceURL)
	if err != nil {
		return nil, errors.Wrap(err, "tracker: invalid announce URL")
	}

	q := u.Query()
	q.Set("info_hash", string(req.InfoHash[:]))
	q.Set("peer_id", string(req.PeerID[:]))
	q.Set("port", strconv.FormatUint(uint64(req.Port), 10))
	q.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	q.Set("left", strconv.FormatInt(req.Left, 10))
	q.Set("compact", "1")
	if req.Event != "" {
		q.Set("event", req.Event)
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "tracker: build request")
	}

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "tracker: request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "tracker: read response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("tracker: status %d: %s", resp.StatusCode, string(body))
	}

	decoded, err := bencode.Decode(body)
	if err != nil {
		return nil, errors.Wrap(err, "tracker: decode response")
	}

	respDict, ok := decoded.(map[string]interface{})
	if !ok {
		return nil, errors.New("tracker: response is not a dict")
	}

	if failureReason, ok := respDict["failure reason"]; ok {
		return nil, errors.Errorf("tracker: failure: %v", failureReason)
	}

	out := &AnnounceResponse{
		Interval:    toInt(respDict["interval"], DefaultInterval),
		MinInterval: toInt(respDict["min interval"], DefaultMinInterval),
	}

	peers, err := parsePeers(respDict["peers"])
	if err != nil {
		return nil, err
	}
	out.Peers = peers

	return out, nil
}

func toInt(v interface{}, fallback int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	default:
		return fallback
	}
}

func parsePeers(peersData interface{}) ([]Peer, error) {
	if peersData == nil {
		return nil, nil
	}

	switch v := peersData.(type) {
	case string:
		return parseCompactPeers([]byte(v))
	case []byte:
		return parseCompactPeers(v)
	case []interface{}:
		var peers []Peer
		for _, peerIface := range v {
			peerDict, ok := peerIface.(map[string]interface{})
			if !ok {
				return nil, errors.New("tracker: peer entry is not a dict")
			}

			ipStr, ok := peerDict["ip"].(string)
			if !ok {
				return nil, errors.New("tracker: peer ip is not a string")
			}
			ip := net.ParseIP(ipStr)
			if ip == nil {
				return nil, errors.Errorf("tracker: invalid peer IP: %s", ipStr)
			}

			port := toInt(peerDict["port"], -1)
			if port < 0 {
				return nil, errors.New("tracker: invalid peer port")
			}

			peers = append(peers, Peer{IP: ip, Port: uint16(port)})
		}
		return peers, nil
	default:
		return nil, errors.Errorf("tracker: unsupported peers encoding: %T", v)
	}
}

func parseCompactPeers(data []byte) ([]Peer, error) {
	if len(data)%6 != 0 {
		return nil, errors.New("tracker: compact peers length not a multiple of 6")
	}
	var peers []Peer
	for i := 0; i < len(data); i += 6 {
		ip := net.IPv4(data[i], data[i+1], data[i+2], data[i+3])
		port := binary.BigEndian.Uint16(data[i+4 : i+6])
		peers = append(peers, Peer{IP: ip, Port: port})
	}
	return peers, nil
}

// GeneratePeerID generates a peer ID with a "-GD0001-" client-identifying
// prefix followed by 12 random bytes.
func GeneratePeerID() [20]byte {
	var peerID [20]byte
	copy(peerID[:], []byte("-GD0001-"))

	randomBytes := make([]byte, 12)
	if _, err := crand.Read(randomBytes); err != nil {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		for i := range randomBytes {
			randomBytes[i] = byte(rng.Intn(256))
		}
	}
	copy(peerID[8:], randomBytes)

	return peerID
}

// Announcer drives the periodic announce dialogue for one torrent across
// every tracker tier in the metainfo's announce-list, failing over to the
// next tier when the current one errors (the AnnounceList semantics in
// original_source's TorrentMan, not modeled by a single announce URL).
type Announcer struct {
	Tiers  [][]string // each inner slice is a tier of equivalent tracker URLs
	PeerID [20]byte
	Port   uint16

	log *logrus.Entry

	tierIdx int
}

// NewAnnouncer builds an Announcer from a primary announce URL and an
// optional BEP-12 announce-list. If announceList is empty, the primary URL
// becomes the sole tier.
func NewAnnouncer(primary string, announceList [][]string, peerID [20]byte, port uint16) *Announcer {
	tiers := announceList
	if len(tiers) == 0 && primary != "" {
		tiers = [][]string{{primary}}
	}
	return &Announcer{
		Tiers:  tiers,
		PeerID: peerID,
		Port:   port,
		log:    logrus.WithField("component", "tracker"),
	}
}

// Announce issues one announce request against the current tier, walking
// forward through tiers/URLs on failure. It returns the first successful
// response, or the last error if every tracker failed. On success, the
// successful tier becomes the starting tier for the next call.
func (a *Announcer) Announce(ctx context.Context, infoHash [20]byte, uploaded, downloaded, left int64, event string) (*AnnounceResponse, error) {
	if len(a.Tiers) == 0 {
		return nil, errors.New("tracker: no announce URLs configured")
	}

	var lastErr error
	for tier := 0; tier < len(a.Tiers); tier++ {
		ti := (a.tierIdx + tier) % len(a.Tiers)
		urls := a.Tiers[ti]
		for _, u := range urls {
			resp, err := Announce(ctx, &AnnounceRequest{
				AnnounceURL: u,
				InfoHash:    infoHash,
				PeerID:      a.PeerID,
				Port:        a.Port,
				Uploaded:    uploaded,
				Downloaded:  downloaded,
				Left:        left,
				Event:       event,
			})
			if err == nil {
				a.tierIdx = ti
				return resp, nil
			}
			a.log.WithError(err).WithField("url", u).Warn("announce failed, trying next tracker")
			lastErr = err
		}
	}

	return nil, errors.Wrap(lastErr, "tracker: every tracker in every tier failed")
}
