package tracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mccartykim/godl/bencode"
)

func TestAnnounceCompactPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("compact"))

		compact := []byte{192, 168, 1, 1, 0x1A, 0xE1, 10, 0, 0, 1, 0x1A, 0xE2}
		resp := map[string]interface{}{
			"interval": int64(900),
			"peers":    string(compact),
		}
		body, err := bencode.Encode(resp)
		require.NoError(t, err)
		w.Write(body)
	}))
	defer srv.Close()

	req := &AnnounceRequest{
		AnnounceURL: srv.URL,
		InfoHash:    [20]byte{1, 2, 3},
		PeerID:      GeneratePeerID(),
		Port:        6881,
		Left:        1000,
	}

	resp, err := Announce(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 900, resp.Interval)
	assert.Equal(t, DefaultMinInterval, resp.MinInterval)
	require.Len(t, resp.Peers, 2)
	assert.Equal(t, "192.168.1.1", resp.Peers[0].IP.String())
	assert.EqualValues(t, 6881, resp.Peers[0].Port)
	assert.Equal(t, "10.0.0.1", resp.Peers[1].IP.String())
}

func TestAnnounceDictPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"interval": int64(1800),
			"peers": []interface{}{
				map[string]interface{}{"ip": "1.2.3.4", "port": int64(51413)},
			},
		}
		body, err := bencode.Encode(resp)
		require.NoError(t, err)
		w.Write(body)
	}))
	defer srv.Close()

	resp, err := Announce(context.Background(), &AnnounceRequest{
		AnnounceURL: srv.URL,
		PeerID:      GeneratePeerID(),
	})
	require.NoError(t, err)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, "1.2.3.4", resp.Peers[0].IP.String())
	assert.EqualValues(t, 51413, resp.Peers[0].Port)
}

func TestAnnounceFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{"failure reason": "info_hash not found"}
		body, err := bencode.Encode(resp)
		require.NoError(t, err)
		w.Write(body)
	}))
	defer srv.Close()

	_, err := Announce(context.Background(), &AnnounceRequest{AnnounceURL: srv.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "info_hash not found")
}

func TestAnnounceNilRequest(t *testing.T) {
	_, err := Announce(context.Background(), nil)
	assert.Error(t, err)
}

func TestGeneratePeerIDPrefixAndUniqueness(t *testing.T) {
	a := GeneratePeerID()
	b := GeneratePeerID()
	assert.Equal(t, "-GD0001-", string(a[:8]))
	assert.NotEqual(t, a, b)
}

func TestParseCompactPeersInvalidLength(t *testing.T) {
	_, err := parseCompactPeers([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestAnnouncerTierFailover(t *testing.T) {
	var badHits, goodHits int
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		badHits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		goodHits++
		resp := map[string]interface{}{"interval": int64(1800)}
		body, err := bencode.Encode(resp)
		require.NoError(t, err)
		w.Write(body)
	}))
	defer good.Close()

	announcer := NewAnnouncer("", [][]string{{bad.URL}, {good.URL}}, GeneratePeerID(), 6881)

	resp, err := announcer.Announce(context.Background(), [20]byte{}, 0, 0, 100, "started")
	require.NoError(t, err)
	assert.Equal(t, 1800, resp.Interval)
	assert.Equal(t, 1, badHits)
	assert.Equal(t, 1, goodHits)

	// second call should start from the tier that succeeded last time.
	_, err = announcer.Announce(context.Background(), [20]byte{}, 0, 0, 100, "")
	require.NoError(t, err)
	assert.Equal(t, 1, badHits)
	assert.Equal(t, 2, goodHits)
}

func TestAnnouncerAllTiersFail(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	announcer := NewAnnouncer(bad.URL, nil, GeneratePeerID(), 6881)
	_, err := announcer.Announce(context.Background(), [20]byte{}, 0, 0, 0, "")
	assert.Error(t, err)
}
