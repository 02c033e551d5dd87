package metadata

import (
	"context"
	"crypto/sha1"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"warren/internal/bencode"
	"warren/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePeer accepts one connection, performs the BEP 3 + BEP 10 handshakes,
// and serves back info as ut_metadata pieces, exercising the exact wire
// sequence fetchFrom expects from a real peer.
func fakePeer(t *testing.T, infoHash [sha1.Size]byte, info []byte, remoteUtMetadataID uint8) netip.AddrPort {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen error: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var peerID [sha1.Size]byte
		local := protocol.NewHandshake(infoHash, peerID)
		if _, err := local.Exchange(conn, true); err != nil {
			return
		}

		extHandshake, err := protocol.MessageExtendedHandshake(map[string]uint8{"ut_metadata": remoteUtMetadataID})
		if err != nil {
			return
		}
		body, err := bencode.Marshal(map[string]any{
			"m":             map[string]any{"ut_metadata": int64(remoteUtMetadataID)},
			"metadata_size": int64(len(info)),
		})
		if err != nil {
			return
		}
		extHandshake.Payload = append([]byte{protocol.ExtendedHandshakeID}, body...)
		if err := protocol.WriteMessage(conn, extHandshake); err != nil {
			return
		}

		pieceCount := (len(info) + blockSize - 1) / blockSize
		for i := 0; i < pieceCount; i++ {
			m, err := protocol.ReadMessage(conn)
			if err != nil {
				return
			}
			if protocol.IsKeepAlive(m) {
				continue
			}
			subID, reqBody, ok := m.ParseExtended()
			if !ok || subID != remoteUtMetadataID {
				continue
			}
			_, piece, _, err := decodeMetadataMessage(reqBody)
			if err != nil {
				continue
			}
			start := piece * blockSize
			end := start + blockSize
			if end > len(info) {
				end = len(info)
			}
			resp, err := encodeMetadataMessage(remoteUtMetadataID, map[string]any{
				"msg_type": int64(msgTypeData),
				"piece":    int64(piece),
			}, info[start:end])
			if err != nil {
				return
			}
			if err := protocol.WriteMessage(conn, resp); err != nil {
				return
			}
		}
	}()

	return netip.MustParseAddrPort(ln.Addr().String())
}

func TestFetch_SinglePeerServesWholeInfoDict(t *testing.T) {
	info := make([]byte, blockSize+100) // spans two metadata pieces
	for i := range info {
		info[i] = byte(i)
	}
	infoHash := sha1.Sum(info)

	addr := fakePeer(t, infoHash, info, 3)

	candidates := make(chan netip.AddrPort, 1)
	candidates <- addr
	close(candidates)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := Fetch(ctx, infoHash, candidates, testLogger())
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if string(got) != string(info) {
		t.Fatalf("Fetch returned %d bytes, want %d matching the original info dict", len(got), len(info))
	}
}

func TestFetch_NoCandidatesTimesOut(t *testing.T) {
	candidates := make(chan netip.AddrPort)
	close(candidates)

	var infoHash [sha1.Size]byte
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := Fetch(ctx, infoHash, candidates, testLogger())
	if err == nil {
		t.Fatalf("expected an error when no candidates ever arrive")
	}
}

func TestFetch_BadCandidateIsSkipped(t *testing.T) {
	info := []byte("short-info-dict")
	infoHash := sha1.Sum(info)

	good := fakePeer(t, infoHash, info, 5)
	// A dead address: nothing listens here, so fetchFrom should fail fast
	// and Fetch should fall through to the next candidate.
	bad := netip.MustParseAddrPort("127.0.0.1:1")

	candidates := make(chan netip.AddrPort, 2)
	candidates <- bad
	candidates <- good
	close(candidates)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := Fetch(ctx, infoHash, candidates, testLogger())
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if string(got) != string(info) {
		t.Fatalf("Fetch returned %q, want %q", got, info)
	}
}
