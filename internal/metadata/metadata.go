// Package metadata implements BEP 9 metadata bootstrap: recovering a
// torrent's info dict from peers over the extension sub-protocol when only
// a magnet link (and therefore only an info hash) is available.
package metadata

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"warren/internal/config"
	"warren/internal/protocol"
)

const (
	connectTimeout   = 3 * time.Second
	handshakeTimeout = 5 * time.Second
	payloadTimeout   = 10 * time.Second
	overallDeadline  = 60 * time.Second

	blockSize  = 16384
	maxWorkers = 50

	// localUtMetadataID is the id we advertise for ut_metadata in our own
	// extension handshake; unrelated to whatever id the remote assigns it
	// in theirs (ids are negotiated per direction, never assumed symmetric).
	localUtMetadataID uint8 = 2

	msgTypeRequest = 0
	msgTypeData    = 1
	msgTypeReject  = 2
)

var (
	ErrExtensionUnsupported = errors.New("metadata: peer does not support ut_metadata")
	ErrMetadataTimeout      = errors.New("metadata: fetch deadline exceeded")
	ErrFingerprintMismatch  = errors.New("metadata: assembled info dict hash mismatch")
	ErrRejected             = errors.New("metadata: peer rejected a piece request")
)

// errDone signals successful completion to errgroup so sibling attempts
// stop promptly; it is never surfaced to the caller.
var errDone = errors.New("metadata: fetched")

// Fetch recovers and verifies the info dict for infoHash, racing ut_metadata
// requests across candidates as they arrive and returning as soon as one
// peer's reply hashes to infoHash. Candidates is typically fed by
// dht.DHT.Candidates, closing when ctx is canceled; Fetch itself enforces a
// 60-second overall deadline regardless of candidate supply.
func Fetch(ctx context.Context, infoHash [sha1.Size]byte, candidates <-chan netip.AddrPort, log *slog.Logger) ([]byte, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "metadata.Fetch", "info_hash", fmt.Sprintf("%x", infoHash))

	ctx, cancel := context.WithTimeout(ctx, overallDeadline)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, maxWorkers)

	var (
		mu  sync.Mutex
		got []byte
	)

consume:
	for {
		select {
		case <-gctx.Done():
			break consume
		case addr, ok := <-candidates:
			if !ok {
				break consume
			}

			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				break consume
			}

			g.Go(func() error {
				defer func() { <-sem }()

				data, err := fetchFrom(gctx, addr, infoHash, log)
				if err != nil {
					log.Debug("metadata: candidate failed", "addr", addr, "error", err)
					return nil
				}

				mu.Lock()
				if got == nil {
					got = data
				}
				mu.Unlock()
				return errDone
			})
		}
	}

	err := g.Wait()

	mu.Lock()
	defer mu.Unlock()
	if got != nil {
		return got, nil
	}
	if err != nil && !errors.Is(err, errDone) {
		return nil, err
	}
	return nil, ErrMetadataTimeout
}

// fetchFrom attempts the full handshake-request-assemble-verify sequence
// against a single candidate, each phase under its own timeout.
func fetchFrom(ctx context.Context, addr netip.AddrPort, infoHash [sha1.Size]byte, log *slog.Logger) ([]byte, error) {
	peerID := config.Load().ClientID

	conn, err := dialContext(ctx, addr, connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("metadata: dial %s: %w", addr, err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(connectTimeout))
	local := protocol.NewHandshake(infoHash, peerID)
	if _, err := local.Exchange(conn, true); err != nil {
		return nil, fmt.Errorf("metadata: handshake %s: %w", addr, err)
	}

	extHandshake, err := protocol.MessageExtendedHandshake(map[string]uint8{"ut_metadata": localUtMetadataID})
	if err != nil {
		return nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	if err := protocol.WriteMessage(conn, extHandshake); err != nil {
		return nil, fmt.Errorf("metadata: write extension handshake: %w", err)
	}

	remoteUtMetadataID, metadataSize, err := readExtendedHandshake(conn, handshakeTimeout)
	if err != nil {
		return nil, err
	}

	pieceCount := (metadataSize + blockSize - 1) / blockSize
	buf := make([]byte, metadataSize)
	received := make([]bool, pieceCount)
	remaining := pieceCount

	for i := range pieceCount {
		req, err := encodeMetadataMessage(remoteUtMetadataID, map[string]any{
			"msg_type": int64(msgTypeRequest),
			"piece":    int64(i),
		}, nil)
		if err != nil {
			return nil, err
		}
		conn.SetWriteDeadline(time.Now().Add(payloadTimeout))
		if err := protocol.WriteMessage(conn, req); err != nil {
			return nil, fmt.Errorf("metadata: write request piece %d: %w", i, err)
		}
	}

	deadline := time.Now().Add(payloadTimeout)
	for remaining > 0 {
		if time.Now().After(deadline) {
			return nil, ErrMetadataTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		conn.SetReadDeadline(deadline)
		m, err := protocol.ReadMessage(conn)
		if err != nil {
			return nil, fmt.Errorf("metadata: read: %w", err)
		}
		if protocol.IsKeepAlive(m) {
			continue
		}

		subID, body, ok := m.ParseExtended()
		if !ok || subID != remoteUtMetadataID {
			continue
		}

		msgType, piece, payload, err := decodeMetadataMessage(body)
		if err != nil {
			continue
		}

		switch msgType {
		case msgTypeReject:
			return nil, ErrRejected
		case msgTypeData:
			if piece < 0 || piece >= pieceCount || received[piece] {
				continue
			}
			start := piece * blockSize
			end := start + len(payload)
			if end > len(buf) {
				continue
			}
			copy(buf[start:end], payload)
			received[piece] = true
			remaining--
		}
	}

	if got := sha1.Sum(buf); got != infoHash {
		return nil, fmt.Errorf("%w: got %x want %x", ErrFingerprintMismatch, got, infoHash)
	}
	return buf, nil
}

func dialContext(ctx context.Context, addr netip.AddrPort, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	return d.DialContext(ctx, "tcp", addr.String())
}

// readExtendedHandshake reads frames until the remote's extension
// handshake arrives, returning the id it assigned to ut_metadata and the
// total metadata size it advertised.
func readExtendedHandshake(conn net.Conn, timeout time.Duration) (utMetadataID uint8, metadataSize int, err error) {
	deadline := time.Now().Add(timeout)
	for {
		if time.Now().After(deadline) {
			return 0, 0, ErrExtensionUnsupported
		}
		conn.SetReadDeadline(deadline)

		m, err := protocol.ReadMessage(conn)
		if err != nil {
			return 0, 0, fmt.Errorf("metadata: read extension handshake: %w", err)
		}
		if protocol.IsKeepAlive(m) {
			continue
		}
		subID, body, ok := m.ParseExtended()
		if !ok || subID != protocol.ExtendedHandshakeID {
			continue
		}

		ids, err := protocol.ParseExtendedHandshake(body)
		if err != nil {
			return 0, 0, err
		}
		id, ok := ids["ut_metadata"]
		if !ok {
			return 0, 0, ErrExtensionUnsupported
		}

		size, err := parseMetadataSize(body)
		if err != nil {
			return 0, 0, err
		}
		return id, size, nil
	}
}
