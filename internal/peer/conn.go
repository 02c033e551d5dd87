// Package peer implements the per-connection wire protocol and the
// session state machine that drives it: handshake and framed message I/O
// (WireConnection), and choke/interest, piece selection, block pipelining,
// and hash verification (PeerSession).
package peer

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"warren/internal/bitfield"
	"warren/internal/config"
	"warren/internal/protocol"
)

var (
	ErrHandshakeInvalid = errors.New("peer: handshake invalid")
	ErrUnknownMessage   = errors.New("peer: unknown message id")
)

// WireConnection is a single duplex byte stream to one remote, after a
// successful BEP 3 handshake. It owns framed message I/O and the
// connection-local flags the wire protocol itself defines (choke/interest,
// the peer's advertised pieces); everything above that — the extension
// map, in-flight piece state, request pipelining — belongs to PeerSession.
type WireConnection struct {
	log  *slog.Logger
	conn net.Conn
	addr netip.AddrPort

	RemotePeerID [sha1.Size]byte

	mu             sync.RWMutex
	peerChoking    bool
	peerInterested bool
	amChoking      bool
	amInterested   bool
	peerPieces     bitfield.Bitfield

	closeOnce sync.Once
}

// Dial connects to addr within config.Load().DialTimeout and performs the
// BEP 3 handshake, verifying the remote's info hash matches infoHash.
func Dial(addr netip.AddrPort, infoHash, peerID [sha1.Size]byte, numPieces int, log *slog.Logger) (*WireConnection, error) {
	conn, err := net.DialTimeout("tcp", addr.String(), config.Load().DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("peer: dial %s: %w", addr, err)
	}

	local := protocol.NewHandshake(infoHash, peerID)
	conn.SetDeadline(time.Now().Add(config.Load().DialTimeout))
	remote, err := local.Exchange(conn, true)
	conn.SetDeadline(time.Time{})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshakeInvalid, err)
	}

	wc := &WireConnection{
		log:            log.With("component", "peer.WireConnection", "addr", addr),
		conn:           conn,
		addr:           addr,
		RemotePeerID:   remote.PeerID,
		peerChoking:    true,
		peerInterested: false,
		amChoking:      true,
		amInterested:   false,
		peerPieces:     bitfield.New(numPieces),
	}
	return wc, nil
}

// Accept wraps an already-accepted inbound connection once its handshake
// has been exchanged by the caller (the listener owns accept + handshake
// since it must read infoHash before knowing which torrent this is for).
func Accept(conn net.Conn, addr netip.AddrPort, remotePeerID [sha1.Size]byte, numPieces int, log *slog.Logger) *WireConnection {
	return &WireConnection{
		log:            log.With("component", "peer.WireConnection", "addr", addr),
		conn:           conn,
		addr:           addr,
		RemotePeerID:   remotePeerID,
		peerChoking:    true,
		peerInterested: false,
		amChoking:      true,
		amInterested:   false,
		peerPieces:     bitfield.New(numPieces),
	}
}

func (wc *WireConnection) Addr() netip.AddrPort { return wc.addr }

// Close closes the underlying connection. Safe to call more than once.
func (wc *WireConnection) Close() error {
	var err error
	wc.closeOnce.Do(func() {
		err = wc.conn.Close()
	})
	return err
}

// ReadMessage blocks for up to config.Load().ReadTimeout for the next
// framed message, applying the wire-level state updates §4.2 assigns to
// WireConnection (choke/interest bits, peer_pieces) before returning it to
// the caller. A nil message with nil error denotes a keep-alive.
func (wc *WireConnection) ReadMessage() (*protocol.Message, error) {
	wc.conn.SetReadDeadline(time.Now().Add(config.Load().ReadTimeout))
	defer wc.conn.SetReadDeadline(time.Time{})

	m, err := protocol.ReadMessage(wc.conn)
	if err != nil {
		return nil, err
	}
	if protocol.IsKeepAlive(m) {
		return nil, nil
	}

	if err := m.ValidatePayloadSize(); err != nil {
		return nil, err
	}

	switch m.ID {
	case protocol.Choke:
		wc.setChoking(true)
	case protocol.Unchoke:
		wc.setChoking(false)
	case protocol.Interested:
		wc.setInterested(true)
	case protocol.NotInterested:
		wc.setInterested(false)
	case protocol.Have:
		if idx, ok := m.ParseHave(); ok {
			wc.setHave(int(idx))
		}
	case protocol.Bitfield:
		wc.setBitfield(bitfield.FromBytes(m.Payload))
	case protocol.Request, protocol.Piece, protocol.Cancel, protocol.Extended:
		// handled by PeerSession
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, m.ID)
	}

	return m, nil
}

// WriteMessage writes m within config.Load().WriteTimeout, updating the
// am_choking/am_interested bits WireConnection tracks on our own behalf.
func (wc *WireConnection) WriteMessage(m *protocol.Message) error {
	wc.conn.SetWriteDeadline(time.Now().Add(config.Load().WriteTimeout))
	defer wc.conn.SetWriteDeadline(time.Time{})

	if err := protocol.WriteMessage(wc.conn, m); err != nil {
		return err
	}

	if protocol.IsKeepAlive(m) {
		return nil
	}
	switch m.ID {
	case protocol.Choke:
		wc.mu.Lock()
		wc.amChoking = true
		wc.mu.Unlock()
	case protocol.Unchoke:
		wc.mu.Lock()
		wc.amChoking = false
		wc.mu.Unlock()
	case protocol.Interested:
		wc.mu.Lock()
		wc.amInterested = true
		wc.mu.Unlock()
	case protocol.NotInterested:
		wc.mu.Lock()
		wc.amInterested = false
		wc.mu.Unlock()
	}
	return nil
}

func (wc *WireConnection) setChoking(choked bool) {
	wc.mu.Lock()
	wc.peerChoking = choked
	wc.mu.Unlock()
}

func (wc *WireConnection) setInterested(interested bool) {
	wc.mu.Lock()
	wc.peerInterested = interested
	wc.mu.Unlock()
}

func (wc *WireConnection) setHave(idx int) {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	if idx >= wc.peerPieces.Len() {
		grown := bitfield.New(idx + 1)
		copy(grown, wc.peerPieces)
		wc.peerPieces = grown
	}
	wc.peerPieces.Set(idx)
}

func (wc *WireConnection) setBitfield(bf bitfield.Bitfield) {
	wc.mu.Lock()
	wc.peerPieces = bf
	wc.mu.Unlock()
}

func (wc *WireConnection) PeerChoking() bool {
	wc.mu.RLock()
	defer wc.mu.RUnlock()
	return wc.peerChoking
}

func (wc *WireConnection) PeerInterested() bool {
	wc.mu.RLock()
	defer wc.mu.RUnlock()
	return wc.peerInterested
}

func (wc *WireConnection) AmChoking() bool {
	wc.mu.RLock()
	defer wc.mu.RUnlock()
	return wc.amChoking
}

func (wc *WireConnection) AmInterested() bool {
	wc.mu.RLock()
	defer wc.mu.RUnlock()
	return wc.amInterested
}

// PeerPieces returns a copy of the remote's advertised bitfield.
func (wc *WireConnection) PeerPieces() bitfield.Bitfield {
	wc.mu.RLock()
	defer wc.mu.RUnlock()
	return bitfield.FromBytes(wc.peerPieces.Bytes())
}
