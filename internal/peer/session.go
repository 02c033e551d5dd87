package peer

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"warren/internal/bencode"
	"warren/internal/cast"
	"warren/internal/piece"
	"warren/internal/protocol"
	"warren/internal/ratelimit"
	"warren/internal/storage"

	"github.com/google/uuid"
)

const (
	// blockSize is the standard request granularity (16 KiB); the final
	// block of a piece may be shorter.
	blockSize = 16384

	// maxRequestLength is the largest length an inbound Request may ask
	// for; anything larger is dropped silently.
	maxRequestLength = 131072
)

// Local extension ids we advertise in our own extension handshake. These
// are per-direction: the remote's ids for the same extension names are
// whatever it advertised in its own handshake, recorded in
// remoteExtensions.
const (
	extUtPex      uint8 = 1
	extUtMetadata uint8 = 2
)

var (
	ErrPieceHashMismatch = errors.New("peer: piece hash mismatch")
	ErrUnexpectedPiece   = errors.New("peer: piece message malformed")
	ErrUnexpectedRequest = errors.New("peer: request message malformed")
)

// State is a PeerSession's lifecycle position.
type State int32

const (
	StateHandshaking State = iota
	StateIdle
	StateDownloading
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateIdle:
		return "idle"
	case StateDownloading:
		return "downloading"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type inProgressPiece struct {
	index          int
	buffer         []byte
	blocksTotal    int
	blocksReceived int
}

// Opts configures a Session. Pieces, Store, and Limiter are shared across
// every session of one download; Candidates and Completion connect a
// session back to its owning DownloadManager.
type Opts struct {
	InfoHash    [sha1.Size]byte
	PieceLength int32
	TotalLength int64

	Pieces  *piece.Map
	Store   *storage.Store
	Limiter *ratelimit.Limiter

	// Candidates receives endpoints learned via ut_pex, fed back into the
	// DownloadManager's candidate queue.
	Candidates chan<- netip.AddrPort

	// Completion fires once, when PieceMap transitions to all-Have. Every
	// session selects on it to stop.
	Completion <-chan struct{}

	// OnComplete is called when this session's own Piece completion is the
	// one that brings PieceMap to all-Have, so the DownloadManager can
	// close the shared Completion channel exactly once.
	OnComplete func()

	Log *slog.Logger
}

// Session is the state machine driving one WireConnection: choke/interest,
// piece selection, block pipelining, hash verification, and serving
// inbound requests.
type Session struct {
	id   uuid.UUID
	log  *slog.Logger
	conn *WireConnection

	infoHash    [sha1.Size]byte
	pieceLength int32
	totalLength int64

	pieces  *piece.Map
	store   *storage.Store
	limiter *ratelimit.Limiter

	candidates chan<- netip.AddrPort
	completion <-chan struct{}
	onComplete func()

	localExtensions map[string]uint8

	mu               sync.Mutex
	remoteExtensions map[string]uint8
	current          *inProgressPiece

	state atomic.Int32
}

// NewSession wraps an already-handshaken WireConnection with the state
// machine that drives it.
func NewSession(conn *WireConnection, opts *Opts) *Session {
	id := uuid.New()
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	s := &Session{
		id:          id,
		log:         log.With("component", "peer.Session", "session_id", id, "addr", conn.Addr(), "info_hash", fmt.Sprintf("%x", opts.InfoHash)),
		conn:        conn,
		infoHash:    opts.InfoHash,
		pieceLength: opts.PieceLength,
		totalLength: opts.TotalLength,
		pieces:      opts.Pieces,
		store:       opts.Store,
		limiter:     opts.Limiter,
		candidates:  opts.Candidates,
		completion:  opts.Completion,
		onComplete:  opts.OnComplete,
		localExtensions: map[string]uint8{
			"ut_pex":      extUtPex,
			"ut_metadata": extUtMetadata,
		},
	}
	s.state.Store(int32(StateHandshaking))
	return s
}

func (s *Session) State() State { return State(s.state.Load()) }

// Run drives the session until the connection fails, the context is
// canceled, or the download completes. It always releases any
// in-progress piece before returning.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()
	defer s.releaseCurrent()

	if err := s.sendEntry(); err != nil {
		return fmt.Errorf("peer: session entry: %w", err)
	}
	s.state.Store(int32(StateIdle))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.completion:
			return nil
		default:
		}

		msg, err := s.conn.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}
		if msg == nil {
			continue // keep-alive
		}

		if err := s.handleMessage(ctx, msg); err != nil {
			return err
		}
	}
}

// Close closes the underlying connection. Safe to call more than once.
func (s *Session) Close() error {
	s.state.Store(int32(StateClosed))
	return s.conn.Close()
}

// sendEntry sends this session's opening messages: our bitfield (if we
// have anything), an unconditional Unchoke, Interested, and our extension
// handshake. Unchoke is unconditional because spec.md excludes
// choke-fairness policy as a non-goal — the simplest choke policy that
// still lets serve-request work at all is to never choke anyone.
func (s *Session) sendEntry() error {
	if counts := s.pieces.SnapshotCounts(); counts.Done > 0 {
		bf := s.pieces.Bitfield()
		if err := s.conn.WriteMessage(protocol.MessageBitfield(bf.Bytes())); err != nil {
			return err
		}
	}

	if err := s.conn.WriteMessage(protocol.MessageUnchoke()); err != nil {
		return err
	}

	if err := s.conn.WriteMessage(protocol.MessageInterested()); err != nil {
		return err
	}

	extHandshake, err := protocol.MessageExtendedHandshake(s.localExtensions)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(extHandshake)
}

func (s *Session) handleMessage(ctx context.Context, m *protocol.Message) error {
	switch m.ID {
	case protocol.Unchoke, protocol.Have, protocol.Bitfield:
		return s.tryClaimAndRequest()
	case protocol.Request:
		return s.handleRequest(ctx, m)
	case protocol.Piece:
		return s.handlePiece(m)
	case protocol.Cancel:
		return nil // no mandatory action
	case protocol.Extended:
		return s.handleExtended(m)
	default:
		return nil
	}
}

// tryClaimAndRequest performs outbound piece selection whenever the remote
// isn't choking us and we have no piece in flight: claim a piece the
// remote has and we don't, then pipeline a Request for every block.
func (s *Session) tryClaimAndRequest() error {
	if s.conn.PeerChoking() {
		return nil
	}

	s.mu.Lock()
	busy := s.current != nil
	s.mu.Unlock()
	if busy {
		return nil
	}

	idx, ok := s.pieces.ClaimRandomAvailable(s.conn.PeerPieces())
	if !ok {
		return nil
	}

	length, err := piece.PieceLengthAt(idx, s.totalLength, s.pieceLength)
	if err != nil {
		s.pieces.Release(idx)
		return nil
	}

	nBlocks := piece.BlockCountForPiece(length, blockSize)
	s.state.Store(int32(StateDownloading))

	s.mu.Lock()
	s.current = &inProgressPiece{index: idx, buffer: make([]byte, length), blocksTotal: nBlocks}
	s.mu.Unlock()

	for b := 0; b < nBlocks; b++ {
		begin, blen, err := piece.BlockOffsetBounds(length, blockSize, b)
		if err != nil {
			break
		}
		if err := s.conn.WriteMessage(protocol.MessageRequest(uint32(idx), uint32(begin), uint32(blen))); err != nil {
			s.releaseCurrent()
			return err
		}
	}
	return nil
}

func (s *Session) handlePiece(m *protocol.Message) error {
	idx, begin, block, ok := m.ParsePiece()
	if !ok {
		return ErrUnexpectedPiece
	}

	s.mu.Lock()
	cur := s.current
	if cur == nil || int(idx) != cur.index || int(begin)+len(block) > len(cur.buffer) {
		s.mu.Unlock()
		return nil // stale or unsolicited; ignore
	}
	copy(cur.buffer[begin:], block)
	cur.blocksReceived++
	complete := cur.blocksReceived >= cur.blocksTotal
	s.mu.Unlock()

	if !complete {
		return nil
	}

	expected, err := s.pieces.Hash(cur.index)
	if err != nil {
		s.releaseCurrent()
		return err
	}

	if sha1.Sum(cur.buffer) != expected {
		s.releaseCurrent()
		s.log.Warn("piece hash mismatch, closing connection", "piece", cur.index)
		return fmt.Errorf("%w: piece %d", ErrPieceHashMismatch, cur.index)
	}

	// The session already assembled every block into cur.buffer itself, so
	// hand the store the whole piece as one conceptual block (index 0)
	// rather than replaying each wire-level block through BufferBlock.
	s.store.BufferBlock(cur.buffer, storage.BlockInfo{
		PieceIndex:  cur.index,
		BlockIndex:  0,
		PieceLength: s.pieceLength,
		BlockLength: int32(len(cur.buffer)),
		Size:        s.totalLength,
	})

	if err := s.store.FlushPiece(cur.index, expected); err != nil {
		s.releaseCurrent()
		return err
	}

	done, err := s.pieces.Complete(cur.index, int64(len(cur.buffer)))
	if err != nil {
		return err
	}
	if done && s.onComplete != nil {
		s.onComplete()
	}

	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()

	if err := s.conn.WriteMessage(protocol.MessageHave(uint32(cur.index))); err != nil {
		return err
	}

	s.state.Store(int32(StateIdle))
	return s.tryClaimAndRequest()
}

func (s *Session) handleRequest(ctx context.Context, m *protocol.Message) error {
	idx, begin, length, ok := m.ParseRequest()
	if !ok {
		return ErrUnexpectedRequest
	}
	if length > maxRequestLength {
		return nil // silently dropped
	}
	if !s.pieces.Has(int(idx)) {
		return nil
	}

	for !s.limiter.Consume(float64(length)) {
		select {
		case <-ctx.Done():
			return nil
		case <-s.completion:
			return nil
		case <-time.After(100 * time.Millisecond):
		}
	}

	data, err := s.store.ReadBlock(int(idx), int(begin), int(length))
	if err != nil {
		return err
	}
	if err := s.conn.WriteMessage(protocol.MessagePiece(idx, begin, data)); err != nil {
		return err
	}
	s.pieces.AddUploaded(int64(length))
	return nil
}

func (s *Session) handleExtended(m *protocol.Message) error {
	subID, body, ok := m.ParseExtended()
	if !ok {
		return nil
	}

	if subID == protocol.ExtendedHandshakeID {
		ids, err := protocol.ParseExtendedHandshake(body)
		if err != nil {
			s.log.Debug("malformed extension handshake", "error", err)
			return nil
		}
		s.mu.Lock()
		s.remoteExtensions = ids
		s.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	pexID, isPex := s.remoteExtensions["ut_pex"]
	s.mu.Unlock()

	if isPex && subID == pexID {
		s.handlePEX(body)
	}
	return nil
}

// handlePEX decodes an added-peers payload and feeds the endpoints back
// into the DownloadManager's candidate queue. Malformed payloads are
// silently ignored; PEX is advisory.
func (s *Session) handlePEX(body []byte) {
	raw, err := bencode.Unmarshal(body)
	if err != nil {
		return
	}
	dict, ok := raw.(map[string]any)
	if !ok {
		return
	}
	added, ok := dict["added"]
	if !ok {
		return
	}
	compact, err := cast.ToBytes(added)
	if err != nil {
		return
	}

	for off := 0; off+6 <= len(compact); off += 6 {
		ip := net.IP(compact[off : off+4])
		port := binary.BigEndian.Uint16(compact[off+4 : off+6])

		addr, ok := netip.AddrFromSlice(ip.To4())
		if !ok {
			continue
		}
		ap := netip.AddrPortFrom(addr, port)

		select {
		case s.candidates <- ap:
		default:
		}
	}
}

func (s *Session) releaseCurrent() {
	s.mu.Lock()
	cur := s.current
	s.current = nil
	s.mu.Unlock()

	if cur != nil {
		s.pieces.Release(cur.index)
	}
}
