// Package piece tracks which pieces of a torrent are wanted, claimed, or
// complete.
//
// This intentionally does not implement rarest-first piece selection or
// endgame duplicate-request mode: PieceMap hands out pieces uniformly at
// random among those not yet claimed, and each piece has exactly one
// claimant at a time.
package piece

import (
	"crypto/sha1"
	"errors"
	"log/slog"
	"math/rand"
	"sync"

	"warren/internal/bitfield"
)

// Status is the lifecycle state of a single piece.
type Status uint8

const (
	StatusWant Status = iota
	StatusClaimed
	StatusDone
)

// ErrNoIndex is returned by index-addressed operations when idx is out of
// range.
var ErrNoIndex = errors.New("piece: index out of range")

// Map is a mutex-guarded record of per-piece status for one torrent.
type Map struct {
	mu         sync.Mutex
	logger     *slog.Logger
	hashes     [][sha1.Size]byte
	status     []Status
	want       int // count not yet StatusDone, for fast "done?" checks
	downloaded int64
	uploaded   int64
}

// NewMap returns a Map with every piece initially wanted.
func NewMap(hashes [][sha1.Size]byte, logger *slog.Logger) *Map {
	if logger == nil {
		logger = slog.Default()
	}

	return &Map{
		logger: logger.With("component", "piece.Map"),
		hashes: hashes,
		status: make([]Status, len(hashes)),
		want:   len(hashes),
	}
}

// Len returns the total number of pieces.
func (m *Map) Len() int { return len(m.hashes) }

// Hash returns the expected SHA-1 hash of piece idx.
func (m *Map) Hash(idx int) ([sha1.Size]byte, error) {
	if idx < 0 || idx >= len(m.hashes) {
		return [sha1.Size]byte{}, ErrNoIndex
	}
	return m.hashes[idx], nil
}

// ClaimRandomAvailable picks a uniformly random piece that's still wanted
// and not already claimed by someone else, from the set that have, marks
// it StatusClaimed, and returns its index. Restricting the pick to
// have (a peer's bitfield) lets each session only claim pieces that peer
// actually advertises.
//
// ok is false if no piece in have is currently claimable.
func (m *Map) ClaimRandomAvailable(have bitfield.Bitfield) (idx int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []int
	for i, st := range m.status {
		if st == StatusWant && have.Has(i) {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return 0, false
	}

	chosen := candidates[rand.Intn(len(candidates))]
	m.status[chosen] = StatusClaimed
	return chosen, true
}

// Release returns a claimed piece to StatusWant, for example after its
// owning session disconnects or times out mid-transfer.
func (m *Map) Release(idx int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if idx < 0 || idx >= len(m.status) {
		return ErrNoIndex
	}
	if m.status[idx] == StatusClaimed {
		m.status[idx] = StatusWant
	}
	return nil
}

// Complete marks idx as verified and done, crediting length bytes toward
// the downloaded counter. It is idempotent: a piece already Done is left
// untouched and the counter is not double-credited.
func (m *Map) Complete(idx int, length int64) (done bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if idx < 0 || idx >= len(m.status) {
		return false, ErrNoIndex
	}
	if m.status[idx] != StatusDone {
		m.status[idx] = StatusDone
		m.want--
		m.downloaded += length
		m.logger.Debug("piece complete", "index", idx, "remaining", m.want)
	}
	return m.want == 0, nil
}

// AddUploaded credits n bytes to the uploaded counter, for blocks served
// to a peer requesting a piece we Have.
func (m *Map) AddUploaded(n int64) {
	m.mu.Lock()
	m.uploaded += n
	m.mu.Unlock()
}

// Done reports whether every piece has reached StatusDone.
func (m *Map) Done() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.want == 0
}

// MarkDone force-marks idx StatusDone without crediting the downloaded
// counter's delta logic beyond the supplied length, used by the resume
// scan to seed already-verified pieces found on disk.
func (m *Map) MarkDone(idx int, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if idx < 0 || idx >= len(m.status) {
		return ErrNoIndex
	}
	if m.status[idx] != StatusDone {
		m.status[idx] = StatusDone
		m.want--
		m.downloaded += length
	}
	return nil
}

// Bitfield returns a snapshot bitfield of completed pieces, in the wire
// layout BEP 3's bitfield message expects.
func (m *Map) Bitfield() bitfield.Bitfield {
	m.mu.Lock()
	defer m.mu.Unlock()

	bf := bitfield.New(len(m.status))
	for i, st := range m.status {
		if st == StatusDone {
			bf.Set(i)
		}
	}
	return bf
}

// Counts summarizes progress across all three states.
type Counts struct {
	Want    int
	Claimed int
	Done    int
}

// SnapshotCounts returns the current tally of pieces in each state, for
// progress reporting.
func (m *Map) SnapshotCounts() Counts {
	m.mu.Lock()
	defer m.mu.Unlock()

	var c Counts
	for _, st := range m.status {
		switch st {
		case StatusWant:
			c.Want++
		case StatusClaimed:
			c.Claimed++
		case StatusDone:
			c.Done++
		}
	}
	return c
}

// ByteCounters returns the monotonic downloaded/uploaded byte totals.
func (m *Map) ByteCounters() (downloaded, uploaded int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.downloaded, m.uploaded
}

// Has reports whether piece idx has been verified and written to disk.
func (m *Map) Has(idx int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx < 0 || idx >= len(m.status) {
		return false
	}
	return m.status[idx] == StatusDone
}
