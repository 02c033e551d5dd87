// Package download implements the DownloadManager: the loop that turns a
// resolved Metainfo into bytes on disk by fanning peer candidates out to
// bounded concurrent PeerSessions and tracking global piece ownership.
package download

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"golang.org/x/sync/errgroup"

	"warren/internal/config"
	"warren/internal/dht"
	"warren/internal/meta"
	"warren/internal/peer"
	"warren/internal/piece"
	"warren/internal/ratelimit"
	"warren/internal/storage"
	"warren/internal/tracker"
)

// maxConnectedPeers bounds concurrent PeerSessions when config MaxPeers is
// not positive, matching the PEX/tracker NumWant defaults and §4.8's stated
// concurrency cap.
const maxConnectedPeers = 50

// candidateQueueDepth sizes the buffered candidate channel so a burst of
// tracker or PEX peers doesn't block the sender.
const candidateQueueDepth = 256

// Opts configures a Manager. Tracker and DHT are optional and are wired in
// separately via AttachTracker and AttachDHT: a magnet-only download with
// no DHT attached, for instance, relies solely on whatever an attached
// tracker or PEX surfaces.
type Opts struct {
	Log *slog.Logger
}

// Manager drives one torrent download: resume scan on open, then a run
// loop that consumes peer candidates from every attached source, spawns a
// PeerSession per unique endpoint up to maxConnectedPeers, and stops every
// session once PieceMap reports all pieces Have.
type Manager struct {
	log *slog.Logger

	info    *meta.Metainfo
	pieces  *piece.Map
	store   *storage.Store
	limiter *ratelimit.Limiter
	peerID  [sha1.Size]byte

	trk *tracker.Tracker
	dht *dht.DHT

	candidates chan netip.AddrPort
	completion chan struct{}
	closeOnce  sync.Once

	mu        sync.Mutex
	connected map[netip.AddrPort]struct{}
}

// Open creates (or reopens) on-disk storage for info and rehashes any
// piece-aligned byte ranges already present, marking matches Have without
// re-downloading them. info.Info must already be populated — for a
// magnet-sourced Metainfo, fetch it with metadata.Fetch and call
// Metainfo.AttachInfo first.
func Open(info *meta.Metainfo, opts *Opts) (*Manager, error) {
	if info.Info == nil {
		return nil, errors.New("download: metainfo has no info dict")
	}

	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "download.Manager", "torrent", info.Info.Name)

	files := info.Info.Files
	if len(files) == 0 {
		// Single-file layout (spec.md §6): Info.Length is set and Files is
		// nil, but storage.NewStore always wants an explicit file list.
		files = []*meta.File{{Length: info.Info.Length, Path: []string{info.Info.Name}}}
	}

	store, err := storage.NewStore(info.Info.Name, files, info.Info.PieceLength, log)
	if err != nil {
		return nil, fmt.Errorf("download: open storage: %w", err)
	}

	pieces := piece.NewMap(info.Info.Pieces, log)

	m := &Manager{
		log:        log,
		info:       info,
		pieces:     pieces,
		store:      store,
		limiter:    ratelimit.New(float64(config.Load().MaxUploadRate), float64(config.Load().MaxUploadRate)),
		peerID:     config.Load().ClientID,
		candidates: make(chan netip.AddrPort, candidateQueueDepth),
		completion: make(chan struct{}),
		connected:  make(map[netip.AddrPort]struct{}),
	}

	m.resume()
	return m, nil
}

// resume rehashes every piece-aligned byte range already on disk, seeding
// PieceMap with any that verify so they aren't requested again.
func (m *Manager) resume() {
	size := m.info.Size()
	pieceLen := m.info.Info.PieceLength

	for idx := 0; idx < m.pieces.Len(); idx++ {
		length, err := piece.PieceLengthAt(idx, size, pieceLen)
		if err != nil {
			continue
		}
		expected, err := m.pieces.Hash(idx)
		if err != nil {
			continue
		}
		if err := m.store.RecheckPiece(idx, int(length), expected); err != nil {
			continue // not present yet, or doesn't match: still wanted
		}
		if err := m.pieces.MarkDone(idx, int64(length)); err != nil {
			m.log.Warn("resume: failed to mark piece done", "index", idx, "error", err)
		}
	}

	if counts := m.pieces.SnapshotCounts(); counts.Done > 0 {
		m.log.Info("resumed from disk", "verified_pieces", counts.Done, "total_pieces", m.pieces.Len())
	}
}

// AttachTracker wires t as this download's tracker source. Pass t's
// OnAnnounceStart/OnAnnounceSuccess hooks as m.AnnounceParams/m.IngestPeers
// when constructing it, since the tracker needs those hooks before it can
// be built and the Manager needs to exist before it can supply them.
func (m *Manager) AttachTracker(t *tracker.Tracker) { m.trk = t }

// AttachDHT wires d as this download's DHT peer source.
func (m *Manager) AttachDHT(d *dht.DHT) { m.dht = d }

// AnnounceParams builds the tracker announce parameters reflecting current
// progress. Intended as a tracker.TrackerOpts.OnAnnounceStart hook.
func (m *Manager) AnnounceParams() *tracker.AnnounceParams {
	downloaded, uploaded := m.pieces.ByteCounters()
	left := m.info.Size() - downloaded
	if left < 0 {
		left = 0
	}

	return &tracker.AnnounceParams{
		InfoHash:   m.info.InfoHash,
		PeerID:     m.peerID,
		Uploaded:   uint64(uploaded),
		Downloaded: uint64(downloaded),
		Left:       uint64(left),
		NumWant:    config.Load().NumWant,
		Port:       config.Load().Port,
	}
}

// IngestPeers offers every address to the candidate queue, dropping any
// that don't fit without blocking the caller. Intended as a
// tracker.TrackerOpts.OnAnnounceSuccess hook.
func (m *Manager) IngestPeers(addrs []netip.AddrPort) {
	for _, addr := range addrs {
		m.offerCandidate(addr)
	}
}

// Progress reports current piece and byte counts, for a CLI progress bar.
func (m *Manager) Progress() (counts piece.Counts, downloaded, uploaded int64) {
	counts = m.pieces.SnapshotCounts()
	downloaded, uploaded = m.pieces.ByteCounters()
	return
}

// Done reports whether every piece has been verified and written.
func (m *Manager) Done() bool { return m.pieces.Done() }

// Run drives the download until ctx is canceled or every piece completes.
// It always closes the underlying storage before returning.
func (m *Manager) Run(ctx context.Context) error {
	defer m.store.Close()

	g, gctx := errgroup.WithContext(ctx)

	if m.trk != nil {
		g.Go(func() error { return m.trk.Run(gctx) })
	}

	if m.dht != nil {
		dhtCandidates := m.dht.Candidates(gctx, m.info.InfoHash)
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case addr, ok := <-dhtCandidates:
					if !ok {
						return nil
					}
					m.offerCandidate(addr)
				}
			}
		})
	}

	peerCap := maxConnectedPeers
	if n := config.Load().MaxPeers; n > 0 {
		peerCap = n
	}
	sem := make(chan struct{}, peerCap)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-m.completion:
				return nil
			case addr, ok := <-m.candidates:
				if !ok {
					return nil
				}
				if !m.claim(addr) {
					continue
				}

				select {
				case sem <- struct{}{}:
				case <-gctx.Done():
					m.release(addr)
					return nil
				}

				g.Go(func() error {
					defer func() { <-sem; m.release(addr) }()
					m.runSession(gctx, addr)
					return nil
				})
			}
		}
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (m *Manager) runSession(ctx context.Context, addr netip.AddrPort) {
	conn, err := peer.Dial(addr, m.info.InfoHash, m.peerID, m.pieces.Len(), m.log)
	if err != nil {
		m.log.Debug("dial failed", "addr", addr, "error", err)
		return
	}

	sess := peer.NewSession(conn, &peer.Opts{
		InfoHash:    m.info.InfoHash,
		PieceLength: m.info.Info.PieceLength,
		TotalLength: m.info.Size(),
		Pieces:      m.pieces,
		Store:       m.store,
		Limiter:     m.limiter,
		Candidates:  m.candidates,
		Completion:  m.completion,
		OnComplete:  m.signalComplete,
		Log:         m.log,
	})

	if err := sess.Run(ctx); err != nil {
		m.log.Debug("session ended", "addr", addr, "error", err)
	}
}

func (m *Manager) signalComplete() {
	m.closeOnce.Do(func() { close(m.completion) })
}

func (m *Manager) offerCandidate(addr netip.AddrPort) {
	select {
	case m.candidates <- addr:
	default:
	}
}

func (m *Manager) claim(addr netip.AddrPort) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.connected[addr]; ok {
		return false
	}
	m.connected[addr] = struct{}{}
	return true
}

func (m *Manager) release(addr netip.AddrPort) {
	m.mu.Lock()
	delete(m.connected, addr)
	m.mu.Unlock()
}
