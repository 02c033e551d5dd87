package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/schollz/progressbar/v3"

	"warren/internal/config"
	"warren/internal/dht"
	"warren/internal/download"
	"warren/internal/logging"
	"warren/internal/meta"
	"warren/internal/metadata"
	"warren/internal/tracker"
)

// defaultBootstrapNodes are well-known public routers used to join the DHT
// when the user hasn't configured their own.
var defaultBootstrapNodes = []string{
	"router.bittorrent.com:6881",
	"dht.transmissionbt.com:6881",
	"router.utorrent.com:6881",
}

var cli struct {
	Torrent string `arg:"" help:"Path to a .torrent file, or a magnet: link."`

	Output        string `short:"o" help:"Directory to save downloaded files into. Defaults to the platform download directory."`
	MaxUploadRate int64  `help:"Maximum upload rate in bytes/second. 0 disables the limit." default:"2000000"`
	MaxPeers      int    `help:"Maximum number of concurrent peer connections." default:"50"`
	Port          uint16 `help:"TCP port to announce for incoming connections." default:"6969"`
	EnableDHT     bool   `help:"Join the mainline DHT for peer discovery and magnet metadata bootstrap." default:"true"`
	Verbose       bool   `short:"v" help:"Enable debug-level logging."`
}

func main() {
	kong.Parse(&cli,
		kong.Name("warren"),
		kong.Description("A minimal BitTorrent peer client."),
	)

	level := slog.LevelInfo
	if cli.Verbose {
		level = slog.LevelDebug
	}
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = level
	log := logging.New(os.Stdout, &opts)

	if err := run(log); err != nil {
		log.Error("warren exited with an error", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	config.Update(func(c *config.Config) {
		c.MaxUploadRate = cli.MaxUploadRate
		c.MaxPeers = cli.MaxPeers
		c.Port = cli.Port
		c.EnableDHT = cli.EnableDHT
		if cli.Output != "" {
			c.DefaultDownloadDir = cli.Output
		}
	})

	info, err := resolveMetainfo(cli.Torrent)
	if err != nil {
		return fmt.Errorf("resolve torrent: %w", err)
	}

	var dhtNode *dht.DHT
	if config.Load().EnableDHT {
		dhtNode, err = dht.NewDHT(&dht.Config{
			Logger:         log,
			LocalID:        config.Load().ClientID,
			ListenAddr:     fmt.Sprintf(":%d", config.Load().Port),
			BootstrapNodes: defaultBootstrapNodes,
		})
		if err != nil {
			return fmt.Errorf("start dht: %w", err)
		}
		if err := dhtNode.Start(); err != nil {
			return fmt.Errorf("start dht: %w", err)
		}
		defer dhtNode.Stop()
	}

	if info.Info == nil {
		if dhtNode == nil {
			return fmt.Errorf("magnet link given but DHT is disabled: no way to fetch metadata")
		}

		log.Info("fetching metadata from swarm", "info_hash", fmt.Sprintf("%x", info.InfoHash))
		data, err := metadata.Fetch(ctx, info.InfoHash, dhtNode.Candidates(ctx, info.InfoHash), log)
		if err != nil {
			return fmt.Errorf("fetch metadata: %w", err)
		}
		if err := info.AttachInfo(data); err != nil {
			return fmt.Errorf("attach metadata: %w", err)
		}
		log.Info("metadata acquired", "name", info.Info.Name, "pieces", info.NumPieces())
	}

	mgr, err := download.Open(info, &download.Opts{Log: log})
	if err != nil {
		return fmt.Errorf("open download: %w", err)
	}

	if info.Announce != "" || len(info.AnnounceList) > 0 {
		trk, err := tracker.NewTracker(info.Announce, info.AnnounceList, &tracker.TrackerOpts{
			OnAnnounceStart:   mgr.AnnounceParams,
			OnAnnounceSuccess: mgr.IngestPeers,
			Log:               log,
		})
		if err != nil {
			log.Warn("tracker setup failed, continuing without it", "error", err)
		} else {
			mgr.AttachTracker(trk)
		}
	}
	if dhtNode != nil {
		mgr.AttachDHT(dhtNode)
	}

	go reportProgress(ctx, mgr, info.NumPieces())

	log.Info("starting download", "name", info.Info.Name, "size", info.Size())
	if err := mgr.Run(ctx); err != nil {
		return fmt.Errorf("run download: %w", err)
	}

	if mgr.Done() {
		log.Info("download complete", "name", info.Info.Name)
	}
	return nil
}

// resolveMetainfo loads a .torrent file from disk or parses a magnet link,
// producing a Metainfo whose Info is nil in the magnet case until
// metadata.Fetch fills it in.
func resolveMetainfo(target string) (*meta.Metainfo, error) {
	if strings.HasPrefix(target, "magnet:") {
		m, err := meta.ParseMagnetLink(target)
		if err != nil {
			return nil, err
		}
		return meta.FromMagnet(m), nil
	}

	path, err := filepath.Abs(target)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return meta.ParseMetainfo(data)
}

// reportProgress renders a progress bar from PieceMap snapshots until ctx
// is canceled or the download completes.
func reportProgress(ctx context.Context, mgr *download.Manager, totalPieces int) {
	bar := progressbar.Default(int64(totalPieces), "downloading")
	defer bar.Close()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts, _, _ := mgr.Progress()
			bar.Set(counts.Done)
			if mgr.Done() {
				return
			}
		}
	}
}
