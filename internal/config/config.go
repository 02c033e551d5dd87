package config

import (
	"crypto/rand"
	"crypto/sha1"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// Config defines behavior and resource limits for a torrent download.
type Config struct {
	// ========== Identity / Paths ==========

	// DefaultDownloadDir is the default directory where NEW torrent files
	// are saved. Changing this only affects new torrents; existing torrents
	// continue downloading to their original location.
	DefaultDownloadDir string

	// ClientID is the unique identifier for our client.
	ClientID [sha1.Size]byte

	// ========== Networking ==========

	// ReadTimeout is the maximum time to wait for data from a peer before
	// considering the connection stalled.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum time to wait when sending data to a peer
	// before considering the connection stalled.
	WriteTimeout time.Duration

	// DialTimeout is the maximum time to wait when establishing a new
	// connection to a peer.
	DialTimeout time.Duration

	// MaxPeers is the maximum number of concurrent peer connections
	// allowed.
	MaxPeers int

	// ========== Tracker / Announce ==========

	// NumWant is the maximum number of peers to request the tracker.
	NumWant uint32

	// AnnounceInterval overrides tracker's suggested interval.
	// 0 uses tracker default.
	AnnounceInterval time.Duration

	// MinAnnounceInterval enforces a minimum time between announces.
	MinAnnounceInterval time.Duration

	// MaxAnnounceBackoff caps exponential backoff for failed announces.
	MaxAnnounceBackoff time.Duration

	// Port is the TCP port this client listens on for incoming peer
	// connections.
	Port uint16

	// =========== Rate Limits ==========

	// MaxUploadRate limits upload speed in bytes/second, enforced by the
	// shared token bucket every PeerSession serves Requests through.
	MaxUploadRate int64

	// MaxDownloadRate is a download speed setting in bytes/second. No
	// component reads it; downloads are not rate-limited.
	MaxDownloadRate int64

	// RateLimitRefresh is a refill cadence setting. No component reads it;
	// the upload token bucket refills continuously on each check.
	RateLimitRefresh time.Duration

	// ========== Miscellaneous ==========

	// EnableIPv6 records whether a global IPv6 address was found at
	// startup. No component reads it.
	EnableIPv6 bool

	// EnableDHT enables DHT for peer discovery.
	EnableDHT bool
}

// defaultConfig returns sensible defaults for most use cases.
func defaultConfig() (Config, error) {
	downloadDir := getDefaultDownloadDir()
	hasIPV6 := hasIPV6()

	clientID, err := generateClientID()
	if err != nil {
		return Config{}, err
	}

	return Config{
		DefaultDownloadDir:  downloadDir,
		ClientID:            clientID,
		ReadTimeout:         30 * time.Second,
		WriteTimeout:        30 * time.Second,
		DialTimeout:         5 * time.Second,
		MaxPeers:            50,
		NumWant:             50,
		AnnounceInterval:    0,
		MinAnnounceInterval: 20 * time.Minute,
		MaxAnnounceBackoff:  45 * time.Minute,
		Port:                6969,
		MaxUploadRate:       2_000_000,
		MaxDownloadRate:     0,
		RateLimitRefresh:    200 * time.Millisecond,
		EnableIPv6:          hasIPV6,
		EnableDHT:           false,
	}, nil
}

func hasIPV6() bool {
	ifaces, _ := net.Interfaces()

	for _, ifi := range ifaces {
		if (ifi.Flags & net.FlagUp) == 0 {
			continue
		}
		addrs, _ := ifi.Addrs()
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}

			ip := ipNet.IP
			if ip == nil || ip.To4() != nil {
				continue
			}
			if ip.IsGlobalUnicast() && !ip.IsLinkLocalUnicast() &&
				!ip.IsLoopback() {
				return true
			}
		}
	}

	return false
}

func getDefaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}

	switch runtime.GOOS {
	case "windows":
		return filepath.Join(home, "Downloads", "warren")
	case "darwin":
		return filepath.Join(home, "Downloads", "warren")
	default: // linux, bsd, etc.
		return filepath.Join(home, ".local", "share", "warren", "downloads")
	}
}

func generateClientID() ([sha1.Size]byte, error) {
	var peerID [sha1.Size]byte

	prefix := []byte("-TD0001-")
	copy(peerID[:], prefix)

	if _, err := rand.Read(peerID[len(prefix):]); err != nil {
		return [sha1.Size]byte{}, err
	}

	return peerID, nil
}

var (
	mu      sync.RWMutex
	current Config
	loaded  bool
)

// Load returns the process-wide Config, lazily initializing it from
// defaultConfig on first use. Components reach for config.Load() at the
// point of use rather than threading a Config through every constructor.
func Load() Config {
	mu.RLock()
	if loaded {
		defer mu.RUnlock()
		return current
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()

	if !loaded {
		c, err := defaultConfig()
		if err != nil {
			// A source of entropy is assumed available; fall back to a
			// zero-value ClientID rather than panicking.
			c = Config{DefaultDownloadDir: getDefaultDownloadDir()}
		}
		current = c
		loaded = true
	}
	return current
}

// Swap replaces the process-wide Config wholesale. Intended for tests and
// for applying a fully-resolved Config once at startup.
func Swap(c Config) {
	mu.Lock()
	defer mu.Unlock()
	current = c
	loaded = true
}

// Update mutates the process-wide Config in place, initializing it first if
// necessary.
func Update(fn func(*Config)) {
	Load()

	mu.Lock()
	defer mu.Unlock()
	fn(&current)
}
