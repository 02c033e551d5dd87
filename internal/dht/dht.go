package dht

import (
	"context"
	"crypto/sha1"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"warren/internal/config"
)

var (
	ErrNotStarted = errors.New("DHT not started")
	ErrStopped    = errors.New("DHT stopped")
)

// DHT is a non-iterative Kademlia participant: it answers incoming KRPC
// queries like any node, but its own peer search does not walk the
// network toward closer and closer nodes. Instead, on a fixed interval it
// broadcasts get_peers to every contact currently in its (flat) routing
// table and reports whatever "values" come back. This trades lookup
// thoroughness for simplicity; the wire format (krpc.go, messages.go) is
// unchanged from a fully iterative implementation, so a node speaking to
// us cannot tell the difference.
type DHT struct {
	config *Config
	log    *slog.Logger

	localID [sha1.Size]byte
	table   *RoutingTable
	krpc    *KRPC
	storage *Storage
	token   *TokenManager
	handler *QueryHandler

	started bool
	mu      sync.RWMutex
	done    chan struct{}
	wg      sync.WaitGroup
}

type Config struct {
	Logger         *slog.Logger
	LocalID        [sha1.Size]byte
	ListenAddr     string
	BootstrapNodes []string // "ip:port" format
}

func NewDHT(config *Config) (*DHT, error) {
	log := config.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "dht")

	krpc, err := NewKRPC(config.LocalID, config.ListenAddr, log)
	if err != nil {
		return nil, err
	}

	table := NewRoutingTable(config.LocalID)
	storage := NewStorage()
	token := NewTokenManager()

	d := &DHT{
		config:  config,
		log:     log,
		localID: config.LocalID,
		table:   table,
		krpc:    krpc,
		storage: storage,
		token:   token,
		done:    make(chan struct{}),
	}

	d.handler = NewQueryHandler(krpc, table, storage, token)
	krpc.SetQueryHandler(d.handler.HandleQuery)

	return d, nil
}

// Start brings up the KRPC socket and bootstraps the routing table against
// the configured well-known routers.
func (d *DHT) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return errors.New("already started")
	}

	d.krpc.Start()
	d.bootstrap()
	d.started = true
	return nil
}

func (d *DHT) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	close(d.done)
	d.krpc.Stop()
	d.wg.Wait()

	d.mu.Lock()
	d.started = false
	d.mu.Unlock()
}

// bootstrap pings every configured router and inserts each one that answers
// into the routing table. It sends no find_node queries.
func (d *DHT) bootstrap() {
	for _, addrStr := range d.config.BootstrapNodes {
		addr, err := net.ResolveUDPAddr("udp", addrStr)
		if err != nil {
			continue
		}
		if err := d.ping(addr); err != nil {
			d.log.Debug("bootstrap ping failed", "addr", addrStr, "error", err)
			continue
		}
	}
}

func (d *DHT) ping(addr *net.UDPAddr) error {
	msg := PingQuery(d.krpc.generateTransactionID(), d.localID)
	resp, err := d.krpc.SendQuery(msg, addr, 15*time.Second)
	if err != nil {
		return err
	}

	nodeID, ok := resp.GetNodeID()
	if !ok {
		return ErrInvalidMsg
	}

	contact := NewContact(&Node{ID: nodeID, IP: addr.IP, Port: addr.Port})
	contact.MarkSeen()
	d.table.Insert(contact)
	return nil
}

// Candidates spawns the periodic get_peers broadcast for infoHash and
// streams every reported endpoint on the returned channel until ctx is
// canceled. Duplicates are possible; the caller (the download manager's
// candidate queue) is expected to dedupe against its connected-set.
func (d *DHT) Candidates(ctx context.Context, infoHash [sha1.Size]byte) <-chan netip.AddrPort {
	out := make(chan netip.AddrPort, 64)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(out)

		d.queryAll(ctx, infoHash, out)

		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-d.done:
				return
			case <-ticker.C:
				d.queryAll(ctx, infoHash, out)
			}
		}
	}()

	return out
}

// queryAll broadcasts a single round of get_peers to every contact
// currently known, without following up on the nodes a response returns
// closer to the target (that recursive narrowing is the "iterative" part
// of Kademlia this implementation intentionally skips).
func (d *DHT) queryAll(ctx context.Context, infoHash [sha1.Size]byte, out chan<- netip.AddrPort) {
	contacts := d.table.FindClosestK(infoHash, d.table.Size())
	if len(contacts) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, c := range contacts {
		wg.Add(1)
		go func(c *Contact) {
			defer wg.Done()
			d.getPeers(ctx, c, infoHash, out)
		}(c)
	}
	wg.Wait()
}

func (d *DHT) getPeers(ctx context.Context, c *Contact, infoHash [sha1.Size]byte, out chan<- netip.AddrPort) {
	msg := GetPeersQuery(d.krpc.generateTransactionID(), d.localID, infoHash)
	resp, err := d.krpc.SendQuery(msg, c.Addr(), 10*time.Second)
	if err != nil {
		c.MarkFailed()
		return
	}
	c.MarkSeen()

	// Tell this node we're also downloading infoHash, using the token it
	// just handed us in the get_peers reply, so it can hand our address to
	// the next peer that asks — the only way anyone finds us via DHT.
	if token, ok := resp.GetToken(); ok {
		announce := AnnouncePeerQuery(d.krpc.generateTransactionID(), d.localID, infoHash, int(config.Load().Port), token)
		if _, err := d.krpc.SendQuery(announce, c.Addr(), 10*time.Second); err != nil {
			d.log.Debug("announce_peer failed", "addr", c.Addr(), "error", err)
		}
	}

	if values, ok := resp.GetValues(); ok {
		for _, v := range values {
			if len(v) != 6 {
				continue
			}
			ip, port := DecodePeerInfo([6]byte([]byte(v)[:6]))
			addr, ok := netip.AddrFromSlice(ip.To4())
			if !ok {
				continue
			}
			ap := netip.AddrPortFrom(addr, port)
			select {
			case out <- ap:
			case <-ctx.Done():
				return
			default:
			}
		}
	}

	if nodes, ok := resp.GetNodes(); ok {
		for _, n := range DecodeCompactNodeInfoList(nodes) {
			contact := NewContact(n)
			contact.MarkSeen()
			d.table.Insert(contact)
		}
	}
}

// isStarted checks if DHT is running.
func (d *DHT) isStarted() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.started
}

// Stats returns current DHT statistics.
func (d *DHT) Stats() RoutingTableStats {
	return d.table.GetStats()
}

// LocalAddr returns the local UDP address.
func (d *DHT) LocalAddr() *net.UDPAddr {
	return d.krpc.LocalAddr()
}
