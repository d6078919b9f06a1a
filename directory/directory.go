package directory

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/outofforest/gdtp/metrics"
	"github.com/outofforest/logger"
)

// DefaultTTL is the staleness threshold of a peer entry.
const DefaultTTL = time.Hour

// Config is the config of directory.
type Config struct {
	// TTL is both the staleness threshold and the sweep interval.
	TTL time.Duration

	// Now returns current time, time.Now is used if nil.
	Now func() time.Time
}

// DefaultConfig returns default directory config.
func DefaultConfig() Config {
	return Config{
		TTL: DefaultTTL,
		Now: time.Now,
	}
}

type entry struct {
	Addr     *net.UDPAddr
	LastSeen time.Time
}

// Directory maps peer identities to the address they were first seen at.
type Directory struct {
	config Config

	mu    sync.RWMutex
	peers map[string]entry
}

// New creates directory.
func New(config Config) *Directory {
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	return &Directory{
		config: config,
		peers:  map[string]entry{},
	}
}

// AddOrRefresh inserts unknown identity with the address or refreshes last-seen time of known
// one. The address of a known identity is never replaced. Unknown identity is not inserted
// without an address. It returns true if identity has been inserted.
func (d *Directory) AddOrRefresh(identity string, addr *net.UDPAddr) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.config.Now()
	if e, exists := d.peers[identity]; exists {
		e.LastSeen = now
		d.peers[identity] = e
		return false
	}
	if addr == nil {
		return false
	}

	d.peers[identity] = entry{
		Addr:     addr,
		LastSeen: now,
	}
	metrics.DirectoryPeers.Set(float64(len(d.peers)))
	return true
}

// Lookup returns the address of the peer.
func (d *Directory) Lookup(identity string) (*net.UDPAddr, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, exists := d.peers[identity]
	return e.Addr, exists
}

// Peers returns sorted identities of known peers.
func (d *Directory) Peers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	peers := lo.Keys(d.peers)
	sort.Strings(peers)
	return peers
}

// Sweep removes entries not refreshed for longer than TTL and returns their number.
func (d *Directory) Sweep() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	threshold := d.config.Now().Add(-d.config.TTL)
	var removed int
	for identity, e := range d.peers {
		if e.LastSeen.Before(threshold) {
			delete(d.peers, identity)
			removed++
		}
	}
	metrics.DirectoryPeers.Set(float64(len(d.peers)))
	metrics.DirectoryExpired.Add(float64(removed))
	return removed
}

// Run sweeps the directory every TTL until context is canceled. Cancellation is reported
// as an error so the supervisor decides whether it is the end of the process.
func (d *Directory) Run(ctx context.Context) error {
	log := logger.Get(ctx)

	ticker := time.NewTicker(d.config.TTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-ticker.C:
		}

		removed := d.Sweep()
		log.Debug("Peer directory swept", zap.Int("removed", removed))
	}
}
