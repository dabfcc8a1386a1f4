// Package discovery maintains the live set of LAN peers. An mDNS service
// announces this peer and reports others; the View is the book-keeping
// behind it: last-seen timestamps with TTL-based expiry. Peers drop out
// silently, so the failure model is "eventually removed", never
// "immediately detected".
package discovery

import (
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/ryandielhenn/carmesh/internal/telemetry"
)

// View tracks peers considered reachable, keyed by peer ID with the time
// each was last announced. Nothing here is persisted.
type View struct {
	mu    sync.Mutex
	ttl   time.Duration
	peers map[peer.ID]time.Time
}

func NewView(ttl time.Duration) *View {
	return &View{
		ttl:   ttl,
		peers: make(map[peer.ID]time.Time),
	}
}

// Add records a discovery of p, refreshing its last-seen time. Duplicate
// discoveries are idempotent apart from the refresh.
func (v *View) Add(p peer.ID) {
	v.mu.Lock()
	v.peers[p] = time.Now()
	n := len(v.peers)
	v.mu.Unlock()
	telemetry.PeersInView.Set(float64(n))
}

// Contains reports whether p is currently in the view.
func (v *View) Contains(p peer.ID) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.peers[p]
	return ok
}

// Peers returns the current membership, sorted for stable display.
func (v *View) Peers() []peer.ID {
	v.mu.Lock()
	out := make([]peer.ID, 0, len(v.peers))
	for p := range v.peers {
		out = append(out, p)
	}
	v.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len reports the current membership size.
func (v *View) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.peers)
}

// Sweep removes peers whose last announcement is older than the TTL as of
// now, returning the evicted set. A peer re-discovered after the sweep was
// scheduled has a fresh timestamp and survives; that is the guard against
// a stale expiry racing a fresh discovery.
func (v *View) Sweep(now time.Time) []peer.ID {
	v.mu.Lock()
	var evicted []peer.ID
	for p, seen := range v.peers {
		if now.Sub(seen) > v.ttl {
			delete(v.peers, p)
			evicted = append(evicted, p)
		}
	}
	n := len(v.peers)
	v.mu.Unlock()
	telemetry.PeersInView.Set(float64(n))
	return evicted
}
