// Bellhop is a peer-to-peer booking relay agent.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package p2p

import (
	"sort"
	"sync"
	"time"
)

// PeerRow is one peer's observed state in the network snapshot.
type PeerRow struct {
	PeerID        string   `json:"peer_id"`
	Connected     bool     `json:"connected"`
	DiscoveredVia []string `json:"discovered_via"`
	LastRTTMS     *int64   `json:"last_rtt_ms,omitempty"`
}

// BootstrapRow is one configured bootstrap address and whether its peer
// is currently connected.
type BootstrapRow struct {
	Multiaddr string `json:"multiaddr"`
	PeerID    string `json:"peer_id,omitempty"`
	Connected bool   `json:"connected"`
}

// Snapshot is a point-in-time view of the overlay, served by the status
// API's /network endpoint.
type Snapshot struct {
	LocalPeerID    string             `json:"local_peer_id"`
	Role           string             `json:"role"`
	Listen         []string           `json:"listen"`
	BootstrapPeers []BootstrapRow     `json:"bootstrap_peers"`
	Peers          map[string]PeerRow `json:"peers"`
	UpdatedAtMS    int64              `json:"updated_at_ms"`
}

type peerEntry struct {
	connected bool
	via       map[string]struct{}
	rttMS     *int64
}

// Registry is the concurrency-safe peer registry behind Snapshot views.
// The transport is the only writer; the status API reads.
type Registry struct {
	mu          sync.RWMutex
	localPeerID string
	role        string
	listen      []string
	bootstrap   []BootstrapRow
	peers       map[string]*peerEntry
	updatedAtMS int64
}

// NewRegistry constructs a registry seeded with the local identity and
// the configured bootstrap addresses.
func NewRegistry(localPeerID, role string, listen []string, bootstrap []BootstrapRow) *Registry {
	return &Registry{
		localPeerID: localPeerID,
		role:        role,
		listen:      listen,
		bootstrap:   bootstrap,
		peers:       make(map[string]*peerEntry),
		updatedAtMS: time.Now().UnixMilli(),
	}
}

func (r *Registry) entry(peerID string) *peerEntry {
	e, ok := r.peers[peerID]
	if !ok {
		e = &peerEntry{via: make(map[string]struct{})}
		r.peers[peerID] = e
	}
	return e
}

func (r *Registry) touch() { r.updatedAtMS = time.Now().UnixMilli() }

// SetConnected records a peer's connection state.
func (r *Registry) SetConnected(peerID string, connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(peerID).connected = connected
	for i := range r.bootstrap {
		if r.bootstrap[i].PeerID == peerID {
			r.bootstrap[i].Connected = connected
		}
	}
	r.touch()
}

// MarkDiscovered records how a peer was found (mdns, bootstrap, ...).
func (r *Registry) MarkDiscovered(peerID, via string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(peerID).via[via] = struct{}{}
	r.touch()
}

// SetRTT records the last measured round-trip time for a peer.
func (r *Registry) SetRTT(peerID string, rtt time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms := rtt.Milliseconds()
	r.entry(peerID).rttMS = &ms
	r.touch()
}

// ConnectedCount returns how many registered peers are connected.
func (r *Registry) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.peers {
		if e.connected {
			n++
		}
	}
	return n
}

// View returns a deep copy of the current snapshot.
func (r *Registry) View() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make(map[string]PeerRow, len(r.peers))
	for id, e := range r.peers {
		via := make([]string, 0, len(e.via))
		for v := range e.via {
			via = append(via, v)
		}
		sort.Strings(via)
		var rtt *int64
		if e.rttMS != nil {
			v := *e.rttMS
			rtt = &v
		}
		peers[id] = PeerRow{
			PeerID:        id,
			Connected:     e.connected,
			DiscoveredVia: via,
			LastRTTMS:     rtt,
		}
	}
	bootstrap := make([]BootstrapRow, len(r.bootstrap))
	copy(bootstrap, r.bootstrap)
	listen := make([]string, len(r.listen))
	copy(listen, r.listen)

	return Snapshot{
		LocalPeerID:    r.localPeerID,
		Role:           r.role,
		Listen:         listen,
		BootstrapPeers: bootstrap,
		Peers:          peers,
		UpdatedAtMS:    r.updatedAtMS,
	}
}
