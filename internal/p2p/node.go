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

// Package p2p is the overlay transport adapter: a libp2p host with a
// persisted identity, a one-request-one-response stream protocol carrying
// wire messages, mDNS discovery, and a heartbeat loop that keeps the
// network snapshot fresh. The broker never imports this package; the
// agent entrypoint wires the gateway's stream handler to it.
package p2p

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"
	ma "github.com/multiformats/go-multiaddr"

	"bellhop/internal/metrics"
	"bellhop/pkg/wire"
)

const (
	// ProtocolID identifies the request-response protocol: one wire
	// message request and one reply per stream.
	ProtocolID = protocol.ID("/bellhop/rr/1")

	// mdnsServiceTag is the local-network discovery service name.
	mdnsServiceTag = "bellhop"

	streamDeadline    = 30 * time.Second
	dialCooldown      = 30 * time.Second
	heartbeatInterval = 10 * time.Second
)

// Handler processes one inbound wire message and returns the reply.
type Handler func(ctx context.Context, msg wire.Message) wire.Message

// Config controls the node.
type Config struct {
	Role           string
	ListenAddr     string   // multiaddr, e.g. /ip4/0.0.0.0/tcp/4001
	IdentityPath   string   // persisted Ed25519 key location
	BootstrapPeers []string // multiaddrs with /p2p/ suffix, dialed at startup
	EnableMDNS     bool
}

// Node is one overlay endpoint.
type Node struct {
	host     host.Host
	cfg      Config
	registry *Registry
	handler  Handler
	logger   *log.Logger
	started  time.Time

	mu       sync.Mutex
	lastDial map[peer.ID]time.Time

	mdns mdns.Service
}

// New builds the libp2p host (TCP transport with the stack's default
// Noise security and Yamux muxing), registers the stream handler, starts
// mDNS discovery when enabled, and dials the configured bootstrap peers.
func New(ctx context.Context, cfg Config, handler Handler, logger *log.Logger) (*Node, error) {
	priv, err := LoadOrCreateIdentity(cfg.IdentityPath)
	if err != nil {
		return nil, fmt.Errorf("p2p identity: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(cfg.ListenAddr),
	)
	if err != nil {
		return nil, fmt.Errorf("p2p host: %w", err)
	}

	listen := make([]string, 0, len(h.Addrs()))
	for _, a := range h.Addrs() {
		listen = append(listen, a.String())
	}
	bootstrap := make([]BootstrapRow, 0, len(cfg.BootstrapPeers))
	for _, addr := range cfg.BootstrapPeers {
		row := BootstrapRow{Multiaddr: addr}
		if info, err := addrInfo(addr); err == nil {
			row.PeerID = info.ID.String()
		}
		bootstrap = append(bootstrap, row)
	}

	n := &Node{
		host:     h,
		cfg:      cfg,
		registry: NewRegistry(h.ID().String(), cfg.Role, listen, bootstrap),
		handler:  handler,
		logger:   logger,
		started:  time.Now(),
		lastDial: make(map[peer.ID]time.Time),
	}

	h.SetStreamHandler(ProtocolID, n.handleStream)
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			n.registry.SetConnected(c.RemotePeer().String(), true)
		},
		DisconnectedF: func(_ network.Network, c network.Conn) {
			n.registry.SetConnected(c.RemotePeer().String(), false)
		},
	})

	if cfg.EnableMDNS {
		svc := mdns.NewMdnsService(h, mdnsServiceTag, &mdnsNotifee{node: n, ctx: ctx})
		if err := svc.Start(); err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("start mdns: %w", err)
		}
		n.mdns = svc
	}

	for _, addr := range cfg.BootstrapPeers {
		if _, err := n.Connect(ctx, addr); err != nil {
			n.logf("bootstrap dial %s failed: %v", addr, err)
		}
	}

	n.logf("node up peer_id=%s listen=%v role=%s", h.ID(), listen, cfg.Role)
	return n, nil
}

func (n *Node) logf(format string, args ...any) {
	if n.logger != nil {
		n.logger.Printf("[p2p] %s", fmt.Sprintf(format, args...))
	}
}

// PeerID returns the local peer ID string.
func (n *Node) PeerID() string { return n.host.ID().String() }

// Registry returns the network snapshot registry.
func (n *Node) Registry() *Registry { return n.registry }

// Close shuts down discovery and the host.
func (n *Node) Close() error {
	if n.mdns != nil {
		_ = n.mdns.Close()
	}
	return n.host.Close()
}

// Connect dials a peer by full multiaddr (including /p2p/<id>) and
// records it as bootstrap-discovered. Returns the peer's ID.
func (n *Node) Connect(ctx context.Context, addr string) (peer.ID, error) {
	info, err := addrInfo(addr)
	if err != nil {
		return "", err
	}
	if err := n.host.Connect(ctx, *info); err != nil {
		return "", fmt.Errorf("connect %s: %w", addr, err)
	}
	n.registry.MarkDiscovered(info.ID.String(), "bootstrap")
	return info.ID, nil
}

// FirstConnectedPeer returns any currently connected peer, preferring
// the longest-lived connection. ok is false when the node is alone.
func (n *Node) FirstConnectedPeer() (peer.ID, bool) {
	peers := n.host.Network().Peers()
	if len(peers) == 0 {
		return "", false
	}
	return peers[0], true
}

// Request sends msg to pid and waits for the single reply. The stream
// carries exactly one exchange: write, close the write side, read to EOF.
func (n *Node) Request(ctx context.Context, pid peer.ID, msg wire.Message) (wire.Message, error) {
	data, err := wire.Encode(msg)
	if err != nil {
		return wire.Message{}, err
	}

	s, err := n.host.NewStream(ctx, pid, ProtocolID)
	if err != nil {
		return wire.Message{}, fmt.Errorf("open stream to %s: %w", pid, err)
	}
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(streamDeadline))

	if _, err := s.Write(data); err != nil {
		_ = s.Reset()
		return wire.Message{}, fmt.Errorf("write request: %w", err)
	}
	if err := s.CloseWrite(); err != nil {
		_ = s.Reset()
		return wire.Message{}, fmt.Errorf("close write: %w", err)
	}
	metrics.IncP2PMessage(msg.Type, metrics.DirOutbound)

	reply, err := io.ReadAll(s)
	if err != nil {
		_ = s.Reset()
		return wire.Message{}, fmt.Errorf("read reply: %w", err)
	}
	decoded, err := wire.Decode(reply)
	if err != nil {
		return wire.Message{}, err
	}
	metrics.IncP2PMessage(decoded.Type, metrics.DirInbound)
	return decoded, nil
}

func (n *Node) handleStream(s network.Stream) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(streamDeadline))

	data, err := io.ReadAll(s)
	if err != nil {
		n.logf("stream read from %s: %v", s.Conn().RemotePeer(), err)
		_ = s.Reset()
		return
	}
	msg, err := wire.Decode(data)
	if err != nil {
		n.logf("stream decode from %s: %v", s.Conn().RemotePeer(), err)
		_ = s.Reset()
		return
	}
	metrics.IncP2PMessage(msg.Type, metrics.DirInbound)

	ctx, cancel := context.WithTimeout(context.Background(), streamDeadline)
	defer cancel()
	reply := n.handler(ctx, msg)

	out, err := wire.Encode(reply)
	if err != nil {
		n.logf("stream encode reply: %v", err)
		_ = s.Reset()
		return
	}
	if _, err := s.Write(out); err != nil {
		n.logf("stream write to %s: %v", s.Conn().RemotePeer(), err)
		_ = s.Reset()
		return
	}
	metrics.IncP2PMessage(reply.Type, metrics.DirOutbound)
}

// Run drives the heartbeat loop until ctx is canceled: ping every
// connected peer, record RTTs, and log a discovery-health line.
func (n *Node) Run(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.heartbeat(ctx)
		}
	}
}

func (n *Node) heartbeat(ctx context.Context) {
	peers := n.host.Network().Peers()
	for _, pid := range peers {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		select {
		case res := <-ping.Ping(pingCtx, n.host, pid):
			if res.Error == nil {
				n.registry.SetRTT(pid.String(), res.RTT)
			}
		case <-pingCtx.Done():
		}
		cancel()
	}

	snap := n.registry.View()
	n.logf("health connected=%d discovered=%d uptime=%s",
		n.registry.ConnectedCount(), len(snap.Peers), time.Since(n.started).Round(time.Second))
}

// mdnsNotifee auto-connects to locally discovered peers with a per-peer
// dial cooldown so a flapping peer is not hammered.
type mdnsNotifee struct {
	node *Node
	ctx  context.Context
}

func (m *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	n := m.node
	if pi.ID == n.host.ID() {
		return
	}
	n.registry.MarkDiscovered(pi.ID.String(), "mdns")

	n.mu.Lock()
	last, seen := n.lastDial[pi.ID]
	if seen && time.Since(last) < dialCooldown {
		n.mu.Unlock()
		return
	}
	n.lastDial[pi.ID] = time.Now()
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(m.ctx, 10*time.Second)
	defer cancel()
	if err := n.host.Connect(ctx, pi); err != nil {
		n.logf("mdns dial %s failed: %v", pi.ID, err)
	}
}

func addrInfo(addr string) (*peer.AddrInfo, error) {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return nil, fmt.Errorf("parse multiaddr %q: %w", addr, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return nil, fmt.Errorf("peer info from %q: %w", addr, err)
	}
	return info, nil
}
