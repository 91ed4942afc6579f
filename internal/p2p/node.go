// Package p2p is the production transport: a libp2p host carrying the
// session streams, plus GossipSub topics for presence and the town square.
// Node implements both transport.Adapter and presence.Directory.
package p2p

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/anuraghashagile/stangersin--town/internal/proto"
	"github.com/anuraghashagile/stangersin--town/internal/state"
	"github.com/anuraghashagile/stangersin--town/internal/transport"
	"github.com/anuraghashagile/stangersin--town/internal/util"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
)

func init() {
	// Silence noisy libp2p subsystems: dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
}

// maxFrame bounds one ndjson frame on a session stream.
const maxFrame = 1 << 20

// Node is the libp2p endpoint: session streams on the main/direct
// protocols, presence and town-square broadcast over GossipSub.
type Node struct {
	Host host.Host
	ps   *pubsub.PubSub

	presenceTopic *pubsub.Topic
	presenceSub   *pubsub.Subscription
	townTopic     *pubsub.Topic
	townSub       *pubsub.Subscription

	table *state.Table

	mu       sync.Mutex
	acceptFn func(transport.Conn)
	onTown   func(msg proto.TownMsg)
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Printf("WARNING: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

// Config selects the listen port, identity key location and the network
// namespaces. Empty namespaces fall back to the wire protocol defaults,
// so two peers only meet when their tag and topics agree.
type Config struct {
	ListenPort    int
	KeyFile       string
	MdnsTag       string
	PresenceTopic string
	TownTopic     string
}

func (c Config) withDefaults() Config {
	if c.MdnsTag == "" {
		c.MdnsTag = proto.MdnsTag
	}
	if c.PresenceTopic == "" {
		c.PresenceTopic = proto.PresenceTopic
	}
	if c.TownTopic == "" {
		c.TownTopic = proto.TownTopic
	}
	return c
}

func New(ctx context.Context, cfg Config, table *state.Table) (*Node, error) {
	cfg = cfg.withDefaults()

	priv, isNew, err := loadOrCreateKey(cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Printf("Generated new identity key: %s", cfg.KeyFile)
	} else {
		log.Printf("Loaded identity key: %s", cfg.KeyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.ListenPort)),
	)
	if err != nil {
		return nil, err
	}

	// LAN discovery via mDNS.
	md := mdns.NewMdnsService(h, cfg.MdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	presenceTopic, err := ps.Join(cfg.PresenceTopic)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	presenceSub, err := presenceTopic.Subscribe()
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	townTopic, err := ps.Join(cfg.TownTopic)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	townSub, err := townTopic.Subscribe()
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	n := &Node{
		Host:          h,
		ps:            ps,
		presenceTopic: presenceTopic,
		presenceSub:   presenceSub,
		townTopic:     townTopic,
		townSub:       townSub,
		table:         table,
	}

	h.SetStreamHandler(protocol.ID(proto.MainProtoID), func(s network.Stream) {
		n.handleStream(s, transport.RoleMain)
	})
	h.SetStreamHandler(protocol.ID(proto.DirectProtoID), func(s network.Stream) {
		n.handleStream(s, transport.RoleDirect)
	})

	go n.presenceLoop(ctx)
	go n.townLoop(ctx)

	return n, nil
}

func (n *Node) Close() error {
	n.presenceSub.Cancel()
	n.townSub.Cancel()
	return n.Host.Close()
}

// ── transport.Adapter ──────────────────────────────────────────────────

func (n *Node) LocalID() string {
	return n.Host.ID().String()
}

// Connect dials the peer and opens a session stream on the role's
// protocol. Reachability failures surface here, bounded by the default
// connect timeout.
func (n *Node) Connect(ctx context.Context, remoteID string, role transport.Role) (transport.Conn, error) {
	pid, err := peer.Decode(remoteID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", transport.ErrUnknownPeer, remoteID)
	}

	dialCtx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
	defer cancel()

	// Best effort connect (mDNS usually already connected).
	_ = n.Host.Connect(dialCtx, peer.AddrInfo{ID: pid})

	s, err := n.Host.NewStream(dialCtx, pid, protocol.ID(protoForRole(role)))
	if err != nil {
		return nil, fmt.Errorf("open %s stream to %s: %w", role, remoteID, err)
	}
	return newStreamConn(s, role, true), nil
}

func (n *Node) SetAcceptHandler(fn func(transport.Conn)) {
	n.mu.Lock()
	n.acceptFn = fn
	n.mu.Unlock()
}

// handleStream wraps an inbound session stream and hands it to the accept
// handler, which either starts it or closes it to reject.
func (n *Node) handleStream(s network.Stream, role transport.Role) {
	n.mu.Lock()
	fn := n.acceptFn
	n.mu.Unlock()
	if fn == nil {
		_ = s.Reset()
		return
	}
	fn(newStreamConn(s, role, false))
}

func protoForRole(role transport.Role) string {
	if role == transport.RoleDirect {
		return proto.DirectProtoID
	}
	return proto.MainProtoID
}

// ── presence.Directory ─────────────────────────────────────────────────

// Track publishes our presence tuple on the lobby topic.
func (n *Node) Track(status string, profile proto.Profile) error {
	return n.publishPresence(proto.PresenceMsg{
		PeerID:  n.LocalID(),
		Status:  status,
		TS:      proto.NowMillis(),
		Profile: profile,
	})
}

// Untrack announces explicit departure.
func (n *Node) Untrack() error {
	return n.publishPresence(proto.PresenceMsg{
		PeerID: n.LocalID(),
		TS:     proto.NowMillis(),
		Gone:   true,
	})
}

func (n *Node) publishPresence(msg proto.PresenceMsg) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return n.presenceTopic.Publish(ctx, b)
}

// SendTown broadcasts a town-square message.
func (n *Node) SendTown(msg proto.TownMsg) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return n.townTopic.Publish(ctx, b)
}

func (n *Node) SetTownHandler(fn func(msg proto.TownMsg)) {
	n.mu.Lock()
	n.onTown = fn
	n.mu.Unlock()
}

// presenceLoop feeds remote tuples into the shared table.
func (n *Node) presenceLoop(ctx context.Context) {
	for {
		m, err := n.presenceSub.Next(ctx)
		if err != nil {
			return
		}

		var pm proto.PresenceMsg
		if err := json.Unmarshal(m.Data, &pm); err != nil {
			continue
		}
		if pm.PeerID == "" || pm.PeerID == n.LocalID() {
			continue
		}

		if pm.Gone {
			n.table.Remove(pm.PeerID)
		} else {
			n.table.Upsert(pm)
		}
	}
}

func (n *Node) townLoop(ctx context.Context) {
	for {
		m, err := n.townSub.Next(ctx)
		if err != nil {
			return
		}

		var tm proto.TownMsg
		if err := json.Unmarshal(m.Data, &tm); err != nil {
			continue
		}
		if tm.ID == "" || tm.Text == "" {
			continue
		}

		n.mu.Lock()
		fn := n.onTown
		n.mu.Unlock()
		if fn != nil {
			fn(tm)
		}
	}
}

// ── stream conn ────────────────────────────────────────────────────────

// streamConn adapts one libp2p stream to transport.Conn. Frames are
// newline-delimited; the read loop delivers events sequentially from a
// single goroutine.
type streamConn struct {
	s        network.Stream
	remote   string
	role     transport.Role
	outbound bool

	mu       sync.Mutex
	h        transport.Handlers
	started  bool
	finished bool

	wmu sync.Mutex
}

func newStreamConn(s network.Stream, role transport.Role, outbound bool) *streamConn {
	return &streamConn{
		s:        s,
		remote:   s.Conn().RemotePeer().String(),
		role:     role,
		outbound: outbound,
	}
}

func (c *streamConn) RemoteID() string { return c.remote }

func (c *streamConn) Role() transport.Role { return c.role }

func (c *streamConn) Outbound() bool { return c.outbound }

func (c *streamConn) SetHandlers(h transport.Handlers) {
	c.mu.Lock()
	c.h = h
	c.mu.Unlock()
}

func (c *streamConn) Start() {
	c.mu.Lock()
	if c.started || c.finished {
		c.mu.Unlock()
		return
	}
	c.started = true
	h := c.h
	c.mu.Unlock()

	go func() {
		if h.OnOpen != nil {
			h.OnOpen()
		}
		c.readLoop(h)
	}()
}

func (c *streamConn) readLoop(h transport.Handlers) {
	sc := bufio.NewScanner(c.s)
	sc.Buffer(make([]byte, 64*1024), maxFrame)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		payload := make([]byte, len(line))
		copy(payload, line)
		if h.OnData != nil {
			h.OnData(payload)
		}
	}

	err := sc.Err()
	c.mu.Lock()
	done := c.finished
	c.finished = true
	c.mu.Unlock()
	_ = c.s.Close()
	if done {
		return
	}
	if err != nil {
		if h.OnError != nil {
			h.OnError(err)
		}
		return
	}
	if h.OnClose != nil {
		h.OnClose()
	}
}

func (c *streamConn) Send(payload []byte) error {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	if !c.started {
		c.mu.Unlock()
		return transport.ErrNotOpen
	}
	c.mu.Unlock()

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.s.Write(append(payload, '\n')); err != nil {
		return err
	}
	return nil
}

// Close is idempotent. Closing before Start suppresses all events, so a
// rejected inbound conn never fires handlers. Closing a started conn
// delivers the terminal OnClose locally, matching the remote-close path.
func (c *streamConn) Close() error {
	c.mu.Lock()
	already := c.finished
	c.finished = true
	started := c.started
	h := c.h
	c.mu.Unlock()
	if already {
		return nil
	}
	err := c.s.Reset()
	if started && h.OnClose != nil {
		go h.OnClose()
	}
	return err
}
