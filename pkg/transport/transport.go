// Package transport is realm's P2P substrate (spec section 4.4): an
// authenticated, encrypted libp2p host with four concurrently operating
// discovery layers (mDNS, bootstrap list, Kademlia DHT, periodic peer
// exchange) and a pubsub layer for topic broadcast. No pack example wires
// libp2p end-to-end, so this package's shape follows libp2p-go's own
// idioms; the surrounding event-loop/retry-backoff discipline is grounded
// on teacher's pkg/events broker and its ticker-driven subsystems.
package transport

import (
	"bufio"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/x3haloed/realm/pkg/log"
	"github.com/x3haloed/realm/pkg/metrics"
)

const peerExchangeProtocol = "/realm/peerexchange/1.0.0"

// Message is one inbound payload from a pubsub topic, tagged with the peer
// that delivered it (not necessarily its original author).
type Message struct {
	From []byte
	Data []byte
}

// Transport wraps a libp2p host with realm's discovery and pubsub wiring.
type Transport struct {
	host    host.Host
	dht     *dht.IpfsDHT
	pubsub  *pubsub.PubSub
	mdns    mdns.Service
	topics  map[string]*pubsub.Topic
	mu      sync.Mutex
	cancel  context.CancelFunc
	onPeers func([]string) // invoked with newly learned multiaddrs (peer exchange)
}

// Config collects the tunables the spec leaves to the implementation.
type Config struct {
	ListenPort       int // 0 lets the OS choose; persisted by caller afterward
	BootstrapPeers   []string
	RendezvousString string
}

// New constructs a libp2p host listening on ListenPort (or an ephemeral
// port if zero), wires mDNS discovery, joins the Kademlia DHT, and starts
// the gossipsub router. The chosen listen port is returned so the caller
// can persist it (spec section 4.4: "persisted on first bind and reused on
// restart").
func New(ctx context.Context, cfg Config) (*Transport, int, error) {
	h, err := libp2p.New(
		libp2p.ListenAddrStrings(
			fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", cfg.ListenPort),
		),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("transport: create host: %w", err)
	}

	kadDHT, err := dht.New(ctx, h)
	if err != nil {
		h.Close()
		return nil, 0, fmt.Errorf("transport: create dht: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, 0, fmt.Errorf("transport: create gossipsub: %w", err)
	}

	t := &Transport{
		host:   h,
		dht:    kadDHT,
		pubsub: ps,
		topics: make(map[string]*pubsub.Topic),
	}

	svc := mdns.NewMdnsService(h, cfg.RendezvousString, &mdnsNotifee{t: t})
	if err := svc.Start(); err != nil {
		h.Close()
		return nil, 0, fmt.Errorf("transport: start mdns: %w", err)
	}
	t.mdns = svc

	h.SetStreamHandler(peerExchangeProtocol, t.handlePeerExchangeStream)

	for _, addr := range cfg.BootstrapPeers {
		go t.dialWithBackoff(ctx, addr)
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	go t.refreshRoutingTableLoop(runCtx)
	go t.peerExchangeLoop(runCtx)

	port := 0
	for _, a := range h.Addrs() {
		if p, err := a.ValueForProtocol(ma.P_UDP); err == nil {
			fmt.Sscanf(p, "%d", &port)
			break
		}
	}

	return t, port, nil
}

// LocalPeerID returns this node's stable libp2p peer identity.
func (t *Transport) LocalPeerID() string {
	return t.host.ID().String()
}

// ListenAddrs returns the host's currently bound multiaddrs.
func (t *Transport) ListenAddrs() []string {
	var out []string
	for _, a := range t.host.Addrs() {
		out = append(out, a.String())
	}
	return out
}

// Publish broadcasts data on topic via gossipsub (spec section 4.4:
// "broadcast with best-effort fan-out via overlay peers").
func (t *Transport) Publish(ctx context.Context, topic string, data []byte) error {
	top, err := t.joinTopic(topic)
	if err != nil {
		return err
	}
	return top.Publish(ctx, data)
}

// Subscribe returns a channel of inbound messages on topic. Delivery is
// at-most-once per message ID across the subscription's lifetime, per
// gossipsub's own deduplication.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	top, err := t.joinTopic(topic)
	if err != nil {
		return nil, err
	}
	sub, err := top.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("transport: subscribe %s: %w", topic, err)
	}

	out := make(chan Message, 64)
	go func() {
		defer close(out)
		for {
			msg, err := sub.Next(ctx)
			if err != nil {
				return
			}
			if msg.ReceivedFrom == t.host.ID() {
				continue
			}
			select {
			case out <- Message{From: []byte(msg.ReceivedFrom), Data: msg.Data}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (t *Transport) joinTopic(name string) (*pubsub.Topic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if top, ok := t.topics[name]; ok {
		return top, nil
	}
	top, err := t.pubsub.Join(name)
	if err != nil {
		return nil, fmt.Errorf("transport: join topic %s: %w", name, err)
	}
	t.topics[name] = top
	return top, nil
}

// Dial connects directly to a peer's multiaddr.
func (t *Transport) Dial(ctx context.Context, addr string) error {
	info, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return fmt.Errorf("transport: parse multiaddr: %w", err)
	}
	return t.host.Connect(ctx, *info)
}

// dialWithBackoff retries a bootstrap address with exponential backoff;
// persistent unreachability stops retrying but the caller's bootstrap list
// on disk is untouched, so it is retried again on the next restart (spec
// section 4.4 failure semantics).
func (t *Transport) dialWithBackoff(ctx context.Context, addr string) {
	backoff := time.Second
	const maxBackoff = 2 * time.Minute
	const maxAttempts = 8

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := t.Dial(ctx, addr); err == nil {
			return
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	log.Logger.Warn().Str("addr", addr).Msg("transport: bootstrap peer unreachable after retries, preserved in bootstrap list")
}

// refreshRoutingTableLoop periodically refreshes the DHT's routing table
// (spec section 4.4 discovery layer 3: "~120-second cadence").
func (t *Transport) refreshRoutingTableLoop(ctx context.Context) {
	ticker := time.NewTicker(120 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := t.dht.RefreshRoutingTable(); err != nil {
				log.Logger.Warn().Err(err).Msg("transport: dht refresh failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// peerExchangeLoop gossips known peer addresses on the peer-exchange
// protocol every ~60 seconds (spec section 4.4 discovery layer 4).
func (t *Transport) peerExchangeLoop(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.gossipKnownAddrs(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (t *Transport) gossipKnownAddrs(ctx context.Context) {
	for _, p := range t.host.Network().Peers() {
		stream, err := t.host.NewStream(ctx, p, peerExchangeProtocol)
		if err != nil {
			continue
		}
		w := bufio.NewWriter(stream)
		for _, addr := range t.ListenAddrs() {
			fmt.Fprintln(w, addr)
		}
		w.Flush()
		stream.Close()
	}
}

func (t *Transport) handlePeerExchangeStream(s network.Stream) {
	defer s.Close()
	scanner := bufio.NewScanner(s)
	var addrs []string
	for scanner.Scan() {
		addrs = append(addrs, scanner.Text())
	}
	if len(addrs) > 0 && t.onPeers != nil {
		t.onPeers(addrs)
	}
	metrics.PeersConnectedTotal.Set(float64(len(t.host.Network().Peers())))
}

// OnPeersLearned registers a callback invoked with newly gossiped peer
// addresses, so the caller can add them to its dial candidates.
func (t *Transport) OnPeersLearned(fn func([]string)) {
	t.onPeers = fn
}

// Close tears down the host and its background loops.
func (t *Transport) Close() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.mdns != nil {
		t.mdns.Close()
	}
	return t.host.Close()
}

type mdnsNotifee struct {
	t *Transport
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.t.host.Connect(ctx, pi); err != nil {
		log.Logger.Debug().Err(err).Str("peer", pi.ID.String()).Msg("transport: mdns peer connect failed")
	}
}
