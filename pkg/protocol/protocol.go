// Package protocol implements realm's Command Protocol (spec section 4.3):
// signed envelopes carrying one of nine payload kinds, verified against the
// pinned owner, deduplicated, targeted, rate-limited per source peer, and
// rebroadcast once to propagate through the gossip mesh.
//
// The envelope shape and its payload-kind switch dispatch are grounded on
// teacher's pkg/manager/fsm.go Command{Op,Data} pattern: one signed message,
// one kind tag, one switch that routes to the right handler. The Raft log
// application that shape served in the teacher has no analogue here — every
// peer applies envelopes locally instead of through a replicated log.
package protocol

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/x3haloed/realm/pkg/codec"
	"github.com/x3haloed/realm/pkg/identity"
	"github.com/x3haloed/realm/pkg/log"
	"github.com/x3haloed/realm/pkg/metrics"
	"github.com/x3haloed/realm/pkg/types"
)

// Envelope is the wire unit for every mutating operation (spec section 4.3).
// Payload is the canonical TaggedPayload bytes produced by pkg/codec —
// the signature covers exactly those bytes, nothing else.
type Envelope struct {
	OwnerPub  []byte `cbor:"1,keyasint"`
	Signature []byte `cbor:"2,keyasint"`
	Payload   []byte `cbor:"3,keyasint"`
}

// --- Payload variants ---

type Deploy struct {
	Component      types.ComponentSpec `cbor:"1,keyasint"`
	ArtifactDigest string              `cbor:"2,keyasint"`
	InlineBytes    []byte              `cbor:"3,keyasint"`
	Targeting      types.Targeting     `cbor:"4,keyasint"`
}

func (d Deploy) Target() types.Targeting { return d.Targeting }

type Apply struct {
	Manifest types.Manifest `cbor:"1,keyasint"`
	Version  uint64         `cbor:"2,keyasint"`
}

type Upgrade struct {
	Record types.UpgradeRecord `cbor:"1,keyasint"`
}

type JobSubmit struct {
	Job              types.JobSpec `cbor:"1,keyasint"`
	InlineAssetBytes []byte        `cbor:"2,keyasint"`
	AssetDigests     []string      `cbor:"3,keyasint"`
}

func (j JobSubmit) Target() types.Targeting { return j.Job.Target }

type JobCancel struct {
	JobID string `cbor:"1,keyasint"`
}

type BlobChunk struct {
	Digest string `cbor:"1,keyasint"`
	Index  int    `cbor:"2,keyasint"`
	Total  int    `cbor:"3,keyasint"`
	Bytes  []byte `cbor:"4,keyasint"`
}

type StatusQuery struct {
	QueryID string `cbor:"1,keyasint"`
	Filter  string `cbor:"2,keyasint"`
}

type StatusReply struct {
	QueryID  string             `cbor:"1,keyasint"`
	Snapshot types.NodeSnapshot `cbor:"2,keyasint"`
}

type PeerExchange struct {
	KnownAddresses []string `cbor:"1,keyasint"`
}

// targeted is implemented by payload kinds that carry a targeting filter;
// everything else matches every node (spec section 4.3: "empty targeting
// ⇒ all").
type targeted interface {
	Target() types.Targeting
}

// Handler is implemented by the subsystem that applies accepted envelopes —
// the agent's top-level wiring dispatches each kind to the owning task
// (reconciler, scheduler, cas, status).
type Handler interface {
	OnDeploy(Deploy) error
	OnApply(Apply) error
	OnUpgrade(Upgrade) error
	OnJobSubmit(JobSubmit) error
	OnJobCancel(JobCancel) error
	OnBlobChunk(BlobChunk) error
	OnStatusQuery(StatusQuery) (*StatusReply, error)
	OnStatusReply(StatusReply) error
	OnPeerExchange(PeerExchange) error
}

// Sign builds and signs an envelope for the given payload kind. The returned
// bytes are the final wire form, ready for Router.HandleInbound or transport
// publish.
func Sign(kp identity.KeyPair, kind codec.PayloadKind, payload any) ([]byte, error) {
	payloadWire, err := codec.EncodePayload(kind, payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode payload: %w", err)
	}
	env := Envelope{
		OwnerPub:  []byte(kp.Public),
		Signature: kp.Sign(payloadWire),
		Payload:   payloadWire,
	}
	return codec.Marshal(env)
}

// dedupEntry holds one key's expiry; insertion order for bounded-size
// eviction is kept separately in dedupCache.order.
type dedupEntry struct {
	expiresAt time.Time
}

// dedupCache is a bounded, TTL-expiring cache of payload hashes (spec
// section 4.3: "deduplicated by a hash-of-payload cache with bounded size
// and TTL; duplicates are dropped silently").
type dedupCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	seen     map[string]dedupEntry
	order    []string
}

func newDedupCache(ttl time.Duration, capacity int) *dedupCache {
	return &dedupCache{ttl: ttl, capacity: capacity, seen: make(map[string]dedupEntry)}
}

// seenBefore returns true if key was already recorded and not expired;
// otherwise records it and returns false.
func (c *dedupCache) seenBefore(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if entry, ok := c.seen[key]; ok && now.Before(entry.expiresAt) {
		return true
	}

	c.seen[key] = dedupEntry{expiresAt: now.Add(c.ttl)}
	c.order = append(c.order, key)
	if len(c.order) > c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.seen, oldest)
	}
	return false
}

// rateLimiter enforces a per-source-peer cap on envelopes within a fixed
// window that restarts once it has elapsed (spec section 4.3: "Rate limits apply per-source-peer to mitigate
// flooding").
type rateLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	counters map[string]*windowCounter
}

type windowCounter struct {
	windowStart time.Time
	count       int
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{limit: limit, window: window, counters: make(map[string]*windowCounter)}
}

func (r *rateLimiter) allow(source string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	c, ok := r.counters[source]
	if !ok || now.Sub(c.windowStart) > r.window {
		c = &windowCounter{windowStart: now}
		r.counters[source] = c
	}
	c.count++
	return c.count <= r.limit
}

// Router verifies, dedup-filters, targets, dispatches, and rebroadcasts
// inbound envelopes. It is stateless with respect to application data — all
// mutation happens inside Handler, the protocol's caller-supplied dispatcher.
type Router struct {
	trust       *identity.TrustRoot
	localNodeID string
	localRoles  []string
	handler     Handler
	rebroadcast func(wire []byte) error
	onOwnerPin  func(pub []byte)

	dedup   *dedupCache
	limiter *rateLimiter
}

// RouterConfig carries the tunables the spec leaves to the implementation:
// dedup TTL/capacity and the per-source rate limit/window.
type RouterConfig struct {
	LocalNodeID   string
	LocalRoles    []string
	Trust         *identity.TrustRoot
	Handler       Handler
	Rebroadcast   func(wire []byte) error
	// OnOwnerPin is invoked once, synchronously, the moment TOFU pins an
	// owner key, so the caller can persist it to identity/owner.pub. Nil is
	// permitted when the owner key is already pinned from a prior run.
	OnOwnerPin    func(pub []byte)
	DedupTTL      time.Duration
	DedupCapacity int
	RateLimit     int
	RateWindow    time.Duration
}

// NewRouter constructs a Router, filling sensible defaults for any zero-value
// tunable.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.DedupTTL == 0 {
		cfg.DedupTTL = 5 * time.Minute
	}
	if cfg.DedupCapacity == 0 {
		cfg.DedupCapacity = 10_000
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 200
	}
	if cfg.RateWindow == 0 {
		cfg.RateWindow = time.Second
	}
	return &Router{
		trust:       cfg.Trust,
		localNodeID: cfg.LocalNodeID,
		localRoles:  cfg.LocalRoles,
		handler:     cfg.Handler,
		rebroadcast: cfg.Rebroadcast,
		onOwnerPin:  cfg.OnOwnerPin,
		dedup:       newDedupCache(cfg.DedupTTL, cfg.DedupCapacity),
		limiter:     newRateLimiter(cfg.RateLimit, cfg.RateWindow),
	}
}

// HandleInbound verifies, dedups, targets, dispatches, and rebroadcasts one
// wire-format envelope received from sourcePeer. Rejections are logged and
// return nil (spec section 4.3/9: rejected commands are "not rebroadcast",
// never treated as a fatal agent error).
func (r *Router) HandleInbound(sourcePeer string, wire []byte) error {
	if !r.limiter.allow(sourcePeer) {
		log.Logger.Warn().Str("peer", sourcePeer).Msg("protocol: rate limit exceeded, dropping envelope")
		return nil
	}

	var env Envelope
	if err := codec.Unmarshal(wire, &env); err != nil {
		log.Logger.Warn().Err(err).Str("peer", sourcePeer).Msg("protocol: malformed envelope")
		return nil
	}

	if _, pinned := r.trust.Pinned(); !pinned {
		r.tryPinFirstObservedOwner(env)
	}

	if err := r.trust.Verify(ed25519.PublicKey(env.OwnerPub), env.Payload, env.Signature); err != nil {
		metrics.EnvelopesRejectedTotal.WithLabelValues(rejectReason(err)).Inc()
		log.Logger.Warn().Err(err).Str("peer", sourcePeer).Msg("protocol: rejected envelope")
		return nil
	}

	sum := sha256.Sum256(env.Payload)
	dedupKey := hex.EncodeToString(sum[:])
	if r.dedup.seenBefore(dedupKey) {
		metrics.EnvelopesDuplicateTotal.Inc()
		return nil
	}

	tp, err := codec.DecodeTagged(env.Payload)
	if err != nil {
		log.Logger.Warn().Err(err).Msg("protocol: undecodable payload")
		return nil
	}

	isReply, err := r.dispatch(tp)
	if err != nil {
		metrics.EnvelopesRejectedTotal.WithLabelValues("handler_error").Inc()
		log.Logger.Warn().Err(err).Str("kind", tp.Kind.String()).Msg("protocol: handler rejected envelope")
		return nil
	}

	metrics.EnvelopesAppliedTotal.WithLabelValues(tp.Kind.String()).Inc()

	if !isReply && r.rebroadcast != nil {
		if err := r.rebroadcast(wire); err != nil {
			log.Logger.Warn().Err(err).Msg("protocol: rebroadcast failed")
		}
	}
	return nil
}

// tryPinFirstObservedOwner implements spec section 4.1's TOFU rule: "the
// first observed owner key is pinned." A self-inconsistent envelope (one
// whose signature doesn't even match its own claimed owner key) pins
// nothing, so a malformed or garbled envelope can't squat the owner slot.
func (r *Router) tryPinFirstObservedOwner(env Envelope) {
	if !ed25519.Verify(ed25519.PublicKey(env.OwnerPub), env.Payload, env.Signature) {
		return
	}
	if err := r.trust.Trust(env.OwnerPub); err != nil {
		log.Logger.Warn().Err(err).Msg("protocol: owner pin race lost to a concurrent envelope")
		return
	}
	if r.onOwnerPin != nil {
		r.onOwnerPin(env.OwnerPub)
	}
}

func rejectReason(err error) string {
	switch err {
	case identity.ErrNotTrusted:
		return "not_trusted"
	default:
		return "signature_or_owner_mismatch"
	}
}

// dispatch decodes the payload's concrete type, applies local targeting, and
// routes to the matching Handler method. Returns isReply=true for kinds that
// must never be rebroadcast (StatusReply is a point-to-point response).
func (r *Router) dispatch(tp codec.TaggedPayload) (isReply bool, err error) {
	switch tp.Kind {
	case codec.KindDeploy:
		var d Deploy
		if err := codec.DecodePayload(tp, &d); err != nil {
			return false, err
		}
		if !r.matches(d) {
			return false, nil
		}
		return false, r.handler.OnDeploy(d)

	case codec.KindApply:
		var a Apply
		if err := codec.DecodePayload(tp, &a); err != nil {
			return false, err
		}
		return false, r.handler.OnApply(a)

	case codec.KindUpgrade:
		var u Upgrade
		if err := codec.DecodePayload(tp, &u); err != nil {
			return false, err
		}
		return false, r.handler.OnUpgrade(u)

	case codec.KindJobSubmit:
		var j JobSubmit
		if err := codec.DecodePayload(tp, &j); err != nil {
			return false, err
		}
		if !r.matches(j) {
			return false, nil
		}
		return false, r.handler.OnJobSubmit(j)

	case codec.KindJobCancel:
		var c JobCancel
		if err := codec.DecodePayload(tp, &c); err != nil {
			return false, err
		}
		return false, r.handler.OnJobCancel(c)

	case codec.KindBlobChunk:
		var b BlobChunk
		if err := codec.DecodePayload(tp, &b); err != nil {
			return false, err
		}
		return false, r.handler.OnBlobChunk(b)

	case codec.KindStatusQuery:
		var q StatusQuery
		if err := codec.DecodePayload(tp, &q); err != nil {
			return false, err
		}
		_, err := r.handler.OnStatusQuery(q)
		return false, err

	case codec.KindStatusReply:
		var s StatusReply
		if err := codec.DecodePayload(tp, &s); err != nil {
			return false, err
		}
		return true, r.handler.OnStatusReply(s)

	case codec.KindPeerExchange:
		var p PeerExchange
		if err := codec.DecodePayload(tp, &p); err != nil {
			return false, err
		}
		return false, r.handler.OnPeerExchange(p)

	default:
		return false, fmt.Errorf("protocol: unknown payload kind %d", tp.Kind)
	}
}

// matches applies the local targeting rule (spec section 4.3): empty
// targeting matches every node; otherwise the local node ID or any local
// role tag must appear in the target.
func (r *Router) matches(t targeted) bool {
	return t.Target().Matches(r.localNodeID, r.localRoles)
}
