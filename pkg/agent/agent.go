// Package agent is realm's top-level wiring: it constructs every owning
// task (identity, CAS, storage, config, volumes, transport, sandbox,
// status, runtime dispatch, reconciler, scheduler, query) in dependency
// order, wires the command protocol's Router to them, and tears everything
// down in reverse on Shutdown. Grounded on teacher's pkg/manager/manager.go
// construct-wire-start-shutdown shape: one struct holding every subsystem
// handle, a single Shutdown that closes a stop channel and waits on a
// sync.WaitGroup per subsystem, adapted from the teacher's single Raft-
// backed manager to this node's flat set of independently-owned tasks.
package agent

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	goruntime "runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/x3haloed/realm/pkg/cas"
	"github.com/x3haloed/realm/pkg/config"
	"github.com/x3haloed/realm/pkg/events"
	"github.com/x3haloed/realm/pkg/identity"
	"github.com/x3haloed/realm/pkg/log"
	"github.com/x3haloed/realm/pkg/metrics"
	"github.com/x3haloed/realm/pkg/pkgfmt"
	"github.com/x3haloed/realm/pkg/protocol"
	"github.com/x3haloed/realm/pkg/query"
	"github.com/x3haloed/realm/pkg/reconciler"
	execruntime "github.com/x3haloed/realm/pkg/runtime"
	"github.com/x3haloed/realm/pkg/sandbox"
	"github.com/x3haloed/realm/pkg/scheduler"
	"github.com/x3haloed/realm/pkg/security"
	"github.com/x3haloed/realm/pkg/status"
	"github.com/x3haloed/realm/pkg/storage"
	"github.com/x3haloed/realm/pkg/transport"
	"github.com/x3haloed/realm/pkg/volume"
)

// Platform is this binary's GOOS/GOARCH tag, used for Upgrade and job
// targeting matching (spec section 3 Node Identity).
var Platform = fmt.Sprintf("%s/%s", goruntime.GOOS, goruntime.GOARCH)

// Config collects every tunable an operator can set for one agent run
// (spec section 6 configuration options; cmd/realm-agent fills it from its
// flags and takes KeyPassphrase from REALM_KEY_PASSPHRASE).
type Config struct {
	DataDir          string
	Roles            []string
	ListenPort       int // 0 reuses the persisted port, or lets the OS choose on first run
	BootstrapPeers   []string
	RendezvousString string
	QueryAddr        string // HTTP address for the query/metrics surface, e.g. ":7777"
	KeyPassphrase    string // encrypts identity/node.key; a per-install key is generated if empty
	LogLevel         log.Level
	LogJSON          bool
	EpochTick        time.Duration // wasmtime epoch-interruption tick granularity
}

func (c Config) withDefaults() Config {
	if c.RendezvousString == "" {
		c.RendezvousString = "realm"
	}
	if c.QueryAddr == "" {
		c.QueryAddr = ":7777"
	}
	if c.EpochTick == 0 {
		c.EpochTick = 10 * time.Millisecond
	}
	return c
}

// Agent owns every subsystem handle for one running node and implements
// protocol.Handler by delegating each payload kind to its owning task.
type Agent struct {
	cfg    Config
	logger zerolog.Logger

	keypair identity.KeyPair
	trust   *identity.TrustRoot

	store     storage.Store
	blobs     *cas.Store
	cfgStore  *config.Store
	volumes   *volume.Manager
	packages  *pkgfmt.Extractor
	transport *transport.Transport
	engine    *sandbox.Engine
	broker    *events.Broker
	board     *status.Board

	dispatcher *execruntime.Dispatcher
	recon      *reconciler.Reconciler
	sched      *scheduler.Scheduler
	router     *protocol.Router
	query      *query.Server
	httpServer *http.Server

	blobMu           sync.Mutex
	blobReassemblers map[string]*cas.Reassembler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs every owning task in dependency order: identity/trust,
// then the local storage substrate (storage, CAS, config, volumes,
// packages), then transport and the WASM engine, then status and runtime
// dispatch, then the reconciler and scheduler, then the protocol router and
// query surface. Nothing is started — call Run for that.
func New(ctx context.Context, cfg Config) (*Agent, error) {
	cfg = cfg.withDefaults()

	log.Init(log.Config{Level: cfg.LogLevel, JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("agent")

	box, err := LoadOrCreateKeyBox(cfg.DataDir, cfg.KeyPassphrase)
	if err != nil {
		return nil, fmt.Errorf("agent: key box: %w", err)
	}
	kp, err := identity.LoadOrCreateNode(cfg.DataDir, box)
	if err != nil {
		return nil, fmt.Errorf("agent: load node identity: %w", err)
	}

	ownerPub, err := identity.LoadOwnerPub(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("agent: load owner pub: %w", err)
	}
	var trust *identity.TrustRoot
	if len(ownerPub) > 0 {
		trust = identity.LoadTrustRoot(ownerPub)
	} else {
		trust = identity.NewTrustRoot()
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("agent: open storage: %w", err)
	}
	blobs, err := cas.Open(cfg.DataDir)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("agent: open cas: %w", err)
	}
	cfgStore, err := config.Load(configDir(cfg.DataDir))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("agent: load config: %w", err)
	}
	volumes, err := volume.NewManager(cfg.DataDir, store)
	if err != nil {
		cfgStore.Close()
		store.Close()
		return nil, fmt.Errorf("agent: open volumes: %w", err)
	}
	packages := pkgfmt.NewExtractor(cfg.DataDir)

	listenPort := cfg.ListenPort
	if listenPort == 0 {
		if persisted, err := cfgStore.ListenPort(); err == nil && persisted != 0 {
			listenPort = persisted
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	tp, boundPort, err := transport.New(runCtx, transport.Config{
		ListenPort:       listenPort,
		BootstrapPeers:   append(append([]string(nil), cfg.BootstrapPeers...), cfgStore.Bootstrap().Addresses...),
		RendezvousString: cfg.RendezvousString,
	})
	if err != nil {
		cancel()
		cfgStore.Close()
		store.Close()
		return nil, fmt.Errorf("agent: start transport: %w", err)
	}
	if err := cfgStore.PersistListenPort(boundPort); err != nil {
		logger.Warn().Err(err).Msg("agent: failed to persist listen port")
	}

	engine := sandbox.NewEngine(cfg.EpochTick)
	broker := events.NewBroker()
	board := status.NewBoard(kp.PublicHex(), Platform, cfg.Roles, broker)
	if pub, ok := trust.Pinned(); ok {
		board.SetTrustedOwner(fmt.Sprintf("%x", pub))
	}

	dispatcher := execruntime.NewDispatcher(engine, blobs, cfgStore)

	a := &Agent{
		cfg:              cfg,
		logger:           logger,
		keypair:          kp,
		trust:            trust,
		store:            store,
		blobs:            blobs,
		cfgStore:         cfgStore,
		volumes:          volumes,
		packages:         packages,
		transport:        tp,
		engine:           engine,
		broker:           broker,
		board:            board,
		dispatcher:       dispatcher,
		blobReassemblers: make(map[string]*cas.Reassembler),
		cancel:           cancel,
	}

	a.recon = reconciler.New(reconciler.Config{
		LocalNodeID: kp.PublicHex(),
		LocalRoles:  cfg.Roles,
		DataDir:     cfg.DataDir,
		Store:       store,
		Blobs:       blobs,
		Volumes:     volumes,
		Packages:    packages,
		Dispatcher:  dispatcher,
		Board:       board,
		FetchBlob:   a.fetchBlob,
	})

	a.sched = scheduler.New(scheduler.Config{
		LocalNodeID:       kp.PublicHex(),
		LocalPlatform:     Platform,
		LocalRoles:        cfg.Roles,
		AvailableMemoryMB: availableMemoryMB,
		DataDir:           cfg.DataDir,
		Store:             store,
		Blobs:             blobs,
		Volumes:           volumes,
		Dispatcher:        dispatcher,
		Board:             board,
		Gossip:            a.gossipJob,
		FetchBlob:         a.fetchBlob,
	})

	a.router = protocol.NewRouter(protocol.RouterConfig{
		LocalNodeID: kp.PublicHex(),
		LocalRoles:  cfg.Roles,
		Trust:       trust,
		Handler:     a,
		Rebroadcast: a.rebroadcast,
		OnOwnerPin: func(pub []byte) {
			if err := identity.PersistOwnerPub(cfg.DataDir, pub); err != nil {
				logger.Warn().Err(err).Msg("agent: failed to persist newly pinned owner key")
				return
			}
			board.SetTrustedOwner(fmt.Sprintf("%x", pub))
		},
	})

	a.query = query.NewServer(board, blobs, cfgStore, store)
	a.httpServer = &http.Server{
		Addr:    cfg.QueryAddr,
		Handler: queryMux(a.query),
	}

	tp.OnPeersLearned(a.dialLearnedPeers)

	return a, nil
}

// Run starts every background subsystem (broker, reconciler, scheduler,
// protocol subscriptions, query HTTP server) and blocks until ctx is
// cancelled, then shuts everything down through Shutdown
// (spec section 9 supplemented feature: "graceful shutdown signal
// propagation across all owning tasks").
func (a *Agent) Run(ctx context.Context) error {
	a.broker.Start()
	a.recon.Start()
	a.sched.Start()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.subscribeLoop(ctx, topicApply)
	}()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.subscribeLoop(ctx, topicDeploy)
	}()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.subscribeLoop(ctx, topicUpgrade)
	}()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.subscribeLoop(ctx, topicJobs)
	}()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.subscribeLoop(ctx, topicStatus)
	}()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.subscribeLoop(ctx, topicBlobs)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info().Str("addr", a.cfg.QueryAddr).Msg("agent: query surface listening")
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error().Err(err).Msg("agent: query server stopped unexpectedly")
		}
	}()

	<-ctx.Done()
	return a.Shutdown()
}

// Shutdown tears down every subsystem: the query server, the subscription
// loops, the scheduler, reconciler and event broker, then the transport, the
// WASM engine, the config watcher and the index store. It is safe to call directly (e.g. from a signal handler) without going
// through Run.
func (a *Agent) Shutdown() error {
	a.logger.Info().Msg("agent: shutting down")

	shutdownCtx, cancelHTTP := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelHTTP()
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn().Err(err).Msg("agent: query server shutdown error")
	}

	a.cancel() // stops subscribeLoop goroutines and the transport's own loops
	a.wg.Wait()

	a.sched.Stop()
	a.recon.Stop()
	a.broker.Stop()

	if err := a.transport.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("agent: transport close error")
	}
	a.engine.Close()

	if err := a.cfgStore.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("agent: config store close error")
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("agent: storage close error")
	}
	return nil
}

// LocalNodeID returns this node's stable public-key-derived identifier.
func (a *Agent) LocalNodeID() string { return a.keypair.PublicHex() }

// LocalPeerID returns this node's libp2p transport identity.
func (a *Agent) LocalPeerID() string { return a.transport.LocalPeerID() }

func configDir(dataDir string) string {
	return filepath.Join(dataDir, "config")
}

// LoadOrCreateKeyBox builds the AES-256-GCM box that encrypts
// identity/node.key at rest. An operator-supplied passphrase is preferred;
// absent one, a random 32-byte key is generated once on first run and
// persisted to identity/box.key, since security.NewKeyBoxFromPassphrase
// rejects an empty passphrase and the spec leaves key-at-rest management to
// the implementation. Exported so
// cmd/realm-agent's "identity show" can resolve the node keypair without
// constructing a full Agent (no transport, no storage).
func LoadOrCreateKeyBox(dataDir, passphrase string) (*security.KeyBox, error) {
	if passphrase != "" {
		return security.NewKeyBoxFromPassphrase(passphrase)
	}

	dir := filepath.Join(dataDir, "identity")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("agent: create identity dir: %w", err)
	}
	path := filepath.Join(dir, "box.key")

	key, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("agent: generate local box key: %w", err)
		}
		if err := os.WriteFile(path, key, 0600); err != nil {
			return nil, fmt.Errorf("agent: persist local box key: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("agent: read local box key: %w", err)
	}

	return security.NewKeyBox(key)
}

func availableMemoryMB() int {
	var m goruntime.MemStats
	goruntime.ReadMemStats(&m)
	const assumedTotalMB = 1024
	usedMB := int(m.Sys / (1024 * 1024))
	if usedMB >= assumedTotalMB {
		return 0
	}
	return assumedTotalMB - usedMB
}

func queryMux(q *query.Server) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", q)
	return mux
}

var _ protocol.Handler = (*Agent)(nil)
