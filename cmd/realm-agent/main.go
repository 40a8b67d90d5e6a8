package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/x3haloed/realm/pkg/agent"
	"github.com/x3haloed/realm/pkg/identity"
	"github.com/x3haloed/realm/pkg/log"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "realm-agent",
	Short: "realm - a peer-to-peer WASM component orchestrator",
	Long: `realm runs every node as an equal peer: no manager/worker split, no
quorum to join. Nodes gossip signed commands over a libp2p mesh and converge
their running WASM components to whatever the pinned owner last applied.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"realm-agent version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("data-dir", "./data", "Directory for node identity, storage, CAS, and volumes")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(identityCmd)
	identityCmd.AddCommand(identityShowCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOutput})
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run or inspect this node's agent process",
}

var agentRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the realm agent in the foreground",
	Long: `Starts every owning task for this node — identity and trust, storage,
content-addressed blob store, config, volumes, the WASM sandbox, the libp2p
gossip mesh, the reconciler and job scheduler, and the local query/metrics
HTTP surface — and blocks until interrupted.

The node's identity keypair is encrypted at rest. Set REALM_KEY_PASSPHRASE to
supply an operator passphrase; otherwise a per-install key is generated once
and persisted to <data-dir>/identity/box.key.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		roles, _ := cmd.Flags().GetString("roles")
		listenPort, _ := cmd.Flags().GetInt("listen-port")
		bootstrap, _ := cmd.Flags().GetStringSlice("bootstrap-peer")
		rendezvous, _ := cmd.Flags().GetString("rendezvous")
		queryAddr, _ := cmd.Flags().GetString("query-addr")
		epochTick, _ := cmd.Flags().GetDuration("epoch-tick")
		logLevel, _ := cmd.Flags().GetString("log-level")
		logJSON, _ := cmd.Flags().GetBool("log-json")

		var roleList []string
		for _, r := range strings.Split(roles, ",") {
			if r = strings.TrimSpace(r); r != "" {
				roleList = append(roleList, r)
			}
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		a, err := agent.New(ctx, agent.Config{
			DataDir:          dataDir,
			Roles:            roleList,
			ListenPort:       listenPort,
			BootstrapPeers:   bootstrap,
			RendezvousString: rendezvous,
			QueryAddr:        queryAddr,
			KeyPassphrase:    os.Getenv("REALM_KEY_PASSPHRASE"),
			LogLevel:         log.Level(logLevel),
			LogJSON:          logJSON,
			EpochTick:        epochTick,
		})
		if err != nil {
			return fmt.Errorf("construct agent: %w", err)
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigCh
			log.Logger.Info().Str("signal", sig.String()).Msg("realm-agent: received shutdown signal")
			cancel()
		}()

		fmt.Printf("realm-agent listening (node=%s peer=%s query=%s)\n", a.LocalNodeID(), a.LocalPeerID(), queryAddr)
		return a.Run(ctx)
	},
}

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Inspect this node's identity",
}

var identityShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print this node's public key, node ID, and pinned owner (if any)",
	Long: `Resolves the node's ed25519 keypair from <data-dir>/identity (creating
one on first run) without starting the transport, storage, or sandbox
subsystems, then prints its identifiers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")

		box, err := agent.LoadOrCreateKeyBox(dataDir, os.Getenv("REALM_KEY_PASSPHRASE"))
		if err != nil {
			return fmt.Errorf("load key box: %w", err)
		}
		kp, err := identity.LoadOrCreateNode(dataDir, box)
		if err != nil {
			return fmt.Errorf("load node identity: %w", err)
		}

		fmt.Printf("Node ID:    %s\n", kp.PublicHex())
		fmt.Printf("Platform:   %s\n", agent.Platform)

		ownerPub, err := identity.LoadOwnerPub(dataDir)
		if err != nil {
			return fmt.Errorf("load owner pub: %w", err)
		}
		if len(ownerPub) == 0 {
			fmt.Println("Owner:      (unpinned — will TOFU-pin on first verified envelope)")
		} else {
			fmt.Printf("Owner:      %x\n", ownerPub)
		}
		return nil
	},
}

func init() {
	agentCmd.AddCommand(agentRunCmd)

	agentRunCmd.Flags().String("roles", "", "Comma-separated role tags this node advertises for targeting (e.g. edge,gpu)")
	agentRunCmd.Flags().Int("listen-port", 0, "libp2p listen port (0 reuses the persisted port, or lets the OS choose)")
	agentRunCmd.Flags().StringSlice("bootstrap-peer", nil, "Multiaddr of a peer to dial on startup (repeatable)")
	agentRunCmd.Flags().String("rendezvous", "realm", "mDNS/DHT rendezvous string for peer discovery")
	agentRunCmd.Flags().String("query-addr", ":7777", "HTTP address for the local query/metrics surface")
	agentRunCmd.Flags().Duration("epoch-tick", 10*time.Millisecond, "wasmtime epoch-interruption tick granularity")
}
