package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/VanDung-dev/FAIC-Node/config"
	"github.com/VanDung-dev/FAIC-Node/monitoring"
	"github.com/VanDung-dev/FAIC-Node/network"
	"github.com/VanDung-dev/FAIC-Node/txpool"
	"github.com/VanDung-dev/FAIC-Node/wire"
)

// Version information
const (
	Version = "0.1.0"
	Name    = "faicnode"
)

var log = logging.Logger("faic/cmd")

type options struct {
	configPath   string
	logLevel     string
	metricsAddr  string
	snapshotFile string
	poolSize     int
	poolTTL      time.Duration
	force        bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           Name,
		Short:         "FAIC peer-to-peer node",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := logging.LevelFromString(opts.logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", opts.logLevel, err)
			}
			logging.SetAllLoggers(lvl)
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "faic.toml", "path to the node configuration")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(newRunCommand(opts), newConfigCommand(opts), newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s v%s (protocol %s)\n", Name, Version, wire.ProtocolID)
		},
	}
}

func newConfigCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the node configuration",
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration with a fresh identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(opts.configPath); err == nil && !opts.force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", opts.configPath)
			}
			cfg, err := config.Default()
			if err != nil {
				return err
			}
			if err := config.Save(cfg, opts.configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s for peer %s\n", opts.configPath, cfg.LocalPeerID)
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&opts.force, "force", "f", false, "overwrite an existing configuration")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration without the identity key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath, false)
			if err != nil {
				return err
			}
			cfg.IdentityKey = ""
			return toml.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}

func newRunCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the node until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts)
		},
	}
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9100)")
	cmd.Flags().StringVar(&opts.snapshotFile, "snapshot-file", "", "write an Arrow IPC peer snapshot here on shutdown")
	cmd.Flags().IntVar(&opts.poolSize, "txpool-size", 4096, "maximum number of relayed transactions held")
	cmd.Flags().DurationVar(&opts.poolTTL, "txpool-ttl", 10*time.Minute, "how long a relayed transaction is held")
	return cmd
}

// loadConfig loads path, creating it when create is set, applies environment overrides
// and validates the result.
func loadConfig(path string, create bool) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if create {
		var created bool
		cfg, created, err = config.LoadOrCreate(path)
		if created {
			log.Infof("generated new identity %s", cfg.LocalPeerID)
		}
	} else {
		cfg, err = config.Load(path)
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// nodeConfig maps the persisted configuration onto the event loop settings.
func nodeConfig(cfg *config.Config) (network.NodeConfig, error) {
	nc := network.DefaultNodeConfig()
	nc.ListenAddrs = append([]string(nil), cfg.ListenAddresses...)
	nc.MaxPeers = cfg.MaxConnections
	nc.HeartbeatInterval = cfg.HeartbeatIntervalDuration()
	nc.RequestTimeout = cfg.RequestTimeoutDuration()

	index := make(map[peer.ID]int)
	for _, b := range cfg.BootstrapNodes {
		id, err := peer.Decode(b.PeerID)
		if err != nil {
			return nc, fmt.Errorf("%w: bootstrap peer %q: %v", config.ErrInvalidConfig, b.PeerID, err)
		}
		if i, ok := index[id]; ok {
			nc.Bootstrap[i].Addrs = append(nc.Bootstrap[i].Addrs, b.Address)
			continue
		}
		index[id] = len(nc.Bootstrap)
		nc.Bootstrap = append(nc.Bootstrap, network.BootstrapPeer{ID: id, Addrs: []string{b.Address}})
	}
	return nc, nil
}

// relayGossip stores a gossiped transaction in the pool.
func relayGossip(pool *txpool.Pool, msg network.GossipMessage) {
	hash, err := pool.Add(msg.Data, msg.Origin.String())
	switch {
	case err == nil:
		log.Infof("relaying transaction %s from %s (origin %s)", hash, msg.ReceivedFrom, msg.Origin)
	case errors.Is(err, txpool.ErrTxExists):
	default:
		log.Warnf("gossip %s from %s not pooled: %v", msg.ID, msg.ReceivedFrom, err)
	}
}

func run(ctx context.Context, opts *options) error {
	cfg, err := loadConfig(opts.configPath, true)
	if err != nil {
		return err
	}
	id, err := cfg.PeerID()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	nc, err := nodeConfig(cfg)
	if err != nil {
		return err
	}
	nc.Metrics = monitoring.NewMetrics("faic", reg)
	pool := txpool.New(opts.poolSize, opts.poolTTL)
	nc.Handler = pool

	zcfg := network.DefaultZmqConfig()
	zcfg.DialTimeout = cfg.ConnectionTimeoutDuration()
	transport := network.NewZmqTransport(id.String(), zcfg)

	node, err := network.NewNode(id, transport, nc)
	if err != nil {
		return err
	}
	if err := node.Start(); err != nil {
		return err
	}
	defer node.Stop()

	var metricsServer *monitoring.MetricsServer
	if opts.metricsAddr != "" {
		metricsServer = monitoring.NewMetricsServer(opts.metricsAddr, reg)
		metricsServer.StartAsync(func(err error) {
			log.Errorf("metrics server: %v", err)
		})
		log.Infof("metrics on http://%s/metrics", opts.metricsAddr)
	}

	sub := node.Subscribe(wire.GossipTopic)
	defer sub.Cancel()

	log.Infof("peer %s listening on %v", id, node.ListenAddrs())

	expiry := time.NewTicker(time.Minute)
	defer expiry.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			node.Stop()
			if metricsServer != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = metricsServer.Stop(shutdownCtx)
				cancel()
			}
			return writeSnapshot(node, opts.snapshotFile)
		case <-node.Done():
			return errors.New("event loop exited unexpectedly")
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			relayGossip(pool, msg)
		case <-expiry.C:
			if expired := pool.Expire(); len(expired) > 0 {
				log.Debugf("expired %d relayed transactions, %d pending", len(expired), pool.Size())
			}
		case dm := <-node.DirectMessages():
			log.Infof("direct message from %s (%d bytes)", dm.From, len(dm.Data))
		}
	}
}

func writeSnapshot(node *network.Node, path string) error {
	if path == "" {
		return nil
	}
	data, err := node.PeerSnapshot()
	if err != nil {
		return fmt.Errorf("failed to build peer snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write peer snapshot: %w", err)
	}
	log.Infof("wrote %d peers snapshot to %s", len(node.GetPeers()), path)
	return nil
}
