package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/replichat/replichat/internal/chat"
	"github.com/replichat/replichat/internal/cluster"
	"github.com/replichat/replichat/internal/config"
	"github.com/replichat/replichat/internal/metrics"
	"github.com/replichat/replichat/internal/replication"
	"github.com/replichat/replichat/internal/rpc"
	"github.com/replichat/replichat/internal/store"
)

type serveFlags struct {
	configFile    string
	serverID      int
	serverHost    string
	serverPort    int
	initialLeader bool
	join          bool
}

func newServeCommand() *cobra.Command {
	flags := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a chat service replica",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.configFile, "config", "", "path to replica config file")
	cmd.Flags().IntVar(&flags.serverID, "server-id", 0, "replica id (election priority)")
	cmd.Flags().StringVar(&flags.serverHost, "host", "", "host to bind")
	cmd.Flags().IntVar(&flags.serverPort, "port", 0, "port to bind")
	cmd.Flags().BoolVar(&flags.initialLeader, "initial-leader", false, "start as the configured leader")
	cmd.Flags().BoolVar(&flags.join, "join", false, "join a running cluster via state transfer")

	return cmd
}

func runServe(cmd *cobra.Command, flags *serveFlags) error {
	cfg := config.NewDefault()
	if flags.configFile != "" {
		if err := cfg.LoadFromFile(flags.configFile); err != nil {
			return err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}

	// Flags override both file and environment.
	if flags.serverID != 0 {
		cfg.Identity.ServerID = flags.serverID
	}
	if flags.serverHost != "" {
		cfg.Identity.ServerHost = flags.serverHost
	}
	if flags.serverPort != 0 {
		cfg.Identity.ServerPort = flags.serverPort
	}
	if cmd.Flags().Changed("initial-leader") {
		cfg.Identity.InitialLeader = flags.initialLeader
	}
	if cmd.Flags().Changed("join") {
		cfg.Identity.Join = flags.join
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := store.Open(cfg.DBFile())
	if err != nil {
		return err
	}
	defer s.Close()

	collector, err := metrics.NewCollector(cfg.Identity.ServerID)
	if err != nil {
		return err
	}
	if cfg.Metrics.Enabled {
		collector.StartServer(cfg.Metrics.Address)
	}

	view := cluster.NewView(cfg.Identity.ServerID, cfg.MyAddress(), cfg.Identity.InitialLeader,
		cfg.Cluster.ReplicaAddresses)
	rpcClient := rpc.NewClient()
	applier := replication.NewApplier(s)

	manager := cluster.NewManager(view, rpcClient, cluster.Timing{
		HeartbeatInterval: cfg.Timing.HeartbeatInterval,
		LeaseTimeout:      cfg.Timing.LeaseTimeout,
		PeerRPCTimeout:    cfg.Timing.PeerRPCTimeout,
	}, collector)

	replicator := cluster.NewReplicator(view, rpcClient, cfg.Timing.PeerRPCTimeout, collector)
	service := chat.NewService(s, applier, view, replicator, collector)
	transfer := cluster.NewStateTransfer(view, s, rpcClient, collector)

	server := rpc.NewServer(rpc.ServerConfig{
		Address:      cfg.MyAddress(),
		MaxWorkers:   cfg.Server.MaxWorkers,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, service, manager, transfer, applier)
	server.StartBackground()

	if cfg.Identity.Join {
		manifest, err := config.LoadManifest(cfg.Cluster.ManifestFile)
		if err != nil {
			return err
		}
		if err := transfer.Join(ctx, manifest.Addresses(), cluster.JoinTiming{
			ProbeTimeout:    cfg.Timing.PeerRPCTimeout,
			LookupBudget:    cfg.Timing.JoinLookupBudget,
			TransferTimeout: cfg.Timing.JoinRPCTimeout,
		}); err != nil {
			log.Printf("serve: cluster join failed: %v", err)
		}
	}

	manager.Start(ctx)

	fmt.Printf("Server started on %s | server_id: %d | Leader: %v\n",
		cfg.MyAddress(), cfg.Identity.ServerID, view.IsLeader())

	<-ctx.Done()
	log.Printf("serve: shutting down")

	manager.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("serve: server shutdown: %v", err)
	}
	_ = collector.Shutdown(shutdownCtx)

	return nil
}
