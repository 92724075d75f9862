package main

import (
	"context"
	"net/http"
	"os"

	"go.uber.org/zap"

	"github.com/ryandielhenn/driftdoc/discovery"
	"github.com/ryandielhenn/driftdoc/internal/config"
	"github.com/ryandielhenn/driftdoc/internal/telemetry"
	"github.com/ryandielhenn/driftdoc/pkg/document"
	"github.com/ryandielhenn/driftdoc/pkg/node"
	"github.com/ryandielhenn/driftdoc/pkg/ring"
)

// set via -ldflags "-X main.version=... -X main.gitSHA=..."
var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	logger := zap.Must(zap.NewProduction())
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()

	cfg, err := config.Load(os.Getenv)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	telemetry.SetBuildInfo(version, gitSHA)

	// 1. etcd client for discovery
	log.Infof("[boot] creating etcd client, endpoints=%v", cfg.EtcdEndpoints)
	cli, err := discovery.NewClient(cfg.EtcdEndpoints)
	if err != nil {
		log.Fatalf("etcd client: %v", err)
	}
	defer cli.Close()

	// 2. Initialize this node with the ownership ring and task registry
	r := ring.New(128, ring.FNV32a)
	registry := discovery.NewTaskRegistry(cli)
	n := node.New(cfg.SelfID, cfg.ListenAddr, r, registry, document.Options{
		StrictUpdateChecking: cfg.StrictUpdateChecking,
		OwnerSelection:       cfg.OwnerSelection,
	}, log)

	// 3. Bootstrap peers into the ring
	peers, err := discovery.ListNodes(context.Background(), cli)
	if err != nil {
		log.Fatalf("list nodes: %v", err)
	}
	n.SetPeers(peers)

	// 4. Register this node
	log.Infof("[boot] registering %s at %s", cfg.SelfID, cfg.ListenAddr)
	leaseID, cancel, err := discovery.RegisterNode(cli, cfg.SelfID, cfg.ListenAddr, 10)
	if err != nil {
		log.Fatalf("register node: %v", err)
	}
	defer func() {
		cancel()
		_, _ = cli.Revoke(context.Background(), leaseID)
	}()

	// 5. Watch for peer changes; ownership rebalances on every snapshot
	discovery.WatchNodes(cli, n.SetPeers)

	// 6. Periodic maintenance
	n.StartMaintenance(cfg.MaintenanceInterval)
	defer n.Stop()

	// 7. HTTP surface
	log.Infof("driftdoc node %s listening on %s", cfg.SelfID, cfg.ListenAddr)
	if err := http.ListenAndServe(cfg.ListenAddr, n.Handler()); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
