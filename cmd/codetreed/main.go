// Command codetreed runs the RPC gateway (C6): it loads configuration
// from the environment, wires the tree index, parser, mutator,
// persistence pipeline, and integrity gate together, and serves the
// method table over a Unix domain socket until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oxhq/codetree/internal/backup"
	"github.com/oxhq/codetree/internal/config"
	"github.com/oxhq/codetree/internal/integrity"
	"github.com/oxhq/codetree/internal/logging"
	"github.com/oxhq/codetree/internal/mutator"
	"github.com/oxhq/codetree/internal/parser"
	"github.com/oxhq/codetree/internal/persist"
	"github.com/oxhq/codetree/internal/rpc"
	"github.com/oxhq/codetree/internal/store"
	"github.com/oxhq/codetree/internal/treeindex"
	"github.com/oxhq/codetree/internal/vcs"
)

var debug bool

func main() {
	root := &cobra.Command{
		Use:     "codetreed",
		Short:   "Structural code-tree RPC gateway",
		Version: "0.1.0",
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable verbose, text-formatted logging")

	root.AddCommand(serveCmd(), statusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the RPC gateway and block until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			cfg.Debug = cfg.Debug || debug
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the configured store is currently frozen",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			gate, _, err := buildGate(cfg)
			if err != nil {
				return err
			}
			frozen, marker := gate.Status()
			if !frozen {
				fmt.Println("ok: store is not frozen")
				return nil
			}
			fmt.Printf("frozen: %s (detected %s)\n", marker.Message, marker.DetectedAt)
			return nil
		},
	}
}

func runServe(cfg *config.Config) error {
	log := logging.New(cfg.Debug)

	gate, backupStore, err := buildGate(cfg)
	if err != nil {
		return err
	}

	facade, err := store.Connect(cfg.StoreDSN)
	if err != nil {
		return fmt.Errorf("codetreed: connect store: %w", err)
	}

	adapter := parser.New()
	registry := treeindex.NewRegistry()
	mut := mutator.New(adapter)

	atomicCfg := persist.DefaultAtomicConfig()
	atomicCfg.LockTimeout = time.Duration(cfg.LockTimeoutSeconds) * time.Second
	aw := persist.NewAtomicWriter(atomicCfg)
	tm := persist.NewTransactionManager(filepath.Join(cfg.BackupDir, "txlog"), aw)
	var committer *vcs.Committer
	if _, statErr := os.Stat(filepath.Join(cfg.ProjectRoot, ".git")); statErr == nil {
		committer = vcs.NewCommitter("codetreed", "codetreed@localhost")
	}
	pipeline := persist.NewPipeline(aw, tm, backupStore, facade, committer, adapter, log)

	gate.OnCorrupted = func() {
		log.Warn("codetreed: store frozen, worker manager signalled to stop")
	}

	deps := &rpc.Deps{
		Registry:    registry,
		Parser:      adapter,
		Mutator:     mut,
		Pipeline:    pipeline,
		Gate:        gate,
		ProjectRoot: cfg.ProjectRoot,
		MaxNodes:    cfg.MaxNodesPerTree,
	}

	router := rpc.NewRouter()
	rpc.RegisterHandlers(router, deps)

	gateway := rpc.NewGateway(cfg.SocketPath, router, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("codetreed: shutting down")
		cancel()
	}()

	log.WithField("socket", cfg.SocketPath).Info("codetreed: listening")
	return gateway.Serve(ctx)
}

func buildGate(cfg *config.Config) (*integrity.Gate, *backup.Store, error) {
	backupStore, err := backup.NewStore(cfg.BackupDir)
	if err != nil {
		return nil, nil, fmt.Errorf("codetreed: backup store: %w", err)
	}
	markerPath := cfg.StoreDSN + ".corrupt.json"
	gate := integrity.NewGate(cfg.StoreDSN, markerPath, backupStore, nil)
	return gate, backupStore, nil
}
