package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/hutch/pkg/arbiter"
	"github.com/cuemby/hutch/pkg/config"
	"github.com/cuemby/hutch/pkg/kv"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/session"
)

var (
	// Version information (set via ldflags during build)
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
	Use:   "hutch",
	Short: "Hutch - Fault-tolerant front-end for pet-server pools",
	Long: `Hutch supervises a pool of interactive theorem-prover workers
(pet-servers) and keeps client sessions resumable across worker crashes,
RAM blowups and forced restarts by replaying recorded call histories on
fresh processes.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Hutch version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	// Initialize logging before command execution
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(arbiterCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(archiveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var arbiterCmd = &cobra.Command{
	Use:   "arbiter",
	Short: "Run the pool supervisor",
	Long: `Run the arbiter: spawn the configured pet-server pool, supervise it
until SIGINT/SIGTERM, and shut everything down cleanly. Exactly one arbiter
must run per pool.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		client, err := kv.New(cfg.KVURL)
		if err != nil {
			return fmt.Errorf("failed to connect to KV store: %w", err)
		}
		defer client.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := client.Ping(ctx); err != nil {
			return fmt.Errorf("KV store unreachable at %s: %w", cfg.KVURL, err)
		}

		return arbiter.New(cfg, client).Run(ctx)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pool health",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		client, err := kv.New(cfg.KVURL)
		if err != nil {
			return fmt.Errorf("failed to connect to KV store: %w", err)
		}
		defer client.Close()

		ctx := cmd.Context()
		ready, err := client.Get(ctx, kv.ArbiterReadyKey())
		if err != nil {
			ready = "0"
		}
		fmt.Printf("Arbiter ready: %s\n", ready)

		for i := 0; i < cfg.NumPetServer; i++ {
			status, err := client.Get(ctx, kv.PetStatusKey(i))
			if err != nil {
				status = "UNKNOWN"
			}
			gen, err := client.GetInt(ctx, kv.GenerationKey(i))
			if err != nil {
				gen = -1
			}
			fmt.Printf("  worker %d: port=%d status=%s generation=%d\n", i, cfg.Port(i), status, gen)
		}
		return nil
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive <session-id>",
	Short: "Archive a session's history",
	Long: `Append a session record and its history trees to the archived_sessions
list. The live session is left untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		client, err := kv.New(cfg.KVURL)
		if err != nil {
			return fmt.Errorf("failed to connect to KV store: %w", err)
		}
		defer client.Close()

		mgr := session.NewManager(cfg, client)
		defer mgr.Close()

		if err := mgr.ArchiveSession(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("failed to archive session: %w", err)
		}
		fmt.Printf("Session %s archived\n", args[0])
		return nil
	},
}
