package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/driftsec/dshield-mcp/internal/config"
	"github.com/driftsec/dshield-mcp/internal/logging"
	"github.com/driftsec/dshield-mcp/internal/secrets"
	"github.com/driftsec/dshield-mcp/internal/server"
)

// Version information (set at build time with -ldflags).
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Exit codes are wire contract: 0 clean shutdown, 1 configuration error,
// 2 unrecoverable startup failure.
const (
	exitConfigError  = 1
	exitStartupError = 2
)

var flags config.Overrides

var rootCmd = &cobra.Command{
	Use:     "dshield-mcp",
	Short:   "JSON-RPC tool server for DShield SIEM analysis",
	Long:    "dshield-mcp serves JSON-RPC 2.0 tools over stdio or TCP: Elasticsearch honeypot queries, campaign correlation, threat-intel enrichment, and streaming of large result sets.",
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("dshield-mcp %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var keygenName string
var keygenAdmin bool
var keygenExpireDays int

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an api key and a config block holding its hash",
	Long:  "Generates a fresh api key, prints it once, and emits the hashed record to paste under auth.keys in the config file. The plaintext is never stored.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runKeygen()
	},
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Load and validate configuration, print the effective tree",
	Run: func(cmd *cobra.Command, args []string) {
		runCheckConfig()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&flags.EnvFile, "env-file", "", "path to a .env file loaded before config resolution")
	rootCmd.Flags().StringVar(&flags.Transport, "transport", "", "transport mode: stdio or tcp")
	rootCmd.Flags().StringVar(&flags.TCPBind, "tcp-bind", "", "TCP bind address")
	rootCmd.Flags().IntVar(&flags.TCPPort, "tcp-port", 0, "TCP port")
	rootCmd.Flags().StringVar(&flags.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.Flags().StringVar(&flags.LogFormat, "log-format", "", "log format: auto, console, json")
	rootCmd.Flags().StringVar(&flags.OutputDir, "output-dir", "", "directory for generated reports")

	keygenCmd.Flags().StringVar(&keygenName, "name", "analyst", "key holder name")
	keygenCmd.Flags().BoolVar(&keygenAdmin, "admin", false, "grant the admin permission")
	keygenCmd.Flags().IntVar(&keygenExpireDays, "expires-days", 0, "days until expiry (0 = key never expires)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(checkConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitConfigError)
	}
}

func runServe() {
	// Baseline logger for startup messages; reinitialized from config below.
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "dshield-mcp"})

	loader := config.NewLoader(flags)
	cfg, err := loader.Load()
	if err != nil {
		log.Error().Err(err).Msg("Configuration invalid")
		os.Exit(exitConfigError)
	}

	logger := logging.Init(cfg.Logging)
	defer logging.Shutdown()

	// Resolve vault:// references before anything touches a backend.
	resolveCtx, cancelResolve := context.WithTimeout(context.Background(), time.Minute)
	resolver := secrets.NewResolver(cfg.Secrets)
	if err := resolver.ResolveTree(resolveCtx, cfg); err != nil {
		cancelResolve()
		log.Error().Err(err).Msg("Secret resolution failed")
		os.Exit(exitStartupError)
	}
	cancelResolve()

	srv, err := server.New(cfg, Version, logger)
	if err != nil {
		log.Error().Err(err).Msg("Server assembly failed")
		os.Exit(exitStartupError)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Hot reload: file change or SIGHUP re-runs the load pipeline and
	// applies the runtime-updatable subset. Invalid reloads are discarded
	// inside the watcher.
	if path := loader.LoadedFrom(); path != "" {
		watcher, werr := config.NewWatcher(path, flags, func(next *config.Config) {
			srv.ApplyReload(next)
		})
		if werr != nil {
			log.Warn().Err(werr).Msg("Config watcher unavailable, hot reload disabled")
		} else {
			watcher.Start()
			defer watcher.Stop()

			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			go func() {
				for range hup {
					log.Info().Msg("SIGHUP received, reloading configuration")
					watcher.ReloadNow()
				}
			}()
		}
	}

	if err := srv.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Server startup failed")
		os.Exit(exitStartupError)
	}
}

func runKeygen() error {
	rawKey, err := config.GenerateKey()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	perms := config.PermissionSet{ReadTools: true, Admin: keygenAdmin}
	var expiresAt *time.Time
	if keygenExpireDays > 0 {
		t := time.Now().UTC().AddDate(0, 0, keygenExpireDays)
		expiresAt = &t
	}

	record, err := config.NewAPIKeyRecord(rawKey, keygenName, perms, 0, expiresAt)
	if err != nil {
		return fmt.Errorf("hash key: %w", err)
	}

	block, err := yamlKeyBlock(record)
	if err != nil {
		return err
	}

	fmt.Printf("API key (store it now; it is not recoverable):\n\n  %s\n\n", rawKey)
	fmt.Printf("Add under auth.keys in the config file:\n\n%s", block)
	return nil
}

// yamlKeyBlock renders one auth.keys entry. Hand-assembled rather than
// marshaled so the output is paste-ready with stable field order.
func yamlKeyBlock(r *config.APIKeyRecord) (string, error) {
	out := fmt.Sprintf("  - id: %s\n    name: %s\n    hash: %q\n    prefix: %s\n", r.ID, r.Name, r.Hash, r.Prefix)
	if r.ExpiresAt != nil {
		out += fmt.Sprintf("    expires_at: %s\n", r.ExpiresAt.Format(time.RFC3339))
	}
	out += fmt.Sprintf("    permissions:\n      read_tools: %t\n      admin: %t\n", r.Permissions.ReadTools, r.Permissions.Admin)
	return out, nil
}

func runCheckConfig() {
	logging.Init(logging.Config{Format: "auto", Level: "warn", Component: "dshield-mcp"})

	loader := config.NewLoader(flags)
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		os.Exit(exitConfigError)
	}

	if from := loader.LoadedFrom(); from != "" {
		fmt.Fprintf(os.Stderr, "loaded from %s\n", from)
	} else {
		fmt.Fprintln(os.Stderr, "no config file found, showing defaults with environment applied")
	}

	rendered, err := json.MarshalIndent(cfg.Redacted(), "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "render failed: %v\n", err)
		os.Exit(exitConfigError)
	}
	fmt.Println(string(rendered))
}
