package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aspectrr/fluid.sh/unraid-inventory/internal/cache"
	"github.com/aspectrr/fluid.sh/unraid-inventory/internal/config"
	"github.com/aspectrr/fluid.sh/unraid-inventory/internal/hostexec"
	"github.com/aspectrr/fluid.sh/unraid-inventory/internal/inventory"
	"github.com/aspectrr/fluid.sh/unraid-inventory/internal/sshconfig"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	cfgFile       string
	sshConfigFile string
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err.Error())
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "unraid-inventory",
	Short: "Ansible dynamic inventory for VMs on an Unraid host",
	Long: "unraid-inventory connects to an Unraid server over SSH, lists the running VMs whose names match " +
		"vm_name_pattern and resolves each VM's IPv4 address through the QEMU guest agent.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if v, _ := cmd.Flags().GetBool("version"); v {
			short := commit
			if len(short) > 7 {
				short = short[:7]
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unraid-inventory %s (%s, %s)\n", version, short, date)
			return nil
		}

		host, _ := cmd.Flags().GetString("host")
		format, _ := cmd.Flags().GetString("format")
		refresh, _ := cmd.Flags().GetBool("refresh-cache")

		cfg, err := loadConfig(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		runID := uuid.NewString()
		logger := setupLogger(cmd.ErrOrStderr(), cfg.Logging, runID)

		return runInventory(cmd.Context(), cmd.OutOrStdout(), cfg, logger, inventoryRequest{
			Host:         host,
			Format:       format,
			RefreshCache: refresh,
			RunID:        runID,
			Connect:      connectFor(cfg),
		})
	},
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that the Unraid host can produce an inventory",
	Long: "Validate that virsh is installed, libvirt is answering, the domain list parses and every " +
		"selected running VM has a guest agent reporting an IPv4 address.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		logger := setupLogger(cmd.ErrOrStderr(), cfg.Logging, uuid.NewString())

		out := cmd.OutOrStdout()
		useColor := os.Getenv("NO_COLOR") == ""
		_, _ = fmt.Fprintln(out)
		_, _ = fmt.Fprintf(out, "  Checking %s...\n", cfg.Host)
		_, _ = fmt.Fprintln(out)

		allPassed, err := runDoctor(cmd.Context(), out, cfg, logger, useColor, connectFor(cfg))
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(out)
		if !allPassed {
			os.Exit(1)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $XDG_CONFIG_HOME/unraid-inventory/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&sshConfigFile, "ssh-config", "", "ssh client config used to resolve host aliases (default ~/.ssh/config)")
	rootCmd.Flags().BoolP("version", "v", false, "print version")
	rootCmd.Flags().Bool("list", false, "print the whole inventory (default action)")
	rootCmd.Flags().String("host", "", "print the variables of one inventory host")
	rootCmd.Flags().String("format", "json", "output format for --list: json or yaml")
	rootCmd.Flags().Bool("refresh-cache", false, "ignore any cached inventory and query the host")
	rootCmd.MarkFlagsMutuallyExclusive("list", "host")
	rootCmd.AddCommand(doctorCmd)
}

// loadConfig reads the config file, applies environment overrides and SSH
// host aliases, and validates the result. Permission warnings go to stderr.
func loadConfig(stderr io.Writer) (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = config.DefaultConfigPath()
	}

	cfg, warnings, err := config.LoadWithEnvOverride(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	for _, w := range warnings {
		_, _ = fmt.Fprintf(stderr, "Warning: %s\n", w)
	}

	sshPath := sshConfigFile
	if sshPath == "" {
		sshPath = sshconfig.DefaultPath()
	}
	if err := cfg.ResolveHostAlias(sshPath); err != nil {
		return nil, fmt.Errorf("resolve host alias: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupLogger builds the stderr logger. stdout is reserved for the inventory.
func setupLogger(w io.Writer, cfg config.LoggingConfig, runID string) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler).With("run_id", runID)
}

func targetFor(cfg *config.Config) hostexec.Target {
	return hostexec.Target{
		Host:                  cfg.Host,
		Port:                  cfg.Port,
		User:                  cfg.User,
		Password:              cfg.Password,
		IdentityFile:          cfg.IdentityFile,
		KnownHostsFile:        cfg.KnownHostsFile,
		StrictHostKeyChecking: cfg.StrictHostKeyChecking,
		InsecureIgnoreHostKey: cfg.InsecureIgnoreHostKey,
		ConnectTimeout:        cfg.ConnectTimeout,
	}
}

func connectFor(cfg *config.Config) inventory.ConnectFunc {
	if cfg.IsLocal() {
		return inventory.LocalConnect
	}
	return inventory.SSHConnect
}

func cacheKey(cfg *config.Config) cache.Key {
	return cache.Key{
		Host:             cfg.Host,
		Port:             cfg.Port,
		NamePattern:      cfg.VMNamePattern,
		InterfacePattern: cfg.VMInterfacePattern,
		Source:           cfg.AddressSource,
		User:             cfg.AnsibleUser,
	}
}
