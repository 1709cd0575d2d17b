package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"github.com/aspectrr/fluid.sh/unraid-inventory/internal/cache"
	"github.com/aspectrr/fluid.sh/unraid-inventory/internal/config"
	"github.com/aspectrr/fluid.sh/unraid-inventory/internal/doctor"
	"github.com/aspectrr/fluid.sh/unraid-inventory/internal/hostexec"
	"github.com/aspectrr/fluid.sh/unraid-inventory/internal/inventory"
	"github.com/aspectrr/fluid.sh/unraid-inventory/internal/virsh"
)

type inventoryRequest struct {
	// Host selects --host output for one inventory host; empty means --list.
	Host         string
	Format       string
	RefreshCache bool
	RunID        string
	Connect      inventory.ConnectFunc
}

func runInventory(ctx context.Context, w io.Writer, cfg *config.Config, logger *slog.Logger, req inventoryRequest) error {
	format := strings.ToLower(req.Format)
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "yaml" {
		return fmt.Errorf("unknown format %q (want json or yaml)", req.Format)
	}

	records, err := collect(ctx, cfg, logger, req)
	if err != nil {
		return err
	}

	inv := inventory.NewAnsible(records, cfg.Group, cfg.SanitizeHostNames)
	switch {
	case req.Host != "":
		return inv.WriteHostJSON(w, req.Host)
	case format == "yaml":
		return inv.WriteYAML(w)
	default:
		return inv.WriteJSON(w)
	}
}

func discoverOptions(cfg *config.Config, logger *slog.Logger, connect inventory.ConnectFunc) inventory.Options {
	return inventory.Options{
		Target:           targetFor(cfg),
		Connect:          connect,
		UseSudo:          cfg.UseSudo,
		CommandTimeout:   cfg.CommandTimeout,
		NamePattern:      cfg.VMNamePattern,
		InterfacePattern: cfg.VMInterfacePattern,
		Source:           virsh.Source(cfg.AddressSource),
		DefaultUser:      cfg.AnsibleUser,
		Concurrency:      cfg.Concurrency,
		Logger:           logger,
	}
}

// collect returns the inventory records, from the cache when it is enabled
// and holds a fresh entry. Cache trouble is logged and never fails the run.
func collect(ctx context.Context, cfg *config.Config, logger *slog.Logger, req inventoryRequest) ([]inventory.VMRecord, error) {
	opts := discoverOptions(cfg, logger, req.Connect)
	if !cfg.Cache.Enabled {
		return inventory.Discover(ctx, opts)
	}

	logger = logger.With("component", "cache")
	store, err := cache.NewStore(cfg.Cache.Path)
	if err != nil {
		logger.Warn("inventory cache unavailable", "path", cfg.Cache.Path, "error", err)
		return inventory.Discover(ctx, opts)
	}
	defer func() { _ = store.Close() }()

	key := cacheKey(cfg)
	if !req.RefreshCache {
		records, ok, err := store.Get(ctx, key, cfg.Cache.TTL)
		switch {
		case err != nil:
			logger.Warn("read inventory cache", "error", err)
		case ok:
			logger.Debug("using cached inventory", "vms", len(records))
			return records, nil
		}
	}

	records, err := inventory.Discover(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := store.Put(ctx, key, req.RunID, records); err != nil {
		logger.Warn("write inventory cache", "error", err)
	}
	if cfg.Cache.TTL > 0 {
		if n, err := store.Prune(ctx, cfg.Cache.TTL); err != nil {
			logger.Warn("prune inventory cache", "error", err)
		} else if n > 0 {
			logger.Debug("pruned expired inventories", "count", n)
		}
	}
	return records, nil
}

func runDoctor(ctx context.Context, w io.Writer, cfg *config.Config, logger *slog.Logger, color bool, connect inventory.ConnectFunc) (bool, error) {
	namePattern, err := inventory.CompilePattern(cfg.VMNamePattern)
	if err != nil {
		return false, err
	}
	var ifacePattern *regexp.Regexp
	if cfg.VMInterfacePattern != "" {
		if ifacePattern, err = regexp.Compile(cfg.VMInterfacePattern); err != nil {
			return false, &inventory.PatternError{Pattern: cfg.VMInterfacePattern, Err: err}
		}
	}

	target := targetFor(cfg)
	conn, err := connect(ctx, target, logger)
	if err != nil {
		return false, fmt.Errorf("connect to %s: %w", target.Addr(), err)
	}
	defer func() { _ = conn.Close() }()

	run := hostexec.RunFunc(conn.Run)
	if cfg.UseSudo {
		run = hostexec.WithSudo(run)
	}
	run = hostexec.WithTimeout(run, cfg.CommandTimeout)

	results := doctor.RunAll(ctx, run, doctor.Options{
		NamePattern:      namePattern,
		InterfacePattern: ifacePattern,
		Source:           virsh.Source(cfg.AddressSource),
		Logger:           logger,
	})
	return doctor.PrintResults(results, w, color), nil
}
