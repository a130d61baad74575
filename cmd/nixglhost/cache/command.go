// Package cache implements the `nixglhost cache` subcommands.
package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"

	cmdcommon "github.com/numtide/nixglhost/cmd/nixglhost/common"
	cachestate "github.com/numtide/nixglhost/pkg/cache-state"
	"github.com/numtide/nixglhost/pkg/config"
	"github.com/numtide/nixglhost/pkg/wrap"
)

func openStore(ctx context.Context, cliContext *cli.Context) (*cachestate.Store, config.Config, error) {
	var cfgOpts []config.OpOption
	if dir := cliContext.String("cache-dir"); dir != "" {
		cfgOpts = append(cfgOpts, config.WithCacheRoot(dir))
	}
	cfg, err := config.Default(cfgOpts...)
	if err != nil {
		return nil, config.Config{}, err
	}
	if err := os.MkdirAll(cfg.CacheRoot, 0o755); err != nil {
		return nil, config.Config{}, err
	}
	store, err := cachestate.Open(ctx, filepath.Join(cfg.CacheRoot, wrap.LedgerFile))
	if err != nil {
		return nil, config.Config{}, err
	}
	return store, cfg, nil
}

func CommandLs(cliContext *cli.Context) error {
	ctx := context.Background()
	store, _, err := openStore(ctx, cliContext)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.List(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("no cached driver sets")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Fingerprint", "Size", "Last Used", "Status"})
	for _, e := range entries {
		status := "ok"
		if _, err := os.Stat(e.Dir); os.IsNotExist(err) {
			status = "missing"
		}
		table.Append([]string{
			shortFingerprint(e.Fingerprint),
			humanize.Bytes(uint64(e.SizeBytes)),
			humanize.Time(e.LastUsedAt),
			status,
		})
	}
	table.Render()
	return nil
}

func CommandPurge(cliContext *cli.Context) error {
	ctx := context.Background()
	store, cfg, err := openStore(ctx, cliContext)
	if err != nil {
		return err
	}
	defer store.Close()

	olderThan := cliContext.Duration("older-than")
	cutoff := time.Now().Add(-olderThan)

	entries, err := store.List(ctx)
	if err != nil {
		return err
	}

	purged := 0
	for _, e := range entries {
		if olderThan > 0 && e.LastUsedAt.After(cutoff) {
			continue
		}
		// refuse to delete anything the ledger points at outside the root
		if !strings.HasPrefix(e.Dir, cfg.CacheRoot+string(filepath.Separator)) {
			fmt.Printf("%s skipping %s: outside cache root\n", cmdcommon.WarningSign, e.Dir)
			continue
		}
		if err := os.RemoveAll(e.Dir); err != nil {
			return fmt.Errorf("purge %s: %w", e.Dir, err)
		}
		if err := store.Delete(ctx, e.Fingerprint); err != nil {
			return err
		}
		purged++
	}

	if olderThan == 0 {
		// patched binary copies are keyed by fingerprints that are now gone
		if err := os.RemoveAll(filepath.Join(cfg.CacheRoot, "patched")); err != nil {
			return err
		}
	}

	fmt.Printf("%s purged %d cached driver set(s)\n", cmdcommon.CheckMark, purged)
	return nil
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
