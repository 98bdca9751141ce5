package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"bv-go/internal/app"
	"bv-go/internal/bv"
	"bv-go/internal/config"
	"bv-go/internal/encryption"
	"bv-go/internal/retention"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file from the default location.
func loadConfig() (*config.Config, error) {
	paths, err := app.DefaultPaths()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}
	return config.Load(paths.ConfigPath)
}

// newApp creates a BVApp for cfg. The caller must defer app.Close().
// command identifies the CLI command being run. When decrypt is set the
// private key passphrase is read from BV_PASSPHRASE or the terminal.
func newApp(cmd *cobra.Command, cfg *config.Config, command string, decrypt bool) (*app.BVApp, error) {
	verbose, _ := cmd.Flags().GetBool("verbose")
	opts := app.Options{Verbose: verbose}
	if decrypt && encrypted(cfg) {
		p, err := passphrase(false)
		if err != nil {
			return nil, err
		}
		opts.Passphrase = p
	}

	a, err := app.NewBVApp(cmd.Context(), cfg, command, opts)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

func encrypted(cfg *config.Config) bool {
	return cfg.Encryption.Type != "none"
}

// passphrase reads the private key passphrase. confirm asks twice.
func passphrase(confirm bool) (string, error) {
	if p := os.Getenv("BV_PASSPHRASE"); p != "" {
		return p, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("passphrase required: set BV_PASSPHRASE or run from a terminal")
	}

	fmt.Fprint(os.Stderr, "Passphrase: ")
	p, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	if confirm {
		fmt.Fprint(os.Stderr, "Repeat passphrase: ")
		again, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading passphrase: %w", err)
		}
		if string(again) != string(p) {
			return "", fmt.Errorf("passphrases do not match")
		}
	}
	if len(p) == 0 {
		return "", fmt.Errorf("empty passphrase")
	}
	return string(p), nil
}

func printWarnings(warnings []string) {
	for _, w := range warnings {
		fmt.Printf("warning: %s\n", w)
	}
}

func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

var rootCmd = &cobra.Command{
	Use:          "bv",
	Short:        "Deduplicating versioned backup",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration and encryption keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := app.DefaultPaths()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		name, _ := cmd.Flags().GetString("name")
		cfg := config.NewConfig(name, paths.BaseDir)
		cfg.Backend.Type, _ = cmd.Flags().GetString("backend")
		cfg.Backend.FSRoot, _ = cmd.Flags().GetString("fs-root")
		cfg.Sources, _ = cmd.Flags().GetStringSlice("source")
		if noEnc, _ := cmd.Flags().GetBool("no-encryption"); noEnc {
			cfg.Encryption = config.EncryptionConfig{Type: "none"}
		}

		if err := config.Init(paths.ConfigPath, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		fmt.Printf("Configuration initialized at %s\n", paths.ConfigPath)

		enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
		if err != nil {
			return err
		}
		if enc != nil && !enc.IsConfigured() {
			p, err := passphrase(true)
			if err != nil {
				return err
			}
			if err := enc.Setup(p); err != nil {
				return fmt.Errorf("generating keys: %w", err)
			}
			fmt.Printf("Keys written to %s\n", cfg.Encryption.PublicKeyPath)
		}
		fmt.Printf("Name:     %s\n", cfg.Name)
		fmt.Printf("Base Dir: %s\n", cfg.BaseDir)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return config.Encode(os.Stdout, cfg)
	},
}

// backup command
var backupCmd = &cobra.Command{
	Use:   "backup [PATH...]",
	Short: "Back up the given paths or the configured sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		// Retention followed by compaction downloads volumes.
		hasRetention := cfg.Engine.KeepVersions > 0 || cfg.Engine.KeepTime != "" || cfg.Engine.RetentionPolicy != ""
		a, err := newApp(cmd, cfg, "backup", hasRetention && !cfg.Engine.NoAutoCompact)
		if err != nil {
			return err
		}
		defer a.Close()

		// The first interrupt stops enumeration and keeps a partial
		// backup. The second cancels the run.
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		stop := make(chan struct{})
		sig := make(chan os.Signal, 2)
		signal.Notify(sig, os.Interrupt)
		defer signal.Stop(sig)
		go func() {
			select {
			case <-sig:
			case <-ctx.Done():
				return
			}
			fmt.Fprintln(os.Stderr, "stopping after the current file, interrupt again to abort")
			close(stop)
			select {
			case <-sig:
				cancel()
			case <-ctx.Done():
			}
		}()

		res, err := a.Backup(ctx, args, stop)
		if err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}

		kind := "full"
		if res.Partial {
			kind = "partial"
		}
		fmt.Printf("Backup %s (%s): %d file(s), %d folder(s), %d unchanged\n",
			res.Timestamp.Local().Format("2006-01-02 15:04:05"), kind, res.Files, res.Folders, res.Unchanged)
		fmt.Printf("Added %s in %d new block(s), %d volume(s) uploaded\n",
			formatSize(res.AddedBytes), res.NewBlocks, len(res.Volumes))
		if res.Retention != nil && len(res.Retention.Deleted) > 0 {
			fmt.Printf("Retention deleted %d version(s)\n", len(res.Retention.Deleted))
		}
		printWarnings(res.Warnings)
		return nil
	},
}

// restore command
var restoreCmd = &cobra.Command{
	Use:   "restore [PATH...]",
	Short: "Restore files from a backup version",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cmd, cfg, "restore", true)
		if err != nil {
			return err
		}
		defer a.Close()

		version, _ := cmd.Flags().GetInt("version")
		target, _ := cmd.Flags().GetString("target")
		overwrite, _ := cmd.Flags().GetBool("overwrite")
		res, err := a.Restore(cmd.Context(), bv.RestoreRequest{
			Version:   version,
			Paths:     args,
			Target:    target,
			Overwrite: overwrite,
		})
		if err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}

		fmt.Printf("Restored %d file(s), %d folder(s), %d symlink(s), %s from %d volume(s)\n",
			res.Files, res.Folders, res.Symlinks, formatSize(res.RestoredBytes), res.Volumes)
		printWarnings(res.Warnings)
		if len(res.Failed) > 0 {
			for _, p := range res.Failed {
				fmt.Printf("failed: %s\n", p)
			}
			return fmt.Errorf("%d path(s) could not be restored", len(res.Failed))
		}
		return nil
	},
}

// list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List backup versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cmd, cfg, "list", false)
		if err != nil {
			return err
		}
		defer a.Close()

		sets, err := a.ListFilesets(cmd.Context())
		if err != nil {
			return err
		}
		if len(sets) == 0 {
			fmt.Println("No backup versions.")
			return nil
		}
		for _, s := range sets {
			kind := "full"
			if !s.IsFullBackup {
				kind = "partial"
			}
			fmt.Printf("%3d  %s  %-7s  %6d file(s)  %s\n",
				s.Version, s.Timestamp.Local().Format("2006-01-02 15:04:05"), kind, s.FileCount, formatSize(s.TotalSize))
		}
		return nil
	},
}

var filesCmd = &cobra.Command{
	Use:   "files [PREFIX]",
	Short: "List the entries of a backup version",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cmd, cfg, "files", false)
		if err != nil {
			return err
		}
		defer a.Close()

		version, _ := cmd.Flags().GetInt("version")
		prefix := ""
		if len(args) > 0 {
			prefix = args[0]
		}
		entries, err := a.ListFiles(cmd.Context(), version, prefix)
		if err != nil {
			return err
		}
		for _, e := range entries {
			switch {
			case e.IsFolder():
				fmt.Printf("d  %10s  %s\n", "-", e.Path)
			case e.IsSymlink():
				fmt.Printf("l  %10s  %s\n", "-", e.Path)
			default:
				fmt.Printf("f  %10s  %s\n", formatSize(e.Length), e.Path)
			}
		}
		return nil
	},
}

// delete command
var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete backup versions by number or retention",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("keep-versions") {
			cfg.Engine.KeepVersions, _ = cmd.Flags().GetInt("keep-versions")
		}
		if cmd.Flags().Changed("keep-time") {
			cfg.Engine.KeepTime, _ = cmd.Flags().GetString("keep-time")
		}
		if cmd.Flags().Changed("retention-policy") {
			cfg.Engine.RetentionPolicy, _ = cmd.Flags().GetString("retention-policy")
		}
		a, err := newApp(cmd, cfg, "delete", !cfg.Engine.NoAutoCompact)
		if err != nil {
			return err
		}
		defer a.Close()

		versions, _ := cmd.Flags().GetIntSlice("version")
		allowAll, _ := cmd.Flags().GetBool("allow-full-removal")
		res, err := a.Delete(cmd.Context(), bv.DeleteRequest{Versions: versions, AllowFullRemoval: allowAll})
		if err != nil {
			return fmt.Errorf("delete failed: %w", err)
		}

		if len(res.Deleted) == 0 {
			fmt.Println("No versions deleted.")
		}
		for _, s := range res.Deleted {
			fmt.Printf("deleted version %d (%s)\n", s.Version, s.Timestamp.Local().Format("2006-01-02 15:04:05"))
		}
		printWarnings(res.Warnings)
		if res.Compact != nil && res.Compact.Compacted {
			fmt.Printf("Compacted: %d volume(s) deleted, %d written\n", len(res.Compact.Deleted), len(res.Compact.NewVolumes))
		}
		return nil
	},
}

// compact command
var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Reclaim wasted space in remote storage",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cmd, cfg, "compact", true)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Compact(cmd.Context())
		if err != nil {
			return fmt.Errorf("compact failed: %w", err)
		}
		r := res.Report
		fmt.Printf("Active %s, wasted %s in %d volume(s)\n", formatSize(r.ActiveSize), formatSize(r.WastedSize), len(r.Volumes))
		if !res.Compacted {
			fmt.Println("Nothing to compact.")
		} else {
			fmt.Printf("Downloaded %d, moved %d block(s), wrote %d and deleted %d volume(s)\n",
				res.Downloaded, res.MovedBlocks, len(res.NewVolumes), len(res.Deleted))
		}
		printWarnings(res.Warnings)
		return nil
	},
}

// test command
var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Download and verify remote volumes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cmd, cfg, "test", true)
		if err != nil {
			return err
		}
		defer a.Close()

		samples, _ := cmd.Flags().GetInt("samples")
		if all, _ := cmd.Flags().GetBool("all"); all {
			samples = 0
		}
		res, err := a.Test(cmd.Context(), samples)
		if err != nil {
			return fmt.Errorf("test failed: %w", err)
		}
		fmt.Printf("Verified %d volume(s)\n", len(res.Verified))
		printWarnings(res.Warnings)
		for _, f := range res.Failures {
			fmt.Printf("FAILED %s: %v\n", f.Name, f.Err)
		}
		if len(res.Failures) > 0 {
			return fmt.Errorf("%d volume(s) failed verification", len(res.Failures))
		}
		return nil
	},
}

// repair command
var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Reconcile the local index with remote storage",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cmd, cfg, "repair", true)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Repair(cmd.Context())
		if err != nil {
			return fmt.Errorf("repair failed: %w", err)
		}
		if res.Recreated != nil {
			printRecreate(res.Recreated)
			return nil
		}
		fmt.Printf("Uploaded %d dlist(s), replaced %d dindex(es), indexed %d volume(s)\n",
			len(res.UploadedFilelists), len(res.ReplacedIndexes), len(res.IndexedVolumes))
		printWarnings(res.Warnings)
		return nil
	},
}

// recreate command
var recreateCmd = &cobra.Command{
	Use:   "recreate",
	Short: "Rebuild an empty local index from remote storage",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cmd, cfg, "recreate", true)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Recreate(cmd.Context())
		if res != nil {
			printRecreate(res)
		}
		if err != nil {
			return fmt.Errorf("recreate failed: %w", err)
		}
		return nil
	},
}

func printRecreate(res *bv.RecreateResult) {
	fmt.Printf("Recreated %d version(s), %d volume(s), %d block(s)\n", res.Filesets, res.Volumes, res.Blocks)
	if len(res.Scanned) > 0 {
		fmt.Printf("Scanned %d dblock(s) without a usable dindex\n", len(res.Scanned))
	}
	for _, name := range res.Rejected {
		fmt.Printf("rejected %s\n", name)
	}
	for _, f := range res.BrokenFiles {
		fmt.Printf("broken %s (%s)\n", f.Path, f.Timestamp.Local().Format("2006-01-02 15:04:05"))
	}
	printWarnings(res.Warnings)
}

// list-broken-files command
var listBrokenCmd = &cobra.Command{
	Use:   "list-broken-files",
	Short: "List entries that depend on missing volumes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cmd, cfg, "list-broken-files", false)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.ListBrokenFiles(cmd.Context())
		if err != nil {
			return err
		}
		if len(res.Files) == 0 {
			fmt.Println("No broken files.")
			return nil
		}
		for _, name := range res.Missing {
			fmt.Printf("missing %s\n", name)
		}
		for _, f := range res.Files {
			fmt.Printf("%s  %10s  %s\n", f.Timestamp.Local().Format("2006-01-02 15:04:05"), formatSize(f.Length), f.Path)
		}
		return nil
	},
}

// purge-broken-files command
var purgeBrokenCmd = &cobra.Command{
	Use:   "purge-broken-files",
	Short: "Remove entries that depend on missing volumes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cmd, cfg, "purge-broken-files", true)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.PurgeBrokenFiles(cmd.Context())
		if err != nil {
			return fmt.Errorf("purge failed: %w", err)
		}
		fmt.Printf("Purged %d entr(ies), rewrote %d dlist(s), dropped %d version(s)\n",
			len(res.Files), len(res.Rewritten), res.DroppedFilesets)
		printWarnings(res.Warnings)
		return nil
	},
}

// lock command
var lockCmd = &cobra.Command{
	Use:   "lock DURATION",
	Short: "Extend the object lock of every live volume",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := retention.ParseSpan(args[0])
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cmd, cfg, "lock", false)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.LockVolumes(cmd.Context(), d)
		if err != nil {
			return fmt.Errorf("lock failed: %w", err)
		}
		fmt.Printf("Locked %d volume(s) until %s\n", len(res.Locked), res.Until.Local().Format(time.RFC3339))
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View operation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cmd, cfg, "history", false)
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.History(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}
		for _, op := range ops {
			duration := ""
			if op.FinishedAt != nil {
				duration = op.FinishedAt.Sub(op.StartedAt).Truncate(time.Millisecond).String()
			}
			line := fmt.Sprintf("#%d  %-18s  %s  %-8s  %s",
				op.ID,
				op.Description,
				op.StartedAt.Local().Format("2006-01-02 15:04:05"),
				op.Status,
				duration,
			)
			if op.Error != "" {
				line += "  " + strings.SplitN(op.Error, "\n", 2)[0]
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "V", false, "Echo debug logging to stderr")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configInitCmd.Flags().String("name", app.DefaultName, "Backup name, used for the index file and volume prefix")
	configInitCmd.Flags().String("backend", "filesystem", "Remote storage type: filesystem, s3 or gcs")
	configInitCmd.Flags().String("fs-root", "", "Remote directory for the filesystem backend")
	configInitCmd.Flags().StringSlice("source", nil, "Path to back up (repeatable)")
	configInitCmd.Flags().Bool("no-encryption", false, "Upload volumes unencrypted")

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(backupCmd)

	rootCmd.AddCommand(restoreCmd)
	restoreCmd.Flags().Int("version", 0, "Backup version to restore, 0 is the newest")
	restoreCmd.Flags().StringP("target", "t", "", "Restore below this directory instead of the original location")
	restoreCmd.Flags().Bool("overwrite", false, "Replace existing files")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(filesCmd)
	filesCmd.Flags().Int("version", 0, "Backup version to list")

	rootCmd.AddCommand(deleteCmd)
	deleteCmd.Flags().IntSlice("version", nil, "Version to delete (repeatable)")
	deleteCmd.Flags().Int("keep-versions", 0, "Keep this many most recent versions")
	deleteCmd.Flags().String("keep-time", "", "Delete versions older than this span, e.g. 90D")
	deleteCmd.Flags().String("retention-policy", "", "Tiered retention, e.g. 1W:U,3M:1D,U:1M")
	deleteCmd.Flags().Bool("allow-full-removal", false, "Allow deleting every version")

	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(testCmd)
	testCmd.Flags().IntP("samples", "n", 1, "Volumes of each type to verify")
	testCmd.Flags().Bool("all", false, "Verify every volume")

	rootCmd.AddCommand(repairCmd)
	rootCmd.AddCommand(recreateCmd)
	rootCmd.AddCommand(listBrokenCmd)
	rootCmd.AddCommand(purgeBrokenCmd)
	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")
}
