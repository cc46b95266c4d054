package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"artisync/internal/app"
	"artisync/internal/artisync"
	"artisync/internal/config"
	"artisync/internal/diff"
	synerr "artisync/internal/errors"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// withApp reads the config, creates an ArtisyncApp, runs fn and closes the
// app. A failing fn marks the operation as failed before Close records it.
func withApp(cmd *cobra.Command, operation string, args []string, fn func(ctx context.Context, a *app.ArtisyncApp) error) error {
	defaults, err := app.GetDefaults()
	if err != nil {
		return fmt.Errorf("getting defaults: %w", err)
	}
	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	ctx := cmd.Context()
	a, err := app.NewArtisyncApp(ctx, cfg, operation, strings.Join(args, " "))
	if err != nil {
		return fmt.Errorf("initializing app: %w", err)
	}

	runErr := fn(ctx, a)
	if runErr != nil {
		a.Fail()
	}
	if err := a.Close(); err != nil && runErr == nil {
		return err
	}
	return runErr
}

var rootCmd = &cobra.Command{
	Use:           "artisync",
	Short:         "Keep artifact collections, projects and sources in sync",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		collectionID := uuid.New().String()
		cfg := config.NewConfig(collectionID, defaults["base_dir"])
		if enc, _ := cmd.Flags().GetString("encryption"); enc != "" {
			cfg.Encryption.Type = enc
		}

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		created, err := app.SetupEncryption(cfg.Encryption, app.ReadNewPassphrase)
		if err != nil {
			return fmt.Errorf("setting up encryption: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Collection ID: %s\n", collectionID)
		fmt.Printf("Base Dir:      %s\n", defaults["base_dir"])
		if created {
			fmt.Printf("Keys written:  %s\n", cfg.Encryption.PublicKeyPath)
		}
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Collection ID: %s\n", cfg.CollectionID)
		fmt.Printf("Collection:    %s\n", cfg.Collection.Root)
		fmt.Printf("Base Dir:      %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:       %s\n", cfg.LogDir)
		fmt.Printf("Encryption:    %s\n", cfg.Encryption.Type)
		fmt.Printf("Compression:   %s\n", cfg.Compression.Type)
		for _, v := range cfg.Vaults {
			fmt.Printf("Vault:         %s (%s)\n", v.Name, v.Type)
		}
		for _, p := range cfg.Projects {
			fmt.Printf("Project:       %s  %s\n", p.Name, p.Root)
		}
		for _, s := range cfg.Sources {
			fmt.Printf("Source:        %s  %s\n", s.Name, s.Root)
		}
		return nil
	},
}

// snapshot commands
var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Create and inspect collection snapshots",
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Snapshot the collection",
	RunE: func(cmd *cobra.Command, args []string) error {
		message, _ := cmd.Flags().GetString("message")
		return withApp(cmd, "CreateSnapshot", []string{message}, func(ctx context.Context, a *app.ArtisyncApp) error {
			snap, err := a.CreateSnapshot(ctx, message)
			if err != nil {
				return err
			}
			fmt.Printf("Snapshot %s: %d artifact(s), %d file(s)\n", snap.ID[:12], snap.ArtifactCount, snap.FileCount)
			return nil
		})
	},
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withApp(cmd, "ListSnapshots", nil, func(ctx context.Context, a *app.ArtisyncApp) error {
			snaps, err := a.ListSnapshots(limit)
			if err != nil {
				return err
			}
			if len(snaps) == 0 {
				fmt.Println("No snapshots.")
				return nil
			}
			for _, s := range snaps {
				fmt.Printf("%s  %-6s  %s  %3d artifact(s)  %s\n",
					s.ID[:12], s.Kind, humanize.Time(s.CreatedAt), s.ArtifactCount, s.Message)
			}
			return nil
		})
	},
}

var snapshotShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show a snapshot's manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		verify, _ := cmd.Flags().GetBool("verify")
		return withApp(cmd, "ShowSnapshot", args, func(ctx context.Context, a *app.ArtisyncApp) error {
			snap, manifest, err := a.ShowSnapshot(args[0], verify)
			if err != nil {
				return err
			}
			fmt.Printf("Snapshot %s (%s)\n", snap.ID, snap.Kind)
			fmt.Printf("Created: %s\n", snap.CreatedAt.Format(time.RFC3339))
			if snap.ParentID != "" {
				fmt.Printf("Parent:  %s\n", snap.ParentID[:12])
			}
			fmt.Printf("Message: %s\n\n", snap.Message)
			for _, art := range manifest.Artifacts {
				var size int64
				for _, f := range art.Files {
					size += f.Size
				}
				fmt.Printf("%s/%s  %d file(s)  %s\n", art.Type, art.Name, len(art.Files), humanize.IBytes(uint64(size)))
			}
			if verify {
				fmt.Println("\nAll blobs verified.")
			}
			return nil
		})
	},
}

// rollback command
var rollbackCmd = &cobra.Command{
	Use:   "rollback ID",
	Short: "Restore the collection to a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		discard, _ := cmd.Flags().GetBool("discard-local")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		specs, _ := cmd.Flags().GetStringArray("resolve")
		resolutions, err := app.ParseResolutions(specs)
		if err != nil {
			return err
		}

		if dryRun {
			return withApp(cmd, "AnalyzeRollback", args, func(ctx context.Context, a *app.ArtisyncApp) error {
				analysis, err := a.AnalyzeRollback(ctx, args[0])
				if err != nil {
					return err
				}
				printAnalysis(analysis)
				return nil
			})
		}

		return withApp(cmd, "Rollback", args, func(ctx context.Context, a *app.ArtisyncApp) error {
			res, err := a.Rollback(ctx, args[0], artisync.RollbackOptions{
				Force:        force,
				DiscardLocal: discard,
				Resolutions:  resolutions,
			})
			if synerr.Is(err, synerr.ErrRollbackAborted) {
				if sErr, ok := synerr.As(err); ok {
					if analysis, ok := sErr.Details["analysis"].(*artisync.RollbackAnalysis); ok {
						printAnalysis(analysis)
					}
				}
				fmt.Println("\nResolve with --resolve TYPE/NAME/PATH=local|remote|base, or pass --force.")
				return err
			}
			if err != nil {
				return err
			}
			fmt.Printf("Rolled back to %s: %d restored, %d merged\n", res.SnapshotID[:12], res.FilesRestored, res.FilesMerged)
			fmt.Printf("Safety snapshot: %s\n", res.SafetySnapshotID[:12])
			for _, c := range res.Conflicts {
				fmt.Printf("  review %s\n", c.Key())
			}
			return nil
		})
	},
}

func printAnalysis(a *artisync.RollbackAnalysis) {
	fmt.Printf("Rollback to %s: %d file(s) safe to restore\n", a.SnapshotID[:12], a.SafeToRestore())
	for _, c := range a.Conflicts() {
		fmt.Printf("  conflict %s\n", c.Key())
	}
}

// diff command
var diffCmd = &cobra.Command{
	Use:   "diff TYPE/NAME",
	Short: "Diff the collection copy against a project or source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		source, _ := cmd.Flags().GetString("source")
		contextLines, _ := cmd.Flags().GetInt("context")
		if (project == "") == (source == "") {
			return fmt.Errorf("exactly one of --project or --source is required")
		}
		return withApp(cmd, "Diff", args, func(ctx context.Context, a *app.ArtisyncApp) error {
			var res *diff.Result
			var err error
			if project != "" {
				res, err = a.DiffProject(ctx, args[0], project, contextLines)
			} else {
				res, err = a.CompareSource(ctx, args[0], source, contextLines)
			}
			if err != nil {
				return err
			}
			printDiff(res)
			return nil
		})
	},
}

func printDiff(res *diff.Result) {
	if !res.HasChanges() {
		fmt.Println("No differences.")
		return
	}
	for _, f := range res.Changed() {
		switch {
		case f.UnifiedDiff != "":
			fmt.Print(f.UnifiedDiff)
		case f.Binary:
			fmt.Printf("Binary file %s %s\n", f.Path, f.Status)
		default:
			fmt.Printf("%-8s %s\n", f.Status, f.Path)
		}
	}
	s := res.Summary
	fmt.Printf("\n%d added, %d modified, %d deleted, %d unchanged\n", s.Added, s.Modified, s.Deleted, s.Unchanged)
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show drift of artifacts deployed to a project",
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		return withApp(cmd, "Status", []string{project}, func(ctx context.Context, a *app.ArtisyncApp) error {
			drift, err := a.Status(ctx, project)
			if err != nil {
				return err
			}
			if len(drift) == 0 {
				fmt.Println("Nothing deployed.")
				return nil
			}
			printDrift(drift)
			return nil
		})
	},
}

func printDrift(drift []artisync.ArtifactDrift) {
	for _, d := range drift {
		fmt.Printf("%-18s %s\n", d.State, d.Ref)
		for _, f := range d.Files {
			fmt.Printf("    %-15s %s\n", f.State, f.Path)
		}
	}
}

// deploy command
var deployCmd = &cobra.Command{
	Use:   "deploy TYPE/NAME",
	Short: "Copy an artifact from the collection into a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		overwrite, _ := cmd.Flags().GetBool("overwrite")
		return withApp(cmd, "Deploy", append(args, project), func(ctx context.Context, a *app.ArtisyncApp) error {
			dep, err := a.Deploy(ctx, args[0], project, overwrite)
			if err != nil {
				return err
			}
			fmt.Printf("Deployed %s to %s (deployment %s)\n", args[0], project, dep.ID)
			return nil
		})
	},
}

// pull and push commands
var pullCmd = &cobra.Command{
	Use:   "pull TYPE/NAME",
	Short: "Bring collection changes into a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(cmd, args, "Pull")
	},
}

var pushCmd = &cobra.Command{
	Use:   "push TYPE/NAME",
	Short: "Send project edits back to the collection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(cmd, args, "Push")
	},
}

func runSync(cmd *cobra.Command, args []string, operation string) error {
	project, _ := cmd.Flags().GetString("project")
	specs, _ := cmd.Flags().GetStringArray("resolve")
	resolutions, err := app.ParseResolutions(specs)
	if err != nil {
		return err
	}
	return withApp(cmd, operation, append(args, project), func(ctx context.Context, a *app.ArtisyncApp) error {
		sync := a.Pull
		if operation == "Push" {
			sync = a.Push
		}
		res, err := sync(ctx, args[0], project, resolutions)
		if synerr.Is(err, synerr.ErrConflictUnresolved) {
			fmt.Println("Conflicting files need --resolve PATH=local|remote|base|file:PATH")
			return err
		}
		if err != nil {
			return err
		}
		if len(res.Applied) == 0 && len(res.Resolved) == 0 {
			fmt.Println("Already up to date.")
		}
		for _, p := range res.Applied {
			fmt.Printf("  applied  %s\n", p)
		}
		for _, c := range res.Resolved {
			fmt.Printf("  resolved %s (%s)\n", c.Path, c.Resolution.Strategy)
		}
		for _, p := range res.Retained {
			fmt.Printf("  kept     %s\n", p)
		}
		return nil
	})
}

// discover and review commands
var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Classify a source's artifacts against the collection",
	RunE: func(cmd *cobra.Command, args []string) error {
		source, _ := cmd.Flags().GetString("source")
		all, _ := cmd.Flags().GetBool("all")
		return withApp(cmd, "Discover", []string{source}, func(ctx context.Context, a *app.ArtisyncApp) error {
			batch, err := a.Discover(ctx, source, all)
			if err != nil {
				return err
			}
			exact, nameType, none := batch.Counts()
			fmt.Printf("Batch %s: %d exact, %d name_type, %d new\n", batch.ID, exact, nameType, none)
			for _, it := range batch.Items {
				if it.Hidden && !all {
					continue
				}
				target := it.Match.CollectionID
				if target == "" {
					target = "-"
				}
				fmt.Printf("  %-9s %-7s %-30s %s\n", it.Match.Type, it.Suggested, it.Ref, target)
				if it.Collision != nil {
					fmt.Printf("    warning: %v\n", it.Collision)
				}
			}
			return nil
		})
	},
}

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Apply duplicate-review decisions",
}

var reviewApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Link, import or skip discovered artifacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		source, _ := cmd.Flags().GetString("source")
		batchID, _ := cmd.Flags().GetString("batch")
		links, _ := cmd.Flags().GetStringArray("link")
		imports, _ := cmd.Flags().GetStringArray("import")
		skips, _ := cmd.Flags().GetStringArray("skip")
		decisions, err := app.ParseDecisions(links, imports, skips)
		if err != nil {
			return err
		}
		if len(decisions) == 0 {
			return fmt.Errorf("no decisions given: use --link, --import or --skip")
		}
		return withApp(cmd, "ApplyReview", []string{source, batchID}, func(ctx context.Context, a *app.ArtisyncApp) error {
			res, err := a.ApplyReview(ctx, source, batchID, decisions)
			if err != nil {
				return err
			}
			fmt.Printf("%d linked, %d imported, %d skipped\n", res.Linked, res.Imported, res.Skipped)
			for _, e := range res.Errors {
				fmt.Printf("  failed %s %s: %s\n", e.Action, e.Ref, e.Message)
			}
			return res.Err()
		})
	},
}

// fingerprint command
var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint TYPE/NAME",
	Short: "Fingerprint a collection artifact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "Fingerprint", args, func(ctx context.Context, a *app.ArtisyncApp) error {
			fp, err := a.Fingerprint(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("content:   %s\n", fp.ContentHash)
			fmt.Printf("structure: %s\n", fp.StructureHash)
			fmt.Printf("metadata:  %s\n", fp.MetadataHash)
			fmt.Printf("files:     %d (%s)\n", fp.FileCount, humanize.IBytes(uint64(fp.TotalSize)))
			if fp.Metadata.Title != "" {
				fmt.Printf("title:     %s\n", fp.Metadata.Title)
			}
			if len(fp.Metadata.Tags) > 0 {
				fmt.Printf("tags:      %s\n", strings.Join(fp.Metadata.Tags, ", "))
			}
			return nil
		})
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View sync operation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withApp(cmd, "GetHistory", nil, func(ctx context.Context, a *app.ArtisyncApp) error {
			ops, err := a.GetHistory(limit)
			if err != nil {
				return err
			}
			if len(ops) == 0 {
				fmt.Println("No sync operations recorded.")
				return nil
			}
			for _, op := range ops {
				duration := ""
				if op.FinishedAt.Valid {
					d := op.FinishedAt.Time.Sub(op.StartedAt)
					duration = d.Truncate(time.Millisecond).String()
				}
				fmt.Printf("#%d  %-15s  %s  %-8s  %-8s  %s\n",
					op.ID,
					op.Operation,
					op.StartedAt.Format("2006-01-02 15:04:05"),
					op.Status,
					duration,
					op.Parameters,
				)
			}
			return nil
		})
	},
}

// watch command
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Report drift as project files change",
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		cmd.SetContext(ctx)

		return withApp(cmd, "Watch", []string{project}, func(ctx context.Context, a *app.ArtisyncApp) error {
			fmt.Printf("Watching %s (Ctrl-C to stop)\n", project)
			return a.Watch(ctx, project, func(drift []artisync.ArtifactDrift, err error) {
				if err != nil {
					fmt.Fprintf(os.Stderr, "status: %v\n", err)
					return
				}
				fmt.Printf("-- %s\n", time.Now().Format("15:04:05"))
				printDrift(drift)
			})
		})
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configInitCmd.Flags().String("encryption", "", "Encryption type: none, age")

	// snapshot subcommands
	snapshotCmd.AddCommand(snapshotCreateCmd)
	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotShowCmd)
	snapshotCreateCmd.Flags().StringP("message", "m", "", "Snapshot message")
	snapshotListCmd.Flags().IntP("limit", "n", 20, "Maximum number of snapshots to show")
	snapshotShowCmd.Flags().Bool("verify", false, "Check every blob referenced by the manifest")

	rollbackCmd.Flags().Bool("force", false, "Proceed even when locally edited files have no resolution")
	rollbackCmd.Flags().Bool("discard-local", false, "Give unresolved conflicts the snapshot version")
	rollbackCmd.Flags().Bool("dry-run", false, "Only report what the rollback would do")
	rollbackCmd.Flags().StringArray("resolve", nil, "TYPE/NAME/PATH=local|remote|base|file:PATH")

	diffCmd.Flags().String("project", "", "Project to compare against")
	diffCmd.Flags().String("source", "", "Source to compare against")
	diffCmd.Flags().IntP("context", "U", 3, "Lines of unified diff context")

	for _, c := range []*cobra.Command{statusCmd, deployCmd, pullCmd, pushCmd, watchCmd} {
		c.Flags().StringP("project", "p", "", "Project name")
		c.MarkFlagRequired("project")
	}
	deployCmd.Flags().Bool("overwrite", false, "Replace a project copy that has local edits")
	pullCmd.Flags().StringArray("resolve", nil, "PATH=local|remote|base|file:PATH")
	pushCmd.Flags().StringArray("resolve", nil, "PATH=local|remote|base|file:PATH")

	for _, c := range []*cobra.Command{discoverCmd, reviewApplyCmd} {
		c.Flags().StringP("source", "s", "", "Source name")
		c.MarkFlagRequired("source")
	}
	discoverCmd.Flags().Bool("all", false, "Include exact matches and reviewed candidates")
	reviewCmd.AddCommand(reviewApplyCmd)
	reviewApplyCmd.Flags().String("batch", "", "Discovery batch ID the decisions belong to")
	reviewApplyCmd.Flags().StringArray("link", nil, "TYPE/NAME[=TYPE/NAME] to link to a collection artifact")
	reviewApplyCmd.Flags().StringArray("import", nil, "TYPE/NAME to import")
	reviewApplyCmd.Flags().StringArray("skip", nil, "TYPE/NAME to skip")

	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(fingerprintCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(watchCmd)
}
