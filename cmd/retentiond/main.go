package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/retentiond/internal/config"
	"git.home.luguber.info/inful/retentiond/internal/coordinator"
	"git.home.luguber.info/inful/retentiond/internal/daemon"
	"git.home.luguber.info/inful/retentiond/internal/lifecycle"
)

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"retentiond.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Daemon struct{} `cmd:"" help:"Run the lifecycle coordination daemon"`

	Init struct {
		Force bool `help:"Overwrite existing configuration file"`
	} `cmd:"" help:"Initialize a new configuration file"`

	Status struct {
		ID string `arg:"" optional:"" help:"Backup id (omit for a fleet summary)"`
	} `cmd:"" help:"Show one backup's record or a fleet summary"`

	List struct {
		State  string `short:"s" help:"Filter by lifecycle state"`
		Review bool   `help:"Only records flagged for manual review"`
	} `cmd:"" help:"List tracked backups"`

	Track struct {
		ID      string `arg:"" help:"Backup id"`
		Payload string `arg:"" optional:"" type:"path" help:"Payload file or directory"`
	} `cmd:"" help:"Register an existing backup for lifecycle tracking"`

	Confirm struct {
		ID string `arg:"" help:"Backup id"`
	} `cmd:"" help:"Mark a backup's work as confirmed"`

	Cleanup struct {
		ID string `arg:"" help:"Backup id"`
	} `cmd:"" help:"Mark a backup cleanable"`

	Archive struct {
		ID string `arg:"" help:"Backup id"`
	} `cmd:"" help:"Move a backup's payload to cold storage"`

	Restore struct {
		ID   string `arg:"" help:"Backup id"`
		Dest string `arg:"" optional:"" type:"path" help:"Restore destination (defaults to the configured restore dir)"`
	} `cmd:"" help:"Extract an archived backup and mark it confirmed"`

	Delete struct {
		ID    string `arg:"" help:"Backup id"`
		Force bool   `short:"f" help:"Skip confirmation prompts"`
	} `cmd:"" help:"Destroy a backup's payload and record"`
}

func main() {
	ctx := kong.Parse(&CLI)

	var err error
	switch ctx.Command() {
	case "daemon":
		err = runDaemon()
	case "init":
		err = config.Init(CLI.Config, CLI.Init.Force)
		if err == nil {
			fmt.Printf("Wrote example configuration to %s\n", CLI.Config)
		}
	case "status", "status <id>":
		err = runStatus(CLI.Status.ID)
	case "list":
		err = runList(CLI.List.State, CLI.List.Review)
	case "track <id>", "track <id> <payload>":
		err = runTrack(CLI.Track.ID, CLI.Track.Payload)
	case "confirm <id>":
		err = runUserTransition("confirm", CLI.Confirm.ID)
	case "cleanup <id>":
		err = runUserTransition("cleanup", CLI.Cleanup.ID)
	case "archive <id>":
		err = runUserTransition("archive", CLI.Archive.ID)
	case "restore <id>", "restore <id> <dest>":
		err = runRestore(CLI.Restore.ID, CLI.Restore.Dest)
	case "delete <id>":
		err = runDelete(CLI.Delete.ID, CLI.Delete.Force)
	default:
		err = fmt.Errorf("unknown command %q", ctx.Command())
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "retentiond: %v\n", err)
		os.Exit(1)
	}
}

func setupLogging(cfg *config.Config) {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if CLI.Verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// open loads the configuration and wires a daemon for one-shot use. The
// caller must Close it.
func open() (*daemon.Daemon, error) {
	cfg, err := config.Load(CLI.Config)
	if err != nil {
		return nil, err
	}
	setupLogging(cfg)
	return daemon.New(cfg, "")
}

func runDaemon() error {
	cfg, err := config.Load(CLI.Config)
	if err != nil {
		return err
	}
	setupLogging(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	d, err := daemon.New(cfg, CLI.Config)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	return d.Run(ctx)
}

func runStatus(id string) error {
	d, err := open()
	if err != nil {
		return err
	}
	defer d.Close()

	if id == "" {
		snap, err := d.Snapshot()
		if err != nil {
			return err
		}
		fmt.Printf("Status:      %s\n", snap.Status)
		fmt.Printf("Dry run:     %v\n", snap.DryRun)
		fmt.Printf("Disk usage:  %.1f%%\n", snap.DiskUsagePercent)
		fmt.Printf("Flagged:     %d\n", snap.FlaggedForReview)
		for _, state := range []lifecycle.State{
			lifecycle.StateCreated, lifecycle.StatePending, lifecycle.StateConfirmed,
			lifecycle.StateCleanable, lifecycle.StateArchived,
		} {
			if n := snap.RecordCounts[state]; n > 0 {
				fmt.Printf("  %-10s %d\n", state, n)
			}
		}
		return nil
	}

	rec, err := d.Coordinator().Status(id)
	if err != nil {
		return err
	}
	fmt.Printf("ID:          %s\n", rec.ID)
	fmt.Printf("State:       %s\n", rec.State)
	fmt.Printf("Created:     %s\n", rec.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:     %s\n", rec.UpdatedAt.Format(time.RFC3339))
	fmt.Printf("Size:        %d bytes\n", rec.SizeBytes)
	if rec.PayloadPath != "" {
		fmt.Printf("Payload:     %s\n", rec.PayloadPath)
	}
	if rec.ArchivePath != "" {
		fmt.Printf("Archive:     %s (verified: %v)\n", rec.ArchivePath, rec.ArchiveVerified)
	}
	if c := rec.Metadata.Commit; c != nil {
		fmt.Printf("Commit:      %s at %s\n", c.Hash, c.CommittedAt.Format(time.RFC3339))
	}
	if m := rec.Metadata.Merge; m != nil {
		fmt.Printf("Merge:       %s (confidence %.2f)\n", m.MergeHash, m.Confidence)
	}
	if p := rec.Metadata.Push; p != nil {
		fmt.Printf("Push:        %s (confidence %.2f)\n", p.Remote, p.Confidence)
	}
	if rec.Metadata.CleanupConfidence != nil {
		fmt.Printf("Cleanup confidence: %.2f\n", *rec.Metadata.CleanupConfidence)
	}
	if rec.Metadata.ReviewFlaggedAt != nil {
		fmt.Printf("Flagged for review: %s\n", rec.Metadata.ReviewReason)
	}
	return nil
}

func runList(state string, reviewOnly bool) error {
	d, err := open()
	if err != nil {
		return err
	}
	defer d.Close()

	var records []*lifecycle.BackupRecord
	switch {
	case reviewOnly:
		records, err = d.Coordinator().ListFlaggedForReview()
	case state != "":
		s, perr := lifecycle.ParseState(state)
		if perr != nil {
			return perr
		}
		records, err = d.Coordinator().List(&s)
	default:
		records, err = d.Coordinator().List(nil)
	}
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tAGE\tSIZE\tCONFIDENCE\tFLAGS")
	for _, rec := range records {
		conf := "-"
		if rec.Metadata.CleanupConfidence != nil {
			conf = fmt.Sprintf("%.2f", *rec.Metadata.CleanupConfidence)
		}
		var flags []string
		if rec.Metadata.CleanableSince != nil {
			flags = append(flags, "armed")
		}
		if rec.Metadata.ReviewFlaggedAt != nil {
			flags = append(flags, "review")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			rec.ID, rec.State,
			rec.Age(time.Now()).Round(time.Minute),
			rec.SizeBytes, conf, strings.Join(flags, ","))
	}
	return w.Flush()
}

func runTrack(id, payload string) error {
	d, err := open()
	if err != nil {
		return err
	}
	defer d.Close()

	rec, err := d.Coordinator().Register(context.Background(), id, payload)
	if err != nil {
		return err
	}
	fmt.Printf("Tracking %s (%d bytes) in state %s\n", rec.ID, rec.SizeBytes, rec.State)
	return nil
}

func runUserTransition(op, id string) error {
	d, err := open()
	if err != nil {
		return err
	}
	defer d.Close()

	ctx := context.Background()
	cmds := d.UserCommands(terminalPrompter{})

	out, err := withRetry(ctx, d, func() coordinator.Outcome {
		switch op {
		case "confirm":
			return cmds.Confirm(ctx, id)
		case "cleanup":
			return cmds.Cleanup(ctx, id)
		default:
			return cmds.Archive(ctx, id)
		}
	})
	if err != nil {
		return err
	}
	printOutcome(id, out)
	return nil
}

func runRestore(id, dest string) error {
	cfg, err := config.Load(CLI.Config)
	if err != nil {
		return err
	}
	setupLogging(cfg)
	if dest != "" {
		cfg.Archive.RestoreDir = dest
	}

	d, err := daemon.New(cfg, "")
	if err != nil {
		return err
	}
	defer d.Close()

	ctx := context.Background()
	cmds := d.UserCommands(terminalPrompter{})
	out, err := withRetry(ctx, d, func() coordinator.Outcome {
		return cmds.Restore(ctx, id)
	})
	if err != nil {
		return err
	}
	printOutcome(id, out)
	rec, err := d.Coordinator().Status(id)
	if err == nil && rec.PayloadPath != "" {
		fmt.Printf("Payload restored under %s\n", rec.PayloadPath)
	}
	return nil
}

func runDelete(id string, force bool) error {
	d, err := open()
	if err != nil {
		return err
	}
	defer d.Close()

	ctx := context.Background()
	cmds := d.UserCommands(terminalPrompter{})

	out, err := cmds.Delete(ctx, id, force)
	if err != nil {
		return err
	}
	printOutcome(id, out)
	return nil
}

// withRetry re-attempts transient outcomes (lock contention, deferral) per
// the configured backoff policy.
func withRetry(ctx context.Context, d *daemon.Daemon, fn func() coordinator.Outcome) (coordinator.Outcome, error) {
	var out coordinator.Outcome
	err := d.RetryPolicy().Do(ctx, func() (bool, error) {
		out = fn()
		switch out.Result {
		case coordinator.ResultSuccess, coordinator.ResultDryRun:
			return false, nil
		}
		err := out.Err
		if err == nil {
			err = fmt.Errorf("transition failed: %s", out.Result)
		}
		return out.Result.Retryable(), err
	})
	return out, err
}

func printOutcome(id string, out coordinator.Outcome) {
	switch out.Result {
	case coordinator.ResultDryRun:
		fmt.Printf("%s: %s -> %s (dry run, not applied)\n", id, out.From, out.To)
	default:
		if out.Confidence != nil {
			fmt.Printf("%s: %s -> %s (confidence %.2f)\n", id, out.From, out.To, *out.Confidence)
			return
		}
		fmt.Printf("%s: %s -> %s\n", id, out.From, out.To)
	}
}

// terminalPrompter asks yes/no questions on the controlling terminal.
type terminalPrompter struct{}

func (terminalPrompter) Confirm(prompt string) (bool, error) {
	fmt.Printf("%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}
