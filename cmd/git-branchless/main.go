// Command git-branchless is the user-facing CLI: the advance command and
// the event-log `init` command. Hooks live in the companion
// git-branchless-hook binary.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"

	"github.com/branchless-go/git-branchless/internal/advance"
	"github.com/branchless-go/git-branchless/internal/config"
	"github.com/branchless-go/git-branchless/internal/dagview"
	"github.com/branchless-go/git-branchless/internal/eventlog"
	"github.com/branchless-go/git-branchless/internal/oid"
	"github.com/branchless-go/git-branchless/internal/rebase"
	"github.com/branchless-go/git-branchless/internal/replay"
	"github.com/branchless-go/git-branchless/internal/vcs"
)

// Globals are threaded into every command's Run method.
type Globals struct {
	VCS     string `name:"vcs" default:"git" help:"Name of the underlying VCS binary"`
	CWD     string `name:"cwd" default:"." help:"Repository working directory"`
	Verbose bool   `name:"verbose" short:"v" help:"Enable verbose (debug) logging"`
}

func (g *Globals) open(ctx context.Context) (*vcs.Accessor, *eventlog.Store, error) {
	a, err := vcs.Open(ctx, g.VCS, g.CWD)
	if err != nil {
		return nil, nil, err
	}
	store, err := eventlog.Open(filepath.Join(a.CommonDir(), "branchless"))
	if err != nil {
		return nil, nil, err
	}
	return a, store, nil
}

// Advance implements the `advance` subcommand.
type Advance struct {
	ForceRewritePublicCommits bool `name:"force-rewrite-public-commits" short:"f" help:"Allow rewriting public commits"`
	InMemory                  bool `name:"in-memory" help:"Force the in-memory rebase backend"`
	OnDisk                    bool `name:"on-disk" help:"Force the on-disk rebase backend"`
	DryRun                    bool `name:"dry-run" help:"Report what would happen without doing it"`
}

func (c *Advance) Run(g *Globals) error {
	ctx := context.Background()
	a, store, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	events, err := store.Scan(nil)
	if err != nil {
		return err
	}
	snapshot := replay.Replay(events, nil)
	if op := replay.ActiveOperationName(a.CommonDir()); op != "" {
		snapshot.ActiveOps[op] = struct{}{}
	}
	cfg := config.NewVCSGetter(g.VCS, a.WorktreeDir())
	view := dagview.New(ctx, a, snapshot, cfg.GetStrings(config.KeyMainBranches))

	now := time.Now()
	tx, err := store.NextTxID(now, "advance")
	if err != nil {
		return err
	}
	result, err := advance.Run(ctx, &advance.Env{
		Accessor: a,
		View:     view,
		Snapshot: snapshot,
		Config:   cfg,
		Log:      store,
		Tx:       tx,
		Now:      now,
	}, advance.Options{
		ForceRewritePublicCommits: c.ForceRewritePublicCommits,
		InMemory:                  c.InMemory,
		OnDisk:                    c.OnDisk,
		DryRun:                    c.DryRun,
	})
	if err != nil {
		var cycle *rebase.ConstraintCycle
		var illegal *rebase.MoveIllegalCommits
		if errors.As(err, &cycle) {
			// Advance only re-parents siblings onto HEAD, which cannot form
			// a cycle.
			fmt.Fprintln(os.Stderr, "BUG: constraint cycle detected when moving siblings, which shouldn't be possible.")
			os.Exit(1)
		}
		if errors.As(err, &illegal) {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
		return err
	}
	fmt.Println(result.Message)
	if result.NoSiblings || result.Advisory {
		return nil
	}
	if result.Outcome.DeclinedToMerge {
		fmt.Fprintf(os.Stderr, "Merge conflict: %s\nRetry with --on-disk to resolve the conflicts.\n", result.Outcome.FailedMergeInfo)
		os.Exit(1)
	}
	if result.Outcome.Failed {
		fmt.Fprintf(os.Stderr, "On-disk rebase backend exited with code %d.\n", result.Outcome.ExitCode)
		os.Exit(1)
	}
	return nil
}

// Init (re)creates the event log for the repository at CWD, rebuilding it
// by scanning the current refs.
type Init struct{}

func (c *Init) Run(g *Globals) error {
	ctx := context.Background()
	a, err := vcs.Open(ctx, g.VCS, g.CWD)
	if err != nil {
		return err
	}
	dir := filepath.Join(a.CommonDir(), "branchless")
	if err := eventlog.Wipe(dir); err != nil {
		return err
	}
	store, err := eventlog.Open(dir)
	if err != nil {
		return err
	}
	defer store.Close()

	now := time.Now()
	tx, err := store.NextTxID(now, "init")
	if err != nil {
		return err
	}
	refs, err := a.ListRefs(ctx)
	if err != nil {
		return err
	}
	var events []eventlog.Event
	for name, o := range refs {
		events = append(events, eventlog.RefMove(tx, now, name, oid.Zero, o, "init: rebuild from refs"))
		events = append(events, eventlog.CommitVisible(tx, now, o))
	}
	if head, err := a.HeadInfo(ctx); err == nil && !head.OID.IsZero() {
		events = append(events, eventlog.CommitVisible(tx, now, head.OID))
		events = append(events, eventlog.WorkingCopySnapshot(tx, now, head.OID))
	}
	if err := store.AddEvents(events); err != nil {
		return err
	}
	if err := installHooks(a.CommonDir()); err != nil {
		return err
	}
	fmt.Println("Initialized event log from current refs.")
	return nil
}

var hookNames = []string{"reference-transaction", "post-commit", "post-rewrite", "post-checkout"}

// installHooks writes forwarding scripts into the common hooks directory so
// the VCS invokes git-branchless-hook for each observed event.
func installHooks(commonDir string) error {
	hooksDir := filepath.Join(commonDir, "hooks")
	if err := os.MkdirAll(hooksDir, 0o755); err != nil {
		return err
	}
	for _, name := range hookNames {
		script := "#!/bin/sh\nexec git-branchless-hook " + name + " \"$@\"\n"
		if err := os.WriteFile(filepath.Join(hooksDir, name), []byte(script), 0o755); err != nil {
			return err
		}
	}
	return nil
}

type App struct {
	Globals
	Advance Advance `cmd:"advance" help:"Advance descendant branches onto HEAD"`
	Init    Init    `cmd:"init" help:"Initialize or rebuild the event log"`
}

func main() {
	logrus.SetLevel(logrus.WarnLevel)
	var app App
	ctx := kong.Parse(&app,
		kong.Name("git-branchless"),
		kong.Description("Event log and rebase-planning core for non-destructive history rewriting."),
	)
	if app.Globals.Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	err := ctx.Run(&app.Globals)
	ctx.FatalIfErrorf(err)
}
