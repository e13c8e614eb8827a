// Command git-branchless-hook is installed by the VCS's hook mechanism: one
// binary, one subcommand per hook name, each translating raw hook input
// into eventlog entries via internal/classify. A hook must never fail the
// enclosing VCS operation, so every Run method logs and returns nil rather
// than propagating errors to the exit code.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"

	"github.com/branchless-go/git-branchless/internal/advance"
	"github.com/branchless-go/git-branchless/internal/classify"
	"github.com/branchless-go/git-branchless/internal/config"
	"github.com/branchless-go/git-branchless/internal/dagview"
	"github.com/branchless-go/git-branchless/internal/eventlog"
	"github.com/branchless-go/git-branchless/internal/oid"
	"github.com/branchless-go/git-branchless/internal/replay"
	"github.com/branchless-go/git-branchless/internal/vcs"
)

type Globals struct {
	VCS string `name:"vcs" default:"git" help:"Name of the underlying VCS binary"`
	CWD string `name:"cwd" default:"." help:"Repository working directory"`
}

// open wires up the accessor, config getter, and event store shared by
// every hook subcommand.
func (g *Globals) open(ctx context.Context) (*vcs.Accessor, *eventlog.Store, *classify.Classifier, error) {
	a, err := vcs.Open(ctx, g.VCS, g.CWD)
	if err != nil {
		return nil, nil, nil, err
	}
	store, err := eventlog.Open(filepath.Join(a.CommonDir(), "branchless"))
	if err != nil {
		return nil, nil, nil, err
	}
	cfg := config.NewVCSGetter(g.VCS, a.WorktreeDir())
	return a, store, &classify.Classifier{Accessor: a, Config: cfg}, nil
}

// logAndSucceed implements the hook contract: internal failures are logged,
// never surfaced as a nonzero exit from the hook itself.
func logAndSucceed(hook string, err error) error {
	if err != nil {
		logrus.WithField("hook", hook).WithError(err).Warn("git-branchless-hook: internal error, continuing")
	}
	return nil
}

// ReferenceTransaction handles the reference-transaction hook: one
// invocation per state (prepared/committed/aborted), with the `<old> <new>
// <ref>` triples for this transaction on stdin.
type ReferenceTransaction struct {
	State string `arg:"" help:"prepared, committed, or aborted"`
}

func (c *ReferenceTransaction) Run(g *Globals) error {
	ctx := context.Background()
	a, store, cl, err := g.open(ctx)
	if err != nil {
		return logAndSucceed("reference-transaction", err)
	}
	defer store.Close()

	lines, err := readRefTransactionLines(os.Stdin)
	if err != nil {
		return logAndSucceed("reference-transaction", err)
	}
	now := time.Now()
	tx, err := store.NextTxID(now, "reference-transaction")
	if err != nil {
		return logAndSucceed("reference-transaction", err)
	}
	events, err := cl.ClassifyRefTransaction(classify.TxState(c.State), lines, tx, now)
	if err != nil {
		return logAndSucceed("reference-transaction", err)
	}

	if classify.ActiveOperation(a.CommonDir()) == "" {
		if flushed, ferr := cl.FlushPending(tx, now); ferr == nil {
			events = append(events, flushed...)
		}
	}

	if len(events) > 0 {
		names := make([]string, 0, len(events))
		for _, e := range events {
			names = append(names, vcs.ShortRefName(e.RefName))
		}
		noun := "update"
		if len(events) != 1 {
			noun = "updates"
		}
		fmt.Fprintf(os.Stderr, "branchless: processing %d %s: %s\n", len(events), noun, strings.Join(names, ", "))
	}
	return logAndSucceed("reference-transaction", store.AddEvents(events))
}

func readRefTransactionLines(r *os.File) ([]classify.RefTransactionLine, error) {
	var lines []classify.RefTransactionLine
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		oldOID, err := oid.New(fields[0])
		if err != nil {
			continue // non-commit ref target (e.g. symbolic); skip rather than fail the hook
		}
		newOID, err := oid.New(fields[1])
		if err != nil {
			continue
		}
		lines = append(lines, classify.RefTransactionLine{RefName: fields[2], OldOID: oldOID, NewOID: newOID})
	}
	return lines, scanner.Err()
}

// PostCommit handles the post-commit hook: stamps a CommitVisible and
// WorkingCopySnapshot event for the commit HEAD now points at.
type PostCommit struct{}

func (c *PostCommit) Run(g *Globals) error {
	ctx := context.Background()
	a, store, _, err := g.open(ctx)
	if err != nil {
		return logAndSucceed("post-commit", err)
	}
	defer store.Close()

	head, err := a.HeadInfo(ctx)
	if err != nil || head.OID.IsZero() {
		return logAndSucceed("post-commit", err)
	}
	now := time.Now()
	tx, err := store.NextTxID(now, "post-commit")
	if err != nil {
		return logAndSucceed("post-commit", err)
	}
	events := classify.ClassifyPostCommit(tx, now, head.OID)
	if err := store.AddEvents(events); err != nil {
		return logAndSucceed("post-commit", err)
	}
	return logAndSucceed("post-commit", afterCommit(ctx, g, a, store, head))
}

// afterCommit runs advance automatically when branchless.advance.auto is
// set, and otherwise prints the advance hint if HEAD's parent has other
// children.
func afterCommit(ctx context.Context, g *Globals, a *vcs.Accessor, store *eventlog.Store, head *vcs.HeadInfo) error {
	cfg := config.NewVCSGetter(g.VCS, a.WorktreeDir())
	events, err := store.Scan(nil)
	if err != nil {
		return err
	}
	snapshot := replay.Replay(events, nil)
	view := dagview.New(ctx, a, snapshot, cfg.GetStrings(config.KeyMainBranches))
	env := &advance.Env{Accessor: a, View: view, Snapshot: snapshot, Config: cfg, Log: store}

	if cfg.GetBool(config.KeyAdvanceAuto, false) {
		now := time.Now()
		tx, err := store.NextTxID(now, "auto-advance")
		if err != nil {
			return err
		}
		env.Tx, env.Now = tx, now
		result, err := advance.Run(ctx, env, advance.Options{})
		if err != nil {
			return err
		}
		if !result.NoSiblings {
			fmt.Fprintln(os.Stderr, "branchless: "+result.Message)
		}
		return nil
	}

	if config.HintEnabled(cfg, "advanceChildCommits") {
		siblings, _, err := advance.Siblings(ctx, env, head)
		if err == nil && len(siblings) > 0 {
			fmt.Fprintln(os.Stderr, "hint: to move child commits onto this commit, run: git advance")
			fmt.Fprintln(os.Stderr, "hint: disable this hint by running: git config --global branchless.hint.advanceChildCommits false")
		}
	}
	return nil
}

// PostRewrite handles the post-rewrite hook: stdin carries `<old-oid>
// <new-oid> [extra...]` pairs from a rebase, amend, or similar rewrite.
// Kind distinguishes "amend" from "rebase" invocations, both handled
// identically here.
type PostRewrite struct {
	Kind string `arg:"" help:"amend or rebase"`
}

func (c *PostRewrite) Run(g *Globals) error {
	ctx := context.Background()
	a, store, cl, err := g.open(ctx)
	if err != nil {
		return logAndSucceed("post-rewrite", err)
	}
	defer store.Close()

	pairs, err := readRewritePairs(os.Stdin)
	if err != nil {
		return logAndSucceed("post-rewrite", err)
	}
	now := time.Now()
	tx, err := store.NextTxID(now, "post-rewrite:"+c.Kind)
	if err != nil {
		return logAndSucceed("post-rewrite", err)
	}
	events := classify.ClassifyPostRewrite(tx, now, pairs)

	if classify.ActiveOperation(a.CommonDir()) == "" {
		if flushed, ferr := cl.FlushPending(tx, now); ferr == nil {
			events = append(events, flushed...)
		}
	}
	if err := store.AddEvents(events); err != nil {
		return logAndSucceed("post-rewrite", err)
	}

	noun := "commit"
	if len(pairs) != 1 {
		noun = "commits"
	}
	fmt.Fprintf(os.Stderr, "branchless: processing %d rewritten %s\n", len(pairs), noun)
	warnAbandoned(g, a, store, pairs)
	return nil
}

// warnAbandoned reports commits this rewrite left abandoned: rewritten, but
// still visible and no longer pointed at by any live branch.
func warnAbandoned(g *Globals, a *vcs.Accessor, store *eventlog.Store, pairs [][2]oid.OID) {
	cfg := config.NewVCSGetter(g.VCS, a.WorktreeDir())
	if !config.HintEnabled(cfg, "restackWarnAbandoned") {
		return
	}
	events, err := store.Scan(nil)
	if err != nil {
		return
	}
	abandoned := replay.Replay(events, nil).Abandoned()
	count := 0
	for _, p := range pairs {
		if abandoned.Has(p[0]) {
			count++
		}
	}
	if count == 0 {
		return
	}
	noun := "commit"
	if count != 1 {
		noun = "commits"
	}
	fmt.Fprintf(os.Stderr, "branchless: This operation abandoned %d %s!\n", count, noun)
	fmt.Fprintln(os.Stderr, "branchless: Consider running one of the following:")
	fmt.Fprintln(os.Stderr, "branchless:   - git restack: re-apply the abandoned commits/branches")
	fmt.Fprintln(os.Stderr, "branchless:     (this is most likely what you want to do)")
	fmt.Fprintln(os.Stderr, "branchless:   - git smartlog: assess the situation")
	fmt.Fprintln(os.Stderr, "branchless:   - git hide [<commit>...]: hide the commits from the smartlog")
	fmt.Fprintln(os.Stderr, "branchless:   - git undo: undo the operation")
	fmt.Fprintln(os.Stderr, "hint: disable this hint by running: git config --global branchless.hint.restackWarnAbandoned false")
}

func readRewritePairs(r *os.File) ([][2]oid.OID, error) {
	var pairs [][2]oid.OID
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		oldOID, err := oid.New(fields[0])
		if err != nil {
			continue
		}
		newOID, err := oid.New(fields[1])
		if err != nil {
			continue
		}
		pairs = append(pairs, [2]oid.OID{oldOID, newOID})
	}
	return pairs, scanner.Err()
}

// PostCheckout handles the post-checkout hook, used only to discard any
// pending ref-move buffer left behind by an aborted operation: the sentinel
// files are already gone by the time this hook fires, so a buffer found
// here is orphaned.
type PostCheckout struct {
	PrevHead string `arg:""`
	NewHead  string `arg:""`
	IsBranch string `arg:"" name:"is-branch-checkout"`
}

func (c *PostCheckout) Run(g *Globals) error {
	ctx := context.Background()
	a, err := vcs.Open(ctx, g.VCS, g.CWD)
	if err != nil {
		return logAndSucceed("post-checkout", err)
	}
	if classify.ActiveOperation(a.CommonDir()) == "" {
		return logAndSucceed("post-checkout", classify.DiscardPending(a.CommonDir()))
	}
	return nil
}

type App struct {
	Globals
	ReferenceTransaction ReferenceTransaction `cmd:"reference-transaction"`
	PostCommit           PostCommit           `cmd:"post-commit"`
	PostRewrite          PostRewrite          `cmd:"post-rewrite"`
	PostCheckout         PostCheckout         `cmd:"post-checkout"`
}

func main() {
	logrus.SetLevel(logrus.WarnLevel)
	var app App
	ctx := kong.Parse(&app, kong.Name("git-branchless-hook"))
	if err := ctx.Run(&app.Globals); err != nil {
		// Should never happen (every Run swallows its own errors), but if
		// it does, still exit 0: a hook must never block the enclosing VCS
		// operation.
		fmt.Fprintln(os.Stderr, err)
	}
}
