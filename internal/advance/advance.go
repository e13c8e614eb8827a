// Package advance moves the sibling commits of HEAD onto HEAD: when a new
// commit is added to a branch that has children stacked on the old tip, the
// children are rebased onto the new tip so the stack stays connected. It is
// the canonical consumer of the event log, replayer, DAG view, and rebase
// planner/executor.
package advance

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/branchless-go/git-branchless/internal/config"
	"github.com/branchless-go/git-branchless/internal/dagview"
	"github.com/branchless-go/git-branchless/internal/eventlog"
	"github.com/branchless-go/git-branchless/internal/glob"
	"github.com/branchless-go/git-branchless/internal/oid"
	"github.com/branchless-go/git-branchless/internal/rebase"
	"github.com/branchless-go/git-branchless/internal/replay"
	"github.com/branchless-go/git-branchless/internal/vcs"
)

// Accessor is the slice of *vcs.Accessor advance needs, kept narrow so tests
// can supply an in-memory fake. It is the union of the planner's and
// executor's accessor requirements plus HeadInfo and the final ref update.
type Accessor interface {
	HeadInfo(ctx context.Context) (*vcs.HeadInfo, error)
	ReadCommit(ctx context.Context, o oid.OID) (*vcs.Commit, error)
	PatchID(ctx context.Context, o oid.OID) (string, error)
	MergeTree(ctx context.Context, base, ours, theirs oid.OID) (oid.OID, bool, error)
	CommitTree(ctx context.Context, tree oid.OID, parents []oid.OID, msg string, sig vcs.Signature) (oid.OID, error)
	RunVCS(ctx context.Context, args ...string) (*vcs.RunResult, error)
	UpdateRefs(ctx context.Context, updates map[string]oid.OID) error
}

// Recorder is the slice of *eventlog.Store advance needs to persist the
// rewrites it performs. A nil Recorder disables recording.
type Recorder interface {
	AddEvents(events []eventlog.Event) error
}

// Options mirrors the advance CLI flags.
type Options struct {
	ForceRewritePublicCommits bool
	InMemory                  bool
	OnDisk                    bool
	DryRun                    bool
}

// Env bundles the read and write surfaces one advance invocation runs
// against, assembled by the command layer.
type Env struct {
	Accessor Accessor
	View     *dagview.View
	Snapshot *replay.Snapshot
	Config   config.Getter
	Log      Recorder
	Tx       eventlog.TxId
	Now      time.Time
}

// Result reports what advance did, for the CLI layer to render.
type Result struct {
	// NoSiblings is true when there were no child commits to advance.
	NoSiblings bool
	// Message is the single line printed to the user on success or no-op.
	Message string
	// Advisory is true when a MovePublicCommits error was turned into
	// guidance rather than a hard failure.
	Advisory bool
	Outcome  rebase.Outcome
}

// Siblings computes the sibling set of head: the visible children of head's
// parents, minus head itself, minus any commit whose only branches are
// ignoreBranches refs. Shared by Run and by the post-commit hook's
// advance-hint check.
func Siblings(ctx context.Context, env *Env, head *vcs.HeadInfo) (oid.Set, []oid.OID, error) {
	headCommit, err := env.Accessor.ReadCommit(ctx, head.OID)
	if err != nil {
		return nil, nil, fmt.Errorf("advance: read HEAD commit: %w", err)
	}
	parents := oid.NewSet(headCommit.Parents...)
	childSet, err := env.View.Children(parents)
	if err != nil {
		return nil, nil, fmt.Errorf("advance: compute children: %w", err)
	}
	childSet.Remove(head.OID)
	siblings := env.View.FilterVisible(childSet)
	siblings = filterIgnored(siblings, env.Snapshot.Branches, env.Config)
	return siblings, headCommit.Parents, nil
}

// filterIgnored drops siblings pointed at only by ignoreBranches refs.
// A sibling with no branch at all, or with at least one non-ignored branch,
// is kept.
func filterIgnored(siblings oid.Set, branches map[string]oid.OID, cfg config.Getter) oid.Set {
	patterns := glob.CompileAll(cfg.GetStrings(config.KeyIgnoreBranches))
	if len(patterns) == 0 {
		return siblings
	}
	ignoredAt := oid.NewSet()
	keptAt := oid.NewSet()
	for name, o := range branches {
		if glob.MatchAny(patterns, vcs.ShortRefName(name)) {
			ignoredAt.Add(o)
		} else {
			keptAt.Add(o)
		}
	}
	out := oid.NewSet()
	for s := range siblings {
		if ignoredAt.Has(s) && !keptAt.Has(s) {
			continue
		}
		out.Add(s)
	}
	return out
}

// Run advances the siblings of HEAD onto HEAD.
func Run(ctx context.Context, env *Env, opts Options) (*Result, error) {
	head, err := env.Accessor.HeadInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("advance: read HEAD: %w", err)
	}
	if head.OID.IsZero() {
		return nil, fmt.Errorf("advance: no commit is currently checked out")
	}

	siblings, headParents, err := Siblings(ctx, env, head)
	if err != nil {
		return nil, err
	}
	if dagview.SetIsEmpty(siblings) {
		return &Result{NoSiblings: true, Message: "No child commits to advance."}, nil
	}

	parents := oid.NewSet(headParents...)
	planner := rebase.NewPlanner(ctx, env.View, env.Accessor, rebase.Options{
		ForceRewritePublicCommits: opts.ForceRewritePublicCommits,
	})
	orderedSiblings := dagview.SetToVec(siblings)
	for _, s := range orderedSiblings {
		sc, err := env.Accessor.ReadCommit(ctx, s)
		if err != nil {
			return nil, fmt.Errorf("advance: read sibling %s: %w", s, err)
		}
		newParents := make([]oid.OID, 0, len(sc.Parents))
		for _, p := range sc.Parents {
			if parents.Has(p) {
				newParents = append(newParents, head.OID)
			} else {
				newParents = append(newParents, p)
			}
		}
		planner.MoveSubtree(s, newParents)
	}

	plan, err := planner.Build(env.Snapshot.VisibleCommits)
	if err != nil {
		if e, ok := err.(*rebase.MovePublicCommits); ok {
			return &Result{Advisory: true, Message: publicCommitsMessage(e)}, nil
		}
		return nil, err
	}
	if plan == nil {
		// Every step was elided by duplicate detection.
		return &Result{NoSiblings: true, Message: "No child commits to advance."}, nil
	}

	executor := rebase.NewExecutor(env.Accessor)
	outcome, err := executor.Execute(ctx, plan, rebase.ExecuteOptions{
		ForceInMemory:      opts.InMemory,
		ForceOnDisk:        opts.OnDisk,
		DryRun:             opts.DryRun,
		PreserveTimestamps: env.Config.GetBool(config.KeyPreserveTimestamps, false),
	})
	if err != nil {
		return nil, err
	}

	if outcome.Succeeded && len(outcome.RewrittenOIDs) > 0 {
		if err := finalize(ctx, env, outcome.RewrittenOIDs); err != nil {
			return nil, err
		}
	}

	headCommit, err := env.Accessor.ReadCommit(ctx, head.OID)
	if err != nil {
		return nil, err
	}
	abbrev := abbrevWidth(env.Config)
	msg := advanceMessage(len(orderedSiblings), head.OID, headCommit.Message, abbrev)
	return &Result{Message: msg, Outcome: outcome}, nil
}

// finalize persists what a successful execution did: Rewrite and
// CommitVisible events into the log, then every branch pointing at a moved
// commit re-pointed at its replacement in one batched ref transaction. The
// update-ref transaction also fires the reference-transaction hook, which
// records the RefMove events through the usual classifier path.
func finalize(ctx context.Context, env *Env, rewritten map[oid.OID]oid.OID) error {
	if env.Log != nil {
		events := make([]eventlog.Event, 0, 2*len(rewritten))
		for old, new_ := range rewritten {
			events = append(events, eventlog.Rewrite(env.Tx, env.Now, old, new_))
			events = append(events, eventlog.CommitVisible(env.Tx, env.Now, new_))
		}
		if err := env.Log.AddEvents(events); err != nil {
			return fmt.Errorf("advance: record rewrites: %w", err)
		}
	}
	updates := make(map[string]oid.OID)
	for name, o := range env.Snapshot.Branches {
		if new_, ok := rewritten[o]; ok {
			updates[name] = new_
		}
	}
	if err := env.Accessor.UpdateRefs(ctx, updates); err != nil {
		return fmt.Errorf("advance: move branch pointers: %w", err)
	}
	return nil
}

func publicCommitsMessage(e *rebase.MovePublicCommits) string {
	noun := "public commit"
	if len(e.Commits) > 1 {
		noun = "public commits"
	}
	return fmt.Sprintf(`You are trying to rewrite %d %s.
It is generally not advised to rewrite public commits, because your
collaborators will have difficulty merging your changes.
To proceed anyways, run: git advance -f`, len(e.Commits), noun)
}

const defaultAbbrev = 7

// abbrevWidth reads core.abbrev, defaulting to 7 hex chars.
func abbrevWidth(cfg config.Getter) int {
	s := cfg.GetString(config.KeyAbbrev, "")
	if s == "" {
		return defaultAbbrev
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return defaultAbbrev
	}
	return n
}

func advanceMessage(count int, onto oid.OID, ontoSubject string, abbrev int) string {
	noun := "commit"
	if count > 1 {
		noun = "commits"
	}
	return fmt.Sprintf("Advancing %d %s onto %s %s.", count, noun, onto.Short(abbrev), firstLine(ontoSubject))
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
