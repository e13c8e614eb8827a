package rebase

import (
	"context"
	"fmt"
	"time"

	"github.com/branchless-go/git-branchless/internal/oid"
	"github.com/branchless-go/git-branchless/internal/vcs"
)

// Backend selects which executor implementation runs a RebasePlan.
type Backend int

const (
	BackendAuto Backend = iota
	BackendInMemory
	BackendOnDisk
)

// ExecuteOptions configures plan execution.
type ExecuteOptions struct {
	ForceInMemory         bool
	ForceOnDisk           bool
	DryRun                bool
	ResolveMergeConflicts bool
	PreserveTimestamps    bool
	Committer             vcs.Signature
}

func (o ExecuteOptions) backend() Backend {
	switch {
	case o.ForceInMemory:
		return BackendInMemory
	case o.ForceOnDisk:
		return BackendOnDisk
	default:
		return BackendAuto
	}
}

// Outcome is the result of executing a RebasePlan.
type Outcome struct {
	Succeeded       bool
	WouldSucceed    bool // dry_run mode
	DeclinedToMerge bool
	FailedMergeInfo string
	Failed          bool
	ExitCode        int
	RewrittenOIDs   map[oid.OID]oid.OID // old source -> new commit, in-memory backend only
}

// executorAccessor is the slice of *vcs.Accessor the executor needs, kept
// narrow so tests can supply an in-memory fake instead of a real VCS binary.
type executorAccessor interface {
	ReadCommit(ctx context.Context, o oid.OID) (*vcs.Commit, error)
	MergeTree(ctx context.Context, base, ours, theirs oid.OID) (oid.OID, bool, error)
	CommitTree(ctx context.Context, tree oid.OID, parents []oid.OID, msg string, sig vcs.Signature) (oid.OID, error)
	RunVCS(ctx context.Context, args ...string) (*vcs.RunResult, error)
}

// Executor runs a RebasePlan against a working copy via the object accessor.
type Executor struct {
	accessor executorAccessor
}

func NewExecutor(accessor executorAccessor) *Executor {
	return &Executor{accessor: accessor}
}

// Execute runs plan with the requested backend, defaulting to in-memory:
// that backend never touches the working tree, so it is safe to run while
// the user edits.
func (e *Executor) Execute(ctx context.Context, plan *RebasePlan, opts ExecuteOptions) (Outcome, error) {
	if plan == nil || len(plan.Steps) == 0 {
		return Outcome{Succeeded: true, RewrittenOIDs: map[oid.OID]oid.OID{}}, nil
	}
	switch opts.backend() {
	case BackendOnDisk:
		return e.executeOnDisk(ctx, plan, opts)
	default:
		return e.executeInMemory(ctx, plan, opts)
	}
}

// executeInMemory constructs each step's target tree by three-way merging
// the pick's tree onto the current target against the pick's original
// parent tree, creating commit objects directly without touching the index
// or working tree.
func (e *Executor) executeInMemory(ctx context.Context, plan *RebasePlan, opts ExecuteOptions) (Outcome, error) {
	resolved := make(map[oid.OID]oid.OID)   // original source -> rewritten commit
	labelBound := make(map[string]oid.OID)  // label name -> bound oid

	for _, step := range plan.Steps {
		switch step.Kind {
		case StepCreateLabel:
			// Bound to the most recently produced commit, i.e. the source
			// named by the preceding pick step.
			prev := lastPickSource(plan.Steps, step)
			if newOID, ok := resolved[prev]; ok {
				labelBound[step.Label] = newOID
			}
		case StepResetTo:
			// No-op for the in-memory backend: every pick names its target
			// explicitly via Onto/OntoLabel, so there is no ambient cursor
			// to reposition.
		case StepPick:
			newOID, declined, err := e.pickInMemory(ctx, step, resolved, labelBound, opts)
			if err != nil {
				return Outcome{}, err
			}
			if declined != "" {
				return Outcome{DeclinedToMerge: true, FailedMergeInfo: declined}, nil
			}
			resolved[step.Source] = newOID
		}
	}

	if opts.DryRun {
		return Outcome{WouldSucceed: true, RewrittenOIDs: resolved}, nil
	}
	return Outcome{Succeeded: true, RewrittenOIDs: resolved}, nil
}

func lastPickSource(steps []Step, upto Step) oid.OID {
	var last oid.OID
	for _, s := range steps {
		if s.Kind == StepPick {
			last = s.Source
		}
		if s.Kind == StepCreateLabel && s.Label == upto.Label {
			break
		}
	}
	return last
}

func (e *Executor) resolveTarget(step Step, resolved map[oid.OID]oid.OID, labelBound map[string]oid.OID) (oid.OID, error) {
	if step.OntoLabel != "" {
		t, ok := labelBound[step.OntoLabel]
		if !ok {
			return oid.Zero, fmt.Errorf("rebase: label %q not yet bound", step.OntoLabel)
		}
		return t, nil
	}
	if r, ok := resolved[step.Onto]; ok {
		return r, nil // the declared parent was itself moved earlier in this plan
	}
	return step.Onto, nil
}

func (e *Executor) pickInMemory(ctx context.Context, step Step, resolved map[oid.OID]oid.OID, labelBound map[string]oid.OID, opts ExecuteOptions) (oid.OID, string, error) {
	src, err := e.accessor.ReadCommit(ctx, step.Source)
	if err != nil {
		return oid.Zero, "", fmt.Errorf("rebase: read source %s: %w", step.Source, err)
	}
	onto, err := e.resolveTarget(step, resolved, labelBound)
	if err != nil {
		return oid.Zero, "", err
	}
	ontoCommit, err := e.accessor.ReadCommit(ctx, onto)
	if err != nil {
		return oid.Zero, "", fmt.Errorf("rebase: read onto %s: %w", onto, err)
	}
	var base oid.OID
	if len(src.Parents) > 0 {
		base = src.Parents[0]
	}
	var baseTree oid.OID
	if !base.IsZero() {
		baseCommit, err := e.accessor.ReadCommit(ctx, base)
		if err != nil {
			return oid.Zero, "", fmt.Errorf("rebase: read base %s: %w", base, err)
		}
		baseTree = baseCommit.Tree
	}
	mergedTree, conflicted, err := e.accessor.MergeTree(ctx, baseTree, ontoCommit.Tree, src.Tree)
	if err != nil {
		return oid.Zero, "", fmt.Errorf("rebase: merge-tree for %s: %w", step.Source, err)
	}
	if conflicted {
		if !opts.ResolveMergeConflicts {
			return oid.Zero, fmt.Sprintf("conflict applying %s onto %s", step.Source, onto), nil
		}
		// ResolveMergeConflicts requested but this backend has no
		// interactive resolution surface; the caller should retry on disk.
		return oid.Zero, fmt.Sprintf("conflict applying %s onto %s (in-memory backend cannot resolve)", step.Source, onto), nil
	}

	parents := append([]oid.OID{onto}, step.ExtraParents...)
	sig := vcs.Signature{Name: src.Committer.Name, Email: src.Committer.Email, When: src.Committer.When}
	if opts.Committer.Name != "" {
		sig.Name, sig.Email = opts.Committer.Name, opts.Committer.Email
	}
	if !opts.PreserveTimestamps {
		sig.When = nowFunc().Format(time.RFC3339)
	}
	newOID, err := e.accessor.CommitTree(ctx, mergedTree, parents, src.Message, sig)
	if err != nil {
		return oid.Zero, "", fmt.Errorf("rebase: commit-tree for %s: %w", step.Source, err)
	}
	return newOID, "", nil
}

// executeOnDisk delegates to the VCS's own rebase machinery: each pick is
// applied via the VCS's cherry-pick plumbing against a checked-out worktree.
// The reference-transaction and post-rewrite hooks observe the resulting ref
// churn exactly as they would for a user-invoked rebase.
func (e *Executor) executeOnDisk(ctx context.Context, plan *RebasePlan, opts ExecuteOptions) (Outcome, error) {
	if opts.DryRun {
		return Outcome{WouldSucceed: true}, nil
	}
	labelBound := make(map[string]oid.OID)
	resolved := make(map[oid.OID]oid.OID)
	var lastSource oid.OID

	for _, step := range plan.Steps {
		switch step.Kind {
		case StepCreateLabel:
			if newOID, ok := resolved[lastSource]; ok {
				labelBound[step.Label] = newOID
			}
		case StepResetTo:
			target := labelBound[step.Label]
			if res, err := e.accessor.RunVCS(ctx, "checkout", "--detach", target.String()); err != nil || res.ExitCode != 0 {
				return Outcome{Failed: true, ExitCode: exitCodeOf(res, err)}, nil
			}
		case StepPick:
			onto, err := e.resolveTarget(step, resolved, labelBound)
			if err != nil {
				return Outcome{}, err
			}
			if res, err := e.accessor.RunVCS(ctx, "checkout", "--detach", onto.String()); err != nil || res.ExitCode != 0 {
				return Outcome{Failed: true, ExitCode: exitCodeOf(res, err)}, nil
			}
			cherryArgs := []string{"cherry-pick", "--allow-empty"}
			if opts.PreserveTimestamps {
				cherryArgs = append(cherryArgs, "--no-keep-redundant-commits")
			}
			cherryArgs = append(cherryArgs, step.Source.String())
			res, err := e.accessor.RunVCS(ctx, cherryArgs...)
			if err != nil {
				return Outcome{}, err
			}
			if res.ExitCode != 0 {
				if !opts.ResolveMergeConflicts {
					_, _ = e.accessor.RunVCS(ctx, "cherry-pick", "--abort")
					return Outcome{DeclinedToMerge: true, FailedMergeInfo: string(res.Stderr)}, nil
				}
				return Outcome{Failed: true, ExitCode: res.ExitCode}, nil
			}
			headRes, err := e.accessor.RunVCS(ctx, "rev-parse", "HEAD")
			if err != nil || headRes.ExitCode != 0 {
				return Outcome{Failed: true, ExitCode: exitCodeOf(headRes, err)}, nil
			}
			newOID, err := oid.New(trimNewline(headRes.Stdout))
			if err != nil {
				return Outcome{}, err
			}
			resolved[step.Source] = newOID
			lastSource = step.Source
		}
	}
	return Outcome{Succeeded: true, RewrittenOIDs: resolved}, nil
}

func exitCodeOf(res *vcs.RunResult, err error) int {
	if err != nil {
		return -1
	}
	if res == nil {
		return -1
	}
	return res.ExitCode
}

func trimNewline(b []byte) string {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return string(b)
}

// nowFunc is overridable in tests.
var nowFunc = time.Now
