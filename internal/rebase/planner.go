// Package rebase implements the rebase planner and executor: translating a
// set of (commit, new_parents) moves into an ordered plan, then executing
// that plan either in memory or on disk.
package rebase

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/branchless-go/git-branchless/internal/dagview"
	"github.com/branchless-go/git-branchless/internal/oid"
	"github.com/branchless-go/git-branchless/internal/vcs"
)

// StepKind discriminates RebasePlan steps.
type StepKind int

const (
	StepPick StepKind = iota
	StepCreateLabel
	StepResetTo
)

// Step is one entry of a RebasePlan. Only the fields relevant to Kind are
// populated.
type Step struct {
	Kind StepKind

	// StepPick
	Source       oid.OID // the commit being moved
	Onto         oid.OID // explicit, unmoved target commit (mutually exclusive with OntoLabel)
	OntoLabel    string  // refers to a label bound by an earlier StepCreateLabel
	ExtraParents []oid.OID

	// StepCreateLabel / StepResetTo
	Label string
}

// RebasePlan is the ordered sequence of steps produced by Build.
type RebasePlan struct {
	Steps []Step
}

// ConstraintCycle is returned when the requested moves induce a cycle in
// the resulting parent relation.
type ConstraintCycle struct {
	Commits []oid.OID
}

func (e *ConstraintCycle) Error() string {
	return fmt.Sprintf("rebase: move constraints form a cycle among %d commits", len(e.Commits))
}

// MoveIllegalCommits is returned when a requested source commit is not in
// the visible graph, or is a root commit.
type MoveIllegalCommits struct {
	Commits []oid.OID
}

func (e *MoveIllegalCommits) Error() string {
	return fmt.Sprintf("rebase: %d commits cannot be moved (not visible, or a root commit)", len(e.Commits))
}

// MovePublicCommits is returned when a move would rewrite public commits,
// unless ForceRewritePublicCommits was set on the planner.
type MovePublicCommits struct {
	Commits []oid.OID
}

func (e *MovePublicCommits) Error() string {
	return fmt.Sprintf("rebase: refusing to rewrite %d public commit(s) without --force-rewrite-public-commits", len(e.Commits))
}

// Options configures plan construction.
type Options struct {
	ForceRewritePublicCommits        bool
	DetectDuplicateCommitsViaPatchID bool
	// Workers bounds the worker pool used for patch-id computation;
	// 0 sizes it to runtime.GOMAXPROCS(0).
	Workers int
}

type move struct {
	commit     oid.OID
	newParents []oid.OID
}

// plannerAccessor is the slice of *vcs.Accessor the planner needs, kept
// narrow so tests can supply an in-memory fake instead of a real VCS binary.
type plannerAccessor interface {
	ReadCommit(ctx context.Context, o oid.OID) (*vcs.Commit, error)
	PatchID(ctx context.Context, o oid.OID) (string, error)
}

// Planner accumulates move_subtree calls and builds a RebasePlan from them.
type Planner struct {
	ctx      context.Context
	view     *dagview.View
	accessor plannerAccessor
	opts     Options
	moves    []move
}

func NewPlanner(ctx context.Context, view *dagview.View, accessor plannerAccessor, opts Options) *Planner {
	return &Planner{ctx: ctx, view: view, accessor: accessor, opts: opts}
}

// MoveSubtree records a move of commit onto newParents.
func (p *Planner) MoveSubtree(commit oid.OID, newParents []oid.OID) {
	p.moves = append(p.moves, move{commit: commit, newParents: newParents})
}

// Build validates the accumulated moves and produces an ordered RebasePlan,
// or a structured error (ConstraintCycle, MoveIllegalCommits,
// MovePublicCommits). A nil plan with a nil error means every step was
// elided by duplicate detection.
func (p *Planner) Build(snapshotVisible oid.Set) (*RebasePlan, error) {
	if len(p.moves) == 0 {
		return &RebasePlan{}, nil
	}

	byCommit := make(map[oid.OID]move, len(p.moves))
	sources := oid.NewSet()
	for _, m := range p.moves {
		byCommit[m.commit] = m
		sources.Add(m.commit)
	}

	if err := p.validateLegal(snapshotVisible, sources); err != nil {
		return nil, err
	}
	if err := p.validatePublic(sources); err != nil {
		return nil, err
	}

	order, err := topologicalOrder(byCommit, sources)
	if err != nil {
		return nil, err
	}

	referencedAsParent := oid.NewSet()
	for _, m := range p.moves {
		for i, np := range m.newParents {
			if i == 0 && sources.Has(np) {
				referencedAsParent.Add(np)
			}
		}
	}

	var steps []Step
	labelOf := make(map[oid.OID]string)
	labelCounter := 0
	for _, s := range order {
		m := byCommit[s]
		var onto oid.OID
		var ontoLabel string
		var extra []oid.OID
		if len(m.newParents) > 0 {
			first := m.newParents[0]
			if lbl, ok := labelOf[first]; ok {
				ontoLabel = lbl
			} else {
				onto = first
			}
			extra = m.newParents[1:]
		}
		steps = append(steps, Step{Kind: StepPick, Source: s, Onto: onto, OntoLabel: ontoLabel, ExtraParents: extra})
		if referencedAsParent.Has(s) {
			labelCounter++
			lbl := fmt.Sprintf("label-%d", labelCounter)
			steps = append(steps, Step{Kind: StepCreateLabel, Label: lbl})
			labelOf[s] = lbl
		}
	}

	if p.opts.DetectDuplicateCommitsViaPatchID {
		steps, err = p.elideDuplicates(steps, labelOf)
		if err != nil {
			return nil, err
		}
	}

	if len(steps) == 0 {
		return nil, nil
	}
	return &RebasePlan{Steps: steps}, nil
}

func (p *Planner) validateLegal(visible, sources oid.Set) error {
	var illegal []oid.OID
	for s := range sources {
		if !visible.Has(s) {
			illegal = append(illegal, s)
			continue
		}
		c, err := p.accessor.ReadCommit(p.ctx, s)
		if err != nil || len(c.Parents) == 0 {
			illegal = append(illegal, s)
		}
	}
	if len(illegal) > 0 {
		sortOIDs(illegal)
		return &MoveIllegalCommits{Commits: illegal}
	}
	return nil
}

func (p *Planner) validatePublic(sources oid.Set) error {
	if p.opts.ForceRewritePublicCommits {
		return nil
	}
	var public []oid.OID
	for s := range sources {
		isPublic, err := p.view.IsPublic(s)
		if err != nil {
			return err
		}
		if isPublic {
			public = append(public, s)
		}
	}
	if len(public) > 0 {
		sortOIDs(public)
		return &MovePublicCommits{Commits: public}
	}
	return nil
}

// topologicalOrder orders sources such that a source's declared new parent
// (when it is itself a source) always precedes it, detecting cycles.
func topologicalOrder(byCommit map[oid.OID]move, sources oid.Set) ([]oid.OID, error) {
	indegree := make(map[oid.OID]int, len(sources))
	edges := make(map[oid.OID][]oid.OID, len(sources))
	for s := range sources {
		indegree[s] = 0
	}
	for s := range sources {
		m := byCommit[s]
		for i, np := range m.newParents {
			if i == 0 && sources.Has(np) {
				edges[np] = append(edges[np], s)
				indegree[s]++
			}
		}
	}
	var queue []oid.OID
	for s := range sources {
		if indegree[s] == 0 {
			queue = append(queue, s)
		}
	}
	sortOIDs(queue)
	var order []oid.OID
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		var freed []oid.OID
		for _, next := range edges[n] {
			indegree[next]--
			if indegree[next] == 0 {
				freed = append(freed, next)
			}
		}
		sortOIDs(freed)
		queue = append(queue, freed...)
	}
	if len(order) != len(sources) {
		var cyclic []oid.OID
		for s := range sources {
			if indegree[s] > 0 {
				cyclic = append(cyclic, s)
			}
		}
		sortOIDs(cyclic)
		return nil, &ConstraintCycle{Commits: cyclic}
	}
	return order, nil
}

func sortOIDs(s []oid.OID) {
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
}

// elideDuplicates drops Pick steps whose source already exists at the
// target location under the same patch id, computing patch ids concurrently
// over a bounded worker pool.
func (p *Planner) elideDuplicates(steps []Step, labelOf map[oid.OID]string) ([]Step, error) {
	var pickSteps []int
	for i, st := range steps {
		if st.Kind == StepPick && !st.Onto.IsZero() {
			pickSteps = append(pickSteps, i)
		}
	}
	if len(pickSteps) == 0 {
		return steps, nil
	}

	patchIDs := make(map[oid.OID]string, len(pickSteps))
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(p.ctx)
	workers := p.opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	g.SetLimit(workers)
	for _, idx := range pickSteps {
		idx := idx
		g.Go(func() error {
			src := steps[idx].Source
			onto := steps[idx].Onto
			srcID, err := p.accessor.PatchID(ctx, src)
			if err != nil {
				return err
			}
			children, err := p.view.Children(oid.NewSet(onto))
			if err != nil {
				return err
			}
			for child := range children {
				childID, err := p.accessor.PatchID(ctx, child)
				if err != nil {
					continue
				}
				if childID == srcID {
					mu.Lock()
					patchIDs[src] = childID
					mu.Unlock()
					return nil
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("rebase: patch-id duplicate detection: %w", err)
	}

	elided := oid.NewSet()
	for src := range patchIDs {
		elided.Add(src)
	}
	if len(elided) == 0 {
		return steps, nil
	}
	var filtered []Step
	for _, st := range steps {
		if st.Kind == StepPick && elided.Has(st.Source) {
			continue
		}
		if st.Kind == StepCreateLabel {
			// Drop labels whose only purpose was binding an elided pick.
			bound := false
			for src, lbl := range labelOf {
				if lbl == st.Label && elided.Has(src) {
					bound = true
				}
			}
			if bound {
				continue
			}
		}
		filtered = append(filtered, st)
	}
	return filtered, nil
}
