package rebase

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/branchless-go/git-branchless/internal/dagview"
	"github.com/branchless-go/git-branchless/internal/eventlog"
	"github.com/branchless-go/git-branchless/internal/oid"
	"github.com/branchless-go/git-branchless/internal/replay"
	"github.com/branchless-go/git-branchless/internal/vcs"
)

// fakeRepo is an in-memory commit graph satisfying the planner's, the
// executor's, and the DAG view's accessor interfaces, so the whole
// plan-then-execute path runs without a VCS binary.
type fakeRepo struct {
	commits       map[oid.OID]*vcs.Commit
	patchIDs      map[oid.OID]string
	conflictTrees oid.Set // source trees whose merge conflicts
	nextID        int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		commits:       make(map[oid.OID]*vcs.Commit),
		patchIDs:      make(map[oid.OID]string),
		conflictTrees: oid.NewSet(),
		nextID:        0x100,
	}
}

func fakeOID(n int) oid.OID {
	o, err := oid.New(fmt.Sprintf("%040x", n))
	if err != nil {
		panic(err)
	}
	return o
}

// addCommit registers a commit with a synthetic tree and returns its OID.
func (f *fakeRepo) addCommit(msg string, parents ...oid.OID) oid.OID {
	f.nextID++
	self := fakeOID(f.nextID)
	f.nextID++
	tree := fakeOID(f.nextID)
	f.commits[self] = &vcs.Commit{
		OID:       self,
		Tree:      tree,
		Parents:   parents,
		Author:    vcs.Signature{Name: "a", Email: "a@example.com", When: "2020-10-29T12:34:56Z"},
		Committer: vcs.Signature{Name: "a", Email: "a@example.com", When: "2020-10-29T12:34:56Z"},
		Message:   msg,
	}
	return self
}

func (f *fakeRepo) ReadCommit(_ context.Context, o oid.OID) (*vcs.Commit, error) {
	c, ok := f.commits[o]
	if !ok {
		return nil, fmt.Errorf("fake: no commit %s", o)
	}
	return c, nil
}

func (f *fakeRepo) PatchID(_ context.Context, o oid.OID) (string, error) {
	id, ok := f.patchIDs[o]
	if !ok {
		return "", fmt.Errorf("fake: no patch id for %s", o)
	}
	return id, nil
}

func (f *fakeRepo) MergeTree(_ context.Context, _, _, theirs oid.OID) (oid.OID, bool, error) {
	if f.conflictTrees.Has(theirs) {
		return theirs, true, nil
	}
	return theirs, false, nil
}

func (f *fakeRepo) CommitTree(_ context.Context, tree oid.OID, parents []oid.OID, msg string, sig vcs.Signature) (oid.OID, error) {
	f.nextID++
	self := fakeOID(f.nextID)
	f.commits[self] = &vcs.Commit{
		OID: self, Tree: tree, Parents: parents,
		Author: sig, Committer: sig, Message: msg,
	}
	return self, nil
}

func (f *fakeRepo) RunVCS(_ context.Context, _ ...string) (*vcs.RunResult, error) {
	return &vcs.RunResult{}, nil
}

// snapshotOf replays RefMove/CommitVisible events for the given branches and
// visible commits, so tests exercise the real replay fold.
func snapshotOf(branches map[string]oid.OID, visible ...oid.OID) *replay.Snapshot {
	now := time.Unix(0, 0)
	var events []eventlog.Event
	tx := eventlog.TxId(1)
	for name, o := range branches {
		events = append(events, eventlog.RefMove(tx, now, name, oid.Zero, o, ""))
	}
	for _, o := range visible {
		events = append(events, eventlog.CommitVisible(tx, now, o))
	}
	return replay.Replay(events, nil)
}

func viewOf(f *fakeRepo, snap *replay.Snapshot) *dagview.View {
	return dagview.New(context.Background(), f, snap, nil)
}

func TestBuildDetectsConstraintCycle(t *testing.T) {
	f := newFakeRepo()
	root := f.addCommit("root")
	a := f.addCommit("a", root)
	b := f.addCommit("b", root)
	snap := snapshotOf(nil, root, a, b)

	p := NewPlanner(context.Background(), viewOf(f, snap), f, Options{})
	p.MoveSubtree(a, []oid.OID{b})
	p.MoveSubtree(b, []oid.OID{a})

	_, err := p.Build(snap.VisibleCommits)
	var cycle *ConstraintCycle
	require.ErrorAs(t, err, &cycle)
	assert.Len(t, cycle.Commits, 2)
}

func TestBuildRejectsInvisibleSource(t *testing.T) {
	f := newFakeRepo()
	root := f.addCommit("root")
	a := f.addCommit("a", root)
	hidden := f.addCommit("hidden", root)
	snap := snapshotOf(nil, root, a) // hidden is not visible

	p := NewPlanner(context.Background(), viewOf(f, snap), f, Options{})
	p.MoveSubtree(hidden, []oid.OID{a})

	_, err := p.Build(snap.VisibleCommits)
	var illegal *MoveIllegalCommits
	require.ErrorAs(t, err, &illegal)
	assert.Equal(t, []oid.OID{hidden}, illegal.Commits)
}

func TestBuildRejectsRootCommit(t *testing.T) {
	f := newFakeRepo()
	root := f.addCommit("root")
	a := f.addCommit("a", root)
	snap := snapshotOf(nil, root, a)

	p := NewPlanner(context.Background(), viewOf(f, snap), f, Options{})
	p.MoveSubtree(root, []oid.OID{a})

	_, err := p.Build(snap.VisibleCommits)
	var illegal *MoveIllegalCommits
	require.ErrorAs(t, err, &illegal)
}

func TestBuildRejectsPublicCommitsUnlessForced(t *testing.T) {
	f := newFakeRepo()
	root := f.addCommit("root")
	a := f.addCommit("a", root)
	tip := f.addCommit("tip", a)
	feature := f.addCommit("feature", root)
	// a is an ancestor of main's tip, so it is public.
	snap := snapshotOf(map[string]oid.OID{"refs/heads/main": tip}, root, a, tip, feature)

	p := NewPlanner(context.Background(), viewOf(f, snap), f, Options{})
	p.MoveSubtree(a, []oid.OID{feature})
	_, err := p.Build(snap.VisibleCommits)
	var public *MovePublicCommits
	require.ErrorAs(t, err, &public)
	assert.Equal(t, []oid.OID{a}, public.Commits)

	forced := NewPlanner(context.Background(), viewOf(f, snap), f, Options{ForceRewritePublicCommits: true})
	forced.MoveSubtree(a, []oid.OID{feature})
	plan, err := forced.Build(snap.VisibleCommits)
	require.NoError(t, err)
	require.NotNil(t, plan)
}

func TestBuildOrdersDependentMovesAndInsertsLabels(t *testing.T) {
	f := newFakeRepo()
	root := f.addCommit("root")
	base := f.addCommit("base", root)
	c2 := f.addCommit("c2", base)
	c3 := f.addCommit("c3", base)
	snap := snapshotOf(nil, root, base, c2, c3)

	// c3 is declared to land on c2, which is itself being moved: the plan
	// must pick c2 first, bind a label, and pick c3 onto the label.
	p := NewPlanner(context.Background(), viewOf(f, snap), f, Options{})
	p.MoveSubtree(c2, []oid.OID{base})
	p.MoveSubtree(c3, []oid.OID{c2})

	plan, err := p.Build(snap.VisibleCommits)
	require.NoError(t, err)
	require.NotNil(t, plan)
	require.Len(t, plan.Steps, 3)

	assert.Equal(t, StepPick, plan.Steps[0].Kind)
	assert.Equal(t, c2, plan.Steps[0].Source)
	assert.Equal(t, base, plan.Steps[0].Onto)

	assert.Equal(t, StepCreateLabel, plan.Steps[1].Kind)
	label := plan.Steps[1].Label

	assert.Equal(t, StepPick, plan.Steps[2].Kind)
	assert.Equal(t, c3, plan.Steps[2].Source)
	assert.Equal(t, label, plan.Steps[2].OntoLabel)
	assert.True(t, plan.Steps[2].Onto.IsZero())
}

func TestBuildElidesDuplicatesViaPatchID(t *testing.T) {
	f := newFakeRepo()
	root := f.addCommit("root")
	base := f.addCommit("base", root)
	src := f.addCommit("change", root)
	// base already has a child carrying the same patch as src.
	existing := f.addCommit("change (cherry-picked)", base)
	f.patchIDs[src] = "patch-1"
	f.patchIDs[existing] = "patch-1"
	snap := snapshotOf(nil, root, base, src, existing)

	p := NewPlanner(context.Background(), viewOf(f, snap), f, Options{
		DetectDuplicateCommitsViaPatchID: true,
		Workers:                          2,
	})
	p.MoveSubtree(src, []oid.OID{base})

	plan, err := p.Build(snap.VisibleCommits)
	require.NoError(t, err)
	assert.Nil(t, plan, "every step elided should yield a nil plan")
}

func TestBuildEmptyMovesYieldsEmptyPlan(t *testing.T) {
	f := newFakeRepo()
	snap := snapshotOf(nil)
	p := NewPlanner(context.Background(), viewOf(f, snap), f, Options{})
	plan, err := p.Build(snap.VisibleCommits)
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Empty(t, plan.Steps)
}
