package advance_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/branchless-go/git-branchless/internal/advance"
	"github.com/branchless-go/git-branchless/internal/dagview"
	"github.com/branchless-go/git-branchless/internal/eventlog"
	"github.com/branchless-go/git-branchless/internal/oid"
	"github.com/branchless-go/git-branchless/internal/replay"
	"github.com/branchless-go/git-branchless/internal/vcs"
)

type fakeAccessor struct {
	head        *vcs.HeadInfo
	commits     map[oid.OID]*vcs.Commit
	nextID      int
	updatedRefs map[string]oid.OID
}

func newFakeAccessor() *fakeAccessor {
	return &fakeAccessor{
		commits:     make(map[oid.OID]*vcs.Commit),
		nextID:      0x100,
		updatedRefs: make(map[string]oid.OID),
	}
}

func (f *fakeAccessor) add(msg string, parents ...oid.OID) oid.OID {
	f.nextID++
	self, err := oid.New(fmt.Sprintf("%040x", f.nextID))
	if err != nil {
		panic(err)
	}
	f.nextID++
	tree, _ := oid.New(fmt.Sprintf("%040x", f.nextID))
	f.commits[self] = &vcs.Commit{
		OID: self, Tree: tree, Parents: parents,
		Committer: vcs.Signature{Name: "a", Email: "a@example.com", When: "2020-10-29T12:34:56Z"},
		Message:   msg,
	}
	return self
}

func (f *fakeAccessor) HeadInfo(context.Context) (*vcs.HeadInfo, error) { return f.head, nil }

func (f *fakeAccessor) ReadCommit(_ context.Context, o oid.OID) (*vcs.Commit, error) {
	c, ok := f.commits[o]
	if !ok {
		return nil, fmt.Errorf("fake: no commit %s", o)
	}
	return c, nil
}

func (f *fakeAccessor) PatchID(_ context.Context, o oid.OID) (string, error) {
	return "patch-" + o.Short(8), nil
}

func (f *fakeAccessor) MergeTree(_ context.Context, _, _, theirs oid.OID) (oid.OID, bool, error) {
	return theirs, false, nil
}

func (f *fakeAccessor) CommitTree(_ context.Context, tree oid.OID, parents []oid.OID, msg string, sig vcs.Signature) (oid.OID, error) {
	f.nextID++
	self, _ := oid.New(fmt.Sprintf("%040x", f.nextID))
	f.commits[self] = &vcs.Commit{OID: self, Tree: tree, Parents: parents, Committer: sig, Message: msg}
	return self, nil
}

func (f *fakeAccessor) RunVCS(context.Context, ...string) (*vcs.RunResult, error) {
	return &vcs.RunResult{}, nil
}

func (f *fakeAccessor) UpdateRefs(_ context.Context, updates map[string]oid.OID) error {
	for name, o := range updates {
		f.updatedRefs[name] = o
	}
	return nil
}

type fakeLog struct {
	events []eventlog.Event
}

func (l *fakeLog) AddEvents(events []eventlog.Event) error {
	l.events = append(l.events, events...)
	return nil
}

type fakeConfig map[string][]string

func (c fakeConfig) GetString(key, def string) string {
	vs := c[key]
	if len(vs) == 0 {
		return def
	}
	return vs[len(vs)-1]
}

func (c fakeConfig) GetBool(key string, def bool) bool {
	switch c.GetString(key, "") {
	case "true":
		return true
	case "false":
		return false
	}
	return def
}

func (c fakeConfig) GetStrings(key string) []string { return c[key] }

func envOf(f *fakeAccessor, branches map[string]oid.OID, cfg fakeConfig, visible ...oid.OID) (*advance.Env, *fakeLog) {
	now := time.Unix(0, 0)
	var events []eventlog.Event
	for name, o := range branches {
		events = append(events, eventlog.RefMove(1, now, name, oid.Zero, o, ""))
	}
	for _, o := range visible {
		events = append(events, eventlog.CommitVisible(1, now, o))
	}
	snap := replay.Replay(events, nil)
	view := dagview.New(context.Background(), f, snap, nil)
	log := &fakeLog{}
	return &advance.Env{
		Accessor: f,
		View:     view,
		Snapshot: snap,
		Config:   cfg,
		Log:      log,
		Tx:       2,
		Now:      now.Add(time.Minute),
	}, log
}

// stack builds the advance-basic shape: test2 stacked on test1 via branch-2,
// then test3 committed on branch-1 so test2 becomes a sibling of HEAD.
func stack(f *fakeAccessor) (base, sibling, head oid.OID) {
	root := f.add("create test0.txt")
	base = f.add("create test1.txt", root)
	sibling = f.add("create test2.txt", base)
	head = f.add("create test3.txt", base)
	f.head = &vcs.HeadInfo{OID: head, RefName: "refs/heads/branch-1"}
	return base, sibling, head
}

func TestAdvanceMovesSiblingOntoHead(t *testing.T) {
	f := newFakeAccessor()
	base, sibling, head := stack(f)
	env, log := envOf(f, map[string]oid.OID{
		"refs/heads/branch-1": head,
		"refs/heads/branch-2": sibling,
	}, fakeConfig{}, base, sibling, head)

	result, err := advance.Run(context.Background(), env, advance.Options{})
	require.NoError(t, err)
	assert.False(t, result.NoSiblings)
	assert.Equal(t, fmt.Sprintf("Advancing 1 commit onto %s create test3.txt.", head.Short(7)), result.Message)
	require.True(t, result.Outcome.Succeeded)

	newSibling, ok := result.Outcome.RewrittenOIDs[sibling]
	require.True(t, ok)
	moved, err := f.ReadCommit(context.Background(), newSibling)
	require.NoError(t, err)
	assert.Equal(t, []oid.OID{head}, moved.Parents)
	assert.Equal(t, "create test2.txt", moved.Message)

	// The branch pointer followed the rewritten commit.
	assert.Equal(t, newSibling, f.updatedRefs["refs/heads/branch-2"])
	assert.NotContains(t, f.updatedRefs, "refs/heads/branch-1")

	// The rewrite landed in the event log.
	var kinds []eventlog.Kind
	for _, e := range log.events {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, eventlog.KindRewrite)
	assert.Contains(t, kinds, eventlog.KindCommitVisible)
}

func TestAdvanceNoSiblings(t *testing.T) {
	f := newFakeAccessor()
	root := f.add("create test0.txt")
	head := f.add("create test1.txt", root)
	f.head = &vcs.HeadInfo{OID: head, RefName: "refs/heads/main"}
	env, _ := envOf(f, map[string]oid.OID{"refs/heads/main": head}, fakeConfig{}, root, head)

	result, err := advance.Run(context.Background(), env, advance.Options{})
	require.NoError(t, err)
	assert.True(t, result.NoSiblings)
	assert.Equal(t, "No child commits to advance.", result.Message)
	assert.Empty(t, f.updatedRefs)
}

func TestAdvanceSkipsIgnoredSiblings(t *testing.T) {
	f := newFakeAccessor()
	base, sibling, head := stack(f)
	env, _ := envOf(f, map[string]oid.OID{
		"refs/heads/branch-1":   head,
		"refs/heads/release/v1": sibling,
	}, fakeConfig{
		"branchless.core.ignoreBranches": {"release/*"},
	}, base, sibling, head)

	result, err := advance.Run(context.Background(), env, advance.Options{})
	require.NoError(t, err)
	assert.True(t, result.NoSiblings)
	assert.Empty(t, f.updatedRefs)
}

func TestAdvanceKeepsSiblingWithNonIgnoredBranch(t *testing.T) {
	f := newFakeAccessor()
	base, sibling, head := stack(f)
	env, _ := envOf(f, map[string]oid.OID{
		"refs/heads/branch-1":   head,
		"refs/heads/release/v1": sibling,
		"refs/heads/feature-x":  sibling,
	}, fakeConfig{
		"branchless.core.ignoreBranches": {"release/*"},
	}, base, sibling, head)

	result, err := advance.Run(context.Background(), env, advance.Options{})
	require.NoError(t, err)
	assert.False(t, result.NoSiblings)
	require.True(t, result.Outcome.Succeeded)
}

func TestAdvanceRefusesPublicSiblingWithoutForce(t *testing.T) {
	f := newFakeAccessor()
	base, sibling, head := stack(f)
	env, _ := envOf(f, map[string]oid.OID{
		"refs/heads/branch-1": head,
		"refs/heads/main":     sibling, // sibling is the tip of main, hence public
	}, fakeConfig{}, base, sibling, head)

	result, err := advance.Run(context.Background(), env, advance.Options{})
	require.NoError(t, err)
	assert.True(t, result.Advisory)
	assert.Contains(t, result.Message, "git advance -f")
	assert.Empty(t, f.updatedRefs)

	forced, err := advance.Run(context.Background(), env, advance.Options{ForceRewritePublicCommits: true})
	require.NoError(t, err)
	assert.False(t, forced.Advisory)
	require.True(t, forced.Outcome.Succeeded)
}

func TestAdvanceDryRunTouchesNothing(t *testing.T) {
	f := newFakeAccessor()
	base, sibling, head := stack(f)
	env, log := envOf(f, map[string]oid.OID{
		"refs/heads/branch-1": head,
		"refs/heads/branch-2": sibling,
	}, fakeConfig{}, base, sibling, head)

	result, err := advance.Run(context.Background(), env, advance.Options{DryRun: true})
	require.NoError(t, err)
	assert.True(t, result.Outcome.WouldSucceed)
	assert.Empty(t, f.updatedRefs)
	assert.Empty(t, log.events)
}

func TestAdvancePluralizesMultipleSiblings(t *testing.T) {
	f := newFakeAccessor()
	root := f.add("create test0.txt")
	base := f.add("create test1.txt", root)
	sib1 := f.add("create test2.txt", base)
	sib2 := f.add("create test3.txt", base)
	head := f.add("create test4.txt", base)
	f.head = &vcs.HeadInfo{OID: head, RefName: "refs/heads/branch-1"}
	env, _ := envOf(f, map[string]oid.OID{
		"refs/heads/branch-1": head,
		"refs/heads/branch-2": sib1,
		"refs/heads/branch-3": sib2,
	}, fakeConfig{}, root, base, sib1, sib2, head)

	result, err := advance.Run(context.Background(), env, advance.Options{})
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("Advancing 2 commits onto %s create test4.txt.", head.Short(7)), result.Message)
	require.True(t, result.Outcome.Succeeded)
	assert.Len(t, result.Outcome.RewrittenOIDs, 2)
}
