// Package dagview is a thin wrapper that combines a replay.Snapshot with
// live object-accessor reads to expose set-algebra queries over the commit
// graph.
package dagview

import (
	"context"
	"fmt"

	"github.com/branchless-go/git-branchless/internal/oid"
	"github.com/branchless-go/git-branchless/internal/replay"
	"github.com/branchless-go/git-branchless/internal/vcs"
)

// DefaultMainBranches is used when branchless.core.mainBranches is unset.
var DefaultMainBranches = []string{"main", "master"}

// commitReader is the slice of *vcs.Accessor the DAG view actually needs,
// kept narrow so tests can supply an in-memory fake instead of shelling out
// to a real VCS binary.
type commitReader interface {
	ReadCommit(ctx context.Context, o oid.OID) (*vcs.Commit, error)
}

// View wraps one replay.Snapshot plus live object reads for the lifetime of
// a single command invocation; it owns neither.
type View struct {
	ctx          context.Context
	accessor     commitReader
	snapshot     *replay.Snapshot
	mainBranches []string
	cache        map[oid.OID]*vcs.Commit
}

func New(ctx context.Context, accessor commitReader, snapshot *replay.Snapshot, mainBranches []string) *View {
	if len(mainBranches) == 0 {
		mainBranches = DefaultMainBranches
	}
	return &View{ctx: ctx, accessor: accessor, snapshot: snapshot, mainBranches: mainBranches, cache: make(map[oid.OID]*vcs.Commit)}
}

func (v *View) commit(o oid.OID) (*vcs.Commit, error) {
	if c, ok := v.cache[o]; ok {
		return c, nil
	}
	c, err := v.accessor.ReadCommit(v.ctx, o)
	if err != nil {
		return nil, fmt.Errorf("dagview: read %s: %w", o, err)
	}
	v.cache[o] = c
	return c, nil
}

// Parents returns the union of the parent OIDs of every commit in set.
func (v *View) Parents(set oid.Set) (oid.Set, error) {
	result := oid.NewSet()
	for o := range set {
		c, err := v.commit(o)
		if err != nil {
			return nil, err
		}
		for _, p := range c.Parents {
			result.Add(p)
		}
	}
	return result, nil
}

// Children returns every visible commit (or member of set) whose parents
// intersect set. The DAG view has no reverse-edge index, so this scans the
// candidate universe of visible commits plus set itself; fine at the
// expected scale of a few thousand commits.
func (v *View) Children(set oid.Set) (oid.Set, error) {
	candidates := v.snapshot.VisibleCommits.Union(set)
	result := oid.NewSet()
	for x := range candidates {
		c, err := v.commit(x)
		if err != nil {
			continue // unreadable/pruned object: not a candidate child
		}
		for _, p := range c.Parents {
			if set.Has(p) {
				result.Add(x)
				break
			}
		}
	}
	return result, nil
}

// Ancestors returns set plus every commit reachable by following parent
// edges from set.
func (v *View) Ancestors(set oid.Set) (oid.Set, error) {
	result := oid.NewSet()
	frontier := set.Clone()
	for len(frontier) > 0 {
		next := oid.NewSet()
		for o := range frontier {
			if result.Has(o) {
				continue
			}
			result.Add(o)
			c, err := v.commit(o)
			if err != nil {
				continue
			}
			for _, p := range c.Parents {
				if !result.Has(p) {
					next.Add(p)
				}
			}
		}
		frontier = next
	}
	return result, nil
}

// Descendants returns set plus every visible commit reachable by following
// child edges from set.
func (v *View) Descendants(set oid.Set) (oid.Set, error) {
	result := set.Clone()
	frontier := set.Clone()
	for len(frontier) > 0 {
		next, err := v.Children(frontier)
		if err != nil {
			return nil, err
		}
		next = next.Difference(result)
		for o := range next {
			result.Add(o)
		}
		frontier = next
	}
	return result, nil
}

// FilterVisible intersects set with the snapshot's visible-commit set.
func (v *View) FilterVisible(set oid.Set) oid.Set {
	return set.Intersect(v.snapshot.VisibleCommits)
}

func (v *View) mainOIDs() oid.Set {
	mains := oid.NewSet()
	for _, name := range v.mainBranches {
		for _, prefix := range []string{"", "refs/heads/"} {
			if o, ok := v.snapshot.Branches[prefix+name]; ok {
				mains.Add(o)
			}
		}
	}
	return mains
}

// IsPublic reports whether o is reachable from a configured main branch.
// Public commits are the ones collaborators may have built on; rewriting
// them requires an explicit force.
func (v *View) IsPublic(o oid.OID) (bool, error) {
	mains := v.mainOIDs()
	if mains.Has(o) {
		return true, nil
	}
	ancestors, err := v.Ancestors(mains)
	if err != nil {
		return false, err
	}
	return ancestors.Has(o), nil
}

// SetCount, SetFirst, SetToVec, and SetIsEmpty delegate to oid.Set, for
// callers that prefer the verb form.
func SetCount(s oid.Set) int        { return len(s) }
func SetIsEmpty(s oid.Set) bool     { return len(s) == 0 }
func SetToVec(s oid.Set) []oid.OID  { return s.ToSlice() }
func SetFirst(s oid.Set) (oid.OID, bool) { return s.First() }
