// Package replay folds the event stream into a snapshot: the visible-commit
// set, the branch→commit map, the rewrite equivalence classes, and the
// active-operation state. The Rewrite relation is tracked with a union-find
// over OIDs.
package replay

import (
	"github.com/branchless-go/git-branchless/internal/classify"
	"github.com/branchless-go/git-branchless/internal/eventlog"
	"github.com/branchless-go/git-branchless/internal/oid"
)

// Rewrites is a union-find over the Rewrite relation with path compression.
// The canonical representative of a class is the most recent
// new_oid seen, because union always re-points the old root at the fresh
// new_oid rather than merging by rank.
type Rewrites struct {
	next map[oid.OID]oid.OID
}

func newRewrites() *Rewrites {
	return &Rewrites{next: make(map[oid.OID]oid.OID)}
}

func (r *Rewrites) union(old, new_ oid.OID) {
	r.next[r.Root(old)] = new_
}

// Root follows the forwarding chain from o to its current canonical
// representative, compressing the path as it goes.
func (r *Rewrites) Root(o oid.OID) oid.OID {
	var visited []oid.OID
	cur := o
	for {
		n, ok := r.next[cur]
		if !ok {
			break
		}
		visited = append(visited, cur)
		cur = n
	}
	for _, v := range visited {
		r.next[v] = cur
	}
	return cur
}

// IsRewritten reports whether o has been rewritten to a different
// representative.
func (r *Rewrites) IsRewritten(o oid.OID) bool {
	return r.Root(o) != o
}

// Snapshot is the state derived from the event log. It is never stored; it
// is recomputed by Replay on demand.
type Snapshot struct {
	Branches       map[string]oid.OID // ref name -> OID, after applying deletions
	VisibleCommits oid.Set
	Rewrites       *Rewrites
	ActiveOps      map[string]struct{} // in-progress multi-step operations, keyed by sentinel name
	Cursor         *eventlog.TxId
}

// Replay folds events in order up to and including cursor (nil means the
// end of the log) and returns the resulting Snapshot. Two replays over the
// same events and cursor always produce an identical snapshot: the fold only
// inspects event fields, never wall-clock time or any other ambient state.
func Replay(events []eventlog.Event, cursor *eventlog.TxId) *Snapshot {
	snap := &Snapshot{
		Branches:  make(map[string]oid.OID),
		Rewrites:  newRewrites(),
		ActiveOps: make(map[string]struct{}),
	}
	everVisible := oid.NewSet()
	hidden := oid.NewSet()

	for _, e := range events {
		if cursor != nil && e.Tx > *cursor {
			break
		}
		switch e.Kind {
		case eventlog.KindRefMove:
			if e.NewOID.IsZero() {
				delete(snap.Branches, e.RefName)
			} else {
				snap.Branches[e.RefName] = e.NewOID
				everVisible.Add(e.NewOID)
			}
		case eventlog.KindCommitVisible:
			everVisible.Add(e.OID)
		case eventlog.KindCommitHide:
			hidden.Add(e.OID)
		case eventlog.KindCommitUnhide:
			hidden.Remove(e.OID)
		case eventlog.KindRewrite:
			snap.Rewrites.union(e.OldOID, e.NewOID)
		case eventlog.KindWorkingCopySnapshot:
			// Carries no visibility effect on its own; surfaced by callers
			// that want the last-known HEAD position.
		}
	}
	snap.VisibleCommits = everVisible.Difference(hidden)
	return snap
}

// LiveRefOIDs returns the set of OIDs currently pointed at by some branch.
func (s *Snapshot) LiveRefOIDs() oid.Set {
	live := oid.NewSet()
	for _, o := range s.Branches {
		live.Add(o)
	}
	return live
}

// Abandoned computes the abandoned-commit hints: commits in
// VisibleCommits whose equivalence class has a later representative and
// which no live ref currently points at. These remain in VisibleCommits
// (surfaced as hints only) until explicitly hidden.
func (s *Snapshot) Abandoned() oid.Set {
	live := s.LiveRefOIDs()
	abandoned := oid.NewSet()
	for o := range s.VisibleCommits {
		if s.Rewrites.IsRewritten(o) && !live.Has(o) {
			abandoned.Add(o)
		}
	}
	return abandoned
}

// ActiveOperationName reports whether commonDir currently has an on-disk
// rebase/cherry-pick/merge in progress, delegating to internal/classify's
// sentinel-file detection.
func ActiveOperationName(commonDir string) string {
	return classify.ActiveOperation(commonDir)
}
