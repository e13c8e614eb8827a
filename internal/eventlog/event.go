// Package eventlog implements the durable, append-only event log: every ref
// transaction and commit rewrite the hooks observe is stored here, keyed by
// transaction id, and replayed by internal/replay to derive the current
// visibility state.
package eventlog

import (
	"time"

	"github.com/branchless-go/git-branchless/internal/oid"
)

// TxId is a monotonically increasing transaction id grouping atomically
// committed events.
type TxId int64

// Kind discriminates the Event variants stored in the events table.
type Kind string

const (
	KindRefMove             Kind = "ref_move"
	KindCommitVisible       Kind = "commit_visible"
	KindCommitHide          Kind = "commit_hide"
	KindCommitUnhide        Kind = "commit_unhide"
	KindRewrite             Kind = "rewrite"
	KindWorkingCopySnapshot Kind = "working_copy_snapshot"
)

// Event is one row of the log. Only the fields relevant to Kind are
// populated, mirroring the events table's nullable columns.
type Event struct {
	Tx        TxId
	Timestamp time.Time
	Kind      Kind

	RefName string  // RefMove
	OldOID  oid.OID // RefMove, Rewrite (as OldOID)
	NewOID  oid.OID // RefMove, Rewrite (as NewOID)
	Message string  // RefMove

	OID oid.OID // CommitVisible, CommitHide, CommitUnhide, WorkingCopySnapshot (as head oid)
}

func RefMove(tx TxId, ts time.Time, ref string, old, new_ oid.OID, msg string) Event {
	return Event{Tx: tx, Timestamp: ts, Kind: KindRefMove, RefName: ref, OldOID: old, NewOID: new_, Message: msg}
}

func CommitVisible(tx TxId, ts time.Time, o oid.OID) Event {
	return Event{Tx: tx, Timestamp: ts, Kind: KindCommitVisible, OID: o}
}

func CommitHide(tx TxId, ts time.Time, o oid.OID) Event {
	return Event{Tx: tx, Timestamp: ts, Kind: KindCommitHide, OID: o}
}

func CommitUnhide(tx TxId, ts time.Time, o oid.OID) Event {
	return Event{Tx: tx, Timestamp: ts, Kind: KindCommitUnhide, OID: o}
}

func Rewrite(tx TxId, ts time.Time, old, new_ oid.OID) Event {
	return Event{Tx: tx, Timestamp: ts, Kind: KindRewrite, OldOID: old, NewOID: new_}
}

func WorkingCopySnapshot(tx TxId, ts time.Time, head oid.OID) Event {
	return Event{Tx: tx, Timestamp: ts, Kind: KindWorkingCopySnapshot, OID: head}
}
