// Package classify implements the reference-transaction hook logic: turning
// raw `(ref, old_oid, new_oid)` triples from the VCS's reference-transaction
// hook into the semantic events stored in the log, filtering the no-op
// events `pack-refs` emits, and buffering ref churn that occurs mid-rebase.
package classify

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/branchless-go/git-branchless/internal/config"
	"github.com/branchless-go/git-branchless/internal/eventlog"
	"github.com/branchless-go/git-branchless/internal/glob"
	"github.com/branchless-go/git-branchless/internal/oid"
	"github.com/branchless-go/git-branchless/internal/vcs"
)

// TxState mirrors the three states the VCS reports on stdin for a
// reference-transaction hook invocation.
type TxState string

const (
	TxPrepared  TxState = "prepared"
	TxCommitted TxState = "committed"
	TxAborted   TxState = "aborted"
)

// RefTransactionLine is one `<old> <new> <ref>` triple from the hook.
type RefTransactionLine struct {
	RefName string
	OldOID  oid.OID
	NewOID  oid.OID
}

// Well-known sentinel files that indicate an on-disk rebase, cherry-pick, or
// merge is underway. Paths are relative to the VCS's common directory: like
// packed-refs, they never exist in a linked worktree's private directory.
var activeOperationSentinels = []string{
	"rebase-merge",
	"rebase-apply",
	"CHERRY_PICK_HEAD",
	"MERGE_HEAD",
	"REVERT_HEAD",
}

// ActiveOperation returns the name of the in-progress operation detected via
// sentinel files in commonDir, or "" if none is active.
func ActiveOperation(commonDir string) string {
	for _, s := range activeOperationSentinels {
		if _, err := os.Stat(filepath.Join(commonDir, s)); err == nil {
			return s
		}
	}
	return ""
}

const pendingFileName = "branchless-pending-ref-moves.json"

func pendingPath(commonDir string) string {
	return filepath.Join(commonDir, pendingFileName)
}

// pendingEntry is the buffered form of a RefTransactionLine, persisted
// across the lifetime of a rebase so a crash between steps doesn't lose the
// buffer.
type pendingEntry struct {
	RefName string `json:"ref_name"`
	OldOID  string `json:"old_oid"`
	NewOID  string `json:"new_oid"`
}

// pendingFile is the on-disk envelope for the pending-ref-move buffer: the
// payload plus its BLAKE3 checksum (hex), which detects a buffer file
// truncated by a crash mid-write.
type pendingFile struct {
	Checksum string         `json:"checksum"`
	Entries  []pendingEntry `json:"entries"`
}

func checksum(entries []pendingEntry) (string, error) {
	payload, err := json.Marshal(entries)
	if err != nil {
		return "", err
	}
	h := blake3.New()
	_, _ = h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// loadPending reads the buffer, discarding it (returning an empty buffer
// rather than an error) if its checksum doesn't match: a torn write must
// never fail the enclosing hook invocation.
func loadPending(commonDir string) ([]pendingEntry, error) {
	data, err := os.ReadFile(pendingPath(commonDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var f pendingFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, nil
	}
	want, err := checksum(f.Entries)
	if err != nil {
		return nil, err
	}
	if want != f.Checksum {
		return nil, nil
	}
	return f.Entries, nil
}

// savePending writes the buffer via a uniquely-named temp file plus rename,
// so a crash mid-write never leaves a truncated buffer behind.
func savePending(commonDir string, entries []pendingEntry) error {
	if len(entries) == 0 {
		return os.Remove(pendingPath(commonDir))
	}
	sum, err := checksum(entries)
	if err != nil {
		return err
	}
	data, err := json.Marshal(pendingFile{Checksum: sum, Entries: entries})
	if err != nil {
		return err
	}
	tmpName := filepath.Join(commonDir, pendingFileName+"."+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmpName, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, pendingPath(commonDir))
}

// DiscardPending discards the buffered ref moves without emitting events,
// the `rebase --abort` case: churn from the abandoned operation must leave
// no trace in the log.
func DiscardPending(commonDir string) error {
	err := os.Remove(pendingPath(commonDir))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// RefReader is the slice of *vcs.Accessor the classifier needs: packed refs
// and the common directory, both file reads rather than subprocess spawns.
type RefReader interface {
	PackedRefs() (map[string]oid.OID, error)
	CommonDir() string
}

// Classifier converts raw ref-transaction triples into eventlog.Events.
type Classifier struct {
	Accessor RefReader
	Config   config.Getter
}

func (c *Classifier) ignoreGlobs() []*glob.Pattern {
	return glob.CompileAll(c.Config.GetStrings(config.KeyIgnoreBranches))
}

func shortName(ref string) string {
	return vcs.ShortRefName(ref)
}

func (c *Classifier) isIgnored(ref string) bool {
	return glob.MatchAny(c.ignoreGlobs(), shortName(ref))
}

// isPackRefsNoOp detects the synthetic creation or deletion events emitted
// by `pack-refs`, by comparing against the packed-refs file (read from the
// COMMON directory).
func isPackRefsNoOp(line RefTransactionLine, packed map[string]oid.OID) bool {
	switch {
	case line.OldOID.IsZero() && !line.NewOID.IsZero():
		return packed[line.RefName] == line.NewOID
	case !line.OldOID.IsZero() && line.NewOID.IsZero():
		return packed[line.RefName] == line.OldOID
	default:
		return false
	}
}

// ClassifyRefTransaction classifies one atomic ref transaction.
// It returns the RefMove events ready to append to the log
// (nil if the transaction buffered into the pending file instead, or if
// txState != committed). now is the wall-clock time stamped on any emitted
// events.
func (c *Classifier) ClassifyRefTransaction(txState TxState, lines []RefTransactionLine, tx eventlog.TxId, now time.Time) ([]eventlog.Event, error) {
	if txState != TxCommitted {
		return nil, nil
	}

	packed, err := c.Accessor.PackedRefs()
	if err != nil {
		return nil, err
	}

	var survivors []RefTransactionLine
	for _, line := range lines {
		if line.OldOID == line.NewOID {
			continue // no-op moves are never persisted, even before the pack-refs check
		}
		if isPackRefsNoOp(line, packed) {
			continue
		}
		if c.isIgnored(line.RefName) {
			continue
		}
		survivors = append(survivors, line)
	}
	if len(survivors) == 0 {
		return nil, nil
	}

	commonDir := c.Accessor.CommonDir()
	if op := ActiveOperation(commonDir); op != "" {
		existing, err := loadPending(commonDir)
		if err != nil {
			return nil, err
		}
		for _, line := range survivors {
			existing = append(existing, pendingEntry{RefName: line.RefName, OldOID: line.OldOID.String(), NewOID: line.NewOID.String()})
		}
		return nil, savePending(commonDir, existing)
	}

	events := make([]eventlog.Event, 0, len(survivors))
	for _, line := range survivors {
		events = append(events, eventlog.RefMove(tx, now, line.RefName, line.OldOID, line.NewOID, ""))
	}
	return events, nil
}

// FlushPending drains the pending-ref-move buffer into one TxId. The
// post-rewrite and reference-transaction hooks call it whenever no operation
// is active, so buffered churn lands once the operation has concluded.
func (c *Classifier) FlushPending(tx eventlog.TxId, now time.Time) ([]eventlog.Event, error) {
	commonDir := c.Accessor.CommonDir()
	entries, err := loadPending(commonDir)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	events := make([]eventlog.Event, 0, len(entries))
	for _, e := range entries {
		oldOID, err := oid.New(e.OldOID)
		if err != nil {
			return nil, err
		}
		newOID, err := oid.New(e.NewOID)
		if err != nil {
			return nil, err
		}
		events = append(events, eventlog.RefMove(tx, now, e.RefName, oldOID, newOID, ""))
	}
	if err := os.Remove(pendingPath(commonDir)); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return events, nil
}

// ClassifyPostRewrite builds the Rewrite events for a post-rewrite hook
// invocation.
func ClassifyPostRewrite(tx eventlog.TxId, now time.Time, pairs [][2]oid.OID) []eventlog.Event {
	events := make([]eventlog.Event, 0, len(pairs))
	for _, p := range pairs {
		events = append(events, eventlog.Rewrite(tx, now, p[0], p[1]))
	}
	return events
}

// ClassifyPostCommit builds the CommitVisible + WorkingCopySnapshot events
// for a post-commit hook invocation.
func ClassifyPostCommit(tx eventlog.TxId, now time.Time, head oid.OID) []eventlog.Event {
	return []eventlog.Event{
		eventlog.CommitVisible(tx, now, head),
		eventlog.WorkingCopySnapshot(tx, now, head),
	}
}
