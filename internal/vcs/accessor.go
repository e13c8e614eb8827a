// Package vcs is the object accessor over the underlying version-control
// system: it resolves refs, reads commits, enumerates packed refs, and
// spawns the VCS as a subprocess. The binary name is configurable so tests
// can point it at a stub.
package vcs

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/branchless-go/git-branchless/internal/command"
	"github.com/branchless-go/git-branchless/internal/oid"
)

// ErrReferenceNotFound is returned when a ref lookup finds nothing.
var ErrReferenceNotFound = errors.New("vcs: reference not found")

// Signature is a minimal author/committer identity, trimmed to what the
// in-memory rebase executor needs to stamp a rewritten commit.
type Signature struct {
	Name  string
	Email string
	When  string // RFC3339; kept as text so callers control timestamp policy
}

// Commit is the read projection of a commit object: parents, message, and
// tree, with everything the planner and executor don't need (extra headers,
// GPG signature) dropped.
type Commit struct {
	OID       oid.OID
	Tree      oid.OID
	Parents   []oid.OID
	Author    Signature
	Committer Signature
	Message   string
}

// HeadInfo describes the current HEAD: either detached (OID set, RefName
// empty) or attached to a branch (both set).
type HeadInfo struct {
	OID     oid.OID
	RefName string
}

// RunResult is the generic VCS subprocess result.
type RunResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Accessor wraps a single VCS working copy (or linked worktree).
type Accessor struct {
	vcsName       string
	worktreeDir   string // per-worktree VCS directory (.git, or .git/worktrees/<id>)
	commonDir     string // shared common directory; where packed-refs and refs/ actually live
	workingTreeOK bool   // always set to true by Open, which does not detect bare repos
}

// Open resolves worktreeDir/commonDir for the repository containing dir and
// returns an Accessor. The common dir must be resolved separately because a
// packed-refs file only exists there; reading the per-worktree path instead
// yields an empty mapping and makes the classifier misclassify pack events
// as deletions.
func Open(ctx context.Context, vcsName, dir string) (*Accessor, error) {
	gitDir, err := revParse(ctx, vcsName, dir, "--git-dir")
	if err != nil {
		return nil, fmt.Errorf("vcs: resolve worktree dir: %w", err)
	}
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(dir, gitDir)
	}
	commonDir, err := revParse(ctx, vcsName, dir, "--git-common-dir")
	if err != nil {
		// Older VCS binaries without linked-worktree support: common dir is
		// the worktree dir itself.
		commonDir = gitDir
	} else if !filepath.IsAbs(commonDir) {
		commonDir = filepath.Join(dir, commonDir)
	}
	return &Accessor{vcsName: vcsName, worktreeDir: gitDir, commonDir: commonDir, workingTreeOK: true}, nil
}

func revParse(ctx context.Context, vcsName, dir string, flag string) (string, error) {
	cmd := command.New(ctx, &command.RunOpts{RepoPath: dir}, vcsName, "rev-parse", flag)
	out, err := cmd.OneLine()
	if err != nil {
		return "", err
	}
	return out, nil
}

// CommonDir returns the shared VCS directory. Refs, packed-refs, and the
// sentinel files for active operations live here even from a linked
// worktree.
func (a *Accessor) CommonDir() string { return a.commonDir }

// WorktreeDir returns the per-worktree VCS directory (HEAD, index).
func (a *Accessor) WorktreeDir() string { return a.worktreeDir }

// Resolve resolves ref to an OID, or (Zero, false) if it does not exist.
func (a *Accessor) Resolve(ctx context.Context, ref string) (oid.OID, bool, error) {
	cmd := command.New(ctx, &command.RunOpts{RepoPath: a.worktreeDir}, a.vcsName, "rev-parse", "--verify", "-q", ref)
	out, err := cmd.OneLine()
	if err != nil {
		if command.FromErrorCode(err) != 0 {
			return oid.Zero, false, nil
		}
		return oid.Zero, false, err
	}
	o, err := oid.New(out)
	if err != nil {
		return oid.Zero, false, err
	}
	return o, !o.IsZero(), nil
}

const commitLogFormat = "%H%x00%T%x00%P%x00%an%x00%ae%x00%aI%x00%cn%x00%ce%x00%cI%x00%B%x01"

// ReadCommit reads a single commit object.
func (a *Accessor) ReadCommit(ctx context.Context, o oid.OID) (*Commit, error) {
	cmd := command.New(ctx, &command.RunOpts{RepoPath: a.worktreeDir}, a.vcsName,
		"log", "-1", "--format="+commitLogFormat, o.String())
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("vcs: read commit %s: %s", o, command.FromError(err))
	}
	return parseCommitRecord(bytes.TrimRight(out, "\n\x01"))
}

func parseCommitRecord(raw []byte) (*Commit, error) {
	const numFields = 10 // H, T, P, an, ae, aI, cn, ce, cI, B
	fields := bytes.SplitN(raw, []byte{0}, numFields)
	if len(fields) != numFields {
		return nil, fmt.Errorf("vcs: malformed commit record (%d fields)", len(fields))
	}
	self, err := oid.New(string(fields[0]))
	if err != nil {
		return nil, err
	}
	tree, err := oid.New(string(fields[1]))
	if err != nil {
		return nil, err
	}
	var parents []oid.OID
	for _, p := range strings.Fields(string(fields[2])) {
		po, err := oid.New(p)
		if err != nil {
			return nil, err
		}
		parents = append(parents, po)
	}
	return &Commit{
		OID:       self,
		Tree:      tree,
		Parents:   parents,
		Author:    Signature{Name: string(fields[3]), Email: string(fields[4]), When: string(fields[5])},
		Committer: Signature{Name: string(fields[6]), Email: string(fields[7]), When: string(fields[8])},
		Message:   string(fields[9]),
	}, nil
}

// PackedRefs enumerates the packed-refs file from the COMMON directory,
// never the per-worktree directory; see Open's doc comment.
func (a *Accessor) PackedRefs() (map[string]oid.OID, error) {
	result := make(map[string]oid.OID)
	f, err := os.Open(filepath.Join(a.commonDir, "packed-refs"))
	if errors.Is(err, os.ErrNotExist) {
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := s.Text()
		if line == "" || line[0] == '#' || line[0] == '^' {
			continue
		}
		target, name, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		o, err := oid.New(target)
		if err != nil {
			continue
		}
		if _, exists := result[name]; !exists {
			result[name] = o
		}
	}
	return result, s.Err()
}

// ListRefs enumerates every ref, loose and packed, with its target. Used by
// `init` to rebuild the event log from the repository's current state.
func (a *Accessor) ListRefs(ctx context.Context) (map[string]oid.OID, error) {
	cmd := command.New(ctx, &command.RunOpts{RepoPath: a.worktreeDir}, a.vcsName,
		"for-each-ref", "--format=%(objectname) %(refname)")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("vcs: for-each-ref: %s", command.FromError(err))
	}
	result := make(map[string]oid.OID)
	for _, line := range strings.Split(string(out), "\n") {
		target, name, ok := strings.Cut(strings.TrimSpace(line), " ")
		if !ok {
			continue
		}
		o, err := oid.New(target)
		if err != nil {
			continue
		}
		result[name] = o
	}
	return result, nil
}

// HeadInfo reads HEAD from the per-worktree directory: attached HEADs point
// at a ref, detached HEADs carry only an OID.
func (a *Accessor) HeadInfo(ctx context.Context) (*HeadInfo, error) {
	data, err := os.ReadFile(filepath.Join(a.worktreeDir, "HEAD"))
	if err != nil {
		return nil, err
	}
	line := strings.TrimSpace(string(data))
	if ref, ok := strings.CutPrefix(line, "ref: "); ok {
		o, found, err := a.Resolve(ctx, ref)
		if err != nil {
			return nil, err
		}
		if !found {
			return &HeadInfo{RefName: ref}, nil
		}
		return &HeadInfo{OID: o, RefName: ref}, nil
	}
	o, err := oid.New(line)
	if err != nil {
		return nil, err
	}
	return &HeadInfo{OID: o}, nil
}

// RunVCS spawns the VCS binary with arbitrary args against the worktree
// directory and returns its raw result.
func (a *Accessor) RunVCS(ctx context.Context, args ...string) (*RunResult, error) {
	var stdout, stderr bytes.Buffer
	cmd := command.New(ctx, &command.RunOpts{RepoPath: a.worktreeDir, Stdout: &stdout, Stderr: &stderr}, a.vcsName, args...)
	runErr := cmd.Run()
	return &RunResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: command.FromErrorCode(runErr)}, nil
}

// MergeTree performs the VCS's native three-way tree merge without touching
// the index or working tree, used exclusively by the in-memory rebase
// executor.
func (a *Accessor) MergeTree(ctx context.Context, base, ours, theirs oid.OID) (oid.OID, bool, error) {
	cmd := command.New(ctx, &command.RunOpts{RepoPath: a.worktreeDir}, a.vcsName,
		"merge-tree", "--write-tree", "--merge-base="+base.String(), ours.String(), theirs.String())
	out, err := cmd.Output()
	if err != nil {
		if command.FromErrorCode(err) == 1 {
			// Conflicted merge: first line of stdout is still the (conflicted) tree oid.
			line := strings.SplitN(strings.TrimSpace(string(out)), "\n", 2)[0]
			if o, oerr := oid.New(line); oerr == nil {
				return o, true, nil
			}
			return oid.Zero, true, nil
		}
		return oid.Zero, false, fmt.Errorf("vcs: merge-tree: %s", command.FromError(err))
	}
	line := strings.SplitN(strings.TrimSpace(string(out)), "\n", 2)[0]
	o, err := oid.New(line)
	if err != nil {
		return oid.Zero, false, err
	}
	return o, false, nil
}

// CommitTree creates a commit object directly via the VCS's low-level
// plumbing, used by the in-memory rebase executor so it never writes to the
// index or working tree.
func (a *Accessor) CommitTree(ctx context.Context, tree oid.OID, parents []oid.OID, msg string, sig Signature) (oid.OID, error) {
	args := []string{"commit-tree", tree.String()}
	for _, p := range parents {
		args = append(args, "-p", p.String())
	}
	args = append(args, "-m", msg)
	extraEnv := []string{
		"GIT_AUTHOR_NAME=" + sig.Name, "GIT_AUTHOR_EMAIL=" + sig.Email, "GIT_AUTHOR_DATE=" + sig.When,
		"GIT_COMMITTER_NAME=" + sig.Name, "GIT_COMMITTER_EMAIL=" + sig.Email, "GIT_COMMITTER_DATE=" + sig.When,
	}
	cmd := command.New(ctx, &command.RunOpts{RepoPath: a.worktreeDir, ExtraEnv: extraEnv}, a.vcsName, args...)
	out, err := cmd.OneLine()
	if err != nil {
		return oid.Zero, fmt.Errorf("vcs: commit-tree: %s", command.FromError(err))
	}
	return oid.New(out)
}

// ShortRefName strips the standard ref namespaces from a fully qualified
// ref, the form config patterns and user-facing output use.
func ShortRefName(ref string) string {
	for _, prefix := range []string{"refs/heads/", "refs/tags/", "refs/remotes/"} {
		if rest, ok := strings.CutPrefix(ref, prefix); ok && rest != "" {
			return rest
		}
	}
	return ref
}

// UpdateRefs moves each named ref to its new target in one transaction via
// the VCS's update-ref plumbing: either every pointer moves or none do.
func (a *Accessor) UpdateRefs(ctx context.Context, updates map[string]oid.OID) error {
	if len(updates) == 0 {
		return nil
	}
	names := make([]string, 0, len(updates))
	for name := range updates {
		names = append(names, name)
	}
	sort.Strings(names)
	var stdin bytes.Buffer
	for _, name := range names {
		fmt.Fprintf(&stdin, "update %s %s\n", name, updates[name])
	}
	cmd := command.New(ctx, &command.RunOpts{RepoPath: a.worktreeDir, Stdin: &stdin}, a.vcsName, "update-ref", "--stdin")
	if _, err := cmd.Output(); err != nil {
		return fmt.Errorf("vcs: update-ref: %s", command.FromError(err))
	}
	return nil
}

// PatchID wraps the VCS's patch-id plumbing command, used by the rebase
// planner's duplicate-detection step.
func (a *Accessor) PatchID(ctx context.Context, o oid.OID) (string, error) {
	showCmd := command.New(ctx, &command.RunOpts{RepoPath: a.worktreeDir}, a.vcsName, "show", o.String())
	diff, err := showCmd.Output()
	if err != nil {
		return "", fmt.Errorf("vcs: show %s: %s", o, command.FromError(err))
	}
	var stdin bytes.Buffer
	stdin.Write(diff)
	patchCmd := command.New(ctx, &command.RunOpts{RepoPath: a.worktreeDir, Stdin: &stdin}, a.vcsName, "patch-id", "--stable")
	out, err := patchCmd.OneLine()
	if err != nil {
		return "", fmt.Errorf("vcs: patch-id %s: %s", o, command.FromError(err))
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return "", fmt.Errorf("vcs: patch-id %s: empty output", o)
	}
	return fields[0], nil
}
