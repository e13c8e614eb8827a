// Package config is the key→value lookup over the VCS's configuration. The
// core never parses a config file itself; it shells out to the VCS's own
// config plumbing.
package config

import (
	"context"
	"strconv"
	"strings"

	"github.com/branchless-go/git-branchless/internal/command"
)

// Getter is the config surface consumed by every other component.
type Getter interface {
	GetBool(key string, def bool) bool
	GetString(key string, def string) string
	GetStrings(key string) []string
}

// VCSGetter implements Getter by invoking the VCS's own config plumbing
// against repoPath. It is the only Getter implementation in this repository;
// tests use a plain map-backed Getter (see config_test.go's fakeGetter).
type VCSGetter struct {
	vcsName  string
	repoPath string
}

func NewVCSGetter(vcsName, repoPath string) *VCSGetter {
	return &VCSGetter{vcsName: vcsName, repoPath: repoPath}
}

func (g *VCSGetter) all(key string) []string {
	cmd := command.New(context.Background(), &command.RunOpts{RepoPath: g.repoPath},
		g.vcsName, "config", "--get-all", key)
	out, err := cmd.Output()
	if err != nil {
		return nil
	}
	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	result := make([]string, 0, len(lines))
	for _, l := range lines {
		if l != "" {
			result = append(result, l)
		}
	}
	return result
}

func (g *VCSGetter) GetString(key, def string) string {
	vs := g.all(key)
	if len(vs) == 0 {
		return def
	}
	return vs[len(vs)-1]
}

func (g *VCSGetter) GetBool(key string, def bool) bool {
	v := g.GetString(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func (g *VCSGetter) GetStrings(key string) []string {
	return g.all(key)
}

// Keys consumed by the core, named here so call sites never hand-spell the
// string twice.
const (
	KeyIgnoreBranches     = "branchless.core.ignoreBranches"
	KeyPreserveTimestamps = "branchless.restack.preserveTimestamps"
	KeyAdvanceAuto        = "branchless.advance.auto"
	KeyHintPrefix         = "branchless.hint."
	KeyAbbrev             = "core.abbrev"
	KeyMainBranches       = "branchless.core.mainBranches"
)

// HintEnabled reports whether the named hint line should be printed. Hints
// are on unless explicitly disabled via branchless.hint.<name>.
func HintEnabled(g Getter, name string) bool {
	return g.GetBool(KeyHintPrefix+name, true)
}
