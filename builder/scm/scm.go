// Package scm pulls build sources from Git or SVN repositories.
package scm

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar"

	"buildops/shared/model"
)

// Ref selects what to check out. Both fields are fuzzy selectors that are
// resolved against the names the remote advertises.
type Ref struct {
	Branch string
	Tag    string
}

// ResolveError means a selector matched no branch or tag of the remote.
type ResolveError struct {
	Kind     string // "branch" or "tag"
	Selector string
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("%s did not match any %s", e.Selector, e.Kind)
}

// Backend pulls one kind of repository.
type Backend interface {
	Pull(ctx context.Context, repo model.Repository, dir string, ref Ref, out io.Writer) (string, error)
}

// Adapter dispatches pulls to the backend of the repository type.
type Adapter struct {
	backends map[model.RepoType]Backend
}

func NewAdapter() *Adapter {
	return &Adapter{
		backends: map[model.RepoType]Backend{
			model.RepoGit: NewGit(),
			model.RepoSvn: NewSvn(),
		},
	}
}

// Pull brings dir up to date with ref and returns a one line summary. Every
// line of tool output is written to out.
func (a *Adapter) Pull(ctx context.Context, repo model.Repository, dir string, ref Ref, out io.Writer) (string, error) {
	b, ok := a.backends[repo.Type]
	if !ok {
		return "", fmt.Errorf("unsupported repository type: %q", repo.Type)
	}
	return b.Pull(ctx, repo, dir, ref, out)
}

// FuzzyMatch picks the name a selector refers to. An exact name wins;
// otherwise the first name in sorted order that the selector matches, as a
// glob when it has metacharacters and as a case-sensitive substring when it
// does not. An empty selector picks the first name. It returns "" when
// nothing matches.
func FuzzyMatch(names []string, selector string) string {
	if len(names) == 0 {
		return ""
	}
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	if selector == "" {
		return sorted[0]
	}
	for _, n := range sorted {
		if n == selector {
			return n
		}
	}
	glob := strings.ContainsAny(selector, "*?[{")
	for _, n := range sorted {
		if glob {
			if ok, err := doublestar.Match(selector, n); err == nil && ok {
				return n
			}
			continue
		}
		if strings.Contains(n, selector) {
			return n
		}
	}
	return ""
}
