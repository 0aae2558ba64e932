package scm

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildops/shared/model"
)

type upstream struct {
	t    *testing.T
	dir  string
	repo *git.Repository
}

// newUpstream creates a repository whose only branch is main.
func newUpstream(t *testing.T) *upstream {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
	dir := t.TempDir()
	r, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	u := &upstream{t: t, dir: dir, repo: r}
	h := u.commit("README.md", "v1")

	main := plumbing.NewBranchReferenceName("main")
	require.NoError(t, r.Storer.SetReference(plumbing.NewHashReference(main, h)))
	require.NoError(t, r.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, main)))
	require.NoError(t, r.Storer.RemoveReference(plumbing.Master))
	return u
}

func (u *upstream) commit(name, content string) plumbing.Hash {
	u.t.Helper()
	require.NoError(u.t, os.WriteFile(filepath.Join(u.dir, name), []byte(content), 0644))
	wt, err := u.repo.Worktree()
	require.NoError(u.t, err)
	_, err = wt.Add(name)
	require.NoError(u.t, err)
	h, err := wt.Commit("update "+name, &git.CommitOptions{
		Author: &object.Signature{Name: "ci", Email: "ci@example.com", When: time.Now()},
	})
	require.NoError(u.t, err)
	return h
}

func (u *upstream) model() model.Repository {
	return model.Repository{ID: "r1", Name: "demo", URL: u.dir, Type: model.RepoGit}
}

func readFile(t *testing.T, p string) string {
	t.Helper()
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	return string(data)
}

func TestGitListRefs(t *testing.T) {
	u := newUpstream(t)
	h := u.commit("VERSION", "1.0.0")
	_, err := u.repo.CreateTag("v1.0.0", h, nil)
	require.NoError(t, err)

	branches, tags, err := NewGit().ListRefs(context.Background(), u.model())
	require.NoError(t, err)
	assert.Equal(t, []string{"main"}, branches)
	assert.Equal(t, []string{"v1.0.0"}, tags)
}

func TestGitListRefsHonoursContext(t *testing.T) {
	u := newUpstream(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	branches, _, err := NewGit().ListRefs(ctx, u.model())
	assert.Error(t, err)
	assert.Empty(t, branches)
}

func TestGitResolve(t *testing.T) {
	u := newUpstream(t)
	h := u.commit("VERSION", "1.0.0")
	_, err := u.repo.CreateTag("v1.0.0", h, nil)
	require.NoError(t, err)
	g := NewGit()

	ref, err := g.Resolve(context.Background(), u.model(), Ref{Branch: "ma", Tag: "v1.*"})
	require.NoError(t, err)
	assert.Equal(t, Ref{Branch: "main", Tag: "v1.0.0"}, ref)

	ref, err = g.Resolve(context.Background(), u.model(), Ref{Branch: "main"})
	require.NoError(t, err)
	assert.Equal(t, Ref{Branch: "main"}, ref)

	// the tag is not looked at when the branch misses
	_, err = g.Resolve(context.Background(), u.model(), Ref{Branch: "dev", Tag: "nope"})
	var re *ResolveError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "branch", re.Kind)
}

func TestGitPullUnknownBranch(t *testing.T) {
	u := newUpstream(t)
	var out bytes.Buffer
	dir := filepath.Join(t.TempDir(), "source")

	_, err := NewGit().Pull(context.Background(), u.model(), dir, Ref{Branch: "release"}, &out)
	var re *ResolveError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "branch", re.Kind)
	assert.NoDirExists(t, dir)
}

func TestGitPullUnknownTag(t *testing.T) {
	u := newUpstream(t)
	var out bytes.Buffer

	_, err := NewGit().Pull(context.Background(), u.model(), filepath.Join(t.TempDir(), "source"), Ref{Branch: "main", Tag: "v9"}, &out)
	var re *ResolveError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "tag", re.Kind)
}

func TestGitPullCloneThenUpdate(t *testing.T) {
	u := newUpstream(t)
	g := NewGit()
	dir := filepath.Join(t.TempDir(), "source")
	var out bytes.Buffer

	summary, err := g.Pull(context.Background(), u.model(), dir, Ref{Branch: "mai"}, &out)
	require.NoError(t, err)
	assert.Contains(t, summary, "main")
	assert.Contains(t, out.String(), "repository [mai] clone pull from main")
	assert.Equal(t, "v1", readFile(t, filepath.Join(dir, "README.md")))

	// local edits are discarded by the hard reset
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("dirty"), 0644))
	u.commit("README.md", "v2")

	_, err = g.Pull(context.Background(), u.model(), dir, Ref{Branch: "main"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "v2", readFile(t, filepath.Join(dir, "README.md")))
}

func TestGitPullTag(t *testing.T) {
	u := newUpstream(t)
	h := u.commit("README.md", "tagged")
	_, err := u.repo.CreateTag("v1.0.0", h, &git.CreateTagOptions{
		Tagger:  &object.Signature{Name: "ci", Email: "ci@example.com", When: time.Now()},
		Message: "first release",
	})
	require.NoError(t, err)
	u.commit("README.md", "after tag")

	dir := filepath.Join(t.TempDir(), "source")
	var out bytes.Buffer
	summary, err := NewGit().Pull(context.Background(), u.model(), dir, Ref{Branch: "main", Tag: "v1"}, &out)
	require.NoError(t, err)
	assert.Contains(t, summary, "tag v1.0.0")
	assert.Equal(t, "tagged", readFile(t, filepath.Join(dir, "README.md")))
}
